package timeseries

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/baseplate/timeseries/config"
	"github.com/baseplate/timeseries/internal/core/dialect"
	"github.com/baseplate/timeseries/internal/core/ngsi"
	"github.com/baseplate/timeseries/internal/storage/storagetest"
)

var day = time.Date(2018, 1, 1, 0, 0, 0, 0, time.UTC)

func newTranslator(fake *storagetest.Fake) *Translator {
	return NewTranslator(fake, dialect.NewTimescale(), Settings{}, zerolog.Nop(), nil)
}

func TestTranslator_InsertResolvesTimeIndexAndLocation(t *testing.T) {
	fake := storagetest.New()
	tr := newTranslator(fake)
	tr.now = func() time.Time { return day.Add(48 * time.Hour) }

	in := ngsi.Entity{
		ID:   "Room0",
		Type: "Room",
		Attrs: map[string]ngsi.Attribute{
			"TimeInstant": {Type: ngsi.TypeDateTime, Value: ngsi.DateTime(day)},
			"location":    {Type: ngsi.TypeGeoPoint, Value: ngsi.Text("40.5, -3.5")},
		},
	}
	res, err := tr.Insert(context.Background(), []ngsi.Entity{in}, ngsi.Tenant{}, "")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Inserted)

	creates := fake.Find(`create table if not exists "etroom"`)
	require.Len(t, creates, 1)
	assert.Contains(t, creates[0].Query, `"location" geometry`)
	assert.Contains(t, creates[0].Query, `"location_centroid" geometry`)

	inserts := fake.Find(`insert into "etroom"`)
	require.Len(t, inserts, 1)
	assert.Equal(t, day, inserts[0].Args[2])

	assert.Equal(t, ngsi.TypeGeoPoint, in.Attrs["location"].Type, "caller's entity is not modified")
	assert.NotContains(t, in.Attrs, "location_centroid")
}

func TestTranslator_CustomTimeIndex(t *testing.T) {
	fake := storagetest.New()
	tr := newTranslator(fake)

	in := ngsi.Entity{
		ID:   "Room0",
		Type: "Room",
		Attrs: map[string]ngsi.Attribute{
			"TimeInstant": {Type: ngsi.TypeDateTime, Value: ngsi.DateTime(day)},
			"observedAt":  {Type: ngsi.TypeDateTime, Value: ngsi.DateTime(day.Add(time.Hour))},
		},
	}
	_, err := tr.Insert(context.Background(), []ngsi.Entity{in}, ngsi.Tenant{}, "observedAt")
	require.NoError(t, err)

	inserts := fake.Find(`insert into "etroom"`)
	require.Len(t, inserts, 1)
	assert.Equal(t, day.Add(time.Hour), inserts[0].Args[2])
}

func TestTranslator_PingWithoutPinger(t *testing.T) {
	assert.NoError(t, newTranslator(storagetest.New()).Ping(context.Background()))
}

func TestNewDialect(t *testing.T) {
	cfg := &config.Config{Crate: config.DatabaseConfig{Replicas: "1"}}

	d, err := NewDialect(config.BackendCrate, cfg)
	require.NoError(t, err)
	assert.Equal(t, "crate", d.Name())

	d, err = NewDialect(config.BackendTimescale, cfg)
	require.NoError(t, err)
	assert.Equal(t, "timescale", d.Name())

	_, err = NewDialect("mongo", cfg)
	assert.Error(t, err)
}

func TestService_Routing(t *testing.T) {
	tenants, err := config.ParseTenantMap([]byte("tenants:\n  t1:\n    backend: timescale\n"))
	require.NoError(t, err)

	svc := NewService(tenants, config.BackendCrate, zerolog.Nop())
	ts := newTranslator(storagetest.New())
	svc.Register(ts)

	got, err := svc.For(ngsi.Tenant{Service: "t1"})
	require.NoError(t, err)
	assert.Same(t, ts, got)

	_, err = svc.For(ngsi.Tenant{Service: "other"})
	assert.True(t, errors.Is(err, ErrUnknownBackend))

	crate := NewTranslator(storagetest.New(), dialect.NewCrate(""), Settings{}, zerolog.Nop(), nil)
	svc.Register(crate)
	got, err = svc.For(ngsi.Tenant{Service: "other"})
	require.NoError(t, err)
	assert.Same(t, crate, got)

	assert.Equal(t, []string{"crate", "timescale"}, svc.Backends())
	assert.Empty(t, svc.Health(context.Background()))
	assert.NoError(t, svc.Close())
}

func TestService_Setup(t *testing.T) {
	fake := storagetest.New()
	svc := NewService(nil, config.BackendTimescale, zerolog.Nop())
	svc.Register(newTranslator(fake))

	require.NoError(t, svc.Setup(context.Background()))
	assert.Len(t, fake.Find("create table if not exists md_ets_metadata"), 1)
}
