package query

import (
	"context"
	"testing"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/baseplate/timeseries/internal/core/dialect"
	"github.com/baseplate/timeseries/internal/core/geo"
	"github.com/baseplate/timeseries/internal/core/ngsi"
	"github.com/baseplate/timeseries/internal/core/schema"
	"github.com/baseplate/timeseries/internal/storage/storagetest"
)

const roomMetadata = `{"temperature":["temperature","Number"],"pressure":["Pressure","Integer"]}`

var day = time.Date(2018, 1, 1, 0, 0, 0, 0, time.UTC)

func newEngine(fake *storagetest.Fake) *Engine {
	reg := schema.NewRegistry(fake, dialect.NewTimescale(), zerolog.Nop())
	return New(fake, reg, 0, zerolog.Nop(), nil)
}

// withMetadata answers metadata lookups from a table name to JSON record map.
func withMetadata(fake *storagetest.Fake, records map[string]string) {
	fake.On("select entity_attrs", func(_ string, args []any) storagetest.Response {
		rec, ok := records[args[0].(string)]
		if !ok {
			return storagetest.Response{Rows: storagetest.NewRows([]string{"entity_attrs"})}
		}
		return storagetest.Response{Rows: storagetest.NewRows([]string{"entity_attrs"}, []any{[]byte(rec)})}
	})
}

func intp(n int) *int { return &n }

func TestQuery_AggregateWithoutPeriod(t *testing.T) {
	fake := storagetest.New()
	withMetadata(fake, map[string]string{`"etroom"`: roomMetadata})
	fake.OnRows(`from "etroom"`, storagetest.NewRows([]string{"entity_id", "entity_type", "temperature"},
		[]any{"Room0", "Room", 3.0}))

	got, err := newEngine(fake).Query(context.Background(), Params{
		EntityType: "Room",
		EntityID:   "Room0",
		Attrs:      []string{"temperature"},
		AggrMethod: "sum",
	})
	require.NoError(t, err)
	require.Len(t, got, 1)

	assert.Equal(t, "Room0", got[0].ID)
	assert.Equal(t, "Room", got[0].Type)
	assert.Equal(t, []string{"", ""}, got[0].Index)
	assert.Equal(t, &Attr{Type: "Number", Values: []any{3.0}, Index: []string{"", ""}}, got[0].Attrs["temperature"])

	calls := fake.Find(`from "etroom"`)
	require.Len(t, calls, 1)
	assert.Equal(t, `select entity_id, entity_type, sum("temperature") as "temperature" from "etroom"`+
		` where entity_id = $1 and fiware_servicepath = '' group by entity_id, entity_type order by entity_id limit 10000 offset 0`, calls[0].Query)
	assert.Equal(t, []any{"Room0"}, calls[0].Args)
}

func TestQuery_AggregateByPeriodLastN(t *testing.T) {
	fake := storagetest.New()
	withMetadata(fake, map[string]string{`"mteu"."etroom"`: roomMetadata})
	fake.OnRows(`from "mteu"."etroom"`, storagetest.NewRows([]string{"entity_id", "entity_type", "time_index", "temperature"},
		[]any{"Room0", "Room", day.Add(24 * time.Hour), 22.5},
		[]any{"Room0", "Room", day, 20.0},
	))

	got, err := newEngine(fake).Query(context.Background(), Params{
		Tenant:     ngsi.Tenant{Service: "eu", ServicePath: "/eu"},
		EntityType: "Room",
		Attrs:      []string{"temperature"},
		AggrMethod: "avg",
		AggrPeriod: "day",
		LastN:      intp(2),
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, []string{"2018-01-01T00:00:00.000+00:00", "2018-01-02T00:00:00.000+00:00"}, got[0].Index)
	assert.Equal(t, []any{20.0, 22.5}, got[0].Attrs["temperature"].Values)
	assert.Nil(t, got[0].Attrs["temperature"].Index)

	calls := fake.Find(`from "mteu"."etroom"`)
	require.Len(t, calls, 1)
	assert.Equal(t, `select entity_id, entity_type, DATE_TRUNC('day', time_index) as time_index, avg("temperature") as "temperature"`+
		` from "mteu"."etroom" where fiware_servicepath ~ $1`+
		` group by entity_id, entity_type, DATE_TRUNC('day', time_index) order by time_index desc limit 2 offset 0`, calls[0].Query)
	assert.Equal(t, []any{"^/eu($|/.*)"}, calls[0].Args)
}

func TestQuery_AllTablesInNameOrder(t *testing.T) {
	fake := storagetest.New()
	fake.OnRows("select table_name from md_ets_metadata", storagetest.NewRows([]string{"table_name"},
		[]any{`"etroom"`}, []any{`"etcar"`}, []any{`"etgone"`}))
	withMetadata(fake, map[string]string{
		`"etroom"`: roomMetadata,
		`"etcar"`:  `{"speed":["speed","Number"]}`,
	})
	fake.OnRows(`from "etroom"`, storagetest.NewRows([]string{"entity_id", "entity_type", "time_index", "fiware_servicepath", "temperature", "pressure"},
		[]any{"Room1", "Room", day, "", 21.0, int64(720)},
		[]any{"Room0", "Room", day, "", nil, nil},
	))
	fake.OnRows(`from "etcar"`, storagetest.NewRows([]string{"entity_id", "entity_type", "time_index", "speed"},
		[]any{"Car0", "Car", day, 80.0}))

	got, err := newEngine(fake).Query(context.Background(), Params{})
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, []string{"Car0", "Room0", "Room1"}, []string{got[0].ID, got[1].ID, got[2].ID})

	room1 := got[2]
	assert.Equal(t, []string{"Pressure", "temperature"}, room1.AttrNames())
	assert.Equal(t, []any{int64(720)}, room1.Attrs["Pressure"].Values)
	assert.Equal(t, []any{nil}, got[1].Attrs["temperature"].Values)

	assert.Contains(t, fake.Find(`from "etroom"`)[0].Query, `select * from "etroom" where fiware_servicepath = '' order by time_index asc`)
	assert.Empty(t, fake.Find(`from "etgone"`), "tables without metadata are skipped")
}

func TestQuery_AmbiguousID(t *testing.T) {
	fake := storagetest.New()
	fake.OnRows("select table_name from md_ets_metadata", storagetest.NewRows([]string{"table_name"},
		[]any{`"etroom"`}, []any{`"etcar"`}))
	fake.OnRows("select distinct entity_type", storagetest.NewRows([]string{"entity_type"},
		[]any{"Car"}, []any{"Room"}))

	_, err := newEngine(fake).Query(context.Background(), Params{EntityID: "dup"})
	require.Error(t, err)
	assert.True(t, ngsi.IsAmbiguousID(err))

	unions := fake.Find(" union ")
	require.Len(t, unions, 1)
	assert.Equal(t, `select distinct entity_type from "etcar" where entity_id = $1 union select distinct entity_type from "etroom" where entity_id = $1`, unions[0].Query)
	assert.Equal(t, []any{"dup"}, unions[0].Args)
}

func TestQuery_SingleIDResolvesType(t *testing.T) {
	fake := storagetest.New()
	fake.OnRows("select table_name from md_ets_metadata", storagetest.NewRows([]string{"table_name"}, []any{`"etroom"`}))
	fake.OnRows("select distinct entity_type", storagetest.NewRows([]string{"entity_type"}, []any{"Room"}))
	withMetadata(fake, map[string]string{`"etroom"`: roomMetadata})
	fake.OnRows(`select * from "etroom"`, storagetest.NewRows([]string{"entity_id", "entity_type", "time_index", "temperature"},
		[]any{"Room0", "Room", day, 20.0}))

	got, err := newEngine(fake).Query(context.Background(), Params{EntityID: "Room0"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "Room", got[0].Type)
}

func TestQuery_Filters(t *testing.T) {
	fake := storagetest.New()
	withMetadata(fake, map[string]string{`"etroom"`: roomMetadata})
	g, err := geo.Parse("coveredBy", "polygon", "0,0;0,1;1,1;0,0")
	require.NoError(t, err)

	_, err = newEngine(fake).Query(context.Background(), Params{
		Tenant:     ngsi.Tenant{ServicePath: "/a, /b/"},
		EntityType: "Room",
		EntityIDs:  []string{"r1", "r2"},
		IDPattern:  "^r",
		Attrs:      []string{"temperature", "unknown"},
		FromDate:   "2018-01-01T00:00:00Z",
		ToDate:     "2018-01-02",
		Limit:      intp(5),
		Offset:     3,
		Geo:        g,
	})
	require.NoError(t, err)

	calls := fake.Find(`from "etroom"`)
	require.Len(t, calls, 1)
	assert.Equal(t, `select entity_id, entity_type, time_index, "temperature" from "etroom"`+
		` where entity_id in ($1, $2) and entity_id ~ $3 and time_index >= $4 and time_index <= $5`+
		` and (fiware_servicepath ~ $6 or fiware_servicepath ~ $7)`+
		` and ST_Within("location", ST_GeomFromText($8, 4326)) order by time_index asc limit 5 offset 3`, calls[0].Query)
	args := calls[0].Args
	assert.Equal(t, []any{"r1", "r2", "^r", day, day.Add(24 * time.Hour), "^/a($|/.*)", "^/b($|/.*)"}, args[:7])
}

func TestQuery_RootServicePath(t *testing.T) {
	f := &filter{}
	f.servicePath("/")
	assert.Equal(t, []string{"fiware_servicepath ~ $1"}, f.terms)
	assert.Equal(t, []any{"^/.*"}, f.args.Values())

	f = &filter{}
	f.servicePath("/a.b")
	assert.Equal(t, []any{`^/a\.b($|/.*)`}, f.args.Values())
}

func TestQuery_AttrsMissingFromTable(t *testing.T) {
	fake := storagetest.New()
	withMetadata(fake, map[string]string{`"etroom"`: roomMetadata})

	got, err := newEngine(fake).Query(context.Background(), Params{EntityType: "Room", Attrs: []string{"humidity"}})
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Empty(t, fake.Find(`from "etroom"`))
}

func TestQuery_UnknownTypeIsEmpty(t *testing.T) {
	fake := storagetest.New()
	got, err := newEngine(fake).Query(context.Background(), Params{EntityType: "Nope"})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestQuery_AggregationUnsupported(t *testing.T) {
	fake := storagetest.New()
	withMetadata(fake, map[string]string{`"etroom"`: `{"name":["name","Text"]}`})
	fake.OnError(`from "etroom"`, &pq.Error{Code: "42883", Message: "function avg(text) does not exist"})

	_, err := newEngine(fake).Query(context.Background(), Params{EntityType: "Room", Attrs: []string{"name"}, AggrMethod: "avg"})
	assert.ErrorIs(t, err, ngsi.ErrAggregationUnsupported)
}

func TestQuery_ServerErrorWithoutCode(t *testing.T) {
	for _, d := range []dialect.Dialect{dialect.NewTimescale(), dialect.NewCrate("")} {
		t.Run(d.Name(), func(t *testing.T) {
			fake := storagetest.New()
			withMetadata(fake, map[string]string{`"etroom"`: roomMetadata})
			fake.OnError(`from "etroom"`, &pq.Error{Message: "SQLParseException: boom"})

			e := New(fake, schema.NewRegistry(fake, d, zerolog.Nop()), 0, zerolog.Nop(), nil)
			var err error
			require.NotPanics(t, func() {
				_, err = e.Query(context.Background(), Params{EntityType: "Room"})
			})
			require.Error(t, err)
			assert.NotErrorIs(t, err, ngsi.ErrAggregationUnsupported)
			assert.Contains(t, err.Error(), "boom")
		})
	}
}

func TestQuery_Validation(t *testing.T) {
	tests := []struct {
		name   string
		params Params
		check  func(error) bool
	}{
		{"id and ids", Params{EntityID: "a", EntityIDs: []string{"b"}, AggrMethod: "bogus"}, ngsi.IsUsageError},
		{"bad method", Params{AggrMethod: "median", Attrs: []string{"x"}}, ngsi.IsUsageError},
		{"bad period", Params{AggrMethod: "sum", AggrPeriod: "week", Attrs: []string{"x"}}, ngsi.IsUsageError},
		{"scope", Params{AggrScope: "global", AggrMethod: "sum"}, func(err error) bool { return err == ngsi.ErrNotImplemented }},
		{"method without attrs", Params{AggrMethod: "sum"}, ngsi.IsUsageError},
		{"period without method", Params{AggrPeriod: "day"}, ngsi.IsUsageError},
		{"zero limit", Params{Limit: intp(0)}, ngsi.IsInvalidParameter},
		{"negative lastN", Params{LastN: intp(-1)}, ngsi.IsInvalidParameter},
		{"bad fromDate", Params{FromDate: "yesterday"}, ngsi.IsInvalidParameter},
		{"bad toDate", Params{ToDate: "2018-13-45"}, ngsi.IsInvalidParameter},
		{"equals", Params{Geo: geo.Equals{Geometry: geo.Point{Lat: 1, Lon: 2}}}, func(err error) bool { return err == ngsi.ErrGeoQueryUnsupported }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := storagetest.New()
			_, err := newEngine(fake).Query(context.Background(), tt.params)
			require.Error(t, err)
			assert.True(t, tt.check(err), err.Error())
			assert.Empty(t, fake.Calls(), "nothing reaches the backend")
		})
	}
}

func TestEffectiveLimit(t *testing.T) {
	n, err := effectiveLimit(nil, nil, 100)
	require.NoError(t, err)
	assert.Equal(t, 100, n)

	n, _ = effectiveLimit(intp(500), nil, 100)
	assert.Equal(t, 100, n)

	n, _ = effectiveLimit(intp(50), intp(7), 100)
	assert.Equal(t, 7, n)

	n, _ = effectiveLimit(intp(5), intp(7), 100)
	assert.Equal(t, 5, n)

	n, _ = effectiveLimit(nil, nil, 0)
	assert.Equal(t, DefaultLimit, n)
}

func TestParseInt(t *testing.T) {
	n, err := ParseInt("limit", "")
	require.NoError(t, err)
	assert.Nil(t, n)

	n, err = ParseInt("limit", "12")
	require.NoError(t, err)
	assert.Equal(t, 12, *n)

	_, err = ParseInt("limit", "ten")
	assert.True(t, ngsi.IsInvalidParameter(err))
}

func TestDeleteEntity(t *testing.T) {
	fake := storagetest.New()
	withMetadata(fake, map[string]string{`"etroom"`: roomMetadata})
	fake.OnAffected(`delete from "etroom"`, 3)

	n, err := newEngine(fake).DeleteEntity(context.Background(), DeleteParams{EntityType: "Room", EntityID: "Room0", FromDate: "2018-01-01"})
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	calls := fake.Find(`delete from "etroom"`)
	require.Len(t, calls, 1)
	assert.Equal(t, `delete from "etroom" where entity_id = $1 and time_index >= $2 and fiware_servicepath = ''`, calls[0].Query)
	assert.Equal(t, []any{"Room0", day}, calls[0].Args)

	_, err = newEngine(storagetest.New()).DeleteEntity(context.Background(), DeleteParams{EntityType: "Room", EntityID: "Room0"})
	assert.True(t, IsNotFound(err))
}

func TestDeleteEntities_DropsTable(t *testing.T) {
	fake := storagetest.New()
	withMetadata(fake, map[string]string{`"mteu"."etroom"`: roomMetadata})
	fake.OnRows(`select count(*) from "mteu"."etroom"`, storagetest.NewRows([]string{"count"}, []any{int64(5)}))

	n, err := newEngine(fake).DeleteEntities(context.Background(), DeleteParams{Tenant: ngsi.Tenant{Service: "eu"}, EntityType: "Room"})
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)
	assert.Len(t, fake.Find(`drop table if exists "mteu"."etroom"`), 1)
	assert.Len(t, fake.Find("delete from md_ets_metadata"), 1)

	_, err = newEngine(storagetest.New()).DeleteEntities(context.Background(), DeleteParams{EntityType: "Room"})
	assert.True(t, IsNotFound(err))
}

func TestDeleteEntities_WithFilter(t *testing.T) {
	fake := storagetest.New()
	withMetadata(fake, map[string]string{`"etroom"`: roomMetadata})
	fake.OnAffected(`delete from "etroom"`, 2)

	n, err := newEngine(fake).DeleteEntities(context.Background(), DeleteParams{EntityType: "Room", IDPattern: "^Room[01]$"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.Empty(t, fake.Find("drop table"))
}

func TestQueryIDs(t *testing.T) {
	fake := storagetest.New()
	fake.OnRows("select table_name from md_ets_metadata", storagetest.NewRows([]string{"table_name"},
		[]any{`"etroom"`}, []any{`"etcar"`}))
	fake.OnRows("as ids", storagetest.NewRows([]string{"entity_id", "entity_type", "time_index"},
		[]any{"Car0", "Car", day},
		[]any{"Room0", "Room", day.Add(time.Hour)},
	))

	got, err := newEngine(fake).QueryIDs(context.Background(), IDsParams{Limit: intp(10)})
	require.NoError(t, err)
	assert.Equal(t, []IDInfo{
		{ID: "Car0", Type: "Car", Index: "2018-01-01T00:00:00.000+00:00"},
		{ID: "Room0", Type: "Room", Index: "2018-01-01T01:00:00.000+00:00"},
	}, got)

	calls := fake.Find("as ids")
	require.Len(t, calls, 1)
	assert.Contains(t, calls[0].Query, " union all ")
	assert.Contains(t, calls[0].Query, "order by entity_type, entity_id limit 10 offset 0")
}

func TestQueryEntityTypes(t *testing.T) {
	fake := storagetest.New()
	fake.OnRows("select table_name from md_ets_metadata", storagetest.NewRows([]string{"table_name"},
		[]any{`"mteu"."etroom"`}, []any{`"mteu"."etcar"`}))
	fake.OnRows("select distinct entity_type", storagetest.NewRows([]string{"entity_type"},
		[]any{"Room"}, []any{"Car"}))

	got, err := newEngine(fake).QueryEntityTypes(context.Background(), ngsi.Tenant{Service: "eu"})
	require.NoError(t, err)
	assert.Equal(t, []string{"Car", "Room"}, got)

	got, err = newEngine(storagetest.New()).QueryEntityTypes(context.Background(), ngsi.Tenant{Service: "eu"})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestQueryLastValues(t *testing.T) {
	fake := storagetest.New()
	withMetadata(fake, map[string]string{`"etroom"`: roomMetadata})
	fake.OnRows(`max(time_index) as latest`, storagetest.NewRows([]string{"entity_id", "entity_type", "time_index", "temperature"},
		[]any{"Room0", "Room", day, 19.0},
		[]any{"Room1", "Room", day.Add(time.Hour), 23.0},
	))

	got, err := newEngine(fake).QueryLastValues(context.Background(), LastValuesParams{EntityType: "Room", Attrs: []string{"temperature"}})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, []any{23.0}, got[1].Attrs["temperature"].Values)
	assert.Equal(t, []string{"2018-01-01T01:00:00.000+00:00"}, got[1].Index)

	q := fake.Find("as latest")[0].Query
	assert.Contains(t, q, `select t.entity_id, t.entity_type, t.time_index, t."temperature" from "etroom" t join`)
}
