// Package timeseries ties the registry, insert pipeline and query engine
// of one backend together and routes tenants to backends.
package timeseries

import (
	"context"
	"fmt"
	"maps"
	"time"

	"github.com/rs/zerolog"

	"github.com/baseplate/timeseries/config"
	"github.com/baseplate/timeseries/internal/core/dialect"
	"github.com/baseplate/timeseries/internal/core/geo"
	"github.com/baseplate/timeseries/internal/core/insert"
	"github.com/baseplate/timeseries/internal/core/ngsi"
	"github.com/baseplate/timeseries/internal/core/query"
	"github.com/baseplate/timeseries/internal/core/schema"
	"github.com/baseplate/timeseries/internal/logger"
	"github.com/baseplate/timeseries/internal/metrics"
	"github.com/baseplate/timeseries/internal/storage"
	"github.com/baseplate/timeseries/internal/storage/postgres"
)

// Settings are the per-backend knobs of a Translator.
type Settings struct {
	Insert       insert.Config
	DefaultLimit int
}

// Translator stores and queries entities in one backend.
type Translator struct {
	*query.Engine

	name     string
	exec     storage.Executor
	registry *schema.Registry
	pipeline *insert.Pipeline
	log      zerolog.Logger
	now      func() time.Time
	close    func() error
}

// NewTranslator builds a Translator over an existing executor.
func NewTranslator(exec storage.Executor, d dialect.Dialect, s Settings, log zerolog.Logger, m *metrics.Metrics) *Translator {
	log = log.With().Str("backend", d.Name()).Logger()
	reg := schema.NewRegistry(exec, d, logger.Component(log, "schema"))
	return &Translator{
		Engine:   query.New(exec, reg, s.DefaultLimit, logger.Component(log, "query"), m),
		name:     d.Name(),
		exec:     exec,
		registry: reg,
		pipeline: insert.New(exec, reg, s.Insert, logger.Component(log, "insert"), m),
		log:      log,
		now:      time.Now,
		close:    func() error { return nil },
	}
}

// NewDialect returns the dialect of the named backend.
func NewDialect(backend string, cfg *config.Config) (dialect.Dialect, error) {
	switch backend {
	case config.BackendCrate:
		return dialect.NewCrate(cfg.Crate.Replicas), nil
	case config.BackendTimescale:
		return dialect.NewTimescale(), nil
	}
	return nil, fmt.Errorf("unknown backend %q", backend)
}

// Open connects a Translator to the named backend. The connection is made
// lazily so a backend that is down at startup only fails its own requests.
func Open(backend string, cfg *config.Config, log zerolog.Logger, m *metrics.Metrics) (*Translator, error) {
	d, err := NewDialect(backend, cfg)
	if err != nil {
		return nil, err
	}
	dbCfg, _ := cfg.Database(backend)
	maxSize, err := cfg.Insert.MaxSizeBytes()
	if err != nil {
		return nil, err
	}

	client, err := postgres.Open(backend, dbCfg,
		postgres.WithRetryOn(func(err error) bool { return d.ClassifyError(err) == dialect.Transient }),
		postgres.WithLogger(logger.Component(log, "postgres").With().Str("backend", backend).Logger()),
		postgres.WithMetrics(m),
	)
	if err != nil {
		return nil, err
	}

	t := NewTranslator(client, d, Settings{
		Insert:       insert.Config{MaxSize: maxSize, KeepRawEntity: cfg.Insert.KeepRawEntity},
		DefaultLimit: cfg.Query.DefaultLimit,
	}, log, m)
	t.close = client.Close
	return t, nil
}

func (t *Translator) Name() string { return t.name }

// Setup creates the metadata table.
func (t *Translator) Setup(ctx context.Context) error {
	return t.registry.EnsureMetadataTable(ctx)
}

// Insert resolves the time index and location of every entity, then
// stores them. customIndex names the attribute preferred as time index.
func (t *Translator) Insert(ctx context.Context, entities []ngsi.Entity, tenant ngsi.Tenant, customIndex string) (insert.Result, error) {
	now := t.now().UTC()
	prepared := make([]ngsi.Entity, len(entities))
	for i, e := range entities {
		if e.TimeIndex.IsZero() {
			e.TimeIndex = ngsi.SelectTimeIndex(e, customIndex, now)
		}
		e.Attrs = maps.Clone(e.Attrs)
		geo.NormalizeLocation(&e)
		prepared[i] = e
	}

	res, err := t.pipeline.Insert(ctx, prepared, tenant)
	if err != nil {
		return res, err
	}
	t.log.Info().
		Str("tenant", tenant.Service).
		Int("inserted", res.Inserted).
		Int("preserved", res.Preserved).
		Int("batches", res.Batches).
		Msg("entities stored")
	return res, nil
}

// Ping checks the backend connection.
func (t *Translator) Ping(ctx context.Context) error {
	if p, ok := t.exec.(storage.Pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}

func (t *Translator) Close() error { return t.close() }
