package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/rs/zerolog"

	"github.com/baseplate/timeseries/config"
	"github.com/baseplate/timeseries/internal/metrics"
	"github.com/baseplate/timeseries/internal/storage"
)

// Client is a pooled connection to a backend speaking the PostgreSQL wire
// protocol. Statements failing with a retryable error are run once more
// after the pool has been pinged.
type Client struct {
	DB        *sql.DB
	name      string
	retryable func(error) bool
	log       zerolog.Logger
	metrics   *metrics.Metrics
}

type Option func(*Client)

// WithRetryOn sets the check deciding whether a failed statement is retried.
func WithRetryOn(f func(error) bool) Option {
	return func(c *Client) { c.retryable = f }
}

func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) { c.log = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// NewClient opens the pool and checks the connection.
func NewClient(ctx context.Context, name string, cfg *config.DatabaseConfig, opts ...Option) (*Client, error) {
	c, err := Open(name, cfg, opts...)
	if err != nil {
		return nil, err
	}
	if err := c.Ping(ctx); err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return c, nil
}

// Open configures the pool without connecting. Connections are made on
// first use.
func Open(name string, cfg *config.DatabaseConfig, opts ...Option) (*Client, error) {
	db, err := sql.Open("postgres", cfg.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	maxOpen := cfg.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 25
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(1 * time.Minute)

	return NewFromDB(db, name, opts...), nil
}

// NewFromDB wraps an already opened pool.
func NewFromDB(db *sql.DB, name string, opts ...Option) *Client {
	c := &Client{
		DB:        db,
		name:      name,
		retryable: func(error) bool { return false },
		log:       zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) Ping(ctx context.Context) error {
	return c.DB.PingContext(ctx)
}

func (c *Client) Close() error {
	return c.DB.Close()
}

func (c *Client) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	var affected int64
	err := c.withRetry(ctx, "exec", func() error {
		res, err := c.DB.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		affected, _ = res.RowsAffected()
		return nil
	})
	return affected, err
}

func (c *Client) Query(ctx context.Context, query string, args ...any) (*storage.Rows, error) {
	var out *storage.Rows
	err := c.withRetry(ctx, "query", func() error {
		rows, err := c.DB.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()

		out, err = scanAll(rows)
		return err
	})
	return out, err
}

func (c *Client) withRetry(ctx context.Context, op string, run func() error) error {
	start := time.Now()
	err := run()
	if err != nil && c.retryable(err) && ctx.Err() == nil {
		c.log.Warn().Err(err).Str("operation", op).Msg("backend connection failed, retrying once")
		if pingErr := c.Ping(ctx); pingErr == nil {
			err = run()
		}
		if err != nil && c.retryable(err) {
			err = fmt.Errorf("%w: %s: %v", storage.ErrBackendUnavailable, c.name, err)
		}
	}
	c.metrics.ObserveBackendOp(c.name, op, time.Since(start), err)
	c.log.Debug().Str("operation", op).Dur("duration_ms", time.Since(start)).Err(err).Msg("database operation completed")
	return err
}

func scanAll(rows *sql.Rows) (*storage.Rows, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	out := &storage.Rows{Columns: cols}
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		out.Values = append(out.Values, values)
	}
	return out, rows.Err()
}
