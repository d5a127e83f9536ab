// Package storage defines how the core talks to a SQL backend.
package storage

import (
	"context"
	"errors"
	"strings"
)

// ErrBackendUnavailable wraps a connection failure that survived a retry.
var ErrBackendUnavailable = errors.New("backend unavailable")

// Rows is a fully read result set. Values holds driver values in column order.
type Rows struct {
	Columns []string
	Values  [][]any
}

func (r *Rows) Len() int {
	if r == nil {
		return 0
	}
	return len(r.Values)
}

// Index returns the position of col, compared case-insensitively, or -1.
func (r *Rows) Index(col string) int {
	for i, c := range r.Columns {
		if strings.EqualFold(c, col) {
			return i
		}
	}
	return -1
}

// Executor runs statements against one backend.
type Executor interface {
	// Exec runs a statement and returns the number of affected rows.
	Exec(ctx context.Context, query string, args ...any) (int64, error)
	Query(ctx context.Context, query string, args ...any) (*Rows, error)
}

// Pinger is implemented by executors that can check their connection.
type Pinger interface {
	Ping(ctx context.Context) error
}
