// Package storagetest provides a recording storage.Executor for tests.
package storagetest

import (
	"context"
	"strings"
	"sync"

	"github.com/baseplate/timeseries/internal/storage"
)

type Call struct {
	Query string
	Args  []any
}

// Response is what a matched statement returns.
type Response struct {
	Rows     *storage.Rows
	Affected int64
	Err      error
}

type handler struct {
	match string
	fn    func(query string, args []any) Response
}

// Fake records every statement and answers from registered handlers. The
// most recently registered handler whose match string occurs in the
// statement wins; unmatched statements succeed with no rows.
type Fake struct {
	mu       sync.Mutex
	calls    []Call
	handlers []handler
}

func New() *Fake {
	return &Fake{}
}

func (f *Fake) On(match string, fn func(query string, args []any) Response) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers = append(f.handlers, handler{match: match, fn: fn})
	return f
}

func (f *Fake) OnRows(match string, rows *storage.Rows) *Fake {
	return f.On(match, func(string, []any) Response { return Response{Rows: rows} })
}

func (f *Fake) OnError(match string, err error) *Fake {
	return f.On(match, func(string, []any) Response { return Response{Err: err} })
}

func (f *Fake) OnAffected(match string, n int64) *Fake {
	return f.On(match, func(string, []any) Response { return Response{Affected: n} })
}

func (f *Fake) respond(query string, args []any) Response {
	f.mu.Lock()
	f.calls = append(f.calls, Call{Query: query, Args: args})
	hs := f.handlers
	f.mu.Unlock()

	for i := len(hs) - 1; i >= 0; i-- {
		if strings.Contains(query, hs[i].match) {
			return hs[i].fn(query, args)
		}
	}
	return Response{}
}

func (f *Fake) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	r := f.respond(query, args)
	return r.Affected, r.Err
}

func (f *Fake) Query(ctx context.Context, query string, args ...any) (*storage.Rows, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r := f.respond(query, args)
	if r.Err != nil {
		return nil, r.Err
	}
	if r.Rows == nil {
		return &storage.Rows{}, nil
	}
	return r.Rows, nil
}

func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

// Find returns the recorded calls whose statement contains substr.
func (f *Fake) Find(substr string) []Call {
	var out []Call
	for _, c := range f.Calls() {
		if strings.Contains(c.Query, substr) {
			out = append(out, c)
		}
	}
	return out
}

func (f *Fake) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = nil
}

// NewRows builds a result set.
func NewRows(cols []string, values ...[]any) *storage.Rows {
	return &storage.Rows{Columns: cols, Values: values}
}
