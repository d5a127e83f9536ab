// Package schema derives entity tables from incoming entities, evolves
// them additively and keeps the metadata needed to turn rows back into
// entities.
package schema

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/baseplate/timeseries/internal/core/dialect"
	"github.com/baseplate/timeseries/internal/core/ngsi"
	"github.com/baseplate/timeseries/internal/storage"
)

// Schema is the established column set of a table.
type Schema struct {
	Table   dialect.Table
	Columns map[string]string
}

// Type returns the established type of col, or "" if there is none.
func (s Schema) Type(col string) string {
	return s.Columns[col]
}

// Registry caches table columns and metadata records of one backend.
// Column types never change once created, so cached types stay valid;
// columns added by other processes are picked up on the next miss.
type Registry struct {
	exec storage.Executor
	d    dialect.Dialect
	log  zerolog.Logger

	group   singleflight.Group
	mu      sync.RWMutex
	columns map[string]map[string]string
	meta    map[string]Metadata
	locks   sync.Map

	mdMu   sync.Mutex
	mdDone bool
}

func NewRegistry(exec storage.Executor, d dialect.Dialect, log zerolog.Logger) *Registry {
	return &Registry{
		exec:    exec,
		d:       d,
		log:     log,
		columns: map[string]map[string]string{},
		meta:    map[string]Metadata{},
	}
}

func (r *Registry) Dialect() dialect.Dialect { return r.d }

// EnsureMetadataTable creates the shared metadata table if needed.
func (r *Registry) EnsureMetadataTable(ctx context.Context) error {
	r.mdMu.Lock()
	defer r.mdMu.Unlock()
	if r.mdDone {
		return nil
	}
	if _, err := r.exec.Exec(ctx, r.d.RenderCreateMetadataTable()); err != nil {
		return fmt.Errorf("failed to create metadata table: %w", err)
	}
	r.mdDone = true
	return nil
}

func (r *Registry) tableLock(key string) *sync.Mutex {
	l, _ := r.locks.LoadOrStore(key, &sync.Mutex{})
	return l.(*sync.Mutex)
}

// EnsureTable creates tbl with the fixed columns plus proposed, or adds
// the proposed columns it lacks. Existing columns keep their type.
func (r *Registry) EnsureTable(ctx context.Context, tbl dialect.Table, proposed []dialect.Column) (Schema, error) {
	if err := r.EnsureMetadataTable(ctx); err != nil {
		return Schema{}, err
	}

	key := tbl.Qualified()
	lock := r.tableLock(key)
	lock.Lock()
	defer lock.Unlock()

	cols, err := r.loadColumns(ctx, tbl, false)
	if err != nil {
		return Schema{}, err
	}

	if len(cols) == 0 {
		all := mergeColumns(r.d.FixedColumns(), proposed)
		for _, stmt := range r.d.RenderCreateTable(tbl, all) {
			if _, err := r.exec.Exec(ctx, stmt); err != nil {
				return Schema{}, fmt.Errorf("failed to create table %s: %w", key, err)
			}
		}
		r.log.Info().Str("table", key).Int("columns", len(all)).Msg("created entity table")
		if cols, err = r.loadColumns(ctx, tbl, true); err != nil {
			return Schema{}, err
		}
		if len(cols) == 0 {
			cols = columnMap(all)
			r.store(key, cols)
		}
	}

	var missing []dialect.Column
	for _, c := range proposed {
		if _, ok := cols[c.Name]; !ok {
			missing = append(missing, c)
		}
	}
	if len(missing) == 0 {
		return Schema{Table: tbl, Columns: cols}, nil
	}

	for _, stmt := range r.d.RenderAlterAddColumn(tbl, missing) {
		if _, err := r.exec.Exec(ctx, stmt); err != nil && !r.d.IsDuplicateColumn(err) {
			return Schema{}, fmt.Errorf("failed to add columns to %s: %w", key, err)
		}
	}
	r.log.Info().Str("table", key).Int("columns", len(missing)).Msg("added columns")

	// Another writer may have added some of them first with another type.
	fresh, err := r.loadColumns(ctx, tbl, true)
	if err != nil {
		return Schema{}, err
	}
	for _, c := range missing {
		if _, ok := fresh[c.Name]; !ok {
			fresh[c.Name] = c.SQLType
		}
	}
	r.store(key, fresh)
	return Schema{Table: tbl, Columns: fresh}, nil
}

func (r *Registry) store(key string, cols map[string]string) {
	r.mu.Lock()
	r.columns[key] = cols
	r.mu.Unlock()
}

// loadColumns returns a copy of the columns of tbl, empty if it does not
// exist. Concurrent loads of one table share a single query.
func (r *Registry) loadColumns(ctx context.Context, tbl dialect.Table, refresh bool) (map[string]string, error) {
	key := tbl.Qualified()
	if !refresh {
		r.mu.RLock()
		cols, ok := r.columns[key]
		r.mu.RUnlock()
		if ok {
			return maps.Clone(cols), nil
		}
	}

	v, err, _ := r.group.Do("columns:"+key, func() (any, error) {
		schemaName := tbl.Schema
		if schemaName == "" {
			schemaName = r.d.DefaultSchema()
		}
		rows, err := r.exec.Query(ctx, r.d.RenderListColumns(), dialect.Ident(schemaName), dialect.Ident(tbl.Name))
		if err != nil {
			return nil, fmt.Errorf("failed to read columns of %s: %w", key, err)
		}
		cols := make(map[string]string, rows.Len())
		for _, row := range rows.Values {
			name, _ := asString(row[0])
			if strings.Contains(name, "[") {
				continue
			}
			dbType, _ := asString(row[1])
			cols[name] = r.d.NormalizeType(dbType)
		}
		if len(cols) > 0 {
			r.store(key, cols)
		}
		return cols, nil
	})
	if err != nil {
		return nil, err
	}
	return maps.Clone(v.(map[string]string)), nil
}

// RecordMetadata merges attrs into the metadata record of tbl. Only
// entries for new columns are written.
func (r *Registry) RecordMetadata(ctx context.Context, tbl dialect.Table, attrs Metadata) error {
	key := tbl.Qualified()

	current, err := r.cachedMetadata(ctx, tbl)
	if err != nil && !errors.Is(err, ngsi.ErrSchemaNotFound) {
		return err
	}
	add := attrs.Missing(current)
	if len(add) == 0 {
		return nil
	}

	merged := current.Merge(add)
	payload, err := merged.encode()
	if err != nil {
		return err
	}
	if _, err := r.exec.Exec(ctx, r.d.RenderUpsertMetadata(), key, payload); err != nil {
		return fmt.Errorf("failed to store metadata of %s: %w", key, err)
	}
	if len(current) > 0 && !mergesMetadata(r.d) {
		r.log.Warn().Str("table", key).Msg("metadata record overwritten, concurrent updates from other nodes may be lost")
	}
	r.log.Debug().Str("table", key).Int("attrs", len(add)).Msg("metadata updated")

	r.mu.Lock()
	r.meta[key] = merged
	r.mu.Unlock()
	return nil
}

func (r *Registry) cachedMetadata(ctx context.Context, tbl dialect.Table) (Metadata, error) {
	r.mu.RLock()
	m, ok := r.meta[tbl.Qualified()]
	r.mu.RUnlock()
	if ok {
		return m, nil
	}
	return r.ResolveMetadata(ctx, tbl)
}

// ResolveMetadata reads the persisted metadata record of tbl. It returns
// ngsi.ErrSchemaNotFound if nothing was ever inserted into tbl.
func (r *Registry) ResolveMetadata(ctx context.Context, tbl dialect.Table) (Metadata, error) {
	key := tbl.Qualified()
	rows, err := r.exec.Query(ctx, "select entity_attrs from "+dialect.MetadataTable+" where table_name = $1", key)
	if err != nil {
		if dialect.IsUndefinedTable(err) {
			return Metadata{}, fmt.Errorf("%s: %w", key, ngsi.ErrSchemaNotFound)
		}
		return nil, fmt.Errorf("failed to read metadata of %s: %w", key, err)
	}
	if rows.Len() == 0 {
		return Metadata{}, fmt.Errorf("%s: %w", key, ngsi.ErrSchemaNotFound)
	}
	m, err := decodeMetadata(rows.Values[0][0])
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.meta[key] = m
	r.mu.Unlock()
	return m, nil
}

// ListTables returns the tables of tenant t that hold data, sorted by name.
func (r *Registry) ListTables(ctx context.Context, t ngsi.Tenant) ([]dialect.Table, error) {
	rows, err := r.exec.Query(ctx, "select table_name from "+dialect.MetadataTable)
	if err != nil {
		if dialect.IsUndefinedTable(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list tables: %w", err)
	}

	var out []dialect.Table
	for _, row := range rows.Values {
		name, _ := asString(row[0])
		tbl, ok := dialect.ParseQualified(name)
		if !ok || !InTenant(tbl, t) {
			continue
		}
		out = append(out, tbl)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// DropTable removes tbl and its metadata record.
func (r *Registry) DropTable(ctx context.Context, tbl dialect.Table) error {
	key := tbl.Qualified()
	if _, err := r.exec.Exec(ctx, "drop table if exists "+key); err != nil {
		return fmt.Errorf("failed to drop %s: %w", key, err)
	}
	if _, err := r.exec.Exec(ctx, "delete from "+dialect.MetadataTable+" where table_name = $1", key); err != nil {
		return fmt.Errorf("failed to delete metadata of %s: %w", key, err)
	}

	r.mu.Lock()
	delete(r.columns, key)
	delete(r.meta, key)
	r.mu.Unlock()
	r.log.Info().Str("table", key).Msg("dropped entity table")
	return nil
}

// mergesMetadata reports whether the metadata upsert of d merges with the
// stored record instead of replacing it.
func mergesMetadata(d dialect.Dialect) bool {
	m, ok := d.(interface{ MergesMetadata() bool })
	return ok && m.MergesMetadata()
}

func mergeColumns(fixed, proposed []dialect.Column) []dialect.Column {
	seen := make(map[string]bool, len(fixed)+len(proposed))
	out := make([]dialect.Column, 0, len(fixed)+len(proposed))
	for _, c := range fixed {
		seen[c.Name] = true
		out = append(out, c)
	}
	for _, c := range proposed {
		if !seen[c.Name] {
			seen[c.Name] = true
			out = append(out, c)
		}
	}
	return out
}

func columnMap(cols []dialect.Column) map[string]string {
	m := make(map[string]string, len(cols))
	for _, c := range cols {
		m[c.Name] = c.SQLType
	}
	return m
}

func asString(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	case []byte:
		return string(t), true
	}
	return "", false
}
