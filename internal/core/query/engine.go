package query

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/baseplate/timeseries/internal/core/dialect"
	"github.com/baseplate/timeseries/internal/core/ngsi"
	"github.com/baseplate/timeseries/internal/core/schema"
	"github.com/baseplate/timeseries/internal/metrics"
	"github.com/baseplate/timeseries/internal/storage"
)

// Attr is the history of one attribute of an entity.
type Attr struct {
	Type   string   `json:"type"`
	Values []any    `json:"values"`
	Index  []string `json:"index,omitempty"`
}

// Entity is the history of one entity.
type Entity struct {
	ID    string           `json:"entityId"`
	Type  string           `json:"entityType"`
	Index []string         `json:"index"`
	Attrs map[string]*Attr `json:"attributes"`
}

// AttrNames returns the attribute names of e, sorted.
func (e *Entity) AttrNames() []string {
	names := make([]string, 0, len(e.Attrs))
	for n := range e.Attrs {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// Engine runs queries against one backend.
type Engine struct {
	exec    storage.Executor
	reg     *schema.Registry
	d       dialect.Dialect
	limit   int
	log     zerolog.Logger
	metrics *metrics.Metrics
}

// New returns an Engine. limit is the ceiling applied to every query; zero
// selects DefaultLimit.
func New(exec storage.Executor, reg *schema.Registry, limit int, log zerolog.Logger, m *metrics.Metrics) *Engine {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &Engine{
		exec:    exec,
		reg:     reg,
		d:       reg.Dialect(),
		limit:   limit,
		log:     log,
		metrics: m,
	}
}

// Query returns the history of the entities selected by p. Tables are
// scanned in name order and entities of a table in id order. An empty
// result is not an error.
func (e *Engine) Query(ctx context.Context, p Params) ([]Entity, error) {
	w, err := validate(&p, e.limit)
	if err != nil {
		return nil, err
	}
	e.metrics.Queried(e.d.Name(), queryKind(&p))

	tables, err := e.tablesFor(ctx, &p)
	if err != nil {
		return nil, err
	}

	var out []Entity
	for _, tbl := range tables {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		found, err := e.queryTable(ctx, tbl, &p, w)
		if err != nil {
			return nil, err
		}
		out = append(out, found...)
	}
	return out, nil
}

func queryKind(p *Params) string {
	switch {
	case p.AggrMethod != "":
		return "aggregate"
	case p.EntityID != "":
		return "entity"
	case p.EntityType != "":
		return "type"
	}
	return "all"
}

// tablesFor resolves the tables a query touches. A single entity id
// without a type is looked up across the tenant and must belong to
// exactly one type.
func (e *Engine) tablesFor(ctx context.Context, p *Params) ([]dialect.Table, error) {
	if p.EntityType != "" {
		return []dialect.Table{schema.TableFor(p.Tenant, p.EntityType)}, nil
	}
	if p.EntityID != "" {
		typ, err := e.typeOf(ctx, p.EntityID, p.Tenant)
		if err != nil || typ == "" {
			return nil, err
		}
		return []dialect.Table{schema.TableFor(p.Tenant, typ)}, nil
	}
	return e.reg.ListTables(ctx, p.Tenant)
}

// typeOf returns the only entity type under which id is stored, or "" if
// there is none.
func (e *Engine) typeOf(ctx context.Context, id string, t ngsi.Tenant) (string, error) {
	tables, err := e.reg.ListTables(ctx, t)
	if err != nil || len(tables) == 0 {
		return "", err
	}
	parts := make([]string, len(tables))
	for i, tbl := range tables {
		parts[i] = fmt.Sprintf("select distinct %s from %s where %s = $1", dialect.EntityTypeCol, tbl.Qualified(), dialect.EntityIDCol)
	}
	rows, err := e.exec.Query(ctx, strings.Join(parts, " union "), id)
	if err != nil {
		if dialect.IsUndefinedTable(err) {
			return "", nil
		}
		return "", fmt.Errorf("failed to resolve type of %s: %w", id, err)
	}

	var types []string
	for _, row := range rows.Values {
		if s, ok := asString(row[0]); ok && !slices.Contains(types, s) {
			types = append(types, s)
		}
	}
	switch len(types) {
	case 0:
		return "", nil
	case 1:
		return types[0], nil
	}
	return "", &ngsi.AmbiguousIDError{ID: id}
}

func (e *Engine) queryTable(ctx context.Context, tbl dialect.Table, p *Params, w window) ([]Entity, error) {
	md, err := e.reg.ResolveMetadata(ctx, tbl)
	if errors.Is(err, ngsi.ErrSchemaNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	sel, ok := columnsFor(p.Attrs, md)
	if !ok {
		return nil, nil
	}

	f, err := baseFilter(e.d, p, w)
	if err != nil {
		return nil, err
	}
	q := statement(tbl, sel, p, w, f)
	rows, err := e.exec.Query(ctx, q, f.args.Values()...)
	if err != nil {
		switch {
		case dialect.IsUndefinedTable(err):
			return nil, nil
		case e.d.ClassifyError(err) == dialect.AggregationUnsupported:
			return nil, fmt.Errorf("%w: %s over %s", ngsi.ErrAggregationUnsupported, p.AggrMethod, strings.Join(p.Attrs, ","))
		}
		return nil, fmt.Errorf("failed to query %s: %w", tbl, err)
	}
	e.log.Debug().Str("table", tbl.Qualified()).Str("tenant", tenantLabel(p.Tenant)).Int("rows", rows.Len()).Msg("queried entity table")

	return e.assemble(rows, md, p, w), nil
}

// assemble groups rows by entity id and decodes every value with the
// NGSI type recorded for its column.
func (e *Engine) assemble(rows *storage.Rows, md schema.Metadata, p *Params, w window) []Entity {
	idIdx, typeIdx, timeIdx := rows.Index(dialect.EntityIDCol), rows.Index(dialect.EntityTypeCol), rows.Index(dialect.TimeIndexCol)
	if idIdx < 0 {
		return nil
	}
	attrIdx := map[int]schema.AttrMeta{}
	for i, c := range rows.Columns {
		if m, ok := md[c]; ok && !isReserved(c) {
			attrIdx[i] = m
		}
	}

	byID := map[string]*Entity{}
	var order []string
	for _, row := range rows.Values {
		id, _ := asString(row[idIdx])
		ent, ok := byID[id]
		if !ok {
			ent = &Entity{ID: id, Attrs: map[string]*Attr{}}
			if typeIdx >= 0 {
				ent.Type, _ = asString(row[typeIdx])
			}
			for _, m := range attrIdx {
				ent.Attrs[m.Name] = &Attr{Type: m.Type, Values: []any{}}
			}
			byID[id] = ent
			order = append(order, id)
		}
		if timeIdx >= 0 {
			ent.Index = append(ent.Index, formatIndex(row[timeIdx]))
		}
		for i, m := range attrIdx {
			a := ent.Attrs[m.Name]
			a.Values = append(a.Values, e.d.DecodeValue(row[i], m.Type))
		}
	}

	slices.Sort(order)
	out := make([]Entity, 0, len(order))
	for _, id := range order {
		ent := byID[id]
		if w.lastN {
			slices.Reverse(ent.Index)
			for _, a := range ent.Attrs {
				slices.Reverse(a.Values)
			}
		}
		if timeIdx < 0 {
			ent.Index = []string{p.FromDate, p.ToDate}
			for _, a := range ent.Attrs {
				a.Index = []string{p.FromDate, p.ToDate}
			}
		}
		out = append(out, *ent)
	}
	return out
}

func isReserved(col string) bool {
	switch col {
	case dialect.EntityIDCol, dialect.EntityTypeCol, dialect.TimeIndexCol,
		dialect.ServicePathCol, dialect.OriginalEntityCol, dialect.InstanceIDCol:
		return true
	}
	return false
}

// formatIndex renders a time_index value. Crate may report timestamps as
// epoch milliseconds.
func formatIndex(v any) string {
	switch t := v.(type) {
	case time.Time:
		return ngsi.FormatTime(t)
	case int64:
		return ngsi.FormatTime(time.UnixMilli(t))
	case float64:
		return ngsi.FormatTime(time.UnixMilli(int64(t)))
	}
	if s, ok := asString(v); ok {
		if t, ok := ngsi.ParseTime(s); ok {
			return ngsi.FormatTime(t)
		}
		return s
	}
	return ""
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
