package query

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/baseplate/timeseries/internal/core/dialect"
	"github.com/baseplate/timeseries/internal/core/ngsi"
	"github.com/baseplate/timeseries/internal/core/schema"
)

// IDInfo is one entity known to the backend with the time of its latest row.
type IDInfo struct {
	ID    string `json:"id"`
	Type  string `json:"type"`
	Index string `json:"index"`
}

// IDsParams selects entities for QueryIDs.
type IDsParams struct {
	Tenant     ngsi.Tenant
	EntityType string
	IDPattern  string
	FromDate   string
	ToDate     string
	Limit      *int
	Offset     int
}

// QueryIDs lists the entities of the tenant, or of one type, ordered by
// type and id.
func (e *Engine) QueryIDs(ctx context.Context, p IDsParams) ([]IDInfo, error) {
	limit, err := effectiveLimit(p.Limit, nil, e.limit)
	if err != nil {
		return nil, err
	}
	w := window{limit: limit}
	if w.from, err = parseDate("fromDate", p.FromDate); err != nil {
		return nil, err
	}
	if w.to, err = parseDate("toDate", p.ToDate); err != nil {
		return nil, err
	}

	var tables []dialect.Table
	if p.EntityType != "" {
		tables = []dialect.Table{schema.TableFor(p.Tenant, p.EntityType)}
	} else if tables, err = e.reg.ListTables(ctx, p.Tenant); err != nil {
		return nil, err
	}
	if len(tables) == 0 {
		return nil, nil
	}
	e.metrics.Queried(e.d.Name(), "ids")

	f := &filter{}
	f.pattern(p.IDPattern)
	f.window(w)
	f.servicePath(p.Tenant.ServicePath)
	where := f.String()

	parts := make([]string, len(tables))
	for i, tbl := range tables {
		parts[i] = fmt.Sprintf("select %[1]s, %[2]s, max(%[3]s) as %[3]s from %[4]s%[5]s group by %[1]s, %[2]s",
			dialect.EntityIDCol, dialect.EntityTypeCol, dialect.TimeIndexCol, tbl.Qualified(), where)
	}
	q := fmt.Sprintf("select * from (%s) as ids order by %s, %s limit %d offset %d",
		strings.Join(parts, " union all "), dialect.EntityTypeCol, dialect.EntityIDCol, w.limit, p.Offset)

	rows, err := e.exec.Query(ctx, q, f.args.Values()...)
	if err != nil {
		if dialect.IsUndefinedTable(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list entity ids: %w", err)
	}
	idIdx, typeIdx, timeIdx := rows.Index(dialect.EntityIDCol), rows.Index(dialect.EntityTypeCol), rows.Index(dialect.TimeIndexCol)
	out := make([]IDInfo, 0, rows.Len())
	for _, row := range rows.Values {
		var info IDInfo
		info.ID, _ = asString(row[idIdx])
		info.Type, _ = asString(row[typeIdx])
		info.Index = formatIndex(row[timeIdx])
		out = append(out, info)
	}
	return out, nil
}

// QueryEntityTypes returns the distinct entity types stored for the tenant.
func (e *Engine) QueryEntityTypes(ctx context.Context, t ngsi.Tenant) ([]string, error) {
	tables, err := e.reg.ListTables(ctx, t)
	if err != nil || len(tables) == 0 {
		return nil, err
	}
	e.metrics.Queried(e.d.Name(), "types")

	f := &filter{}
	f.servicePath(t.ServicePath)
	where := f.String()
	parts := make([]string, len(tables))
	for i, tbl := range tables {
		parts[i] = fmt.Sprintf("select distinct %s from %s%s", dialect.EntityTypeCol, tbl.Qualified(), where)
	}
	rows, err := e.exec.Query(ctx, strings.Join(parts, " union "), f.args.Values()...)
	if err != nil {
		if dialect.IsUndefinedTable(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list entity types: %w", err)
	}

	var types []string
	for _, row := range rows.Values {
		if s, ok := asString(row[0]); ok && !slices.Contains(types, s) {
			types = append(types, s)
		}
	}
	slices.Sort(types)
	return types, nil
}

// LastValuesParams selects entities for QueryLastValues.
type LastValuesParams struct {
	Tenant     ngsi.Tenant
	EntityType string
	Attrs      []string
	Limit      *int
	Offset     int
}

// QueryLastValues returns the most recent row of every entity as a
// single-valued history.
func (e *Engine) QueryLastValues(ctx context.Context, p LastValuesParams) ([]Entity, error) {
	limit, err := effectiveLimit(p.Limit, nil, e.limit)
	if err != nil {
		return nil, err
	}
	var tables []dialect.Table
	if p.EntityType != "" {
		tables = []dialect.Table{schema.TableFor(p.Tenant, p.EntityType)}
	} else if tables, err = e.reg.ListTables(ctx, p.Tenant); err != nil {
		return nil, err
	}
	e.metrics.Queried(e.d.Name(), "last")

	var out []Entity
	for _, tbl := range tables {
		md, err := e.reg.ResolveMetadata(ctx, tbl)
		if errors.Is(err, ngsi.ErrSchemaNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		sel, ok := columnsFor(p.Attrs, md)
		if !ok {
			continue
		}

		f := &filter{}
		f.servicePath(p.Tenant.ServicePath)
		cols := "t.*"
		if len(sel) > 0 {
			qs := []string{"t." + dialect.EntityIDCol, "t." + dialect.EntityTypeCol, "t." + dialect.TimeIndexCol}
			for _, s := range sel {
				qs = append(qs, "t."+dialect.Quote(s.col))
			}
			cols = strings.Join(qs, ", ")
		}
		q := fmt.Sprintf("select %[1]s from %[2]s t join (select %[3]s, max(%[4]s) as latest from %[2]s%[5]s group by %[3]s) m"+
			" on t.%[3]s = m.%[3]s and t.%[4]s = m.latest order by t.%[3]s limit %[6]d offset %[7]d",
			cols, tbl.Qualified(), dialect.EntityIDCol, dialect.TimeIndexCol, f.String(), limit, p.Offset)

		rows, err := e.exec.Query(ctx, q, f.args.Values()...)
		if err != nil {
			if dialect.IsUndefinedTable(err) {
				continue
			}
			return nil, fmt.Errorf("failed to query last values of %s: %w", tbl, err)
		}
		out = append(out, e.assemble(rows, md, &Params{}, window{})...)
	}
	return out, nil
}
