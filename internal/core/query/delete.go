package query

import (
	"context"
	"errors"
	"fmt"

	"github.com/baseplate/timeseries/internal/core/dialect"
	"github.com/baseplate/timeseries/internal/core/ngsi"
	"github.com/baseplate/timeseries/internal/core/schema"
)

// DeleteParams selects the rows to remove.
type DeleteParams struct {
	Tenant     ngsi.Tenant
	EntityType string
	EntityID   string
	IDPattern  string
	FromDate   string
	ToDate     string
}

func (p DeleteParams) window() (window, error) {
	var (
		w   window
		err error
	)
	if w.from, err = parseDate("fromDate", p.FromDate); err != nil {
		return w, err
	}
	w.to, err = parseDate("toDate", p.ToDate)
	return w, err
}

// DeleteEntity removes the rows of one entity. Without a type the entity
// must exist under exactly one type. The error wraps ngsi.ErrSchemaNotFound
// when there is no table to delete from.
func (e *Engine) DeleteEntity(ctx context.Context, p DeleteParams) (int64, error) {
	w, err := p.window()
	if err != nil {
		return 0, err
	}
	typ := p.EntityType
	if typ == "" {
		if typ, err = e.typeOf(ctx, p.EntityID, p.Tenant); err != nil {
			return 0, err
		}
		if typ == "" {
			return 0, fmt.Errorf("entity %s: %w", p.EntityID, ngsi.ErrSchemaNotFound)
		}
	}
	tbl := schema.TableFor(p.Tenant, typ)
	if _, err := e.reg.ResolveMetadata(ctx, tbl); err != nil {
		return 0, err
	}

	f := &filter{}
	f.ids(p.EntityID, nil)
	f.window(w)
	f.servicePath(p.Tenant.ServicePath)
	return e.deleteRows(ctx, tbl, f)
}

// DeleteEntities removes the rows of every entity of a type. With no
// other restriction the table and its metadata are dropped and the number
// of rows it held is returned.
func (e *Engine) DeleteEntities(ctx context.Context, p DeleteParams) (int64, error) {
	if p.EntityType == "" {
		return 0, ngsi.Usagef("entity type is required")
	}
	w, err := p.window()
	if err != nil {
		return 0, err
	}
	tbl := schema.TableFor(p.Tenant, p.EntityType)
	if _, err := e.reg.ResolveMetadata(ctx, tbl); err != nil {
		return 0, err
	}

	if !w.hasFrom() && !w.hasTo() && p.IDPattern == "" && p.Tenant.ServicePath == "" {
		return e.dropTable(ctx, tbl)
	}

	f := &filter{}
	f.pattern(p.IDPattern)
	f.window(w)
	f.servicePath(p.Tenant.ServicePath)
	return e.deleteRows(ctx, tbl, f)
}

func (e *Engine) deleteRows(ctx context.Context, tbl dialect.Table, f *filter) (int64, error) {
	n, err := e.exec.Exec(ctx, "delete from "+tbl.Qualified()+f.String(), f.args.Values()...)
	if err != nil {
		if dialect.IsUndefinedTable(err) {
			return 0, fmt.Errorf("%s: %w", tbl, ngsi.ErrSchemaNotFound)
		}
		return 0, fmt.Errorf("failed to delete from %s: %w", tbl, err)
	}
	e.log.Info().Str("table", tbl.Qualified()).Int64("rows", n).Msg("deleted entity rows")
	return n, nil
}

func (e *Engine) dropTable(ctx context.Context, tbl dialect.Table) (int64, error) {
	rows, err := e.exec.Query(ctx, "select count(*) from "+tbl.Qualified())
	if err != nil && !dialect.IsUndefinedTable(err) {
		return 0, fmt.Errorf("failed to count rows of %s: %w", tbl, err)
	}
	var n int64
	if rows.Len() > 0 {
		n = toInt64(rows.Values[0][0])
	}
	if err := e.reg.DropTable(ctx, tbl); err != nil {
		return 0, err
	}
	return n, nil
}

func toInt64(v any) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int32:
		return int64(t)
	case int:
		return int64(t)
	case float64:
		return int64(t)
	}
	return 0
}

// IsNotFound reports whether err means there was nothing to act on.
func IsNotFound(err error) bool {
	return errors.Is(err, ngsi.ErrSchemaNotFound)
}
