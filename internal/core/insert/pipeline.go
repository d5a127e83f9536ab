// Package insert turns NGSI entities into rows of their entity tables.
package insert

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog"

	"github.com/baseplate/timeseries/internal/core/dialect"
	"github.com/baseplate/timeseries/internal/core/ngsi"
	"github.com/baseplate/timeseries/internal/core/schema"
	"github.com/baseplate/timeseries/internal/metrics"
	"github.com/baseplate/timeseries/internal/storage"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type Config struct {
	// MaxSize bounds the estimated payload of one insert statement in
	// bytes. Zero disables splitting.
	MaxSize int
	// KeepRawEntity stores every received entity in the original entity
	// column, not only those that failed.
	KeepRawEntity bool
}

// Result counts what one Insert call stored.
type Result struct {
	Inserted  int
	Preserved int
	Batches   int
}

func (r *Result) add(o Result) {
	r.Inserted += o.Inserted
	r.Preserved += o.Preserved
	r.Batches += o.Batches
}

type Pipeline struct {
	exec    storage.Executor
	reg     *schema.Registry
	d       dialect.Dialect
	cfg     Config
	log     zerolog.Logger
	metrics *metrics.Metrics

	now   func() time.Time
	newID func() uuid.UUID
}

func New(exec storage.Executor, reg *schema.Registry, cfg Config, log zerolog.Logger, m *metrics.Metrics) *Pipeline {
	return &Pipeline{
		exec:    exec,
		reg:     reg,
		d:       reg.Dialect(),
		cfg:     cfg,
		log:     log,
		metrics: m,
		now:     time.Now,
		newID:   uuid.New,
	}
}

// row is one encoded entity.
type row struct {
	entity ngsi.Entity
	path   string
	values []any
}

// failure is an entity that could not be stored as a typed row.
type failure struct {
	entity ngsi.Entity
	path   string
	reason string
}

// Insert stores entities for tenant. Entities whose typed row is rejected
// because of their data are stored with only their original payload.
// Errors are returned for malformed input and for failures that would lose
// data.
func (p *Pipeline) Insert(ctx context.Context, entities []ngsi.Entity, tenant ngsi.Tenant) (Result, error) {
	paths, err := servicePaths(tenant.ServicePath, len(entities))
	if err != nil {
		return Result{}, err
	}

	prepared := make([]ngsi.Entity, len(entities))
	for i, e := range entities {
		if e.ID == "" || e.Type == "" {
			return Result{}, ngsi.Usagef("entity %d is missing id or type", i)
		}
		if prepared[i], err = p.prepare(e); err != nil {
			return Result{}, err
		}
	}

	var (
		order  []string
		groups = map[string][]int{}
	)
	for i, e := range prepared {
		if _, ok := groups[e.Type]; !ok {
			order = append(order, e.Type)
		}
		groups[e.Type] = append(groups[e.Type], i)
	}

	var total Result
	for _, typ := range order {
		idx := groups[typ]
		batch := make([]ngsi.Entity, len(idx))
		batchPaths := make([]string, len(idx))
		for j, i := range idx {
			batch[j], batchPaths[j] = prepared[i], paths[i]
		}
		res, err := p.insertType(ctx, schema.TableFor(tenant, typ), batch, batchPaths)
		total.add(res)
		if err != nil {
			return total, err
		}
	}

	p.metrics.Inserted(p.d.Name(), total.Inserted, total.Preserved, total.Batches)
	return total, nil
}

// servicePaths assigns a service path to each entity. A comma separated
// list carries one path per entity.
func servicePaths(sp string, n int) ([]string, error) {
	out := make([]string, n)
	parts := strings.Split(sp, ",")
	if len(parts) > 1 {
		if len(parts) != n {
			return nil, ngsi.Usagef("got %d service paths for %d entities", len(parts), n)
		}
		for i, s := range parts {
			out[i] = strings.TrimSpace(s)
		}
		return out, nil
	}
	for i := range out {
		out[i] = strings.TrimSpace(sp)
	}
	return out, nil
}

var reservedColumns = map[string]bool{
	dialect.EntityIDCol:    true,
	dialect.EntityTypeCol:  true,
	dialect.TimeIndexCol:   true,
	dialect.ServicePathCol: true,
	dialect.InstanceIDCol:  true,
}

// prepare returns a copy of e with reserved attributes removed and a time
// index set.
func (p *Pipeline) prepare(e ngsi.Entity) (ngsi.Entity, error) {
	e.Attrs = maps.Clone(e.Attrs)
	for name := range e.Attrs {
		col := strings.ToLower(name)
		if col == dialect.OriginalEntityCol {
			return e, &ngsi.UsageError{
				Msg: fmt.Sprintf("entity %s uses the reserved attribute name %s", e.ID, name),
				Err: ngsi.ErrReservedAttribute,
			}
		}
		if reservedColumns[col] {
			p.log.Warn().Str("entity_id", e.ID).Str("attr", name).Msg("dropping attribute with reserved name")
			delete(e.Attrs, name)
		}
	}

	if e.TimeIndex.IsZero() {
		e.TimeIndex = p.now().UTC()
		p.log.Warn().Str("entity_id", e.ID).Msg("entity has no time index, using current time")
	}
	return e, nil
}

// attrColumns maps each column of a batch to the attribute names stored
// in it, sorted so the first name wins when names differ only in case.
func attrColumns(batch []ngsi.Entity) map[string]string {
	names := map[string]string{}
	for _, e := range batch {
		for name := range e.Attrs {
			col := schema.ColumnName(name)
			if cur, ok := names[col]; !ok || name < cur {
				names[col] = name
			}
		}
	}
	return names
}

func lookup(e ngsi.Entity, col string) (ngsi.Attribute, bool) {
	var (
		found ngsi.Attribute
		name  string
		ok    bool
	)
	for n, a := range e.Attrs {
		if schema.ColumnName(n) == col && (!ok || n < name) {
			found, name, ok = a, n, true
		}
	}
	return found, ok
}

func (p *Pipeline) insertType(ctx context.Context, tbl dialect.Table, batch []ngsi.Entity, paths []string) (Result, error) {
	names := attrColumns(batch)

	proposed := make([]dialect.Column, 0, len(names))
	md := schema.Metadata{}
	for _, e := range batch {
		for name, a := range e.Attrs {
			col := schema.ColumnName(name)
			if _, ok := md[col]; ok || names[col] != name {
				continue
			}
			if !ngsi.IsKnownType(a.Type) {
				p.log.Warn().Str("attr", name).Str("type", a.Type).Msg("unknown NGSI type, falling back")
			}
			md[col] = schema.AttrMeta{Name: name, Type: a.Type}
			proposed = append(proposed, dialect.Column{Name: col, SQLType: p.d.SQLType(a)})
		}
	}
	sort.Slice(proposed, func(i, j int) bool { return proposed[i].Name < proposed[j].Name })

	sch, err := p.reg.EnsureTable(ctx, tbl, append(p.d.FixedColumns(), proposed...))
	if err != nil {
		return Result{}, err
	}
	if err := p.reg.RecordMetadata(ctx, tbl, md); err != nil {
		return Result{}, err
	}

	cols := make([]dialect.Column, 0, len(p.d.FixedColumns())+len(proposed))
	for _, c := range p.d.FixedColumns() {
		cols = append(cols, dialect.Column{Name: c.Name, SQLType: sch.Type(c.Name)})
	}
	for _, c := range proposed {
		cols = append(cols, dialect.Column{Name: c.Name, SQLType: sch.Type(c.Name)})
	}

	var (
		rows     []row
		failures []failure
	)
	for i, e := range batch {
		r, err := p.encode(e, paths[i], cols)
		if err != nil {
			p.log.Warn().Err(err).Str("entity_id", e.ID).Msg("value does not fit established column type")
			failures = append(failures, failure{entity: e, path: paths[i], reason: err.Error()})
			continue
		}
		rows = append(rows, r)
	}

	var res Result
	perStmt := maxParams / len(cols)
	for _, sub := range Split(rows, rowSize, p.cfg.MaxSize) {
		for _, part := range chunk(sub, perStmt) {
			if err := ctx.Err(); err != nil {
				return res, err
			}
			res.Batches++
			failed, err := p.insertRows(ctx, tbl, cols, part)
			if err != nil {
				return res, err
			}
			res.Inserted += len(part) - len(failed)
			failures = append(failures, failed...)
		}
	}

	if len(failures) > 0 {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if err := p.preserve(ctx, tbl, failures); err != nil {
			return res, err
		}
		res.Preserved = len(failures)
	}
	return res, nil
}

func (p *Pipeline) encode(e ngsi.Entity, path string, cols []dialect.Column) (row, error) {
	r := row{entity: e, path: path, values: make([]any, len(cols))}
	for i, c := range cols {
		var (
			v   any
			err error
		)
		switch c.Name {
		case dialect.EntityIDCol:
			v = e.ID
		case dialect.EntityTypeCol:
			v = e.Type
		case dialect.TimeIndexCol:
			v = e.TimeIndex
		case dialect.ServicePathCol:
			v = path
		case dialect.InstanceIDCol:
			v = "urn:ngsi-ld:" + p.newID().String()
		case dialect.OriginalEntityCol:
			if p.cfg.KeepRawEntity {
				v, err = encodeJSON(e.Map())
			}
		default:
			if a, ok := lookup(e, c.Name); ok {
				v, err = p.d.EncodeValue(a, c.SQLType)
			}
		}
		if err != nil {
			return r, fmt.Errorf("%s: %w", c.Name, err)
		}
		r.values[i] = v
	}
	return r, nil
}

func encodeJSON(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (p *Pipeline) renderInsert(tbl dialect.Table, cols []dialect.Column, rows [][]any) (string, []any) {
	names := make([]string, len(cols))
	for i, c := range cols {
		names[i] = dialect.Quote(c.Name)
	}

	var (
		args   dialect.Args
		tuples = make([]string, 0, len(rows))
	)
	for _, values := range rows {
		phs := make([]string, len(cols))
		for i, c := range cols {
			phs[i] = p.d.Placeholder(args.Add(values[i]), c.SQLType)
		}
		tuples = append(tuples, "("+strings.Join(phs, ", ")+")")
	}
	q := fmt.Sprintf("insert into %s (%s) values %s", tbl.Qualified(), strings.Join(names, ", "), strings.Join(tuples, ", "))
	return q, args.Values()
}

// insertRows writes rows in one statement. If the backend rejects the data
// the rows are retried one at a time and those rejected again are
// returned as failures.
func (p *Pipeline) insertRows(ctx context.Context, tbl dialect.Table, cols []dialect.Column, rows []row) ([]failure, error) {
	values := make([][]any, len(rows))
	for i, r := range rows {
		values[i] = r.values
	}
	q, args := p.renderInsert(tbl, cols, values)
	_, err := p.exec.Exec(ctx, q, args...)
	if err == nil {
		return nil, nil
	}
	if !dialect.ShouldPreserveOriginal(p.d, err) {
		return nil, fmt.Errorf("failed to insert into %s: %w", tbl.Qualified(), err)
	}
	if len(rows) == 1 {
		return []failure{{entity: rows[0].entity, path: rows[0].path, reason: err.Error()}}, nil
	}

	p.log.Warn().Err(err).Str("table", tbl.Qualified()).Int("rows", len(rows)).Msg("batch insert rejected, retrying rows one by one")
	var failed []failure
	for _, r := range rows {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		q, args := p.renderInsert(tbl, cols, [][]any{r.values})
		if _, err := p.exec.Exec(ctx, q, args...); err != nil {
			if !dialect.ShouldPreserveOriginal(p.d, err) {
				return nil, fmt.Errorf("failed to insert into %s: %w", tbl.Qualified(), err)
			}
			failed = append(failed, failure{entity: r.entity, path: r.path, reason: err.Error()})
		}
	}
	return failed, nil
}

// preserve stores failed entities with their typed columns left NULL and
// the original payload in the original entity column.
func (p *Pipeline) preserve(ctx context.Context, tbl dialect.Table, failures []failure) error {
	batchID := strings.ReplaceAll(p.newID().String(), "-", "")
	var originalType string
	for _, c := range p.d.FixedColumns() {
		if c.Name == dialect.OriginalEntityCol {
			originalType = c.SQLType
		}
	}
	cols := []dialect.Column{
		{Name: dialect.EntityIDCol},
		{Name: dialect.EntityTypeCol},
		{Name: dialect.TimeIndexCol},
		{Name: dialect.ServicePathCol},
		{Name: dialect.OriginalEntityCol, SQLType: originalType},
	}

	rows := make([][]any, 0, len(failures))
	for _, f := range failures {
		original, err := encodeJSON(map[string]any{
			"data":          f.entity.Map(),
			"failedBatchID": batchID,
			"error":         f.reason,
		})
		if err != nil {
			return fmt.Errorf("failed to encode original entity %s: %w", f.entity.ID, err)
		}
		rows = append(rows, []any{f.entity.ID, f.entity.Type, f.entity.TimeIndex, f.path, original})
	}

	q, args := p.renderInsert(tbl, cols, rows)
	if _, err := p.exec.Exec(ctx, q, args...); err != nil {
		return fmt.Errorf("failed to preserve original entities in %s: %w", tbl.Qualified(), err)
	}
	p.log.Warn().Str("table", tbl.Qualified()).Str("batch_id", batchID).Int("entities", len(failures)).
		Msg("stored original entities after failed insert")
	return nil
}
