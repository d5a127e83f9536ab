package query

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/baseplate/timeseries/internal/core/dialect"
	"github.com/baseplate/timeseries/internal/core/ngsi"
	"github.com/baseplate/timeseries/internal/core/schema"
)

// filter collects WHERE terms and their parameters.
type filter struct {
	args  dialect.Args
	terms []string
}

func (f *filter) add(format string, vals ...any) {
	phs := make([]any, len(vals))
	for i, v := range vals {
		phs[i] = f.args.Add(v)
	}
	f.terms = append(f.terms, fmt.Sprintf(format, phs...))
}

func (f *filter) String() string {
	if len(f.terms) == 0 {
		return ""
	}
	return " where " + strings.Join(f.terms, " and ")
}

func (f *filter) ids(single string, many []string) {
	switch {
	case single != "":
		f.add(dialect.EntityIDCol+" = %s", single)
	case len(many) > 0:
		phs := make([]string, len(many))
		for i, id := range many {
			phs[i] = f.args.Add(id)
		}
		f.terms = append(f.terms, dialect.EntityIDCol+" in ("+strings.Join(phs, ", ")+")")
	}
}

func (f *filter) pattern(p string) {
	if p != "" {
		f.add(dialect.EntityIDCol+" ~ %s", p)
	}
}

func (f *filter) window(w window) {
	if w.hasFrom() {
		f.add(dialect.TimeIndexCol+" >= %s", w.from)
	}
	if w.hasTo() {
		f.add(dialect.TimeIndexCol+" <= %s", w.to)
	}
}

// servicePath restricts rows to the given paths and their descendants.
// Several comma separated paths are OR-ed. Without a path only rows
// stored without one match.
func (f *filter) servicePath(sp string) {
	if strings.TrimSpace(sp) == "" {
		f.terms = append(f.terms, dialect.ServicePathCol+" = ''")
		return
	}
	var alts []string
	for p := range strings.SplitSeq(sp, ",") {
		p = strings.TrimSpace(p)
		if p == "/" || p == "" {
			alts = append(alts, dialect.ServicePathCol+" ~ "+f.args.Add("^/.*"))
			continue
		}
		p = strings.TrimSuffix(p, "/")
		alts = append(alts, dialect.ServicePathCol+" ~ "+f.args.Add("^"+regexp.QuoteMeta(p)+"($|/.*)"))
	}
	if len(alts) == 1 {
		f.terms = append(f.terms, alts[0])
		return
	}
	f.terms = append(f.terms, "("+strings.Join(alts, " or ")+")")
}

// selected is one requested attribute present in a table.
type selected struct {
	col  string
	meta schema.AttrMeta
}

// columnsFor resolves the requested attribute names against md. An empty
// request selects every attribute. ok is false when a request was made and
// none of the attributes exist in the table.
func columnsFor(attrs []string, md schema.Metadata) (sel []selected, ok bool) {
	if len(attrs) == 0 {
		return nil, true
	}
	seen := map[string]bool{}
	for _, a := range attrs {
		col := schema.ColumnName(a)
		m, found := md[col]
		if !found || seen[col] {
			continue
		}
		seen[col] = true
		sel = append(sel, selected{col: col, meta: m})
	}
	return sel, len(sel) > 0
}

// statement renders the SELECT for one table.
func statement(tbl dialect.Table, sel []selected, p *Params, w window, f *filter) string {
	var b strings.Builder
	method := strings.ToLower(p.AggrMethod)
	period := strings.ToLower(p.AggrPeriod)
	bucket := fmt.Sprintf("DATE_TRUNC('%s', %s)", period, dialect.TimeIndexCol)

	b.WriteString("select ")
	cols := []string{dialect.EntityIDCol, dialect.EntityTypeCol}
	switch {
	case method != "" && period != "":
		cols = append(cols, bucket+" as "+dialect.TimeIndexCol)
	case method == "" && len(sel) > 0:
		cols = append(cols, dialect.TimeIndexCol)
	}
	for _, s := range sel {
		q := dialect.Quote(s.col)
		if method != "" {
			cols = append(cols, fmt.Sprintf("%s(%s) as %s", method, q, q))
		} else {
			cols = append(cols, q)
		}
	}
	if len(sel) == 0 {
		b.WriteString("*")
	} else {
		b.WriteString(strings.Join(cols, ", "))
	}

	b.WriteString(" from ")
	b.WriteString(tbl.Qualified())
	b.WriteString(f.String())

	dir := "asc"
	if w.lastN {
		dir = "desc"
	}
	switch {
	case method != "" && period != "":
		fmt.Fprintf(&b, " group by %s, %s, %s order by %s %s", dialect.EntityIDCol, dialect.EntityTypeCol, bucket, dialect.TimeIndexCol, dir)
	case method != "":
		fmt.Fprintf(&b, " group by %s, %s order by %s", dialect.EntityIDCol, dialect.EntityTypeCol, dialect.EntityIDCol)
	default:
		fmt.Fprintf(&b, " order by %s %s", dialect.TimeIndexCol, dir)
	}
	fmt.Fprintf(&b, " limit %d offset %d", w.limit, p.Offset)
	return b.String()
}

// baseFilter builds the WHERE terms shared by queries and deletes.
func baseFilter(d dialect.Dialect, p *Params, w window) (*filter, error) {
	f := &filter{}
	f.ids(p.EntityID, p.EntityIDs)
	f.pattern(p.IDPattern)
	f.window(w)
	f.servicePath(p.Tenant.ServicePath)
	if p.Geo != nil {
		term, err := d.GeoPredicate(p.Geo, &f.args)
		if err != nil {
			return nil, err
		}
		if term != "" {
			f.terms = append(f.terms, term)
		}
	}
	return f, nil
}

func tenantLabel(t ngsi.Tenant) string {
	if t.Service == "" {
		return "default"
	}
	return t.Service
}
