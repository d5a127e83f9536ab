// Package query answers historical queries over entity tables and turns
// rows back into entity shaped results.
package query

import (
	"strconv"
	"strings"
	"time"

	"github.com/baseplate/timeseries/internal/core/geo"
	"github.com/baseplate/timeseries/internal/core/ngsi"
)

// DefaultLimit caps results when no ceiling is configured.
const DefaultLimit = 10000

var aggrMethods = map[string]bool{"count": true, "sum": true, "avg": true, "min": true, "max": true}

var aggrPeriods = map[string]bool{"year": true, "month": true, "day": true, "hour": true, "minute": true, "second": true}

// Params selects the rows of a historical query. Empty strings and nil
// pointers mean "not given".
type Params struct {
	Tenant     ngsi.Tenant
	EntityType string
	EntityID   string
	EntityIDs  []string
	IDPattern  string
	Attrs      []string
	FromDate   string
	ToDate     string
	LastN      *int
	Limit      *int
	Offset     int
	AggrMethod string
	AggrPeriod string
	AggrScope  string
	Geo        geo.Query
}

// window is the validated form of the paging and time parameters.
type window struct {
	from, to time.Time
	limit    int
	lastN    bool
}

func (w window) hasFrom() bool { return !w.from.IsZero() }
func (w window) hasTo() bool   { return !w.to.IsZero() }

// validate checks p in a fixed order so the first problem reported is
// stable, and resolves the effective limit against ceiling.
func validate(p *Params, ceiling int) (window, error) {
	var w window

	if p.EntityID != "" && len(p.EntityIDs) > 0 {
		return w, ngsi.Usagef("entityId and entityIds cannot be used together")
	}
	if p.AggrMethod != "" && !aggrMethods[strings.ToLower(p.AggrMethod)] {
		return w, ngsi.Usagef("aggrMethod %q is not supported, use one of count, sum, avg, min, max", p.AggrMethod)
	}
	if p.AggrPeriod != "" && !aggrPeriods[strings.ToLower(p.AggrPeriod)] {
		return w, ngsi.Usagef("aggrPeriod %q is not supported, use one of year, month, day, hour, minute, second", p.AggrPeriod)
	}
	if p.AggrScope != "" && p.AggrScope != "entity" {
		return w, ngsi.ErrNotImplemented
	}
	if p.AggrMethod != "" && len(p.Attrs) == 0 {
		return w, ngsi.Usagef("aggrMethod requires at least one attribute")
	}
	if p.AggrPeriod != "" && p.AggrMethod == "" {
		return w, ngsi.Usagef("aggrPeriod requires aggrMethod")
	}

	limit, err := effectiveLimit(p.Limit, p.LastN, ceiling)
	if err != nil {
		return w, err
	}
	w.limit = limit
	w.lastN = p.LastN != nil
	if p.Offset < 0 {
		return w, &ngsi.InvalidParameterValue{Param: "offset", Value: strconv.Itoa(p.Offset)}
	}

	if w.from, err = parseDate("fromDate", p.FromDate); err != nil {
		return w, err
	}
	if w.to, err = parseDate("toDate", p.ToDate); err != nil {
		return w, err
	}

	if _, ok := p.Geo.(geo.Equals); ok {
		return w, ngsi.ErrGeoQueryUnsupported
	}
	return w, nil
}

func effectiveLimit(limit, lastN *int, ceiling int) (int, error) {
	if ceiling <= 0 {
		ceiling = DefaultLimit
	}
	out := ceiling
	if limit != nil {
		if *limit <= 0 {
			return 0, &ngsi.InvalidParameterValue{Param: "limit", Value: strconv.Itoa(*limit)}
		}
		out = min(*limit, ceiling)
	}
	if lastN != nil {
		if *lastN <= 0 {
			return 0, &ngsi.InvalidParameterValue{Param: "lastN", Value: strconv.Itoa(*lastN)}
		}
		out = min(out, *lastN)
	}
	return out, nil
}

func parseDate(param, s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, ok := ngsi.ParseTime(s)
	if !ok {
		return time.Time{}, &ngsi.InvalidParameterValue{Param: param, Value: s}
	}
	return t, nil
}

// ParseInt reads an optional integer request parameter.
func ParseInt(param, s string) (*int, error) {
	if s == "" {
		return nil, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return nil, &ngsi.InvalidParameterValue{Param: param, Value: s}
	}
	return &n, nil
}
