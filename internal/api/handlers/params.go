package handlers

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/baseplate/timeseries/internal/api/middleware"
	"github.com/baseplate/timeseries/internal/core/geo"
	"github.com/baseplate/timeseries/internal/core/query"
)

// splitList reads a comma separated list parameter.
func splitList(s string) []string {
	var out []string
	for part := range strings.SplitSeq(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// queryParams reads the parameters shared by the history endpoints.
func queryParams(c *gin.Context) (query.Params, error) {
	p := query.Params{
		Tenant:     middleware.GetTenant(c),
		EntityType: c.Query("type"),
		EntityIDs:  splitList(c.Query("id")),
		IDPattern:  c.Query("idPattern"),
		Attrs:      splitList(c.Query("attrs")),
		FromDate:   c.Query("fromDate"),
		ToDate:     c.Query("toDate"),
		AggrMethod: c.Query("aggrMethod"),
		AggrPeriod: c.Query("aggrPeriod"),
		AggrScope:  c.Query("aggrScope"),
	}

	var err error
	if p.LastN, err = query.ParseInt("lastN", c.Query("lastN")); err != nil {
		return p, err
	}
	if p.Limit, err = query.ParseInt("limit", c.Query("limit")); err != nil {
		return p, err
	}
	offset, err := query.ParseInt("offset", c.Query("offset"))
	if err != nil {
		return p, err
	}
	if offset != nil {
		p.Offset = *offset
	}

	p.Geo, err = geo.Parse(c.Query("georel"), c.Query("geometry"), c.Query("coords"))
	return p, err
}
