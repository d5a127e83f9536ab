package handlers

import (
	"net/http"
	"slices"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/baseplate/timeseries/internal/api/middleware"
	"github.com/baseplate/timeseries/internal/core/query"
	"github.com/baseplate/timeseries/internal/core/timeseries"
)

type attrValues struct {
	AttrName string   `json:"attrName"`
	Values   []any    `json:"values"`
	Index    []string `json:"index,omitempty"`
}

type entityHistory struct {
	EntityID   string       `json:"entityId"`
	EntityType string       `json:"entityType,omitempty"`
	Index      []string     `json:"index"`
	Attributes []attrValues `json:"attributes,omitempty"`
	Values     []any        `json:"values,omitempty"`
}

type typeHistory struct {
	EntityType string          `json:"entityType"`
	AttrName   string          `json:"attrName,omitempty"`
	Entities   []entityHistory `json:"entities"`
}

type attrHistory struct {
	AttrName string        `json:"attrName"`
	Types    []typeHistory `json:"types"`
}

func attributes(e query.Entity) []attrValues {
	out := make([]attrValues, 0, len(e.Attrs))
	for _, name := range e.AttrNames() {
		a := e.Attrs[name]
		out = append(out, attrValues{AttrName: name, Values: a.Values, Index: a.Index})
	}
	return out
}

func history(e query.Entity, withType bool) entityHistory {
	h := entityHistory{EntityID: e.ID, Index: e.Index, Attributes: attributes(e)}
	if withType {
		h.EntityType = e.Type
	}
	return h
}

// singleAttr renders the history of e queried for a single attribute.
func singleAttr(e query.Entity) entityHistory {
	h := entityHistory{EntityID: e.ID, Index: e.Index, Values: []any{}}
	for _, a := range e.Attrs {
		h.Values = a.Values
	}
	return h
}

type QueryHandler struct {
	service *timeseries.Service
}

func NewQueryHandler(service *timeseries.Service) *QueryHandler {
	return &QueryHandler{service: service}
}

// run resolves the request parameters and backend, applies adjust and
// runs the query. It writes the error response itself and reports false
// when nothing was found.
func (h *QueryHandler) run(c *gin.Context, adjust func(*query.Params)) ([]query.Entity, bool) {
	p, err := queryParams(c)
	if err != nil {
		respondError(c, err)
		return nil, false
	}
	adjust(&p)

	tr, err := h.service.For(p.Tenant)
	if err != nil {
		respondError(c, err)
		return nil, false
	}
	found, err := tr.Query(c.Request.Context(), p)
	if err != nil {
		respondError(c, err)
		return nil, false
	}
	if len(found) == 0 {
		respondNotFound(c)
		return nil, false
	}
	return found, true
}

// ListEntities lists the known entities with the time of their latest update.
func (h *QueryHandler) ListEntities(c *gin.Context) {
	p := query.IDsParams{
		Tenant:     middleware.GetTenant(c),
		EntityType: c.Query("type"),
		IDPattern:  c.Query("idPattern"),
		FromDate:   c.Query("fromDate"),
		ToDate:     c.Query("toDate"),
	}
	var err error
	if p.Limit, err = query.ParseInt("limit", c.Query("limit")); err != nil {
		respondError(c, err)
		return
	}
	offset, err := query.ParseInt("offset", c.Query("offset"))
	if err != nil {
		respondError(c, err)
		return
	}
	if offset != nil {
		p.Offset = *offset
	}

	tr, err := h.service.For(p.Tenant)
	if err != nil {
		respondError(c, err)
		return
	}
	ids, err := tr.QueryIDs(c.Request.Context(), p)
	if err != nil {
		respondError(c, err)
		return
	}
	if len(ids) == 0 {
		respondNotFound(c)
		return
	}
	c.JSON(http.StatusOK, ids)
}

// Entity returns the history of one entity.
func (h *QueryHandler) Entity(c *gin.Context) {
	found, ok := h.run(c, func(p *query.Params) {
		p.EntityID = c.Param("entityId")
		p.EntityIDs = nil
	})
	if !ok {
		return
	}
	c.JSON(http.StatusOK, history(found[0], true))
}

// EntityAttr returns the history of one attribute of one entity.
func (h *QueryHandler) EntityAttr(c *gin.Context) {
	attr := c.Param("attrName")
	found, ok := h.run(c, func(p *query.Params) {
		p.EntityID = c.Param("entityId")
		p.EntityIDs = nil
		p.Attrs = []string{attr}
	})
	if !ok {
		return
	}
	e := found[0]
	c.JSON(http.StatusOK, gin.H{
		"entityId":   e.ID,
		"entityType": e.Type,
		"attrName":   attr,
		"index":      e.Index,
		"values":     singleAttr(e).Values,
	})
}

// EntityTypes lists the stored entity types.
func (h *QueryHandler) EntityTypes(c *gin.Context) {
	tenant := middleware.GetTenant(c)
	tr, err := h.service.For(tenant)
	if err != nil {
		respondError(c, err)
		return
	}
	types, err := tr.QueryEntityTypes(c.Request.Context(), tenant)
	if err != nil {
		respondError(c, err)
		return
	}
	if len(types) == 0 {
		respondNotFound(c)
		return
	}
	out := make([]gin.H, len(types))
	for i, t := range types {
		out[i] = gin.H{"entityType": t}
	}
	c.JSON(http.StatusOK, out)
}

// Type returns the history of every entity of a type.
func (h *QueryHandler) Type(c *gin.Context) {
	typ := c.Param("entityType")
	found, ok := h.run(c, func(p *query.Params) { p.EntityType = typ })
	if !ok {
		return
	}
	out := typeHistory{EntityType: typ, Entities: make([]entityHistory, len(found))}
	for i, e := range found {
		out.Entities[i] = history(e, false)
	}
	c.JSON(http.StatusOK, out)
}

// TypeAttr returns the history of one attribute of every entity of a type.
func (h *QueryHandler) TypeAttr(c *gin.Context) {
	typ, attr := c.Param("entityType"), c.Param("attrName")
	found, ok := h.run(c, func(p *query.Params) {
		p.EntityType = typ
		p.Attrs = []string{attr}
	})
	if !ok {
		return
	}
	out := typeHistory{EntityType: typ, AttrName: attr, Entities: make([]entityHistory, len(found))}
	for i, e := range found {
		out.Entities[i] = singleAttr(e)
	}
	c.JSON(http.StatusOK, out)
}

// TypeValue returns the latest values of every entity of a type.
func (h *QueryHandler) TypeValue(c *gin.Context) {
	p := query.LastValuesParams{
		Tenant:     middleware.GetTenant(c),
		EntityType: c.Param("entityType"),
		Attrs:      splitList(c.Query("attrs")),
	}
	var err error
	if p.Limit, err = query.ParseInt("limit", c.Query("limit")); err != nil {
		respondError(c, err)
		return
	}
	offset, err := query.ParseInt("offset", c.Query("offset"))
	if err != nil {
		respondError(c, err)
		return
	}
	if offset != nil {
		p.Offset = *offset
	}

	tr, err := h.service.For(p.Tenant)
	if err != nil {
		respondError(c, err)
		return
	}
	found, err := tr.QueryLastValues(c.Request.Context(), p)
	if err != nil {
		respondError(c, err)
		return
	}
	if len(found) == 0 {
		respondNotFound(c)
		return
	}
	out := make([]entityHistory, len(found))
	for i, e := range found {
		out[i] = history(e, true)
	}
	c.JSON(http.StatusOK, out)
}

// Attrs returns the history of the requested attributes across types.
func (h *QueryHandler) Attrs(c *gin.Context) {
	found, ok := h.run(c, func(*query.Params) {})
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"attrs": byAttr(found, "")})
}

// Attr returns the history of one attribute across types.
func (h *QueryHandler) Attr(c *gin.Context) {
	attr := c.Param("attrName")
	found, ok := h.run(c, func(p *query.Params) { p.Attrs = []string{attr} })
	if !ok {
		return
	}
	groups := byAttr(found, attr)
	if len(groups) == 0 {
		respondNotFound(c)
		return
	}
	c.JSON(http.StatusOK, groups[0])
}

// byAttr regroups entity histories by attribute and then by entity type.
// A non-empty only keeps that attribute.
func byAttr(found []query.Entity, only string) []attrHistory {
	var names []string
	groups := map[string]map[string][]entityHistory{}
	var typeOrder []string
	for _, e := range found {
		if !slices.Contains(typeOrder, e.Type) {
			typeOrder = append(typeOrder, e.Type)
		}
		for _, name := range e.AttrNames() {
			if only != "" && !strings.EqualFold(name, only) {
				continue
			}
			if _, ok := groups[name]; !ok {
				groups[name] = map[string][]entityHistory{}
				names = append(names, name)
			}
			groups[name][e.Type] = append(groups[name][e.Type], entityHistory{
				EntityID: e.ID,
				Index:    e.Index,
				Values:   e.Attrs[name].Values,
			})
		}
	}
	slices.Sort(names)

	out := make([]attrHistory, 0, len(names))
	for _, name := range names {
		ah := attrHistory{AttrName: name}
		for _, typ := range typeOrder {
			if ents, ok := groups[name][typ]; ok {
				ah.Types = append(ah.Types, typeHistory{EntityType: typ, Entities: ents})
			}
		}
		out = append(out, ah)
	}
	return out
}
