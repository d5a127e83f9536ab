package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/baseplate/timeseries/internal/api/middleware"
	"github.com/baseplate/timeseries/internal/core/query"
	"github.com/baseplate/timeseries/internal/core/timeseries"
)

type DeleteHandler struct {
	service *timeseries.Service
}

func NewDeleteHandler(service *timeseries.Service) *DeleteHandler {
	return &DeleteHandler{service: service}
}

func deleteParams(c *gin.Context) query.DeleteParams {
	return query.DeleteParams{
		Tenant:     middleware.GetTenant(c),
		EntityType: c.Query("type"),
		IDPattern:  c.Query("idPattern"),
		FromDate:   c.Query("fromDate"),
		ToDate:     c.Query("toDate"),
	}
}

// Entity removes the history of one entity.
func (h *DeleteHandler) Entity(c *gin.Context) {
	p := deleteParams(c)
	p.EntityID = c.Param("entityId")
	h.run(c, p, func(tr *timeseries.Translator) (int64, error) {
		return tr.DeleteEntity(c.Request.Context(), p)
	})
}

// Type removes the history of every entity of a type.
func (h *DeleteHandler) Type(c *gin.Context) {
	p := deleteParams(c)
	p.EntityType = c.Param("entityType")
	h.run(c, p, func(tr *timeseries.Translator) (int64, error) {
		return tr.DeleteEntities(c.Request.Context(), p)
	})
}

func (h *DeleteHandler) run(c *gin.Context, p query.DeleteParams, del func(*timeseries.Translator) (int64, error)) {
	tr, err := h.service.For(p.Tenant)
	if err != nil {
		respondError(c, err)
		return
	}
	n, err := del(tr)
	if err != nil {
		if query.IsNotFound(err) {
			respondNotFound(c)
			return
		}
		respondError(c, err)
		return
	}
	if n == 0 {
		respondNotFound(c)
		return
	}
	c.Status(http.StatusNoContent)
}
