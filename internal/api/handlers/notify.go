package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/baseplate/timeseries/internal/api/middleware"
	"github.com/baseplate/timeseries/internal/core/ngsi"
	"github.com/baseplate/timeseries/internal/core/timeseries"
	"github.com/baseplate/timeseries/internal/core/validation"
)

type NotifyHandler struct {
	service   *timeseries.Service
	validator *validation.Validator
}

func NewNotifyHandler(service *timeseries.Service, validator *validation.Validator) *NotifyHandler {
	return &NotifyHandler{service: service, validator: validator}
}

// Notify stores the entities of a context broker notification.
func (h *NotifyHandler) Notify(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "BadRequest", "description": err.Error()})
		return
	}
	if err := h.validator.ValidateNotification(body); err != nil {
		respondError(c, err)
		return
	}

	n, err := ngsi.DecodeNotification(body)
	if err != nil {
		respondError(c, err)
		return
	}

	tenant := middleware.GetTenant(c)
	tr, err := h.service.For(tenant)
	if err != nil {
		respondError(c, err)
		return
	}

	res, err := tr.Insert(c.Request.Context(), n.Entities, tenant, c.GetHeader(ngsi.TimeIndexHeader))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message":   "Notification successfully processed",
		"inserted":  res.Inserted,
		"preserved": res.Preserved,
	})
}
