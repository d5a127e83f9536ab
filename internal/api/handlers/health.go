package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/baseplate/timeseries/internal/core/timeseries"
)

// Version is set at build time.
var Version = "dev"

type HealthHandler struct {
	service *timeseries.Service
}

func NewHealthHandler(service *timeseries.Service) *HealthHandler {
	return &HealthHandler{service: service}
}

// Health reports pass when every backend answers, warn when some do and
// fail when none does.
func (h *HealthHandler) Health(c *gin.Context) {
	backends := h.service.Backends()
	failed := h.service.Health(c.Request.Context())

	checks := gin.H{}
	for _, name := range backends {
		if err, ok := failed[name]; ok {
			checks[name] = gin.H{"status": "fail", "output": err.Error()}
		} else {
			checks[name] = gin.H{"status": "pass"}
		}
	}

	status, code := "pass", http.StatusOK
	switch {
	case len(failed) > 0 && len(failed) == len(backends):
		status, code = "fail", http.StatusServiceUnavailable
	case len(failed) > 0:
		status = "warn"
	}
	c.JSON(code, gin.H{"status": status, "checks": checks})
}

func (h *HealthHandler) Version(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"version": Version})
}
