package middleware

import (
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/baseplate/timeseries/internal/core/ngsi"
	"github.com/baseplate/timeseries/internal/metrics"
)

const (
	HeaderService     = "Fiware-Service"
	HeaderServicePath = "Fiware-ServicePath"
	HeaderCorrelator  = "Fiware-Correlator"

	ContextTenant     = "tenant"
	ContextCorrelator = "correlator"
	ContextIPAddress  = "ip_address"
)

// RequestContext extracts the tenant, correlator and client address of a
// request, then logs and measures it once handled.
func RequestContext(log zerolog.Logger, m *metrics.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		tenant := ngsi.Tenant{
			Service:     strings.TrimSpace(c.GetHeader(HeaderService)),
			ServicePath: strings.TrimSpace(c.GetHeader(HeaderServicePath)),
		}
		correlator := c.GetHeader(HeaderCorrelator)
		if correlator == "" {
			correlator = uuid.NewString()
		}
		c.Header(HeaderCorrelator, correlator)

		// X-Forwarded-For may list several proxies; the first is the client.
		ipAddress := c.GetHeader("X-Forwarded-For")
		if ipAddress == "" {
			ipAddress = c.ClientIP()
		}
		if idx := strings.Index(ipAddress, ","); idx != -1 {
			ipAddress = strings.TrimSpace(ipAddress[:idx])
		}

		c.Set(ContextTenant, tenant)
		c.Set(ContextCorrelator, correlator)
		c.Set(ContextIPAddress, ipAddress)

		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := c.Writer.Status()
		m.ObserveHTTP(route, status, time.Since(start))

		ev := log.Info()
		if status >= 500 {
			ev = log.Error()
		} else if status >= 400 {
			ev = log.Warn()
		}
		ev.Str("method", c.Request.Method).
			Str("route", route).
			Int("status", status).
			Str("tenant", tenant.Service).
			Str("service_path", tenant.ServicePath).
			Str("correlator", correlator).
			Str("ip", ipAddress).
			Dur("duration_ms", time.Since(start)).
			Msg("request handled")
	}
}

func GetTenant(c *gin.Context) ngsi.Tenant {
	val, exists := c.Get(ContextTenant)
	if !exists {
		return ngsi.Tenant{
			Service:     strings.TrimSpace(c.GetHeader(HeaderService)),
			ServicePath: strings.TrimSpace(c.GetHeader(HeaderServicePath)),
		}
	}
	if t, ok := val.(ngsi.Tenant); ok {
		return t
	}
	return ngsi.Tenant{}
}

func GetCorrelator(c *gin.Context) string {
	return c.GetString(ContextCorrelator)
}

func GetIPAddress(c *gin.Context) string {
	return c.GetString(ContextIPAddress)
}
