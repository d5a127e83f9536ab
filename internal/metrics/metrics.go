// Package metrics provides Prometheus metrics for the translator.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the collectors. A nil *Metrics records nothing.
type Metrics struct {
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	BackendOpsTotal    *prometheus.CounterVec
	BackendOpDuration  *prometheus.HistogramVec
	EntitiesInserted   *prometheus.CounterVec
	OriginalsPreserved *prometheus.CounterVec
	InsertBatches      *prometheus.CounterVec
	QueriesTotal       *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	m := &Metrics{}

	m.HTTPRequestsTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ql_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "status"},
	)

	m.HTTPRequestDuration = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ql_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)

	m.BackendOpsTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ql_backend_operations_total",
			Help: "Total number of backend statements",
		},
		[]string{"backend", "operation", "status"},
	)

	m.BackendOpDuration = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ql_backend_operation_duration_seconds",
			Help:    "Duration of backend statements in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"backend", "operation"},
	)

	m.EntitiesInserted = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ql_entities_inserted_total",
			Help: "Entities stored as typed rows",
		},
		[]string{"backend"},
	)

	m.OriginalsPreserved = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ql_original_entities_preserved_total",
			Help: "Entities stored only in the original entity column after a failed insert",
		},
		[]string{"backend"},
	)

	m.InsertBatches = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ql_insert_batches_total",
			Help: "Insert statements issued after batch splitting",
		},
		[]string{"backend"},
	)

	m.QueriesTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ql_queries_total",
			Help: "Historical queries served",
		},
		[]string{"backend", "kind"},
	)

	return m
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func (m *Metrics) ObserveBackendOp(backend, op string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.BackendOpsTotal.WithLabelValues(backend, op, status(err)).Inc()
	m.BackendOpDuration.WithLabelValues(backend, op).Observe(d.Seconds())
}

func (m *Metrics) ObserveHTTP(route string, code int, d time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(route, httpClass(code)).Inc()
	m.HTTPRequestDuration.WithLabelValues(route).Observe(d.Seconds())
}

func httpClass(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	}
	return "2xx"
}

func (m *Metrics) Inserted(backend string, typed, preserved, batches int) {
	if m == nil {
		return
	}
	m.EntitiesInserted.WithLabelValues(backend).Add(float64(typed))
	m.OriginalsPreserved.WithLabelValues(backend).Add(float64(preserved))
	m.InsertBatches.WithLabelValues(backend).Add(float64(batches))
}

func (m *Metrics) Queried(backend, kind string) {
	if m == nil {
		return
	}
	m.QueriesTotal.WithLabelValues(backend, kind).Inc()
}
