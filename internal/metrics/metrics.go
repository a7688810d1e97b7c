// Package metrics holds the Prometheus collectors for worktrack. Collectors
// are registered on a per-instance registry so tests can build several
// servers in one process.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	Registry *prometheus.Registry

	AuthorizationDecisions *prometheus.CounterVec
	HTTPRequests           *prometheus.CounterVec
	HTTPDuration           *prometheus.HistogramVec
	DashboardCache         *prometheus.CounterVec
}

// New creates a registry with the Go and process collectors plus all
// worktrack metrics.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)
	return &Metrics{
		Registry: reg,
		AuthorizationDecisions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "worktrack_authorization_decisions_total",
			Help: "Access policy decisions by entity kind, action and outcome",
		}, []string{"kind", "action", "outcome"}),
		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "worktrack_http_requests_total",
			Help: "HTTP requests by method and status code",
		}, []string{"method", "status"}),
		HTTPDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "worktrack_http_request_duration_seconds",
			Help:    "HTTP request latency by method",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"method"}),
		DashboardCache: f.NewCounterVec(prometheus.CounterOpts{
			Name: "worktrack_dashboard_cache_total",
			Help: "Dashboard cache lookups by result (hit, miss, error)",
		}, []string{"result"}),
	}
}

// ObserveDecision is safe on a nil receiver.
func (m *Metrics) ObserveDecision(kind, action string, allowed bool) {
	if m == nil {
		return
	}
	outcome := "deny"
	if allowed {
		outcome = "allow"
	}
	m.AuthorizationDecisions.WithLabelValues(kind, action, outcome).Inc()
}

func (m *Metrics) ObserveRequest(method string, status int, start time.Time) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, strconv.Itoa(status)).Inc()
	m.HTTPDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
}

func (m *Metrics) ObserveCache(result string) {
	if m == nil {
		return
	}
	m.DashboardCache.WithLabelValues(result).Inc()
}

// Handler exposes the registry in the text exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}
