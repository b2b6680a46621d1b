package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics owns the engine's Prometheus registry and instruments.
type Metrics struct {
	registry *prometheus.Registry

	CacheHits        prometheus.Counter
	CacheMisses      prometheus.Counter
	UpstreamRequests *prometheus.CounterVec
	RefreshJobs      *prometheus.CounterVec
	ActivityItems    prometheus.Gauge
}

// New creates the engine metric set on a private registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "activity_cache_hits_total",
			Help: "Number of activity requests served from the cache.",
		}),
		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "activity_cache_misses_total",
			Help: "Number of activity requests that missed the cache.",
		}),
		UpstreamRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "activity_upstream_requests_total",
			Help: "Number of upstream API calls by kind.",
		}, []string{"kind"}),
		RefreshJobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "activity_refresh_jobs_total",
			Help: "Number of refresh jobs reaching each terminal status.",
		}, []string{"status"}),
		ActivityItems: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "activity_last_refresh_items",
			Help: "Number of activity items produced by the most recent refresh.",
		}),
	}

	registry.MustRegister(
		m.CacheHits,
		m.CacheMisses,
		m.UpstreamRequests,
		m.RefreshJobs,
		m.ActivityItems,
	)
	return m
}

// Handler renders the registry through the Prometheus OpenMetrics encoder.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}
