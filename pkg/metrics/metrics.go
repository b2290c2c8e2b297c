// Package metrics defines the prometheus instruments for the ingestion
// pipeline and the serving layer, registered on a per-process custom
// registry so tests can assert on isolated instances.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles every instrument the service records.
type Metrics struct {
	registry *prometheus.Registry

	// Serving layer.
	HTTPRequests    *prometheus.CounterVec
	HTTPDuration    *prometheus.HistogramVec
	CacheHits       *prometheus.CounterVec
	CacheMisses     *prometheus.CounterVec
	QueryDuration   *prometheus.HistogramVec
	RateLimitDenied prometheus.Counter

	// Ingestion pipeline.
	IngestTasks   *prometheus.CounterVec
	IngestRecords prometheus.Counter
	IngestDrops   *prometheus.CounterVec

	// Statistics engine.
	StatsRecomputeDuration prometheus.Histogram
	StatsRouteFailures     prometheus.Counter
}

// New creates metrics on a fresh registry.
func New(namespace string) *Metrics {
	return NewWithRegistry(namespace, prometheus.NewRegistry())
}

// NewWithRegistry creates metrics on the given registry.
func NewWithRegistry(namespace string, reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		registry: reg,
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, path and status.",
		}, []string{"method", "path", "status"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),
		CacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Cache hits by key prefix.",
		}, []string{"prefix"}),
		CacheMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Cache misses by key prefix.",
		}, []string{"prefix"}),
		QueryDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "query_duration_seconds",
			Help:      "Database query latency by operation.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		RateLimitDenied: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_denied_total",
			Help:      "Requests rejected by the rate limiter.",
		}),
		IngestTasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_tasks_total",
			Help:      "Ingestion tasks by outcome.",
		}, []string{"outcome"}),
		IngestRecords: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_records_total",
			Help:      "Records persisted by the ingestion pipeline.",
		}),
		IngestDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_drops_total",
			Help:      "Records dropped during normalization, by reason.",
		}, []string{"reason"}),
		StatsRecomputeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stats_recompute_duration_seconds",
			Help:      "Wall time of a full statistics recomputation.",
			Buckets:   []float64{1, 5, 15, 60, 300, 900},
		}),
		StatsRouteFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stats_route_failures_total",
			Help:      "Routes skipped during recomputation due to errors.",
		}),
	}
	reg.MustRegister(
		m.HTTPRequests, m.HTTPDuration,
		m.CacheHits, m.CacheMisses,
		m.QueryDuration, m.RateLimitDenied,
		m.IngestTasks, m.IngestRecords, m.IngestDrops,
		m.StatsRecomputeDuration, m.StatsRouteFailures,
	)
	return m
}

// Gatherer exposes the backing registry for the /metrics endpoint.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	return m.registry
}
