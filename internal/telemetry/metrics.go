// Package telemetry provides observability primitives for the Cognitude gateway.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus collectors for the gateway.
type Metrics struct {
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	ActiveRequests   prometheus.Gauge
	UpstreamDuration *prometheus.HistogramVec
	UpstreamErrors   *prometheus.CounterVec
	CacheHits        prometheus.Counter
	CacheMisses      prometheus.Counter
	CacheDegraded    prometheus.Counter
	RateLimitRejects *prometheus.CounterVec
	TokensProcessed  *prometheus.CounterVec
	RoutingDecisions *prometheus.CounterVec
	LedgerQueueDepth prometheus.Gauge
	LedgerRowsLost   prometheus.Counter
	AlertsSent       *prometheus.CounterVec
	AlertsFailed     *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics with the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cognitude",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"method", "path", "status"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "cognitude",
			Name:                            "request_duration_seconds",
			Help:                            "HTTP request duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "cognitude",
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "cognitude",
			Name:                            "upstream_duration_seconds",
			Help:                            "Upstream provider call duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"provider", "model"}),

		UpstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cognitude",
			Name:      "upstream_errors_total",
			Help:      "Total upstream provider errors.",
		}, []string{"provider", "class"}),

		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cognitude",
			Name:      "cache_hits_total",
			Help:      "Total response cache hits.",
		}),

		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cognitude",
			Name:      "cache_misses_total",
			Help:      "Total response cache misses.",
		}),

		CacheDegraded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cognitude",
			Name:      "cache_fast_tier_errors_total",
			Help:      "Total fast-tier cache errors served as misses.",
		}),

		RateLimitRejects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cognitude",
			Name:      "ratelimit_rejects_total",
			Help:      "Total rate limit rejections.",
		}, []string{"window"}),

		TokensProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cognitude",
			Name:      "tokens_processed_total",
			Help:      "Total tokens processed.",
		}, []string{"model", "type"}),

		RoutingDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cognitude",
			Name:      "routing_decisions_total",
			Help:      "Total smart routing decisions by task class.",
		}, []string{"task_class"}),

		LedgerQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "cognitude",
			Name:      "ledger_queue_depth",
			Help:      "Current number of queued ledger rows.",
		}),

		LedgerRowsLost: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cognitude",
			Name:      "ledger_rows_dropped_total",
			Help:      "Total ledger rows dropped under sustained backpressure.",
		}),

		AlertsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cognitude",
			Name:      "alerts_sent_total",
			Help:      "Total alert notifications delivered.",
		}, []string{"kind", "channel"}),

		AlertsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cognitude",
			Name:      "alerts_failed_total",
			Help:      "Total alert notifications that exhausted retries.",
		}, []string{"kind", "channel"}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.ActiveRequests,
		m.UpstreamDuration,
		m.UpstreamErrors,
		m.CacheHits,
		m.CacheMisses,
		m.CacheDegraded,
		m.RateLimitRejects,
		m.TokensProcessed,
		m.RoutingDecisions,
		m.LedgerQueueDepth,
		m.LedgerRowsLost,
		m.AlertsSent,
		m.AlertsFailed,
	)

	return m
}
