// Package observability holds the Prometheus metrics and OpenTelemetry tracing
// shared by the memory tiers, the cache and the retrieval engine.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics groups every collector exported by the service.
//
// All methods are safe on a nil *Metrics, so components built without
// metrics (tests, the CLI) need no special casing.
//
// Usage:
//
//	reg := prometheus.NewRegistry()
//	metrics := observability.NewMetrics(reg)
//	metrics.CacheLookup("local", true)
type Metrics struct {
	// CacheRequests counts cache lookups.
	// Labels: level (local|distributed), result (hit|miss|error)
	CacheRequests *prometheus.CounterVec

	// RetrievalDuration measures one source search in seconds.
	// Labels: strategy (vector|keyword|semantic)
	RetrievalDuration *prometheus.HistogramVec

	// RetrievalRequests counts Retrieve calls.
	// Labels: outcome (complete|partial|cached|error)
	RetrievalRequests *prometheus.CounterVec

	// SourceFailures counts failed source searches.
	// Labels: strategy
	SourceFailures *prometheus.CounterVec

	// TierFailures counts tier load/save errors absorbed by the composer.
	// Labels: tier, op (load|save|clear)
	TierFailures *prometheus.CounterVec

	// Compactions counts short-term compactions by outcome.
	// Labels: outcome (compacted|skipped|failed)
	Compactions *prometheus.CounterVec

	// Snapshots counts long-term summary snapshots written.
	Snapshots prometheus.Counter

	// WarmupQueries counts queries replayed by the cache warmer.
	// Labels: collection
	WarmupQueries *prometheus.CounterVec
}

// NewMetrics creates all collectors and registers them with reg.
// A nil reg uses the Prometheus default registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Metrics{
		CacheRequests: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nukamem_cache_requests_total",
				Help: "Cache lookups by level and result",
			},
			[]string{"level", "result"},
		),

		RetrievalDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "nukamem_retrieval_source_duration_seconds",
				Help:    "Duration of one retrieval source search in seconds",
				Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"strategy"},
		),

		RetrievalRequests: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nukamem_retrieval_requests_total",
				Help: "Retrieve calls by outcome",
			},
			[]string{"outcome"},
		),

		SourceFailures: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nukamem_retrieval_source_failures_total",
				Help: "Failed retrieval source searches by strategy",
			},
			[]string{"strategy"},
		),

		TierFailures: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nukamem_tier_failures_total",
				Help: "Memory tier errors by tier and operation",
			},
			[]string{"tier", "op"},
		),

		Compactions: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nukamem_compactions_total",
				Help: "Short-term history compactions by outcome",
			},
			[]string{"outcome"},
		),

		Snapshots: f.NewCounter(
			prometheus.CounterOpts{
				Name: "nukamem_snapshots_total",
				Help: "Long-term summary snapshots written",
			},
		),

		WarmupQueries: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nukamem_warmup_queries_total",
				Help: "Queries replayed by the retrieval cache warmer",
			},
			[]string{"collection"},
		),
	}
}

// CacheLookup records a cache lookup result for a level.
func (m *Metrics) CacheLookup(level string, hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.CacheRequests.WithLabelValues(level, result).Inc()
}

// CacheError records a failed lookup.
func (m *Metrics) CacheError(level string) {
	if m == nil {
		return
	}
	m.CacheRequests.WithLabelValues(level, "error").Inc()
}

// SourceSearch records the duration and outcome of one source search.
func (m *Metrics) SourceSearch(strategy string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.RetrievalDuration.WithLabelValues(strategy).Observe(d.Seconds())
	if err != nil {
		m.SourceFailures.WithLabelValues(strategy).Inc()
	}
}

// Retrieval records the outcome of a Retrieve call.
func (m *Metrics) Retrieval(outcome string) {
	if m == nil {
		return
	}
	m.RetrievalRequests.WithLabelValues(outcome).Inc()
}

// TierFailure records an absorbed tier error.
func (m *Metrics) TierFailure(tier, op string) {
	if m == nil {
		return
	}
	m.TierFailures.WithLabelValues(tier, op).Inc()
}

// Compaction records a compaction outcome.
func (m *Metrics) Compaction(outcome string) {
	if m == nil {
		return
	}
	m.Compactions.WithLabelValues(outcome).Inc()
}

// Snapshot records a written summary snapshot.
func (m *Metrics) Snapshot() {
	if m == nil {
		return
	}
	m.Snapshots.Inc()
}

// Warmup records replayed warmup queries.
func (m *Metrics) Warmup(collection string, n int) {
	if m == nil {
		return
	}
	m.WarmupQueries.WithLabelValues(collection).Add(float64(n))
}
