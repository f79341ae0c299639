// Package metrics provides Prometheus metrics for the sync core.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Cache metrics
	cacheEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sdsync_cache_entries",
			Help: "Number of entries held by query caches",
		},
	)

	cacheFetchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sdsync_cache_fetches_total",
			Help: "Total remote fetches issued by the query cache",
		},
		[]string{"method", "result"},
	)

	cacheFetchDiscardedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sdsync_cache_fetch_discarded_total",
			Help: "Fetch results dropped because a newer fetch superseded them",
		},
	)

	cacheHitsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sdsync_cache_hits_total",
			Help: "Subscriptions served from a fresh cached entry",
		},
	)

	cacheEvictionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sdsync_cache_evictions_total",
			Help: "Entries removed after their grace window expired",
		},
	)

	cacheInvalidationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sdsync_cache_invalidations_total",
			Help: "Entries marked stale",
		},
		[]string{"reason"},
	)

	// Event metrics
	eventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sdsync_events_total",
			Help: "Events applied by the reconciliation loop",
		},
		[]string{"type"},
	)

	// Mutation metrics
	mutationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sdsync_mutations_total",
			Help: "Remote mutations by outcome",
		},
		[]string{"method", "result"},
	)

	// Job metrics
	jobsByStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sdsync_jobs",
			Help: "Jobs in the registry by status",
		},
		[]string{"status"},
	)

	// RPC metrics
	rpcDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sdsync_rpc_duration_seconds",
			Help:    "RPC round trip duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// AddCacheEntries adjusts the cache entry gauge.
func AddCacheEntries(delta int) {
	cacheEntries.Add(float64(delta))
}

// RecordFetch records a completed cache fetch.
func RecordFetch(method string, success bool) {
	result := "success"
	if !success {
		result = "error"
	}
	cacheFetchesTotal.WithLabelValues(method, result).Inc()
}

// RecordFetchDiscarded records a superseded fetch result.
func RecordFetchDiscarded() {
	cacheFetchDiscardedTotal.Inc()
}

// RecordCacheHit records a subscription served from cache.
func RecordCacheHit() {
	cacheHitsTotal.Inc()
}

// RecordEviction records an entry eviction.
func RecordEviction() {
	cacheEvictionsTotal.Inc()
}

// RecordInvalidation records entries marked stale.
func RecordInvalidation(reason string, count int) {
	if count == 0 {
		return
	}
	cacheInvalidationsTotal.WithLabelValues(reason).Add(float64(count))
}

// RecordEvent records an applied event.
func RecordEvent(eventType string) {
	eventsTotal.WithLabelValues(eventType).Inc()
}

// RecordMutation records a mutation outcome: success, rejected or error.
func RecordMutation(method, result string) {
	mutationsTotal.WithLabelValues(method, result).Inc()
}

// SetJobCounts replaces the per-status job gauges.
func SetJobCounts(counts map[string]int) {
	jobsByStatus.Reset()
	for status, n := range counts {
		jobsByStatus.WithLabelValues(status).Set(float64(n))
	}
}

// RecordRPC records an RPC round trip.
func RecordRPC(kind string, duration time.Duration) {
	rpcDuration.WithLabelValues(kind).Observe(duration.Seconds())
}
