package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// cacheHits tracks hits by kind (fresh, stale, negative).
	cacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rdap_cache_hits_total",
			Help: "Total number of cache hits by kind",
		},
		[]string{"kind"}, // "fresh", "stale", "negative"
	)

	// cacheMisses tracks cache misses.
	cacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rdap_cache_misses_total",
			Help: "Total number of cache misses",
		},
	)

	// cacheInvalidations tracks explicit entry removals.
	cacheInvalidations = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rdap_cache_invalidations_total",
			Help: "Total number of explicitly invalidated cache entries",
		},
	)

	// cacheEvictions tracks expired entries pruned by the store.
	cacheEvictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rdap_cache_evictions_total",
			Help: "Total number of expired cache entries evicted by the store",
		},
	)

	// storeErrors tracks backend operation errors.
	storeErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rdap_cache_store_errors_total",
			Help: "Total number of cache store operation errors",
		},
		[]string{"operation"}, // "get", "set", "delete", "scan"
	)
)
