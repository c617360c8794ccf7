// Package metrics provides the centralized Prometheus registry for the
// RDAP query engine. All metrics are defined in their respective packages
// (client, cache, ratelimit, batch) to maintain modularity and avoid
// circular dependencies.
//
// This package provides documentation and reference for all available metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry is the default Prometheus registry used by the engine.
// All metrics are automatically registered via promauto in their respective packages.
var Registry = prometheus.DefaultRegisterer

// Metrics Documentation
//
// Rate Limit Metrics (pkg/ratelimit):
//   - rdap_rate_limit_acquires_total{outcome} (Counter): Token acquisitions by outcome (allowed, denied)
//   - rdap_rate_limit_wait_seconds (Histogram): Time spent blocked in Acquire
//   - rdap_rate_limit_buckets (Gauge): Number of live token buckets
//   - rdap_rate_limit_bucket_evictions_total (Counter): Idle buckets evicted at capacity
//
// Cache Metrics (pkg/cache):
//   - rdap_cache_hits_total{kind} (Counter): Cache hits by kind (fresh, stale, negative)
//   - rdap_cache_misses_total (Counter): Cache misses
//   - rdap_cache_invalidations_total (Counter): Entries removed by invalidation
//   - rdap_cache_evictions_total (Counter): Expired entries pruned by the store
//   - rdap_cache_store_errors_total{operation} (Counter): Backend store errors by operation
//
// Query Metrics (pkg/client):
//   - rdap_queries_total{type, outcome} (Counter): Queries by type and outcome
//   - rdap_query_duration_seconds{type} (Histogram): End-to-end query duration
//   - rdap_query_errors_total{category} (Counter): Terminal errors by taxonomy category
//   - rdap_background_refreshes_total{outcome} (Counter): Stale-entry refreshes by outcome
//
// Retry Metrics (pkg/client):
//   - rdap_retries_total{category} (Counter): Retry attempts by error category
//   - rdap_retry_backoff_seconds{category} (Histogram): Backoff duration by error category
//   - rdap_retry_exhausted_total{category} (Counter): Queries that exhausted max attempts
//
// Batch Metrics (pkg/batch):
//   - rdap_batch_items_total{outcome} (Counter): Batch items by outcome (ok, error, abandoned)
//   - rdap_batch_duration_seconds (Histogram): Whole-batch duration
//
// Example Prometheus Queries:
//
//   # Cache Hit Rate
//   sum(rate(rdap_cache_hits_total[5m])) /
//   (sum(rate(rdap_cache_hits_total[5m])) + sum(rate(rdap_cache_misses_total[5m])))
//
//   # Stale Serve Ratio
//   rate(rdap_cache_hits_total{kind="stale"}[5m]) / sum(rate(rdap_cache_hits_total[5m]))
//
//   # Terminal Error Rate by Category
//   rate(rdap_query_errors_total[5m])
//
//   # P95 Query Latency
//   histogram_quantile(0.95, rate(rdap_query_duration_seconds_bucket[5m]))
//
//   # Rate Limiter Pressure
//   rate(rdap_rate_limit_acquires_total{outcome="denied"}[5m])
