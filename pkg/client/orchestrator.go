package client

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/registrydata/rdap-engine/pkg/cache"
	"github.com/registrydata/rdap-engine/pkg/ratelimit"
)

// Prometheus metrics for query orchestration.
var (
	rdapQueriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rdap_queries_total",
		Help: "Total queries by type and outcome",
	}, []string{"type", "outcome"}) // "cache_hit", "cache_stale", "cache_negative", "fetched", "failed"

	rdapQueryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "rdap_query_duration_seconds",
		Help:    "Query duration in seconds by type",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
	}, []string{"type"})

	rdapQueryErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rdap_query_errors_total",
		Help: "Total terminal query errors by category",
	}, []string{"category"})

	rdapRefreshesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rdap_background_refreshes_total",
		Help: "Total background stale refreshes by outcome",
	}, []string{"outcome"}) // "ok", "error"
)

// Config holds the orchestrator configuration.
type Config struct {
	// PositiveTTL is the cache TTL for successful lookups. Zero lets the
	// cache manager apply its default.
	PositiveTTL time.Duration

	// NegativeTTL is the cache TTL for recorded terminal failures. Zero
	// lets the cache manager apply its default.
	NegativeTTL time.Duration

	// RefreshTimeout bounds a background stale refresh.
	RefreshTimeout time.Duration

	// Retry configures the retry policy.
	Retry RetryConfig
}

// DefaultConfig returns a safe default orchestrator configuration.
func DefaultConfig() Config {
	return Config{
		PositiveTTL:    10 * time.Minute,
		NegativeTTL:    30 * time.Second,
		RefreshTimeout: 30 * time.Second,
		Retry:          DefaultRetryConfig(),
	}
}

// Orchestrator runs the per-query state machine: cache lookup, rate limit
// admission, upstream fetch with classified retries, normalization, and
// cache update. Concurrent queries for the same cache key are coalesced
// into a single upstream fetch.
type Orchestrator struct {
	cache      *cache.Manager
	limiter    *ratelimit.Limiter
	fetcher    Fetcher
	normalizer Normalizer
	retry      *RetryPolicy
	cfg        Config
	flight     singleflight.Group
	logger     zerolog.Logger
}

// fetchResult is the shared outcome of a coalesced upstream fetch.
type fetchResult struct {
	value    []byte
	attempts int
}

// NewOrchestrator creates an orchestrator. All four collaborators are
// required.
func NewOrchestrator(cacheManager *cache.Manager, limiter *ratelimit.Limiter, fetcher Fetcher, normalizer Normalizer, cfg Config) (*Orchestrator, error) {
	if cacheManager == nil {
		return nil, fmt.Errorf("cache manager is required")
	}
	if limiter == nil {
		return nil, fmt.Errorf("rate limiter is required")
	}
	if fetcher == nil {
		return nil, fmt.Errorf("fetcher is required")
	}
	if normalizer == nil {
		return nil, fmt.Errorf("normalizer is required")
	}
	if cfg.RefreshTimeout <= 0 {
		cfg.RefreshTimeout = DefaultConfig().RefreshTimeout
	}

	return &Orchestrator{
		cache:      cacheManager,
		limiter:    limiter,
		fetcher:    fetcher,
		normalizer: normalizer,
		retry:      NewRetryPolicy(cfg.Retry),
		cfg:        cfg,
		logger:     log.With().Str("component", "orchestrator").Logger(),
	}, nil
}

// Cache exposes the cache manager for administrative surfaces
// (statistics, compliance invalidation).
func (o *Orchestrator) Cache() *cache.Manager {
	return o.cache
}

// Limiter exposes the rate limiter for administrative surfaces
// (usage snapshots, resets).
func (o *Orchestrator) Limiter() *ratelimit.Limiter {
	return o.limiter
}

// Execute runs a single logical query. Fresh cache hits return
// immediately; stale hits are served while a background refresh runs;
// cached failures short-circuit without touching the upstream; everything
// else goes through rate-limited, retried fetching.
func (o *Orchestrator) Execute(ctx context.Context, req QueryRequest) (*QueryResponse, error) {
	start := time.Now()
	defer func() {
		rdapQueryDuration.WithLabelValues(string(req.Type)).Observe(time.Since(start).Seconds())
	}()

	// Validation happens before any token is consumed: a locally rejected
	// query never charges the upstream's budget.
	if err := req.validate(); err != nil {
		rdapQueryErrorsTotal.WithLabelValues(string(CategoryClientInput)).Inc()
		return nil, err
	}

	key := req.cacheKey()
	lookup := o.cache.Get(ctx, key)

	switch {
	case lookup.Hit && lookup.Negative:
		rdapQueriesTotal.WithLabelValues(string(req.Type), "cache_negative").Inc()
		return nil, &QueryError{
			Category: Category(lookup.ErrorCategory),
			Message:  lookup.ErrorMessage,
			Err:      ErrNegativeCached,
		}

	case lookup.Hit && lookup.Stale:
		rdapQueriesTotal.WithLabelValues(string(req.Type), "cache_stale").Inc()
		o.refreshAsync(req, key)
		return &QueryResponse{Value: lookup.Value, FromCache: true, Stale: true}, nil

	case lookup.Hit:
		rdapQueriesTotal.WithLabelValues(string(req.Type), "cache_hit").Inc()
		return &QueryResponse{Value: lookup.Value, FromCache: true}, nil
	}

	res, err := o.fetchShared(ctx, req, key)
	if err != nil {
		rdapQueriesTotal.WithLabelValues(string(req.Type), "failed").Inc()
		return nil, err
	}

	rdapQueriesTotal.WithLabelValues(string(req.Type), "fetched").Inc()
	return &QueryResponse{Value: res.value, Attempts: res.attempts}, nil
}

// fetchShared coalesces concurrent fetches for the same cache key: at most
// one upstream fetch per key is in flight at any instant, and every caller
// sharing the key receives the same eventual outcome. The shared fetch
// runs detached from any single caller's context so one caller's timeout
// cannot fail its siblings; each waiter still honors its own cancellation.
func (o *Orchestrator) fetchShared(ctx context.Context, req QueryRequest, key string) (*fetchResult, error) {
	ch := o.flight.DoChan(key, func() (interface{}, error) {
		return o.fetchWithRetry(context.WithoutCancel(ctx), req, key)
	})

	select {
	case <-ctx.Done():
		return nil, &QueryError{
			Category: CategoryCancelled,
			Message:  "query cancelled while awaiting fetch",
			Err:      ctx.Err(),
		}
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*fetchResult), nil
	}
}

// fetchWithRetry drives the RateLimitWait → Fetch → {Success | Retry |
// TerminalFailure} loop for one upstream query.
func (o *Orchestrator) fetchWithRetry(ctx context.Context, req QueryRequest, key string) (*fetchResult, error) {
	rc := &RetryContext{}

	for {
		// A consumed token is not refunded on failure: the upstream
		// still bore the cost of a rejected attempt. Each retry
		// re-acquires.
		if !req.SkipRateLimit {
			if err := o.limiter.Acquire(ctx, req.rateLimitKey()); err != nil {
				return nil, &QueryError{
					Category: CategoryCancelled,
					Message:  "cancelled while waiting for rate limit token",
					Err:      err,
				}
			}
		}

		raw, err := o.fetcher.Fetch(ctx, req)
		if err == nil {
			normalized, nerr := o.normalizer.Normalize(raw, req)
			if nerr == nil {
				if cerr := o.cache.Set(ctx, key, normalized, o.cfg.PositiveTTL); cerr != nil {
					o.logger.Warn().Err(cerr).Str("key", key).Msg("Failed to cache response")
				}
				if rc.Attempt > 0 {
					o.logger.Info().
						Str("key", key).
						Int("attempts", rc.Attempt+1).
						Msg("Query succeeded after retry")
				}
				return &fetchResult{value: normalized, attempts: rc.Attempt + 1}, nil
			}
			err = &QueryError{
				Category: CategoryDataInvalid,
				Message:  "normalizer rejected payload",
				Err:      nerr,
			}
		}

		if o.retry.Advance(rc, err) {
			o.logger.Debug().
				Str("key", key).
				Int("attempt", rc.Attempt).
				Dur("backoff", rc.NextDelay).
				Str("category", string(CategoryOf(err))).
				Msg("Retrying query after backoff")

			timer := time.NewTimer(rc.NextDelay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, &QueryError{
					Category: CategoryCancelled,
					Message:  "cancelled during retry backoff",
					Err:      ctx.Err(),
				}
			case <-timer.C:
			}
			continue
		}

		return nil, o.terminal(ctx, req, key, rc)
	}
}

// terminal records a failed query in the negative cache and surfaces the
// typed error. Cancellation is never negative-cached; the upstream was not
// at fault.
func (o *Orchestrator) terminal(ctx context.Context, req QueryRequest, key string, rc *RetryContext) error {
	err := rc.LastError
	category := CategoryOf(err)
	rdapQueryErrorsTotal.WithLabelValues(string(category)).Inc()

	if category != CategoryCancelled {
		if cerr := o.cache.SetNegative(ctx, key, string(category), err.Error(), o.cfg.NegativeTTL); cerr != nil {
			o.logger.Warn().Err(cerr).Str("key", key).Msg("Failed to cache negative entry")
		}
	}

	logEvent := o.logger.Warn()
	if category == CategorySecurityBlocked {
		// Security blocks get their own audit trail.
		logEvent = o.logger.Error()
	}
	logEvent.
		Err(err).
		Str("key", key).
		Str("category", string(category)).
		Int("attempts", rc.Attempt).
		Msg("Query failed terminally")

	// A retryable failure only reaches here when the attempt bound is
	// spent; mark it so callers can distinguish exhaustion from a
	// first-occurrence terminal error.
	if o.retry.Classify(err).Retryable {
		// The wrapper must keep carrying the server-suggested delay;
		// errors.As stops at the outermost QueryError.
		return &QueryError{
			Category:   category,
			Message:    fmt.Sprintf("giving up after %d attempts", rc.Attempt),
			RetryAfter: retryAfterOf(err),
			Err:        fmt.Errorf("%w: %w", ErrRetryExhausted, err),
		}
	}
	if qe, ok := err.(*QueryError); ok {
		return qe
	}
	return &QueryError{Category: category, Message: "query failed", Err: err}
}

// refreshAsync triggers a detached background refresh for a stale key.
// Errors update the negative cache but never propagate to the caller that
// was served the stale value. Duplicate refreshes for the same key are
// coalesced by the same single-flight group used for ordinary fetches.
func (o *Orchestrator) refreshAsync(req QueryRequest, key string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), o.cfg.RefreshTimeout)
		defer cancel()

		if _, err := o.fetchShared(ctx, req, key); err != nil {
			rdapRefreshesTotal.WithLabelValues("error").Inc()
			o.logger.Warn().Err(err).Str("key", key).Msg("Background refresh failed")
			return
		}
		rdapRefreshesTotal.WithLabelValues("ok").Inc()
		o.logger.Debug().Str("key", key).Msg("Background refresh complete")
	}()
}
