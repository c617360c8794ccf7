package client

import (
	"math/rand"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for retry operations.
var (
	rdapRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rdap_retries_total",
		Help: "Total number of retry attempts by error category",
	}, []string{"category"})

	rdapRetryBackoffSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "rdap_retry_backoff_seconds",
		Help:    "Backoff duration for retries by error category",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"category"})

	rdapRetryExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rdap_retry_exhausted_total",
		Help: "Total number of times retry attempts were exhausted by error category",
	}, []string{"category"})
)

// Strategy selects how backoff delays grow across attempts.
type Strategy string

const (
	// StrategyFixed uses the base delay for every attempt.
	StrategyFixed Strategy = "fixed"

	// StrategyLinear grows the delay linearly with the attempt number.
	StrategyLinear Strategy = "linear"

	// StrategyExponential doubles the delay each attempt, capped at the
	// configured maximum.
	StrategyExponential Strategy = "exponential"
)

// Jitter bounds: a computed delay is perturbed by a random factor in
// [0.85, 1.15] to avoid synchronized retry storms across concurrent
// callers.
const (
	jitterMin = 0.85
	jitterMax = 1.15
)

// RetryConfig holds retry policy configuration.
type RetryConfig struct {
	// MaxAttempts is the total number of attempts (including the first).
	MaxAttempts int

	// BaseDelay is the starting backoff duration.
	BaseDelay time.Duration

	// MaxDelay caps computed backoff. A server-suggested throttle delay
	// is honored even beyond this cap.
	MaxDelay time.Duration

	// Strategy selects the backoff growth curve.
	Strategy Strategy
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    30 * time.Second,
		Strategy:    StrategyExponential,
	}
}

// Classification is the outcome of classifying a single failure.
type Classification struct {
	// Retryable reports whether another attempt may help.
	Retryable bool

	// SuggestedDelay is the upstream's stated wait for throttled
	// failures; it takes precedence over computed backoff, including the
	// policy's own cap.
	SuggestedDelay time.Duration
}

// RetryContext is the per-query retry state. Created fresh at orchestrator
// entry, mutated by the policy after each failed attempt, and discarded
// when the query terminates.
type RetryContext struct {
	// Attempt counts failed attempts so far.
	Attempt int

	// LastError is the most recent failure.
	LastError error

	// NextDelay is the wait before the next attempt, valid only when the
	// last Advance returned true.
	NextDelay time.Duration
}

// RetryPolicy decides retry eligibility and computes backoff delays. It is
// stateless with respect to any single query; per-query state lives in the
// caller's RetryContext.
type RetryPolicy struct {
	cfg RetryConfig
}

// NewRetryPolicy creates a policy, applying defaults for zero-value fields.
func NewRetryPolicy(cfg RetryConfig) *RetryPolicy {
	def := DefaultRetryConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = def.BaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = def.MaxDelay
	}
	if cfg.Strategy == "" {
		cfg.Strategy = def.Strategy
	}
	return &RetryPolicy{cfg: cfg}
}

// MaxAttempts returns the configured attempt bound.
func (p *RetryPolicy) MaxAttempts() int {
	return p.cfg.MaxAttempts
}

// Classify decides whether a failure is eligible for another attempt.
// Transient network failures, upstream unavailability, and explicit
// throttling are retryable; everything else terminates immediately
// regardless of remaining attempts.
func (p *RetryPolicy) Classify(err error) Classification {
	switch CategoryOf(err) {
	case CategoryTransientNetwork, CategoryUnavailable:
		return Classification{Retryable: true}
	case CategoryThrottled:
		return Classification{Retryable: true, SuggestedDelay: retryAfterOf(err)}
	default:
		return Classification{Retryable: false}
	}
}

// NextDelay computes the backoff before the given attempt (0-based) under
// the chosen strategy, capped at the policy maximum, with jitter applied.
func (p *RetryPolicy) NextDelay(attempt int, baseDelay time.Duration, strategy Strategy) time.Duration {
	if baseDelay <= 0 {
		baseDelay = p.cfg.BaseDelay
	}

	var delay time.Duration
	switch strategy {
	case StrategyFixed:
		delay = baseDelay
	case StrategyLinear:
		delay = baseDelay * time.Duration(attempt+1)
	default: // exponential
		delay = baseDelay << uint(attempt)
	}

	if delay > p.cfg.MaxDelay {
		delay = p.cfg.MaxDelay
	}

	jitter := jitterMin + rand.Float64()*(jitterMax-jitterMin)
	return time.Duration(float64(delay) * jitter)
}

// Advance records a failed attempt in rc and reports whether the caller
// should retry. On true, rc.NextDelay carries the wait before the next
// attempt; a server-suggested throttle delay overrides computed backoff
// and the policy's cap, since the upstream's stated constraint takes
// precedence over client policy.
func (p *RetryPolicy) Advance(rc *RetryContext, err error) bool {
	attempt := rc.Attempt
	rc.Attempt++
	rc.LastError = err
	rc.NextDelay = 0

	cls := p.Classify(err)
	if !cls.Retryable || rc.Attempt >= p.cfg.MaxAttempts {
		if cls.Retryable {
			rdapRetryExhaustedTotal.WithLabelValues(string(CategoryOf(err))).Inc()
		}
		return false
	}

	if cls.SuggestedDelay > 0 {
		rc.NextDelay = cls.SuggestedDelay
	} else {
		rc.NextDelay = p.NextDelay(attempt, p.cfg.BaseDelay, p.cfg.Strategy)
	}

	category := string(CategoryOf(err))
	rdapRetriesTotal.WithLabelValues(category).Inc()
	rdapRetryBackoffSeconds.WithLabelValues(category).Observe(rc.NextDelay.Seconds())
	return true
}
