// Package client implements the query orchestration core: error taxonomy,
// retry policy, and the per-query state machine coordinating cache, rate
// limiter, fetcher, and normalizer.
package client

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Category classifies a query failure. The category decides retry
// eligibility, negative-cache eligibility, and how callers audit the
// failure.
type Category string

const (
	// CategoryClientInput marks a malformed identifier. Never retried.
	CategoryClientInput Category = "client-input"

	// CategoryNotFound marks an authoritative "no such object" answer.
	// Never retried.
	CategoryNotFound Category = "not-found"

	// CategoryTransientNetwork marks timeouts and connection resets.
	// Retried with backoff.
	CategoryTransientNetwork Category = "transient-network"

	// CategoryThrottled marks an explicit rate-limit signal from the
	// upstream. Retried, honoring any server-suggested delay.
	CategoryThrottled Category = "upstream-throttled"

	// CategoryUnavailable marks 5xx-equivalent upstream failures.
	// Retried with backoff and eligible for negative caching.
	CategoryUnavailable Category = "upstream-unavailable"

	// CategoryDataInvalid marks payloads the normalizer rejected.
	// Not retried by default; malformed data rarely self-heals.
	CategoryDataInvalid Category = "data-invalid"

	// CategorySecurityBlocked marks target validation failures. Always
	// non-retryable and surfaced distinctly so callers can audit it
	// separately from ordinary failures.
	CategorySecurityBlocked Category = "security-blocked"

	// CategoryCancelled marks a caller-initiated abort. Distinct from
	// every upstream failure mode; never retried.
	CategoryCancelled Category = "cancelled"
)

// Common errors returned by the orchestration core.
var (
	// ErrRetryExhausted is returned when all retry attempts are exhausted.
	ErrRetryExhausted = errors.New("retry attempts exhausted")

	// ErrNegativeCached is returned when a lookup is answered by a cached
	// failure instead of a fresh upstream attempt.
	ErrNegativeCached = errors.New("negative cache entry")
)

// QueryError is the typed error carried across the orchestration core.
type QueryError struct {
	Category Category
	Message  string

	// RetryAfter is the server-suggested delay for throttled failures.
	// Zero when the upstream gave no hint.
	RetryAfter time.Duration

	Err error
}

// Error implements the error interface.
func (e *QueryError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("rdap %s error: %s: %v", e.Category, e.Message, e.Err)
	}
	return fmt.Sprintf("rdap %s error: %s", e.Category, e.Message)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *QueryError) Unwrap() error {
	return e.Err
}

// NewQueryError creates a typed error with the given category.
func NewQueryError(category Category, message string) *QueryError {
	return &QueryError{Category: category, Message: message}
}

// CategoryOf extracts the failure category from an arbitrary error.
// Context cancellation maps to CategoryCancelled; untyped errors are
// treated as transient network failures, the conservative retryable
// default for a fetch path.
func CategoryOf(err error) Category {
	var qe *QueryError
	if errors.As(err, &qe) {
		return qe.Category
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return CategoryCancelled
	}
	return CategoryTransientNetwork
}

// retryAfterOf extracts the server-suggested delay, if any.
func retryAfterOf(err error) time.Duration {
	var qe *QueryError
	if errors.As(err, &qe) {
		return qe.RetryAfter
	}
	return 0
}
