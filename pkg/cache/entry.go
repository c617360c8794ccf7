package cache

import (
	"encoding/json"
	"time"
)

// Entry is a stored cache record, positive or negative. Invariant:
// ExpiresAt is strictly after CreatedAt.
type Entry struct {
	// Value is the normalized response payload. Empty for negative entries.
	Value json.RawMessage `json:"value,omitempty"`

	// CreatedAt is when the entry was stored.
	CreatedAt time.Time `json:"created_at"`

	// ExpiresAt is when the entry becomes stale.
	ExpiresAt time.Time `json:"expires_at"`

	// Negative marks a sentinel entry recording a recent terminal failure.
	Negative bool `json:"negative"`

	// ErrorCategory and ErrorMessage describe the failure recorded by a
	// negative entry so repeat lookups can surface the original error.
	ErrorCategory string `json:"error_category,omitempty"`
	ErrorMessage  string `json:"error_message,omitempty"`
}

// IsExpired reports whether the entry is past its expiry at the given time.
func (e *Entry) IsExpired(now time.Time) bool {
	return now.After(e.ExpiresAt)
}

// WithinStaleWindow reports whether an expired entry is still within the
// grace window and may be served stale.
func (e *Entry) WithinStaleWindow(now time.Time, maxStale time.Duration) bool {
	if maxStale <= 0 {
		return false
	}
	return now.Before(e.ExpiresAt.Add(maxStale))
}

// TTL returns the remaining time until expiry, or 0 if already expired.
func (e *Entry) TTL(now time.Time) time.Duration {
	ttl := e.ExpiresAt.Sub(now)
	if ttl < 0 {
		return 0
	}
	return ttl
}
