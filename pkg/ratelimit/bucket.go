// Package ratelimit implements per-key token-bucket admission control for
// RDAP upstreams. Each registry host (or caller identity) gets its own
// bucket; refill is computed lazily on access, so idle buckets cost nothing
// until they are touched again.
package ratelimit

import (
	"math"
	"time"
)

// BucketConfig describes the shape of a token bucket.
type BucketConfig struct {
	// Capacity is the maximum number of tokens the bucket holds.
	Capacity float64

	// RefillPerSecond is the continuous refill rate in tokens per second.
	RefillPerSecond float64
}

// DefaultBucketConfig returns the conservative bucket shape applied to keys
// that were never explicitly configured. RDAP registries commonly allow a
// short burst and then roughly one request per second sustained.
func DefaultBucketConfig() BucketConfig {
	return BucketConfig{
		Capacity:        10,
		RefillPerSecond: 1,
	}
}

// Decision is the outcome of a TryAcquire call.
type Decision struct {
	// Allowed reports whether a token was consumed.
	Allowed bool

	// Wait is the duration after which a token is expected to be
	// available. Zero when Allowed is true.
	Wait time.Duration
}

// Usage is a read-only snapshot of a bucket's state.
type Usage struct {
	Capacity       float64
	Tokens         float64
	UtilizationPct float64
}

// bucket is the per-key token state. Tokens are tracked as a float so that
// fractional refill across many small time slices is never lost to rounding,
// even though acquisition consumes whole units.
type bucket struct {
	capacity        float64
	tokens          float64
	refillPerSecond float64
	lastRefill      time.Time
	lastAccess      time.Time
}

func newBucket(cfg BucketConfig, now time.Time) *bucket {
	return &bucket{
		capacity:        cfg.Capacity,
		tokens:          cfg.Capacity,
		refillPerSecond: cfg.RefillPerSecond,
		lastRefill:      now,
		lastAccess:      now,
	}
}

// refill adds tokens for the time elapsed since the last refill, capped at
// capacity. Invariant: 0 <= tokens <= capacity.
func (b *bucket) refill(now time.Time) {
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed > 0 {
		b.tokens = math.Min(b.capacity, b.tokens+elapsed*b.refillPerSecond)
		b.lastRefill = now
	}
	b.lastAccess = now
}

// tokenEpsilon absorbs float rounding when refill slices accumulate, so a
// caller who waited the full advertised delay is not denied over the last
// few ulps of a token.
const tokenEpsilon = 1e-9

// take consumes one token if available, otherwise reports how long the
// caller must wait for the deficit to refill.
func (b *bucket) take() Decision {
	if b.tokens >= 1-tokenEpsilon {
		b.tokens = math.Max(0, b.tokens-1)
		return Decision{Allowed: true}
	}
	waitMs := math.Ceil((1 - b.tokens) / b.refillPerSecond * 1000)
	return Decision{Allowed: false, Wait: time.Duration(waitMs) * time.Millisecond}
}

// reconfigure updates the bucket parameters in place. Tokens are clamped to
// the new capacity so the invariant holds across shrinking updates.
func (b *bucket) reconfigure(cfg BucketConfig) {
	b.capacity = cfg.Capacity
	b.refillPerSecond = cfg.RefillPerSecond
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
}

// usage returns a snapshot of the bucket state.
func (b *bucket) usage() Usage {
	pct := 0.0
	if b.capacity > 0 {
		pct = (b.capacity - b.tokens) / b.capacity * 100
	}
	return Usage{
		Capacity:       b.capacity,
		Tokens:         b.tokens,
		UtilizationPct: pct,
	}
}
