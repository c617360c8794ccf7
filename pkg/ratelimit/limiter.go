package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Prometheus metrics for rate limit admission.
var (
	rdapRateLimitAcquiresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rdap_rate_limit_acquires_total",
		Help: "Total token acquisition attempts by outcome",
	}, []string{"outcome"}) // "allowed", "denied"

	rdapRateLimitWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "rdap_rate_limit_wait_seconds",
		Help:    "Time spent waiting for a rate limit token",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
	})

	rdapRateLimitBuckets = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rdap_rate_limit_buckets",
		Help: "Number of live token buckets",
	})

	rdapRateLimitEvictionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rdap_rate_limit_bucket_evictions_total",
		Help: "Total idle bucket evictions from the bucket map",
	})
)

// DefaultMaxBuckets bounds the bucket map under high key cardinality.
// Evicting an idle bucket is safe: it re-initializes to full capacity on
// next use, which is slightly more permissive but never less safe.
const DefaultMaxBuckets = 1024

// Config holds the limiter configuration.
type Config struct {
	// Default is the bucket shape applied to unconfigured keys.
	Default BucketConfig

	// MaxBuckets bounds the bucket map; the least recently used bucket is
	// evicted when the bound is exceeded.
	MaxBuckets int

	// Now overrides the clock, for tests. Defaults to time.Now.
	Now func() time.Time
}

// Limiter tracks a token bucket per string key and answers whether an
// operation on that key may proceed now, and if not, for how long it must
// wait. All methods are safe for concurrent use.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	cfg     Config
	logger  zerolog.Logger
}

// New creates a limiter. Zero-value config fields fall back to safe
// defaults; New never fails.
func New(cfg Config) *Limiter {
	if cfg.Default.Capacity <= 0 || cfg.Default.RefillPerSecond <= 0 {
		cfg.Default = DefaultBucketConfig()
	}
	if cfg.MaxBuckets <= 0 {
		cfg.MaxBuckets = DefaultMaxBuckets
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Limiter{
		buckets: make(map[string]*bucket),
		cfg:     cfg,
		logger:  log.With().Str("component", "ratelimit").Logger(),
	}
}

// Configure establishes or updates the bucket parameters for a key. It is
// idempotent; repeated calls with the same parameters are no-ops. Invalid
// parameters are ignored and the key keeps (or lazily gets) the default
// shape.
func (l *Limiter) Configure(key string, capacity, refillPerSecond float64) {
	if capacity <= 0 || refillPerSecond <= 0 {
		l.logger.Warn().
			Str("key", key).
			Float64("capacity", capacity).
			Float64("refill_per_second", refillPerSecond).
			Msg("Ignoring invalid bucket configuration")
		return
	}

	cfg := BucketConfig{Capacity: capacity, RefillPerSecond: refillPerSecond}

	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok := l.buckets[key]; ok {
		b.reconfigure(cfg)
		return
	}
	l.insertLocked(key, newBucket(cfg, l.cfg.Now()))
}

// TryAcquire refills the key's bucket for the elapsed time, then attempts to
// consume one token. On denial the decision carries the wait until a token
// becomes available. Unknown keys get a bucket with the default shape; the
// call never fails.
func (l *Limiter) TryAcquire(key string) Decision {
	l.mu.Lock()
	b := l.bucketLocked(key)
	b.refill(l.cfg.Now())
	d := b.take()
	l.mu.Unlock()

	if d.Allowed {
		rdapRateLimitAcquiresTotal.WithLabelValues("allowed").Inc()
	} else {
		rdapRateLimitAcquiresTotal.WithLabelValues("denied").Inc()
		l.logger.Debug().
			Str("key", key).
			Dur("wait", d.Wait).
			Msg("Token denied, wait required")
	}
	return d
}

// Acquire blocks until a token for key is available and consumes it, or
// until the context is cancelled. The wait respects cancellation promptly;
// no timers are left behind.
func (l *Limiter) Acquire(ctx context.Context, key string) error {
	start := l.cfg.Now()
	for {
		d := l.TryAcquire(key)
		if d.Allowed {
			waited := l.cfg.Now().Sub(start)
			if waited > 0 {
				rdapRateLimitWaitSeconds.Observe(waited.Seconds())
			}
			return nil
		}

		timer := time.NewTimer(d.Wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// GetUsage returns a read-only snapshot of the key's bucket after a lazy
// refill. Unknown keys report a full default bucket.
func (l *Limiter) GetUsage(key string) Usage {
	l.mu.Lock()
	defer l.mu.Unlock()
	b := l.bucketLocked(key)
	b.refill(l.cfg.Now())
	return b.usage()
}

// Reset restores the key's bucket to full capacity.
func (l *Limiter) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok := l.buckets[key]; ok {
		b.tokens = b.capacity
		b.lastRefill = l.cfg.Now()
	}
}

// ResetAll restores every bucket to full capacity.
func (l *Limiter) ResetAll() {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.cfg.Now()
	for _, b := range l.buckets {
		b.tokens = b.capacity
		b.lastRefill = now
	}
}

// bucketLocked returns the bucket for key, creating it with the default
// shape if needed. Caller holds l.mu.
func (l *Limiter) bucketLocked(key string) *bucket {
	if b, ok := l.buckets[key]; ok {
		return b
	}
	b := newBucket(l.cfg.Default, l.cfg.Now())
	l.insertLocked(key, b)
	return b
}

// insertLocked adds a bucket, evicting the least recently accessed entry
// when the map is at its bound. Caller holds l.mu.
func (l *Limiter) insertLocked(key string, b *bucket) {
	if len(l.buckets) >= l.cfg.MaxBuckets {
		l.evictOldestLocked()
	}
	l.buckets[key] = b
	rdapRateLimitBuckets.Set(float64(len(l.buckets)))
}

func (l *Limiter) evictOldestLocked() {
	var oldestKey string
	var oldest time.Time
	for key, b := range l.buckets {
		if oldestKey == "" || b.lastAccess.Before(oldest) {
			oldestKey = key
			oldest = b.lastAccess
		}
	}
	if oldestKey != "" {
		delete(l.buckets, oldestKey)
		rdapRateLimitEvictionsTotal.Inc()
		l.logger.Debug().Str("key", oldestKey).Msg("Evicted idle rate limit bucket")
	}
}
