package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config holds cache policy configuration.
type Config struct {
	// DefaultTTL is applied when a caller stores a positive entry with no
	// explicit TTL.
	DefaultTTL time.Duration

	// NegativeTTL bounds how long a recorded failure suppresses repeat
	// upstream attempts. Typically much shorter than positive TTLs.
	NegativeTTL time.Duration

	// MaxStale is the grace window after expiry during which an entry may
	// still be served as a stale hit. Zero disables stale serving.
	MaxStale time.Duration

	// Now overrides the clock, for tests. Defaults to time.Now.
	Now func() time.Time
}

// DefaultConfig returns a safe default cache policy.
func DefaultConfig() Config {
	return Config{
		DefaultTTL:  5 * time.Minute,
		NegativeTTL: 30 * time.Second,
		MaxStale:    0,
	}
}

// Lookup is the result of a Manager.Get call.
type Lookup struct {
	// Hit reports whether a usable entry was found (fresh, stale, or
	// negative).
	Hit bool

	// Value is the cached payload. Nil for misses and negative hits.
	Value json.RawMessage

	// Stale reports that the entry is past its expiry but within the
	// grace window; the caller should serve it and trigger a refresh.
	Stale bool

	// Negative reports a cache-confirmed failure. Callers must treat it
	// as a failure, never as a successful result.
	Negative bool

	// ErrorCategory and ErrorMessage carry the recorded failure for
	// negative hits.
	ErrorCategory string
	ErrorMessage  string
}

// Stats is a snapshot of cache activity counters, exposed for monitoring.
type Stats struct {
	Hits          uint64
	StaleHits     uint64
	NegativeHits  uint64
	Misses        uint64
	Sets          uint64
	NegativeSets  uint64
	Invalidations uint64

	// Evictions counts expired entries the backend pruned. Zero for
	// backends that expire keys internally (Redis).
	Evictions uint64
}

// evictionCounter is implemented by stores that can report how many
// expired records they have pruned.
type evictionCounter interface {
	Evictions() uint64
}

// Manager is the single point of cache policy, independent of the storage
// backend. It owns TTL selection, negative caching, and the stale grace
// window; the underlying Store is a dumb key/value/TTL surface.
type Manager struct {
	store  Store
	cfg    Config
	logger zerolog.Logger

	hits          atomic.Uint64
	staleHits     atomic.Uint64
	negativeHits  atomic.Uint64
	misses        atomic.Uint64
	sets          atomic.Uint64
	negativeSets  atomic.Uint64
	invalidations atomic.Uint64
}

// NewManager creates a cache manager over the given store.
func NewManager(store Store, cfg Config) *Manager {
	if store == nil {
		panic("cache store cannot be nil")
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = DefaultConfig().DefaultTTL
	}
	if cfg.NegativeTTL <= 0 {
		cfg.NegativeTTL = DefaultConfig().NegativeTTL
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Manager{
		store:  store,
		cfg:    cfg,
		logger: log.With().Str("component", "cache").Logger(),
	}
}

// Get looks up a cache entry. Backend errors degrade to a miss so a broken
// cache never blocks lookups; they are logged and counted instead.
func (m *Manager) Get(ctx context.Context, key string) Lookup {
	entry, err := m.store.Get(ctx, key)
	if err != nil {
		if err != ErrNotFound {
			m.logger.Warn().Err(err).Str("key", key).Msg("Cache get error, treating as miss")
		}
		m.misses.Add(1)
		cacheMisses.Inc()
		return Lookup{}
	}

	now := m.cfg.Now()

	if entry.Negative {
		// Negative entries never become stale hits; once expired the
		// store hides them and we fall through to a miss above.
		m.negativeHits.Add(1)
		cacheHits.WithLabelValues("negative").Inc()
		return Lookup{
			Hit:           true,
			Negative:      true,
			ErrorCategory: entry.ErrorCategory,
			ErrorMessage:  entry.ErrorMessage,
		}
	}

	if entry.IsExpired(now) {
		if !entry.WithinStaleWindow(now, m.cfg.MaxStale) {
			m.misses.Add(1)
			cacheMisses.Inc()
			return Lookup{}
		}
		m.staleHits.Add(1)
		cacheHits.WithLabelValues("stale").Inc()
		return Lookup{Hit: true, Stale: true, Value: entry.Value}
	}

	m.hits.Add(1)
	cacheHits.WithLabelValues("fresh").Inc()
	return Lookup{Hit: true, Value: entry.Value}
}

// Set stores a positive entry. A zero TTL selects the configured default;
// a negative TTL is rejected.
func (m *Manager) Set(ctx context.Context, key string, value json.RawMessage, ttl time.Duration) error {
	if ttl < 0 {
		return fmt.Errorf("ttl must be >= 0, got %v", ttl)
	}
	if ttl == 0 {
		ttl = m.cfg.DefaultTTL
	}

	now := m.cfg.Now()
	entry := &Entry{
		Value:     value,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}

	// Keep the record retrievable through the stale window.
	if err := m.store.Set(ctx, key, entry, ttl+m.cfg.MaxStale); err != nil {
		return fmt.Errorf("cache set: %w", err)
	}

	m.sets.Add(1)
	m.logger.Debug().Str("key", key).Dur("ttl", ttl).Msg("Cached response")
	return nil
}

// SetNegative records a terminal failure so immediate repeat lookups are
// answered from cache instead of hammering a known-bad upstream.
func (m *Manager) SetNegative(ctx context.Context, key, errorCategory, errorMessage string, ttl time.Duration) error {
	if ttl < 0 {
		return fmt.Errorf("ttl must be >= 0, got %v", ttl)
	}
	if ttl == 0 {
		ttl = m.cfg.NegativeTTL
	}

	now := m.cfg.Now()
	entry := &Entry{
		CreatedAt:     now,
		ExpiresAt:     now.Add(ttl),
		Negative:      true,
		ErrorCategory: errorCategory,
		ErrorMessage:  errorMessage,
	}

	if err := m.store.Set(ctx, key, entry, ttl); err != nil {
		return fmt.Errorf("cache set negative: %w", err)
	}

	m.negativeSets.Add(1)
	m.logger.Debug().
		Str("key", key).
		Str("error_category", errorCategory).
		Dur("ttl", ttl).
		Msg("Cached negative entry")
	return nil
}

// Invalidate removes a single entry.
func (m *Manager) Invalidate(ctx context.Context, key string) error {
	if err := m.store.Delete(ctx, key); err != nil {
		return fmt.Errorf("cache invalidate: %w", err)
	}
	m.invalidations.Add(1)
	cacheInvalidations.Inc()
	return nil
}

// InvalidatePattern removes every entry whose key matches the predicate.
// Used for compliance deletion requests. Returns the number of removed
// entries.
func (m *Manager) InvalidatePattern(ctx context.Context, match func(key string) bool) (int, error) {
	keys, err := m.store.Keys(ctx)
	if err != nil {
		return 0, fmt.Errorf("cache list keys: %w", err)
	}

	removed := 0
	for _, key := range keys {
		if !match(key) {
			continue
		}
		if err := m.store.Delete(ctx, key); err != nil {
			return removed, fmt.Errorf("cache invalidate %q: %w", key, err)
		}
		removed++
		m.invalidations.Add(1)
		cacheInvalidations.Inc()
	}

	if removed > 0 {
		m.logger.Info().Int("removed", removed).Msg("Invalidated cache entries by pattern")
	}
	return removed, nil
}

// Stats returns a snapshot of the activity counters.
func (m *Manager) Stats() Stats {
	s := Stats{
		Hits:          m.hits.Load(),
		StaleHits:     m.staleHits.Load(),
		NegativeHits:  m.negativeHits.Load(),
		Misses:        m.misses.Load(),
		Sets:          m.sets.Load(),
		NegativeSets:  m.negativeSets.Load(),
		Invalidations: m.invalidations.Load(),
	}
	if ec, ok := m.store.(evictionCounter); ok {
		s.Evictions = ec.Evictions()
	}
	return s
}
