package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrNotFound indicates the requested key was not found in the store.
	ErrNotFound = errors.New("cache entry not found")

	// ErrInvalidEntry indicates the stored entry is invalid or corrupted.
	ErrInvalidEntry = errors.New("invalid cache entry")
)

// Store is the pluggable cache backend contract: a dumb key/value surface
// with TTL semantics and no policy knowledge. TTL means the entry is
// deleted or hidden after expiry; exact-time eviction is not guaranteed.
type Store interface {
	// Get returns the entry for key, or ErrNotFound.
	Get(ctx context.Context, key string) (*Entry, error)

	// Set stores the entry under key for at most ttl.
	Set(ctx context.Context, key string, entry *Entry, ttl time.Duration) error

	// Delete removes the entry for key. Deleting an absent key is not an
	// error.
	Delete(ctx context.Context, key string) error

	// Clear removes all entries.
	Clear(ctx context.Context) error

	// Keys lists the currently visible keys, for pattern invalidation.
	Keys(ctx context.Context) ([]string, error)
}

// memoryRecord pairs an entry with its hide deadline.
type memoryRecord struct {
	entry  *Entry
	hideAt time.Time
}

// MemoryStore is the default in-process Store. Expired records are removed
// lazily on access; there is no background sweeper.
type MemoryStore struct {
	mu        sync.RWMutex
	records   map[string]memoryRecord
	now       func() time.Time
	evictions atomic.Uint64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]memoryRecord),
		now:     time.Now,
	}
}

// Get implements Store.
func (s *MemoryStore) Get(ctx context.Context, key string) (*Entry, error) {
	s.mu.RLock()
	rec, ok := s.records[key]
	s.mu.RUnlock()

	if !ok {
		return nil, ErrNotFound
	}
	if s.now().After(rec.hideAt) {
		s.mu.Lock()
		// Re-check under the write lock; another writer may have replaced it.
		if cur, ok := s.records[key]; ok && s.now().After(cur.hideAt) {
			delete(s.records, key)
			s.evictions.Add(1)
			cacheEvictions.Inc()
		}
		s.mu.Unlock()
		return nil, ErrNotFound
	}

	// Copy so callers cannot mutate stored state.
	entry := *rec.entry
	return &entry, nil
}

// Set implements Store.
func (s *MemoryStore) Set(ctx context.Context, key string, entry *Entry, ttl time.Duration) error {
	if entry == nil {
		return ErrInvalidEntry
	}
	if ttl <= 0 {
		return nil
	}

	copied := *entry
	s.mu.Lock()
	s.records[key] = memoryRecord{entry: &copied, hideAt: s.now().Add(ttl)}
	s.mu.Unlock()
	return nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	delete(s.records, key)
	s.mu.Unlock()
	return nil
}

// Clear implements Store.
func (s *MemoryStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	s.records = make(map[string]memoryRecord)
	s.mu.Unlock()
	return nil
}

// Keys implements Store. Expired records are pruned as a side effect.
func (s *MemoryStore) Keys(ctx context.Context) ([]string, error) {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	keys := make([]string, 0, len(s.records))
	for key, rec := range s.records {
		if now.After(rec.hideAt) {
			delete(s.records, key)
			s.evictions.Add(1)
			cacheEvictions.Inc()
			continue
		}
		keys = append(keys, key)
	}
	return keys, nil
}

// Evictions returns the number of expired records pruned so far.
func (s *MemoryStore) Evictions() uint64 {
	return s.evictions.Load()
}

// Len returns the number of visible records (for tests and monitoring).
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
