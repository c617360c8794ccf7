package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisKeyPrefix namespaces engine entries inside a shared Redis instance.
const redisKeyPrefix = "rdap-engine:"

// RedisStore is a Store backed by Redis, for sharing cache state across
// client instances. Entries are stored JSON-marshalled with a Redis-level
// TTL, so Redis itself evicts expired records.
type RedisStore struct {
	redis *redis.Client
}

// NewRedisStore creates a Redis-backed store.
func NewRedisStore(redisClient *redis.Client) *RedisStore {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	return &RedisStore{redis: redisClient}
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, key string) (*Entry, error) {
	data, err := s.redis.Get(ctx, redisKeyPrefix+key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, ErrNotFound
		}
		storeErrors.WithLabelValues("get").Inc()
		return nil, fmt.Errorf("redis get: %w", err)
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		storeErrors.WithLabelValues("get").Inc()
		return nil, fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}
	return &entry, nil
}

// Set implements Store.
func (s *RedisStore) Set(ctx context.Context, key string, entry *Entry, ttl time.Duration) error {
	if entry == nil {
		return ErrInvalidEntry
	}
	if ttl <= 0 {
		return nil
	}

	data, err := json.Marshal(entry)
	if err != nil {
		storeErrors.WithLabelValues("set").Inc()
		return fmt.Errorf("marshal cache entry: %w", err)
	}

	if err := s.redis.Set(ctx, redisKeyPrefix+key, data, ttl).Err(); err != nil {
		storeErrors.WithLabelValues("set").Inc()
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Delete implements Store.
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.redis.Del(ctx, redisKeyPrefix+key).Err(); err != nil {
		storeErrors.WithLabelValues("delete").Inc()
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// Clear implements Store. Only keys under the engine prefix are removed.
func (s *RedisStore) Clear(ctx context.Context) error {
	keys, err := s.scanKeys(ctx)
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	if err := s.redis.Del(ctx, keys...).Err(); err != nil {
		storeErrors.WithLabelValues("delete").Inc()
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// Keys implements Store.
func (s *RedisStore) Keys(ctx context.Context) ([]string, error) {
	raw, err := s.scanKeys(ctx)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(raw))
	for _, k := range raw {
		keys = append(keys, k[len(redisKeyPrefix):])
	}
	return keys, nil
}

// scanKeys enumerates prefixed keys via SCAN to avoid blocking Redis the
// way KEYS would.
func (s *RedisStore) scanKeys(ctx context.Context) ([]string, error) {
	var keys []string
	var cursor uint64
	for {
		batch, next, err := s.redis.Scan(ctx, cursor, redisKeyPrefix+"*", 100).Result()
		if err != nil {
			storeErrors.WithLabelValues("scan").Inc()
			return nil, fmt.Errorf("redis scan: %w", err)
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			return keys, nil
		}
	}
}
