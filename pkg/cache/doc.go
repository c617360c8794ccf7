// Package cache provides response caching for RDAP lookups: a pluggable
// Store contract with in-memory and Redis backends, and a Manager that owns
// all cache policy (TTL selection, negative-result caching, stale-data
// grace windows, invalidation).
//
// Architecture:
//
//	┌─────────────┐     policy      ┌─────────────┐
//	│   Manager   │ ──────────────▶ │    Store    │
//	│ TTL/negative│                 │ Memory/Redis│
//	│ stale/stats │                 │ dumb KV+TTL │
//	└─────────────┘                 └─────────────┘
//
// The Store is a dumb key/value/TTL surface with no policy knowledge; TTL
// means "delete or hide after expiry", not exact-time eviction. The Manager
// exclusively owns entries and decides freshness:
//
//   - A fresh entry is returned as a hit.
//   - An entry past its expiry but within the configured stale grace window
//     is returned as a stale hit, so callers can serve it while triggering a
//     background refresh (stale-while-revalidate).
//   - A negative entry records a recent terminal failure and suppresses
//     retry storms against a consistently failing upstream. Callers must
//     check Negative and treat it as a cache-confirmed failure, never as a
//     successful result.
//
// Cache keys are built by Key: a pure, deterministic mapping from query
// type, normalized identifier, and redaction mode. Redacted and unredacted
// results for the same identifier never collide.
//
// Example usage:
//
//	store := cache.NewMemoryStore()
//	mgr := cache.NewManager(store, cache.DefaultConfig())
//
//	key := cache.Key{Type: "domain", Identifier: "Example.COM.", Redacted: true}
//	mgr.Set(ctx, key.String(), payload, 10*time.Minute)
//	lookup := mgr.Get(ctx, key.String())
package cache
