package client

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/registrydata/rdap-engine/pkg/cache"
)

// QueryType identifies the kind of registration data lookup.
type QueryType string

const (
	TypeDomain QueryType = "domain"
	TypeIP     QueryType = "ip"
	TypeAutnum QueryType = "autnum"
	TypeEntity QueryType = "entity"
)

// QueryRequest is the contract object passed between the orchestrator and
// its collaborators. It carries no registry-specific shape; that is the
// normalizer's concern.
type QueryRequest struct {
	// Type is the lookup kind.
	Type QueryType

	// Identifier is the lookup target (domain name, IP, AS number).
	Identifier string

	// RateLimitKey selects the token bucket gating this query, typically
	// the registry host. Empty falls back to a shared default bucket.
	RateLimitKey string

	// CacheKey overrides the derived cache key. Usually left empty.
	CacheKey string

	// Redact selects the redaction mode the result is produced under.
	// Redacted and unredacted results are cached separately.
	Redact bool

	// SkipRateLimit opts this query out of admission control entirely.
	// Without the explicit opt-out, unconfigured keys fall back to the
	// limiter's conservative default bucket.
	SkipRateLimit bool
}

// validate rejects malformed requests before any token is consumed.
func (r QueryRequest) validate() error {
	if strings.TrimSpace(r.Identifier) == "" {
		return NewQueryError(CategoryClientInput, "identifier must not be empty")
	}
	switch r.Type {
	case TypeDomain, TypeIP, TypeAutnum, TypeEntity:
		return nil
	default:
		return NewQueryError(CategoryClientInput, "unknown query type "+string(r.Type))
	}
}

// cacheKey returns the explicit key or derives the deterministic one.
func (r QueryRequest) cacheKey() string {
	if r.CacheKey != "" {
		return r.CacheKey
	}
	return cache.Key{
		Type:       string(r.Type),
		Identifier: r.Identifier,
		Redacted:   r.Redact,
	}.String()
}

// rateLimitKey returns the configured key or the shared default bucket.
func (r QueryRequest) rateLimitKey() string {
	if r.RateLimitKey != "" {
		return r.RateLimitKey
	}
	return "default"
}

// QueryResponse is the result of a single orchestrated query.
type QueryResponse struct {
	// Value is the normalized response payload.
	Value json.RawMessage

	// FromCache reports whether the value was served from cache.
	FromCache bool

	// Stale reports that a cached value past its TTL was served while a
	// background refresh runs.
	Stale bool

	// Attempts is the number of upstream attempts made (0 for cache
	// hits).
	Attempts int
}

// Fetcher performs the actual upstream request. Implementations fail with
// a *QueryError carrying the failure category and, for throttled
// responses, the server-suggested delay.
type Fetcher interface {
	Fetch(ctx context.Context, req QueryRequest) ([]byte, error)
}

// Normalizer maps a heterogeneous registry payload to the canonical value
// cached and returned to callers. Failures are data errors, treated as
// non-retryable by the retry policy.
type Normalizer interface {
	Normalize(raw []byte, req QueryRequest) (json.RawMessage, error)
}
