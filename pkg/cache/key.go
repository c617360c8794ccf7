package cache

import (
	"strings"
)

// Key identifies a cached lookup result. The mapping to a string is pure
// and deterministic: two logically identical queries always produce the
// same key, and queries differing only by redaction mode never collide.
type Key struct {
	// Type is the query type (e.g., "domain", "ip", "autnum").
	Type string

	// Identifier is the lookup target. It is normalized before use, so
	// "Example.COM." and "example.com" map to the same key.
	Identifier string

	// Redacted selects the redaction mode the cached value was produced
	// under. A redacted and an unredacted result for the same identifier
	// must live under distinct keys.
	Redacted bool
}

// String generates the deterministic cache key.
// Format: rdap:type:identifier:mode
//
// Example:
//
//	rdap:domain:example.com:full
//	rdap:domain:example.com:redacted
func (k Key) String() string {
	mode := "full"
	if k.Redacted {
		mode = "redacted"
	}
	return strings.Join([]string{
		"rdap",
		strings.ToLower(strings.TrimSpace(k.Type)),
		NormalizeIdentifier(k.Type, k.Identifier),
		mode,
	}, ":")
}

// NormalizeIdentifier canonicalizes a lookup target: whitespace is trimmed,
// the identifier is lowercased, and domain names lose any trailing dot.
func NormalizeIdentifier(queryType, identifier string) string {
	id := strings.ToLower(strings.TrimSpace(identifier))
	if strings.EqualFold(queryType, "domain") {
		id = strings.TrimSuffix(id, ".")
	}
	return id
}
