package rules

import (
	"crypto/sha256"
	"encoding/hex"
)

// CompilationCache memoizes parser+compiler output keyed by a content
// fingerprint of the source table, and tracks per-resource fingerprints so
// reloads can skip unchanged tables. Implementations must be safe for
// concurrent use by many evaluation goroutines.
type CompilationCache interface {
	// Get returns the cached rule set for a fingerprint. A miss (or a
	// disabled cache) increments the miss counter; a hit increments the
	// hit counter. No other side effects.
	Get(fingerprint string) (*ExecutableRuleSet, bool)

	// Put stores (or overwrites) an entry. No-op when caching is disabled.
	Put(fingerprint string, rs *ExecutableRuleSet)

	// HasChanged fingerprints raw and compares it against the last
	// fingerprint recorded for resourceID, recording the new one. A never
	// seen resource, a changed fingerprint, or nil raw bytes (the caller
	// failed to read the source) all report true: failures lean toward
	// recompilation, never toward silently serving stale rules.
	HasChanged(raw []byte, resourceID string) bool

	// Evict forgets the fingerprint recorded for resourceID so the next
	// HasChanged reports changed unconditionally.
	Evict(resourceID string)

	// EvictAll clears every entry and every recorded fingerprint.
	EvictAll()

	// Stats reports cumulative counters and current sizes.
	Stats() CacheStats
}

// CacheStats is a point-in-time snapshot of cache counters.
type CacheStats struct {
	Hits     uint64  `json:"hits"`
	Misses   uint64  `json:"misses"`
	HitRatio float64 `json:"hitRatio"`
	Entries  int     `json:"entries"`
	Tracked  int     `json:"trackedResources"`
}

// CacheConfig holds configuration for cache behavior.
type CacheConfig struct {
	// Enabled turns memoization on. When false the cache degrades to
	// "always recompile": every Get is a forced miss and every Put is a
	// no-op. Callers need no special casing.
	Enabled bool
}

// DefaultCacheConfig returns sensible defaults for compilation caching.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{Enabled: true}
}

// Fingerprint computes the content hash used to key the cache and detect
// source changes.
func Fingerprint(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
