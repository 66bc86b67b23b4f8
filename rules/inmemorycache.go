package rules

import (
	"sync"
	"sync/atomic"
)

// InMemoryCompilationCache is the in-process CompilationCache. Entry and
// fingerprint maps are guarded by an RWMutex; counters are lock-free since
// every evaluation goroutine touches them.
type InMemoryCompilationCache struct {
	config  CacheConfig
	mu      sync.RWMutex
	entries map[string]*ExecutableRuleSet
	hashes  map[string]string // resourceID -> last seen fingerprint
	hits    atomic.Uint64
	misses  atomic.Uint64
}

// NewInMemoryCompilationCache creates an empty cache.
func NewInMemoryCompilationCache(config CacheConfig) *InMemoryCompilationCache {
	return &InMemoryCompilationCache{
		config:  config,
		entries: make(map[string]*ExecutableRuleSet),
		hashes:  make(map[string]string),
	}
}

// Get returns the entry for a fingerprint. A disabled cache always misses.
func (c *InMemoryCompilationCache) Get(fingerprint string) (*ExecutableRuleSet, bool) {
	if !c.config.Enabled {
		c.misses.Add(1)
		return nil, false
	}

	c.mu.RLock()
	rs, ok := c.entries[fingerprint]
	c.mu.RUnlock()

	if !ok {
		c.misses.Add(1)
		return nil, false
	}
	c.hits.Add(1)
	return rs, true
}

// Put stores an entry, overwriting any previous one for the fingerprint.
func (c *InMemoryCompilationCache) Put(fingerprint string, rs *ExecutableRuleSet) {
	if !c.config.Enabled {
		return
	}

	c.mu.Lock()
	c.entries[fingerprint] = rs
	c.mu.Unlock()
}

// HasChanged compares raw's fingerprint with the last one recorded for
// resourceID and records the new value. Nil raw bytes report changed.
func (c *InMemoryCompilationCache) HasChanged(raw []byte, resourceID string) bool {
	if raw == nil {
		// The source could not be read; fail toward recompilation.
		return true
	}

	fp := Fingerprint(raw)

	c.mu.Lock()
	defer c.mu.Unlock()

	last, seen := c.hashes[resourceID]
	c.hashes[resourceID] = fp
	return !seen || last != fp
}

// Evict forgets the fingerprint recorded for a resource.
func (c *InMemoryCompilationCache) Evict(resourceID string) {
	c.mu.Lock()
	delete(c.hashes, resourceID)
	c.mu.Unlock()
}

// EvictAll clears entries and recorded fingerprints. Counters survive:
// they are cumulative.
func (c *InMemoryCompilationCache) EvictAll() {
	c.mu.Lock()
	c.entries = make(map[string]*ExecutableRuleSet)
	c.hashes = make(map[string]string)
	c.mu.Unlock()
}

// Stats reports cumulative hit/miss counts and current sizes.
func (c *InMemoryCompilationCache) Stats() CacheStats {
	hits := c.hits.Load()
	misses := c.misses.Load()

	c.mu.RLock()
	entries := len(c.entries)
	tracked := len(c.hashes)
	c.mu.RUnlock()

	stats := CacheStats{
		Hits:    hits,
		Misses:  misses,
		Entries: entries,
		Tracked: tracked,
	}
	if total := hits + misses; total > 0 {
		stats.HitRatio = float64(hits) / float64(total)
	}
	return stats
}
