package paywall

import (
	"sync"
	"time"
)

// Cache holds recent grant lookups by grant key to reduce storage load on
// hot read paths such as contact-detail pages.
type Cache interface {
	// Get returns the cached grant (nil for a cached miss) and whether the
	// key was present.
	Get(key string) (*EntitlementGrant, bool)

	// Set stores a lookup result with TTL. grant may be nil.
	Set(key string, grant *EntitlementGrant, ttl time.Duration)

	// Invalidate removes one key.
	Invalidate(key string)

	// Clear removes all entries from the cache
	Clear()

	// Stats returns cache statistics
	Stats() CacheStats
}

// CacheStats holds cache performance statistics
type CacheStats struct {
	Hits      int64
	Misses    int64
	Evictions int64
	Size      int
}

// cacheEntry wraps a cached value with expiration time and access time for LRU
type cacheEntry struct {
	grant      *EntitlementGrant
	expiration time.Time
	accessTime time.Time
	sequence   int64 // For tiebreaking when access times are equal
}

func (e *cacheEntry) isExpired(now time.Time) bool {
	return now.After(e.expiration)
}

// NoopCache is a cache implementation that does nothing
// Used when caching is disabled
type NoopCache struct{}

func (c *NoopCache) Get(_ string) (*EntitlementGrant, bool)          { return nil, false }
func (c *NoopCache) Set(_ string, _ *EntitlementGrant, _ time.Duration) {}
func (c *NoopCache) Invalidate(_ string)                             {}
func (c *NoopCache) Clear()                                          {}
func (c *NoopCache) Stats() CacheStats                               { return CacheStats{} }

// LRUCache implements Cache using an in-memory LRU cache with TTL support
type LRUCache struct {
	mu         sync.Mutex
	entries    map[string]*cacheEntry
	maxEntries int
	hits       int64
	misses     int64
	evictions  int64
	sequence   int64
}

// NewLRUCache creates a new LRU cache holding at most maxEntries lookups
func NewLRUCache(maxEntries int) *LRUCache {
	if maxEntries <= 0 {
		maxEntries = 10000
	}
	return &LRUCache{
		entries:    make(map[string]*cacheEntry, maxEntries),
		maxEntries: maxEntries,
	}
}

func (c *LRUCache) Get(key string) (*EntitlementGrant, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	entry, exists := c.entries[key]
	if !exists || entry.isExpired(now) {
		c.misses++
		return nil, false
	}

	entry.accessTime = now
	entry.sequence = c.sequence
	c.sequence++
	c.hits++
	return entry.grant.Clone(), true
}

func (c *LRUCache) Set(key string, grant *EntitlementGrant, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.maxEntries {
		c.evictOldest()
	}

	seq := c.sequence
	c.sequence++
	c.entries[key] = &cacheEntry{
		grant:      grant.Clone(),
		expiration: now.Add(ttl),
		accessTime: now,
		sequence:   seq,
	}
}

// evictOldest drops the least recently used entry. Caller holds mu.
func (c *LRUCache) evictOldest() {
	var (
		oldestKey  string
		oldestTime time.Time
		oldestSeq  int64
		first      = true
	)
	for key, entry := range c.entries {
		if first || entry.accessTime.Before(oldestTime) ||
			(entry.accessTime.Equal(oldestTime) && entry.sequence < oldestSeq) {
			oldestKey = key
			oldestTime = entry.accessTime
			oldestSeq = entry.sequence
			first = false
		}
	}
	if !first {
		delete(c.entries, oldestKey)
		c.evictions++
	}
}

func (c *LRUCache) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

func (c *LRUCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*cacheEntry, c.maxEntries)
}

func (c *LRUCache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CacheStats{
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
		Size:      len(c.entries),
	}
}
