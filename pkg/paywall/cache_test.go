package paywall

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLRUCache_Grant(t *testing.T) {
	cache := NewLRUCache(10)

	_, found := cache.Get("reveal_contact:u1:42")
	assert.False(t, found)

	grant := &EntitlementGrant{ID: "g1", Key: "reveal_contact:u1:42", UserID: "u1", ListingID: "42"}
	cache.Set(grant.Key, grant, time.Minute)

	cached, found := cache.Get(grant.Key)
	require.True(t, found)
	assert.Equal(t, "g1", cached.ID)

	// Negative lookups are cached too
	cache.Set("feature:7", nil, time.Minute)
	cached, found = cache.Get("feature:7")
	assert.True(t, found)
	assert.Nil(t, cached)

	cache.Invalidate(grant.Key)
	_, found = cache.Get(grant.Key)
	assert.False(t, found)

	stats := cache.Stats()
	assert.Equal(t, int64(2), stats.Hits)
	assert.Equal(t, int64(2), stats.Misses)
}

func TestLRUCache_Expiration(t *testing.T) {
	cache := NewLRUCache(10)
	cache.Set("k", &EntitlementGrant{ID: "g"}, time.Millisecond)
	time.Sleep(5 * time.Millisecond)

	_, found := cache.Get("k")
	assert.False(t, found, "expired entries must miss")
}

func TestLRUCache_Eviction(t *testing.T) {
	cache := NewLRUCache(2)
	cache.Set("a", &EntitlementGrant{ID: "a"}, time.Minute)
	cache.Set("b", &EntitlementGrant{ID: "b"}, time.Minute)

	// Touch a so b is the least recently used
	_, _ = cache.Get("a")
	cache.Set("c", &EntitlementGrant{ID: "c"}, time.Minute)

	_, found := cache.Get("b")
	assert.False(t, found)
	_, found = cache.Get("a")
	assert.True(t, found)
	assert.Equal(t, int64(1), cache.Stats().Evictions)

	cache.Clear()
	assert.Zero(t, cache.Stats().Size)
}
