package engine

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCacheKeyShape(t *testing.T) {
	a := CacheKey("embed", "text-embedding-3-small", "golang engineer")
	assert.Equal(t, a, CacheKey("embed", "text-embedding-3-small", "golang engineer"))
	assert.NotEqual(t, a, CacheKey("embed", "text-embedding-3-small", "python engineer"))
	assert.NotEqual(t, a, CacheKey("llm-match", "text-embedding-3-small", "golang engineer"))
	assert.Equal(t, "jp:", a[:3])
}

func TestCacheEmbeddingRoundTrip(t *testing.T) {
	ctx := context.Background()
	c := NewCache(nil, time.Minute, 100)
	key := CacheKey("embed", "profile-42")

	_, ok := CacheLoadJSON[[]float32](ctx, c, key)
	require.False(t, ok)

	CacheStoreJSON(ctx, c, key, []float32{0.25, -0.5, 1})
	vec, ok := CacheLoadJSON[[]float32](ctx, c, key)
	require.True(t, ok)
	assert.Equal(t, []float32{0.25, -0.5, 1}, vec)
}

func TestCacheMatchVerdictRoundTrip(t *testing.T) {
	type verdict struct {
		Score   float64  `json:"score"`
		Missing []string `json:"missing"`
	}
	ctx := context.Background()
	c := NewCache(nil, time.Minute, 100)
	key := CacheKey("llm-match", "p1", "j1")

	CacheStoreJSON(ctx, c, key, verdict{Score: 0.8, Missing: []string{"kafka"}})
	got, ok := CacheLoadJSON[verdict](ctx, c, key)
	require.True(t, ok)
	assert.InDelta(t, 0.8, got.Score, 1e-9)
	assert.Equal(t, []string{"kafka"}, got.Missing)

	c.Set(ctx, key, []byte("not json"))
	_, ok = CacheLoadJSON[verdict](ctx, c, key)
	assert.False(t, ok, "undecodable entries read as a miss")
}

func TestNilCacheAlwaysMisses(t *testing.T) {
	var c *Cache
	ctx := context.Background()
	c.Set(ctx, "k", []byte("v"))
	_, ok := c.Get(ctx, "k")
	assert.False(t, ok)
}

func TestCacheEntriesExpire(t *testing.T) {
	ctx := context.Background()
	c := NewCache(nil, time.Millisecond, 100)
	key := CacheKey("guest-desc", "4335742219")

	c.Set(ctx, key, []byte("<p>desc</p>"))
	time.Sleep(5 * time.Millisecond)
	_, ok := c.Get(ctx, key)
	assert.False(t, ok)
}

func TestCacheBoundsMemoryTier(t *testing.T) {
	ctx := context.Background()
	c := NewCache(nil, time.Minute, 3)
	for i := range 5 {
		c.Set(ctx, CacheKey("embed", fmt.Sprintf("job-%d", i)), []byte{byte(i)})
	}
	assert.LessOrEqual(t, c.len(), 3)
}

func TestCacheCleanupDropsExpired(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c := NewCache(nil, 10*time.Millisecond, 100)
	c.Set(ctx, CacheKey("embed", "stale"), []byte("x"))

	go c.RunCleanup(ctx, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return c.len() == 0 }, time.Second, 5*time.Millisecond)
}

func TestCacheCounters(t *testing.T) {
	ctx := context.Background()
	c := NewCache(nil, time.Minute, 100)
	cacheHits.Store(0)
	cacheMisses.Store(0)
	key := CacheKey("llm-match", "p9", "j9")

	c.Get(ctx, key)
	c.Set(ctx, key, []byte("{}"))
	c.Get(ctx, key)
	c.Get(ctx, key)

	hits, misses := CacheStats()
	assert.Equal(t, int64(2), hits)
	assert.Equal(t, int64(1), misses)
}
