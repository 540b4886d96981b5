package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	cacheHits   atomic.Int64
	cacheMisses atomic.Int64
)

const cacheKeyPrefix = "jp:"

// Cache keeps embeddings, LLM verdicts and fetched descriptions in memory
// with Redis behind it so warm entries survive a restart.
// The zero *Cache (nil) is usable and never hits.
type Cache struct {
	rdb   *redis.Client
	ttl   time.Duration
	limit int

	mu  sync.Mutex
	mem map[string]memEntry
}

type memEntry struct {
	val     []byte
	expires time.Time
}

func (e memEntry) live(now time.Time) bool { return now.Before(e.expires) }

// NewCache builds a cache holding at most limit entries in memory for ttl.
// rdb may be nil.
func NewCache(rdb *redis.Client, ttl time.Duration, limit int) *Cache {
	slog.Info("cache ready", slog.Duration("ttl", ttl), slog.Int("limit", limit), slog.Bool("redis", rdb != nil))
	return &Cache{rdb: rdb, ttl: ttl, limit: limit, mem: make(map[string]memEntry)}
}

// CacheKey hashes parts into a short namespaced key. The first part is the
// kind of value ("embed", "llm-match", ...).
func CacheKey(parts ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(parts, "\x1f")))
	return cacheKeyPrefix + hex.EncodeToString(sum[:12])
}

// CacheStats reports hits and misses across all caches.
func CacheStats() (hits, misses int64) {
	return cacheHits.Load(), cacheMisses.Load()
}

func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool) {
	if c == nil {
		cacheMisses.Add(1)
		return nil, false
	}
	if val, ok := c.memGet(key, time.Now()); ok {
		cacheHits.Add(1)
		return val, true
	}
	if c.rdb != nil {
		val, err := c.rdb.Get(ctx, key).Bytes()
		switch {
		case err == nil:
			cacheHits.Add(1)
			c.memPut(key, val)
			return val, true
		case !errors.Is(err, redis.Nil):
			slog.Debug("cache redis get", slog.String("key", key), slog.Any("error", err))
		}
	}
	cacheMisses.Add(1)
	return nil, false
}

func (c *Cache) Set(ctx context.Context, key string, val []byte) {
	if c == nil {
		return
	}
	c.memPut(key, val)
	if c.rdb == nil {
		return
	}
	if err := c.rdb.Set(ctx, key, val, c.ttl).Err(); err != nil {
		slog.Debug("cache redis set", slog.String("key", key), slog.Any("error", err))
	}
}

// CacheLoadJSON decodes a cached T. Undecodable entries count as a miss.
func CacheLoadJSON[T any](ctx context.Context, c *Cache, key string) (T, bool) {
	var v T
	raw, ok := c.Get(ctx, key)
	if !ok {
		return v, false
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		var zero T
		return zero, false
	}
	return v, true
}

func CacheStoreJSON[T any](ctx context.Context, c *Cache, key string, v T) {
	if raw, err := json.Marshal(v); err == nil {
		c.Set(ctx, key, raw)
	}
}

// RunCleanup drops expired memory entries every interval until ctx ends.
func (c *Cache) RunCleanup(ctx context.Context, interval time.Duration) {
	if c == nil {
		return
	}
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			c.mu.Lock()
			n := c.sweep(now)
			c.mu.Unlock()
			if n > 0 {
				slog.Debug("cache sweep", slog.Int("dropped", n))
			}
		}
	}
}

func (c *Cache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.mem)
}

func (c *Cache) memGet(key string, now time.Time) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.mem[key]
	if !ok {
		return nil, false
	}
	if !e.live(now) {
		delete(c.mem, key)
		return nil, false
	}
	return e.val, true
}

func (c *Cache) memPut(key string, val []byte) {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.mem[key]; !exists && c.limit > 0 && len(c.mem) >= c.limit {
		c.sweep(now)
		for len(c.mem) >= c.limit {
			c.evictSoonest()
		}
	}
	c.mem[key] = memEntry{val: val, expires: now.Add(c.ttl)}
}

// sweep deletes expired entries and returns how many. Caller holds mu.
func (c *Cache) sweep(now time.Time) int {
	n := 0
	for k, e := range c.mem {
		if !e.live(now) {
			delete(c.mem, k)
			n++
		}
	}
	return n
}

// evictSoonest drops the entry closest to expiry, which is the oldest one
// since every entry gets the same ttl. Caller holds mu.
func (c *Cache) evictSoonest() {
	var victim string
	var at time.Time
	for k, e := range c.mem {
		if victim == "" || e.expires.Before(at) {
			victim, at = k, e.expires
		}
	}
	delete(c.mem, victim)
}
