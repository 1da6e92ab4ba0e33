// Package cache implements spec.md §6's optional auxiliary key-value
// cache: "holds session state and the snapshot cache; loss of the cache
// is tolerated and rebuilt lazily." Backed by Redis (github.com/go-redis/
// redis/v8, the teacher's own declared-but-unused cache dependency) when
// cache_dsn is configured, and an in-process TTL map — grounded on the
// teacher's infrastructure/cache.Cache map+mutex+expiration shape —
// otherwise. Callers must treat a miss as routine, never as an error.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// Cache is a best-effort key-value store: Get reports a plain miss on any
// failure (network error, expiry, cold start), never an error value,
// because every caller already has an authoritative fallback.
type Cache struct {
	redis *redis.Client
	mem   *memCache
}

// New returns a Redis-backed Cache when dsn is non-empty, or an
// in-process fallback when it is empty (the "cache_dsn unset" case
// spec.md §6 describes).
func New(dsn string) (*Cache, error) {
	if dsn == "" {
		return &Cache{mem: newMemCache()}, nil
	}
	opt, err := redis.ParseURL(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse cache dsn: %w", err)
	}
	return &Cache{redis: redis.NewClient(opt)}, nil
}

// Get returns the stored value and true on a hit, or ("", false) on any
// miss or backend error.
func (c *Cache) Get(ctx context.Context, key string) (string, bool) {
	if c.redis != nil {
		v, err := c.redis.Get(ctx, key).Result()
		if err != nil {
			return "", false
		}
		return v, true
	}
	return c.mem.get(key)
}

// GetJSON is a convenience wrapper decoding a Get hit into dst.
func (c *Cache) GetJSON(ctx context.Context, key string, dst interface{}) bool {
	raw, ok := c.Get(ctx, key)
	if !ok {
		return false
	}
	return json.Unmarshal([]byte(raw), dst) == nil
}

// Set stores value under key with the given TTL. Errors are swallowed:
// a failed write just means the next Get is a miss.
func (c *Cache) Set(ctx context.Context, key, value string, ttl time.Duration) {
	if c.redis != nil {
		_ = c.redis.Set(ctx, key, value, ttl).Err()
		return
	}
	c.mem.set(key, value, ttl)
}

// SetJSON is a convenience wrapper encoding v before Set.
func (c *Cache) SetJSON(ctx context.Context, key string, v interface{}, ttl time.Duration) {
	raw, err := json.Marshal(v)
	if err != nil {
		return
	}
	c.Set(ctx, key, string(raw), ttl)
}

// Delete removes key, if present.
func (c *Cache) Delete(ctx context.Context, key string) {
	if c.redis != nil {
		_ = c.redis.Del(ctx, key).Err()
		return
	}
	c.mem.delete(key)
}

// Close releases the Redis connection pool, if one was opened.
func (c *Cache) Close() error {
	if c.redis != nil {
		return c.redis.Close()
	}
	return nil
}

type memEntry struct {
	value     string
	expiresAt time.Time
}

type memCache struct {
	mu      sync.Mutex
	entries map[string]memEntry
}

func newMemCache() *memCache { return &memCache{entries: make(map[string]memEntry)} }

func (m *memCache) get(key string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return "", false
	}
	if time.Now().After(e.expiresAt) {
		delete(m.entries, key)
		return "", false
	}
	return e.value, true
}

func (m *memCache) set(key, value string, ttl time.Duration) {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = memEntry{value: value, expiresAt: time.Now().Add(ttl)}
}

func (m *memCache) delete(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
}
