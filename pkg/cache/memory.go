package cache

import (
	"context"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
)

type memoryEntry struct {
	data    []byte
	expires time.Time
}

// MemoryCache is an in-process LRU with per-entity TTLs.
type MemoryCache struct {
	config Config
	lru    *lru.LRU[string, memoryEntry]
	stats  counters
	now    func() time.Time
}

// NewMemoryCache creates an LRU bounded by config.MaxEntries. The LRU's own
// expiry is set to the longest configured TTL; shorter per-entity TTLs are
// checked on read.
func NewMemoryCache(config Config) *MemoryCache {
	if config.MaxEntries <= 0 {
		config.MaxEntries = DefaultConfig().MaxEntries
	}
	if config.DefaultTTL <= 0 {
		config.DefaultTTL = DefaultConfig().DefaultTTL
	}
	maxTTL := config.DefaultTTL
	for _, ttl := range config.TTL {
		if ttl > maxTTL {
			maxTTL = ttl
		}
	}
	return &MemoryCache{
		config: config,
		lru:    lru.NewLRU[string, memoryEntry](config.MaxEntries, nil, maxTTL),
		now:    time.Now,
	}
}

// Get returns the cached bytes or ErrCacheMiss.
func (c *MemoryCache) Get(_ context.Context, key Key) ([]byte, error) {
	k := key.String()
	entry, ok := c.lru.Get(k)
	if !ok {
		c.stats.misses.Add(1)
		return nil, ErrCacheMiss
	}
	if !c.now().Before(entry.expires) {
		c.lru.Remove(k)
		c.stats.misses.Add(1)
		return nil, ErrCacheMiss
	}
	c.stats.hits.Add(1)
	return entry.data, nil
}

// Set stores value under key.
func (c *MemoryCache) Set(_ context.Context, key Key, value []byte) error {
	c.lru.Add(key.String(), memoryEntry{
		data:    value,
		expires: c.now().Add(c.config.ttlFor(key.Entity)),
	})
	return nil
}

// Invalidate removes keys.
func (c *MemoryCache) Invalidate(_ context.Context, keys ...Key) error {
	for _, key := range keys {
		c.lru.Remove(key.String())
		c.stats.invalidations.Add(1)
	}
	return nil
}

// InvalidateEntity removes every key of an entity.
func (c *MemoryCache) InvalidateEntity(_ context.Context, entity string) error {
	prefix := entity + ":"
	for _, k := range c.lru.Keys() {
		if strings.HasPrefix(k, prefix) {
			c.lru.Remove(k)
			c.stats.invalidations.Add(1)
		}
	}
	return nil
}

// Len returns the number of live entries.
func (c *MemoryCache) Len() int {
	return c.lru.Len()
}

// Stats returns hit and miss counters.
func (c *MemoryCache) Stats() Stats {
	return c.stats.snapshot()
}
