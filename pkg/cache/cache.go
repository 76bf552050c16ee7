// Package cache provides a read-through cache keyed by (entity, id) with
// explicit invalidation. Values are stored JSON encoded so the same entries
// can live in process memory and in Redis.
package cache

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"time"
)

// ErrCacheMiss is returned by Get when the key is absent or expired.
var ErrCacheMiss = errors.New("cache miss")

// Entity names used across the service.
const (
	EntityPlan         = "plan"
	EntityAppPlans     = "app_plans"
	EntityEntitlements = "entitlements"
	EntitySubscription = "subscription"
)

// Key identifies a cached value.
type Key struct {
	Entity string
	ID     string
}

// String renders the key as entity:id.
func (k Key) String() string {
	return k.Entity + ":" + k.ID
}

// ParseKey is the inverse of Key.String.
func ParseKey(s string) (Key, bool) {
	entity, id, ok := strings.Cut(s, ":")
	if !ok || entity == "" {
		return Key{}, false
	}
	return Key{Entity: entity, ID: id}, true
}

// Cache is the storage contract shared by the memory, Redis and tiered
// implementations.
type Cache interface {
	Get(ctx context.Context, key Key) ([]byte, error)
	Set(ctx context.Context, key Key, value []byte) error
	Invalidate(ctx context.Context, keys ...Key) error
	InvalidateEntity(ctx context.Context, entity string) error
}

// Config controls entry lifetimes.
type Config struct {
	MaxEntries int
	DefaultTTL time.Duration
	// TTL overrides DefaultTTL per entity.
	TTL       map[string]time.Duration
	KeyPrefix string
}

// DefaultConfig returns sensible defaults. Entries are invalidated on every
// write, so the TTL only bounds staleness after a missed invalidation.
func DefaultConfig() Config {
	return Config{
		MaxEntries: 10000,
		DefaultTTL: 5 * time.Minute,
		TTL: map[string]time.Duration{
			EntityPlan:         10 * time.Minute,
			EntityAppPlans:     10 * time.Minute,
			EntityEntitlements: time.Minute,
			EntitySubscription: 30 * time.Second,
		},
		KeyPrefix: "appgrant:",
	}
}

func (c Config) ttlFor(entity string) time.Duration {
	if ttl, ok := c.TTL[entity]; ok && ttl > 0 {
		return ttl
	}
	return c.DefaultTTL
}

// Stats reports cache effectiveness.
type Stats struct {
	Hits          int64 `json:"hits"`
	Misses        int64 `json:"misses"`
	Invalidations int64 `json:"invalidations"`
}

type counters struct {
	hits          atomic.Int64
	misses        atomic.Int64
	invalidations atomic.Int64
}

func (c *counters) snapshot() Stats {
	return Stats{
		Hits:          c.hits.Load(),
		Misses:        c.misses.Load(),
		Invalidations: c.invalidations.Load(),
	}
}
