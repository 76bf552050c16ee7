package cache

import (
	"context"
	"errors"
	"strings"

	"github.com/sirupsen/logrus"
)

// TieredCache reads through a local LRU into Redis.
type TieredCache struct {
	local  *MemoryCache
	remote *RedisCache
	log    logrus.FieldLogger
}

// NewTieredCache combines a local and a remote cache.
func NewTieredCache(local *MemoryCache, remote *RedisCache, log logrus.FieldLogger) *TieredCache {
	if log == nil {
		log = logrus.New()
	}
	return &TieredCache{local: local, remote: remote, log: log}
}

// Get checks the local cache first and backfills it from Redis. Redis errors
// degrade to a miss.
func (c *TieredCache) Get(ctx context.Context, key Key) ([]byte, error) {
	if data, err := c.local.Get(ctx, key); err == nil {
		return data, nil
	}
	data, err := c.remote.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, ErrCacheMiss) {
			c.log.WithError(err).WithField("key", key.String()).Warn("remote cache read failed")
		}
		return nil, ErrCacheMiss
	}
	_ = c.local.Set(ctx, key, data)
	return data, nil
}

// Set writes both tiers.
func (c *TieredCache) Set(ctx context.Context, key Key, value []byte) error {
	_ = c.local.Set(ctx, key, value)
	return c.remote.Set(ctx, key, value)
}

// Invalidate drops keys from both tiers.
func (c *TieredCache) Invalidate(ctx context.Context, keys ...Key) error {
	_ = c.local.Invalidate(ctx, keys...)
	return c.remote.Invalidate(ctx, keys...)
}

// InvalidateEntity drops an entity from both tiers.
func (c *TieredCache) InvalidateEntity(ctx context.Context, entity string) error {
	_ = c.local.InvalidateEntity(ctx, entity)
	return c.remote.InvalidateEntity(ctx, entity)
}

// Listen applies invalidations published by other nodes to the local tier.
// It blocks until ctx is canceled.
func (c *TieredCache) Listen(ctx context.Context) error {
	return c.remote.Subscribe(ctx, func(msg string) {
		c.applyRemoteInvalidation(ctx, msg)
	})
}

func (c *TieredCache) applyRemoteInvalidation(ctx context.Context, msg string) {
	if entity, ok := strings.CutSuffix(msg, ":*"); ok {
		_ = c.local.InvalidateEntity(ctx, entity)
		return
	}
	if key, ok := ParseKey(msg); ok {
		_ = c.local.Invalidate(ctx, key)
	}
}
