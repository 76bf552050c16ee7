package cache

import (
	"context"
	"fmt"

	"github.com/go-redis/redis/v8"
)

// InvalidationChannel carries invalidated keys to every node.
const InvalidationChannel = "appgrant:cache:invalidate"

// RedisCache stores entries in Redis and broadcasts invalidations.
type RedisCache struct {
	client redis.UniversalClient
	config Config
	stats  counters
}

// NewRedisCache wraps an existing client.
func NewRedisCache(client redis.UniversalClient, config Config) *RedisCache {
	if config.DefaultTTL <= 0 {
		config.DefaultTTL = DefaultConfig().DefaultTTL
	}
	return &RedisCache{client: client, config: config}
}

func (c *RedisCache) redisKey(key Key) string {
	return c.config.KeyPrefix + key.String()
}

// Get returns the cached bytes or ErrCacheMiss.
func (c *RedisCache) Get(ctx context.Context, key Key) ([]byte, error) {
	data, err := c.client.Get(ctx, c.redisKey(key)).Bytes()
	if err == redis.Nil {
		c.stats.misses.Add(1)
		return nil, ErrCacheMiss
	} else if err != nil {
		return nil, fmt.Errorf("redis get failed: %w", err)
	}
	c.stats.hits.Add(1)
	return data, nil
}

// Set stores value with the entity's TTL.
func (c *RedisCache) Set(ctx context.Context, key Key, value []byte) error {
	if err := c.client.Set(ctx, c.redisKey(key), value, c.config.ttlFor(key.Entity)).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

// Invalidate deletes keys and publishes them so peers drop their local copy.
func (c *RedisCache) Invalidate(ctx context.Context, keys ...Key) error {
	if len(keys) == 0 {
		return nil
	}
	redisKeys := make([]string, len(keys))
	for i, key := range keys {
		redisKeys[i] = c.redisKey(key)
	}

	pipe := c.client.Pipeline()
	pipe.Del(ctx, redisKeys...)
	for _, key := range keys {
		pipe.Publish(ctx, InvalidationChannel, key.String())
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis invalidate failed: %w", err)
	}
	c.stats.invalidations.Add(int64(len(keys)))
	return nil
}

// InvalidateEntity removes all keys of an entity using SCAN.
func (c *RedisCache) InvalidateEntity(ctx context.Context, entity string) error {
	pattern := c.config.KeyPrefix + entity + ":*"
	iter := c.client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		if err := c.client.Del(ctx, iter.Val()).Err(); err != nil {
			return fmt.Errorf("failed to delete key %s: %w", iter.Val(), err)
		}
		c.stats.invalidations.Add(1)
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("scan failed for pattern %s: %w", pattern, err)
	}
	return c.client.Publish(ctx, InvalidationChannel, entity+":*").Err()
}

// Subscribe delivers invalidation messages until ctx is done.
func (c *RedisCache) Subscribe(ctx context.Context, fn func(msg string)) error {
	sub := c.client.Subscribe(ctx, InvalidationChannel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", InvalidationChannel, err)
	}
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			fn(msg.Payload)
		}
	}
}

// Stats returns hit and miss counters.
func (c *RedisCache) Stats() Stats {
	return c.stats.snapshot()
}
