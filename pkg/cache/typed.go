package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Typed is a view of a Cache restricted to one entity and value type.
type Typed[T any] struct {
	cache  Cache
	entity string
}

// NewTyped binds cache to entity.
func NewTyped[T any](cache Cache, entity string) *Typed[T] {
	return &Typed[T]{cache: cache, entity: entity}
}

// Key builds the cache key for id.
func (t *Typed[T]) Key(id string) Key {
	return Key{Entity: t.entity, ID: id}
}

// Get returns the value and whether it was present. Undecodable entries are
// dropped and reported as a miss.
func (t *Typed[T]) Get(ctx context.Context, id string) (T, bool, error) {
	var zero T
	data, err := t.cache.Get(ctx, t.Key(id))
	if errors.Is(err, ErrCacheMiss) {
		return zero, false, nil
	}
	if err != nil {
		return zero, false, err
	}
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		_ = t.cache.Invalidate(ctx, t.Key(id))
		return zero, false, nil
	}
	return v, true, nil
}

// Set stores v under id.
func (t *Typed[T]) Set(ctx context.Context, id string, v T) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", t.entity, err)
	}
	return t.cache.Set(ctx, t.Key(id), data)
}

// Invalidate drops ids.
func (t *Typed[T]) Invalidate(ctx context.Context, ids ...string) error {
	keys := make([]Key, len(ids))
	for i, id := range ids {
		keys[i] = t.Key(id)
	}
	return t.cache.Invalidate(ctx, keys...)
}

// InvalidateAll drops the whole entity.
func (t *Typed[T]) InvalidateAll(ctx context.Context) error {
	return t.cache.InvalidateEntity(ctx, t.entity)
}

// Nop is a Cache that never stores anything.
type Nop struct{}

func (Nop) Get(context.Context, Key) ([]byte, error) { return nil, ErrCacheMiss }

func (Nop) Set(context.Context, Key, []byte) error { return nil }

func (Nop) Invalidate(context.Context, ...Key) error { return nil }

func (Nop) InvalidateEntity(context.Context, string) error { return nil }
