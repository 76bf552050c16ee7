package catalog

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/platinummonkey/appgrant/pkg/billing"
	"github.com/platinummonkey/appgrant/pkg/cache"
)

// Writer is implemented by catalogs that accept admin changes.
type Writer interface {
	UpsertPlan(ctx context.Context, p *Plan) error
}

// CachedCatalog decorates a Catalog with the typed cache. Concurrent misses
// for the same key share one backend read.
type CachedCatalog struct {
	inner Catalog
	plans *cache.Typed[*Plan]
	lists *cache.Typed[[]*Plan]
	group singleflight.Group
	log   logrus.FieldLogger
}

// NewCachedCatalog wraps inner. A nil store disables caching.
func NewCachedCatalog(inner Catalog, store cache.Cache, log logrus.FieldLogger) *CachedCatalog {
	if store == nil {
		store = cache.Nop{}
	}
	if log == nil {
		log = logrus.New()
	}
	return &CachedCatalog{
		inner: inner,
		plans: cache.NewTyped[*Plan](store, cache.EntityPlan),
		lists: cache.NewTyped[[]*Plan](store, cache.EntityAppPlans),
		log:   log,
	}
}

// GetPlan returns the cached plan or loads it.
func (c *CachedCatalog) GetPlan(ctx context.Context, ref string) (*Plan, error) {
	if p, ok, err := c.plans.Get(ctx, ref); err == nil && ok {
		return p, nil
	}

	v, err, _ := c.group.Do("plan:"+ref, func() (any, error) {
		p, err := c.inner.GetPlan(ctx, ref)
		if err != nil {
			return nil, err
		}
		if err := c.plans.Set(ctx, ref, p); err != nil {
			c.log.WithError(err).WithField("plan", ref).Warn("failed to cache plan")
		}
		return p, nil
	})
	if err != nil {
		return nil, err
	}
	return clonePlan(v.(*Plan)), nil
}

// ListPlans returns the cached plan list of an app or loads it.
func (c *CachedCatalog) ListPlans(ctx context.Context, appID string) ([]*Plan, error) {
	if list, ok, err := c.lists.Get(ctx, appID); err == nil && ok {
		return list, nil
	}

	v, err, _ := c.group.Do("app:"+appID, func() (any, error) {
		list, err := c.inner.ListPlans(ctx, appID)
		if err != nil {
			return nil, err
		}
		if err := c.lists.Set(ctx, appID, list); err != nil {
			c.log.WithError(err).WithField("app_id", appID).Warn("failed to cache plan list")
		}
		return list, nil
	})
	if err != nil {
		return nil, err
	}
	src := v.([]*Plan)
	out := make([]*Plan, len(src))
	for i, p := range src {
		out[i] = clonePlan(p)
	}
	return out, nil
}

// UpsertPlan writes through to the backing catalog and invalidates the plan
// and its app listing.
func (c *CachedCatalog) UpsertPlan(ctx context.Context, p *Plan) error {
	w, ok := c.inner.(Writer)
	if !ok {
		return &billing.ConflictError{Entity: "catalog", Message: fmt.Sprintf("%T is read only", c.inner)}
	}
	if err := w.UpsertPlan(ctx, p); err != nil {
		return err
	}
	return c.Invalidate(ctx, p)
}

// Invalidate drops cached entries for p.
func (c *CachedCatalog) Invalidate(ctx context.Context, p *Plan) error {
	ids := []string{p.ID}
	if p.PriceRef != "" {
		ids = append(ids, p.PriceRef)
	}
	if err := c.plans.Invalidate(ctx, ids...); err != nil {
		return err
	}
	return c.lists.Invalidate(ctx, p.AppID)
}

// InvalidateAll drops every cached plan and listing.
func (c *CachedCatalog) InvalidateAll(ctx context.Context) {
	if err := c.plans.InvalidateAll(ctx); err != nil {
		c.log.WithError(err).Warn("failed to invalidate cached plans")
	}
	if err := c.lists.InvalidateAll(ctx); err != nil {
		c.log.WithError(err).Warn("failed to invalidate cached plan lists")
	}
}
