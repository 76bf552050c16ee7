package catalog

import (
	"context"
	"sort"
	"sync"
)

// MemoryCatalog holds plans in process. It backs tests and the
// single-binary development mode.
type MemoryCatalog struct {
	mu    sync.RWMutex
	plans map[string]*Plan
}

// NewMemoryCatalog validates and indexes plans.
func NewMemoryCatalog(plans ...*Plan) (*MemoryCatalog, error) {
	c := &MemoryCatalog{plans: make(map[string]*Plan, len(plans))}
	for _, p := range plans {
		if err := c.UpsertPlan(context.Background(), p); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// GetPlan returns a plan by ID or price reference.
func (c *MemoryCatalog) GetPlan(_ context.Context, ref string) (*Plan, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if p, ok := c.plans[ref]; ok {
		return clonePlan(p), nil
	}
	for _, p := range c.plans {
		if p.PriceRef != "" && p.PriceRef == ref {
			return clonePlan(p), nil
		}
	}
	return nil, notFound(ref)
}

// ListPlans returns active plans of an app ordered by price.
func (c *MemoryCatalog) ListPlans(_ context.Context, appID string) ([]*Plan, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []*Plan
	for _, p := range c.plans {
		if p.AppID == appID && p.Active {
			out = append(out, clonePlan(p))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].PriceCents == out[j].PriceCents {
			return out[i].ID < out[j].ID
		}
		return out[i].PriceCents < out[j].PriceCents
	})
	return out, nil
}

// UpsertPlan stores a copy of p.
func (c *MemoryCatalog) UpsertPlan(_ context.Context, p *Plan) error {
	if err := p.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.plans[p.ID] = clonePlan(p)
	return nil
}
