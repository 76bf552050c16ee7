package usage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/platinummonkey/appgrant/pkg/billing"
)

// MemoryStore keeps counters in process behind a mutex.
type MemoryStore struct {
	mu       sync.Mutex
	counters map[string]*Counter
	now      func() time.Time
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{counters: make(map[string]*Counter), now: time.Now}
}

func counterKey(tenantID, resource string) string {
	return tenantID + "\x00" + resource
}

// current returns a view of c as of now, zeroed if its period has rolled.
func current(c *Counter, now time.Time) Counter {
	v := *c
	if id := c.Period.ID(now); id != c.PeriodID && c.Period != PeriodNever {
		v.PeriodID = id
		v.Count = 0
	}
	return v
}

// IncrementIfAllowed implements Store.
func (s *MemoryStore) IncrementIfAllowed(_ context.Context, tenantID, resource string, amount int64, now time.Time) (IncrementOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.counters[counterKey(tenantID, resource)]
	if !ok {
		return IncrementOutcome{}, nil
	}
	view := current(c, now)
	out := IncrementOutcome{Provisioned: true, Count: view.Count, Limit: c.Limit, PeriodID: view.PeriodID}
	if c.Limit != Unlimited && view.Count+amount > c.Limit {
		return out, nil
	}
	c.PeriodID = view.PeriodID
	c.Count = view.Count + amount
	c.UpdatedAt = now
	out.Applied = true
	out.Count = c.Count
	return out, nil
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, tenantID, resource string) (*Counter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.counters[counterKey(tenantID, resource)]
	if !ok {
		return nil, &billing.NotFoundError{Entity: "usage counter", ID: tenantID + "/" + resource}
	}
	v := current(c, s.now())
	return &v, nil
}

// List implements Store.
func (s *MemoryStore) List(_ context.Context, tenantID string) ([]*Counter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	var out []*Counter
	for _, c := range s.counters {
		if c.TenantID == tenantID {
			v := current(c, now)
			out = append(out, &v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ResourceKey < out[j].ResourceKey })
	return out, nil
}

// SetLimit implements Store. The count is preserved.
func (s *MemoryStore) SetLimit(_ context.Context, tenantID, resource string, limit int64, period Period, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := counterKey(tenantID, resource)
	c, ok := s.counters[key]
	if !ok {
		s.counters[key] = &Counter{
			TenantID: tenantID, ResourceKey: resource,
			Period: period, PeriodID: period.ID(now),
			Limit: limit, UpdatedAt: now,
		}
		return nil
	}
	c.Limit = limit
	c.Period = period
	c.UpdatedAt = now
	return nil
}

// Reset implements Store.
func (s *MemoryStore) Reset(_ context.Context, tenantID, resource string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.counters[counterKey(tenantID, resource)]
	if !ok {
		return &billing.NotFoundError{Entity: "usage counter", ID: tenantID + "/" + resource}
	}
	c.Count = 0
	c.PeriodID = c.Period.ID(now)
	c.UpdatedAt = now
	return nil
}

// ResetExpired implements Store.
func (s *MemoryStore) ResetExpired(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, c := range s.counters {
		if c.Period == PeriodNever {
			continue
		}
		if id := c.Period.ID(now); id != c.PeriodID {
			c.PeriodID = id
			c.Count = 0
			c.UpdatedAt = now
			n++
		}
	}
	return n, nil
}
