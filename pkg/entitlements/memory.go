package entitlements

import (
	"context"
	"sort"
	"sync"
)

// MemoryRepository is an in-process Repository and Reader.
type MemoryRepository struct {
	mu   sync.Mutex
	rows map[string]*Entitlement
}

// NewMemoryRepository creates an empty repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{rows: make(map[string]*Entitlement)}
}

func rowKey(tenantID, appID, feature string) string {
	return tenantID + "\x00" + appID + "\x00" + feature
}

// UpsertEntitlement implements Repository. An existing row keeps its ID and
// creation time.
func (r *MemoryRepository) UpsertEntitlement(_ context.Context, e *Entitlement) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := rowKey(e.TenantID, e.AppID, e.FeatureKey)
	if old, ok := r.rows[key]; ok {
		e.ID = old.ID
		e.CreatedAt = old.CreatedAt
	}
	cp := *e
	r.rows[key] = &cp
	return nil
}

// DeactivateEntitlements implements Repository.
func (r *MemoryRepository) DeactivateEntitlements(_ context.Context, tenantID, appID string, keep []string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	kept := make(map[string]bool, len(keep))
	for _, k := range keep {
		kept[k] = true
	}
	var out []string
	for _, e := range r.rows {
		if e.TenantID == tenantID && e.AppID == appID && e.Active && !kept[e.FeatureKey] {
			e.Active = false
			out = append(out, e.FeatureKey)
		}
	}
	sort.Strings(out)
	return out, nil
}

// ActiveEntitlements implements Reader.
func (r *MemoryRepository) ActiveEntitlements(_ context.Context, tenantID, appID string) ([]*Entitlement, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Entitlement
	for _, e := range r.rows {
		if e.TenantID == tenantID && e.AppID == appID && e.Active {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FeatureKey < out[j].FeatureKey })
	return out, nil
}

// All returns every row, active or not, for tests and snapshots.
func (r *MemoryRepository) All() []*Entitlement {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Entitlement, 0, len(r.rows))
	for _, e := range r.rows {
		cp := *e
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FeatureKey < out[j].FeatureKey })
	return out
}

// Clone returns an independent copy.
func (r *MemoryRepository) Clone() *MemoryRepository {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := NewMemoryRepository()
	for k, e := range r.rows {
		cp := *e
		out.rows[k] = &cp
	}
	return out
}
