package entitlements

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/appgrant/pkg/billing"
	"github.com/platinummonkey/appgrant/pkg/cache"
	"github.com/platinummonkey/appgrant/pkg/catalog"
	"github.com/platinummonkey/appgrant/pkg/usage"
)

// Meter is the part of usage.Meter the store needs.
type Meter interface {
	SetLimit(ctx context.Context, tenantID, resource string, limit int64, period usage.Period) error
	Current(ctx context.Context, tenantID, resource string) (*usage.Counter, error)
}

// ResourceKey is the usage counter name of a limit feature.
func ResourceKey(appID, featureKey string) string {
	return appID + "/" + featureKey
}

// Store derives entitlements from plans and answers access checks.
type Store struct {
	catalog catalog.Catalog
	reader  Reader
	meter   Meter
	cached  *cache.Typed[[]*Entitlement]
	log     logrus.FieldLogger
	now     func() time.Time

	// gens counts invalidations per (tenant, app). A cache fill that
	// started before an invalidation must not survive it.
	mu   sync.Mutex
	gens map[string]uint64
}

// NewStore creates a Store. A nil cache disables caching and a nil meter
// disables limit provisioning.
func NewStore(cat catalog.Catalog, reader Reader, meter Meter, c cache.Cache, log logrus.FieldLogger) *Store {
	if c == nil {
		c = cache.Nop{}
	}
	if log == nil {
		log = logrus.New()
	}
	return &Store{
		catalog: cat,
		reader:  reader,
		meter:   meter,
		cached:  cache.NewTyped[[]*Entitlement](c, cache.EntityEntitlements),
		log:     log,
		now:     time.Now,
		gens:    make(map[string]uint64),
	}
}

func (s *Store) generation(id string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gens[id]
}

func (s *Store) bump(id string) {
	s.mu.Lock()
	s.gens[id]++
	s.mu.Unlock()
}

// Apply grants the features of planID. New rows are written active before
// rows outside the new set are deactivated, so a failure in between leaves
// the previous grant usable. Usage limits are provisioned before Apply
// returns; an error means the caller must roll back.
func (s *Store) Apply(ctx context.Context, repo Repository, tenantID, appID, subscriptionID, planID string) (*Change, error) {
	plan, err := s.catalog.GetPlan(ctx, planID)
	if err != nil {
		return nil, fmt.Errorf("failed to load plan %s: %w", planID, err)
	}
	if plan.AppID != appID {
		return nil, billing.NewValidationError("plan_id", "plan %s belongs to app %s, not %s", planID, plan.AppID, appID)
	}

	now := s.now()
	change := &Change{TenantID: tenantID, AppID: appID}
	keep := make([]string, 0, len(plan.Features))
	for _, f := range plan.Features {
		e := &Entitlement{
			ID:             uuid.New().String(),
			TenantID:       tenantID,
			AppID:          appID,
			FeatureKey:     f.Key,
			Kind:           f.Kind,
			Limit:          f.Limit,
			Value:          FeatureValue(f.Kind, f.Limit),
			ResetPeriod:    f.ResetPeriod,
			Active:         true,
			SubscriptionID: subscriptionID,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := repo.UpsertEntitlement(ctx, e); err != nil {
			return nil, fmt.Errorf("failed to grant %s: %w", f.Key, err)
		}
		change.Granted = append(change.Granted, e)
		keep = append(keep, f.Key)
	}

	revoked, err := repo.DeactivateEntitlements(ctx, tenantID, appID, keep)
	if err != nil {
		return nil, fmt.Errorf("failed to deactivate stale entitlements: %w", err)
	}
	change.Revoked = revoked
	if err := s.provision(ctx, change); err != nil {
		return nil, err
	}
	return change, nil
}

// Remove deactivates every entitlement of (tenant, app) and drops their
// usage limits to zero.
func (s *Store) Remove(ctx context.Context, repo Repository, tenantID, appID string) (*Change, error) {
	revoked, err := repo.DeactivateEntitlements(ctx, tenantID, appID, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to remove entitlements: %w", err)
	}
	change := &Change{TenantID: tenantID, AppID: appID, Revoked: revoked}
	if err := s.provision(ctx, change); err != nil {
		return nil, err
	}
	return change, nil
}

// provision makes usage limits follow a change: granted limit features get
// their plan limit and revoked features drop to zero.
func (s *Store) provision(ctx context.Context, change *Change) error {
	if s.meter == nil {
		return nil
	}
	for _, e := range change.Granted {
		if e.Kind != catalog.FeatureLimit {
			continue
		}
		err := s.meter.SetLimit(ctx, change.TenantID, ResourceKey(change.AppID, e.FeatureKey), e.Limit, usage.ParsePeriod(e.ResetPeriod))
		if err != nil {
			return fmt.Errorf("failed to provision usage limit %s: %w", e.FeatureKey, err)
		}
	}
	for _, key := range change.Revoked {
		if err := s.meter.SetLimit(ctx, change.TenantID, ResourceKey(change.AppID, key), 0, usage.PeriodNever); err != nil {
			return fmt.Errorf("failed to revoke usage limit %s: %w", key, err)
		}
	}
	return nil
}

// Sync makes the entitlements of sub's (tenant, app) follow its status:
// granting statuses apply the current plan, revoking statuses remove
// everything and the rest leave entitlements untouched (nil change).
func (s *Store) Sync(ctx context.Context, repo Repository, sub *billing.Subscription) (*Change, error) {
	switch {
	case sub.Status.GrantsAccess():
		return s.Apply(ctx, repo, sub.TenantID, sub.AppID, sub.ID, sub.PlanID)
	case sub.Status.RevokesAccess():
		return s.Remove(ctx, repo, sub.TenantID, sub.AppID)
	}
	return nil, nil
}

// Publish runs the post-commit side of a change: the cached entitlements
// of (tenant, app) are invalidated. A failed invalidation is logged; fills
// racing with it are discarded by List.
func (s *Store) Publish(ctx context.Context, change *Change) {
	if change == nil {
		return
	}
	if err := s.Invalidate(ctx, change.TenantID, change.AppID); err != nil {
		s.log.WithError(err).WithFields(logrus.Fields{
			"tenant_id": change.TenantID,
			"app_id":    change.AppID,
		}).Warn("failed to invalidate entitlements cache")
	}
}

// Invalidate drops the cached entitlements of (tenant, app).
func (s *Store) Invalidate(ctx context.Context, tenantID, appID string) error {
	id := billing.SubscriptionKey(tenantID, appID)
	s.bump(id)
	return s.cached.Invalidate(ctx, id)
}

// List returns the active entitlements of (tenant, app), sorted by feature.
func (s *Store) List(ctx context.Context, tenantID, appID string) ([]*Entitlement, error) {
	id := billing.SubscriptionKey(tenantID, appID)
	if ents, ok, err := s.cached.Get(ctx, id); err == nil && ok {
		return ents, nil
	} else if err != nil {
		s.log.WithError(err).Debug("entitlements cache read failed")
	}

	gen := s.generation(id)
	ents, err := s.reader.ActiveEntitlements(ctx, tenantID, appID)
	if err != nil {
		return nil, fmt.Errorf("failed to load entitlements: %w", err)
	}
	sort.Slice(ents, func(i, j int) bool { return ents[i].FeatureKey < ents[j].FeatureKey })
	if s.generation(id) != gen {
		return ents, nil
	}
	if err := s.cached.Set(ctx, id, ents); err != nil {
		s.log.WithError(err).Debug("entitlements cache write failed")
	}
	// An invalidation landing between the check and the write above.
	if s.generation(id) != gen {
		if err := s.cached.Invalidate(ctx, id); err != nil {
			s.log.WithError(err).Debug("entitlements cache invalidate failed")
		}
	}
	return ents, nil
}

// HasAccess reports whether the tenant may use featureKey of appID. Limit
// features are allowed while usage is below the limit.
func (s *Store) HasAccess(ctx context.Context, tenantID, appID, featureKey string) (*Access, error) {
	if tenantID == "" || appID == "" || featureKey == "" {
		return nil, billing.NewValidationError("feature_key", "tenant, app and feature are required")
	}
	ents, err := s.List(ctx, tenantID, appID)
	if err != nil {
		return nil, err
	}

	access := &Access{FeatureKey: featureKey}
	var ent *Entitlement
	for _, e := range ents {
		if e.FeatureKey == featureKey && e.Active {
			ent = e
			break
		}
	}
	if ent == nil {
		return access, nil
	}

	access.Kind = ent.Kind
	if ent.Kind != catalog.FeatureLimit {
		access.Allowed = true
		return access, nil
	}

	access.Limit = ent.Limit
	if ent.Limit == catalog.Unlimited {
		access.Allowed = true
		access.Unlimited = true
		access.Remaining = usage.Unlimited
		return access, nil
	}
	if s.meter != nil {
		c, err := s.meter.Current(ctx, tenantID, ResourceKey(appID, featureKey))
		switch {
		case err == nil:
			access.Used = c.Count
		case billing.IsNotFound(err):
		default:
			return nil, fmt.Errorf("failed to read usage: %w", err)
		}
	}
	access.Remaining = ent.Limit - access.Used
	if access.Remaining < 0 {
		access.Remaining = 0
	}
	access.Allowed = access.Used < ent.Limit
	return access, nil
}
