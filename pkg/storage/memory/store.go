// Package memory is an in-process storage.Store. Transactions are
// serialized and work on a copy of the state that replaces the committed
// state only when the transaction function succeeds.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/platinummonkey/appgrant/pkg/billing"
	"github.com/platinummonkey/appgrant/pkg/entitlements"
	"github.com/platinummonkey/appgrant/pkg/storage"
)

type state struct {
	subscriptions map[string]*billing.Subscription
	events        map[string]*storage.ProcessedEvent
	entitlements  *entitlements.MemoryRepository
}

func (s *state) clone() *state {
	out := &state{
		subscriptions: make(map[string]*billing.Subscription, len(s.subscriptions)),
		events:        make(map[string]*storage.ProcessedEvent, len(s.events)),
		entitlements:  s.entitlements.Clone(),
	}
	for id, sub := range s.subscriptions {
		out.subscriptions[id] = sub.Clone()
	}
	for id, ev := range s.events {
		cp := *ev
		out.events[id] = &cp
	}
	return out
}

// Store implements storage.Store in memory.
type Store struct {
	txMu sync.Mutex
	mu   sync.RWMutex
	data *state
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{data: &state{
		subscriptions: make(map[string]*billing.Subscription),
		events:        make(map[string]*storage.ProcessedEvent),
		entitlements:  entitlements.NewMemoryRepository(),
	}}
}

// WithTx implements storage.Store.
func (s *Store) WithTx(ctx context.Context, fn func(tx storage.Tx) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.RLock()
	working := s.data.clone()
	s.mu.RUnlock()

	if err := fn(&Tx{data: working}); err != nil {
		return err
	}

	s.mu.Lock()
	s.data = working
	s.mu.Unlock()
	return nil
}

// HealthCheck implements storage.Store.
func (s *Store) HealthCheck(context.Context) error { return nil }

// Close implements storage.Store.
func (s *Store) Close() error { return nil }

func (s *Store) snapshot() *state {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data
}

// GetProcessedEvent implements storage.EventLog.
func (s *Store) GetProcessedEvent(_ context.Context, eventID string) (*storage.ProcessedEvent, error) {
	return s.snapshot().processedEvent(eventID)
}

// GetSubscription implements storage.SubscriptionReader.
func (s *Store) GetSubscription(_ context.Context, id string) (*billing.Subscription, error) {
	return s.snapshot().subscription(id)
}

// GetCurrentSubscription implements storage.SubscriptionReader.
func (s *Store) GetCurrentSubscription(_ context.Context, tenantID, appID string) (*billing.Subscription, error) {
	return s.snapshot().current(tenantID, appID)
}

// ListSubscriptions implements storage.SubscriptionReader.
func (s *Store) ListSubscriptions(_ context.Context, tenantID string) ([]*billing.Subscription, error) {
	var out []*billing.Subscription
	for _, sub := range s.snapshot().subscriptions {
		if sub.TenantID == tenantID {
			out = append(out, sub.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].AppID != out[j].AppID {
			return out[i].AppID < out[j].AppID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// ListDueSubscriptions implements storage.SubscriptionReader.
func (s *Store) ListDueSubscriptions(_ context.Context, now time.Time, limit int) ([]*billing.Subscription, error) {
	var out []*billing.Subscription
	for _, sub := range s.snapshot().subscriptions {
		if sub.ExternalRef == "" && !sub.Status.IsTerminal() && !sub.CurrentPeriodEnd.After(now) {
			out = append(out, sub.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CurrentPeriodEnd.Before(out[j].CurrentPeriodEnd) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ActiveEntitlements implements entitlements.Reader.
func (s *Store) ActiveEntitlements(ctx context.Context, tenantID, appID string) ([]*entitlements.Entitlement, error) {
	return s.snapshot().entitlements.ActiveEntitlements(ctx, tenantID, appID)
}

func (d *state) processedEvent(eventID string) (*storage.ProcessedEvent, error) {
	ev, ok := d.events[eventID]
	if !ok {
		return nil, &billing.NotFoundError{Entity: "event", ID: eventID}
	}
	cp := *ev
	return &cp, nil
}

func (d *state) subscription(id string) (*billing.Subscription, error) {
	sub, ok := d.subscriptions[id]
	if !ok {
		return nil, &billing.NotFoundError{Entity: "subscription", ID: id}
	}
	return sub.Clone(), nil
}

func (d *state) current(tenantID, appID string) (*billing.Subscription, error) {
	var best *billing.Subscription
	for _, sub := range d.subscriptions {
		if sub.TenantID != tenantID || sub.AppID != appID {
			continue
		}
		switch {
		case best == nil:
			best = sub
		case best.Status.IsTerminal() && !sub.Status.IsTerminal():
			best = sub
		case best.Status.IsTerminal() == sub.Status.IsTerminal() && sub.CreatedAt.After(best.CreatedAt):
			best = sub
		}
	}
	if best == nil {
		return nil, &billing.NotFoundError{Entity: "subscription", ID: billing.SubscriptionKey(tenantID, appID)}
	}
	return best.Clone(), nil
}

// Tx implements storage.Tx over a working copy.
type Tx struct {
	data *state
}

// GetProcessedEvent implements storage.Tx.
func (t *Tx) GetProcessedEvent(_ context.Context, eventID string) (*storage.ProcessedEvent, error) {
	return t.data.processedEvent(eventID)
}

// InsertProcessedEvent implements storage.Tx.
func (t *Tx) InsertProcessedEvent(_ context.Context, ev *storage.ProcessedEvent) error {
	if _, ok := t.data.events[ev.EventID]; ok {
		return &billing.ConflictError{Entity: "event", Message: fmt.Sprintf("event %s already processed", ev.EventID)}
	}
	cp := *ev
	t.data.events[ev.EventID] = &cp
	return nil
}

// GetSubscriptionForUpdate implements storage.Tx.
func (t *Tx) GetSubscriptionForUpdate(_ context.Context, id string) (*billing.Subscription, error) {
	return t.data.subscription(id)
}

// GetSubscriptionByExternalRefForUpdate implements storage.Tx.
func (t *Tx) GetSubscriptionByExternalRefForUpdate(_ context.Context, ref string) (*billing.Subscription, error) {
	for _, sub := range t.data.subscriptions {
		if ref != "" && sub.ExternalRef == ref {
			return sub.Clone(), nil
		}
	}
	return nil, &billing.NotFoundError{Entity: "subscription", ID: ref}
}

// GetCurrentSubscriptionForUpdate implements storage.Tx.
func (t *Tx) GetCurrentSubscriptionForUpdate(_ context.Context, tenantID, appID string) (*billing.Subscription, error) {
	return t.data.current(tenantID, appID)
}

// InsertSubscription implements storage.Tx.
func (t *Tx) InsertSubscription(_ context.Context, sub *billing.Subscription) error {
	if _, ok := t.data.subscriptions[sub.ID]; ok {
		return &billing.ConflictError{Entity: "subscription", Message: "id " + sub.ID + " already exists"}
	}
	if !sub.Status.IsTerminal() {
		for _, other := range t.data.subscriptions {
			if other.TenantID == sub.TenantID && other.AppID == sub.AppID && !other.Status.IsTerminal() {
				return &billing.ConflictError{
					Entity:  "subscription",
					Message: fmt.Sprintf("tenant %s already has a live subscription to %s", sub.TenantID, sub.AppID),
				}
			}
		}
	}
	if err := t.checkExternalRef(sub); err != nil {
		return err
	}
	t.data.subscriptions[sub.ID] = sub.Clone()
	return nil
}

// UpdateSubscription implements storage.Tx.
func (t *Tx) UpdateSubscription(_ context.Context, sub *billing.Subscription) error {
	if _, ok := t.data.subscriptions[sub.ID]; !ok {
		return &billing.NotFoundError{Entity: "subscription", ID: sub.ID}
	}
	if err := t.checkExternalRef(sub); err != nil {
		return err
	}
	t.data.subscriptions[sub.ID] = sub.Clone()
	return nil
}

func (t *Tx) checkExternalRef(sub *billing.Subscription) error {
	if sub.ExternalRef == "" {
		return nil
	}
	for id, other := range t.data.subscriptions {
		if id != sub.ID && other.ExternalRef == sub.ExternalRef {
			return &billing.ConflictError{Entity: "subscription", Message: "external reference already in use"}
		}
	}
	return nil
}

// UpsertEntitlement implements entitlements.Repository.
func (t *Tx) UpsertEntitlement(ctx context.Context, e *entitlements.Entitlement) error {
	return t.data.entitlements.UpsertEntitlement(ctx, e)
}

// DeactivateEntitlements implements entitlements.Repository.
func (t *Tx) DeactivateEntitlements(ctx context.Context, tenantID, appID string, keep []string) ([]string, error) {
	return t.data.entitlements.DeactivateEntitlements(ctx, tenantID, appID, keep)
}
