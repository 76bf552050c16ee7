package subscriptions

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/appgrant/pkg/billing"
	"github.com/platinummonkey/appgrant/pkg/catalog"
	"github.com/platinummonkey/appgrant/pkg/entitlements"
	"github.com/platinummonkey/appgrant/pkg/lock"
	"github.com/platinummonkey/appgrant/pkg/storage"
)

// Notifier is told about committed subscription changes.
type Notifier interface {
	SubscriptionChanged(ctx context.Context, sub *billing.Subscription, change *entitlements.Change) error
}

// Config bounds the external calls of the service.
type Config struct {
	LockTimeout    time.Duration
	GatewayTimeout time.Duration
	PublishTimeout time.Duration
	NotifyTimeout  time.Duration
}

// DefaultConfig returns the default timeouts.
func DefaultConfig() Config {
	return Config{
		LockTimeout:    10 * time.Second,
		GatewayTimeout: 20 * time.Second,
		PublishTimeout: 5 * time.Second,
		NotifyTimeout:  5 * time.Second,
	}
}

// SubscribeRequest opens a subscription.
type SubscribeRequest struct {
	TenantID    string `json:"tenant_id"`
	AppID       string `json:"app_id"`
	PlanID      string `json:"plan_id"`
	Quantity    int64  `json:"quantity"`
	Trial       bool   `json:"trial"`
	CustomerRef string `json:"customer_ref,omitempty"`
}

// ChangeRequest moves a subscription to another plan or quantity.
type ChangeRequest struct {
	TenantID string `json:"tenant_id"`
	AppID    string `json:"app_id"`
	PlanID   string `json:"plan_id"`
	Quantity int64  `json:"quantity"`
}

// ChangeResult is the answer to ChangePlan.
type ChangeResult struct {
	Subscription *billing.Subscription    `json:"subscription"`
	Preview      *billing.ProrationPreview `json:"preview"`
}

// Service runs user-initiated subscription changes.
type Service struct {
	store        storage.Store
	catalog      catalog.Catalog
	entitlements *entitlements.Store
	gateway      billing.PaymentGateway
	locker       lock.Locker
	notifier     Notifier
	config       Config
	log          logrus.FieldLogger
	now          func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithConfig overrides the default timeouts. Zero fields keep their default.
func WithConfig(c Config) Option {
	return func(s *Service) {
		if c.LockTimeout > 0 {
			s.config.LockTimeout = c.LockTimeout
		}
		if c.GatewayTimeout > 0 {
			s.config.GatewayTimeout = c.GatewayTimeout
		}
		if c.PublishTimeout > 0 {
			s.config.PublishTimeout = c.PublishTimeout
		}
		if c.NotifyTimeout > 0 {
			s.config.NotifyTimeout = c.NotifyTimeout
		}
	}
}

// WithNotifier reports committed changes to n.
func WithNotifier(n Notifier) Option {
	return func(s *Service) { s.notifier = n }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a Service. A nil gateway manages subscriptions
// locally.
func NewService(store storage.Store, cat catalog.Catalog, ents *entitlements.Store, gateway billing.PaymentGateway, locker lock.Locker, log logrus.FieldLogger, opts ...Option) *Service {
	if gateway == nil {
		gateway = billing.LocalGateway{}
	}
	if log == nil {
		log = logrus.New()
	}
	s := &Service{
		store:        store,
		catalog:      cat,
		entitlements: ents,
		gateway:      gateway,
		locker:       locker,
		config:       DefaultConfig(),
		log:          log.WithField("component", "subscriptions"),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get returns the current subscription of (tenant, app).
func (s *Service) Get(ctx context.Context, tenantID, appID string) (*billing.Subscription, error) {
	return s.store.GetCurrentSubscription(ctx, tenantID, appID)
}

// List returns every subscription of a tenant.
func (s *Service) List(ctx context.Context, tenantID string) ([]*billing.Subscription, error) {
	return s.store.ListSubscriptions(ctx, tenantID)
}

// Subscribe opens a trial or a paid subscription. Paid subscriptions are
// created at the gateway first; the local record is committed only when
// the gateway accepted the first charge.
func (s *Service) Subscribe(ctx context.Context, req SubscribeRequest) (*billing.Subscription, error) {
	plan, err := s.plan(ctx, req.AppID, req.PlanID)
	if err != nil {
		return nil, err
	}
	if !plan.Active {
		return nil, billing.NewValidationError("plan_id", "plan %s is not available for new subscriptions", plan.ID)
	}
	if req.Trial && plan.TrialDays <= 0 {
		return nil, billing.NewValidationError("trial", "plan %s has no trial", plan.ID)
	}

	unlock, err := s.lock(ctx, req.TenantID, req.AppID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	var (
		sub    *billing.Subscription
		change *entitlements.Change
	)
	err = s.store.WithTx(ctx, func(tx storage.Tx) error {
		cur, err := tx.GetCurrentSubscriptionForUpdate(ctx, req.TenantID, req.AppID)
		switch {
		case err == nil && !cur.Status.IsTerminal():
			return &billing.ConflictError{
				Entity:  "subscription",
				Message: fmt.Sprintf("tenant %s already has a %s subscription to %s", req.TenantID, cur.Status, req.AppID),
			}
		case err != nil && !billing.IsNotFound(err):
			return err
		}

		now := s.now().UTC()
		if req.Trial {
			sub, err = billing.NewTrial(req.TenantID, req.AppID, plan.ID, plan.TrialDays, now)
		} else {
			sub, err = s.openPaid(ctx, req, plan, now)
		}
		if err != nil {
			return err
		}
		if err := tx.InsertSubscription(ctx, sub); err != nil {
			return err
		}
		change, err = s.entitlements.Sync(ctx, tx, sub)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.log.WithFields(logrus.Fields{
		"tenant_id": sub.TenantID, "app_id": sub.AppID, "plan_id": sub.PlanID, "status": sub.Status,
	}).Info("subscription created")
	s.afterCommit(ctx, sub, change)
	return sub, nil
}

func (s *Service) openPaid(ctx context.Context, req SubscribeRequest, plan *catalog.Plan, now time.Time) (*billing.Subscription, error) {
	sub, err := billing.NewPaid(req.TenantID, req.AppID, plan.ID, req.Quantity, plan.Interval, now)
	if err != nil {
		return nil, err
	}

	gctx, cancel := context.WithTimeout(ctx, s.config.GatewayTimeout)
	defer cancel()
	customerRef, err := s.gateway.EnsureCustomer(gctx, req.TenantID, req.CustomerRef)
	if err != nil {
		return nil, err
	}
	gs, err := s.gateway.CreateSubscription(gctx, billing.GatewaySubscriptionRequest{
		TenantID:    req.TenantID,
		AppID:       req.AppID,
		PlanID:      plan.ID,
		CustomerRef: customerRef,
		PriceRef:    plan.PriceRef,
		Quantity:    sub.Quantity,
	})
	if err != nil {
		return nil, err
	}
	sub.ExternalRef = gs.ExternalRef
	sub.CustomerRef = gs.CustomerRef
	if sub.CustomerRef == "" {
		sub.CustomerRef = customerRef
	}

	if billing.MapProcessorStatus(gs.Status, false) == billing.StatusActive {
		if err := billing.ConfirmPayment(sub, plan.Interval, now); err != nil {
			return nil, err
		}
		if !gs.PeriodEnd.IsZero() {
			sub.CurrentPeriodStart = gs.PeriodStart
			sub.CurrentPeriodEnd = gs.PeriodEnd
		}
	}
	return sub, nil
}

// Preview computes what ChangePlan would charge without changing anything.
func (s *Service) Preview(ctx context.Context, req ChangeRequest) (*billing.ProrationPreview, error) {
	sub, err := s.store.GetCurrentSubscription(ctx, req.TenantID, req.AppID)
	if err != nil {
		return nil, err
	}
	_, preview, err := s.preview(ctx, sub, req)
	return preview, err
}

func (s *Service) preview(ctx context.Context, sub *billing.Subscription, req ChangeRequest) (*catalog.Plan, *billing.ProrationPreview, error) {
	if sub.Status.IsTerminal() {
		return nil, nil, billing.ErrTerminal
	}
	from, err := s.plan(ctx, sub.AppID, sub.PlanID)
	if err != nil {
		return nil, nil, err
	}
	to, err := s.plan(ctx, req.AppID, req.PlanID)
	if err != nil {
		return nil, nil, err
	}
	preview, err := billing.PreviewChange(sub, from.Price(), to.Price(), req.Quantity, s.now().UTC())
	if err != nil {
		return nil, nil, err
	}
	return to, preview, nil
}

// ChangePlan moves the subscription to another plan. Upgrades apply now
// and charge the prorated difference; downgrades are recorded as pending
// and applied at rollover, leaving entitlements unchanged until then.
func (s *Service) ChangePlan(ctx context.Context, req ChangeRequest) (*ChangeResult, error) {
	var preview *billing.ProrationPreview
	sub, err := s.mutate(ctx, req.TenantID, req.AppID, func(ctx context.Context, sub *billing.Subscription) error {
		to, p, err := s.preview(ctx, sub, req)
		if err != nil {
			return err
		}
		preview = p
		qty := req.Quantity
		if qty <= 0 {
			qty = sub.Quantity
		}
		if err := billing.ChangePlan(sub, to.ID, qty, to.Interval, p.Effective, s.now().UTC()); err != nil {
			return err
		}
		if sub.ExternalRef == "" {
			return nil
		}
		gctx, cancel := context.WithTimeout(ctx, s.config.GatewayTimeout)
		defer cancel()
		_, err = s.gateway.ChangeSubscription(gctx, sub.ExternalRef, billing.GatewayChangeRequest{
			PlanID:         to.ID,
			PriceRef:       to.PriceRef,
			Quantity:       qty,
			Effective:      p.Effective,
			ProrationCents: p.AmountDueCents,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return &ChangeResult{Subscription: sub, Preview: preview}, nil
}

// Cancel ends the subscription now or at the end of the current period.
func (s *Service) Cancel(ctx context.Context, tenantID, appID string, immediate bool) (*billing.Subscription, error) {
	return s.mutate(ctx, tenantID, appID, func(ctx context.Context, sub *billing.Subscription) error {
		if err := billing.Cancel(sub, immediate, s.now().UTC()); err != nil {
			return err
		}
		if sub.ExternalRef == "" {
			return nil
		}
		gctx, cancel := context.WithTimeout(ctx, s.config.GatewayTimeout)
		defer cancel()
		return s.gateway.CancelSubscription(gctx, sub.ExternalRef, !immediate)
	})
}

// Reactivate undoes a deferred cancel while the period is still running.
func (s *Service) Reactivate(ctx context.Context, tenantID, appID string) (*billing.Subscription, error) {
	return s.mutate(ctx, tenantID, appID, func(ctx context.Context, sub *billing.Subscription) error {
		if err := billing.Reactivate(sub, s.now().UTC()); err != nil {
			return err
		}
		if sub.ExternalRef == "" {
			return nil
		}
		gctx, cancel := context.WithTimeout(ctx, s.config.GatewayTimeout)
		defer cancel()
		return s.gateway.ResumeSubscription(gctx, sub.ExternalRef)
	})
}

// mutate runs fn on the current subscription of (tenant, app) under the
// slot lock and in one transaction. Entitlements are resynchronized when
// the status or plan changed.
func (s *Service) mutate(ctx context.Context, tenantID, appID string, fn func(ctx context.Context, sub *billing.Subscription) error) (*billing.Subscription, error) {
	unlock, err := s.lock(ctx, tenantID, appID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	var (
		sub    *billing.Subscription
		change *entitlements.Change
	)
	err = s.store.WithTx(ctx, func(tx storage.Tx) error {
		cur, err := tx.GetCurrentSubscriptionForUpdate(ctx, tenantID, appID)
		if err != nil {
			return err
		}
		before := cur.Clone()
		if err := fn(ctx, cur); err != nil {
			return err
		}
		if cur.Status != before.Status || cur.PlanID != before.PlanID {
			if change, err = s.entitlements.Sync(ctx, tx, cur); err != nil {
				return err
			}
		}
		if err := tx.UpdateSubscription(ctx, cur); err != nil {
			return err
		}
		sub = cur
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.WithFields(logrus.Fields{
		"subscription_id": sub.ID, "plan_id": sub.PlanID, "pending_plan_id": sub.PendingPlanID, "status": sub.Status,
	}).Info("subscription updated")
	s.afterCommit(ctx, sub, change)
	return sub, nil
}

// RolloverDue closes the elapsed periods of up to limit locally managed
// subscriptions and returns how many changed.
func (s *Service) RolloverDue(ctx context.Context, limit int) (int, error) {
	due, err := s.store.ListDueSubscriptions(ctx, s.now().UTC(), limit)
	if err != nil {
		return 0, fmt.Errorf("failed to list due subscriptions: %w", err)
	}
	rolled := 0
	for _, d := range due {
		if err := ctx.Err(); err != nil {
			return rolled, err
		}
		action, err := s.rollover(ctx, d)
		if err != nil {
			s.log.WithError(err).WithField("subscription_id", d.ID).Warn("rollover failed")
			continue
		}
		if action != billing.RolloverNone {
			rolled++
		}
	}
	return rolled, nil
}

func (s *Service) rollover(ctx context.Context, due *billing.Subscription) (billing.RolloverAction, error) {
	unlock, err := s.lock(ctx, due.TenantID, due.AppID)
	if err != nil {
		return billing.RolloverNone, err
	}
	defer unlock()

	var (
		sub    *billing.Subscription
		action = billing.RolloverNone
		change *entitlements.Change
	)
	err = s.store.WithTx(ctx, func(tx storage.Tx) error {
		var err error
		sub, err = tx.GetSubscriptionForUpdate(ctx, due.ID)
		if err != nil {
			return err
		}
		next := sub.PlanID
		if sub.PendingPlanID != "" {
			next = sub.PendingPlanID
		}
		plan, err := s.plan(ctx, sub.AppID, next)
		if err != nil {
			return err
		}
		if action, err = billing.Rollover(sub, plan.Interval, s.now().UTC()); err != nil || action == billing.RolloverNone {
			return err
		}
		if change, err = s.entitlements.Sync(ctx, tx, sub); err != nil {
			return err
		}
		return tx.UpdateSubscription(ctx, sub)
	})
	if err != nil || action == billing.RolloverNone {
		return action, err
	}

	s.log.WithFields(logrus.Fields{"subscription_id": sub.ID, "action": action, "status": sub.Status}).Info("subscription rolled over")
	s.afterCommit(ctx, sub, change)
	return action, nil
}

func (s *Service) plan(ctx context.Context, appID, planID string) (*catalog.Plan, error) {
	if planID == "" {
		return nil, billing.NewValidationError("plan_id", "is required")
	}
	plan, err := s.catalog.GetPlan(ctx, planID)
	if err != nil {
		return nil, err
	}
	if plan.AppID != appID {
		return nil, billing.NewValidationError("plan_id", "plan %s belongs to app %s, not %s", plan.ID, plan.AppID, appID)
	}
	return plan, nil
}

func (s *Service) lock(ctx context.Context, tenantID, appID string) (lock.Unlock, error) {
	if tenantID == "" || appID == "" {
		return nil, billing.NewValidationError("tenant_id", "tenant and app are required")
	}
	key := billing.SubscriptionKey(tenantID, appID)
	lctx, cancel := context.WithTimeout(ctx, s.config.LockTimeout)
	defer cancel()
	unlock, err := s.locker.Lock(lctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to lock %s: %w", key, err)
	}
	return unlock, nil
}

func (s *Service) afterCommit(ctx context.Context, sub *billing.Subscription, change *entitlements.Change) {
	ctx = context.WithoutCancel(ctx)
	if change != nil {
		pctx, cancel := context.WithTimeout(ctx, s.config.PublishTimeout)
		s.entitlements.Publish(pctx, change)
		cancel()
	}
	if s.notifier == nil {
		return
	}
	nctx, cancel := context.WithTimeout(ctx, s.config.NotifyTimeout)
	defer cancel()
	if err := s.notifier.SubscriptionChanged(nctx, sub, change); err != nil {
		s.log.WithError(err).WithField("subscription_id", sub.ID).Warn("failed to dispatch notification")
	}
}
