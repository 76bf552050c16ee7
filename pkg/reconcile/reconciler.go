package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/platinummonkey/appgrant/pkg/billing"
	"github.com/platinummonkey/appgrant/pkg/catalog"
	"github.com/platinummonkey/appgrant/pkg/entitlements"
	"github.com/platinummonkey/appgrant/pkg/lock"
	"github.com/platinummonkey/appgrant/pkg/observability"
	"github.com/platinummonkey/appgrant/pkg/storage"
)

var tracer = otel.Tracer("github.com/platinummonkey/appgrant/pkg/reconcile")

// Notifier receives the notifications produced by applied events.
type Notifier interface {
	SubscriptionChanged(ctx context.Context, sub *billing.Subscription, change *entitlements.Change) error
	TrialWillEnd(ctx context.Context, sub *billing.Subscription, trialEnd time.Time) error
}

// Metrics observes finished ingests. outcome is a storage.Outcome,
// "duplicate", "retry" or "error".
type Metrics interface {
	EventIngested(eventType, outcome string, d time.Duration)
}

type nopMetrics struct{}

func (nopMetrics) EventIngested(string, string, time.Duration) {}

// Config bounds the calls an ingest makes.
type Config struct {
	LockTimeout    time.Duration
	PublishTimeout time.Duration
	NotifyTimeout  time.Duration
}

// DefaultConfig returns the default timeouts.
func DefaultConfig() Config {
	return Config{
		LockTimeout:    10 * time.Second,
		PublishTimeout: 5 * time.Second,
		NotifyTimeout:  5 * time.Second,
	}
}

// Result is the answer to Ingest.
type Result struct {
	EventID        string          `json:"event_id"`
	Outcome        storage.Outcome `json:"outcome"`
	SubscriptionID string          `json:"subscription_id,omitempty"`
	Status         billing.Status  `json:"status,omitempty"`
	Detail         string          `json:"detail,omitempty"`
	Duplicate      bool            `json:"duplicate"`
}

// Reconciler ingests processor events.
type Reconciler struct {
	store        storage.Store
	catalog      catalog.Catalog
	entitlements *entitlements.Store
	locker       lock.Locker
	notifier     Notifier
	metrics      Metrics
	config       Config
	log          logrus.FieldLogger
	now          func() time.Time
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithConfig overrides the default timeouts. Zero fields keep their default.
func WithConfig(c Config) Option {
	return func(r *Reconciler) {
		if c.LockTimeout > 0 {
			r.config.LockTimeout = c.LockTimeout
		}
		if c.PublishTimeout > 0 {
			r.config.PublishTimeout = c.PublishTimeout
		}
		if c.NotifyTimeout > 0 {
			r.config.NotifyTimeout = c.NotifyTimeout
		}
	}
}

// WithMetrics reports ingests to m.
func WithMetrics(m Metrics) Option {
	return func(r *Reconciler) { r.metrics = m }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) { r.now = now }
}

// New creates a Reconciler.
func New(store storage.Store, cat catalog.Catalog, ents *entitlements.Store, locker lock.Locker, notifier Notifier, log logrus.FieldLogger, opts ...Option) *Reconciler {
	if log == nil {
		log = logrus.New()
	}
	r := &Reconciler{
		store:        store,
		catalog:      cat,
		entitlements: ents,
		locker:       locker,
		notifier:     notifier,
		metrics:      nopMetrics{},
		config:       DefaultConfig(),
		log:          log.WithField("component", "reconcile"),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Ingest applies one verified event. A redelivered event returns the
// outcome recorded the first time without being applied again.
//
// Errors: *billing.ValidationError for malformed events (recorded as
// rejected), *billing.NotFoundError when the subscription is not known yet
// (nothing recorded, redeliver later) and wrapped storage errors.
func (r *Reconciler) Ingest(ctx context.Context, env Envelope) (res *Result, err error) {
	start := r.now()
	ctx, span := tracer.Start(ctx, "Reconciler.Ingest", trace.WithAttributes(
		attribute.String("event.id", env.EventID),
		attribute.String("event.type", env.EventType),
		attribute.String("tenant.id", env.Object.TenantID),
	))
	defer func() {
		outcome := "error"
		if res != nil {
			outcome = string(res.Outcome)
			if res.Duplicate {
				outcome = "duplicate"
			}
			span.SetAttributes(attribute.String("event.outcome", string(res.Outcome)))
		} else if billing.IsRetryable(err) {
			outcome = "retry"
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		r.metrics.EventIngested(env.EventType, outcome, r.now().Sub(start))
		span.End()
	}()

	if env.EventID == "" {
		return nil, billing.NewValidationError("event_id", "is required")
	}
	prev, err := r.store.GetProcessedEvent(ctx, env.EventID)
	if err == nil {
		return duplicate(prev)
	}
	if !billing.IsNotFound(err) {
		return nil, fmt.Errorf("failed to look up event %s: %w", env.EventID, err)
	}

	payload, err := Decode(env)
	switch {
	case errors.Is(err, ErrUnknownEventType):
		return r.record(ctx, env, storage.OutcomeIgnored, "unhandled event type "+env.EventType, nil)
	case err != nil:
		return r.record(ctx, env, storage.OutcomeRejected, err.Error(), err)
	}
	return r.apply(ctx, env, payload)
}

// outcome is what the transaction decided.
type outcome struct {
	event    *storage.ProcessedEvent
	sub      *billing.Subscription
	before   billing.Status
	change   *entitlements.Change
	trialEnd *time.Time
	dup      bool
	cause    error
}

func (r *Reconciler) apply(ctx context.Context, env Envelope, p Payload) (*Result, error) {
	o := p.object()
	plan, err := r.resolvePlan(ctx, o)
	if billing.IsValidation(err) {
		return r.record(ctx, env, storage.OutcomeRejected, err.Error(), err)
	}
	if err != nil {
		return nil, err
	}
	appID := o.AppID
	if appID == "" && plan != nil {
		appID = plan.AppID
	}
	if appID == "" {
		verr := billing.NewValidationError("object.app_id", "is required when no plan is referenced")
		return r.record(ctx, env, storage.OutcomeRejected, verr.Error(), verr)
	}
	if plan != nil && plan.AppID != appID {
		verr := billing.NewValidationError("object.plan_reference", "plan %s belongs to app %s, not %s", plan.ID, plan.AppID, appID)
		return r.record(ctx, env, storage.OutcomeRejected, verr.Error(), verr)
	}

	key := billing.SubscriptionKey(o.TenantID, appID)
	lockCtx, cancel := context.WithTimeout(ctx, r.config.LockTimeout)
	unlock, err := r.locker.Lock(lockCtx, key)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("failed to lock %s: %w", key, err)
	}
	defer unlock()

	var out *outcome
	err = r.store.WithTx(ctx, func(tx storage.Tx) error {
		var err error
		out, err = r.process(ctx, tx, env, p, plan, appID)
		return err
	})
	if billing.IsConflict(err) {
		// Another node recorded the event between the pre-check and commit.
		if prev, gerr := r.store.GetProcessedEvent(ctx, env.EventID); gerr == nil {
			return duplicate(prev)
		}
	}
	if err != nil {
		return nil, err
	}
	if out.dup {
		return duplicate(out.event)
	}

	r.afterCommit(ctx, out)
	return resultOf(out.event, out.sub, false), out.cause
}

func (r *Reconciler) process(ctx context.Context, tx storage.Tx, env Envelope, p Payload, plan *catalog.Plan, appID string) (*outcome, error) {
	if prev, err := tx.GetProcessedEvent(ctx, env.EventID); err == nil {
		return &outcome{event: prev, dup: true}, nil
	} else if !billing.IsNotFound(err) {
		return nil, fmt.Errorf("failed to look up event %s: %w", env.EventID, err)
	}

	o := p.object()
	sub, err := r.load(ctx, tx, o, appID)
	if err != nil {
		return nil, err
	}
	now := r.now().UTC()
	out := &outcome{
		sub:    sub,
		before: sub.Status,
		event: &storage.ProcessedEvent{
			EventID:        env.EventID,
			EventType:      env.EventType,
			ProcessedAt:    now,
			SubscriptionID: sub.ID,
		},
	}

	if sub.TenantID != o.TenantID || sub.AppID != appID {
		out.cause = billing.NewValidationError("object.tenant_id",
			"subscription %s belongs to %s, not %s", o.SubscriptionReference, sub.Key(), billing.SubscriptionKey(o.TenantID, appID))
		out.reject(out.cause.Error())
		return out, r.insertEvent(ctx, tx, out.event)
	}

	if _, ok := p.(TrialWillEnd); ok {
		out.trialEnd = o.TrialEnd
		if out.trialEnd == nil {
			out.trialEnd = sub.TrialEnd
		}
		out.event.Outcome = storage.OutcomeApplied
		return out, r.insertEvent(ctx, tx, out.event)
	}

	planID := ""
	if plan != nil {
		planID = plan.ID
	}
	var occurredAt time.Time
	if env.OccurredAt != nil {
		occurredAt = *env.OccurredAt
	}
	ext, ok := externalState(p, planID, occurredAt)
	if !ok {
		out.event.Outcome = storage.OutcomeIgnored
		out.event.Detail = fmt.Sprintf("%s carries no subscription state", env.EventType)
		return out, r.insertEvent(ctx, tx, out.event)
	}

	result, err := billing.ExternalSync(sub, ext, now)
	switch {
	case errors.Is(err, billing.ErrTerminal):
		out.event.Outcome = storage.OutcomeStale
		out.event.Detail = fmt.Sprintf("subscription is %s", sub.Status)
	case billing.IsValidation(err):
		out.cause = err
		out.reject(err.Error())
	case err != nil:
		return nil, err
	case result == billing.SyncStale:
		out.event.Outcome = storage.OutcomeStale
		out.event.Detail = fmt.Sprintf("period end %s is not newer than %s",
			ext.PeriodEnd.UTC().Format(time.RFC3339), sub.CurrentPeriodEnd.UTC().Format(time.RFC3339))
	default:
		if sub.ExternalRef == "" {
			sub.ExternalRef = o.SubscriptionReference
		}
		change, err := r.entitlements.Sync(ctx, tx, sub)
		if err != nil {
			return nil, fmt.Errorf("failed to sync entitlements: %w", err)
		}
		if err := tx.UpdateSubscription(ctx, sub); err != nil {
			return nil, fmt.Errorf("failed to update subscription %s: %w", sub.ID, err)
		}
		out.change = change
		out.event.Outcome = storage.OutcomeApplied
	}
	if out.event.Outcome != storage.OutcomeApplied {
		r.log.WithFields(logrus.Fields{
			"event_id":        env.EventID,
			"subscription_id": sub.ID,
			"outcome":         out.event.Outcome,
		}).Info(out.event.Detail)
	}
	return out, r.insertEvent(ctx, tx, out.event)
}

func (o *outcome) reject(detail string) {
	o.event.Outcome = storage.OutcomeRejected
	o.event.Detail = detail
}

// load finds the subscription an event refers to: by external reference,
// then by (tenant, app) for a live subscription that has not been linked
// to the processor yet.
func (r *Reconciler) load(ctx context.Context, tx storage.Tx, o Object, appID string) (*billing.Subscription, error) {
	sub, err := tx.GetSubscriptionByExternalRefForUpdate(ctx, o.SubscriptionReference)
	if err == nil {
		return sub, nil
	}
	if !billing.IsNotFound(err) {
		return nil, fmt.Errorf("failed to load subscription %s: %w", o.SubscriptionReference, err)
	}

	sub, err = tx.GetCurrentSubscriptionForUpdate(ctx, o.TenantID, appID)
	if err != nil && !billing.IsNotFound(err) {
		return nil, fmt.Errorf("failed to load subscription of %s: %w", billing.SubscriptionKey(o.TenantID, appID), err)
	}
	if err == nil && sub.ExternalRef == "" && !sub.Status.IsTerminal() {
		return sub, nil
	}
	return nil, &billing.NotFoundError{Entity: "subscription", ID: o.SubscriptionReference}
}

func (r *Reconciler) resolvePlan(ctx context.Context, o Object) (*catalog.Plan, error) {
	if o.PlanReference == "" {
		return nil, nil
	}
	plan, err := r.catalog.GetPlan(ctx, o.PlanReference)
	if billing.IsNotFound(err) {
		return nil, billing.NewValidationError("object.plan_reference", "unknown plan %s", o.PlanReference)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve plan %s: %w", o.PlanReference, err)
	}
	return plan, nil
}

func (r *Reconciler) insertEvent(ctx context.Context, tx storage.Tx, ev *storage.ProcessedEvent) error {
	if err := tx.InsertProcessedEvent(ctx, ev); err != nil {
		return fmt.Errorf("failed to record event %s: %w", ev.EventID, err)
	}
	return nil
}

// record stores an outcome for an event that did not reach a subscription.
func (r *Reconciler) record(ctx context.Context, env Envelope, oc storage.Outcome, detail string, cause error) (*Result, error) {
	ev := &storage.ProcessedEvent{
		EventID:     env.EventID,
		EventType:   env.EventType,
		ProcessedAt: r.now().UTC(),
		Outcome:     oc,
		Detail:      detail,
	}
	err := r.store.WithTx(ctx, func(tx storage.Tx) error { return r.insertEvent(ctx, tx, ev) })
	if billing.IsConflict(err) {
		if prev, gerr := r.store.GetProcessedEvent(ctx, env.EventID); gerr == nil {
			return duplicate(prev)
		}
	}
	if err != nil {
		return nil, err
	}
	observability.WithTraceContext(ctx, r.log).WithFields(logrus.Fields{
		"event_id": env.EventID, "event_type": env.EventType, "outcome": oc,
	}).Info(detail)
	return resultOf(ev, nil, false), cause
}

// afterCommit publishes the entitlement change and dispatches
// notifications. Both are bounded and only logged on failure.
func (r *Reconciler) afterCommit(ctx context.Context, out *outcome) {
	ctx = context.WithoutCancel(ctx)
	log := observability.WithTraceContext(ctx, r.log).WithFields(logrus.Fields{
		"event_id": out.event.EventID, "subscription_id": out.sub.ID,
	})

	if out.change != nil {
		pctx, cancel := context.WithTimeout(ctx, r.config.PublishTimeout)
		r.entitlements.Publish(pctx, out.change)
		cancel()
	}
	if r.notifier == nil || out.event.Outcome != storage.OutcomeApplied {
		return
	}

	nctx, cancel := context.WithTimeout(ctx, r.config.NotifyTimeout)
	defer cancel()
	var err error
	switch {
	case out.trialEnd != nil:
		err = r.notifier.TrialWillEnd(nctx, out.sub, *out.trialEnd)
	case out.sub.Status != out.before || (out.change != nil && !out.change.Empty()):
		err = r.notifier.SubscriptionChanged(nctx, out.sub, out.change)
	}
	if err != nil {
		log.WithError(err).Warn("failed to dispatch notification")
	}
}

const validationPrefix = "validation failed: "

// duplicate answers a redelivery. Events rejected as malformed fail again
// with a validation error; other outcomes succeed.
func duplicate(prev *storage.ProcessedEvent) (*Result, error) {
	res := resultOf(prev, nil, true)
	if prev.Outcome == storage.OutcomeRejected && strings.HasPrefix(prev.Detail, validationPrefix) {
		return res, &billing.ValidationError{Field: "event", Message: strings.TrimPrefix(prev.Detail, validationPrefix)}
	}
	return res, nil
}

func resultOf(ev *storage.ProcessedEvent, sub *billing.Subscription, dup bool) *Result {
	res := &Result{
		EventID:        ev.EventID,
		Outcome:        ev.Outcome,
		SubscriptionID: ev.SubscriptionID,
		Detail:         ev.Detail,
		Duplicate:      dup,
	}
	if sub != nil {
		res.Status = sub.Status
	}
	return res
}
