package usage

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/appgrant/pkg/billing"
)

// Meter enforces quotas on top of a Store and raises threshold alerts.
type Meter struct {
	store        Store
	alerts       AlertSink
	alertTimeout time.Duration
	log          logrus.FieldLogger
	now          func() time.Time
}

// MeterOption customizes a Meter.
type MeterOption func(*Meter)

// WithAlertSink sets where threshold alerts go.
func WithAlertSink(sink AlertSink) MeterOption {
	return func(m *Meter) { m.alerts = sink }
}

// WithAlertTimeout bounds alert delivery.
func WithAlertTimeout(d time.Duration) MeterOption {
	return func(m *Meter) { m.alertTimeout = d }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) MeterOption {
	return func(m *Meter) { m.now = now }
}

// NewMeter creates a Meter over store.
func NewMeter(store Store, log logrus.FieldLogger, opts ...MeterOption) *Meter {
	if log == nil {
		log = logrus.New()
	}
	m := &Meter{
		store:        store,
		alertTimeout: 2 * time.Second,
		log:          log,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Increment adds amount to the tenant's counter for resource when the
// result stays within the limit. It returns *QuotaExceededError otherwise
// and leaves the counter unchanged. Crossing 80% raises a warning alert and
// reaching 100% a critical one.
func (m *Meter) Increment(ctx context.Context, tenantID, resource string, amount int64) (*Result, error) {
	if tenantID == "" || resource == "" {
		return nil, billing.NewValidationError("resource", "tenant and resource are required")
	}
	if amount <= 0 {
		return nil, billing.NewValidationError("amount", "must be positive, got %d", amount)
	}

	now := m.now()
	out, err := m.store.IncrementIfAllowed(ctx, tenantID, resource, amount, now)
	if err != nil {
		return nil, fmt.Errorf("failed to increment %s: %w", resource, err)
	}
	if !out.Provisioned {
		return nil, &QuotaExceededError{TenantID: tenantID, Resource: resource, Limit: 0, Requested: amount}
	}
	if !out.Applied {
		return nil, &QuotaExceededError{
			TenantID: tenantID, Resource: resource,
			Current: out.Count, Limit: out.Limit, Requested: amount,
		}
	}

	res := &Result{Count: out.Count, Limit: out.Limit}
	if out.Limit == Unlimited {
		res.Unlimited = true
		res.Remaining = Unlimited
		return res, nil
	}
	res.Remaining = out.Limit - out.Count

	if level, ok := crossedLevel(out.Count-amount, out.Count, out.Limit); ok {
		res.Alert = &Alert{
			TenantID:    tenantID,
			ResourceKey: resource,
			Level:       level,
			Count:       out.Count,
			Limit:       out.Limit,
			Percent:     percentOf(out.Count, out.Limit),
			PeriodID:    out.PeriodID,
			At:          now,
		}
		m.dispatch(ctx, *res.Alert)
	}
	return res, nil
}

// crossedLevel reports the highest threshold passed by moving from before to
// after.
func crossedLevel(before, after, limit int64) (Level, bool) {
	if limit <= 0 {
		return "", false
	}
	reached := func(count int64, pct int64) bool { return count*100 >= pct*limit }
	switch {
	case reached(after, CriticalThreshold) && !reached(before, CriticalThreshold):
		return LevelCritical, true
	case reached(after, WarningThreshold) && !reached(before, WarningThreshold):
		return LevelWarning, true
	}
	return "", false
}

func percentOf(count, limit int64) int {
	if limit <= 0 {
		return 0
	}
	return int(count * 100 / limit)
}

// dispatch delivers an alert with a bounded timeout detached from the
// caller's cancellation. Failures are logged only.
func (m *Meter) dispatch(ctx context.Context, alert Alert) {
	if m.alerts == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.alertTimeout)
	defer cancel()
	if err := m.alerts.UsageAlert(ctx, alert); err != nil {
		m.log.WithError(err).WithFields(logrus.Fields{
			"tenant_id": alert.TenantID,
			"resource":  alert.ResourceKey,
			"level":     alert.Level,
		}).Warn("usage alert delivery failed")
	}
}

// Current returns the counter for a resource.
func (m *Meter) Current(ctx context.Context, tenantID, resource string) (*Counter, error) {
	return m.store.Get(ctx, tenantID, resource)
}

// SetLimit provisions or updates the limit of a counter.
func (m *Meter) SetLimit(ctx context.Context, tenantID, resource string, limit int64, period Period) error {
	if limit < Unlimited {
		return billing.NewValidationError("limit", "invalid limit %d", limit)
	}
	return m.store.SetLimit(ctx, tenantID, resource, limit, period, m.now())
}

// ResetPeriod zeroes a counter and starts a new period.
func (m *Meter) ResetPeriod(ctx context.Context, tenantID, resource string) error {
	return m.store.Reset(ctx, tenantID, resource, m.now())
}

// ResetExpired zeroes every counter whose period has ended.
func (m *Meter) ResetExpired(ctx context.Context) (int64, error) {
	return m.store.ResetExpired(ctx, m.now())
}

// Analyze classifies every counter of a tenant.
func (m *Meter) Analyze(ctx context.Context, tenantID string) (*Analysis, error) {
	counters, err := m.store.List(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	used := make(map[string]int64, len(counters))
	limits := make(map[string]int64, len(counters))
	for _, c := range counters {
		used[c.ResourceKey] = c.Count
		limits[c.ResourceKey] = c.Limit
	}
	a := AnalyzeUsage(used, limits)
	return &a, nil
}
