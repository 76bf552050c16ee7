package billing

import (
	"strings"
	"time"
)

// Status represents the lifecycle state of a subscription
type Status string

const (
	StatusTrialing          Status = "trialing"
	StatusActive            Status = "active"
	StatusPastDue           Status = "past_due"
	StatusUnpaid            Status = "unpaid"
	StatusIncomplete        Status = "incomplete"
	StatusIncompleteExpired Status = "incomplete_expired"
	StatusCanceledPending   Status = "canceled_pending"
	StatusCanceled          Status = "canceled"
)

// AllStatuses lists every subscription status.
var AllStatuses = []Status{
	StatusTrialing,
	StatusActive,
	StatusPastDue,
	StatusUnpaid,
	StatusIncomplete,
	StatusIncompleteExpired,
	StatusCanceledPending,
	StatusCanceled,
}

// IsTerminal reports whether no further transitions are possible.
func (s Status) IsTerminal() bool {
	return s == StatusCanceled || s == StatusIncompleteExpired
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	for _, known := range AllStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// GrantsAccess reports whether entitlements must be active in this status.
func (s Status) GrantsAccess() bool {
	switch s {
	case StatusActive, StatusTrialing, StatusCanceledPending:
		return true
	}
	return false
}

// RevokesAccess reports whether entitlements must be removed in this status.
// PastDue and Incomplete are neither granting nor revoking: existing grants
// are left as they are.
func (s Status) RevokesAccess() bool {
	switch s {
	case StatusCanceled, StatusUnpaid, StatusIncompleteExpired:
		return true
	}
	return false
}

// Interval is a billing period length.
type Interval string

const (
	IntervalDay   Interval = "day"
	IntervalWeek  Interval = "week"
	IntervalMonth Interval = "month"
	IntervalYear  Interval = "year"
)

// Valid reports whether i is a known interval.
func (i Interval) Valid() bool {
	switch i {
	case IntervalDay, IntervalWeek, IntervalMonth, IntervalYear:
		return true
	}
	return false
}

// Next returns the end of a period starting at t.
func (i Interval) Next(t time.Time) time.Time {
	switch i {
	case IntervalDay:
		return t.AddDate(0, 0, 1)
	case IntervalWeek:
		return t.AddDate(0, 0, 7)
	case IntervalYear:
		return t.AddDate(1, 0, 0)
	default:
		return t.AddDate(0, 1, 0)
	}
}

// Price is the recurring price of a plan.
type Price struct {
	AmountCents int64    `json:"amount_cents"`
	Currency    string   `json:"currency"`
	Interval    Interval `json:"interval"`
}

// Subscription binds a tenant to a plan for an app.
type Subscription struct {
	ID                 string     `json:"id"`
	TenantID           string     `json:"tenant_id"`
	AppID              string     `json:"app_id"`
	PlanID             string     `json:"plan_id"`
	PendingPlanID      string     `json:"pending_plan_id,omitempty"`
	PendingQuantity    int64      `json:"pending_quantity,omitempty"`
	Status             Status     `json:"status"`
	Quantity           int64      `json:"quantity"`
	CurrentPeriodStart time.Time  `json:"current_period_start"`
	CurrentPeriodEnd   time.Time  `json:"current_period_end"`
	TrialEnd           *time.Time `json:"trial_end,omitempty"`
	CancelAtPeriodEnd  bool       `json:"cancel_at_period_end"`
	CanceledAt         *time.Time `json:"canceled_at,omitempty"`
	ExternalRef        string     `json:"external_ref,omitempty"`
	CustomerRef        string     `json:"customer_ref,omitempty"`
	LastEventAt        *time.Time `json:"last_event_at,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// Key returns the (tenant, app) pair that identifies the subscription slot.
func (s *Subscription) Key() string {
	return SubscriptionKey(s.TenantID, s.AppID)
}

// SubscriptionKey joins a tenant and app into a lock and cache key.
func SubscriptionKey(tenantID, appID string) string {
	return tenantID + "/" + appID
}

// Clone returns a deep copy.
func (s *Subscription) Clone() *Subscription {
	if s == nil {
		return nil
	}
	c := *s
	c.TrialEnd = cloneTime(s.TrialEnd)
	c.CanceledAt = cloneTime(s.CanceledAt)
	c.LastEventAt = cloneTime(s.LastEventAt)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// Effective says when a plan change takes effect.
type Effective string

const (
	EffectiveImmediate Effective = "immediate"
	EffectivePeriodEnd Effective = "period_end"
)

// ExternalState is the processor's view of a subscription carried by an
// inbound event. KeepCancelAtPeriodEnd marks events that do not carry the
// cancel flag (invoices); the stored flag then stands.
type ExternalState struct {
	Status                string
	PlanID                string
	Quantity              int64
	CancelAtPeriodEnd     bool
	KeepCancelAtPeriodEnd bool
	PeriodStart       time.Time
	PeriodEnd         time.Time
	TrialEnd          *time.Time
	OccurredAt        time.Time
}

// MapProcessorStatus maps a processor status string onto Status. Unknown
// values fail closed to Unpaid so no access is granted.
func MapProcessorStatus(raw string, cancelAtPeriodEnd bool) Status {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "active":
		if cancelAtPeriodEnd {
			return StatusCanceledPending
		}
		return StatusActive
	case "trialing":
		if cancelAtPeriodEnd {
			return StatusCanceledPending
		}
		return StatusTrialing
	case "past_due":
		return StatusPastDue
	case "unpaid", "paused":
		return StatusUnpaid
	case "incomplete":
		return StatusIncomplete
	case "incomplete_expired":
		return StatusIncompleteExpired
	case "canceled", "cancelled":
		return StatusCanceled
	case "canceled_pending":
		return StatusCanceledPending
	default:
		return StatusUnpaid
	}
}
