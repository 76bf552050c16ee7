package notify

import (
	"time"

	"github.com/google/uuid"

	"github.com/platinummonkey/appgrant/pkg/billing"
	"github.com/platinummonkey/appgrant/pkg/entitlements"
	"github.com/platinummonkey/appgrant/pkg/usage"
)

// EventType represents the type of notification
type EventType string

const (
	EventUsageWarning        EventType = "usage.warning"
	EventUsageCritical       EventType = "usage.critical"
	EventSubscriptionChanged EventType = "subscription.changed"
	EventSubscriptionEnded   EventType = "subscription.ended"
	EventTrialWillEnd        EventType = "subscription.trial_will_end"
)

// Event is one outbound notification.
type Event struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	TenantID  string         `json:"tenant_id"`
	AppID     string         `json:"app_id,omitempty"`
	Data      map[string]any `json:"data"`
}

func newEvent(t EventType, tenantID, appID string, now time.Time) *Event {
	return &Event{
		ID:        uuid.NewString(),
		Type:      t,
		Timestamp: now.UTC(),
		TenantID:  tenantID,
		AppID:     appID,
		Data:      make(map[string]any),
	}
}

// UsageEvent builds the event for a threshold alert.
func UsageEvent(a usage.Alert) *Event {
	t := EventUsageWarning
	if a.Level == usage.LevelCritical {
		t = EventUsageCritical
	}
	e := newEvent(t, a.TenantID, "", a.At)
	e.Data["resource"] = a.ResourceKey
	e.Data["count"] = a.Count
	e.Data["limit"] = a.Limit
	e.Data["percent"] = a.Percent
	e.Data["period_id"] = a.PeriodID
	return e
}

// SubscriptionEvent builds the event for a committed subscription change.
// change may be nil when entitlements were left as they were.
func SubscriptionEvent(sub *billing.Subscription, change *entitlements.Change, now time.Time) *Event {
	t := EventSubscriptionChanged
	if sub.Status.IsTerminal() {
		t = EventSubscriptionEnded
	}
	e := newEvent(t, sub.TenantID, sub.AppID, now)
	e.Data["subscription_id"] = sub.ID
	e.Data["status"] = string(sub.Status)
	e.Data["plan_id"] = sub.PlanID
	e.Data["current_period_end"] = sub.CurrentPeriodEnd
	if sub.PendingPlanID != "" {
		e.Data["pending_plan_id"] = sub.PendingPlanID
	}
	if change != nil && !change.Empty() {
		granted := make([]string, 0, len(change.Granted))
		for _, g := range change.Granted {
			granted = append(granted, g.FeatureKey)
		}
		e.Data["granted"] = granted
		e.Data["revoked"] = change.Revoked
	}
	return e
}

// TrialEndingEvent builds the reminder sent before a trial converts.
func TrialEndingEvent(sub *billing.Subscription, trialEnd time.Time, now time.Time) *Event {
	e := newEvent(EventTrialWillEnd, sub.TenantID, sub.AppID, now)
	e.Data["subscription_id"] = sub.ID
	e.Data["trial_end"] = trialEnd.UTC()
	return e
}
