package storage

import (
	"context"
	"time"

	"github.com/platinummonkey/appgrant/pkg/billing"
	"github.com/platinummonkey/appgrant/pkg/entitlements"
)

// Outcome is how an inbound event was handled.
type Outcome string

const (
	OutcomeApplied  Outcome = "applied"
	OutcomeStale    Outcome = "stale"
	OutcomeIgnored  Outcome = "ignored"
	OutcomeRejected Outcome = "rejected"
)

// ProcessedEvent records an event that must not be processed again.
type ProcessedEvent struct {
	EventID        string    `json:"event_id"`
	EventType      string    `json:"event_type"`
	ProcessedAt    time.Time `json:"processed_at"`
	Outcome        Outcome   `json:"outcome"`
	SubscriptionID string    `json:"subscription_id,omitempty"`
	Detail         string    `json:"detail,omitempty"`
}

// EventLog reads and writes processed events.
type EventLog interface {
	// GetProcessedEvent returns *billing.NotFoundError for unknown ids.
	GetProcessedEvent(ctx context.Context, eventID string) (*ProcessedEvent, error)
}

// SubscriptionReader reads committed subscriptions.
type SubscriptionReader interface {
	GetSubscription(ctx context.Context, id string) (*billing.Subscription, error)
	// GetCurrentSubscription returns the non-terminal subscription of
	// (tenant, app), or the most recent terminal one when none is live.
	GetCurrentSubscription(ctx context.Context, tenantID, appID string) (*billing.Subscription, error)
	ListSubscriptions(ctx context.Context, tenantID string) ([]*billing.Subscription, error)
	// ListDueSubscriptions returns locally managed, non-terminal subscriptions
	// whose period ended at or before now.
	ListDueSubscriptions(ctx context.Context, now time.Time, limit int) ([]*billing.Subscription, error)
}

// Tx is the unit of work every subscription transition runs in. Reads with
// a ForUpdate suffix lock the row until the transaction ends.
type Tx interface {
	entitlements.Repository
	EventLog

	// InsertProcessedEvent returns *billing.ConflictError when the id exists.
	InsertProcessedEvent(ctx context.Context, ev *ProcessedEvent) error

	GetSubscriptionForUpdate(ctx context.Context, id string) (*billing.Subscription, error)
	GetSubscriptionByExternalRefForUpdate(ctx context.Context, ref string) (*billing.Subscription, error)
	GetCurrentSubscriptionForUpdate(ctx context.Context, tenantID, appID string) (*billing.Subscription, error)
	// InsertSubscription returns *billing.ConflictError when (tenant, app)
	// already has a non-terminal subscription.
	InsertSubscription(ctx context.Context, sub *billing.Subscription) error
	UpdateSubscription(ctx context.Context, sub *billing.Subscription) error
}

// Store is the persistence boundary of the service.
type Store interface {
	EventLog
	SubscriptionReader
	entitlements.Reader

	// WithTx runs fn in a transaction, committing when fn returns nil.
	WithTx(ctx context.Context, fn func(tx Tx) error) error
	HealthCheck(ctx context.Context) error
	Close() error
}
