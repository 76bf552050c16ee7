package billing

import (
	"context"
	"time"
)

// PaymentGateway is the outbound port to the payment processor.
type PaymentGateway interface {
	// EnsureCustomer returns the processor customer for a tenant, creating
	// it when customerRef is empty.
	EnsureCustomer(ctx context.Context, tenantID, customerRef string) (string, error)
	// CreateSubscription opens a processor subscription and charges the
	// first period unless a trial is requested.
	CreateSubscription(ctx context.Context, req GatewaySubscriptionRequest) (*GatewaySubscription, error)
	// ChangeSubscription moves the processor subscription to a new price.
	// ProrationCents is charged immediately when positive.
	ChangeSubscription(ctx context.Context, externalRef string, req GatewayChangeRequest) (*GatewaySubscription, error)
	// CancelSubscription cancels now or flags cancel at period end.
	CancelSubscription(ctx context.Context, externalRef string, atPeriodEnd bool) error
	// ResumeSubscription clears a pending cancel.
	ResumeSubscription(ctx context.Context, externalRef string) error
}

// GatewaySubscriptionRequest describes a new processor subscription.
type GatewaySubscriptionRequest struct {
	TenantID    string
	AppID       string
	PlanID      string
	CustomerRef string
	PriceRef    string
	Quantity    int64
	TrialDays   int
}

// GatewayChangeRequest describes a plan change at the processor.
type GatewayChangeRequest struct {
	PlanID         string
	PriceRef       string
	Quantity       int64
	Effective      Effective
	ProrationCents int64
}

// GatewaySubscription is the processor's answer to a create or change.
type GatewaySubscription struct {
	ExternalRef string
	CustomerRef string
	Status      string
	PeriodStart time.Time
	PeriodEnd   time.Time
}

// LocalGateway is used when no processor is configured. Subscriptions it
// creates carry no external reference and are rolled over locally.
type LocalGateway struct{}

func (LocalGateway) EnsureCustomer(_ context.Context, tenantID, customerRef string) (string, error) {
	return customerRef, nil
}

func (LocalGateway) CreateSubscription(_ context.Context, _ GatewaySubscriptionRequest) (*GatewaySubscription, error) {
	return &GatewaySubscription{Status: string(StatusActive)}, nil
}

func (LocalGateway) ChangeSubscription(_ context.Context, _ string, _ GatewayChangeRequest) (*GatewaySubscription, error) {
	return &GatewaySubscription{Status: string(StatusActive)}, nil
}

func (LocalGateway) CancelSubscription(context.Context, string, bool) error { return nil }

func (LocalGateway) ResumeSubscription(context.Context, string) error { return nil }
