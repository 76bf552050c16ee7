package api

import (
	"encoding/json"
	"errors"
	"time"

	stripe "github.com/stripe/stripe-go/v82"

	"github.com/platinummonkey/appgrant/pkg/billing"
	"github.com/platinummonkey/appgrant/pkg/reconcile"
)

// Metadata keys set on Stripe subscriptions by billing.StripeGateway.
const (
	metaTenantID = "tenant_id"
	metaAppID    = "app_id"
	metaPlanID   = "plan_id"
)

// errNoSubscription marks invoice events unrelated to a subscription.
var errNoSubscription = errors.New("invoice has no subscription")

// stripeSubscription is the part of a Stripe subscription object the
// reconciler needs. Newer API versions carry the period on the items.
type stripeSubscription struct {
	ID                 string            `json:"id"`
	Status             string            `json:"status"`
	CancelAtPeriodEnd  bool              `json:"cancel_at_period_end"`
	CurrentPeriodStart int64             `json:"current_period_start"`
	CurrentPeriodEnd   int64             `json:"current_period_end"`
	TrialEnd           int64             `json:"trial_end"`
	Metadata           map[string]string `json:"metadata"`
	Items              struct {
		Data []struct {
			Quantity           int64 `json:"quantity"`
			CurrentPeriodStart int64 `json:"current_period_start"`
			CurrentPeriodEnd   int64 `json:"current_period_end"`
			Price              struct {
				ID string `json:"id"`
			} `json:"price"`
		} `json:"data"`
	} `json:"items"`
}

type subscriptionDetails struct {
	Subscription string            `json:"subscription"`
	Metadata     map[string]string `json:"metadata"`
}

// stripeInvoice is the part of a Stripe invoice object the reconciler
// needs. The subscription reference moved under parent in newer API
// versions; both shapes are accepted.
type stripeInvoice struct {
	ID                  string               `json:"id"`
	Subscription        string               `json:"subscription"`
	SubscriptionDetails *subscriptionDetails `json:"subscription_details"`
	Parent              *struct {
		SubscriptionDetails *subscriptionDetails `json:"subscription_details"`
	} `json:"parent"`
	PeriodStart int64 `json:"period_start"`
	PeriodEnd   int64 `json:"period_end"`
	Lines       struct {
		Data []struct {
			Quantity int64 `json:"quantity"`
			Period   struct {
				Start int64 `json:"start"`
				End   int64 `json:"end"`
			} `json:"period"`
		} `json:"data"`
	} `json:"lines"`
}

// EnvelopeFromStripe translates a verified Stripe event into the envelope
// the reconciler ingests. Event types the reconciler does not handle are
// passed through with only their ID so they are recorded as ignored.
func EnvelopeFromStripe(event *stripe.Event) (reconcile.Envelope, error) {
	env := reconcile.Envelope{
		EventID:   event.ID,
		EventType: string(event.Type),
	}
	if event.Created > 0 {
		at := time.Unix(event.Created, 0).UTC()
		env.OccurredAt = &at
	}
	if event.Data == nil {
		return env, billing.NewValidationError("data", "is required")
	}

	var err error
	switch env.EventType {
	case reconcile.TypeSubscriptionCreated, reconcile.TypeSubscriptionUpdated,
		reconcile.TypeSubscriptionDeleted, reconcile.TypeTrialWillEnd:
		env.Object, err = subscriptionObject(event.Data.Raw)
	case reconcile.TypeInvoicePaid, "invoice.payment_succeeded", reconcile.TypeInvoicePaymentFailed:
		env.Object, err = invoiceObject(event.Data.Raw)
	}
	return env, err
}

func subscriptionObject(raw json.RawMessage) (reconcile.Object, error) {
	var sub stripeSubscription
	if err := json.Unmarshal(raw, &sub); err != nil {
		return reconcile.Object{}, billing.NewValidationError("data.object", "not a subscription: %v", err)
	}

	o := reconcile.Object{
		SubscriptionReference: sub.ID,
		TenantID:              sub.Metadata[metaTenantID],
		AppID:                 sub.Metadata[metaAppID],
		PlanReference:         sub.Metadata[metaPlanID],
		Status:                sub.Status,
		CancelAtPeriodEnd:     sub.CancelAtPeriodEnd,
		PeriodStart:           unix(sub.CurrentPeriodStart),
		PeriodEnd:             unix(sub.CurrentPeriodEnd),
	}
	if len(sub.Items.Data) > 0 {
		item := sub.Items.Data[0]
		o.Quantity = item.Quantity
		if o.PlanReference == "" {
			o.PlanReference = item.Price.ID
		}
		if o.PeriodEnd.IsZero() {
			o.PeriodStart = unix(item.CurrentPeriodStart)
			o.PeriodEnd = unix(item.CurrentPeriodEnd)
		}
	}
	if sub.TrialEnd > 0 {
		t := unix(sub.TrialEnd)
		o.TrialEnd = &t
	}
	return o, nil
}

func invoiceObject(raw json.RawMessage) (reconcile.Object, error) {
	var inv stripeInvoice
	if err := json.Unmarshal(raw, &inv); err != nil {
		return reconcile.Object{}, billing.NewValidationError("data.object", "not an invoice: %v", err)
	}

	details := inv.SubscriptionDetails
	if inv.Parent != nil && inv.Parent.SubscriptionDetails != nil {
		details = inv.Parent.SubscriptionDetails
	}
	ref := inv.Subscription
	var meta map[string]string
	if details != nil {
		if ref == "" {
			ref = details.Subscription
		}
		meta = details.Metadata
	}
	if ref == "" {
		return reconcile.Object{}, errNoSubscription
	}

	o := reconcile.Object{
		SubscriptionReference: ref,
		TenantID:              meta[metaTenantID],
		AppID:                 meta[metaAppID],
		PlanReference:         meta[metaPlanID],
		PeriodStart:           unix(inv.PeriodStart),
		PeriodEnd:             unix(inv.PeriodEnd),
	}
	if len(inv.Lines.Data) > 0 {
		line := inv.Lines.Data[0]
		o.Quantity = line.Quantity
		if line.Period.End > 0 {
			o.PeriodStart = unix(line.Period.Start)
			o.PeriodEnd = unix(line.Period.End)
		}
	}
	return o, nil
}

func unix(sec int64) time.Time {
	if sec <= 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}
