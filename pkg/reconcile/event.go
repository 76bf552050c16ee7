package reconcile

import (
	"errors"
	"time"

	"github.com/platinummonkey/appgrant/pkg/billing"
)

// Event types understood by the reconciler. Names follow the processor's.
const (
	TypeSubscriptionCreated  = "customer.subscription.created"
	TypeSubscriptionUpdated  = "customer.subscription.updated"
	TypeSubscriptionDeleted  = "customer.subscription.deleted"
	TypeInvoicePaid          = "invoice.paid"
	TypeInvoicePaymentFailed = "invoice.payment_failed"
	TypeTrialWillEnd         = "customer.subscription.trial_will_end"
)

// ErrUnknownEventType is returned by Decode for event types the reconciler
// does not handle. Such events are recorded as ignored.
var ErrUnknownEventType = errors.New("unknown event type")

// Envelope is a verified inbound event.
type Envelope struct {
	EventID    string     `json:"event_id"`
	EventType  string     `json:"event_type"`
	OccurredAt *time.Time `json:"occurred_at,omitempty"`
	Object     Object     `json:"object"`
}

// Object is the processor's view of the subscription an event refers to.
type Object struct {
	SubscriptionReference string     `json:"subscription_reference"`
	TenantID              string     `json:"tenant_id"`
	AppID                 string     `json:"app_id,omitempty"`
	PlanReference         string     `json:"plan_reference,omitempty"`
	Status                string     `json:"status,omitempty"`
	Quantity              int64      `json:"quantity,omitempty"`
	CancelAtPeriodEnd     bool       `json:"cancel_at_period_end,omitempty"`
	PeriodStart           time.Time  `json:"period_start"`
	PeriodEnd             time.Time  `json:"period_end"`
	TrialEnd              *time.Time `json:"trial_end,omitempty"`
}

// Payload is the decoded form of an Envelope. The set of implementations is
// closed; handlers switch over it exhaustively.
type Payload interface {
	object() Object
	payload()
}

type (
	SubscriptionCreated  struct{ Object }
	SubscriptionUpdated  struct{ Object }
	SubscriptionDeleted  struct{ Object }
	InvoicePaid          struct{ Object }
	InvoicePaymentFailed struct{ Object }
	TrialWillEnd         struct{ Object }
)

func (p SubscriptionCreated) object() Object  { return p.Object }
func (p SubscriptionUpdated) object() Object  { return p.Object }
func (p SubscriptionDeleted) object() Object  { return p.Object }
func (p InvoicePaid) object() Object          { return p.Object }
func (p InvoicePaymentFailed) object() Object { return p.Object }
func (p TrialWillEnd) object() Object         { return p.Object }

func (SubscriptionCreated) payload()  {}
func (SubscriptionUpdated) payload()  {}
func (SubscriptionDeleted) payload()  {}
func (InvoicePaid) payload()          {}
func (InvoicePaymentFailed) payload() {}
func (TrialWillEnd) payload()         {}

// Decode validates env and returns its typed payload.
func Decode(env Envelope) (Payload, error) {
	if env.EventID == "" {
		return nil, billing.NewValidationError("event_id", "is required")
	}

	var p Payload
	switch env.EventType {
	case TypeSubscriptionCreated:
		p = SubscriptionCreated{env.Object}
	case TypeSubscriptionUpdated:
		p = SubscriptionUpdated{env.Object}
	case TypeSubscriptionDeleted:
		p = SubscriptionDeleted{env.Object}
	case TypeInvoicePaid, "invoice.payment_succeeded":
		p = InvoicePaid{env.Object}
	case TypeInvoicePaymentFailed:
		p = InvoicePaymentFailed{env.Object}
	case TypeTrialWillEnd:
		p = TrialWillEnd{env.Object}
	default:
		return nil, ErrUnknownEventType
	}

	o := env.Object
	switch {
	case o.SubscriptionReference == "":
		return nil, billing.NewValidationError("object.subscription_reference", "is required")
	case o.TenantID == "":
		return nil, billing.NewValidationError("object.tenant_id", "is required")
	case o.Quantity < 0:
		return nil, billing.NewValidationError("object.quantity", "must not be negative")
	}
	if _, ok := p.(TrialWillEnd); ok {
		return p, nil
	}
	if o.PeriodEnd.IsZero() {
		return nil, billing.NewValidationError("object.period_end", "is required")
	}
	if !o.PeriodStart.IsZero() && o.PeriodEnd.Before(o.PeriodStart) {
		return nil, billing.NewValidationError("object.period_end", "precedes period_start")
	}
	if _, ok := p.(SubscriptionUpdated); ok && o.Status == "" {
		return nil, billing.NewValidationError("object.status", "is required for %s", env.EventType)
	}
	if _, ok := p.(SubscriptionCreated); ok && o.Status == "" {
		return nil, billing.NewValidationError("object.status", "is required for %s", env.EventType)
	}
	return p, nil
}

// externalState maps a payload onto the state machine input. Invoice
// events imply a status when the object carries none and never carry the
// cancel flag, so the stored one is kept. ok is false for payloads that do
// not change subscription state.
func externalState(p Payload, planID string, occurredAt time.Time) (billing.ExternalState, bool) {
	o := p.object()
	status := o.Status
	keepCancel := false
	switch p.(type) {
	case SubscriptionCreated, SubscriptionUpdated:
	case SubscriptionDeleted:
		status = "canceled"
	case InvoicePaid:
		keepCancel = true
		if status == "" {
			status = "active"
		}
	case InvoicePaymentFailed:
		keepCancel = true
		if status == "" || status == "active" {
			status = "past_due"
		}
	case TrialWillEnd:
		return billing.ExternalState{}, false
	}
	return billing.ExternalState{
		Status:                status,
		PlanID:                planID,
		Quantity:              o.Quantity,
		CancelAtPeriodEnd:     o.CancelAtPeriodEnd,
		KeepCancelAtPeriodEnd: keepCancel,
		PeriodStart:           o.PeriodStart,
		PeriodEnd:             o.PeriodEnd,
		TrialEnd:              o.TrialEnd,
		OccurredAt:            occurredAt,
	}, true
}
