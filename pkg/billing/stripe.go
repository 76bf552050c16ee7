package billing

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	stripe "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/customer"
	"github.com/stripe/stripe-go/v82/subscription"
)

// StripeGateway implements PaymentGateway against the Stripe API.
type StripeGateway struct {
	newCustomer        func(*stripe.CustomerParams) (*stripe.Customer, error)
	newSubscription    func(*stripe.SubscriptionParams) (*stripe.Subscription, error)
	getSubscription    func(string, *stripe.SubscriptionParams) (*stripe.Subscription, error)
	updateSubscription func(string, *stripe.SubscriptionParams) (*stripe.Subscription, error)
	cancelSubscription func(string, *stripe.SubscriptionCancelParams) (*stripe.Subscription, error)
}

// NewStripeGateway configures the Stripe client with the API key and an
// HTTP timeout applied to every call.
func NewStripeGateway(apiKey string, timeout time.Duration) *StripeGateway {
	stripe.Key = apiKey
	if timeout > 0 {
		stripe.SetHTTPClient(&http.Client{Timeout: timeout})
	}
	return &StripeGateway{
		newCustomer:        customer.New,
		newSubscription:    subscription.New,
		getSubscription:    subscription.Get,
		updateSubscription: subscription.Update,
		cancelSubscription: subscription.Cancel,
	}
}

// EnsureCustomer creates a Stripe customer tagged with the tenant ID.
func (g *StripeGateway) EnsureCustomer(_ context.Context, tenantID, customerRef string) (string, error) {
	if customerRef != "" {
		return customerRef, nil
	}
	c, err := g.newCustomer(&stripe.CustomerParams{
		Metadata: map[string]string{"tenant_id": tenantID},
	})
	if err != nil {
		return "", fmt.Errorf("failed to create stripe customer: %w", asPaymentError(err))
	}
	return c.ID, nil
}

// CreateSubscription creates the Stripe subscription. Paid subscriptions use
// error_if_incomplete so a declined first charge surfaces as a PaymentError.
func (g *StripeGateway) CreateSubscription(_ context.Context, req GatewaySubscriptionRequest) (*GatewaySubscription, error) {
	if req.PriceRef == "" {
		return nil, NewValidationError("price_ref", "no stripe price configured for plan %s", req.PlanID)
	}
	params := &stripe.SubscriptionParams{
		Customer: stripe.String(req.CustomerRef),
		Items: []*stripe.SubscriptionItemsParams{
			{Price: stripe.String(req.PriceRef), Quantity: stripe.Int64(req.Quantity)},
		},
		Metadata: map[string]string{
			"tenant_id": req.TenantID,
			"app_id":    req.AppID,
			"plan_id":   req.PlanID,
		},
	}
	if req.TrialDays > 0 {
		params.TrialPeriodDays = stripe.Int64(int64(req.TrialDays))
	} else {
		params.PaymentBehavior = stripe.String("error_if_incomplete")
	}

	sub, err := g.newSubscription(params)
	if err != nil {
		return nil, fmt.Errorf("failed to create stripe subscription: %w", asPaymentError(err))
	}
	return toGatewaySubscription(sub), nil
}

// ChangeSubscription swaps the price on the first subscription item.
// Immediate upgrades are invoiced right away; deferred changes are not
// prorated at the processor.
func (g *StripeGateway) ChangeSubscription(_ context.Context, externalRef string, req GatewayChangeRequest) (*GatewaySubscription, error) {
	current, err := g.getSubscription(externalRef, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to load stripe subscription: %w", asPaymentError(err))
	}
	if current.Items == nil || len(current.Items.Data) == 0 {
		return nil, &NotFoundError{Entity: "stripe subscription item", ID: externalRef}
	}

	params := &stripe.SubscriptionParams{
		Items: []*stripe.SubscriptionItemsParams{{
			ID:       stripe.String(current.Items.Data[0].ID),
			Price:    stripe.String(req.PriceRef),
			Quantity: stripe.Int64(req.Quantity),
		}},
		Metadata: map[string]string{"plan_id": req.PlanID},
	}
	if req.Effective == EffectiveImmediate && req.ProrationCents > 0 {
		params.ProrationBehavior = stripe.String("always_invoice")
		params.PaymentBehavior = stripe.String("error_if_incomplete")
	} else {
		params.ProrationBehavior = stripe.String("none")
	}

	sub, err := g.updateSubscription(externalRef, params)
	if err != nil {
		return nil, fmt.Errorf("failed to update stripe subscription: %w", asPaymentError(err))
	}
	return toGatewaySubscription(sub), nil
}

// CancelSubscription cancels immediately or at the end of the period.
func (g *StripeGateway) CancelSubscription(_ context.Context, externalRef string, atPeriodEnd bool) error {
	if atPeriodEnd {
		_, err := g.updateSubscription(externalRef, &stripe.SubscriptionParams{
			CancelAtPeriodEnd: stripe.Bool(true),
		})
		if err != nil {
			return fmt.Errorf("failed to schedule stripe cancellation: %w", asPaymentError(err))
		}
		return nil
	}
	if _, err := g.cancelSubscription(externalRef, &stripe.SubscriptionCancelParams{}); err != nil {
		return fmt.Errorf("failed to cancel stripe subscription: %w", asPaymentError(err))
	}
	return nil
}

// ResumeSubscription clears cancel_at_period_end.
func (g *StripeGateway) ResumeSubscription(_ context.Context, externalRef string) error {
	_, err := g.updateSubscription(externalRef, &stripe.SubscriptionParams{
		CancelAtPeriodEnd: stripe.Bool(false),
	})
	if err != nil {
		return fmt.Errorf("failed to resume stripe subscription: %w", asPaymentError(err))
	}
	return nil
}

func toGatewaySubscription(sub *stripe.Subscription) *GatewaySubscription {
	out := &GatewaySubscription{
		ExternalRef: sub.ID,
		Status:      string(sub.Status),
	}
	if sub.Customer != nil {
		out.CustomerRef = sub.Customer.ID
	}
	if sub.Items != nil && len(sub.Items.Data) > 0 {
		item := sub.Items.Data[0]
		out.PeriodStart = time.Unix(item.CurrentPeriodStart, 0).UTC()
		out.PeriodEnd = time.Unix(item.CurrentPeriodEnd, 0).UTC()
	}
	return out
}

// asPaymentError converts Stripe card errors into PaymentError.
func asPaymentError(err error) error {
	var se *stripe.Error
	if errors.As(err, &se) && se.Type == stripe.ErrorTypeCard {
		code := string(se.Code)
		if se.DeclineCode != "" {
			code = string(se.DeclineCode)
		}
		return &PaymentError{Code: code, Message: se.Msg, Err: err}
	}
	return err
}
