package billing

import (
	"slices"
	"time"

	"github.com/google/uuid"
)

// Transition is an edge in the subscription state graph.
type Transition struct {
	From Status
	To   Status
}

// validTransitions lists the allowed status changes. Self transitions of
// non-terminal statuses are always allowed and are not listed.
var validTransitions = map[Transition]bool{
	{StatusIncomplete, StatusActive}:            true, // first payment confirmed
	{StatusIncomplete, StatusTrialing}:          true, // trial started after setup
	{StatusIncomplete, StatusPastDue}:           true,
	{StatusIncomplete, StatusIncompleteExpired}: true, // setup window lapsed
	{StatusIncomplete, StatusCanceled}:          true,

	{StatusTrialing, StatusActive}:          true, // trial converted
	{StatusTrialing, StatusPastDue}:         true, // conversion charge failed
	{StatusTrialing, StatusUnpaid}:          true,
	{StatusTrialing, StatusCanceledPending}: true,
	{StatusTrialing, StatusCanceled}:        true, // trial ended without conversion

	{StatusActive, StatusPastDue}:         true, // renewal failed
	{StatusActive, StatusUnpaid}:          true,
	{StatusActive, StatusCanceledPending}: true, // deferred cancel
	{StatusActive, StatusCanceled}:        true,

	{StatusPastDue, StatusActive}:          true, // payment recovered
	{StatusPastDue, StatusUnpaid}:          true, // retries exhausted
	{StatusPastDue, StatusCanceledPending}: true,
	{StatusPastDue, StatusCanceled}:        true,

	{StatusUnpaid, StatusActive}:   true,
	{StatusUnpaid, StatusPastDue}:  true,
	{StatusUnpaid, StatusCanceled}: true,

	{StatusCanceledPending, StatusActive}:   true, // reactivated
	{StatusCanceledPending, StatusTrialing}: true, // reactivated during trial
	{StatusCanceledPending, StatusPastDue}:  true,
	{StatusCanceledPending, StatusUnpaid}:   true,
	{StatusCanceledPending, StatusCanceled}: true, // period ended
}

// CanTransition checks if a transition from one status to another is valid.
func CanTransition(from, to Status) bool {
	if from == to {
		return !from.IsTerminal()
	}
	return validTransitions[Transition{from, to}]
}

// ValidTransitionsFrom returns all valid target statuses from the given one.
func ValidTransitionsFrom(from Status) []Status {
	targets := make([]Status, 0)
	for t := range validTransitions {
		if t.From == from {
			targets = append(targets, t.To)
		}
	}
	slices.Sort(targets)
	return targets
}

func transition(sub *Subscription, to Status, now time.Time) error {
	if sub.Status.IsTerminal() {
		return ErrTerminal
	}
	if !CanTransition(sub.Status, to) {
		return &TransitionError{From: sub.Status, To: to}
	}
	sub.Status = to
	sub.UpdatedAt = now
	return nil
}

// NewTrial creates a subscription in Trialing whose first period is the
// trial itself.
func NewTrial(tenantID, appID, planID string, trialDays int, now time.Time) (*Subscription, error) {
	if err := validateSlot(tenantID, appID, planID); err != nil {
		return nil, err
	}
	if trialDays <= 0 {
		return nil, NewValidationError("trial_days", "must be positive, got %d", trialDays)
	}
	end := now.AddDate(0, 0, trialDays)
	return &Subscription{
		ID:                 uuid.NewString(),
		TenantID:           tenantID,
		AppID:              appID,
		PlanID:             planID,
		Status:             StatusTrialing,
		Quantity:           1,
		CurrentPeriodStart: now,
		CurrentPeriodEnd:   end,
		TrialEnd:           &end,
		CreatedAt:          now,
		UpdatedAt:          now,
	}, nil
}

// NewPaid creates a subscription in Incomplete awaiting its first payment.
// The period bounds are provisional until the payment is confirmed.
func NewPaid(tenantID, appID, planID string, quantity int64, interval Interval, now time.Time) (*Subscription, error) {
	if err := validateSlot(tenantID, appID, planID); err != nil {
		return nil, err
	}
	if quantity <= 0 {
		return nil, NewValidationError("quantity", "must be positive, got %d", quantity)
	}
	if !interval.Valid() {
		return nil, NewValidationError("interval", "unknown interval %q", interval)
	}
	return &Subscription{
		ID:                 uuid.NewString(),
		TenantID:           tenantID,
		AppID:              appID,
		PlanID:             planID,
		Status:             StatusIncomplete,
		Quantity:           quantity,
		CurrentPeriodStart: now,
		CurrentPeriodEnd:   interval.Next(now),
		CreatedAt:          now,
		UpdatedAt:          now,
	}, nil
}

func validateSlot(tenantID, appID, planID string) error {
	switch {
	case tenantID == "":
		return NewValidationError("tenant_id", "is required")
	case appID == "":
		return NewValidationError("app_id", "is required")
	case planID == "":
		return NewValidationError("plan_id", "is required")
	}
	return nil
}

// ConfirmPayment moves an Incomplete subscription to Active and starts its
// first real period at now.
func ConfirmPayment(sub *Subscription, interval Interval, now time.Time) error {
	if sub.Status != StatusIncomplete {
		return &TransitionError{From: sub.Status, To: StatusActive}
	}
	if err := transition(sub, StatusActive, now); err != nil {
		return err
	}
	sub.CurrentPeriodStart = now
	sub.CurrentPeriodEnd = interval.Next(now)
	return nil
}

// SyncResult describes how an external update was handled.
type SyncResult string

const (
	SyncApplied SyncResult = "applied"
	SyncStale   SyncResult = "stale"
)

// ExternalSync applies the processor's view of the subscription. The
// processor is authoritative: any non-terminal status moves to whatever
// status it reports, without consulting the user transition table. Updates
// whose period end is not after the stored one are stale and leave sub
// untouched, with three exceptions: a sync to Canceled always applies, an
// Incomplete subscription accepts any period, and an equal period end is
// applied when the event is newer than the last applied one.
func ExternalSync(sub *Subscription, ext ExternalState, now time.Time) (SyncResult, error) {
	if sub.Status.IsTerminal() {
		return "", ErrTerminal
	}
	if ext.PeriodEnd.IsZero() {
		return "", NewValidationError("period_end", "is required")
	}
	if !ext.PeriodStart.IsZero() && ext.PeriodEnd.Before(ext.PeriodStart) {
		return "", NewValidationError("period_end", "precedes period_start")
	}

	cancelAtPeriodEnd := ext.CancelAtPeriodEnd
	if ext.KeepCancelAtPeriodEnd {
		cancelAtPeriodEnd = sub.CancelAtPeriodEnd
	}
	target := MapProcessorStatus(ext.Status, cancelAtPeriodEnd)
	if isStale(sub, ext, target) {
		return SyncStale, nil
	}
	sub.Status = target
	sub.UpdatedAt = now

	if ext.PlanID != "" {
		sub.PlanID = ext.PlanID
		if sub.PendingPlanID == ext.PlanID {
			sub.PendingPlanID = ""
			sub.PendingQuantity = 0
		}
	}
	if ext.Quantity > 0 {
		sub.Quantity = ext.Quantity
	}
	if !ext.PeriodStart.IsZero() {
		sub.CurrentPeriodStart = ext.PeriodStart
	}
	sub.CurrentPeriodEnd = ext.PeriodEnd
	sub.CancelAtPeriodEnd = cancelAtPeriodEnd
	if ext.TrialEnd != nil {
		sub.TrialEnd = cloneTime(ext.TrialEnd)
	}
	if target == StatusCanceled {
		sub.PendingPlanID = ""
		sub.PendingQuantity = 0
		if sub.CanceledAt == nil {
			sub.CanceledAt = &now
		}
	}
	if !ext.OccurredAt.IsZero() {
		at := ext.OccurredAt
		sub.LastEventAt = &at
	}
	return SyncApplied, nil
}

func isStale(sub *Subscription, ext ExternalState, target Status) bool {
	if target == StatusCanceled || sub.Status == StatusIncomplete {
		return false
	}
	if ext.PeriodEnd.After(sub.CurrentPeriodEnd) {
		return false
	}
	if ext.PeriodEnd.Equal(sub.CurrentPeriodEnd) && !ext.OccurredAt.IsZero() {
		return sub.LastEventAt != nil && !ext.OccurredAt.After(*sub.LastEventAt)
	}
	return true
}

// Cancel ends a subscription now or at the end of the current period.
func Cancel(sub *Subscription, immediate bool, now time.Time) error {
	switch sub.Status {
	case StatusCanceled:
		return ErrAlreadyEnded
	case StatusIncompleteExpired:
		return ErrTerminal
	}

	if immediate {
		if err := transition(sub, StatusCanceled, now); err != nil {
			return err
		}
		sub.CanceledAt = &now
		sub.CancelAtPeriodEnd = false
		sub.PendingPlanID = ""
		sub.PendingQuantity = 0
		return nil
	}

	if sub.Status == StatusCanceledPending {
		return nil
	}
	if sub.Status != StatusActive && sub.Status != StatusTrialing {
		return &TransitionError{From: sub.Status, To: StatusCanceledPending}
	}
	if err := transition(sub, StatusCanceledPending, now); err != nil {
		return err
	}
	sub.CancelAtPeriodEnd = true
	return nil
}

// Reactivate undoes a deferred cancel before the period ends. A trial that
// is still running goes back to Trialing.
func Reactivate(sub *Subscription, now time.Time) error {
	switch sub.Status {
	case StatusCanceled, StatusIncompleteExpired:
		return ErrAlreadyEnded
	case StatusCanceledPending:
	default:
		return &TransitionError{From: sub.Status, To: StatusActive}
	}
	if !now.Before(sub.CurrentPeriodEnd) {
		return ErrAlreadyEnded
	}

	to := StatusActive
	if sub.TrialEnd != nil && now.Before(*sub.TrialEnd) {
		to = StatusTrialing
	}
	if err := transition(sub, to, now); err != nil {
		return err
	}
	sub.CancelAtPeriodEnd = false
	return nil
}

// ChangePlan switches plan or quantity. Immediate changes take effect now;
// a trial converted this way starts its first paid period at now. Deferred
// changes are recorded as pending and applied at rollover.
func ChangePlan(sub *Subscription, planID string, quantity int64, interval Interval, effective Effective, now time.Time) error {
	if planID == "" {
		return NewValidationError("plan_id", "is required")
	}
	if quantity <= 0 {
		quantity = sub.Quantity
	}
	if sub.Status != StatusActive && sub.Status != StatusTrialing {
		if sub.Status.IsTerminal() {
			return ErrTerminal
		}
		return &TransitionError{From: sub.Status, To: StatusActive}
	}
	if planID == sub.PlanID && quantity == sub.Quantity {
		return NewValidationError("plan_id", "subscription is already on plan %s", planID)
	}

	switch effective {
	case EffectiveImmediate:
		if sub.Status == StatusTrialing {
			if err := transition(sub, StatusActive, now); err != nil {
				return err
			}
			sub.CurrentPeriodStart = now
			sub.CurrentPeriodEnd = interval.Next(now)
			sub.TrialEnd = nil
		}
		sub.PlanID = planID
		sub.Quantity = quantity
		sub.PendingPlanID = ""
		sub.PendingQuantity = 0
	case EffectivePeriodEnd:
		sub.PendingPlanID = planID
		sub.PendingQuantity = quantity
	default:
		return NewValidationError("effective", "unknown value %q", effective)
	}
	sub.UpdatedAt = now
	return nil
}

// RolloverAction is what Rollover did to a subscription.
type RolloverAction string

const (
	RolloverNone     RolloverAction = "none"
	RolloverRenewed  RolloverAction = "renewed"
	RolloverCanceled RolloverAction = "canceled"
	RolloverExpired  RolloverAction = "expired"
)

// Rollover closes the current period of a locally managed subscription once
// now has reached its end. Subscriptions with an external reference are
// advanced by processor events instead. interval is the interval of the plan
// in effect for the next period.
func Rollover(sub *Subscription, interval Interval, now time.Time) (RolloverAction, error) {
	if sub.ExternalRef != "" || sub.Status.IsTerminal() || now.Before(sub.CurrentPeriodEnd) {
		return RolloverNone, nil
	}

	switch sub.Status {
	case StatusCanceledPending, StatusTrialing:
		if err := transition(sub, StatusCanceled, now); err != nil {
			return RolloverNone, err
		}
		sub.CanceledAt = &now
		sub.CancelAtPeriodEnd = false
		sub.PendingPlanID = ""
		sub.PendingQuantity = 0
		return RolloverCanceled, nil
	case StatusIncomplete:
		if err := transition(sub, StatusIncompleteExpired, now); err != nil {
			return RolloverNone, err
		}
		return RolloverExpired, nil
	case StatusActive:
		if sub.PendingPlanID != "" {
			sub.PlanID = sub.PendingPlanID
			if sub.PendingQuantity > 0 {
				sub.Quantity = sub.PendingQuantity
			}
			sub.PendingPlanID = ""
			sub.PendingQuantity = 0
		}
		for !now.Before(sub.CurrentPeriodEnd) {
			sub.CurrentPeriodStart = sub.CurrentPeriodEnd
			sub.CurrentPeriodEnd = interval.Next(sub.CurrentPeriodEnd)
		}
		sub.UpdatedAt = now
		return RolloverRenewed, nil
	}
	return RolloverNone, nil
}
