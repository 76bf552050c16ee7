package billing

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ProrationPreview is the charge a plan change would produce. It is never
// persisted.
type ProrationPreview struct {
	AmountDueCents    int64     `json:"amount_due_cents"`
	Currency          string    `json:"currency"`
	Effective         Effective `json:"effective"`
	EffectiveAt       time.Time `json:"effective_at"`
	Upgrade           bool      `json:"upgrade"`
	RemainingFraction string    `json:"remaining_fraction"`
}

// PreviewChange computes the prorated charge for moving sub from the from
// price to the to price with newQuantity seats. Upgrades take effect
// immediately and charge the price difference for the unused fraction of the
// current period, measured on the actual period length. Downgrades and
// lateral moves take effect at period end and charge nothing. A trial
// upgraded immediately pays the full new period.
func PreviewChange(sub *Subscription, from, to Price, newQuantity int64, now time.Time) (*ProrationPreview, error) {
	if newQuantity <= 0 {
		newQuantity = sub.Quantity
	}
	if newQuantity <= 0 {
		return nil, NewValidationError("quantity", "must be positive")
	}
	if !strings.EqualFold(from.Currency, to.Currency) {
		return nil, NewValidationError("currency", "cannot change from %s to %s", from.Currency, to.Currency)
	}

	oldQty := sub.Quantity
	if oldQty <= 0 {
		oldQty = 1
	}
	oldTotal := from.AmountCents * oldQty
	newTotal := to.AmountCents * newQuantity
	currency := strings.ToLower(to.Currency)

	if newTotal <= oldTotal {
		return &ProrationPreview{
			Currency:          currency,
			Effective:         EffectivePeriodEnd,
			EffectiveAt:       sub.CurrentPeriodEnd,
			RemainingFraction: RemainingFraction(sub.CurrentPeriodStart, sub.CurrentPeriodEnd, now).String(),
		}, nil
	}

	if sub.Status == StatusTrialing {
		return &ProrationPreview{
			AmountDueCents:    newTotal,
			Currency:          currency,
			Effective:         EffectiveImmediate,
			EffectiveAt:       now,
			Upgrade:           true,
			RemainingFraction: decimal.NewFromInt(1).String(),
		}, nil
	}

	fraction := RemainingFraction(sub.CurrentPeriodStart, sub.CurrentPeriodEnd, now)
	due := decimal.NewFromInt(newTotal - oldTotal).Mul(fraction).Round(0)

	return &ProrationPreview{
		AmountDueCents:    due.IntPart(),
		Currency:          currency,
		Effective:         EffectiveImmediate,
		EffectiveAt:       now,
		Upgrade:           true,
		RemainingFraction: fraction.StringFixed(6),
	}, nil
}

// RemainingFraction returns the unused share of [start, end) at now,
// clamped to [0, 1].
func RemainingFraction(start, end, now time.Time) decimal.Decimal {
	total := end.Sub(start)
	if total <= 0 {
		return decimal.Zero
	}
	remaining := end.Sub(now)
	if remaining <= 0 {
		return decimal.Zero
	}
	if remaining >= total {
		return decimal.NewFromInt(1)
	}
	return decimal.NewFromInt(int64(remaining)).Div(decimal.NewFromInt(int64(total)))
}
