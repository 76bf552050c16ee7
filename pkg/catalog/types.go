package catalog

import (
	"context"
	"time"

	"github.com/platinummonkey/appgrant/pkg/billing"
)

// Unlimited is the limit value meaning no cap.
const Unlimited int64 = -1

// FeatureKind distinguishes on/off features from counted ones.
type FeatureKind string

const (
	FeatureBoolean FeatureKind = "boolean"
	FeatureLimit   FeatureKind = "limit"
)

// Feature is a capability a plan grants.
type Feature struct {
	Key   string      `json:"key" yaml:"key"`
	Kind  FeatureKind `json:"kind" yaml:"kind"`
	Limit int64       `json:"limit,omitempty" yaml:"limit,omitempty"`
	// ResetPeriod is how often limit counters restart: day, month or never.
	ResetPeriod string `json:"reset_period,omitempty" yaml:"reset_period,omitempty"`
}

// Plan is a priced bundle of features for one app.
type Plan struct {
	ID         string           `json:"id" yaml:"id"`
	AppID      string           `json:"app_id" yaml:"app_id"`
	Name       string           `json:"name" yaml:"name"`
	PriceCents int64            `json:"price_cents" yaml:"price_cents"`
	Currency   string           `json:"currency" yaml:"currency"`
	Interval   billing.Interval `json:"interval" yaml:"interval"`
	TrialDays  int              `json:"trial_days,omitempty" yaml:"trial_days,omitempty"`
	// PriceRef is the processor's price identifier.
	PriceRef  string    `json:"price_ref,omitempty" yaml:"price_ref,omitempty"`
	Features  []Feature `json:"features" yaml:"features"`
	Active    bool      `json:"active" yaml:"active"`
	UpdatedAt time.Time `json:"updated_at" yaml:"-"`
}

// Price returns the recurring price.
func (p *Plan) Price() billing.Price {
	return billing.Price{AmountCents: p.PriceCents, Currency: p.Currency, Interval: p.Interval}
}

// Feature looks up a feature by key.
func (p *Plan) Feature(key string) (Feature, bool) {
	for _, f := range p.Features {
		if f.Key == key {
			return f, true
		}
	}
	return Feature{}, false
}

// Validate checks the plan definition.
func (p *Plan) Validate() error {
	switch {
	case p.ID == "":
		return billing.NewValidationError("id", "is required")
	case p.AppID == "":
		return billing.NewValidationError("app_id", "is required for plan %s", p.ID)
	case p.PriceCents < 0:
		return billing.NewValidationError("price_cents", "must not be negative for plan %s", p.ID)
	case p.Currency == "":
		return billing.NewValidationError("currency", "is required for plan %s", p.ID)
	case !p.Interval.Valid():
		return billing.NewValidationError("interval", "unknown interval %q for plan %s", p.Interval, p.ID)
	case p.TrialDays < 0:
		return billing.NewValidationError("trial_days", "must not be negative for plan %s", p.ID)
	}

	seen := make(map[string]bool, len(p.Features))
	for _, f := range p.Features {
		if f.Key == "" {
			return billing.NewValidationError("features", "feature key is required for plan %s", p.ID)
		}
		if seen[f.Key] {
			return billing.NewValidationError("features", "duplicate feature %s in plan %s", f.Key, p.ID)
		}
		seen[f.Key] = true

		switch f.Kind {
		case FeatureBoolean:
		case FeatureLimit:
			if f.Limit < Unlimited {
				return billing.NewValidationError("features", "invalid limit %d for %s in plan %s", f.Limit, f.Key, p.ID)
			}
			switch f.ResetPeriod {
			case "", "day", "month", "never":
			default:
				return billing.NewValidationError("features", "unknown reset period %q for %s", f.ResetPeriod, f.Key)
			}
		default:
			return billing.NewValidationError("features", "unknown kind %q for %s", f.Kind, f.Key)
		}
	}
	return nil
}

// Catalog is the read side of the plan catalog. GetPlan accepts either a
// plan ID or a processor price reference.
type Catalog interface {
	GetPlan(ctx context.Context, ref string) (*Plan, error)
	ListPlans(ctx context.Context, appID string) ([]*Plan, error)
}

func notFound(ref string) error {
	return &billing.NotFoundError{Entity: "plan", ID: ref}
}
