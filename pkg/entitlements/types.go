package entitlements

import (
	"context"
	"strconv"
	"time"

	"github.com/platinummonkey/appgrant/pkg/catalog"
)

// Entitlement is one feature granted to a tenant for an app.
type Entitlement struct {
	ID             string              `json:"id"`
	TenantID       string              `json:"tenant_id"`
	AppID          string              `json:"app_id"`
	FeatureKey     string              `json:"feature_key"`
	Kind           catalog.FeatureKind `json:"kind"`
	Limit          int64               `json:"limit"`
	Value          string              `json:"value"`
	ResetPeriod    string              `json:"reset_period,omitempty"`
	Active         bool                `json:"active"`
	SubscriptionID string              `json:"subscription_id"`
	CreatedAt      time.Time           `json:"created_at"`
	UpdatedAt      time.Time           `json:"updated_at"`
}

// FeatureValue renders the granted value of a feature: "true" for boolean
// features, "unlimited" or the decimal limit for limit features.
func FeatureValue(kind catalog.FeatureKind, limit int64) string {
	if kind != catalog.FeatureLimit {
		return "true"
	}
	if limit == catalog.Unlimited {
		return "unlimited"
	}
	return strconv.FormatInt(limit, 10)
}

// Repository is the transactional persistence used while a subscription
// transition is being committed.
type Repository interface {
	// UpsertEntitlement inserts or reactivates the (tenant, app, feature) row.
	UpsertEntitlement(ctx context.Context, e *Entitlement) error
	// DeactivateEntitlements marks every active row of (tenant, app) whose
	// feature is not in keep as inactive and returns the deactivated keys.
	DeactivateEntitlements(ctx context.Context, tenantID, appID string, keep []string) ([]string, error)
}

// Reader returns committed entitlements.
type Reader interface {
	ActiveEntitlements(ctx context.Context, tenantID, appID string) ([]*Entitlement, error)
}

// Access is the answer to HasAccess.
type Access struct {
	Allowed    bool                `json:"allowed"`
	FeatureKey string              `json:"feature_key"`
	Kind       catalog.FeatureKind `json:"kind,omitempty"`
	Limit      int64               `json:"limit,omitempty"`
	Used       int64               `json:"used,omitempty"`
	Remaining  int64               `json:"remaining,omitempty"`
	Unlimited  bool                `json:"unlimited,omitempty"`
}

// Change describes what an Apply or Remove did inside a transaction. It is
// handed to Store.Publish once the transaction commits.
type Change struct {
	TenantID string
	AppID    string
	Granted  []*Entitlement
	Revoked  []string
}

// Empty reports whether nothing was touched.
func (c *Change) Empty() bool {
	return c == nil || (len(c.Granted) == 0 && len(c.Revoked) == 0)
}
