package middleware

import (
	"context"
	"net/http"
	"strconv"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/appgrant/pkg/entitlements"
	"github.com/platinummonkey/appgrant/pkg/httputil"
	"github.com/platinummonkey/appgrant/pkg/usage"
)

// AccessChecker is the read side of the entitlement store.
type AccessChecker interface {
	HasAccess(ctx context.Context, tenantID, appID, featureKey string) (*entitlements.Access, error)
}

// UsageIncrementer consumes quota.
type UsageIncrementer interface {
	Increment(ctx context.Context, tenantID, resource string, amount int64) (*usage.Result, error)
}

// Enforcer gates handlers of an installed app on the caller's entitlements.
//
// REQUIRES: TenantContext must run first. Requests without a tenant are
// rejected rather than let through.
type Enforcer struct {
	access AccessChecker
	meter  UsageIncrementer
	log    logrus.FieldLogger
}

// NewEnforcer creates an Enforcer.
func NewEnforcer(access AccessChecker, meter UsageIncrementer, log logrus.FieldLogger) *Enforcer {
	if log == nil {
		log = logrus.New()
	}
	return &Enforcer{access: access, meter: meter, log: log.WithField("component", "enforcer")}
}

// RequireFeature answers 403 unless the tenant is entitled to featureKey of
// appID. For limit features the quota must not be used up.
func (e *Enforcer) RequireFeature(appID, featureKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tenant := TenantID(r.Context())
			if tenant == "" {
				httputil.WriteUnauthorized(w, "tenant is required")
				return
			}
			access, err := e.access.HasAccess(r.Context(), tenant, appID, featureKey)
			if err != nil {
				e.log.WithError(err).WithFields(logrus.Fields{
					"tenant_id": tenant, "app_id": appID, "feature": featureKey,
				}).Error("entitlement check failed")
				httputil.WriteDomainError(w, err)
				return
			}
			if !access.Allowed {
				httputil.WriteForbidden(w, "feature "+featureKey+" is not included in the current plan")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ConsumeQuota increments resource by amount before calling next and
// answers 429 when the quota is exhausted. The increment is not refunded if
// next fails.
func (e *Enforcer) ConsumeQuota(resource string, amount int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tenant := TenantID(r.Context())
			if tenant == "" {
				httputil.WriteUnauthorized(w, "tenant is required")
				return
			}
			res, err := e.meter.Increment(r.Context(), tenant, resource, amount)
			if err != nil {
				httputil.WriteDomainError(w, err)
				return
			}
			if !res.Unlimited {
				w.Header().Set("X-Quota-Limit", strconv.FormatInt(res.Limit, 10))
				w.Header().Set("X-Quota-Remaining", strconv.FormatInt(res.Remaining, 10))
			}
			next.ServeHTTP(w, r)
		})
	}
}
