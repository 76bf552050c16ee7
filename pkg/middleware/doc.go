// Package middleware holds the HTTP middleware of the appgrant API.
//
// Ordering (outer to inner):
//
//  1. TenantContext resolves the tenant from the route or X-Tenant-ID.
//  2. RateLimit keys on that tenant, falling back to the client IP.
//  3. Enforcer.RequireFeature / ConsumeQuota gate app handlers on the
//     tenant's entitlements.
//
// ServiceToken guards the internal routes that accept already verified
// processor events.
//
//	router.Use(middleware.TenantContext)
//	router.Use(middleware.RateLimit(limiter, log))
//	router.Handle("/reports", enforcer.RequireFeature("crm", "reports")(reports))
package middleware
