// Package contextkeys holds the request-scoped context keys shared by the
// HTTP layers. Define new keys here so every reader and writer agrees on
// the key and the stored type.
package contextkeys

import "context"

// Key is the type for context keys to prevent collisions
type Key string

const (
	// RequestIDKey holds the request id string.
	// Set by: httputil.RequestIDMiddleware
	// Used by: request logging, error responses
	RequestIDKey Key = "request_id"

	// TenantKey holds the tenant id string of the caller.
	// Set by: middleware.TenantContext
	// Used by: feature gating, quota and rate limit middleware
	TenantKey Key = "tenant_id"
)

// WithRequestID adds request ID to the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// GetRequestID retrieves request ID from context
func GetRequestID(ctx context.Context) string {
	if requestID, ok := ctx.Value(RequestIDKey).(string); ok {
		return requestID
	}
	return ""
}

// WithTenant adds the tenant id to the context
func WithTenant(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, TenantKey, tenantID)
}

// GetTenant retrieves the tenant id from context
func GetTenant(ctx context.Context) string {
	if tenantID, ok := ctx.Value(TenantKey).(string); ok {
		return tenantID
	}
	return ""
}
