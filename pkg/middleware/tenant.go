package middleware

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/appgrant/pkg/contextkeys"
	"github.com/platinummonkey/appgrant/pkg/httputil"
)

// TenantHeader carries the caller's tenant when the route has no {tenant}
// variable.
const TenantHeader = "X-Tenant-ID"

// TenantContext resolves the tenant of a request from the {tenant} route
// variable, falling back to TenantHeader, and stores it in the context.
// When both are present they must agree.
func TenantContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fromPath := mux.Vars(r)["tenant"]
		fromHeader := r.Header.Get(TenantHeader)

		tenant := fromPath
		switch {
		case fromPath == "":
			tenant = fromHeader
		case fromHeader != "" && fromHeader != fromPath:
			httputil.WriteForbidden(w, "tenant header does not match the requested tenant")
			return
		}
		if tenant == "" {
			next.ServeHTTP(w, r)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithTenant(r.Context(), tenant)))
	})
}

// WithTenant returns a copy of ctx carrying tenantID.
func WithTenant(ctx context.Context, tenantID string) context.Context {
	return contextkeys.WithTenant(ctx, tenantID)
}

// TenantID returns the tenant stored by TenantContext, or "".
func TenantID(ctx context.Context) string {
	return contextkeys.GetTenant(ctx)
}
