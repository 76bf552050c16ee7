package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
)

func TestTenantContext(t *testing.T) {
	var seen string
	router := mux.NewRouter()
	router.Use(TenantContext)
	capture := func(w http.ResponseWriter, r *http.Request) { seen = TenantID(r.Context()) }
	router.HandleFunc("/v1/tenants/{tenant}/subscriptions", capture)
	router.HandleFunc("/v1/check", capture)

	tests := []struct {
		name   string
		path   string
		header string
		want   string
		status int
	}{
		{"from path", "/v1/tenants/t1/subscriptions", "", "t1", http.StatusOK},
		{"from header", "/v1/check", "t2", "t2", http.StatusOK},
		{"matching header", "/v1/tenants/t1/subscriptions", "t1", "t1", http.StatusOK},
		{"mismatched header", "/v1/tenants/t1/subscriptions", "t2", "", http.StatusForbidden},
		{"none", "/v1/check", "", "", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seen = ""
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.header != "" {
				req.Header.Set(TenantHeader, tt.header)
			}
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)
			assert.Equal(t, tt.status, w.Code)
			assert.Equal(t, tt.want, seen)
		})
	}
}
