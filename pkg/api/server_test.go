package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/appgrant/pkg/billing"
	"github.com/platinummonkey/appgrant/pkg/catalog"
	"github.com/platinummonkey/appgrant/pkg/entitlements"
	"github.com/platinummonkey/appgrant/pkg/middleware"
	"github.com/platinummonkey/appgrant/pkg/observability"
	"github.com/platinummonkey/appgrant/pkg/reconcile"
	"github.com/platinummonkey/appgrant/pkg/subscriptions"
	"github.com/platinummonkey/appgrant/pkg/usage"
)

var errNotImplemented = errors.New("not implemented")

type mockIngester struct {
	ingestFunc func(ctx context.Context, env reconcile.Envelope) (*reconcile.Result, error)
}

func (m *mockIngester) Ingest(ctx context.Context, env reconcile.Envelope) (*reconcile.Result, error) {
	if m.ingestFunc != nil {
		return m.ingestFunc(ctx, env)
	}
	return nil, errNotImplemented
}

type mockSubscriptions struct {
	getFunc        func(tenantID, appID string) (*billing.Subscription, error)
	listFunc       func(tenantID string) ([]*billing.Subscription, error)
	subscribeFunc  func(req subscriptions.SubscribeRequest) (*billing.Subscription, error)
	previewFunc    func(req subscriptions.ChangeRequest) (*billing.ProrationPreview, error)
	changeFunc     func(req subscriptions.ChangeRequest) (*subscriptions.ChangeResult, error)
	cancelFunc     func(tenantID, appID string, immediate bool) (*billing.Subscription, error)
	reactivateFunc func(tenantID, appID string) (*billing.Subscription, error)
}

func (m *mockSubscriptions) Get(_ context.Context, tenantID, appID string) (*billing.Subscription, error) {
	if m.getFunc != nil {
		return m.getFunc(tenantID, appID)
	}
	return nil, errNotImplemented
}

func (m *mockSubscriptions) List(_ context.Context, tenantID string) ([]*billing.Subscription, error) {
	if m.listFunc != nil {
		return m.listFunc(tenantID)
	}
	return nil, errNotImplemented
}

func (m *mockSubscriptions) Subscribe(_ context.Context, req subscriptions.SubscribeRequest) (*billing.Subscription, error) {
	if m.subscribeFunc != nil {
		return m.subscribeFunc(req)
	}
	return nil, errNotImplemented
}

func (m *mockSubscriptions) Preview(_ context.Context, req subscriptions.ChangeRequest) (*billing.ProrationPreview, error) {
	if m.previewFunc != nil {
		return m.previewFunc(req)
	}
	return nil, errNotImplemented
}

func (m *mockSubscriptions) ChangePlan(_ context.Context, req subscriptions.ChangeRequest) (*subscriptions.ChangeResult, error) {
	if m.changeFunc != nil {
		return m.changeFunc(req)
	}
	return nil, errNotImplemented
}

func (m *mockSubscriptions) Cancel(_ context.Context, tenantID, appID string, immediate bool) (*billing.Subscription, error) {
	if m.cancelFunc != nil {
		return m.cancelFunc(tenantID, appID, immediate)
	}
	return nil, errNotImplemented
}

func (m *mockSubscriptions) Reactivate(_ context.Context, tenantID, appID string) (*billing.Subscription, error) {
	if m.reactivateFunc != nil {
		return m.reactivateFunc(tenantID, appID)
	}
	return nil, errNotImplemented
}

type mockEntitlements struct {
	listFunc   func(tenantID, appID string) ([]*entitlements.Entitlement, error)
	accessFunc func(tenantID, appID, featureKey string) (*entitlements.Access, error)
}

func (m *mockEntitlements) List(_ context.Context, tenantID, appID string) ([]*entitlements.Entitlement, error) {
	if m.listFunc != nil {
		return m.listFunc(tenantID, appID)
	}
	return nil, errNotImplemented
}

func (m *mockEntitlements) HasAccess(_ context.Context, tenantID, appID, featureKey string) (*entitlements.Access, error) {
	if m.accessFunc != nil {
		return m.accessFunc(tenantID, appID, featureKey)
	}
	return nil, errNotImplemented
}

type mockUsage struct {
	incrementFunc func(tenantID, resource string, amount int64) (*usage.Result, error)
	currentFunc   func(tenantID, resource string) (*usage.Counter, error)
	analyzeFunc   func(tenantID string) (*usage.Analysis, error)
}

func (m *mockUsage) Increment(_ context.Context, tenantID, resource string, amount int64) (*usage.Result, error) {
	if m.incrementFunc != nil {
		return m.incrementFunc(tenantID, resource, amount)
	}
	return nil, errNotImplemented
}

func (m *mockUsage) Current(_ context.Context, tenantID, resource string) (*usage.Counter, error) {
	if m.currentFunc != nil {
		return m.currentFunc(tenantID, resource)
	}
	return nil, errNotImplemented
}

func (m *mockUsage) Analyze(_ context.Context, tenantID string) (*usage.Analysis, error) {
	if m.analyzeFunc != nil {
		return m.analyzeFunc(tenantID)
	}
	return nil, errNotImplemented
}

type testDeps struct {
	ingester *mockIngester
	subs     *mockSubscriptions
	ents     *mockEntitlements
	usage    *mockUsage
}

func newTestServer(t *testing.T, opts Options) (*Server, *testDeps) {
	t.Helper()
	log := logrus.New()
	log.SetOutput(io.Discard)

	d := &testDeps{
		ingester: &mockIngester{},
		subs:     &mockSubscriptions{},
		ents:     &mockEntitlements{},
		usage:    &mockUsage{},
	}
	cat, err := catalog.NewMemoryCatalog(&catalog.Plan{
		ID: "crm-pro", AppID: "crm", Name: "Pro", PriceCents: 4900, Currency: "usd",
		Interval: billing.IntervalMonth, Active: true,
	})
	require.NoError(t, err)

	srv := NewServer(Deps{
		Ingester:      d.ingester,
		Subscriptions: d.subs,
		Entitlements:  d.ents,
		Usage:         d.usage,
		Catalog:       cat,
	}, opts, log)
	return srv, d
}

func doRequest(t *testing.T, h http.Handler, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, rdr)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, dest any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), dest), w.Body.String())
}

func TestServer_ListPlans(t *testing.T) {
	srv, _ := newTestServer(t, Options{})

	w := doRequest(t, srv, http.MethodGet, "/v1/apps/crm/plans", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var plans []*catalog.Plan
	decode(t, w, &plans)
	require.Len(t, plans, 1)
	assert.Equal(t, "crm-pro", plans[0].ID)
}

func TestServer_RequestIDAndMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics(reg)
	srv, d := newTestServer(t, Options{Metrics: metrics, Gatherer: reg})
	d.subs.listFunc = func(string) ([]*billing.Subscription, error) { return nil, nil }

	w := doRequest(t, srv, http.MethodGet, "/v1/tenants/t1/subscriptions", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

	w = doRequest(t, srv, http.MethodGet, "/metrics", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `route="/v1/tenants/{tenant}/subscriptions"`)
}

func TestServer_RateLimit(t *testing.T) {
	limiter := middleware.NewRateLimiter(&middleware.RateLimitConfig{RequestsPerWindow: 1, WindowDuration: time.Minute})
	srv, d := newTestServer(t, Options{RateLimiter: limiter})
	d.subs.listFunc = func(string) ([]*billing.Subscription, error) { return nil, nil }

	assert.Equal(t, http.StatusOK, doRequest(t, srv, http.MethodGet, "/v1/tenants/t1/subscriptions", nil, nil).Code)
	assert.Equal(t, http.StatusTooManyRequests, doRequest(t, srv, http.MethodGet, "/v1/tenants/t1/subscriptions", nil, nil).Code)
	assert.Equal(t, http.StatusOK, doRequest(t, srv, http.MethodGet, "/v1/tenants/t2/subscriptions", nil, nil).Code)
}

func TestServer_TenantHeaderMismatch(t *testing.T) {
	srv, _ := newTestServer(t, Options{})
	w := doRequest(t, srv, http.MethodGet, "/v1/tenants/t1/subscriptions", nil, map[string]string{middleware.TenantHeader: "t2"})
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestServer_Handler(t *testing.T) {
	srv, d := newTestServer(t, Options{})
	d.subs.listFunc = func(string) ([]*billing.Subscription, error) { return []*billing.Subscription{}, nil }

	w := doRequest(t, srv.Handler(), http.MethodGet, "/v1/tenants/t1/subscriptions", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestServer_MountApp(t *testing.T) {
	srv, d := newTestServer(t, Options{})
	d.ents.accessFunc = func(tenantID, appID, featureKey string) (*entitlements.Access, error) {
		return &entitlements.Access{FeatureKey: featureKey, Kind: catalog.FeatureBoolean, Allowed: tenantID == "t1"}, nil
	}
	var gotPath string
	srv.MountApp("crm", "reports", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusNoContent)
	}))

	w := doRequest(t, srv, http.MethodGet, "/apps/crm/reports/weekly", nil, map[string]string{middleware.TenantHeader: "t1"})
	require.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "/reports/weekly", gotPath)

	w = doRequest(t, srv, http.MethodGet, "/apps/crm/reports/weekly", nil, map[string]string{middleware.TenantHeader: "t2"})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = doRequest(t, srv, http.MethodGet, "/apps/crm/reports/weekly", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}
