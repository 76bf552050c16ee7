package observability

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/platinummonkey/appgrant/pkg/usage"
)

func TestNewMetrics(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewMetrics(registry)
	if m == nil {
		t.Fatal("Expected non-nil metrics")
	}

	// Vec collectors only show up in Gather once a series exists.
	m.EventIngested("invoice.paid", "applied", time.Millisecond)
	m.TaskAttempt("notify.deliver", "success", time.Millisecond)
	m.JobRun("rollover", "success", time.Millisecond)
	m.UsageAlertsTotal.WithLabelValues("warning").Inc()

	families, err := registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	got := map[string]bool{}
	for _, f := range families {
		got[f.GetName()] = true
	}
	for _, name := range []string{
		"appgrant_events_ingested_total",
		"appgrant_event_ingest_duration_seconds",
		"appgrant_task_attempts_total",
		"appgrant_scheduler_jobs_total",
		"appgrant_usage_alerts_total",
	} {
		if !got[name] {
			t.Errorf("metric %s not registered", name)
		}
	}
}

func TestNewMetrics_DuplicateRegistrationPanics(t *testing.T) {
	registry := prometheus.NewRegistry()
	NewMetrics(registry)
	defer func() {
		if recover() == nil {
			t.Error("Expected panic on duplicate registration")
		}
	}()
	NewMetrics(registry)
}

func TestMetrics_Observers(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.EventIngested("invoice.paid", "applied", 10*time.Millisecond)
	m.EventIngested("invoice.paid", "applied", 10*time.Millisecond)
	m.EventIngested("invoice.paid", "duplicate", time.Millisecond)
	if got := testutil.ToFloat64(m.EventsIngestedTotal.WithLabelValues("invoice.paid", "applied")); got != 2 {
		t.Errorf("applied = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.EventsIngestedTotal.WithLabelValues("invoice.paid", "duplicate")); got != 1 {
		t.Errorf("duplicate = %v, want 1", got)
	}

	m.TaskAttempt("reconcile.ingest", "retry", time.Millisecond)
	if got := testutil.ToFloat64(m.TaskAttemptsTotal.WithLabelValues("reconcile.ingest", "retry")); got != 1 {
		t.Errorf("task retries = %v, want 1", got)
	}

	m.JobRun("usage_reset", "error", time.Second)
	if got := testutil.ToFloat64(m.SchedulerJobsTotal.WithLabelValues("usage_reset", "error")); got != 1 {
		t.Errorf("job errors = %v, want 1", got)
	}
}

type sinkFunc func(ctx context.Context, alert usage.Alert) error

func (f sinkFunc) UsageAlert(ctx context.Context, alert usage.Alert) error { return f(ctx, alert) }

func TestMetrics_CountAlerts(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	t.Run("nil next", func(t *testing.T) {
		sink := m.CountAlerts(nil)
		if err := sink.UsageAlert(context.Background(), usage.Alert{Level: usage.LevelWarning}); err != nil {
			t.Errorf("UsageAlert() error = %v", err)
		}
		if got := testutil.ToFloat64(m.UsageAlertsTotal.WithLabelValues("warning")); got != 1 {
			t.Errorf("warning alerts = %v, want 1", got)
		}
	})

	t.Run("forwards and returns next error", func(t *testing.T) {
		boom := errors.New("boom")
		var forwarded usage.Alert
		sink := m.CountAlerts(sinkFunc(func(_ context.Context, a usage.Alert) error {
			forwarded = a
			return boom
		}))
		alert := usage.Alert{TenantID: "t1", ResourceKey: "crm/api_calls", Level: usage.LevelCritical}
		if err := sink.UsageAlert(context.Background(), alert); !errors.Is(err, boom) {
			t.Errorf("UsageAlert() error = %v, want boom", err)
		}
		if forwarded.ResourceKey != "crm/api_calls" {
			t.Errorf("alert not forwarded: %+v", forwarded)
		}
		if got := testutil.ToFloat64(m.UsageAlertsTotal.WithLabelValues("critical")); got != 1 {
			t.Errorf("critical alerts = %v, want 1", got)
		}
	})
}

func TestResponseWriter(t *testing.T) {
	rec := httptest.NewRecorder()
	rw := &responseWriter{ResponseWriter: rec, statusCode: http.StatusOK}

	rw.WriteHeader(http.StatusCreated)
	n, err := rw.Write([]byte("hello"))
	if err != nil || n != 5 {
		t.Fatalf("Write() = %d, %v", n, err)
	}
	if rw.statusCode != http.StatusCreated {
		t.Errorf("statusCode = %d", rw.statusCode)
	}
	if rw.bytesWritten != 5 {
		t.Errorf("bytesWritten = %d", rw.bytesWritten)
	}
	if rec.Code != http.StatusCreated {
		t.Errorf("recorder code = %d", rec.Code)
	}
}

func TestHTTPMetricsMiddleware(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	router := mux.NewRouter()
	router.Use(HTTPMetricsMiddleware(m))
	router.HandleFunc("/v1/tenants/{tenant}/subscriptions", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}).Methods(http.MethodGet)

	for _, tenant := range []string{"t1", "t2", "t3"} {
		req := httptest.NewRequest(http.MethodGet, "/v1/tenants/"+tenant+"/subscriptions", nil)
		router.ServeHTTP(httptest.NewRecorder(), req)
	}

	route := "/v1/tenants/{tenant}/subscriptions"
	if got := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", route, "202")); got != 3 {
		t.Errorf("requests for route template = %v, want 3", got)
	}
	if got := testutil.CollectAndCount(m.HTTPRequestsTotal); got != 1 {
		t.Errorf("series count = %d, want 1", got)
	}
}

func TestRegisterMetricsEndpoint(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewMetrics(registry)
	m.EventIngested("customer.subscription.updated", "stale", time.Millisecond)

	router := mux.NewRouter()
	RegisterMetricsEndpoint(router, registry)

	srv := httptest.NewServer(router)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), `appgrant_events_ingested_total{event_type="customer.subscription.updated",outcome="stale"} 1`) {
		t.Errorf("metric missing from exposition:\n%s", body)
	}
}
