package observability

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/platinummonkey/appgrant/pkg/usage"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPResponseSize    *prometheus.HistogramVec

	// Reconciliation metrics
	EventsIngestedTotal *prometheus.CounterVec
	EventIngestDuration *prometheus.HistogramVec

	// Background work
	TaskAttemptsTotal  *prometheus.CounterVec
	TaskDuration       *prometheus.HistogramVec
	SchedulerJobsTotal *prometheus.CounterVec
	SchedulerDuration  *prometheus.HistogramVec

	// Usage metrics
	UsageAlertsTotal *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry prometheus.Registerer) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "appgrant_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "appgrant_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		HTTPResponseSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "appgrant_http_response_size_bytes",
				Help:    "HTTP response size in bytes",
				Buckets: prometheus.ExponentialBuckets(100, 10, 6),
			},
			[]string{"method", "route"},
		),

		EventsIngestedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "appgrant_events_ingested_total",
				Help: "Processor events by type and outcome",
			},
			[]string{"event_type", "outcome"},
		),
		EventIngestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "appgrant_event_ingest_duration_seconds",
				Help:    "Time to ingest one processor event",
				Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
			},
			[]string{"event_type"},
		),

		TaskAttemptsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "appgrant_task_attempts_total",
				Help: "Background task attempts by kind and result",
			},
			[]string{"kind", "result"},
		),
		TaskDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "appgrant_task_duration_seconds",
				Help:    "Background task attempt duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"kind"},
		),
		SchedulerJobsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "appgrant_scheduler_jobs_total",
				Help: "Scheduled job runs by job and result",
			},
			[]string{"job", "result"},
		),
		SchedulerDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "appgrant_scheduler_job_duration_seconds",
				Help:    "Scheduled job duration in seconds",
				Buckets: []float64{.01, .1, .5, 1, 5, 15, 30, 60, 120},
			},
			[]string{"job"},
		),

		UsageAlertsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "appgrant_usage_alerts_total",
				Help: "Usage alerts raised by level",
			},
			[]string{"level"},
		),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPResponseSize,
		m.EventsIngestedTotal,
		m.EventIngestDuration,
		m.TaskAttemptsTotal,
		m.TaskDuration,
		m.SchedulerJobsTotal,
		m.SchedulerDuration,
		m.UsageAlertsTotal,
	)

	return m
}

// EventIngested implements reconcile.Metrics.
func (m *Metrics) EventIngested(eventType, outcome string, d time.Duration) {
	m.EventsIngestedTotal.WithLabelValues(eventType, outcome).Inc()
	m.EventIngestDuration.WithLabelValues(eventType).Observe(d.Seconds())
}

// TaskAttempt implements tasks.Observer.
func (m *Metrics) TaskAttempt(kind, result string, d time.Duration) {
	m.TaskAttemptsTotal.WithLabelValues(kind, result).Inc()
	m.TaskDuration.WithLabelValues(kind).Observe(d.Seconds())
}

// JobRun implements scheduler.Observer.
func (m *Metrics) JobRun(job, result string, d time.Duration) {
	m.SchedulerJobsTotal.WithLabelValues(job, result).Inc()
	m.SchedulerDuration.WithLabelValues(job).Observe(d.Seconds())
}

// CountAlerts returns a usage.AlertSink that counts alerts before handing
// them to next. next may be nil.
func (m *Metrics) CountAlerts(next usage.AlertSink) usage.AlertSink {
	return alertCounter{m: m, next: next}
}

type alertCounter struct {
	m    *Metrics
	next usage.AlertSink
}

func (a alertCounter) UsageAlert(ctx context.Context, alert usage.Alert) error {
	a.m.UsageAlertsTotal.WithLabelValues(string(alert.Level)).Inc()
	if a.next == nil {
		return nil
	}
	return a.next.UsageAlert(ctx, alert)
}

// responseWriter wraps http.ResponseWriter to capture status code and size
type responseWriter struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += n
	return n, err
}

// HTTPMetricsMiddleware instruments HTTP requests. Requests are labeled
// with the mux route template so ids in paths do not create new series.
func HTTPMetricsMiddleware(metrics *Metrics) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(rw, r)

			route := "unmatched"
			if cur := mux.CurrentRoute(r); cur != nil {
				if tpl, err := cur.GetPathTemplate(); err == nil {
					route = tpl
				}
			}
			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rw.statusCode)).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
			metrics.HTTPResponseSize.WithLabelValues(r.Method, route).Observe(float64(rw.bytesWritten))
		})
	}
}

// RegisterMetricsEndpoint registers the /metrics endpoint
func RegisterMetricsEndpoint(router *mux.Router, gatherer prometheus.Gatherer) {
	router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
}
