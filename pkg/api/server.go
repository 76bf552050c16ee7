package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/platinummonkey/appgrant/pkg/billing"
	"github.com/platinummonkey/appgrant/pkg/catalog"
	"github.com/platinummonkey/appgrant/pkg/entitlements"
	"github.com/platinummonkey/appgrant/pkg/httputil"
	"github.com/platinummonkey/appgrant/pkg/middleware"
	"github.com/platinummonkey/appgrant/pkg/observability"
	"github.com/platinummonkey/appgrant/pkg/reconcile"
	"github.com/platinummonkey/appgrant/pkg/subscriptions"
	"github.com/platinummonkey/appgrant/pkg/tasks"
	"github.com/platinummonkey/appgrant/pkg/usage"
)

// maxBodyBytes bounds every request body. Processor events are well below.
const maxBodyBytes = 1 << 20

// Ingester applies verified processor events.
type Ingester interface {
	Ingest(ctx context.Context, env reconcile.Envelope) (*reconcile.Result, error)
}

// SubscriptionService runs user-initiated subscription changes.
type SubscriptionService interface {
	Get(ctx context.Context, tenantID, appID string) (*billing.Subscription, error)
	List(ctx context.Context, tenantID string) ([]*billing.Subscription, error)
	Subscribe(ctx context.Context, req subscriptions.SubscribeRequest) (*billing.Subscription, error)
	Preview(ctx context.Context, req subscriptions.ChangeRequest) (*billing.ProrationPreview, error)
	ChangePlan(ctx context.Context, req subscriptions.ChangeRequest) (*subscriptions.ChangeResult, error)
	Cancel(ctx context.Context, tenantID, appID string, immediate bool) (*billing.Subscription, error)
	Reactivate(ctx context.Context, tenantID, appID string) (*billing.Subscription, error)
}

// EntitlementReader answers entitlement queries.
type EntitlementReader interface {
	List(ctx context.Context, tenantID, appID string) ([]*entitlements.Entitlement, error)
	HasAccess(ctx context.Context, tenantID, appID, featureKey string) (*entitlements.Access, error)
}

// UsageMeter counts consumption of limited resources.
type UsageMeter interface {
	Increment(ctx context.Context, tenantID, resource string, amount int64) (*usage.Result, error)
	Current(ctx context.Context, tenantID, resource string) (*usage.Counter, error)
	Analyze(ctx context.Context, tenantID string) (*usage.Analysis, error)
}

// Deps are the services behind the API. Catalog may be nil, in which case
// the plan routes are not registered. A Catalog that is also a
// catalog.Writer gets the internal plan upsert route.
type Deps struct {
	Ingester      Ingester
	Subscriptions SubscriptionService
	Entitlements  EntitlementReader
	Usage         UsageMeter
	Catalog       catalog.Catalog
}

// Options tune the HTTP surface.
type Options struct {
	// InternalToken guards /internal routes. Empty disables the check.
	InternalToken string
	// StripeWebhookSecret enables POST /webhooks/stripe when set.
	StripeWebhookSecret string
	// Queue, when set, makes event ingest asynchronous.
	Queue *tasks.Queue
	// RetryAfter is advertised when an event must be redelivered later.
	RetryAfter  time.Duration
	RateLimiter middleware.Limiter
	Metrics     *observability.Metrics
	Gatherer    prometheus.Gatherer
	Health      *observability.HealthChecker
}

// Server is the HTTP API of the entitlement engine.
type Server struct {
	deps     Deps
	opts     Options
	router   *mux.Router
	enforcer *middleware.Enforcer
	log      logrus.FieldLogger
}

// NewServer creates a server and registers its routes.
func NewServer(deps Deps, opts Options, log logrus.FieldLogger) *Server {
	if log == nil {
		log = logrus.New()
	}
	if opts.RetryAfter <= 0 {
		opts.RetryAfter = 30 * time.Second
	}
	s := &Server{
		deps:   deps,
		opts:   opts,
		router: mux.NewRouter(),
		log:    log.WithField("component", "api"),
	}
	s.enforcer = middleware.NewEnforcer(deps.Entitlements, deps.Usage, log)
	s.setupRoutes()
	return s
}

// Router exposes the router so callers can mount extra routes.
func (s *Server) Router() *mux.Router {
	return s.router
}

// MountApp serves h under /apps/{appID}/ to tenants entitled to featureKey
// of appID. The tenant comes from the X-Tenant-ID header.
func (s *Server) MountApp(appID, featureKey string, h http.Handler) {
	gated := middleware.TenantContext(
		s.enforcer.RequireFeature(appID, featureKey)(http.StripPrefix("/apps/"+appID, h)),
	)
	s.router.PathPrefix("/apps/" + appID + "/").Handler(gated)
}

// Enforcer returns the entitlement gate used by MountApp, for handlers that
// meter their own quota.
func (s *Server) Enforcer() *middleware.Enforcer {
	return s.enforcer
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Handler returns the router wrapped in OpenTelemetry instrumentation.
func (s *Server) Handler() http.Handler {
	return otelhttp.NewHandler(s.router, "appgrant")
}

func (s *Server) setupRoutes() {
	s.router.Use(httputil.RecoveryMiddleware(s.log))
	s.router.Use(httputil.RequestIDMiddleware)
	s.router.Use(httputil.LoggingMiddleware(s.log))
	s.router.Use(httputil.MaxBytesMiddleware(maxBodyBytes))
	if s.opts.Metrics != nil {
		s.router.Use(observability.HTTPMetricsMiddleware(s.opts.Metrics))
	}

	if s.opts.Health != nil {
		observability.RegisterHealthRoutes(s.router, s.opts.Health)
	}
	if s.opts.Gatherer != nil {
		observability.RegisterMetricsEndpoint(s.router, s.opts.Gatherer)
	}

	internal := s.router.PathPrefix("/internal").Subrouter()
	internal.Use(middleware.ServiceToken(s.opts.InternalToken))
	internal.HandleFunc("/events", s.handleEvent).Methods(http.MethodPost)
	if _, ok := s.deps.Catalog.(catalog.Writer); ok {
		internal.HandleFunc("/plans/{plan}", s.upsertPlan).Methods(http.MethodPut)
	}

	if s.opts.StripeWebhookSecret != "" {
		s.router.HandleFunc("/webhooks/stripe", s.handleStripeWebhook).Methods(http.MethodPost)
	}

	v1 := s.router.PathPrefix("/v1").Subrouter()
	v1.Use(middleware.TenantContext)
	if s.opts.RateLimiter != nil {
		v1.Use(middleware.RateLimit(s.opts.RateLimiter, s.log))
	}

	if s.deps.Catalog != nil {
		v1.HandleFunc("/apps/{app}/plans", s.listPlans).Methods(http.MethodGet)
	}

	v1.HandleFunc("/tenants/{tenant}/subscriptions", s.listSubscriptions).Methods(http.MethodGet)
	app := v1.PathPrefix("/tenants/{tenant}/apps/{app}").Subrouter()
	app.HandleFunc("/subscription", s.getSubscription).Methods(http.MethodGet)
	app.HandleFunc("/subscription", s.subscribe).Methods(http.MethodPost)
	app.HandleFunc("/subscription/preview", s.previewChange).Methods(http.MethodPost)
	app.HandleFunc("/subscription/change", s.changePlan).Methods(http.MethodPost)
	app.HandleFunc("/subscription/cancel", s.cancel).Methods(http.MethodPost)
	app.HandleFunc("/subscription/reactivate", s.reactivate).Methods(http.MethodPost)

	app.HandleFunc("/entitlements", s.listEntitlements).Methods(http.MethodGet)
	app.HandleFunc("/features/{feature}/access", s.checkAccess).Methods(http.MethodGet)
	app.HandleFunc("/usage/{feature}", s.currentUsage).Methods(http.MethodGet)
	app.HandleFunc("/usage/{feature}", s.incrementUsage).Methods(http.MethodPost)

	v1.HandleFunc("/tenants/{tenant}/usage/analysis", s.analyzeUsage).Methods(http.MethodGet)
}
