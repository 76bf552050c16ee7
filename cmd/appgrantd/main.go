package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/platinummonkey/appgrant/pkg/api"
	"github.com/platinummonkey/appgrant/pkg/billing"
	"github.com/platinummonkey/appgrant/pkg/cache"
	"github.com/platinummonkey/appgrant/pkg/catalog"
	"github.com/platinummonkey/appgrant/pkg/config"
	"github.com/platinummonkey/appgrant/pkg/entitlements"
	"github.com/platinummonkey/appgrant/pkg/lock"
	"github.com/platinummonkey/appgrant/pkg/middleware"
	"github.com/platinummonkey/appgrant/pkg/notify"
	"github.com/platinummonkey/appgrant/pkg/observability"
	"github.com/platinummonkey/appgrant/pkg/reconcile"
	"github.com/platinummonkey/appgrant/pkg/scheduler"
	"github.com/platinummonkey/appgrant/pkg/storage"
	"github.com/platinummonkey/appgrant/pkg/storage/memory"
	"github.com/platinummonkey/appgrant/pkg/storage/postgres"
	"github.com/platinummonkey/appgrant/pkg/subscriptions"
	"github.com/platinummonkey/appgrant/pkg/tasks"
	"github.com/platinummonkey/appgrant/pkg/usage"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "appgrantd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}
	log, err := observability.NewLogger(cfg.Observability.LogLevel, cfg.Observability.LogFormat, os.Stdout)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdown := observability.NewShutdownManager(log, cfg.Server.ShutdownTimeout)
	defer func() {
		if err := shutdown.Shutdown(context.Background()); err != nil {
			log.WithError(err).Error("shutdown finished with errors")
		}
	}()

	tp, err := observability.InitTracing(ctx, observability.TracingConfig{
		Enabled:        cfg.Observability.OTelEnabled,
		Endpoint:       cfg.Observability.OTelEndpoint,
		ServiceName:    cfg.Observability.OTelServiceName,
		ServiceVersion: cfg.Observability.OTelServiceVersion,
		Insecure:       cfg.Observability.OTelInsecure,
		SampleRatio:    cfg.Observability.OTelSampleRatio,
	}, log)
	if err != nil {
		return err
	}
	shutdown.Register("tracing", func(ctx context.Context) error {
		return observability.ShutdownTracing(ctx, tp, log)
	})

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(registry)

	// Storage.
	store, db, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	shutdown.Register("store", func(context.Context) error { return store.Close() })

	var rdb *redis.Client
	if cfg.Storage.RedisURL != "" {
		rdb, err = storage.NewRedisClient(cfg.Storage)
		if err != nil {
			return err
		}
		shutdown.Register("redis", func(context.Context) error { return rdb.Close() })
	}

	planCache, tiered := newCache(cfg, rdb, log)

	// Background tasks.
	var dead tasks.DeadLetterSink = tasks.NewMemoryDeadLetters()
	var s3Sink *tasks.S3DeadLetterSink
	if cfg.Tasks.DeadLetter == "s3" {
		s3Sink, err = tasks.NewS3DeadLetterSink(ctx, cfg.Storage)
		if err != nil {
			return err
		}
		dead = s3Sink
	}
	queue := tasks.NewQueue(cfg.Tasks.Queue, dead, log, tasks.WithObserver(metrics))

	var notifier notify.Notifier = notify.Nop{}
	if cfg.Notify.EndpointsFile != "" {
		endpoints, err := notify.LoadEndpoints(cfg.Notify.EndpointsFile)
		if err != nil {
			return err
		}
		notifier = notify.NewWebhookNotifier(endpoints, cfg.Notify.Timeout, queue, log)
		log.WithField("endpoints", len(endpoints)).Info("notifications enabled")
	}

	// Domain.
	cat, fileCat, err := openCatalog(cfg, db, planCache, log)
	if err != nil {
		return err
	}

	counters, err := newUsageStore(cfg, db, rdb)
	if err != nil {
		return err
	}
	meter := usage.NewMeter(counters, log,
		usage.WithAlertSink(metrics.CountAlerts(notifier)),
		usage.WithAlertTimeout(cfg.Usage.AlertTimeout),
	)
	ents := entitlements.NewStore(cat, store, meter, planCache, log)

	var locker lock.Locker = lock.NewLocalLocker()
	if cfg.Lock.Backend == "redis" {
		lockCfg := lock.DefaultRedisConfig()
		lockCfg.TTL = cfg.Lock.TTL
		locker = lock.NewRedisLocker(rdb, lockCfg, log)
	}

	var gateway billing.PaymentGateway = billing.LocalGateway{}
	if cfg.Billing.Gateway == "stripe" {
		gateway = billing.NewStripeGateway(cfg.Billing.StripeSecretKey, cfg.Billing.GatewayTimeout)
	}

	reconciler := reconcile.New(store, cat, ents, locker, notifier, log,
		reconcile.WithConfig(cfg.Reconcile),
		reconcile.WithMetrics(metrics),
	)
	reconciler.Register(queue)

	subs := subscriptions.NewService(store, cat, ents, gateway, locker, log,
		subscriptions.WithConfig(cfg.Subscriptions),
		subscriptions.WithNotifier(notifier),
	)

	sched := scheduler.New(cfg.Scheduler, subs, meter, queue, metrics, log)

	// HTTP.
	var redisHealth redis.UniversalClient
	if rdb != nil {
		redisHealth = rdb
	}
	health := observability.NewHealthChecker(db, redisHealth, cfg.Observability.OTelServiceVersion)
	health.AddCheck("store", true, store.HealthCheck)
	if s3Sink != nil {
		health.AddCheck("dead_letters", false, s3Sink.HealthCheck)
	}

	opts := api.Options{
		InternalToken:       cfg.Server.InternalToken,
		StripeWebhookSecret: cfg.Billing.StripeWebhookSecret,
		Health:              health,
	}
	if cfg.Tasks.AsyncIngest {
		opts.Queue = queue
	}
	if cfg.Observability.MetricsEnabled {
		opts.Metrics = metrics
		opts.Gatherer = registry
	}
	var localLimiter *middleware.RateLimiter
	if cfg.Server.RateLimitPerMinute > 0 {
		rl := &middleware.RateLimitConfig{
			RequestsPerWindow: cfg.Server.RateLimitPerMinute,
			WindowDuration:    time.Minute,
			BurstSize:         cfg.Server.RateLimitBurst,
		}
		if rdb != nil {
			opts.RateLimiter = middleware.NewDistributedRateLimiter(rdb, rl, "")
		} else {
			localLimiter = middleware.NewRateLimiter(rl)
			opts.RateLimiter = localLimiter
		}
	}

	srv := api.NewServer(api.Deps{
		Ingester:      reconciler,
		Subscriptions: subs,
		Entitlements:  ents,
		Usage:         meter,
		Catalog:       cat,
	}, opts, log)

	httpServer := &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, cfg.Server.Port),
		Handler:      srv.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Start. Shutdown runs in reverse: the HTTP server stops first, then
	// the scheduler, then the queue drains, then storage closes.
	queue.Start(ctx)
	shutdown.Register("tasks", queue.Stop)

	if err := sched.Start(ctx); err != nil {
		return err
	}
	shutdown.Register("scheduler", sched.Stop)
	shutdown.Register("http", httpServer.Shutdown)

	g, gctx := errgroup.WithContext(ctx)
	if fileCat != nil && cfg.Catalog.Watch {
		g.Go(func() error {
			defer observability.RecoverPanic(log, "catalog watcher")
			return fileCat.Watch(gctx)
		})
	}
	if tiered != nil {
		g.Go(func() error { return tiered.Listen(gctx) })
	}
	if localLimiter != nil {
		localLimiter.StartCleanup(gctx)
	}
	g.Go(func() error {
		log.WithField("addr", httpServer.Addr).Info("appgrant listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		return shutdown.Shutdown(context.Background())
	})
	return g.Wait()
}

func openStore(ctx context.Context, cfg *config.Config, log logrus.FieldLogger) (storage.Store, *sql.DB, error) {
	if cfg.Storage.Type != "postgres" {
		log.Warn("using in-memory storage; state is lost on restart")
		return memory.NewStore(), nil, nil
	}
	cm, err := postgres.NewConnectionManager(postgres.ConnectionConfig{
		PrimaryURL:  cfg.Storage.PostgresURL,
		ReplicaURLs: cfg.Storage.PostgresReplicaURLs,
		MaxConns:    cfg.Storage.PostgresMaxConns,
		MinConns:    cfg.Storage.PostgresMinConns,
		Timeout:     cfg.Storage.PostgresTimeout,
	}, log)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	if err := postgres.Migrate(ctx, cm.Primary()); err != nil {
		_ = cm.Close()
		return nil, nil, err
	}
	if len(cfg.Storage.PostgresReplicaURLs) > 0 {
		cm.StartHealthCheckRoutine(ctx, 30*time.Second)
	}
	return postgres.NewReplicatedStore(cm, log), cm.Primary(), nil
}

// newCache returns the entity cache and, when Redis backs it, the tiered
// cache whose invalidation listener must run.
func newCache(cfg *config.Config, rdb *redis.Client, log logrus.FieldLogger) (cache.Cache, *cache.TieredCache) {
	cacheCfg := cfg.Cache.ToCache()
	local := cache.NewMemoryCache(cacheCfg)
	if rdb == nil || !cfg.Cache.Redis {
		return local, nil
	}
	tiered := cache.NewTieredCache(local, cache.NewRedisCache(rdb, cacheCfg), log)
	return tiered, tiered
}

// openCatalog returns the cached catalog and, for the file source, the
// underlying file catalog so it can be watched.
func openCatalog(cfg *config.Config, db *sql.DB, c cache.Cache, log logrus.FieldLogger) (*catalog.CachedCatalog, *catalog.FileCatalog, error) {
	if cfg.Catalog.Source == "postgres" {
		return catalog.NewCachedCatalog(catalog.NewPostgresCatalog(db), c, log), nil, nil
	}
	file, err := catalog.NewFileCatalog(cfg.Catalog.Path, log)
	if err != nil {
		return nil, nil, err
	}
	cached := catalog.NewCachedCatalog(file, c, log)
	file.OnReload(cached.InvalidateAll)
	return cached, file, nil
}

func newUsageStore(cfg *config.Config, db *sql.DB, rdb *redis.Client) (usage.Store, error) {
	switch cfg.Usage.Backend {
	case "postgres":
		return usage.NewPostgresStore(db), nil
	case "redis":
		if rdb == nil {
			return nil, errors.New("redis usage counters need a redis client")
		}
		return usage.NewRedisStore(rdb, ""), nil
	default:
		return usage.NewMemoryStore(), nil
	}
}
