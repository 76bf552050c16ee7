// Package observability provides structured logging, Prometheus metrics,
// OpenTelemetry tracing, health checks and graceful shutdown.
//
// # Structured Logging
//
//	log, err := observability.NewLogger("info", "json", os.Stdout)
//	log.WithFields(logrus.Fields{"tenant_id": id}).Info("subscription created")
//
// # Prometheus Metrics
//
// Metrics implements the observer interfaces of the reconciler, the task
// queue and the scheduler, so one registry covers every component:
//
//	metrics := observability.NewMetrics(registry)
//	rec := reconcile.New(..., reconcile.WithMetrics(metrics))
//	queue := tasks.NewQueue(cfg, sink, log, tasks.WithObserver(metrics))
//
// # Health Checks
//
//	checker := observability.NewHealthChecker(db, redisClient, version)
//	checker.AddCheck("s3", sink.HealthCheck)
//	observability.RegisterHealthRoutes(router, checker)
//
// # OpenTelemetry
//
//	tp, err := observability.InitTracing(ctx, cfg, log)
//	defer observability.ShutdownTracing(ctx, tp, log)
package observability
