// Package observability provides structured logging, Prometheus metrics,
// health probes and OpenTelemetry setup for settle.
//
// # Structured Logging
//
//	logger := observability.NewLogger(observability.InfoLevel, nil)
//	logger.WithField("tenant_id", 42).Info("plan change applied")
//
// Request-scoped logging picks up the request id, subject and trace ids:
//
//	observability.FromContext(ctx).WithError(err).Warn("webhook rejected")
//
// # Prometheus Metrics
//
//	metrics := observability.NewMetrics(registry)
//	metrics.ObservePlanChange("upgrade", "pending", time.Since(start))
//
// Every helper is nil-safe, so components accept a nil *Metrics in tests.
//
// # Health Checks
//
//	checker := observability.NewHealthChecker(db, redisClient, version)
//	checker.AddCheck("archive", false, archive.HealthCheck)
//	observability.RegisterHealthRoutes(opsMux, checker)
//
// # OpenTelemetry
//
//	providers, err := observability.InitOTel(ctx, cfg, logger)
//	defer observability.ShutdownOTel(ctx, providers, logger)
package observability
