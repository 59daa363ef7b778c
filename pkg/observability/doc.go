// Package observability provides structured logging, Prometheus metrics,
// OpenTelemetry tracing, health probes and graceful shutdown.
//
// # Structured Logging
//
//	logger := observability.NewLogger("info", os.Stdout)
//	logger.WithFields(logrus.Fields{"delivery_id": id}).Info("Delivery attempted")
//
// Request-scoped loggers travel in the context:
//
//	ctx = observability.WithLogger(ctx, logger)
//	observability.FromContext(ctx).Warn("Claim lost")
//
// # Prometheus Metrics
//
//	registry := prometheus.NewRegistry()
//	metrics := observability.NewMetrics(registry)
//	router.Use(observability.HTTPMetricsMiddleware(metrics))
//	observability.RegisterMetricsEndpoint(router, registry)
//
// Every helper method on *Metrics is safe to call on a nil receiver.
//
// # Health Checks
//
//	checker := observability.NewHealthChecker(db, redisClient, version)
//	observability.RegisterHealthRoutes(router, checker)
//
// # OpenTelemetry
//
//	providers, err := observability.InitOTel(ctx, observability.OTelConfig{
//		Enabled:     true,
//		Endpoint:    "otel-collector:4317",
//		ServiceName: "hookd",
//	}, logger)
//	defer providers.Shutdown(ctx)
//
// Delivery, sweep and health observations can be mirrored to the OTLP
// collector:
//
//	otelMetrics, err := observability.NewOTelMetrics()
//	metrics.MirrorTo(otelMetrics)
//	otelMetrics.ObserveDBStats(store.Stats)
//
// # Related Packages
//
//   - pkg/config: Observability configuration
//   - pkg/httputil: Request logging middleware
package observability
