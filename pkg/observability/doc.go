// Package observability provides structured logging, Prometheus metrics, OpenTelemetry
// tracing and metrics, health checks and graceful shutdown for the dunning service.
//
// # Structured Logging
//
//	logger := observability.NewLogger(observability.InfoLevel, os.Stdout)
//	logger.WithField("invoice_id", inv.ID).WithError(err).Warn("Charge declined")
//
// Loggers travel on the context so background workers log with request fields:
//
//	ctx = observability.WithLogger(ctx, logger)
//	observability.FromContext(ctx).Info("Retry due")
//
// # Prometheus Metrics
//
// Metrics is nil-safe, so components accept a nil *Metrics in tests:
//
//	metrics := observability.NewMetrics(prometheus.NewRegistry())
//	metrics.RecordAttempt("declined", "stage1", elapsed)
//	metrics.SetRetryQueueDepth(12)
//
// # OpenTelemetry
//
//	providers, err := observability.InitOTel(ctx, observability.OTelConfig{
//		Enabled:     true,
//		Endpoint:    "otel-collector:4317",
//		ServiceName: "dunningd",
//		Insecure:    true,
//	}, logger)
//	defer observability.ShutdownOTel(ctx, providers, logger)
//
//	gateway := observability.NewGatewayInstruments()
//	gateway.RecordCharge(ctx, "succeeded", "initial", elapsed)
//
// # Health Checks
//
//	checker := observability.NewHealthChecker(db, redisClient)
//	checker.AddCheck("payment_gateway", false, pingGateway)
//	observability.RegisterHealthRoutes(mux, checker)
//
// # Shutdown
//
//	sm := observability.NewShutdownManager(logger, 30*time.Second, apiServer)
//	sm.Register("recovery engine", func(ctx context.Context) error { return engine.Stop(25 * time.Second) })
//	sm.WaitForShutdown(ctx)
//
// # Related Packages
//
//   - pkg/config: Observability configuration
//   - pkg/httputil: Request logging and metrics middleware
package observability
