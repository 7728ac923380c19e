// Package observability provides structured logging, Prometheus metrics,
// OpenTelemetry tracing and health checks for the permission service.
//
// # Logging
//
//	logger := observability.NewLogger(observability.InfoLevel, os.Stdout)
//	observability.FromContext(ctx, logger).WithField("repo", name).Info("grant applied")
//
// FromContext attaches the request id, acting user and trace ids found in ctx.
//
// # Metrics
//
//	registry := prometheus.NewRegistry()
//	metrics := observability.NewMetrics(registry)
//	router.Use(observability.HTTPMetricsMiddleware(metrics))
//	observability.RegisterMetricsEndpoint(router, registry)
//
// # Tracing
//
// InitOTel installs OTLP/gRPC trace and metric providers. Until it is called,
// Tracer returns a no-op tracer, so instrumented code runs unchanged in tests.
package observability
