// Package observability provides monitoring and debugging capabilities for
// the pilot runtime through metrics, structured logging, distributed
// tracing, and diagnostic events.
//
// # Overview
//
// The package implements four surfaces:
//
//  1. Metrics - Prometheus counters, gauges, and histograms
//  2. Logging - structured slog output with sensitive data redaction
//  3. Tracing - OpenTelemetry spans exported over OTLP
//  4. Diagnostics - typed in-process events for live streaming
//
// # Metrics
//
// Metrics track model request latency and token consumption, agent loop
// iterations, tool and browser action outcomes, screenshot volume, live
// browser session counts, task terminal statuses, and webhook deliveries.
//
//	metrics := observability.NewMetrics()
//	start := time.Now()
//	// ... model round trip ...
//	metrics.RecordModelRequest("anthropic", model, "success",
//	    time.Since(start).Seconds(), in, out, cacheRead, cacheWrite)
//
// # Logging
//
// Logging is built on slog with automatic correlation: request, chat
// session, task, and browser session ids stored in the context appear on
// every record. API keys, bearer tokens, webhook secrets, and presigned URL
// signatures are redacted before emission.
//
//	logger := observability.NewLogger(observability.LogConfig{
//	    Level:  "info",
//	    Format: "json",
//	})
//	ctx = observability.WithTaskID(ctx, task.ID)
//	logger.Info(ctx, "task started", "trigger", "api")
//
// # Tracing
//
// A task run produces a span tree rooted at task.run with child spans per
// model request, tool execution, and browser action. Traces export over
// OTLP gRPC when an endpoint is configured and are disabled otherwise.
//
//	tracer, shutdown := observability.NewTracer(observability.TraceConfig{
//	    ServiceName: "pilot",
//	    Endpoint:    os.Getenv("OTEL_ENDPOINT"),
//	})
//	defer shutdown(context.Background())
//
// # Diagnostics
//
// Diagnostic events are typed, sequenced payloads emitted in-process and
// fanned out to registered listeners. The websocket event mirror subscribes
// here to stream model usage, task transitions, browser lifecycle, and
// webhook delivery events to connected dashboards.
//
//	unsubscribe := observability.OnDiagnosticEvent(func(e observability.DiagnosticEventPayload) {
//	    // forward to websocket clients
//	})
//	defer unsubscribe()
//
// # Dashboard queries
//
// Useful PromQL over the exposed metrics:
//
//	# Model latency (95th percentile)
//	histogram_quantile(0.95, rate(pilot_model_request_duration_seconds_bucket[5m]))
//
//	# Token burn by type
//	rate(pilot_model_tokens_total[5m])
//
//	# Live browser sessions
//	pilot_active_browser_sessions
//
//	# Task failure rate
//	rate(pilot_tasks_total{status="failed"}[15m])
package observability
