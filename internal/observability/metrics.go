package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides a centralized interface for collecting runtime metrics.
//
// The metrics system is built on Prometheus and tracks:
//   - Model API request performance, token consumption and cost drivers
//   - Agent loop iterations per task
//   - Tool execution patterns and latencies
//   - Browser session lifecycle and screenshot volume
//   - Task outcomes and webhook delivery results
//   - HTTP and store query performance
//
// Usage:
//
//	metrics := observability.NewMetrics()
//	metrics.RecordToolExecution("computer", "success", time.Since(start).Seconds())
type Metrics struct {
	// ModelRequestDuration measures model API call latency in seconds.
	// Labels: provider (anthropic|bedrock), model
	// Buckets: 0.5s to 300s; computer-use turns routinely run long.
	ModelRequestDuration *prometheus.HistogramVec

	// ModelRequestCounter counts model requests by provider and model.
	// Labels: provider, model, status (success|error|overloaded)
	ModelRequestCounter *prometheus.CounterVec

	// ModelTokens tracks token consumption.
	// Labels: provider, model, type (input|output|cache_read|cache_write)
	ModelTokens *prometheus.CounterVec

	// TaskIterations observes how many agent loop turns a task consumed
	// before reaching a terminal status.
	// Labels: status (completed|failed|stopped|paused)
	TaskIterations *prometheus.HistogramVec

	// TaskCounter counts tasks reaching a terminal status.
	// Labels: status
	TaskCounter *prometheus.CounterVec

	// TaskDuration measures wall-clock task runtime in seconds.
	// Labels: status
	TaskDuration *prometheus.HistogramVec

	// ToolExecutionCounter counts tool invocations.
	// Labels: tool_name (computer|report_task_status|memory), status (success|error)
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution time in seconds.
	// Labels: tool_name
	ToolExecutionDuration *prometheus.HistogramVec

	// BrowserActionCounter counts individual browser actions dispatched
	// over CDP.
	// Labels: action (click|type|scroll|...), status (success|error)
	BrowserActionCounter *prometheus.CounterVec

	// ActiveBrowserSessions is a gauge of currently connected CDP sessions.
	ActiveBrowserSessions prometheus.Gauge

	// ScreenshotBytes observes captured screenshot sizes in bytes.
	ScreenshotBytes prometheus.Histogram

	// ContextTrimCounter counts context-shaping operations applied to the
	// conversation before a model request.
	// Labels: kind (screenshot_demoted|thinking_pruned)
	ContextTrimCounter *prometheus.CounterVec

	// DownloadCounter counts browser download lifecycle transitions.
	// Labels: state (started|completed|canceled)
	DownloadCounter *prometheus.CounterVec

	// WebhookDeliveryCounter counts batch webhook delivery attempts.
	// Labels: status (delivered|failed)
	WebhookDeliveryCounter *prometheus.CounterVec

	// ErrorCounter tracks errors by component and type.
	// Labels: component (agent|browser|store|webhook|artifacts), error_type
	ErrorCounter *prometheus.CounterVec

	// HTTPRequestDuration measures HTTP API request latency.
	// Labels: method, path, status_code
	HTTPRequestDuration *prometheus.HistogramVec

	// HTTPRequestCounter counts HTTP requests.
	// Labels: method, path, status_code
	HTTPRequestCounter *prometheus.CounterVec

	// StoreQueryDuration measures persistence query latency.
	// Labels: operation (select|insert|update|delete), table
	StoreQueryDuration *prometheus.HistogramVec

	// StoreQueryCounter counts persistence queries.
	// Labels: operation, table, status (success|error)
	StoreQueryCounter *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics.
// This should be called once at application startup; metrics register with
// the default registry and surface through the /metrics endpoint.
func NewMetrics() *Metrics {
	return &Metrics{
		ModelRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pilot_model_request_duration_seconds",
				Help:    "Duration of model API requests in seconds",
				Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
			},
			[]string{"provider", "model"},
		),

		ModelRequestCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pilot_model_requests_total",
				Help: "Total number of model requests by provider, model, and status",
			},
			[]string{"provider", "model", "status"},
		),

		ModelTokens: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pilot_model_tokens_total",
				Help: "Total number of tokens consumed by provider, model, and type",
			},
			[]string{"provider", "model", "type"},
		),

		TaskIterations: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pilot_task_iterations",
				Help:    "Agent loop iterations consumed per task",
				Buckets: []float64{1, 2, 5, 10, 20, 35, 50, 75, 100},
			},
			[]string{"status"},
		),

		TaskCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pilot_tasks_total",
				Help: "Total number of tasks by terminal status",
			},
			[]string{"status"},
		),

		TaskDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pilot_task_duration_seconds",
				Help:    "Wall-clock task runtime in seconds",
				Buckets: []float64{10, 30, 60, 180, 300, 600, 1800, 3600},
			},
			[]string{"status"},
		),

		ToolExecutionCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pilot_tool_executions_total",
				Help: "Total number of tool executions by tool name and status",
			},
			[]string{"tool_name", "status"},
		),

		ToolExecutionDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pilot_tool_execution_duration_seconds",
				Help:    "Duration of tool executions in seconds",
				Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"tool_name"},
		),

		BrowserActionCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pilot_browser_actions_total",
				Help: "Total number of browser actions dispatched by action and status",
			},
			[]string{"action", "status"},
		),

		ActiveBrowserSessions: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "pilot_active_browser_sessions",
				Help: "Current number of connected remote browser sessions",
			},
		),

		ScreenshotBytes: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "pilot_screenshot_bytes",
				Help:    "Size of captured screenshots in bytes",
				Buckets: prometheus.ExponentialBuckets(16*1024, 2, 9),
			},
		),

		ContextTrimCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pilot_context_trims_total",
				Help: "Total number of context-shaping operations by kind",
			},
			[]string{"kind"},
		),

		DownloadCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pilot_downloads_total",
				Help: "Total number of browser download transitions by state",
			},
			[]string{"state"},
		),

		WebhookDeliveryCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pilot_webhook_deliveries_total",
				Help: "Total number of batch webhook delivery attempts by status",
			},
			[]string{"status"},
		),

		ErrorCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pilot_errors_total",
				Help: "Total number of errors by component and error type",
			},
			[]string{"component", "error_type"},
		),

		HTTPRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pilot_http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"method", "path", "status_code"},
		),

		HTTPRequestCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pilot_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status_code"},
		),

		StoreQueryDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pilot_store_query_duration_seconds",
				Help:    "Duration of persistence queries in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"operation", "table"},
		),

		StoreQueryCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pilot_store_queries_total",
				Help: "Total number of persistence queries",
			},
			[]string{"operation", "table", "status"},
		),
	}
}

// RecordModelRequest records latency, status, and token usage for one model
// API round trip.
func (m *Metrics) RecordModelRequest(provider, model, status string, durationSeconds float64, inputTokens, outputTokens, cacheReadTokens, cacheWriteTokens int64) {
	m.ModelRequestCounter.WithLabelValues(provider, model, status).Inc()
	m.ModelRequestDuration.WithLabelValues(provider, model).Observe(durationSeconds)
	if inputTokens > 0 {
		m.ModelTokens.WithLabelValues(provider, model, "input").Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		m.ModelTokens.WithLabelValues(provider, model, "output").Add(float64(outputTokens))
	}
	if cacheReadTokens > 0 {
		m.ModelTokens.WithLabelValues(provider, model, "cache_read").Add(float64(cacheReadTokens))
	}
	if cacheWriteTokens > 0 {
		m.ModelTokens.WithLabelValues(provider, model, "cache_write").Add(float64(cacheWriteTokens))
	}
}

// RecordToolExecution records metrics for a single tool invocation.
func (m *Metrics) RecordToolExecution(toolName, status string, durationSeconds float64) {
	m.ToolExecutionCounter.WithLabelValues(toolName, status).Inc()
	m.ToolExecutionDuration.WithLabelValues(toolName).Observe(durationSeconds)
}

// RecordBrowserAction counts one CDP-level browser action.
func (m *Metrics) RecordBrowserAction(action, status string) {
	m.BrowserActionCounter.WithLabelValues(action, status).Inc()
}

// BrowserSessionConnected increments the live session gauge.
func (m *Metrics) BrowserSessionConnected() {
	m.ActiveBrowserSessions.Inc()
}

// BrowserSessionDisconnected decrements the live session gauge.
func (m *Metrics) BrowserSessionDisconnected() {
	m.ActiveBrowserSessions.Dec()
}

// RecordScreenshot observes the size of a captured screenshot.
func (m *Metrics) RecordScreenshot(sizeBytes int) {
	m.ScreenshotBytes.Observe(float64(sizeBytes))
}

// RecordTaskFinished records a task reaching a terminal status along with
// its runtime and iteration count.
func (m *Metrics) RecordTaskFinished(status string, durationSeconds float64, iterations int) {
	m.TaskCounter.WithLabelValues(status).Inc()
	m.TaskDuration.WithLabelValues(status).Observe(durationSeconds)
	m.TaskIterations.WithLabelValues(status).Observe(float64(iterations))
}

// RecordContextTrim counts context-shaping operations of the given kind.
func (m *Metrics) RecordContextTrim(kind string, count int) {
	if count <= 0 {
		return
	}
	m.ContextTrimCounter.WithLabelValues(kind).Add(float64(count))
}

// RecordDownload counts a browser download transition.
func (m *Metrics) RecordDownload(state string) {
	m.DownloadCounter.WithLabelValues(state).Inc()
}

// RecordWebhookDelivery counts one webhook delivery attempt.
func (m *Metrics) RecordWebhookDelivery(status string) {
	m.WebhookDeliveryCounter.WithLabelValues(status).Inc()
}

// RecordError increments the error counter for a given component and type.
func (m *Metrics) RecordError(component, errorType string) {
	m.ErrorCounter.WithLabelValues(component, errorType).Inc()
}

// RecordHTTPRequest records metrics for an HTTP request.
func (m *Metrics) RecordHTTPRequest(method, path, statusCode string, durationSeconds float64) {
	m.HTTPRequestCounter.WithLabelValues(method, path, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path, statusCode).Observe(durationSeconds)
}

// RecordStoreQuery records metrics for a persistence query.
func (m *Metrics) RecordStoreQuery(operation, table, status string, durationSeconds float64) {
	m.StoreQueryCounter.WithLabelValues(operation, table, status).Inc()
	m.StoreQueryDuration.WithLabelValues(operation, table).Observe(durationSeconds)
}
