// Package observability provides diagnostic event types and emission.
package observability

import (
	"sync"
	"sync/atomic"
	"time"
)

// DiagnosticEventType identifies the type of diagnostic event.
type DiagnosticEventType string

const (
	EventTypeModelUsage          DiagnosticEventType = "model.usage"
	EventTypeTaskState           DiagnosticEventType = "task.state"
	EventTypeBrowserConnected    DiagnosticEventType = "browser.connected"
	EventTypeBrowserDisconnected DiagnosticEventType = "browser.disconnected"
	EventTypeBrowserDestroyed    DiagnosticEventType = "browser.destroyed"
	EventTypeDownload            DiagnosticEventType = "browser.download"
	EventTypeScreenshot          DiagnosticEventType = "browser.screenshot"
	EventTypeWebhookDelivery     DiagnosticEventType = "webhook.delivery"
	EventTypeDiagnosticHeartbeat DiagnosticEventType = "diagnostic.heartbeat"
)

// DiagnosticEvent is the base event structure. Seq is a monotonic sequence
// number so consumers can detect gaps; Ts is unix milliseconds.
type DiagnosticEvent struct {
	Type DiagnosticEventType `json:"type"`
	Seq  int64               `json:"seq"`
	Ts   int64               `json:"ts"`
}

// ModelUsageEvent tracks token usage and cost for one model request.
type ModelUsageEvent struct {
	DiagnosticEvent
	SessionID  string       `json:"session_id,omitempty"`
	TaskID     string       `json:"task_id,omitempty"`
	Provider   string       `json:"provider,omitempty"`
	Model      string       `json:"model,omitempty"`
	Usage      UsageDetails `json:"usage"`
	CostUSD    float64      `json:"cost_usd,omitempty"`
	DurationMs int64        `json:"duration_ms,omitempty"`
	Iteration  int          `json:"iteration,omitempty"`
}

// UsageDetails contains token usage breakdown.
type UsageDetails struct {
	Input      int64 `json:"input,omitempty"`
	Output     int64 `json:"output,omitempty"`
	CacheRead  int64 `json:"cache_read,omitempty"`
	CacheWrite int64 `json:"cache_write,omitempty"`
	Total      int64 `json:"total,omitempty"`
}

// TaskStateEvent tracks task status transitions.
type TaskStateEvent struct {
	DiagnosticEvent
	TaskID      string `json:"task_id"`
	SessionID   string `json:"session_id,omitempty"`
	BatchID     string `json:"batch_id,omitempty"`
	PrevStatus  string `json:"prev_status,omitempty"`
	Status      string `json:"status"`
	AgentStatus string `json:"agent_status,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

// BrowserSessionEvent tracks remote browser session lifecycle.
type BrowserSessionEvent struct {
	DiagnosticEvent
	SessionID        string `json:"session_id,omitempty"`
	BrowserSessionID string `json:"browser_session_id"`
	CDPWSURL         string `json:"cdp_ws_url,omitempty"`
	Reason           string `json:"reason,omitempty"`
}

// DownloadEvent tracks browser download progress.
type DownloadEvent struct {
	DiagnosticEvent
	SessionID     string `json:"session_id,omitempty"`
	GUID          string `json:"guid"`
	Filename      string `json:"filename,omitempty"`
	URL           string `json:"url,omitempty"`
	State         string `json:"state"`
	ReceivedBytes int64  `json:"received_bytes,omitempty"`
	TotalBytes    int64  `json:"total_bytes,omitempty"`
}

// ScreenshotEvent tracks captured and stored screenshots.
type ScreenshotEvent struct {
	DiagnosticEvent
	SessionID string `json:"session_id,omitempty"`
	TaskID    string `json:"task_id,omitempty"`
	Bytes     int    `json:"bytes"`
	URL       string `json:"url,omitempty"`
}

// WebhookDeliveryEvent tracks outgoing batch webhook deliveries.
type WebhookDeliveryEvent struct {
	DiagnosticEvent
	BatchID    string `json:"batch_id"`
	TaskID     string `json:"task_id,omitempty"`
	URL        string `json:"url,omitempty"`
	Status     string `json:"status"`
	Attempt    int    `json:"attempt,omitempty"`
	HTTPStatus int    `json:"http_status,omitempty"`
	Error      string `json:"error,omitempty"`
}

// DiagnosticHeartbeatEvent reports runtime occupancy.
type DiagnosticHeartbeatEvent struct {
	DiagnosticEvent
	LiveBrowserSessions int `json:"live_browser_sessions"`
	RunningTasks        int `json:"running_tasks"`
	ActiveBatches       int `json:"active_batches"`
}

// DiagnosticEventPayload is a union type for all diagnostic events.
type DiagnosticEventPayload interface {
	EventType() DiagnosticEventType
	Sequence() int64
	Timestamp() int64
}

func (e *DiagnosticEvent) EventType() DiagnosticEventType { return e.Type }
func (e *DiagnosticEvent) Sequence() int64                { return e.Seq }
func (e *DiagnosticEvent) Timestamp() int64               { return e.Ts }

// DiagnosticListener receives diagnostic events.
type DiagnosticListener func(event DiagnosticEventPayload)

type diagnosticEmitter struct {
	mu        sync.RWMutex
	seq       int64
	enabled   bool
	nextID    int
	listeners map[int]DiagnosticListener
}

var globalEmitter = &diagnosticEmitter{listeners: make(map[int]DiagnosticListener)}

// SetDiagnosticsEnabled enables or disables diagnostic event emission.
func SetDiagnosticsEnabled(enabled bool) {
	globalEmitter.mu.Lock()
	defer globalEmitter.mu.Unlock()
	globalEmitter.enabled = enabled
}

// IsDiagnosticsEnabled returns whether diagnostics are enabled.
func IsDiagnosticsEnabled() bool {
	globalEmitter.mu.RLock()
	defer globalEmitter.mu.RUnlock()
	return globalEmitter.enabled
}

// OnDiagnosticEvent registers a listener and returns an unsubscribe
// function. Listener panics are swallowed so one bad consumer cannot take
// down emission.
func OnDiagnosticEvent(listener DiagnosticListener) func() {
	globalEmitter.mu.Lock()
	defer globalEmitter.mu.Unlock()
	id := globalEmitter.nextID
	globalEmitter.nextID++
	globalEmitter.listeners[id] = listener

	return func() {
		globalEmitter.mu.Lock()
		defer globalEmitter.mu.Unlock()
		delete(globalEmitter.listeners, id)
	}
}

func nextSeq() int64 {
	return atomic.AddInt64(&globalEmitter.seq, 1)
}

func emit(event DiagnosticEventPayload) {
	globalEmitter.mu.RLock()
	if !globalEmitter.enabled {
		globalEmitter.mu.RUnlock()
		return
	}
	listeners := make([]DiagnosticListener, 0, len(globalEmitter.listeners))
	for _, l := range globalEmitter.listeners {
		listeners = append(listeners, l)
	}
	globalEmitter.mu.RUnlock()

	for _, listener := range listeners {
		func() {
			defer func() {
				_ = recover()
			}()
			listener(event)
		}()
	}
}

func stamp(e *DiagnosticEvent, t DiagnosticEventType) {
	e.Type = t
	e.Seq = nextSeq()
	e.Ts = time.Now().UnixMilli()
}

// EmitModelUsage emits a model usage event.
func EmitModelUsage(e *ModelUsageEvent) {
	stamp(&e.DiagnosticEvent, EventTypeModelUsage)
	emit(e)
}

// EmitTaskState emits a task status transition event.
func EmitTaskState(e *TaskStateEvent) {
	stamp(&e.DiagnosticEvent, EventTypeTaskState)
	emit(e)
}

// EmitBrowserConnected emits a browser session connect event.
func EmitBrowserConnected(e *BrowserSessionEvent) {
	stamp(&e.DiagnosticEvent, EventTypeBrowserConnected)
	emit(e)
}

// EmitBrowserDisconnected emits a browser session disconnect event.
func EmitBrowserDisconnected(e *BrowserSessionEvent) {
	stamp(&e.DiagnosticEvent, EventTypeBrowserDisconnected)
	emit(e)
}

// EmitBrowserDestroyed emits a browser session destroy event.
func EmitBrowserDestroyed(e *BrowserSessionEvent) {
	stamp(&e.DiagnosticEvent, EventTypeBrowserDestroyed)
	emit(e)
}

// EmitDownload emits a download progress event.
func EmitDownload(e *DownloadEvent) {
	stamp(&e.DiagnosticEvent, EventTypeDownload)
	emit(e)
}

// EmitScreenshot emits a screenshot captured event.
func EmitScreenshot(e *ScreenshotEvent) {
	stamp(&e.DiagnosticEvent, EventTypeScreenshot)
	emit(e)
}

// EmitWebhookDelivery emits a webhook delivery event.
func EmitWebhookDelivery(e *WebhookDeliveryEvent) {
	stamp(&e.DiagnosticEvent, EventTypeWebhookDelivery)
	emit(e)
}

// EmitDiagnosticHeartbeat emits a runtime occupancy heartbeat.
func EmitDiagnosticHeartbeat(e *DiagnosticHeartbeatEvent) {
	stamp(&e.DiagnosticEvent, EventTypeDiagnosticHeartbeat)
	emit(e)
}

// ResetDiagnosticsForTest resets emitter state for testing.
func ResetDiagnosticsForTest() {
	globalEmitter.mu.Lock()
	defer globalEmitter.mu.Unlock()
	atomic.StoreInt64(&globalEmitter.seq, 0)
	globalEmitter.listeners = make(map[int]DiagnosticListener)
	globalEmitter.nextID = 0
}
