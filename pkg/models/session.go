package models

import "time"

// ChatSessionStatus is the lifecycle state of a conversation.
type ChatSessionStatus string

const (
	ChatSessionActive    ChatSessionStatus = "active"
	ChatSessionCompleted ChatSessionStatus = "completed"
	ChatSessionFailed    ChatSessionStatus = "failed"
)

// ChatSession is one user conversation. It owns the ordered Message and Task
// rows beneath it and accumulates usage aggregates as tasks run.
type ChatSession struct {
	ID                       string            `json:"id"`
	Status                   ChatSessionStatus `json:"status"`
	TotalDurationMS          int64             `json:"total_duration_ms"`
	TotalIterations          int               `json:"total_iterations"`
	TotalInputTokens         int64             `json:"total_input_tokens"`
	TotalOutputTokens        int64             `json:"total_output_tokens"`
	TotalCacheReadTokens     int64             `json:"total_cache_read_tokens"`
	TotalCacheCreationTokens int64             `json:"total_cache_creation_tokens"`
	TotalCostUSD             float64           `json:"total_cost_usd"`
	Metadata                 map[string]any    `json:"metadata,omitempty"`
	CreatedAt                time.Time         `json:"created_at"`
	UpdatedAt                time.Time         `json:"updated_at"`
}

// UsageDelta is the per-task aggregate applied to a chat session when a task
// reaches a terminal or pause state.
type UsageDelta struct {
	DurationMS          int64
	Iterations          int
	InputTokens         int64
	OutputTokens        int64
	CacheReadTokens     int64
	CacheCreationTokens int64
	CostUSD             float64
}

// BrowserSessionStatus is the lifecycle state of a remote browser.
type BrowserSessionStatus string

const (
	BrowserSessionActive     BrowserSessionStatus = "active"
	BrowserSessionStopped    BrowserSessionStatus = "stopped"
	BrowserSessionTerminated BrowserSessionStatus = "terminated"
)

// BrowserSession is the remote browser counterpart of a chat session. At most
// one exists per chat session; the row survives CDP disconnect/reconnect
// cycles so a standby browser can be re-attached later.
type BrowserSession struct {
	ID                string               `json:"id"`
	ChatSessionID     string               `json:"chat_session_id"`
	RemoteID          string               `json:"remote_id"`
	DebuggerURL       string               `json:"debugger_url"`
	LiveViewURL       string               `json:"live_view_url,omitempty"`
	CDPConnected      bool                 `json:"cdp_connected"`
	CDPDisconnectedAt *time.Time           `json:"cdp_disconnected_at,omitempty"`
	LastActivityAt    *time.Time           `json:"last_activity_at,omitempty"`
	Status            BrowserSessionStatus `json:"status"`
	CreatedAt         time.Time            `json:"created_at"`
	UpdatedAt         time.Time            `json:"updated_at"`
}
