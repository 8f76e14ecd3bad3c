package models

import (
	"encoding/json"
	"time"
)

// BatchStatus is the lifecycle state of a batch execution.
type BatchStatus string

const (
	BatchRunning   BatchStatus = "running"
	BatchCompleted BatchStatus = "completed"
	BatchFailed    BatchStatus = "failed"
	BatchStopped   BatchStatus = "stopped"
)

// BatchExecution groups N tasks run sequentially over one shared browser
// session. CompletedCount+FailedCount equals Total once the batch is
// terminal.
type BatchExecution struct {
	ID               string          `json:"id"`
	ChatSessionID    string          `json:"chat_session_id"`
	BrowserSessionID string          `json:"browser_session_id,omitempty"`
	Total            int             `json:"total"`
	CompletedCount   int             `json:"completed_count"`
	FailedCount      int             `json:"failed_count"`
	Status           BatchStatus     `json:"status"`
	WebhookURL       string          `json:"webhook_url,omitempty"`
	WebhookSecret    string          `json:"-"`
	GlobalConfig     json.RawMessage `json:"global_config,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// IsTerminal reports whether the batch has finished all bookkeeping.
func (b BatchExecution) IsTerminal() bool {
	return b.Status == BatchCompleted || b.Status == BatchFailed
}
