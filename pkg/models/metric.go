package models

import "time"

// PerformanceMetric is one append-only row per sampling-loop iteration.
type PerformanceMetric struct {
	ID                   string    `json:"id"`
	TaskID               string    `json:"task_id"`
	ChatSessionID        string    `json:"chat_session_id"`
	Iteration            int       `json:"iteration"`
	APIResponseMS        int64     `json:"api_response_ms"`
	ToolExecutionMS      int64     `json:"tool_execution_ms"`
	IterationTotalMS     int64     `json:"iteration_total_ms"`
	InputTokens          int64     `json:"input_tokens"`
	OutputTokens         int64     `json:"output_tokens"`
	CacheReadTokens      int64     `json:"cache_read_tokens"`
	CacheCreationTokens  int64     `json:"cache_creation_tokens"`
	ContextClearedTokens int64     `json:"context_cleared_tokens"`
	RequestBytes         int       `json:"request_bytes"`
	ImageCount           int       `json:"image_count"`
	CreatedAt            time.Time `json:"created_at"`
}
