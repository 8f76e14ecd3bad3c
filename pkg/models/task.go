package models

import (
	"encoding/json"
	"time"
)

// TaskStatus is the lifecycle state of an agent task.
type TaskStatus string

const (
	TaskQueued    TaskStatus = "queued"
	TaskRunning   TaskStatus = "running"
	TaskStopped   TaskStatus = "stopped"
	TaskPaused    TaskStatus = "paused"
	TaskFailed    TaskStatus = "failed"
	TaskCompleted TaskStatus = "completed"
)

// AgentStatus is the status the agent itself reports via the
// report_task_status tool.
type AgentStatus string

const (
	AgentCompleted          AgentStatus = "completed"
	AgentFailed             AgentStatus = "failed"
	AgentNeedsClarification AgentStatus = "needs_clarification"
)

// TaskStatusFor maps an agent-reported status onto the task state machine:
// needs_clarification pauses the task so the user can answer and resume.
func TaskStatusFor(s AgentStatus) TaskStatus {
	switch s {
	case AgentCompleted:
		return TaskCompleted
	case AgentFailed:
		return TaskFailed
	case AgentNeedsClarification:
		return TaskPaused
	default:
		return TaskFailed
	}
}

// Task is one agent goal inside a chat session.
type Task struct {
	ID               string          `json:"id"`
	ChatSessionID    string          `json:"chat_session_id"`
	BatchExecutionID string          `json:"batch_execution_id,omitempty"`
	BatchIndex       int             `json:"batch_index,omitempty"`
	UserMessage      string          `json:"user_message"`
	Status           TaskStatus      `json:"status"`
	CurrentIteration int             `json:"current_iteration"`
	MaxIterations    int             `json:"max_iterations"`
	StartedAt        time.Time       `json:"started_at"`
	CompletedAt      *time.Time      `json:"completed_at,omitempty"`
	AgentStatus      AgentStatus     `json:"agent_status,omitempty"`
	AgentMessage     string          `json:"agent_message,omitempty"`
	AgentEvidence    string          `json:"agent_evidence,omitempty"`
	ResultMessage    string          `json:"result_message,omitempty"`
	ErrorMessage     string          `json:"error_message,omitempty"`
	ConfigOverrides  json.RawMessage `json:"config_overrides,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// IsTerminal reports whether the task can never run again.
func (t Task) IsTerminal() bool {
	return t.Status == TaskCompleted || t.Status == TaskFailed
}

// IsResumable reports whether the task's status permits resumption. The
// newest-task constraint is enforced by the store query, not here.
func (t Task) IsResumable() bool {
	switch t.Status {
	case TaskStopped, TaskPaused, TaskFailed:
		return true
	default:
		return false
	}
}
