package agent

import (
	"encoding/json"
	"time"

	"github.com/haasonsaas/pilot/pkg/models"
)

// EventKind discriminates the streamed event variants.
type EventKind string

const (
	EventMetadata   EventKind = "metadata"
	EventMessage    EventKind = "message"
	EventTaskStatus EventKind = "task_status"
	EventDone       EventKind = "done"
	EventError      EventKind = "error"
)

// Event is one streamed occurrence in a task run. The web layer writes each
// event as a single SSE data frame; the websocket mirror forwards the same
// JSON. Exactly one variant's fields are populated per kind:
//
//	metadata:    SessionID, BrowserSessionID, StreamURL, TaskID
//	message:     ID, Role, Content, Reasoning, ToolCalls
//	task_status: Status, AgentStatus, Message, Evidence
//	done:        FinalResponse
//	error:       Message
type Event struct {
	Type             EventKind      `json:"type"`
	TaskID           string         `json:"taskId,omitempty"`
	SessionID        string         `json:"sessionId,omitempty"`
	BrowserSessionID string         `json:"browserSessionId,omitempty"`
	StreamURL        string         `json:"streamUrl,omitempty"`
	ID               string         `json:"id,omitempty"`
	Role             string         `json:"role,omitempty"`
	Content          string         `json:"content,omitempty"`
	Reasoning        string         `json:"reasoning,omitempty"`
	ToolCalls        []ToolCallView `json:"toolCalls,omitempty"`
	Status           string         `json:"status,omitempty"`
	AgentStatus      string         `json:"agentStatus,omitempty"`
	Message          string         `json:"message,omitempty"`
	Evidence         string         `json:"evidence,omitempty"`
	FinalResponse    string         `json:"finalResponse,omitempty"`
	Timestamp        time.Time      `json:"timestamp"`
}

// ToolCallView is the UI-facing summary of one tool invocation. Unlike the
// persisted models.ToolCall it may carry the screenshot bytes inline so chat
// clients can render the frame without a second fetch.
type ToolCallView struct {
	ID     string          `json:"id"`
	Name   string          `json:"name"`
	Args   json.RawMessage `json:"args,omitempty"`
	Result *ToolResultView `json:"result,omitempty"`
}

// ToolResultView is the structured outcome shipped with a message event.
type ToolResultView struct {
	Success       bool   `json:"success"`
	Description   string `json:"description,omitempty"`
	Error         string `json:"error,omitempty"`
	Screenshot    []byte `json:"screenshot,omitempty"`
	ScreenshotURL string `json:"screenshot_url,omitempty"`
}

// Persisted converts the view into its stored form, dropping inline bytes.
func (v ToolCallView) Persisted() models.ToolCall {
	tc := models.ToolCall{ID: v.ID, Name: v.Name, Args: v.Args}
	if v.Result != nil {
		tc.Result = &models.ToolCallResult{
			Success:       v.Result.Success,
			Description:   v.Result.Description,
			Error:         v.Result.Error,
			ScreenshotURL: v.Result.ScreenshotURL,
		}
	}
	return tc
}

// Sink receives loop events in emission order. The loop calls it inline, so
// implementations must not block for long.
type Sink func(Event)

// NopSink discards events. Batch runs use it; webhooks are driven off
// task_status events by the batch executor's own wrapper.
func NopSink() Sink {
	return func(Event) {}
}

func persistedCalls(views []ToolCallView) []models.ToolCall {
	if len(views) == 0 {
		return nil
	}
	out := make([]models.ToolCall, len(views))
	for i, v := range views {
		out[i] = v.Persisted()
	}
	return out
}
