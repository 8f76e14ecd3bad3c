// Package agent implements the sampling loop that drives a browser-using
// agent: shape context, call the model, execute the returned tool calls
// against the live browser session, persist the turn, repeat until the model
// stops asking for tools, the agent reports a status, the user stops the
// task, or the iteration budget runs out.
package agent

import (
	"context"
	"encoding/json"

	"github.com/haasonsaas/pilot/pkg/models"
)

// ModelPort is the inference backend. Implementations translate the neutral
// request into their wire format and must round-trip thinking signatures
// verbatim: the backend validates them on the next turn.
//
// Implementations must be safe for concurrent use; the runtime invokes one
// port instance from every running task.
type ModelPort interface {
	// Invoke sends one request and blocks until the full response is
	// available or ctx expires.
	Invoke(ctx context.Context, req *Request) (*Response, error)

	// Name identifies the backend for logs and metrics ("anthropic",
	// "bedrock").
	Name() string
}

// Request is one inference call.
type Request struct {
	// Model overrides the port's default model when non-empty.
	Model string

	// System is the system prompt.
	System string

	// Messages is the shaped conversation, oldest first.
	Messages []models.Message

	// Tools offered to the model this turn.
	Tools []ToolDef

	// MaxTokens bounds the generated output.
	MaxTokens int

	Thinking ThinkingConfig

	// Betas are extra beta feature names forwarded verbatim. The computer
	// use beta is always included by the ports.
	Betas []string

	// CacheSystem and CacheTools mark the system prompt and the tool list's
	// last entry as cache prefixes so the backend reuses computed prefix
	// work across iterations.
	CacheSystem bool
	CacheTools  bool

	// ContextEdits, when non-nil, asks the backend to clear old tool
	// results server-side once the conversation crosses a token threshold.
	ContextEdits *ContextEdits
}

// ThinkingConfig enables extended reasoning with a token budget.
type ThinkingConfig struct {
	Enabled      bool
	BudgetTokens int
}

// ContextEdits declares the server-side context management policy.
type ContextEdits struct {
	// TriggerTokens is the input-token threshold that activates clearing.
	// Zero uses the backend default.
	TriggerTokens int

	// KeepToolUses is how many recent tool uses survive a clear.
	KeepToolUses int

	// ClearAtLeast skips the edit when it would free fewer tokens.
	ClearAtLeast int

	// ExcludeTools are never cleared.
	ExcludeTools []string
}

// Response is the assistant turn returned by the backend. Field names mirror
// the wire format so the struct doubles as the persisted response payload.
type Response struct {
	ID         string         `json:"id"`
	Model      string         `json:"model"`
	Role       models.Role    `json:"role"`
	Blocks     []models.Block `json:"content"`
	StopReason string         `json:"stop_reason"`
	Usage      Usage          `json:"usage"`
}

// Usage is the token accounting for one inference call.
type Usage struct {
	InputTokens         int64 `json:"input_tokens"`
	OutputTokens        int64 `json:"output_tokens"`
	CacheReadTokens     int64 `json:"cache_read_tokens,omitempty"`
	CacheCreationTokens int64 `json:"cache_creation_tokens,omitempty"`

	// ContextClearedTokens counts input tokens removed by server-side
	// context edits, when the backend reports them.
	ContextClearedTokens int64 `json:"context_cleared_tokens,omitempty"`
}

// Total returns the combined token count across all buckets.
func (u Usage) Total() int64 {
	return u.InputTokens + u.OutputTokens + u.CacheReadTokens + u.CacheCreationTokens
}

// ToolDef declares one tool offered to the model. When Computer is set the
// ports send the backend-native computer use tool instead of InputSchema.
type ToolDef struct {
	Name        string
	Description string
	InputSchema json.RawMessage
	Computer    *ComputerToolOpts
}

// ComputerToolOpts carries the display geometry the backend-native computer
// use tool requires.
type ComputerToolOpts struct {
	DisplayWidthPx  int
	DisplayHeightPx int
}

// RequestPayload is the persisted form of one outgoing model request. Task
// resumption replays Messages verbatim so the tool_use/tool_result pairing
// the model expects survives restarts.
type RequestPayload struct {
	Model     string           `json:"model"`
	MaxTokens int              `json:"max_tokens"`
	System    string           `json:"system,omitempty"`
	Messages  []models.Message `json:"messages"`
}

// ResponsePayload is the persisted form of one model response together with
// the tool results the loop produced for it. Resumption appends ToolResults
// as the synthetic user turn that follows the stored assistant turn.
type ResponsePayload struct {
	ID          string         `json:"id"`
	Model       string         `json:"model"`
	StopReason  string         `json:"stop_reason"`
	Content     []models.Block `json:"content"`
	Usage       Usage          `json:"usage"`
	ToolResults []models.Block `json:"tool_results,omitempty"`
}
