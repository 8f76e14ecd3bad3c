package agent

import (
	"errors"
	"fmt"
)

// Sentinel errors for loop control flow.
var (
	// ErrStopRequested indicates the task was cooperatively stopped. It is a
	// clean break, not a failure; callers should not mark the task failed.
	ErrStopRequested = errors.New("agent: stop requested")

	// ErrMaxIterations indicates the loop exhausted its iteration budget
	// without reaching a terminal state.
	ErrMaxIterations = errors.New("agent: max iterations reached")

	// ErrNoModel indicates no model port is configured.
	ErrNoModel = errors.New("agent: no model port configured")
)

// ToolError wraps a failed tool execution. It surfaces to the model as an
// is_error tool result and is never retried by the loop; the agent observes
// the failure on its next screenshot and decides what to do.
type ToolError struct {
	Tool   string
	Action string
	Err    error
}

func (e *ToolError) Error() string {
	if e.Action != "" {
		return fmt.Sprintf("tool %s (%s): %v", e.Tool, e.Action, e.Err)
	}
	return fmt.Sprintf("tool %s: %v", e.Tool, e.Err)
}

func (e *ToolError) Unwrap() error { return e.Err }

// ModelError wraps a failed inference call. It is fatal to the iteration:
// the task transitions to failed and an error event is streamed.
type ModelError struct {
	Provider string
	Status   int
	Err      error
}

func (e *ModelError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: model request failed (status %d): %v", e.Provider, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: model request failed: %v", e.Provider, e.Err)
}

func (e *ModelError) Unwrap() error { return e.Err }
