package agent

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/haasonsaas/pilot/pkg/models"
)

// Tool names the loop dispatches on.
const (
	ToolComputer         = "computer"
	ToolReportTaskStatus = "report_task_status"
	ToolMemory           = "memory"
)

// reportTaskStatusSchema defines the JSON schema for agent status reports.
const reportTaskStatusSchema = `{
  "type": "object",
  "properties": {
    "status": {
      "type": "string",
      "enum": ["completed", "failed", "needs_clarification"],
      "description": "Final outcome of the task from the agent's point of view."
    },
    "message": {
      "type": "string",
      "description": "Short human-readable summary of the outcome, or the question to ask when clarification is needed."
    },
    "evidence": {
      "type": "string",
      "description": "Optional supporting detail: extracted data, page text, or the reason the task could not proceed."
    }
  },
  "required": ["status", "message"]
}`

// memorySchema defines the JSON schema for the agent-facing memory file tool.
const memorySchema = `{
  "type": "object",
  "properties": {
    "command": {
      "type": "string",
      "enum": ["view", "create", "str_replace", "insert", "delete", "rename"],
      "description": "Memory operation to execute."
    },
    "path": {
      "type": "string",
      "description": "Memory file path, rooted at /memories."
    },
    "file_text": {
      "type": "string",
      "description": "Full file contents for create."
    },
    "old_str": {
      "type": "string",
      "description": "Exact text to replace for str_replace."
    },
    "new_str": {
      "type": "string",
      "description": "Replacement text for str_replace."
    },
    "insert_line": {
      "type": "integer",
      "minimum": 0,
      "description": "Line number to insert after for insert; 0 inserts at the top."
    },
    "insert_text": {
      "type": "string",
      "description": "Text to insert for insert."
    },
    "old_path": {
      "type": "string",
      "description": "Source path for rename."
    },
    "new_path": {
      "type": "string",
      "description": "Destination path for rename."
    },
    "view_range": {
      "type": "array",
      "items": {"type": "integer"},
      "minItems": 2,
      "maxItems": 2,
      "description": "Optional [start, end] line range for view."
    }
  },
  "required": ["command"]
}`

// ComputerTool declares the backend-native computer use tool for the given
// display geometry.
func ComputerTool(widthPx, heightPx int) ToolDef {
	return ToolDef{
		Name:     ToolComputer,
		Computer: &ComputerToolOpts{DisplayWidthPx: widthPx, DisplayHeightPx: heightPx},
	}
}

// ReportTaskStatusTool declares the status-report tool the agent calls to end
// a task on its own terms.
func ReportTaskStatusTool() ToolDef {
	return ToolDef{
		Name:        ToolReportTaskStatus,
		Description: "Report the final status of the task. Call this exactly once, when the task is finished, has failed, or cannot continue without input from the user.",
		InputSchema: json.RawMessage(reportTaskStatusSchema),
	}
}

// MemoryTool declares the scratch-file tool backed by the memory port.
func MemoryTool() ToolDef {
	return ToolDef{
		Name:        ToolMemory,
		Description: "Read and write persistent memory files scoped to this task. Use it to keep notes, intermediate results, and plans that must survive context trimming.",
		InputSchema: json.RawMessage(memorySchema),
	}
}

// DefaultTools returns the standard tool list for a task run. The computer
// tool comes first and the list order is stable so prompt caching can mark
// the last entry.
func DefaultTools(displayWidthPx, displayHeightPx int) []ToolDef {
	return []ToolDef{
		ComputerTool(displayWidthPx, displayHeightPx),
		ReportTaskStatusTool(),
		MemoryTool(),
	}
}

// StatusReport is the parsed input of a report_task_status call.
type StatusReport struct {
	Status   models.AgentStatus `json:"status"`
	Message  string             `json:"message"`
	Evidence string             `json:"evidence,omitempty"`
}

// ParseStatusReport validates and decodes a report_task_status input.
func ParseStatusReport(input json.RawMessage) (*StatusReport, error) {
	var r StatusReport
	if err := json.Unmarshal(input, &r); err != nil {
		return nil, fmt.Errorf("invalid report_task_status input: %w", err)
	}
	switch r.Status {
	case models.AgentCompleted, models.AgentFailed, models.AgentNeedsClarification:
	default:
		return nil, fmt.Errorf("invalid report_task_status status %q", r.Status)
	}
	if strings.TrimSpace(r.Message) == "" {
		return nil, fmt.Errorf("report_task_status message is required")
	}
	return &r, nil
}
