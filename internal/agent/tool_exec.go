package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/haasonsaas/pilot/internal/observability"
	"github.com/haasonsaas/pilot/internal/sessions"
	"github.com/haasonsaas/pilot/pkg/models"
)

// toolOutcome is everything one batch of tool calls produced: the result
// blocks for the next user turn, the views for streaming and persistence,
// and the status report if the agent filed one.
type toolOutcome struct {
	results []models.Block
	views   []ToolCallView
	report  *StatusReport
}

// runTools executes the tool calls of one assistant turn in order. Per-call
// failures become is_error results the model can react to; the returned
// error is reserved for conditions the run cannot continue from, such as a
// lost browser session.
func (l *Loop) runTools(ctx context.Context, p RunParams, uses []models.Block) (toolOutcome, error) {
	var out toolOutcome
	for _, use := range uses {
		view := ToolCallView{ID: use.ID, Name: use.Name, Args: use.Input}
		var result models.Block

		switch use.Name {
		case ToolComputer:
			var fatal error
			result, view.Result, fatal = l.runComputer(ctx, p, use)
			if fatal != nil {
				return out, fatal
			}
		case ToolReportTaskStatus:
			report, err := ParseStatusReport(use.Input)
			if err != nil {
				result = models.NewToolResultBlock(use.ID, true, models.TextContent(err.Error()))
				view.Result = &ToolResultView{Success: false, Error: err.Error()}
			} else {
				out.report = report
				result = models.NewToolResultBlock(use.ID, false, models.TextContent("Status recorded."))
				view.Result = &ToolResultView{Success: true, Description: fmt.Sprintf("reported %s", report.Status)}
			}
		case ToolMemory:
			result, view.Result = l.runMemory(ctx, p, use)
		default:
			msg := fmt.Sprintf("unknown tool: %s", use.Name)
			result = models.NewToolResultBlock(use.ID, true, models.TextContent(msg))
			view.Result = &ToolResultView{Success: false, Error: msg}
		}

		out.results = append(out.results, result)
		out.views = append(out.views, view)
	}
	return out, nil
}

func (l *Loop) runComputer(ctx context.Context, p RunParams, use models.Block) (models.Block, *ToolResultView, error) {
	// A stop that lands mid-turn interrupts the remaining actions; the
	// interrupt results are persisted and the stop is observed on the next
	// iteration.
	if task, err := l.store.GetTask(ctx, p.TaskID); err == nil && task.Status == models.TaskStopped {
		return models.NewToolResultBlock(use.ID, true, models.TextContent(stopInterruptText)),
			&ToolResultView{Success: false, Error: stopInterruptText}, nil
	}

	var action sessions.Action
	if err := json.Unmarshal(use.Input, &action); err != nil {
		msg := fmt.Sprintf("invalid computer action: %v", err)
		return models.NewToolResultBlock(use.ID, true, models.TextContent(msg)),
			&ToolResultView{Success: false, Error: msg}, nil
	}

	perform := func() (*sessions.ActionResult, error) {
		pctx := ctx
		if l.tracer != nil {
			tctx, span := l.tracer.TraceToolExecution(pctx, ToolComputer)
			pctx = tctx
			defer span.End()
		}
		return l.browser.Perform(pctx, p.RemoteSessionID, action)
	}

	start := time.Now()
	res, err := perform()
	if l.metrics != nil {
		status := "ok"
		if err != nil {
			status = "error"
		}
		l.metrics.RecordToolExecution(ToolComputer, status, time.Since(start).Seconds())
	}
	if err != nil {
		if errors.Is(err, sessions.ErrSessionNotFound) {
			return models.Block{}, nil, &ToolError{Tool: ToolComputer, Action: string(action.Kind), Err: err}
		}
		l.logger.Warn(ctx, "computer action failed", "action", string(action.Kind), "error", err)
		return models.NewToolResultBlock(use.ID, true, models.TextContent(err.Error())),
			&ToolResultView{Success: false, Error: err.Error()}, nil
	}

	view := &ToolResultView{Success: true, Description: actionDescription(action, res)}
	var content []models.ResultContent
	if len(res.Screenshot) > 0 {
		url := l.storeScreenshot(ctx, p, res.Screenshot)
		content = append(content, models.ImageContent("image/png", res.Screenshot, url))
		if url != "" {
			content = append(content, models.TextContent(ScreenshotPointer(url)))
		}
		view.Screenshot = res.Screenshot
		view.ScreenshotURL = url
		if l.metrics != nil {
			l.metrics.RecordScreenshot(len(res.Screenshot))
		}
		observability.EmitScreenshot(&observability.ScreenshotEvent{
			SessionID: p.ChatSessionID,
			TaskID:    p.TaskID,
			Bytes:     len(res.Screenshot),
			URL:       url,
		})
	} else {
		text := res.Output
		if text == "" {
			text = view.Description
		}
		content = append(content, models.TextContent(text))
	}
	return models.NewToolResultBlock(use.ID, false, content...), view, nil
}

// storeScreenshot uploads a capture and returns its signed URL. Failures are
// logged and return an empty URL: the screenshot still travels inline this
// turn, it just cannot be referenced once demoted.
func (l *Loop) storeScreenshot(ctx context.Context, p RunParams, data []byte) string {
	if l.artifacts == nil {
		return ""
	}
	key := fmt.Sprintf("%s/%d.png", p.ChatSessionID, time.Now().UnixMilli())
	if err := l.artifacts.Put(ctx, key, data, "image/png"); err != nil {
		l.logger.Warn(ctx, "screenshot upload failed", "key", key, "error", err)
		return ""
	}
	url, err := l.artifacts.SignedURL(ctx, key, l.signedURLTTL)
	if err != nil {
		l.logger.Warn(ctx, "screenshot url signing failed", "key", key, "error", err)
		return ""
	}
	return url
}

func (l *Loop) runMemory(ctx context.Context, p RunParams, use models.Block) (models.Block, *ToolResultView) {
	if l.memory == nil {
		const msg = "memory tool is not configured"
		return models.NewToolResultBlock(use.ID, true, models.TextContent(msg)),
			&ToolResultView{Success: false, Error: msg}
	}

	start := time.Now()
	output, err := l.memory.Do(ctx, p.TaskID, use.Input)
	if l.metrics != nil {
		status := "ok"
		if err != nil {
			status = "error"
		}
		l.metrics.RecordToolExecution(ToolMemory, status, time.Since(start).Seconds())
	}
	if err != nil {
		return models.NewToolResultBlock(use.ID, true, models.TextContent(err.Error())),
			&ToolResultView{Success: false, Error: err.Error()}
	}
	if output == "" {
		output = "ok"
	}
	return models.NewToolResultBlock(use.ID, false, models.TextContent(output)),
		&ToolResultView{Success: true, Description: output}
}

func actionDescription(a sessions.Action, res *sessions.ActionResult) string {
	coord := "(current position)"
	if len(a.Coordinate) >= 2 {
		coord = fmt.Sprintf("(%d, %d)", a.Coordinate[0], a.Coordinate[1])
	}
	switch a.Kind {
	case sessions.ActionScreenshot:
		return "captured screenshot"
	case sessions.ActionLeftClick:
		return "left click at " + coord
	case sessions.ActionRightClick:
		return "right click at " + coord
	case sessions.ActionDoubleClick:
		return "double click at " + coord
	case sessions.ActionMouseMove:
		return "moved cursor to " + coord
	case sessions.ActionScroll:
		dir := a.ScrollDirection
		if dir == "" {
			dir = "down"
		}
		return "scrolled " + dir
	case sessions.ActionType:
		return fmt.Sprintf("typed %d characters", len([]rune(a.Text)))
	case sessions.ActionKey:
		return "pressed " + a.Text
	case sessions.ActionWait:
		return "waited"
	case sessions.ActionCursorPosition:
		if res != nil && res.Output != "" {
			return res.Output
		}
		return "read cursor position"
	default:
		return string(a.Kind)
	}
}
