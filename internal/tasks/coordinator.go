// Package tasks owns the task state machine: creating tasks, resuming
// stopped or paused ones, and writing the cooperative stop signal the
// sampling loop observes. Complete/fail/pause transitions are written by
// the loop itself.
package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/haasonsaas/pilot/internal/observability"
	"github.com/haasonsaas/pilot/internal/store"
	"github.com/haasonsaas/pilot/pkg/models"
)

// StoppedByUserMessage is written to agent_message on a stop request.
const StoppedByUserMessage = "Task stopped by user"

const defaultMaxIterations = 35

// ErrNoResumableTask means the chat session has no newest task in a
// resumable status.
var ErrNoResumableTask = errors.New("tasks: no resumable task")

// Store is the slice of the state store the coordinator needs.
type Store interface {
	CreateTask(ctx context.Context, task *models.Task) error
	GetTask(ctx context.Context, id string) (*models.Task, error)
	GetLatestTask(ctx context.Context, chatSessionID string) (*models.Task, error)
	UpdateTask(ctx context.Context, task *models.Task) error
	CreateMessage(ctx context.Context, msg *models.Message) error
	ListTaskMessages(ctx context.Context, taskID string) ([]*models.Message, error)
}

// Coordinator mediates every task status transition that does not come
// from inside a run. The at-most-one-running invariant is enforced by the
// store; the coordinator surfaces its conflict errors unchanged.
type Coordinator struct {
	store  Store
	logger *observability.Logger
}

// NewCoordinator creates a coordinator over the given store.
func NewCoordinator(st Store, logger *observability.Logger) *Coordinator {
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{})
	}
	return &Coordinator{store: st, logger: logger}
}

// CreateParams describes a new task.
type CreateParams struct {
	ChatSessionID string

	// UserMessage is stored verbatim on the task and the user message row.
	UserMessage string

	// ModelMessage is the content actually sent to the model. Batch runs
	// tag the task id into it; empty means UserMessage.
	ModelMessage string

	// MaxIterations caps the run; zero uses the documented default.
	MaxIterations int

	// ConfigOverrides is the task's request-level config as raw JSON. It
	// is persisted on the row so a resume can re-layer it onto the
	// process defaults instead of running under whatever they are then.
	ConfigOverrides json.RawMessage

	// BatchExecutionID and BatchIndex tie batch tasks to their batch row.
	BatchExecutionID string
	BatchIndex       int
}

// Create inserts a running task and its user message row, and returns the
// task plus the starting conversation for the loop. A running sibling in
// the same chat session surfaces as store.ErrConflict.
func (c *Coordinator) Create(ctx context.Context, p CreateParams) (*models.Task, []models.Message, error) {
	if strings.TrimSpace(p.ChatSessionID) == "" {
		return nil, nil, fmt.Errorf("tasks: chat session id is required")
	}
	if strings.TrimSpace(p.UserMessage) == "" {
		return nil, nil, fmt.Errorf("tasks: user message is required")
	}
	maxIterations := p.MaxIterations
	if maxIterations <= 0 {
		maxIterations = defaultMaxIterations
	}

	task := &models.Task{
		ChatSessionID:    p.ChatSessionID,
		BatchExecutionID: p.BatchExecutionID,
		BatchIndex:       p.BatchIndex,
		UserMessage:      p.UserMessage,
		Status:           models.TaskRunning,
		CurrentIteration: 0,
		MaxIterations:    maxIterations,
		StartedAt:        time.Now().UTC(),
		ConfigOverrides:  p.ConfigOverrides,
	}
	if err := c.store.CreateTask(ctx, task); err != nil {
		return nil, nil, err
	}

	c.persistUserMessage(ctx, task, p.UserMessage)

	modelText := p.ModelMessage
	if modelText == "" {
		modelText = p.UserMessage
	}
	starting := models.NewUserMessage(modelText)
	starting.ChatSessionID = p.ChatSessionID
	starting.TaskID = task.ID

	c.logger.Info(ctx, "task created",
		"task_id", task.ID,
		"chat_session_id", task.ChatSessionID,
		"max_iterations", task.MaxIterations)
	return task, []models.Message{starting}, nil
}

// CreateQueued inserts a task in queued status without persisting a user
// row. Batch runs queue every task up front so the ids can be returned
// immediately, then promote them one at a time with StartQueued.
func (c *Coordinator) CreateQueued(ctx context.Context, p CreateParams) (*models.Task, error) {
	if strings.TrimSpace(p.ChatSessionID) == "" {
		return nil, fmt.Errorf("tasks: chat session id is required")
	}
	if strings.TrimSpace(p.UserMessage) == "" {
		return nil, fmt.Errorf("tasks: user message is required")
	}
	maxIterations := p.MaxIterations
	if maxIterations <= 0 {
		maxIterations = defaultMaxIterations
	}

	task := &models.Task{
		ChatSessionID:    p.ChatSessionID,
		BatchExecutionID: p.BatchExecutionID,
		BatchIndex:       p.BatchIndex,
		UserMessage:      p.UserMessage,
		Status:           models.TaskQueued,
		MaxIterations:    maxIterations,
		ConfigOverrides:  p.ConfigOverrides,
	}
	if err := c.store.CreateTask(ctx, task); err != nil {
		return nil, err
	}
	return task, nil
}

// StartQueued promotes a queued task to running, persists its user message
// row, and returns the starting conversation. modelMessage is the content
// sent to the model; empty means the task's stored user message.
func (c *Coordinator) StartQueued(ctx context.Context, taskID, modelMessage string) (*models.Task, []models.Message, error) {
	task, err := c.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, nil, err
	}
	if task.Status != models.TaskQueued {
		return nil, nil, fmt.Errorf("tasks: task %s is %s, want queued", taskID, task.Status)
	}

	task.Status = models.TaskRunning
	task.StartedAt = time.Now().UTC()
	if err := c.store.UpdateTask(ctx, task); err != nil {
		return nil, nil, err
	}

	c.persistUserMessage(ctx, task, task.UserMessage)

	modelText := modelMessage
	if modelText == "" {
		modelText = task.UserMessage
	}
	starting := models.NewUserMessage(modelText)
	starting.ChatSessionID = task.ChatSessionID
	starting.TaskID = task.ID

	c.logger.Info(ctx, "queued task started",
		"task_id", task.ID,
		"chat_session_id", task.ChatSessionID,
		"batch_execution_id", task.BatchExecutionID,
		"batch_index", task.BatchIndex)
	return task, []models.Message{starting}, nil
}

// Fail marks a task failed with the given error text. The loop writes this
// for in-run errors; the batch executor uses it when a task cannot even be
// started.
func (c *Coordinator) Fail(ctx context.Context, taskID, errorMessage string) error {
	task, err := c.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.IsTerminal() {
		return nil
	}
	now := time.Now().UTC()
	task.Status = models.TaskFailed
	task.CompletedAt = &now
	task.ErrorMessage = errorMessage
	if err := c.store.UpdateTask(ctx, task); err != nil {
		return fmt.Errorf("tasks: fail %s: %w", taskID, err)
	}
	return nil
}

// ResumeParams describes a resume request.
type ResumeParams struct {
	ChatSessionID string

	// Message is the optional continuation turn. When set it is appended
	// after the reconstructed history and persisted as a user row.
	Message string
}

// Resume promotes the newest resumable task of the chat session back to
// running and returns it with the reconstructed conversation. The first
// new iteration is task.CurrentIteration, so callers pass that as the
// loop's start iteration.
func (c *Coordinator) Resume(ctx context.Context, p ResumeParams) (*models.Task, []models.Message, error) {
	task, err := c.store.GetLatestTask(ctx, p.ChatSessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil, fmt.Errorf("%w: session %s has no tasks", ErrNoResumableTask, p.ChatSessionID)
		}
		return nil, nil, err
	}
	if !task.IsResumable() {
		return nil, nil, fmt.Errorf("%w: newest task %s is %s", ErrNoResumableTask, task.ID, task.Status)
	}

	rows, err := c.store.ListTaskMessages(ctx, task.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("tasks: load history for %s: %w", task.ID, err)
	}
	msgs := Reconstruct(rows)
	if len(msgs) == 0 {
		// Nothing persisted yet; start over from the original goal.
		msgs = []models.Message{models.NewUserMessage(task.UserMessage)}
	}
	if cont := strings.TrimSpace(p.Message); cont != "" {
		turn := models.NewUserMessage(cont)
		turn.ChatSessionID = task.ChatSessionID
		turn.TaskID = task.ID
		msgs = append(msgs, turn)
		c.persistUserMessage(ctx, task, cont)
	}

	prev := task.Status
	task.Status = models.TaskRunning
	task.StartedAt = time.Now().UTC()
	task.CompletedAt = nil
	task.AgentStatus = ""
	task.AgentMessage = ""
	task.AgentEvidence = ""
	task.ResultMessage = ""
	task.ErrorMessage = ""
	if err := c.store.UpdateTask(ctx, task); err != nil {
		return nil, nil, err
	}

	c.logger.Info(ctx, "task resumed",
		"task_id", task.ID,
		"chat_session_id", task.ChatSessionID,
		"previous_status", string(prev),
		"start_iteration", task.CurrentIteration)
	return task, msgs, nil
}

// Stop writes the cooperative stop signal. Stopping an already stopped or
// terminal task is a no-op returning the current row; the loop notices the
// stopped status at its next check and unwinds cleanly.
func (c *Coordinator) Stop(ctx context.Context, taskID string) (*models.Task, error) {
	task, err := c.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.Status == models.TaskStopped || task.IsTerminal() {
		return task, nil
	}

	now := time.Now().UTC()
	task.Status = models.TaskStopped
	task.CompletedAt = &now
	task.AgentMessage = StoppedByUserMessage
	if err := c.store.UpdateTask(ctx, task); err != nil {
		return nil, fmt.Errorf("tasks: stop %s: %w", taskID, err)
	}

	c.logger.Info(ctx, "task stop requested",
		"task_id", task.ID,
		"chat_session_id", task.ChatSessionID,
		"iteration", task.CurrentIteration)
	return task, nil
}

// persistUserMessage appends a user message row. Best-effort: history rows
// are for reconstruction and the UI, not for the transition itself.
func (c *Coordinator) persistUserMessage(ctx context.Context, task *models.Task, text string) {
	row := &models.Message{
		ChatSessionID: task.ChatSessionID,
		TaskID:        task.ID,
		Role:          models.RoleUser,
		Content:       text,
		Blocks:        []models.Block{models.NewTextBlock(text)},
	}
	if err := c.store.CreateMessage(ctx, row); err != nil {
		c.logger.Warn(ctx, "persist user message failed", "task_id", task.ID, "error", err)
	}
}
