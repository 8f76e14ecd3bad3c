// Package batch runs ordered task lists sequentially over one shared
// browser session, reporting per-task status through signed webhooks.
package batch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/haasonsaas/pilot/internal/agent"
	"github.com/haasonsaas/pilot/internal/observability"
	"github.com/haasonsaas/pilot/pkg/models"
)

// TaskSpec is one entry of a batch request.
type TaskSpec struct {
	Message                    string                 `json:"message"`
	ConfigOverrides            *agent.ConfigOverrides `json:"configOverrides,omitempty"`
	DestroyBrowserOnCompletion bool                   `json:"destroyBrowserOnCompletion,omitempty"`
}

// Runner is the slice of the sampling loop the executor needs.
type Runner interface {
	Run(ctx context.Context, p agent.RunParams) error
}

// Sessions is the slice of the session manager the executor needs.
type Sessions interface {
	Create(ctx context.Context, chatSessionID string) (*models.BrowserSession, error)
	Destroy(ctx context.Context, remoteID string) error
}

// Coordinator is the slice of the task coordinator the executor needs.
type Coordinator interface {
	StartQueued(ctx context.Context, taskID, modelMessage string) (*models.Task, []models.Message, error)
	Fail(ctx context.Context, taskID, errorMessage string) error
}

// Store is the slice of the state store the executor needs.
type Store interface {
	GetBatch(ctx context.Context, id string) (*models.BatchExecution, error)
	UpdateBatch(ctx context.Context, batch *models.BatchExecution) error
	GetTask(ctx context.Context, id string) (*models.Task, error)
}

// Config wires an Executor.
type Config struct {
	Loop        Runner
	Sessions    Sessions
	Coordinator Coordinator
	Store       Store

	// Defaults is the process-level execution config; global and per-task
	// overrides are layered on top of it.
	Defaults agent.ExecutionConfig

	Logger  *observability.Logger
	Metrics *observability.Metrics
}

// Executor drives one batch at a time: tasks run strictly in order over a
// browser session created for the batch. One task failing does not abort
// the rest.
type Executor struct {
	loop        Runner
	sessions    Sessions
	coordinator Coordinator
	store       Store
	defaults    agent.ExecutionConfig
	logger      *observability.Logger
	metrics     *observability.Metrics
}

// NewExecutor validates required collaborators.
func NewExecutor(cfg Config) (*Executor, error) {
	if cfg.Loop == nil {
		return nil, errors.New("batch: loop is required")
	}
	if cfg.Sessions == nil {
		return nil, errors.New("batch: sessions is required")
	}
	if cfg.Coordinator == nil {
		return nil, errors.New("batch: coordinator is required")
	}
	if cfg.Store == nil {
		return nil, errors.New("batch: store is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.NewLogger(observability.LogConfig{})
	}
	return &Executor{
		loop:        cfg.Loop,
		sessions:    cfg.Sessions,
		coordinator: cfg.Coordinator,
		store:       cfg.Store,
		defaults:    cfg.Defaults,
		logger:      cfg.Logger,
		metrics:     cfg.Metrics,
	}, nil
}

// Params identifies one batch execution. Tasks and TaskIDs are parallel
// lists: the rows were created queued when the batch was accepted.
type Params struct {
	BatchID         string
	ChatSessionID   string
	Tasks           []TaskSpec
	TaskIDs         []string
	GlobalOverrides *agent.ConfigOverrides
	WebhookURL      string
	WebhookSecret   string
}

// Execute runs the batch to its terminal status. It is called on its own
// goroutine by the web layer; the error return exists for tests and for
// logging by the caller.
func (e *Executor) Execute(ctx context.Context, p Params) error {
	if len(p.Tasks) == 0 || len(p.Tasks) != len(p.TaskIDs) {
		return fmt.Errorf("batch: %d tasks with %d ids", len(p.Tasks), len(p.TaskIDs))
	}

	batch, err := e.store.GetBatch(ctx, p.BatchID)
	if err != nil {
		return fmt.Errorf("batch: load %s: %w", p.BatchID, err)
	}

	notifier := NewNotifier(p.WebhookURL, p.WebhookSecret)

	browserSession, err := e.sessions.Create(ctx, p.ChatSessionID)
	if err != nil {
		e.abortAll(ctx, batch, p.TaskIDs, fmt.Errorf("create browser session: %w", err))
		return err
	}
	batch.BrowserSessionID = browserSession.ID
	e.updateBatch(ctx, batch)

	e.logger.Info(ctx, "batch started",
		"batch_execution_id", batch.ID,
		"chat_session_id", p.ChatSessionID,
		"browser_session_id", browserSession.ID,
		"total", len(p.Tasks))

	destroyed := false
	for i, spec := range p.Tasks {
		taskID := p.TaskIDs[i]
		cfg := e.defaults.With(p.GlobalOverrides).With(spec.ConfigOverrides)

		task, msgs, err := e.coordinator.StartQueued(ctx, taskID, taggedMessage(taskID, spec.Message))
		if err != nil {
			e.logger.Error(ctx, "batch task start failed",
				"task_id", taskID, "batch_index", i, "error", err)
			e.failTask(ctx, taskID, err)
			batch.FailedCount++
			e.updateBatch(ctx, batch)
			continue
		}

		runErr := e.loop.Run(ctx, agent.RunParams{
			TaskID:           task.ID,
			ChatSessionID:    p.ChatSessionID,
			RemoteSessionID:  browserSession.RemoteID,
			BrowserSessionID: browserSession.ID,
			StreamURL:        browserSession.LiveViewURL,
			Messages:         msgs,
			StartIteration:   0,
			Trigger:          "batch",
			Config:           cfg,
			Sink:             e.statusSink(ctx, notifier, batch.ID, task.ID, i),
		})
		if runErr != nil {
			// The loop wrote the final status before returning. A shutdown
			// interrupt leaves the row stopped, and a stopped task belongs
			// in neither tally: the batch itself ends stopped, not failed.
			final, ferr := e.store.GetTask(context.WithoutCancel(ctx), task.ID)
			if ferr == nil && final.Status == models.TaskStopped {
				e.logger.Warn(ctx, "batch task interrupted",
					"task_id", task.ID, "batch_index", i, "error", runErr)
			} else {
				e.logger.Warn(ctx, "batch task failed",
					"task_id", task.ID, "batch_index", i, "error", runErr)
				batch.FailedCount++
			}
		} else {
			batch.CompletedCount++
		}
		e.updateBatch(ctx, batch)

		if i == len(p.Tasks)-1 && spec.DestroyBrowserOnCompletion {
			if err := e.sessions.Destroy(ctx, browserSession.RemoteID); err != nil {
				e.logger.Warn(ctx, "batch browser destroy failed",
					"remote_id", browserSession.RemoteID, "error", err)
			} else {
				destroyed = true
			}
		}
	}

	// Final bookkeeping survives a canceled run context.
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	batch.Status = models.BatchCompleted
	if ctx.Err() != nil {
		batch.Status = models.BatchStopped
	}
	e.updateBatch(wctx, batch)

	e.logger.Info(ctx, "batch finished",
		"batch_execution_id", batch.ID,
		"status", string(batch.Status),
		"completed", batch.CompletedCount,
		"failed", batch.FailedCount,
		"browser_destroyed", destroyed)
	return nil
}

// abortAll fails a batch that broke before its first task could run.
func (e *Executor) abortAll(ctx context.Context, batch *models.BatchExecution, taskIDs []string, cause error) {
	e.logger.Error(ctx, "batch aborted", "batch_execution_id", batch.ID, "error", cause)
	for _, id := range taskIDs {
		e.failTask(ctx, id, cause)
	}
	batch.FailedCount = len(taskIDs)
	batch.Status = models.BatchFailed
	e.updateBatch(ctx, batch)
}

func (e *Executor) failTask(ctx context.Context, taskID string, cause error) {
	if err := e.coordinator.Fail(ctx, taskID, cause.Error()); err != nil {
		e.logger.Warn(ctx, "task fail transition failed", "task_id", taskID, "error", err)
	}
}

func (e *Executor) updateBatch(ctx context.Context, batch *models.BatchExecution) {
	if err := e.store.UpdateBatch(ctx, batch); err != nil {
		e.logger.Warn(ctx, "batch update failed", "batch_execution_id", batch.ID, "error", err)
	}
}

// statusSink forwards task_status events to the webhook. Batches do not
// stream to clients, so everything else is discarded. The status event
// fires once at the end of a run; delivering it inline is fine.
func (e *Executor) statusSink(ctx context.Context, notifier *Notifier, batchID, taskID string, index int) agent.Sink {
	if notifier == nil {
		return agent.NopSink()
	}
	return func(ev agent.Event) {
		if ev.Type != agent.EventTaskStatus {
			return
		}
		err := notifier.Notify(context.WithoutCancel(ctx), Payload{
			BatchExecutionID: batchID,
			TaskID:           taskID,
			TaskIndex:        index,
			Status:           ev.Status,
			AgentStatus:      ev.AgentStatus,
			Message:          ev.Message,
			Evidence:         ev.Evidence,
			Timestamp:        ev.Timestamp,
		})
		status := "delivered"
		if err != nil {
			status = "failed"
			e.logger.Warn(ctx, "webhook delivery failed",
				"task_id", taskID, "batch_index", index, "error", err)
		}
		if e.metrics != nil {
			e.metrics.RecordWebhookDelivery(status)
		}
	}
}

// taggedMessage is the content sent to the model: the task id is tagged in
// front so the agent can reference it in report_task_status evidence. The
// stored row keeps the original text.
func taggedMessage(taskID, message string) string {
	return fmt.Sprintf("<task_id>%s</task_id>\n\n%s", taskID, message)
}
