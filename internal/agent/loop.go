package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/pilot/internal/observability"
	"github.com/haasonsaas/pilot/internal/sessions"
	"github.com/haasonsaas/pilot/pkg/models"
)

const (
	defaultMaxTokens     = 4096
	defaultMaxIterations = 35
	defaultLoopDelay     = 100 * time.Millisecond
	defaultModelTimeout  = 5 * time.Minute

	defaultSignedURLTTL = 365 * 24 * time.Hour

	stopInterruptText = "User interrupted execution"

	maxIterationsMessage = "Maximum iterations reached. The task was stopped before it could finish; the work so far is preserved in this conversation."
	maxIterationsError   = "max iterations reached"
)

// ExecutionConfig controls one task run. Zero values fall back to the
// documented defaults at sanitize time.
type ExecutionConfig struct {
	// Model routes the request; empty uses the port default.
	Model string

	// MaxTokens bounds generated output per call. Default 4096.
	MaxTokens int

	// ThinkingEnabled turns on extended reasoning. Default true.
	ThinkingEnabled bool

	// ThinkingBudgetTokens is the reasoning budget. Default 1024.
	ThinkingBudgetTokens int

	// Betas are extra beta features forwarded to the port.
	Betas []string

	// MaxIterations bounds the loop. Default 35.
	MaxIterations int

	// LoopDelay is slept between iterations. Default 100ms.
	LoopDelay time.Duration

	// ModelTimeout bounds one inference call. Default 5m.
	ModelTimeout time.Duration

	// MaxInlineScreenshots (K) is how many of the newest screenshots stay
	// inline in the request; older ones demote to URL pointers. Default 3.
	MaxInlineScreenshots int

	// KeepThinkingBlocks (R) is how many recent assistant turns keep
	// reasoning blocks. Default 1.
	KeepThinkingBlocks int

	// PromptCaching marks the system prompt and tool list tail as cache
	// prefixes. Default true.
	PromptCaching bool

	// ContextManagement enables server-side clearing of old tool results.
	// Default true.
	ContextManagement bool

	// ContextTriggerTokens activates clearing past this input-token count;
	// 0 uses the backend default.
	ContextTriggerTokens int

	// ContextKeepToolUses survives a clear. Default 5.
	ContextKeepToolUses int

	// ContextClearMinTokens skips edits that would free less. Default 20000.
	ContextClearMinTokens int

	// ContextExcludeTools are never cleared. Default report_task_status
	// and memory.
	ContextExcludeTools []string

	// FullPayload stores complete request/response payloads with inline
	// images instead of sanitized copies. Default false.
	FullPayload bool
}

// DefaultExecutionConfig returns the documented defaults.
func DefaultExecutionConfig() ExecutionConfig {
	return ExecutionConfig{
		MaxTokens:             defaultMaxTokens,
		ThinkingEnabled:       true,
		ThinkingBudgetTokens:  1024,
		MaxIterations:         defaultMaxIterations,
		LoopDelay:             defaultLoopDelay,
		ModelTimeout:          defaultModelTimeout,
		MaxInlineScreenshots:  3,
		KeepThinkingBlocks:    1,
		PromptCaching:         true,
		ContextManagement:     true,
		ContextKeepToolUses:   5,
		ContextClearMinTokens: 20000,
		ContextExcludeTools:   []string{ToolReportTaskStatus, ToolMemory},
	}
}

func sanitizeExecutionConfig(cfg ExecutionConfig) ExecutionConfig {
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultMaxTokens
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = defaultMaxIterations
	}
	if cfg.LoopDelay < 0 {
		cfg.LoopDelay = defaultLoopDelay
	}
	if cfg.ModelTimeout <= 0 {
		cfg.ModelTimeout = defaultModelTimeout
	}
	if cfg.MaxInlineScreenshots < 0 {
		cfg.MaxInlineScreenshots = 0
	}
	if cfg.KeepThinkingBlocks < 0 {
		cfg.KeepThinkingBlocks = 0
	}
	if cfg.ThinkingEnabled && cfg.ThinkingBudgetTokens <= 0 {
		cfg.ThinkingBudgetTokens = 1024
	}
	return cfg
}

// ConfigOverrides is the request-level knob set accepted by the batch and
// chat APIs. Nil fields inherit from the base config.
type ConfigOverrides struct {
	Model                 *string `json:"model,omitempty"`
	MaxTokens             *int    `json:"maxTokens,omitempty"`
	MaxIterations         *int    `json:"maxIterations,omitempty"`
	LoopDelayMS           *int    `json:"loopDelayMs,omitempty"`
	MaxInlineScreenshots  *int    `json:"maxBase64Screenshots,omitempty"`
	KeepThinkingBlocks    *int    `json:"keepRecentThinkingBlocks,omitempty"`
	ThinkingEnabled       *bool   `json:"thinkingEnabled,omitempty"`
	ThinkingBudgetTokens  *int    `json:"thinkingBudgetTokens,omitempty"`
	PromptCaching         *bool   `json:"enablePromptCaching,omitempty"`
	ContextManagement     *bool   `json:"enableContextManagement,omitempty"`
	ContextTriggerTokens  *int    `json:"contextTriggerTokens,omitempty"`
	ContextKeepToolUses   *int    `json:"contextKeepToolUses,omitempty"`
	ContextClearMinTokens *int    `json:"contextClearMinTokens,omitempty"`
	FullPayload           *bool   `json:"fullPayload,omitempty"`
}

// With returns the config with non-nil overrides applied.
func (c ExecutionConfig) With(o *ConfigOverrides) ExecutionConfig {
	if o == nil {
		return c
	}
	if o.Model != nil {
		c.Model = *o.Model
	}
	if o.MaxTokens != nil {
		c.MaxTokens = *o.MaxTokens
	}
	if o.MaxIterations != nil {
		c.MaxIterations = *o.MaxIterations
	}
	if o.LoopDelayMS != nil {
		c.LoopDelay = time.Duration(*o.LoopDelayMS) * time.Millisecond
	}
	if o.MaxInlineScreenshots != nil {
		c.MaxInlineScreenshots = *o.MaxInlineScreenshots
	}
	if o.KeepThinkingBlocks != nil {
		c.KeepThinkingBlocks = *o.KeepThinkingBlocks
	}
	if o.ThinkingEnabled != nil {
		c.ThinkingEnabled = *o.ThinkingEnabled
	}
	if o.ThinkingBudgetTokens != nil {
		c.ThinkingBudgetTokens = *o.ThinkingBudgetTokens
	}
	if o.PromptCaching != nil {
		c.PromptCaching = *o.PromptCaching
	}
	if o.ContextManagement != nil {
		c.ContextManagement = *o.ContextManagement
	}
	if o.ContextTriggerTokens != nil {
		c.ContextTriggerTokens = *o.ContextTriggerTokens
	}
	if o.ContextKeepToolUses != nil {
		c.ContextKeepToolUses = *o.ContextKeepToolUses
	}
	if o.ContextClearMinTokens != nil {
		c.ContextClearMinTokens = *o.ContextClearMinTokens
	}
	if o.FullPayload != nil {
		c.FullPayload = *o.FullPayload
	}
	return c
}

// MergeOverrides flattens two override sets into one, with over's non-nil
// fields winning. Either side may be nil; a nil result means neither side
// set anything. base.With(g).With(t) and base.With(MergeOverrides(g, t))
// produce the same config, so the merged set can be persisted on a task
// row and re-layered on resume.
func MergeOverrides(base, over *ConfigOverrides) *ConfigOverrides {
	if base == nil && over == nil {
		return nil
	}
	merged := &ConfigOverrides{}
	if base != nil {
		*merged = *base
	}
	if over == nil {
		return merged
	}
	if over.Model != nil {
		merged.Model = over.Model
	}
	if over.MaxTokens != nil {
		merged.MaxTokens = over.MaxTokens
	}
	if over.MaxIterations != nil {
		merged.MaxIterations = over.MaxIterations
	}
	if over.LoopDelayMS != nil {
		merged.LoopDelayMS = over.LoopDelayMS
	}
	if over.MaxInlineScreenshots != nil {
		merged.MaxInlineScreenshots = over.MaxInlineScreenshots
	}
	if over.KeepThinkingBlocks != nil {
		merged.KeepThinkingBlocks = over.KeepThinkingBlocks
	}
	if over.ThinkingEnabled != nil {
		merged.ThinkingEnabled = over.ThinkingEnabled
	}
	if over.ThinkingBudgetTokens != nil {
		merged.ThinkingBudgetTokens = over.ThinkingBudgetTokens
	}
	if over.PromptCaching != nil {
		merged.PromptCaching = over.PromptCaching
	}
	if over.ContextManagement != nil {
		merged.ContextManagement = over.ContextManagement
	}
	if over.ContextTriggerTokens != nil {
		merged.ContextTriggerTokens = over.ContextTriggerTokens
	}
	if over.ContextKeepToolUses != nil {
		merged.ContextKeepToolUses = over.ContextKeepToolUses
	}
	if over.ContextClearMinTokens != nil {
		merged.ContextClearMinTokens = over.ContextClearMinTokens
	}
	if over.FullPayload != nil {
		merged.FullPayload = over.FullPayload
	}
	return merged
}

// Store is the slice of the state store the loop needs.
type Store interface {
	GetTask(ctx context.Context, id string) (*models.Task, error)
	UpdateTask(ctx context.Context, task *models.Task) error
	CreateMessage(ctx context.Context, msg *models.Message) error
	CreateMetric(ctx context.Context, metric *models.PerformanceMetric) error
	ApplySessionUsage(ctx context.Context, chatSessionID string, delta models.UsageDelta) error
}

// Browser is the slice of the session manager the loop needs.
type Browser interface {
	Perform(ctx context.Context, remoteID string, action sessions.Action) (*sessions.ActionResult, error)
	DisconnectCDP(ctx context.Context, remoteID string) error
}

// Artifacts stores screenshots and mints long-lived signed URLs.
type Artifacts interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error)
}

// Memory executes agent memory-tool commands scoped to a task. The raw tool
// input is passed through; the implementation owns the command vocabulary.
type Memory interface {
	Do(ctx context.Context, taskID string, input json.RawMessage) (string, error)
}

// LoopConfig wires a Loop.
type LoopConfig struct {
	Model     ModelPort
	Store     Store
	Browser   Browser
	Artifacts Artifacts
	Memory    Memory
	Prompt    PromptSource
	Logger    *observability.Logger
	Metrics   *observability.Metrics
	Tracer    *observability.Tracer

	// DisplayWidth and DisplayHeight size the computer tool. Defaults
	// match the remote browser viewport default.
	DisplayWidth  int
	DisplayHeight int

	// SignedURLTTL is how long demoted-screenshot URLs stay fetchable.
	// Demoted screenshots are referenced by URL for the rest of the
	// conversation, so the default is deliberately long.
	SignedURLTTL time.Duration
}

// Loop runs tasks: one Run call drives one task to a terminal or resumable
// state. A single Loop serves every concurrent task.
type Loop struct {
	model     ModelPort
	store     Store
	browser   Browser
	artifacts Artifacts
	memory    Memory
	prompt    PromptSource
	logger    *observability.Logger
	metrics   *observability.Metrics
	tracer    *observability.Tracer

	displayWidth  int
	displayHeight int
	signedURLTTL  time.Duration
}

// NewLoop validates required collaborators and applies defaults.
func NewLoop(cfg LoopConfig) (*Loop, error) {
	if cfg.Model == nil {
		return nil, ErrNoModel
	}
	if cfg.Store == nil {
		return nil, errors.New("agent: store is required")
	}
	if cfg.Browser == nil {
		return nil, errors.New("agent: browser is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.NewLogger(observability.LogConfig{})
	}
	if cfg.Prompt == nil {
		cfg.Prompt = StaticPrompt(DefaultSystemPrompt)
	}
	if cfg.DisplayWidth <= 0 {
		cfg.DisplayWidth = 1024
	}
	if cfg.DisplayHeight <= 0 {
		cfg.DisplayHeight = 768
	}
	if cfg.SignedURLTTL <= 0 {
		cfg.SignedURLTTL = defaultSignedURLTTL
	}
	return &Loop{
		model:         cfg.Model,
		store:         cfg.Store,
		browser:       cfg.Browser,
		artifacts:     cfg.Artifacts,
		memory:        cfg.Memory,
		prompt:        cfg.Prompt,
		logger:        cfg.Logger,
		metrics:       cfg.Metrics,
		tracer:        cfg.Tracer,
		displayWidth:  cfg.DisplayWidth,
		displayHeight: cfg.DisplayHeight,
		signedURLTTL:  cfg.SignedURLTTL,
	}, nil
}

// RunParams identifies one task run.
type RunParams struct {
	TaskID        string
	ChatSessionID string

	// RemoteSessionID keys browser actions; BrowserSessionID is the row id
	// reported in the metadata event.
	RemoteSessionID  string
	BrowserSessionID string

	// StreamURL is the live-view URL surfaced to clients.
	StreamURL string

	// Messages is the starting conversation: the user turn on a fresh run,
	// the reconstructed history on resume.
	Messages []models.Message

	// StartIteration is 0 on a fresh run and task.current_iteration on
	// resume.
	StartIteration int

	// Trigger labels the run for traces: "chat", "resume", "batch".
	Trigger string

	Config ExecutionConfig
	Sink   Sink
}

// runState accumulates per-run aggregates applied to the chat session when
// the run ends.
type runState struct {
	startedAt  time.Time
	iterations int
	usage      Usage
	costUSD    float64
}

func (s *runState) delta() models.UsageDelta {
	return models.UsageDelta{
		DurationMS:          time.Since(s.startedAt).Milliseconds(),
		Iterations:          s.iterations,
		InputTokens:         s.usage.InputTokens,
		OutputTokens:        s.usage.OutputTokens,
		CacheReadTokens:     s.usage.CacheReadTokens,
		CacheCreationTokens: s.usage.CacheCreationTokens,
		CostUSD:             s.costUSD,
	}
}

// Run drives one task until the model stops requesting tools, the agent
// reports a status, a cooperative stop is observed, an error occurs, or the
// iteration budget is exhausted. It returns nil for every clean ending
// including cooperative stops; it returns the causing error when the task
// failed, ErrMaxIterations included.
func (l *Loop) Run(ctx context.Context, p RunParams) error {
	cfg := sanitizeExecutionConfig(p.Config)
	sink := p.Sink
	if sink == nil {
		sink = NopSink()
	}

	ctx = observability.WithChatSessionID(ctx, p.ChatSessionID)
	ctx = observability.WithTaskID(ctx, p.TaskID)
	if l.tracer != nil {
		trigger := p.Trigger
		if trigger == "" {
			trigger = "task"
		}
		tctx, span := l.tracer.TraceTaskRun(ctx, p.TaskID, p.ChatSessionID, trigger)
		ctx = tctx
		defer span.End()
	}

	state := &runState{startedAt: time.Now()}

	sink(Event{
		Type:             EventMetadata,
		TaskID:           p.TaskID,
		SessionID:        p.ChatSessionID,
		BrowserSessionID: p.BrowserSessionID,
		StreamURL:        p.StreamURL,
		Timestamp:        time.Now().UTC(),
	})

	if len(p.Messages) == 0 {
		return l.failTask(ctx, p, sink, state, errors.New("agent: run requires at least one message"))
	}

	msgs := make([]models.Message, len(p.Messages))
	copy(msgs, p.Messages)

	shaper := Shaper{
		MaxInlineScreenshots: cfg.MaxInlineScreenshots,
		KeepThinkingBlocks:   cfg.KeepThinkingBlocks,
	}
	tools := DefaultTools(l.displayWidth, l.displayHeight)
	system := l.prompt.Text()

	var edits *ContextEdits
	if cfg.ContextManagement {
		edits = &ContextEdits{
			TriggerTokens: cfg.ContextTriggerTokens,
			KeepToolUses:  cfg.ContextKeepToolUses,
			ClearAtLeast:  cfg.ContextClearMinTokens,
			ExcludeTools:  cfg.ContextExcludeTools,
		}
	}

	for i := p.StartIteration; i < cfg.MaxIterations; i++ {
		select {
		case <-ctx.Done():
			return l.interrupted(ctx, p, state)
		default:
		}

		iterStart := time.Now()
		iteration := i + 1

		task, err := l.store.GetTask(ctx, p.TaskID)
		if err != nil {
			return l.failTask(ctx, p, sink, state, fmt.Errorf("load task: %w", err))
		}
		// The row's own budget rules even when the caller's config drifted,
		// so current_iteration can never pass max_iterations.
		if task.MaxIterations > 0 && iteration > task.MaxIterations {
			cfg.MaxIterations = task.MaxIterations
			return l.maxIterationsReached(ctx, p, sink, state, cfg)
		}
		task.CurrentIteration = iteration
		if err := l.store.UpdateTask(ctx, task); err != nil {
			l.logger.Warn(ctx, "iteration counter update failed", "iteration", iteration, "error", err)
		}

		// Stop check A, before any work.
		if task.Status == models.TaskStopped {
			return l.observeStop(ctx, p, sink, state, task)
		}

		shaped := shaper.Shape(msgs)
		fullPayload := RequestPayload{
			Model:     cfg.Model,
			MaxTokens: cfg.MaxTokens,
			System:    system,
			Messages:  shaped,
		}
		fullBlob, err := json.Marshal(fullPayload)
		if err != nil {
			return l.failTask(ctx, p, sink, state, fmt.Errorf("encode request payload: %w", err))
		}
		imageCount := InlineImageCount(shaped)
		l.logger.Debug(ctx, "model request prepared",
			"iteration", iteration,
			"messages", len(shaped),
			"request_bytes", len(fullBlob),
			"inline_images", imageCount)

		// Stop check B, just before the model call: it saves the largest
		// cost item when a stop lands mid-iteration.
		if fresh, err := l.store.GetTask(ctx, p.TaskID); err != nil {
			l.logger.Warn(ctx, "stop check read failed", "iteration", iteration, "error", err)
		} else if fresh.Status == models.TaskStopped {
			return l.observeStop(ctx, p, sink, state, fresh)
		}

		req := &Request{
			Model:        cfg.Model,
			System:       system,
			Messages:     shaped,
			Tools:        tools,
			MaxTokens:    cfg.MaxTokens,
			Thinking:     ThinkingConfig{Enabled: cfg.ThinkingEnabled, BudgetTokens: cfg.ThinkingBudgetTokens},
			Betas:        cfg.Betas,
			CacheSystem:  cfg.PromptCaching,
			CacheTools:   cfg.PromptCaching,
			ContextEdits: edits,
		}

		resp, latency, err := l.invoke(ctx, cfg, req)
		if err != nil {
			return l.failTask(ctx, p, sink, state, err)
		}
		state.iterations++
		state.usage.InputTokens += resp.Usage.InputTokens
		state.usage.OutputTokens += resp.Usage.OutputTokens
		state.usage.CacheReadTokens += resp.Usage.CacheReadTokens
		state.usage.CacheCreationTokens += resp.Usage.CacheCreationTokens
		cost := Cost(resp.Model, resp.Usage)
		state.costUSD += cost

		observability.EmitModelUsage(&observability.ModelUsageEvent{
			SessionID:  p.ChatSessionID,
			TaskID:     p.TaskID,
			Provider:   l.model.Name(),
			Model:      resp.Model,
			Iteration:  iteration,
			DurationMs: latency.Milliseconds(),
			CostUSD:    cost,
			Usage: observability.UsageDetails{
				Input:      resp.Usage.InputTokens,
				Output:     resp.Usage.OutputTokens,
				CacheRead:  resp.Usage.CacheReadTokens,
				CacheWrite: resp.Usage.CacheCreationTokens,
				Total:      resp.Usage.Total(),
			},
		})
		if resp.Usage.ContextClearedTokens > 0 && l.metrics != nil {
			l.metrics.RecordContextTrim("server_edit", int(resp.Usage.ContextClearedTokens))
		}

		assistantText := joinedText(resp.Blocks, models.BlockText)
		reasoningText := joinedText(resp.Blocks, models.BlockThinking)
		toolUses := usesOf(resp.Blocks)

		msgs = append(msgs, models.Message{Role: models.RoleAssistant, Blocks: resp.Blocks})

		toolStart := time.Now()
		outcome, err := l.runTools(ctx, p, toolUses)
		if err != nil {
			return l.failTask(ctx, p, sink, state, err)
		}
		toolDur := time.Since(toolStart)

		rowID := l.persistTurn(ctx, p, cfg, persistTurnArgs{
			iteration:     iteration,
			assistantText: assistantText,
			reasoningText: reasoningText,
			response:      resp,
			views:         outcome.views,
			results:       outcome.results,
			fullRequest:   fullPayload,
			fullBlob:      fullBlob,
			latency:       latency,
			toolDuration:  toolDur,
			iterStart:     iterStart,
			imageCount:    imageCount,
		})

		sink(Event{
			Type:      EventMessage,
			TaskID:    p.TaskID,
			ID:        rowID,
			Role:      string(models.RoleAssistant),
			Content:   assistantText,
			Reasoning: reasoningText,
			ToolCalls: outcome.views,
			Timestamp: time.Now().UTC(),
		})

		// Termination checks, in order.
		if len(toolUses) == 0 {
			return l.completeTask(ctx, p, sink, state, assistantText)
		}
		if outcome.report != nil {
			return l.reportedTask(ctx, p, sink, state, outcome.report, assistantText)
		}

		msgs = append(msgs, models.Message{Role: models.RoleUser, Blocks: outcome.results})

		if cfg.LoopDelay > 0 {
			timer := time.NewTimer(cfg.LoopDelay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return l.interrupted(ctx, p, state)
			case <-timer.C:
			}
		}
	}

	return l.maxIterationsReached(ctx, p, sink, state, cfg)
}

func (l *Loop) invoke(ctx context.Context, cfg ExecutionConfig, req *Request) (*Response, time.Duration, error) {
	mctx, cancel := context.WithTimeout(ctx, cfg.ModelTimeout)
	defer cancel()

	if l.tracer != nil {
		tctx, span := l.tracer.TraceModelRequest(mctx, l.model.Name(), req.Model)
		mctx = tctx
		defer span.End()
	}

	start := time.Now()
	resp, err := l.model.Invoke(mctx, req)
	latency := time.Since(start)

	if l.metrics != nil {
		status := "ok"
		var usage Usage
		if err != nil {
			status = "error"
		} else {
			usage = resp.Usage
		}
		model := req.Model
		if resp != nil && resp.Model != "" {
			model = resp.Model
		}
		l.metrics.RecordModelRequest(l.model.Name(), model, status, latency.Seconds(),
			usage.InputTokens, usage.OutputTokens, usage.CacheReadTokens, usage.CacheCreationTokens)
	}
	if err != nil {
		return nil, latency, err
	}
	return resp, latency, nil
}

type persistTurnArgs struct {
	iteration     int
	assistantText string
	reasoningText string
	response      *Response
	views         []ToolCallView
	results       []models.Block
	fullRequest   RequestPayload
	fullBlob      []byte
	latency       time.Duration
	toolDuration  time.Duration
	iterStart     time.Time
	imageCount    int
}

// persistTurn appends the assistant Message row and the PerformanceMetric
// row. Both writes are best-effort: a failed write is logged and the loop
// carries on, since the conversation lives in memory until the run ends.
func (l *Loop) persistTurn(ctx context.Context, p RunParams, cfg ExecutionConfig, args persistTurnArgs) string {
	requestBlob := args.fullBlob
	responsePayload := ResponsePayload{
		ID:          args.response.ID,
		Model:       args.response.Model,
		StopReason:  args.response.StopReason,
		Content:     args.response.Blocks,
		Usage:       args.response.Usage,
		ToolResults: args.results,
	}
	if !cfg.FullPayload {
		sanitized := args.fullRequest
		sanitized.System = ""
		sanitized.Messages = make([]models.Message, len(args.fullRequest.Messages))
		for i, m := range args.fullRequest.Messages {
			sanitized.Messages[i] = m
			sanitized.Messages[i].Blocks = StripInlineImages(m.Blocks)
		}
		if blob, err := json.Marshal(sanitized); err == nil {
			requestBlob = blob
		}
		responsePayload.ToolResults = StripInlineImages(args.results)
	}
	responseBlob, err := json.Marshal(responsePayload)
	if err != nil {
		l.logger.Warn(ctx, "encode response payload failed", "error", err)
	}

	row := &models.Message{
		ID:            uuid.NewString(),
		ChatSessionID: p.ChatSessionID,
		TaskID:        p.TaskID,
		Role:          models.RoleAssistant,
		Content:       args.assistantText,
		Reasoning:     args.reasoningText,
		Blocks:        args.response.Blocks,
		ToolCalls:     persistedCalls(args.views),
		Iteration:     args.iteration,
		RequestBlob:   requestBlob,
		ResponseBlob:  responseBlob,
		APILatencyMS:  args.latency.Milliseconds(),
		CreatedAt:     time.Now().UTC(),
	}
	if err := l.store.CreateMessage(ctx, row); err != nil {
		l.logger.Warn(ctx, "persist assistant message failed", "iteration", args.iteration, "error", err)
	}

	metric := &models.PerformanceMetric{
		ID:                   uuid.NewString(),
		TaskID:               p.TaskID,
		ChatSessionID:        p.ChatSessionID,
		Iteration:            args.iteration,
		APIResponseMS:        args.latency.Milliseconds(),
		ToolExecutionMS:      args.toolDuration.Milliseconds(),
		IterationTotalMS:     time.Since(args.iterStart).Milliseconds(),
		InputTokens:          args.response.Usage.InputTokens,
		OutputTokens:         args.response.Usage.OutputTokens,
		CacheReadTokens:      args.response.Usage.CacheReadTokens,
		CacheCreationTokens:  args.response.Usage.CacheCreationTokens,
		ContextClearedTokens: args.response.Usage.ContextClearedTokens,
		RequestBytes:         len(args.fullBlob),
		ImageCount:           args.imageCount,
		CreatedAt:            time.Now().UTC(),
	}
	if err := l.store.CreateMetric(ctx, metric); err != nil {
		l.logger.Warn(ctx, "persist performance metric failed", "iteration", args.iteration, "error", err)
	}
	return row.ID
}

// observeStop finishes a run whose task was cooperatively stopped. The
// coordinator already wrote the stopped status and agent message; the loop
// confirms termination metadata and streams the final events.
func (l *Loop) observeStop(ctx context.Context, p RunParams, sink Sink, state *runState, task *models.Task) error {
	if task.CompletedAt == nil {
		now := time.Now().UTC()
		task.CompletedAt = &now
		if err := l.store.UpdateTask(ctx, task); err != nil {
			l.logger.Warn(ctx, "stop metadata update failed", "error", err)
		}
	}
	l.applyUsage(ctx, p, state)
	l.finishMetrics(string(models.TaskStopped), state)
	observability.EmitTaskState(&observability.TaskStateEvent{
		TaskID:     p.TaskID,
		SessionID:  p.ChatSessionID,
		PrevStatus: string(models.TaskRunning),
		Status:     string(models.TaskStopped),
		Reason:     "user stop",
	})
	l.logger.Info(ctx, "task stopped", "iteration", task.CurrentIteration)

	now := time.Now().UTC()
	sink(Event{
		Type:      EventTaskStatus,
		TaskID:    p.TaskID,
		Status:    string(models.TaskStopped),
		Message:   task.AgentMessage,
		Timestamp: now,
	})
	sink(Event{Type: EventDone, TaskID: p.TaskID, FinalResponse: task.AgentMessage, Timestamp: now})
	return nil
}

// completeTask finishes a run whose model returned no tool calls: the task
// completed naturally and the assistant text is the result.
func (l *Loop) completeTask(ctx context.Context, p RunParams, sink Sink, state *runState, resultMessage string) error {
	l.transitionTask(ctx, p.TaskID, func(task *models.Task) {
		now := time.Now().UTC()
		task.Status = models.TaskCompleted
		task.CompletedAt = &now
		task.ResultMessage = resultMessage
	})
	l.applyUsage(ctx, p, state)
	l.finishMetrics(string(models.TaskCompleted), state)
	observability.EmitTaskState(&observability.TaskStateEvent{
		TaskID:     p.TaskID,
		SessionID:  p.ChatSessionID,
		PrevStatus: string(models.TaskRunning),
		Status:     string(models.TaskCompleted),
		Reason:     "model returned no tool calls",
	})
	l.disconnectBrowser(ctx, p)
	l.logger.Info(ctx, "task completed", "iterations", state.iterations)

	sink(Event{Type: EventDone, TaskID: p.TaskID, FinalResponse: resultMessage, Timestamp: time.Now().UTC()})
	return nil
}

// reportedTask finishes a run ended by a report_task_status call.
func (l *Loop) reportedTask(ctx context.Context, p RunParams, sink Sink, state *runState, report *StatusReport, assistantText string) error {
	status := models.TaskStatusFor(report.Status)
	resultMessage := assistantText
	if resultMessage == "" {
		resultMessage = report.Message
	}

	l.transitionTask(ctx, p.TaskID, func(task *models.Task) {
		task.Status = status
		task.AgentStatus = report.Status
		task.AgentMessage = report.Message
		task.AgentEvidence = report.Evidence
		task.ResultMessage = resultMessage
		if status == models.TaskCompleted || status == models.TaskFailed {
			now := time.Now().UTC()
			task.CompletedAt = &now
		}
	})
	l.applyUsage(ctx, p, state)
	l.finishMetrics(string(status), state)
	observability.EmitTaskState(&observability.TaskStateEvent{
		TaskID:      p.TaskID,
		SessionID:   p.ChatSessionID,
		PrevStatus:  string(models.TaskRunning),
		Status:      string(status),
		AgentStatus: string(report.Status),
		Reason:      "agent reported status",
	})
	l.disconnectBrowser(ctx, p)
	l.logger.Info(ctx, "task status reported",
		"status", string(status), "agent_status", string(report.Status))

	now := time.Now().UTC()
	sink(Event{
		Type:        EventTaskStatus,
		TaskID:      p.TaskID,
		Status:      string(status),
		AgentStatus: string(report.Status),
		Message:     report.Message,
		Evidence:    report.Evidence,
		Timestamp:   now,
	})
	sink(Event{Type: EventDone, TaskID: p.TaskID, FinalResponse: resultMessage, Timestamp: now})
	return nil
}

// failTask finishes a run broken by an exception in the iteration body.
func (l *Loop) failTask(ctx context.Context, p RunParams, sink Sink, state *runState, cause error) error {
	l.transitionTask(ctx, p.TaskID, func(task *models.Task) {
		now := time.Now().UTC()
		task.Status = models.TaskFailed
		task.CompletedAt = &now
		task.ErrorMessage = cause.Error()
	})
	l.applyUsage(ctx, p, state)
	l.finishMetrics(string(models.TaskFailed), state)
	if l.metrics != nil {
		l.metrics.RecordError("agent", errorKind(cause))
	}
	observability.EmitTaskState(&observability.TaskStateEvent{
		TaskID:     p.TaskID,
		SessionID:  p.ChatSessionID,
		PrevStatus: string(models.TaskRunning),
		Status:     string(models.TaskFailed),
		Reason:     cause.Error(),
	})
	l.logger.Error(ctx, "task failed", "error", cause)

	sink(Event{Type: EventError, TaskID: p.TaskID, Message: cause.Error(), Timestamp: time.Now().UTC()})
	return cause
}

// maxIterationsReached handles loop exit without a terminal status: a
// synthesized assistant message is persisted and streamed, then the task
// fails.
func (l *Loop) maxIterationsReached(ctx context.Context, p RunParams, sink Sink, state *runState, cfg ExecutionConfig) error {
	row := &models.Message{
		ID:            uuid.NewString(),
		ChatSessionID: p.ChatSessionID,
		TaskID:        p.TaskID,
		Role:          models.RoleAssistant,
		Content:       maxIterationsMessage,
		Blocks:        []models.Block{models.NewTextBlock(maxIterationsMessage)},
		Iteration:     cfg.MaxIterations,
		CreatedAt:     time.Now().UTC(),
	}
	if err := l.store.CreateMessage(ctx, row); err != nil {
		l.logger.Warn(ctx, "persist max-iterations message failed", "error", err)
	}
	sink(Event{
		Type:      EventMessage,
		TaskID:    p.TaskID,
		ID:        row.ID,
		Role:      string(models.RoleAssistant),
		Content:   maxIterationsMessage,
		Timestamp: time.Now().UTC(),
	})

	l.transitionTask(ctx, p.TaskID, func(task *models.Task) {
		now := time.Now().UTC()
		task.Status = models.TaskFailed
		task.CompletedAt = &now
		task.ErrorMessage = maxIterationsError
	})
	l.applyUsage(ctx, p, state)
	l.finishMetrics(string(models.TaskFailed), state)
	observability.EmitTaskState(&observability.TaskStateEvent{
		TaskID:     p.TaskID,
		SessionID:  p.ChatSessionID,
		PrevStatus: string(models.TaskRunning),
		Status:     string(models.TaskFailed),
		Reason:     maxIterationsError,
	})
	l.disconnectBrowser(ctx, p)
	l.logger.Warn(ctx, "task hit iteration budget", "max_iterations", cfg.MaxIterations)

	sink(Event{Type: EventError, TaskID: p.TaskID, Message: maxIterationsError, Timestamp: time.Now().UTC()})
	return ErrMaxIterations
}

// interrupted handles context cancellation, which only happens on server
// shutdown. The task is marked stopped so a later run can resume it.
func (l *Loop) interrupted(ctx context.Context, p RunParams, state *runState) error {
	// The run context is gone; give the bookkeeping writes their own.
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	l.transitionTask(wctx, p.TaskID, func(task *models.Task) {
		if task.Status != models.TaskRunning {
			return
		}
		now := time.Now().UTC()
		task.Status = models.TaskStopped
		task.CompletedAt = &now
		if task.AgentMessage == "" {
			task.AgentMessage = "Task interrupted by shutdown"
		}
	})
	l.applyUsage(wctx, p, state)
	l.finishMetrics(string(models.TaskStopped), state)
	l.logger.Warn(wctx, "task run interrupted", "error", ctx.Err())
	return ctx.Err()
}

// transitionTask loads, mutates, and writes a task row. Status transitions
// are the one write that must be durably attempted, so failures are logged
// loudly but never raised.
func (l *Loop) transitionTask(ctx context.Context, taskID string, mutate func(*models.Task)) {
	task, err := l.store.GetTask(ctx, taskID)
	if err != nil {
		l.logger.Error(ctx, "task transition read failed", "error", err)
		return
	}
	prev := task.Status
	mutate(task)
	if task.Status == prev && task.CompletedAt == nil {
		return
	}
	if err := l.store.UpdateTask(ctx, task); err != nil {
		l.logger.Error(ctx, "task transition write failed",
			"from", string(prev), "to", string(task.Status), "error", err)
	}
}

func (l *Loop) applyUsage(ctx context.Context, p RunParams, state *runState) {
	if state.iterations == 0 && state.usage == (Usage{}) {
		return
	}
	if err := l.store.ApplySessionUsage(ctx, p.ChatSessionID, state.delta()); err != nil {
		l.logger.Warn(ctx, "session usage update failed", "error", err)
	}
}

func (l *Loop) finishMetrics(status string, state *runState) {
	if l.metrics == nil {
		return
	}
	l.metrics.RecordTaskFinished(status, time.Since(state.startedAt).Seconds(), state.iterations)
}

// disconnectBrowser drops the CDP connection after a terminal state so the
// remote browser idles in standby. Best-effort: a failure never changes the
// task outcome.
func (l *Loop) disconnectBrowser(ctx context.Context, p RunParams) {
	if l.browser == nil || p.RemoteSessionID == "" {
		return
	}
	if err := l.browser.DisconnectCDP(ctx, p.RemoteSessionID); err != nil {
		l.logger.Debug(ctx, "auto-disconnect failed", "remote_id", p.RemoteSessionID, "error", err)
	}
}

func joinedText(blocks []models.Block, kind models.BlockType) string {
	var parts []string
	for _, b := range blocks {
		switch {
		case kind == models.BlockText && b.Type == models.BlockText && b.Text != "":
			parts = append(parts, b.Text)
		case kind == models.BlockThinking && b.Type == models.BlockThinking && b.Thinking != "":
			parts = append(parts, b.Thinking)
		}
	}
	return strings.Join(parts, "\n")
}

func usesOf(blocks []models.Block) []models.Block {
	var uses []models.Block
	for _, b := range blocks {
		if b.Type == models.BlockToolUse {
			uses = append(uses, b)
		}
	}
	return uses
}

func errorKind(err error) string {
	var modelErr *ModelError
	if errors.As(err, &modelErr) {
		return "model"
	}
	var toolErr *ToolError
	if errors.As(err, &toolErr) {
		return "tool"
	}
	if errors.Is(err, sessions.ErrSessionNotFound) {
		return "session_lost"
	}
	if errors.Is(err, ErrMaxIterations) {
		return "max_iterations"
	}
	return "internal"
}
