package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/haasonsaas/pilot/internal/agent"
	"github.com/haasonsaas/pilot/internal/store"
	"github.com/haasonsaas/pilot/internal/tasks"
	"github.com/haasonsaas/pilot/pkg/models"
)

// errBrowserMismatch marks an explicit browserSessionId owned by another chat
// session.
var errBrowserMismatch = errors.New("browser session belongs to another chat session")

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Messages         []chatMessage `json:"messages"`
	SessionID        string        `json:"sessionId"`
	BrowserSessionID string        `json:"browserSessionId"`
	ContinueAgent    bool          `json:"continueAgent"`

	// Stream defaults to true when absent.
	Stream *bool `json:"stream"`
}

// lastUserMessage returns the content of the newest user turn.
func (r chatRequest) lastUserMessage() string {
	for i := len(r.Messages) - 1; i >= 0; i-- {
		if r.Messages[i].Role == "user" {
			return r.Messages[i].Content
		}
	}
	return ""
}

type chatResponse struct {
	Message          string    `json:"message"`
	SessionID        string    `json:"sessionId"`
	BrowserSessionID string    `json:"browserSessionId"`
	StreamURL        string    `json:"streamUrl,omitempty"`
	Status           string    `json:"status"`
	Timestamp        time.Time `json:"timestamp"`
}

// handleChat runs one agent task for the conversation. The default response
// is the SSE event stream; stream=false runs the task to completion and
// returns one JSON summary.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	userMessage := req.lastUserMessage()
	if userMessage == "" && !req.ContinueAgent {
		s.jsonError(w, "messages must include a user message", http.StatusBadRequest)
		return
	}

	stream := req.Stream == nil || *req.Stream
	flusher, canFlush := w.(http.Flusher)
	if stream && !canFlush {
		s.jsonError(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	ctx := r.Context()
	chatSession, err := s.ensureChatSession(ctx, req.SessionID)
	if err != nil {
		s.logger.Error(ctx, "chat session resolve failed", "error", err)
		s.jsonError(w, "session unavailable", http.StatusInternalServerError)
		return
	}

	browserSession, err := s.resolveBrowser(ctx, chatSession.ID, req.BrowserSessionID)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			s.jsonError(w, "browser session not found", http.StatusNotFound)
		case errors.Is(err, errBrowserMismatch):
			s.jsonError(w, errBrowserMismatch.Error(), http.StatusBadRequest)
		default:
			s.logger.Error(ctx, "browser session resolve failed",
				"chat_session_id", chatSession.ID, "error", err)
			s.jsonError(w, "browser session unavailable", http.StatusBadGateway)
		}
		return
	}

	var (
		task    *models.Task
		msgs    []models.Message
		trigger string
	)
	if req.ContinueAgent {
		task, msgs, err = s.coordinator.Resume(ctx, tasks.ResumeParams{
			ChatSessionID: chatSession.ID,
			Message:       userMessage,
		})
		if errors.Is(err, tasks.ErrNoResumableTask) {
			s.jsonError(w, err.Error(), http.StatusConflict)
			return
		}
		trigger = "resume"
	} else {
		task, msgs, err = s.coordinator.Create(ctx, tasks.CreateParams{
			ChatSessionID: chatSession.ID,
			UserMessage:   userMessage,
			MaxIterations: s.defaults.MaxIterations,
		})
		trigger = "chat"
	}
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			s.jsonError(w, "a task is already running for this session", http.StatusConflict)
			return
		}
		s.logger.Error(ctx, "task create failed", "chat_session_id", chatSession.ID, "error", err)
		s.jsonError(w, "task creation failed", http.StatusInternalServerError)
		return
	}

	cfg := s.defaults
	startIteration := 0
	if trigger == "resume" {
		startIteration = task.CurrentIteration
		cfg = s.resumeConfig(ctx, task)
	}
	params := agent.RunParams{
		TaskID:           task.ID,
		ChatSessionID:    chatSession.ID,
		RemoteSessionID:  browserSession.RemoteID,
		BrowserSessionID: browserSession.ID,
		StreamURL:        browserSession.LiveViewURL,
		Messages:         msgs,
		StartIteration:   startIteration,
		Trigger:          trigger,
		Config:           cfg,
	}

	if stream {
		s.streamChat(w, r, flusher, params)
		return
	}
	s.syncChat(w, r, params, browserSession)
}

// streamChat runs the loop on the request goroutine and writes each event as
// an SSE frame. A client disconnect cancels the run context, which the loop
// treats as a cooperative stop.
func (s *Server) streamChat(w http.ResponseWriter, r *http.Request, flusher http.Flusher, p agent.RunParams) {
	sseHeaders(w)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	clientGone := false
	p.Sink = func(ev agent.Event) {
		s.broker.Publish(p.TaskID, ev)
		if clientGone {
			return
		}
		if err := writeSSE(w, flusher, ev); err != nil {
			clientGone = true
			s.logger.Debug(ctx, "sse client gone", "task_id", p.TaskID, "error", err)
		}
	}
	defer s.broker.Finish(p.TaskID)

	if err := s.loop.Run(ctx, p); err != nil {
		if ctx.Err() != nil {
			s.logger.Info(ctx, "chat run interrupted", "task_id", p.TaskID)
			return
		}
		s.logger.Error(ctx, "chat run failed", "task_id", p.TaskID, "error", err)
	}
}

// syncChat runs the loop to completion and answers with one JSON summary.
func (s *Server) syncChat(w http.ResponseWriter, r *http.Request, p agent.RunParams, browserSession *models.BrowserSession) {
	ctx := r.Context()
	p.Sink = func(ev agent.Event) {
		s.broker.Publish(p.TaskID, ev)
	}
	runErr := s.loop.Run(ctx, p)
	s.broker.Finish(p.TaskID)
	if runErr != nil && ctx.Err() == nil {
		s.logger.Error(ctx, "chat run failed", "task_id", p.TaskID, "error", runErr)
	}

	// The loop already persisted the outcome; reload the row for it.
	final, err := s.store.GetTask(ctx, p.TaskID)
	if err != nil {
		s.logger.Error(ctx, "task reload failed", "task_id", p.TaskID, "error", err)
		s.jsonError(w, "task state unavailable", http.StatusInternalServerError)
		return
	}
	message := final.ResultMessage
	if message == "" {
		message = final.ErrorMessage
	}
	s.jsonResponse(w, chatResponse{
		Message:          message,
		SessionID:        p.ChatSessionID,
		BrowserSessionID: browserSession.ID,
		StreamURL:        browserSession.LiveViewURL,
		Status:           string(final.Status),
		Timestamp:        time.Now().UTC(),
	})
}

// resumeConfig rebuilds the execution config a resumed task originally ran
// under: the row's persisted overrides layer onto the current process
// defaults, and the iteration budget is pinned to the row's own
// max_iterations so a resume under changed defaults cannot overrun it.
func (s *Server) resumeConfig(ctx context.Context, task *models.Task) agent.ExecutionConfig {
	cfg := s.defaults
	if len(task.ConfigOverrides) > 0 {
		var o agent.ConfigOverrides
		if err := json.Unmarshal(task.ConfigOverrides, &o); err != nil {
			s.logger.Warn(ctx, "task config overrides unreadable",
				"task_id", task.ID, "error", err)
		} else {
			cfg = cfg.With(&o)
		}
	}
	if task.MaxIterations > 0 {
		cfg.MaxIterations = task.MaxIterations
	}
	return cfg
}

// ensureChatSession loads the session or creates it, keeping the caller's id
// when one was supplied.
func (s *Server) ensureChatSession(ctx context.Context, id string) (*models.ChatSession, error) {
	if id != "" {
		session, err := s.store.GetChatSession(ctx, id)
		if err == nil {
			return session, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
	}
	session := &models.ChatSession{ID: id, Status: models.ChatSessionActive}
	if err := s.store.CreateChatSession(ctx, session); err != nil {
		return nil, err
	}
	return session, nil
}

// resolveBrowser returns the browser session the run should use. An explicit
// id must exist and belong to the chat session; otherwise the session's
// newest browser is reconnected, or a fresh one created when none survives.
func (s *Server) resolveBrowser(ctx context.Context, chatSessionID, explicitID string) (*models.BrowserSession, error) {
	if explicitID != "" {
		row, err := s.store.GetBrowserSession(ctx, explicitID)
		if err != nil {
			return nil, err
		}
		if row.ChatSessionID != chatSessionID {
			return nil, errBrowserMismatch
		}
		return s.browser.ReconnectCDP(ctx, row.RemoteID)
	}

	row, err := s.store.GetBrowserSessionByChatSession(ctx, chatSessionID)
	if err == nil && row.Status == models.BrowserSessionActive {
		if live, rerr := s.browser.ReconnectCDP(ctx, row.RemoteID); rerr == nil {
			return live, nil
		}
		// The remote browser is gone; fall through to a fresh one.
	} else if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	return s.browser.Create(ctx, chatSessionID)
}
