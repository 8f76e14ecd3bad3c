package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/haasonsaas/pilot/internal/store"
	"github.com/haasonsaas/pilot/pkg/models"
)

type sessionListResponse struct {
	Sessions []*models.ChatSession `json:"sessions"`
	Total    int                   `json:"total"`
	Limit    int                   `json:"limit"`
	Offset   int                   `json:"offset"`
}

type sessionPatchRequest struct {
	Status   string         `json:"status"`
	Metadata map[string]any `json:"metadata"`
}

// handleSessionList handles GET /sessions.
func (s *Server) handleSessionList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	limit := parseIntParam(r, "limit", 50)
	if limit < 1 || limit > 200 {
		limit = 50
	}
	offset := parseIntParam(r, "offset", 0)

	sessions, err := s.store.ListChatSessions(r.Context(), limit, offset)
	if err != nil {
		s.logger.Error(r.Context(), "session list failed", "error", err)
		s.jsonError(w, "sessions unavailable", http.StatusInternalServerError)
		return
	}
	s.jsonResponse(w, sessionListResponse{
		Sessions: sessions,
		Total:    len(sessions),
		Limit:    limit,
		Offset:   offset,
	})
}

// handleSession routes GET and PATCH /sessions/{id}.
func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/sessions/"), "/")
	if id == "" || strings.Contains(id, "/") {
		s.jsonError(w, "session id required", http.StatusNotFound)
		return
	}
	switch r.Method {
	case http.MethodGet:
		s.sessionGet(w, r, id)
	case http.MethodPatch:
		s.sessionPatch(w, r, id)
	default:
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) sessionGet(w http.ResponseWriter, r *http.Request, id string) {
	session, err := s.store.GetChatSession(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.jsonError(w, "session not found", http.StatusNotFound)
		} else {
			s.logger.Error(r.Context(), "session load failed", "chat_session_id", id, "error", err)
			s.jsonError(w, "session unavailable", http.StatusInternalServerError)
		}
		return
	}
	s.jsonResponse(w, session)
}

func (s *Server) sessionPatch(w http.ResponseWriter, r *http.Request, id string) {
	var req sessionPatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Status != "" {
		switch models.ChatSessionStatus(req.Status) {
		case models.ChatSessionActive, models.ChatSessionCompleted, models.ChatSessionFailed:
		default:
			s.jsonError(w, "invalid status", http.StatusBadRequest)
			return
		}
	}

	ctx := r.Context()
	session, err := s.store.GetChatSession(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.jsonError(w, "session not found", http.StatusNotFound)
		} else {
			s.logger.Error(ctx, "session load failed", "chat_session_id", id, "error", err)
			s.jsonError(w, "session unavailable", http.StatusInternalServerError)
		}
		return
	}
	if req.Status != "" {
		session.Status = models.ChatSessionStatus(req.Status)
	}
	if req.Metadata != nil {
		session.Metadata = req.Metadata
	}
	if err := s.store.UpdateChatSession(ctx, session); err != nil {
		s.logger.Error(ctx, "session update failed", "chat_session_id", id, "error", err)
		s.jsonError(w, "session update failed", http.StatusInternalServerError)
		return
	}
	s.jsonResponse(w, session)
}

// dashboardSession pairs a chat session with its newest browser session and
// task for the overview page.
type dashboardSession struct {
	Session    *models.ChatSession    `json:"session"`
	Browser    *models.BrowserSession `json:"browser,omitempty"`
	LatestTask *models.Task           `json:"latestTask,omitempty"`
}

// handleDashboardSessions handles GET /dashboard/sessions.
func (s *Server) handleDashboardSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	limit := parseIntParam(r, "limit", 50)
	if limit < 1 || limit > 200 {
		limit = 50
	}
	offset := parseIntParam(r, "offset", 0)

	ctx := r.Context()
	sessions, err := s.store.ListChatSessions(ctx, limit, offset)
	if err != nil {
		s.logger.Error(ctx, "dashboard session list failed", "error", err)
		s.jsonError(w, "sessions unavailable", http.StatusInternalServerError)
		return
	}

	rows := make([]dashboardSession, 0, len(sessions))
	for _, session := range sessions {
		row := dashboardSession{Session: session}
		if browser, err := s.store.GetBrowserSessionByChatSession(ctx, session.ID); err == nil {
			row.Browser = browser
		}
		if task, err := s.store.GetLatestTask(ctx, session.ID); err == nil {
			row.LatestTask = task
		}
		rows = append(rows, row)
	}
	s.jsonResponse(w, map[string]any{"sessions": rows, "total": len(rows)})
}

// handleDashboardTasks handles GET /dashboard/tasks/{sessionId}.
func (s *Server) handleDashboardTasks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/dashboard/tasks/"), "/")
	if id == "" {
		s.jsonError(w, "session id required", http.StatusNotFound)
		return
	}
	tasks, err := s.store.ListTasks(r.Context(), id)
	if err != nil {
		s.logger.Error(r.Context(), "dashboard task list failed", "chat_session_id", id, "error", err)
		s.jsonError(w, "tasks unavailable", http.StatusInternalServerError)
		return
	}
	s.jsonResponse(w, map[string]any{"tasks": tasks, "total": len(tasks)})
}

// iterationView zips one iteration's messages with its performance metric.
type iterationView struct {
	Iteration int                       `json:"iteration"`
	Messages  []*models.Message         `json:"messages"`
	Metric    *models.PerformanceMetric `json:"metric,omitempty"`
}

// handleDashboardIterations handles GET /dashboard/iterations/{taskId}.
func (s *Server) handleDashboardIterations(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/dashboard/iterations/"), "/")
	if id == "" {
		s.jsonError(w, "task id required", http.StatusNotFound)
		return
	}

	ctx := r.Context()
	messages, err := s.store.ListTaskMessages(ctx, id)
	if err != nil {
		s.logger.Error(ctx, "dashboard iteration list failed", "task_id", id, "error", err)
		s.jsonError(w, "iterations unavailable", http.StatusInternalServerError)
		return
	}
	metrics, err := s.store.ListTaskMetrics(ctx, id)
	if err != nil {
		s.logger.Error(ctx, "dashboard metric list failed", "task_id", id, "error", err)
		s.jsonError(w, "iterations unavailable", http.StatusInternalServerError)
		return
	}

	metricByIteration := make(map[int]*models.PerformanceMetric, len(metrics))
	for _, m := range metrics {
		metricByIteration[m.Iteration] = m
	}

	var views []iterationView
	byIteration := map[int]int{}
	for _, msg := range messages {
		// Stored payload blobs are too heavy for the dashboard.
		trimmed := *msg
		trimmed.RequestBlob = nil
		trimmed.ResponseBlob = nil

		idx, ok := byIteration[msg.Iteration]
		if !ok {
			views = append(views, iterationView{
				Iteration: msg.Iteration,
				Metric:    metricByIteration[msg.Iteration],
			})
			idx = len(views) - 1
			byIteration[msg.Iteration] = idx
		}
		views[idx].Messages = append(views[idx].Messages, &trimmed)
	}
	s.jsonResponse(w, map[string]any{"iterations": views, "total": len(views)})
}
