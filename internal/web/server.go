// Package web is the HTTP surface of the runtime: the interactive chat
// endpoint with its SSE stream, the authenticated batch endpoint, task and
// session reporting, browser session controls, and the websocket mirror of
// the task event feed.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haasonsaas/pilot/internal/agent"
	"github.com/haasonsaas/pilot/internal/batch"
	"github.com/haasonsaas/pilot/internal/observability"
	"github.com/haasonsaas/pilot/internal/sessions"
	"github.com/haasonsaas/pilot/internal/store"
	"github.com/haasonsaas/pilot/internal/tasks"
	"github.com/haasonsaas/pilot/pkg/models"
)

// Runner runs one task to a terminal or resumable state.
type Runner interface {
	Run(ctx context.Context, p agent.RunParams) error
}

// Coordinator is the slice of the task coordinator the handlers use.
type Coordinator interface {
	Create(ctx context.Context, p tasks.CreateParams) (*models.Task, []models.Message, error)
	CreateQueued(ctx context.Context, p tasks.CreateParams) (*models.Task, error)
	Resume(ctx context.Context, p tasks.ResumeParams) (*models.Task, []models.Message, error)
	Stop(ctx context.Context, taskID string) (*models.Task, error)
	Fail(ctx context.Context, taskID, errorMessage string) error
}

// BatchRunner executes an accepted batch after the 202 went out.
type BatchRunner interface {
	Execute(ctx context.Context, p batch.Params) error
}

// Browser is the slice of the session manager the handlers use.
type Browser interface {
	Create(ctx context.Context, chatSessionID string) (*models.BrowserSession, error)
	Get(remoteID string) (sessions.Info, error)
	List() []sessions.Info
	Screenshot(ctx context.Context, remoteID string) ([]byte, error)
	DisconnectCDP(ctx context.Context, remoteID string) error
	ReconnectCDP(ctx context.Context, remoteID string) (*models.BrowserSession, error)
	Destroy(ctx context.Context, remoteID string) error
	Stop(ctx context.Context, remoteID string) error
	Pause(ctx context.Context, remoteID string) error
	Resume(ctx context.Context, remoteID string) (*models.BrowserSession, error)
}

// Config wires a Server.
type Config struct {
	Store       store.Store
	Browser     Browser
	Coordinator Coordinator
	Loop        Runner
	Batch       BatchRunner

	// Defaults is the process execution config; request overrides layer on
	// top of it.
	Defaults agent.ExecutionConfig

	// APIKeySecret authenticates POST /tasks/execute. Empty disables the
	// endpoint.
	APIKeySecret string

	// BaseContext is the parent for background batch executions, which
	// outlive the accepting request. Defaults to context.Background().
	BaseContext context.Context

	Logger  *observability.Logger
	Metrics *observability.Metrics
}

// Server is the HTTP API handler.
type Server struct {
	store       store.Store
	browser     Browser
	coordinator Coordinator
	loop        Runner
	batch       BatchRunner
	defaults    agent.ExecutionConfig
	apiSecret   string
	background  context.Context
	logger      *observability.Logger
	metrics     *observability.Metrics
	broker      *Broker
	mux         *http.ServeMux
}

// NewServer validates required collaborators and builds the route table.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Store == nil {
		return nil, errors.New("web: store is required")
	}
	if cfg.Browser == nil {
		return nil, errors.New("web: browser manager is required")
	}
	if cfg.Coordinator == nil {
		return nil, errors.New("web: coordinator is required")
	}
	if cfg.Loop == nil {
		return nil, errors.New("web: loop is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.NewLogger(observability.LogConfig{})
	}
	if cfg.BaseContext == nil {
		cfg.BaseContext = context.Background()
	}

	s := &Server{
		store:       cfg.Store,
		browser:     cfg.Browser,
		coordinator: cfg.Coordinator,
		loop:        cfg.Loop,
		batch:       cfg.Batch,
		defaults:    cfg.Defaults,
		apiSecret:   cfg.APIKeySecret,
		background:  cfg.BaseContext,
		logger:      cfg.Logger,
		metrics:     cfg.Metrics,
		broker:      NewBroker(),
		mux:         http.NewServeMux(),
	}
	s.routes()
	return s, nil
}

func (s *Server) routes() {
	s.mux.HandleFunc("/chat", s.handleChat)
	s.mux.HandleFunc("/tasks/execute", s.handleExecute)
	s.mux.HandleFunc("/tasks/", s.handleTask)
	s.mux.HandleFunc("/sessions", s.handleSessionList)
	s.mux.HandleFunc("/sessions/", s.handleSession)
	s.mux.HandleFunc("/dashboard/sessions", s.handleDashboardSessions)
	s.mux.HandleFunc("/dashboard/tasks/", s.handleDashboardTasks)
	s.mux.HandleFunc("/dashboard/iterations/", s.handleDashboardIterations)
	s.mux.HandleFunc("/browser/", s.handleBrowser)
	s.mux.HandleFunc("/healthz", s.handleHealthz)
	s.mux.Handle("/metrics", promhttp.Handler())
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Handler returns the server with middleware applied.
func (s *Server) Handler() http.Handler {
	return RequestLogger(s.logger, s.metrics)(s)
}

// handleTask routes /tasks/{id}, /tasks/{id}/stop and /tasks/{id}/events.
func (s *Server) handleTask(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/tasks/"), "/")
	if rest == "" {
		s.jsonError(w, "task id required", http.StatusNotFound)
		return
	}
	if id, ok := strings.CutSuffix(rest, "/stop"); ok {
		s.handleTaskStop(w, r, id)
		return
	}
	if id, ok := strings.CutSuffix(rest, "/events"); ok {
		s.handleTaskEvents(w, r, id)
		return
	}
	if strings.Contains(rest, "/") {
		s.jsonError(w, "not found", http.StatusNotFound)
		return
	}
	s.handleTaskGet(w, r, rest)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := s.store.Ping(r.Context()); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"status":"degraded"}`))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// jsonResponse writes a JSON body.
func (s *Server) jsonResponse(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error(context.Background(), "json encode error", "error", err)
	}
}

// jsonError writes a JSON error response.
func (s *Server) jsonError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// statusFor maps store lookup failures onto HTTP codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, sessions.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func parseIntParam(r *http.Request, name string, defaultVal int) int {
	val := r.URL.Query().Get(name)
	if val == "" {
		return defaultVal
	}
	result := 0
	for _, c := range val {
		if c < '0' || c > '9' {
			return defaultVal
		}
		result = result*10 + int(c-'0')
	}
	return result
}
