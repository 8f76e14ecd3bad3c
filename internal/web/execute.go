package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/haasonsaas/pilot/internal/agent"
	"github.com/haasonsaas/pilot/internal/batch"
	"github.com/haasonsaas/pilot/internal/net/ssrf"
	"github.com/haasonsaas/pilot/internal/tasks"
	"github.com/haasonsaas/pilot/pkg/models"
)

// maxBatchBody bounds the accepted request size.
const maxBatchBody = 1 << 20

type batchExecutionRequest struct {
	Tasks                 []batch.TaskSpec       `json:"tasks"`
	GlobalConfigOverrides *agent.ConfigOverrides `json:"globalConfigOverrides,omitempty"`
	WebhookURL            string                 `json:"webhookUrl,omitempty"`
	WebhookSecret         string                 `json:"webhookSecret,omitempty"`
}

type batchExecutionResponse struct {
	BatchExecutionID string    `json:"batchExecutionId"`
	SessionID        string    `json:"sessionId"`
	BrowserSessionID string    `json:"browserSessionId"`
	TaskIDs          []string  `json:"taskIds"`
	Status           string    `json:"status"`
	Timestamp        time.Time `json:"timestamp"`
}

// handleExecute accepts a batch, queues its task rows, and answers 202. The
// browser session does not exist yet, so browserSessionId is "pending"; the
// executor fills the real id on the batch row once it starts.
func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorized(r) {
		s.jsonError(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if s.batch == nil {
		s.jsonError(w, "batch execution unavailable", http.StatusServiceUnavailable)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBatchBody))
	if err != nil {
		s.jsonError(w, "request body unreadable", http.StatusBadRequest)
		return
	}
	if err := validateBatchRequest(body); err != nil {
		pointer, message := validationPointer(err)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": message, "field": pointer})
		return
	}
	var req batchExecutionRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	// The webhook URL is caller-supplied and the process will POST to it,
	// so internal targets are rejected before anything is queued.
	if req.WebhookURL != "" {
		if err := ssrf.ValidateURL(req.WebhookURL); err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			_ = json.NewEncoder(w).Encode(map[string]string{
				"error": "webhookUrl: " + err.Error(),
				"field": "/webhookUrl",
			})
			return
		}
	}

	ctx := r.Context()
	chatSession := &models.ChatSession{Status: models.ChatSessionActive}
	if err := s.store.CreateChatSession(ctx, chatSession); err != nil {
		s.logger.Error(ctx, "batch session create failed", "error", err)
		s.jsonError(w, "session unavailable", http.StatusInternalServerError)
		return
	}

	var globalConfig json.RawMessage
	if req.GlobalConfigOverrides != nil {
		globalConfig, _ = json.Marshal(req.GlobalConfigOverrides)
	}
	batchRow := &models.BatchExecution{
		ChatSessionID: chatSession.ID,
		Total:         len(req.Tasks),
		Status:        models.BatchRunning,
		WebhookURL:    req.WebhookURL,
		WebhookSecret: req.WebhookSecret,
		GlobalConfig:  globalConfig,
	}
	if err := s.store.CreateBatch(ctx, batchRow); err != nil {
		s.logger.Error(ctx, "batch create failed", "error", err)
		s.jsonError(w, "batch creation failed", http.StatusInternalServerError)
		return
	}

	taskIDs := make([]string, 0, len(req.Tasks))
	for i, spec := range req.Tasks {
		overrides := agent.MergeOverrides(req.GlobalConfigOverrides, spec.ConfigOverrides)
		cfg := s.defaults.With(overrides)
		var overridesBlob json.RawMessage
		if overrides != nil {
			overridesBlob, _ = json.Marshal(overrides)
		}
		task, err := s.coordinator.CreateQueued(ctx, tasks.CreateParams{
			ChatSessionID:    chatSession.ID,
			UserMessage:      spec.Message,
			MaxIterations:    cfg.MaxIterations,
			ConfigOverrides:  overridesBlob,
			BatchExecutionID: batchRow.ID,
			BatchIndex:       i,
		})
		if err != nil {
			s.logger.Error(ctx, "batch task queue failed",
				"batch_execution_id", batchRow.ID, "batch_index", i, "error", err)
			s.abortAccepted(ctx, batchRow, taskIDs)
			s.jsonError(w, "batch creation failed", http.StatusInternalServerError)
			return
		}
		taskIDs = append(taskIDs, task.ID)
	}

	params := batch.Params{
		BatchID:         batchRow.ID,
		ChatSessionID:   chatSession.ID,
		Tasks:           req.Tasks,
		TaskIDs:         taskIDs,
		GlobalOverrides: req.GlobalConfigOverrides,
		WebhookURL:      req.WebhookURL,
		WebhookSecret:   req.WebhookSecret,
	}
	// The run outlives this request, so it gets the server's base context.
	go func() {
		if err := s.batch.Execute(s.background, params); err != nil {
			s.logger.Error(s.background, "batch execution failed",
				"batch_execution_id", batchRow.ID, "error", err)
		}
	}()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(batchExecutionResponse{
		BatchExecutionID: batchRow.ID,
		SessionID:        chatSession.ID,
		BrowserSessionID: "pending",
		TaskIDs:          taskIDs,
		Status:           string(models.BatchRunning),
		Timestamp:        time.Now().UTC(),
	})
}

// abortAccepted fails the batch row and any task rows queued before the
// request fell over.
func (s *Server) abortAccepted(ctx context.Context, row *models.BatchExecution, taskIDs []string) {
	for _, id := range taskIDs {
		if err := s.coordinator.Fail(ctx, id, "batch creation failed"); err != nil {
			s.logger.Warn(ctx, "batch task cleanup failed", "task_id", id, "error", err)
		}
	}
	row.Status = models.BatchFailed
	row.FailedCount = len(taskIDs)
	if err := s.store.UpdateBatch(ctx, row); err != nil {
		s.logger.Warn(ctx, "batch cleanup failed", "batch_execution_id", row.ID, "error", err)
	}
}

// authorized checks the bearer token against the configured shared secret.
// An empty secret rejects everything.
func (s *Server) authorized(r *http.Request) bool {
	if s.apiSecret == "" {
		return false
	}
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(strings.ToLower(header), "bearer ") {
		return false
	}
	token := strings.TrimSpace(header[7:])
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.apiSecret)) == 1
}
