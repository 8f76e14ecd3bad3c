package web

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/haasonsaas/pilot/internal/agent"
	"github.com/haasonsaas/pilot/internal/batch"
	"github.com/haasonsaas/pilot/internal/store"
	"github.com/haasonsaas/pilot/internal/tasks"
	"github.com/haasonsaas/pilot/pkg/models"
)

func postExecute(t *testing.T, srv *Server, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/tasks/execute", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", token)
	}
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}

func TestExecuteAccepted(t *testing.T) {
	srv, env := newTestServer(t)
	ctx := context.Background()

	body := `{
		"tasks": [
			{"message": "scrape the pricing page"},
			{"message": "fill the signup form", "configOverrides": {"maxIterations": 7}, "destroyBrowserOnCompletion": true}
		],
		"globalConfigOverrides": {"maxIterations": 5},
		"webhookUrl": "https://hooks.example/batch",
		"webhookSecret": "hook-secret"
	}`
	rec := postExecute(t, srv, "Bearer batch-secret", body)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}

	var resp batchExecutionResponse
	decodeBody(t, rec, &resp)
	if resp.BatchExecutionID == "" || resp.SessionID == "" {
		t.Fatalf("response ids = %+v", resp)
	}
	if resp.BrowserSessionID != "pending" {
		t.Fatalf("browserSessionId = %q, want pending", resp.BrowserSessionID)
	}
	if len(resp.TaskIDs) != 2 {
		t.Fatalf("taskIds = %v", resp.TaskIDs)
	}
	if resp.Status != string(models.BatchRunning) {
		t.Fatalf("status = %q", resp.Status)
	}

	row, err := env.store.GetBatch(ctx, resp.BatchExecutionID)
	if err != nil {
		t.Fatalf("GetBatch: %v", err)
	}
	if row.ChatSessionID != resp.SessionID || row.Total != 2 || row.Status != models.BatchRunning {
		t.Fatalf("batch row = %+v", row)
	}
	if row.WebhookURL != "https://hooks.example/batch" || row.WebhookSecret != "hook-secret" {
		t.Fatalf("webhook fields = %q %q", row.WebhookURL, row.WebhookSecret)
	}
	if len(row.GlobalConfig) == 0 {
		t.Fatal("global config not persisted")
	}

	// Task rows are queued with the layered iteration budget: defaults,
	// then global, then the per-task override.
	wantIters := []int{5, 7}
	for i, id := range resp.TaskIDs {
		task, err := env.store.GetTask(ctx, id)
		if err != nil {
			t.Fatalf("GetTask %d: %v", i, err)
		}
		if task.Status != models.TaskQueued {
			t.Fatalf("task %d status = %s", i, task.Status)
		}
		if task.BatchExecutionID != resp.BatchExecutionID || task.BatchIndex != i {
			t.Fatalf("task %d batch wiring = %+v", i, task)
		}
		if task.MaxIterations != wantIters[i] {
			t.Fatalf("task %d max iterations = %d, want %d", i, task.MaxIterations, wantIters[i])
		}
		// The merged override set is persisted on the row so a resume
		// can re-layer it onto whatever the defaults are then.
		var stored agent.ConfigOverrides
		if err := json.Unmarshal(task.ConfigOverrides, &stored); err != nil {
			t.Fatalf("task %d overrides = %s: %v", i, task.ConfigOverrides, err)
		}
		if stored.MaxIterations == nil || *stored.MaxIterations != wantIters[i] {
			t.Fatalf("task %d stored overrides = %s", i, task.ConfigOverrides)
		}
	}

	var params batch.Params
	select {
	case params = <-env.batch.called:
	case <-time.After(time.Second):
		t.Fatal("batch executor never invoked")
	}
	if params.BatchID != resp.BatchExecutionID || params.ChatSessionID != resp.SessionID {
		t.Fatalf("params ids = %+v", params)
	}
	if len(params.Tasks) != 2 || len(params.TaskIDs) != 2 {
		t.Fatalf("params tasks = %d ids = %d", len(params.Tasks), len(params.TaskIDs))
	}
	if params.GlobalOverrides == nil || params.GlobalOverrides.MaxIterations == nil || *params.GlobalOverrides.MaxIterations != 5 {
		t.Fatalf("global overrides = %+v", params.GlobalOverrides)
	}
	if !params.Tasks[1].DestroyBrowserOnCompletion {
		t.Fatal("per-task destroy flag lost")
	}
	if params.WebhookURL != "https://hooks.example/batch" || params.WebhookSecret != "hook-secret" {
		t.Fatalf("webhook params = %q %q", params.WebhookURL, params.WebhookSecret)
	}
}

func TestExecuteAuth(t *testing.T) {
	srv, _ := newTestServer(t)

	cases := []struct {
		name  string
		token string
	}{
		{"missing header", ""},
		{"wrong token", "Bearer not-the-secret"},
		{"wrong scheme", "Basic batch-secret"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := postExecute(t, srv, tc.token, `{"tasks":[{"message":"x"}]}`)
			if rec.Code != http.StatusUnauthorized {
				t.Fatalf("status = %d, want 401", rec.Code)
			}
		})
	}

	// Scheme matching is case-insensitive.
	rec := postExecute(t, srv, "bearer batch-secret", `{"tasks":[{"message":"probe"}]}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("lowercase scheme status = %d: %s", rec.Code, rec.Body.String())
	}
}

func TestExecuteDisabledWithoutSecret(t *testing.T) {
	st := store.NewMemoryStore()
	srv, err := NewServer(Config{
		Store:       st,
		Browser:     &fakeBrowser{row: &models.BrowserSession{}},
		Coordinator: tasks.NewCoordinator(st, nil),
		Loop:        &fakeLoop{},
		Batch:       &fakeBatch{},
	})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}

	rec := postExecute(t, srv, "Bearer anything", `{"tasks":[{"message":"x"}]}`)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestExecuteValidation(t *testing.T) {
	srv, _ := newTestServer(t)

	cases := []struct {
		name      string
		body      string
		wantField string
	}{
		{"no tasks key", `{}`, "/"},
		{"empty tasks", `{"tasks":[]}`, "/tasks"},
		{"task without message", `{"tasks":[{}]}`, "/tasks/0"},
		{"empty message", `{"tasks":[{"message":""}]}`, "/tasks/0"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := postExecute(t, srv, "Bearer batch-secret", tc.body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400: %s", rec.Code, rec.Body.String())
			}
			var resp struct {
				Error string `json:"error"`
				Field string `json:"field"`
			}
			decodeBody(t, rec, &resp)
			if resp.Error == "" {
				t.Fatal("error message missing")
			}
			if !strings.HasPrefix(resp.Field, tc.wantField) {
				t.Fatalf("field = %q, want prefix %q", resp.Field, tc.wantField)
			}
		})
	}

	rec := postExecute(t, srv, "Bearer batch-secret", `{broken`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("malformed json status = %d, want 400", rec.Code)
	}
}

func TestExecuteRejectsInternalWebhookTargets(t *testing.T) {
	srv, env := newTestServer(t)

	for _, url := range []string{
		"http://localhost:9090/hook",
		"https://169.254.169.254/latest/meta-data",
		"http://10.0.0.8/hook",
		"ftp://hooks.example/batch",
	} {
		body := `{"tasks":[{"message":"buy stamps"}],"webhookUrl":"` + url + `"}`
		rec := postExecute(t, srv, "Bearer batch-secret", body)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("url %q: status = %d, want 400: %s", url, rec.Code, rec.Body.String())
		}
		var resp struct {
			Error string `json:"error"`
			Field string `json:"field"`
		}
		decodeBody(t, rec, &resp)
		if resp.Field != "/webhookUrl" {
			t.Errorf("url %q: field = %q, want /webhookUrl", url, resp.Field)
		}
	}

	// Nothing was handed to the batch runner for any rejected request.
	select {
	case p := <-env.batch.called:
		t.Fatalf("batch started despite rejected webhook URL: %+v", p)
	default:
	}
}

func TestExecuteMethodNotAllowed(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/tasks/execute", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", rec.Code)
	}
}

func TestExecuteWithoutRunner(t *testing.T) {
	st := store.NewMemoryStore()
	srv, err := NewServer(Config{
		Store:        st,
		Browser:      &fakeBrowser{row: &models.BrowserSession{}},
		Coordinator:  tasks.NewCoordinator(st, nil),
		Loop:         &fakeLoop{},
		APIKeySecret: "batch-secret",
	})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}

	rec := postExecute(t, srv, "Bearer batch-secret", `{"tasks":[{"message":"x"}]}`)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}
