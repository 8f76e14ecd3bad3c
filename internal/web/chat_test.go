package web

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/haasonsaas/pilot/internal/agent"
	"github.com/haasonsaas/pilot/internal/tasks"
	"github.com/haasonsaas/pilot/pkg/models"
)

func postChat(t *testing.T, srv *Server, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/chat", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}

// parseSSE splits the recorded body into the decoded event frames.
func parseSSE(t *testing.T, body string) []agent.Event {
	t.Helper()
	var events []agent.Event
	for _, frame := range strings.Split(body, "\n\n") {
		frame = strings.TrimSpace(frame)
		if frame == "" {
			continue
		}
		payload, ok := strings.CutPrefix(frame, "data: ")
		if !ok {
			t.Fatalf("frame missing data prefix: %q", frame)
		}
		var ev agent.Event
		decodeJSON(t, payload, &ev)
		events = append(events, ev)
	}
	return events
}

func TestChatStream(t *testing.T) {
	srv, env := newTestServer(t)
	env.loop.run = func(ctx context.Context, p agent.RunParams) error {
		p.Sink(agent.Event{
			Type:             agent.EventMetadata,
			TaskID:           p.TaskID,
			SessionID:        p.ChatSessionID,
			BrowserSessionID: p.BrowserSessionID,
			StreamURL:        p.StreamURL,
		})
		p.Sink(agent.Event{Type: agent.EventMessage, Role: "assistant", Content: "On it."})
		p.Sink(agent.Event{Type: agent.EventDone, FinalResponse: "Booked for 7pm."})
		return env.finishTask(ctx, p.TaskID, "Booked for 7pm.")
	}

	rec := postChat(t, srv, `{"messages":[{"role":"user","content":"book a table"}]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}

	events := parseSSE(t, rec.Body.String())
	if len(events) != 3 {
		t.Fatalf("events = %d, want 3", len(events))
	}
	if events[0].Type != agent.EventMetadata || events[0].BrowserSessionID != "bs-1" {
		t.Fatalf("metadata event = %+v", events[0])
	}
	if events[0].StreamURL != "https://live.example/remote-1" {
		t.Fatalf("streamUrl = %q", events[0].StreamURL)
	}
	if events[1].Type != agent.EventMessage || events[1].Content != "On it." {
		t.Fatalf("message event = %+v", events[1])
	}
	if events[2].Type != agent.EventDone || events[2].FinalResponse != "Booked for 7pm." {
		t.Fatalf("done event = %+v", events[2])
	}

	runs := env.loop.runs()
	if len(runs) != 1 {
		t.Fatalf("runs = %d, want 1", len(runs))
	}
	p := runs[0]
	if p.TaskID == "" || p.ChatSessionID == "" {
		t.Fatalf("run params missing ids: %+v", p)
	}
	if p.RemoteSessionID != "remote-1" || p.BrowserSessionID != "bs-1" {
		t.Fatalf("browser wiring = remote %q row %q", p.RemoteSessionID, p.BrowserSessionID)
	}
	if p.Trigger != "chat" || p.StartIteration != 0 {
		t.Fatalf("trigger = %q start = %d", p.Trigger, p.StartIteration)
	}
	if p.Config.MaxTokens != 4096 || p.Config.MaxIterations != 35 {
		t.Fatalf("config = %+v", p.Config)
	}
	if len(p.Messages) == 0 || p.Messages[0].Role != models.RoleUser || p.Messages[0].Content != "book a table" {
		t.Fatalf("messages = %+v", p.Messages)
	}

	// The stream is finished in the broker: a late subscriber replays it all.
	replay, live := srv.broker.Subscribe(p.TaskID)
	if live != nil {
		t.Fatal("broker still live after stream ended")
	}
	if len(replay) != 3 {
		t.Fatalf("broker replay = %d events, want 3", len(replay))
	}
}

func TestChatSync(t *testing.T) {
	srv, env := newTestServer(t)
	env.loop.run = func(ctx context.Context, p agent.RunParams) error {
		return env.finishTask(ctx, p.TaskID, "All done.")
	}

	rec := postChat(t, srv, `{"messages":[{"role":"user","content":"check my inbox"}],"stream":false}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}

	var resp chatResponse
	decodeBody(t, rec, &resp)
	if resp.Message != "All done." {
		t.Fatalf("message = %q", resp.Message)
	}
	if resp.SessionID == "" || resp.BrowserSessionID != "bs-1" {
		t.Fatalf("ids = %+v", resp)
	}
	if resp.StreamURL != "https://live.example/remote-1" {
		t.Fatalf("streamUrl = %q", resp.StreamURL)
	}
	if resp.Status != string(models.TaskCompleted) {
		t.Fatalf("status = %q", resp.Status)
	}
	if resp.Timestamp.IsZero() {
		t.Fatal("timestamp missing")
	}

	// The created chat session is persisted under the returned id.
	if _, err := env.store.GetChatSession(context.Background(), resp.SessionID); err != nil {
		t.Fatalf("GetChatSession: %v", err)
	}
}

func TestChatSyncFailedTaskCarriesError(t *testing.T) {
	srv, env := newTestServer(t)
	env.loop.run = func(ctx context.Context, p agent.RunParams) error {
		task, err := env.store.GetTask(ctx, p.TaskID)
		if err != nil {
			return err
		}
		task.Status = models.TaskFailed
		task.ErrorMessage = "provider rejected the request"
		return env.store.UpdateTask(ctx, task)
	}

	rec := postChat(t, srv, `{"messages":[{"role":"user","content":"do it"}],"stream":false}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var resp chatResponse
	decodeBody(t, rec, &resp)
	if resp.Status != string(models.TaskFailed) || resp.Message != "provider rejected the request" {
		t.Fatalf("resp = %+v", resp)
	}
}

func TestChatKeepsCallerSessionID(t *testing.T) {
	srv, env := newTestServer(t)
	env.loop.run = func(ctx context.Context, p agent.RunParams) error {
		return env.finishTask(ctx, p.TaskID, "ok")
	}

	rec := postChat(t, srv, `{"messages":[{"role":"user","content":"hi"}],"sessionId":"sess-keep","stream":false}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var resp chatResponse
	decodeBody(t, rec, &resp)
	if resp.SessionID != "sess-keep" {
		t.Fatalf("sessionId = %q, want sess-keep", resp.SessionID)
	}
	if _, err := env.store.GetChatSession(context.Background(), "sess-keep"); err != nil {
		t.Fatalf("GetChatSession: %v", err)
	}

	// A second turn reuses the same session instead of minting another.
	rec = postChat(t, srv, `{"messages":[{"role":"user","content":"again"}],"sessionId":"sess-keep","stream":false}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("second turn status = %d: %s", rec.Code, rec.Body.String())
	}
	rows, err := env.store.ListChatSessions(context.Background(), 10, 0)
	if err != nil {
		t.Fatalf("ListChatSessions: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("sessions = %d, want 1", len(rows))
	}
}

func TestChatRequiresUserMessage(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := postChat(t, srv, `{"messages":[{"role":"assistant","content":"hello"}]}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}

	rec = postChat(t, srv, `{"messages":[]}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("empty messages status = %d, want 400", rec.Code)
	}

	rec = postChat(t, srv, `{not json`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad json status = %d, want 400", rec.Code)
	}
}

func TestChatMethodNotAllowed(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/chat", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", rec.Code)
	}
}

func TestChatExplicitBrowserNotFound(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := postChat(t, srv, `{"messages":[{"role":"user","content":"hi"}],"browserSessionId":"missing"}`)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404: %s", rec.Code, rec.Body.String())
	}
}

func TestChatExplicitBrowserMismatch(t *testing.T) {
	srv, env := newTestServer(t)
	ctx := context.Background()

	if err := env.store.CreateChatSession(ctx, &models.ChatSession{ID: "owner"}); err != nil {
		t.Fatalf("CreateChatSession: %v", err)
	}
	err := env.store.CreateBrowserSession(ctx, &models.BrowserSession{
		ID:            "bs-owned",
		ChatSessionID: "owner",
		RemoteID:      "remote-owned",
		Status:        models.BrowserSessionActive,
	})
	if err != nil {
		t.Fatalf("CreateBrowserSession: %v", err)
	}

	rec := postChat(t, srv, `{"messages":[{"role":"user","content":"hi"}],"sessionId":"intruder","browserSessionId":"bs-owned"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400: %s", rec.Code, rec.Body.String())
	}
}

func TestChatReconnectsExplicitBrowser(t *testing.T) {
	srv, env := newTestServer(t)
	ctx := context.Background()

	if err := env.store.CreateChatSession(ctx, &models.ChatSession{ID: "sess-b"}); err != nil {
		t.Fatalf("CreateChatSession: %v", err)
	}
	err := env.store.CreateBrowserSession(ctx, &models.BrowserSession{
		ID:            "bs-1",
		ChatSessionID: "sess-b",
		RemoteID:      "remote-1",
		Status:        models.BrowserSessionActive,
	})
	if err != nil {
		t.Fatalf("CreateBrowserSession: %v", err)
	}
	env.loop.run = func(ctx context.Context, p agent.RunParams) error {
		return env.finishTask(ctx, p.TaskID, "ok")
	}

	rec := postChat(t, srv, `{"messages":[{"role":"user","content":"hi"}],"sessionId":"sess-b","browserSessionId":"bs-1","stream":false}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	env.browser.mu.Lock()
	reconnected := append([]string(nil), env.browser.reconnected...)
	created := append([]string(nil), env.browser.created...)
	env.browser.mu.Unlock()
	if len(reconnected) != 1 || reconnected[0] != "remote-1" {
		t.Fatalf("reconnected = %v", reconnected)
	}
	if len(created) != 0 {
		t.Fatalf("created = %v, want none", created)
	}
}

func TestChatResume(t *testing.T) {
	srv, env := newTestServer(t)
	ctx := context.Background()

	if err := env.store.CreateChatSession(ctx, &models.ChatSession{ID: "sess-r"}); err != nil {
		t.Fatalf("CreateChatSession: %v", err)
	}
	task, _, err := env.coord.Create(ctx, tasks.CreateParams{ChatSessionID: "sess-r", UserMessage: "find flights"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := env.coord.Stop(ctx, task.ID); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	row, err := env.store.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	row.CurrentIteration = 3
	if err := env.store.UpdateTask(ctx, row); err != nil {
		t.Fatalf("UpdateTask: %v", err)
	}

	env.loop.run = func(ctx context.Context, p agent.RunParams) error {
		return env.finishTask(ctx, p.TaskID, "resumed and finished")
	}

	rec := postChat(t, srv, `{"continueAgent":true,"sessionId":"sess-r","stream":false}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}

	runs := env.loop.runs()
	if len(runs) != 1 {
		t.Fatalf("runs = %d, want 1", len(runs))
	}
	if runs[0].TaskID != task.ID {
		t.Fatalf("resumed task = %q, want %q", runs[0].TaskID, task.ID)
	}
	if runs[0].Trigger != "resume" || runs[0].StartIteration != 3 {
		t.Fatalf("trigger = %q start = %d", runs[0].Trigger, runs[0].StartIteration)
	}
}

func TestChatResumeRestoresTaskConfig(t *testing.T) {
	srv, env := newTestServer(t)
	ctx := context.Background()

	if err := env.store.CreateChatSession(ctx, &models.ChatSession{ID: "sess-cfg"}); err != nil {
		t.Fatalf("CreateChatSession: %v", err)
	}
	task, _, err := env.coord.Create(ctx, tasks.CreateParams{
		ChatSessionID:   "sess-cfg",
		UserMessage:     "compare the two plans",
		MaxIterations:   2,
		ConfigOverrides: json.RawMessage(`{"maxIterations":2,"model":"claude-haiku-4-5"}`),
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := env.coord.Stop(ctx, task.ID); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	env.loop.run = func(ctx context.Context, p agent.RunParams) error {
		return env.finishTask(ctx, p.TaskID, "done")
	}

	rec := postChat(t, srv, `{"continueAgent":true,"sessionId":"sess-cfg","stream":false}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}

	runs := env.loop.runs()
	if len(runs) != 1 {
		t.Fatalf("runs = %d, want 1", len(runs))
	}
	// The row's persisted overrides rule the resumed run, not the
	// process defaults.
	if runs[0].Config.MaxIterations != 2 {
		t.Fatalf("max iterations = %d, want 2", runs[0].Config.MaxIterations)
	}
	if runs[0].Config.Model != "claude-haiku-4-5" {
		t.Fatalf("model = %q", runs[0].Config.Model)
	}
	// Untouched knobs still come from the defaults.
	if runs[0].Config.MaxTokens != 4096 {
		t.Fatalf("max tokens = %d, want 4096", runs[0].Config.MaxTokens)
	}
}

func TestChatResumeWithoutResumableTask(t *testing.T) {
	srv, env := newTestServer(t)
	if err := env.store.CreateChatSession(context.Background(), &models.ChatSession{ID: "sess-empty"}); err != nil {
		t.Fatalf("CreateChatSession: %v", err)
	}

	rec := postChat(t, srv, `{"continueAgent":true,"sessionId":"sess-empty"}`)
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409: %s", rec.Code, rec.Body.String())
	}
}

func TestChatConflictsWithRunningTask(t *testing.T) {
	srv, env := newTestServer(t)
	ctx := context.Background()

	if err := env.store.CreateChatSession(ctx, &models.ChatSession{ID: "sess-busy"}); err != nil {
		t.Fatalf("CreateChatSession: %v", err)
	}
	if _, _, err := env.coord.Create(ctx, tasks.CreateParams{ChatSessionID: "sess-busy", UserMessage: "first"}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	rec := postChat(t, srv, `{"messages":[{"role":"user","content":"second"}],"sessionId":"sess-busy"}`)
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409: %s", rec.Code, rec.Body.String())
	}
	if runs := env.loop.runs(); len(runs) != 0 {
		t.Fatalf("loop ran %d times, want 0", len(runs))
	}
}
