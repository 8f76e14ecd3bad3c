package store

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/haasonsaas/pilot/pkg/models"
)

// runStoreContract exercises the behavior both implementations must share.
func runStoreContract(t *testing.T, open func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("chat session lifecycle", func(t *testing.T) {
		s := open(t)

		session := &models.ChatSession{Metadata: map[string]any{"source": "api"}}
		if err := s.CreateChatSession(ctx, session); err != nil {
			t.Fatalf("create: %v", err)
		}
		if session.ID == "" {
			t.Fatal("expected generated id")
		}
		if session.Status != models.ChatSessionActive {
			t.Fatalf("expected active status, got %s", session.Status)
		}

		got, err := s.GetChatSession(ctx, session.ID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.Metadata["source"] != "api" {
			t.Fatalf("metadata lost: %#v", got.Metadata)
		}
		if got.CreatedAt.IsZero() || got.UpdatedAt.IsZero() {
			t.Fatal("expected timestamps to be set")
		}

		got.Status = models.ChatSessionCompleted
		if err := s.UpdateChatSession(ctx, got); err != nil {
			t.Fatalf("update: %v", err)
		}
		got, err = s.GetChatSession(ctx, session.ID)
		if err != nil {
			t.Fatalf("get after update: %v", err)
		}
		if got.Status != models.ChatSessionCompleted {
			t.Fatalf("expected completed, got %s", got.Status)
		}

		if _, err := s.GetChatSession(ctx, "missing"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
		if err := s.UpdateChatSession(ctx, &models.ChatSession{ID: "missing"}); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound on update, got %v", err)
		}
	})

	t.Run("session usage accumulates", func(t *testing.T) {
		s := open(t)

		session := &models.ChatSession{}
		if err := s.CreateChatSession(ctx, session); err != nil {
			t.Fatalf("create: %v", err)
		}

		delta := models.UsageDelta{
			DurationMS:          1500,
			Iterations:          3,
			InputTokens:         1000,
			OutputTokens:        200,
			CacheReadTokens:     800,
			CacheCreationTokens: 100,
			CostUSD:             0.25,
		}
		if err := s.ApplySessionUsage(ctx, session.ID, delta); err != nil {
			t.Fatalf("apply usage: %v", err)
		}
		if err := s.ApplySessionUsage(ctx, session.ID, delta); err != nil {
			t.Fatalf("apply usage again: %v", err)
		}

		got, err := s.GetChatSession(ctx, session.ID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.TotalDurationMS != 3000 || got.TotalIterations != 6 {
			t.Fatalf("unexpected totals: %+v", got)
		}
		if got.TotalInputTokens != 2000 || got.TotalOutputTokens != 400 {
			t.Fatalf("unexpected token totals: %+v", got)
		}
		if got.TotalCacheReadTokens != 1600 || got.TotalCacheCreationTokens != 200 {
			t.Fatalf("unexpected cache totals: %+v", got)
		}
		if got.TotalCostUSD < 0.49 || got.TotalCostUSD > 0.51 {
			t.Fatalf("unexpected cost: %f", got.TotalCostUSD)
		}

		if err := s.ApplySessionUsage(ctx, "missing", delta); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("chat sessions list newest first", func(t *testing.T) {
		s := open(t)

		base := time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)
		for i := 0; i < 3; i++ {
			session := &models.ChatSession{
				ID:        string(rune('a' + i)),
				CreatedAt: base.Add(time.Duration(i) * time.Hour),
			}
			if err := s.CreateChatSession(ctx, session); err != nil {
				t.Fatalf("create %d: %v", i, err)
			}
		}

		sessions, err := s.ListChatSessions(ctx, 2, 0)
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(sessions) != 2 {
			t.Fatalf("expected 2 sessions, got %d", len(sessions))
		}
		if sessions[0].ID != "c" || sessions[1].ID != "b" {
			t.Fatalf("unexpected order: %s, %s", sessions[0].ID, sessions[1].ID)
		}

		sessions, err = s.ListChatSessions(ctx, 2, 2)
		if err != nil {
			t.Fatalf("list offset: %v", err)
		}
		if len(sessions) != 1 || sessions[0].ID != "a" {
			t.Fatalf("unexpected page: %+v", sessions)
		}
	})

	t.Run("browser session lifecycle", func(t *testing.T) {
		s := open(t)

		session := &models.BrowserSession{
			ChatSessionID: "chat-1",
			RemoteID:      "remote-1",
			DebuggerURL:   "wss://remote/devtools",
			LiveViewURL:   "https://remote/live",
			CDPConnected:  true,
		}
		if err := s.CreateBrowserSession(ctx, session); err != nil {
			t.Fatalf("create: %v", err)
		}
		if session.Status != models.BrowserSessionActive {
			t.Fatalf("expected active, got %s", session.Status)
		}

		dup := &models.BrowserSession{ChatSessionID: "chat-2", RemoteID: "remote-1"}
		if err := s.CreateBrowserSession(ctx, dup); !errors.Is(err, ErrConflict) {
			t.Fatalf("expected ErrConflict, got %v", err)
		}

		byRemote, err := s.GetBrowserSessionByRemoteID(ctx, "remote-1")
		if err != nil {
			t.Fatalf("get by remote: %v", err)
		}
		if byRemote.ID != session.ID {
			t.Fatalf("expected %s, got %s", session.ID, byRemote.ID)
		}

		byChat, err := s.GetBrowserSessionByChatSession(ctx, "chat-1")
		if err != nil {
			t.Fatalf("get by chat: %v", err)
		}
		if byChat.ID != session.ID {
			t.Fatalf("expected %s, got %s", session.ID, byChat.ID)
		}

		at := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
		if err := s.TouchBrowserSession(ctx, "remote-1", at); err != nil {
			t.Fatalf("touch: %v", err)
		}
		touched, err := s.GetBrowserSession(ctx, session.ID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if touched.LastActivityAt == nil {
			t.Fatal("expected last activity to be set")
		}
		if touched.LastActivityAt.Sub(at).Abs() > time.Second {
			t.Fatalf("unexpected last activity: %v", touched.LastActivityAt)
		}

		if err := s.TouchBrowserSession(ctx, "missing", at); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}

		disconnected := time.Date(2026, 6, 1, 13, 0, 0, 0, time.UTC)
		touched.CDPConnected = false
		touched.CDPDisconnectedAt = &disconnected
		touched.Status = models.BrowserSessionStopped
		if err := s.UpdateBrowserSession(ctx, touched); err != nil {
			t.Fatalf("update: %v", err)
		}
		got, err := s.GetBrowserSession(ctx, session.ID)
		if err != nil {
			t.Fatalf("get after update: %v", err)
		}
		if got.CDPConnected {
			t.Fatal("expected disconnected")
		}
		if got.CDPDisconnectedAt == nil {
			t.Fatal("expected disconnect time")
		}
		if got.Status != models.BrowserSessionStopped {
			t.Fatalf("expected stopped, got %s", got.Status)
		}
	})

	t.Run("one running task per session", func(t *testing.T) {
		s := open(t)

		first := &models.Task{
			ChatSessionID: "chat-1",
			UserMessage:   "find the pricing page",
			Status:        models.TaskRunning,
			MaxIterations: 35,
		}
		if err := s.CreateTask(ctx, first); err != nil {
			t.Fatalf("create first: %v", err)
		}

		second := &models.Task{
			ChatSessionID: "chat-1",
			UserMessage:   "extract the plan table",
			Status:        models.TaskRunning,
		}
		if err := s.CreateTask(ctx, second); !errors.Is(err, ErrConflict) {
			t.Fatalf("expected ErrConflict, got %v", err)
		}

		other := &models.Task{
			ChatSessionID: "chat-2",
			UserMessage:   "unrelated",
			Status:        models.TaskRunning,
		}
		if err := s.CreateTask(ctx, other); err != nil {
			t.Fatalf("running task in another session should be fine: %v", err)
		}

		queued := &models.Task{
			ChatSessionID: "chat-1",
			UserMessage:   "extract the plan table",
			Status:        models.TaskQueued,
		}
		if err := s.CreateTask(ctx, queued); err != nil {
			t.Fatalf("queued task should be fine: %v", err)
		}

		queued.Status = models.TaskRunning
		if err := s.UpdateTask(ctx, queued); !errors.Is(err, ErrConflict) {
			t.Fatalf("expected ErrConflict on promote, got %v", err)
		}

		first.Status = models.TaskStopped
		first.AgentMessage = "Task stopped by user"
		if err := s.UpdateTask(ctx, first); err != nil {
			t.Fatalf("stop first: %v", err)
		}
		queued.Status = models.TaskRunning
		if err := s.UpdateTask(ctx, queued); err != nil {
			t.Fatalf("promote after stop: %v", err)
		}
	})

	t.Run("task fields round trip", func(t *testing.T) {
		s := open(t)

		overrides := json.RawMessage(`{"maxIterations":10}`)
		task := &models.Task{
			ChatSessionID:   "chat-1",
			UserMessage:     "book a flight",
			Status:          models.TaskRunning,
			MaxIterations:   35,
			ConfigOverrides: overrides,
		}
		if err := s.CreateTask(ctx, task); err != nil {
			t.Fatalf("create: %v", err)
		}
		if task.StartedAt.IsZero() {
			t.Fatal("expected started_at fill")
		}

		restarted := time.Date(2026, 6, 2, 9, 0, 0, 0, time.UTC)
		completed := time.Date(2026, 6, 2, 9, 30, 0, 0, time.UTC)
		task.Status = models.TaskCompleted
		task.CurrentIteration = 7
		task.AgentStatus = models.AgentCompleted
		task.AgentMessage = "Booked the flight"
		task.AgentEvidence = "Confirmation code ABC123"
		task.ResultMessage = "Booked the flight"
		task.StartedAt = restarted
		task.CompletedAt = &completed
		if err := s.UpdateTask(ctx, task); err != nil {
			t.Fatalf("update: %v", err)
		}

		got, err := s.GetTask(ctx, task.ID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.Status != models.TaskCompleted || got.CurrentIteration != 7 {
			t.Fatalf("unexpected task: %+v", got)
		}
		if got.AgentStatus != models.AgentCompleted || got.AgentEvidence != "Confirmation code ABC123" {
			t.Fatalf("agent fields lost: %+v", got)
		}
		if got.StartedAt.Sub(restarted).Abs() > time.Second {
			t.Fatalf("started_at not updated: %v", got.StartedAt)
		}
		if got.CompletedAt == nil || got.CompletedAt.Sub(completed).Abs() > time.Second {
			t.Fatalf("unexpected completed_at: %v", got.CompletedAt)
		}
		if string(got.ConfigOverrides) != string(overrides) {
			t.Fatalf("overrides lost: %s", got.ConfigOverrides)
		}

		// Resume-shaped write: back to running with completed_at cleared.
		got.Status = models.TaskRunning
		got.CompletedAt = nil
		if err := s.UpdateTask(ctx, got); err != nil {
			t.Fatalf("update to running: %v", err)
		}
		resumed, err := s.GetTask(ctx, task.ID)
		if err != nil {
			t.Fatalf("get resumed: %v", err)
		}
		if resumed.Status != models.TaskRunning || resumed.CompletedAt != nil {
			t.Fatalf("resume write lost: status=%s completed_at=%v", resumed.Status, resumed.CompletedAt)
		}

		if _, err := s.GetTask(ctx, "missing"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("latest task", func(t *testing.T) {
		s := open(t)

		if _, err := s.GetLatestTask(ctx, "chat-1"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}

		base := time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)
		older := &models.Task{ChatSessionID: "chat-1", UserMessage: "one", Status: models.TaskCompleted, CreatedAt: base}
		newer := &models.Task{ChatSessionID: "chat-1", UserMessage: "two", Status: models.TaskStopped, CreatedAt: base.Add(time.Hour)}
		if err := s.CreateTask(ctx, older); err != nil {
			t.Fatalf("create older: %v", err)
		}
		if err := s.CreateTask(ctx, newer); err != nil {
			t.Fatalf("create newer: %v", err)
		}

		latest, err := s.GetLatestTask(ctx, "chat-1")
		if err != nil {
			t.Fatalf("latest: %v", err)
		}
		if latest.ID != newer.ID {
			t.Fatalf("expected %s, got %s", newer.ID, latest.ID)
		}

		tasks, err := s.ListTasks(ctx, "chat-1")
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(tasks) != 2 || tasks[0].ID != older.ID || tasks[1].ID != newer.ID {
			t.Fatalf("unexpected order: %+v", tasks)
		}
	})

	t.Run("batch lifecycle", func(t *testing.T) {
		s := open(t)

		batch := &models.BatchExecution{
			ChatSessionID: "chat-1",
			Total:         3,
			WebhookURL:    "https://hooks.example/batch",
			WebhookSecret: "s3cret",
			GlobalConfig:  json.RawMessage(`{"model":"claude-sonnet-4-20250514"}`),
		}
		if err := s.CreateBatch(ctx, batch); err != nil {
			t.Fatalf("create: %v", err)
		}
		if batch.Status != models.BatchRunning {
			t.Fatalf("expected running, got %s", batch.Status)
		}

		batch.BrowserSessionID = "bs-1"
		batch.CompletedCount = 2
		batch.FailedCount = 1
		batch.Status = models.BatchCompleted
		if err := s.UpdateBatch(ctx, batch); err != nil {
			t.Fatalf("update: %v", err)
		}

		got, err := s.GetBatch(ctx, batch.ID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.CompletedCount != 2 || got.FailedCount != 1 || got.Status != models.BatchCompleted {
			t.Fatalf("unexpected batch: %+v", got)
		}
		if got.WebhookSecret != "s3cret" {
			t.Fatal("webhook secret lost")
		}
		if string(got.GlobalConfig) != `{"model":"claude-sonnet-4-20250514"}` {
			t.Fatalf("global config lost: %s", got.GlobalConfig)
		}

		if _, err := s.GetBatch(ctx, "missing"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("message blocks round trip", func(t *testing.T) {
		s := open(t)

		msg := &models.Message{
			ChatSessionID: "chat-1",
			TaskID:        "task-1",
			Role:          models.RoleAssistant,
			Content:       "Clicking the login button",
			Reasoning:     "The form is visible, the button is at the bottom right.",
			Iteration:     2,
			Blocks: []models.Block{
				models.NewTextBlock("Clicking the login button"),
				models.NewToolUseBlock("tool-1", "computer", json.RawMessage(`{"action":"left_click","coordinate":[100,200]}`)),
				models.NewToolResultBlock("tool-1", false,
					models.ImageContent("image/png", []byte{0x89, 0x50, 0x4e, 0x47}, "https://signed.example/shot.png"),
					models.TextContent("[Screenshot URL: https://signed.example/shot.png]"),
				),
			},
			ToolCalls: []models.ToolCall{
				{
					ID:   "tool-1",
					Name: "computer",
					Args: json.RawMessage(`{"action":"left_click"}`),
					Result: &models.ToolCallResult{
						Success:       true,
						Description:   "left click at (100, 200)",
						ScreenshotURL: "https://signed.example/shot.png",
					},
				},
			},
			RequestBlob:  json.RawMessage(`{"model":"claude-sonnet-4-20250514","messages":[]}`),
			ResponseBlob: json.RawMessage(`{"id":"msg_1","stop_reason":"tool_use"}`),
			APILatencyMS: 1234,
		}
		if err := s.CreateMessage(ctx, msg); err != nil {
			t.Fatalf("create: %v", err)
		}

		got, err := s.ListTaskMessages(ctx, "task-1")
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(got) != 1 {
			t.Fatalf("expected 1 message, got %d", len(got))
		}
		row := got[0]
		if len(row.Blocks) != 3 {
			t.Fatalf("expected 3 blocks, got %d", len(row.Blocks))
		}
		result := row.Blocks[2]
		if result.Type != models.BlockToolResult || len(result.Content) != 2 {
			t.Fatalf("unexpected tool result: %+v", result)
		}
		if string(result.Content[0].Data) != string([]byte{0x89, 0x50, 0x4e, 0x47}) {
			t.Fatalf("image bytes lost: %v", result.Content[0].Data)
		}
		if result.Content[0].URL != "https://signed.example/shot.png" {
			t.Fatalf("image url lost: %s", result.Content[0].URL)
		}
		if len(row.ToolCalls) != 1 || row.ToolCalls[0].Result == nil || !row.ToolCalls[0].Result.Success {
			t.Fatalf("tool calls lost: %+v", row.ToolCalls)
		}
		if string(row.RequestBlob) != string(msg.RequestBlob) {
			t.Fatalf("request blob lost: %s", row.RequestBlob)
		}
		if row.APILatencyMS != 1234 {
			t.Fatalf("latency lost: %d", row.APILatencyMS)
		}
	})

	t.Run("session messages limited chronological", func(t *testing.T) {
		s := open(t)

		base := time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)
		for i := 0; i < 3; i++ {
			msg := &models.Message{
				ChatSessionID: "chat-1",
				Role:          models.RoleUser,
				Content:       string(rune('a' + i)),
				CreatedAt:     base.Add(time.Duration(i) * time.Minute),
			}
			if err := s.CreateMessage(ctx, msg); err != nil {
				t.Fatalf("create %d: %v", i, err)
			}
		}

		got, err := s.ListSessionMessages(ctx, "chat-1", 2)
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(got) != 2 {
			t.Fatalf("expected 2 messages, got %d", len(got))
		}
		if got[0].Content != "b" || got[1].Content != "c" {
			t.Fatalf("unexpected window: %s, %s", got[0].Content, got[1].Content)
		}
	})

	t.Run("metrics ordered by iteration", func(t *testing.T) {
		s := open(t)

		for _, iter := range []int{2, 1, 3} {
			metric := &models.PerformanceMetric{
				TaskID:        "task-1",
				ChatSessionID: "chat-1",
				Iteration:     iter,
				InputTokens:   int64(iter * 100),
			}
			if err := s.CreateMetric(ctx, metric); err != nil {
				t.Fatalf("create metric %d: %v", iter, err)
			}
		}

		got, err := s.ListTaskMetrics(ctx, "task-1")
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(got) != 3 {
			t.Fatalf("expected 3 metrics, got %d", len(got))
		}
		for i, metric := range got {
			if metric.Iteration != i+1 {
				t.Fatalf("unexpected order at %d: %d", i, metric.Iteration)
			}
		}
	})
}
