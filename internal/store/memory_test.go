package store

import (
	"context"
	"testing"

	"github.com/haasonsaas/pilot/pkg/models"
)

func TestMemoryStoreContract(t *testing.T) {
	runStoreContract(t, func(t *testing.T) Store {
		return NewMemoryStore()
	})
}

func TestMemoryStoreIsolatesSessionMetadata(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	session := &models.ChatSession{Metadata: map[string]any{"source": "api"}}
	if err := s.CreateChatSession(ctx, session); err != nil {
		t.Fatalf("create: %v", err)
	}

	session.Metadata["source"] = "mutated"

	got, err := s.GetChatSession(ctx, session.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Metadata["source"] != "api" {
		t.Fatalf("store shared caller state: %#v", got.Metadata)
	}
}

func TestMemoryStoreIsolatesMessageBlocks(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	msg := &models.Message{
		ChatSessionID: "chat-1",
		TaskID:        "task-1",
		Role:          models.RoleAssistant,
		Blocks:        []models.Block{models.NewTextBlock("original")},
	}
	if err := s.CreateMessage(ctx, msg); err != nil {
		t.Fatalf("create: %v", err)
	}

	msg.Blocks[0].Text = "mutated"

	got, err := s.ListTaskMessages(ctx, "task-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if got[0].Blocks[0].Text != "original" {
		t.Fatalf("store shared caller blocks: %+v", got[0].Blocks)
	}
}

func TestMemoryStoreTaskReadsAreCopies(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	task := &models.Task{ChatSessionID: "chat-1", UserMessage: "go", Status: models.TaskRunning}
	if err := s.CreateTask(ctx, task); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := s.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	got.Status = models.TaskFailed

	again, err := s.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get again: %v", err)
	}
	if again.Status != models.TaskRunning {
		t.Fatalf("read mutated stored task: %s", again.Status)
	}
}
