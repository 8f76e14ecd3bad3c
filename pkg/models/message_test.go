package models

import (
	"encoding/json"
	"testing"
)

func TestBlockJSONRoundTrip(t *testing.T) {
	msg := Message{
		Role: RoleAssistant,
		Blocks: []Block{
			NewThinkingBlock("the button is at 100,200", "sig-opaque-v1=="),
			NewTextBlock("Clicking the login button."),
			NewToolUseBlock("toolu_01", "computer", json.RawMessage(`{"action":"left_click","coordinate":[100,200]}`)),
		},
	}

	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var got Message
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if len(got.Blocks) != 3 {
		t.Fatalf("expected 3 blocks, got %d", len(got.Blocks))
	}
	if got.Blocks[0].Type != BlockThinking || got.Blocks[0].Signature != "sig-opaque-v1==" {
		t.Errorf("thinking signature not preserved: %+v", got.Blocks[0])
	}
	if got.Blocks[2].Name != "computer" {
		t.Errorf("tool name = %q, want computer", got.Blocks[2].Name)
	}
	if string(got.Blocks[2].Input) != `{"action":"left_click","coordinate":[100,200]}` {
		t.Errorf("tool input mangled: %s", got.Blocks[2].Input)
	}
}

func TestImageContentCarriesBothForms(t *testing.T) {
	png := []byte{0x89, 'P', 'N', 'G'}
	block := NewToolResultBlock("toolu_02", false,
		ImageContent("image/png", png, "https://store.example/abc.png"),
		TextContent("[Screenshot URL: https://store.example/abc.png]"),
	)

	data, err := json.Marshal(block)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var got Block
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if !got.HasImage() {
		t.Fatal("inline image lost in round trip")
	}
	if got.Content[0].URL != "https://store.example/abc.png" {
		t.Errorf("url slot = %q", got.Content[0].URL)
	}
	if string(got.Content[0].Data) != string(png) {
		t.Errorf("image bytes mangled")
	}
}

func TestCloneBlocksIsIndependent(t *testing.T) {
	orig := Message{
		Role: RoleUser,
		Blocks: []Block{
			NewToolResultBlock("toolu_03", false,
				ImageContent("image/png", []byte{1, 2, 3}, "u"),
			),
		},
	}

	clone := orig.CloneBlocks()
	clone.Blocks[0].Content[0] = TextContent("replaced")
	clone.Blocks[0].IsError = true

	if orig.Blocks[0].IsError {
		t.Error("clone mutated original block")
	}
	if orig.Blocks[0].Content[0].Type != "image" {
		t.Error("clone mutated original result content")
	}
}

func TestTaskStatusFor(t *testing.T) {
	cases := []struct {
		agent AgentStatus
		want  TaskStatus
	}{
		{AgentCompleted, TaskCompleted},
		{AgentFailed, TaskFailed},
		{AgentNeedsClarification, TaskPaused},
		{AgentStatus("garbage"), TaskFailed},
	}
	for _, tc := range cases {
		if got := TaskStatusFor(tc.agent); got != tc.want {
			t.Errorf("TaskStatusFor(%q) = %q, want %q", tc.agent, got, tc.want)
		}
	}
}
