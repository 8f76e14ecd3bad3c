package models

import (
	"encoding/json"
	"strings"
	"time"
)

// Role indicates the message author type.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// BlockType discriminates the content block variants carried by a Message.
type BlockType string

const (
	BlockText             BlockType = "text"
	BlockThinking         BlockType = "thinking"
	BlockRedactedThinking BlockType = "redacted_thinking"
	BlockToolUse          BlockType = "tool_use"
	BlockToolResult       BlockType = "tool_result"
)

// Block is one content block inside a message. Exactly one variant is
// populated according to Type; the flattened layout keeps the JSON form
// identical to the inference API's wire format so stored request payloads
// can be replayed verbatim on resume.
type Block struct {
	Type BlockType `json:"type"`

	// BlockText
	Text string `json:"text,omitempty"`

	// BlockThinking. Signature is opaque and must round-trip verbatim.
	Thinking  string `json:"thinking,omitempty"`
	Signature string `json:"signature,omitempty"`

	// BlockRedactedThinking
	Data string `json:"data,omitempty"`

	// BlockToolUse
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// BlockToolResult
	ToolUseID string          `json:"tool_use_id,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
	Content   []ResultContent `json:"content,omitempty"`
}

// ResultContent is one element of a tool result: plain text or an image.
// An image element carries inline bytes, a signed URL, or both; the context
// shaper decides which form is sent to the model.
type ResultContent struct {
	Type      string `json:"type"` // "text" or "image"
	Text      string `json:"text,omitempty"`
	MediaType string `json:"media_type,omitempty"`
	Data      []byte `json:"data,omitempty"`
	URL       string `json:"url,omitempty"`
}

// NewTextBlock returns a text content block.
func NewTextBlock(text string) Block {
	return Block{Type: BlockText, Text: text}
}

// NewThinkingBlock returns a reasoning block with its opaque signature.
func NewThinkingBlock(thinking, signature string) Block {
	return Block{Type: BlockThinking, Thinking: thinking, Signature: signature}
}

// NewToolUseBlock returns a tool invocation requested by the model.
func NewToolUseBlock(id, name string, input json.RawMessage) Block {
	return Block{Type: BlockToolUse, ID: id, Name: name, Input: input}
}

// NewToolResultBlock returns a tool result block for the given tool_use id.
func NewToolResultBlock(toolUseID string, isError bool, content ...ResultContent) Block {
	return Block{Type: BlockToolResult, ToolUseID: toolUseID, IsError: isError, Content: content}
}

// TextContent returns a text result element.
func TextContent(text string) ResultContent {
	return ResultContent{Type: "text", Text: text}
}

// ImageContent returns an image result element carrying inline bytes and,
// when available, the signed URL for the same artifact.
func ImageContent(mediaType string, data []byte, url string) ResultContent {
	return ResultContent{Type: "image", MediaType: mediaType, Data: data, URL: url}
}

// ToolCall is the persisted summary of one tool invocation inside an
// assistant turn. Screenshot bytes are never stored here; the signed URL is.
type ToolCall struct {
	ID     string          `json:"id"`
	Name   string          `json:"name"`
	Args   json.RawMessage `json:"args,omitempty"`
	Result *ToolCallResult `json:"result,omitempty"`
}

// ToolCallResult is the structured outcome of a tool call.
type ToolCallResult struct {
	Success       bool   `json:"success"`
	Description   string `json:"description,omitempty"`
	Error         string `json:"error,omitempty"`
	ScreenshotURL string `json:"screenshot_url,omitempty"`
}

// HasImage reports whether the tool result carries at least one inline image.
func (b Block) HasImage() bool {
	if b.Type != BlockToolResult {
		return false
	}
	for _, c := range b.Content {
		if c.Type == "image" && len(c.Data) > 0 {
			return true
		}
	}
	return false
}

// Message is one conversational turn within a chat session.
type Message struct {
	ID            string          `json:"id"`
	ChatSessionID string          `json:"chat_session_id"`
	TaskID        string          `json:"task_id,omitempty"`
	Role          Role            `json:"role"`
	Content       string          `json:"content"`
	Reasoning     string          `json:"reasoning,omitempty"`
	Blocks        []Block         `json:"blocks,omitempty"`
	ToolCalls     []ToolCall      `json:"tool_calls,omitempty"`
	Iteration     int             `json:"iteration"`
	RequestBlob   json.RawMessage `json:"request_payload,omitempty"`
	ResponseBlob  json.RawMessage `json:"response_payload,omitempty"`
	APILatencyMS  int64           `json:"api_latency_ms,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// NewUserMessage returns a user turn holding a single text block.
func NewUserMessage(text string) Message {
	return Message{Role: RoleUser, Content: text, Blocks: []Block{NewTextBlock(text)}}
}

// Text concatenates the message's text blocks. Falls back to Content for
// rows persisted without block structure.
func (m Message) Text() string {
	var parts []string
	for _, b := range m.Blocks {
		if b.Type == BlockText && b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	if len(parts) == 0 {
		return m.Content
	}
	return strings.Join(parts, "\n")
}

// ToolUses returns the tool_use blocks of the message in order.
func (m Message) ToolUses() []Block {
	var uses []Block
	for _, b := range m.Blocks {
		if b.Type == BlockToolUse {
			uses = append(uses, b)
		}
	}
	return uses
}

// HasThinking reports whether the message carries any reasoning blocks,
// redacted ones included.
func (m Message) HasThinking() bool {
	for _, b := range m.Blocks {
		if b.Type == BlockThinking || b.Type == BlockRedactedThinking {
			return true
		}
	}
	return false
}

// CloneBlocks returns a copy of the message with an independent block slice.
// Result content slices are copied too, so callers may drop or rewrite
// elements without mutating the original.
func (m Message) CloneBlocks() Message {
	out := m
	out.Blocks = make([]Block, len(m.Blocks))
	copy(out.Blocks, m.Blocks)
	for i, b := range out.Blocks {
		if len(b.Content) > 0 {
			content := make([]ResultContent, len(b.Content))
			copy(content, b.Content)
			out.Blocks[i].Content = content
		}
	}
	return out
}
