package agent

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/haasonsaas/pilot/pkg/models"
)

const (
	defaultAnthropicModel = "claude-sonnet-4-20250514"

	// contextManagementBeta gates server-side context edits.
	contextManagementBeta = "context-management-2025-06-27"
)

// AnthropicConfig configures the Anthropic model port.
type AnthropicConfig struct {
	// APIKey is required.
	APIKey string

	// BaseURL overrides the API endpoint, for proxies and tests.
	BaseURL string

	// DefaultModel is used when the request does not name one.
	DefaultModel string
}

// AnthropicPort implements ModelPort against the Anthropic Messages API. It
// always requests the computer use beta and is safe for concurrent use.
type AnthropicPort struct {
	client       anthropic.Client
	defaultModel string
}

// NewAnthropicPort validates the config and builds the SDK client.
func NewAnthropicPort(cfg AnthropicConfig) (*AnthropicPort, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = defaultAnthropicModel
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &AnthropicPort{
		client:       anthropic.NewClient(opts...),
		defaultModel: cfg.DefaultModel,
	}, nil
}

func (p *AnthropicPort) Name() string { return "anthropic" }

// Invoke sends one non-streaming beta messages request.
func (p *AnthropicPort) Invoke(ctx context.Context, req *Request) (*Response, error) {
	params, opts, err := buildBetaParams(req, p.defaultModel)
	if err != nil {
		return nil, &ModelError{Provider: "anthropic", Err: err}
	}
	msg, err := p.client.Beta.Messages.New(ctx, params, opts...)
	if err != nil {
		var apiErr *anthropic.Error
		if errors.As(err, &apiErr) {
			return nil, &ModelError{Provider: "anthropic", Status: apiErr.StatusCode, Err: err}
		}
		return nil, &ModelError{Provider: "anthropic", Err: err}
	}
	return decodeBetaMessage(msg)
}

// buildBetaParams translates the neutral request into beta message params
// plus per-request options for fields the typed params do not cover yet.
func buildBetaParams(req *Request, defaultModel string) (anthropic.BetaMessageNewParams, []option.RequestOption, error) {
	model := req.Model
	if model == "" {
		model = defaultModel
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	messages, err := convertMessages(req.Messages)
	if err != nil {
		return anthropic.BetaMessageNewParams{}, nil, err
	}
	tools, err := convertTools(req.Tools, req.CacheTools)
	if err != nil {
		return anthropic.BetaMessageNewParams{}, nil, err
	}

	params := anthropic.BetaMessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: int64(maxTokens),
		Messages:  messages,
		Tools:     tools,
	}

	if req.System != "" {
		sys := anthropic.BetaTextBlockParam{Text: req.System}
		if req.CacheSystem {
			sys.CacheControl = anthropic.NewBetaCacheControlEphemeralParam()
		}
		params.System = []anthropic.BetaTextBlockParam{sys}
	}

	if req.Thinking.Enabled {
		budget := int64(req.Thinking.BudgetTokens)
		if budget <= 0 {
			budget = 1024
		}
		params.Thinking = anthropic.BetaThinkingConfigParamOfEnabled(budget)
	}

	betas := []anthropic.AnthropicBeta{anthropic.AnthropicBetaComputerUse2025_01_24}
	var opts []option.RequestOption
	if req.ContextEdits != nil {
		betas = append(betas, anthropic.AnthropicBeta(contextManagementBeta))
		opts = append(opts, option.WithJSONSet("context_management", contextManagementPayload(req.ContextEdits)))
	}
	for _, b := range req.Betas {
		b = strings.TrimSpace(b)
		if b == "" || containsBeta(betas, b) {
			continue
		}
		betas = append(betas, anthropic.AnthropicBeta(b))
	}
	params.Betas = betas

	return params, opts, nil
}

func containsBeta(betas []anthropic.AnthropicBeta, b string) bool {
	for _, have := range betas {
		if string(have) == b {
			return true
		}
	}
	return false
}

// contextManagementPayload builds the clear_tool_uses edit in the wire shape
// the context management beta expects.
func contextManagementPayload(e *ContextEdits) map[string]any {
	edit := map[string]any{"type": "clear_tool_uses_20250919"}
	if e.TriggerTokens > 0 {
		edit["trigger"] = map[string]any{"type": "input_tokens", "value": e.TriggerTokens}
	}
	if e.KeepToolUses > 0 {
		edit["keep"] = map[string]any{"type": "tool_uses", "value": e.KeepToolUses}
	}
	if e.ClearAtLeast > 0 {
		edit["clear_at_least"] = map[string]any{"type": "input_tokens", "value": e.ClearAtLeast}
	}
	if len(e.ExcludeTools) > 0 {
		edit["exclude_tools"] = e.ExcludeTools
	}
	return map[string]any{"edits": []any{edit}}
}

func convertMessages(msgs []models.Message) ([]anthropic.BetaMessageParam, error) {
	out := make([]anthropic.BetaMessageParam, 0, len(msgs))
	for i, m := range msgs {
		var content []anthropic.BetaContentBlockParamUnion
		for _, b := range m.Blocks {
			switch b.Type {
			case models.BlockText:
				if b.Text == "" {
					continue
				}
				content = append(content, anthropic.NewBetaTextBlock(b.Text))

			case models.BlockThinking:
				content = append(content, anthropic.BetaContentBlockParamUnion{
					OfThinking: &anthropic.BetaThinkingBlockParam{
						Thinking:  b.Thinking,
						Signature: b.Signature,
					},
				})

			case models.BlockRedactedThinking:
				content = append(content, anthropic.BetaContentBlockParamUnion{
					OfRedactedThinking: &anthropic.BetaRedactedThinkingBlockParam{Data: b.Data},
				})

			case models.BlockToolUse:
				content = append(content, anthropic.NewBetaToolUseBlock(b.ID, b.Input, b.Name))

			case models.BlockToolResult:
				tr := anthropic.BetaToolResultBlockParam{ToolUseID: b.ToolUseID}
				if b.IsError {
					tr.IsError = anthropic.Bool(true)
				}
				for _, c := range b.Content {
					switch c.Type {
					case "text":
						tr.Content = append(tr.Content, anthropic.BetaToolResultBlockParamContentUnion{
							OfText: &anthropic.BetaTextBlockParam{Text: c.Text},
						})
					case "image":
						// Demoted images carry no bytes and are dropped;
						// their URL pointer travels as sibling text.
						if len(c.Data) == 0 {
							continue
						}
						tr.Content = append(tr.Content, anthropic.BetaToolResultBlockParamContentUnion{
							OfImage: &anthropic.BetaImageBlockParam{
								Source: anthropic.BetaImageBlockParamSourceUnion{
									OfBase64: &anthropic.BetaBase64ImageSourceParam{
										Data:      base64.StdEncoding.EncodeToString(c.Data),
										MediaType: betaMediaType(c.MediaType),
									},
								},
							},
						})
					}
				}
				content = append(content, anthropic.BetaContentBlockParamUnion{OfToolResult: &tr})

			default:
				return nil, fmt.Errorf("message %d: unsupported block type %q", i, b.Type)
			}
		}
		role := anthropic.BetaMessageParamRoleUser
		if m.Role == models.RoleAssistant {
			role = anthropic.BetaMessageParamRoleAssistant
		}
		out = append(out, anthropic.BetaMessageParam{Role: role, Content: content})
	}
	return out, nil
}

func betaMediaType(mediaType string) anthropic.BetaBase64ImageSourceMediaType {
	switch strings.ToLower(mediaType) {
	case "image/jpeg", "image/jpg":
		return anthropic.BetaBase64ImageSourceMediaTypeImageJPEG
	case "image/gif":
		return anthropic.BetaBase64ImageSourceMediaTypeImageGIF
	case "image/webp":
		return anthropic.BetaBase64ImageSourceMediaTypeImageWebP
	default:
		return anthropic.BetaBase64ImageSourceMediaTypeImagePNG
	}
}

func convertTools(tools []ToolDef, cacheLast bool) ([]anthropic.BetaToolUnionParam, error) {
	out := make([]anthropic.BetaToolUnionParam, 0, len(tools))
	for _, tool := range tools {
		if tool.Computer != nil {
			param := anthropic.BetaToolUnionParamOfComputerUseTool20250124(
				int64(tool.Computer.DisplayHeightPx),
				int64(tool.Computer.DisplayWidthPx),
			)
			out = append(out, param)
			continue
		}

		var schema anthropic.BetaToolInputSchemaParam
		if err := json.Unmarshal(tool.InputSchema, &schema); err != nil {
			return nil, fmt.Errorf("invalid tool schema for %s: %w", tool.Name, err)
		}
		param := anthropic.BetaToolUnionParamOfTool(schema, tool.Name)
		if param.OfTool == nil {
			return nil, fmt.Errorf("invalid tool schema for %s: missing tool definition", tool.Name)
		}
		if tool.Description != "" {
			param.OfTool.Description = anthropic.String(tool.Description)
		}
		out = append(out, param)
	}

	if cacheLast && len(out) > 0 {
		markToolCache(&out[len(out)-1])
	}
	return out, nil
}

func markToolCache(param *anthropic.BetaToolUnionParam) {
	switch {
	case param.OfTool != nil:
		param.OfTool.CacheControl = anthropic.NewBetaCacheControlEphemeralParam()
	case param.OfComputerUseTool20250124 != nil:
		param.OfComputerUseTool20250124.CacheControl = anthropic.NewBetaCacheControlEphemeralParam()
	}
}

func decodeBetaMessage(msg *anthropic.BetaMessage) (*Response, error) {
	resp := &Response{
		ID:         msg.ID,
		Model:      string(msg.Model),
		Role:       models.RoleAssistant,
		StopReason: string(msg.StopReason),
		Usage: Usage{
			InputTokens:          msg.Usage.InputTokens,
			OutputTokens:         msg.Usage.OutputTokens,
			CacheReadTokens:      msg.Usage.CacheReadInputTokens,
			CacheCreationTokens:  msg.Usage.CacheCreationInputTokens,
			ContextClearedTokens: clearedTokens(msg.RawJSON()),
		},
	}

	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			resp.Blocks = append(resp.Blocks, models.NewTextBlock(block.Text))
		case "thinking":
			t := block.AsThinking()
			resp.Blocks = append(resp.Blocks, models.NewThinkingBlock(t.Thinking, t.Signature))
		case "redacted_thinking":
			r := block.AsRedactedThinking()
			resp.Blocks = append(resp.Blocks, models.Block{Type: models.BlockRedactedThinking, Data: r.Data})
		case "tool_use":
			tu := block.AsToolUse()
			input, err := json.Marshal(tu.Input)
			if err != nil {
				return nil, fmt.Errorf("anthropic: tool_use input for %s: %w", tu.Name, err)
			}
			resp.Blocks = append(resp.Blocks, models.NewToolUseBlock(tu.ID, tu.Name, input))
		default:
			// Server-side tool blocks and future variants are not part of
			// this agent's tool surface.
		}
	}
	return resp, nil
}

// clearedTokens extracts the input tokens removed by applied context edits.
// The field is beta-only, so it is read from the raw payload.
func clearedTokens(raw string) int64 {
	if raw == "" {
		return 0
	}
	var payload struct {
		ContextManagement struct {
			AppliedEdits []struct {
				ClearedInputTokens int64 `json:"cleared_input_tokens"`
			} `json:"applied_edits"`
		} `json:"context_management"`
	}
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return 0
	}
	var total int64
	for _, e := range payload.ContextManagement.AppliedEdits {
		total += e.ClearedInputTokens
	}
	return total
}
