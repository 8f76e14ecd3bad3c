package agent

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/smithy-go"

	"github.com/haasonsaas/pilot/pkg/models"
)

const (
	defaultBedrockModel  = "anthropic.claude-sonnet-4-20250514-v1:0"
	bedrockWireVersion   = "bedrock-2023-05-31"
	bedrockComputerBeta  = "computer-use-2025-01-24"
	bedrockComputerTool  = "computer_20250124"
	bedrockCacheControl  = "ephemeral"
	bedrockAcceptedMedia = "application/json"
)

// BedrockConfig configures the AWS Bedrock model port.
type BedrockConfig struct {
	// Region defaults to us-east-1.
	Region string

	// AccessKeyID, SecretAccessKey, SessionToken select explicit
	// credentials; when unset the default chain applies.
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string

	// DefaultModel is the Bedrock model id used when the request does not
	// name one.
	DefaultModel string
}

// BedrockPort implements ModelPort by invoking Anthropic models on AWS
// Bedrock with native Anthropic request bodies, so thinking signatures and
// tool blocks round-trip exactly as with the direct API. Server-side context
// edits are not available on Bedrock and are ignored.
type BedrockPort struct {
	client       *bedrockruntime.Client
	defaultModel string
}

// NewBedrockPort loads AWS configuration and builds the runtime client.
func NewBedrockPort(ctx context.Context, cfg BedrockConfig) (*BedrockPort, error) {
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = defaultBedrockModel
	}

	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("bedrock: load AWS config: %w", err)
	}

	return &BedrockPort{
		client:       bedrockruntime.NewFromConfig(awsCfg),
		defaultModel: cfg.DefaultModel,
	}, nil
}

func (p *BedrockPort) Name() string { return "bedrock" }

// Invoke sends one InvokeModel request carrying an Anthropic-format body.
func (p *BedrockPort) Invoke(ctx context.Context, req *Request) (*Response, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	body, err := buildBedrockBody(req)
	if err != nil {
		return nil, &ModelError{Provider: "bedrock", Err: err}
	}

	out, err := p.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(model),
		Body:        body,
		ContentType: aws.String(bedrockAcceptedMedia),
		Accept:      aws.String(bedrockAcceptedMedia),
	})
	if err != nil {
		return nil, wrapBedrockError(err)
	}
	return decodeBedrockBody(out.Body)
}

func wrapBedrockError(err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return &ModelError{Provider: "bedrock", Err: fmt.Errorf("%s: %s", apiErr.ErrorCode(), apiErr.ErrorMessage())}
	}
	return &ModelError{Provider: "bedrock", Err: err}
}

// bedrockBody is the Anthropic-native request body Bedrock accepts.
type bedrockBody struct {
	AnthropicVersion string           `json:"anthropic_version"`
	AnthropicBeta    []string         `json:"anthropic_beta,omitempty"`
	MaxTokens        int              `json:"max_tokens"`
	System           []map[string]any `json:"system,omitempty"`
	Messages         []wireMessage    `json:"messages"`
	Tools            []map[string]any `json:"tools,omitempty"`
	Thinking         map[string]any   `json:"thinking,omitempty"`
}

type wireMessage struct {
	Role    models.Role `json:"role"`
	Content []any       `json:"content"`
}

func buildBedrockBody(req *Request) ([]byte, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	body := bedrockBody{
		AnthropicVersion: bedrockWireVersion,
		AnthropicBeta:    []string{bedrockComputerBeta},
		MaxTokens:        maxTokens,
	}
	for _, b := range req.Betas {
		if b != "" && b != bedrockComputerBeta {
			body.AnthropicBeta = append(body.AnthropicBeta, b)
		}
	}

	if req.System != "" {
		sys := map[string]any{"type": "text", "text": req.System}
		if req.CacheSystem {
			sys["cache_control"] = map[string]any{"type": bedrockCacheControl}
		}
		body.System = []map[string]any{sys}
	}

	if req.Thinking.Enabled {
		budget := req.Thinking.BudgetTokens
		if budget <= 0 {
			budget = 1024
		}
		body.Thinking = map[string]any{"type": "enabled", "budget_tokens": budget}
	}

	for _, tool := range req.Tools {
		body.Tools = append(body.Tools, wireTool(tool))
	}
	if req.CacheTools && len(body.Tools) > 0 {
		body.Tools[len(body.Tools)-1]["cache_control"] = map[string]any{"type": bedrockCacheControl}
	}

	for i, m := range req.Messages {
		wm, err := wireMessageFrom(m)
		if err != nil {
			return nil, fmt.Errorf("message %d: %w", i, err)
		}
		body.Messages = append(body.Messages, wm)
	}

	return json.Marshal(body)
}

func wireTool(tool ToolDef) map[string]any {
	if tool.Computer != nil {
		return map[string]any{
			"type":              bedrockComputerTool,
			"name":              tool.Name,
			"display_width_px":  tool.Computer.DisplayWidthPx,
			"display_height_px": tool.Computer.DisplayHeightPx,
		}
	}
	out := map[string]any{
		"name":         tool.Name,
		"input_schema": tool.InputSchema,
	}
	if tool.Description != "" {
		out["description"] = tool.Description
	}
	return out
}

func wireMessageFrom(m models.Message) (wireMessage, error) {
	wm := wireMessage{Role: m.Role}
	for _, b := range m.Blocks {
		switch b.Type {
		case models.BlockText:
			if b.Text == "" {
				continue
			}
			wm.Content = append(wm.Content, map[string]any{"type": "text", "text": b.Text})

		case models.BlockThinking:
			wm.Content = append(wm.Content, map[string]any{
				"type": "thinking", "thinking": b.Thinking, "signature": b.Signature,
			})

		case models.BlockRedactedThinking:
			wm.Content = append(wm.Content, map[string]any{"type": "redacted_thinking", "data": b.Data})

		case models.BlockToolUse:
			wm.Content = append(wm.Content, map[string]any{
				"type": "tool_use", "id": b.ID, "name": b.Name, "input": b.Input,
			})

		case models.BlockToolResult:
			var content []any
			for _, c := range b.Content {
				switch c.Type {
				case "text":
					content = append(content, map[string]any{"type": "text", "text": c.Text})
				case "image":
					if len(c.Data) == 0 {
						continue
					}
					mediaType := c.MediaType
					if mediaType == "" {
						mediaType = "image/png"
					}
					content = append(content, map[string]any{
						"type": "image",
						"source": map[string]any{
							"type":       "base64",
							"media_type": mediaType,
							"data":       base64.StdEncoding.EncodeToString(c.Data),
						},
					})
				}
			}
			result := map[string]any{"type": "tool_result", "tool_use_id": b.ToolUseID, "content": content}
			if b.IsError {
				result["is_error"] = true
			}
			wm.Content = append(wm.Content, result)

		default:
			return wireMessage{}, fmt.Errorf("unsupported block type %q", b.Type)
		}
	}
	return wm, nil
}

func decodeBedrockBody(raw []byte) (*Response, error) {
	var wire struct {
		ID         string `json:"id"`
		Model      string `json:"model"`
		StopReason string `json:"stop_reason"`
		Usage      struct {
			InputTokens              int64 `json:"input_tokens"`
			OutputTokens             int64 `json:"output_tokens"`
			CacheReadInputTokens     int64 `json:"cache_read_input_tokens"`
			CacheCreationInputTokens int64 `json:"cache_creation_input_tokens"`
		} `json:"usage"`
		Content []struct {
			Type      string          `json:"type"`
			Text      string          `json:"text"`
			Thinking  string          `json:"thinking"`
			Signature string          `json:"signature"`
			Data      string          `json:"data"`
			ID        string          `json:"id"`
			Name      string          `json:"name"`
			Input     json.RawMessage `json:"input"`
		} `json:"content"`
	}
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, &ModelError{Provider: "bedrock", Err: fmt.Errorf("decode response: %w", err)}
	}

	resp := &Response{
		ID:         wire.ID,
		Model:      wire.Model,
		Role:       models.RoleAssistant,
		StopReason: wire.StopReason,
		Usage: Usage{
			InputTokens:         wire.Usage.InputTokens,
			OutputTokens:        wire.Usage.OutputTokens,
			CacheReadTokens:     wire.Usage.CacheReadInputTokens,
			CacheCreationTokens: wire.Usage.CacheCreationInputTokens,
		},
	}
	for _, block := range wire.Content {
		switch block.Type {
		case "text":
			resp.Blocks = append(resp.Blocks, models.NewTextBlock(block.Text))
		case "thinking":
			resp.Blocks = append(resp.Blocks, models.NewThinkingBlock(block.Thinking, block.Signature))
		case "redacted_thinking":
			resp.Blocks = append(resp.Blocks, models.Block{Type: models.BlockRedactedThinking, Data: block.Data})
		case "tool_use":
			resp.Blocks = append(resp.Blocks, models.NewToolUseBlock(block.ID, block.Name, block.Input))
		}
	}
	return resp, nil
}
