package llm

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/harborcrm/harbor/internal/apperr"
	"github.com/harborcrm/harbor/pkg/models"
)

const defaultAnthropicMaxTokens = 2048

// AnthropicProvider runs completions against the Claude messages API.
type AnthropicProvider struct {
	client     anthropic.Client
	model      string
	maxRetries int
	retryDelay time.Duration
}

// NewAnthropicProvider creates the provider. The API key is required.
func NewAnthropicProvider(cfg ProviderConfig) (*AnthropicProvider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("anthropic: api key is required")
	}

	options := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		options = append(options, option.WithBaseURL(cfg.BaseURL))
	}

	p := &AnthropicProvider{
		client:     anthropic.NewClient(options...),
		model:      cfg.Model,
		maxRetries: cfg.MaxRetries,
		retryDelay: time.Second,
	}
	if p.model == "" {
		p.model = "claude-sonnet-4-20250514"
	}
	if p.maxRetries <= 0 {
		p.maxRetries = 3
	}
	return p, nil
}

func (p *AnthropicProvider) Name() string {
	return "anthropic"
}

// Chat issues one non-streaming messages request with bounded
// exponential-backoff retries for transient failures.
func (p *AnthropicProvider) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultAnthropicMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.model),
		MaxTokens: int64(maxTokens),
		Messages:  p.convertMessages(req.Messages),
	}
	if req.Model != "" {
		params.Model = anthropic.Model(req.Model)
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}
	if len(req.Tools) > 0 {
		params.Tools = convertAnthropicTools(req.Tools)
	}

	var (
		msg     *anthropic.Message
		lastErr error
	)
	for attempt := 0; attempt < p.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, apperr.Wrap(apperr.KindTimeout, "llm call cancelled", ctx.Err())
			case <-time.After(p.retryDelay << (attempt - 1)):
			}
		}

		msg, lastErr = p.client.Messages.New(ctx, params)
		if lastErr == nil {
			break
		}
		if !isTransient(lastErr) {
			return nil, apperr.Wrap(apperr.KindLLMUnavailable, "anthropic completion failed", lastErr)
		}
	}
	if lastErr != nil {
		return nil, apperr.Wrap(apperr.KindLLMUnavailable, "anthropic retries exhausted", lastErr)
	}

	out := &ChatResponse{}
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			out.AssistantMessage += block.Text
		case "tool_use":
			out.ToolCalls = append(out.ToolCalls, models.ToolCall{
				ID:   block.ID,
				Name: block.Name,
				Args: json.RawMessage(block.Input),
			})
		}
	}
	return out, nil
}

func (p *AnthropicProvider) convertMessages(messages []models.Message) []anthropic.MessageParam {
	var result []anthropic.MessageParam
	for _, msg := range messages {
		var blocks []anthropic.ContentBlockParamUnion

		switch msg.Role {
		case models.RoleTool:
			blocks = append(blocks, anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, false))
			result = append(result, anthropic.NewUserMessage(blocks...))
		case models.RoleAssistant:
			if msg.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				var input map[string]any
				if err := json.Unmarshal(tc.Args, &input); err != nil {
					input = map[string]any{}
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, input, tc.Name))
			}
			if len(blocks) > 0 {
				result = append(result, anthropic.NewAssistantMessage(blocks...))
			}
		case models.RoleSystem:
			// System text travels in params.System, not the transcript.
		default:
			if msg.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
				result = append(result, anthropic.NewUserMessage(blocks...))
			}
		}
	}
	return result
}

func convertAnthropicTools(tools []ToolSchema) []anthropic.ToolUnionParam {
	result := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, tool := range tools {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(tool.Schema, &schema); err != nil {
			continue
		}
		param := anthropic.ToolUnionParamOfTool(schema, tool.Name)
		if param.OfTool == nil {
			continue
		}
		param.OfTool.Description = anthropic.String(tool.Description)
		result = append(result, param)
	}
	return result
}
