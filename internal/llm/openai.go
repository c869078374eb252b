package llm

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/harborcrm/harbor/internal/apperr"
	"github.com/harborcrm/harbor/pkg/models"
)

// OpenAIProvider runs completions against the OpenAI chat API.
type OpenAIProvider struct {
	client     *openai.Client
	model      string
	maxRetries int
	retryDelay time.Duration
}

// NewOpenAIProvider creates the provider. An empty API key defers the
// failure to the first Chat call.
func NewOpenAIProvider(cfg ProviderConfig) *OpenAIProvider {
	p := &OpenAIProvider{
		model:      cfg.Model,
		maxRetries: cfg.MaxRetries,
		retryDelay: time.Second,
	}
	if p.model == "" {
		p.model = "gpt-4o"
	}
	if p.maxRetries <= 0 {
		p.maxRetries = 3
	}
	if cfg.APIKey != "" {
		clientCfg := openai.DefaultConfig(cfg.APIKey)
		if cfg.BaseURL != "" {
			clientCfg.BaseURL = cfg.BaseURL
		}
		client := openai.NewClientWithConfig(clientCfg)
		p.client = client
	}
	return p
}

func (p *OpenAIProvider) Name() string {
	return "openai"
}

// Chat issues one non-streaming completion with bounded linear-backoff
// retries for transient failures.
func (p *OpenAIProvider) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	if p.client == nil {
		return nil, apperr.New(apperr.KindLLMUnavailable, "openai api key not configured")
	}

	chatReq := openai.ChatCompletionRequest{
		Model:    p.model,
		Messages: p.convertMessages(req),
	}
	if req.Model != "" {
		chatReq.Model = req.Model
	}
	if req.Temperature > 0 {
		chatReq.Temperature = float32(req.Temperature)
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = convertOpenAITools(req.Tools)
	}

	var (
		resp    openai.ChatCompletionResponse
		lastErr error
	)
	for attempt := 0; attempt < p.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, apperr.Wrap(apperr.KindTimeout, "llm call cancelled", ctx.Err())
			case <-time.After(p.retryDelay * time.Duration(attempt)):
			}
		}

		resp, lastErr = p.client.CreateChatCompletion(ctx, chatReq)
		if lastErr == nil {
			break
		}
		if !isTransient(lastErr) {
			return nil, apperr.Wrap(apperr.KindLLMUnavailable, "openai completion failed", lastErr)
		}
	}
	if lastErr != nil {
		return nil, apperr.Wrap(apperr.KindLLMUnavailable, "openai retries exhausted", lastErr)
	}

	if len(resp.Choices) == 0 {
		return nil, apperr.New(apperr.KindLLMUnavailable, "openai returned no choices")
	}
	choice := resp.Choices[0]

	out := &ChatResponse{AssistantMessage: choice.Message.Content}
	for _, tc := range choice.Message.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, models.ToolCall{
			ID:   tc.ID,
			Name: tc.Function.Name,
			Args: json.RawMessage(tc.Function.Arguments),
		})
	}
	return out, nil
}

func (p *OpenAIProvider) convertMessages(req *ChatRequest) []openai.ChatCompletionMessage {
	result := make([]openai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		result = append(result, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}

	for _, msg := range req.Messages {
		switch msg.Role {
		case models.RoleTool:
			result = append(result, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    msg.Content,
				ToolCallID: msg.ToolCallID,
			})
		case models.RoleAssistant:
			oaiMsg := openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: msg.Content,
			}
			for _, tc := range msg.ToolCalls {
				oaiMsg.ToolCalls = append(oaiMsg.ToolCalls, openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: string(tc.Args),
					},
				})
			}
			result = append(result, oaiMsg)
		default:
			result = append(result, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleUser,
				Content: msg.Content,
			})
		}
	}
	return result
}

func convertOpenAITools(tools []ToolSchema) []openai.Tool {
	result := make([]openai.Tool, len(tools))
	for i, tool := range tools {
		var schemaMap map[string]any
		if err := json.Unmarshal(tool.Schema, &schemaMap); err != nil {
			// A bad schema must not break the whole tool list.
			schemaMap = map[string]any{
				"type":       "object",
				"properties": map[string]any{},
			}
		}
		result[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  schemaMap,
			},
		}
	}
	return result
}

// isTransient classifies an error as worth retrying: rate limits,
// upstream 5xx, and timeouts.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	msg := err.Error()
	for _, marker := range []string{"rate limit", "429", "500", "502", "503", "504", "timeout", "deadline exceeded", "connection reset"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
