// Package llm adapts chat model providers behind one contract: take a
// trimmed message window plus tool schemas, return the assistant text
// and any tool-call requests. Adapters never execute tools and never
// touch conversation state.
package llm

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/harborcrm/harbor/pkg/models"
)

// ToolSchema describes one tool advertised to the model.
type ToolSchema struct {
	Name        string
	Description string
	Schema      json.RawMessage
}

// ChatRequest is one completion request.
type ChatRequest struct {
	System      string
	Messages    []models.Message
	Tools       []ToolSchema
	Temperature float64
	Model       string
	MaxTokens   int
}

// ChatResponse is the model's reply: assistant text and zero or more
// tool-call requests.
type ChatResponse struct {
	AssistantMessage string
	ToolCalls        []models.ToolCall
}

// Provider is a chat model backend.
type Provider interface {
	// Name identifies the provider for routing and logging.
	Name() string

	// Chat runs one completion over the given window.
	Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error)
}

// ProviderConfig selects and configures a provider.
type ProviderConfig struct {
	Provider   string
	APIKey     string
	Model      string
	BaseURL    string
	MaxRetries int
}

// NewProvider builds the configured provider.
func NewProvider(cfg ProviderConfig) (Provider, error) {
	switch cfg.Provider {
	case "openai":
		return NewOpenAIProvider(cfg), nil
	case "anthropic":
		return NewAnthropicProvider(cfg)
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}
}
