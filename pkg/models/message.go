// Package models contains the shared wire types exchanged between the
// router, the tool executor, and the LLM adapters.
package models

import (
	"encoding/json"
	"time"
)

// Message roles within a conversation.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
	RoleSystem    = "system"
)

// Message is a single entry in a conversation transcript.
type Message struct {
	// Role is one of RoleUser, RoleAssistant, RoleTool, RoleSystem.
	Role string `json:"role"`

	// Content is the message text. For tool messages this is the
	// (possibly truncated) tool output or an artifact reference.
	Content string `json:"content"`

	// ToolCallID links a tool result message back to the call that
	// produced it.
	ToolCallID string `json:"tool_call_id,omitempty"`

	// ToolCalls carries tool invocations requested by the assistant.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// ResultRef references an offloaded artifact when the tool output
	// was too large to inline.
	ResultRef string `json:"result_ref,omitempty"`

	// Timestamp records when the message was appended.
	Timestamp time.Time `json:"ts,omitempty"`
}

// ToolCall is a structured tool invocation requested by the model.
type ToolCall struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

// ToolResult is the outcome of executing a single tool call.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error,omitempty"`

	// ResultRef is set when the payload was offloaded to the artifact
	// store and Content holds only a summary.
	ResultRef string `json:"result_ref,omitempty"`

	// CacheHit reports whether the result was served from the
	// read-through cache.
	CacheHit bool `json:"cache_hit,omitempty"`
}
