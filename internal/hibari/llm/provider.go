// Package llm is the completion gateway: a provider-agnostic chat completion
// contract, an OpenAI-compatible implementation, and Exchange, which turns a
// provider into a stream of assistant chunks with tool round-trips.
package llm

import (
	"context"
	"encoding/json"
)

// Role identifies the author of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is a single entry of a conversation. It is also the unit persisted
// in a session's rolling window, hence the JSON tags.
type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	Name       string     `json:"name,omitempty"`
}

// ToolCall is a function invocation requested by the model.
type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function FunctionCall `json:"function"`
}

// FunctionCall carries the function name and its JSON-encoded arguments.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolDefinition describes a tool offered to the model.
type ToolDefinition struct {
	Type     string      `json:"type"` // always "function"
	Function FunctionDef `json:"function"`
}

// FunctionDef is the JSON Schema description of a callable function.
type FunctionDef struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// CompletionRequest is sent to a Provider.
type CompletionRequest struct {
	// Model overrides the provider default when non-empty.
	Model     string
	Messages  []Message
	Tools     []ToolDefinition
	MaxTokens int
}

// CompletionResponse is the provider's reply for one round.
type CompletionResponse struct {
	Message      Message
	FinishReason string
	Usage        TokenUsage
}

// TokenUsage reports token consumption for a single round.
type TokenUsage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Provider is implemented by every completion backend.
type Provider interface {
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
}

// Text builds a plain message.
func Text(role Role, content string) Message {
	return Message{Role: role, Content: content}
}

// Clone returns a deep copy of msgs. Windows hand out clones so a fetch can
// never alias the live slice.
func Clone(msgs []Message) []Message {
	if msgs == nil {
		return nil
	}
	out := make([]Message, len(msgs))
	for i, m := range msgs {
		out[i] = m
		if m.ToolCalls != nil {
			out[i].ToolCalls = append([]ToolCall(nil), m.ToolCalls...)
		}
	}
	return out
}

// Marshal encodes a message list for persistence.
func Marshal(msgs []Message) ([]byte, error) {
	if msgs == nil {
		msgs = []Message{}
	}
	return json.Marshal(msgs)
}

// Unmarshal decodes a message list written by Marshal.
func Unmarshal(data []byte) ([]Message, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var msgs []Message
	if err := json.Unmarshal(data, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}
