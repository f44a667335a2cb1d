// Package llm defines the language-model client contract shared by every
// provider, plus the helpers built on it: middleware chaining, streaming with
// a blocking fallback, and structured (schema-constrained) output.
package llm

import (
	"context"

	"patchpilot/pkg/tools"
)

// CompletionRole represents the role of a message in a conversation.
type CompletionRole string

const (
	RoleSystem    CompletionRole = "system"
	RoleUser      CompletionRole = "user"
	RoleAssistant CompletionRole = "assistant"
)

const (
	// TemperatureDefault is used for analysis and conversational answers.
	TemperatureDefault = 0.3
	// TemperatureDeterministic is used for classification and code generation.
	TemperatureDeterministic = 0.2

	DefaultMaxTokens = 4096
)

// Tool choice values. Any other non-empty value names a tool the model must call.
const (
	ToolChoiceAuto = "auto"
	ToolChoiceAny  = "any"
)

// ToolCall represents a tool call made by the model.
type ToolCall struct {
	Parameters map[string]any `json:"parameters"`
	ID         string         `json:"id"`
	Name       string         `json:"name"`
}

// ToolResult answers one ToolCall.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error,omitempty"`
}

// CompletionMessage is one message of a request. Assistant messages may carry
// ToolCalls; user messages may carry the ToolResults answering them.
type CompletionMessage struct {
	Role        CompletionRole
	Content     string
	ToolCalls   []ToolCall
	ToolResults []ToolResult
}

// CompletionRequest represents a request to generate a completion.
//
//nolint:govet // value semantics preferred over alignment
type CompletionRequest struct {
	Messages    []CompletionMessage
	Tools       []tools.ToolDefinition
	ToolChoice  string
	MaxTokens   int
	Temperature float32
}

// CompletionResponse represents a response from a completion request.
type CompletionResponse struct {
	ToolCalls  []ToolCall
	Content    string
	StopReason string
}

// StreamChunk is one piece of a streamed completion. The final chunk has
// Done set; a chunk with Error ends the stream.
type StreamChunk struct {
	Error   error
	Content string
	Done    bool
}

// LLMClient defines the interface for language model interactions.
type LLMClient interface { //nolint:revive // established name
	// Complete generates a completion synchronously.
	Complete(ctx context.Context, in CompletionRequest) (CompletionResponse, error)

	// Stream generates a completion as a stream of chunks. The channel is
	// closed when the stream ends.
	Stream(ctx context.Context, in CompletionRequest) (<-chan StreamChunk, error)

	// GetModelName returns the model name for this client.
	GetModelName() string
}

// NewCompletionRequest creates a request with default limits.
func NewCompletionRequest(messages []CompletionMessage) CompletionRequest {
	return CompletionRequest{
		Messages:    messages,
		MaxTokens:   DefaultMaxTokens,
		Temperature: TemperatureDefault,
	}
}

func NewSystemMessage(content string) CompletionMessage {
	return CompletionMessage{Role: RoleSystem, Content: content}
}

func NewUserMessage(content string) CompletionMessage {
	return CompletionMessage{Role: RoleUser, Content: content}
}

func NewAssistantMessage(content string) CompletionMessage {
	return CompletionMessage{Role: RoleAssistant, Content: content}
}
