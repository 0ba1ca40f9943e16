package domain

import "context"

// MessageRole defines who authored a context message
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleSystem    MessageRole = "system"
	RoleTool      MessageRole = "tool"
)

// Message is one entry of the reasoning context. ToolCalls is set on
// assistant messages that requested tools.
type Message struct {
	Role       MessageRole `json:"role"`
	Content    string      `json:"content"`
	ToolCallID string      `json:"tool_call_id,omitempty"`
	ToolName   string      `json:"tool_name,omitempty"`
	ToolCalls  []ToolCall  `json:"tool_calls,omitempty"`
}

// ModelRequest is what the worker sends for the next reasoning step.
type ModelRequest struct {
	System   string         `json:"system"`
	Messages []Message      `json:"messages"`
	Tools    []ToolManifest `json:"tools,omitempty"`
	// ForceFinal asks for an answer now; Tools is empty when set.
	ForceFinal bool `json:"force_final,omitempty"`
}

// ModelStep is the model's reply: either a final answer or tool calls.
type ModelStep struct {
	Thought     string     `json:"thought,omitempty"`
	FinalAnswer string     `json:"final_answer,omitempty"`
	IsFinal     bool       `json:"is_final"`
	ToolCalls   []ToolCall `json:"tool_calls,omitempty"`
}

// ModelClient is the language-model collaborator. Errors are treated as
// retryable transport failures.
type ModelClient interface {
	NextStep(ctx context.Context, req ModelRequest) (ModelStep, error)
}

// StreamingModelClient can also deliver the final answer incrementally.
type StreamingModelClient interface {
	ModelClient
	StreamStep(ctx context.Context, req ModelRequest, onChunk func(string)) (ModelStep, error)
}

// MemoryItem is one result from the memory/search collaborator.
type MemoryItem struct {
	Source  string  `json:"source"`
	Content string  `json:"content"`
	Score   float64 `json:"score"`
}

// MemoryRetriever is the memory/search collaborator.
type MemoryRetriever interface {
	Retrieve(ctx context.Context, query string, limit int) ([]MemoryItem, error)
}
