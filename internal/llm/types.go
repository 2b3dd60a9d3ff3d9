// Package llm provides LLM client implementations.
package llm

import "time"

// Message represents a chat message for the LLM.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"` // For tool responses
}

// ToolCall represents a tool call from the model.
type ToolCall struct {
	ID       string           `json:"id,omitempty"` // Provider-assigned; correlates the tool result
	Function ToolCallFunction `json:"function"`
}

// ToolCallFunction names the function and its decoded arguments.
type ToolCallFunction struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// FinishReason says why a generation round ended. Values follow the
// data-stream vocabulary so they can be forwarded to clients verbatim.
type FinishReason string

const (
	FinishStop      FinishReason = "stop"
	FinishToolCalls FinishReason = "tool-calls"
	FinishLength    FinishReason = "length"
	FinishFiltered  FinishReason = "content-filter"
	FinishError     FinishReason = "error"
	FinishUnknown   FinishReason = "unknown"
)

// ChatResponse is the unified response from any LLM provider.
// All fields use proper Go types; wire format conversion happens
// at provider boundaries (openai.go, anthropic.go).
type ChatResponse struct {
	Model        string
	CreatedAt    time.Time
	Message      Message
	FinishReason FinishReason
	Done         bool

	// Token usage (provider-neutral)
	InputTokens  int
	OutputTokens int
}

// StreamEvent represents a single event in a streaming response.
// Consumers switch on Kind to determine what data is available.
type StreamEvent struct {
	Kind StreamEventKind

	// Token is set for KindToken events.
	Token string

	// Response is set for KindDone events (final summary).
	Response *ChatResponse
}

// StreamEventKind identifies the type of stream event.
type StreamEventKind int

const (
	// KindToken is an incremental text token from the model.
	KindToken StreamEventKind = iota

	// KindDone signals the stream is complete. Response carries final metadata.
	KindDone
)

// StreamCallback receives streaming events. It is called synchronously
// from the reading goroutine, so a slow callback slows the read.
type StreamCallback func(event StreamEvent)
