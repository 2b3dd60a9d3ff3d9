package tools

import "context"

type contextKey string

const (
	toolCallIDKey contextKey = "tool_call_id"
	requestIDKey  contextKey = "request_id"
)

// WithToolCallID adds the stable tool call ID to the context so handlers
// can tag their logs with it.
func WithToolCallID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, toolCallIDKey, id)
}

// ToolCallIDFromContext returns the tool call ID, or "" if unset.
func ToolCallIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(toolCallIDKey).(string)
	return id
}

// WithRequestID adds the inbound HTTP request ID to the context.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestIDFromContext returns the request ID, or "" if unset.
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}
