package proposal

import "encoding/json"

// Roles used in a conversation.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Invocation states.
const (
	StatePending = "pending"
	StateResult  = "result"
)

// Envelope statuses.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Message is one entry of the conversation context.
type Message struct {
	ID              string           `json:"id,omitempty"`
	Role            string           `json:"role"`
	Content         string           `json:"content"`
	ToolInvocations []ToolInvocation `json:"toolInvocations,omitempty"`
}

// ToolInvocation records one dispatched tool call. It is immutable once
// State is StateResult.
type ToolInvocation struct {
	ID       string         `json:"toolCallId"`
	ToolName string         `json:"toolName"`
	Args     map[string]any `json:"args,omitempty"`
	State    string         `json:"state"`
	Result   *Envelope      `json:"result,omitempty"`
}

// Envelope is the single canonical shape of a tool result. Raw handler
// output is adapted into it once, where tools execute; every consumer
// downstream (the model context, the stream, the extractor) sees only
// this shape.
type Envelope struct {
	Status   string          `json:"status"`
	Output   json.RawMessage `json:"output,omitempty"`
	Proposal *Proposal       `json:"proposal,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// OK reports whether the tool succeeded.
func (e *Envelope) OK() bool { return e != nil && e.Status == StatusOK }

// ModelContent renders the envelope as the text fed back to the model.
func (e *Envelope) ModelContent() string {
	if e == nil {
		return ""
	}
	if e.Status != StatusOK {
		return "Error: " + e.Error
	}
	if len(e.Output) > 0 {
		return string(e.Output)
	}
	if e.Proposal != nil {
		b, _ := json.Marshal(e.Proposal)
		return string(b)
	}
	return "{}"
}
