// Package stream encodes and decodes the chat data stream: one part per
// line, "<code>:<json>\n", where the code names the part type.
//
//	f  step start      {"messageId"}
//	0  text delta      "string"
//	9  tool call       {"toolCallId","toolName","args"}
//	a  tool result     {"toolCallId","result"}
//	e  step finish     {"finishReason","usage","isContinued"}
//	d  finish          {"finishReason","usage","stepBoundReached"}
//	3  error           "string"
//
// The line format is the one AI SDK clients consume, so a browser
// front end and the Go client read the same bytes.
package stream

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/nugget/calexplorer/internal/proposal"
)

// Part codes.
const (
	CodeStepStart  = 'f'
	CodeText       = '0'
	CodeToolCall   = '9'
	CodeToolResult = 'a'
	CodeStepFinish = 'e'
	CodeFinish     = 'd'
	CodeError      = '3'
)

// Response headers for a data stream body.
const (
	ContentType   = "text/plain; charset=utf-8"
	VersionHeader = "X-Vercel-AI-Data-Stream"
	Version       = "v1"
)

// Usage reports token counts.
type Usage struct {
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
}

// StepStartPart opens a generation step.
type StepStartPart struct {
	MessageID string `json:"messageId"`
}

// ToolCallPart announces a dispatched tool call.
type ToolCallPart struct {
	ToolCallID string         `json:"toolCallId"`
	ToolName   string         `json:"toolName"`
	Args       map[string]any `json:"args"`
}

// ToolResultPart carries the envelope for a finished call.
type ToolResultPart struct {
	ToolCallID string             `json:"toolCallId"`
	Result     *proposal.Envelope `json:"result"`
}

// StepFinishPart closes a step.
type StepFinishPart struct {
	FinishReason string `json:"finishReason"`
	Usage        Usage  `json:"usage"`
	IsContinued  bool   `json:"isContinued"`
}

// FinishPart closes the message.
type FinishPart struct {
	FinishReason     string `json:"finishReason"`
	Usage            Usage  `json:"usage"`
	StepBoundReached bool   `json:"stepBoundReached,omitempty"`
}

// SetHeaders prepares an HTTP response for a data stream body.
func SetHeaders(h http.Header) {
	h.Set("Content-Type", ContentType)
	h.Set(VersionHeader, Version)
	h.Set("Cache-Control", "no-cache")
	h.Set("X-Accel-Buffering", "no")
}

// Writer encodes parts and flushes after every line when the underlying
// writer supports it. It is safe for concurrent use. The first write
// error is sticky.
type Writer struct {
	mu      sync.Mutex
	w       io.Writer
	flusher http.Flusher
	err     error
}

// NewWriter wraps w.
func NewWriter(w io.Writer) *Writer {
	sw := &Writer{w: w}
	if f, ok := w.(http.Flusher); ok {
		sw.flusher = f
	}
	return sw
}

func (w *Writer) part(code byte, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode part %c: %w", code, err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}

	line := make([]byte, 0, len(payload)+3)
	line = append(line, code, ':')
	line = append(line, payload...)
	line = append(line, '\n')
	if _, err := w.w.Write(line); err != nil {
		w.err = fmt.Errorf("write part %c: %w", code, err)
		return w.err
	}
	if w.flusher != nil {
		w.flusher.Flush()
	}
	return nil
}

// StepStart writes an f part.
func (w *Writer) StepStart(messageID string) error {
	return w.part(CodeStepStart, StepStartPart{MessageID: messageID})
}

// Text writes a 0 part. Empty deltas are skipped.
func (w *Writer) Text(delta string) error {
	if delta == "" {
		return nil
	}
	return w.part(CodeText, delta)
}

// ToolCall writes a 9 part.
func (w *Writer) ToolCall(id, name string, args map[string]any) error {
	if args == nil {
		args = map[string]any{}
	}
	return w.part(CodeToolCall, ToolCallPart{ToolCallID: id, ToolName: name, Args: args})
}

// ToolResult writes an a part.
func (w *Writer) ToolResult(id string, result *proposal.Envelope) error {
	return w.part(CodeToolResult, ToolResultPart{ToolCallID: id, Result: result})
}

// StepFinish writes an e part.
func (w *Writer) StepFinish(reason string, usage Usage, continued bool) error {
	return w.part(CodeStepFinish, StepFinishPart{FinishReason: reason, Usage: usage, IsContinued: continued})
}

// Finish writes a d part.
func (w *Writer) Finish(reason string, usage Usage, stepBoundReached bool) error {
	return w.part(CodeFinish, FinishPart{FinishReason: reason, Usage: usage, StepBoundReached: stepBoundReached})
}

// Error writes a 3 part.
func (w *Writer) Error(msg string) error {
	return w.part(CodeError, msg)
}
