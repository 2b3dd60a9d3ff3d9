package agent

import (
	"context"
	"fmt"
	"sync"

	"github.com/nugget/calexplorer/internal/llm"
	"github.com/nugget/calexplorer/internal/proposal"
)

// EventKind identifies a streamed agent event.
type EventKind string

const (
	EventText       EventKind = "text"
	EventToolCall   EventKind = "tool_call"
	EventToolResult EventKind = "tool_result"
	EventStepFinish EventKind = "step_finish"
	EventFinish     EventKind = "finish"
)

// Event is one unit of streamed output. Tool events always carry the
// call id so a consumer can pair a result with its announcement.
type Event struct {
	Kind EventKind

	// Text is set for EventText.
	Text string

	// Set for EventToolCall and EventToolResult.
	ToolCallID string
	ToolName   string
	Args       map[string]any
	Result     *proposal.Envelope

	// Set for EventStepFinish and EventFinish.
	FinishReason     llm.FinishReason
	StepBoundReached bool
	// Token counts for the round (EventStepFinish) or the whole run
	// (EventFinish).
	InputTokens  int
	OutputTokens int
}

// emitter serialises calls to the consumer. The first consumer error is
// sticky and cancels the run.
type emitter struct {
	mu     sync.Mutex
	fn     func(Event) error
	cancel context.CancelFunc
	err    error
}

func (e *emitter) send(ev Event) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return e.err
	}
	if e.fn == nil {
		return nil
	}
	if err := e.fn(ev); err != nil {
		e.err = fmt.Errorf("%w: %w", ErrEmit, err)
		e.cancel()
	}
	return e.err
}

func (e *emitter) failure() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}
