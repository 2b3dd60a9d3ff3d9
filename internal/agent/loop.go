// Package agent implements the bounded, tool-augmented generation loop.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/nugget/calexplorer/internal/identity"
	"github.com/nugget/calexplorer/internal/llm"
	"github.com/nugget/calexplorer/internal/prompts"
	"github.com/nugget/calexplorer/internal/proposal"
	"github.com/nugget/calexplorer/internal/tools"
)

// Agent modes.
const (
	// ModeApprovalRequired hides mutating tools from the model. Calendar
	// writes surface as proposals that the user approves separately.
	ModeApprovalRequired = "approval-required"
	// ModeAutoExecute lets the model run mutating tools with the
	// caller's identity.
	ModeAutoExecute = "auto-execute"
)

// DefaultMaxSteps bounds the number of generation rounds per request.
const DefaultMaxSteps = 5

// ErrEmit wraps the error returned by an event consumer. Generation
// stops as soon as the consumer fails.
var ErrEmit = errors.New("emit event")

// Request represents an incoming chat request.
type Request struct {
	Messages []proposal.Message `json:"messages"`
	Model    string             `json:"model,omitempty"`
	// MessageID names the assistant message being generated. One is
	// generated when empty.
	MessageID string `json:"-"`
}

// Config controls a Loop.
type Config struct {
	Model    string
	Mode     string
	MaxSteps int
	// TimeZone anchors relative dates in the system prompt.
	TimeZone string
}

// Result summarises a finished run.
type Result struct {
	// Message is the assistant message assembled across all rounds:
	// the concatenated text and every tool invocation in result state.
	Message          proposal.Message
	Model            string
	Steps            int
	FinishReason     llm.FinishReason
	StepBoundReached bool
	InputTokens      int
	OutputTokens     int
}

// Loop is the conversation orchestrator.
type Loop struct {
	logger   *slog.Logger
	llm      llm.Client
	registry *tools.Registry
	cfg      Config
	tracer   trace.Tracer
	now      func() time.Time
}

// NewLoop creates a loop over the given model client and tool registry.
func NewLoop(logger *slog.Logger, client llm.Client, registry *tools.Registry, cfg Config) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = DefaultMaxSteps
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeApprovalRequired
	}
	if cfg.TimeZone == "" {
		cfg.TimeZone = proposal.DefaultTimeZone
	}
	return &Loop{
		logger:   logger.With("component", "agent"),
		llm:      client,
		registry: registry,
		cfg:      cfg,
		tracer:   otel.Tracer("github.com/nugget/calexplorer/internal/agent"),
		now:      time.Now,
	}
}

// Mode returns the effective agent mode.
func (l *Loop) Mode() string { return l.cfg.Mode }

// toolView returns the registry the model may use in the current mode.
func (l *Loop) toolView() *tools.Registry {
	if l.cfg.Mode == ModeAutoExecute {
		return l.registry
	}
	return l.registry.Filtered(tools.ReadOnly)
}

func (l *Loop) systemPrompt() string {
	var sb strings.Builder
	sb.WriteString(prompts.BaseSystemPrompt(l.now(), l.cfg.TimeZone))
	if l.cfg.Mode == ModeAutoExecute {
		sb.WriteString(prompts.AutoExecuteInstructions())
	} else {
		sb.WriteString(prompts.ApprovalRequiredInstructions())
	}
	return sb.String()
}

// Run executes up to MaxSteps generation rounds. Text is emitted as it
// arrives; tool calls requested in a round are dispatched concurrently
// and their results fed back before the next round starts.
//
// emit is called synchronously and never concurrently. If it returns an
// error the run is cancelled, in-flight tool calls see a cancelled
// context, and Run returns an error wrapping ErrEmit.
func (l *Loop) Run(ctx context.Context, req Request, id *identity.Identity, emit func(Event) error) (*Result, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	em := &emitter{fn: emit, cancel: cancel}

	model := req.Model
	if model == "" {
		model = l.cfg.Model
	}

	view := l.toolView()
	defs := view.List(nil)
	messages := append([]llm.Message{{Role: proposal.RoleSystem, Content: l.systemPrompt()}}, toLLMMessages(req.Messages)...)

	log := l.logger.With("request_id", tools.RequestIDFromContext(ctx))
	log.Info("agent loop started",
		"model", model,
		"mode", l.cfg.Mode,
		"messages", len(req.Messages),
		"tools", len(defs),
		"has_identity", id.HasCredential(),
	)

	msgID := req.MessageID
	if msgID == "" {
		msgID = "msg-" + uuid.NewString()
	}
	result := &Result{
		Message: proposal.Message{ID: msgID, Role: proposal.RoleAssistant},
		Model:   model,
	}
	var text strings.Builder

	for step := 1; step <= l.cfg.MaxSteps; step++ {
		result.Steps = step

		resp, err := l.round(ctx, step, model, messages, defs, em)
		if err := em.failure(); err != nil {
			return nil, err
		}
		if err != nil {
			log.Error("generation failed", "step", step, "error", err)
			return nil, fmt.Errorf("step %d: %w", step, err)
		}

		if resp.Model != "" {
			result.Model = resp.Model
		}
		result.InputTokens += resp.InputTokens
		result.OutputTokens += resp.OutputTokens
		text.WriteString(resp.Message.Content)

		calls := assignCallIDs(resp.Message.ToolCalls)
		reason := resp.FinishReason
		if len(calls) > 0 {
			reason = llm.FinishToolCalls
		} else if reason == "" || reason == llm.FinishToolCalls {
			reason = llm.FinishStop
		}
		result.FinishReason = reason

		stepFinish := Event{
			Kind:         EventStepFinish,
			FinishReason: reason,
			InputTokens:  resp.InputTokens,
			OutputTokens: resp.OutputTokens,
		}
		if len(calls) == 0 {
			if err := em.send(stepFinish); err != nil {
				return nil, err
			}
			break
		}

		messages = append(messages, llm.Message{
			Role:      proposal.RoleAssistant,
			Content:   resp.Message.Content,
			ToolCalls: calls,
		})

		invocations, err := l.dispatch(ctx, view, calls, id, em)
		if err != nil {
			return nil, err
		}
		for _, inv := range invocations {
			messages = append(messages, llm.Message{
				Role:       proposal.RoleTool,
				Content:    inv.Result.ModelContent(),
				ToolCallID: inv.ID,
			})
		}
		result.Message.ToolInvocations = append(result.Message.ToolInvocations, invocations...)

		if err := em.send(stepFinish); err != nil {
			return nil, err
		}
		if step == l.cfg.MaxSteps {
			result.StepBoundReached = true
			log.Warn("step bound reached with tool calls outstanding", "max_steps", l.cfg.MaxSteps)
		}
	}

	result.Message.Content = text.String()
	if err := em.send(Event{
		Kind:             EventFinish,
		FinishReason:     result.FinishReason,
		StepBoundReached: result.StepBoundReached,
		InputTokens:      result.InputTokens,
		OutputTokens:     result.OutputTokens,
	}); err != nil {
		return nil, err
	}

	log.Info("agent loop completed",
		"steps", result.Steps,
		"finish_reason", result.FinishReason,
		"step_bound_reached", result.StepBoundReached,
		"tool_calls", len(result.Message.ToolInvocations),
		"input_tokens", result.InputTokens,
		"output_tokens", result.OutputTokens,
	)
	return result, nil
}

// round runs one streamed generation. Providers that deliver the reply
// without token events have it emitted as a single text event.
func (l *Loop) round(ctx context.Context, step int, model string, messages []llm.Message, defs []map[string]any, em *emitter) (*llm.ChatResponse, error) {
	ctx, span := l.tracer.Start(ctx, "agent.round", trace.WithAttributes(
		attribute.Int("agent.step", step),
		attribute.String("llm.model", model),
	))
	defer span.End()

	streamed := false
	resp, err := l.llm.ChatStream(ctx, model, messages, defs, func(ev llm.StreamEvent) {
		if ev.Kind != llm.KindToken || ev.Token == "" {
			return
		}
		streamed = true
		_ = em.send(Event{Kind: EventText, Text: ev.Token})
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if resp == nil {
		return nil, fmt.Errorf("empty response from model")
	}
	if !streamed && resp.Message.Content != "" {
		_ = em.send(Event{Kind: EventText, Text: resp.Message.Content})
	}
	span.SetAttributes(
		attribute.String("llm.finish_reason", string(resp.FinishReason)),
		attribute.Int("llm.tool_calls", len(resp.Message.ToolCalls)),
	)
	return resp, nil
}

// dispatch announces every call, then executes them concurrently. The
// returned invocations keep the model's call order.
func (l *Loop) dispatch(ctx context.Context, view *tools.Registry, calls []llm.ToolCall, id *identity.Identity, em *emitter) ([]proposal.ToolInvocation, error) {
	invocations := make([]proposal.ToolInvocation, len(calls))
	for i, c := range calls {
		invocations[i] = proposal.ToolInvocation{
			ID:       c.ID,
			ToolName: c.Function.Name,
			Args:     c.Function.Arguments,
			State:    proposal.StatePending,
		}
		if err := em.send(Event{
			Kind:       EventToolCall,
			ToolCallID: c.ID,
			ToolName:   c.Function.Name,
			Args:       c.Function.Arguments,
		}); err != nil {
			return nil, err
		}
	}

	var wg sync.WaitGroup
	for i, c := range calls {
		wg.Add(1)
		go func() {
			defer wg.Done()
			env := l.execute(ctx, view, c, id)
			invocations[i].State = proposal.StateResult
			invocations[i].Result = &env
			_ = em.send(Event{
				Kind:       EventToolResult,
				ToolCallID: c.ID,
				ToolName:   c.Function.Name,
				Result:     &env,
			})
		}()
	}
	wg.Wait()

	if err := em.failure(); err != nil {
		return nil, err
	}
	return invocations, nil
}

func (l *Loop) execute(ctx context.Context, view *tools.Registry, c llm.ToolCall, id *identity.Identity) proposal.Envelope {
	ctx, span := l.tracer.Start(ctx, "agent.tool", trace.WithAttributes(
		attribute.String("tool.name", c.Function.Name),
		attribute.String("tool.call_id", c.ID),
	))
	defer span.End()

	env, err := view.Execute(ctx, tools.Call{ID: c.ID, Name: c.Function.Name, Args: c.Function.Arguments}, id)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return env
}

// assignCallIDs gives every call a stable id. Providers normally
// supply one; the fallback keeps results correlatable when they don't.
func assignCallIDs(calls []llm.ToolCall) []llm.ToolCall {
	if len(calls) == 0 {
		return nil
	}
	out := make([]llm.ToolCall, len(calls))
	copy(out, calls)
	for i := range out {
		if out[i].ID == "" {
			out[i].ID = "call_" + strings.ReplaceAll(uuid.NewString(), "-", "")
		}
	}
	return out
}

// toLLMMessages converts the client's conversation into model context.
// Client supplied system messages are dropped; the system prompt is
// always ours. Completed tool invocations are replayed as an assistant
// tool-call turn followed by one tool message per result.
func toLLMMessages(msgs []proposal.Message) []llm.Message {
	out := make([]llm.Message, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case proposal.RoleUser:
			out = append(out, llm.Message{Role: proposal.RoleUser, Content: m.Content})
		case proposal.RoleAssistant:
			var (
				calls   []llm.ToolCall
				results []llm.Message
			)
			for _, inv := range m.ToolInvocations {
				if inv.State != proposal.StateResult || inv.Result == nil || inv.ID == "" {
					continue
				}
				calls = append(calls, llm.ToolCall{
					ID:       inv.ID,
					Function: llm.ToolCallFunction{Name: inv.ToolName, Arguments: inv.Args},
				})
				results = append(results, llm.Message{
					Role:       proposal.RoleTool,
					Content:    inv.Result.ModelContent(),
					ToolCallID: inv.ID,
				})
			}
			if len(calls) > 0 {
				out = append(out, llm.Message{Role: proposal.RoleAssistant, ToolCalls: calls})
				out = append(out, results...)
			}
			if m.Content != "" {
				out = append(out, llm.Message{Role: proposal.RoleAssistant, Content: m.Content})
			}
		}
	}
	return out
}
