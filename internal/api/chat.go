package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/nugget/calexplorer/internal/agent"
	"github.com/nugget/calexplorer/internal/proposal"
	"github.com/nugget/calexplorer/internal/stream"
)

// ChatRequest is the body of POST /api/chat.
type ChatRequest struct {
	Messages []proposal.Message `json:"messages"`
	Model    string             `json:"model,omitempty"`
}

// streamErrorMessage is what a client sees when generation fails after
// the stream has started. Details go to the log only.
const streamErrorMessage = "An error occurred."

// handleChat streams one generation. Authentication, body validation and
// rate limiting all answer before any byte of the stream is written.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if s.limiter != nil && !s.limiter.Allow() {
		w.Header().Set("Retry-After", "1")
		s.errorResponse(w, http.StatusTooManyRequests, "Too many requests")
		return
	}

	r, id, ok := s.resolve(w, r)
	if !ok {
		return
	}

	var req ChatRequest
	if err := s.decodeBody(w, r, &req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := validateMessages(req.Messages); err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx := r.Context()
	log := s.requestLog(ctx)

	stream.SetHeaders(w.Header())
	w.WriteHeader(http.StatusOK)
	sw := stream.NewWriter(w)

	msgID := "msg-" + uuid.NewString()
	stepOpen := false
	emit := func(ev agent.Event) error {
		if !stepOpen && ev.Kind != agent.EventFinish {
			if err := sw.StepStart(msgID); err != nil {
				return err
			}
			stepOpen = true
		}
		switch ev.Kind {
		case agent.EventText:
			return sw.Text(ev.Text)
		case agent.EventToolCall:
			return sw.ToolCall(ev.ToolCallID, ev.ToolName, ev.Args)
		case agent.EventToolResult:
			return sw.ToolResult(ev.ToolCallID, ev.Result)
		case agent.EventStepFinish:
			stepOpen = false
			return sw.StepFinish(string(ev.FinishReason), usage(ev), false)
		case agent.EventFinish:
			return sw.Finish(string(ev.FinishReason), usage(ev), ev.StepBoundReached)
		}
		return nil
	}

	res, err := s.loop.Run(ctx, agent.Request{Messages: req.Messages, Model: req.Model, MessageID: msgID}, id, emit)
	if err != nil {
		if errors.Is(err, agent.ErrEmit) || ctx.Err() != nil {
			log.Debug("chat client went away", "error", err)
			return
		}
		log.Error("chat generation failed", "error", err)
		_ = sw.Error(streamErrorMessage)
		return
	}
	s.stats.RecordChat(res.InputTokens, res.OutputTokens)
}

func usage(ev agent.Event) stream.Usage {
	return stream.Usage{PromptTokens: ev.InputTokens, CompletionTokens: ev.OutputTokens}
}

func validateMessages(msgs []proposal.Message) error {
	if len(msgs) == 0 {
		return errors.New("messages is required")
	}
	for _, m := range msgs {
		switch m.Role {
		case proposal.RoleUser, proposal.RoleAssistant, proposal.RoleSystem, proposal.RoleTool:
		default:
			return fmt.Errorf("unknown message role %q", m.Role)
		}
	}
	if last := msgs[len(msgs)-1]; last.Role != proposal.RoleUser || strings.TrimSpace(last.Content) == "" {
		return errors.New("last message must be a non-empty user message")
	}
	return nil
}
