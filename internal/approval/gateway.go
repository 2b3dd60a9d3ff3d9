// Package approval turns a user's explicit approval of a proposal into
// exactly one calendar write.
//
// Gateway is the server side: it validates, checks the caller's
// credential and runs the mutating tool once. Tracker is the client
// side state machine that keeps one approval control from submitting
// twice.
package approval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/nugget/calexplorer/internal/audit"
	"github.com/nugget/calexplorer/internal/calendar"
	"github.com/nugget/calexplorer/internal/identity"
	"github.com/nugget/calexplorer/internal/proposal"
	"github.com/nugget/calexplorer/internal/tools"
)

var (
	// ErrMalformed means the proposal is missing a required field or
	// carries unusable times. HTTP 400.
	ErrMalformed = proposal.ErrMalformed
	// ErrUnauthenticated means no usable access credential. HTTP 401.
	ErrUnauthenticated = tools.ErrUnauthenticated
	// ErrUpstream means the calendar provider failed. HTTP 500. The
	// gateway never retries it.
	ErrUpstream = errors.New("calendar creation failed")
)

// Auditor records gateway executions.
type Auditor interface {
	Append(ctx context.Context, e audit.Entry) error
}

// Gateway executes approved proposals through the tool registry.
type Gateway struct {
	registry *tools.Registry
	auditor  Auditor
	logger   *slog.Logger
}

// NewGateway creates a gateway. auditor may be nil.
func NewGateway(logger *slog.Logger, registry *tools.Registry, auditor Auditor) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		registry: registry,
		auditor:  auditor,
		logger:   logger.With("component", "approval"),
	}
}

// Approve validates p and creates it in the caller's calendar. Each call
// performs at most one provider request; there is no deduplication here.
func (g *Gateway) Approve(ctx context.Context, p proposal.Proposal, id *identity.Identity) (*calendar.Created, error) {
	p = p.WithDefaults()
	log := g.logger.With(
		"request_id", tools.RequestIDFromContext(ctx),
		"title", p.Title,
		"has_identity", id.HasCredential(),
	)

	if err := p.Validate(); err != nil {
		log.Info("approval rejected", "error", err)
		return nil, err
	}
	if _, _, _, err := calendar.ParseTimes(p); err != nil {
		log.Info("approval rejected", "error", err)
		return nil, err
	}
	if !id.HasCredential() {
		log.Warn("approval without credential")
		g.record(ctx, p, id, audit.OutcomeUnauthenticated, "", ErrUnauthenticated)
		return nil, ErrUnauthenticated
	}

	call := tools.Call{
		ID:   "approval_" + uuid.NewString(),
		Name: calendar.CreateToolName,
		Args: p.Args(),
	}
	env, err := g.registry.Execute(ctx, call, id)
	if err != nil {
		err = classify(err)
		outcome := audit.OutcomeFailed
		if errors.Is(err, ErrUnauthenticated) {
			outcome = audit.OutcomeUnauthenticated
		}
		log.Warn("calendar creation failed", "tool_call_id", call.ID, "error", err)
		g.record(ctx, p, id, outcome, "", err)
		return nil, err
	}

	var created calendar.Created
	if err := json.Unmarshal(env.Output, &created); err != nil || created.ID == "" {
		err = fmt.Errorf("%w: unexpected provider result", ErrUpstream)
		g.record(ctx, p, id, audit.OutcomeFailed, "", err)
		return nil, err
	}

	log.Info("calendar event created", "tool_call_id", call.ID, "event_id", created.ID)
	g.record(ctx, p, id, audit.OutcomeCreated, created.ID, nil)
	return &created, nil
}

// Submitter binds the gateway to one identity, for use with a Tracker.
func (g *Gateway) Submitter(id *identity.Identity) SubmitFunc {
	return func(ctx context.Context, p proposal.Proposal) (*calendar.Created, error) {
		return g.Approve(ctx, p, id)
	}
}

// classify maps a tool execution error onto the gateway's sentinels.
func classify(err error) error {
	var unavailable *tools.ErrToolUnavailable
	switch {
	case errors.Is(err, tools.ErrUnauthenticated), errors.Is(err, calendar.ErrCredentialRejected):
		return fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	case errors.Is(err, tools.ErrInvalidArguments), errors.Is(err, proposal.ErrMalformed):
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	case errors.As(err, &unavailable):
		return fmt.Errorf("%w: calendar tool not configured", ErrUpstream)
	default:
		return fmt.Errorf("%w: %v", ErrUpstream, err)
	}
}

func (g *Gateway) record(ctx context.Context, p proposal.Proposal, id *identity.Identity, outcome, externalID string, cause error) {
	if g.auditor == nil {
		return
	}
	e := audit.Entry{
		RequestID:  tools.RequestIDFromContext(ctx),
		Title:      p.Title,
		Start:      p.StartDateTime,
		Outcome:    outcome,
		ExternalID: externalID,
	}
	if id != nil {
		e.UserID = id.UserID
	}
	if cause != nil {
		e.Error = cause.Error()
	}
	// The write already happened or failed; an audit failure must not
	// change the answer.
	if err := g.auditor.Append(context.WithoutCancel(ctx), e); err != nil {
		g.logger.Error("audit append failed", "error", err)
	}
}
