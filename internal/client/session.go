package client

import (
	"context"
	"fmt"

	"github.com/nugget/calexplorer/internal/approval"
	"github.com/nugget/calexplorer/internal/calendar"
	"github.com/nugget/calexplorer/internal/proposal"
	"github.com/nugget/calexplorer/internal/stream"
)

// Session is one conversation held on the client. It owns the message
// history and the approval records for proposals seen so far.
type Session struct {
	client    *Client
	tracker   *approval.Tracker
	messages  []proposal.Message
	proposals map[string]proposal.Proposal
}

// NewSession starts an empty conversation.
func NewSession(c *Client, opts ...approval.Option) *Session {
	return &Session{
		client:    c,
		tracker:   approval.NewTracker(opts...),
		proposals: make(map[string]proposal.Proposal),
	}
}

// Send adds a user message, streams the reply and records it. If the
// reply carries a proposal its record id is returned with ok true.
func (s *Session) Send(ctx context.Context, text string, onPart func(stream.Part)) (tr *stream.Transcript, recordID string, ok bool, err error) {
	history := append(append([]proposal.Message(nil), s.messages...), proposal.Message{Role: proposal.RoleUser, Content: text})
	tr, err = s.client.Chat(ctx, history, onPart)
	if err != nil {
		return tr, "", false, err
	}
	s.messages = append(history, tr.Message)

	p, id, found := proposal.Extract(tr.Message)
	if found {
		s.proposals[id] = p
	}
	return tr, id, found, nil
}

// Proposal returns the proposal recorded under id.
func (s *Session) Proposal(id string) (proposal.Proposal, bool) {
	p, ok := s.proposals[id]
	return p, ok
}

// Approve submits the proposal recorded under id. Repeated or
// concurrent calls for one id reach the server at most once while a
// submission is in flight, and never after it succeeded.
func (s *Session) Approve(ctx context.Context, id string) (*calendar.Created, error) {
	p, ok := s.proposals[id]
	if !ok {
		return nil, fmt.Errorf("no proposal %q in this session", id)
	}
	return s.tracker.Approve(ctx, id, p, s.client.Approve)
}

// State returns the approval state for id.
func (s *Session) State(id string) approval.State { return s.tracker.State(id) }

// Enabled reports whether the approval control for id should be offered.
func (s *Session) Enabled(id string) bool {
	_, ok := s.proposals[id]
	return ok && s.tracker.Enabled(id)
}

// Messages returns a copy of the conversation so far.
func (s *Session) Messages() []proposal.Message {
	return append([]proposal.Message(nil), s.messages...)
}
