package approval

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/nugget/calexplorer/internal/calendar"
	"github.com/nugget/calexplorer/internal/proposal"
)

// State of an approval record.
type State string

const (
	StateIdle     State = "idle"
	StateCreating State = "creating"
	StateDone     State = "done"
	StateError    State = "error"
)

var (
	// ErrInFlight is returned for a trigger while a submission for the
	// same record is running. The trigger has no effect.
	ErrInFlight = errors.New("approval already in progress")
	// ErrAlreadyDone is returned once a record has succeeded.
	ErrAlreadyDone = errors.New("approval already completed")
	// ErrFailed is returned for a failed record when retries are off.
	ErrFailed = errors.New("approval failed")
)

// SubmitFunc performs the single external submission for a record.
type SubmitFunc func(ctx context.Context, p proposal.Proposal) (*calendar.Created, error)

// Record is one approval control's state.
type Record struct {
	ID       string
	State    State
	Proposal proposal.Proposal
	Result   *calendar.Created
	Err      error
	Attempts int
}

// Tracker holds approval records keyed by tool invocation id or a
// synthetic text-proposal id. Records live as long as the Tracker; they
// are never persisted.
type Tracker struct {
	mu           sync.Mutex
	records      map[string]*Record
	retryOnError bool
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithRetryOnError controls whether a record in the error state accepts
// another trigger. The default is true.
func WithRetryOnError(retry bool) Option {
	return func(t *Tracker) { t.retryOnError = retry }
}

// NewTracker creates an empty tracker.
func NewTracker(opts ...Option) *Tracker {
	t := &Tracker{records: make(map[string]*Record), retryOnError: true}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Approve runs submit for record id unless the record is in flight or
// finished. The first trigger fixes the record's proposal; later
// triggers for the same id submit that proposal, not p.
//
// The record moves idle→creating under the lock, so concurrent triggers
// see creating and return ErrInFlight without calling submit. The move
// out of creating is made only from submit's own outcome.
func (t *Tracker) Approve(ctx context.Context, id string, p proposal.Proposal, submit SubmitFunc) (created *calendar.Created, err error) {
	t.mu.Lock()
	rec, ok := t.records[id]
	if !ok {
		rec = &Record{ID: id, State: StateIdle, Proposal: p}
		t.records[id] = rec
	}
	switch rec.State {
	case StateCreating:
		t.mu.Unlock()
		return nil, ErrInFlight
	case StateDone:
		t.mu.Unlock()
		return nil, ErrAlreadyDone
	case StateError:
		if !t.retryOnError {
			err := rec.Err
			t.mu.Unlock()
			return nil, fmt.Errorf("%w: %w", ErrFailed, err)
		}
	}
	rec.State = StateCreating
	rec.Err = nil
	rec.Attempts++
	submitted := rec.Proposal
	t.mu.Unlock()

	// A panicking submit must not strand the record in creating.
	defer func() {
		if r := recover(); r != nil {
			created, err = nil, fmt.Errorf("submit panicked: %v", r)
		}
		t.mu.Lock()
		defer t.mu.Unlock()
		if err != nil {
			rec.State = StateError
			rec.Err = err
			return
		}
		rec.State = StateDone
		rec.Result = created
	}()

	return submit(ctx, submitted)
}

// State returns the record's state; unknown ids are idle.
func (t *Tracker) State(id string) State {
	t.mu.Lock()
	defer t.mu.Unlock()
	if rec, ok := t.records[id]; ok {
		return rec.State
	}
	return StateIdle
}

// Record returns a copy of the record.
func (t *Tracker) Record(id string) (Record, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.records[id]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// Enabled reports whether the approval control for id should accept a
// trigger.
func (t *Tracker) Enabled(id string) bool {
	switch t.State(id) {
	case StateIdle:
		return true
	case StateError:
		return t.retryOnError
	default:
		return false
	}
}
