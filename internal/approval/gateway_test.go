package approval

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/nugget/calexplorer/internal/audit"
	"github.com/nugget/calexplorer/internal/calendar"
	"github.com/nugget/calexplorer/internal/identity"
	"github.com/nugget/calexplorer/internal/proposal"
	"github.com/nugget/calexplorer/internal/tools"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeProvider struct {
	calls atomic.Int32
	err   error
	last  atomic.Value // string token
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) Create(_ context.Context, p proposal.Proposal, token string) (*calendar.Created, error) {
	n := f.calls.Add(1)
	f.last.Store(token)
	if f.err != nil {
		return nil, f.err
	}
	return &calendar.Created{ID: fmt.Sprintf("evt-%d", n), ReferenceLink: "https://calendar.example/" + p.Title}, nil
}

type fakeAuditor struct {
	mu      sync.Mutex
	entries []audit.Entry
}

func (f *fakeAuditor) Append(_ context.Context, e audit.Entry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, e)
	return nil
}

func newGateway(t *testing.T, p calendar.Provider, a Auditor) *Gateway {
	t.Helper()
	r := tools.NewRegistry(quietLogger())
	require.NoError(t, r.Register(calendar.NewCreateTool(p)))
	return NewGateway(quietLogger(), r, a)
}

func validProposal() proposal.Proposal {
	return proposal.Proposal{
		Title:         "Stellar Drift",
		StartDateTime: "2026-03-14T19:00:00",
		EndDateTime:   "2026-03-14T21:15:00",
		Location:      "Orpheum Theatre",
	}
}

var withToken = &identity.Identity{UserID: "u1", AccessToken: "tok-123"}

func TestGateway_Approve(t *testing.T) {
	prov := &fakeProvider{}
	aud := &fakeAuditor{}
	g := newGateway(t, prov, aud)

	created, err := g.Approve(context.Background(), validProposal(), withToken)
	require.NoError(t, err)
	assert.Equal(t, "evt-1", created.ID)
	assert.Equal(t, "https://calendar.example/Stellar Drift", created.ReferenceLink)
	assert.Equal(t, int32(1), prov.calls.Load())
	assert.Equal(t, "tok-123", prov.last.Load())

	require.Len(t, aud.entries, 1)
	assert.Equal(t, audit.OutcomeCreated, aud.entries[0].Outcome)
	assert.Equal(t, "u1", aud.entries[0].UserID)
	assert.Equal(t, "evt-1", aud.entries[0].ExternalID)
}

func TestGateway_NoDedupe(t *testing.T) {
	prov := &fakeProvider{}
	g := newGateway(t, prov, nil)

	for i := 0; i < 2; i++ {
		_, err := g.Approve(context.Background(), validProposal(), withToken)
		require.NoError(t, err)
	}
	assert.Equal(t, int32(2), prov.calls.Load(), "the gateway executes every approval it receives")
}

func TestGateway_Errors(t *testing.T) {
	missingTitle := validProposal()
	missingTitle.Title = ""
	missingStart := validProposal()
	missingStart.StartDateTime = ""
	badTime := validProposal()
	badTime.EndDateTime = "next tuesday"

	tests := []struct {
		name        string
		p           proposal.Proposal
		id          *identity.Identity
		providerErr error
		wantErr     error
		wantCalls   int32
		wantOutcome string
	}{
		{name: "missing title", p: missingTitle, id: withToken, wantErr: ErrMalformed},
		{name: "missing start", p: missingStart, id: withToken, wantErr: ErrMalformed},
		{name: "unparseable time", p: badTime, id: withToken, wantErr: ErrMalformed},
		{name: "no identity", p: validProposal(), id: nil, wantErr: ErrUnauthenticated, wantOutcome: audit.OutcomeUnauthenticated},
		{name: "empty token", p: validProposal(), id: &identity.Identity{UserID: "u1"}, wantErr: ErrUnauthenticated, wantOutcome: audit.OutcomeUnauthenticated},
		{
			name: "provider rejects token", p: validProposal(), id: withToken,
			providerErr: fmt.Errorf("google: %w", calendar.ErrCredentialRejected),
			wantErr:     ErrUnauthenticated, wantCalls: 1, wantOutcome: audit.OutcomeUnauthenticated,
		},
		{
			name: "provider failure", p: validProposal(), id: withToken,
			providerErr: errors.New("503 backend unavailable"),
			wantErr:     ErrUpstream, wantCalls: 1, wantOutcome: audit.OutcomeFailed,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			prov := &fakeProvider{err: tt.providerErr}
			aud := &fakeAuditor{}
			g := newGateway(t, prov, aud)

			created, err := g.Approve(context.Background(), tt.p, tt.id)
			assert.Nil(t, created)
			require.ErrorIs(t, err, tt.wantErr)
			assert.Equal(t, tt.wantCalls, prov.calls.Load())

			if tt.wantOutcome == "" {
				assert.Empty(t, aud.entries)
				return
			}
			require.Len(t, aud.entries, 1)
			assert.Equal(t, tt.wantOutcome, aud.entries[0].Outcome)
			assert.NotEmpty(t, aud.entries[0].Error)
		})
	}
}

func TestGateway_CalendarNotConfigured(t *testing.T) {
	g := NewGateway(quietLogger(), tools.NewRegistry(quietLogger()), nil)
	_, err := g.Approve(context.Background(), validProposal(), withToken)
	require.ErrorIs(t, err, ErrUpstream)
}

func TestGateway_WritesAuditStore(t *testing.T) {
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	store, err := audit.NewStore(db)
	require.NoError(t, err)

	g := newGateway(t, &fakeProvider{}, store)
	ctx := tools.WithRequestID(context.Background(), "req-7")
	_, err = g.Approve(ctx, validProposal(), withToken)
	require.NoError(t, err)

	entries, err := store.Recent(context.Background(), "u1", 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "req-7", entries[0].RequestID)
	assert.Equal(t, "Stellar Drift", entries[0].Title)
}

// Rapid double approval through the tracker reaches the provider once.
func TestTrackerAndGateway_DoubleApprove(t *testing.T) {
	release := make(chan struct{})
	prov := &blockingProvider{release: release, entered: make(chan struct{})}
	g := newGateway(t, prov, nil)
	tr := NewTracker()
	submit := g.Submitter(withToken)

	first := make(chan error, 1)
	go func() {
		_, err := tr.Approve(context.Background(), "call_1", validProposal(), submit)
		first <- err
	}()
	<-prov.entered

	_, err := tr.Approve(context.Background(), "call_1", validProposal(), submit)
	require.ErrorIs(t, err, ErrInFlight)
	assert.False(t, tr.Enabled("call_1"))

	close(release)
	require.NoError(t, <-first)
	assert.Equal(t, int32(1), prov.calls.Load())
	assert.Equal(t, StateDone, tr.State("call_1"))
}

type blockingProvider struct {
	calls   atomic.Int32
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (b *blockingProvider) Name() string { return "blocking" }

func (b *blockingProvider) Create(ctx context.Context, _ proposal.Proposal, _ string) (*calendar.Created, error) {
	b.calls.Add(1)
	b.once.Do(func() { close(b.entered) })
	select {
	case <-b.release:
		return &calendar.Created{ID: "evt-1"}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
