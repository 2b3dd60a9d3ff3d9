package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/nugget/calexplorer/internal/agent"
	"github.com/nugget/calexplorer/internal/approval"
	"github.com/nugget/calexplorer/internal/audit"
	"github.com/nugget/calexplorer/internal/calendar"
	"github.com/nugget/calexplorer/internal/connwatch"
	"github.com/nugget/calexplorer/internal/identity"
	"github.com/nugget/calexplorer/internal/llm"
	"github.com/nugget/calexplorer/internal/proposal"
	"github.com/nugget/calexplorer/internal/stream"
	"github.com/nugget/calexplorer/internal/tools"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// scriptedLLM replays responses in order and counts calls.
type scriptedLLM struct {
	mu        sync.Mutex
	responses []*llm.ChatResponse
	calls     int
}

func (s *scriptedLLM) Chat(ctx context.Context, model string, msgs []llm.Message, td []map[string]any) (*llm.ChatResponse, error) {
	return s.ChatStream(ctx, model, msgs, td, nil)
}

func (s *scriptedLLM) ChatStream(_ context.Context, _ string, _ []llm.Message, _ []map[string]any, cb llm.StreamCallback) (*llm.ChatResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.calls >= len(s.responses) {
		return nil, fmt.Errorf("scriptedLLM: no response for call %d", s.calls)
	}
	resp := s.responses[s.calls]
	s.calls++
	if cb != nil && resp.Message.Content != "" {
		cb(llm.StreamEvent{Kind: llm.KindToken, Token: resp.Message.Content})
	}
	return resp, nil
}

func (s *scriptedLLM) Ping(context.Context) error { return nil }

func (s *scriptedLLM) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type fakeProvider struct {
	calls atomic.Int32
	err   error
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) Create(context.Context, proposal.Proposal, string) (*calendar.Created, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return &calendar.Created{ID: "evt-1", ReferenceLink: "https://calendar.example/evt-1"}, nil
}

// stubResolver returns a fixed identity.
type stubResolver struct{ id *identity.Identity }

func (s stubResolver) Resolve(context.Context, *http.Request) (*identity.Identity, bool) {
	return s.id, s.id != nil
}

type fixture struct {
	srv      *Server
	llm      *scriptedLLM
	provider *fakeProvider
}

func newFixture(t *testing.T, resolver identity.Resolver, responses ...*llm.ChatResponse) *fixture {
	t.Helper()
	prov := &fakeProvider{}
	reg := tools.NewRegistry(quietLogger())
	require.NoError(t, reg.Register(calendar.NewProposeTool()))
	require.NoError(t, reg.Register(calendar.NewCreateTool(prov)))

	model := &scriptedLLM{responses: responses}
	loop := agent.NewLoop(quietLogger(), model, reg, agent.Config{Model: "test-model"})
	gw := approval.NewGateway(quietLogger(), reg, nil)
	return &fixture{
		srv:      NewServer("", 0, loop, resolver, gw, quietLogger()),
		llm:      model,
		provider: prov,
	}
}

func post(t *testing.T, h http.Handler, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

const chatBody = `{"messages":[{"role":"user","content":"What sci-fi movies are out next weekend?"}]}`

const createBody = `{"event":{"title":"Stellar Drift","startDateTime":"2026-03-14T19:00:00","endDateTime":"2026-03-14T21:00:00"}}`

func errorOf(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), rec.Body.String())
	return body.Error
}

// In production, with no session, both endpoints answer 401 whatever
// override header or configured override token is present.
func TestProductionWithoutSession_Unauthenticated(t *testing.T) {
	key := "s3cret"
	cookie, err := identity.NewSessionCookie(key, []string{"next-auth.session-token"})
	require.NoError(t, err)
	override, overrideErr := identity.NewDevOverride(true, "configured-dev-token")
	require.ErrorIs(t, overrideErr, identity.ErrOverrideUnavailable)

	strategies := []identity.Strategy{cookie}
	if overrideErr == nil {
		strategies = append(strategies, override)
	}
	chain := identity.NewChain(quietLogger(), strategies...)

	for _, headers := range []map[string]string{
		nil,
		{identity.DevTokenHeader: "header-dev-token"},
		{identity.DevTokenHeader: ""},
	} {
		f := newFixture(t, chain, &llm.ChatResponse{Message: llm.Message{Content: "never"}})
		h := f.srv.Handler()

		rec := post(t, h, "/api/chat", chatBody, headers)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Equal(t, "Unauthenticated", errorOf(t, rec))

		rec = post(t, h, "/api/calendar/create", createBody, headers)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)

		assert.Zero(t, f.llm.count(), "no generation without a session")
		assert.Zero(t, f.provider.calls.Load(), "no calendar write without a session")
	}
}

func TestChat_StreamsProposal(t *testing.T) {
	args := map[string]any{
		"title":         "Stellar Drift",
		"startDateTime": "2026-03-14T19:00:00",
		"endDateTime":   "2026-03-14T21:00:00",
	}
	f := newFixture(t, stubResolver{&identity.Identity{UserID: "u1", AccessToken: "tok"}},
		&llm.ChatResponse{
			Message:      llm.Message{ToolCalls: []llm.ToolCall{{ID: "call_1", Function: llm.ToolCallFunction{Name: calendar.ProposeToolName, Arguments: args}}}},
			FinishReason: llm.FinishToolCalls,
			InputTokens:  12,
		},
		&llm.ChatResponse{
			Message:      llm.Message{Content: "Stellar Drift is waiting for your approval."},
			FinishReason: llm.FinishStop,
			OutputTokens: 9,
		},
	)

	rec := post(t, f.srv.Handler(), "/api/chat", chatBody, map[string]string{RequestIDHeader: "req-abc"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, stream.ContentType, rec.Header().Get("Content-Type"))
	assert.Equal(t, stream.Version, rec.Header().Get(stream.VersionHeader))
	assert.Equal(t, "req-abc", rec.Header().Get(RequestIDHeader))

	tr, err := stream.Collect(rec.Body, nil)
	require.NoError(t, err)
	assert.Equal(t, "stop", tr.FinishReason)
	assert.Equal(t, "Stellar Drift is waiting for your approval.", tr.Message.Content)
	assert.True(t, strings.HasPrefix(tr.Message.ID, "msg-"))
	assert.Equal(t, stream.Usage{PromptTokens: 12, CompletionTokens: 9}, tr.Usage)

	p, recordID, ok := proposal.Extract(tr.Message)
	require.True(t, ok)
	assert.Equal(t, "call_1", recordID)
	assert.Equal(t, "Stellar Drift", p.Title)
	assert.Zero(t, f.provider.calls.Load(), "proposing never writes")
}

func TestChat_BadRequests(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"not json", `{"messages":`},
		{"no messages", `{"messages":[]}`},
		{"unknown role", `{"messages":[{"role":"wizard","content":"hi"}]}`},
		{"last not user", `{"messages":[{"role":"assistant","content":"hi"}]}`},
		{"empty user", `{"messages":[{"role":"user","content":"  "}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, stubResolver{&identity.Identity{AccessToken: "tok"}})
			rec := post(t, f.srv.Handler(), "/api/chat", tt.body, nil)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.NotEmpty(t, errorOf(t, rec))
			assert.Zero(t, f.llm.count())
		})
	}
}

func TestChat_RateLimited(t *testing.T) {
	f := newFixture(t, stubResolver{&identity.Identity{AccessToken: "tok"}},
		&llm.ChatResponse{Message: llm.Message{Content: "one"}, FinishReason: llm.FinishStop},
	)
	f.srv.SetRateLimit(0.001, 1)
	h := f.srv.Handler()

	first := post(t, h, "/api/chat", chatBody, nil)
	assert.Equal(t, http.StatusOK, first.Code)

	second := post(t, h, "/api/chat", chatBody, nil)
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
	assert.Equal(t, "1", second.Header().Get("Retry-After"))
	assert.Equal(t, 1, f.llm.count())
}

func TestChat_GenerationErrorIsStreamed(t *testing.T) {
	f := newFixture(t, stubResolver{&identity.Identity{AccessToken: "tok"}}) // no responses: the model errors

	rec := post(t, f.srv.Handler(), "/api/chat", chatBody, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	_, err := stream.Collect(rec.Body, nil)
	require.ErrorIs(t, err, stream.ErrStream)
	assert.Contains(t, err.Error(), streamErrorMessage)
}

func TestCalendarCreate(t *testing.T) {
	missingTitle := `{"event":{"startDateTime":"2026-03-14T19:00:00","endDateTime":"2026-03-14T21:00:00"}}`

	tests := []struct {
		name        string
		id          *identity.Identity
		body        string
		providerErr error
		wantCode    int
		wantCalls   int32
	}{
		{name: "created", id: &identity.Identity{AccessToken: "tok"}, body: createBody, wantCode: http.StatusOK, wantCalls: 1},
		{name: "no session", id: nil, body: createBody, wantCode: http.StatusUnauthorized},
		{name: "bad json", id: &identity.Identity{AccessToken: "tok"}, body: `{"event":`, wantCode: http.StatusBadRequest},
		{name: "no event", id: &identity.Identity{AccessToken: "tok"}, body: `{}`, wantCode: http.StatusBadRequest},
		{name: "missing title", id: &identity.Identity{AccessToken: "tok"}, body: missingTitle, wantCode: http.StatusBadRequest},
		{
			name: "upstream failure", id: &identity.Identity{AccessToken: "tok"}, body: createBody,
			providerErr: fmt.Errorf("backend unavailable"), wantCode: http.StatusInternalServerError, wantCalls: 1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, stubResolver{tt.id})
			f.provider.err = tt.providerErr

			rec := post(t, f.srv.Handler(), "/api/calendar/create", tt.body, nil)
			assert.Equal(t, tt.wantCode, rec.Code, rec.Body.String())
			assert.Equal(t, tt.wantCalls, f.provider.calls.Load())

			if tt.wantCode != http.StatusOK {
				assert.NotEmpty(t, errorOf(t, rec))
				return
			}
			var resp CreateResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.True(t, resp.OK)
			assert.Equal(t, "evt-1", resp.Result.ID)
			assert.Equal(t, "https://calendar.example/evt-1", resp.Result.ReferenceLink)
		})
	}
}

func TestHealthAndVersion(t *testing.T) {
	f := newFixture(t, nil)
	h := f.srv.Handler()

	for _, path := range []string{"/health", "/v1/version", "/v1/session/stats", "/"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code, path)
		assert.NotEmpty(t, rec.Header().Get(RequestIDHeader), path)
	}
}

func TestHealth_ReportsUpstreams(t *testing.T) {
	f := newFixture(t, nil)
	watch := connwatch.NewManager(quietLogger())
	defer watch.Stop()
	f.srv.SetConnWatch(watch)

	sched := connwatch.Schedule{InitialDelay: time.Millisecond, PollInterval: time.Millisecond}
	watch.Watch(t.Context(), "llm", func(context.Context) error { return nil }, connwatch.WithSchedule(sched))
	watch.Watch(t.Context(), "session", func(context.Context) error { return errors.New("connection refused") }, connwatch.WithSchedule(sched))

	h := f.srv.Handler()
	var body HealthResponse
	require.Eventually(t, func() bool {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
		if rec.Code != http.StatusOK {
			return false
		}
		body = HealthResponse{}
		if json.Unmarshal(rec.Body.Bytes(), &body) != nil || len(body.Services) != 2 {
			return false
		}
		return !body.Services[0].LastCheck.IsZero() && !body.Services[1].LastCheck.IsZero()
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, "degraded", body.Status)
	assert.True(t, body.Services[0].Ready)
	assert.Equal(t, "connection refused", body.Services[1].LastError)
}

func TestShutdownWithoutStart(t *testing.T) {
	f := newFixture(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, f.srv.Shutdown(ctx))
}

func TestRequestLog_CarriesIdentity(t *testing.T) {
	var buf strings.Builder
	f := newFixture(t, nil)
	f.srv.logger = slog.New(slog.NewJSONHandler(&buf, nil))

	ctx := tools.WithRequestID(context.Background(), "req-7")
	f.srv.requestLog(ctx).Info("before")
	ctx = identity.WithIdentity(ctx, &identity.Identity{Source: "session_cookie", UserID: "u-42", AccessToken: "tok"})
	f.srv.requestLog(ctx).Info("after")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)

	var before, after map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &before))
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &after))
	assert.Equal(t, "req-7", before["request_id"])
	assert.NotContains(t, before, "user_id")
	assert.Equal(t, "session_cookie", after["identity_source"])
	assert.Equal(t, "u-42", after["user_id"])
	assert.NotContains(t, buf.String(), "tok\"")
}

func TestSessionStats_CalendarWrites(t *testing.T) {
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	store, err := audit.NewStore(db)
	require.NoError(t, err)

	ctx := context.Background()
	now := time.Now()
	for _, e := range []audit.Entry{
		{Timestamp: now.Add(-time.Hour), Title: "Stellar Drift", Start: "2026-03-14T19:00:00", Outcome: audit.OutcomeCreated},
		{Timestamp: now.Add(-2 * time.Hour), Title: "Jazz night", Start: "2026-03-15T20:00:00", Outcome: audit.OutcomeFailed},
		{Timestamp: now.Add(-72 * time.Hour), Title: "Old", Start: "2026-03-01T20:00:00", Outcome: audit.OutcomeCreated},
	} {
		require.NoError(t, store.Append(ctx, e))
	}

	f := newFixture(t, nil)
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/session/stats", nil))
	var snap SessionStatsSnapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Nil(t, snap.CalendarWrites)

	f.srv.SetAuditStore(store)
	rec = httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/session/stats", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	snap = SessionStatsSnapshot{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, audit.Summary{audit.OutcomeCreated: 1, audit.OutcomeFailed: 1}, snap.CalendarWrites)
}

func TestSessionStats_UpstreamOutages(t *testing.T) {
	f := newFixture(t, nil)
	watch := connwatch.NewManager(quietLogger())
	defer watch.Stop()

	var up atomic.Bool
	sched := connwatch.Schedule{InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, PollInterval: time.Millisecond}
	watch.Watch(t.Context(), "llm", func(context.Context) error {
		if up.Load() {
			return nil
		}
		return errors.New("connection refused")
	}, connwatch.WithSchedule(sched), connwatch.OnChange(f.srv.UpstreamChanged))

	require.Eventually(t, func() bool {
		return f.srv.stats.Snapshot().UpstreamOutages == 1
	}, 2*time.Second, 5*time.Millisecond)

	// Recovery is not an outage; repeated failures while down count once.
	up.Store(true)
	require.Eventually(t, watch.Healthy, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(1), f.srv.stats.Snapshot().UpstreamOutages)
}
