package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nugget/calexplorer/internal/approval"
	"github.com/nugget/calexplorer/internal/identity"
	"github.com/nugget/calexplorer/internal/proposal"
	"github.com/nugget/calexplorer/internal/stream"
)

var stellarDrift = proposal.Proposal{
	Title:         "Stellar Drift",
	StartDateTime: "2026-03-14T19:00:00",
	EndDateTime:   "2026-03-14T21:00:00",
	TimeZone:      proposal.DefaultTimeZone,
}

// fakeServer speaks the chat and create endpoints.
type fakeServer struct {
	creates    atomic.Int32
	createCode int
	release    chan struct{}
	gotDev     atomic.Value
	gotBodies  [][]proposal.Message
	mu         sync.Mutex
}

func (f *fakeServer) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/chat", func(w http.ResponseWriter, r *http.Request) {
		f.gotDev.Store(r.Header.Get(identity.DevTokenHeader))
		var body struct {
			Messages []proposal.Message `json:"messages"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.mu.Lock()
		f.gotBodies = append(f.gotBodies, body.Messages)
		f.mu.Unlock()

		stream.SetHeaders(w.Header())
		sw := stream.NewWriter(w)
		_ = sw.StepStart("msg-1")
		_ = sw.Text("How about this?\n")
		_ = sw.Text(proposal.FormatMarker(stellarDrift) + "\n")
		_ = sw.StepFinish("stop", stream.Usage{}, false)
		_ = sw.Finish("stop", stream.Usage{}, false)
	})
	mux.HandleFunc("POST /api/calendar/create", func(w http.ResponseWriter, r *http.Request) {
		f.creates.Add(1)
		if f.release != nil {
			<-f.release
		}
		if f.createCode != 0 && f.createCode != http.StatusOK {
			w.WriteHeader(f.createCode)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "nope"})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"ok":     true,
			"result": map[string]string{"id": "evt-1", "referenceLink": "https://calendar.example/evt-1"},
		})
	})
	return mux
}

func TestClient_ChatAndApprove(t *testing.T) {
	fs := &fakeServer{}
	ts := httptest.NewServer(fs.handler())
	defer ts.Close()
	c := New(ts.URL+"/", WithDevToken("dev-tok"))

	var parts int
	tr, err := c.Chat(context.Background(), []proposal.Message{{Role: "user", Content: "hi"}}, func(stream.Part) { parts++ })
	require.NoError(t, err)
	assert.Equal(t, 5, parts)
	assert.Equal(t, "dev-tok", fs.gotDev.Load())

	p, _, ok := proposal.Extract(tr.Message)
	require.True(t, ok)
	assert.Equal(t, stellarDrift, p)

	created, err := c.Approve(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, "evt-1", created.ID)
}

func TestClient_ApproveStatusErrors(t *testing.T) {
	tests := []struct {
		code int
		want error
	}{
		{http.StatusBadRequest, approval.ErrMalformed},
		{http.StatusUnauthorized, approval.ErrUnauthenticated},
		{http.StatusInternalServerError, approval.ErrUpstream},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.code), func(t *testing.T) {
			fs := &fakeServer{createCode: tt.code}
			ts := httptest.NewServer(fs.handler())
			defer ts.Close()

			_, err := New(ts.URL).Approve(context.Background(), stellarDrift)
			require.ErrorIs(t, err, tt.want)
			var se *StatusError
			require.True(t, errors.As(err, &se))
			assert.Equal(t, "nope", se.Message)
		})
	}
}

func TestSession_DoubleApproveOneRequest(t *testing.T) {
	fs := &fakeServer{release: make(chan struct{})}
	ts := httptest.NewServer(fs.handler())
	defer ts.Close()
	s := NewSession(New(ts.URL))

	_, id, ok, err := s.Send(context.Background(), "plan a movie night", nil)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, s.Enabled(id))

	first := make(chan error, 1)
	go func() {
		_, err := s.Approve(context.Background(), id)
		first <- err
	}()
	require.Eventually(t, func() bool { return fs.creates.Load() == 1 }, timeout, tick)

	_, err = s.Approve(context.Background(), id)
	require.ErrorIs(t, err, approval.ErrInFlight)
	assert.False(t, s.Enabled(id))

	close(fs.release)
	require.NoError(t, <-first)
	_, err = s.Approve(context.Background(), id)
	require.ErrorIs(t, err, approval.ErrAlreadyDone)

	assert.Equal(t, int32(1), fs.creates.Load())
	assert.Equal(t, approval.StateDone, s.State(id))
}

func TestSession_History(t *testing.T) {
	fs := &fakeServer{}
	ts := httptest.NewServer(fs.handler())
	defer ts.Close()
	s := NewSession(New(ts.URL))

	for _, text := range []string{"first", "second"} {
		_, _, _, err := s.Send(context.Background(), text, nil)
		require.NoError(t, err)
	}
	require.Len(t, fs.gotBodies, 2)
	assert.Len(t, fs.gotBodies[1], 3, "second request carries user, assistant, user")
	assert.Len(t, s.Messages(), 4)

	_, err := s.Approve(context.Background(), "unknown")
	assert.Error(t, err)
}

const (
	timeout = 2 * time.Second
	tick    = 5 * time.Millisecond
)
