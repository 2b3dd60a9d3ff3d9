package httpkit

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func echoHeader(name string) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(r.Header.Get(name)))
	}))
}

func get(t *testing.T, c *http.Client, req *http.Request) string {
	t.Helper()
	resp, err := c.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return string(body)
}

func TestNewClient_Timeouts(t *testing.T) {
	tests := []struct {
		name string
		opts []ClientOption
		want time.Duration
	}{
		{"default", nil, 30 * time.Second},
		{"custom", []ClientOption{WithTimeout(5 * time.Second)}, 5 * time.Second},
		{"streaming", []ClientOption{WithTimeout(0)}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NewClient(tt.opts...).Timeout; got != tt.want {
				t.Errorf("timeout = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNewClient_DefaultUserAgent(t *testing.T) {
	srv := echoHeader("User-Agent")
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	if got := get(t, NewClient(), req); !strings.HasPrefix(got, "calexplorer/") {
		t.Errorf("expected calexplorer/ prefix, got %q", got)
	}
}

func TestNewClient_CallerUserAgentWins(t *testing.T) {
	srv := echoHeader("User-Agent")
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	req.Header.Set("User-Agent", "Custom/2.0")
	if got := get(t, NewClient(WithUserAgent("TestBot/1.0")), req); got != "Custom/2.0" {
		t.Errorf("expected caller header to win, got %q", got)
	}
}

func TestNewClient_BearerToken(t *testing.T) {
	srv := echoHeader("Authorization")
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	if got := get(t, NewClient(WithBearerToken("tok-123")), req); got != "Bearer tok-123" {
		t.Errorf("Authorization = %q, want %q", got, "Bearer tok-123")
	}
}

type errReader struct{}

func (errReader) Read([]byte) (int, error) { return 0, errors.New("boom") }
func (errReader) Close() error             { return nil }

func TestReadErrorBody(t *testing.T) {
	if got := ReadErrorBody(nil, 10); got != "" {
		t.Errorf("nil body = %q, want empty", got)
	}
	got := ReadErrorBody(io.NopCloser(strings.NewReader("0123456789abcdef")), 10)
	if got != "0123456789" {
		t.Errorf("limited body = %q", got)
	}
	if got := ReadErrorBody(errReader{}, 10); !strings.Contains(got, "boom") {
		t.Errorf("error body = %q", got)
	}
}

func TestNewClient_HeaderTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c := NewClient(WithTimeout(0), WithHeaderTimeout(50*time.Millisecond))
	resp, err := c.Get(srv.URL)
	if err == nil {
		resp.Body.Close()
		t.Fatal("expected a response header timeout")
	}
	if !strings.Contains(err.Error(), "timeout") {
		t.Errorf("err = %v, want timeout", err)
	}
}
