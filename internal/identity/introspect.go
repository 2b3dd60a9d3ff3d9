package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/nugget/calexplorer/internal/httpkit"
)

// Introspection is the fallback strategy: it forwards the request's
// cookies to the session endpoint of the auth service and trusts its
// answer.
type Introspection struct {
	endpoint string
	client   *http.Client
}

// NewIntrospection targets <baseURL>/api/auth/session.
func NewIntrospection(baseURL string) *Introspection {
	return &Introspection{
		endpoint: strings.TrimRight(baseURL, "/") + "/api/auth/session",
		client:   httpkit.NewClient(httpkit.WithTimeout(5 * time.Second)),
	}
}

// Name implements [Strategy].
func (s *Introspection) Name() string { return "session_introspection" }

type sessionResponse struct {
	User *struct {
		ID    string `json:"id"`
		Email string `json:"email"`
	} `json:"user"`
	AccessToken string `json:"accessToken"`
	Expires     string `json:"expires"`
}

// TryResolve implements [Strategy].
func (s *Introspection) TryResolve(ctx context.Context, r *http.Request) (*Identity, error) {
	cookie := r.Header.Get("Cookie")
	if cookie == "" {
		return nil, ErrNoCredential
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build session request: %w", err)
	}
	req.Header.Set("Cookie", cookie)
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("session request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("session endpoint HTTP %d: %s", resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 256))
	}

	// An anonymous session is the literal "{}" (or null).
	var sr sessionResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	if sr.AccessToken == "" {
		return nil, ErrNoCredential
	}

	id := &Identity{AccessToken: sr.AccessToken, Source: s.Name()}
	if sr.User != nil {
		id.UserID = sr.User.ID
		id.Email = sr.User.Email
	}
	if sr.Expires != "" {
		if t, err := time.Parse(time.RFC3339, sr.Expires); err == nil {
			id.Expiry = t
		}
	}
	return id, nil
}

// Ping checks that the session endpoint answers an anonymous request.
func (s *Introspection) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.endpoint, nil)
	if err != nil {
		return fmt.Errorf("build session request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("session request: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 1024)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("session endpoint HTTP %d", resp.StatusCode)
	}
	return nil
}
