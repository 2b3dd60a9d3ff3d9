// Package client talks to a calexplorer server: it streams chat
// responses, decodes them into messages and submits approvals.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/nugget/calexplorer/internal/approval"
	"github.com/nugget/calexplorer/internal/calendar"
	"github.com/nugget/calexplorer/internal/httpkit"
	"github.com/nugget/calexplorer/internal/identity"
	"github.com/nugget/calexplorer/internal/proposal"
	"github.com/nugget/calexplorer/internal/stream"
)

// Client is a calexplorer API client.
type Client struct {
	baseURL    string
	httpClient *http.Client
	devToken   string
	cookies    []*http.Cookie
}

// Option configures a Client.
type Option func(*Client)

// WithDevToken sends the development override header. Servers ignore it
// unless they were built and deployed to accept it.
func WithDevToken(token string) Option {
	return func(c *Client) { c.devToken = token }
}

// WithSessionCookie sends a session cookie on every request.
func WithSessionCookie(name, value string) Option {
	return func(c *Client) {
		c.cookies = append(c.cookies, &http.Cookie{Name: name, Value: value})
	}
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// New creates a client for the server at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		// Chat responses stream for as long as generation runs.
		httpClient: httpkit.NewClient(httpkit.WithTimeout(0)),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) post(ctx context.Context, path string, body any) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.devToken != "" {
		req.Header.Set(identity.DevTokenHeader, c.devToken)
	}
	for _, ck := range c.cookies {
		req.AddCookie(ck)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("POST %s: %w", path, err)
	}
	return resp, nil
}

// StatusError is a non-2xx answer from the server.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

// Unwrap maps the status onto the approval sentinels so callers can use
// errors.Is the same way on both sides of the wire.
func (e *StatusError) Unwrap() error {
	switch e.StatusCode {
	case http.StatusBadRequest:
		return approval.ErrMalformed
	case http.StatusUnauthorized:
		return approval.ErrUnauthenticated
	case http.StatusInternalServerError:
		return approval.ErrUpstream
	}
	return nil
}

func statusError(resp *http.Response) error {
	raw := httpkit.ReadErrorBody(resp.Body, 4096)
	var body struct {
		Error string `json:"error"`
	}
	msg := strings.TrimSpace(raw)
	if json.Unmarshal([]byte(raw), &body) == nil && body.Error != "" {
		msg = body.Error
	}
	return &StatusError{StatusCode: resp.StatusCode, Message: msg}
}

// Chat sends the conversation and reads the streamed reply. onPart, if
// non-nil, sees every part as it arrives.
func (c *Client) Chat(ctx context.Context, messages []proposal.Message, onPart func(stream.Part)) (*stream.Transcript, error) {
	resp, err := c.post(ctx, "/api/chat", map[string]any{"messages": messages})
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp)
	}
	defer httpkit.DrainAndClose(resp.Body, 1024)
	return stream.Collect(resp.Body, onPart)
}

// Approve submits a proposal for creation. It satisfies approval.SubmitFunc.
func (c *Client) Approve(ctx context.Context, p proposal.Proposal) (*calendar.Created, error) {
	resp, err := c.post(ctx, "/api/calendar/create", map[string]any{"event": p})
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp)
	}
	defer httpkit.DrainAndClose(resp.Body, 1024)

	var body struct {
		OK     bool              `json:"ok"`
		Result *calendar.Created `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode create response: %w", err)
	}
	if !body.OK || body.Result == nil {
		return nil, fmt.Errorf("%w: server reported failure", approval.ErrUpstream)
	}
	return body.Result, nil
}
