// Package httpkit builds the *http.Client behind every outbound call
// calexplorer makes: model providers, search backends, the movie
// database, calendar servers and session introspection. All of them get
// the same dial and TLS limits, a calexplorer User-Agent and a bounded
// idle pool.
//
// Clients built here never retry. A calendar insert that times out may
// still have landed, so retrying is left to the caller.
package httpkit

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/nugget/calexplorer/internal/buildinfo"
)

const (
	defaultTimeout       = 30 * time.Second
	defaultHeaderTimeout = 15 * time.Second
	dialTimeout          = 10 * time.Second
	tlsTimeout           = 10 * time.Second
	idleTimeout          = 90 * time.Second
	maxIdle              = 20
	maxIdlePerHost       = 5
)

// ClientOption configures NewClient.
type ClientOption func(*options)

type options struct {
	timeout       time.Duration
	headerTimeout time.Duration
	userAgent     string
	bearer        string
}

// WithTimeout bounds the whole exchange including the body. Zero
// disables it, which streaming callers need; they bound the call with
// their context instead.
func WithTimeout(d time.Duration) ClientOption {
	return func(o *options) { o.timeout = d }
}

// WithHeaderTimeout bounds the wait for response headers. Model
// providers can think for a long while before the first byte.
func WithHeaderTimeout(d time.Duration) ClientOption {
	return func(o *options) { o.headerTimeout = d }
}

// WithUserAgent replaces the calexplorer User-Agent.
func WithUserAgent(ua string) ClientOption {
	return func(o *options) { o.userAgent = ua }
}

// WithBearerToken adds "Authorization: Bearer <token>" to requests that
// carry no Authorization header of their own.
func WithBearerToken(token string) ClientOption {
	return func(o *options) { o.bearer = token }
}

// NewClient returns a client with its own transport.
func NewClient(opts ...ClientOption) *http.Client {
	o := options{
		timeout:       defaultTimeout,
		headerTimeout: defaultHeaderTimeout,
		userAgent:     buildinfo.UserAgent(),
	}
	for _, fn := range opts {
		fn(&o)
	}

	dialer := &net.Dialer{Timeout: dialTimeout, KeepAlive: 30 * time.Second}
	var rt http.RoundTripper = &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		TLSHandshakeTimeout:   tlsTimeout,
		ResponseHeaderTimeout: o.headerTimeout,
		IdleConnTimeout:       idleTimeout,
		MaxIdleConns:          maxIdle,
		MaxIdleConnsPerHost:   maxIdlePerHost,
		ForceAttemptHTTP2:     true,
	}
	rt = setHeader{next: rt, key: "User-Agent", value: o.userAgent}
	if o.bearer != "" {
		rt = setHeader{next: rt, key: "Authorization", value: "Bearer " + o.bearer}
	}
	return &http.Client{Timeout: o.timeout, Transport: rt}
}

// setHeader fills in one header the caller left empty.
type setHeader struct {
	next       http.RoundTripper
	key, value string
}

func (h setHeader) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get(h.key) != "" {
		return h.next.RoundTrip(req)
	}
	// RoundTrippers must not modify the caller's request.
	r := req.Clone(req.Context())
	r.Header.Set(h.key, h.value)
	return h.next.RoundTrip(r)
}

// DrainAndClose discards up to limit bytes of rc and closes it so the
// connection can go back to the pool.
func DrainAndClose(rc io.ReadCloser, limit int64) {
	if rc == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(rc, limit))
	_ = rc.Close()
}

// ReadErrorBody returns up to limit bytes of an error response for use
// in an error message, then drains and closes rc.
func ReadErrorBody(rc io.ReadCloser, limit int64) string {
	if rc == nil {
		return ""
	}
	defer DrainAndClose(rc, 1024)
	b, err := io.ReadAll(io.LimitReader(rc, limit))
	if err != nil {
		return fmt.Sprintf("(failed to read error body: %v)", err)
	}
	return string(b)
}
