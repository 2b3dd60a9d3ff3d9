// Package api implements the calexplorer HTTP API.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/nugget/calexplorer/internal/agent"
	"github.com/nugget/calexplorer/internal/approval"
	"github.com/nugget/calexplorer/internal/audit"
	"github.com/nugget/calexplorer/internal/buildinfo"
	"github.com/nugget/calexplorer/internal/connwatch"
	"github.com/nugget/calexplorer/internal/identity"
	"github.com/nugget/calexplorer/internal/tools"
)

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response,
// which is not actionable but worth tracking for debugging.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// ErrorResponse is the body of every non-streamed failure.
type ErrorResponse struct {
	Error string `json:"error"`
}

// Server is the HTTP API server.
type Server struct {
	address  string
	port     int
	loop     *agent.Loop
	resolver identity.Resolver
	gateway  *approval.Gateway
	audit    *audit.Store
	watch    *connwatch.Manager
	limiter  *rate.Limiter
	logger   *slog.Logger
	server   *http.Server
	stats    *SessionStats
}

// SessionStats tracks activity since the process started.
type SessionStats struct {
	mu                sync.Mutex
	TotalInputTokens  int64
	TotalOutputTokens int64
	ChatRequests      int64
	Approvals         int64
	FailedApprovals   int64
	UpstreamOutages   int64
}

// RecordChat adds one finished chat request.
func (s *SessionStats) RecordChat(inputTokens, outputTokens int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.TotalInputTokens += int64(inputTokens)
	s.TotalOutputTokens += int64(outputTokens)
	s.ChatRequests++
}

// RecordApproval adds one gateway call.
func (s *SessionStats) RecordApproval(ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ok {
		s.Approvals++
	} else {
		s.FailedApprovals++
	}
}

// RecordUpstream counts a watched upstream going down.
func (s *SessionStats) RecordUpstream(st connwatch.Status) {
	if st.Ready {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.UpstreamOutages++
}

// SessionStatsSnapshot is a copy-safe snapshot of session stats.
type SessionStatsSnapshot struct {
	TotalInputTokens  int64 `json:"total_input_tokens"`
	TotalOutputTokens int64 `json:"total_output_tokens"`
	ChatRequests      int64 `json:"chat_requests"`
	Approvals         int64 `json:"approvals"`
	FailedApprovals   int64 `json:"failed_approvals"`
	UpstreamOutages   int64 `json:"upstream_outages"`
	// CalendarWrites counts audited writes per outcome over the last
	// day, across restarts. Absent without an audit store.
	CalendarWrites audit.Summary     `json:"calendar_writes_24h,omitempty"`
	Uptime         string            `json:"uptime"`
	Build          map[string]string `json:"build,omitempty"`
}

// Snapshot returns a copy of the counters.
func (s *SessionStats) Snapshot() SessionStatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SessionStatsSnapshot{
		TotalInputTokens:  s.TotalInputTokens,
		TotalOutputTokens: s.TotalOutputTokens,
		ChatRequests:      s.ChatRequests,
		Approvals:         s.Approvals,
		FailedApprovals:   s.FailedApprovals,
		UpstreamOutages:   s.UpstreamOutages,
		Uptime:            buildinfo.Uptime().Truncate(time.Second).String(),
	}
}

// NewServer creates a new API server.
func NewServer(address string, port int, loop *agent.Loop, resolver identity.Resolver, gateway *approval.Gateway, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address:  address,
		port:     port,
		loop:     loop,
		resolver: resolver,
		gateway:  gateway,
		logger:   logger.With("component", "api"),
		stats:    &SessionStats{},
	}
}

// SetRateLimit bounds the chat endpoint. A non-positive rate disables
// the limiter.
func (s *Server) SetRateLimit(perSec float64, burst int) {
	if perSec <= 0 {
		s.limiter = nil
		return
	}
	if burst < 1 {
		burst = 1
	}
	s.limiter = rate.NewLimiter(rate.Limit(perSec), burst)
}

// SetAuditStore enables the approval history endpoint.
func (s *Server) SetAuditStore(store *audit.Store) {
	s.audit = store
}

// SetConnWatch reports upstream reachability on /health.
func (s *Server) SetConnWatch(m *connwatch.Manager) {
	s.watch = m
}

// UpstreamChanged is a connwatch.OnChange callback feeding the
// outage counter in /v1/session/stats.
func (s *Server) UpstreamChanged(st connwatch.Status) {
	s.stats.RecordUpstream(st)
}

// Handler returns the routed handler with request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/chat", s.handleChat)
	mux.HandleFunc("POST /api/calendar/create", s.handleCalendarCreate)
	mux.HandleFunc("GET /api/calendar/history", s.handleCalendarHistory)

	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /v1/session/stats", s.handleSessionStats)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /{$}", s.handleRoot)

	return s.withLogging(mux)
}

// Start begins serving HTTP requests.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      5 * time.Minute, // Long for streaming responses
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{
		"name":    "calexplorer",
		"version": buildinfo.Version,
		"status":  "ok",
	}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.RuntimeInfo(), s.logger)
}

// HealthResponse is the body of GET /health. The endpoint answers 200
// while the process is serving; Status is "degraded" when a watched
// upstream is unreachable.
type HealthResponse struct {
	Status   string             `json:"status"`
	Services []connwatch.Status `json:"services,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: "healthy"}
	if s.watch != nil {
		resp.Services = s.watch.Status()
		if !s.watch.Healthy() {
			resp.Status = "degraded"
		}
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, resp, s.logger)
}

func (s *Server) handleSessionStats(w http.ResponseWriter, r *http.Request) {
	snap := s.stats.Snapshot()
	snap.Build = buildinfo.RuntimeInfo()
	if s.audit != nil {
		now := time.Now()
		sum, err := s.audit.Summarize(r.Context(), now.Add(-24*time.Hour), now)
		if err != nil {
			s.requestLog(r.Context()).Warn("audit summary failed", "error", err)
		}
		snap.CalendarWrites = sum
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, snap, s.logger)
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, ErrorResponse{Error: message}, s.logger)
}

// resolve returns the caller's identity and a request whose context
// carries it, or writes a 401 and returns false.
func (s *Server) resolve(w http.ResponseWriter, r *http.Request) (*http.Request, *identity.Identity, bool) {
	if s.resolver == nil {
		s.errorResponse(w, http.StatusUnauthorized, "Unauthenticated")
		return r, nil, false
	}
	id, ok := s.resolver.Resolve(r.Context(), r)
	if !ok || !id.HasCredential() {
		s.errorResponse(w, http.StatusUnauthorized, "Unauthenticated")
		return r, nil, false
	}
	return r.WithContext(identity.WithIdentity(r.Context(), id)), id, true
}

// requestLog tags s.logger with the request id and, once resolved, the
// caller's identity source and user id.
func (s *Server) requestLog(ctx context.Context) *slog.Logger {
	log := s.logger.With("request_id", tools.RequestIDFromContext(ctx))
	if id, ok := identity.FromContext(ctx); ok {
		log = log.With("identity_source", id.Source)
		if id.UserID != "" {
			log = log.With("user_id", id.UserID)
		}
	}
	return log
}
