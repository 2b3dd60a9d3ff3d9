package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/nugget/calexplorer/internal/approval"
	"github.com/nugget/calexplorer/internal/calendar"
	"github.com/nugget/calexplorer/internal/proposal"
)

// CreateRequest is the body of POST /api/calendar/create.
type CreateRequest struct {
	Event *proposal.Proposal `json:"event"`
}

// CreateResponse is the success body of POST /api/calendar/create.
type CreateResponse struct {
	OK     bool              `json:"ok"`
	Result *calendar.Created `json:"result"`
}

// handleCalendarCreate executes one approved proposal.
func (s *Server) handleCalendarCreate(w http.ResponseWriter, r *http.Request) {
	r, id, ok := s.resolve(w, r)
	if !ok {
		return
	}

	var req CreateRequest
	if err := s.decodeBody(w, r, &req); err != nil || req.Event == nil {
		s.errorResponse(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	created, err := s.gateway.Approve(r.Context(), *req.Event, id)
	s.stats.RecordApproval(err == nil)
	if err != nil {
		code := http.StatusInternalServerError
		switch {
		case errors.Is(err, approval.ErrMalformed):
			code = http.StatusBadRequest
		case errors.Is(err, approval.ErrUnauthenticated):
			code = http.StatusUnauthorized
		}
		s.requestLog(r.Context()).Warn("calendar create failed",
			"status", code,
			"error", err,
		)
		s.errorResponse(w, code, err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, CreateResponse{OK: true, Result: created}, s.logger)
}

// handleCalendarHistory lists the caller's recent calendar writes.
func (s *Server) handleCalendarHistory(w http.ResponseWriter, r *http.Request) {
	r, id, ok := s.resolve(w, r)
	if !ok {
		return
	}
	if s.audit == nil {
		s.errorResponse(w, http.StatusNotFound, "audit log not enabled")
		return
	}
	if id.UserID == "" {
		s.errorResponse(w, http.StatusForbidden, "identity has no user id")
		return
	}

	entries, err := s.audit.Recent(r.Context(), id.UserID, parseIntParam(r, "limit", 20))
	if err != nil {
		s.requestLog(r.Context()).Error("audit query failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "audit query failed")
		return
	}

	type item struct {
		ID         string `json:"id"`
		Timestamp  string `json:"timestamp"`
		Title      string `json:"title"`
		Start      string `json:"start"`
		Outcome    string `json:"outcome"`
		ExternalID string `json:"externalId,omitempty"`
		Error      string `json:"error,omitempty"`
	}
	items := make([]item, 0, len(entries))
	for _, e := range entries {
		items = append(items, item{
			ID:         e.ID,
			Timestamp:  e.Timestamp.Format("2006-01-02T15:04:05Z07:00"),
			Title:      e.Title,
			Start:      e.Start,
			Outcome:    e.Outcome,
			ExternalID: e.ExternalID,
			Error:      e.Error,
		})
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"entries": items}, s.logger)
}

// parseIntParam returns a positive integer query parameter, or
// defaultVal.
func parseIntParam(r *http.Request, name string, defaultVal int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return defaultVal
	}
	return n
}
