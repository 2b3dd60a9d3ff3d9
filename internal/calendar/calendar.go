// Package calendar creates entries in the user's external calendar. It
// is the only package in the module with an externally visible side
// effect, and it is reached only through the create_calendar_event tool.
package calendar

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	_ "time/tzdata" // proposals name IANA zones; do not depend on the host database

	"github.com/nugget/calexplorer/internal/proposal"
)

// ErrCredentialRejected means the provider refused the access token.
var ErrCredentialRejected = errors.New("calendar provider rejected credential")

// Created identifies the entry the provider made.
type Created struct {
	ID            string `json:"id"`
	ReferenceLink string `json:"referenceLink"`
}

// Provider creates one calendar entry per call. Implementations must not
// retry on their own: a retried create is a duplicate entry.
type Provider interface {
	Name() string
	Create(ctx context.Context, p proposal.Proposal, accessToken string) (*Created, error)
}

var localLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
}

// ParseTimes resolves the proposal's start and end in its time zone.
// Values carrying an offset keep their instant and are shown in the zone.
// Errors wrap proposal.ErrMalformed.
func ParseTimes(p proposal.Proposal) (start, end time.Time, loc *time.Location, err error) {
	p = p.WithDefaults()
	loc, err = time.LoadLocation(p.TimeZone)
	if err != nil {
		return time.Time{}, time.Time{}, nil, fmt.Errorf("%w: unknown time zone %q", proposal.ErrMalformed, p.TimeZone)
	}
	if start, err = parseIn(p.StartDateTime, loc); err != nil {
		return time.Time{}, time.Time{}, nil, fmt.Errorf("%w: startDateTime: %v", proposal.ErrMalformed, err)
	}
	if end, err = parseIn(p.EndDateTime, loc); err != nil {
		return time.Time{}, time.Time{}, nil, fmt.Errorf("%w: endDateTime: %v", proposal.ErrMalformed, err)
	}
	if end.Before(start) {
		return time.Time{}, time.Time{}, nil, fmt.Errorf("%w: endDateTime before startDateTime", proposal.ErrMalformed)
	}
	return start, end, loc, nil
}

func parseIn(s string, loc *time.Location) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.In(loc), nil
	}
	for _, layout := range localLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date-time %q", s)
}
