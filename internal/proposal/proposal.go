// Package proposal defines the candidate calendar action that the agent
// puts in front of the user, the sentinel text format used to carry it
// inline in streamed prose, and the pure extractor that recovers it from
// a finished assistant message.
//
// A Proposal is a value. Nothing in this package performs I/O or mutates
// a Proposal after construction; re-extracting yields a new value.
package proposal

import (
	"errors"
	"fmt"
	"strings"
)

// DefaultTimeZone is applied when a candidate does not name a zone.
const DefaultTimeZone = "America/New_York"

// ErrMalformed reports a candidate missing a required field.
var ErrMalformed = errors.New("malformed proposal")

// Proposal is a calendar entry awaiting explicit user approval.
type Proposal struct {
	Title         string `json:"title" yaml:"title"`
	Description   string `json:"description,omitempty" yaml:"description,omitempty"`
	StartDateTime string `json:"startDateTime" yaml:"startDateTime"`
	EndDateTime   string `json:"endDateTime" yaml:"endDateTime"`
	Location      string `json:"location,omitempty" yaml:"location,omitempty"`
	TimeZone      string `json:"timeZone,omitempty" yaml:"timeZone,omitempty"`
}

// Validate reports which required field is missing, if any.
func (p Proposal) Validate() error {
	var missing []string
	if strings.TrimSpace(p.Title) == "" {
		missing = append(missing, "title")
	}
	if strings.TrimSpace(p.StartDateTime) == "" {
		missing = append(missing, "startDateTime")
	}
	if strings.TrimSpace(p.EndDateTime) == "" {
		missing = append(missing, "endDateTime")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrMalformed, strings.Join(missing, ", "))
	}
	return nil
}

// Valid is shorthand for Validate() == nil.
func (p Proposal) Valid() bool { return p.Validate() == nil }

// WithDefaults returns a copy with the default time zone applied.
func (p Proposal) WithDefaults() Proposal {
	if strings.TrimSpace(p.TimeZone) == "" {
		p.TimeZone = DefaultTimeZone
	}
	return p
}

// Args renders the proposal as tool arguments for create_calendar_event.
func (p Proposal) Args() map[string]any {
	args := map[string]any{
		"title":         p.Title,
		"startDateTime": p.StartDateTime,
		"endDateTime":   p.EndDateTime,
		"timeZone":      p.TimeZone,
	}
	if p.Description != "" {
		args["description"] = p.Description
	}
	if p.Location != "" {
		args["location"] = p.Location
	}
	return args
}

// FromArgs builds a proposal from decoded tool arguments. Non-string
// values are ignored. The result is not validated.
func FromArgs(args map[string]any) Proposal {
	str := func(k string) string {
		s, _ := args[k].(string)
		return s
	}
	return Proposal{
		Title:         str("title"),
		Description:   str("description"),
		StartDateTime: str("startDateTime"),
		EndDateTime:   str("endDateTime"),
		Location:      str("location"),
		TimeZone:      str("timeZone"),
	}.WithDefaults()
}
