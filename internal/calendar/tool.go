package calendar

import (
	"context"
	"fmt"

	"github.com/nugget/calexplorer/internal/identity"
	"github.com/nugget/calexplorer/internal/proposal"
	"github.com/nugget/calexplorer/internal/tools"
)

const (
	// CreateToolName is the mutating tool.
	CreateToolName = "create_calendar_event"
	// ProposeToolName is the side-effect-free tool the model uses to put
	// a structured proposal in front of the user.
	ProposeToolName = "propose_calendar_event"
)

func eventSchema() map[string]any {
	str := func(desc string) map[string]any {
		return map[string]any{"type": "string", "description": desc}
	}
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"title":         str("The title of the calendar event."),
			"description":   str("Detailed description of the event."),
			"startDateTime": str("Start date and time in ISO 8601 format (e.g., 2026-03-14T19:00:00)."),
			"endDateTime":   str("End date and time in ISO 8601 format (e.g., 2026-03-14T21:00:00)."),
			"location":      str("Location of the event."),
			"timeZone":      str("IANA time zone for the event. Default: " + proposal.DefaultTimeZone + "."),
		},
		"required": []string{"title", "startDateTime", "endDateTime"},
	}
}

// NewCreateTool wraps a Provider as create_calendar_event. The registry
// refuses to run it without an access token; the handler checks again.
func NewCreateTool(p Provider) *tools.Tool {
	return &tools.Tool{
		Name:        CreateToolName,
		Description: "Create a new event in the user's calendar. Requires authentication and ISO 8601 date-times.",
		Parameters:  eventSchema(),
		Mutating:    true,
		Handler: func(ctx context.Context, args map[string]any, id *identity.Identity) (any, error) {
			if !id.HasCredential() {
				return nil, tools.ErrUnauthenticated
			}
			ev := proposal.FromArgs(args)
			if err := ev.Validate(); err != nil {
				return nil, err
			}
			return p.Create(ctx, ev, id.AccessToken)
		},
	}
}

// NewProposeTool returns propose_calendar_event, which validates and
// echoes a proposal without touching any calendar.
func NewProposeTool() *tools.Tool {
	return &tools.Tool{
		Name:        ProposeToolName,
		Description: "Propose a calendar event to the user. Nothing is created; the user must approve the proposal separately.",
		Parameters:  eventSchema(),
		Handler: func(_ context.Context, args map[string]any, _ *identity.Identity) (any, error) {
			ev := proposal.FromArgs(args)
			if err := ev.Validate(); err != nil {
				return nil, err
			}
			if _, _, _, err := ParseTimes(ev); err != nil {
				return nil, err
			}
			return map[string]any{"proposal": ev, "status": "awaiting approval"}, nil
		},
	}
}

// String is used in logs.
func (c *Created) String() string {
	if c == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%s (%s)", c.ID, c.ReferenceLink)
}
