package prompts

import (
	"fmt"

	"github.com/nugget/calexplorer/internal/proposal"
)

// approvalRequiredTemplate is appended to the system prompt when calendar
// writes need the user's explicit approval. The format verb is an example
// sentinel block.
const approvalRequiredTemplate = `

## Calendar entries
You cannot create calendar entries yourself. When the user wants something on their calendar, propose it and the user will approve it separately.

Propose exactly one event at a time, either by calling propose_calendar_event or by ending your reply with a block in exactly this form:

%s

The block must be valid JSON between the two marker lines. title, startDateTime and endDateTime are required; description, location and timeZone are optional. Never claim an event was added; say it is waiting for approval.`

// autoExecuteTemplate is appended when the model may write to the
// calendar directly.
const autoExecuteTemplate = `

## Calendar entries
When the user clearly asks for an event to be added, call create_calendar_event once per event. Report the link you get back. Never create an event the user did not ask for.`

// ApprovalRequiredInstructions returns the sentinel-marker instructions.
func ApprovalRequiredInstructions() string {
	example := proposal.FormatMarker(proposal.Proposal{
		Title:         "Stellar Drift (opening night)",
		Description:   "Sci-fi premiere at the Orpheum",
		StartDateTime: "2026-03-14T19:00:00",
		EndDateTime:   "2026-03-14T21:15:00",
		Location:      "Orpheum Theatre",
		TimeZone:      proposal.DefaultTimeZone,
	})
	return fmt.Sprintf(approvalRequiredTemplate, example)
}

// AutoExecuteInstructions returns the direct-write instructions.
func AutoExecuteInstructions() string {
	return autoExecuteTemplate
}
