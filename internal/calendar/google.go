package calendar

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	gcal "google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/nugget/calexplorer/internal/httpkit"
	"github.com/nugget/calexplorer/internal/proposal"
	"github.com/nugget/calexplorer/internal/tools"
)

// googleToolCallKey names the private extended property that links an
// event back to the tool call that created it.
const googleToolCallKey = "calexplorerToolCall"

// Google creates events through the Google Calendar API using the
// caller's OAuth access token.
type Google struct {
	calendarID string
	endpoint   string
	httpClient *http.Client
}

// NewGoogle targets calendarID ("primary" when empty). endpoint
// overrides the API base URL and is normally empty.
func NewGoogle(calendarID, endpoint string, timeout time.Duration) *Google {
	if calendarID == "" {
		calendarID = "primary"
	}
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &Google{
		calendarID: calendarID,
		endpoint:   endpoint,
		httpClient: httpkit.NewClient(httpkit.WithTimeout(timeout)),
	}
}

func (g *Google) Name() string { return "google" }

// Create inserts one event.
func (g *Google) Create(ctx context.Context, p proposal.Proposal, accessToken string) (*Created, error) {
	p = p.WithDefaults()
	start, end, _, err := ParseTimes(p)
	if err != nil {
		return nil, err
	}

	// oauth2 picks its base client up from the context.
	octx := context.WithValue(ctx, oauth2.HTTPClient, g.httpClient)
	client := oauth2.NewClient(octx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken, TokenType: "Bearer"}))

	opts := []option.ClientOption{option.WithHTTPClient(client)}
	if g.endpoint != "" {
		opts = append(opts, option.WithEndpoint(g.endpoint))
	}
	svc, err := gcal.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("google calendar client: %w", err)
	}

	const layout = "2006-01-02T15:04:05"
	ev := &gcal.Event{
		Summary:     p.Title,
		Description: p.Description,
		Location:    p.Location,
		Start:       &gcal.EventDateTime{DateTime: start.Format(layout), TimeZone: p.TimeZone},
		End:         &gcal.EventDateTime{DateTime: end.Format(layout), TimeZone: p.TimeZone},
	}
	if callID := tools.ToolCallIDFromContext(ctx); callID != "" {
		ev.ExtendedProperties = &gcal.EventExtendedProperties{
			Private: map[string]string{googleToolCallKey: callID},
		}
	}

	created, err := svc.Events.Insert(g.calendarID, ev).Context(ctx).Do()
	if err != nil {
		var gerr *googleapi.Error
		if errors.As(err, &gerr) && (gerr.Code == http.StatusUnauthorized || gerr.Code == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: %s", ErrCredentialRejected, gerr.Message)
		}
		return nil, fmt.Errorf("failed to create calendar event: %w", err)
	}
	return &Created{ID: created.Id, ReferenceLink: created.HtmlLink}, nil
}
