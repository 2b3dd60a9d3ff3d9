package calendar

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/emersion/go-ical"
	"github.com/emersion/go-webdav/caldav"
	"github.com/google/uuid"

	"github.com/nugget/calexplorer/internal/httpkit"
	"github.com/nugget/calexplorer/internal/proposal"
	"github.com/nugget/calexplorer/internal/tools"
)

// CalDAV writes events into a CalDAV calendar collection, authenticating
// with the caller's access token as a bearer credential.
type CalDAV struct {
	collection *url.URL
	timeout    time.Duration
	now        func() time.Time
}

// NewCalDAV targets the collection URL, e.g.
// https://dav.example.com/calendars/alice/personal/.
func NewCalDAV(collectionURL string, timeout time.Duration) (*CalDAV, error) {
	u, err := url.Parse(collectionURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("caldav: invalid collection URL %q", collectionURL)
	}
	if !strings.HasSuffix(u.Path, "/") {
		u.Path += "/"
	}
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &CalDAV{collection: u, timeout: timeout, now: time.Now}, nil
}

func (c *CalDAV) Name() string { return "caldav" }

// Create PUTs a new VEVENT object into the collection.
func (c *CalDAV) Create(ctx context.Context, p proposal.Proposal, accessToken string) (*Created, error) {
	p = p.WithDefaults()
	start, end, _, err := ParseTimes(p)
	if err != nil {
		return nil, err
	}

	hc := httpkit.NewClient(httpkit.WithTimeout(c.timeout), httpkit.WithBearerToken(accessToken))
	client, err := caldav.NewClient(hc, c.collection.String())
	if err != nil {
		return nil, fmt.Errorf("caldav client: %w", err)
	}

	uid := uuid.NewString()
	cal := buildCalendar(uid, p, start, end, c.now())
	if callID := tools.ToolCallIDFromContext(ctx); callID != "" {
		cal.Children[0].Props.SetText(caldavToolCallProp, callID)
	}

	objPath := c.collection.Path + uid + ".ics"
	obj, err := client.PutCalendarObject(ctx, objPath, cal)
	if err != nil {
		return nil, fmt.Errorf("failed to create calendar event: %w", err)
	}

	ref := *c.collection
	ref.Path = objPath
	if obj != nil && obj.Path != "" {
		ref.Path = obj.Path
	}
	return &Created{ID: uid, ReferenceLink: ref.String()}, nil
}

// caldavToolCallProp links an event back to the tool call that created it.
const caldavToolCallProp = "X-CALEXPLORER-TOOL-CALL"

func buildCalendar(uid string, p proposal.Proposal, start, end, now time.Time) *ical.Calendar {
	event := ical.NewEvent()
	event.Props.SetText(ical.PropUID, uid)
	event.Props.SetDateTime(ical.PropDateTimeStamp, now.UTC())
	event.Props.SetText(ical.PropSummary, p.Title)
	event.Props.SetDateTime(ical.PropDateTimeStart, start)
	event.Props.SetDateTime(ical.PropDateTimeEnd, end)
	if p.Description != "" {
		event.Props.SetText(ical.PropDescription, p.Description)
	}
	if p.Location != "" {
		event.Props.SetText(ical.PropLocation, p.Location)
	}

	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, "-//calexplorer//EN")
	cal.Children = append(cal.Children, event.Component)
	return cal
}
