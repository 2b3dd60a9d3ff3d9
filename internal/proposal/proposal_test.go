package proposal

import (
	"encoding/json"
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stellarDrift() Proposal {
	return Proposal{
		Title:         "Stellar Drift Screening",
		StartDateTime: "2026-05-03T19:00:00",
		EndDateTime:   "2026-05-03T21:00:00",
		TimeZone:      DefaultTimeZone,
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Proposal)
		missing string
	}{
		{"complete", func(*Proposal) {}, ""},
		{"no title", func(p *Proposal) { p.Title = "  " }, "title"},
		{"no start", func(p *Proposal) { p.StartDateTime = "" }, "startDateTime"},
		{"no end", func(p *Proposal) { p.EndDateTime = "" }, "endDateTime"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := stellarDrift()
			tt.mutate(&p)
			err := p.Validate()
			if tt.missing == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrMalformed))
			assert.Contains(t, err.Error(), tt.missing)
		})
	}
}

func TestFromArgs_DefaultsTimeZone(t *testing.T) {
	p := FromArgs(map[string]any{
		"title":         "Quantum Horizon",
		"startDateTime": "2026-06-16T18:30:00",
		"endDateTime":   "2026-06-16T20:30:00",
		"location":      42, // wrong type is ignored
	})
	assert.Equal(t, DefaultTimeZone, p.TimeZone)
	assert.Empty(t, p.Location)
	assert.Equal(t, p, FromArgs(p.Args()))
}

func TestParseMarker_Lenient(t *testing.T) {
	tests := []struct {
		name string
		body string
		want Proposal
		ok   bool
	}{
		{
			name: "json",
			body: `{"title":"Stellar Drift Screening","startDateTime":"2026-05-03T19:00:00","endDateTime":"2026-05-03T21:00:00"}`,
			want: stellarDrift(),
			ok:   true,
		},
		{
			name: "fenced json",
			body: "```json\n{\"title\":\"Stellar Drift Screening\",\"startDateTime\":\"2026-05-03T19:00:00\",\"endDateTime\":\"2026-05-03T21:00:00\"}\n```",
			want: stellarDrift(),
			ok:   true,
		},
		{
			name: "yaml key value lines",
			body: "title: Stellar Drift Screening\nstart_date_time: 2026-05-03T19:00:00\nend: 2026-05-03T21:00:00\ntime-zone: Europe/Berlin",
			want: Proposal{
				Title:         "Stellar Drift Screening",
				StartDateTime: "2026-05-03T19:00:00",
				EndDateTime:   "2026-05-03T21:00:00",
				TimeZone:      "Europe/Berlin",
			},
			ok: true,
		},
		{name: "missing end", body: `{"title":"x","startDateTime":"2026-05-03T19:00:00"}`},
		{name: "garbage", body: "{{{ not: [valid"},
		{name: "scalar", body: "just some words"},
		{name: "empty", body: "  \n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ParseMarker(tt.body)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestExtract_PrefersToolInvocation(t *testing.T) {
	fromTool := stellarDrift()
	fromTool.Title = "From Tool"
	msg := Message{
		ID:      "m1",
		Role:    RoleAssistant,
		Content: "Proposed:\n" + FormatMarker(stellarDrift()) + "\n",
		ToolInvocations: []ToolInvocation{
			{ID: "call_pending", ToolName: "create_calendar_event", State: StatePending},
			{ID: "call_err", ToolName: "create_calendar_event", State: StateResult,
				Result: &Envelope{Status: StatusError, Error: "boom", Proposal: &fromTool}},
			{ID: "call_ok", ToolName: "create_calendar_event", State: StateResult,
				Result: &Envelope{Status: StatusOK, Proposal: &fromTool}},
		},
	}

	p, id, ok := Extract(msg)
	require.True(t, ok)
	assert.Equal(t, "call_ok", id)
	assert.Equal(t, "From Tool", p.Title)
}

func TestExtract_SkipsMalformedToolCandidate(t *testing.T) {
	bad := Proposal{Title: "No times"}
	msg := Message{
		ID:      "m2",
		Content: "Here you go\n" + FormatMarker(stellarDrift()) + "\nEnjoy the film.",
		ToolInvocations: []ToolInvocation{
			{ID: "call_1", State: StateResult, Result: &Envelope{Status: StatusOK, Proposal: &bad}},
		},
	}
	p, id, ok := Extract(msg)
	require.True(t, ok)
	assert.Equal(t, stellarDrift(), p)
	assert.Equal(t, SyntheticID("m2", p), id)
}

func TestExtract_FirstWellFormedBlock(t *testing.T) {
	second := stellarDrift()
	second.Title = "Second"
	msg := Message{Content: "<<<PROPOSAL\n{\"title\":\"broken\"}\n>>>\n" + FormatMarker(second) + "\n" + FormatMarker(stellarDrift())}
	p, _, ok := Extract(msg)
	require.True(t, ok)
	assert.Equal(t, "Second", p.Title)
}

func TestExtract_RecoversAfterUnterminatedBlock(t *testing.T) {
	want := stellarDrift()
	msg := Message{ID: "msg-1", Content: "Draft:\n<<<PROPOSAL\n{\"title\": \"oops\"\nActually:\n" + FormatMarker(want) + "\nDone."}

	p, id, ok := Extract(msg)
	require.True(t, ok)
	assert.Equal(t, want, p)
	assert.Equal(t, SyntheticID("msg-1", want), id)
}

func TestExtract_LongLineBeforeBlock(t *testing.T) {
	long := strings.Repeat("x", 2<<20)
	p, _, ok := Extract(Message{Content: long + "\n" + FormatMarker(stellarDrift())})
	require.True(t, ok)
	assert.Equal(t, stellarDrift().Title, p.Title)
}

func TestExtract_Miss(t *testing.T) {
	tests := []Message{
		{},
		{Content: "No plans today."},
		{Content: "<<<PROPOSAL\n{\"title\":\"Unterminated\",\"startDateTime\":\"a\",\"endDateTime\":\"b\"}"},
		{Content: "<<<PROPOSAL\nnot json: [\n>>>"},
	}
	for _, msg := range tests {
		_, _, ok := Extract(msg)
		assert.False(t, ok, "content %q", msg.Content)
	}
}

func TestFormatMarker_HostileValues(t *testing.T) {
	p := stellarDrift()
	p.Description = "line one\n>>>\nline three"
	p.Location = "Hall <<<PROPOSAL 2"

	got, _, ok := Extract(Message{Content: "intro\n" + FormatMarker(p) + "\noutro"})
	require.True(t, ok)
	assert.Equal(t, p, got)
}

func TestSyntheticID_StableAndScoped(t *testing.T) {
	p := stellarDrift()
	assert.Equal(t, SyntheticID("m1", p), SyntheticID("m1", p))
	assert.NotEqual(t, SyntheticID("m1", p), SyntheticID("m2", p))
}

func TestEnvelope_ModelContent(t *testing.T) {
	p := stellarDrift()
	assert.Equal(t, "Error: quota", (&Envelope{Status: StatusError, Error: "quota"}).ModelContent())
	assert.Equal(t, `{"id":"x"}`, (&Envelope{Status: StatusOK, Output: json.RawMessage(`{"id":"x"}`)}).ModelContent())
	assert.Contains(t, (&Envelope{Status: StatusOK, Proposal: &p}).ModelContent(), "Stellar Drift Screening")
}

func genProposal() gopter.Gen {
	return gen.Struct(reflect.TypeOf(Proposal{}), map[string]gopter.Gen{
		"Title":         gen.Identifier(),
		"Description":   gen.AlphaString(),
		"StartDateTime": gen.Identifier(),
		"EndDateTime":   gen.Identifier(),
		"Location":      gen.AlphaString(),
		"TimeZone":      gen.OneConstOf("", "UTC", "Europe/Berlin", DefaultTimeZone),
	})
}

func TestMarkerRoundTrip_Property(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("extract(format(p)) == p", prop.ForAll(
		func(p Proposal) bool {
			p = p.WithDefaults()
			got, _, ok := Extract(Message{ID: "m", Content: "Sure.\n" + FormatMarker(p) + "\nDone."})
			return ok && got == p
		},
		genProposal(),
	))

	properties.Property("extract is deterministic", prop.ForAll(
		func(p Proposal) bool {
			msg := Message{ID: "m", Content: FormatMarker(p.WithDefaults())}
			a, idA, okA := Extract(msg)
			b, idB, okB := Extract(msg)
			return a == b && idA == idB && okA == okB
		},
		genProposal(),
	))

	properties.TestingRun(t)
}
