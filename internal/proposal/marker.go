package proposal

import (
	"encoding/json"
	"strings"

	"gopkg.in/yaml.v3"
)

// Sentinel lines delimiting an inline proposal block.
const (
	MarkerBegin = "<<<PROPOSAL"
	MarkerEnd   = ">>>"
)

// FormatMarker renders p as a sentinel block. The record is a single
// JSON line so no field value can ever produce a bare end marker.
func FormatMarker(p Proposal) string {
	var buf strings.Builder
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(p)
	return MarkerBegin + "\n" + strings.TrimSuffix(buf.String(), "\n") + "\n" + MarkerEnd
}

// markerBlocks returns the interior of every complete sentinel block in
// text, in order. A begin line met inside a block restarts it, so an
// unterminated block never hides a later complete one.
func markerBlocks(text string) []string {
	var (
		blocks []string
		cur    []string
		inside bool
	)
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimRight(line, "\r")
		switch trimmed := strings.TrimSpace(line); {
		case trimmed == MarkerBegin:
			inside = true
			cur = cur[:0]
		case inside && trimmed == MarkerEnd:
			blocks = append(blocks, strings.Join(cur, "\n"))
			inside = false
		case inside:
			cur = append(cur, line)
		}
	}
	return blocks
}

// ParseMarker leniently parses a block interior. JSON is tried first,
// then YAML (which also covers "key: value" lines). Keys are matched
// ignoring case, '_' and '-'. Code fences around the record are
// tolerated. A parse failure returns false, never an error.
func ParseMarker(body string) (Proposal, bool) {
	body = stripFences(body)
	if strings.TrimSpace(body) == "" {
		return Proposal{}, false
	}

	fields, ok := parseJSONFields(body)
	if !ok {
		fields, ok = parseYAMLFields(body)
	}
	if !ok {
		return Proposal{}, false
	}

	p := Proposal{
		Title:         fields["title"],
		Description:   fields["description"],
		StartDateTime: firstNonEmpty(fields["startdatetime"], fields["start"]),
		EndDateTime:   firstNonEmpty(fields["enddatetime"], fields["end"]),
		Location:      fields["location"],
		TimeZone:      firstNonEmpty(fields["timezone"], fields["tz"]),
	}.WithDefaults()
	if !p.Valid() {
		return Proposal{}, false
	}
	return p, true
}

func stripFences(body string) string {
	lines := strings.Split(body, "\n")
	out := lines[:0]
	for _, l := range lines {
		if strings.HasPrefix(strings.TrimSpace(l), "```") {
			continue
		}
		out = append(out, l)
	}
	return strings.Join(out, "\n")
}

func normalizeKey(k string) string {
	k = strings.ToLower(strings.TrimSpace(k))
	k = strings.ReplaceAll(k, "_", "")
	return strings.ReplaceAll(k, "-", "")
}

func parseJSONFields(body string) (map[string]string, bool) {
	var raw map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(body)), &raw); err != nil {
		return nil, false
	}
	fields := make(map[string]string, len(raw))
	for k, v := range raw {
		if s, ok := v.(string); ok {
			fields[normalizeKey(k)] = s
		}
	}
	return fields, true
}

// parseYAMLFields walks the node tree instead of decoding into
// interface{} so timestamps keep their exact source text.
func parseYAMLFields(body string) (map[string]string, bool) {
	var doc yaml.Node
	if err := yaml.Unmarshal([]byte(body), &doc); err != nil {
		return nil, false
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 {
		return nil, false
	}
	m := doc.Content[0]
	if m.Kind != yaml.MappingNode {
		return nil, false
	}
	fields := make(map[string]string, len(m.Content)/2)
	for i := 0; i+1 < len(m.Content); i += 2 {
		k, v := m.Content[i], m.Content[i+1]
		if v.Kind != yaml.ScalarNode {
			continue
		}
		fields[normalizeKey(k.Value)] = strings.TrimSpace(v.Value)
	}
	return fields, true
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
