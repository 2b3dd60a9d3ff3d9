package tools

import (
	"encoding/json"

	"github.com/nugget/calexplorer/internal/proposal"
)

// Adapt converts a handler's raw result into the canonical envelope.
// This is the only place result shapes are probed. A proposal is taken
// from the first of these that is well-formed: the top-level fields,
// a nested "proposal" object, a nested "output" object, or the first
// element of "outputs".
func Adapt(raw any, err error) proposal.Envelope {
	if err != nil {
		return proposal.Envelope{Status: proposal.StatusError, Error: err.Error()}
	}

	switch v := raw.(type) {
	case proposal.Envelope:
		return v
	case *proposal.Envelope:
		if v != nil {
			return *v
		}
		return proposal.Envelope{Status: proposal.StatusOK}
	case proposal.Proposal:
		p := v.WithDefaults()
		out, _ := json.Marshal(p)
		env := proposal.Envelope{Status: proposal.StatusOK, Output: out}
		if p.Valid() {
			env.Proposal = &p
		}
		return env
	}

	out, mErr := json.Marshal(raw)
	if mErr != nil {
		return proposal.Envelope{Status: proposal.StatusError, Error: "unencodable tool result: " + mErr.Error()}
	}
	env := proposal.Envelope{Status: proposal.StatusOK, Output: out}
	if raw == nil {
		env.Output = nil
		return env
	}

	var obj map[string]any
	if json.Unmarshal(out, &obj) != nil {
		return env
	}
	if p, ok := probeProposal(obj); ok {
		env.Proposal = &p
	}
	return env
}

func probeProposal(obj map[string]any) (proposal.Proposal, bool) {
	candidates := []map[string]any{obj}
	if m, ok := obj["proposal"].(map[string]any); ok {
		candidates = append(candidates, m)
	}
	if m, ok := obj["output"].(map[string]any); ok {
		candidates = append(candidates, m)
		if inner, ok := m["proposal"].(map[string]any); ok {
			candidates = append(candidates, inner)
		}
	}
	if list, ok := obj["outputs"].([]any); ok && len(list) > 0 {
		if m, ok := list[0].(map[string]any); ok {
			candidates = append(candidates, m)
		}
	}

	for _, c := range candidates {
		p := proposal.FromArgs(c)
		if p.Valid() {
			return p, true
		}
	}
	return proposal.Proposal{}, false
}
