package proposal

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/gowebpki/jcs"
)

// Extract returns the first well-formed proposal in msg, together with
// the id of the approval record it belongs to.
//
// Tool invocations are searched first, in order; the record id is the
// invocation id. Otherwise sentinel blocks in the text are searched and
// the id is synthetic, derived from the message id and the canonical
// proposal so the same input always yields the same id.
//
// Extract is pure: equal inputs give equal outputs.
func Extract(msg Message) (Proposal, string, bool) {
	for _, inv := range msg.ToolInvocations {
		if inv.State != StateResult || !inv.Result.OK() || inv.Result.Proposal == nil {
			continue
		}
		p := inv.Result.Proposal.WithDefaults()
		if p.Valid() {
			return p, inv.ID, true
		}
	}

	for _, block := range markerBlocks(msg.Content) {
		if p, ok := ParseMarker(block); ok {
			return p, SyntheticID(msg.ID, p), true
		}
	}
	return Proposal{}, "", false
}

// SyntheticID derives the approval record id for a proposal that came
// from text rather than a tool call.
func SyntheticID(messageID string, p Proposal) string {
	raw, _ := json.Marshal(p)
	canon, err := jcs.Transform(raw)
	if err != nil {
		canon = raw
	}
	h := sha256.New()
	h.Write([]byte(messageID))
	h.Write([]byte{0})
	h.Write(canon)
	return "text-" + hex.EncodeToString(h.Sum(nil))[:16]
}
