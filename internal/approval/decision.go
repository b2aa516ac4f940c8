// Package approval gates side-effecting agent actions behind a human
// reaction: a draft is posted, the author approves or rejects it with a
// reaction glyph, and the action runs at most once.
package approval

import "strings"

// Decision is the human verdict on a draft.
type Decision int

const (
	Approve Decision = iota + 1
	Reject
)

func (d Decision) String() string {
	if d == Approve {
		return "approve"
	}
	return "reject"
}

// Glyphs maps reaction glyphs to decisions.
type Glyphs struct {
	Approve string
	Reject  string
}

// DefaultGlyphs returns ✅ / ❌.
func DefaultGlyphs() Glyphs {
	return Glyphs{Approve: "✅", Reject: "❌"}
}

// Platforms report some reactions by short name instead of the glyph. The
// aliases only apply to the default glyph they name.
var (
	approveAliases = []string{"white_check_mark", "heavy_check_mark", "✔", ":white_check_mark:"}
	rejectAliases  = []string{"x", "cross_mark", "❎", ":x:"}
)

// Parse maps a reaction to a decision. Any other reaction yields false.
func (g Glyphs) Parse(reaction string) (Decision, bool) {
	r := normalize(reaction)
	if r == "" {
		return 0, false
	}
	def := DefaultGlyphs()
	switch {
	case r == normalize(g.Approve):
		return Approve, true
	case r == normalize(g.Reject):
		return Reject, true
	case normalize(g.Approve) == def.Approve && contains(approveAliases, r):
		return Approve, true
	case normalize(g.Reject) == def.Reject && contains(rejectAliases, r):
		return Reject, true
	}
	return 0, false
}

// normalize drops emoji variation selectors and surrounding space.
func normalize(s string) string {
	return strings.TrimSpace(strings.ReplaceAll(s, "\uFE0F", ""))
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
