package pipeline

import (
	"strings"
	"unicode/utf8"

	"github.com/wemdio/lead-scanner/internal/model"
)

// DefaultMinTextLength is the shortest body, in characters, worth a paid
// classification call.
const DefaultMinTextLength = 10

// Rejection records why the pre-filter dropped a message.
type Rejection struct {
	Message model.Message
	Reason  string
}

// PreFilter is the deterministic screen applied before any AI call. It only
// ever rejects; a message it passes still needs a positive classification.
type PreFilter struct {
	minLen int
	offer  *Matcher
}

// NewPreFilter creates a pre-filter over the given offer families.
func NewPreFilter(minLen int, offer []Family) *PreFilter {
	if minLen <= 0 {
		minLen = DefaultMinTextLength
	}
	return &PreFilter{minLen: minLen, offer: NewMatcher(offer)}
}

// Filter splits msgs into passed and rejected, preserving input order.
func (f *PreFilter) Filter(msgs []model.Message, criteria string) ([]model.Message, []Rejection) {
	disabled := f.offer.DisabledBy(criteria)

	passed := make([]model.Message, 0, len(msgs))
	var rejected []Rejection
	for _, m := range msgs {
		if reason := f.check(m, disabled); reason != "" {
			rejected = append(rejected, Rejection{Message: m, Reason: reason})
			continue
		}
		passed = append(passed, m)
	}
	return passed, rejected
}

func (f *PreFilter) check(m model.Message, disabled map[string]bool) string {
	text := strings.TrimSpace(m.Text)
	if text == "" {
		return "empty"
	}
	if utf8.RuneCountInString(text) < f.minLen {
		return "too_short"
	}
	if fams := f.offer.MatchExcept(text, disabled); len(fams) > 0 {
		return "offer:" + fams[0]
	}
	return ""
}
