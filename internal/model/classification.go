package model

// Classification is the structured AI output for one message.
type Classification struct {
	MessageID       int64    `json:"message_id,omitempty"`
	IsMatch         bool     `json:"is_match"`
	Confidence      int      `json:"confidence_score"`
	Reasoning       string   `json:"reasoning"`
	MatchedCriteria []string `json:"matched_criteria"`
}

// Decision is the exhaustive outcome of classifying one message.
type Decision string

const (
	// DecisionMatch passed the structural, threshold and grounding checks.
	DecisionMatch Decision = "match"
	// DecisionNoMatch covers model negatives and demoted positives.
	DecisionNoMatch Decision = "no_match"
	// DecisionMalformed means the provider never returned a usable response.
	DecisionMalformed Decision = "malformed"
)

// ClassifyResult pairs a message with its classification decision.
type ClassifyResult struct {
	Message        Message        `json:"message"`
	Decision       Decision       `json:"decision"`
	Classification Classification `json:"classification"`
	// Detail explains a demotion or parse failure; empty for plain outcomes.
	Detail string `json:"detail,omitempty"`
}

// IsMatch reports whether the result should proceed to lead creation.
func (r ClassifyResult) IsMatch() bool {
	return r.Decision == DecisionMatch
}

// Verification is the double-checker's verdict on a positive classification.
type Verification struct {
	Verified  bool   `json:"verified"`
	Reasoning string `json:"reasoning"`
}
