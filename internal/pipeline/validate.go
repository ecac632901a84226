package pipeline

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/rotisserie/eris"

	"github.com/wemdio/lead-scanner/internal/model"
	"github.com/wemdio/lead-scanner/internal/resilience"
)

// DefaultDecisionThreshold is the minimum confidence for a lead.
const DefaultDecisionThreshold = 60

// rawClassification keeps each field raw so presence and type can be
// checked separately from decoding.
type rawClassification struct {
	MessageID       json.RawMessage `json:"message_id"`
	IsMatch         json.RawMessage `json:"is_match"`
	Confidence      json.RawMessage `json:"confidence_score"`
	Reasoning       json.RawMessage `json:"reasoning"`
	MatchedCriteria json.RawMessage `json:"matched_criteria"`
}

// cleanJSON extracts the JSON value from text that may carry markdown code
// fences or surrounding prose.
func cleanJSON(text string) string {
	text = strings.TrimSpace(text)

	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
		text = strings.TrimSpace(text)
	}

	openCh, closeCh := "{", "}"
	if obj := strings.Index(text, "{"); obj < 0 || (strings.Contains(text, "[") && strings.Index(text, "[") < obj) {
		openCh, closeCh = "[", "]"
	}
	start := strings.Index(text, openCh)
	end := strings.LastIndex(text, closeCh)
	if start >= 0 && end > start {
		text = text[start : end+1]
	}
	return strings.TrimSpace(text)
}

// parseClassification decodes one classification object. Unparseable JSON
// is transient (the provider may answer properly on retry); a well-formed
// object with missing or mistyped fields is a validation failure.
func parseClassification(content string) (model.Classification, error) {
	var raw rawClassification
	if err := json.Unmarshal([]byte(cleanJSON(content)), &raw); err != nil {
		return model.Classification{}, resilience.NewTransientError(eris.Wrap(err, "pipeline: parse classification"), 0)
	}
	return raw.decode()
}

// parseBatch decodes a batch response: either {"results": [...]} or a bare
// array. Items that fail structural checks are dropped and reported as
// missing by the caller.
func parseBatch(content string) ([]model.Classification, int, error) {
	cleaned := cleanJSON(content)

	var items []rawClassification
	if strings.HasPrefix(cleaned, "[") {
		if err := json.Unmarshal([]byte(cleaned), &items); err != nil {
			return nil, 0, resilience.NewTransientError(eris.Wrap(err, "pipeline: parse batch"), 0)
		}
	} else {
		var wrapper struct {
			Results []rawClassification `json:"results"`
		}
		if err := json.Unmarshal([]byte(cleaned), &wrapper); err != nil {
			return nil, 0, resilience.NewTransientError(eris.Wrap(err, "pipeline: parse batch"), 0)
		}
		if wrapper.Results == nil {
			return nil, 0, resilience.NewTransientError(eris.New("pipeline: batch response has no results"), 0)
		}
		items = wrapper.Results
	}

	out := make([]model.Classification, 0, len(items))
	invalid := 0
	for _, it := range items {
		cls, err := it.decode()
		if err != nil || cls.MessageID == 0 {
			invalid++
			continue
		}
		out = append(out, cls)
	}
	return out, invalid, nil
}

func (r rawClassification) decode() (model.Classification, error) {
	var cls model.Classification
	invalid := func(field string) error {
		return resilience.WithKind(resilience.KindValidation, eris.Errorf("pipeline: classification field %q missing or mistyped", field))
	}

	if len(r.IsMatch) == 0 || json.Unmarshal(r.IsMatch, &cls.IsMatch) != nil {
		return cls, invalid("is_match")
	}

	var conf float64
	if len(r.Confidence) == 0 || json.Unmarshal(r.Confidence, &conf) != nil {
		return cls, invalid("confidence_score")
	}
	cls.Confidence = clampConfidence(conf)

	if len(r.Reasoning) == 0 || json.Unmarshal(r.Reasoning, &cls.Reasoning) != nil {
		return cls, invalid("reasoning")
	}
	cls.Reasoning = strings.TrimSpace(cls.Reasoning)

	if len(r.MatchedCriteria) > 0 && string(r.MatchedCriteria) != "null" {
		if json.Unmarshal(r.MatchedCriteria, &cls.MatchedCriteria) != nil {
			return cls, invalid("matched_criteria")
		}
	}
	if cls.MatchedCriteria == nil {
		cls.MatchedCriteria = []string{}
	}

	if len(r.MessageID) > 0 {
		var id float64
		if json.Unmarshal(r.MessageID, &id) == nil {
			cls.MessageID = int64(id)
		} else {
			var s string
			if json.Unmarshal(r.MessageID, &s) == nil {
				cls.MessageID, _ = strconv.ParseInt(strings.TrimSpace(s), 10, 64)
			}
		}
	}
	return cls, nil
}

func clampConfidence(v float64) int {
	if math.IsNaN(v) {
		return 0
	}
	return int(math.Round(math.Max(0, math.Min(100, v))))
}

// Validator applies the decision gate and the grounding check to parsed
// classifications.
type Validator struct {
	Threshold  int
	MinOverlap float64
}

// Decide turns a parsed classification into a total decision. Failed checks
// demote to no-match; they never error.
func (v Validator) Decide(msg model.Message, cls model.Classification) model.ClassifyResult {
	res := model.ClassifyResult{Message: msg, Decision: model.DecisionNoMatch, Classification: cls}
	res.Classification.MessageID = msg.ID

	switch {
	case !cls.IsMatch:
	case cls.Confidence < v.Threshold:
		res.Detail = "below decision threshold"
	default:
		g := Ground(cls.Reasoning, msg, v.MinOverlap)
		if !g.Passed {
			res.Detail = "reasoning not grounded in message: " + g.Reason
			break
		}
		res.Decision = model.DecisionMatch
	}
	return res
}

// Grounding is the outcome of the anti-hallucination check.
type Grounding struct {
	Score  float64
	Passed bool
	Reason string
}

const (
	groundingWindow   = 10
	stemRunes         = 5
	minSignificant    = 4
	minQuoteRunes     = 12
	defaultMinOverlap = 0.3
)

var stopWords = map[string]bool{
	"this": true, "that": true, "with": true, "from": true, "have": true, "what": true,
	"which": true, "where": true, "when": true, "will": true, "would": true, "there": true,
	"their": true, "about": true, "your": true, "they": true, "just": true, "here": true,
	"если": true, "чтобы": true, "когда": true, "который": true, "которые": true,
	"очень": true, "можно": true, "нужно": true, "только": true, "этот": true, "этого": true,
	"всех": true, "всем": true, "есть": true, "тоже": true, "также": true, "было": true,
}

// Ground checks that reasoning refers to the actual message: either it
// quotes a stretch of the body or bio verbatim, or enough of the message's
// significant words (compared by their first letters to absorb inflection)
// reappear in it. Reasoning written in a different script from the message
// cannot be compared word by word and passes with a zero score.
func Ground(reasoning string, msg model.Message, minOverlap float64) Grounding {
	if minOverlap <= 0 {
		minOverlap = defaultMinOverlap
	}
	reasoning = strings.TrimSpace(reasoning)
	if reasoning == "" {
		return Grounding{Reason: "empty reasoning"}
	}

	source := strings.TrimSpace(msg.Text + "\n" + msg.Bio)
	if hasQuote(reasoning, source) {
		return Grounding{Score: 1, Passed: true, Reason: "verbatim quote"}
	}

	words := significantWords(source)
	if len(words) == 0 {
		return Grounding{Passed: true, Reason: "no significant words in message"}
	}
	if dominantScript(reasoning) != dominantScript(source) {
		return Grounding{Passed: true, Reason: "reasoning in another script"}
	}

	stems := make(map[string]bool)
	for _, w := range significantWords(reasoning) {
		stems[stem(w)] = true
	}

	hits := 0
	for _, w := range words {
		if stems[stem(w)] {
			hits++
		}
	}
	window := min(len(words), groundingWindow)
	score := math.Min(1, float64(hits)/float64(window))
	if score < minOverlap {
		return Grounding{Score: score, Reason: "too few message words in reasoning"}
	}
	return Grounding{Score: score, Passed: true, Reason: "word overlap"}
}

// significantWords returns unique lowercase words of minSignificant or more
// runes, excluding stop words, in order of appearance.
func significantWords(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	seen := make(map[string]bool)
	var out []string
	for _, w := range fields {
		w = strings.ReplaceAll(w, "ё", "е")
		if utf8.RuneCountInString(w) < minSignificant || stopWords[w] || seen[w] {
			continue
		}
		seen[w] = true
		out = append(out, w)
	}
	return out
}

func stem(w string) string {
	r := []rune(w)
	if len(r) > stemRunes {
		return string(r[:stemRunes])
	}
	return w
}

func hasQuote(reasoning, source string) bool {
	lowerSrc := strings.ToLower(source)
	for _, q := range quotedSpans(reasoning) {
		if utf8.RuneCountInString(q) >= minQuoteRunes && strings.Contains(lowerSrc, strings.ToLower(q)) {
			return true
		}
	}
	return false
}

// quotedSpans returns text between matching quote characters.
func quotedSpans(s string) []string {
	pairs := map[rune]rune{'"': '"', '«': '»', '“': '”', '\'': '\''}
	var spans []string
	runes := []rune(s)
	for i := 0; i < len(runes); i++ {
		closeR, ok := pairs[runes[i]]
		if !ok {
			continue
		}
		for j := i + 1; j < len(runes); j++ {
			if runes[j] == closeR {
				spans = append(spans, strings.TrimSpace(string(runes[i+1:j])))
				i = j
				break
			}
		}
	}
	return spans
}

type script int

const (
	scriptOther script = iota
	scriptLatin
	scriptCyrillic
)

func dominantScript(s string) script {
	var latin, cyr int
	for _, r := range s {
		switch {
		case unicode.Is(unicode.Cyrillic, r):
			cyr++
		case unicode.Is(unicode.Latin, r):
			latin++
		}
	}
	switch {
	case cyr == 0 && latin == 0:
		return scriptOther
	case cyr >= latin:
		return scriptCyrillic
	default:
		return scriptLatin
	}
}
