package pipeline

import (
	"context"
	"encoding/json"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rotisserie/eris"

	"github.com/wemdio/lead-scanner/internal/cost"
	"github.com/wemdio/lead-scanner/internal/model"
	"github.com/wemdio/lead-scanner/internal/resilience"
	"github.com/wemdio/lead-scanner/pkg/anthropic"
	"github.com/wemdio/lead-scanner/pkg/llm"
)

// Mode selects when positives are double-checked.
type Mode string

const (
	ModeAlways Mode = "always"
	ModeSmart  Mode = "smart"
	ModeOff    Mode = "off"
)

// VerifiedMarker prefixes reasoning that a verifier confirmed.
const VerifiedMarker = "✅ Double-checked"

// Smart-mode trigger names.
const (
	TriggerLowConfidence = "low_confidence"
	TriggerNoCriteria    = "no_matched_criteria"
	TriggerShortText     = "short_text"
	TriggerRiskPattern   = "risk_pattern"
)

// Policy decides which positive classifications go to the verifier.
type Policy struct {
	Mode Mode
	// Smart-mode thresholds.
	MinConfidence  int
	ShortTextChars int
	Risk           *Matcher
}

// Triggers returns why r should be verified, or nil when it should not.
// Always mode reports the mode itself as the trigger.
func (p Policy) Triggers(r model.ClassifyResult) []string {
	switch p.Mode {
	case ModeAlways:
		return []string{string(ModeAlways)}
	case ModeSmart:
	default:
		return nil
	}

	var out []string
	if r.Classification.Confidence < p.MinConfidence {
		out = append(out, TriggerLowConfidence)
	}
	if len(r.Classification.MatchedCriteria) == 0 {
		out = append(out, TriggerNoCriteria)
	}
	if utf8.RuneCountInString(strings.TrimSpace(r.Message.Text)) < p.ShortTextChars {
		out = append(out, TriggerShortText)
	}
	if p.Risk != nil {
		for _, fam := range p.Risk.Match(r.Message.Text) {
			out = append(out, TriggerRiskPattern+":"+fam)
		}
	}
	return out
}

// Verifier is the independent second opinion on a positive classification.
type Verifier interface {
	Verify(ctx context.Context, tenantID string, msg model.Message, cls model.Classification, criteria, credential string) (model.Verification, error)
}

// ApplyVerification overwrites the primary reasoning with the verifier's
// justification behind VerifiedMarker.
func ApplyVerification(cls model.Classification, v model.Verification) model.Classification {
	reason := strings.TrimSpace(v.Reasoning)
	if reason == "" {
		reason = cls.Reasoning
	}
	cls.Reasoning = VerifiedMarker + ": " + reason
	return cls
}

func parseVerification(content string) (model.Verification, error) {
	var raw struct {
		Verified  *bool  `json:"verified"`
		Reasoning string `json:"reasoning"`
		Reason    string `json:"reason"`
	}
	if err := json.Unmarshal([]byte(cleanJSON(content)), &raw); err != nil {
		return model.Verification{}, resilience.NewTransientError(eris.Wrap(err, "pipeline: parse verification"), 0)
	}
	if raw.Verified == nil {
		return model.Verification{}, resilience.NewTransientError(eris.New("pipeline: verification missing verified flag"), 0)
	}
	reason := raw.Reasoning
	if reason == "" {
		reason = raw.Reason
	}
	return model.Verification{Verified: *raw.Verified, Reasoning: strings.TrimSpace(reason)}, nil
}

// VerifierConfig holds double-check model parameters.
type VerifierConfig struct {
	Model     string
	MaxTokens int
	Seed      int
	Timeout   time.Duration
	Retry     resilience.RetryConfig
}

func (c VerifierConfig) withDefaults() VerifierConfig {
	if c.MaxTokens <= 0 {
		c.MaxTokens = 300
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.Retry.OnRetry == nil {
		c.Retry.OnRetry = resilience.RetryLogger("verifier", model.StageVerify)
	}
	return c
}

// LLMVerifier double-checks with the tenant's own credential through the
// OpenAI-compatible client.
type LLMVerifier struct {
	client llm.Client
	cfg    VerifierConfig
	costs  *cost.Tracker
}

// NewLLMVerifier creates a verifier using the tenant credential.
func NewLLMVerifier(client llm.Client, cfg VerifierConfig, costs *cost.Tracker) *LLMVerifier {
	if costs == nil {
		costs = cost.NewTracker(cost.NewCalculator(cost.DefaultRates()))
	}
	return &LLMVerifier{client: client, cfg: cfg.withDefaults(), costs: costs}
}

// Verify implements Verifier.
func (v *LLMVerifier) Verify(ctx context.Context, tenantID string, msg model.Message, cls model.Classification, criteria, credential string) (model.Verification, error) {
	seed := v.cfg.Seed
	req := llm.ChatRequest{
		Credential:  credential,
		Model:       v.cfg.Model,
		System:      verifySystemPrompt,
		User:        buildVerifyPrompt(msg, cls, criteria),
		Temperature: 0,
		Seed:        &seed,
		MaxTokens:   v.cfg.MaxTokens,
		JSON:        true,
	}

	res, err := resilience.DoVal(ctx, v.cfg.Retry, func(ctx context.Context) (model.Verification, error) {
		ctx, cancel := context.WithTimeout(ctx, v.cfg.Timeout)
		defer cancel()

		resp, err := v.client.Complete(ctx, req)
		if err != nil {
			return model.Verification{}, err
		}
		v.costs.Record(tenantID, model.StageVerify, req.Model, resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
		return parseVerification(resp.Content)
	})
	if err != nil {
		return model.Verification{}, &AIServiceError{Stage: model.StageVerify, Err: err}
	}
	return res, nil
}

// AnthropicVerifier double-checks with a process-level Anthropic key,
// independent of the tenant's provider. The tenant credential is ignored.
type AnthropicVerifier struct {
	client anthropic.Client
	cfg    VerifierConfig
	costs  *cost.Tracker
}

// NewAnthropicVerifier creates a verifier backed by the Messages API.
func NewAnthropicVerifier(client anthropic.Client, cfg VerifierConfig, costs *cost.Tracker) *AnthropicVerifier {
	if costs == nil {
		costs = cost.NewTracker(cost.NewCalculator(cost.DefaultRates()))
	}
	return &AnthropicVerifier{client: client, cfg: cfg.withDefaults(), costs: costs}
}

// Verify implements Verifier.
func (v *AnthropicVerifier) Verify(ctx context.Context, tenantID string, msg model.Message, cls model.Classification, criteria, _ string) (model.Verification, error) {
	req := anthropic.Request{
		Model:       v.cfg.Model,
		MaxTokens:   v.cfg.MaxTokens,
		System:      verifySystemPrompt,
		CacheSystem: true,
		Prompt:      buildVerifyPrompt(msg, cls, criteria),
	}

	res, err := resilience.DoVal(ctx, v.cfg.Retry, func(ctx context.Context) (model.Verification, error) {
		ctx, cancel := context.WithTimeout(ctx, v.cfg.Timeout)
		defer cancel()

		resp, err := v.client.Complete(ctx, req)
		if err != nil {
			return model.Verification{}, err
		}
		v.costs.Record(tenantID, model.StageVerify, req.Model, resp.Usage.Input, resp.Usage.Output)
		return parseVerification(resp.Text)
	})
	if err != nil {
		return model.Verification{}, &AIServiceError{Stage: model.StageVerify, Err: err}
	}
	return res, nil
}
