package pipeline

import (
	"context"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/wemdio/lead-scanner/internal/cost"
	"github.com/wemdio/lead-scanner/internal/model"
	"github.com/wemdio/lead-scanner/internal/resilience"
	"github.com/wemdio/lead-scanner/pkg/llm"
)

// DrafterConfig holds draft model parameters.
type DrafterConfig struct {
	Model       string
	Temperature float32
	MaxTokens   int
	Timeout     time.Duration
}

// Drafter writes optional first-contact drafts for confirmed leads.
type Drafter struct {
	client llm.Client
	cfg    DrafterConfig
	costs  *cost.Tracker
}

// NewDrafter creates a Drafter.
func NewDrafter(client llm.Client, cfg DrafterConfig, costs *cost.Tracker) *Drafter {
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 500
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if costs == nil {
		costs = cost.NewTracker(cost.NewCalculator(cost.DefaultRates()))
	}
	return &Drafter{client: client, cfg: cfg, costs: costs}
}

// Draft returns a cleaned draft, or "" when generation fails or yields
// nothing usable. It makes at most two attempts and never errors.
func (d *Drafter) Draft(ctx context.Context, tenantID string, msg model.Message, cls model.Classification, draftPrompt, credential string) string {
	if strings.TrimSpace(draftPrompt) == "" {
		return ""
	}
	req := llm.ChatRequest{
		Credential:  credential,
		Model:       d.cfg.Model,
		System:      buildDraftPrompt(msg, cls, draftPrompt),
		User:        msg.Text,
		Temperature: d.cfg.Temperature,
		MaxTokens:   d.cfg.MaxTokens,
	}

	retry := resilience.RetryConfig{
		MaxAttempts:    2,
		InitialBackoff: time.Second,
		MaxBackoff:     time.Second,
		OnRetry:        resilience.RetryLogger("llm", model.StageDraft),
	}
	text, err := resilience.DoVal(ctx, retry, func(ctx context.Context) (string, error) {
		ctx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
		defer cancel()

		resp, err := d.client.Complete(ctx, req)
		if err != nil {
			return "", err
		}
		d.costs.Record(tenantID, model.StageDraft, req.Model, resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
		return resp.Content, nil
	})
	if err != nil {
		zap.L().Warn("draft: generation failed, delivering without draft",
			zap.String("tenant", tenantID),
			zap.Int64("message_id", msg.ID),
			zap.Error(err),
		)
		return ""
	}
	return StripThinking(text)
}

var (
	thinkTagRe   = regexp.MustCompile(`(?is)<(think|thinking|reasoning)>.*?</(think|thinking|reasoning)>`)
	blankLinesRe = regexp.MustCompile(`\n{3,}`)

	thinkingPreambles = []string{
		"thinking:", "reasoning:", "analysis:", "thought process:", "let me think",
		"let me analyze", "first, i", "okay, so", "here is a draft", "here's a draft",
		"размышления:", "рассуждение:", "анализ:", "давайте подумаем", "сначала проанализирую",
		"вот вариант", "вот черновик",
	}
)

// StripThinking removes model reasoning from draft output: tagged blocks,
// paragraphs that open with a known preamble, and runs of blank lines.
func StripThinking(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = thinkTagRe.ReplaceAllString(text, "")

	paras := strings.Split(text, "\n\n")
	kept := paras[:0]
	for _, p := range paras {
		lp := strings.ToLower(strings.TrimSpace(p))
		if lp == "" || hasAnyPrefix(lp, thinkingPreambles) {
			continue
		}
		kept = append(kept, p)
	}

	out := strings.Join(kept, "\n\n")
	out = blankLinesRe.ReplaceAllString(out, "\n\n")
	out = strings.TrimSpace(out)
	return strings.Trim(out, `"«»`)
}

func hasAnyPrefix(s string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}
