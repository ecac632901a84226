package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wemdio/lead-scanner/internal/cost"
	"github.com/wemdio/lead-scanner/internal/delivery"
	"github.com/wemdio/lead-scanner/internal/model"
	"github.com/wemdio/lead-scanner/internal/resilience"
	"github.com/wemdio/lead-scanner/pkg/llm"
)

const (
	tenantID       = "7f9c2d1e-3b4a-4c5d-8e6f-0a1b2c3d4e5f"
	marketingHelp  = "Find people asking for marketing help."
	outreachText   = "Ищу агентство для холодного аутрича, бюджет 100к/мес"
	sellLeadsText  = "Продам базу лидов, недорого"
	vacancyText    = "Требуется менеджер по продажам в штат, ЗП 80к"
	outreachReason = "User explicitly asks for cold outreach agency with budget"
)

func fastRetry() resilience.RetryConfig {
	return resilience.RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
		Multiplier:     2,
		OnRetry:        func(int, error) {},
	}
}

func testTracker() *cost.Tracker {
	return cost.NewTracker(cost.NewCalculator(cost.DefaultRates()))
}

func testTenant() model.TenantConfig {
	return model.TenantConfig{
		ID:                   tenantID,
		Active:               true,
		CriteriaPrompt:       marketingHelp,
		Credential:           "sk-or-tenant",
		Channel:              "-1001234567890",
		MinPostingConfidence: 70,
	}
}

func message(id int64, text string) model.Message {
	return model.Message{
		ID:        id,
		Time:      time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
		ChatName:  "Founders chat",
		AuthorID:  42,
		Username:  "ivan",
		FirstName: "Ivan",
		Text:      text,
	}
}

func clsJSON(isMatch bool, conf int, reasoning string, criteria ...string) string {
	if criteria == nil {
		criteria = []string{}
	}
	b, _ := json.Marshal(map[string]any{
		"is_match":         isMatch,
		"confidence_score": conf,
		"reasoning":        reasoning,
		"matched_criteria": criteria,
	})
	return string(b)
}

func verifyJSON(ok bool, reasoning string) string {
	return fmt.Sprintf(`{"verified": %t, "reasoning": %q}`, ok, reasoning)
}

func reply(content string) *llm.ChatResponse {
	return &llm.ChatResponse{Content: content, Usage: llm.Usage{PromptTokens: 400, CompletionTokens: 60}}
}

// fakeLLM answers chat requests through handler and tracks concurrency.
type fakeLLM struct {
	handler func(req llm.ChatRequest) (*llm.ChatResponse, error)
	delay   time.Duration

	mu    sync.Mutex
	calls []llm.ChatRequest

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
}

func (f *fakeLLM) Complete(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		cur := f.maxInFlight.Load()
		if n <= cur || f.maxInFlight.CompareAndSwap(cur, n) {
			break
		}
	}

	f.mu.Lock()
	f.calls = append(f.calls, req)
	f.mu.Unlock()

	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return f.handler(req)
}

func (f *fakeLLM) callsFor(system string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c.System == system {
			n++
		}
	}
	return n
}

func (f *fakeLLM) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// memLeads is an in-memory LeadStore keyed on (tenant, message).
type memLeads struct {
	mu        sync.Mutex
	leads     map[string]*model.DetectedLead
	byKey     map[string]string
	seq       int
	insertErr error
	inserts   []int64
}

func newMemLeads() *memLeads {
	return &memLeads{leads: make(map[string]*model.DetectedLead), byKey: make(map[string]string)}
}

func (s *memLeads) InsertUnique(_ context.Context, lead model.DetectedLead) (model.InsertResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.insertErr != nil {
		return model.InsertResult{}, s.insertErr
	}
	s.inserts = append(s.inserts, lead.MessageID)
	key := fmt.Sprintf("%s/%d", lead.TenantID, lead.MessageID)
	if id, ok := s.byKey[key]; ok {
		return model.InsertResult{ID: id}, nil
	}
	s.seq++
	lead.ID = fmt.Sprintf("lead-%d", s.seq)
	s.byKey[key] = lead.ID
	s.leads[lead.ID] = &lead
	return model.InsertResult{ID: lead.ID, Inserted: true}, nil
}

func (s *memLeads) SaveDraft(_ context.Context, leadID, draft string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.leads[leadID]
	if !ok {
		return fmt.Errorf("lead not found: %s", leadID)
	}
	l.Draft = draft
	return nil
}

func (s *memLeads) MarkDelivered(_ context.Context, leadID, deliveryID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.leads[leadID]
	if !ok {
		return fmt.Errorf("lead not found: %s", leadID)
	}
	if !l.Delivered {
		l.Delivered = true
		l.DeliveryID = deliveryID
	}
	return nil
}

func (s *memLeads) ListUndelivered(_ context.Context, tenant string, _ int) ([]model.DetectedLead, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.DetectedLead
	for _, l := range s.leads {
		if l.TenantID == tenant && !l.Delivered {
			out = append(out, *l)
		}
	}
	return out, nil
}

func (s *memLeads) CountUndelivered(context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, l := range s.leads {
		if !l.Delivered {
			n++
		}
	}
	return n, nil
}

func (s *memLeads) all() []model.DetectedLead {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.DetectedLead, 0, len(s.leads))
	for _, l := range s.leads {
		out = append(out, *l)
	}
	return out
}

// fakePoster records deliveries.
type fakePoster struct {
	mu    sync.Mutex
	posts []delivery.Payload
	err   error
}

func (p *fakePoster) Post(_ context.Context, payload delivery.Payload, channel string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return "", p.err
	}
	p.posts = append(p.posts, payload)
	return fmt.Sprintf("%s:%d", channel, len(p.posts)), nil
}

func (p *fakePoster) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.posts)
}

type harness struct {
	llm    *fakeLLM
	leads  *memLeads
	poster *fakePoster
	costs  *cost.Tracker
	pipe   *Pipeline
}

func newHarness(t *testing.T, mode Mode, handler func(req llm.ChatRequest) (*llm.ChatResponse, error)) *harness {
	t.Helper()
	h := &harness{
		llm:    &fakeLLM{handler: handler},
		leads:  newMemLeads(),
		poster: &fakePoster{},
		costs:  testTracker(),
	}
	h.pipe = h.build(h.llm, mode, true)
	require.NotNil(t, h.pipe)
	return h
}

// newProviderHarness wires the pipeline to the real chat completion client
// pointed at baseURL.
func newProviderHarness(t *testing.T, baseURL string, useBatch bool) *harness {
	t.Helper()
	h := &harness{leads: newMemLeads(), poster: &fakePoster{}, costs: testTracker()}
	h.pipe = h.build(llm.NewClient(llm.WithBaseURL(baseURL)), ModeOff, useBatch)
	require.NotNil(t, h.pipe)
	return h
}

func (h *harness) build(client llm.Client, mode Mode, useBatch bool) *Pipeline {
	patterns := DefaultPatterns()
	classifier := NewClassifier(client, ClassifierConfig{
		Model:       "openai/gpt-4o-mini",
		Seed:        42,
		UseBatch:    useBatch,
		BatchSize:   5,
		Concurrency: 20,
		Retry:       fastRetry(),
		Validator:   Validator{Threshold: 60, MinOverlap: 0.3},
	}, h.costs)
	verifier := NewLLMVerifier(client, VerifierConfig{Model: "openai/gpt-4o", Retry: fastRetry()}, h.costs)
	drafter := NewDrafter(client, DrafterConfig{Model: "openai/gpt-4o-mini", Temperature: 0.7}, h.costs)
	policy := Policy{Mode: mode, MinConfidence: 90, ShortTextChars: 20, Risk: NewMatcher(patterns.Risk)}

	return New(NewPreFilter(10, patterns.Offer), classifier, policy, verifier, drafter, h.leads, h.poster, 20)
}
