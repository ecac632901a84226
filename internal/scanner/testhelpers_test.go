package scanner

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wemdio/lead-scanner/internal/config"
	"github.com/wemdio/lead-scanner/internal/model"
	"github.com/wemdio/lead-scanner/internal/pipeline"
)

const (
	tenantA = "7f9c2d1e-3b4a-4c5d-8e6f-0a1b2c3d4e5f"
	tenantB = "0d6a8b3c-1e2f-4a5b-9c8d-7e6f5a4b3c2d"
)

func testConfig() config.ScannerConfig {
	return config.ScannerConfig{
		PollIntervalSeconds: 3600,
		MessagesPerCycle:    1000,
		TenantWorkerBudget:  4,
		CursorPruneAbove:    100,
		CursorPruneKeep:     50,
	}
}

func tenant(id string) model.TenantConfig {
	return model.TenantConfig{
		ID:                   id,
		Active:               true,
		CriteriaPrompt:       "Find people asking for marketing help.",
		Credential:           "sk-or-" + id[:4],
		Channel:              "-100" + id[:4],
		MinPostingConfidence: 70,
	}
}

// source is an in-memory messages table and tenant registry.
type source struct {
	mu       sync.Mutex
	messages []model.Message
	tenants  map[string]model.TenantConfig

	listErr  error
	headErr  error
	fetchErr error
	fetches  atomic.Int32
}

func newSource() *source {
	return &source{tenants: make(map[string]model.TenantConfig)}
}

func (s *source) add(ids ...int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		s.messages = append(s.messages, model.Message{ID: id, Text: fmt.Sprintf("message %d", id), Time: time.Now()})
	}
	sort.Slice(s.messages, func(i, j int) bool { return s.messages[i].ID < s.messages[j].ID })
}

func (s *source) setTenant(t model.TenantConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tenants[t.ID] = t
}

func (s *source) MaxMessageID(context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.headErr != nil {
		return 0, s.headErr
	}
	if len(s.messages) == 0 {
		return 0, nil
	}
	return s.messages[len(s.messages)-1].ID, nil
}

func (s *source) FetchAfter(ctx context.Context, cursor int64, limit int) ([]model.Message, error) {
	s.fetches.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fetchErr != nil {
		return nil, s.fetchErr
	}
	var out []model.Message
	for _, m := range s.messages {
		if m.ID > cursor && len(out) < limit {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *source) ListActive(context.Context) ([]model.TenantConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, s.listErr
	}
	var out []model.TenantConfig
	for _, t := range s.tenants {
		if t.Active {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

type run struct {
	tenantID string
	ids      []int64
}

// recorder is a Processor that records every batch and delivery.
type recorder struct {
	mu        sync.Mutex
	runs      []run
	delivered []string
	runErr    map[string]error
	deliverErr error
	delay     time.Duration

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
}

func newRecorder() *recorder {
	return &recorder{runErr: make(map[string]error)}
}

func (r *recorder) Run(ctx context.Context, t model.TenantConfig, msgs []model.Message) (pipeline.Result, error) {
	n := r.inFlight.Add(1)
	defer r.inFlight.Add(-1)
	for {
		cur := r.maxInFlight.Load()
		if n <= cur || r.maxInFlight.CompareAndSwap(cur, n) {
			break
		}
	}
	if r.delay > 0 {
		select {
		case <-time.After(r.delay):
		case <-ctx.Done():
		}
	}

	ids := make([]int64, len(msgs))
	for i, m := range msgs {
		ids[i] = m.ID
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs = append(r.runs, run{tenantID: t.ID, ids: ids})
	return pipeline.Result{TenantID: t.ID, Received: len(msgs)}, r.runErr[t.ID]
}

func (r *recorder) Deliver(_ context.Context, _ model.TenantConfig, lead model.DetectedLead, _ model.Message, _ string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.deliverErr != nil {
		return r.deliverErr
	}
	r.delivered = append(r.delivered, lead.ID)
	return nil
}

func (r *recorder) runsFor(tenantID string) []run {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []run
	for _, x := range r.runs {
		if x.tenantID == tenantID {
			out = append(out, x)
		}
	}
	return out
}

func (r *recorder) totalRuns() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.runs)
}

// leadList is a LeadStore holding a fixed set of undelivered leads.
type leadList struct {
	mu    sync.Mutex
	leads []model.DetectedLead
}

func (l *leadList) InsertUnique(context.Context, model.DetectedLead) (model.InsertResult, error) {
	return model.InsertResult{}, errors.New("not supported")
}

func (l *leadList) SaveDraft(context.Context, string, string) error { return nil }

func (l *leadList) MarkDelivered(_ context.Context, id, deliveryID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range l.leads {
		if l.leads[i].ID == id {
			l.leads[i].Delivered = true
			l.leads[i].DeliveryID = deliveryID
		}
	}
	return nil
}

func (l *leadList) ListUndelivered(_ context.Context, tenantID string, limit int) ([]model.DetectedLead, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []model.DetectedLead
	for _, x := range l.leads {
		if x.TenantID == tenantID && !x.Delivered && len(out) < limit {
			out = append(out, x)
		}
	}
	return out, nil
}

func (l *leadList) CountUndelivered(context.Context) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, x := range l.leads {
		if !x.Delivered {
			n++
		}
	}
	return n, nil
}

// events is an Observer that counts callbacks.
type events struct {
	mu       sync.Mutex
	ticks    int
	tenants  []string
	cursors  map[string][]int64
	sweeps   []SweepResult
	failures int
	tickErrs []error
	errs     []error
}

func newEvents() *events { return &events{cursors: make(map[string][]int64)} }

func (e *events) TickCompleted(_ time.Duration, _ int, err error) {
	e.mu.Lock()
	e.ticks++
	if err != nil {
		e.tickErrs = append(e.tickErrs, err)
	}
	e.mu.Unlock()
}

func (e *events) TenantProcessed(id string, _ int, _ pipeline.Result, err error) {
	e.mu.Lock()
	e.tenants = append(e.tenants, id)
	if err != nil {
		e.failures++
		e.errs = append(e.errs, err)
	}
	e.mu.Unlock()
}

func (e *events) CursorAdvanced(id string, c int64) {
	e.mu.Lock()
	e.cursors[id] = append(e.cursors[id], c)
	e.mu.Unlock()
}

func (e *events) SweepCompleted(r SweepResult) {
	e.mu.Lock()
	e.sweeps = append(e.sweeps, r)
	e.mu.Unlock()
}
