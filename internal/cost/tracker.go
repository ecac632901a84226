package cost

import (
	"sort"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// microUSD stores dollar amounts as integer millionths so they can be
// accumulated atomically.
const microUSD = 1e6

type counters struct {
	calls        atomic.Int64
	inputTokens  atomic.Int64
	outputTokens atomic.Int64
	micros       atomic.Int64
}

func (c *counters) add(in, out int, usd float64) {
	c.calls.Add(1)
	c.inputTokens.Add(int64(in))
	c.outputTokens.Add(int64(out))
	c.micros.Add(int64(usd * microUSD))
}

func (c *counters) snapshot() Totals {
	return Totals{
		Calls:        c.calls.Load(),
		InputTokens:  c.inputTokens.Load(),
		OutputTokens: c.outputTokens.Load(),
		USD:          float64(c.micros.Load()) / microUSD,
	}
}

// Totals is a point-in-time view of accumulated usage.
type Totals struct {
	Calls        int64   `json:"calls"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	USD          float64 `json:"usd"`
}

// Snapshot breaks Totals down by stage and by tenant.
type Snapshot struct {
	Total    Totals            `json:"total"`
	ByStage  map[string]Totals `json:"by_stage"`
	ByTenant map[string]Totals `json:"by_tenant"`
}

// Observer receives every recorded call. Prometheus metrics hook in here.
type Observer func(tenantID, stage, model string, in, out int, usd float64)

// Tracker accumulates AI spend per stage and per tenant. It is safe for
// concurrent use.
type Tracker struct {
	calc *Calculator

	total    counters
	mu       sync.RWMutex
	byStage  map[string]*counters
	byTenant map[string]*counters
	observer Observer
}

// NewTracker creates a Tracker pricing calls with calc.
func NewTracker(calc *Calculator) *Tracker {
	return &Tracker{
		calc:     calc,
		byStage:  make(map[string]*counters),
		byTenant: make(map[string]*counters),
	}
}

// SetObserver installs fn to be called on every Record.
func (t *Tracker) SetObserver(fn Observer) {
	t.mu.Lock()
	t.observer = fn
	t.mu.Unlock()
}

// Record prices and accumulates one model call and logs a cost attribution
// line. It returns the estimated USD.
func (t *Tracker) Record(tenantID, stage, model string, in, out int) float64 {
	usd := t.calc.Tokens(model, in, out)

	t.total.add(in, out, usd)
	t.bucket(&t.byStage, stage).add(in, out, usd)
	t.bucket(&t.byTenant, tenantID).add(in, out, usd)

	t.mu.RLock()
	obs := t.observer
	t.mu.RUnlock()
	if obs != nil {
		obs(tenantID, stage, model, in, out, usd)
	}

	zap.L().Debug("cost attribution",
		zap.String("tenant", tenantID),
		zap.String("stage", stage),
		zap.String("model", model),
		zap.Int("input_tokens", in),
		zap.Int("output_tokens", out),
		zap.Float64("estimated_usd", usd),
	)
	return usd
}

func (t *Tracker) bucket(m *map[string]*counters, key string) *counters {
	t.mu.RLock()
	c, ok := (*m)[key]
	t.mu.RUnlock()
	if ok {
		return c
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if c, ok = (*m)[key]; ok {
		return c
	}
	c = &counters{}
	(*m)[key] = c
	return c
}

// TotalUSD returns the accumulated spend across all tenants.
func (t *Tracker) TotalUSD() float64 {
	return float64(t.total.micros.Load()) / microUSD
}

// TenantUSD returns the accumulated spend for one tenant.
func (t *Tracker) TenantUSD(tenantID string) float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if c, ok := t.byTenant[tenantID]; ok {
		return float64(c.micros.Load()) / microUSD
	}
	return 0
}

// Snapshot returns the current totals.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s := Snapshot{
		Total:    t.total.snapshot(),
		ByStage:  make(map[string]Totals, len(t.byStage)),
		ByTenant: make(map[string]Totals, len(t.byTenant)),
	}
	for k, c := range t.byStage {
		s.ByStage[k] = c.snapshot()
	}
	for k, c := range t.byTenant {
		s.ByTenant[k] = c.snapshot()
	}
	return s
}

// TopTenants returns up to n tenant ids ordered by descending spend.
func (s Snapshot) TopTenants(n int) []string {
	ids := make([]string, 0, len(s.ByTenant))
	for id := range s.ByTenant {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, b := s.ByTenant[ids[i]].USD, s.ByTenant[ids[j]].USD
		if a == b {
			return ids[i] < ids[j]
		}
		return a > b
	})
	if n >= 0 && len(ids) > n {
		ids = ids[:n]
	}
	return ids
}
