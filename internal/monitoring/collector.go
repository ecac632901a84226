package monitoring

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
)

// MetricsSnapshot holds a point-in-time view of scanner health.
type MetricsSnapshot struct {
	// Leads stored but not yet delivered, across all tenants.
	UndeliveredBacklog int `json:"undelivered_backlog"`

	// AI spend within the lookback window and since process start.
	CostUSD      float64 `json:"cost_usd"`
	TotalCostUSD float64 `json:"total_cost_usd"`

	// Delivery channels whose circuit is open.
	OpenCircuits int `json:"open_circuits"`

	// Metadata.
	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// BacklogCounter reports the undelivered lead count.
type BacklogCounter interface {
	CountUndelivered(ctx context.Context) (int, error)
}

// CostSource reports cumulative AI spend.
type CostSource interface {
	TotalUSD() float64
}

// CircuitSource reports how many delivery circuits are open.
type CircuitSource interface {
	OpenCount() int
}

type costSample struct {
	at    time.Time
	total float64
}

// Collector gathers metrics from the lead store, the cost tracker and the
// delivery breakers. Spend in the lookback window is derived from samples
// of the cumulative total taken on every Collect.
type Collector struct {
	backlog  BacklogCounter
	costs    CostSource
	circuits CircuitSource
	now      func() time.Time

	mu      sync.Mutex
	samples []costSample
}

// NewCollector creates a new metrics collector. costs and circuits may be
// nil.
func NewCollector(backlog BacklogCounter, costs CostSource, circuits CircuitSource) *Collector {
	c := &Collector{backlog: backlog, costs: costs, circuits: circuits, now: time.Now}
	c.samples = []costSample{{at: c.now().UTC()}}
	return c
}

// Collect gathers a snapshot of system metrics over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	now := c.now().UTC()
	snap := &MetricsSnapshot{
		LookbackHours: lookbackHours,
		CollectedAt:   now,
	}

	backlog, err := c.backlog.CountUndelivered(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: count undelivered")
	}
	snap.UndeliveredBacklog = backlog

	if c.costs != nil {
		snap.TotalCostUSD = c.costs.TotalUSD()
		snap.CostUSD = c.windowCost(now, snap.TotalCostUSD, time.Duration(lookbackHours)*time.Hour)
	}

	if c.circuits != nil {
		snap.OpenCircuits = c.circuits.OpenCount()
	}
	return snap, nil
}

// windowCost records the current total and returns the spend since the
// newest sample at or before the window start.
func (c *Collector) windowCost(now time.Time, total float64, window time.Duration) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.samples = append(c.samples, costSample{at: now, total: total})
	cutoff := now.Add(-window)
	for len(c.samples) > 1 && !c.samples[1].at.After(cutoff) {
		c.samples = c.samples[1:]
	}
	return max(0, total-c.samples[0].total)
}
