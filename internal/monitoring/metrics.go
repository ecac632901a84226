package monitoring

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wemdio/lead-scanner/internal/pipeline"
	"github.com/wemdio/lead-scanner/internal/resilience"
	"github.com/wemdio/lead-scanner/internal/scanner"
)

const namespace = "leadscan"

// Metrics holds the scanner's Prometheus metrics on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	// Loop
	Ticks        *prometheus.CounterVec
	TickDuration prometheus.Histogram
	Cursor       *prometheus.GaugeVec

	// Pipeline
	Messages    *prometheus.CounterVec
	Leads       *prometheus.CounterVec
	Deliveries  *prometheus.CounterVec
	TenantFails *prometheus.CounterVec

	// Cost
	Tokens  *prometheus.CounterVec
	CostUSD *prometheus.CounterVec

	// Health
	Backlog      prometheus.Gauge
	OpenCircuits prometheus.Gauge
}

// NewMetrics registers every metric, plus the Go and process collectors, on
// a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		Ticks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ticks_total",
			Help:      "Scanner ticks by outcome: ok or the error kind.",
		}, []string{"result"}),
		TickDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tick_duration_seconds",
			Help:      "Wall time of one scanner tick.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}),
		Cursor: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tenant_cursor",
			Help:      "Last message id considered per tenant.",
		}, []string{"tenant"}),
		Messages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "Messages by pipeline outcome.",
		}, []string{"outcome"}),
		Leads: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "leads_total",
			Help:      "Candidate leads by outcome.",
		}, []string{"outcome"}),
		Deliveries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Delivery attempts by source and result.",
		}, []string{"source", "result"}),
		TenantFails: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tenant_batch_failures_total",
			Help:      "Tenant batches skipped because of an error, by error kind.",
		}, []string{"kind"}),
		Tokens: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ai_tokens_total",
			Help:      "AI tokens by stage, model and direction.",
		}, []string{"stage", "model", "direction"}),
		CostUSD: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ai_cost_usd_total",
			Help:      "Estimated AI spend in USD by stage.",
		}, []string{"stage"}),
		Backlog: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "undelivered_leads",
			Help:      "Leads stored but not yet delivered.",
		}),
		OpenCircuits: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "delivery_open_circuits",
			Help:      "Delivery channels with an open circuit.",
		}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// TickCompleted implements scanner.Observer.
func (m *Metrics) TickCompleted(d time.Duration, _ int, err error) {
	result := "ok"
	if err != nil {
		result = string(resilience.Kind(err))
	}
	m.Ticks.WithLabelValues(result).Inc()
	m.TickDuration.Observe(d.Seconds())
}

// TenantProcessed implements scanner.Observer.
func (m *Metrics) TenantProcessed(_ string, fetched int, res pipeline.Result, err error) {
	if err != nil {
		m.TenantFails.WithLabelValues(string(resilience.Kind(err))).Inc()
	}
	add := func(c *prometheus.CounterVec, label string, n int) {
		if n > 0 {
			c.WithLabelValues(label).Add(float64(n))
		}
	}
	add(m.Messages, "fetched", fetched)
	add(m.Messages, "prefiltered", res.Prefiltered)
	add(m.Messages, "classified", res.Classified)
	add(m.Messages, "ai_failure", res.AIFailures)

	add(m.Leads, "matched", res.Matches)
	add(m.Leads, "verified", res.Verified)
	add(m.Leads, "vetoed", res.Vetoed)
	add(m.Leads, "verify_failure", res.VerifyFailures)
	add(m.Leads, "inserted", res.Inserted)
	add(m.Leads, "duplicate", res.Duplicates)
	add(m.Leads, "store_error", res.StoreErrors)
	add(m.Leads, "drafted", res.Drafted)
	add(m.Leads, "below_threshold", res.BelowThreshold)

	if res.Delivered > 0 {
		m.Deliveries.WithLabelValues("scan", "delivered").Add(float64(res.Delivered))
	}
	if res.DeliveryFailures > 0 {
		m.Deliveries.WithLabelValues("scan", "failed").Add(float64(res.DeliveryFailures))
	}
}

// CursorAdvanced implements scanner.Observer.
func (m *Metrics) CursorAdvanced(tenantID string, cursor int64) {
	m.Cursor.WithLabelValues(tenantID).Set(float64(cursor))
}

// SweepCompleted implements scanner.Observer.
func (m *Metrics) SweepCompleted(res scanner.SweepResult) {
	if res.Delivered > 0 {
		m.Deliveries.WithLabelValues("sweep", "delivered").Add(float64(res.Delivered))
	}
	if res.Failed > 0 {
		m.Deliveries.WithLabelValues("sweep", "failed").Add(float64(res.Failed))
	}
}

// ObserveCost matches cost.Observer; wire it with Tracker.SetObserver.
func (m *Metrics) ObserveCost(_, stage, model string, in, out int, usd float64) {
	m.Tokens.WithLabelValues(stage, model, "input").Add(float64(in))
	m.Tokens.WithLabelValues(stage, model, "output").Add(float64(out))
	m.CostUSD.WithLabelValues(stage).Add(usd)
}

// SetHealth updates the gauges refreshed by the checker.
func (m *Metrics) SetHealth(snap *MetricsSnapshot) {
	m.Backlog.Set(float64(snap.UndeliveredBacklog))
	m.OpenCircuits.Set(float64(snap.OpenCircuits))
}

var _ scanner.Observer = (*Metrics)(nil)

