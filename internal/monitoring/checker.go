package monitoring

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/wemdio/lead-scanner/internal/config"
)

const defaultCheckInterval = 5 * time.Minute

// Checker periodically refreshes the health gauges and raises alerts.
type Checker struct {
	collector *Collector
	alerter   *Alerter
	metrics   *Metrics
	cfg       config.MonitoringConfig
	log       *zap.Logger
}

// NewChecker wires a checker. metrics may be nil.
func NewChecker(collector *Collector, alerter *Alerter, metrics *Metrics, cfg config.MonitoringConfig) *Checker {
	return &Checker{
		collector: collector,
		alerter:   alerter,
		metrics:   metrics,
		cfg:       cfg,
		log:       zap.L().Named("monitoring"),
	}
}

func (c *Checker) interval() time.Duration {
	if c.cfg.CheckIntervalSeconds <= 0 {
		return defaultCheckInterval
	}
	return time.Duration(c.cfg.CheckIntervalSeconds) * time.Second
}

// Run checks once immediately so the gauges are populated at startup, then
// on every interval until ctx is cancelled.
func (c *Checker) Run(ctx context.Context) {
	every := c.interval()
	c.log.Info("monitoring: checker started",
		zap.Duration("interval", every),
		zap.Int("lookback_hours", c.cfg.LookbackHours),
	)

	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		if ctx.Err() == nil {
			c.Check(ctx)
		}
		select {
		case <-ctx.Done():
			c.log.Info("monitoring: checker stopped")
			return
		case <-ticker.C:
		}
	}
}

// Check runs one collection. It returns the snapshot, or nil when
// collection failed.
func (c *Checker) Check(ctx context.Context) *MetricsSnapshot {
	snap, err := c.collector.Collect(ctx, c.cfg.LookbackHours)
	if err != nil {
		c.log.Error("monitoring: collect failed", zap.Error(err))
		return nil
	}
	if c.metrics != nil {
		c.metrics.SetHealth(snap)
	}

	if alerts := c.alerter.Evaluate(snap); len(alerts) > 0 {
		sent := c.alerter.SendAlerts(ctx, alerts)
		c.log.Warn("monitoring: thresholds exceeded",
			zap.Int("alerts", len(alerts)),
			zap.Int("sent", sent),
		)
	}
	return snap
}
