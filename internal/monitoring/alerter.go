package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/wemdio/lead-scanner/internal/config"
	"github.com/wemdio/lead-scanner/internal/resilience"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertUndeliveredBacklog AlertType = "undelivered_backlog"
	AlertCostOverrun        AlertType = "cost_overrun"
	AlertCircuitOpen        AlertType = "delivery_circuit_open"
)

// Alert is the webhook body.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// rule inspects a snapshot and returns an alert, or nil when healthy.
type rule func(cfg config.MonitoringConfig, snap *MetricsSnapshot) *Alert

var rules = []rule{backlogRule, costRule, circuitRule}

func backlogRule(cfg config.MonitoringConfig, snap *MetricsSnapshot) *Alert {
	limit := cfg.BacklogThreshold
	if limit <= 0 || snap.UndeliveredBacklog <= limit {
		return nil
	}
	return &Alert{
		Type:     AlertUndeliveredBacklog,
		Severity: "high",
		Message:  fmt.Sprintf("%d leads waiting for delivery, threshold %d", snap.UndeliveredBacklog, limit),
		Details:  map[string]any{"backlog": snap.UndeliveredBacklog, "threshold": limit},
	}
}

func costRule(cfg config.MonitoringConfig, snap *MetricsSnapshot) *Alert {
	limit := cfg.CostThresholdUSD
	if limit <= 0 || snap.CostUSD <= limit {
		return nil
	}
	return &Alert{
		Type:     AlertCostOverrun,
		Severity: "high",
		Message:  fmt.Sprintf("AI spend $%.2f over the last %dh exceeds $%.2f", snap.CostUSD, snap.LookbackHours, limit),
		Details: map[string]any{
			"cost_usd":       snap.CostUSD,
			"threshold_usd":  limit,
			"total_cost_usd": snap.TotalCostUSD,
		},
	}
}

func circuitRule(cfg config.MonitoringConfig, snap *MetricsSnapshot) *Alert {
	limit := cfg.OpenCircuitThreshold
	if limit <= 0 || snap.OpenCircuits < limit {
		return nil
	}
	return &Alert{
		Type:     AlertCircuitOpen,
		Severity: "medium",
		Message:  fmt.Sprintf("%d delivery channel(s) have an open circuit", snap.OpenCircuits),
		Details:  map[string]any{"open_circuits": snap.OpenCircuits, "threshold": limit},
	}
}

// Alerter turns snapshots into alerts and posts them to a webhook.
type Alerter struct {
	cfg    config.MonitoringConfig
	client *http.Client
	retry  resilience.RetryConfig
}

// NewAlerter creates an Alerter. An empty WebhookURL disables sending.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	return &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
		retry: resilience.RetryConfig{
			MaxAttempts:    2,
			InitialBackoff: 500 * time.Millisecond,
			OnRetry:        resilience.RetryLogger("alert-webhook", "send"),
		},
	}
}

// Evaluate applies every threshold rule. A zero threshold disables its rule.
func (a *Alerter) Evaluate(snap *MetricsSnapshot) []Alert {
	now := time.Now().UTC()
	var alerts []Alert
	for _, r := range rules {
		if al := r(a.cfg, snap); al != nil {
			al.Timestamp = now
			alerts = append(alerts, *al)
		}
	}
	return alerts
}

// SendAlerts posts each alert, retrying transient failures once, and
// returns how many were accepted.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	if a.cfg.WebhookURL == "" {
		return 0
	}

	sent := 0
	for _, al := range alerts {
		log := zap.L().With(zap.String("type", string(al.Type)), zap.String("severity", al.Severity))
		if err := resilience.Do(ctx, a.retry, func(ctx context.Context) error { return a.post(ctx, al) }); err != nil {
			log.Error("monitoring: alert not sent", zap.Error(err))
			continue
		}
		log.Info("monitoring: alert sent")
		sent++
	}
	return sent
}

func (a *Alerter) post(ctx context.Context, al Alert) error {
	body, err := json.Marshal(al)
	if err != nil {
		return eris.Wrap(err, "monitoring: marshal alert")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return eris.Wrap(err, "monitoring: build alert request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return resilience.NewTransientError(eris.Wrap(err, "monitoring: post alert"), 0)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= http.StatusBadRequest {
		return resilience.FromHTTPStatus(eris.Errorf("monitoring: alert webhook status %d", resp.StatusCode), resp.StatusCode)
	}
	return nil
}
