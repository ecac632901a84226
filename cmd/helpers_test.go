package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/wemdio/lead-scanner/internal/config"
)

// testConfig mirrors the loaded defaults with a SQLite store under t.TempDir
// and the AI endpoint pointed at baseURL.
func testConfig(t *testing.T, baseURL string) *config.Config {
	t.Helper()
	return &config.Config{
		Store: config.StoreConfig{Driver: "sqlite", DatabaseURL: filepath.Join(t.TempDir(), "leads.db")},
		Log:   config.LogConfig{Level: "info", Format: "json"},
		Server: config.ServerConfig{Port: 8080},
		Scanner: config.ScannerConfig{
			PollIntervalSeconds: 5,
			MessagesPerCycle:    1000,
			TenantWorkerBudget:  4,
			CursorPruneAbove:    100,
			CursorPruneKeep:     50,
		},
		Classifier: config.ClassifierConfig{
			PrimaryModel:                "openai/gpt-4o-mini",
			AIConcurrency:               4,
			UseBatchAPI:                 true,
			BatchSize:                   5,
			ConfidenceDecisionThreshold: 60,
			MaxTokens:                   500,
			Seed:                        42,
			HTTPTimeoutMs:               5000,
			RetryMaxAttempts:            1,
			RetryInitialBackoffMs:       1,
			RetryMaxBackoffMs:           2,
			RetryMultiplier:             2,
			MinSignificantWordOverlap:   0.3,
		},
		DoubleCheck: config.DoubleCheckConfig{
			Mode:           config.DoubleCheckOff,
			Provider:       "llm",
			Model:          "openai/gpt-4o",
			MinConfidence:  90,
			ShortTextChars: 20,
			MaxTokens:      300,
		},
		Draft:      config.DraftConfig{Model: "openai/gpt-4o-mini", Temperature: 0.7, MaxTokens: 500},
		Delivery:   config.DeliveryConfig{TimeoutMs: 2000, RatePerSecond: 25, Burst: 5, BreakerThreshold: 5, BreakerResetSeconds: 60, WebhookAllowPrivate: true},
		OpenRouter: config.OpenRouterConfig{BaseURL: baseURL, Title: "lead-scanner"},
		Monitoring: config.MonitoringConfig{LookbackHours: 24},
		Prefilter:  config.PrefilterConfig{MinTextLength: 10},
	}
}

// fakeAI is an OpenAI-compatible endpoint that answers every chat
// completion with content.
func fakeAI(t *testing.T, content string) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{ //nolint:errcheck
			"id":      "gen-1",
			"object":  "chat.completion",
			"model":   "openai/gpt-4o-mini",
			"choices": []map[string]any{{"index": 0, "message": map[string]any{"role": "assistant", "content": content}, "finish_reason": "stop"}},
			"usage":   map[string]any{"prompt_tokens": 300, "completion_tokens": 60, "total_tokens": 360},
		})
	}))
	t.Cleanup(ts.Close)
	return ts, &calls
}

// fakeWebhook accepts every delivery.
func fakeWebhook(t *testing.T) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.Header().Set("X-Delivery-Id", "hook-1")
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(ts.Close)
	return ts, &calls
}
