package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wemdio/lead-scanner/internal/config"
	"github.com/wemdio/lead-scanner/internal/model"
	"github.com/wemdio/lead-scanner/internal/store"
)

func TestInitStore_UnsupportedDriver(t *testing.T) {
	_, err := initStore(context.Background(), config.StoreConfig{Driver: "mysql"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported store driver")
}

func TestInitStore_SQLite(t *testing.T) {
	st, err := initStore(context.Background(), config.StoreConfig{
		Driver:      "sqlite",
		DatabaseURL: filepath.Join(t.TempDir(), "leads.db"),
	})
	require.NoError(t, err)
	defer st.Close() //nolint:errcheck

	require.NoError(t, st.Migrate(context.Background()))
	require.NoError(t, st.Ping(context.Background()))
}

func TestNewCostTracker_PricingOverrides(t *testing.T) {
	costs := newCostTracker(config.PricingConfig{Models: map[string]config.ModelPricing{
		"acme/tiny": {Input: 1, Output: 2},
	}})

	usd := costs.Record("t", "classify", "acme/tiny", 1_000_000, 500_000)
	assert.InDelta(t, 2.0, usd, 1e-9)

	usd = costs.Record("t", "classify", "openai/gpt-4o-mini", 1_000_000, 0)
	assert.InDelta(t, 0.15, usd, 1e-9, "defaults survive the merge")
}

func TestBuildPipeline_BadPatternsFile(t *testing.T) {
	c := testConfig(t, "http://127.0.0.1:1")
	c.Prefilter.PatternsFile = filepath.Join(t.TempDir(), "missing.yaml")

	_, err := buildPipeline(c, nil, nil, newCostTracker(c.Pricing))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "patterns file")
}

func TestBuildPipeline_CustomPatterns(t *testing.T) {
	path := filepath.Join(t.TempDir(), "patterns.yaml")
	require.NoError(t, os.WriteFile(path, []byte("offer:\n  - name: crypto\n    patterns: [\"airdrop\"]\n"), 0o600))

	ts, calls := fakeAI(t, leadResponse)
	c := testConfig(t, ts.URL)
	c.Prefilter.PatternsFile = path

	pipe, err := buildPipeline(c, nil, nil, newCostTracker(c.Pricing))
	require.NoError(t, err)

	tenant := model.TenantConfig{ID: "t", CriteriaPrompt: "marketing help", Credential: "k", MinPostingConfidence: 70}
	ev, err := pipe.Evaluate(context.Background(), tenant, model.Message{ID: 1, Text: "Free airdrop for every subscriber of the channel"})
	require.NoError(t, err)
	assert.Equal(t, "offer:crypto", ev.Rejected)
	assert.Zero(t, calls.Load())
}

func TestBuildPipeline_AnthropicVerifier(t *testing.T) {
	c := testConfig(t, "http://127.0.0.1:1")
	c.DoubleCheck.Mode = config.DoubleCheckSmart
	c.DoubleCheck.Provider = "anthropic"
	c.Anthropic = config.AnthropicConfig{Key: "sk-ant-test", Model: "claude-haiku-4-5-20251001"}

	pipe, err := buildPipeline(c, nil, nil, newCostTracker(c.Pricing))
	require.NoError(t, err)
	assert.NotNil(t, pipe)
}

func TestInitApp_EndToEndSweep(t *testing.T) {
	ts, _ := fakeAI(t, leadResponse)
	c := testConfig(t, ts.URL)
	ctx := context.Background()

	env, err := initApp(ctx, c)
	require.NoError(t, err)
	defer env.Close()

	sqlite, ok := env.Store.(*store.SQLiteStore)
	require.True(t, ok)
	require.NoError(t, sqlite.Migrate(ctx))

	status := env.Scanner.Status()
	assert.False(t, status.Running)

	res, err := env.Scanner.Sweep(ctx, "")
	require.NoError(t, err)
	assert.Zero(t, res.Tenants)

	snap := env.Checker(c).Check(ctx)
	require.NotNil(t, snap)
	assert.Zero(t, snap.UndeliveredBacklog)
}

func TestInitApp_ScanDeliversToWebhook(t *testing.T) {
	hook, hookCalls := fakeWebhook(t)
	ai, _ := fakeAI(t, leadResponse)
	c := testConfig(t, ai.URL)
	ctx := context.Background()

	env, err := initApp(ctx, c)
	require.NoError(t, err)
	defer env.Close()

	sqlite := env.Store.(*store.SQLiteStore)
	require.NoError(t, sqlite.Migrate(ctx))
	require.NoError(t, sqlite.UpsertTenant(ctx, model.TenantConfig{
		ID:                   "0d6a8b3c-1e2f-4a5b-9c8d-7e6f5a4b3c2d",
		Active:               true,
		CriteriaPrompt:       "Find people asking for marketing help.",
		Credential:           "sk-or-tenant",
		Channel:              hook.URL,
		MinPostingConfidence: 70,
	}))

	// First tick pins the new tenant at the head; the next message is new.
	env.Scanner.Tick(ctx)
	_, err = sqlite.InsertMessage(ctx, model.Message{Time: time.Now().UTC(), ChatName: "Founders", FirstName: "Anna", Text: leadText})
	require.NoError(t, err)
	env.Scanner.Tick(ctx)

	assert.Equal(t, int32(1), hookCalls.Load())
	n, err := sqlite.CountUndelivered(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Greater(t, env.Costs.TotalUSD(), 0.0)
}
