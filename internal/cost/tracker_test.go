package cost

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTracker_RecordAndSnapshot(t *testing.T) {
	t.Parallel()
	tr := NewTracker(NewCalculator(testRates()))

	usd := tr.Record("t1", "classify", "openai/gpt-4o-mini", 1_000_000, 0)
	assert.InDelta(t, 0.15, usd, 0.0001)
	tr.Record("t1", "verify", "gpt-4o", 0, 100_000)
	tr.Record("t2", "classify", "openai/gpt-4o-mini", 0, 1_000_000)

	snap := tr.Snapshot()
	assert.Equal(t, int64(3), snap.Total.Calls)
	assert.Equal(t, int64(1_000_000), snap.Total.InputTokens)
	assert.InDelta(t, 0.15+1.00+0.60, snap.Total.USD, 0.0001)

	require.Contains(t, snap.ByStage, "classify")
	assert.Equal(t, int64(2), snap.ByStage["classify"].Calls)
	assert.InDelta(t, 1.15, tr.TenantUSD("t1"), 0.0001)
	assert.InDelta(t, 0.60, tr.TenantUSD("t2"), 0.0001)
	assert.Zero(t, tr.TenantUSD("nobody"))
	assert.Equal(t, []string{"t1", "t2"}, snap.TopTenants(5))
	assert.Equal(t, []string{"t1"}, snap.TopTenants(1))
}

func TestTracker_Observer(t *testing.T) {
	t.Parallel()
	tr := NewTracker(NewCalculator(testRates()))

	var gotStage, gotModel string
	var gotIn int
	tr.SetObserver(func(_, stage, model string, in, _ int, _ float64) {
		gotStage, gotModel, gotIn = stage, model, in
	})
	tr.Record("t1", "draft", "gpt-4o", 42, 7)

	assert.Equal(t, "draft", gotStage)
	assert.Equal(t, "gpt-4o", gotModel)
	assert.Equal(t, 42, gotIn)
}

func TestTracker_Concurrent(t *testing.T) {
	t.Parallel()
	tr := NewTracker(NewCalculator(testRates()))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tr.Record("t1", "classify", "openai/gpt-4o-mini", 1000, 100)
		}()
	}
	wg.Wait()

	snap := tr.Snapshot()
	assert.Equal(t, int64(50), snap.Total.Calls)
	assert.Equal(t, int64(50_000), snap.Total.InputTokens)
	assert.Equal(t, int64(5_000), snap.Total.OutputTokens)
}
