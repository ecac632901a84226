package scanner

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wemdio/lead-scanner/internal/delivery"
	"github.com/wemdio/lead-scanner/internal/model"
	"github.com/wemdio/lead-scanner/internal/pipeline"
	"github.com/wemdio/lead-scanner/internal/resilience"
	"github.com/wemdio/lead-scanner/internal/store"
	"github.com/wemdio/lead-scanner/pkg/llm"
)

const leadJSON = `{"is_match": true, "confidence_score": 85, "reasoning": "User explicitly asks for cold outreach agency with budget", "matched_criteria": ["marketing help"]}`

type staticLLM struct{}

func (staticLLM) Complete(context.Context, llm.ChatRequest) (*llm.ChatResponse, error) {
	return &llm.ChatResponse{Content: leadJSON, Usage: llm.Usage{PromptTokens: 300, CompletionTokens: 50}}, nil
}

type switchPoster struct {
	mu    sync.Mutex
	fail  bool
	posts int
}

func (p *switchPoster) Post(_ context.Context, payload delivery.Payload, channel string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail {
		return "", errors.New("delivery: telegram unavailable")
	}
	p.posts++
	return channel + ":" + payload.LeadID, nil
}

func newPipeline(leads store.LeadStore, poster delivery.Poster) *pipeline.Pipeline {
	retry := resilience.RetryConfig{MaxAttempts: 1, OnRetry: func(int, error) {}}
	classifier := pipeline.NewClassifier(staticLLM{}, pipeline.ClassifierConfig{Model: "openai/gpt-4o-mini", Retry: retry}, nil)
	patterns := pipeline.DefaultPatterns()
	return pipeline.New(pipeline.NewPreFilter(10, patterns.Offer), classifier, pipeline.Policy{Mode: pipeline.ModeOff}, nil, nil, leads, poster, 4)
}

func newSQLiteStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "scanner.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func insertMessage(t *testing.T, st *store.SQLiteStore, id int64, text string) {
	t.Helper()
	_, err := st.InsertMessage(context.Background(), model.Message{
		ID: id, Time: time.Now().UTC(), ChatName: "Founders chat", AuthorID: 42, Username: "ivan", FirstName: "Ivan", Text: text,
	})
	require.NoError(t, err)
}

func TestIntegration_NewMessageBecomesDeliveredLead(t *testing.T) {
	st := newSQLiteStore(t)
	ctx := context.Background()
	require.NoError(t, st.UpsertTenant(ctx, tenant(tenantA)))
	insertMessage(t, st, 1000, "старое сообщение до запуска")

	poster := &switchPoster{}
	s := New(st, st, st, newPipeline(st, poster), testConfig())

	s.Tick(ctx)
	assert.Equal(t, int64(1000), s.Status().Cursors[tenantA])
	assert.Zero(t, poster.posts)

	insertMessage(t, st, 1001, "Ищу агентство для холодного аутрича, бюджет 100к/мес")
	s.Tick(ctx)

	assert.Equal(t, int64(1001), s.Status().Cursors[tenantA])
	assert.Equal(t, 1, poster.posts)
	n, err := st.CountUndelivered(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestIntegration_RestartDoesNotDuplicateAndSweepDelivers(t *testing.T) {
	st := newSQLiteStore(t)
	ctx := context.Background()
	require.NoError(t, st.UpsertTenant(ctx, tenant(tenantA)))

	poster := &switchPoster{fail: true}
	first := New(st, st, st, newPipeline(st, poster), testConfig())
	first.Tick(ctx)
	insertMessage(t, st, 1003, "Нужен подрядчик на холодный аутрич, срочно")
	first.Tick(ctx)

	pending, err := st.ListUndelivered(ctx, tenantA, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1, "the lead is stored even though delivery failed")
	leadID := pending[0].ID

	// Restart: a new scanner sees the tenant for the first time.
	poster.fail = false
	p := newPipeline(st, poster)
	second := New(st, st, st, p, testConfig())
	second.Tick(ctx)
	assert.GreaterOrEqual(t, second.Status().Cursors[tenantA], int64(1003))

	// Reprocessing the same message never creates a second lead.
	msgs, err := st.FetchAfter(ctx, 1002, 10)
	require.NoError(t, err)
	res, err := p.Run(ctx, tenant(tenantA), msgs)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Duplicates)
	assert.Zero(t, poster.posts)

	sw, err := second.Sweep(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 1, sw.Delivered)
	assert.Equal(t, 1, poster.posts)

	lead, err := st.GetLead(ctx, leadID)
	require.NoError(t, err)
	assert.True(t, lead.Delivered)
	assert.Equal(t, tenant(tenantA).Channel+":"+leadID, lead.DeliveryID)
}
