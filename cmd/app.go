package main

import (
	"context"
	"net/http"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/wemdio/lead-scanner/internal/config"
	"github.com/wemdio/lead-scanner/internal/cost"
	"github.com/wemdio/lead-scanner/internal/delivery"
	"github.com/wemdio/lead-scanner/internal/monitoring"
	"github.com/wemdio/lead-scanner/internal/pipeline"
	"github.com/wemdio/lead-scanner/internal/resilience"
	"github.com/wemdio/lead-scanner/internal/scanner"
	"github.com/wemdio/lead-scanner/internal/store"
	"github.com/wemdio/lead-scanner/pkg/anthropic"
	"github.com/wemdio/lead-scanner/pkg/llm"
	"github.com/wemdio/lead-scanner/pkg/telegram"
)

// appEnv holds every component the scan and sweep commands need.
type appEnv struct {
	Store    store.Store
	Costs    *cost.Tracker
	Metrics  *monitoring.Metrics
	Router   *delivery.Router
	Pipeline *pipeline.Pipeline
	Scanner  *scanner.Scanner
}

// Close releases the store.
func (a *appEnv) Close() {
	if a.Store != nil {
		_ = a.Store.Close()
	}
}

// Checker builds the backlog/cost/circuit checker. Alerts are only sent when
// monitoring is enabled; the health gauges are refreshed either way.
func (a *appEnv) Checker(c *config.Config) *monitoring.Checker {
	monCfg := c.Monitoring
	if !monCfg.Enabled {
		monCfg.WebhookURL = ""
	}
	collector := monitoring.NewCollector(a.Store, a.Costs, a.Router.Breakers())
	return monitoring.NewChecker(collector, monitoring.NewAlerter(monCfg), a.Metrics, monCfg)
}

// initApp opens the store and builds the pipeline, delivery router and
// scanner. Callers should defer env.Close().
func initApp(ctx context.Context, c *config.Config) (*appEnv, error) {
	st, err := initStore(ctx, c.Store)
	if err != nil {
		return nil, err
	}

	metrics := monitoring.NewMetrics()
	costs := newCostTracker(c.Pricing)
	costs.SetObserver(metrics.ObserveCost)

	router := newRouter(c.Delivery)

	pipe, err := buildPipeline(c, st, router, costs)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	sc := scanner.New(st, st, st, pipe, c.Scanner, scanner.WithObserver(metrics))

	zap.L().Info("scanner initialized",
		zap.String("store", c.Store.Driver),
		zap.String("primary_model", c.Classifier.PrimaryModel),
		zap.String("doublecheck", c.DoubleCheck.Mode),
		zap.Bool("batch", c.Classifier.UseBatchAPI),
	)

	return &appEnv{
		Store:    st,
		Costs:    costs,
		Metrics:  metrics,
		Router:   router,
		Pipeline: pipe,
		Scanner:  sc,
	}, nil
}

func initStore(ctx context.Context, sc config.StoreConfig) (store.Store, error) {
	switch sc.Driver {
	case "sqlite":
		return store.NewSQLite(sc.DatabaseURL)
	case "postgres":
		return store.NewPostgres(ctx, sc.DatabaseURL, &store.PoolConfig{
			MaxConns: sc.MaxConns,
			MinConns: sc.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", sc.Driver)
	}
}

func newCostTracker(p config.PricingConfig) *cost.Tracker {
	overrides := make(cost.Rates, len(p.Models))
	for name, m := range p.Models {
		overrides[name] = cost.ModelRate{Input: m.Input, Output: m.Output}
	}
	return cost.NewTracker(cost.NewCalculator(cost.DefaultRates().Merge(overrides)))
}

func newRouter(dc config.DeliveryConfig) *delivery.Router {
	var tg telegram.Client
	if dc.TelegramBotToken != "" {
		tg = telegram.NewClient(dc.TelegramBotToken, telegram.WithBaseURL(dc.TelegramBaseURL))
	} else {
		zap.L().Warn("TELEGRAM_BOT_TOKEN not set, only webhook channels can be delivered")
	}
	return delivery.NewRouter(tg,
		delivery.WithTimeout(dc.Timeout()),
		delivery.WithRateLimit(dc.RatePerSecond, dc.Burst),
		delivery.WithPrivateWebhooks(dc.WebhookAllowPrivate),
		delivery.WithBreakers(resilience.NewBreakers(
			resilience.FromCircuitConfig(dc.BreakerThreshold, dc.BreakerResetSeconds),
		)),
	)
}

// buildPipeline composes the per-tenant stages from config. leads and poster
// may be nil for dry runs.
func buildPipeline(c *config.Config, leads store.LeadStore, poster delivery.Poster, costs *cost.Tracker) (*pipeline.Pipeline, error) {
	patterns, err := pipeline.LoadPatterns(c.Prefilter.PatternsFile)
	if err != nil {
		return nil, err
	}

	cl := c.Classifier
	client := llm.NewClient(
		llm.WithBaseURL(c.OpenRouter.BaseURL),
		llm.WithAttribution(c.OpenRouter.Referer, c.OpenRouter.Title),
		llm.WithHTTPClient(&http.Client{Timeout: cl.HTTPTimeout() + cl.HTTPTimeout()/2}),
	)
	retry := resilience.FromRetryConfig(cl.RetryMaxAttempts, cl.RetryInitialBackoffMs, cl.RetryMaxBackoffMs, cl.RetryMultiplier)

	classifier := pipeline.NewClassifier(client, pipeline.ClassifierConfig{
		Model:       cl.PrimaryModel,
		MaxTokens:   cl.MaxTokens,
		Seed:        cl.Seed,
		UseBatch:    cl.UseBatchAPI,
		BatchSize:   cl.BatchSize,
		Concurrency: cl.AIConcurrency,
		Timeout:     cl.HTTPTimeout(),
		Retry:       retry,
		Validator: pipeline.Validator{
			Threshold:  cl.ConfidenceDecisionThreshold,
			MinOverlap: cl.MinSignificantWordOverlap,
		},
	}, costs)

	dc := c.DoubleCheck
	policy := pipeline.Policy{
		Mode:           pipeline.Mode(dc.Mode),
		MinConfidence:  dc.MinConfidence,
		ShortTextChars: dc.ShortTextChars,
		Risk:           pipeline.NewMatcher(patterns.Risk),
	}

	var verifier pipeline.Verifier
	switch {
	case dc.Mode == config.DoubleCheckOff:
	case dc.Provider == "anthropic":
		verifier = pipeline.NewAnthropicVerifier(anthropic.NewClient(c.Anthropic.Key), pipeline.VerifierConfig{
			Model:     c.Anthropic.Model,
			MaxTokens: dc.MaxTokens,
			Timeout:   cl.HTTPTimeout(),
			Retry:     retry,
		}, costs)
	default:
		verifier = pipeline.NewLLMVerifier(client, pipeline.VerifierConfig{
			Model:     dc.Model,
			MaxTokens: dc.MaxTokens,
			Seed:      cl.Seed,
			Timeout:   cl.HTTPTimeout(),
			Retry:     retry,
		}, costs)
	}

	drafter := pipeline.NewDrafter(client, pipeline.DrafterConfig{
		Model:       c.Draft.Model,
		Temperature: float32(c.Draft.Temperature),
		MaxTokens:   c.Draft.MaxTokens,
		Timeout:     cl.HTTPTimeout(),
	}, costs)

	return pipeline.New(
		pipeline.NewPreFilter(c.Prefilter.MinTextLength, patterns.Offer),
		classifier,
		policy,
		verifier,
		drafter,
		leads,
		poster,
		cl.AIConcurrency,
	), nil
}
