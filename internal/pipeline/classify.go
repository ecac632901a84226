package pipeline

import (
	"context"
	"sort"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/wemdio/lead-scanner/internal/cost"
	"github.com/wemdio/lead-scanner/internal/model"
	"github.com/wemdio/lead-scanner/internal/resilience"
	"github.com/wemdio/lead-scanner/pkg/llm"
)

// ErrAIService matches every AIServiceError.
var ErrAIService = eris.New("pipeline: ai service error")

// ErrMissingCredential is returned for tenants without an AI credential.
var ErrMissingCredential = llm.ErrMissingCredential

// AIServiceError reports that a model call kept failing after retries.
type AIServiceError struct {
	Stage string
	Err   error
}

func (e *AIServiceError) Error() string {
	return "pipeline: ai service error during " + e.Stage + ": " + e.Err.Error()
}

func (e *AIServiceError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrAIService) match.
func (e *AIServiceError) Is(target error) bool { return target == ErrAIService }

// ClassifierConfig holds the primary model parameters.
type ClassifierConfig struct {
	Model     string
	MaxTokens int
	Seed      int
	UseBatch  bool
	BatchSize int
	// Concurrency bounds in-flight requests per ClassifyBatch call.
	Concurrency int
	Timeout     time.Duration
	Retry       resilience.RetryConfig
	Validator   Validator
}

// Classifier runs the primary lead classification.
type Classifier struct {
	client llm.Client
	cfg    ClassifierConfig
	costs  *cost.Tracker
}

// NewClassifier creates a Classifier. A nil tracker prices calls with the
// default rates.
func NewClassifier(client llm.Client, cfg ClassifierConfig, costs *cost.Tracker) *Classifier {
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 500
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 5
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 20
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Validator.Threshold <= 0 {
		cfg.Validator.Threshold = DefaultDecisionThreshold
	}
	if costs == nil {
		costs = cost.NewTracker(cost.NewCalculator(cost.DefaultRates()))
	}
	return &Classifier{client: client, cfg: cfg, costs: costs}
}

func (c *Classifier) request(system, user, credential string) llm.ChatRequest {
	seed := c.cfg.Seed
	return llm.ChatRequest{
		Credential:  credential,
		Model:       c.cfg.Model,
		System:      system,
		User:        user,
		Temperature: 0,
		Seed:        &seed,
		MaxTokens:   c.cfg.MaxTokens,
		JSON:        true,
	}
}

func (c *Classifier) retryConfig() resilience.RetryConfig {
	cfg := c.cfg.Retry
	if cfg.OnRetry == nil {
		cfg.OnRetry = resilience.RetryLogger("llm", model.StageClassify)
	}
	return cfg
}

// complete performs one bounded call and records its cost.
func (c *Classifier) complete(ctx context.Context, tenantID string, req llm.ChatRequest) (*llm.ChatResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	resp, err := c.client.Complete(ctx, req)
	if err != nil {
		return nil, err
	}
	c.costs.Record(tenantID, model.StageClassify, req.Model, resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
	return resp, nil
}

// Classify decides one message. The result is always populated; err is
// non-nil only when the decision is DecisionMalformed, and is either a
// permanent error (missing or rejected credential) or an *AIServiceError.
// A provider refusing this message alone yields an *AIServiceError.
func (c *Classifier) Classify(ctx context.Context, tenantID string, msg model.Message, criteria, credential string) (model.ClassifyResult, error) {
	req := c.request(classifySystemPrompt, buildClassifyPrompt(msg, criteria), credential)

	cls, err := resilience.DoVal(ctx, c.retryConfig(), func(ctx context.Context) (model.Classification, error) {
		resp, err := c.complete(ctx, tenantID, req)
		if err != nil {
			return model.Classification{}, err
		}
		return parseClassification(resp.Content)
	})
	if err != nil {
		return c.failed(msg, err)
	}
	return c.cfg.Validator.Decide(msg, cls), nil
}

func (c *Classifier) failed(msg model.Message, err error) (model.ClassifyResult, error) {
	res := model.ClassifyResult{Message: msg, Decision: model.DecisionMalformed, Detail: err.Error()}
	res.Classification.MessageID = msg.ID

	switch resilience.Kind(err) {
	case resilience.KindValidation:
		res.Decision = model.DecisionNoMatch
		return res, nil
	case resilience.KindPermanent:
		return res, err
	default:
		return res, &AIServiceError{Stage: model.StageClassify, Err: err}
	}
}

// ClassifyBatch decides every message, in batches when enabled, with at most
// Concurrency requests in flight. Results come back in ascending message id
// order. Per-message AI failures are reported as DecisionMalformed results;
// the returned error is set only for permanent failures, which also cancel
// the remaining requests.
func (c *Classifier) ClassifyBatch(ctx context.Context, tenantID string, msgs []model.Message, criteria, credential string) ([]model.ClassifyResult, error) {
	if len(msgs) == 0 {
		return nil, nil
	}

	sorted := make([]model.Message, len(msgs))
	copy(sorted, msgs)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	size := 1
	if c.cfg.UseBatch {
		size = c.cfg.BatchSize
	}
	var chunks [][]model.Message
	for i := 0; i < len(sorted); i += size {
		chunks = append(chunks, sorted[i:min(i+size, len(sorted))])
	}

	out := make([][]model.ClassifyResult, len(chunks))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.Concurrency)
	for i, chunk := range chunks {
		g.Go(func() error {
			res, err := c.classifyChunk(gctx, tenantID, chunk, criteria, credential)
			out[i] = res
			if err != nil && resilience.Kind(err) == resilience.KindPermanent {
				return err
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return flatten(out), err
	}
	return flatten(out), nil
}

func flatten(parts [][]model.ClassifyResult) []model.ClassifyResult {
	var all []model.ClassifyResult
	for _, p := range parts {
		all = append(all, p...)
	}
	return all
}

// classifyChunk sends one batch request. Items the model left out, answered
// twice, or answered for unknown ids fall back to single classification.
func (c *Classifier) classifyChunk(ctx context.Context, tenantID string, chunk []model.Message, criteria, credential string) ([]model.ClassifyResult, error) {
	results := make([]model.ClassifyResult, 0, len(chunk))
	if len(chunk) == 1 {
		r, err := c.Classify(ctx, tenantID, chunk[0], criteria, credential)
		return append(results, r), err
	}

	log := zap.L().With(zap.String("tenant", tenantID), zap.Int("batch_size", len(chunk)))
	req := c.request(classifyBatchSystemPrompt, buildBatchClassifyPrompt(chunk, criteria), credential)
	req.MaxTokens = c.cfg.MaxTokens * len(chunk)

	items, err := resilience.DoVal(ctx, c.retryConfig(), func(ctx context.Context) ([]model.Classification, error) {
		resp, err := c.complete(ctx, tenantID, req)
		if err != nil {
			return nil, err
		}
		items, invalid, err := parseBatch(resp.Content)
		if invalid > 0 {
			log.Debug("classify: batch items failed validation", zap.Int("invalid", invalid))
		}
		return items, err
	})
	if resilience.Kind(err) == resilience.KindRejected {
		// One message can get the whole batch refused. Isolate it.
		log.Info("classify: batch request rejected, classifying items singly", zap.Error(err))
		for _, m := range chunk {
			r, err := c.Classify(ctx, tenantID, m, criteria, credential)
			results = append(results, r)
			if err != nil && resilience.Kind(err) == resilience.KindPermanent {
				return results, err
			}
		}
		return results, nil
	}
	if err != nil {
		var firstErr error
		for _, m := range chunk {
			r, e := c.failed(m, err)
			results = append(results, r)
			if firstErr == nil {
				firstErr = e
			}
		}
		return results, firstErr
	}

	byID := make(map[int64]model.Classification, len(items))
	dup := make(map[int64]bool)
	for _, it := range items {
		if _, seen := byID[it.MessageID]; seen {
			dup[it.MessageID] = true
			continue
		}
		byID[it.MessageID] = it
	}

	var fallbacks int
	for _, m := range chunk {
		cls, ok := byID[m.ID]
		if ok && !dup[m.ID] {
			results = append(results, c.cfg.Validator.Decide(m, cls))
			continue
		}
		fallbacks++
		r, err := c.Classify(ctx, tenantID, m, criteria, credential)
		results = append(results, r)
		if err != nil && resilience.Kind(err) == resilience.KindPermanent {
			return results, err
		}
	}
	if fallbacks > 0 {
		log.Info("classify: batch response incomplete, classified missing items singly",
			zap.Int("missing", fallbacks), zap.Int("returned", len(items)))
	}
	return results, nil
}
