// Package pipeline implements the per-tenant lead detection stages:
// pre-filter, primary classification, double-check, deduplicated insert,
// draft generation and delivery.
package pipeline

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/wemdio/lead-scanner/internal/delivery"
	"github.com/wemdio/lead-scanner/internal/model"
	"github.com/wemdio/lead-scanner/internal/resilience"
	"github.com/wemdio/lead-scanner/internal/store"
)

// markTimeout bounds MarkDelivered after a successful post. It runs on a
// context detached from cancellation so a stop between post and mark does
// not cause a duplicate delivery on the next sweep.
const markTimeout = 5 * time.Second

// Result tallies one Run.
type Result struct {
	TenantID         string `json:"tenant_id"`
	Received         int    `json:"received"`
	Prefiltered      int    `json:"prefiltered"`
	Classified       int    `json:"classified"`
	AIFailures       int    `json:"ai_failures"`
	Matches          int    `json:"matches"`
	Verified         int    `json:"verified"`
	Vetoed           int    `json:"vetoed"`
	VerifyFailures   int    `json:"verify_failures"`
	Inserted         int    `json:"inserted"`
	Duplicates       int    `json:"duplicates"`
	StoreErrors      int    `json:"store_errors"`
	Drafted          int    `json:"drafted"`
	BelowThreshold   int    `json:"below_delivery_threshold"`
	Delivered        int    `json:"delivered"`
	DeliveryFailures int    `json:"delivery_failures"`
}

// Pipeline composes the stages for one tenant batch.
type Pipeline struct {
	prefilter   *PreFilter
	classifier  *Classifier
	policy      Policy
	verifier    Verifier
	drafter     *Drafter
	leads       store.LeadStore
	poster      delivery.Poster
	concurrency int
}

// New creates a Pipeline. A nil verifier disables double-checking and a nil
// drafter disables drafts.
func New(
	pre *PreFilter,
	classifier *Classifier,
	policy Policy,
	verifier Verifier,
	drafter *Drafter,
	leads store.LeadStore,
	poster delivery.Poster,
	concurrency int,
) *Pipeline {
	if concurrency <= 0 {
		concurrency = 20
	}
	if verifier == nil {
		policy.Mode = ModeOff
	}
	return &Pipeline{
		prefilter:   pre,
		classifier:  classifier,
		policy:      policy,
		verifier:    verifier,
		drafter:     drafter,
		leads:       leads,
		poster:      poster,
		concurrency: concurrency,
	}
}

// Run processes msgs for tenant t. It returns an error only when the whole
// tenant must be skipped for this tick: a missing or rejected credential, or
// a tenant config that fails Validate.
// Failures scoped to one message are logged and counted in the Result.
func (p *Pipeline) Run(ctx context.Context, t model.TenantConfig, msgs []model.Message) (Result, error) {
	res := Result{TenantID: t.ID, Received: len(msgs)}
	if len(msgs) == 0 {
		return res, nil
	}
	log := zap.L().With(zap.String("tenant", t.ID))

	if strings.TrimSpace(t.Credential) == "" {
		return res, resilience.NewPermanentError(eris.Wrapf(ErrMissingCredential, "pipeline: tenant %s", t.ID), 0)
	}
	if err := t.Validate(); err != nil {
		return res, resilience.NewPermanentError(eris.Wrap(err, "pipeline: run"), 0)
	}

	passed, rejected := p.prefilter.Filter(msgs, t.CriteriaPrompt)
	res.Prefiltered = len(rejected)
	if len(passed) == 0 {
		return res, nil
	}

	results, err := p.classifier.ClassifyBatch(ctx, t.ID, passed, t.CriteriaPrompt, t.Credential)
	if err != nil {
		return res, eris.Wrapf(err, "pipeline: classify tenant %s", t.ID)
	}

	var matches []model.ClassifyResult
	for _, r := range results {
		res.Classified++
		switch r.Decision {
		case model.DecisionMatch:
			matches = append(matches, r)
		case model.DecisionMalformed:
			res.AIFailures++
			log.Warn("pipeline: classification failed", zap.Int64("message_id", r.Message.ID), zap.String("detail", r.Detail))
		default:
			if r.Detail != "" {
				log.Debug("pipeline: classification demoted", zap.Int64("message_id", r.Message.ID), zap.String("detail", r.Detail))
			}
		}
	}
	res.Matches = len(matches)
	if len(matches) == 0 {
		return res, nil
	}

	confirmed := p.verify(ctx, t, matches, &res)

	inserted := p.insert(ctx, t, confirmed, &res)

	p.finish(ctx, t, inserted, &res)

	log.Info("pipeline: batch complete",
		zap.Int("received", res.Received),
		zap.Int("prefiltered", res.Prefiltered),
		zap.Int("matches", res.Matches),
		zap.Int("vetoed", res.Vetoed),
		zap.Int("inserted", res.Inserted),
		zap.Int("delivered", res.Delivered),
	)
	return res, nil
}

// verify runs the double-check for matches the policy selects. A verifier
// error keeps the primary result.
func (p *Pipeline) verify(ctx context.Context, t model.TenantConfig, matches []model.ClassifyResult, res *Result) []model.ClassifyResult {
	keep := make([]bool, len(matches))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)
	for i := range matches {
		g.Go(func() error {
			m := &matches[i]
			triggers := p.policy.Triggers(*m)
			if len(triggers) == 0 {
				keep[i] = true
				return nil
			}

			v, err := p.verifier.Verify(gctx, t.ID, m.Message, m.Classification, t.CriteriaPrompt, t.Credential)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				res.VerifyFailures++
				keep[i] = true
				zap.L().Warn("pipeline: double-check failed, keeping primary result",
					zap.String("tenant", t.ID),
					zap.Int64("message_id", m.Message.ID),
					zap.Error(err),
				)
			case !v.Verified:
				res.Vetoed++
				zap.L().Info("pipeline: double-check vetoed match",
					zap.String("tenant", t.ID),
					zap.Int64("message_id", m.Message.ID),
					zap.Strings("triggers", triggers),
					zap.String("reason", v.Reasoning),
				)
			default:
				res.Verified++
				keep[i] = true
				m.Classification = ApplyVerification(m.Classification, v)
			}
			return nil
		})
	}
	_ = g.Wait()

	out := make([]model.ClassifyResult, 0, len(matches))
	for i, m := range matches {
		if keep[i] {
			out = append(out, m)
		}
	}
	return out
}

type insertedLead struct {
	lead model.DetectedLead
	msg  model.Message
}

// insert stores confirmed matches one by one in ascending message id order.
func (p *Pipeline) insert(ctx context.Context, t model.TenantConfig, confirmed []model.ClassifyResult, res *Result) []insertedLead {
	var out []insertedLead
	for _, m := range confirmed {
		lead := model.DetectedLead{
			TenantID:        t.ID,
			MessageID:       m.Message.ID,
			Confidence:      m.Classification.Confidence,
			Reasoning:       m.Classification.Reasoning,
			MatchedCriteria: m.Classification.MatchedCriteria,
			DetectedAt:      time.Now().UTC(),
		}
		ins, err := p.leads.InsertUnique(ctx, lead)
		if err != nil {
			res.StoreErrors++
			zap.L().Error("pipeline: insert lead failed",
				zap.String("tenant", t.ID), zap.Int64("message_id", m.Message.ID), zap.Error(err))
			continue
		}
		if !ins.Inserted {
			res.Duplicates++
			continue
		}
		res.Inserted++
		lead.ID = ins.ID
		out = append(out, insertedLead{lead: lead, msg: m.Message})
	}
	return out
}

// finish drafts and delivers inserted leads concurrently.
func (p *Pipeline) finish(ctx context.Context, t model.TenantConfig, leads []insertedLead, res *Result) {
	var mu sync.Mutex
	count := func(field *int) {
		mu.Lock()
		*field++
		mu.Unlock()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)
	for _, il := range leads {
		g.Go(func() error {
			var draft string
			if t.HasDraftPrompt() && p.drafter != nil {
				cls := model.Classification{Confidence: il.lead.Confidence, Reasoning: il.lead.Reasoning, MatchedCriteria: il.lead.MatchedCriteria}
				draft = p.drafter.Draft(gctx, t.ID, il.msg, cls, t.DraftPrompt, t.Credential)
				if draft != "" {
					count(&res.Drafted)
					if err := p.leads.SaveDraft(gctx, il.lead.ID, draft); err != nil {
						zap.L().Warn("pipeline: save draft failed", zap.String("lead_id", il.lead.ID), zap.Error(err))
					}
				}
			}

			if !t.ShouldDeliver(il.lead.Confidence) {
				count(&res.BelowThreshold)
				return nil
			}
			if err := p.Deliver(gctx, t, il.lead, il.msg, draft); err != nil {
				count(&res.DeliveryFailures)
				return nil
			}
			count(&res.Delivered)
			return nil
		})
	}
	_ = g.Wait()
}

// Deliver posts one lead to the tenant channel and marks it delivered. On
// failure the lead stays undelivered for the sweep.
func (p *Pipeline) Deliver(ctx context.Context, t model.TenantConfig, lead model.DetectedLead, msg model.Message, draft string) error {
	log := zap.L().With(zap.String("tenant", t.ID), zap.String("lead_id", lead.ID))

	deliveryID, err := p.poster.Post(ctx, delivery.NewPayload(lead, msg, draft), t.Channel)
	if err != nil {
		log.Warn("pipeline: delivery failed, lead left for sweep", zap.Error(err))
		return err
	}

	mctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), markTimeout)
	defer cancel()
	if err := p.leads.MarkDelivered(mctx, lead.ID, deliveryID); err != nil {
		log.Error("pipeline: mark delivered failed", zap.String("delivery_id", deliveryID), zap.Error(err))
		return eris.Wrap(err, "pipeline: mark delivered")
	}
	return nil
}
