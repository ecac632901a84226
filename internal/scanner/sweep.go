package scanner

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/wemdio/lead-scanner/internal/model"
)

// SweepResult tallies one undelivered sweep.
type SweepResult struct {
	Tenants   int `json:"tenants"`
	Pending   int `json:"pending"`
	Delivered int `json:"delivered"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

// Sweep retries delivery of leads that were stored but never delivered, for
// every active tenant or only tenantID when set. Drafts are reused as
// stored. Leads below the tenant's delivery threshold are skipped.
func (s *Scanner) Sweep(ctx context.Context, tenantID string) (SweepResult, error) {
	s.work.Lock()
	defer s.work.Unlock()

	var res SweepResult
	tenants, err := s.tenants.ListActive(ctx)
	if err != nil {
		return res, eris.Wrap(err, "scanner: sweep list tenants")
	}
	if tenantID != "" {
		filtered := tenants[:0:0]
		for _, t := range tenants {
			if t.ID == tenantID {
				filtered = append(filtered, t)
			}
		}
		if len(filtered) == 0 {
			return res, eris.Wrapf(ErrTenantNotActive, "sweep %s", tenantID)
		}
		tenants = filtered
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.TenantWorkerBudget)
	for _, t := range tenants {
		g.Go(func() error {
			r := s.sweepTenant(gctx, t)
			mu.Lock()
			res.Pending += r.Pending
			res.Delivered += r.Delivered
			res.Failed += r.Failed
			res.Skipped += r.Skipped
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	res.Tenants = len(tenants)

	s.mu.Lock()
	s.lastSweep = time.Now().UTC()
	s.mu.Unlock()
	s.obs.SweepCompleted(res)

	if res.Pending > 0 {
		zap.L().Info("scanner: sweep complete",
			zap.Int("tenants", res.Tenants),
			zap.Int("pending", res.Pending),
			zap.Int("delivered", res.Delivered),
			zap.Int("failed", res.Failed),
			zap.Int("skipped", res.Skipped),
		)
	}
	return res, ctx.Err()
}

// sweepTenant delivers one tenant's backlog oldest first.
func (s *Scanner) sweepTenant(ctx context.Context, t model.TenantConfig) SweepResult {
	var res SweepResult
	log := zap.L().With(zap.String("tenant", t.ID))

	leads, err := s.leads.ListUndelivered(ctx, t.ID, defaultSweepLimit)
	if err != nil {
		log.Warn("scanner: list undelivered failed", zap.Error(err))
		return res
	}
	res.Pending = len(leads)

	for _, lead := range leads {
		if ctx.Err() != nil {
			break
		}
		if lead.Message == nil || !t.ShouldDeliver(lead.Confidence) {
			res.Skipped++
			continue
		}
		if err := s.proc.Deliver(ctx, t, lead, *lead.Message, lead.Draft); err != nil {
			res.Failed++
			continue
		}
		res.Delivered++
	}
	return res
}
