// Package scanner drives the per-tenant polling loop over the shared
// messages table: cursor bookkeeping, bounded tenant fan-out, the
// undelivered sweep and the start/stop lifecycle.
package scanner

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/wemdio/lead-scanner/internal/config"
	"github.com/wemdio/lead-scanner/internal/model"
	"github.com/wemdio/lead-scanner/internal/pipeline"
	"github.com/wemdio/lead-scanner/internal/resilience"
	"github.com/wemdio/lead-scanner/internal/store"
)

var (
	// ErrAlreadyRunning is returned by Start on a running scanner.
	ErrAlreadyRunning = eris.New("scanner: already running")
	// ErrNotRunning is returned by Stop on a scanner that is not running.
	ErrNotRunning = eris.New("scanner: not running")
	// ErrTenantNotActive is returned by Sweep for a tenant filter that
	// matches no active tenant.
	ErrTenantNotActive = eris.New("scanner: tenant is not active")
)

const (
	defaultPollInterval = 5 * time.Second
	defaultMessages     = 1000
	defaultWorkers      = 4
	defaultPruneAbove   = 100
	defaultPruneKeep    = 50
	defaultSweepLimit   = 100
)

// Processor is the per-tenant pipeline the scanner dispatches batches to.
type Processor interface {
	Run(ctx context.Context, t model.TenantConfig, msgs []model.Message) (pipeline.Result, error)
	Deliver(ctx context.Context, t model.TenantConfig, lead model.DetectedLead, msg model.Message, draft string) error
}

// Observer receives loop events. Prometheus metrics implement it.
type Observer interface {
	TickCompleted(d time.Duration, tenants int, err error)
	TenantProcessed(tenantID string, fetched int, res pipeline.Result, err error)
	CursorAdvanced(tenantID string, cursor int64)
	SweepCompleted(res SweepResult)
}

type nopObserver struct{}

func (nopObserver) TickCompleted(time.Duration, int, error) {}
func (nopObserver) TenantProcessed(string, int, pipeline.Result, error) {}
func (nopObserver) CursorAdvanced(string, int64) {}
func (nopObserver) SweepCompleted(SweepResult) {}

// cursor is one tenant's position in the messages table.
type cursor struct {
	position int64
	active   bool
	seenAt   time.Time
}

// Status is a point-in-time view of the scanner.
type Status struct {
	Running        bool             `json:"running"`
	TrackedTenants int              `json:"tracked_tenants"`
	Cursors        map[string]int64 `json:"cursors"`
	StartedAt      *time.Time       `json:"started_at,omitempty"`
	Ticks          int64            `json:"ticks"`
	LastTickAt     *time.Time       `json:"last_tick_at,omitempty"`
	LastTickMs     int64            `json:"last_tick_ms"`
	LastSweepAt    *time.Time       `json:"last_sweep_at,omitempty"`
}

// Scanner is the process-wide orchestrator. It owns every tenant cursor.
type Scanner struct {
	messages store.MessageStore
	tenants  store.TenantRegistry
	leads    store.LeadStore
	proc     Processor
	cfg      config.ScannerConfig
	obs      Observer

	// work serializes ticks and sweeps so a lead is never delivered by both.
	work sync.Mutex

	mu        sync.Mutex
	running   bool
	cancel    context.CancelFunc
	done      chan struct{}
	cursors   map[string]*cursor
	startedAt time.Time
	ticks     int64
	lastTick  time.Time
	lastTickD time.Duration
	lastSweep time.Time
}

// Option configures a Scanner.
type Option func(*Scanner)

// WithObserver sets the event observer.
func WithObserver(o Observer) Option {
	return func(s *Scanner) {
		if o != nil {
			s.obs = o
		}
	}
}

// New creates a stopped Scanner.
func New(messages store.MessageStore, tenants store.TenantRegistry, leads store.LeadStore, proc Processor, cfg config.ScannerConfig, opts ...Option) *Scanner {
	if cfg.PollIntervalSeconds <= 0 {
		cfg.PollIntervalSeconds = int(defaultPollInterval / time.Second)
	}
	if cfg.MessagesPerCycle <= 0 {
		cfg.MessagesPerCycle = defaultMessages
	}
	if cfg.TenantWorkerBudget <= 0 {
		cfg.TenantWorkerBudget = defaultWorkers
	}
	if cfg.CursorPruneAbove <= 0 {
		cfg.CursorPruneAbove = defaultPruneAbove
	}
	if cfg.CursorPruneKeep <= 0 || cfg.CursorPruneKeep > cfg.CursorPruneAbove {
		cfg.CursorPruneKeep = min(defaultPruneKeep, cfg.CursorPruneAbove)
	}

	s := &Scanner{
		messages: messages,
		tenants:  tenants,
		leads:    leads,
		proc:     proc,
		cfg:      cfg,
		obs:      nopObserver{},
		cursors:  make(map[string]*cursor),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Start schedules the loop and returns. The loop runs until Stop; ctx only
// contributes its values, not its cancellation, so a request context can
// start a long-lived scanner.
func (s *Scanner) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrAlreadyRunning
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.running = true
	s.cancel = cancel
	s.done = make(chan struct{})
	s.startedAt = time.Now().UTC()

	go s.loop(loopCtx, s.done)

	zap.L().Info("scanner: started",
		zap.Duration("poll_interval", s.cfg.PollInterval()),
		zap.Duration("sweep_interval", s.cfg.SweepInterval()),
		zap.Int("messages_per_cycle", s.cfg.MessagesPerCycle),
		zap.Int("tenant_workers", s.cfg.TenantWorkerBudget),
	)
	return nil
}

// Stop cancels in-flight work, waits for the current tick to drain and
// forgets every cursor. Tenants are first-seen again after a restart.
func (s *Scanner) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return ErrNotRunning
	}
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	cancel()
	<-done

	s.mu.Lock()
	s.running = false
	s.cancel = nil
	s.done = nil
	s.cursors = make(map[string]*cursor)
	s.mu.Unlock()

	zap.L().Info("scanner: stopped")
	return nil
}

// Running reports whether the loop is scheduled.
func (s *Scanner) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Status returns the running flag and every tracked cursor.
func (s *Scanner) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		Running:        s.running,
		TrackedTenants: len(s.cursors),
		Cursors:        make(map[string]int64, len(s.cursors)),
		Ticks:          s.ticks,
		LastTickMs:     s.lastTickD.Milliseconds(),
	}
	for id, c := range s.cursors {
		st.Cursors[id] = c.position
	}
	if s.running {
		t := s.startedAt
		st.StartedAt = &t
	}
	if !s.lastTick.IsZero() {
		t := s.lastTick
		st.LastTickAt = &t
	}
	if !s.lastSweep.IsZero() {
		t := s.lastSweep
		st.LastSweepAt = &t
	}
	return st
}

func (s *Scanner) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	sweepEvery := s.cfg.SweepInterval()
	if sweepEvery > 0 {
		if _, err := s.Sweep(ctx, ""); err != nil && ctx.Err() == nil {
			zap.L().Warn("scanner: startup sweep failed", zap.Error(err))
		}
	}

	s.Tick(ctx)

	ticker := time.NewTicker(s.cfg.PollInterval())
	defer ticker.Stop()

	var sweepC <-chan time.Time
	if sweepEvery > 0 {
		st := time.NewTicker(sweepEvery)
		defer st.Stop()
		sweepC = st.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		case <-sweepC:
			if _, err := s.Sweep(ctx, ""); err != nil && ctx.Err() == nil {
				zap.L().Warn("scanner: sweep failed", zap.Error(err))
			}
		}
	}
}

// Tick runs one pass over every active tenant. It is exported for one-shot
// runs and tests; the loop calls it on every poll interval.
func (s *Scanner) Tick(ctx context.Context) {
	s.work.Lock()
	defer s.work.Unlock()

	start := time.Now()
	tenants, err := s.tenants.ListActive(ctx)
	if err != nil {
		err = resilience.WithKind(resilience.KindFatal, eris.Wrap(err, "scanner: list active tenants"))
		zap.L().Error("scanner: tick aborted", zap.Error(err))
		s.finishTick(start, 0, err)
		return
	}

	due := s.reconcile(ctx, tenants)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.TenantWorkerBudget)
	for _, t := range due {
		g.Go(func() error {
			s.processTenant(gctx, t)
			return nil
		})
	}
	_ = g.Wait()

	s.finishTick(start, len(due), nil)
}

func (s *Scanner) finishTick(start time.Time, tenants int, err error) {
	d := time.Since(start)
	s.mu.Lock()
	s.ticks++
	s.lastTick = time.Now().UTC()
	s.lastTickD = d
	s.mu.Unlock()

	s.obs.TickCompleted(d, tenants, err)
	zap.L().Debug("scanner: tick complete", zap.Int("tenants", tenants), zap.Duration("elapsed", d))
}

// reconcile updates the cursor map against the active snapshot and returns
// the tenants to process this tick. First-seen and re-activated tenants get
// a cursor at the current head and are skipped.
func (s *Scanner) reconcile(ctx context.Context, tenants []model.TenantConfig) []model.TenantConfig {
	s.mu.Lock()
	var fresh []string
	active := make(map[string]bool, len(tenants))
	for _, t := range tenants {
		active[t.ID] = true
		c, ok := s.cursors[t.ID]
		if !ok || !c.active {
			fresh = append(fresh, t.ID)
		}
	}
	s.mu.Unlock()

	var head int64
	headOK := true
	if len(fresh) > 0 {
		var err error
		head, err = s.messages.MaxMessageID(ctx)
		if err != nil {
			headOK = false
			zap.L().Warn("scanner: cannot read head message id, new tenants wait for next tick",
				zap.Int("tenants", len(fresh)), zap.Error(err))
		}
	}

	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []model.TenantConfig
	for _, t := range tenants {
		c, ok := s.cursors[t.ID]
		switch {
		case ok && c.active:
			c.seenAt = now
			due = append(due, t)
		case headOK:
			s.cursors[t.ID] = &cursor{position: head, active: true, seenAt: now}
			s.obs.CursorAdvanced(t.ID, head)
			zap.L().Info("scanner: tenant first seen, cursor set to head",
				zap.String("tenant", t.ID), zap.Int64("cursor", head))
		}
	}
	for id, c := range s.cursors {
		if !active[id] {
			c.active = false
		}
	}
	s.pruneLocked()
	return due
}

// pruneLocked drops the least recently seen inactive cursors once the map
// grows past CursorPruneAbove, down to CursorPruneKeep entries.
func (s *Scanner) pruneLocked() {
	if len(s.cursors) <= s.cfg.CursorPruneAbove {
		return
	}
	var inactive []string
	for id, c := range s.cursors {
		if !c.active {
			inactive = append(inactive, id)
		}
	}
	sort.Slice(inactive, func(i, j int) bool {
		return s.cursors[inactive[i]].seenAt.Before(s.cursors[inactive[j]].seenAt)
	})

	pruned := 0
	for _, id := range inactive {
		if len(s.cursors) <= s.cfg.CursorPruneKeep {
			break
		}
		delete(s.cursors, id)
		pruned++
	}
	if pruned > 0 {
		zap.L().Info("scanner: pruned inactive cursors", zap.Int("pruned", pruned), zap.Int("remaining", len(s.cursors)))
	}
}

func (s *Scanner) position(tenantID string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.cursors[tenantID]; ok {
		return c.position
	}
	return 0
}

// advance moves the cursor forward only.
func (s *Scanner) advance(tenantID string, to int64) {
	s.mu.Lock()
	c, ok := s.cursors[tenantID]
	if !ok || to <= c.position {
		s.mu.Unlock()
		return
	}
	c.position = to
	s.mu.Unlock()
	s.obs.CursorAdvanced(tenantID, to)
}

// processTenant fetches the tenant's next batch, advances its cursor and
// hands the batch to the pipeline. Errors stay scoped to the tenant.
func (s *Scanner) processTenant(ctx context.Context, t model.TenantConfig) {
	log := zap.L().With(zap.String("tenant", t.ID))
	from := s.position(t.ID)

	msgs, err := s.messages.FetchAfter(ctx, from, s.cfg.MessagesPerCycle)
	if err != nil {
		err = resilience.WithKind(resilience.KindFatal, eris.Wrap(err, "scanner: fetch messages"))
		log.Warn("scanner: fetch messages failed", zap.Int64("cursor", from), zap.Error(err))
		s.obs.TenantProcessed(t.ID, 0, pipeline.Result{TenantID: t.ID}, err)
		return
	}
	if len(msgs) == 0 {
		return
	}

	last := from
	for _, m := range msgs {
		last = max(last, m.ID)
	}
	s.advance(t.ID, last)

	res, err := s.proc.Run(ctx, t, msgs)
	s.obs.TenantProcessed(t.ID, len(msgs), res, err)
	if err != nil {
		log.Error("scanner: tenant skipped this tick",
			zap.Int64("cursor", last), zap.Int("messages", len(msgs)), zap.Error(err))
		return
	}
	log.Debug("scanner: tenant processed",
		zap.Int64("cursor", last),
		zap.Int("messages", len(msgs)),
		zap.Int("inserted", res.Inserted),
		zap.Int("delivered", res.Delivered),
	)
}
