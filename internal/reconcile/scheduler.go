package reconcile

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cliquelabs/attribution-core/internal/aggregate"
	"github.com/cliquelabs/attribution-core/internal/attribution"
	"github.com/cliquelabs/attribution-core/internal/diagnostics"
	"github.com/cliquelabs/attribution-core/internal/metrics"
	"github.com/cliquelabs/attribution-core/internal/models"
	"github.com/cliquelabs/attribution-core/internal/storage"
	"github.com/cliquelabs/attribution-core/internal/suggest"
)

// SnapshotSink receives committed metric snapshots for analytics export.
// Export failure degrades to a warning; it never fails the run.
type SnapshotSink interface {
	WriteSnapshots(ctx context.Context, snaps []*models.MetricSnapshot) error
}

// Config holds the scheduler parameters.
type Config struct {
	// LeaseTTL bounds how long one reconciliation pass may hold a store's
	// lease before it is presumed dead.
	LeaseTTL time.Duration

	// Interval is the periodic tick between scheduled passes.
	Interval time.Duration

	// RunRetention bounds how long finished runs stay pollable before they
	// are evicted from the run registry. Zero disables eviction.
	RunRetention time.Duration
}

// DefaultConfig returns the stock scheduler parameters.
func DefaultConfig() Config {
	return Config{
		LeaseTTL:     5 * time.Minute,
		Interval:     2 * time.Hour,
		RunRetention: time.Hour,
	}
}

// Deps wires the scheduler to the pipeline stages and stores.
type Deps struct {
	Events      storage.EventStore
	Edges       storage.EdgeStore
	Snapshots   storage.SnapshotStore
	Findings    storage.FindingStore
	Suggestions storage.SuggestionStore
	Watermarks  storage.WatermarkStore
	Leases      LeaseStore

	Engine      *attribution.Engine
	AttrConfigs attribution.ConfigProvider
	Aggregator  *aggregate.Aggregator
	Diagnostics *diagnostics.Engine
	Ranker      *suggest.Ranker

	Sink    SnapshotSink // optional
	Metrics *metrics.Metrics
	Logger  *zap.Logger
}

// Scheduler orchestrates incremental pipeline re-runs per store. Stores
// reconcile in parallel; within one store the stages run strictly in
// dependency order under a per-store lease.
type Scheduler struct {
	cfg  Config
	deps Deps

	mu       sync.Mutex
	runs     map[string]*models.ReconciliationRun
	inflight map[string]string // store_id -> run_id
	tokens   map[string]string // run_id -> lease token
}

// NewScheduler creates a new reconciliation scheduler.
func NewScheduler(cfg Config, deps Deps) *Scheduler {
	return &Scheduler{
		cfg:      cfg,
		deps:     deps,
		runs:     make(map[string]*models.ReconciliationRun),
		inflight: make(map[string]string),
		tokens:   make(map[string]string),
	}
}

// Reconcile triggers an asynchronous reconciliation pass and returns the
// run id. A trigger while a pass is already running for the store is
// coalesced: it returns the in-flight run's id, never a second run and
// never a user-visible error.
func (s *Scheduler) Reconcile(ctx context.Context, storeID string, force bool) (string, error) {
	run, started, err := s.begin(ctx, storeID, force)
	if err != nil {
		return "", err
	}
	if started {
		go s.execute(context.WithoutCancel(ctx), run, force)
	}
	return run.ID, nil
}

// ReconcileSync runs one pass inline and returns the finished run. Used
// by the periodic tick and by tests that need deterministic completion.
func (s *Scheduler) ReconcileSync(ctx context.Context, storeID string, force bool) (*models.ReconciliationRun, error) {
	run, started, err := s.begin(ctx, storeID, force)
	if err != nil {
		return nil, err
	}
	if started {
		s.execute(ctx, run, force)
	}
	return s.Run(run.ID)
}

// RunPeriodic triggers one reconciliation pass per store on every
// Interval tick until the context is cancelled. Ticks overlapping an
// in-flight run coalesce in begin.
func (s *Scheduler) RunPeriodic(ctx context.Context, stores []string) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, storeID := range stores {
				runID, err := s.Reconcile(ctx, storeID, false)
				if err != nil {
					s.deps.Logger.Error("scheduled reconciliation failed to start",
						zap.String("store_id", storeID), zap.Error(err))
					continue
				}
				s.deps.Logger.Debug("scheduled reconciliation triggered",
					zap.String("store_id", storeID), zap.String("run_id", runID))
			}
		}
	}
}

// begin acquires the store lease and registers a new run, or returns the
// in-flight run when the lease is held.
func (s *Scheduler) begin(ctx context.Context, storeID string, force bool) (*models.ReconciliationRun, bool, error) {
	token, ok, err := s.deps.Leases.Acquire(ctx, storeID, s.cfg.LeaseTTL)
	if err != nil {
		return nil, false, fmt.Errorf("failed to acquire reconciliation lease: %w", err)
	}
	if !ok {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.pruneLocked(time.Now().UTC())
		if s.deps.Metrics != nil {
			s.deps.Metrics.CoalescedTriggers.Inc()
		}
		if runID, exists := s.inflight[storeID]; exists {
			return s.runs[runID], false, nil
		}
		// Lease held by another process; report a pending placeholder the
		// caller can poll until that run's effects land.
		run := &models.ReconciliationRun{
			ID:        uuid.NewString(),
			StoreID:   storeID,
			Status:    models.RunPending,
			StartedAt: time.Now().UTC(),
		}
		s.runs[run.ID] = run
		return run, false, nil
	}

	run := &models.ReconciliationRun{
		ID:        uuid.NewString(),
		StoreID:   storeID,
		Status:    models.RunRunning,
		Forced:    force,
		StartedAt: time.Now().UTC(),
	}
	s.mu.Lock()
	s.pruneLocked(time.Now().UTC())
	s.runs[run.ID] = run
	s.inflight[storeID] = run.ID
	s.tokens[run.ID] = token
	s.mu.Unlock()
	return run, true, nil
}

// pruneLocked evicts runs past the retention window so the registry
// stays bounded. Terminal runs age from FinishedAt; pending placeholders
// never finish here (the lease holder is another process), so they age
// from StartedAt. Callers hold s.mu.
func (s *Scheduler) pruneLocked(now time.Time) {
	if s.cfg.RunRetention <= 0 {
		return
	}
	for id, run := range s.runs {
		cutoff := run.FinishedAt
		if run.Status == models.RunPending {
			cutoff = run.StartedAt
		}
		if cutoff.IsZero() || now.Sub(cutoff) < s.cfg.RunRetention {
			continue
		}
		delete(s.runs, id)
	}
}

// Run returns a run by id for status polling.
func (s *Scheduler) Run(runID string) (*models.ReconciliationRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return nil, fmt.Errorf("unknown reconciliation run %s", runID)
	}
	cp := *run
	return &cp, nil
}

// execute drives the four stages in dependency order. A stage failure
// leaves its watermark unadvanced so the next trigger retries from the
// same point; every stage commits atomically under a fresh computation
// version, so retry is idempotent.
func (s *Scheduler) execute(ctx context.Context, run *models.ReconciliationRun, force bool) {
	storeID := run.StoreID
	logger := s.deps.Logger.With(zap.String("store_id", storeID), zap.String("run_id", run.ID))
	logger.Info("reconciliation run started", zap.Bool("forced", force))

	defer func() {
		s.mu.Lock()
		token := s.tokens[run.ID]
		delete(s.tokens, run.ID)
		delete(s.inflight, storeID)
		s.mu.Unlock()
		if err := s.deps.Leases.Release(context.WithoutCancel(ctx), storeID, token); err != nil {
			logger.Warn("failed to release reconciliation lease", zap.Error(err))
		}
	}()

	fail := func(stage models.Stage, err error) {
		logger.Error("reconciliation stage failed", zap.String("stage", string(stage)), zap.Error(err))
		s.mu.Lock()
		run.Status = models.RunFailed
		run.FailedStage = stage
		run.Error = err.Error()
		run.FinishedAt = time.Now().UTC()
		s.mu.Unlock()
		s.deps.Metrics.RecordRun(storeID, "failed")
	}

	stages := []struct {
		stage models.Stage
		run   func(context.Context, string, bool) error
	}{
		{models.StageAttribution, s.stageAttribution},
		{models.StageMetrics, s.stageMetrics},
		{models.StageDiagnostics, s.stageDiagnostics},
		{models.StageSuggestions, s.stageSuggestions},
	}
	for _, st := range stages {
		if err := ctx.Err(); err != nil {
			fail(st.stage, err)
			return
		}
		if err := st.run(ctx, storeID, force); err != nil {
			fail(st.stage, err)
			return
		}
	}

	s.mu.Lock()
	run.Status = models.RunSucceeded
	run.FinishedAt = time.Now().UTC()
	s.mu.Unlock()
	s.deps.Metrics.RecordRun(storeID, "succeeded")
	logger.Info("reconciliation run finished")
}

// stageAttribution recomputes edges for the minimal set of orders whose
// inputs changed since the stage watermark: newly ingested orders, plus
// already-processed orders whose lookback window covers a newly ingested
// ad event (late-arriving ad data).
func (s *Scheduler) stageAttribution(ctx context.Context, storeID string, force bool) error {
	start := time.Now()
	defer func() { s.deps.Metrics.ObserveStage(string(models.StageAttribution), time.Since(start)) }()

	cfg, ok := s.deps.AttrConfigs.StoreConfig(storeID)
	if !ok {
		return fmt.Errorf("%w: store %s", attribution.ErrMissingStoreContext, storeID)
	}

	since, err := s.deps.Watermarks.Get(ctx, storeID, models.StageAttribution)
	if err != nil {
		return err
	}
	if force {
		since = time.Time{}
	}

	newEvents, err := s.deps.Events.Query(ctx, storage.EventQuery{StoreID: storeID, Since: since})
	if err != nil {
		return err
	}
	if len(newEvents) == 0 {
		return nil
	}

	// All ad exposures of the store serve as the candidate pool; the
	// engine filters by window itself.
	adEvents, err := s.deps.Events.Query(ctx, storage.EventQuery{
		StoreID: storeID,
		Kinds:   []models.EventKind{models.EventAdClick, models.EventAdImpression},
	})
	if err != nil {
		return err
	}

	affected, err := s.affectedOrders(ctx, storeID, newEvents, cfg)
	if err != nil {
		return err
	}

	version := uuid.NewString()
	now := time.Now().UTC()
	sets := make([]*models.EdgeSet, 0, len(affected))
	var edgeCount int
	for _, order := range affected {
		edges, err := s.deps.Engine.AttributeOrder(order, adEvents)
		if err != nil {
			return err
		}
		if len(edges) == 0 {
			continue // fully organic: no-candidate means no-edge
		}
		edgeCount += len(edges)
		sets = append(sets, &models.EdgeSet{
			StoreID:            storeID,
			OrderID:            order.EntityID,
			ComputationVersion: version,
			ComputedAt:         now,
			Edges:              edges,
		})
	}

	if err := s.deps.Edges.SaveEdgeSets(ctx, sets); err != nil {
		return err
	}
	if s.deps.Metrics != nil {
		s.deps.Metrics.EdgesComputed.WithLabelValues(storeID).Add(float64(edgeCount))
	}

	return s.advance(ctx, storeID, models.StageAttribution, newEvents[len(newEvents)-1].IngestedAt)
}

// affectedOrders selects the orders whose attribution inputs changed:
// orders among the new events, and previously processed orders whose
// lookback window covers a new ad event.
func (s *Scheduler) affectedOrders(ctx context.Context, storeID string, newEvents []*models.Event, cfg attribution.Config) ([]*models.Event, error) {
	byOrderID := make(map[string]*models.Event)
	newAdEvents := make([]*models.Event, 0)
	for _, e := range newEvents {
		switch e.Kind {
		case models.EventOrderPlaced:
			byOrderID[e.EntityID] = e
		case models.EventAdClick, models.EventAdImpression:
			newAdEvents = append(newAdEvents, e)
		}
	}

	if len(newAdEvents) > 0 {
		lookback := cfg.ClickLookback
		if cfg.ViewLookback > lookback {
			lookback = cfg.ViewLookback
		}
		allOrders, err := s.deps.Events.Query(ctx, storage.EventQuery{
			StoreID: storeID,
			Kinds:   []models.EventKind{models.EventOrderPlaced},
		})
		if err != nil {
			return nil, err
		}
		for _, order := range allOrders {
			if _, ok := byOrderID[order.EntityID]; ok {
				continue
			}
			for _, ad := range newAdEvents {
				offset := order.OccurredAt.Sub(ad.OccurredAt)
				if offset >= 0 && offset <= lookback {
					byOrderID[order.EntityID] = order
					break
				}
			}
		}
	}

	orders := make([]*models.Event, 0, len(byOrderID))
	for _, o := range byOrderID {
		orders = append(orders, o)
	}
	return orders, nil
}

// stageMetrics recomputes the entity/buckets touched by events ingested
// since its own watermark and commits them as one snapshot version.
// Bucket totals are rebuilt from the full event history of the store so
// partially-seen buckets stay correct; only touched entities are
// re-emitted, keeping the committed volume proportional to new data. The
// stage tracks its own watermark so a retry after a mid-run failure
// re-reads the same inputs regardless of how far attribution got.
func (s *Scheduler) stageMetrics(ctx context.Context, storeID string, force bool) error {
	start := time.Now()
	defer func() { s.deps.Metrics.ObserveStage(string(models.StageMetrics), time.Since(start)) }()

	cfg, ok := s.deps.AttrConfigs.StoreConfig(storeID)
	if !ok {
		return fmt.Errorf("%w: store %s", attribution.ErrMissingStoreContext, storeID)
	}

	since, err := s.deps.Watermarks.Get(ctx, storeID, models.StageMetrics)
	if err != nil {
		return err
	}
	if force {
		since = time.Time{}
	}

	newEvents, err := s.deps.Events.Query(ctx, storage.EventQuery{StoreID: storeID, Since: since})
	if err != nil {
		return err
	}
	if len(newEvents) == 0 && !force {
		return nil
	}

	allEvents, err := s.deps.Events.Query(ctx, storage.EventQuery{StoreID: storeID})
	if err != nil {
		return err
	}
	edgeSets, err := s.deps.Edges.EdgeSetsForStore(ctx, storeID)
	if err != nil {
		return err
	}

	acc := s.deps.Aggregator.Aggregate(allEvents, edgeSets)
	if !force {
		affected, err := s.affectedOrders(ctx, storeID, newEvents, cfg)
		if err != nil {
			return err
		}
		acc = filterTouched(acc, newEvents, affected, edgeSets)
	}

	var maxIngested time.Time
	if len(newEvents) > 0 {
		maxIngested = newEvents[len(newEvents)-1].IngestedAt
	}

	version := uuid.NewString()
	now := time.Now().UTC()
	snaps := s.deps.Aggregator.Snapshots(storeID, acc, version, now)
	if len(snaps) == 0 {
		// Nothing touched; still advance the watermark past the inputs.
		return s.advance(ctx, storeID, models.StageMetrics, maxIngested)
	}

	if err := s.deps.Snapshots.SaveSnapshots(ctx, snaps); err != nil {
		return err
	}
	if s.deps.Metrics != nil {
		s.deps.Metrics.SnapshotsCommitted.WithLabelValues(storeID).Add(float64(len(snaps)))
	}

	if s.deps.Sink != nil {
		if err := s.deps.Sink.WriteSnapshots(ctx, snaps); err != nil {
			s.deps.Logger.Warn("snapshot warehouse export failed",
				zap.String("store_id", storeID), zap.Error(err))
		}
	}

	return s.advance(ctx, storeID, models.StageMetrics, maxIngested)
}

// advance moves a stage watermark forward, never backward. A forced run
// over already-processed data carries a zero high-water mark; regressing
// the watermark would make every later pass re-read the full history.
func (s *Scheduler) advance(ctx context.Context, storeID string, stage models.Stage, processed time.Time) error {
	if processed.IsZero() {
		return nil
	}
	return s.deps.Watermarks.Set(ctx, storeID, stage, processed)
}

// filterTouched keeps only accumulator keys for entities touched since
// the stage watermark: the new events' ads and campaigns, plus the
// products and attributed ads of every affected order. Re-attributing an
// old order on late ad data re-emits its SKU buckets too.
func filterTouched(acc map[aggregate.BucketKey]aggregate.Totals, newEvents, affected []*models.Event, edgeSets []*models.EdgeSet) map[aggregate.BucketKey]aggregate.Totals {
	edgesByOrder := make(map[string]*models.EdgeSet, len(edgeSets))
	for _, set := range edgeSets {
		edgesByOrder[set.OrderID] = set
	}

	touched := make(map[string]struct{})
	for _, e := range newEvents {
		if e.Kind == models.EventOrderPlaced {
			continue // covered through affected orders below
		}
		touched[e.EntityID] = struct{}{}
		if e.Payload.AdSetID != "" {
			touched[e.Payload.AdSetID] = struct{}{}
		}
		if e.Payload.CampaignID != "" {
			touched[e.Payload.CampaignID] = struct{}{}
		}
	}
	for _, order := range affected {
		for _, p := range order.Payload.ProductIDs {
			touched[p] = struct{}{}
		}
		if set, ok := edgesByOrder[order.EntityID]; ok {
			for _, edge := range set.Edges {
				touched[edge.AdID] = struct{}{}
			}
		}
	}

	out := make(map[aggregate.BucketKey]aggregate.Totals)
	for k, t := range acc {
		if _, ok := touched[k.EntityID]; ok {
			out[k] = t
		}
	}
	return out
}

// stageDiagnostics re-evaluates entity health from the latest snapshots.
// Its watermark chases the metrics watermark: the stage runs only when
// metrics has committed past the last position diagnostics evaluated.
func (s *Scheduler) stageDiagnostics(ctx context.Context, storeID string, force bool) error {
	start := time.Now()
	defer func() { s.deps.Metrics.ObserveStage(string(models.StageDiagnostics), time.Since(start)) }()

	metricsWM, err := s.deps.Watermarks.Get(ctx, storeID, models.StageMetrics)
	if err != nil {
		return err
	}
	diagWM, err := s.deps.Watermarks.Get(ctx, storeID, models.StageDiagnostics)
	if err != nil {
		return err
	}
	if !force && (metricsWM.IsZero() || !diagWM.Before(metricsWM)) {
		return nil
	}

	snaps, err := s.deps.Snapshots.Latest(ctx, storeID)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	active, err := s.deps.Diagnostics.Run(ctx, storeID, snaps, now)
	if err != nil {
		return err
	}

	if s.deps.Metrics != nil {
		counts := make(map[models.FindingType]int)
		for _, f := range active {
			counts[f.Type]++
		}
		for _, t := range []models.FindingType{models.FindingCreativeFatigue, models.FindingBudgetWaste, models.FindingSKUAnomaly} {
			s.deps.Metrics.ActiveFindings.WithLabelValues(storeID, string(t)).Set(float64(counts[t]))
		}
	}
	return s.advance(ctx, storeID, models.StageDiagnostics, metricsWM)
}

// stageSuggestions regenerates the store's suggestion set wholesale.
// Suggestions expire on their own, so this stage runs every pass.
func (s *Scheduler) stageSuggestions(ctx context.Context, storeID string, force bool) error {
	start := time.Now()
	defer func() { s.deps.Metrics.ObserveStage(string(models.StageSuggestions), time.Since(start)) }()

	findings, err := s.deps.Findings.ActiveFindings(ctx, storeID)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	set, err := s.deps.Ranker.Rank(ctx, storeID, findings, now)
	if err != nil {
		return err
	}
	if err := s.deps.Suggestions.ReplaceSet(ctx, set); err != nil {
		return err
	}
	if s.deps.Metrics != nil {
		for _, sg := range set.Suggestions {
			s.deps.Metrics.SuggestionsGenerated.WithLabelValues(storeID, string(sg.Type)).Inc()
		}
	}
	return s.deps.Watermarks.Set(ctx, storeID, models.StageSuggestions, now)
}
