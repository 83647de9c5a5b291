package reconcile

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/cliquelabs/attribution-core/internal/aggregate"
	"github.com/cliquelabs/attribution-core/internal/attribution"
	"github.com/cliquelabs/attribution-core/internal/diagnostics"
	"github.com/cliquelabs/attribution-core/internal/models"
	"github.com/cliquelabs/attribution-core/internal/storage"
	"github.com/cliquelabs/attribution-core/internal/suggest"
)

var orderAt = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

type testEnv struct {
	scheduler   *Scheduler
	events      *storage.InMemoryEventStore
	edges       *storage.InMemoryEdgeStore
	snapshots   *storage.InMemorySnapshotStore
	findings    *storage.InMemoryFindingStore
	suggestions *storage.InMemorySuggestionStore
	watermarks  *storage.InMemoryWatermarkStore
	leases      *MemoryLeaseStore
}

func newTestEnv(mutate func(*Deps)) *testEnv {
	logger := zap.NewNop()
	env := &testEnv{
		events:      storage.NewInMemoryEventStore(),
		edges:       storage.NewInMemoryEdgeStore(),
		snapshots:   storage.NewInMemorySnapshotStore(),
		findings:    storage.NewInMemoryFindingStore(),
		suggestions: storage.NewInMemorySuggestionStore(),
		watermarks:  storage.NewInMemoryWatermarkStore(),
		leases:      NewMemoryLeaseStore(),
	}

	provider := &attribution.StaticConfigProvider{Default: attribution.DefaultConfig()}
	deps := Deps{
		Events:      env.events,
		Edges:       env.edges,
		Snapshots:   env.snapshots,
		Findings:    env.findings,
		Suggestions: env.suggestions,
		Watermarks:  env.watermarks,
		Leases:      env.leases,
		Engine:      attribution.NewEngine(provider, logger),
		AttrConfigs: provider,
		Aggregator:  aggregate.NewAggregator(logger),
		Diagnostics: diagnostics.NewEngine(diagnostics.DefaultConfig(), env.findings, logger),
		Ranker:      suggest.NewRanker(suggest.DefaultConfig(), &suggest.StaticTrendSource{}, &suggest.StaticCatalog{}, logger),
		Logger:      logger,
	}
	if mutate != nil {
		mutate(&deps)
	}
	env.scheduler = NewScheduler(Config{LeaseTTL: time.Minute, Interval: time.Hour}, deps)
	return env
}

func (env *testEnv) append(t *testing.T, e *models.Event) {
	t.Helper()
	_, err := env.events.Append(context.Background(), e)
	require.NoError(t, err)
}

func (env *testEnv) seedStore(t *testing.T) {
	t.Helper()
	env.append(t, &models.Event{
		StoreID: "store-1", Kind: models.EventAdImpression, EntityID: "ad-1",
		OccurredAt: orderAt.Add(-3 * time.Hour),
		Payload:    models.EventPayload{Impressions: 500, CampaignID: "camp-1"},
	})
	env.append(t, &models.Event{
		StoreID: "store-1", Kind: models.EventAdClick, EntityID: "ad-1",
		OccurredAt: orderAt.Add(-2 * time.Hour),
		Payload:    models.EventPayload{Clicks: 1, CampaignID: "camp-1"},
	})
	env.append(t, &models.Event{
		StoreID: "store-1", Kind: models.EventAdSpend, EntityID: "ad-1",
		OccurredAt: orderAt.Add(-1 * time.Hour),
		Payload:    models.EventPayload{SpendMinor: 5000, CampaignID: "camp-1"},
	})
	env.append(t, &models.Event{
		StoreID: "store-1", Kind: models.EventOrderPlaced, EntityID: "order-1",
		OccurredAt: orderAt,
		Payload:    models.EventPayload{AmountMinor: 20000, ProductIDs: []string{"sku-a"}},
	})
}

func TestReconcileSyncFullPipeline(t *testing.T) {
	env := newTestEnv(nil)
	env.seedStore(t)
	ctx := context.Background()

	run, err := env.scheduler.ReconcileSync(ctx, "store-1", false)
	require.NoError(t, err)
	assert.Equal(t, models.RunSucceeded, run.Status)
	assert.Empty(t, run.FailedStage)
	assert.False(t, run.FinishedAt.IsZero())

	set, err := env.edges.EdgesForOrder(ctx, "order-1")
	require.NoError(t, err)
	require.NotNil(t, set)
	require.Len(t, set.Edges, 1)
	assert.Equal(t, "ad-1", set.Edges[0].AdID)
	assert.True(t, set.Edges[0].ClickThrough)

	snaps, err := env.snapshots.Latest(ctx, "store-1")
	require.NoError(t, err)
	assert.NotEmpty(t, snaps)

	for _, stage := range models.Stages {
		wm, err := env.watermarks.Get(ctx, "store-1", stage)
		require.NoError(t, err)
		assert.False(t, wm.IsZero(), "stage %s watermark must advance", stage)
	}

	suggestionSet, err := env.suggestions.CurrentSet(ctx, "store-1")
	require.NoError(t, err)
	require.NotNil(t, suggestionSet, "every pass replaces the suggestion set")
	assert.Empty(t, suggestionSet.Suggestions)

	// The lease must be released after the run.
	_, ok, err := env.leases.Acquire(ctx, "store-1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

type captureSink struct {
	mu    sync.Mutex
	calls int
}

func (c *captureSink) WriteSnapshots(ctx context.Context, snaps []*models.MetricSnapshot) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return nil
}

func (c *captureSink) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func TestReconcileSyncNoNewEventsSkipsRecompute(t *testing.T) {
	sink := &captureSink{}
	env := newTestEnv(func(d *Deps) { d.Sink = sink })
	env.seedStore(t)
	ctx := context.Background()

	_, err := env.scheduler.ReconcileSync(ctx, "store-1", false)
	require.NoError(t, err)
	require.Equal(t, 1, sink.count())

	run, err := env.scheduler.ReconcileSync(ctx, "store-1", false)
	require.NoError(t, err)
	assert.Equal(t, models.RunSucceeded, run.Status)
	assert.Equal(t, 1, sink.count(), "no new events means no snapshot commit")
}

func TestReconcileSyncForceRecomputes(t *testing.T) {
	sink := &captureSink{}
	env := newTestEnv(func(d *Deps) { d.Sink = sink })
	env.seedStore(t)
	ctx := context.Background()

	_, err := env.scheduler.ReconcileSync(ctx, "store-1", false)
	require.NoError(t, err)

	run, err := env.scheduler.ReconcileSync(ctx, "store-1", true)
	require.NoError(t, err)
	assert.Equal(t, models.RunSucceeded, run.Status)
	assert.True(t, run.Forced)
	assert.Equal(t, 2, sink.count(), "a forced run recomputes the full history")
}

func TestLateAdEventReattributesOrder(t *testing.T) {
	env := newTestEnv(nil)
	ctx := context.Background()

	env.append(t, &models.Event{
		StoreID: "store-1", Kind: models.EventOrderPlaced, EntityID: "order-1",
		OccurredAt: orderAt,
		Payload:    models.EventPayload{AmountMinor: 20000},
	})
	_, err := env.scheduler.ReconcileSync(ctx, "store-1", false)
	require.NoError(t, err)

	set, err := env.edges.EdgesForOrder(ctx, "order-1")
	require.NoError(t, err)
	assert.Nil(t, set, "order with no exposures stays organic")

	// The click arrives late but falls inside the order's lookback window,
	// so the next pass re-attributes the already-processed order.
	env.append(t, &models.Event{
		StoreID: "store-1", Kind: models.EventAdClick, EntityID: "ad-late",
		OccurredAt: orderAt.Add(-2 * time.Hour),
		Payload:    models.EventPayload{Clicks: 1},
	})
	run, err := env.scheduler.ReconcileSync(ctx, "store-1", false)
	require.NoError(t, err)
	require.Equal(t, models.RunSucceeded, run.Status)

	set, err = env.edges.EdgesForOrder(ctx, "order-1")
	require.NoError(t, err)
	require.NotNil(t, set)
	require.Len(t, set.Edges, 1)
	assert.Equal(t, "ad-late", set.Edges[0].AdID)
}

type flakySnapshotStore struct {
	*storage.InMemorySnapshotStore
	fail bool
}

func (f *flakySnapshotStore) SaveSnapshots(ctx context.Context, snaps []*models.MetricSnapshot) error {
	if f.fail {
		return errors.New("snapshot insert: connection reset")
	}
	return f.InMemorySnapshotStore.SaveSnapshots(ctx, snaps)
}

func TestStageFailureLeavesWatermarkForRetry(t *testing.T) {
	var flaky *flakySnapshotStore
	env := newTestEnv(func(d *Deps) {
		flaky = &flakySnapshotStore{InMemorySnapshotStore: storage.NewInMemorySnapshotStore(), fail: true}
		d.Snapshots = flaky
	})
	env.seedStore(t)
	ctx := context.Background()

	run, err := env.scheduler.ReconcileSync(ctx, "store-1", false)
	require.NoError(t, err)
	assert.Equal(t, models.RunFailed, run.Status)
	assert.Equal(t, models.StageMetrics, run.FailedStage)
	assert.NotEmpty(t, run.Error)

	attrWM, err := env.watermarks.Get(ctx, "store-1", models.StageAttribution)
	require.NoError(t, err)
	assert.False(t, attrWM.IsZero(), "the completed stage keeps its progress")

	metricsWM, err := env.watermarks.Get(ctx, "store-1", models.StageMetrics)
	require.NoError(t, err)
	assert.True(t, metricsWM.IsZero(), "the failed stage must not advance")

	// Retry with no further ingestion: the metrics stage re-reads from its
	// own unadvanced watermark and commits this time.
	flaky.fail = false
	run, err = env.scheduler.ReconcileSync(ctx, "store-1", false)
	require.NoError(t, err)
	assert.Equal(t, models.RunSucceeded, run.Status)

	snaps, err := flaky.Latest(ctx, "store-1")
	require.NoError(t, err)
	assert.NotEmpty(t, snaps)

	metricsWM, err = env.watermarks.Get(ctx, "store-1", models.StageMetrics)
	require.NoError(t, err)
	assert.False(t, metricsWM.IsZero())
}

type blockingSink struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (b *blockingSink) WriteSnapshots(ctx context.Context, snaps []*models.MetricSnapshot) error {
	b.once.Do(func() { close(b.entered) })
	<-b.release
	return nil
}

func TestConcurrentTriggerCoalesces(t *testing.T) {
	sink := &blockingSink{entered: make(chan struct{}), release: make(chan struct{})}
	env := newTestEnv(func(d *Deps) { d.Sink = sink })
	env.seedStore(t)
	ctx := context.Background()

	first, err := env.scheduler.Reconcile(ctx, "store-1", false)
	require.NoError(t, err)

	select {
	case <-sink.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("run never reached the snapshot sink")
	}

	// A trigger while the pass is in flight returns the same run, never a
	// second pass and never an error.
	second, err := env.scheduler.Reconcile(ctx, "store-1", false)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	close(sink.release)
	require.Eventually(t, func() bool {
		run, err := env.scheduler.Run(first)
		return err == nil && run.Status == models.RunSucceeded
	}, 5*time.Second, 10*time.Millisecond)
}

func TestLeaseHeldElsewhereReturnsPendingRun(t *testing.T) {
	env := newTestEnv(nil)
	env.seedStore(t)
	ctx := context.Background()

	// Simulate another process holding the store's lease.
	_, ok, err := env.leases.Acquire(ctx, "store-1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	id, err := env.scheduler.Reconcile(ctx, "store-1", false)
	require.NoError(t, err)

	run, err := env.scheduler.Run(id)
	require.NoError(t, err)
	assert.Equal(t, models.RunPending, run.Status)
	assert.Equal(t, "store-1", run.StoreID)
}

func TestRunRegistryEvictsFinishedRunsAfterRetention(t *testing.T) {
	env := newTestEnv(nil)
	env.seedStore(t)
	ctx := context.Background()
	sched := NewScheduler(Config{LeaseTTL: time.Minute, RunRetention: 10 * time.Millisecond}, env.scheduler.deps)

	first, err := sched.ReconcileSync(ctx, "store-1", false)
	require.NoError(t, err)
	require.Equal(t, models.RunSucceeded, first.Status)

	time.Sleep(20 * time.Millisecond)

	// The next trigger prunes everything past the retention window.
	_, err = sched.ReconcileSync(ctx, "store-1", false)
	require.NoError(t, err)

	_, err = sched.Run(first.ID)
	assert.Error(t, err, "finished runs age out of the registry")
}

func TestPendingPlaceholderExpiresAfterRetention(t *testing.T) {
	env := newTestEnv(nil)
	env.seedStore(t)
	ctx := context.Background()
	sched := NewScheduler(Config{LeaseTTL: time.Minute, RunRetention: 10 * time.Millisecond}, env.scheduler.deps)

	// Another process holds the lease, so the trigger reports a pending
	// placeholder that this process will never resolve itself.
	token, ok, err := env.leases.Acquire(ctx, "store-1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	id, err := sched.Reconcile(ctx, "store-1", false)
	require.NoError(t, err)

	require.NoError(t, env.leases.Release(ctx, "store-1", token))
	time.Sleep(20 * time.Millisecond)

	run, err := sched.ReconcileSync(ctx, "store-1", false)
	require.NoError(t, err)
	require.Equal(t, models.RunSucceeded, run.Status)

	_, err = sched.Run(id)
	assert.Error(t, err, "stale placeholders age out of the registry")
}

func TestRunPeriodicTriggersConfiguredStores(t *testing.T) {
	env := newTestEnv(nil)
	env.seedStore(t)
	sched := NewScheduler(Config{LeaseTTL: time.Minute, Interval: 10 * time.Millisecond}, env.scheduler.deps)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sched.RunPeriodic(ctx, []string{"store-1"})

	require.Eventually(t, func() bool {
		set, err := env.suggestions.CurrentSet(context.Background(), "store-1")
		return err == nil && set != nil
	}, 5*time.Second, 10*time.Millisecond)
}

func TestRunUnknownID(t *testing.T) {
	env := newTestEnv(nil)
	_, err := env.scheduler.Run("no-such-run")
	assert.Error(t, err)
}
