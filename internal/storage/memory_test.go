package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cliquelabs/attribution-core/internal/models"
)

var bucket = time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)

func TestEdgeStoreServesLatestVersion(t *testing.T) {
	store := NewInMemoryEdgeStore()
	ctx := context.Background()

	v1 := &models.EdgeSet{
		StoreID: "store-1", OrderID: "order-1", ComputationVersion: "v1",
		Edges: []models.AttributionEdge{{OrderID: "order-1", AdID: "ad-1", Weight: 0.5}},
	}
	v2 := &models.EdgeSet{
		StoreID: "store-1", OrderID: "order-1", ComputationVersion: "v2",
		Edges: []models.AttributionEdge{{OrderID: "order-1", AdID: "ad-2", Weight: 0.7}},
	}
	require.NoError(t, store.SaveEdgeSets(ctx, []*models.EdgeSet{v1}))
	require.NoError(t, store.SaveEdgeSets(ctx, []*models.EdgeSet{v2}))

	got, err := store.EdgesForOrder(ctx, "order-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "v2", got.ComputationVersion)
	assert.Equal(t, "ad-2", got.Edges[0].AdID)

	missing, err := store.EdgesForOrder(ctx, "order-none")
	require.NoError(t, err)
	assert.Nil(t, missing)

	perStore, err := store.EdgeSetsForStore(ctx, "store-1")
	require.NoError(t, err)
	require.Len(t, perStore, 1, "one latest set per order")
	assert.Equal(t, "v2", perStore[0].ComputationVersion)
}

func snapshot(entityID string, metric models.MetricName, version string, v float64) *models.MetricSnapshot {
	return &models.MetricSnapshot{
		StoreID: "store-1", EntityID: entityID, EntityType: models.EntityAd,
		BucketStart: bucket, BucketEnd: bucket.Add(24 * time.Hour),
		Metric: metric, Value: models.DefinedValue(v),
		ComputationVersion: version,
	}
}

func TestSnapshotStoreResolvesLatestVersion(t *testing.T) {
	store := NewInMemorySnapshotStore()
	ctx := context.Background()

	require.NoError(t, store.SaveSnapshots(ctx, []*models.MetricSnapshot{
		snapshot("ad-1", models.MetricCTR, "v1", 0.05),
	}))
	require.NoError(t, store.SaveSnapshots(ctx, []*models.MetricSnapshot{
		snapshot("ad-1", models.MetricCTR, "v2", 0.04),
	}))

	latest, err := store.Latest(ctx, "store-1")
	require.NoError(t, err)
	require.Len(t, latest, 1, "one snapshot per (entity, metric, bucket)")
	assert.Equal(t, "v2", latest[0].ComputationVersion)
	assert.InDelta(t, 0.04, latest[0].Value.Value, 1e-9)
}

func TestSnapshotStoreQueryFilters(t *testing.T) {
	store := NewInMemorySnapshotStore()
	ctx := context.Background()

	early := snapshot("ad-1", models.MetricCTR, "v1", 0.05)
	late := snapshot("ad-1", models.MetricCTR, "v1", 0.06)
	late.BucketStart = bucket.Add(24 * time.Hour)
	late.BucketEnd = bucket.Add(48 * time.Hour)
	other := snapshot("ad-1", models.MetricSpend, "v1", 5000)

	require.NoError(t, store.SaveSnapshots(ctx, []*models.MetricSnapshot{early, late, other}))

	got, err := store.Query(ctx, SnapshotQuery{EntityID: "ad-1", Metric: models.MetricCTR})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.True(t, got[0].BucketStart.Before(got[1].BucketStart))

	got, err = store.Query(ctx, SnapshotQuery{
		EntityID: "ad-1", Metric: models.MetricCTR,
		From: bucket.Add(24 * time.Hour),
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.InDelta(t, 0.06, got[0].Value.Value, 1e-9)
}

func TestFindingStoreExpireExcept(t *testing.T) {
	store := NewInMemoryFindingStore()
	ctx := context.Background()

	keepFinding := &models.DiagnosticFinding{
		ID: "f-1", StoreID: "store-1", EntityID: "ad-1",
		Type: models.FindingCreativeFatigue, Severity: models.SeverityWarn,
	}
	dropFinding := &models.DiagnosticFinding{
		ID: "f-2", StoreID: "store-1", EntityID: "ad-2",
		Type: models.FindingBudgetWaste, Severity: models.SeverityCritical,
	}
	require.NoError(t, store.SaveFindings(ctx, []*models.DiagnosticFinding{keepFinding, dropFinding}))

	keep := map[string]struct{}{FindingKey("ad-1", models.FindingCreativeFatigue): {}}
	require.NoError(t, store.ExpireExcept(ctx, "store-1", keep, bucket))

	active, err := store.ActiveFindings(ctx, "store-1")
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "ad-1", active[0].EntityID)

	all, err := store.AllFindings(ctx, "store-1")
	require.NoError(t, err)
	assert.Len(t, all, 2, "expiry is a soft delete")
}

func TestFindingStoreHealthRoundTrip(t *testing.T) {
	store := NewInMemoryFindingStore()
	ctx := context.Background()

	missing, err := store.Health(ctx, "store-1", "ad-1")
	require.NoError(t, err)
	assert.Nil(t, missing)

	h := &models.EntityHealth{
		StoreID: "store-1", EntityID: "ad-1",
		State: models.StateWatch, ConsecutiveDeviant: 1,
	}
	require.NoError(t, store.SaveHealth(ctx, h))

	got, err := store.Health(ctx, "store-1", "ad-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, models.StateWatch, got.State)

	// The store hands out copies, not aliases.
	got.State = models.StateFlagged
	again, err := store.Health(ctx, "store-1", "ad-1")
	require.NoError(t, err)
	assert.Equal(t, models.StateWatch, again.State)
}

func TestSuggestionStoreReplacesWholesale(t *testing.T) {
	store := NewInMemorySuggestionStore()
	ctx := context.Background()

	missing, err := store.CurrentSet(ctx, "store-1")
	require.NoError(t, err)
	assert.Nil(t, missing)

	first := &models.SuggestionSet{
		StoreID: "store-1", GeneratedAt: bucket,
		Suggestions: []models.Suggestion{{ID: "s-1", TargetEntityID: "ad-1"}},
	}
	second := &models.SuggestionSet{
		StoreID: "store-1", GeneratedAt: bucket.Add(time.Hour),
		Suggestions: []models.Suggestion{{ID: "s-2", TargetEntityID: "ad-2"}},
	}
	require.NoError(t, store.ReplaceSet(ctx, first))
	require.NoError(t, store.ReplaceSet(ctx, second))

	got, err := store.CurrentSet(ctx, "store-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Len(t, got.Suggestions, 1)
	assert.Equal(t, "s-2", got.Suggestions[0].ID)
}

func TestWatermarkStoreRoundTrip(t *testing.T) {
	store := NewInMemoryWatermarkStore()
	ctx := context.Background()

	wm, err := store.Get(ctx, "store-1", models.StageAttribution)
	require.NoError(t, err)
	assert.True(t, wm.IsZero(), "never-run stage reports the zero time")

	require.NoError(t, store.Set(ctx, "store-1", models.StageAttribution, bucket))
	wm, err = store.Get(ctx, "store-1", models.StageAttribution)
	require.NoError(t, err)
	assert.Equal(t, bucket, wm)

	// Stages are tracked independently.
	other, err := store.Get(ctx, "store-1", models.StageMetrics)
	require.NoError(t, err)
	assert.True(t, other.IsZero())
}
