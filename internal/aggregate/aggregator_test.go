package aggregate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/cliquelabs/attribution-core/internal/models"
)

var day = time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)

func TestTotalsMergeAssociative(t *testing.T) {
	a := Totals{SpendMinor: 100, Impressions: 10, Clicks: 2, AttributedOrders: 0.5, AttributedRevenue: 5000}
	b := Totals{SpendMinor: 200, Impressions: 20, Clicks: 3, AttributedOrders: 0.3, AttributedRevenue: 3000}
	c := Totals{SpendMinor: 50, Impressions: 5, Clicks: 1, AttributedOrders: 0.2, AttributedRevenue: 1000}

	// (a+b)+c
	left := a
	left.Merge(b)
	left.Merge(c)

	// a+(b+c)
	inner := b
	inner.Merge(c)
	right := a
	right.Merge(inner)

	assert.Equal(t, left, right)

	// a+b == b+a
	ab := a
	ab.Merge(b)
	ba := b
	ba.Merge(a)
	assert.Equal(t, ab, ba)
}

func TestRatioMetricEdgeCases(t *testing.T) {
	var zero Totals

	// CTR with zero impressions is a defined zero, not missing data.
	ctr := zero.CTR()
	assert.True(t, ctr.Defined)
	assert.Zero(t, ctr.Value)

	// Ratios over zero denominators are undefined, never Inf or NaN.
	assert.False(t, zero.CPA().Defined)
	assert.False(t, zero.RPMo().Defined)
	assert.False(t, zero.ROAS().Defined)
	assert.False(t, zero.AOV().Defined)
	assert.False(t, zero.CVR().Defined)
}

func TestRatioMetricValues(t *testing.T) {
	tot := Totals{SpendMinor: 10000, Impressions: 1000, Clicks: 50, AttributedOrders: 2, AttributedRevenue: 40000}

	assert.InDelta(t, 0.05, tot.CTR().Value, 1e-9)
	assert.InDelta(t, 5000, tot.CPA().Value, 1e-9)
	assert.InDelta(t, 4000, tot.RPMo().Value, 1e-9) // revenue per 1000 spend
	assert.InDelta(t, 4, tot.ROAS().Value, 1e-9)
	assert.InDelta(t, 20000, tot.AOV().Value, 1e-9)
	assert.InDelta(t, 0.04, tot.CVR().Value, 1e-9)
}

func TestBucketStartTruncatesToUTCDay(t *testing.T) {
	late := time.Date(2026, 3, 10, 23, 59, 59, 0, time.UTC)
	assert.Equal(t, day, BucketStart(late))

	// Non-UTC input lands in the UTC day it belongs to.
	offset := time.FixedZone("UTC+5", 5*3600)
	early := time.Date(2026, 3, 11, 2, 0, 0, 0, offset) // 2026-03-10 21:00 UTC
	assert.Equal(t, day, BucketStart(early))
}

func testEvents() []*models.Event {
	return []*models.Event{
		{
			StoreID: "store-1", Kind: models.EventAdImpression, EntityID: "ad-1",
			OccurredAt: day.Add(9 * time.Hour),
			Payload:    models.EventPayload{Impressions: 1000, Clicks: 50, AdSetID: "adset-1", CampaignID: "camp-1"},
		},
		{
			StoreID: "store-1", Kind: models.EventAdSpend, EntityID: "ad-1",
			OccurredAt: day.Add(10 * time.Hour),
			Payload:    models.EventPayload{SpendMinor: 5000, AdSetID: "adset-1", CampaignID: "camp-1"},
		},
		{
			StoreID: "store-1", Kind: models.EventOrderPlaced, EntityID: "order-1",
			OccurredAt: day.Add(12 * time.Hour),
			Payload:    models.EventPayload{AmountMinor: 20000, ProductIDs: []string{"sku-a", "sku-b"}},
		},
	}
}

func testEdgeSets() []*models.EdgeSet {
	return []*models.EdgeSet{
		{
			StoreID: "store-1", OrderID: "order-1",
			Edges: []models.AttributionEdge{
				{OrderID: "order-1", AdID: "ad-1", Weight: 0.8, ClickThrough: true},
			},
		},
	}
}

func TestAggregateRollsUpCounters(t *testing.T) {
	agg := NewAggregator(zap.NewNop())
	acc := agg.Aggregate(testEvents(), testEdgeSets())

	adKey := BucketKey{EntityID: "ad-1", EntityType: models.EntityAd, Bucket: day}
	ad, ok := acc[adKey]
	require.True(t, ok)
	assert.Equal(t, int64(1000), ad.Impressions)
	assert.Equal(t, int64(50), ad.Clicks)
	assert.Equal(t, int64(5000), ad.SpendMinor)
	assert.InDelta(t, 0.8, ad.AttributedOrders, 1e-9)
	assert.InDelta(t, 0.8*20000, ad.AttributedRevenue, 1e-9)

	// Counters roll up the whole ad hierarchy.
	for _, key := range []BucketKey{
		{EntityID: "adset-1", EntityType: models.EntityAdSet, Bucket: day},
		{EntityID: "camp-1", EntityType: models.EntityCampaign, Bucket: day},
	} {
		tot, ok := acc[key]
		require.True(t, ok, "missing rollup bucket %s", key.EntityID)
		assert.Equal(t, int64(1000), tot.Impressions)
		assert.Equal(t, int64(5000), tot.SpendMinor)
	}
}

func TestAggregateCountsClicksFromRollupsOnly(t *testing.T) {
	agg := NewAggregator(zap.NewNop())

	// A feed delivering both the daily performance rollup and the granular
	// click exposures must not count the same clicks twice.
	events := append(testEvents(), &models.Event{
		StoreID: "store-1", Kind: models.EventAdClick, EntityID: "ad-1",
		OccurredAt: day.Add(11 * time.Hour),
		Payload:    models.EventPayload{Clicks: 1, AdSetID: "adset-1", CampaignID: "camp-1"},
	})
	acc := agg.Aggregate(events, testEdgeSets())

	ad := acc[BucketKey{EntityID: "ad-1", EntityType: models.EntityAd, Bucket: day}]
	assert.Equal(t, int64(50), ad.Clicks)
	campaign := acc[BucketKey{EntityID: "camp-1", EntityType: models.EntityCampaign, Bucket: day}]
	assert.Equal(t, int64(50), campaign.Clicks)
}

func TestAggregateSplitsSKURevenueEvenly(t *testing.T) {
	agg := NewAggregator(zap.NewNop())
	acc := agg.Aggregate(testEvents(), testEdgeSets())

	for _, sku := range []string{"sku-a", "sku-b"} {
		key := BucketKey{EntityID: sku, EntityType: models.EntitySKU, Bucket: day}
		tot, ok := acc[key]
		require.True(t, ok, "missing sku bucket %s", sku)
		assert.InDelta(t, 0.4, tot.AttributedOrders, 1e-9)
		assert.InDelta(t, 0.8*20000/2, tot.AttributedRevenue, 1e-9)
	}
}

func TestAggregateBucketsByOccurredAt(t *testing.T) {
	agg := NewAggregator(zap.NewNop())
	events := []*models.Event{
		{
			StoreID: "store-1", Kind: models.EventAdImpression, EntityID: "ad-1",
			OccurredAt: day.Add(23 * time.Hour),
			Payload:    models.EventPayload{Impressions: 100},
		},
		{
			StoreID: "store-1", Kind: models.EventAdImpression, EntityID: "ad-1",
			OccurredAt: day.Add(25 * time.Hour),
			Payload:    models.EventPayload{Impressions: 200},
		},
	}

	acc := agg.Aggregate(events, nil)
	day1 := acc[BucketKey{EntityID: "ad-1", EntityType: models.EntityAd, Bucket: day}]
	day2 := acc[BucketKey{EntityID: "ad-1", EntityType: models.EntityAd, Bucket: day.Add(24 * time.Hour)}]
	assert.Equal(t, int64(100), day1.Impressions)
	assert.Equal(t, int64(200), day2.Impressions)
}

func TestSnapshotsEmitAllMetrics(t *testing.T) {
	agg := NewAggregator(zap.NewNop())
	acc := agg.Aggregate(testEvents(), testEdgeSets())

	snaps := agg.Snapshots("store-1", acc, "v1", day.Add(26*time.Hour))
	// 11 metrics per (entity, bucket): ad, ad set, campaign, two SKUs.
	assert.Len(t, snaps, 5*11)

	for _, sn := range snaps {
		assert.Equal(t, "store-1", sn.StoreID)
		assert.Equal(t, "v1", sn.ComputationVersion)
		assert.Equal(t, sn.BucketStart.Add(24*time.Hour), sn.BucketEnd)
	}
}

func TestRollupSumsBuckets(t *testing.T) {
	buckets := []Totals{
		{SpendMinor: 100, Impressions: 10},
		{SpendMinor: 200, Impressions: 20, Clicks: 5},
		{AttributedOrders: 1.5, AttributedRevenue: 30000},
	}
	got := Rollup(buckets)
	assert.Equal(t, int64(300), got.SpendMinor)
	assert.Equal(t, int64(30), got.Impressions)
	assert.Equal(t, int64(5), got.Clicks)
	assert.InDelta(t, 1.5, got.AttributedOrders, 1e-9)
	assert.InDelta(t, 30000, got.AttributedRevenue, 1e-9)
}
