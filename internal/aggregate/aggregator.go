package aggregate

import (
	"time"

	"go.uber.org/zap"

	"github.com/cliquelabs/attribution-core/internal/models"
)

// Totals holds the associative counters for one entity/bucket. Merging
// two Totals is commutative and associative, so weekly or monthly rollups
// sum daily buckets without re-reading raw events.
type Totals struct {
	SpendMinor        int64
	Impressions       int64
	Clicks            int64
	AttributedOrders  float64 // fractional: sum of edge weights
	AttributedRevenue float64 // minor units, weighted by edge weight
}

// Merge folds other into t.
func (t *Totals) Merge(other Totals) {
	t.SpendMinor += other.SpendMinor
	t.Impressions += other.Impressions
	t.Clicks += other.Clicks
	t.AttributedOrders += other.AttributedOrders
	t.AttributedRevenue += other.AttributedRevenue
}

// CTR is clicks / impressions; zero impressions yields a defined zero,
// not an error.
func (t Totals) CTR() models.MetricValue {
	if t.Impressions == 0 {
		return models.DefinedValue(0)
	}
	return models.DefinedValue(float64(t.Clicks) / float64(t.Impressions))
}

// CPA is spend / attributed orders; undefined with zero attributed
// orders, surfaced downstream as insufficient data rather than an
// outlier.
func (t Totals) CPA() models.MetricValue {
	if t.AttributedOrders == 0 {
		return models.UndefinedValue()
	}
	return models.DefinedValue(float64(t.SpendMinor) / t.AttributedOrders)
}

// RPMo is attributed revenue per thousand spend, the core efficiency
// metric.
func (t Totals) RPMo() models.MetricValue {
	if t.SpendMinor == 0 {
		return models.UndefinedValue()
	}
	return models.DefinedValue(t.AttributedRevenue / float64(t.SpendMinor) * 1000)
}

// ROAS is attributed revenue / spend.
func (t Totals) ROAS() models.MetricValue {
	if t.SpendMinor == 0 {
		return models.UndefinedValue()
	}
	return models.DefinedValue(t.AttributedRevenue / float64(t.SpendMinor))
}

// AOV is attributed revenue / attributed orders.
func (t Totals) AOV() models.MetricValue {
	if t.AttributedOrders == 0 {
		return models.UndefinedValue()
	}
	return models.DefinedValue(t.AttributedRevenue / t.AttributedOrders)
}

// CVR is attributed orders / clicks.
func (t Totals) CVR() models.MetricValue {
	if t.Clicks == 0 {
		return models.UndefinedValue()
	}
	return models.DefinedValue(t.AttributedOrders / float64(t.Clicks))
}

// BucketKey identifies one entity/bucket accumulator.
type BucketKey struct {
	EntityID   string
	EntityType models.EntityType
	Bucket     time.Time
}

// Aggregator rolls attribution edges and raw spend/impression events into
// per-entity daily bucketed metrics.
type Aggregator struct {
	logger *zap.Logger
}

// NewAggregator creates a new metrics aggregator.
func NewAggregator(logger *zap.Logger) *Aggregator {
	return &Aggregator{logger: logger}
}

// BucketStart truncates t to its UTC day.
func BucketStart(t time.Time) time.Time {
	return t.UTC().Truncate(24 * time.Hour)
}

// Aggregate reduces the given events and edge sets to Totals keyed by
// entity and daily bucket. Events bucket by occurred_at; attribution
// contributions bucket by the order's occurred_at. The reduction is a
// pure fold: no shared accumulator survives across calls.
func (a *Aggregator) Aggregate(events []*models.Event, edgeSets []*models.EdgeSet) map[BucketKey]Totals {
	acc := make(map[BucketKey]Totals)
	add := func(entityID string, entityType models.EntityType, bucket time.Time, delta Totals) {
		k := BucketKey{EntityID: entityID, EntityType: entityType, Bucket: bucket}
		t := acc[k]
		t.Merge(delta)
		acc[k] = t
	}

	// Raw ad performance counters, rolled up through the ad hierarchy.
	orderByID := make(map[string]*models.Event)
	for _, e := range events {
		bucket := BucketStart(e.OccurredAt)
		var delta Totals
		switch e.Kind {
		case models.EventAdImpression:
			delta.Impressions = e.Payload.Impressions
			delta.Clicks = e.Payload.Clicks
		case models.EventAdClick:
			// Click counts ride on the impression rollups; a discrete click
			// event times attribution only. Counting it here would double
			// count against the rollup.
			continue
		case models.EventAdSpend:
			delta.SpendMinor = e.Payload.SpendMinor
		case models.EventOrderPlaced:
			orderByID[e.EntityID] = e
			continue
		default:
			continue
		}
		add(e.EntityID, models.EntityAd, bucket, delta)
		if e.Payload.AdSetID != "" {
			add(e.Payload.AdSetID, models.EntityAdSet, bucket, delta)
		}
		if e.Payload.CampaignID != "" {
			add(e.Payload.CampaignID, models.EntityCampaign, bucket, delta)
		}
	}

	// Attributed orders and revenue from the edge sets.
	for _, set := range edgeSets {
		order, ok := orderByID[set.OrderID]
		if !ok {
			// Order outside this incremental batch; its contribution was
			// committed by the run that processed it.
			continue
		}
		bucket := BucketStart(order.OccurredAt)
		for _, edge := range set.Edges {
			delta := Totals{
				AttributedOrders:  edge.Weight,
				AttributedRevenue: edge.Weight * float64(order.Payload.AmountMinor),
			}
			add(edge.AdID, models.EntityAd, bucket, delta)
		}
		// SKU-level attributed revenue: the order's attributed fraction
		// split evenly across its products.
		if n := len(order.Payload.ProductIDs); n > 0 {
			total := set.TotalWeight()
			for _, productID := range order.Payload.ProductIDs {
				add(productID, models.EntitySKU, bucket, Totals{
					AttributedOrders:  total / float64(n),
					AttributedRevenue: total * float64(order.Payload.AmountMinor) / float64(n),
				})
			}
		}
	}
	return acc
}

// Snapshots derives immutable metric snapshots from aggregated totals,
// all tagged with the given computation version.
func (a *Aggregator) Snapshots(storeID string, acc map[BucketKey]Totals, version string, computedAt time.Time) []*models.MetricSnapshot {
	snaps := make([]*models.MetricSnapshot, 0, len(acc)*11)
	for k, t := range acc {
		emit := func(name models.MetricName, v models.MetricValue) {
			snaps = append(snaps, &models.MetricSnapshot{
				StoreID:            storeID,
				EntityID:           k.EntityID,
				EntityType:         k.EntityType,
				BucketStart:        k.Bucket,
				BucketEnd:          k.Bucket.Add(24 * time.Hour),
				Metric:             name,
				Value:              v,
				SampleSize:         t.Impressions,
				ComputationVersion: version,
				ComputedAt:         computedAt,
			})
		}
		emit(models.MetricSpend, models.DefinedValue(float64(t.SpendMinor)))
		emit(models.MetricImpressions, models.DefinedValue(float64(t.Impressions)))
		emit(models.MetricClicks, models.DefinedValue(float64(t.Clicks)))
		emit(models.MetricAttributedOrders, models.DefinedValue(t.AttributedOrders))
		emit(models.MetricAttributedRevenue, models.DefinedValue(t.AttributedRevenue))
		emit(models.MetricCTR, t.CTR())
		emit(models.MetricCPA, t.CPA())
		emit(models.MetricRPMo, t.RPMo())
		emit(models.MetricROAS, t.ROAS())
		emit(models.MetricAOV, t.AOV())
		emit(models.MetricCVR, t.CVR())
	}
	return snaps
}

// Rollup sums a span of per-bucket totals into one Totals, the basis for
// weekly and monthly views.
func Rollup(buckets []Totals) Totals {
	var out Totals
	for _, b := range buckets {
		out.Merge(b)
	}
	return out
}
