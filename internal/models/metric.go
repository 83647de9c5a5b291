package models

import "time"

// ===========================================
// METRICS
// ===========================================

// EntityType classifies what a metric snapshot describes.
type EntityType string

const (
	EntityAd       EntityType = "ad"
	EntityAdSet    EntityType = "ad_set"
	EntityCampaign EntityType = "campaign"
	EntitySKU      EntityType = "sku"
)

// MetricName identifies a stored metric.
type MetricName string

const (
	// Associative counters; rollups sum these across buckets.
	MetricSpend             MetricName = "spend"
	MetricImpressions       MetricName = "impressions"
	MetricClicks            MetricName = "clicks"
	MetricAttributedOrders  MetricName = "attributed_orders"
	MetricAttributedRevenue MetricName = "attributed_revenue"

	// Derived ratios; recomputed from summed counters, never averaged.
	MetricCTR  MetricName = "ctr"
	MetricCPA  MetricName = "cpa"
	MetricRPMo MetricName = "rpmo"
	MetricROAS MetricName = "roas"
	MetricAOV  MetricName = "aov"
	MetricCVR  MetricName = "cvr"
)

// MetricValue represents a possibly-undefined metric. CPA with zero
// attributed orders is undefined, not an error and not a numeric outlier;
// downstream consumers treat undefined as "insufficient data".
type MetricValue struct {
	Defined bool    `json:"defined"`
	Value   float64 `json:"value"`
}

// Defined wraps a concrete metric value.
func DefinedValue(v float64) MetricValue { return MetricValue{Defined: true, Value: v} }

// UndefinedValue is the sentinel for metrics whose denominator is zero.
func UndefinedValue() MetricValue { return MetricValue{} }

// MetricSnapshot is one immutable, bucketed metric observation. A later
// run appends a new snapshot under its own ComputationVersion; history is
// never edited in place, so "what did we believe on date X" stays
// answerable.
type MetricSnapshot struct {
	StoreID            string      `json:"store_id"`
	EntityID           string      `json:"entity_id"`
	EntityType         EntityType  `json:"entity_type"`
	BucketStart        time.Time   `json:"bucket_start"`
	BucketEnd          time.Time   `json:"bucket_end"`
	Metric             MetricName  `json:"metric_name"`
	Value              MetricValue `json:"value"`
	SampleSize         int64       `json:"sample_size"`
	ComputationVersion string      `json:"computation_version"`
	ComputedAt         time.Time   `json:"computed_at"`
}
