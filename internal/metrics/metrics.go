package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the attribution core.
type Metrics struct {
	// Ingestion metrics
	EventsAppended  *prometheus.CounterVec
	EventsRejected  *prometheus.CounterVec
	DuplicateEvents prometheus.Counter

	// Reconciliation metrics
	ReconcileRuns     *prometheus.CounterVec
	CoalescedTriggers prometheus.Counter
	StageDuration     *prometheus.HistogramVec

	// Pipeline output metrics
	EdgesComputed        *prometheus.CounterVec
	SnapshotsCommitted   *prometheus.CounterVec
	ActiveFindings       *prometheus.GaugeVec
	SuggestionsGenerated *prometheus.CounterVec

	// Collaborator metrics
	TrendLookupFailures   prometheus.Counter
	CatalogLookupFailures prometheus.Counter
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		EventsAppended: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_appended_total",
				Help:      "Total number of events appended to the event store",
			},
			[]string{"store_id", "kind"},
		),
		EventsRejected: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_rejected_total",
				Help:      "Total number of malformed events rejected at the ingestion boundary",
			},
			[]string{"store_id"},
		),
		DuplicateEvents: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "duplicate_events_total",
				Help:      "Total number of conflicting duplicate events refused",
			},
		),
		ReconcileRuns: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reconcile_runs_total",
				Help:      "Total number of reconciliation runs by outcome",
			},
			[]string{"store_id", "outcome"},
		),
		CoalescedTriggers: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "coalesced_triggers_total",
				Help:      "Total number of reconcile triggers coalesced into an in-flight run",
			},
		),
		StageDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "stage_duration_seconds",
				Help:      "Pipeline stage duration in seconds",
				Buckets:   []float64{0.005, 0.025, 0.1, 0.5, 1, 5, 15, 60},
			},
			[]string{"stage"},
		),
		EdgesComputed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "attribution_edges_total",
				Help:      "Total number of attribution edges committed",
			},
			[]string{"store_id"},
		),
		SnapshotsCommitted: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "metric_snapshots_total",
				Help:      "Total number of metric snapshots committed",
			},
			[]string{"store_id"},
		),
		ActiveFindings: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_findings",
				Help:      "Active diagnostic findings by type",
			},
			[]string{"store_id", "finding_type"},
		),
		SuggestionsGenerated: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "suggestions_generated_total",
				Help:      "Total number of suggestions generated",
			},
			[]string{"store_id", "suggestion_type"},
		),
		TrendLookupFailures: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "trend_lookup_failures_total",
				Help:      "Total number of failed trend source lookups",
			},
		),
		CatalogLookupFailures: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "catalog_lookup_failures_total",
				Help:      "Total number of failed catalog lookups",
			},
		),
	}
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveStage records a stage duration.
func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.StageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// RecordRun records a reconciliation run outcome.
func (m *Metrics) RecordRun(storeID, outcome string) {
	if m == nil {
		return
	}
	m.ReconcileRuns.WithLabelValues(storeID, outcome).Inc()
}
