package models

import "time"

// ===========================================
// DIAGNOSTICS
// ===========================================

// HealthState is the per-entity diagnostic state machine state.
type HealthState string

const (
	StateHealthy HealthState = "healthy"
	StateWatch   HealthState = "watch"
	StateFlagged HealthState = "flagged"
)

// FindingType identifies a diagnosed condition.
type FindingType string

const (
	FindingCreativeFatigue FindingType = "creative_fatigue"
	FindingBudgetWaste     FindingType = "budget_waste"
	FindingSKUAnomaly      FindingType = "sku_anomaly"
)

// Severity grades a finding.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarn     Severity = "warn"
	SeverityCritical Severity = "critical"
)

// Weight orders severities for suggestion scoring.
func (s Severity) Weight() float64 {
	switch s {
	case SeverityCritical:
		return 3
	case SeverityWarn:
		return 2
	default:
		return 1
	}
}

// Evidence holds the statistical basis for a finding.
type Evidence struct {
	Metric     MetricName `json:"metric"`
	ZScore     float64    `json:"z_score"`
	Baseline   float64    `json:"baseline"`
	Observed   float64    `json:"observed"`
	Buckets    int        `json:"buckets"` // baseline buckets evaluated
	SampleSize int64      `json:"sample_size"`
}

// DiagnosticFinding is one flagged condition on an entity. Findings are
// created by the diagnostics engine and soft-expire when a subsequent run
// no longer reproduces the condition.
type DiagnosticFinding struct {
	ID         string      `json:"id"`
	StoreID    string      `json:"store_id"`
	EntityID   string      `json:"entity_id"`
	EntityType EntityType  `json:"entity_type"`
	Type       FindingType `json:"finding_type"`
	Severity   Severity    `json:"severity"`
	DetectedAt time.Time   `json:"detected_at"`
	ExpiredAt  *time.Time  `json:"expired_at,omitempty"`
	Evidence   Evidence    `json:"evidence"`
}

// Active reports whether the finding has not been soft-deleted.
func (f *DiagnosticFinding) Active() bool { return f.ExpiredAt == nil }

// EntityHealth is the persisted state-machine position for one entity,
// carried across diagnostic runs to implement hysteresis.
type EntityHealth struct {
	StoreID  string      `json:"store_id"`
	EntityID string      `json:"entity_id"`
	State    HealthState `json:"state"`

	// LastBucket is the most recent bucket the state machine consumed.
	// Diagnostics may re-run over the same daily bucket as intra-day data
	// lands; only a new bucket may advance the consecutive counters.
	LastBucket time.Time `json:"last_bucket"`

	// ConsecutiveDeviant counts buckets in a row beyond one standard
	// deviation; ConsecutiveNormal counts buckets back inside baseline.
	ConsecutiveDeviant int `json:"consecutive_deviant"`
	ConsecutiveNormal  int `json:"consecutive_normal"`

	UpdatedAt time.Time `json:"updated_at"`
}
