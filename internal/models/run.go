package models

import "time"

// ===========================================
// RECONCILIATION
// ===========================================

// RunStatus is the lifecycle state of a reconciliation run.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
)

// Stage names the pipeline stages in dependency order.
type Stage string

const (
	StageAttribution Stage = "attribution"
	StageMetrics     Stage = "metrics"
	StageDiagnostics Stage = "diagnostics"
	StageSuggestions Stage = "suggestions"
)

// Stages lists the pipeline stages in execution order.
var Stages = []Stage{StageAttribution, StageMetrics, StageDiagnostics, StageSuggestions}

// ReconciliationRun tracks one pass over a store's pipeline. Callers poll
// this by id after POSTing a reconcile trigger.
type ReconciliationRun struct {
	ID         string    `json:"id"`
	StoreID    string    `json:"store_id"`
	Status     RunStatus `json:"status"`
	Forced     bool      `json:"forced"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
	Error      string    `json:"error,omitempty"`

	// FailedStage is set when Status is RunFailed; the watermark for that
	// stage was left unadvanced so the next trigger retries from the same
	// point.
	FailedStage Stage `json:"failed_stage,omitempty"`
}

// Watermark records the latest processed ingest timestamp for one stage
// of one store, scoping incremental recomputation.
type Watermark struct {
	StoreID   string    `json:"store_id"`
	Stage     Stage     `json:"stage"`
	Processed time.Time `json:"last_processed_ingested_at"`
}
