package storage

import (
	"context"
	"errors"
	"time"

	"github.com/cliquelabs/attribution-core/internal/models"
)

// ErrDuplicateEvent is returned by EventStore.Append when an event with
// the same natural key already exists with a different payload. Redelivery
// with an identical payload is a no-op, not an error.
var ErrDuplicateEvent = errors.New("duplicate event with conflicting payload")

// =============================================
// EVENT STORE
// =============================================

// EventQuery filters an event store read. Events come back ordered by
// ingested_at ascending; a reader restarts by passing the last seen
// ingest time as Since.
type EventQuery struct {
	StoreID string
	Kinds   []models.EventKind // empty = all kinds
	Since   time.Time          // exclusive lower bound on ingested_at
	Until   time.Time          // inclusive upper bound; zero = open
}

// EventStore is the append-only, time-indexed record of normalized
// events. Append is durable before returning; no partial-write state is
// observable.
type EventStore interface {
	// Append stores the event and returns its id. Redelivery of an
	// identical event returns the stored event's id with no new write;
	// a natural-key match with a different payload fails with
	// ErrDuplicateEvent.
	Append(ctx context.Context, e *models.Event) (string, error)

	// Query returns matching events ordered by ingested_at ascending.
	Query(ctx context.Context, q EventQuery) ([]*models.Event, error)
}

// =============================================
// ATTRIBUTION EDGES
// =============================================

// EdgeStore holds versioned attribution edge sets. Sole writer is the
// attribution stage; sets are never mutated, only superseded.
type EdgeStore interface {
	// SaveEdgeSets commits all sets of one computation version
	// atomically: either every set becomes visible or none does.
	SaveEdgeSets(ctx context.Context, sets []*models.EdgeSet) error

	// EdgesForOrder returns the latest edge set for an order, or nil.
	EdgesForOrder(ctx context.Context, orderID string) (*models.EdgeSet, error)

	// EdgeSetsForStore returns the latest edge set per order for a store.
	EdgeSetsForStore(ctx context.Context, storeID string) ([]*models.EdgeSet, error)
}

// =============================================
// METRIC SNAPSHOTS
// =============================================

// SnapshotQuery selects metric snapshots for one entity.
type SnapshotQuery struct {
	EntityID string
	Metric   models.MetricName // empty = all metrics
	From     time.Time
	To       time.Time
}

// SnapshotStore holds bucketed metric snapshots, append-only per
// computation version.
type SnapshotStore interface {
	// SaveSnapshots commits one version's snapshots atomically.
	SaveSnapshots(ctx context.Context, snaps []*models.MetricSnapshot) error

	// Query returns the latest-version snapshot per (bucket, metric)
	// ordered by bucket start ascending.
	Query(ctx context.Context, q SnapshotQuery) ([]*models.MetricSnapshot, error)

	// Latest returns the most recent snapshots per entity/metric/bucket
	// for a whole store, for diagnostics input.
	Latest(ctx context.Context, storeID string) ([]*models.MetricSnapshot, error)
}

// =============================================
// FINDINGS AND HEALTH STATE
// =============================================

// FindingStore persists diagnostic findings and the per-entity health
// state carried between runs.
type FindingStore interface {
	SaveFindings(ctx context.Context, findings []*models.DiagnosticFinding) error

	// ActiveFindings returns non-expired findings for a store.
	ActiveFindings(ctx context.Context, storeID string) ([]*models.DiagnosticFinding, error)

	// AllFindings returns findings including expired ones.
	AllFindings(ctx context.Context, storeID string) ([]*models.DiagnosticFinding, error)

	// ExpireExcept soft-deletes active findings of the store whose
	// (entity, type) pair is not in keep. Run after each diagnostics pass
	// so findings lapse when the condition is no longer reproduced.
	ExpireExcept(ctx context.Context, storeID string, keep map[string]struct{}, at time.Time) error

	Health(ctx context.Context, storeID, entityID string) (*models.EntityHealth, error)
	SaveHealth(ctx context.Context, h *models.EntityHealth) error
}

// =============================================
// SUGGESTIONS
// =============================================

// SuggestionStore keeps the latest suggestion set per store. Each ranking
// pass replaces the previous set wholesale.
type SuggestionStore interface {
	ReplaceSet(ctx context.Context, set *models.SuggestionSet) error
	CurrentSet(ctx context.Context, storeID string) (*models.SuggestionSet, error)
}

// =============================================
// WATERMARKS
// =============================================

// WatermarkStore tracks per-store, per-stage progress for incremental
// reconciliation.
type WatermarkStore interface {
	// Get returns the stage watermark, or the zero time when the stage
	// has never completed (first run).
	Get(ctx context.Context, storeID string, stage models.Stage) (time.Time, error)
	Set(ctx context.Context, storeID string, stage models.Stage, processed time.Time) error
}
