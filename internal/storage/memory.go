package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cliquelabs/attribution-core/internal/models"
)

// =============================================
// EDGES
// =============================================

// InMemoryEdgeStore keeps every edge set version and serves the latest
// per order.
type InMemoryEdgeStore struct {
	mu      sync.RWMutex
	byOrder map[string][]*models.EdgeSet // order_id -> versions in commit order
	byStore map[string]map[string]struct{}
}

// NewInMemoryEdgeStore creates a new in-memory edge store.
func NewInMemoryEdgeStore() *InMemoryEdgeStore {
	return &InMemoryEdgeStore{
		byOrder: make(map[string][]*models.EdgeSet),
		byStore: make(map[string]map[string]struct{}),
	}
}

// SaveEdgeSets commits all sets atomically under the store lock.
func (s *InMemoryEdgeStore) SaveEdgeSets(ctx context.Context, sets []*models.EdgeSet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, set := range sets {
		cp := *set
		s.byOrder[set.OrderID] = append(s.byOrder[set.OrderID], &cp)
		if s.byStore[set.StoreID] == nil {
			s.byStore[set.StoreID] = make(map[string]struct{})
		}
		s.byStore[set.StoreID][set.OrderID] = struct{}{}
	}
	return nil
}

// EdgesForOrder returns the latest edge set for the order, or nil.
func (s *InMemoryEdgeStore) EdgesForOrder(ctx context.Context, orderID string) (*models.EdgeSet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	versions := s.byOrder[orderID]
	if len(versions) == 0 {
		return nil, nil
	}
	return versions[len(versions)-1], nil
}

// EdgeSetsForStore returns the latest edge set per order for the store.
func (s *InMemoryEdgeStore) EdgeSetsForStore(ctx context.Context, storeID string) ([]*models.EdgeSet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]*models.EdgeSet, 0, len(s.byStore[storeID]))
	for orderID := range s.byStore[storeID] {
		versions := s.byOrder[orderID]
		result = append(result, versions[len(versions)-1])
	}
	sort.Slice(result, func(i, j int) bool { return result[i].OrderID < result[j].OrderID })
	return result, nil
}

// =============================================
// METRIC SNAPSHOTS
// =============================================

// InMemorySnapshotStore appends snapshots and resolves the latest
// computation version per (entity, metric, bucket) on read.
type InMemorySnapshotStore struct {
	mu    sync.RWMutex
	snaps []*models.MetricSnapshot
}

// NewInMemorySnapshotStore creates a new in-memory snapshot store.
func NewInMemorySnapshotStore() *InMemorySnapshotStore {
	return &InMemorySnapshotStore{}
}

// SaveSnapshots commits one version's snapshots atomically.
func (s *InMemorySnapshotStore) SaveSnapshots(ctx context.Context, snaps []*models.MetricSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, snap := range snaps {
		cp := *snap
		s.snaps = append(s.snaps, &cp)
	}
	return nil
}

func snapshotKey(sn *models.MetricSnapshot) string {
	return fmt.Sprintf("%s|%s|%d", sn.EntityID, sn.Metric, sn.BucketStart.UTC().UnixNano())
}

// latestByKey resolves the newest snapshot per (entity, metric, bucket).
// Append order is commit order, so the last write wins.
func (s *InMemorySnapshotStore) latestByKey(filter func(*models.MetricSnapshot) bool) []*models.MetricSnapshot {
	latest := make(map[string]*models.MetricSnapshot)
	for _, sn := range s.snaps {
		if filter != nil && !filter(sn) {
			continue
		}
		latest[snapshotKey(sn)] = sn
	}
	result := make([]*models.MetricSnapshot, 0, len(latest))
	for _, sn := range latest {
		result = append(result, sn)
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].BucketStart.Equal(result[j].BucketStart) {
			return result[i].BucketStart.Before(result[j].BucketStart)
		}
		if result[i].EntityID != result[j].EntityID {
			return result[i].EntityID < result[j].EntityID
		}
		return result[i].Metric < result[j].Metric
	})
	return result
}

// Query returns the latest-version snapshots for one entity.
func (s *InMemorySnapshotStore) Query(ctx context.Context, q SnapshotQuery) ([]*models.MetricSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.latestByKey(func(sn *models.MetricSnapshot) bool {
		if sn.EntityID != q.EntityID {
			return false
		}
		if q.Metric != "" && sn.Metric != q.Metric {
			return false
		}
		if !q.From.IsZero() && sn.BucketStart.Before(q.From) {
			return false
		}
		if !q.To.IsZero() && sn.BucketStart.After(q.To) {
			return false
		}
		return true
	}), nil
}

// Latest returns the latest-version snapshots for a whole store.
func (s *InMemorySnapshotStore) Latest(ctx context.Context, storeID string) ([]*models.MetricSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.latestByKey(func(sn *models.MetricSnapshot) bool {
		return sn.StoreID == storeID
	}), nil
}

// =============================================
// FINDINGS
// =============================================

// InMemoryFindingStore stores findings and per-entity health state.
type InMemoryFindingStore struct {
	mu       sync.RWMutex
	findings map[string][]*models.DiagnosticFinding // store_id -> findings
	health   map[string]*models.EntityHealth        // store|entity -> state
}

// NewInMemoryFindingStore creates a new in-memory finding store.
func NewInMemoryFindingStore() *InMemoryFindingStore {
	return &InMemoryFindingStore{
		findings: make(map[string][]*models.DiagnosticFinding),
		health:   make(map[string]*models.EntityHealth),
	}
}

// SaveFindings appends new findings.
func (s *InMemoryFindingStore) SaveFindings(ctx context.Context, findings []*models.DiagnosticFinding) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range findings {
		cp := *f
		s.findings[f.StoreID] = append(s.findings[f.StoreID], &cp)
	}
	return nil
}

// ActiveFindings returns non-expired findings for the store.
func (s *InMemoryFindingStore) ActiveFindings(ctx context.Context, storeID string) ([]*models.DiagnosticFinding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]*models.DiagnosticFinding, 0)
	for _, f := range s.findings[storeID] {
		if f.Active() {
			result = append(result, f)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].EntityID < result[j].EntityID })
	return result, nil
}

// AllFindings returns every finding for the store, expired included.
func (s *InMemoryFindingStore) AllFindings(ctx context.Context, storeID string) ([]*models.DiagnosticFinding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]*models.DiagnosticFinding, 0, len(s.findings[storeID]))
	result = append(result, s.findings[storeID]...)
	sort.Slice(result, func(i, j int) bool { return result[i].EntityID < result[j].EntityID })
	return result, nil
}

// FindingKey identifies a finding for expiry matching.
func FindingKey(entityID string, t models.FindingType) string {
	return entityID + "|" + string(t)
}

// ExpireExcept soft-deletes active findings not present in keep.
func (s *InMemoryFindingStore) ExpireExcept(ctx context.Context, storeID string, keep map[string]struct{}, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range s.findings[storeID] {
		if !f.Active() {
			continue
		}
		if _, ok := keep[FindingKey(f.EntityID, f.Type)]; ok {
			continue
		}
		expired := at
		f.ExpiredAt = &expired
	}
	return nil
}

// Health returns the entity's persisted health state, or nil.
func (s *InMemoryFindingStore) Health(ctx context.Context, storeID, entityID string) (*models.EntityHealth, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if h, ok := s.health[storeID+"|"+entityID]; ok {
		cp := *h
		return &cp, nil
	}
	return nil, nil
}

// SaveHealth persists the entity's health state.
func (s *InMemoryFindingStore) SaveHealth(ctx context.Context, h *models.EntityHealth) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *h
	s.health[h.StoreID+"|"+h.EntityID] = &cp
	return nil
}

// =============================================
// SUGGESTIONS
// =============================================

// InMemorySuggestionStore keeps the latest suggestion set per store.
type InMemorySuggestionStore struct {
	mu   sync.RWMutex
	sets map[string]*models.SuggestionSet
}

// NewInMemorySuggestionStore creates a new in-memory suggestion store.
func NewInMemorySuggestionStore() *InMemorySuggestionStore {
	return &InMemorySuggestionStore{sets: make(map[string]*models.SuggestionSet)}
}

// ReplaceSet supersedes the store's previous suggestion set wholesale.
func (s *InMemorySuggestionStore) ReplaceSet(ctx context.Context, set *models.SuggestionSet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *set
	s.sets[set.StoreID] = &cp
	return nil
}

// CurrentSet returns the latest suggestion set for the store, or nil.
func (s *InMemorySuggestionStore) CurrentSet(ctx context.Context, storeID string) (*models.SuggestionSet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if set, ok := s.sets[storeID]; ok {
		cp := *set
		return &cp, nil
	}
	return nil, nil
}

// =============================================
// WATERMARKS
// =============================================

// InMemoryWatermarkStore tracks stage watermarks in a map.
type InMemoryWatermarkStore struct {
	mu    sync.RWMutex
	marks map[string]time.Time
}

// NewInMemoryWatermarkStore creates a new in-memory watermark store.
func NewInMemoryWatermarkStore() *InMemoryWatermarkStore {
	return &InMemoryWatermarkStore{marks: make(map[string]time.Time)}
}

func watermarkKey(storeID string, stage models.Stage) string {
	return storeID + "|" + string(stage)
}

// Get returns the stage watermark, zero when the stage never completed.
func (s *InMemoryWatermarkStore) Get(ctx context.Context, storeID string, stage models.Stage) (time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.marks[watermarkKey(storeID, stage)], nil
}

// Set advances the stage watermark.
func (s *InMemoryWatermarkStore) Set(ctx context.Context, storeID string, stage models.Stage, processed time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.marks[watermarkKey(storeID, stage)] = processed
	return nil
}
