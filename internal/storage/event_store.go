package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cliquelabs/attribution-core/internal/models"
)

// InMemoryEventStore provides in-memory storage for events. It is the
// default backend when PostgreSQL is not configured and the test double
// everywhere else.
type InMemoryEventStore struct {
	mu       sync.RWMutex
	events   map[string]*models.Event // id -> event
	byKey    map[string]string        // natural key -> id
	byStore  map[string][]string      // store_id -> ids in ingest order
	sequence int64
}

// NewInMemoryEventStore creates a new in-memory event store.
func NewInMemoryEventStore() *InMemoryEventStore {
	return &InMemoryEventStore{
		events:  make(map[string]*models.Event),
		byKey:   make(map[string]string),
		byStore: make(map[string][]string),
	}
}

// Append stores the event, assigning an id and an ingest timestamp when
// absent. Redelivery with an identical payload returns the existing id.
func (s *InMemoryEventStore) Append(ctx context.Context, e *models.Event) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := e.NaturalKey()
	if existingID, ok := s.byKey[key]; ok {
		if s.events[existingID].PayloadEquals(e) {
			return existingID, nil
		}
		return "", ErrDuplicateEvent
	}

	cp := *e
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	if cp.IngestedAt.IsZero() {
		cp.IngestedAt = time.Now().UTC()
	}
	// Ingest timestamps must be strictly increasing per store so query
	// restarts never skip or repeat events.
	s.sequence++
	cp.IngestedAt = cp.IngestedAt.Add(time.Duration(s.sequence) * time.Nanosecond)

	s.events[cp.ID] = &cp
	s.byKey[key] = cp.ID
	s.byStore[cp.StoreID] = append(s.byStore[cp.StoreID], cp.ID)
	return cp.ID, nil
}

// Query returns matching events ordered by ingested_at ascending.
func (s *InMemoryEventStore) Query(ctx context.Context, q EventQuery) ([]*models.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	kindSet := make(map[models.EventKind]struct{}, len(q.Kinds))
	for _, k := range q.Kinds {
		kindSet[k] = struct{}{}
	}

	result := make([]*models.Event, 0)
	for _, id := range s.byStore[q.StoreID] {
		e := s.events[id]
		if len(kindSet) > 0 {
			if _, ok := kindSet[e.Kind]; !ok {
				continue
			}
		}
		if !q.Since.IsZero() && !e.IngestedAt.After(q.Since) {
			continue
		}
		if !q.Until.IsZero() && e.IngestedAt.After(q.Until) {
			continue
		}
		result = append(result, e)
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].IngestedAt.Before(result[j].IngestedAt)
	})
	return result, nil
}
