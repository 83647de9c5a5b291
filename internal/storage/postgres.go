package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cliquelabs/attribution-core/internal/models"
)

// PostgresEventStore implements EventStore using PostgreSQL.
//
// Schema:
//
//	CREATE TABLE events (
//	    id          TEXT PRIMARY KEY,
//	    store_id    TEXT NOT NULL,
//	    kind        TEXT NOT NULL,
//	    entity_id   TEXT NOT NULL,
//	    occurred_at TIMESTAMPTZ NOT NULL,
//	    ingested_at TIMESTAMPTZ NOT NULL,
//	    payload     JSONB NOT NULL,
//	    UNIQUE (store_id, kind, entity_id, occurred_at)
//	);
//	CREATE INDEX events_store_ingested ON events (store_id, ingested_at);
type PostgresEventStore struct {
	pool *pgxpool.Pool
}

// NewPostgresEventStore creates a new PostgreSQL-backed event store.
func NewPostgresEventStore(pool *pgxpool.Pool) *PostgresEventStore {
	return &PostgresEventStore{pool: pool}
}

// Append stores the event. The natural-key unique constraint makes
// webhook redelivery a no-op; a key match with a conflicting payload
// fails with ErrDuplicateEvent.
func (s *PostgresEventStore) Append(ctx context.Context, e *models.Event) (string, error) {
	cp := *e
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	if cp.IngestedAt.IsZero() {
		cp.IngestedAt = time.Now().UTC()
	}

	payload, err := json.Marshal(cp.Payload)
	if err != nil {
		return "", fmt.Errorf("failed to encode event payload: %w", err)
	}

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO events (id, store_id, kind, entity_id, occurred_at, ingested_at, payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (store_id, kind, entity_id, occurred_at) DO NOTHING
	`, cp.ID, cp.StoreID, string(cp.Kind), cp.EntityID, cp.OccurredAt, cp.IngestedAt, payload)
	if err != nil {
		return "", fmt.Errorf("failed to append event: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return cp.ID, nil
	}

	// Natural key already present: decide no-op redelivery vs conflict.
	var existingID string
	var existingPayload []byte
	err = s.pool.QueryRow(ctx, `
		SELECT id, payload FROM events
		WHERE store_id = $1 AND kind = $2 AND entity_id = $3 AND occurred_at = $4
	`, cp.StoreID, string(cp.Kind), cp.EntityID, cp.OccurredAt).Scan(&existingID, &existingPayload)
	if err != nil {
		return "", fmt.Errorf("failed to load existing event: %w", err)
	}

	var stored models.Event
	if err := json.Unmarshal(existingPayload, &stored.Payload); err != nil {
		return "", fmt.Errorf("failed to decode stored payload: %w", err)
	}
	if stored.PayloadEquals(&cp) {
		return existingID, nil
	}
	return "", ErrDuplicateEvent
}

// Query returns matching events ordered by ingested_at ascending.
func (s *PostgresEventStore) Query(ctx context.Context, q EventQuery) ([]*models.Event, error) {
	sql := `
		SELECT id, store_id, kind, entity_id, occurred_at, ingested_at, payload
		FROM events
		WHERE store_id = $1 AND ingested_at > $2
	`
	args := []any{q.StoreID, q.Since}

	if !q.Until.IsZero() {
		args = append(args, q.Until)
		sql += fmt.Sprintf(" AND ingested_at <= $%d", len(args))
	}
	if len(q.Kinds) > 0 {
		kinds := make([]string, len(q.Kinds))
		for i, k := range q.Kinds {
			kinds[i] = string(k)
		}
		args = append(args, kinds)
		sql += fmt.Sprintf(" AND kind = ANY($%d)", len(args))
	}
	sql += " ORDER BY ingested_at ASC"

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	result := make([]*models.Event, 0)
	for rows.Next() {
		var e models.Event
		var kind string
		var payload []byte
		if err := rows.Scan(&e.ID, &e.StoreID, &kind, &e.EntityID, &e.OccurredAt, &e.IngestedAt, &payload); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		e.Kind = models.EventKind(kind)
		if err := json.Unmarshal(payload, &e.Payload); err != nil {
			return nil, fmt.Errorf("failed to decode event payload: %w", err)
		}
		result = append(result, &e)
	}
	return result, rows.Err()
}

// PostgresWatermarkStore implements WatermarkStore using PostgreSQL.
//
// Schema:
//
//	CREATE TABLE watermarks (
//	    store_id  TEXT NOT NULL,
//	    stage     TEXT NOT NULL,
//	    processed TIMESTAMPTZ NOT NULL,
//	    PRIMARY KEY (store_id, stage)
//	);
type PostgresWatermarkStore struct {
	pool *pgxpool.Pool
}

// NewPostgresWatermarkStore creates a new PostgreSQL-backed watermark store.
func NewPostgresWatermarkStore(pool *pgxpool.Pool) *PostgresWatermarkStore {
	return &PostgresWatermarkStore{pool: pool}
}

// Get returns the stage watermark, zero when the stage never completed.
func (s *PostgresWatermarkStore) Get(ctx context.Context, storeID string, stage models.Stage) (time.Time, error) {
	var processed time.Time
	err := s.pool.QueryRow(ctx, `
		SELECT processed FROM watermarks WHERE store_id = $1 AND stage = $2
	`, storeID, string(stage)).Scan(&processed)
	if err == pgx.ErrNoRows {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to get watermark: %w", err)
	}
	return processed, nil
}

// Set advances the stage watermark.
func (s *PostgresWatermarkStore) Set(ctx context.Context, storeID string, stage models.Stage, processed time.Time) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO watermarks (store_id, stage, processed)
		VALUES ($1, $2, $3)
		ON CONFLICT (store_id, stage) DO UPDATE SET processed = EXCLUDED.processed
	`, storeID, string(stage), processed)
	if err != nil {
		return fmt.Errorf("failed to set watermark: %w", err)
	}
	return nil
}
