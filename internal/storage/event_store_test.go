package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cliquelabs/attribution-core/internal/models"
)

var occurredAt = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func clickEvent(storeID, adID string, at time.Time) *models.Event {
	return &models.Event{
		StoreID:    storeID,
		Kind:       models.EventAdClick,
		EntityID:   adID,
		OccurredAt: at,
		Payload:    models.EventPayload{Clicks: 1, CampaignID: "camp-1"},
	}
}

func TestAppendRedeliveryIsIdempotent(t *testing.T) {
	store := NewInMemoryEventStore()
	ctx := context.Background()

	id1, err := store.Append(ctx, clickEvent("store-1", "ad-1", occurredAt))
	require.NoError(t, err)

	// Webhook redelivery: same natural key, same payload.
	id2, err := store.Append(ctx, clickEvent("store-1", "ad-1", occurredAt))
	require.NoError(t, err)
	assert.Equal(t, id1, id2, "redelivery must return the stored id")

	events, err := store.Query(ctx, EventQuery{StoreID: "store-1"})
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestAppendConflictingPayloadFails(t *testing.T) {
	store := NewInMemoryEventStore()
	ctx := context.Background()

	_, err := store.Append(ctx, clickEvent("store-1", "ad-1", occurredAt))
	require.NoError(t, err)

	conflict := clickEvent("store-1", "ad-1", occurredAt)
	conflict.Payload.Clicks = 7
	_, err = store.Append(ctx, conflict)
	assert.ErrorIs(t, err, ErrDuplicateEvent)
}

func TestQueryOrdersByIngestedAt(t *testing.T) {
	store := NewInMemoryEventStore()
	ctx := context.Background()

	// Occurred timestamps arrive out of order; ingest order decides.
	for _, at := range []time.Time{
		occurredAt.Add(2 * time.Hour),
		occurredAt,
		occurredAt.Add(time.Hour),
	} {
		_, err := store.Append(ctx, clickEvent("store-1", "ad-1", at))
		require.NoError(t, err)
	}

	events, err := store.Query(ctx, EventQuery{StoreID: "store-1"})
	require.NoError(t, err)
	require.Len(t, events, 3)
	for i := 1; i < len(events); i++ {
		assert.True(t, events[i-1].IngestedAt.Before(events[i].IngestedAt),
			"ingest timestamps must be strictly increasing")
	}
}

func TestQuerySinceIsExclusive(t *testing.T) {
	store := NewInMemoryEventStore()
	ctx := context.Background()

	_, err := store.Append(ctx, clickEvent("store-1", "ad-1", occurredAt))
	require.NoError(t, err)
	_, err = store.Append(ctx, clickEvent("store-1", "ad-2", occurredAt))
	require.NoError(t, err)

	all, err := store.Query(ctx, EventQuery{StoreID: "store-1"})
	require.NoError(t, err)
	require.Len(t, all, 2)

	// Restarting from the last seen ingest time must not repeat it.
	rest, err := store.Query(ctx, EventQuery{StoreID: "store-1", Since: all[0].IngestedAt})
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, all[1].ID, rest[0].ID)

	none, err := store.Query(ctx, EventQuery{StoreID: "store-1", Since: all[1].IngestedAt})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestQueryFiltersByKindAndStore(t *testing.T) {
	store := NewInMemoryEventStore()
	ctx := context.Background()

	_, err := store.Append(ctx, clickEvent("store-1", "ad-1", occurredAt))
	require.NoError(t, err)
	_, err = store.Append(ctx, clickEvent("store-2", "ad-1", occurredAt))
	require.NoError(t, err)
	_, err = store.Append(ctx, &models.Event{
		StoreID: "store-1", Kind: models.EventOrderPlaced, EntityID: "order-1",
		OccurredAt: occurredAt,
		Payload:    models.EventPayload{AmountMinor: 1000},
	})
	require.NoError(t, err)

	orders, err := store.Query(ctx, EventQuery{
		StoreID: "store-1",
		Kinds:   []models.EventKind{models.EventOrderPlaced},
	})
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, "order-1", orders[0].EntityID)

	clicks, err := store.Query(ctx, EventQuery{
		StoreID: "store-1",
		Kinds:   []models.EventKind{models.EventAdClick, models.EventAdImpression},
	})
	require.NoError(t, err)
	assert.Len(t, clicks, 1)
}
