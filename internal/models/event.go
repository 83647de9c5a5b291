package models

import (
	"errors"
	"fmt"
	"time"
)

// ===========================================
// NORMALIZED EVENTS
// ===========================================

// EventKind identifies the type of a normalized event.
type EventKind string

const (
	EventOrderPlaced  EventKind = "order_placed"
	EventAdImpression EventKind = "ad_impression"
	EventAdClick      EventKind = "ad_click"
	EventAdSpend      EventKind = "ad_spend"
)

// Valid reports whether k is a known event kind.
func (k EventKind) Valid() bool {
	switch k {
	case EventOrderPlaced, EventAdImpression, EventAdClick, EventAdSpend:
		return true
	}
	return false
}

// IsAdKind reports whether the kind originates from the ad platform.
func (k EventKind) IsAdKind() bool {
	return k == EventAdImpression || k == EventAdClick || k == EventAdSpend
}

// Event is one normalized record from the commerce or ad-platform
// collaborator. Events are immutable once stored; corrections arrive as
// new events superseding by IngestedAt, never by mutation. Processing
// order is always IngestedAt ascending because OccurredAt can arrive out
// of order (late webhooks).
type Event struct {
	ID         string    `json:"id"`
	StoreID    string    `json:"store_id"`
	Kind       EventKind `json:"kind"`
	EntityID   string    `json:"entity_id"` // order id or ad id
	OccurredAt time.Time `json:"occurred_at"`
	IngestedAt time.Time `json:"ingested_at"`

	Payload EventPayload `json:"payload"`
}

// EventPayload carries the kind-specific fields. Monetary values are
// integer minor units to keep aggregation drift-free.
type EventPayload struct {
	// Order fields
	AmountMinor int64    `json:"amount_minor,omitempty"`
	Currency    string   `json:"currency,omitempty"`
	ProductIDs  []string `json:"product_ids,omitempty"`

	// Ad performance fields. Impression events are the ad platform's
	// periodic performance rollups and carry both impression and click
	// counts; discrete click events carry the exposure being timed for
	// attribution and never feed the click counters.
	Impressions int64 `json:"impressions,omitempty"`
	Clicks      int64 `json:"clicks,omitempty"`
	SpendMinor  int64 `json:"spend_minor,omitempty"`

	// Ad hierarchy (from the ad platform)
	CampaignID string `json:"campaign_id,omitempty"`
	AdSetID    string `json:"ad_set_id,omitempty"`
}

// NaturalKey is the idempotency key for ingestion. Webhook redelivery of
// the same event must be a no-op, not a duplicate.
func (e *Event) NaturalKey() string {
	return fmt.Sprintf("%s|%s|%s|%d", e.StoreID, e.Kind, e.EntityID, e.OccurredAt.UTC().UnixNano())
}

// PayloadEquals reports whether two events carry the same payload. Used to
// distinguish redelivery (identical payload, no-op) from a conflicting
// duplicate (same natural key, different payload).
func (e *Event) PayloadEquals(other *Event) bool {
	a, b := e.Payload, other.Payload
	if a.AmountMinor != b.AmountMinor || a.Currency != b.Currency ||
		a.Impressions != b.Impressions || a.Clicks != b.Clicks ||
		a.SpendMinor != b.SpendMinor || a.CampaignID != b.CampaignID ||
		a.AdSetID != b.AdSetID {
		return false
	}
	if len(a.ProductIDs) != len(b.ProductIDs) {
		return false
	}
	for i := range a.ProductIDs {
		if a.ProductIDs[i] != b.ProductIDs[i] {
			return false
		}
	}
	return true
}

// Validate rejects malformed events at the ingestion boundary. A failure
// here is a DataError: logged and dropped, never stored, never fatal to
// the store's pipeline.
func (e *Event) Validate() error {
	if e.StoreID == "" {
		return errors.New("event missing store_id")
	}
	if !e.Kind.Valid() {
		return fmt.Errorf("unknown event kind %q", e.Kind)
	}
	if e.EntityID == "" {
		return errors.New("event missing entity_id")
	}
	if e.OccurredAt.IsZero() {
		return errors.New("event missing occurred_at")
	}
	switch e.Kind {
	case EventOrderPlaced:
		if e.Payload.AmountMinor < 0 {
			return errors.New("order amount must not be negative")
		}
	case EventAdImpression:
		if e.Payload.Impressions <= 0 {
			return errors.New("impression event requires a positive impression count")
		}
	case EventAdClick:
		if e.Payload.Clicks <= 0 {
			return errors.New("click event requires a positive click count")
		}
	case EventAdSpend:
		if e.Payload.SpendMinor < 0 {
			return errors.New("spend must not be negative")
		}
	}
	return nil
}
