package models

import "time"

// ===========================================
// ATTRIBUTION
// ===========================================

// AttributionEdge is a weighted causal link between an order and one ad.
// Weight is in (0,1]; across all edges of an order the weights sum to at
// most the configured attribution cap, the remainder being organic or
// unknown.
type AttributionEdge struct {
	OrderID string  `json:"order_id"`
	AdID    string  `json:"ad_id"`
	Weight  float64 `json:"weight"`

	// WindowOffset is how long before the order the contributing ad
	// exposure happened.
	WindowOffset time.Duration `json:"window_offset"`

	// ClickThrough marks edges sourced from a click rather than a
	// view-through impression.
	ClickThrough bool `json:"click_through"`
}

// EdgeSet is one immutable attribution result for a single order. A
// recomputation produces a new set under a higher ComputationVersion; the
// old set is superseded, never mutated.
type EdgeSet struct {
	StoreID            string            `json:"store_id"`
	OrderID            string            `json:"order_id"`
	ComputationVersion string            `json:"computation_version"`
	ComputedAt         time.Time         `json:"computed_at"`
	Edges              []AttributionEdge `json:"edges"`
}

// TotalWeight returns the attributed fraction of the order.
func (s *EdgeSet) TotalWeight() float64 {
	var sum float64
	for _, e := range s.Edges {
		sum += e.Weight
	}
	return sum
}
