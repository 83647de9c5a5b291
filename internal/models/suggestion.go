package models

import "time"

// ===========================================
// SUGGESTIONS
// ===========================================

// SuggestionType identifies the recommended action.
type SuggestionType string

const (
	SuggestPromoteProduct SuggestionType = "promote_product"
	SuggestPauseAd        SuggestionType = "pause_ad"
	SuggestIncreaseBudget SuggestionType = "increase_budget"
	SuggestCreateBundle   SuggestionType = "create_bundle"
	SuggestUpdatePrice    SuggestionType = "update_price"
)

// Suggestion is one ranked recommended action. Suggestions are ephemeral:
// every ranking pass regenerates the full set and supersedes the previous
// one.
type Suggestion struct {
	ID             string         `json:"id"`
	StoreID        string         `json:"store_id"`
	Type           SuggestionType `json:"suggestion_type"`
	TargetEntityID string         `json:"target_entity_id"`
	Score          float64        `json:"score"`
	Rationale      string         `json:"rationale"`
	ExpiresAt      time.Time      `json:"expires_at"`
}

// SuggestionSet is the full output of one ranking pass, ordered by score
// descending with ties broken by target entity id ascending. Annotations
// record degraded inputs (e.g. trend source unavailable) as warnings, not
// errors.
type SuggestionSet struct {
	StoreID     string       `json:"store_id"`
	GeneratedAt time.Time    `json:"generated_at"`
	ExpiresAt   time.Time    `json:"expires_at"`
	Annotations []string     `json:"annotations,omitempty"`
	Suggestions []Suggestion `json:"suggestions"`
}

// Stale reports whether the set has passed its expiry; a stale set must
// not be acted upon, the caller re-requests a fresh ranking pass.
func (s *SuggestionSet) Stale(now time.Time) bool {
	return now.After(s.ExpiresAt)
}
