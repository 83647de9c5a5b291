package models

import "time"

// ===========================================
// COLLABORATOR SNAPSHOTS
// ===========================================

// CatalogEntry is a read-only product snapshot from the commerce
// collaborator, used for margin and inventory signals during suggestion
// ranking.
type CatalogEntry struct {
	ProductID         string `json:"product_id"`
	Title             string `json:"title"`
	ProductType       string `json:"product_type"`
	PriceMinor        int64  `json:"price_minor"`
	MarginBps         int64  `json:"margin_bps"` // basis points of price
	InventoryQuantity int64  `json:"inventory_quantity"`
}

// Trend is one trend observation returned by the trend source for a store
// category, recorded per ranking pass so suggestion rationale stays
// auditable.
type Trend struct {
	Platform        string    `json:"platform"` // meta, tiktok, x
	Category        string    `json:"category"`
	Content         string    `json:"content"`
	EngagementScore float64   `json:"engagement_score"`
	RelevanceScore  float64   `json:"relevance_score"` // [0,1]
	FetchedAt       time.Time `json:"fetched_at"`
}
