package suggest

import (
	"context"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/cliquelabs/attribution-core/internal/models"
)

// Catalog looks up product margin and inventory from the commerce
// collaborator. Lookups may fail; ranking degrades to zero margin bonus
// and no inventory penalty for the affected entity.
type Catalog interface {
	Entry(ctx context.Context, storeID, productID string) (*models.CatalogEntry, error)

	// Category returns the store's dominant product category, used to key
	// trend lookups.
	Category(ctx context.Context, storeID string) (string, error)
}

// CachedCatalog wraps a Catalog with an LRU cache so one ranking pass
// hits the collaborator at most once per product.
type CachedCatalog struct {
	inner Catalog
	cache *lru.Cache[string, *models.CatalogEntry]
}

// NewCachedCatalog creates a caching catalog wrapper.
func NewCachedCatalog(inner Catalog, size int) (*CachedCatalog, error) {
	cache, err := lru.New[string, *models.CatalogEntry](size)
	if err != nil {
		return nil, err
	}
	return &CachedCatalog{inner: inner, cache: cache}, nil
}

// Entry returns the cached entry or falls through to the collaborator.
func (c *CachedCatalog) Entry(ctx context.Context, storeID, productID string) (*models.CatalogEntry, error) {
	key := storeID + "|" + productID
	if entry, ok := c.cache.Get(key); ok {
		return entry, nil
	}
	entry, err := c.inner.Entry(ctx, storeID, productID)
	if err != nil {
		return nil, err
	}
	if entry != nil {
		c.cache.Add(key, entry)
	}
	return entry, nil
}

// Category passes through to the collaborator.
func (c *CachedCatalog) Category(ctx context.Context, storeID string) (string, error) {
	return c.inner.Category(ctx, storeID)
}

// StaticCatalog serves fixed entries, for tests and offline runs.
type StaticCatalog struct {
	Entries    map[string]*models.CatalogEntry // product_id -> entry
	Categories map[string]string               // store_id -> category
}

// Entry returns the configured entry for the product, or nil.
func (s *StaticCatalog) Entry(ctx context.Context, storeID, productID string) (*models.CatalogEntry, error) {
	return s.Entries[productID], nil
}

// Category returns the configured category for the store.
func (s *StaticCatalog) Category(ctx context.Context, storeID string) (string, error) {
	return s.Categories[storeID], nil
}
