package suggest

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cliquelabs/attribution-core/internal/models"
)

// Config holds the ranking parameters.
type Config struct {
	// TTL bounds how long a suggestion set may be acted upon.
	TTL time.Duration

	// SeverityScale multiplies the finding severity weight.
	SeverityScale float64

	// TrendScale multiplies the trend relevance score.
	TrendScale float64

	// LowStockThreshold is the inventory level below which promote-type
	// suggestions are penalized.
	LowStockThreshold int64

	// InventoryPenalty is subtracted when stock is below the threshold.
	InventoryPenalty float64
}

// DefaultConfig returns the stock ranking parameters.
func DefaultConfig() Config {
	return Config{
		TTL:               24 * time.Hour,
		SeverityScale:     10,
		TrendScale:        5,
		LowStockThreshold: 10,
		InventoryPenalty:  5,
	}
}

// Ranker combines active findings, trend relevance and catalog signals
// into a ranked suggestion set.
type Ranker struct {
	cfg     Config
	trends  TrendSource
	catalog Catalog
	logger  *zap.Logger
}

// NewRanker creates a new suggestion ranker.
func NewRanker(cfg Config, trends TrendSource, catalog Catalog, logger *zap.Logger) *Ranker {
	return &Ranker{cfg: cfg, trends: trends, catalog: catalog, logger: logger}
}

// Rank produces a fresh suggestion set for the store. Collaborator
// failures degrade the affected signal and annotate the set; they never
// fail the pass.
func (r *Ranker) Rank(ctx context.Context, storeID string, findings []*models.DiagnosticFinding, now time.Time) (*models.SuggestionSet, error) {
	set := &models.SuggestionSet{
		StoreID:     storeID,
		GeneratedAt: now,
		ExpiresAt:   now.Add(r.cfg.TTL),
	}

	trendScore := r.trendRelevance(ctx, storeID, set)

	for _, f := range findings {
		if !f.Active() {
			continue
		}
		suggestion := r.fromFinding(ctx, storeID, f, trendScore, now)
		if suggestion != nil {
			set.Suggestions = append(set.Suggestions, *suggestion)
		}
	}

	// Total order: score descending, ties by target entity id ascending.
	sort.Slice(set.Suggestions, func(i, j int) bool {
		if set.Suggestions[i].Score != set.Suggestions[j].Score {
			return set.Suggestions[i].Score > set.Suggestions[j].Score
		}
		return set.Suggestions[i].TargetEntityID < set.Suggestions[j].TargetEntityID
	})
	return set, nil
}

// trendRelevance fetches the store category's best trend relevance, or 0
// with a degraded annotation when the trend source is unavailable.
func (r *Ranker) trendRelevance(ctx context.Context, storeID string, set *models.SuggestionSet) float64 {
	category, err := r.catalog.Category(ctx, storeID)
	if err != nil {
		r.logger.Warn("catalog category lookup failed, skipping trend bonus",
			zap.String("store_id", storeID), zap.Error(err))
		set.Annotations = append(set.Annotations, "catalog unavailable: trend bonus skipped")
		return 0
	}

	trends, err := r.trends.Trends(ctx, category)
	if err != nil {
		r.logger.Warn("trend source unavailable, ranking without trend bonus",
			zap.String("store_id", storeID), zap.Error(err))
		set.Annotations = append(set.Annotations, "trend source unavailable: ranked without trend bonus")
		return 0
	}

	var best float64
	for _, t := range trends {
		if t.RelevanceScore > best {
			best = t.RelevanceScore
		}
	}
	return best
}

// fromFinding maps one finding to a suggested action with its score.
func (r *Ranker) fromFinding(ctx context.Context, storeID string, f *models.DiagnosticFinding, trendScore float64, now time.Time) *models.Suggestion {
	score := f.Severity.Weight() * r.cfg.SeverityScale
	score += trendScore * r.cfg.TrendScale

	var sType models.SuggestionType
	var rationale string

	switch f.Type {
	case models.FindingCreativeFatigue:
		sType = models.SuggestPauseAd
		rationale = fmt.Sprintf("ad %s shows sustained engagement decline (z=%.2f vs baseline %.4f)",
			f.EntityID, f.Evidence.ZScore, f.Evidence.Baseline)
	case models.FindingBudgetWaste:
		sType = models.SuggestPauseAd
		rationale = fmt.Sprintf("campaign %s spend rising while efficiency falls (z=%.2f)",
			f.EntityID, f.Evidence.ZScore)
	case models.FindingSKUAnomaly:
		entry := r.catalogEntry(ctx, storeID, f.EntityID)
		if f.Evidence.Observed > 0 {
			sType = models.SuggestPromoteProduct
			rationale = fmt.Sprintf("product %s attributed revenue surging (%.0f%% vs prior period)",
				f.EntityID, f.Evidence.Observed*100)
		} else if entry != nil && entry.MarginBps >= 3000 {
			sType = models.SuggestUpdatePrice
			rationale = fmt.Sprintf("product %s attributed revenue falling with margin headroom; consider a price move",
				f.EntityID)
		} else {
			sType = models.SuggestCreateBundle
			rationale = fmt.Sprintf("product %s attributed revenue falling; bundle with a top seller",
				f.EntityID)
		}
		if entry != nil {
			score += float64(entry.MarginBps) / 1000
			if sType == models.SuggestPromoteProduct && entry.InventoryQuantity < r.cfg.LowStockThreshold {
				score -= r.cfg.InventoryPenalty
			}
		}
	default:
		return nil
	}

	return &models.Suggestion{
		ID:             uuid.NewString(),
		StoreID:        storeID,
		Type:           sType,
		TargetEntityID: f.EntityID,
		Score:          score,
		Rationale:      rationale,
		ExpiresAt:      now.Add(r.cfg.TTL),
	}
}

// catalogEntry looks up the product, tolerating collaborator failure.
func (r *Ranker) catalogEntry(ctx context.Context, storeID, productID string) *models.CatalogEntry {
	entry, err := r.catalog.Entry(ctx, storeID, productID)
	if err != nil {
		r.logger.Warn("catalog lookup failed, ranking without margin signal",
			zap.String("store_id", storeID), zap.String("product_id", productID), zap.Error(err))
		return nil
	}
	return entry
}
