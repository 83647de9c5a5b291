package attribution

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/cliquelabs/attribution-core/internal/models"
)

// ErrMissingStoreContext is returned when no lookback configuration
// exists for the order's store. This is a misconfiguration, fatal to the
// reconciliation run, not a data error to skip.
var ErrMissingStoreContext = errors.New("missing store attribution config")

// Config holds the per-store attribution parameters. The click half-life
// is longer than the view half-life, reflecting the higher intent signal
// of a click.
type Config struct {
	ClickLookback time.Duration
	ViewLookback  time.Duration
	ClickHalfLife time.Duration
	ViewHalfLife  time.Duration

	// Cap is the order's total attributable fraction, in (0,1]. The
	// remainder is organic/unknown headroom.
	Cap float64
}

// DefaultConfig returns the stock attribution parameters.
func DefaultConfig() Config {
	return Config{
		ClickLookback: 7 * 24 * time.Hour,
		ViewLookback:  24 * time.Hour,
		ClickHalfLife: 24 * time.Hour,
		ViewHalfLife:  6 * time.Hour,
		Cap:           0.9,
	}
}

// Validate checks the parameters are usable.
func (c Config) Validate() error {
	if c.ClickLookback <= 0 || c.ViewLookback <= 0 {
		return errors.New("attribution lookbacks must be positive")
	}
	if c.ClickHalfLife <= 0 || c.ViewHalfLife <= 0 {
		return errors.New("attribution half-lives must be positive")
	}
	if c.Cap <= 0 || c.Cap > 1 {
		return fmt.Errorf("attribution cap %f outside (0,1]", c.Cap)
	}
	return nil
}

// ConfigProvider supplies per-store attribution parameters.
type ConfigProvider interface {
	StoreConfig(storeID string) (Config, bool)
}

// StaticConfigProvider serves one shared config for every store, plus
// optional per-store overrides.
type StaticConfigProvider struct {
	Default   Config
	Overrides map[string]Config
}

// StoreConfig returns the store's config, falling back to the default.
func (p *StaticConfigProvider) StoreConfig(storeID string) (Config, bool) {
	if cfg, ok := p.Overrides[storeID]; ok {
		return cfg, true
	}
	return p.Default, true
}

// Engine maps orders to the ad exposures that plausibly caused them. It
// is a pure function of (order, candidate ad events, config): re-invoking
// it on the same inputs yields bit-identical weights, so recomputation
// for late-arriving ad data is always safe.
type Engine struct {
	configs ConfigProvider
	logger  *zap.Logger
}

// NewEngine creates a new attribution engine.
func NewEngine(configs ConfigProvider, logger *zap.Logger) *Engine {
	return &Engine{configs: configs, logger: logger}
}

// candidate is one qualifying ad exposure with its decayed raw weight.
type candidate struct {
	adID         string
	offset       time.Duration
	raw          float64
	clickThrough bool
}

// AttributeOrder computes the attribution edges for a single OrderPlaced
// event. Candidates may include non-qualifying events; the engine filters
// by kind and lookback window itself. An order with zero qualifying
// candidates is fully organic and produces no edges.
func (e *Engine) AttributeOrder(order *models.Event, adEvents []*models.Event) ([]models.AttributionEdge, error) {
	cfg, ok := e.configs.StoreConfig(order.StoreID)
	if !ok {
		return nil, fmt.Errorf("%w: store %s", ErrMissingStoreContext, order.StoreID)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: store %s: %v", ErrMissingStoreContext, order.StoreID, err)
	}

	// Collect qualifying exposures per ad. Clicks dominate views for the
	// same ad, so a click replaces any accumulated view contribution.
	perAd := make(map[string]*candidate)
	for _, ad := range adEvents {
		if ad.StoreID != order.StoreID {
			continue
		}
		offset := order.OccurredAt.Sub(ad.OccurredAt)
		if offset < 0 {
			continue // exposure after the order can not have caused it
		}

		var raw float64
		var clickThrough bool
		switch ad.Kind {
		case models.EventAdClick:
			if offset > cfg.ClickLookback {
				continue
			}
			raw = decay(offset, cfg.ClickHalfLife)
			clickThrough = true
		case models.EventAdImpression:
			if offset > cfg.ViewLookback {
				continue
			}
			raw = decay(offset, cfg.ViewHalfLife)
		default:
			continue
		}

		cur, exists := perAd[ad.EntityID]
		if !exists {
			perAd[ad.EntityID] = &candidate{adID: ad.EntityID, offset: offset, raw: raw, clickThrough: clickThrough}
			continue
		}
		// Keep the strongest exposure per ad; a click-through candidate
		// always outranks a view-through one.
		if (clickThrough && !cur.clickThrough) || (clickThrough == cur.clickThrough && raw > cur.raw) {
			cur.raw = raw
			cur.offset = offset
			cur.clickThrough = clickThrough
		}
	}

	if len(perAd) == 0 {
		e.logger.Debug("order has no qualifying ad exposures, treating as organic",
			zap.String("store_id", order.StoreID),
			zap.String("order_id", order.EntityID),
		)
		return nil, nil
	}

	candidates := make([]*candidate, 0, len(perAd))
	var sumRaw float64
	for _, c := range perAd {
		candidates = append(candidates, c)
		sumRaw += c.raw
	}

	// Normalize so the edge weights never exceed the attribution cap.
	// Below saturation each candidate keeps its decayed share of the cap;
	// at saturation shares are rescaled to sum exactly to the cap.
	scale := cfg.Cap
	if sumRaw > 1 {
		scale = cfg.Cap / sumRaw
	}

	edges := make([]models.AttributionEdge, 0, len(candidates))
	for _, c := range candidates {
		edges = append(edges, models.AttributionEdge{
			OrderID:      order.EntityID,
			AdID:         c.adID,
			Weight:       c.raw * scale,
			WindowOffset: c.offset,
			ClickThrough: c.clickThrough,
		})
	}

	// Deterministic order: weight descending, ties by smaller ad id.
	// Never by arrival order.
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].Weight != edges[j].Weight {
			return edges[i].Weight > edges[j].Weight
		}
		return edges[i].AdID < edges[j].AdID
	})
	return edges, nil
}

// decay applies exponential recency decay: exp(-elapsed/halfLife).
func decay(elapsed, halfLife time.Duration) float64 {
	return math.Exp(-elapsed.Seconds() / halfLife.Seconds())
}
