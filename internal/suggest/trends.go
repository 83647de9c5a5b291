package suggest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/cliquelabs/attribution-core/internal/models"
)

// TrendSource supplies a relevance score in [0,1] for a store category.
// It may be unavailable; callers treat failure as score 0 with a degraded
// annotation, never as an error.
type TrendSource interface {
	Trends(ctx context.Context, category string) ([]models.Trend, error)
}

// HTTPTrendSource queries an external trend API. Calls are rate-limited
// so a ranking pass over many stores cannot hammer the vendor.
type HTTPTrendSource struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *zap.Logger
}

// NewHTTPTrendSource creates a trend client against the given base URL.
func NewHTTPTrendSource(baseURL string, timeout time.Duration, rps float64, burst int, logger *zap.Logger) *HTTPTrendSource {
	return &HTTPTrendSource{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
		limiter:    rate.NewLimiter(rate.Limit(rps), burst),
		logger:     logger,
	}
}

// Trends fetches trend observations for a category.
func (s *HTTPTrendSource) Trends(ctx context.Context, category string) ([]models.Trend, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	u := fmt.Sprintf("%s/v1/trends?category=%s", s.baseURL, url.QueryEscape(category))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("trend source unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("trend source returned status %d", resp.StatusCode)
	}

	var trends []models.Trend
	if err := json.NewDecoder(resp.Body).Decode(&trends); err != nil {
		return nil, fmt.Errorf("failed to decode trend response: %w", err)
	}
	now := time.Now().UTC()
	for i := range trends {
		trends[i].FetchedAt = now
	}
	return trends, nil
}

// StaticTrendSource serves fixed trends, for tests and offline runs.
type StaticTrendSource struct {
	ByCategory map[string][]models.Trend
}

// Trends returns the configured trends for the category.
func (s *StaticTrendSource) Trends(ctx context.Context, category string) ([]models.Trend, error) {
	return s.ByCategory[category], nil
}
