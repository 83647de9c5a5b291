package diagnostics

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cliquelabs/attribution-core/internal/models"
	"github.com/cliquelabs/attribution-core/internal/storage"
)

// Config holds the change-detection parameters.
type Config struct {
	// BaselineBuckets is the trailing window length; the bucket under
	// evaluation is always excluded from its own baseline.
	BaselineBuckets int

	// WatchThreshold and FlagThreshold are z-score magnitudes: beyond
	// WatchThreshold a bucket counts as deviating, beyond FlagThreshold a
	// single bucket flags the entity outright.
	WatchThreshold float64
	FlagThreshold  float64

	// ConsecutiveFlag deviating buckets promote WATCH to FLAGGED;
	// ConsecutiveRecover in-baseline buckets demote FLAGGED to HEALTHY.
	ConsecutiveFlag    int
	ConsecutiveRecover int

	// SampleFloor excludes low-traffic entities (impressions per bucket)
	// from diagnostics entirely rather than flagging them.
	SampleFloor int64

	// SKUSwingThreshold is the month-over-month attributed-revenue swing
	// fraction beyond which a product is anomalous.
	SKUSwingThreshold float64
}

// DefaultConfig returns the stock diagnostics parameters.
func DefaultConfig() Config {
	return Config{
		BaselineBuckets:    14,
		WatchThreshold:     1.0,
		FlagThreshold:      2.0,
		ConsecutiveFlag:    2,
		ConsecutiveRecover: 2,
		SampleFloor:        100,
		SKUSwingThreshold:  0.5,
	}
}

// Engine runs statistical change-detection over metric snapshots and
// maintains the per-entity {HEALTHY, WATCH, FLAGGED} state machine.
type Engine struct {
	cfg      Config
	findings storage.FindingStore
	logger   *zap.Logger
}

// NewEngine creates a new diagnostics engine.
func NewEngine(cfg Config, findings storage.FindingStore, logger *zap.Logger) *Engine {
	return &Engine{cfg: cfg, findings: findings, logger: logger}
}

// entitySeries is the per-entity time series assembled from snapshots.
type entitySeries struct {
	entityID   string
	entityType models.EntityType
	buckets    []time.Time // ascending
	values     map[time.Time]map[models.MetricName]models.MetricSnapshot
}

func (s *entitySeries) metric(bucket time.Time, name models.MetricName) (models.MetricSnapshot, bool) {
	m, ok := s.values[bucket]
	if !ok {
		return models.MetricSnapshot{}, false
	}
	sn, ok := m[name]
	return sn, ok
}

// series returns defined values of one metric for the given buckets, in
// order. Undefined values are skipped: insufficient data is not a
// deviation.
func (s *entitySeries) definedSeries(buckets []time.Time, name models.MetricName) []float64 {
	out := make([]float64, 0, len(buckets))
	for _, b := range buckets {
		if sn, ok := s.metric(b, name); ok && sn.Value.Defined {
			out = append(out, sn.Value.Value)
		}
	}
	return out
}

// Run evaluates every entity of the store against its trailing baseline,
// persists state transitions, saves new findings and expires findings the
// run no longer reproduces. Returns the findings active after this run.
func (e *Engine) Run(ctx context.Context, storeID string, snaps []*models.MetricSnapshot, now time.Time) ([]*models.DiagnosticFinding, error) {
	series := groupSeries(snaps)

	newFindings := make([]*models.DiagnosticFinding, 0)
	keep := make(map[string]struct{})

	for _, s := range series {
		finding, err := e.evaluateEntity(ctx, storeID, s, now)
		if err != nil {
			return nil, err
		}
		if finding != nil {
			keep[storage.FindingKey(finding.EntityID, finding.Type)] = struct{}{}
			newFindings = append(newFindings, finding)
		}
	}

	// Only persist findings that are not already active for the same
	// entity and type; re-detection refreshes nothing, expiry handles the
	// rest.
	active, err := e.findings.ActiveFindings(ctx, storeID)
	if err != nil {
		return nil, err
	}
	existing := make(map[string]struct{}, len(active))
	for _, f := range active {
		existing[storage.FindingKey(f.EntityID, f.Type)] = struct{}{}
	}
	toSave := make([]*models.DiagnosticFinding, 0, len(newFindings))
	for _, f := range newFindings {
		if _, ok := existing[storage.FindingKey(f.EntityID, f.Type)]; !ok {
			toSave = append(toSave, f)
		}
	}
	if err := e.findings.SaveFindings(ctx, toSave); err != nil {
		return nil, err
	}
	if err := e.findings.ExpireExcept(ctx, storeID, keep, now); err != nil {
		return nil, err
	}
	return e.findings.ActiveFindings(ctx, storeID)
}

// evaluateEntity advances one entity's state machine by its most recent
// bucket and returns the finding to keep active, or nil.
func (e *Engine) evaluateEntity(ctx context.Context, storeID string, s *entitySeries, now time.Time) (*models.DiagnosticFinding, error) {
	if len(s.buckets) < 2 {
		return nil, nil
	}
	current := s.buckets[len(s.buckets)-1]

	// Low-traffic entities are excluded entirely; flagging them would be
	// noise, not signal.
	if s.entityType != models.EntitySKU {
		if sn, ok := s.metric(current, models.MetricImpressions); ok {
			if int64(sn.Value.Value) < e.cfg.SampleFloor {
				return nil, nil
			}
		}
	}

	driver := e.driverMetric(s.entityType)
	baselineBuckets := trailingWindow(s.buckets, len(s.buckets)-1, e.cfg.BaselineBuckets)
	window := s.definedSeries(baselineBuckets, driver)
	if len(window) < 2 {
		return nil, nil
	}
	base := computeBaseline(window)

	currentSnap, ok := s.metric(current, driver)
	if !ok || !currentSnap.Value.Defined {
		return nil, nil
	}
	observed := currentSnap.Value.Value
	z := base.zScore(observed)

	health, err := e.findings.Health(ctx, storeID, s.entityID)
	if err != nil {
		return nil, err
	}
	if health == nil {
		health = &models.EntityHealth{StoreID: storeID, EntityID: s.entityID, State: models.StateHealthy}
	}

	// Intra-day ingest re-evaluates the same daily bucket; one deviant
	// bucket seen by several passes is still one deviant bucket.
	if !health.LastBucket.Equal(current) {
		e.transition(health, z)
		health.LastBucket = current
	}
	health.UpdatedAt = now
	if err := e.findings.SaveHealth(ctx, health); err != nil {
		return nil, err
	}

	if health.State != models.StateFlagged {
		return nil, nil
	}

	finding := e.classify(storeID, s, current, z, base, observed, now)
	if finding == nil {
		return nil, nil
	}
	e.logger.Info("diagnostic finding",
		zap.String("store_id", storeID),
		zap.String("entity_id", s.entityID),
		zap.String("finding_type", string(finding.Type)),
		zap.Float64("z_score", z),
	)
	return finding, nil
}

// transition applies the hysteresis rules. HEALTHY never jumps straight
// to FLAGGED except on a single bucket beyond the flag threshold, the
// sole documented bypass.
func (e *Engine) transition(h *models.EntityHealth, z float64) {
	deviant := math.Abs(z) >= e.cfg.WatchThreshold
	extreme := math.Abs(z) >= e.cfg.FlagThreshold

	switch h.State {
	case models.StateHealthy:
		if extreme {
			h.State = models.StateFlagged
			h.ConsecutiveDeviant = 1
			h.ConsecutiveNormal = 0
		} else if deviant {
			h.State = models.StateWatch
			h.ConsecutiveDeviant = 1
			h.ConsecutiveNormal = 0
		}
	case models.StateWatch:
		if deviant {
			h.ConsecutiveDeviant++
			if extreme || h.ConsecutiveDeviant >= e.cfg.ConsecutiveFlag {
				h.State = models.StateFlagged
				h.ConsecutiveNormal = 0
			}
		} else {
			h.State = models.StateHealthy
			h.ConsecutiveDeviant = 0
			h.ConsecutiveNormal = 0
		}
	case models.StateFlagged:
		if deviant {
			h.ConsecutiveDeviant++
			h.ConsecutiveNormal = 0
		} else {
			h.ConsecutiveNormal++
			if h.ConsecutiveNormal >= e.cfg.ConsecutiveRecover {
				h.State = models.StateHealthy
				h.ConsecutiveDeviant = 0
				h.ConsecutiveNormal = 0
			}
		}
	}
}

// driverMetric picks the deviation metric per entity type: engagement
// for ads, efficiency for campaigns, attributed revenue for products.
func (e *Engine) driverMetric(t models.EntityType) models.MetricName {
	switch t {
	case models.EntitySKU:
		return models.MetricAttributedRevenue
	case models.EntityCampaign:
		return models.MetricRPMo
	default:
		return models.MetricCTR
	}
}

// classify maps a flagged entity to a finding type with its statistical
// evidence. A flagged entity whose deviation matches no known bad pattern
// (e.g. an upward CTR swing on an ad) yields no finding.
func (e *Engine) classify(storeID string, s *entitySeries, current time.Time, z float64, base baselineStats, observed float64, now time.Time) *models.DiagnosticFinding {
	severity := models.SeverityWarn
	if math.Abs(z) >= e.cfg.FlagThreshold {
		severity = models.SeverityCritical
	}
	evidence := models.Evidence{
		Metric:   e.driverMetric(s.entityType),
		ZScore:   z,
		Baseline: base.mean,
		Observed: observed,
		Buckets:  base.n,
	}
	if sn, ok := s.metric(current, models.MetricImpressions); ok {
		evidence.SampleSize = int64(sn.Value.Value)
	}

	newFinding := func(t models.FindingType) *models.DiagnosticFinding {
		return &models.DiagnosticFinding{
			ID:         uuid.NewString(),
			StoreID:    storeID,
			EntityID:   s.entityID,
			EntityType: s.entityType,
			Type:       t,
			Severity:   severity,
			DetectedAt: now,
			Evidence:   evidence,
		}
	}

	switch s.entityType {
	case models.EntitySKU:
		// Month-over-month attributed-revenue swing.
		if swing, ok := e.skuSwing(s); ok && math.Abs(swing) >= e.cfg.SKUSwingThreshold {
			f := newFinding(models.FindingSKUAnomaly)
			f.Evidence.Observed = swing
			return f
		}
		if math.Abs(z) >= e.cfg.FlagThreshold {
			return newFinding(models.FindingSKUAnomaly)
		}
		return nil
	default:
		// Declining engagement is creative fatigue; spend climbing while
		// efficiency falls is budget waste. Budget waste wins when both
		// hold, it is the costlier condition.
		if e.spendUpEfficiencyDown(s, current) {
			return newFinding(models.FindingBudgetWaste)
		}
		if z < 0 {
			return newFinding(models.FindingCreativeFatigue)
		}
		if e.rpmoDeclining(s, current) {
			f := newFinding(models.FindingCreativeFatigue)
			f.Evidence.Metric = models.MetricRPMo
			return f
		}
		return nil
	}
}

// skuSwing compares the last 30 bucket-days of attributed revenue to the
// 30 before, returning the relative swing.
func (e *Engine) skuSwing(s *entitySeries) (float64, bool) {
	cut := len(s.buckets) - 30
	if cut < 1 {
		return 0, false
	}
	recent := sumDefined(s, s.buckets[cut:], models.MetricAttributedRevenue)
	prevStart := cut - 30
	if prevStart < 0 {
		prevStart = 0
	}
	previous := sumDefined(s, s.buckets[prevStart:cut], models.MetricAttributedRevenue)
	if previous == 0 {
		return 0, false
	}
	return (recent - previous) / previous, true
}

// spendUpEfficiencyDown reports whether the current bucket shows spend
// above baseline while RPMo sits below its own.
func (e *Engine) spendUpEfficiencyDown(s *entitySeries, current time.Time) bool {
	baselineBuckets := trailingWindow(s.buckets, len(s.buckets)-1, e.cfg.BaselineBuckets)

	spendWindow := s.definedSeries(baselineBuckets, models.MetricSpend)
	rpmoWindow := s.definedSeries(baselineBuckets, models.MetricRPMo)
	if len(spendWindow) < 2 || len(rpmoWindow) < 2 {
		return false
	}
	spendSnap, okSpend := s.metric(current, models.MetricSpend)
	rpmoSnap, okRPMo := s.metric(current, models.MetricRPMo)
	if !okSpend || !okRPMo || !spendSnap.Value.Defined || !rpmoSnap.Value.Defined {
		return false
	}
	spendZ := computeBaseline(spendWindow).zScore(spendSnap.Value.Value)
	rpmoZ := computeBaseline(rpmoWindow).zScore(rpmoSnap.Value.Value)
	return spendZ >= e.cfg.WatchThreshold && rpmoZ <= -e.cfg.WatchThreshold
}

// rpmoDeclining reports whether RPMo dropped beyond a standard deviation.
func (e *Engine) rpmoDeclining(s *entitySeries, current time.Time) bool {
	baselineBuckets := trailingWindow(s.buckets, len(s.buckets)-1, e.cfg.BaselineBuckets)
	window := s.definedSeries(baselineBuckets, models.MetricRPMo)
	if len(window) < 2 {
		return false
	}
	sn, ok := s.metric(current, models.MetricRPMo)
	if !ok || !sn.Value.Defined {
		return false
	}
	return computeBaseline(window).zScore(sn.Value.Value) <= -e.cfg.WatchThreshold
}

func sumDefined(s *entitySeries, buckets []time.Time, name models.MetricName) float64 {
	var sum float64
	for _, v := range s.definedSeries(buckets, name) {
		sum += v
	}
	return sum
}

// trailingWindow returns up to n buckets strictly before index i.
func trailingWindow(buckets []time.Time, i, n int) []time.Time {
	start := i - n
	if start < 0 {
		start = 0
	}
	return buckets[start:i]
}

// groupSeries indexes snapshots into ordered per-entity series.
func groupSeries(snaps []*models.MetricSnapshot) []*entitySeries {
	byEntity := make(map[string]*entitySeries)
	for _, sn := range snaps {
		key := fmt.Sprintf("%s|%s", sn.EntityType, sn.EntityID)
		s, ok := byEntity[key]
		if !ok {
			s = &entitySeries{
				entityID:   sn.EntityID,
				entityType: sn.EntityType,
				values:     make(map[time.Time]map[models.MetricName]models.MetricSnapshot),
			}
			byEntity[key] = s
		}
		bucket := sn.BucketStart.UTC()
		if s.values[bucket] == nil {
			s.values[bucket] = make(map[models.MetricName]models.MetricSnapshot)
			s.buckets = append(s.buckets, bucket)
		}
		s.values[bucket][sn.Metric] = *sn
	}

	result := make([]*entitySeries, 0, len(byEntity))
	for _, s := range byEntity {
		sort.Slice(s.buckets, func(i, j int) bool { return s.buckets[i].Before(s.buckets[j]) })
		result = append(result, s)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].entityID < result[j].entityID })
	return result
}
