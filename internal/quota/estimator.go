package quota

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/coltonsteinbeck/silo-metering/internal/config"
	"github.com/coltonsteinbeck/silo-metering/internal/metrics"
)

// minCalibrationSamples is how many accuracy samples the trailing window
// must hold before the observed ratio replaces the default.
const minCalibrationSamples = 10

// StatsProvider is the slice of AccuracyStore the estimator needs.
type StatsProvider interface {
	GetStats(ctx context.Context, windowDays int) (AccuracyStats, error)
}

// Estimator predicts a usage amount before the real cost is known:
// clamp(ceil(inputLength*ratio) + base, min, max). The ratio self-tunes
// from historical accuracy samples.
type Estimator struct {
	stats        StatsProvider
	defaultRatio float64
	baseAmount   int64
	minAmount    int64
	maxAmount    int64
	windowDays   int
	cacheTTL     time.Duration

	// The calibrated ratio lives in an instance-owned cache cell rather
	// than package state, so separate instances and tests never
	// cross-contaminate. Concurrent refreshes overwrite each other
	// harmlessly.
	mu          sync.Mutex
	cachedRatio float64
	fetchedAt   time.Time

	now func() time.Time
}

// NewEstimator creates an Estimator calibrated from the given stats source.
// A nil stats source always uses the default ratio.
func NewEstimator(stats StatsProvider, cfg config.QuotaConfig) *Estimator {
	return &Estimator{
		stats:        stats,
		defaultRatio: cfg.EstimateRatio,
		baseAmount:   int64(cfg.EstimateBaseAmount),
		minAmount:    int64(cfg.EstimateMin),
		maxAmount:    int64(cfg.EstimateMax),
		windowDays:   cfg.AccuracyWindowDays,
		cacheTTL:     cfg.RatioCacheTTL,
		now:          time.Now,
	}
}

// EstimateResponseAmount predicts the usage amount for an input of the
// given length. For a fixed ratio the result is non-decreasing in
// inputLength and always within [min, max].
func (e *Estimator) EstimateResponseAmount(ctx context.Context, inputLength int) int64 {
	if inputLength < 0 {
		inputLength = 0
	}

	ratio := e.calibratedRatio(ctx)

	amount := int64(math.Ceil(float64(inputLength)*ratio)) + e.baseAmount
	if amount < e.minAmount {
		amount = e.minAmount
	}
	if amount > e.maxAmount {
		amount = e.maxAmount
	}
	return amount
}

// calibratedRatio returns the cached ratio, refreshing it from the
// accuracy aggregates when the cache cell is empty or older than the TTL.
// A failed or inconclusive refresh falls back to the default ratio, which
// is also cached so a degraded store is not hammered on every estimate.
func (e *Estimator) calibratedRatio(ctx context.Context) float64 {
	e.mu.Lock()
	if !e.fetchedAt.IsZero() && e.now().Sub(e.fetchedAt) < e.cacheTTL {
		ratio := e.cachedRatio
		e.mu.Unlock()
		return ratio
	}
	e.mu.Unlock()

	ratio := e.defaultRatio
	if e.stats != nil {
		stats, err := e.stats.GetStats(ctx, e.windowDays)
		switch {
		case err != nil:
			slog.Warn("estimator: accuracy stats query failed, using default ratio", "error", err)
		case stats.SampleCount >= minCalibrationSamples && stats.AvgRatio != nil && *stats.AvgRatio > 0:
			ratio = *stats.AvgRatio
		}
	}

	// Overwrite is idempotent: concurrent refreshes may race here and
	// the loser's value wins, which is harmless for an advisory ratio.
	e.mu.Lock()
	e.cachedRatio = ratio
	e.fetchedAt = e.now()
	e.mu.Unlock()

	metrics.EstimationRatio.Set(ratio)
	return ratio
}
