package quota

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coltonsteinbeck/silo-metering/internal/metrics"
)

// AccuracyStore persists estimate-versus-actual samples and serves rolling
// aggregate statistics for estimator recalibration.
type AccuracyStore interface {
	// LogAccuracy appends a sample. This is a non-critical telemetry
	// path: callers are expected to log and swallow failures rather than
	// block the primary flow.
	LogAccuracy(ctx context.Context, guildID, userID string, inputLength int, estimated, actual int64) error

	// GetStats aggregates samples from the trailing windowDays. AvgRatio
	// and StdDev are nil when the window holds no usable samples.
	GetStats(ctx context.Context, windowDays int) (AccuracyStats, error)
}

type postgresAccuracyStore struct {
	pool *pgxpool.Pool
	// baseAmount is the estimator's additive constant. The observed ratio
	// of a sample is (actual - base) / inputLength so that plugging the
	// average back into the estimation formula reproduces actuals.
	baseAmount int64
}

// NewAccuracyStore creates a PostgreSQL-backed AccuracyStore. baseAmount
// must match the estimator's base so ratios stay formula-consistent.
func NewAccuracyStore(pool *pgxpool.Pool, baseAmount int) AccuracyStore {
	return &postgresAccuracyStore{pool: pool, baseAmount: int64(baseAmount)}
}

func (s *postgresAccuracyStore) LogAccuracy(ctx context.Context, guildID, userID string, inputLength int, estimated, actual int64) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO quota_accuracy_samples (id, guild_id, user_id, input_length, estimated_amount, actual_amount)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		uuid.New(), guildID, userID, inputLength, estimated, actual)
	if err != nil {
		return fmt.Errorf("inserting accuracy sample: %w", err)
	}
	metrics.AccuracySamplesTotal.Inc()
	return nil
}

func (s *postgresAccuracyStore) GetStats(ctx context.Context, windowDays int) (AccuracyStats, error) {
	var stats AccuracyStats
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*),
		        AVG(GREATEST(actual_amount - $2, 0)::float8 / input_length),
		        STDDEV_SAMP(GREATEST(actual_amount - $2, 0)::float8 / input_length)
		 FROM quota_accuracy_samples
		 WHERE input_length > 0
		   AND created_at >= now() - make_interval(days => $1)`,
		windowDays, s.baseAmount,
	).Scan(&stats.SampleCount, &stats.AvgRatio, &stats.StdDev)
	if err != nil {
		return AccuracyStats{}, fmt.Errorf("querying accuracy stats: %w", err)
	}
	return stats, nil
}
