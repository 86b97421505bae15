package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// UsageLedger persists per-user and per-guild daily usage counters.
//
// AtomicIncrementUsage is the engine's only true safety barrier: checks are
// advisory, commits are authoritative. Everything else here is plain reads
// and unconditional upserts.
type UsageLedger interface {
	GetUserDailyUsage(ctx context.Context, guildID, userID string) (Counters, error)
	GetGuildDailyUsage(ctx context.Context, guildID string) (Counters, error)

	// CheckGuildQuota reads the guild aggregate and the guild cap and
	// reports whether current+amount fits. Read-only.
	CheckGuildQuota(ctx context.Context, guildID string, usageType UsageType, amount int64) (GuildCheckResult, error)

	// AtomicIncrementUsage applies the increment only when the stored
	// value plus amount stays within userLimit, as a single indivisible
	// conditional write. On predicate failure the stored value is
	// unchanged and Success is false. Concurrent calls for the same key
	// can never jointly push the counter past userLimit.
	AtomicIncrementUsage(ctx context.Context, guildID, userID string, usageType UsageType, amount, userLimit int64) (CommitResult, error)

	// IncrementUsage is the legacy limit-blind increment, kept for call
	// sites that validated the limit synchronously beforehand. It carries
	// a race window and must never be the sole safety mechanism.
	IncrementUsage(ctx context.Context, guildID, userID string, usageType UsageType, amount int64) error
}

// usageColumns maps usage types to ledger column names. SQL identifiers
// only ever come from this table, never from request input.
var usageColumns = map[UsageType]string{
	UsageTextTokens:   "text_tokens",
	UsageImages:       "images",
	UsageVoiceMinutes: "voice_minutes",
}

func usageColumn(u UsageType) (string, error) {
	col, ok := usageColumns[u]
	if !ok {
		return "", fmt.Errorf("unknown usage type %q", u)
	}
	return col, nil
}

type postgresLedger struct {
	pool     *pgxpool.Pool
	policies PolicyStore
}

// NewUsageLedger creates a PostgreSQL-backed UsageLedger. The policy store
// supplies guild caps for CheckGuildQuota.
func NewUsageLedger(pool *pgxpool.Pool, policies PolicyStore) UsageLedger {
	return &postgresLedger{pool: pool, policies: policies}
}

func (r *postgresLedger) GetUserDailyUsage(ctx context.Context, guildID, userID string) (Counters, error) {
	var c Counters
	err := r.pool.QueryRow(ctx,
		`SELECT text_tokens, images, voice_minutes
		 FROM user_daily_usage
		 WHERE guild_id = $1 AND user_id = $2 AND usage_date = $3`,
		guildID, userID, TodayUTC(),
	).Scan(&c.TextTokens, &c.Images, &c.VoiceMinutes)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Counters{}, nil
		}
		return Counters{}, fmt.Errorf("%w: querying user usage: %w", ErrLedgerRead, err)
	}
	return c, nil
}

func (r *postgresLedger) GetGuildDailyUsage(ctx context.Context, guildID string) (Counters, error) {
	var c Counters
	err := r.pool.QueryRow(ctx,
		`SELECT text_tokens, images, voice_minutes
		 FROM guild_daily_usage
		 WHERE guild_id = $1 AND usage_date = $2`,
		guildID, TodayUTC(),
	).Scan(&c.TextTokens, &c.Images, &c.VoiceMinutes)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Counters{}, nil
		}
		return Counters{}, fmt.Errorf("%w: querying guild usage: %w", ErrLedgerRead, err)
	}
	return c, nil
}

func (r *postgresLedger) CheckGuildQuota(ctx context.Context, guildID string, usageType UsageType, amount int64) (GuildCheckResult, error) {
	capLimits, err := r.policies.GetGuildCapPolicy(ctx, guildID)
	if err != nil {
		return GuildCheckResult{}, err
	}
	usage, err := r.GetGuildDailyUsage(ctx, guildID)
	if err != nil {
		return GuildCheckResult{}, err
	}

	used := usage.Get(usageType)
	max := capLimits.Get(usageType)
	remaining := max - used
	if remaining < 0 {
		remaining = 0
	}
	return GuildCheckResult{
		Allowed:   used+amount <= max,
		Remaining: remaining,
		Max:       max,
	}, nil
}

func (r *postgresLedger) AtomicIncrementUsage(ctx context.Context, guildID, userID string, usageType UsageType, amount, userLimit int64) (CommitResult, error) {
	col, err := usageColumn(usageType)
	if err != nil {
		return CommitResult{}, err
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return CommitResult{}, fmt.Errorf("%w: begin tx: %w", ErrPersistence, err)
	}
	defer tx.Rollback(ctx)

	today := TodayUTC()

	// One conditional upsert. A missing row inserts only when the amount
	// alone fits the limit; an existing row updates only when the summed
	// value still fits. No row returned means the predicate failed and
	// nothing was written.
	query := fmt.Sprintf(`
		INSERT INTO user_daily_usage AS u (guild_id, user_id, usage_date, %[1]s)
		SELECT $1, $2, $3, $4::bigint
		WHERE $4::bigint <= $5::bigint
		ON CONFLICT (guild_id, user_id, usage_date) DO UPDATE
		SET %[1]s = u.%[1]s + EXCLUDED.%[1]s, updated_at = now()
		WHERE u.%[1]s + EXCLUDED.%[1]s <= $5::bigint
		RETURNING %[1]s`, col)

	var newTotal int64
	err = tx.QueryRow(ctx, query, guildID, userID, today, amount, userLimit).Scan(&newTotal)
	if errors.Is(err, pgx.ErrNoRows) {
		// Predicate failed: report the unchanged pre-increment value.
		current, readErr := r.GetUserDailyUsage(ctx, guildID, userID)
		if readErr != nil {
			return CommitResult{}, readErr
		}
		used := current.Get(usageType)
		remaining := userLimit - used
		if remaining < 0 {
			remaining = 0
		}
		return CommitResult{Success: false, NewTotal: used, Remaining: remaining}, nil
	}
	if err != nil {
		return CommitResult{}, fmt.Errorf("%w: conditional increment: %w", ErrPersistence, err)
	}

	// The guild aggregate is maintained independently of the per-user
	// rows, in the same transaction as the user increment.
	if err := bumpGuildAggregate(ctx, tx, col, guildID, today, amount); err != nil {
		return CommitResult{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return CommitResult{}, fmt.Errorf("%w: commit: %w", ErrPersistence, err)
	}

	return CommitResult{Success: true, NewTotal: newTotal, Remaining: userLimit - newTotal}, nil
}

func (r *postgresLedger) IncrementUsage(ctx context.Context, guildID, userID string, usageType UsageType, amount int64) error {
	col, err := usageColumn(usageType)
	if err != nil {
		return err
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%w: begin tx: %w", ErrPersistence, err)
	}
	defer tx.Rollback(ctx)

	query := fmt.Sprintf(`
		INSERT INTO user_daily_usage AS u (guild_id, user_id, usage_date, %[1]s)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (guild_id, user_id, usage_date) DO UPDATE
		SET %[1]s = u.%[1]s + EXCLUDED.%[1]s, updated_at = now()`, col)

	if _, err := tx.Exec(ctx, query, guildID, userID, TodayUTC(), amount); err != nil {
		return fmt.Errorf("%w: incrementing usage: %w", ErrPersistence, err)
	}

	if err := bumpGuildAggregate(ctx, tx, col, guildID, TodayUTC(), amount); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("%w: commit: %w", ErrPersistence, err)
	}
	return nil
}

func bumpGuildAggregate(ctx context.Context, tx pgx.Tx, col, guildID string, today time.Time, amount int64) error {
	query := fmt.Sprintf(`
		INSERT INTO guild_daily_usage AS g (guild_id, usage_date, %[1]s)
		VALUES ($1, $2, $3)
		ON CONFLICT (guild_id, usage_date) DO UPDATE
		SET %[1]s = g.%[1]s + EXCLUDED.%[1]s, updated_at = now()`, col)

	if _, err := tx.Exec(ctx, query, guildID, today, amount); err != nil {
		return fmt.Errorf("%w: bumping guild aggregate: %w", ErrPersistence, err)
	}
	return nil
}
