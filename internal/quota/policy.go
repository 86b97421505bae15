package quota

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coltonsteinbeck/silo-metering/internal/permissions"
)

// PolicyStore resolves quota policy, guild caps, and exemptions. Reads are
// deterministic: the same inputs yield the same policy at a given point in
// time. Policy rows are written only through the admin surface.
type PolicyStore interface {
	GetRoleTierQuota(ctx context.Context, guildID string, tier permissions.RoleTier) (Limits, error)
	GetGuildCapPolicy(ctx context.Context, guildID string) (Limits, error)
	GetExemption(ctx context.Context, guildID string) (Exemption, error)

	// UpsertTierPolicy writes a guild policy row, or the global row when
	// guildID is nil.
	UpsertTierPolicy(ctx context.Context, guildID *string, tier permissions.RoleTier, limits Limits) error
	UpsertGuildCap(ctx context.Context, guildID string, limits Limits) error
	UpsertExemption(ctx context.Context, guildID string, exemption Exemption) error
}

// resolveTierQuota applies the fallback chain one explicit level at a
// time: guild-specific row, then global tier row, then the hardcoded
// default table.
func resolveTierQuota(tier permissions.RoleTier, guildRow, globalRow *Limits) Limits {
	if guildRow != nil {
		return *guildRow
	}
	if globalRow != nil {
		return *globalRow
	}
	return DefaultTierQuota(tier)
}

// resolveGuildCap applies the cap fallback: override row else constants.
func resolveGuildCap(capRow *Limits) Limits {
	if capRow != nil {
		return *capRow
	}
	return DefaultGuildCap
}

type postgresPolicyStore struct {
	pool *pgxpool.Pool
}

// NewPolicyStore creates a PostgreSQL-backed PolicyStore.
func NewPolicyStore(pool *pgxpool.Pool) PolicyStore {
	return &postgresPolicyStore{pool: pool}
}

func (s *postgresPolicyStore) GetRoleTierQuota(ctx context.Context, guildID string, tier permissions.RoleTier) (Limits, error) {
	// Unknown tiers resolve as member rather than erroring.
	if _, ok := permissions.ParseRoleTier(string(tier)); !ok {
		tier = permissions.TierMember
	}

	rows, err := s.pool.Query(ctx,
		`SELECT guild_id, text_tokens_max, images_max, voice_minutes_max
		 FROM quota_policies
		 WHERE (guild_id = $1 OR guild_id IS NULL) AND role_tier = $2`,
		guildID, string(tier))
	if err != nil {
		return Limits{}, fmt.Errorf("%w: querying tier policy: %w", ErrPolicyResolution, err)
	}
	defer rows.Close()

	var guildRow, globalRow *Limits
	for rows.Next() {
		var rowGuild *string
		var l Limits
		if err := rows.Scan(&rowGuild, &l.TextTokens, &l.Images, &l.VoiceMinutes); err != nil {
			return Limits{}, fmt.Errorf("%w: scanning tier policy: %w", ErrPolicyResolution, err)
		}
		if rowGuild != nil {
			guildRow = &l
		} else {
			globalRow = &l
		}
	}
	if err := rows.Err(); err != nil {
		return Limits{}, fmt.Errorf("%w: reading tier policy rows: %w", ErrPolicyResolution, err)
	}

	return resolveTierQuota(tier, guildRow, globalRow), nil
}

func (s *postgresPolicyStore) GetGuildCapPolicy(ctx context.Context, guildID string) (Limits, error) {
	var l Limits
	err := s.pool.QueryRow(ctx,
		`SELECT text_tokens_max, images_max, voice_minutes_max
		 FROM guild_cap_policies WHERE guild_id = $1`, guildID,
	).Scan(&l.TextTokens, &l.Images, &l.VoiceMinutes)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return resolveGuildCap(nil), nil
		}
		return Limits{}, fmt.Errorf("%w: querying guild cap: %w", ErrPolicyResolution, err)
	}
	return resolveGuildCap(&l), nil
}

func (s *postgresPolicyStore) GetExemption(ctx context.Context, guildID string) (Exemption, error) {
	var e Exemption
	err := s.pool.QueryRow(ctx,
		`SELECT quota_exempt, rate_limit_exempt FROM guild_exemptions WHERE guild_id = $1`, guildID,
	).Scan(&e.QuotaExempt, &e.RateLimitExempt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Exemption{}, nil
		}
		return Exemption{}, fmt.Errorf("%w: querying exemption: %w", ErrPolicyResolution, err)
	}
	return e, nil
}

func (s *postgresPolicyStore) UpsertTierPolicy(ctx context.Context, guildID *string, tier permissions.RoleTier, limits Limits) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO quota_policies (guild_id, role_tier, text_tokens_max, images_max, voice_minutes_max)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (guild_id, role_tier) DO UPDATE
		 SET text_tokens_max = EXCLUDED.text_tokens_max,
		     images_max = EXCLUDED.images_max,
		     voice_minutes_max = EXCLUDED.voice_minutes_max,
		     updated_at = now()`,
		guildID, string(tier), limits.TextTokens, limits.Images, limits.VoiceMinutes)
	if err != nil {
		return fmt.Errorf("%w: upserting tier policy: %w", ErrPersistence, err)
	}
	return nil
}

func (s *postgresPolicyStore) UpsertGuildCap(ctx context.Context, guildID string, limits Limits) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO guild_cap_policies (guild_id, text_tokens_max, images_max, voice_minutes_max)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (guild_id) DO UPDATE
		 SET text_tokens_max = EXCLUDED.text_tokens_max,
		     images_max = EXCLUDED.images_max,
		     voice_minutes_max = EXCLUDED.voice_minutes_max,
		     updated_at = now()`,
		guildID, limits.TextTokens, limits.Images, limits.VoiceMinutes)
	if err != nil {
		return fmt.Errorf("%w: upserting guild cap: %w", ErrPersistence, err)
	}
	return nil
}

func (s *postgresPolicyStore) UpsertExemption(ctx context.Context, guildID string, exemption Exemption) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO guild_exemptions (guild_id, quota_exempt, rate_limit_exempt)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (guild_id) DO UPDATE
		 SET quota_exempt = EXCLUDED.quota_exempt,
		     rate_limit_exempt = EXCLUDED.rate_limit_exempt,
		     updated_at = now()`,
		guildID, exemption.QuotaExempt, exemption.RateLimitExempt)
	if err != nil {
		return fmt.Errorf("%w: upserting exemption: %w", ErrPersistence, err)
	}
	return nil
}

// RateLimitExemptions adapts a PolicyStore to the middleware's
// ExemptionChecker interface.
type RateLimitExemptions struct {
	Policies PolicyStore
}

func (r RateLimitExemptions) IsRateLimitExempt(ctx context.Context, guildID string) (bool, error) {
	e, err := r.Policies.GetExemption(ctx, guildID)
	if err != nil {
		return false, err
	}
	return e.RateLimitExempt, nil
}
