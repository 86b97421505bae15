package quota

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coltonsteinbeck/silo-metering/internal/events"
	"github.com/coltonsteinbeck/silo-metering/internal/metrics"
)

// ResetMarkStore persists reset-notification marks. Marks are short-lived:
// created when a user exhausts their daily quota, cleared by the external
// scheduler once the notification is delivered.
type ResetMarkStore interface {
	Upsert(ctx context.Context, mark ResetMark) error

	// ListDue returns marks whose owning UTC day has rolled over, i.e.
	// the user's quota has since reset.
	ListDue(ctx context.Context) ([]ResetMark, error)

	Clear(ctx context.Context, guildID, userID string) error
}

type postgresResetMarkStore struct {
	pool *pgxpool.Pool
}

// NewResetMarkStore creates a PostgreSQL-backed ResetMarkStore.
func NewResetMarkStore(pool *pgxpool.Pool) ResetMarkStore {
	return &postgresResetMarkStore{pool: pool}
}

func (s *postgresResetMarkStore) Upsert(ctx context.Context, mark ResetMark) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO reset_notification_marks (guild_id, user_id, channel_id, exhausted_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (guild_id, user_id) DO UPDATE
		 SET channel_id = EXCLUDED.channel_id,
		     exhausted_at = EXCLUDED.exhausted_at`,
		mark.GuildID, mark.UserID, mark.ChannelID, mark.ExhaustedAt)
	if err != nil {
		return fmt.Errorf("%w: upserting reset mark: %w", ErrPersistence, err)
	}
	return nil
}

func (s *postgresResetMarkStore) ListDue(ctx context.Context) ([]ResetMark, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT guild_id, user_id, channel_id, exhausted_at
		 FROM reset_notification_marks
		 WHERE exhausted_at < date_trunc('day', now() AT TIME ZONE 'utc')
		 ORDER BY exhausted_at`)
	if err != nil {
		return nil, fmt.Errorf("%w: listing due reset marks: %w", ErrLedgerRead, err)
	}
	defer rows.Close()

	var marks []ResetMark
	for rows.Next() {
		var m ResetMark
		if err := rows.Scan(&m.GuildID, &m.UserID, &m.ChannelID, &m.ExhaustedAt); err != nil {
			return nil, fmt.Errorf("%w: scanning reset mark: %w", ErrLedgerRead, err)
		}
		marks = append(marks, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: reading reset marks: %w", ErrLedgerRead, err)
	}
	return marks, nil
}

func (s *postgresResetMarkStore) Clear(ctx context.Context, guildID, userID string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM reset_notification_marks WHERE guild_id = $1 AND user_id = $2`,
		guildID, userID)
	if err != nil {
		return fmt.Errorf("%w: clearing reset mark: %w", ErrPersistence, err)
	}
	return nil
}

// ResetNotifier marks exhausted users for a deferred "your quota has
// reset" notification. Finding due marks and delivering the notification
// belongs to the external scheduler.
type ResetNotifier struct {
	store     ResetMarkStore
	publisher *events.Publisher
}

// NewResetNotifier creates a ResetNotifier. publisher may be nil.
func NewResetNotifier(store ResetMarkStore, publisher *events.Publisher) *ResetNotifier {
	return &ResetNotifier{store: store, publisher: publisher}
}

// MarkForResetNotification upserts the user's mark, refreshing the channel
// and exhaustion time if one already exists. Idempotent.
func (n *ResetNotifier) MarkForResetNotification(ctx context.Context, guildID, userID, channelID string) error {
	now := time.Now().UTC()
	err := n.store.Upsert(ctx, ResetMark{
		GuildID:     guildID,
		UserID:      userID,
		ChannelID:   channelID,
		ExhaustedAt: now,
	})
	if err != nil {
		return err
	}
	metrics.ResetMarksTotal.Inc()

	if err := n.publisher.PublishResetMarked(ctx, events.ResetMarked{
		GuildID:   guildID,
		UserID:    userID,
		ChannelID: channelID,
		MarkedAt:  now,
	}); err != nil {
		slog.Warn("publishing reset-marked event", "error", err, "guild_id", guildID, "user_id", userID)
	}
	return nil
}
