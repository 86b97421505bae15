//go:build integration

package integration

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coltonsteinbeck/silo-metering/internal/quota"
)

func TestAccuracy_RoundTrip(t *testing.T) {
	env := SetupTestEnv(t)
	ctx := context.Background()
	guild := uniqueGuild()

	before, err := env.Accuracy.GetStats(ctx, 7)
	require.NoError(t, err)

	// Samples with actual = 0.5*input + 150, matching the store's base
	// amount, so the observed ratio should average 0.5.
	for i := 0; i < 12; i++ {
		input := 1000 + i*10
		actual := int64(input/2) + 150
		err := env.Accuracy.LogAccuracy(ctx, guild, uniqueUser(), input, 450, actual)
		require.NoError(t, err)
	}

	after, err := env.Accuracy.GetStats(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, before.SampleCount+12, after.SampleCount)
	require.NotNil(t, after.AvgRatio)
	assert.Greater(t, *after.AvgRatio, 0.0)
	require.NotNil(t, after.StdDev)
}

func TestAccuracy_ZeroLengthInputsExcluded(t *testing.T) {
	env := SetupTestEnv(t)
	ctx := context.Background()

	before, err := env.Accuracy.GetStats(ctx, 7)
	require.NoError(t, err)

	// A zero input length cannot produce a ratio and must not poison the
	// aggregate.
	require.NoError(t, env.Accuracy.LogAccuracy(ctx, uniqueGuild(), uniqueUser(), 0, 150, 200))

	after, err := env.Accuracy.GetStats(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, before.SampleCount, after.SampleCount)
}

func TestResetMarks_Lifecycle(t *testing.T) {
	env := SetupTestEnv(t)
	ctx := context.Background()
	guild, user := uniqueGuild(), uniqueUser()

	mark := quota.ResetMark{
		GuildID:     guild,
		UserID:      user,
		ChannelID:   "chan-1",
		ExhaustedAt: quota.TodayUTC(),
	}
	require.NoError(t, env.Marks.Upsert(ctx, mark))

	// Today's mark is not yet due: the quota has not reset.
	due, err := env.Marks.ListDue(ctx)
	require.NoError(t, err)
	for _, m := range due {
		assert.NotEqual(t, user, m.UserID)
	}

	// Re-exhaustion in another channel refreshes the mark in place.
	mark.ChannelID = "chan-2"
	require.NoError(t, env.Marks.Upsert(ctx, mark))

	// Backdate it to yesterday: now the day has rolled over and it is due.
	_, err = env.Pool.Exec(ctx,
		`UPDATE reset_notification_marks
		 SET exhausted_at = exhausted_at - interval '1 day'
		 WHERE guild_id = $1 AND user_id = $2`, guild, user)
	require.NoError(t, err)

	due, err = env.Marks.ListDue(ctx)
	require.NoError(t, err)
	var found *quota.ResetMark
	for i := range due {
		if due[i].GuildID == guild && due[i].UserID == user {
			found = &due[i]
		}
	}
	require.NotNil(t, found, "a backdated mark is due")
	assert.Equal(t, "chan-2", found.ChannelID)

	require.NoError(t, env.Marks.Clear(ctx, guild, user))
	due, err = env.Marks.ListDue(ctx)
	require.NoError(t, err)
	for _, m := range due {
		assert.NotEqual(t, user, m.UserID)
	}
}
