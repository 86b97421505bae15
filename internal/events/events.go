package events

import "time"

// Stream name.
const StreamQuota = "SILO_QUOTA"

// Subject constants.
const (
	SubjectQuotaExhausted  = "silo.quota.exhausted"
	SubjectGuildCapReached = "silo.quota.guild_cap"
	SubjectResetMarked     = "silo.quota.reset_marked"
)

// QuotaExhausted is published when a user is denied for the day.
// The notification scheduler uses it to wake up before its next poll.
type QuotaExhausted struct {
	GuildID     string    `json:"guild_id"`
	UserID      string    `json:"user_id"`
	ChannelID   string    `json:"channel_id,omitempty"`
	UsageType   string    `json:"usage_type"`
	Used        int64     `json:"used"`
	Limit       int64     `json:"limit"`
	ExhaustedAt time.Time `json:"exhausted_at"`
}

// GuildCapReached is published when a request is denied at the
// server-wide ceiling rather than the user's own limit.
type GuildCapReached struct {
	GuildID   string    `json:"guild_id"`
	UsageType string    `json:"usage_type"`
	Used      int64     `json:"used"`
	Cap       int64     `json:"cap"`
	At        time.Time `json:"at"`
}

// ResetMarked is published after a reset notification mark is upserted.
type ResetMarked struct {
	GuildID   string    `json:"guild_id"`
	UserID    string    `json:"user_id"`
	ChannelID string    `json:"channel_id"`
	MarkedAt  time.Time `json:"marked_at"`
}
