package quota

import (
	"time"

	"github.com/google/uuid"
)

// UsageType identifies a meterable resource.
type UsageType string

const (
	UsageTextTokens   UsageType = "text_tokens"
	UsageImages       UsageType = "images"
	UsageVoiceMinutes UsageType = "voice_minutes"
)

// UsageTypes lists every meterable resource.
var UsageTypes = []UsageType{UsageTextTokens, UsageImages, UsageVoiceMinutes}

// ParseUsageType maps a string to a known usage type.
func ParseUsageType(s string) (UsageType, bool) {
	switch UsageType(s) {
	case UsageTextTokens, UsageImages, UsageVoiceMinutes:
		return UsageType(s), true
	}
	return "", false
}

// Label returns the user-facing name of the resource, used in denial messages.
func (u UsageType) Label() string {
	switch u {
	case UsageTextTokens:
		return "text generation"
	case UsageImages:
		return "image generation"
	case UsageVoiceMinutes:
		return "voice chat"
	}
	return string(u)
}

// Unlimited marks Remaining/Max values for quota-exempt guilds.
const Unlimited int64 = -1

// Limits holds the per-day maximum for each usage type. Zero means no access.
type Limits struct {
	TextTokens   int64 `json:"text_tokens"`
	Images       int64 `json:"images"`
	VoiceMinutes int64 `json:"voice_minutes"`
}

// Get returns the limit for one usage type.
func (l Limits) Get(u UsageType) int64 {
	switch u {
	case UsageTextTokens:
		return l.TextTokens
	case UsageImages:
		return l.Images
	case UsageVoiceMinutes:
		return l.VoiceMinutes
	}
	return 0
}

// Counters holds a day's consumption for each usage type. An absent row in
// the ledger reads as the zero value: a new UTC day implicitly starts fresh.
type Counters struct {
	TextTokens   int64 `json:"text_tokens"`
	Images       int64 `json:"images"`
	VoiceMinutes int64 `json:"voice_minutes"`
}

// Get returns the counter for one usage type.
func (c Counters) Get(u UsageType) int64 {
	switch u {
	case UsageTextTokens:
		return c.TextTokens
	case UsageImages:
		return c.Images
	case UsageVoiceMinutes:
		return c.VoiceMinutes
	}
	return 0
}

// Exemption holds the per-guild bypass flags.
type Exemption struct {
	QuotaExempt     bool `json:"quota_exempt"`
	RateLimitExempt bool `json:"rate_limit_exempt"`
}

// DenialReason categorizes why a check was denied, so callers can react
// differently to a tier restriction versus an exhausted cap.
type DenialReason string

const (
	ReasonNoAccess         DenialReason = "no_access"
	ReasonVoiceTier        DenialReason = "voice_tier_restriction"
	ReasonGuildCapExceeded DenialReason = "guild_cap_exceeded"
	ReasonUserCapExceeded  DenialReason = "user_daily_cap_exceeded"
)

// CheckResult is the outcome of a pre-flight quota check.
//
// Remaining is a display estimate only: the check and the eventual commit
// are separated by the metered AI call, and no lock spans that gap. Two
// concurrent requests can both see Allowed before either commits. The
// commit path (AtomicIncrementUsage) is the authority.
type CheckResult struct {
	Allowed   bool         `json:"allowed"`
	Remaining int64        `json:"remaining"`
	Max       int64        `json:"max"`
	Reason    DenialReason `json:"reason,omitempty"`
	Message   string       `json:"message,omitempty"`
}

// GuildCheckResult is the outcome of a read-only guild cap check.
type GuildCheckResult struct {
	Allowed   bool  `json:"allowed"`
	Remaining int64 `json:"remaining"`
	Max       int64 `json:"max"`
}

// CommitResult is the outcome of an atomic usage commit. Success=false is
// the expected write-conflict outcome (limit would be exceeded), not an
// error: NewTotal then holds the unchanged stored value.
type CommitResult struct {
	Success   bool  `json:"success"`
	NewTotal  int64 `json:"new_total"`
	Remaining int64 `json:"remaining"`
}

// RemainingQuota is one entry of a per-user quota summary.
type RemainingQuota struct {
	Remaining int64 `json:"remaining"`
	Max       int64 `json:"max"`
}

// GuildUsage is one entry of a guild-wide usage summary.
type GuildUsage struct {
	Used int64 `json:"used"`
	Max  int64 `json:"max"`
}

// AccuracySample records one estimate-versus-actual observation. Samples
// are append-only and consumed only in aggregate.
type AccuracySample struct {
	ID              uuid.UUID `json:"id"`
	GuildID         string    `json:"guild_id"`
	UserID          string    `json:"user_id"`
	InputLength     int       `json:"input_length"`
	EstimatedAmount int64     `json:"estimated_amount"`
	ActualAmount    int64     `json:"actual_amount"`
	CreatedAt       time.Time `json:"created_at"`
}

// AccuracyStats aggregates samples over a trailing window. AvgRatio and
// StdDev are nil when the window holds no samples.
type AccuracyStats struct {
	AvgRatio    *float64 `json:"avg_ratio"`
	SampleCount int      `json:"sample_count"`
	StdDev      *float64 `json:"std_dev"`
}

// ResetMark flags a user for a deferred quota-reset notification. At most
// one active mark exists per (guild, user); the external scheduler clears
// it after delivering the notification.
type ResetMark struct {
	GuildID     string    `json:"guild_id"`
	UserID      string    `json:"user_id"`
	ChannelID   string    `json:"channel_id"`
	ExhaustedAt time.Time `json:"exhausted_at"`
}

// TodayUTC returns the current UTC calendar date, the key of all daily rows.
func TodayUTC() time.Time {
	return time.Now().UTC().Truncate(24 * time.Hour)
}

// NextMidnightUTC returns the moment today's counters roll over.
func NextMidnightUTC() time.Time {
	return TodayUTC().Add(24 * time.Hour)
}
