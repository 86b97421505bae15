package quota

import "github.com/coltonsteinbeck/silo-metering/internal/permissions"

// defaultTierQuotas is the last fallback level of policy resolution: the
// limits that apply when neither a guild-specific nor a global policy row
// exists for a tier.
var defaultTierQuotas = map[permissions.RoleTier]Limits{
	permissions.TierAdmin:      {TextTokens: 50000, Images: 5, VoiceMinutes: 15},
	permissions.TierModerator:  {TextTokens: 20000, Images: 3, VoiceMinutes: 10},
	permissions.TierTrusted:    {TextTokens: 10000, Images: 2, VoiceMinutes: 5},
	permissions.TierMember:     {TextTokens: 5000, Images: 1, VoiceMinutes: 0},
	permissions.TierRestricted: {TextTokens: 0, Images: 0, VoiceMinutes: 0},
}

// DefaultGuildCap is the server-wide daily ceiling applied when a guild
// has no cap override row.
var DefaultGuildCap = Limits{TextTokens: 50000, Images: 5, VoiceMinutes: 15}

// DefaultTierQuota returns the hardcoded daily limits for a tier. Unknown
// tiers get the member defaults.
func DefaultTierQuota(tier permissions.RoleTier) Limits {
	if l, ok := defaultTierQuotas[tier]; ok {
		return l
	}
	return defaultTierQuotas[permissions.TierMember]
}
