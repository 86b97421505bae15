// Package permissions is the boundary to the bot's role system. The real
// role logic lives in the bot gateway; this package defines the tier
// enumeration, the resolver interface, and a default resolver that maps
// the capability flags the gateway forwards with each request.
package permissions

import "context"

// RoleTier is the discrete permission level used as the key into quota policy.
type RoleTier string

const (
	TierAdmin      RoleTier = "admin"
	TierModerator  RoleTier = "moderator"
	TierTrusted    RoleTier = "trusted"
	TierMember     RoleTier = "member"
	TierRestricted RoleTier = "restricted"
)

// Tiers lists every known tier, highest privilege first.
var Tiers = []RoleTier{TierAdmin, TierModerator, TierTrusted, TierMember, TierRestricted}

// ParseRoleTier maps a string to a known tier. ok is false for unknown
// strings; callers decide whether to reject or fall back to member.
func ParseRoleTier(s string) (RoleTier, bool) {
	switch RoleTier(s) {
	case TierAdmin, TierModerator, TierTrusted, TierMember, TierRestricted:
		return RoleTier(s), true
	}
	return TierMember, false
}

// MemberCapability carries the permission flags the gateway resolved for a
// guild member. The engine never talks to the chat platform itself.
type MemberCapability struct {
	Administrator  bool `json:"administrator"`
	ManageGuild    bool `json:"manage_guild"`
	ManageMessages bool `json:"manage_messages"`
	Trusted        bool `json:"trusted"`
	Restricted     bool `json:"restricted"`
}

// Resolver resolves a guild member to a role tier.
type Resolver interface {
	GetUserRoleTier(ctx context.Context, guildID, userID string, capability MemberCapability) (RoleTier, error)
}

// CapabilityResolver derives the tier purely from the forwarded capability
// flags. Restriction wins over everything else.
type CapabilityResolver struct{}

func NewCapabilityResolver() *CapabilityResolver {
	return &CapabilityResolver{}
}

func (*CapabilityResolver) GetUserRoleTier(_ context.Context, _, _ string, capability MemberCapability) (RoleTier, error) {
	switch {
	case capability.Restricted:
		return TierRestricted, nil
	case capability.Administrator || capability.ManageGuild:
		return TierAdmin, nil
	case capability.ManageMessages:
		return TierModerator, nil
	case capability.Trusted:
		return TierTrusted, nil
	default:
		return TierMember, nil
	}
}
