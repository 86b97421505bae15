package permissions

import (
	"context"
	"testing"
)

func TestCapabilityResolver_TierMapping(t *testing.T) {
	r := NewCapabilityResolver()
	ctx := context.Background()

	cases := []struct {
		name       string
		capability MemberCapability
		want       RoleTier
	}{
		{"administrator", MemberCapability{Administrator: true}, TierAdmin},
		{"manage guild", MemberCapability{ManageGuild: true}, TierAdmin},
		{"manage messages", MemberCapability{ManageMessages: true}, TierModerator},
		{"trusted", MemberCapability{Trusted: true}, TierTrusted},
		{"plain member", MemberCapability{}, TierMember},
		{"restricted wins over admin", MemberCapability{Restricted: true, Administrator: true}, TierRestricted},
		{"restricted wins over trusted", MemberCapability{Restricted: true, Trusted: true}, TierRestricted},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := r.GetUserRoleTier(ctx, "g1", "u1", tc.capability)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tc.want {
				t.Fatalf("expected %s, got %s", tc.want, got)
			}
		})
	}
}

func TestParseRoleTier(t *testing.T) {
	for _, tier := range Tiers {
		got, ok := ParseRoleTier(string(tier))
		if !ok || got != tier {
			t.Fatalf("expected %s to round-trip, got %s (ok=%v)", tier, got, ok)
		}
	}

	got, ok := ParseRoleTier("vip")
	if ok {
		t.Fatal("unknown tier should not parse")
	}
	if got != TierMember {
		t.Fatalf("unknown tier should fall back to member, got %s", got)
	}
}
