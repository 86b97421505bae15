package quota

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/coltonsteinbeck/silo-metering/internal/events"
	"github.com/coltonsteinbeck/silo-metering/internal/metrics"
	"github.com/coltonsteinbeck/silo-metering/internal/permissions"
)

// warnUtilization is the fraction of the user's daily limit at which an
// allowed check still emits a warning signal.
const warnUtilization = 0.8

// Enforcer orchestrates allow/deny decisions and usage commits.
//
// The flow is two-phase by design: CheckQuota is an advisory pre-flight
// performed before the metered AI call, whose true cost is unknown until
// it completes; the commit (AtomicIncrementUsage via RecordUsage*) is the
// only authority. No lock spans the external call; an aborted call simply
// commits nothing, a deliberate bias toward undercounting.
//
// Every resolution failure propagates: the enforcer never converts an
// error into an allow, and the HTTP layer maps errors to 503 so callers
// deny (fail closed).
type Enforcer struct {
	policies  PolicyStore
	ledger    UsageLedger
	resolver  permissions.Resolver
	notifier  *ResetNotifier
	publisher *events.Publisher
}

// NewEnforcer creates an Enforcer. notifier and publisher may be nil;
// exhaustion marks and events are then skipped.
func NewEnforcer(policies PolicyStore, ledger UsageLedger, resolver permissions.Resolver, notifier *ResetNotifier, publisher *events.Publisher) *Enforcer {
	return &Enforcer{
		policies:  policies,
		ledger:    ledger,
		resolver:  resolver,
		notifier:  notifier,
		publisher: publisher,
	}
}

// CheckQuota runs the pre-flight decision sequence. channelID is where a
// reset notification should later be delivered if this denial exhausts the
// user; it may be empty.
//
// Decision order, each step short-circuiting on denial: guild exemption,
// tier resolution, zero-limit tier restriction, guild-wide cap, per-user
// daily limit.
func (e *Enforcer) CheckQuota(ctx context.Context, guildID, userID string, capability permissions.MemberCapability, usageType UsageType, amount int64, channelID string) (CheckResult, error) {
	if amount <= 0 {
		amount = 1
	}

	exemption, err := e.policies.GetExemption(ctx, guildID)
	if err != nil {
		return CheckResult{}, err
	}
	if exemption.QuotaExempt {
		// Exempt guilds skip tier resolution and policy lookups entirely.
		e.countCheck(usageType, "allowed", "")
		return CheckResult{Allowed: true, Remaining: Unlimited, Max: Unlimited}, nil
	}

	tier, err := e.resolver.GetUserRoleTier(ctx, guildID, userID, capability)
	if err != nil {
		return CheckResult{}, fmt.Errorf("%w: resolving role tier: %w", ErrPolicyResolution, err)
	}

	limits, err := e.policies.GetRoleTierQuota(ctx, guildID, tier)
	if err != nil {
		return CheckResult{}, err
	}
	limit := limits.Get(usageType)

	if limit == 0 {
		res := e.denyZeroLimit(usageType)
		e.countCheck(usageType, "denied", res.Reason)
		return res, nil
	}

	guildCheck, err := e.ledger.CheckGuildQuota(ctx, guildID, usageType, amount)
	if err != nil {
		return CheckResult{}, err
	}
	if !guildCheck.Allowed {
		e.countCheck(usageType, "denied", ReasonGuildCapExceeded)
		e.publishGuildCap(ctx, guildID, usageType, guildCheck)
		return CheckResult{
			Allowed:   false,
			Remaining: guildCheck.Remaining,
			Max:       guildCheck.Max,
			Reason:    ReasonGuildCapExceeded,
			Message:   fmt.Sprintf("This server has reached its server-wide daily limit for %s.", usageType.Label()),
		}, nil
	}

	usage, err := e.ledger.GetUserDailyUsage(ctx, guildID, userID)
	if err != nil {
		return CheckResult{}, err
	}
	used := usage.Get(usageType)

	if used+amount > limit {
		remaining := limit - used
		if remaining < 0 {
			remaining = 0
		}
		e.countCheck(usageType, "denied", ReasonUserCapExceeded)
		e.markExhausted(ctx, guildID, userID, channelID, usageType, used, limit)
		return CheckResult{
			Allowed:   false,
			Remaining: remaining,
			Max:       limit,
			Reason:    ReasonUserCapExceeded,
			Message: fmt.Sprintf("You've reached your daily %s limit (%d/%d). Your quota resets at midnight UTC.",
				usageType.Label(), used, limit),
		}, nil
	}

	if float64(used)/float64(limit) >= warnUtilization {
		metrics.QuotaWarningsTotal.WithLabelValues(string(usageType)).Inc()
		slog.Warn("user approaching daily quota",
			"guild_id", guildID, "user_id", userID,
			"usage_type", usageType, "used", used, "limit", limit)
	}

	e.countCheck(usageType, "allowed", "")
	return CheckResult{
		Allowed:   true,
		Remaining: limit - used - amount,
		Max:       limit,
	}, nil
}

func (e *Enforcer) denyZeroLimit(usageType UsageType) CheckResult {
	if usageType == UsageVoiceMinutes {
		return CheckResult{
			Allowed: false,
			Reason:  ReasonVoiceTier,
			Message: "Voice chat requires the Trusted role or higher.",
		}
	}
	return CheckResult{
		Allowed: false,
		Reason:  ReasonNoAccess,
		Message: fmt.Sprintf("You don't have access to %s.", usageType.Label()),
	}
}

// RecordUsage commits actual usage. With a limit it delegates to the
// atomic conditional increment and reports whether it applied; without
// one it takes the legacy limit-blind path, for call sites that already
// validated the limit synchronously.
func (e *Enforcer) RecordUsage(ctx context.Context, guildID, userID string, usageType UsageType, amount int64, limit *int64) (bool, error) {
	if limit != nil {
		res, err := e.ledger.AtomicIncrementUsage(ctx, guildID, userID, usageType, amount, *limit)
		if err != nil {
			return false, err
		}
		e.countCommit(usageType, res.Success)
		return res.Success, nil
	}

	if err := e.ledger.IncrementUsage(ctx, guildID, userID, usageType, amount); err != nil {
		return false, err
	}
	e.countCommit(usageType, true)
	return true, nil
}

// RecordUsageAtomic is the self-contained commit: it re-resolves the
// exemption, tier, and limit rather than trusting a caller-supplied limit,
// then applies the conditional increment.
func (e *Enforcer) RecordUsageAtomic(ctx context.Context, guildID, userID string, capability permissions.MemberCapability, usageType UsageType, amount int64) (CommitResult, error) {
	exemption, err := e.policies.GetExemption(ctx, guildID)
	if err != nil {
		return CommitResult{}, err
	}
	if exemption.QuotaExempt {
		// Exempt usage is still metered for reporting, never limited.
		if err := e.ledger.IncrementUsage(ctx, guildID, userID, usageType, amount); err != nil {
			return CommitResult{}, err
		}
		usage, err := e.ledger.GetUserDailyUsage(ctx, guildID, userID)
		if err != nil {
			return CommitResult{}, err
		}
		e.countCommit(usageType, true)
		return CommitResult{Success: true, NewTotal: usage.Get(usageType), Remaining: Unlimited}, nil
	}

	tier, err := e.resolver.GetUserRoleTier(ctx, guildID, userID, capability)
	if err != nil {
		return CommitResult{}, fmt.Errorf("%w: resolving role tier: %w", ErrPolicyResolution, err)
	}
	limits, err := e.policies.GetRoleTierQuota(ctx, guildID, tier)
	if err != nil {
		return CommitResult{}, err
	}

	res, err := e.ledger.AtomicIncrementUsage(ctx, guildID, userID, usageType, amount, limits.Get(usageType))
	if err != nil {
		return CommitResult{}, err
	}
	e.countCommit(usageType, res.Success)
	return res, nil
}

// GetRemainingQuotas returns the user's remaining allowance per usage
// type, for display.
func (e *Enforcer) GetRemainingQuotas(ctx context.Context, guildID, userID string, capability permissions.MemberCapability) (map[UsageType]RemainingQuota, error) {
	out := make(map[UsageType]RemainingQuota, len(UsageTypes))

	exemption, err := e.policies.GetExemption(ctx, guildID)
	if err != nil {
		return nil, err
	}
	if exemption.QuotaExempt {
		for _, u := range UsageTypes {
			out[u] = RemainingQuota{Remaining: Unlimited, Max: Unlimited}
		}
		return out, nil
	}

	tier, err := e.resolver.GetUserRoleTier(ctx, guildID, userID, capability)
	if err != nil {
		return nil, fmt.Errorf("%w: resolving role tier: %w", ErrPolicyResolution, err)
	}
	limits, err := e.policies.GetRoleTierQuota(ctx, guildID, tier)
	if err != nil {
		return nil, err
	}
	usage, err := e.ledger.GetUserDailyUsage(ctx, guildID, userID)
	if err != nil {
		return nil, err
	}

	for _, u := range UsageTypes {
		limit := limits.Get(u)
		remaining := limit - usage.Get(u)
		if remaining < 0 {
			remaining = 0
		}
		out[u] = RemainingQuota{Remaining: remaining, Max: limit}
	}
	return out, nil
}

// GetGuildUsageSummary returns guild-wide consumption against the caps.
func (e *Enforcer) GetGuildUsageSummary(ctx context.Context, guildID string) (map[UsageType]GuildUsage, error) {
	caps, err := e.policies.GetGuildCapPolicy(ctx, guildID)
	if err != nil {
		return nil, err
	}
	usage, err := e.ledger.GetGuildDailyUsage(ctx, guildID)
	if err != nil {
		return nil, err
	}

	out := make(map[UsageType]GuildUsage, len(UsageTypes))
	for _, u := range UsageTypes {
		out[u] = GuildUsage{Used: usage.Get(u), Max: caps.Get(u)}
	}
	return out, nil
}

// markExhausted records the reset mark and emits the exhaustion event.
// Both are best-effort side effects of a denial, never a reason to fail
// the check itself.
func (e *Enforcer) markExhausted(ctx context.Context, guildID, userID, channelID string, usageType UsageType, used, limit int64) {
	if e.notifier != nil {
		if err := e.notifier.MarkForResetNotification(ctx, guildID, userID, channelID); err != nil {
			slog.Warn("marking user for reset notification", "error", err,
				"guild_id", guildID, "user_id", userID)
		}
	}
	if err := e.publisher.PublishQuotaExhausted(ctx, events.QuotaExhausted{
		GuildID:     guildID,
		UserID:      userID,
		ChannelID:   channelID,
		UsageType:   string(usageType),
		Used:        used,
		Limit:       limit,
		ExhaustedAt: time.Now().UTC(),
	}); err != nil {
		slog.Warn("publishing quota-exhausted event", "error", err,
			"guild_id", guildID, "user_id", userID)
	}
}

func (e *Enforcer) publishGuildCap(ctx context.Context, guildID string, usageType UsageType, check GuildCheckResult) {
	if err := e.publisher.PublishGuildCapReached(ctx, events.GuildCapReached{
		GuildID:   guildID,
		UsageType: string(usageType),
		Used:      check.Max - check.Remaining,
		Cap:       check.Max,
		At:        time.Now().UTC(),
	}); err != nil {
		slog.Warn("publishing guild-cap event", "error", err, "guild_id", guildID)
	}
}

func (e *Enforcer) countCheck(usageType UsageType, result string, reason DenialReason) {
	metrics.QuotaChecksTotal.WithLabelValues(string(usageType), result, string(reason)).Inc()
}

func (e *Enforcer) countCommit(usageType UsageType, success bool) {
	result := "committed"
	if !success {
		result = "conflict"
	}
	metrics.QuotaCommitsTotal.WithLabelValues(string(usageType), result).Inc()
}
