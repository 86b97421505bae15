package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// ExemptionChecker reports whether a guild is exempt from request rate
// limiting. Implemented by the quota exemption store.
type ExemptionChecker interface {
	IsRateLimitExempt(ctx context.Context, guildID string) (bool, error)
}

// RateLimiter provides per-caller sliding-window rate limiting backed by
// Redis sorted sets. Callers are keyed by the X-Guild-ID/X-User-ID headers
// set by the bot gateway, falling back to client IP for anything else.
// This throttles request volume only; daily usage quotas are the quota
// engine's job.
type RateLimiter struct {
	client     redis.Cmdable
	exemptions ExemptionChecker
	maxReqs    int
	windowSec  int
}

// NewRateLimiter creates a rate limiter that allows maxReqs per windowSec seconds.
func NewRateLimiter(client redis.Cmdable, exemptions ExemptionChecker, maxReqs, windowSec int) *RateLimiter {
	return &RateLimiter{client: client, exemptions: exemptions, maxReqs: maxReqs, windowSec: windowSec}
}

// Middleware returns an HTTP middleware that enforces the rate limit.
// On Redis errors it fails open (allows the request through); the daily
// quota check downstream still fails closed, so this never grants
// unmetered usage, only unthrottled requests.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		guildID := r.Header.Get("X-Guild-ID")

		if guildID != "" && rl.exemptions != nil {
			exempt, err := rl.exemptions.IsRateLimitExempt(r.Context(), guildID)
			if err != nil {
				slog.Warn("rate limiter: exemption lookup failed", "error", err, "guild_id", guildID)
			} else if exempt {
				next.ServeHTTP(w, r)
				return
			}
		}

		key := "ratelimit:" + callerKey(r, guildID)

		allowed, err := rl.allow(r.Context(), key)
		if err != nil {
			slog.Warn("rate limiter: redis error, failing open", "error", err, "key", key)
			next.ServeHTTP(w, r)
			return
		}

		if !allowed {
			w.Header().Set("Retry-After", strconv.Itoa(rl.windowSec))
			http.Error(w, `{"error":"too many requests"}`, http.StatusTooManyRequests)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (rl *RateLimiter) allow(ctx context.Context, key string) (bool, error) {
	now := time.Now()
	windowStart := float64(now.Add(-time.Duration(rl.windowSec) * time.Second).UnixMilli())
	member := fmt.Sprintf("%d", now.UnixNano())
	score := float64(now.UnixMilli())

	pipe := rl.client.Pipeline()
	pipe.ZRemRangeByScore(ctx, key, "-inf", fmt.Sprintf("%f", windowStart))
	countCmd := pipe.ZCard(ctx, key)
	pipe.ZAdd(ctx, key, redis.Z{Score: score, Member: member})
	pipe.Expire(ctx, key, time.Duration(rl.windowSec)*time.Second+time.Second)

	_, err := pipe.Exec(ctx)
	if err != nil {
		return false, err
	}

	return countCmd.Val() < int64(rl.maxReqs), nil
}

func callerKey(r *http.Request, guildID string) string {
	if userID := r.Header.Get("X-User-ID"); guildID != "" && userID != "" {
		return guildID + ":" + userID
	}
	return "ip:" + clientIP(r)
}

func clientIP(r *http.Request) string {
	// Check X-Forwarded-For first (trusted reverse proxy)
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		// Take the first IP
		for i := 0; i < len(xff); i++ {
			if xff[i] == ',' {
				return xff[:i]
			}
		}
		return xff
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
