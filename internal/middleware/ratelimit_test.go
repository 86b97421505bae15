package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

type staticExemptions map[string]bool

func (s staticExemptions) IsRateLimitExempt(_ context.Context, guildID string) (bool, error) {
	return s[guildID], nil
}

func setupRateLimiter(t *testing.T, exemptions ExemptionChecker, maxReqs, windowSec int) *RateLimiter {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRateLimiter(client, exemptions, maxReqs, windowSec)
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func guildRequest(guildID, userID string) *http.Request {
	req := httptest.NewRequest("POST", "/v1/quota/check", nil)
	req.Header.Set("X-Guild-ID", guildID)
	req.Header.Set("X-User-ID", userID)
	return req
}

func TestRateLimiter_AllowsUnderLimit(t *testing.T) {
	rl := setupRateLimiter(t, nil, 5, 60)
	handler := rl.Middleware(okHandler())

	for i := 0; i < 5; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, guildRequest("g1", "u1"))
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i+1, rec.Code)
		}
	}
}

func TestRateLimiter_BlocksOverLimit(t *testing.T) {
	rl := setupRateLimiter(t, nil, 3, 60)
	handler := rl.Middleware(okHandler())

	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, guildRequest("g1", "u1"))
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i+1, rec.Code)
		}
	}

	// 4th request should be blocked
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, guildRequest("g1", "u1"))
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") != "60" {
		t.Fatalf("expected Retry-After: 60, got %q", rec.Header().Get("Retry-After"))
	}
}

func TestRateLimiter_DifferentUsersIndependent(t *testing.T) {
	rl := setupRateLimiter(t, nil, 2, 60)
	handler := rl.Middleware(okHandler())

	// Exhaust user 1
	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, guildRequest("g1", "u1"))
	}

	// Same guild, different user: still allowed
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, guildRequest("g1", "u2"))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for independent user, got %d", rec.Code)
	}
}

func TestRateLimiter_ExemptGuildBypassesLimit(t *testing.T) {
	rl := setupRateLimiter(t, staticExemptions{"vip": true}, 1, 60)
	handler := rl.Middleware(okHandler())

	for i := 0; i < 10; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, guildRequest("vip", "u1"))
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: exempt guild should never be limited, got %d", i+1, rec.Code)
		}
	}
}

func TestRateLimiter_FallsBackToIPWithoutHeaders(t *testing.T) {
	rl := setupRateLimiter(t, nil, 1, 60)
	handler := rl.Middleware(okHandler())

	req := httptest.NewRequest("GET", "/v1/quota/estimate", nil)
	req.RemoteAddr = "10.0.0.1:12345"
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	req2 := httptest.NewRequest("GET", "/v1/quota/estimate", nil)
	req2.RemoteAddr = "10.0.0.1:54321"
	rec2 := httptest.NewRecorder()
	handler.ServeHTTP(rec2, req2)
	if rec2.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 for same IP, got %d", rec2.Code)
	}
}
