//go:build integration

package integration

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func checkBody(guild, user, usageType string, amount int64) map[string]any {
	return map[string]any{
		"guild_id":   guild,
		"user_id":    user,
		"usage_type": usageType,
		"amount":     amount,
	}
}

func TestQuotaAPI_CheckAndCommit(t *testing.T) {
	env := SetupTestEnv(t)
	guild, user := uniqueGuild(), uniqueUser()

	// Fresh member: default limit 5000 text tokens.
	resp := DoRequest(t, env, "POST", "/v1/quota/check", checkBody(guild, user, "text_tokens", 100), "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	data := ParseResponse(t, resp)["data"].(map[string]any)
	assert.Equal(t, true, data["allowed"])
	assert.Equal(t, float64(4900), data["remaining"])
	assert.Equal(t, float64(5000), data["max"])

	// Commit the actual usage.
	resp = DoRequest(t, env, "POST", "/v1/quota/record-atomic", checkBody(guild, user, "text_tokens", 100), "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	data = ParseResponse(t, resp)["data"].(map[string]any)
	assert.Equal(t, true, data["success"])
	assert.Equal(t, float64(100), data["new_total"])

	// The next check sees the committed usage.
	resp = DoRequest(t, env, "POST", "/v1/quota/check", checkBody(guild, user, "text_tokens", 100), "")
	data = ParseResponse(t, resp)["data"].(map[string]any)
	assert.Equal(t, float64(4800), data["remaining"])
}

func TestQuotaAPI_MemberVoiceDenied(t *testing.T) {
	env := SetupTestEnv(t)

	resp := DoRequest(t, env, "POST", "/v1/quota/check", checkBody(uniqueGuild(), uniqueUser(), "voice_minutes", 1), "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	data := ParseResponse(t, resp)["data"].(map[string]any)
	assert.Equal(t, false, data["allowed"])
	assert.Equal(t, "voice_tier_restriction", data["reason"])
	assert.Contains(t, data["message"], "Trusted role")
}

func TestQuotaAPI_TrustedVoiceAllowed(t *testing.T) {
	env := SetupTestEnv(t)
	body := checkBody(uniqueGuild(), uniqueUser(), "voice_minutes", 1)
	body["capability"] = map[string]bool{"trusted": true}

	resp := DoRequest(t, env, "POST", "/v1/quota/check", body, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	data := ParseResponse(t, resp)["data"].(map[string]any)
	assert.Equal(t, true, data["allowed"])
	assert.Equal(t, float64(5), data["max"], "trusted members get the trusted voice quota")
}

func TestQuotaAPI_CommitConflictAtLimit(t *testing.T) {
	env := SetupTestEnv(t)
	guild, user := uniqueGuild(), uniqueUser()

	// Consume almost the whole member allowance.
	resp := DoRequest(t, env, "POST", "/v1/quota/record-atomic", checkBody(guild, user, "text_tokens", 4950), "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	data := ParseResponse(t, resp)["data"].(map[string]any)
	require.Equal(t, true, data["success"])

	// The commit exceeding the limit is rejected without an error status.
	resp = DoRequest(t, env, "POST", "/v1/quota/record-atomic", checkBody(guild, user, "text_tokens", 100), "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	data = ParseResponse(t, resp)["data"].(map[string]any)
	assert.Equal(t, false, data["success"])
	assert.Equal(t, float64(4950), data["new_total"])
	assert.Equal(t, float64(50), data["remaining"])
}

func TestQuotaAPI_ExemptGuild(t *testing.T) {
	env := SetupTestEnv(t)
	guild, user := uniqueGuild(), uniqueUser()

	resp := DoRequest(t, env, "PUT", fmt.Sprintf("/v1/admin/guilds/%s/exemptions", guild),
		map[string]any{"quota_exempt": true}, testAdminToken)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// An exempt guild passes any amount.
	resp = DoRequest(t, env, "POST", "/v1/quota/check", checkBody(guild, user, "text_tokens", 1_000_000), "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	data := ParseResponse(t, resp)["data"].(map[string]any)
	assert.Equal(t, true, data["allowed"])
	assert.Equal(t, float64(-1), data["remaining"])

	// Usage is still metered for reporting.
	resp = DoRequest(t, env, "POST", "/v1/quota/record-atomic", checkBody(guild, user, "text_tokens", 123), "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	data = ParseResponse(t, resp)["data"].(map[string]any)
	assert.Equal(t, true, data["success"])
	assert.Equal(t, float64(123), data["new_total"])
	assert.Equal(t, float64(-1), data["remaining"])
}

func TestQuotaAPI_GuildPolicyOverride(t *testing.T) {
	env := SetupTestEnv(t)
	guild, user := uniqueGuild(), uniqueUser()

	resp := DoRequest(t, env, "PUT", fmt.Sprintf("/v1/admin/guilds/%s/policies/member", guild),
		map[string]any{"text_tokens_max": 42, "images_max": 1, "voice_minutes_max": 0}, testAdminToken)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = DoRequest(t, env, "POST", "/v1/quota/check", checkBody(guild, user, "text_tokens", 10), "")
	data := ParseResponse(t, resp)["data"].(map[string]any)
	assert.Equal(t, true, data["allowed"])
	assert.Equal(t, float64(42), data["max"], "the guild override replaces the default")
}

func TestQuotaAPI_GuildCapDenial(t *testing.T) {
	env := SetupTestEnv(t)
	guild := uniqueGuild()

	// Tiny guild-wide cap.
	resp := DoRequest(t, env, "PUT", fmt.Sprintf("/v1/admin/guilds/%s/cap", guild),
		map[string]any{"text_tokens_max": 200, "images_max": 1, "voice_minutes_max": 1}, testAdminToken)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// One member consumes most of it.
	resp = DoRequest(t, env, "POST", "/v1/quota/record-atomic", checkBody(guild, uniqueUser(), "text_tokens", 180), "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// Another member is denied by the shared cap, not their own limit.
	resp = DoRequest(t, env, "POST", "/v1/quota/check", checkBody(guild, uniqueUser(), "text_tokens", 100), "")
	data := ParseResponse(t, resp)["data"].(map[string]any)
	assert.Equal(t, false, data["allowed"])
	assert.Equal(t, "guild_cap_exceeded", data["reason"])
	assert.Contains(t, data["message"], "server-wide")
}

func TestQuotaAPI_Estimate(t *testing.T) {
	env := SetupTestEnv(t)

	resp := DoRequest(t, env, "POST", "/v1/quota/estimate", map[string]any{"input_length": 100}, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	data := ParseResponse(t, resp)["data"].(map[string]any)
	amount := data["amount"].(float64)
	assert.GreaterOrEqual(t, amount, float64(50))
	assert.LessOrEqual(t, amount, float64(4000))
}

func TestQuotaAPI_RemainingSummary(t *testing.T) {
	env := SetupTestEnv(t)
	guild, user := uniqueGuild(), uniqueUser()

	resp := DoRequest(t, env, "POST", "/v1/quota/record-atomic", checkBody(guild, user, "text_tokens", 1000), "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = DoRequest(t, env, "GET", fmt.Sprintf("/v1/guilds/%s/users/%s/remaining", guild, user), nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	data := ParseResponse(t, resp)["data"].(map[string]any)
	text := data["text_tokens"].(map[string]any)
	assert.Equal(t, float64(4000), text["remaining"])
	assert.Equal(t, float64(5000), text["max"])
}

func TestAdminAPI_RequiresToken(t *testing.T) {
	env := SetupTestEnv(t)

	resp := DoRequest(t, env, "GET", "/v1/admin/reset-marks", nil, "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = DoRequest(t, env, "GET", "/v1/admin/reset-marks", nil, "wrong-token")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = DoRequest(t, env, "GET", "/v1/admin/reset-marks", nil, testAdminToken)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHealthEndpoints(t *testing.T) {
	env := SetupTestEnv(t)

	resp := DoRequest(t, env, "GET", "/health/live", nil, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = DoRequest(t, env, "GET", "/health/ready", nil, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = DoRequest(t, env, "GET", "/metrics", nil, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
