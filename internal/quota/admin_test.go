package quota

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coltonsteinbeck/silo-metering/internal/permissions"
)

func newAdminMux(policies PolicyStore, marks ResetMarkStore) http.Handler {
	h := NewAdminHandler(policies, marks)
	mux := chi.NewRouter()
	mux.Put("/v1/admin/policies/{tier}", h.UpsertGlobalTierPolicy)
	mux.Put("/v1/admin/guilds/{guildID}/policies/{tier}", h.UpsertGuildTierPolicy)
	mux.Put("/v1/admin/guilds/{guildID}/cap", h.UpsertGuildCap)
	mux.Put("/v1/admin/guilds/{guildID}/exemptions", h.UpsertExemption)
	mux.Get("/v1/admin/reset-marks", h.ListDueResetMarks)
	mux.Delete("/v1/admin/reset-marks/{guildID}/{userID}", h.ClearResetMark)
	return mux
}

func putJSON(t *testing.T, mux http.Handler, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPut, path, bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func TestAdminHandler_UpsertTierPolicy(t *testing.T) {
	t.Run("guild override", func(t *testing.T) {
		policies := &fakePolicies{}
		mux := newAdminMux(policies, newMemMarkStore())

		rec := putJSON(t, mux, "/v1/admin/guilds/g1/policies/trusted", map[string]any{
			"text_tokens_max":   15000,
			"images_max":        4,
			"voice_minutes_max": 20,
		})
		require.Equal(t, http.StatusOK, rec.Code)
		require.NotNil(t, policies.upsertedTierGuild)
		assert.Equal(t, "g1", *policies.upsertedTierGuild)
		assert.Equal(t, permissions.TierTrusted, policies.upsertedTier)
		assert.Equal(t, Limits{TextTokens: 15000, Images: 4, VoiceMinutes: 20}, policies.upsertedTierLimits)
	})

	t.Run("global default", func(t *testing.T) {
		policies := &fakePolicies{}
		mux := newAdminMux(policies, newMemMarkStore())

		rec := putJSON(t, mux, "/v1/admin/policies/member", map[string]any{
			"text_tokens_max": 8000,
		})
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Nil(t, policies.upsertedTierGuild, "a global policy row has no guild")
		assert.Equal(t, permissions.TierMember, policies.upsertedTier)
	})

	t.Run("unknown tier rejected", func(t *testing.T) {
		policies := &fakePolicies{}
		mux := newAdminMux(policies, newMemMarkStore())

		rec := putJSON(t, mux, "/v1/admin/guilds/g1/policies/vip", map[string]any{
			"text_tokens_max": 1,
		})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Zero(t, policies.upsertedTier)
	})

	t.Run("negative limit rejected", func(t *testing.T) {
		policies := &fakePolicies{}
		mux := newAdminMux(policies, newMemMarkStore())

		rec := putJSON(t, mux, "/v1/admin/guilds/g1/policies/member", map[string]any{
			"text_tokens_max": -1,
		})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestAdminHandler_UpsertGuildCap(t *testing.T) {
	policies := &fakePolicies{}
	mux := newAdminMux(policies, newMemMarkStore())

	rec := putJSON(t, mux, "/v1/admin/guilds/g1/cap", map[string]any{
		"text_tokens_max":   100000,
		"images_max":        10,
		"voice_minutes_max": 30,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, policies.upsertedCap)
	assert.Equal(t, Limits{TextTokens: 100000, Images: 10, VoiceMinutes: 30}, *policies.upsertedCap)
}

func TestAdminHandler_UpsertExemption(t *testing.T) {
	policies := &fakePolicies{}
	mux := newAdminMux(policies, newMemMarkStore())

	rec := putJSON(t, mux, "/v1/admin/guilds/g1/exemptions", map[string]any{
		"quota_exempt":      true,
		"rate_limit_exempt": false,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, policies.upsertedExemption)
	assert.True(t, policies.upsertedExemption.QuotaExempt)
	assert.False(t, policies.upsertedExemption.RateLimitExempt)
}

func TestAdminHandler_ResetMarks(t *testing.T) {
	marks := newMemMarkStore()
	mux := newAdminMux(&fakePolicies{}, marks)

	t.Run("empty list is a JSON array", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/v1/admin/reset-marks", nil)
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)

		var resp struct {
			Data []ResetMark `json:"data"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.NotNil(t, resp.Data)
		assert.Empty(t, resp.Data)
	})

	t.Run("clear deletes the mark", func(t *testing.T) {
		require.NoError(t, marks.Upsert(context.Background(), ResetMark{
			GuildID: "g1", UserID: "u1", ChannelID: "c1", ExhaustedAt: time.Now().UTC(),
		}))

		req := httptest.NewRequest(http.MethodDelete, "/v1/admin/reset-marks/g1/u1", nil)
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusNoContent, rec.Code)
		assert.Empty(t, marks.marks)
	})
}
