package quota

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/coltonsteinbeck/silo-metering/internal/api"
	"github.com/coltonsteinbeck/silo-metering/internal/permissions"
)

// AdminHandler is the administrative surface: policy rows, guild caps,
// exemptions, and the reset-mark queue for the notification scheduler.
type AdminHandler struct {
	policies PolicyStore
	marks    ResetMarkStore
	validate *validator.Validate
}

// NewAdminHandler creates an AdminHandler.
func NewAdminHandler(policies PolicyStore, marks ResetMarkStore) *AdminHandler {
	return &AdminHandler{
		policies: policies,
		marks:    marks,
		validate: validator.New(),
	}
}

type limitsRequest struct {
	TextTokensMax   int64 `json:"text_tokens_max" validate:"gte=0"`
	ImagesMax       int64 `json:"images_max" validate:"gte=0"`
	VoiceMinutesMax int64 `json:"voice_minutes_max" validate:"gte=0"`
}

func (req limitsRequest) limits() Limits {
	return Limits{
		TextTokens:   req.TextTokensMax,
		Images:       req.ImagesMax,
		VoiceMinutes: req.VoiceMinutesMax,
	}
}

// UpsertGuildTierPolicy handles PUT /v1/admin/guilds/{guildID}/policies/{tier}.
func (h *AdminHandler) UpsertGuildTierPolicy(w http.ResponseWriter, r *http.Request) {
	guildID := chi.URLParam(r, "guildID")
	tier, ok := permissions.ParseRoleTier(chi.URLParam(r, "tier"))
	if guildID == "" || !ok {
		api.HandleError(w, api.NewBadRequestError("unknown role tier"))
		return
	}

	var req limitsRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.policies.UpsertTierPolicy(r.Context(), &guildID, tier, req.limits()); err != nil {
		api.HandleError(w, api.ErrInternalServer)
		return
	}
	api.JSONMessage(w, http.StatusOK, "policy updated")
}

// UpsertGlobalTierPolicy handles PUT /v1/admin/policies/{tier}: the
// per-tier default that applies to guilds without their own row.
func (h *AdminHandler) UpsertGlobalTierPolicy(w http.ResponseWriter, r *http.Request) {
	tier, ok := permissions.ParseRoleTier(chi.URLParam(r, "tier"))
	if !ok {
		api.HandleError(w, api.NewBadRequestError("unknown role tier"))
		return
	}

	var req limitsRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.policies.UpsertTierPolicy(r.Context(), nil, tier, req.limits()); err != nil {
		api.HandleError(w, api.ErrInternalServer)
		return
	}
	api.JSONMessage(w, http.StatusOK, "policy updated")
}

// UpsertGuildCap handles PUT /v1/admin/guilds/{guildID}/cap.
func (h *AdminHandler) UpsertGuildCap(w http.ResponseWriter, r *http.Request) {
	guildID := chi.URLParam(r, "guildID")
	if guildID == "" {
		api.HandleError(w, api.ErrBadRequest)
		return
	}

	var req limitsRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.policies.UpsertGuildCap(r.Context(), guildID, req.limits()); err != nil {
		api.HandleError(w, api.ErrInternalServer)
		return
	}
	api.JSONMessage(w, http.StatusOK, "guild cap updated")
}

type exemptionRequest struct {
	QuotaExempt     bool `json:"quota_exempt"`
	RateLimitExempt bool `json:"rate_limit_exempt"`
}

// UpsertExemption handles PUT /v1/admin/guilds/{guildID}/exemptions.
func (h *AdminHandler) UpsertExemption(w http.ResponseWriter, r *http.Request) {
	guildID := chi.URLParam(r, "guildID")
	if guildID == "" {
		api.HandleError(w, api.ErrBadRequest)
		return
	}

	var req exemptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.HandleError(w, api.ErrBadRequest)
		return
	}
	err := h.policies.UpsertExemption(r.Context(), guildID, Exemption{
		QuotaExempt:     req.QuotaExempt,
		RateLimitExempt: req.RateLimitExempt,
	})
	if err != nil {
		api.HandleError(w, api.ErrInternalServer)
		return
	}
	api.JSONMessage(w, http.StatusOK, "exemptions updated")
}

// ListDueResetMarks handles GET /v1/admin/reset-marks. The notification
// scheduler polls this for marks whose day has rolled over.
func (h *AdminHandler) ListDueResetMarks(w http.ResponseWriter, r *http.Request) {
	marks, err := h.marks.ListDue(r.Context())
	if err != nil {
		api.HandleError(w, api.ErrInternalServer)
		return
	}
	if marks == nil {
		marks = []ResetMark{}
	}
	api.JSON(w, http.StatusOK, marks)
}

// ClearResetMark handles DELETE /v1/admin/reset-marks/{guildID}/{userID},
// called by the scheduler after delivering the notification.
func (h *AdminHandler) ClearResetMark(w http.ResponseWriter, r *http.Request) {
	guildID := chi.URLParam(r, "guildID")
	userID := chi.URLParam(r, "userID")
	if guildID == "" || userID == "" {
		api.HandleError(w, api.ErrBadRequest)
		return
	}

	if err := h.marks.Clear(r.Context(), guildID, userID); err != nil {
		api.HandleError(w, api.ErrInternalServer)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *AdminHandler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		api.HandleError(w, api.ErrBadRequest)
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		api.HandleError(w, api.NewValidationError(err.Error()))
		return false
	}
	return true
}
