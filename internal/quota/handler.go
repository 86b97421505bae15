package quota

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/coltonsteinbeck/silo-metering/internal/api"
	"github.com/coltonsteinbeck/silo-metering/internal/permissions"
)

// Handler provides the HTTP surface the bot gateway calls.
type Handler struct {
	enforcer  *Enforcer
	estimator *Estimator
	accuracy  AccuracyStore
	notifier  *ResetNotifier
	validate  *validator.Validate
}

// NewHandler creates a quota Handler.
func NewHandler(enforcer *Enforcer, estimator *Estimator, accuracy AccuracyStore, notifier *ResetNotifier) *Handler {
	return &Handler{
		enforcer:  enforcer,
		estimator: estimator,
		accuracy:  accuracy,
		notifier:  notifier,
		validate:  validator.New(),
	}
}

type checkQuotaRequest struct {
	GuildID    string                       `json:"guild_id" validate:"required"`
	UserID     string                       `json:"user_id" validate:"required"`
	Capability permissions.MemberCapability `json:"capability"`
	UsageType  string                       `json:"usage_type" validate:"required,oneof=text_tokens images voice_minutes"`
	Amount     int64                        `json:"amount" validate:"gte=0"`
	ChannelID  string                       `json:"channel_id"`
}

// CheckQuota handles POST /v1/quota/check. The response is advisory: the
// gateway performs the AI call and then commits through RecordUsageAtomic.
func (h *Handler) CheckQuota(w http.ResponseWriter, r *http.Request) {
	var req checkQuotaRequest
	if !h.decode(w, r, &req) {
		return
	}
	usageType, _ := ParseUsageType(req.UsageType)
	amount := req.Amount
	if amount == 0 {
		amount = 1
	}

	res, err := h.enforcer.CheckQuota(r.Context(), req.GuildID, req.UserID, req.Capability, usageType, amount, req.ChannelID)
	if err != nil {
		h.backendError(w, err, "checking quota")
		return
	}
	api.JSON(w, http.StatusOK, res)
}

type recordUsageRequest struct {
	GuildID   string `json:"guild_id" validate:"required"`
	UserID    string `json:"user_id" validate:"required"`
	UsageType string `json:"usage_type" validate:"required,oneof=text_tokens images voice_minutes"`
	Amount    int64  `json:"amount" validate:"required,gt=0"`
	Limit     *int64 `json:"limit" validate:"omitempty,gte=0"`
}

// RecordUsage handles POST /v1/quota/record (the legacy commit path when
// no limit is supplied).
func (h *Handler) RecordUsage(w http.ResponseWriter, r *http.Request) {
	var req recordUsageRequest
	if !h.decode(w, r, &req) {
		return
	}
	usageType, _ := ParseUsageType(req.UsageType)

	success, err := h.enforcer.RecordUsage(r.Context(), req.GuildID, req.UserID, usageType, req.Amount, req.Limit)
	if err != nil {
		h.backendError(w, err, "recording usage")
		return
	}
	api.JSON(w, http.StatusOK, map[string]bool{"success": success})
}

type recordUsageAtomicRequest struct {
	GuildID    string                       `json:"guild_id" validate:"required"`
	UserID     string                       `json:"user_id" validate:"required"`
	Capability permissions.MemberCapability `json:"capability"`
	UsageType  string                       `json:"usage_type" validate:"required,oneof=text_tokens images voice_minutes"`
	Amount     int64                        `json:"amount" validate:"required,gt=0"`
}

// RecordUsageAtomic handles POST /v1/quota/record-atomic, the
// authoritative commit. A 200 with success=false means the limit was
// reached at commit time, the expected conflict outcome rather than an error.
func (h *Handler) RecordUsageAtomic(w http.ResponseWriter, r *http.Request) {
	var req recordUsageAtomicRequest
	if !h.decode(w, r, &req) {
		return
	}
	usageType, _ := ParseUsageType(req.UsageType)

	res, err := h.enforcer.RecordUsageAtomic(r.Context(), req.GuildID, req.UserID, req.Capability, usageType, req.Amount)
	if err != nil {
		h.backendError(w, err, "committing usage")
		return
	}
	api.JSON(w, http.StatusOK, res)
}

type estimateRequest struct {
	InputLength int `json:"input_length" validate:"gte=0"`
}

// Estimate handles POST /v1/quota/estimate.
func (h *Handler) Estimate(w http.ResponseWriter, r *http.Request) {
	var req estimateRequest
	if !h.decode(w, r, &req) {
		return
	}
	amount := h.estimator.EstimateResponseAmount(r.Context(), req.InputLength)
	api.JSON(w, http.StatusOK, map[string]int64{"amount": amount})
}

type logAccuracyRequest struct {
	GuildID         string `json:"guild_id" validate:"required"`
	UserID          string `json:"user_id" validate:"required"`
	InputLength     int    `json:"input_length" validate:"gt=0"`
	EstimatedAmount int64  `json:"estimated_amount" validate:"gte=0"`
	ActualAmount    int64  `json:"actual_amount" validate:"gte=0"`
}

// LogAccuracy handles POST /v1/quota/accuracy. Telemetry only: a storage
// failure is logged and answered with 202 all the same, so the gateway's
// reply flow is never blocked on it.
func (h *Handler) LogAccuracy(w http.ResponseWriter, r *http.Request) {
	var req logAccuracyRequest
	if !h.decode(w, r, &req) {
		return
	}

	err := h.accuracy.LogAccuracy(r.Context(), req.GuildID, req.UserID, req.InputLength, req.EstimatedAmount, req.ActualAmount)
	if err != nil {
		slog.Warn("logging accuracy sample", "error", err, "guild_id", req.GuildID, "user_id", req.UserID)
	}
	api.JSONMessage(w, http.StatusAccepted, "accepted")
}

type markResetRequest struct {
	GuildID   string `json:"guild_id" validate:"required"`
	UserID    string `json:"user_id" validate:"required"`
	ChannelID string `json:"channel_id" validate:"required"`
}

// MarkReset handles POST /v1/quota/reset-marks.
func (h *Handler) MarkReset(w http.ResponseWriter, r *http.Request) {
	var req markResetRequest
	if !h.decode(w, r, &req) {
		return
	}

	if err := h.notifier.MarkForResetNotification(r.Context(), req.GuildID, req.UserID, req.ChannelID); err != nil {
		h.backendError(w, err, "marking for reset notification")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetRemaining handles GET /v1/guilds/{guildID}/users/{userID}/remaining.
// Capability flags arrive as query parameters set by the gateway.
func (h *Handler) GetRemaining(w http.ResponseWriter, r *http.Request) {
	guildID := chi.URLParam(r, "guildID")
	userID := chi.URLParam(r, "userID")
	if guildID == "" || userID == "" {
		api.HandleError(w, api.ErrBadRequest)
		return
	}
	capability := capabilityFromQuery(r)

	quotas, err := h.enforcer.GetRemainingQuotas(r.Context(), guildID, userID, capability)
	if err != nil {
		h.backendError(w, err, "reading remaining quotas")
		return
	}
	api.JSON(w, http.StatusOK, quotas)
}

// GetGuildUsage handles GET /v1/guilds/{guildID}/usage.
func (h *Handler) GetGuildUsage(w http.ResponseWriter, r *http.Request) {
	guildID := chi.URLParam(r, "guildID")
	if guildID == "" {
		api.HandleError(w, api.ErrBadRequest)
		return
	}

	summary, err := h.enforcer.GetGuildUsageSummary(r.Context(), guildID)
	if err != nil {
		h.backendError(w, err, "reading guild usage")
		return
	}
	api.JSON(w, http.StatusOK, summary)
}

func capabilityFromQuery(r *http.Request) permissions.MemberCapability {
	q := r.URL.Query()
	return permissions.MemberCapability{
		Administrator:  q.Get("administrator") == "true",
		ManageGuild:    q.Get("manage_guild") == "true",
		ManageMessages: q.Get("manage_messages") == "true",
		Trusted:        q.Get("trusted") == "true",
		Restricted:     q.Get("restricted") == "true",
	}
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
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

// backendError maps engine failures to responses. Everything in the error
// taxonomy comes back 503: the gateway must treat it as a denial, not as
// permission (fail closed).
func (h *Handler) backendError(w http.ResponseWriter, err error, action string) {
	slog.Error(action, "error", err)
	if errors.Is(err, ErrPolicyResolution) || errors.Is(err, ErrLedgerRead) || errors.Is(err, ErrPersistence) {
		api.HandleError(w, api.ErrQuotaBackendDown)
		return
	}
	api.HandleError(w, api.ErrInternalServer)
}
