package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/coltonsteinbeck/silo-metering/internal/database"
	"github.com/coltonsteinbeck/silo-metering/internal/events"
	mw "github.com/coltonsteinbeck/silo-metering/internal/middleware"
)

// HandlerSet holds handler functions injected from main.go to avoid import cycles.
type HandlerSet struct {
	// Quota engine handlers
	CheckQuota        http.HandlerFunc
	RecordUsage       http.HandlerFunc
	RecordUsageAtomic http.HandlerFunc
	Estimate          http.HandlerFunc
	LogAccuracy       http.HandlerFunc
	MarkReset         http.HandlerFunc
	GetRemaining      http.HandlerFunc
	GetGuildUsage     http.HandlerFunc

	// Admin handlers
	UpsertGuildTierPolicy  http.HandlerFunc
	UpsertGlobalTierPolicy http.HandlerFunc
	UpsertGuildCap         http.HandlerFunc
	UpsertExemption        http.HandlerFunc
	ListDueResetMarks      http.HandlerFunc
	ClearResetMark         http.HandlerFunc

	// Middleware
	AdminAuth   func(http.Handler) http.Handler
	RateLimiter func(http.Handler) http.Handler
}

// RouterConfig holds configuration for the router.
type RouterConfig struct {
	CORSAllowedOrigins []string
}

func NewRouter(pool *pgxpool.Pool, natsClient *events.Client, cfg RouterConfig, h HandlerSet) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(mw.RequestID)
	r.Use(mw.SecurityHeaders)
	r.Use(mw.Logging)
	r.Use(mw.Recovery)
	r.Use(mw.Metrics)
	r.Use(cors.Handler(mw.CORS(cfg.CORSAllowedOrigins)))

	// Liveness probe — always 200, no dependency checks
	r.Get("/health/live", func(w http.ResponseWriter, r *http.Request) {
		JSON(w, http.StatusOK, map[string]string{"status": "alive"})
	})

	// Readiness probe — checks DB and NATS
	r.Get("/health/ready", func(w http.ResponseWriter, r *http.Request) {
		health := map[string]string{
			"status":   "healthy",
			"database": "healthy",
			"nats":     "healthy",
		}
		status := http.StatusOK

		if err := database.HealthCheck(r.Context(), pool); err != nil {
			health["database"] = "unhealthy"
			health["status"] = "degraded"
			status = http.StatusServiceUnavailable
		}
		if natsClient != nil && !natsClient.Healthy() {
			health["nats"] = "unhealthy"
			health["status"] = "degraded"
			status = http.StatusServiceUnavailable
		}

		JSON(w, status, health)
	})

	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		if h.RateLimiter != nil {
			r.Use(h.RateLimiter)
		}

		r.Route("/quota", func(r chi.Router) {
			r.Post("/check", h.CheckQuota)
			r.Post("/record", h.RecordUsage)
			r.Post("/record-atomic", h.RecordUsageAtomic)
			r.Post("/estimate", h.Estimate)
			r.Post("/accuracy", h.LogAccuracy)
			r.Post("/reset-marks", h.MarkReset)
		})

		r.Route("/guilds", func(r chi.Router) {
			r.Get("/{guildID}/usage", h.GetGuildUsage)
			r.Get("/{guildID}/users/{userID}/remaining", h.GetRemaining)
		})

		r.Route("/admin", func(r chi.Router) {
			if h.AdminAuth != nil {
				r.Use(h.AdminAuth)
			}
			r.Put("/policies/{tier}", h.UpsertGlobalTierPolicy)
			r.Put("/guilds/{guildID}/policies/{tier}", h.UpsertGuildTierPolicy)
			r.Put("/guilds/{guildID}/cap", h.UpsertGuildCap)
			r.Put("/guilds/{guildID}/exemptions", h.UpsertExemption)
			r.Get("/reset-marks", h.ListDueResetMarks)
			r.Delete("/reset-marks/{guildID}/{userID}", h.ClearResetMark)
		})
	})

	return r
}
