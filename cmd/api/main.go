package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/coltonsteinbeck/silo-metering/internal/api"
	"github.com/coltonsteinbeck/silo-metering/internal/config"
	"github.com/coltonsteinbeck/silo-metering/internal/database"
	"github.com/coltonsteinbeck/silo-metering/internal/events"
	"github.com/coltonsteinbeck/silo-metering/internal/middleware"
	"github.com/coltonsteinbeck/silo-metering/internal/permissions"
	"github.com/coltonsteinbeck/silo-metering/internal/quota"
	iredis "github.com/coltonsteinbeck/silo-metering/internal/redis"
	"github.com/coltonsteinbeck/silo-metering/internal/server"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("loading config", "error", err)
		os.Exit(1)
	}

	setupLogger(cfg.Log)

	if err := cfg.Validate(); err != nil {
		slog.Error("validating config", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()

	// PostgreSQL
	pool, err := database.NewPostgresPool(ctx, cfg.DB)
	if err != nil {
		slog.Error("connecting to postgres", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := database.RunMigrations(cfg.DB.DSN(), "migrations"); err != nil {
		slog.Error("running migrations", "error", err)
		os.Exit(1)
	}

	// Redis
	redisClient, err := iredis.NewClient(ctx, cfg.Redis)
	if err != nil {
		slog.Error("connecting to redis", "error", err)
		os.Exit(1)
	}
	defer redisClient.Close()

	// NATS (optional)
	var natsClient *events.Client
	var publisher *events.Publisher
	if cfg.NATS.Enabled {
		natsClient, err = events.NewClient(ctx, cfg.NATS)
		if err != nil {
			slog.Error("connecting to NATS", "error", err)
			os.Exit(1)
		}
		defer natsClient.Close()
		publisher = events.NewPublisher(natsClient.JetStream())
	} else {
		slog.Info("NATS disabled, quota events will not be published")
	}

	// Quota engine
	policies := quota.NewPolicyStore(pool)
	ledger := quota.NewUsageLedger(pool, policies)
	accuracy := quota.NewAccuracyStore(pool, cfg.Quota.EstimateBaseAmount)
	estimator := quota.NewEstimator(accuracy, cfg.Quota)
	marks := quota.NewResetMarkStore(pool)
	notifier := quota.NewResetNotifier(marks, publisher)
	resolver := permissions.NewCapabilityResolver()
	enforcer := quota.NewEnforcer(policies, ledger, resolver, notifier, publisher)

	quotaHandler := quota.NewHandler(enforcer, estimator, accuracy, notifier)
	adminHandler := quota.NewAdminHandler(policies, marks)

	rateLimiter := middleware.NewRateLimiter(
		redisClient,
		quota.RateLimitExemptions{Policies: policies},
		cfg.Quota.RateLimitPerMinute,
		cfg.Quota.RateLimitWindowSecs,
	)

	// Router
	router := api.NewRouter(pool, natsClient, api.RouterConfig{
		CORSAllowedOrigins: cfg.Server.CORSAllowedOrigins,
	}, api.HandlerSet{
		CheckQuota:        quotaHandler.CheckQuota,
		RecordUsage:       quotaHandler.RecordUsage,
		RecordUsageAtomic: quotaHandler.RecordUsageAtomic,
		Estimate:          quotaHandler.Estimate,
		LogAccuracy:       quotaHandler.LogAccuracy,
		MarkReset:         quotaHandler.MarkReset,
		GetRemaining:      quotaHandler.GetRemaining,
		GetGuildUsage:     quotaHandler.GetGuildUsage,

		UpsertGuildTierPolicy:  adminHandler.UpsertGuildTierPolicy,
		UpsertGlobalTierPolicy: adminHandler.UpsertGlobalTierPolicy,
		UpsertGuildCap:         adminHandler.UpsertGuildCap,
		UpsertExemption:        adminHandler.UpsertExemption,
		ListDueResetMarks:      adminHandler.ListDueResetMarks,
		ClearResetMark:         adminHandler.ClearResetMark,

		AdminAuth:   middleware.AdminAuth(cfg.Admin.Token),
		RateLimiter: rateLimiter.Middleware,
	})

	// Start server
	srv := server.New(cfg.Server, router)
	if err := srv.Start(); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}

func setupLogger(cfg config.LogConfig) {
	var handler slog.Handler

	opts := &slog.HandlerOptions{}
	switch cfg.Level {
	case "debug":
		opts.Level = slog.LevelDebug
	case "info":
		opts.Level = slog.LevelInfo
	case "warn":
		opts.Level = slog.LevelWarn
	case "error":
		opts.Level = slog.LevelError
	default:
		opts.Level = slog.LevelInfo
	}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	slog.SetDefault(slog.New(handler))
}
