//go:build integration

package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/coltonsteinbeck/silo-metering/internal/api"
	"github.com/coltonsteinbeck/silo-metering/internal/config"
	"github.com/coltonsteinbeck/silo-metering/internal/middleware"
	"github.com/coltonsteinbeck/silo-metering/internal/permissions"
	"github.com/coltonsteinbeck/silo-metering/internal/quota"
)

const testAdminToken = "integration-admin-token"

type TestEnv struct {
	Pool        *pgxpool.Pool
	RedisClient *redis.Client
	Server      *httptest.Server
	Policies    quota.PolicyStore
	Ledger      quota.UsageLedger
	Accuracy    quota.AccuracyStore
	Marks       quota.ResetMarkStore
}

var testEnv *TestEnv

func SetupTestEnv(t *testing.T) *TestEnv {
	t.Helper()
	if testEnv != nil {
		return testEnv
	}

	ctx := context.Background()

	// Start PostgreSQL container
	pgContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "test",
				"POSTGRES_PASSWORD": "test",
				"POSTGRES_DB":       "silo_metering_test",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("starting postgres container: %v", err)
	}
	t.Cleanup(func() { pgContainer.Terminate(ctx) })

	pgHost, _ := pgContainer.Host(ctx)
	pgPort, _ := pgContainer.MappedPort(ctx, "5432")

	// Start Redis container
	redisContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(30 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("starting redis container: %v", err)
	}
	t.Cleanup(func() { redisContainer.Terminate(ctx) })

	redisHost, _ := redisContainer.Host(ctx)
	redisPort, _ := redisContainer.MappedPort(ctx, "6379")

	// Connect to PostgreSQL
	dsn := fmt.Sprintf("postgres://test:test@%s:%s/silo_metering_test?sslmode=disable", pgHost, pgPort.Port())
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connecting to postgres: %v", err)
	}
	t.Cleanup(func() { pool.Close() })

	// Run migrations
	m, err := migrate.New(
		fmt.Sprintf("file://%s", getMigrationsPath()),
		dsn,
	)
	if err != nil {
		t.Fatalf("creating migrator: %v", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		t.Fatalf("running migrations: %v", err)
	}

	// Connect to Redis
	redisClient := redis.NewClient(&redis.Options{
		Addr: fmt.Sprintf("%s:%s", redisHost, redisPort.Port()),
	})
	t.Cleanup(func() { redisClient.Close() })

	// Wire the engine
	quotaCfg := config.QuotaConfig{
		EstimateRatio:       0.3,
		EstimateBaseAmount:  150,
		EstimateMin:         50,
		EstimateMax:         4000,
		RatioCacheTTL:       time.Minute,
		AccuracyWindowDays:  7,
		RateLimitPerMinute:  10000, // generous so limiter tests set their own keys
		RateLimitWindowSecs: 60,
	}

	policies := quota.NewPolicyStore(pool)
	ledger := quota.NewUsageLedger(pool, policies)
	accuracy := quota.NewAccuracyStore(pool, quotaCfg.EstimateBaseAmount)
	estimator := quota.NewEstimator(accuracy, quotaCfg)
	marks := quota.NewResetMarkStore(pool)
	notifier := quota.NewResetNotifier(marks, nil)
	resolver := permissions.NewCapabilityResolver()
	enforcer := quota.NewEnforcer(policies, ledger, resolver, notifier, nil)

	quotaHandler := quota.NewHandler(enforcer, estimator, accuracy, notifier)
	adminHandler := quota.NewAdminHandler(policies, marks)

	rateLimiter := middleware.NewRateLimiter(
		redisClient,
		quota.RateLimitExemptions{Policies: policies},
		quotaCfg.RateLimitPerMinute,
		quotaCfg.RateLimitWindowSecs,
	)

	router := api.NewRouter(pool, nil, api.RouterConfig{}, api.HandlerSet{
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

		AdminAuth:   middleware.AdminAuth(testAdminToken),
		RateLimiter: rateLimiter.Middleware,
	})

	server := httptest.NewServer(router)
	t.Cleanup(func() { server.Close() })

	testEnv = &TestEnv{
		Pool:        pool,
		RedisClient: redisClient,
		Server:      server,
		Policies:    policies,
		Ledger:      ledger,
		Accuracy:    accuracy,
		Marks:       marks,
	}

	return testEnv
}

func getMigrationsPath() string {
	paths := []string{
		"../../migrations",
		"../../../migrations",
	}
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	log.Fatal("migrations directory not found")
	return ""
}

var idCounter atomic.Int64

// uniqueID returns a process-unique suffix so tests never collide on
// guild/user keys even when the environment is shared.
func uniqueID() int64 {
	return time.Now().UnixNano() + idCounter.Add(1)
}

func uniqueGuild() string {
	return fmt.Sprintf("guild-%d", uniqueID())
}

func uniqueUser() string {
	return fmt.Sprintf("user-%d", uniqueID())
}

// Helper functions

func DoRequest(t *testing.T, env *TestEnv, method, path string, body any, adminToken string) *http.Response {
	t.Helper()
	var bodyReader io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequest(method, env.Server.URL+path, bodyReader)
	if err != nil {
		t.Fatalf("creating request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if adminToken != "" {
		req.Header.Set("Authorization", "Bearer "+adminToken)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("doing request: %v", err)
	}
	return resp
}

func ParseResponse(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var result map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		t.Fatalf("parsing response: %v", err)
	}
	return result
}
