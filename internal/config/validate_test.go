package config

import (
	"strings"
	"testing"
	"time"
)

func validConfig() *Config {
	return &Config{
		Server: ServerConfig{Host: "0.0.0.0", Port: 8080},
		DB: DBConfig{
			Host: "localhost", Port: 5432, User: "silo",
			Password: "secret", Name: "silo_metering", SSLMode: "disable", MaxConns: 25,
		},
		Redis: RedisConfig{Host: "localhost", Port: 6379},
		Admin: AdminConfig{Token: "admin-token-that-is-at-least-32-chars!!"},
		Quota: QuotaConfig{
			EstimateRatio:       0.3,
			EstimateBaseAmount:  150,
			EstimateMin:         50,
			EstimateMax:         4000,
			RatioCacheTTL:       time.Hour,
			AccuracyWindowDays:  7,
			RateLimitPerMinute:  30,
			RateLimitWindowSecs: 60,
		},
	}
}

func TestValidate_ValidConfig(t *testing.T) {
	cfg := validConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
}

func TestValidate_MissingDBPassword(t *testing.T) {
	cfg := validConfig()
	cfg.DB.Password = ""
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "DB_PASSWORD") {
		t.Fatalf("expected DB_PASSWORD error, got: %v", err)
	}
}

func TestValidate_BadServerPort(t *testing.T) {
	cfg := validConfig()
	cfg.Server.Port = 0
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "SERVER_PORT") {
		t.Fatalf("expected SERVER_PORT error, got: %v", err)
	}
}

func TestValidate_AdminTokenTooShort(t *testing.T) {
	cfg := validConfig()
	cfg.Admin.Token = "short"
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "ADMIN_TOKEN") {
		t.Fatalf("expected ADMIN_TOKEN error, got: %v", err)
	}
}

func TestValidate_EmptyAdminTokenWarnsOnly(t *testing.T) {
	cfg := validConfig()
	cfg.Admin.Token = ""
	if err := cfg.Validate(); err != nil {
		t.Fatalf("empty admin token should only warn, got: %v", err)
	}
}

func TestValidate_EstimateBoundsInverted(t *testing.T) {
	cfg := validConfig()
	cfg.Quota.EstimateMin = 5000
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "QUOTA_ESTIMATE_MIN") {
		t.Fatalf("expected estimate bounds error, got: %v", err)
	}
}

func TestValidate_NegativeRatio(t *testing.T) {
	cfg := validConfig()
	cfg.Quota.EstimateRatio = -1
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "QUOTA_ESTIMATE_RATIO") {
		t.Fatalf("expected ratio error, got: %v", err)
	}
}

func TestValidate_CollectsMultipleErrors(t *testing.T) {
	cfg := validConfig()
	cfg.DB.Password = ""
	cfg.Server.Port = -1
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "DB_PASSWORD") || !strings.Contains(err.Error(), "SERVER_PORT") {
		t.Fatalf("expected both errors reported, got: %v", err)
	}
}
