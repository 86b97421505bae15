package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/dotenv"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	Server ServerConfig
	DB     DBConfig
	Redis  RedisConfig
	NATS   NATSConfig
	Admin  AdminConfig
	Quota  QuotaConfig
	Log    LogConfig
}

type ServerConfig struct {
	Host string
	Port int
	// CORSAllowedOrigins is a comma-separated list in the environment.
	CORSAllowedOrigins []string
}

type DBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string
	SSLMode  string
	MaxConns int32
}

func (c DBConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Name, c.SSLMode)
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

type NATSConfig struct {
	URL string
	// Enabled gates event publishing; the engine runs fine without a broker.
	Enabled bool
}

type AdminConfig struct {
	// Token is the shared bearer token for /v1/admin routes.
	Token string
}

// QuotaConfig tunes the estimation engine and the request rate limiter.
// Per-tier daily limits live in the database (with hardcoded fallbacks in
// the quota package), not here.
type QuotaConfig struct {
	EstimateRatio       float64
	EstimateBaseAmount  int
	EstimateMin         int
	EstimateMax         int
	RatioCacheTTL       time.Duration
	AccuracyWindowDays  int
	RateLimitPerMinute  int
	RateLimitWindowSecs int
}

type LogConfig struct {
	Level  string
	Format string
}

func Load() (*Config, error) {
	k := koanf.New(".")

	// Load .env file if it exists (ignore error if missing)
	_ = k.Load(file.Provider(".env"), dotenv.Parser())

	// Load environment variables (override .env)
	err := k.Load(env.Provider("", ".", func(s string) string {
		return strings.ToLower(strings.ReplaceAll(s, "_", "."))
	}), nil)
	if err != nil {
		return nil, fmt.Errorf("loading env vars: %w", err)
	}

	cfg := &Config{
		Server: ServerConfig{
			Host: k.String("server.host"),
			Port: k.Int("server.port"),
		},
		DB: DBConfig{
			Host:     k.String("db.host"),
			Port:     k.Int("db.port"),
			User:     k.String("db.user"),
			Password: k.String("db.password"),
			Name:     k.String("db.name"),
			SSLMode:  k.String("db.sslmode"),
			MaxConns: int32(k.Int("db.max.conns")),
		},
		Redis: RedisConfig{
			Host:     k.String("redis.host"),
			Port:     k.Int("redis.port"),
			Password: k.String("redis.password"),
			DB:       k.Int("redis.db"),
		},
		NATS: NATSConfig{
			URL:     k.String("nats.url"),
			Enabled: k.Bool("nats.enabled"),
		},
		Admin: AdminConfig{
			Token: k.String("admin.token"),
		},
		Quota: QuotaConfig{
			EstimateRatio:       k.Float64("quota.estimate.ratio"),
			EstimateBaseAmount:  k.Int("quota.estimate.base"),
			EstimateMin:         k.Int("quota.estimate.min"),
			EstimateMax:         k.Int("quota.estimate.max"),
			AccuracyWindowDays:  k.Int("quota.accuracy.window.days"),
			RateLimitPerMinute:  k.Int("quota.ratelimit.per.minute"),
			RateLimitWindowSecs: k.Int("quota.ratelimit.window.secs"),
		},
		Log: LogConfig{
			Level:  k.String("log.level"),
			Format: k.String("log.format"),
		},
	}

	if origins := k.String("server.cors.origins"); origins != "" {
		cfg.Server.CORSAllowedOrigins = strings.Split(origins, ",")
	}

	// Apply defaults
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.DB.Host == "" {
		cfg.DB.Host = "localhost"
	}
	if cfg.DB.Port == 0 {
		cfg.DB.Port = 5432
	}
	if cfg.DB.User == "" {
		cfg.DB.User = "silo"
	}
	if cfg.DB.Name == "" {
		cfg.DB.Name = "silo_metering"
	}
	if cfg.DB.SSLMode == "" {
		cfg.DB.SSLMode = "disable"
	}
	if cfg.DB.MaxConns == 0 {
		cfg.DB.MaxConns = 25
	}
	if cfg.Redis.Host == "" {
		cfg.Redis.Host = "localhost"
	}
	if cfg.Redis.Port == 0 {
		cfg.Redis.Port = 6379
	}
	if cfg.NATS.URL == "" {
		cfg.NATS.URL = "nats://localhost:4222"
	}
	if cfg.Quota.EstimateRatio == 0 {
		cfg.Quota.EstimateRatio = 0.3
	}
	if cfg.Quota.EstimateBaseAmount == 0 {
		cfg.Quota.EstimateBaseAmount = 150
	}
	if cfg.Quota.EstimateMin == 0 {
		cfg.Quota.EstimateMin = 50
	}
	if cfg.Quota.EstimateMax == 0 {
		cfg.Quota.EstimateMax = 4000
	}
	if cfg.Quota.AccuracyWindowDays == 0 {
		cfg.Quota.AccuracyWindowDays = 7
	}
	if cfg.Quota.RateLimitPerMinute == 0 {
		cfg.Quota.RateLimitPerMinute = 30
	}
	if cfg.Quota.RateLimitWindowSecs == 0 {
		cfg.Quota.RateLimitWindowSecs = 60
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "debug"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}

	// Parse durations
	ttlStr := k.String("quota.ratio.cache.ttl")
	if ttlStr == "" {
		ttlStr = "1h"
	}
	cfg.Quota.RatioCacheTTL, err = time.ParseDuration(ttlStr)
	if err != nil {
		return nil, fmt.Errorf("parsing ratio cache ttl: %w", err)
	}

	return cfg, nil
}
