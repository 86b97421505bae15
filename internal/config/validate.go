package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// Validate checks Config for production-critical problems.
// It collects all errors into a single joined error.
func (c *Config) Validate() error {
	var errs []string

	// DB password
	if c.DB.Password == "" {
		errs = append(errs, "DB_PASSWORD is required")
	}

	// Port ranges
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("SERVER_PORT must be 1-65535, got %d", c.Server.Port))
	}
	if c.DB.Port < 1 || c.DB.Port > 65535 {
		errs = append(errs, fmt.Sprintf("DB_PORT must be 1-65535, got %d", c.DB.Port))
	}
	if c.Redis.Port < 1 || c.Redis.Port > 65535 {
		errs = append(errs, fmt.Sprintf("REDIS_PORT must be 1-65535, got %d", c.Redis.Port))
	}

	// Estimator bounds must describe a valid clamp range
	if c.Quota.EstimateRatio < 0 {
		errs = append(errs, fmt.Sprintf("QUOTA_ESTIMATE_RATIO must be non-negative, got %g", c.Quota.EstimateRatio))
	}
	if c.Quota.EstimateMin > c.Quota.EstimateMax {
		errs = append(errs, fmt.Sprintf("QUOTA_ESTIMATE_MIN (%d) must not exceed QUOTA_ESTIMATE_MAX (%d)",
			c.Quota.EstimateMin, c.Quota.EstimateMax))
	}
	if c.Quota.AccuracyWindowDays < 1 {
		errs = append(errs, fmt.Sprintf("QUOTA_ACCURACY_WINDOW_DAYS must be at least 1, got %d", c.Quota.AccuracyWindowDays))
	}
	if c.Quota.RatioCacheTTL <= 0 {
		errs = append(errs, "QUOTA_RATIO_CACHE_TTL must be a positive duration")
	}

	// Admin token: warn only, since an empty token already rejects every admin request
	if c.Admin.Token == "" {
		slog.Warn("ADMIN_TOKEN is empty, all admin requests will be rejected")
	} else if len(c.Admin.Token) < 32 {
		errs = append(errs, "ADMIN_TOKEN must be at least 32 characters")
	}

	if len(errs) > 0 {
		return errors.New("config validation failed:\n  " + strings.Join(errs, "\n  "))
	}
	return nil
}
