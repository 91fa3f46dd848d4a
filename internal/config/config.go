package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
)

// AppConfig is the process's environment-sourced configuration.
type AppConfig struct {
	HTTPAddr string

	RedisURL    string
	DatabaseURL string

	IdentityBaseURL string

	TimeControlOverrideDir string

	StatsEndpoint string

	FirstMoveTimeoutMs int64
	DisconnectGraceMs  int64
}

// Load reads configuration from the environment, applying the same
// defaults a freshly deployed node would want.
func Load() (*AppConfig, error) {
	cfg := &AppConfig{
		HTTPAddr:           ":8080",
		FirstMoveTimeoutMs: 30_000,
		DisconnectGraceMs:  20_000,
	}

	if v := strings.TrimSpace(os.Getenv("HTTP_ADDR")); v != "" {
		cfg.HTTPAddr = v
	}

	cfg.RedisURL = strings.TrimSpace(os.Getenv("REDIS_URL"))
	cfg.DatabaseURL = strings.TrimSpace(os.Getenv("DATABASE_URL"))
	cfg.IdentityBaseURL = strings.TrimSpace(os.Getenv("IDENTITY_BASE_URL"))
	cfg.TimeControlOverrideDir = strings.TrimSpace(os.Getenv("TIME_CONTROL_OVERRIDE_DIR"))
	cfg.StatsEndpoint = strings.TrimSpace(os.Getenv("STATS_ENDPOINT"))

	if v := strings.TrimSpace(os.Getenv("FIRST_MOVE_TIMEOUT_MS")); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			cfg.FirstMoveTimeoutMs = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("DISCONNECT_GRACE_MS")); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			cfg.DisconnectGraceMs = n
		}
	}

	if cfg.RedisURL == "" {
		return nil, errors.New("REDIS_URL is required")
	}

	return cfg, nil
}
