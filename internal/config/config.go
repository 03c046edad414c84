// Package config は環境変数からアプリケーション設定を読み込む。
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/hitoshi/seminarcal/internal/security"
	"github.com/hitoshi/seminarcal/internal/staleness"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string

	// Catalog
	FeedsFile string

	// Staleness
	FeedRefreshInterval  time.Duration
	EventRefreshInterval time.Duration

	// Fetch
	FetchTimeout       time.Duration
	FetchMaxSize       int64
	FetchMaxConcurrent int
	FetchAllowedPorts  []int
	RecurrenceHorizon  time.Duration

	// Worker
	RefreshCron string

	// Rate Limit
	RateLimitCalendar int // req/min/client

	// Server
	ServerPort string

	// CORS
	CORSAllowedOrigin string

	// Logging
	LogLevel string
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合、またはスケジュールやポート指定が不正な場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	cfg.FeedsFile = os.Getenv("FEEDS_FILE")
	if cfg.FeedsFile == "" {
		missing = append(missing, "FEEDS_FILE")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.FeedRefreshInterval = getEnvDuration("FEED_REFRESH_INTERVAL", time.Hour)
	cfg.EventRefreshInterval = getEnvDuration("EVENT_REFRESH_INTERVAL", 24*time.Hour)
	cfg.FetchTimeout = getEnvDuration("FETCH_TIMEOUT", 10*time.Second)
	cfg.FetchMaxSize = getEnvInt64("FETCH_MAX_SIZE", 5242880)
	cfg.FetchMaxConcurrent = getEnvInt("FETCH_MAX_CONCURRENT", 4)
	cfg.RecurrenceHorizon = getEnvDuration("RECURRENCE_HORIZON", 180*24*time.Hour)
	cfg.RefreshCron = getEnvString("REFRESH_CRON", "*/15 * * * *")
	cfg.RateLimitCalendar = getEnvInt("RATE_LIMIT_CALENDAR", 60)
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "*")
	cfg.LogLevel = getEnvString("LOG_LEVEL", "info")

	var invalid []error

	if _, err := cron.ParseStandard(cfg.RefreshCron); err != nil {
		invalid = append(invalid, fmt.Errorf("REFRESH_CRON: %w", err))
	}

	ports, err := security.ParsePorts(getEnvString("FETCH_ALLOWED_PORTS", "80,443"))
	if err != nil {
		invalid = append(invalid, fmt.Errorf("FETCH_ALLOWED_PORTS: %w", err))
	}
	cfg.FetchAllowedPorts = ports

	if len(invalid) > 0 {
		return nil, fmt.Errorf("invalid configuration: %w", errors.Join(invalid...))
	}

	return cfg, nil
}

// Policy は設定値から鮮度判定のポリシーを構築する。
func (c *Config) Policy() staleness.Policy {
	return staleness.Policy{
		FeedRefreshInterval:  c.FeedRefreshInterval,
		EventRefreshInterval: c.EventRefreshInterval,
	}
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvInt64(key string, defaultVal int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return defaultVal
	}
	return i
}

// getEnvDuration は正の期間を読み込む。不正な値や0以下の値はデフォルト値に置き換える。
func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return defaultVal
	}
	return d
}
