// Package config loads service configuration from environment variables.
// envconfig maps variables onto the Config struct fields.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Supported values of DB_DRIVER.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Config holds ALL application settings.
type Config struct {
	// --- Database ---
	// postgres for shared deployments, sqlite for a single family on one machine.
	DBDriver   string `envconfig:"DB_DRIVER" default:"postgres"`
	DBHost     string `envconfig:"DB_HOST" default:"postgres"`
	DBPort     int    `envconfig:"DB_PORT" default:"5432"`
	DBUser     string `envconfig:"DB_USER" default:"s2a"`
	DBPassword string `envconfig:"DB_PASSWORD"`
	DBName     string `envconfig:"DB_NAME" default:"s2a"`
	DBSSLMode  string `envconfig:"DB_SSLMODE" default:"disable"`
	DBMaxConns int32  `envconfig:"DB_MAX_CONNS" default:"25"`
	DBMinConns int32  `envconfig:"DB_MIN_CONNS" default:"2"`
	SQLitePath string `envconfig:"SQLITE_PATH" default:"s2a.db"`

	// --- HTTP ---
	HTTPAddr           string `envconfig:"HTTP_ADDR" default:":8080"`
	HTTPCORSOriginsRaw string `envconfig:"HTTP_CORS_ORIGINS" default:"http://localhost:3000,http://127.0.0.1:3000"`
	HTTPCORSOrigins    []string `envconfig:"-"`

	// --- Application ---
	AppEnv      string `envconfig:"APP_ENV" default:"development"`
	AppLogLevel string `envconfig:"APP_LOG_LEVEL" default:"info"`
	AppTimezone string `envconfig:"APP_TIMEZONE" default:"Asia/Tokyo"`

	// --- Wallet ---
	WalletDefaultDailyLimit int  `envconfig:"WALLET_DEFAULT_DAILY_LIMIT" default:"120"`
	WalletDefaultCarryOver  bool `envconfig:"WALLET_DEFAULT_CARRY_OVER" default:"false"`

	// --- Rate Limiting ---
	RateLimitRPS   float64 `envconfig:"RATE_LIMIT_RPS" default:"10"`
	RateLimitBurst int     `envconfig:"RATE_LIMIT_BURST" default:"20"`

	// Internal retries of lost races on grant uniqueness / balance updates.
	ConflictMaxRetries uint `envconfig:"CONFLICT_MAX_RETRIES" default:"5"`

	// --- Telegram ---
	// Bot is off when the token is empty.
	TelegramBotToken     string `envconfig:"TELEGRAM_BOT_TOKEN"`
	TelegramParentChatID int64  `envconfig:"TELEGRAM_PARENT_CHAT_ID" default:"0"`
	TelegramParentUserID int64  `envconfig:"TELEGRAM_PARENT_USER_ID" default:"0"`
	BotMaxInflight       int    `envconfig:"BOT_MAX_INFLIGHT" default:"16"`
	BotUpdateTimeoutSecs int    `envconfig:"BOT_UPDATE_TIMEOUT_SECONDS" default:"60"`

	// --- Jobs ---
	JobsEnabled    bool   `envconfig:"JOBS_ENABLED" default:"true"`
	JobsDigestSpec string `envconfig:"JOBS_DIGEST_SPEC" default:"0 20 * * *"`

	// --- Feature Flags ---
	FeatureMetricsEnabled bool `envconfig:"FEATURE_METRICS_ENABLED" default:"true"`

	location *time.Location
}

// DatabaseDSN returns the PostgreSQL connection string.
func (c *Config) DatabaseDSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.DBUser, c.DBPassword, c.DBHost, c.DBPort, c.DBName, c.DBSSLMode,
	)
}

// BotEnabled reports whether the Telegram binding should start.
func (c *Config) BotEnabled() bool {
	return c.TelegramBotToken != ""
}

// Location returns the household timezone used to decide calendar days.
func (c *Config) Location() *time.Location {
	if c.location == nil {
		return time.UTC
	}
	return c.location
}

func (c *Config) Validate() error {
	switch c.DBDriver {
	case DriverPostgres:
		if c.DBMaxConns <= 0 || c.DBMinConns < 0 || c.DBMinConns > c.DBMaxConns {
			return fmt.Errorf("invalid DB_MIN_CONNS/DB_MAX_CONNS")
		}
	case DriverSQLite:
		if strings.TrimSpace(c.SQLitePath) == "" {
			return fmt.Errorf("SQLITE_PATH must not be empty")
		}
	default:
		return fmt.Errorf("unknown DB_DRIVER %q", c.DBDriver)
	}
	if c.WalletDefaultDailyLimit < 0 {
		return fmt.Errorf("WALLET_DEFAULT_DAILY_LIMIT must be >= 0")
	}
	if c.RateLimitRPS <= 0 || c.RateLimitBurst <= 0 {
		return fmt.Errorf("RATE_LIMIT_RPS and RATE_LIMIT_BURST must be > 0")
	}
	if c.ConflictMaxRetries == 0 {
		return fmt.Errorf("CONFLICT_MAX_RETRIES must be > 0")
	}
	if c.BotEnabled() && c.TelegramParentChatID == 0 {
		return fmt.Errorf("TELEGRAM_PARENT_CHAT_ID is required when the bot is enabled")
	}
	if c.BotMaxInflight <= 0 {
		return fmt.Errorf("BOT_MAX_INFLIGHT must be > 0")
	}
	return nil
}

// Load reads environment variables into Config.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	loc, err := time.LoadLocation(cfg.AppTimezone)
	if err != nil {
		return nil, fmt.Errorf("APP_TIMEZONE %q: %w", cfg.AppTimezone, err)
	}
	cfg.location = loc
	cfg.HTTPCORSOrigins = splitCSV(cfg.HTTPCORSOriginsRaw)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the struct defaults, overridden by whatever the
// environment sets, without validation and in UTC. Used by tests.
func Default() *Config {
	var cfg Config
	_ = envconfig.Process("", &cfg)
	cfg.location = time.UTC
	cfg.HTTPCORSOrigins = splitCSV(cfg.HTTPCORSOriginsRaw)
	return &cfg
}

func splitCSV(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
