// Package config loads app config from env and an optional .env file using Viper.
package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const EnvProduction = "production"

type Config struct {
	// HttpAddr is the address the http server listens on.
	HttpAddr string `mapstructure:"HTTP_ADDR"`
	// Env is the application environment. NODE_ENV is accepted as well.
	Env   string `mapstructure:"APP_ENV"`
	Debug bool   `mapstructure:"DEBUG"`
	// Syslog enables the logrus syslog hook.
	Syslog       bool   `mapstructure:"SYSLOG"`
	AllowOrigins string `mapstructure:"ALLOW_ORIGINS"`

	// RedisURL selects the redis KV. When empty the embedded buntdb KV at KVPath is used.
	RedisURL string `mapstructure:"REDIS_URL"`
	KVPath   string `mapstructure:"KV_PATH"`
	// AuditPostgresDSN enables mirroring of the audit log to postgres.
	AuditPostgresDSN string `mapstructure:"AUDIT_POSTGRES_DSN"`

	SessionSecret        string `mapstructure:"SESSION_SECRET"`
	SessionEncryptionKey string `mapstructure:"SESSION_ENCRYPTION_KEY"`
	SessionCookieName    string `mapstructure:"SESSION_COOKIE_NAME"`
	// Durations are go duration strings ("1h") or integer milliseconds.
	SessionTimeout         string `mapstructure:"SESSION_TIMEOUT"`
	SessionAbsoluteTimeout string `mapstructure:"SESSION_ABSOLUTE_TIMEOUT"`
	WalletSessionTimeout   string `mapstructure:"WALLET_SESSION_TIMEOUT"`
	WalletRefreshThreshold string `mapstructure:"WALLET_REFRESH_THRESHOLD"`
	MaxSessionsPerUser     int    `mapstructure:"MAX_SESSIONS_PER_USER"`
	SessionAuditLogPath    string `mapstructure:"SESSION_AUDIT_LOG_PATH"`

	CsrfTokenLength int    `mapstructure:"CSRF_TOKEN_LENGTH"`
	CsrfTokenExpiry string `mapstructure:"CSRF_TOKEN_EXPIRY"`

	RateLimitMaxAttempts int    `mapstructure:"RATE_LIMIT_MAX_ATTEMPTS"`
	RateLimitWindow      string `mapstructure:"RATE_LIMIT_WINDOW"`

	FingerprintThreshold float64 `mapstructure:"FINGERPRINT_THRESHOLD"`
	// LocationMonitoring forces location monitoring outside of production.
	LocationMonitoring bool `mapstructure:"LOCATION_MONITORING"`
}

// Load reads .env (if present), then builds and validates Config from the environment.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig()

	v.AutomaticEnv()

	v.SetDefault("HTTP_ADDR", ":2137")
	v.SetDefault("APP_ENV", "")
	v.SetDefault("NODE_ENV", "development")
	v.SetDefault("DEBUG", false)
	v.SetDefault("SYSLOG", false)
	v.SetDefault("ALLOW_ORIGINS", "")
	v.SetDefault("REDIS_URL", "")
	v.SetDefault("KV_PATH", "data/sessions.db")
	v.SetDefault("AUDIT_POSTGRES_DSN", "")
	v.SetDefault("SESSION_SECRET", "")
	v.SetDefault("SESSION_ENCRYPTION_KEY", "")
	v.SetDefault("SESSION_COOKIE_NAME", "sid")
	v.SetDefault("SESSION_TIMEOUT", "1h")
	v.SetDefault("SESSION_ABSOLUTE_TIMEOUT", "24h")
	v.SetDefault("WALLET_SESSION_TIMEOUT", "24h")
	v.SetDefault("WALLET_REFRESH_THRESHOLD", "15m")
	v.SetDefault("MAX_SESSIONS_PER_USER", 5)
	v.SetDefault("SESSION_AUDIT_LOG_PATH", "logs/session-audit.log")
	v.SetDefault("CSRF_TOKEN_LENGTH", 32)
	v.SetDefault("CSRF_TOKEN_EXPIRY", "24h")
	v.SetDefault("RATE_LIMIT_MAX_ATTEMPTS", 100)
	v.SetDefault("RATE_LIMIT_WINDOW", "15m")
	v.SetDefault("FINGERPRINT_THRESHOLD", 0.8)
	v.SetDefault("LOCATION_MONITORING", false)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if cfg.Env == "" {
		cfg.Env = v.GetString("NODE_ENV")
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.HttpAddr == "" {
		return errors.New("config: HTTP_ADDR must be set")
	}
	if c.SessionSecret == "" {
		return errors.New("config: SESSION_SECRET must be set")
	}
	if c.SessionEncryptionKey == "" {
		return errors.New("config: SESSION_ENCRYPTION_KEY must be set")
	}
	if c.IsProduction() && len(c.SessionEncryptionKey) < 32 {
		return errors.New("config: SESSION_ENCRYPTION_KEY must be at least 32 characters in production")
	}
	if c.SessionCookieName == "" {
		return errors.New("config: SESSION_COOKIE_NAME must not be empty")
	}
	if c.MaxSessionsPerUser < 1 {
		return errors.New("config: MAX_SESSIONS_PER_USER must be positive")
	}
	if c.CsrfTokenLength < 16 {
		return errors.New("config: CSRF_TOKEN_LENGTH must be at least 16")
	}
	if c.RateLimitMaxAttempts < 1 {
		return errors.New("config: RATE_LIMIT_MAX_ATTEMPTS must be positive")
	}
	if c.FingerprintThreshold <= 0 || c.FingerprintThreshold > 1 {
		return errors.New("config: FINGERPRINT_THRESHOLD must be in (0, 1]")
	}
	durations := map[string]string{
		"SESSION_TIMEOUT":          c.SessionTimeout,
		"SESSION_ABSOLUTE_TIMEOUT": c.SessionAbsoluteTimeout,
		"WALLET_SESSION_TIMEOUT":   c.WalletSessionTimeout,
		"WALLET_REFRESH_THRESHOLD": c.WalletRefreshThreshold,
		"CSRF_TOKEN_EXPIRY":        c.CsrfTokenExpiry,
		"RATE_LIMIT_WINDOW":        c.RateLimitWindow,
	}
	for name, value := range durations {
		if _, err := ParseDuration(value); err != nil {
			return fmt.Errorf("config: %s: %w", name, err)
		}
	}
	return nil
}

func (c *Config) IsProduction() bool {
	return c.Env == EnvProduction
}

func (c *Config) LocationMonitoringEnabled() bool {
	return c.IsProduction() || c.LocationMonitoring
}

// IdleTimeout parses SessionTimeout. Returns 1h if unset or invalid.
func (c *Config) IdleTimeout() time.Duration {
	return durationOr(c.SessionTimeout, time.Hour)
}

// AbsoluteTimeout parses SessionAbsoluteTimeout. Returns 24h if unset or invalid.
func (c *Config) AbsoluteTimeout() time.Duration {
	return durationOr(c.SessionAbsoluteTimeout, 24*time.Hour)
}

func (c *Config) WalletTimeout() time.Duration {
	return durationOr(c.WalletSessionTimeout, 24*time.Hour)
}

func (c *Config) RefreshThreshold() time.Duration {
	return durationOr(c.WalletRefreshThreshold, 15*time.Minute)
}

func (c *Config) CsrfExpiry() time.Duration {
	return durationOr(c.CsrfTokenExpiry, 24*time.Hour)
}

func (c *Config) RateWindow() time.Duration {
	return durationOr(c.RateLimitWindow, 15*time.Minute)
}

// SessionTTL is how long the store keeps records, the longest of the session timeouts.
func (c *Config) SessionTTL() time.Duration {
	ttl := c.AbsoluteTimeout()
	if wallet := c.WalletTimeout(); wallet > ttl {
		ttl = wallet
	}
	return ttl
}

func (c *Config) AllowOriginsList() []string {
	if c.AllowOrigins == "" {
		return nil
	}
	parts := strings.Split(c.AllowOrigins, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// ParseDuration accepts go durations and plain integers as milliseconds.
func ParseDuration(value string) (time.Duration, error) {
	value = strings.TrimSpace(value)
	if millis, err := strconv.ParseInt(value, 10, 64); err == nil {
		if millis < 0 {
			return 0, fmt.Errorf("negative duration %d", millis)
		}
		return time.Duration(millis) * time.Millisecond, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %s", value)
	}
	return d, nil
}

func durationOr(value string, fallback time.Duration) time.Duration {
	d, err := ParseDuration(value)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
