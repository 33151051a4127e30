package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func setRequired(t *testing.T) {
	os.Clearenv()
	t.Setenv("SESSION_SECRET", "fingerprint secret")
	t.Setenv("SESSION_ENCRYPTION_KEY", "0123456789abcdef0123456789abcdef")
}

func TestLoad_Defaults(t *testing.T) {
	assert := assert.New(t)
	setRequired(t)

	cfg, err := Load()
	if !assert.NoError(err) {
		return
	}
	assert.Equal(":2137", cfg.HttpAddr)
	assert.Equal("development", cfg.Env)
	assert.False(cfg.IsProduction())
	assert.False(cfg.LocationMonitoringEnabled())
	assert.Equal("sid", cfg.SessionCookieName)
	assert.Equal(5, cfg.MaxSessionsPerUser)
	assert.Equal(32, cfg.CsrfTokenLength)
	assert.Equal(100, cfg.RateLimitMaxAttempts)
	assert.Equal(0.8, cfg.FingerprintThreshold)
	assert.Equal(time.Hour, cfg.IdleTimeout())
	assert.Equal(24*time.Hour, cfg.AbsoluteTimeout())
	assert.Equal(24*time.Hour, cfg.CsrfExpiry())
	assert.Equal(15*time.Minute, cfg.RefreshThreshold())
	assert.Equal(15*time.Minute, cfg.RateWindow())
	assert.Equal(24*time.Hour, cfg.SessionTTL())
	assert.Nil(cfg.AllowOriginsList())
}

func TestLoad_EnvVarOverride(t *testing.T) {
	assert := assert.New(t)
	setRequired(t)
	t.Setenv("NODE_ENV", "production")
	t.Setenv("SESSION_TIMEOUT", "1800000")
	t.Setenv("WALLET_SESSION_TIMEOUT", "48h")
	t.Setenv("MAX_SESSIONS_PER_USER", "3")
	t.Setenv("ALLOW_ORIGINS", "https://a.example, https://b.example")

	cfg, err := Load()
	if !assert.NoError(err) {
		return
	}
	assert.True(cfg.IsProduction())
	assert.True(cfg.LocationMonitoringEnabled())
	assert.Equal(30*time.Minute, cfg.IdleTimeout())
	assert.Equal(48*time.Hour, cfg.SessionTTL())
	assert.Equal(3, cfg.MaxSessionsPerUser)
	assert.Equal([]string{"https://a.example", "https://b.example"}, cfg.AllowOriginsList())
}

func TestLoad_AppEnvWinsOverNodeEnv(t *testing.T) {
	setRequired(t)
	t.Setenv("NODE_ENV", "production")
	t.Setenv("APP_ENV", "staging")

	cfg, err := Load()
	if assert.NoError(t, err) {
		assert.Equal(t, "staging", cfg.Env)
	}
}

func TestLoad_Invalid(t *testing.T) {
	cases := map[string]map[string]string{
		"missing secret":         {"SESSION_SECRET": ""},
		"missing encryption key": {"SESSION_ENCRYPTION_KEY": ""},
		"short production key":   {"NODE_ENV": "production", "SESSION_ENCRYPTION_KEY": "short"},
		"invalid timeout":        {"SESSION_TIMEOUT": "soon"},
		"negative timeout":       {"SESSION_TIMEOUT": "-5"},
		"zero sessions":          {"MAX_SESSIONS_PER_USER": "0"},
		"short csrf token":       {"CSRF_TOKEN_LENGTH": "8"},
		"threshold above one":    {"FINGERPRINT_THRESHOLD": "1.5"},
	}
	for name, env := range cases {
		t.Run(name, func(t *testing.T) {
			setRequired(t)
			for key, value := range env {
				t.Setenv(key, value)
			}
			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestParseDuration(t *testing.T) {
	assert := assert.New(t)

	d, err := ParseDuration("3600000")
	assert.NoError(err)
	assert.Equal(time.Hour, d)

	d, err = ParseDuration(" 90s ")
	assert.NoError(err)
	assert.Equal(90*time.Second, d)

	_, err = ParseDuration("")
	assert.Error(err)
}
