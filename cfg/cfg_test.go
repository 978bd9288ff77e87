package cfg

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var allKeys = []string{
	"PORT", "ENVIRONMENT", "LOG_LEVEL", "CONFIG_PATH", "CREDENTIALS_PATH", "PAYLOADS_PATH",
	"JOURNAL_PATH", "JOURNAL_RETENTION", "REDIS_URL", "REDIS_TIMEOUT", "SESSION_TTL", "SESSION_COOKIE",
	"COOKIE_SECURE", "LOGIN_RATE_LIMIT", "LOGIN_BURST", "MIN_LOGIN_DURATION",
	"TRUSTED_PROXIES", "INTERNAL_ADDR", "METRICS_USER", "METRICS_PASS", "CONTEXT_TIMEOUT",
	"REVOCATION_CACHE_SIZE",
}

// isolateEnv unsets every variable Load reads so host values don't leak in.
func isolateEnv(t *testing.T) {
	t.Helper()
	for _, key := range allKeys {
		key := key
		if orig, ok := os.LookupEnv(key); ok {
			t.Cleanup(func() { os.Setenv(key, orig) })
		} else {
			t.Cleanup(func() { os.Unsetenv(key) })
		}
		os.Unsetenv(key)
	}
}

func TestLoadDefaults(t *testing.T) {
	isolateEnv(t)

	c, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "5000", c.Port)
	assert.Equal(t, "config.json", c.ConfigPath)
	assert.Equal(t, ".credentials", c.CredentialsPath)
	assert.Equal(t, "payloads.json", c.PayloadsPath)
	assert.Equal(t, 31*24*time.Hour, c.SessionTTL)
	assert.Equal(t, "session", c.SessionCookie)
	assert.False(t, c.CookieSecure)
	assert.Equal(t, 10, c.LoginRateLimit)
	assert.Equal(t, "127.0.0.1:6060", c.InternalAddr)
	assert.Equal(t, 90*24*time.Hour, c.JournalRetention)
	require.NoError(t, Validate(c))
}

func TestLoadOverrides(t *testing.T) {
	isolateEnv(t)
	t.Setenv("PORT", "8081")
	t.Setenv("SESSION_TTL", "2h")
	t.Setenv("TRUSTED_PROXIES", "10.0.0.0/8, 127.0.0.1")
	t.Setenv("ENVIRONMENT", "production")

	c, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "8081", c.Port)
	assert.Equal(t, 2*time.Hour, c.SessionTTL)
	assert.Equal(t, []string{"10.0.0.0/8", "127.0.0.1"}, c.TrustedProxies)
	assert.True(t, c.CookieSecure)
}

func TestLoadRejectsBadDuration(t *testing.T) {
	isolateEnv(t)
	t.Setenv("SESSION_TTL", "forever")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SESSION_TTL")
}

func TestValidate(t *testing.T) {
	isolateEnv(t)
	base := func() *Cfg {
		c, err := Load()
		require.NoError(t, err)
		return c
	}
	tests := []struct {
		name   string
		mutate func(c *Cfg)
		want   string
	}{
		{"bad port", func(c *Cfg) { c.Port = "http" }, "PORT must be a number"},
		{"store outside workdir", func(c *Cfg) { c.PayloadsPath = "/etc/payloads.json" }, "PAYLOADS_PATH"},
		{"shared store file", func(c *Cfg) { c.CredentialsPath = c.ConfigPath }, "distinct"},
		{"redis scheme", func(c *Cfg) { c.RedisURL = "http://localhost" }, "REDIS_URL"},
		{"short session", func(c *Cfg) { c.SessionTTL = time.Second }, "SESSION_TTL"},
		{"bad proxy", func(c *Cfg) { c.TrustedProxies = []string{"nope"} }, "TRUSTED_PROXIES"},
		{"cookie name", func(c *Cfg) { c.SessionCookie = "a b" }, "SESSION_COOKIE"},
		{"burst", func(c *Cfg) { c.LoginBurst = 0 }, "LOGIN_BURST"},
		{"production metrics", func(c *Cfg) {
			c.Environment = "production"
			c.CookieSecure = true
		}, "METRICS_USER"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := base()
			tt.mutate(c)
			err := Validate(c)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestSecretRedacted(t *testing.T) {
	s := NewSecret("hunter2")
	assert.Equal(t, "***REDACTED***", s.String())
	assert.Equal(t, "hunter2", s.Value())
	s.Wipe()
	assert.NotEqual(t, "hunter2", s.Value())
}
