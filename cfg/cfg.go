package cfg

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
)

type Secret struct {
	value []byte
}

func NewSecret(s string) Secret {
	return Secret{value: []byte(s)}
}
func (s Secret) Value() string {
	return string(s.value)
}
func (s Secret) Wipe() {
	for i := range s.value {
		s.value[i] = 0
	}
}
func (s Secret) String() string {
	return "***REDACTED***"
}

// Cfg is the process configuration. Portal settings that the operator edits
// (decoy URL, admin prefix, bootstrap credentials) live in the file at
// ConfigPath, not here.
type Cfg struct {
	Port                string
	Environment         string
	LogLevel            string
	ConfigPath          string
	CredentialsPath     string
	PayloadsPath        string
	JournalPath         string
	JournalRetention    time.Duration
	RedisURL            string
	RedisTimeout        time.Duration
	SessionTTL          time.Duration
	SessionCookie       string
	CookieSecure        bool
	LoginRateLimit      int
	LoginBurst          int
	MinLoginDuration    time.Duration
	TrustedProxies      []string
	InternalAddr        string
	MetricsUser         string
	MetricsPass         Secret
	ContextTimeout      time.Duration
	RevocationCacheSize int
}

// Load reads the process configuration from the environment. A .env file in
// the working directory is applied first; real environment variables win.
func Load() (*Cfg, error) {
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(".env"); err != nil {
			return nil, errors.Wrap(err, "load .env")
		}
	}
	c := &Cfg{}
	c.Port = getEnv("PORT", "5000")
	c.Environment = getEnv("ENVIRONMENT", "development")
	c.LogLevel = getEnv("LOG_LEVEL", "info")
	c.ConfigPath = getEnv("CONFIG_PATH", "config.json")
	c.CredentialsPath = getEnv("CREDENTIALS_PATH", ".credentials")
	c.PayloadsPath = getEnv("PAYLOADS_PATH", "payloads.json")
	c.JournalPath = getEnv("JOURNAL_PATH", "")
	c.RedisURL = getEnv("REDIS_URL", "")
	c.SessionCookie = getEnv("SESSION_COOKIE", "session")
	c.CookieSecure = getEnv("COOKIE_SECURE", strconv.FormatBool(c.Environment == "production")) == "true"
	c.TrustedProxies = getSlice("TRUSTED_PROXIES", []string{})
	c.InternalAddr = getEnv("INTERNAL_ADDR", "127.0.0.1:6060")
	c.MetricsUser = getEnv("METRICS_USER", "")
	c.MetricsPass = NewSecret(getEnv("METRICS_PASS", ""))
	var err error
	c.RedisTimeout, err = getDuration("REDIS_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, err
	}
	c.SessionTTL, err = getDuration("SESSION_TTL", 31*24*time.Hour)
	if err != nil {
		return nil, err
	}
	c.LoginRateLimit, err = getInt("LOGIN_RATE_LIMIT", 10)
	if err != nil {
		return nil, err
	}
	c.LoginBurst, err = getInt("LOGIN_BURST", 5)
	if err != nil {
		return nil, err
	}
	c.MinLoginDuration, err = getDuration("MIN_LOGIN_DURATION", 250*time.Millisecond)
	if err != nil {
		return nil, err
	}
	c.ContextTimeout, err = getDuration("CONTEXT_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, err
	}
	c.JournalRetention, err = getDuration("JOURNAL_RETENTION", 90*24*time.Hour)
	if err != nil {
		return nil, err
	}
	c.RevocationCacheSize, err = getInt("REVOCATION_CACHE_SIZE", 4096)
	if err != nil {
		return nil, err
	}
	return c, nil
}

func Validate(c *Cfg) error {
	if c.Port == "" {
		return errors.New("PORT is required")
	}
	if _, err := strconv.Atoi(c.Port); err != nil {
		return errors.New("PORT must be a number")
	}
	workDir, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("failed to get working directory: %w", err)
	}
	absWorkDir, err := filepath.Abs(workDir)
	if err != nil {
		return fmt.Errorf("failed to resolve working directory: %w", err)
	}
	paths := map[string]string{
		"CONFIG_PATH":      c.ConfigPath,
		"CREDENTIALS_PATH": c.CredentialsPath,
		"PAYLOADS_PATH":    c.PayloadsPath,
	}
	if c.JournalPath != "" {
		paths["JOURNAL_PATH"] = c.JournalPath
	}
	for key, p := range paths {
		if p == "" {
			return fmt.Errorf("%s is required", key)
		}
		if err := withinDir(absWorkDir, p); err != nil {
			return fmt.Errorf("%s %w", key, err)
		}
	}
	if c.ConfigPath == c.CredentialsPath || c.ConfigPath == c.PayloadsPath || c.CredentialsPath == c.PayloadsPath {
		return errors.New("CONFIG_PATH, CREDENTIALS_PATH and PAYLOADS_PATH must be distinct files")
	}
	if c.RedisURL != "" {
		if !strings.HasPrefix(c.RedisURL, "redis://") && !strings.HasPrefix(c.RedisURL, "rediss://") {
			return errors.New("REDIS_URL must start with redis:// or rediss://")
		}
	}
	if c.SessionTTL < time.Minute {
		return errors.New("SESSION_TTL must be at least 1 minute")
	}
	if c.SessionTTL > 366*24*time.Hour {
		return errors.New("SESSION_TTL cannot exceed 366 days")
	}
	if c.SessionCookie == "" || strings.ContainsAny(c.SessionCookie, " ;=,\t") {
		return errors.New("SESSION_COOKIE must be a valid cookie name")
	}
	if c.LoginRateLimit < 0 {
		return errors.New("LOGIN_RATE_LIMIT must not be negative")
	}
	if c.LoginRateLimit > 0 && c.LoginBurst <= 0 {
		return errors.New("LOGIN_BURST must be positive when LOGIN_RATE_LIMIT is set")
	}
	if c.MinLoginDuration < 0 || c.MinLoginDuration > 5*time.Second {
		return errors.New("MIN_LOGIN_DURATION must be between 0 and 5s")
	}
	if c.JournalRetention < 0 {
		return errors.New("JOURNAL_RETENTION must not be negative")
	}
	if c.RevocationCacheSize <= 0 || c.RevocationCacheSize > 100000 {
		return errors.New("REVOCATION_CACHE_SIZE must be between 1 and 100000")
	}
	for _, proxy := range c.TrustedProxies {
		if strings.Contains(proxy, "/") {
			if _, _, err := net.ParseCIDR(proxy); err != nil {
				return fmt.Errorf("invalid CIDR in TRUSTED_PROXIES: %s", proxy)
			}
		} else {
			if net.ParseIP(proxy) == nil {
				return fmt.Errorf("invalid IP in TRUSTED_PROXIES: %s", proxy)
			}
		}
	}
	if c.InternalAddr != "" {
		if _, _, err := net.SplitHostPort(c.InternalAddr); err != nil {
			return fmt.Errorf("invalid INTERNAL_ADDR: %w", err)
		}
	}
	if c.Environment == "production" {
		if c.InternalAddr != "" && (c.MetricsUser == "" || c.MetricsPass.Value() == "") {
			return errors.New("METRICS_USER and METRICS_PASS are required in production")
		}
		if !c.CookieSecure {
			return errors.New("COOKIE_SECURE must be true in production")
		}
	}
	return nil
}

func (c *Cfg) Wipe() {
	c.MetricsPass.Wipe()
}

func withinDir(absDir, p string) error {
	abs, err := filepath.Abs(p)
	if err != nil {
		return fmt.Errorf("is invalid: %w", err)
	}
	if !strings.HasPrefix(abs, absDir+string(filepath.Separator)) {
		return fmt.Errorf("must be within working directory %s", absDir)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}
func getInt(key string, fallback int) (int, error) {
	s := getEnv(key, "")
	if s == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid integer for %s: %w", key, err)
	}
	return v, nil
}
func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	s := getEnv(key, "")
	if s == "" {
		return fallback, nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration for %s: %w", key, err)
	}
	return v, nil
}
func getSlice(key string, fallback []string) []string {
	s := getEnv(key, "")
	if s == "" {
		return fallback
	}
	parts := strings.Split(s, ",")
	var result []string
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}
