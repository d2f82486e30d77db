// Package config loads service configuration from the environment and an
// optional .env file using Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"staffportal/auth-service/internal/token"

	"github.com/spf13/viper"
)

const (
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

type Config struct {
	Port           string `mapstructure:"AUTH_PORT"`
	DatabaseURL    string `mapstructure:"DB_DSN"`
	SessionBackend string `mapstructure:"SESSION_BACKEND"`
	RedisURL       string `mapstructure:"REDIS_URL"`
	RedisKeyPrefix string `mapstructure:"REDIS_KEY_PREFIX"`

	// BcryptCost applies to session tokens; password hashes carry their own.
	BcryptCost        int    `mapstructure:"BCRYPT_COST"`
	PasswordHashCost  int    `mapstructure:"PASSWORD_HASH_COST"`
	HashWorkers       int    `mapstructure:"HASH_WORKERS"`
	LookupKeyMode     string `mapstructure:"LOOKUP_KEY_MODE"`
	VerifyBeforeTouch bool   `mapstructure:"VERIFY_BEFORE_TOUCH"`
	// IdleTimeout and SweepInterval are Go durations ("30m"). "0" disables.
	IdleTimeout   string `mapstructure:"IDLE_TIMEOUT"`
	SweepInterval string `mapstructure:"SWEEP_INTERVAL"`

	SessionCookieName string `mapstructure:"SESSION_COOKIE_NAME"`
	CookieSecure      bool   `mapstructure:"SESSION_COOKIE_SECURE"`
	// GatePatterns is a comma-separated list of gated path patterns.
	GatePatterns     string `mapstructure:"GATE_PATTERNS"`
	LoginPath        string `mapstructure:"LOGIN_PATH"`
	GateMaxBodyBytes int64  `mapstructure:"GATE_MAX_BODY_BYTES"`

	RateLimitPerMinute      int `mapstructure:"AUTH_RATE_LIMIT_PER_MIN"`
	RateLimitBurst          int `mapstructure:"AUTH_RATE_LIMIT_BURST"`
	LoginRateLimitPerMinute int `mapstructure:"LOGIN_RATE_LIMIT_PER_MIN"`
	LoginRateLimitBurst     int `mapstructure:"LOGIN_RATE_LIMIT_BURST"`

	// TrustProxyHeaders keys the IP limiter on X-Forwarded-For instead of
	// the peer address. Enable only behind a proxy that overwrites it.
	TrustProxyHeaders bool `mapstructure:"TRUST_PROXY_HEADERS"`

	LogLevel  string `mapstructure:"LOG_LEVEL"`
	LogFormat string `mapstructure:"LOG_FORMAT"`

	OTLPEndpoint string `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	OTLPInsecure bool   `mapstructure:"OTEL_EXPORTER_OTLP_INSECURE"`
}

// Load reads envFile (".env" when empty) if present, then the environment.
// Environment variables override the file.
func Load(envFile string) (*Config, error) {
	v := viper.New()

	if envFile == "" {
		envFile = ".env"
	}
	v.SetConfigFile(envFile)
	v.SetConfigType("env")
	_ = v.ReadInConfig() // a missing file is fine

	v.AutomaticEnv()

	v.SetDefault("AUTH_PORT", "8081")
	v.SetDefault("DB_DSN", "")
	v.SetDefault("SESSION_BACKEND", BackendPostgres)
	v.SetDefault("REDIS_URL", "redis://localhost:6379/0")
	v.SetDefault("REDIS_KEY_PREFIX", "portal:sess")
	v.SetDefault("BCRYPT_COST", 12)
	v.SetDefault("PASSWORD_HASH_COST", 12)
	v.SetDefault("HASH_WORKERS", 0)
	v.SetDefault("LOOKUP_KEY_MODE", string(token.LookupPlaintext))
	v.SetDefault("VERIFY_BEFORE_TOUCH", false)
	v.SetDefault("IDLE_TIMEOUT", "0")
	v.SetDefault("SWEEP_INTERVAL", "1m")
	v.SetDefault("SESSION_COOKIE_NAME", "portal_session")
	v.SetDefault("SESSION_COOKIE_SECURE", true)
	v.SetDefault("GATE_PATTERNS", "/api/admin/*,/api/auth/me,/api/auth/logout")
	v.SetDefault("LOGIN_PATH", "")
	v.SetDefault("GATE_MAX_BODY_BYTES", 1<<20)
	v.SetDefault("AUTH_RATE_LIMIT_PER_MIN", 120)
	v.SetDefault("AUTH_RATE_LIMIT_BURST", 30)
	v.SetDefault("LOGIN_RATE_LIMIT_PER_MIN", 10)
	v.SetDefault("LOGIN_RATE_LIMIT_BURST", 5)
	v.SetDefault("TRUST_PROXY_HEADERS", false)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")
	v.SetDefault("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	v.SetDefault("OTEL_EXPORTER_OTLP_INSECURE", false)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Port == "" {
		return errors.New("config: AUTH_PORT must be set")
	}
	c.SessionBackend = strings.ToLower(strings.TrimSpace(c.SessionBackend))
	switch c.SessionBackend {
	case BackendPostgres, BackendRedis:
	default:
		return fmt.Errorf("config: SESSION_BACKEND must be %q or %q", BackendPostgres, BackendRedis)
	}
	if c.SessionBackend == BackendRedis && c.RedisURL == "" {
		return errors.New("config: REDIS_URL must be set when SESSION_BACKEND=redis")
	}
	if c.BcryptCost < 4 || c.BcryptCost > 31 {
		return errors.New("config: BCRYPT_COST must be between 4 and 31")
	}
	if c.PasswordHashCost < 4 || c.PasswordHashCost > 31 {
		return errors.New("config: PASSWORD_HASH_COST must be between 4 and 31")
	}
	if c.HashWorkers < 0 {
		return errors.New("config: HASH_WORKERS must not be negative")
	}
	if _, err := token.ParseLookupMode(c.LookupKeyMode); err != nil {
		return fmt.Errorf("config: LOOKUP_KEY_MODE: %w", err)
	}
	if _, err := parseDuration(c.IdleTimeout); err != nil {
		return fmt.Errorf("config: IDLE_TIMEOUT: %w", err)
	}
	if _, err := parseDuration(c.SweepInterval); err != nil {
		return fmt.Errorf("config: SWEEP_INTERVAL: %w", err)
	}
	if c.SessionCookieName == "" {
		return errors.New("config: SESSION_COOKIE_NAME must be set")
	}
	return nil
}

// IdleTimeoutDuration returns the parsed idle timeout; zero means disabled.
func (c *Config) IdleTimeoutDuration() time.Duration {
	d, _ := parseDuration(c.IdleTimeout)
	return d
}

func (c *Config) SweepIntervalDuration() time.Duration {
	d, err := parseDuration(c.SweepInterval)
	if err != nil || d <= 0 {
		return time.Minute
	}
	return d
}

func (c *Config) LookupMode() token.LookupMode {
	mode, _ := token.ParseLookupMode(c.LookupKeyMode)
	return mode
}

// GatePatternList splits GatePatterns on commas, dropping empty entries.
func (c *Config) GatePatternList() []string {
	if c == nil || c.GatePatterns == "" {
		return nil
	}
	parts := strings.Split(c.GatePatterns, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func parseDuration(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "0" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, errors.New("duration must not be negative")
	}
	return d, nil
}
