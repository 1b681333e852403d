// Package config handles sproutplan configuration loading and validation.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// EnvPrefix is the prefix of environment variables that override file values,
// e.g. SPROUTPLAN_STORAGE_DSN or SPROUTPLAN_AUTH_JWT_SECRET.
const EnvPrefix = "SPROUTPLAN"

// knownWeakSecrets is a blocklist of secrets that must never be used.
var knownWeakSecrets = map[string]bool{
	"changeme": true,
	"secret":   true,
	"sproutplan-local-dev-secret-32chars!!": true,
}

// GenerateRandomSecret returns a cryptographically random 64-character hex string
// suitable for use as a JWT secret.
func GenerateRandomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Config is the top-level configuration.
type Config struct {
	Server    ServerConfig    `json:"server"`
	Auth      AuthConfig      `json:"auth"`
	Storage   StorageConfig   `json:"storage"`
	Planning  PlanningConfig  `json:"planning"`
	Logging   LoggingConfig   `json:"logging"`
	RateLimit RateLimitConfig `json:"rate_limit,omitempty" envconfig:"rate_limit"`
}

// ServerConfig defines the HTTP listener settings.
type ServerConfig struct {
	Addr            string   `json:"addr"`                                                      // e.g. ":8080"
	AllowedOrigins  []string `json:"allowed_origins,omitempty" envconfig:"allowed_origins"`     // CORS origins; default ["*"]
	MaxBodyBytes    int64    `json:"max_body_bytes,omitempty" envconfig:"max_body_bytes"`       // default 1MB
	ShutdownTimeout Duration `json:"shutdown_timeout,omitempty" envconfig:"shutdown_timeout"` // default 10s
}

// AuthConfig defines API authentication. With an empty JWTSecret the API is
// open, which is only sensible on a trusted network.
type AuthConfig struct {
	JWTSecret string   `json:"jwt_secret,omitempty" envconfig:"jwt_secret"`
	JWTExpiry Duration `json:"jwt_expiry,omitempty" envconfig:"jwt_expiry"`
}

// StorageConfig defines database settings.
type StorageConfig struct {
	Driver string `json:"driver"` // "sqlite" (default) or "postgres"
	DSN    string `json:"dsn"`    // e.g. "sproutplan.db" or ":memory:"
}

// PlanningConfig controls subscription expansion and date validation.
type PlanningConfig struct {
	LookaheadDays        int      `json:"lookahead_days,omitempty" envconfig:"lookahead_days"`                 // default 56
	RejectPastProduction bool     `json:"reject_past_production,omitempty" envconfig:"reject_past_production"` // production dates before today are rejected
	ExpandOnRead         *bool    `json:"expand_on_read,omitempty" envconfig:"expand_on_read"`                 // default true
	Timezone             string   `json:"timezone,omitempty"`                                                  // IANA name used for "today"; default local
	ExpandInterval       Duration `json:"expand_interval,omitempty" envconfig:"expand_interval"`               // background expansion period; default 1h
}

// LoggingConfig defines logging settings.
type LoggingConfig struct {
	Level  string `json:"level,omitempty"`
	Format string `json:"format,omitempty"` // "json" or "text"
}

// RateLimitConfig defines rate limiting settings.
type RateLimitConfig struct {
	RequestsPerSecond float64 `json:"requests_per_second,omitempty" envconfig:"requests_per_second"` // default 10
	Burst             int     `json:"burst,omitempty"`                                               // default 20
}

// Duration is a JSON-friendly time.Duration.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case string:
		dur, err := time.ParseDuration(val)
		if err != nil {
			return err
		}
		d.Duration = dur
	case float64:
		d.Duration = time.Duration(val) * time.Second
	default:
		return fmt.Errorf("invalid duration: %v", v)
	}
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// Decode implements envconfig.Decoder.
func (d *Duration) Decode(value string) error {
	dur, err := time.ParseDuration(value)
	if err != nil {
		return err
	}
	d.Duration = dur
	return nil
}

// Load reads a config file, applies environment overrides, validates the
// result and fills in defaults. A missing file is not an error: the
// configuration then comes from the environment and defaults alone.
func Load(path string) (*Config, error) {
	var cfg Config

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("read config: %w", err)
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	return finish(&cfg)
}

// FromEnv builds a configuration from environment variables and defaults
// alone.
func FromEnv() (*Config, error) {
	return finish(&Config{})
}

func finish(cfg *Config) (*Config, error) {
	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("env overrides: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Save writes cfg as indented JSON readable only by the owner.
func Save(cfg *Config, path string) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

func (c *Config) validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("auth.jwt_secret must be at least 32 characters")
	}
	if knownWeakSecrets[c.Auth.JWTSecret] {
		return fmt.Errorf("auth.jwt_secret is a well-known weak secret, generate a new one")
	}
	switch c.Storage.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("storage.driver must be sqlite or postgres, got %q", c.Storage.Driver)
	}
	if c.Storage.Driver == "postgres" && c.Storage.DSN == "" {
		return fmt.Errorf("storage.dsn is required for postgres")
	}
	if c.Planning.LookaheadDays < 0 {
		return fmt.Errorf("planning.lookahead_days must not be negative")
	}
	if c.Planning.ExpandInterval.Duration < 0 {
		return fmt.Errorf("planning.expand_interval must not be negative")
	}
	if c.Planning.Timezone != "" {
		if _, err := time.LoadLocation(c.Planning.Timezone); err != nil {
			return fmt.Errorf("planning.timezone: %w", err)
		}
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("logging.format must be json or text, got %q", c.Logging.Format)
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if len(c.Server.AllowedOrigins) == 0 {
		c.Server.AllowedOrigins = []string{"*"}
	}
	if c.Server.MaxBodyBytes == 0 {
		c.Server.MaxBodyBytes = 1024 * 1024 // 1MB
	}
	if c.Server.ShutdownTimeout.Duration == 0 {
		c.Server.ShutdownTimeout.Duration = 10 * time.Second
	}
	if c.Auth.JWTExpiry.Duration == 0 {
		c.Auth.JWTExpiry.Duration = 24 * time.Hour
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "sqlite"
	}
	if c.Storage.DSN == "" && c.Storage.Driver == "sqlite" {
		c.Storage.DSN = "sproutplan.db"
	}
	if c.Planning.LookaheadDays == 0 {
		c.Planning.LookaheadDays = 56
	}
	if c.Planning.ExpandOnRead == nil {
		on := true
		c.Planning.ExpandOnRead = &on
	}
	if c.Planning.ExpandInterval.Duration == 0 {
		c.Planning.ExpandInterval.Duration = time.Hour
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.RateLimit.RequestsPerSecond == 0 {
		c.RateLimit.RequestsPerSecond = 10
	}
	if c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = 20
	}
}

// Location returns the time zone "today" is evaluated in.
func (c *Config) Location() *time.Location {
	if c.Planning.Timezone == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(c.Planning.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

// ExpandOnRead reports whether schedule reads expand subscriptions first.
func (c *Config) ExpandOnRead() bool {
	return c.Planning.ExpandOnRead == nil || *c.Planning.ExpandOnRead
}
