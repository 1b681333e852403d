package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

func TestLoadConfig(t *testing.T) {
	configJSON := `{
		"server": {
			"addr": ":9090",
			"allowed_origins": ["http://localhost:3000"]
		},
		"auth": {
			"jwt_secret": "my-super-secret-jwt-key-at-least-32",
			"jwt_expiry": "2h"
		},
		"storage": {
			"driver": "sqlite",
			"dsn": "test.db"
		},
		"planning": {
			"lookahead_days": 28,
			"reject_past_production": true,
			"expand_on_read": false,
			"timezone": "Europe/Berlin"
		},
		"logging": {
			"level": "debug",
			"format": "text"
		},
		"rate_limit": {
			"requests_per_second": 20,
			"burst": 40
		}
	}`

	path := writeTempConfig(t, configJSON)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Addr != ":9090" {
		t.Errorf("Server.Addr: got %q, want %q", cfg.Server.Addr, ":9090")
	}
	if len(cfg.Server.AllowedOrigins) != 1 || cfg.Server.AllowedOrigins[0] != "http://localhost:3000" {
		t.Errorf("Server.AllowedOrigins: got %v", cfg.Server.AllowedOrigins)
	}
	if cfg.Auth.JWTExpiry.Duration != 2*time.Hour {
		t.Errorf("Auth.JWTExpiry: got %v, want 2h", cfg.Auth.JWTExpiry.Duration)
	}
	if cfg.Storage.DSN != "test.db" {
		t.Errorf("Storage.DSN: got %q", cfg.Storage.DSN)
	}
	if cfg.Planning.LookaheadDays != 28 {
		t.Errorf("Planning.LookaheadDays: got %d, want 28", cfg.Planning.LookaheadDays)
	}
	if !cfg.Planning.RejectPastProduction {
		t.Error("Planning.RejectPastProduction: want true")
	}
	if cfg.ExpandOnRead() {
		t.Error("ExpandOnRead: want false")
	}
	if cfg.Location().String() != "Europe/Berlin" {
		t.Errorf("Location: got %s", cfg.Location())
	}
	if cfg.Logging.Format != "text" {
		t.Errorf("Logging.Format: got %q", cfg.Logging.Format)
	}
	if cfg.RateLimit.Burst != 40 {
		t.Errorf("RateLimit.Burst: got %d, want 40", cfg.RateLimit.Burst)
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	path := writeTempConfig(t, `{}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Addr != ":8080" {
		t.Errorf("Server.Addr default: got %q", cfg.Server.Addr)
	}
	if cfg.Storage.Driver != "sqlite" || cfg.Storage.DSN != "sproutplan.db" {
		t.Errorf("Storage defaults: got %+v", cfg.Storage)
	}
	if cfg.Planning.LookaheadDays != 56 {
		t.Errorf("Planning.LookaheadDays default: got %d", cfg.Planning.LookaheadDays)
	}
	if !cfg.ExpandOnRead() {
		t.Error("ExpandOnRead default: want true")
	}
	if cfg.Auth.JWTExpiry.Duration != 24*time.Hour {
		t.Errorf("Auth.JWTExpiry default: got %v", cfg.Auth.JWTExpiry.Duration)
	}
	if cfg.RateLimit.RequestsPerSecond != 10 || cfg.RateLimit.Burst != 20 {
		t.Errorf("RateLimit defaults: got %+v", cfg.RateLimit)
	}
	if cfg.Logging.Format != "json" || cfg.Logging.Level != "info" {
		t.Errorf("Logging defaults: got %+v", cfg.Logging)
	}
	if cfg.Planning.ExpandInterval.Duration != time.Hour {
		t.Errorf("Planning.ExpandInterval default: got %v", cfg.Planning.ExpandInterval.Duration)
	}
}

func TestFromEnv(t *testing.T) {
	t.Setenv("SPROUTPLAN_SERVER_ADDR", ":9999")
	t.Setenv("SPROUTPLAN_PLANNING_EXPAND_INTERVAL", "15m")
	t.Setenv("SPROUTPLAN_PLANNING_EXPAND_ON_READ", "false")

	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}
	if cfg.Server.Addr != ":9999" {
		t.Errorf("Server.Addr: got %q", cfg.Server.Addr)
	}
	if cfg.Planning.ExpandInterval.Duration != 15*time.Minute {
		t.Errorf("Planning.ExpandInterval: got %v", cfg.Planning.ExpandInterval.Duration)
	}
	if cfg.ExpandOnRead() {
		t.Error("ExpandOnRead: want false from env")
	}
	if cfg.Storage.DSN != "sproutplan.db" {
		t.Errorf("Storage.DSN default: got %q", cfg.Storage.DSN)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Addr != ":8080" {
		t.Errorf("Server.Addr: got %q", cfg.Server.Addr)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("SPROUTPLAN_STORAGE_DSN", "/var/lib/sproutplan/plan.db")
	t.Setenv("SPROUTPLAN_PLANNING_LOOKAHEAD_DAYS", "14")
	t.Setenv("SPROUTPLAN_AUTH_JWT_EXPIRY", "90m")
	t.Setenv("SPROUTPLAN_RATE_LIMIT_BURST", "5")

	path := writeTempConfig(t, `{"storage": {"dsn": "file.db"}, "rate_limit": {"burst": 40}}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Storage.DSN != "/var/lib/sproutplan/plan.db" {
		t.Errorf("Storage.DSN: got %q", cfg.Storage.DSN)
	}
	if cfg.Planning.LookaheadDays != 14 {
		t.Errorf("Planning.LookaheadDays: got %d", cfg.Planning.LookaheadDays)
	}
	if cfg.Auth.JWTExpiry.Duration != 90*time.Minute {
		t.Errorf("Auth.JWTExpiry: got %v", cfg.Auth.JWTExpiry.Duration)
	}
	if cfg.RateLimit.Burst != 5 {
		t.Errorf("RateLimit.Burst: got %d", cfg.RateLimit.Burst)
	}
}

func TestValidateErrors(t *testing.T) {
	tests := []struct {
		name string
		json string
	}{
		{"short secret", `{"auth": {"jwt_secret": "too-short"}}`},
		{"weak secret", `{"auth": {"jwt_secret": "sproutplan-local-dev-secret-32chars!!"}}`},
		{"bad driver", `{"storage": {"driver": "mysql"}}`},
		{"postgres without dsn", `{"storage": {"driver": "postgres"}}`},
		{"bad timezone", `{"planning": {"timezone": "Mars/Olympus"}}`},
		{"bad log format", `{"logging": {"format": "xml"}}`},
		{"negative lookahead", `{"planning": {"lookahead_days": -1}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Load(writeTempConfig(t, tt.json)); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestDurationJSON(t *testing.T) {
	path := writeTempConfig(t, `{"server": {"shutdown_timeout": 3}}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.ShutdownTimeout.Duration != 3*time.Second {
		t.Errorf("numeric duration: got %v, want 3s", cfg.Server.ShutdownTimeout.Duration)
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.json")
	cfg := Default()
	cfg.Storage.DSN = "roundtrip.db"
	if err := Save(cfg, path); err != nil {
		t.Fatalf("Save: %v", err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Storage.DSN != "roundtrip.db" {
		t.Errorf("Storage.DSN: got %q", loaded.Storage.DSN)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("permissions: got %v, want 0600", info.Mode().Perm())
	}
}
