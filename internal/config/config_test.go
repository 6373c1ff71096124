package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config file: %v", err)
	}
	return path
}

// FUNCTIONAL VALIDATION TEST: Default configuration provides production-ready settings
func TestConfig_DefaultConfig(t *testing.T) {
	config := DefaultConfig()

	if err := config.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
	if config.Matchmaking.InvitationTTL != 5*time.Minute {
		t.Errorf("InvitationTTL = %v, want 5m", config.Matchmaking.InvitationTTL)
	}
	if config.Matchmaking.SweepInterval != 5*time.Second {
		t.Errorf("SweepInterval = %v, want 5s", config.Matchmaking.SweepInterval)
	}
	if config.Hub.RateLimit != 100 || config.Hub.RateWindow != time.Minute {
		t.Errorf("unexpected rate limit defaults: %+v", config.Hub)
	}
	if config.Redis.URL != "" || config.Auth.JWTSecret != "" {
		t.Error("redis mirror and JWT auth should be off by default")
	}
}

// FUNCTIONAL VALIDATION TEST: Configuration validation prevents invalid settings
func TestConfig_Validate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"negative port", func(c *Config) { c.HTTP.Port = -1 }},
		{"port out of range", func(c *Config) { c.HTTP.Port = 70000 }},
		{"empty database path", func(c *Config) { c.Database.Path = "" }},
		{"missing websocket section", func(c *Config) { c.WebSocket = nil }},
		{"read timeout below ping", func(c *Config) { c.WebSocket.ReadTimeout = c.WebSocket.PingInterval }},
		{"zero invitation ttl", func(c *Config) { c.Matchmaking.InvitationTTL = 0 }},
		{"zero sweep interval", func(c *Config) { c.Matchmaking.SweepInterval = 0 }},
		{"zero rate limit", func(c *Config) { c.Hub.RateLimit = 0 }},
		{"zero session message cap", func(c *Config) { c.Session.MaxMessageBytes = 0 }},
		{"redis without ttl", func(c *Config) { c.Redis.URL = "redis://localhost:6379"; c.Redis.PresenceTTL = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			config := DefaultConfig()
			tc.mutate(config)
			if err := config.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

// FUNCTIONAL VALIDATION TEST: Environment variables override defaults
func TestConfig_LoadFromEnv(t *testing.T) {
	t.Setenv("PRACTICEHUB_HTTP_PORT", "9090")
	t.Setenv("PRACTICEHUB_DATABASE_PATH", "/tmp/practice.db")
	t.Setenv("PRACTICEHUB_MATCHMAKING_INVITATION_TTL", "90s")
	t.Setenv("PRACTICEHUB_REDIS_URL", "redis://cache:6379/0")
	t.Setenv("PRACTICEHUB_AUTH_JWT_SECRET", "s3cret")
	t.Setenv("PRACTICEHUB_LOG_LEVEL", "debug")

	config, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv failed: %v", err)
	}
	if config.HTTP.Port != 9090 {
		t.Errorf("Port = %d, want 9090", config.HTTP.Port)
	}
	if config.Database.Path != "/tmp/practice.db" {
		t.Errorf("Database.Path = %q", config.Database.Path)
	}
	if config.Matchmaking.InvitationTTL != 90*time.Second {
		t.Errorf("InvitationTTL = %v, want 90s", config.Matchmaking.InvitationTTL)
	}
	if config.Redis.URL != "redis://cache:6379/0" || config.Auth.JWTSecret != "s3cret" || config.Log.Level != "debug" {
		t.Errorf("unexpected overrides: redis=%q auth=%q log=%q", config.Redis.URL, config.Auth.JWTSecret, config.Log.Level)
	}
	// Untouched values keep their defaults.
	if config.HTTP.Host != "0.0.0.0" {
		t.Errorf("Host = %q, want default", config.HTTP.Host)
	}
}

func TestConfig_LoadFromEnvRejectsBadValues(t *testing.T) {
	t.Setenv("PRACTICEHUB_HTTP_PORT", "eighty")
	if _, err := LoadFromEnv(); err == nil {
		t.Error("expected a parse error for a non-numeric port")
	}
}

// FUNCTIONAL VALIDATION TEST: File-based configuration with duration strings
func TestConfig_LoadFromFile(t *testing.T) {
	path := writeConfigFile(t, `{
		"database": {"path": "/var/lib/practicehub.db", "timeout": "10s"},
		"http": {"port": 8181, "read_timeout": "15s"},
		"matchmaking": {"invitation_ttl": "2m", "retention": "30m"},
		"session": {"max_message_bytes": 2048},
		"log": {"format": "text"}
	}`)

	config, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile failed: %v", err)
	}
	if config.Database.Path != "/var/lib/practicehub.db" || config.Database.Timeout != 10*time.Second {
		t.Errorf("unexpected database section: %+v", config.Database)
	}
	if config.HTTP.Port != 8181 || config.HTTP.ReadTimeout != 15*time.Second {
		t.Errorf("unexpected http section: %+v", config.HTTP)
	}
	if config.Matchmaking.InvitationTTL != 2*time.Minute || config.Matchmaking.Retention != 30*time.Minute {
		t.Errorf("unexpected matchmaking section: %+v", config.Matchmaking)
	}
	if config.Matchmaking.SweepInterval != 5*time.Second {
		t.Error("unset fields should keep defaults")
	}
	if config.Session.MaxMessageBytes != 2048 || config.Log.Format != "text" {
		t.Errorf("unexpected session/log: %+v %+v", config.Session, config.Log)
	}
}

func TestConfig_LoadFromFileErrors(t *testing.T) {
	cases := map[string]string{
		"invalid json":     `{"http": `,
		"invalid duration": `{"matchmaking": {"sweep_interval": "often"}}`,
		"invalid port":     `{"http": {"port": 70000}}`,
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := LoadFromFile(writeConfigFile(t, content)); err == nil {
				t.Error("expected an error")
			}
		})
	}

	_, err := LoadFromFile(filepath.Join(t.TempDir(), "missing.json"))
	if err == nil || !strings.Contains(err.Error(), "failed to read config file") {
		t.Errorf("missing file error = %v", err)
	}
}

// FUNCTIONAL VALIDATION TEST: Environment wins over file, file over defaults
func TestConfig_LoadConfigWithPrecedence(t *testing.T) {
	path := writeConfigFile(t, `{"http": {"port": 8181, "host": "127.0.0.1"}}`)
	t.Setenv("PRACTICEHUB_HTTP_PORT", "9191")

	config, err := LoadConfigWithPrecedence(path)
	if err != nil {
		t.Fatalf("LoadConfigWithPrecedence failed: %v", err)
	}
	if config.HTTP.Port != 9191 {
		t.Errorf("Port = %d, environment should win", config.HTTP.Port)
	}
	if config.HTTP.Host != "127.0.0.1" {
		t.Errorf("Host = %q, file should beat the default", config.HTTP.Host)
	}

	config, err = LoadConfigWithPrecedence("")
	if err != nil {
		t.Fatalf("no file: %v", err)
	}
	if config.HTTP.Host != "0.0.0.0" {
		t.Errorf("Host = %q, want default", config.HTTP.Host)
	}
}
