package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// EnvPrefix namespaces every environment variable the service reads.
const EnvPrefix = "PRACTICEHUB_"

// ARCHITECTURAL DISCOVERY: Configuration layer serves as system-wide settings coordinator
// Clean separation between configuration management and business logic
type Config struct {
	Database    *DatabaseConfig    `json:"database"    envPrefix:"DATABASE_"`
	HTTP        *HTTPConfig        `json:"http"        envPrefix:"HTTP_"`
	WebSocket   *WebSocketConfig   `json:"websocket"   envPrefix:"WEBSOCKET_"`
	Hub         *HubConfig         `json:"hub"         envPrefix:"HUB_"`
	Matchmaking *MatchmakingConfig `json:"matchmaking" envPrefix:"MATCHMAKING_"`
	Session     *SessionConfig     `json:"session"     envPrefix:"SESSION_"`
	Redis       *RedisConfig       `json:"redis"       envPrefix:"REDIS_"`
	Auth        *AuthConfig        `json:"auth"        envPrefix:"AUTH_"`
	Log         *LogConfig         `json:"log"         envPrefix:"LOG_"`
}

// FUNCTIONAL DISCOVERY: Database configuration supports SQLite optimizations
type DatabaseConfig struct {
	Path           string        `json:"path"            env:"PATH"`
	Timeout        time.Duration `json:"timeout"         env:"TIMEOUT"`
	MaxConnections int           `json:"max_connections" env:"MAX_CONNECTIONS"`
}

type HTTPConfig struct {
	Port            int           `json:"port"             env:"PORT"`
	Host            string        `json:"host"             env:"HOST"`
	ReadTimeout     time.Duration `json:"read_timeout"     env:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `json:"write_timeout"    env:"WRITE_TIMEOUT"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
}

// FUNCTIONAL DISCOVERY: WebSocket configuration keeps a 30s heartbeat and a
// bounded per-connection send queue
type WebSocketConfig struct {
	PingInterval    time.Duration `json:"ping_interval"     env:"PING_INTERVAL"`
	ReadTimeout     time.Duration `json:"read_timeout"      env:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `json:"write_timeout"     env:"WRITE_TIMEOUT"`
	BufferSize      int           `json:"buffer_size"       env:"BUFFER_SIZE"`
	MaxMessageBytes int64         `json:"max_message_bytes" env:"MAX_MESSAGE_BYTES"`
}

// HubConfig bounds inbound event processing.
type HubConfig struct {
	InboundBuffer int           `json:"inbound_buffer" env:"INBOUND_BUFFER"`
	RateLimit     int           `json:"rate_limit"     env:"RATE_LIMIT"`
	RateWindow    time.Duration `json:"rate_window"    env:"RATE_WINDOW"`
}

// MatchmakingConfig controls invitation lifetimes.
type MatchmakingConfig struct {
	InvitationTTL time.Duration `json:"invitation_ttl" env:"INVITATION_TTL"`
	SweepInterval time.Duration `json:"sweep_interval" env:"SWEEP_INTERVAL"`
	Retention     time.Duration `json:"retention"      env:"RETENTION"`
}

type SessionConfig struct {
	MaxMessageBytes int `json:"max_message_bytes" env:"MAX_MESSAGE_BYTES"`
}

// RedisConfig enables the presence mirror when URL is set.
type RedisConfig struct {
	URL             string        `json:"url"              env:"URL"`
	DB              int           `json:"db"               env:"DB"`
	PresenceTTL     time.Duration `json:"presence_ttl"     env:"PRESENCE_TTL"`
	RefreshInterval time.Duration `json:"refresh_interval" env:"REFRESH_INTERVAL"`
}

// AuthConfig switches identity to signed tokens when JWTSecret is set.
type AuthConfig struct {
	JWTSecret string `json:"jwt_secret" env:"JWT_SECRET"`
}

type LogConfig struct {
	Level  string `json:"level"  env:"LEVEL"`
	Format string `json:"format" env:"FORMAT"`
}

// FUNCTIONAL DISCOVERY: Production-ready defaults
// Database on local filesystem, HTTP on standard port, WebSocket with 30s heartbeat
func DefaultConfig() *Config {
	return &Config{
		Database: &DatabaseConfig{
			Path:           "./data/practicehub.db",
			Timeout:        30 * time.Second,
			MaxConnections: 10,
		},
		HTTP: &HTTPConfig{
			Port:            8080,
			Host:            "0.0.0.0",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		WebSocket: &WebSocketConfig{
			PingInterval:    30 * time.Second,
			ReadTimeout:     60 * time.Second,
			WriteTimeout:    5 * time.Second,
			BufferSize:      100,
			MaxMessageBytes: 16 * 1024,
		},
		Hub: &HubConfig{
			InboundBuffer: 1000,
			RateLimit:     100,
			RateWindow:    time.Minute,
		},
		Matchmaking: &MatchmakingConfig{
			InvitationTTL: 5 * time.Minute,
			SweepInterval: 5 * time.Second,
			Retention:     time.Hour,
		},
		Session: &SessionConfig{
			MaxMessageBytes: 4096,
		},
		Redis: &RedisConfig{
			PresenceTTL:     2 * time.Minute,
			RefreshInterval: time.Minute,
		},
		Auth: &AuthConfig{},
		Log: &LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// FUNCTIONAL DISCOVERY: Comprehensive validation prevents invalid system configurations
// Critical for preventing runtime failures in production deployment
func (c *Config) Validate() error {
	if c.Database == nil {
		return errors.New("database configuration is required")
	}
	if c.Database.Path == "" {
		return errors.New("database path cannot be empty")
	}
	if c.Database.Timeout <= 0 {
		return errors.New("database timeout must be positive")
	}
	if c.Database.MaxConnections <= 0 {
		return errors.New("database max connections must be positive")
	}

	if c.HTTP == nil {
		return errors.New("HTTP configuration is required")
	}
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return errors.New("HTTP port must be between 1 and 65535")
	}
	if c.HTTP.Host == "" {
		return errors.New("HTTP host cannot be empty")
	}
	if c.HTTP.ReadTimeout <= 0 || c.HTTP.WriteTimeout <= 0 || c.HTTP.ShutdownTimeout <= 0 {
		return errors.New("HTTP timeouts must be positive")
	}

	if c.WebSocket == nil {
		return errors.New("WebSocket configuration is required")
	}
	if c.WebSocket.PingInterval <= 0 {
		return errors.New("WebSocket ping interval must be positive")
	}
	if c.WebSocket.ReadTimeout <= c.WebSocket.PingInterval {
		return errors.New("WebSocket read timeout must exceed the ping interval")
	}
	if c.WebSocket.WriteTimeout <= 0 {
		return errors.New("WebSocket write timeout must be positive")
	}
	if c.WebSocket.BufferSize <= 0 {
		return errors.New("WebSocket buffer size must be positive")
	}
	if c.WebSocket.MaxMessageBytes <= 0 {
		return errors.New("WebSocket max message bytes must be positive")
	}

	if c.Hub == nil {
		return errors.New("hub configuration is required")
	}
	if c.Hub.InboundBuffer <= 0 || c.Hub.RateLimit <= 0 || c.Hub.RateWindow <= 0 {
		return errors.New("hub buffer, rate limit and rate window must be positive")
	}

	if c.Matchmaking == nil {
		return errors.New("matchmaking configuration is required")
	}
	if c.Matchmaking.InvitationTTL <= 0 {
		return errors.New("invitation TTL must be positive")
	}
	if c.Matchmaking.SweepInterval <= 0 {
		return errors.New("sweep interval must be positive")
	}
	if c.Matchmaking.Retention < 0 {
		return errors.New("retention cannot be negative")
	}

	if c.Session == nil {
		return errors.New("session configuration is required")
	}
	if c.Session.MaxMessageBytes <= 0 {
		return errors.New("session max message bytes must be positive")
	}

	if c.Redis == nil {
		return errors.New("redis configuration is required")
	}
	if c.Redis.URL != "" && (c.Redis.PresenceTTL <= 0 || c.Redis.RefreshInterval <= 0) {
		return errors.New("redis presence TTL and refresh interval must be positive")
	}

	if c.Auth == nil {
		return errors.New("auth configuration is required")
	}
	if c.Log == nil {
		return errors.New("log configuration is required")
	}
	return nil
}

// LoadFromEnv overlays PRACTICEHUB_* environment variables, after reading an
// optional .env file, onto the defaults.
// FUNCTIONAL DISCOVERY: Only variables that are set override a default
func LoadFromEnv() (*Config, error) {
	_ = godotenv.Load()

	cfg := DefaultConfig()
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// ConfigFile represents the JSON structure for file-based configuration
// FUNCTIONAL DISCOVERY: Separate struct for JSON parsing to handle duration strings
type ConfigFile struct {
	Database    *DatabaseConfigFile    `json:"database"`
	HTTP        *HTTPConfigFile        `json:"http"`
	WebSocket   *WebSocketConfigFile   `json:"websocket"`
	Hub         *HubConfigFile         `json:"hub"`
	Matchmaking *MatchmakingConfigFile `json:"matchmaking"`
	Session     *SessionConfig         `json:"session"`
	Redis       *RedisConfigFile       `json:"redis"`
	Auth        *AuthConfig            `json:"auth"`
	Log         *LogConfig             `json:"log"`
}

type DatabaseConfigFile struct {
	Path           string `json:"path"`
	Timeout        string `json:"timeout"`
	MaxConnections int    `json:"max_connections"`
}

type HTTPConfigFile struct {
	Port            int    `json:"port"`
	Host            string `json:"host"`
	ReadTimeout     string `json:"read_timeout"`
	WriteTimeout    string `json:"write_timeout"`
	ShutdownTimeout string `json:"shutdown_timeout"`
}

type WebSocketConfigFile struct {
	PingInterval    string `json:"ping_interval"`
	ReadTimeout     string `json:"read_timeout"`
	WriteTimeout    string `json:"write_timeout"`
	BufferSize      int    `json:"buffer_size"`
	MaxMessageBytes int64  `json:"max_message_bytes"`
}

type HubConfigFile struct {
	InboundBuffer int    `json:"inbound_buffer"`
	RateLimit     int    `json:"rate_limit"`
	RateWindow    string `json:"rate_window"`
}

type MatchmakingConfigFile struct {
	InvitationTTL string `json:"invitation_ttl"`
	SweepInterval string `json:"sweep_interval"`
	Retention     string `json:"retention"`
}

type RedisConfigFile struct {
	URL             string `json:"url"`
	DB              int    `json:"db"`
	PresenceTTL     string `json:"presence_ttl"`
	RefreshInterval string `json:"refresh_interval"`
}

// FUNCTIONAL DISCOVERY: File-based configuration supports complex deployment scenarios
// JSON format chosen for readability and tooling support
func LoadFromFile(filepath string) (*Config, error) {
	config := DefaultConfig()
	if err := applyFile(config, filepath); err != nil {
		return nil, err
	}

	// ARCHITECTURAL DISCOVERY: Validate configuration after loading to catch errors early
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration in %s: %w", filepath, err)
	}
	return config, nil
}

func applyFile(config *Config, filepath string) error {
	data, err := os.ReadFile(filepath)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", filepath, err)
	}

	var file ConfigFile
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", filepath, err)
	}

	d := durations{}
	if f := file.Database; f != nil {
		setString(&config.Database.Path, f.Path)
		setInt(&config.Database.MaxConnections, f.MaxConnections)
		d.set(&config.Database.Timeout, "database.timeout", f.Timeout)
	}
	if f := file.HTTP; f != nil {
		setInt(&config.HTTP.Port, f.Port)
		setString(&config.HTTP.Host, f.Host)
		d.set(&config.HTTP.ReadTimeout, "http.read_timeout", f.ReadTimeout)
		d.set(&config.HTTP.WriteTimeout, "http.write_timeout", f.WriteTimeout)
		d.set(&config.HTTP.ShutdownTimeout, "http.shutdown_timeout", f.ShutdownTimeout)
	}
	if f := file.WebSocket; f != nil {
		setInt(&config.WebSocket.BufferSize, f.BufferSize)
		if f.MaxMessageBytes > 0 {
			config.WebSocket.MaxMessageBytes = f.MaxMessageBytes
		}
		d.set(&config.WebSocket.PingInterval, "websocket.ping_interval", f.PingInterval)
		d.set(&config.WebSocket.ReadTimeout, "websocket.read_timeout", f.ReadTimeout)
		d.set(&config.WebSocket.WriteTimeout, "websocket.write_timeout", f.WriteTimeout)
	}
	if f := file.Hub; f != nil {
		setInt(&config.Hub.InboundBuffer, f.InboundBuffer)
		setInt(&config.Hub.RateLimit, f.RateLimit)
		d.set(&config.Hub.RateWindow, "hub.rate_window", f.RateWindow)
	}
	if f := file.Matchmaking; f != nil {
		d.set(&config.Matchmaking.InvitationTTL, "matchmaking.invitation_ttl", f.InvitationTTL)
		d.set(&config.Matchmaking.SweepInterval, "matchmaking.sweep_interval", f.SweepInterval)
		d.set(&config.Matchmaking.Retention, "matchmaking.retention", f.Retention)
	}
	if f := file.Session; f != nil {
		setInt(&config.Session.MaxMessageBytes, f.MaxMessageBytes)
	}
	if f := file.Redis; f != nil {
		setString(&config.Redis.URL, f.URL)
		setInt(&config.Redis.DB, f.DB)
		d.set(&config.Redis.PresenceTTL, "redis.presence_ttl", f.PresenceTTL)
		d.set(&config.Redis.RefreshInterval, "redis.refresh_interval", f.RefreshInterval)
	}
	if f := file.Auth; f != nil {
		setString(&config.Auth.JWTSecret, f.JWTSecret)
	}
	if f := file.Log; f != nil {
		setString(&config.Log.Level, f.Level)
		setString(&config.Log.Format, f.Format)
	}

	if d.err != nil {
		return fmt.Errorf("invalid duration in %s: %w", filepath, d.err)
	}
	return nil
}

// FUNCTIONAL DISCOVERY: Configuration precedence: environment > file > defaults
// so a container can override a single value of a shipped file
func LoadConfigWithPrecedence(filepath string) (*Config, error) {
	_ = godotenv.Load()

	config := DefaultConfig()
	if filepath != "" {
		if err := applyFile(config, filepath); err != nil {
			return nil, err
		}
	}
	if err := applyEnv(config); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return config, nil
}

// durations collects the first parse failure so callers check once.
type durations struct{ err error }

func (d *durations) set(dst *time.Duration, field, value string) {
	if value == "" || d.err != nil {
		return
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		d.err = fmt.Errorf("%s: %w", field, err)
		return
	}
	*dst = parsed
}

func setString(dst *string, value string) {
	if value != "" {
		*dst = value
	}
}

func setInt(dst *int, value int) {
	if value > 0 {
		*dst = value
	}
}
