// ABOUTME: Configuration loading and parsing for tandem-gateway
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Config represents the complete tandem-gateway configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale" toml:"tailscale"`
	Database  DatabaseConfig  `yaml:"database" toml:"database"`
	Auth      AuthConfig      `yaml:"auth" toml:"auth"`
	Hub       HubConfig       `yaml:"hub" toml:"hub"`
	Redis     RedisConfig     `yaml:"redis" toml:"redis"`
	NATS      NATSConfig      `yaml:"nats" toml:"nats"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
	HTTPS     bool   `yaml:"https" toml:"https"`   // serve TLS with tailnet certificates
	Funnel    bool   `yaml:"funnel" toml:"funnel"` // expose publicly via Funnel (implies HTTPS)
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" toml:"jwt_secret"`
}

// HubConfig holds the connection hub's limits and timeouts
type HubConfig struct {
	StoreTimeout     time.Duration `yaml:"-" toml:"-"`
	DeliveryTimeout  time.Duration `yaml:"-" toml:"-"`
	MaxContentLength int           `yaml:"max_content_length" toml:"max_content_length"`
	OutboundBuffer   int           `yaml:"outbound_buffer" toml:"outbound_buffer"`
	SnapshotLimit    int           `yaml:"snapshot_limit" toml:"snapshot_limit"`
	SendRate         float64       `yaml:"send_rate" toml:"send_rate"`
	SendBurst        int           `yaml:"send_burst" toml:"send_burst"`

	// Raw string values for unmarshaling
	StoreTimeoutRaw    string `yaml:"store_timeout" toml:"store_timeout"`
	DeliveryTimeoutRaw string `yaml:"delivery_timeout" toml:"delivery_timeout"`
}

// RedisConfig enables mirroring presence into Redis sets
type RedisConfig struct {
	Enabled   bool          `yaml:"enabled" toml:"enabled"`
	Addr      string        `yaml:"addr" toml:"addr"`
	Password  string        `yaml:"password" toml:"password"`
	DB        int           `yaml:"db" toml:"db"`
	KeyPrefix string        `yaml:"key_prefix" toml:"key_prefix"`
	TTL       time.Duration `yaml:"-" toml:"-"`
	TTLRaw    string        `yaml:"ttl" toml:"ttl"`
}

// NATSConfig enables publishing message events to NATS
type NATSConfig struct {
	Enabled       bool   `yaml:"enabled" toml:"enabled"`
	URL           string `yaml:"url" toml:"url"`
	SubjectPrefix string `yaml:"subject_prefix" toml:"subject_prefix"`
	Name          string `yaml:"name" toml:"name"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// Default returns a configuration with every optional field filled in.
func Default() *Config {
	return &Config{
		Server:   ServerConfig{HTTPAddr: "0.0.0.0:8080"},
		Database: DatabaseConfig{Path: DefaultDatabasePath()},
		Hub: HubConfig{
			StoreTimeoutRaw:    "5s",
			DeliveryTimeoutRaw: "2s",
			MaxContentLength:   4000,
			OutboundBuffer:     256,
			SendRate:           10,
			SendBurst:          20,
		},
		Redis: RedisConfig{
			Addr:      "localhost:6379",
			KeyPrefix: "tandem:presence:",
			TTLRaw:    "10m",
		},
		NATS: NATSConfig{
			URL:           "nats://127.0.0.1:4222",
			SubjectPrefix: "tandem",
			Name:          "tandem-gateway",
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
	}
}

// DefaultPath returns the config location from TANDEM_CONFIG, then
// $XDG_CONFIG_HOME/tandem/gateway.yaml, then ~/.config/tandem/gateway.yaml.
func DefaultPath() string {
	if p := os.Getenv("TANDEM_CONFIG"); p != "" {
		return p
	}
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "tandem", "gateway.yaml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "gateway.yaml"
	}
	return filepath.Join(home, ".config", "tandem", "gateway.yaml")
}

// DefaultDatabasePath returns ~/.local/share/tandem/tandem.db.
func DefaultDatabasePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "tandem.db"
	}
	return filepath.Join(home, ".local", "share", "tandem", "tandem.db")
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are parsed as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded first, and
// unset fields keep the values from Default.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	cfg := Default()
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expanded, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if p := os.Getenv("TANDEM_DB_PATH"); p != "" {
		cfg.Database.Path = p
	}

	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}

	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}

	if c.Hub.MaxContentLength < 0 || c.Hub.OutboundBuffer < 0 || c.Hub.SnapshotLimit < 0 {
		return fmt.Errorf("hub limits must not be negative")
	}
	if c.Hub.SendRate < 0 || c.Hub.SendBurst < 0 {
		return fmt.Errorf("hub.send_rate and hub.send_burst must not be negative")
	}

	if c.Redis.Enabled && c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required when redis is enabled")
	}

	if c.NATS.Enabled && c.NATS.URL == "" {
		return fmt.Errorf("nats.url is required when nats is enabled")
	}

	switch strings.ToLower(c.Logging.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"hub.store_timeout", cfg.Hub.StoreTimeoutRaw, &cfg.Hub.StoreTimeout},
		{"hub.delivery_timeout", cfg.Hub.DeliveryTimeoutRaw, &cfg.Hub.DeliveryTimeout},
		{"redis.ttl", cfg.Redis.TTLRaw, &cfg.Redis.TTL},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		if d < 0 {
			return fmt.Errorf("%s must not be negative", f.name)
		}
		*f.dst = d
	}

	return nil
}

// WriteYAML writes cfg to path as YAML, creating parent directories.
// The file is readable only by its owner since it holds the JWT secret.
func WriteYAML(path string, cfg *Config) error {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}
