// ABOUTME: Configuration loading and parsing for coven-signal
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Config represents the complete coven-signal configuration
type Config struct {
	Server       ServerConfig       `yaml:"server" toml:"server"`
	Daemon       DaemonConfig       `yaml:"daemon" toml:"daemon"`
	Account      AccountConfig      `yaml:"account" toml:"account"`
	Auth         AuthConfig         `yaml:"auth" toml:"auth"`
	Storage      StorageConfig      `yaml:"storage" toml:"storage"`
	Pairing      PairingConfig      `yaml:"pairing" toml:"pairing"`
	Conversation ConversationConfig `yaml:"conversation" toml:"conversation"`
	Dedupe       DedupeConfig       `yaml:"dedupe" toml:"dedupe"`
	Stream       StreamConfig       `yaml:"stream" toml:"stream"`
	Messages     MessagesConfig     `yaml:"messages" toml:"messages"`
	RateLimit    RateLimitConfig    `yaml:"ratelimit" toml:"ratelimit"`
	Agents       AgentsConfig       `yaml:"agents" toml:"agents"`
	Logging      LoggingConfig      `yaml:"logging" toml:"logging"`
}

// ServerConfig holds the control API listen address
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
}

// DaemonConfig describes how to reach or start signal-cli
type DaemonConfig struct {
	URL       string `yaml:"url" toml:"url"`
	Binary    string `yaml:"binary" toml:"binary"`
	AutoStart bool   `yaml:"auto_start" toml:"auto_start"`
	ConfigDir string `yaml:"config_dir" toml:"config_dir"`
	Host      string `yaml:"host" toml:"host"`
	Port      int    `yaml:"port" toml:"port"`

	StartupTimeout time.Duration `yaml:"-" toml:"-"`
	ProbeInterval  time.Duration `yaml:"-" toml:"-"`
	ShutdownGrace  time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	StartupTimeoutRaw string `yaml:"startup_timeout" toml:"startup_timeout"`
	ProbeIntervalRaw  string `yaml:"probe_interval" toml:"probe_interval"`
	ShutdownGraceRaw  string `yaml:"shutdown_grace" toml:"shutdown_grace"`
}

// AccountConfig identifies the gateway's own Signal account
type AccountConfig struct {
	Number   string `yaml:"number" toml:"number"`
	Instance string `yaml:"instance" toml:"instance"`
}

// AuthConfig holds the shared signing and encryption secret
type AuthConfig struct {
	Secret   string `yaml:"secret" toml:"secret"`
	Audience string `yaml:"audience" toml:"audience"`
	Issuer   string `yaml:"issuer" toml:"issuer"`
}

// StorageConfig selects where contact mappings are persisted
type StorageConfig struct {
	Backend string `yaml:"backend" toml:"backend"`
	Path    string `yaml:"path" toml:"path"`
}

// PairingConfig controls pairing codes
type PairingConfig struct {
	TTL        time.Duration `yaml:"-" toml:"-"`
	TTLRaw     string        `yaml:"ttl" toml:"ttl"`
	CodeLength int           `yaml:"code_length" toml:"code_length"`
}

// ConversationConfig bounds per-contact history
type ConversationConfig struct {
	Timeout    time.Duration `yaml:"-" toml:"-"`
	TimeoutRaw string        `yaml:"timeout" toml:"timeout"`
	MaxEntries int           `yaml:"max_entries" toml:"max_entries"`
}

// DedupeConfig bounds the duplicate-delivery set
type DedupeConfig struct {
	TTL     time.Duration `yaml:"-" toml:"-"`
	TTLRaw  string        `yaml:"ttl" toml:"ttl"`
	MaxSize int           `yaml:"max_size" toml:"max_size"`
}

// StreamConfig controls the inbound event stream
type StreamConfig struct {
	ReconnectDelay    time.Duration `yaml:"-" toml:"-"`
	ReconnectDelayRaw string        `yaml:"reconnect_delay" toml:"reconnect_delay"`
}

// MessagesConfig controls outbound replies
type MessagesConfig struct {
	MaxLength int  `yaml:"max_length" toml:"max_length"`
	PlainText bool `yaml:"plain_text" toml:"plain_text"`
	Typing    bool `yaml:"typing" toml:"typing"`
	Receipts  bool `yaml:"receipts" toml:"receipts"`
}

// RateLimitConfig limits inbound messages per contact
type RateLimitConfig struct {
	PerMinute int `yaml:"per_minute" toml:"per_minute"`
	Burst     int `yaml:"burst" toml:"burst"`
}

// AgentsConfig holds the agent backend settings
type AgentsConfig struct {
	Default    string        `yaml:"default" toml:"default"`
	Endpoint   string        `yaml:"endpoint" toml:"endpoint"`
	Enabled    []string      `yaml:"enabled" toml:"enabled"`
	Timeout    time.Duration `yaml:"-" toml:"-"`
	TimeoutRaw string        `yaml:"timeout" toml:"timeout"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	return &Config{
		Server: ServerConfig{HTTPAddr: ":8787"},
		Daemon: DaemonConfig{
			Binary:         "signal-cli",
			Host:           "127.0.0.1",
			StartupTimeout: 30 * time.Second,
			ProbeInterval:  500 * time.Millisecond,
			ShutdownGrace:  5 * time.Second,
		},
		Auth:         AuthConfig{Audience: "coven", Issuer: "coven-app"},
		Storage:      StorageConfig{Backend: "file"},
		Pairing:      PairingConfig{TTL: 10 * time.Minute, CodeLength: 6},
		Conversation: ConversationConfig{Timeout: 30 * time.Minute, MaxEntries: 20},
		Dedupe:       DedupeConfig{TTL: 5 * time.Minute, MaxSize: 10000},
		Stream:       StreamConfig{ReconnectDelay: 5 * time.Second},
		Messages:     MessagesConfig{MaxLength: 2000, PlainText: true, Typing: true, Receipts: true},
		RateLimit:    RateLimitConfig{PerMinute: 20, Burst: 5},
		Agents:       AgentsConfig{Endpoint: "http://127.0.0.1:8080", Timeout: 60 * time.Second},
		Logging:      LoggingConfig{Level: "info", Format: "text"},
	}
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, anything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded, and the
// SIGNAL_* / COVEN_SIGNAL_* variables override file values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw content
	expanded := expandEnvVars(string(data))

	cfg := Default()
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expanded, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	return finish(cfg, os.LookupEnv)
}

// FromEnv builds a configuration from defaults and environment variables only.
func FromEnv() (*Config, error) {
	return finish(Default(), os.LookupEnv)
}

func finish(cfg *Config, lookup func(string) (string, bool)) (*Config, error) {
	// Parse duration fields
	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := applyEnv(cfg, lookup); err != nil {
		return nil, fmt.Errorf("applying environment: %w", err)
	}

	if cfg.Storage.Path == "" {
		cfg.Storage.Path = defaultStoragePath(cfg.Storage.Backend)
	}

	// Validate required fields
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

// applyEnv applies the deployment environment variables on top of the file.
func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	if port, ok := lookup("SIGNAL_GATEWAY_PORT"); ok && port != "" {
		if _, err := strconv.Atoi(port); err != nil {
			return fmt.Errorf("SIGNAL_GATEWAY_PORT %q is not a port number", port)
		}
		host, _, err := net.SplitHostPort(cfg.Server.HTTPAddr)
		if err != nil {
			host = ""
		}
		cfg.Server.HTTPAddr = net.JoinHostPort(host, port)
	}

	strs := []struct {
		env string
		dst *string
	}{
		{"SIGNAL_DAEMON_URL", &cfg.Daemon.URL},
		{"SIGNAL_CLI_PATH", &cfg.Daemon.Binary},
		{"SIGNAL_SESSIONS_DIR", &cfg.Daemon.ConfigDir},
		{"SIGNAL_ACCOUNT", &cfg.Account.Number},
		{"COVEN_SIGNAL_SECRET", &cfg.Auth.Secret},
	}
	for _, s := range strs {
		if v, ok := lookup(s.env); ok && v != "" {
			*s.dst = v
		}
	}

	if v, ok := lookup("SIGNAL_AUTO_START"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("SIGNAL_AUTO_START %q is not a boolean", v)
		}
		cfg.Daemon.AutoStart = b
	}
	return nil
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Auth.Secret == "" {
		return fmt.Errorf("auth.secret is required (or set COVEN_SIGNAL_SECRET)")
	}

	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}

	if c.Daemon.URL != "" {
		u, err := url.Parse(c.Daemon.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("daemon.url must be an http or https URL")
		}
	}

	if c.Daemon.Port < 0 || c.Daemon.Port > 65535 {
		return fmt.Errorf("daemon.port must be between 0 and 65535")
	}

	switch c.Storage.Backend {
	case "file", "sqlite":
	default:
		return fmt.Errorf("storage.backend must be \"file\" or \"sqlite\", got %q", c.Storage.Backend)
	}

	if c.Pairing.CodeLength < 4 || c.Pairing.CodeLength > 12 {
		return fmt.Errorf("pairing.code_length must be between 4 and 12")
	}

	if c.Conversation.MaxEntries < 1 {
		return fmt.Errorf("conversation.max_entries must be positive")
	}

	if c.Messages.MaxLength < 0 || c.RateLimit.PerMinute < 0 || c.RateLimit.Burst < 0 {
		return fmt.Errorf("messages and ratelimit values must not be negative")
	}

	if c.Agents.Endpoint != "" {
		if _, err := url.Parse(c.Agents.Endpoint); err != nil {
			return fmt.Errorf("agents.endpoint is not a valid URL: %w", err)
		}
	}

	switch strings.ToLower(c.Logging.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format must be \"text\" or \"json\"")
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
		{"daemon.startup_timeout", cfg.Daemon.StartupTimeoutRaw, &cfg.Daemon.StartupTimeout},
		{"daemon.probe_interval", cfg.Daemon.ProbeIntervalRaw, &cfg.Daemon.ProbeInterval},
		{"daemon.shutdown_grace", cfg.Daemon.ShutdownGraceRaw, &cfg.Daemon.ShutdownGrace},
		{"pairing.ttl", cfg.Pairing.TTLRaw, &cfg.Pairing.TTL},
		{"conversation.timeout", cfg.Conversation.TimeoutRaw, &cfg.Conversation.Timeout},
		{"dedupe.ttl", cfg.Dedupe.TTLRaw, &cfg.Dedupe.TTL},
		{"stream.reconnect_delay", cfg.Stream.ReconnectDelayRaw, &cfg.Stream.ReconnectDelay},
		{"agents.timeout", cfg.Agents.TimeoutRaw, &cfg.Agents.Timeout},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %q", f.name, f.raw)
		}
		*f.dst = d
	}

	return nil
}

// defaultStoragePath returns $XDG_DATA_HOME/coven/signal-mappings.{json,db}.
func defaultStoragePath(backend string) string {
	name := "signal-mappings.json"
	if backend == "sqlite" {
		name = "signal-mappings.db"
	}

	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return name
		}
		dataDir = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(dataDir, "coven", name)
}
