// ABOUTME: Configuration loading and parsing for fleet-gateway
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete fleet-gateway configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Auth     AuthConfig     `yaml:"auth"`
	Agents   AgentsConfig   `yaml:"agents"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig holds listener address configuration.
type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr"`

	// TrustProxyHeaders enables reading the client IP from
	// X-Forwarded-For. Only safe behind a proxy that strips or
	// overwrites the header; otherwise clients pick their own
	// rate-limit bucket.
	TrustProxyHeaders bool `yaml:"trust_proxy_headers"`
}

// DatabaseConfig holds database configuration.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AuthConfig holds authentication configuration for the operator API
// and the agent handshake.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`

	// HandshakeWindow is how long a new transport has to present its
	// first register/authenticate frame before being closed.
	HandshakeWindow    time.Duration `yaml:"-"`
	HandshakeWindowRaw string        `yaml:"handshake_window"`

	// RateLimitPerSecond and RateLimitBurst bound handshake attempts
	// per client IP.
	RateLimitPerSecond float64 `yaml:"rate_limit_per_second"`
	RateLimitBurst     int     `yaml:"rate_limit_burst"`
}

// AgentsConfig holds agent-related timing configuration.
type AgentsConfig struct {
	HeartbeatInterval   time.Duration `yaml:"-"`
	HeartbeatTimeout    time.Duration `yaml:"-"`
	TokenRotationEvery  time.Duration `yaml:"-"`
	TokenGracePeriod    time.Duration `yaml:"-"`
	RegistrationCodeTTL time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	HeartbeatIntervalRaw   string `yaml:"heartbeat_interval"`
	HeartbeatTimeoutRaw    string `yaml:"heartbeat_timeout"`
	TokenRotationEveryRaw  string `yaml:"token_rotation_every"`
	TokenGracePeriodRaw    string `yaml:"token_grace_period"`
	RegistrationCodeTTLRaw string `yaml:"registration_code_ttl"`

	// LatestVersion is the agent version this gateway advertises.
	// Agents below it are offered an update.
	LatestVersion string `yaml:"latest_version"`
	ReleaseNotes  string `yaml:"release_notes"`
	UpdateURLBase string `yaml:"update_url_base"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Defaults for every timing knob. Applied when the config file leaves
// the corresponding field empty.
const (
	DefaultHandshakeWindow     = 30 * time.Second
	DefaultHeartbeatInterval   = 30 * time.Second
	DefaultHeartbeatTimeout    = 90 * time.Second
	DefaultTokenRotationEvery  = 30 * 24 * time.Hour
	DefaultTokenGracePeriod    = 5 * time.Minute
	DefaultRegistrationCodeTTL = 15 * time.Minute
	DefaultRateLimitPerSecond  = 1.0
	DefaultRateLimitBurst      = 5
)

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment
// variable values. If the environment variable is not set, it is replaced with
// an empty string.
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
	if c.Server.ListenAddr == "" {
		return fmt.Errorf("server.listen_addr is required")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("auth.jwt_secret must be at least 32 bytes")
	}

	if c.Agents.HeartbeatTimeout < c.Agents.HeartbeatInterval {
		return fmt.Errorf("agents.heartbeat_timeout must be >= agents.heartbeat_interval")
	}

	return nil
}

// applyDefaults fills in every unset timing knob.
func (c *Config) applyDefaults() {
	if c.Auth.HandshakeWindow == 0 {
		c.Auth.HandshakeWindow = DefaultHandshakeWindow
	}
	if c.Auth.RateLimitPerSecond == 0 {
		c.Auth.RateLimitPerSecond = DefaultRateLimitPerSecond
	}
	if c.Auth.RateLimitBurst == 0 {
		c.Auth.RateLimitBurst = DefaultRateLimitBurst
	}
	if c.Agents.HeartbeatInterval == 0 {
		c.Agents.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.Agents.HeartbeatTimeout == 0 {
		c.Agents.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if c.Agents.TokenRotationEvery == 0 {
		c.Agents.TokenRotationEvery = DefaultTokenRotationEvery
	}
	if c.Agents.TokenGracePeriod == 0 {
		c.Agents.TokenGracePeriod = DefaultTokenGracePeriod
	}
	if c.Agents.RegistrationCodeTTL == 0 {
		c.Agents.RegistrationCodeTTL = DefaultRegistrationCodeTTL
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// parseDurations converts the raw duration strings into time.Duration values.
func parseDurations(cfg *Config) error {
	fields := []struct {
		raw  string
		dst  *time.Duration
		name string
	}{
		{cfg.Auth.HandshakeWindowRaw, &cfg.Auth.HandshakeWindow, "handshake_window"},
		{cfg.Agents.HeartbeatIntervalRaw, &cfg.Agents.HeartbeatInterval, "heartbeat_interval"},
		{cfg.Agents.HeartbeatTimeoutRaw, &cfg.Agents.HeartbeatTimeout, "heartbeat_timeout"},
		{cfg.Agents.TokenRotationEveryRaw, &cfg.Agents.TokenRotationEvery, "token_rotation_every"},
		{cfg.Agents.TokenGracePeriodRaw, &cfg.Agents.TokenGracePeriod, "token_grace_period"},
		{cfg.Agents.RegistrationCodeTTLRaw, &cfg.Agents.RegistrationCodeTTL, "registration_code_ttl"},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}

	return nil
}
