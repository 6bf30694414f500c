// ABOUTME: Configuration loading and parsing for coven-warden
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// ErrConfiguration wraps every validation failure.
var ErrConfiguration = errors.New("invalid configuration")

// Config represents the complete coven-warden configuration
type Config struct {
	Server      ServerConfig      `yaml:"server" toml:"server"`
	Database    DatabaseConfig    `yaml:"database" toml:"database"`
	Agents      AgentsConfig      `yaml:"agents" toml:"agents"`
	Coordinator CoordinatorConfig `yaml:"coordinator" toml:"coordinator"`
	Health      HealthConfig      `yaml:"health" toml:"health"`
	Recovery    RecoveryConfig    `yaml:"recovery" toml:"recovery"`
	Auth        AuthConfig        `yaml:"auth" toml:"auth"`
	Logging     LoggingConfig     `yaml:"logging" toml:"logging"`
	Metrics     MetricsConfig     `yaml:"metrics" toml:"metrics"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
	// GRPCAddr serves grpc.health.v1; empty disables it.
	GRPCAddr string `yaml:"grpc_addr" toml:"grpc_addr"`
}

// Store drivers
const (
	DriverSQLite    = "sqlite"  // modernc.org/sqlite, pure Go
	DriverSQLiteCgo = "sqlite3" // github.com/mattn/go-sqlite3
	DriverRedis     = "redis"
)

// DatabaseConfig selects and tunes the state store
type DatabaseConfig struct {
	Driver        string `yaml:"driver" toml:"driver"`
	Path          string `yaml:"path" toml:"path"`
	RedisAddr     string `yaml:"redis_addr" toml:"redis_addr"`
	RedisPassword string `yaml:"redis_password" toml:"redis_password"`
	RedisDB       int    `yaml:"redis_db" toml:"redis_db"`
	Namespace     string `yaml:"namespace" toml:"namespace"`
	Retries       int    `yaml:"retries" toml:"retries"`

	Timeout       time.Duration `yaml:"-" toml:"-"`
	RetryInterval time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	TimeoutRaw       string `yaml:"timeout" toml:"timeout"`
	RetryIntervalRaw string `yaml:"retry_interval" toml:"retry_interval"`
}

// StaticAgent is an agent registered at startup, before serving.
type StaticAgent struct {
	ID           string            `yaml:"id" toml:"id"`
	Name         string            `yaml:"name" toml:"name"`
	Capabilities []string          `yaml:"capabilities" toml:"capabilities"`
	Metadata     map[string]string `yaml:"metadata" toml:"metadata"`
}

// AgentsConfig holds agent liveness timing
type AgentsConfig struct {
	MissedThreshold int           `yaml:"missed_threshold" toml:"missed_threshold"`
	Static          []StaticAgent `yaml:"static" toml:"static"`

	HeartbeatInterval  time.Duration `yaml:"-" toml:"-"`
	EmergencyThreshold time.Duration `yaml:"-" toml:"-"`
	HeartbeatRetention time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	HeartbeatIntervalRaw  string `yaml:"heartbeat_interval" toml:"heartbeat_interval"`
	EmergencyThresholdRaw string `yaml:"emergency_threshold" toml:"emergency_threshold"`
	HeartbeatRetentionRaw string `yaml:"heartbeat_retention" toml:"heartbeat_retention"`
}

// CoordinatorConfig holds background loop timing
type CoordinatorConfig struct {
	MonitorInterval  time.Duration `yaml:"-" toml:"-"`
	OptimizeInterval time.Duration `yaml:"-" toml:"-"`
	HealthWindow     time.Duration `yaml:"-" toml:"-"`

	MonitorIntervalRaw  string `yaml:"monitor_interval" toml:"monitor_interval"`
	OptimizeIntervalRaw string `yaml:"optimize_interval" toml:"optimize_interval"`
	HealthWindowRaw     string `yaml:"health_window" toml:"health_window"`
}

// HealthConfig tunes health scoring
type HealthConfig struct {
	CriticalThreshold float64 `yaml:"critical_threshold" toml:"critical_threshold"`
	TargetResponseMS  float64 `yaml:"target_response_ms" toml:"target_response_ms"`
}

// RecoveryConfig bounds automated recovery and names the escalation channel
type RecoveryConfig struct {
	MaxAttempts int    `yaml:"max_attempts" toml:"max_attempts"`
	WebhookURL  string `yaml:"webhook_url" toml:"webhook_url"`

	VerifyTimeout  time.Duration `yaml:"-" toml:"-"`
	WebhookTimeout time.Duration `yaml:"-" toml:"-"`

	VerifyTimeoutRaw  string `yaml:"verify_timeout" toml:"verify_timeout"`
	WebhookTimeoutRaw string `yaml:"webhook_timeout" toml:"webhook_timeout"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	// JWTSecret enables bearer auth on /api when set.
	JWTSecret string `yaml:"jwt_secret" toml:"jwt_secret"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Path    string `yaml:"path" toml:"path"`
}

// DefaultPath returns the config file location.
// Priority: WARDEN_CONFIG env var > XDG_CONFIG_HOME/coven/warden.yaml > ~/.config/coven/warden.yaml
func DefaultPath() string {
	if envPath := os.Getenv("WARDEN_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "warden.yaml"
		}
		configDir = filepath.Join(homeDir, ".config")
	}
	return filepath.Join(configDir, "coven", "warden.yaml")
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data, strings.EqualFold(filepath.Ext(path), ".toml"))
}

// Parse decodes raw configuration, applies defaults and validates the result.
func Parse(data []byte, isTOML bool) (*Config, error) {
	expanded := expandEnvVars(string(data))

	var cfg Config
	if isTOML {
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("%w: parsing durations: %w", ErrConfiguration, err)
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &cfg, nil
}

// Default returns a configuration with every default applied and an
// on-disk SQLite store under the working directory.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

func (c *Config) applyDefaults() {
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = "127.0.0.1:8090"
	}
	if c.Database.Driver == "" {
		c.Database.Driver = DriverSQLite
	}
	if c.Database.Path == "" && c.Database.Driver != DriverRedis {
		c.Database.Path = "warden.db"
	}
	if c.Database.Namespace == "" {
		c.Database.Namespace = "warden"
	}
	if c.Database.Timeout == 0 {
		c.Database.Timeout = 5 * time.Second
	}
	if c.Database.RetryInterval == 0 {
		c.Database.RetryInterval = 5 * time.Second
	}
	if c.Database.Retries == 0 {
		c.Database.Retries = 3
	}
	if c.Agents.HeartbeatInterval == 0 {
		c.Agents.HeartbeatInterval = 60 * time.Second
	}
	if c.Agents.MissedThreshold == 0 {
		c.Agents.MissedThreshold = 3
	}
	if c.Agents.EmergencyThreshold == 0 {
		silent := c.Agents.HeartbeatInterval * time.Duration(c.Agents.MissedThreshold)
		c.Agents.EmergencyThreshold = 2 * silent
	}
	if c.Agents.HeartbeatRetention == 0 {
		c.Agents.HeartbeatRetention = 24 * time.Hour
	}
	if c.Coordinator.MonitorInterval == 0 {
		c.Coordinator.MonitorInterval = 30 * time.Second
	}
	if c.Coordinator.OptimizeInterval == 0 {
		c.Coordinator.OptimizeInterval = 5 * time.Minute
	}
	if c.Coordinator.HealthWindow == 0 {
		c.Coordinator.HealthWindow = time.Hour
	}
	if c.Health.CriticalThreshold == 0 {
		c.Health.CriticalThreshold = 60
	}
	if c.Health.TargetResponseMS == 0 {
		c.Health.TargetResponseMS = 500
	}
	if c.Recovery.MaxAttempts == 0 {
		c.Recovery.MaxAttempts = 3
	}
	if c.Recovery.VerifyTimeout == 0 {
		c.Recovery.VerifyTimeout = 2 * c.Agents.HeartbeatInterval
	}
	if c.Recovery.WebhookTimeout == 0 {
		c.Recovery.WebhookTimeout = 10 * time.Second
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// Validate checks that all configuration fields are present and valid.
// Returns an ErrConfiguration error describing the first failure encountered.
func (c *Config) Validate() error {
	fail := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", ErrConfiguration, fmt.Sprintf(format, args...))
	}

	if c.Server.HTTPAddr == "" {
		return fail("server.http_addr is required")
	}

	switch c.Database.Driver {
	case DriverSQLite, DriverSQLiteCgo:
		if c.Database.Path == "" {
			return fail("database.path is required for driver %q", c.Database.Driver)
		}
	case DriverRedis:
		if c.Database.RedisAddr == "" {
			return fail("database.redis_addr is required for driver %q", c.Database.Driver)
		}
	default:
		return fail("database.driver must be one of sqlite, sqlite3, redis (got %q)", c.Database.Driver)
	}
	if c.Database.Retries < 0 {
		return fail("database.retries must not be negative")
	}

	if c.Agents.HeartbeatInterval <= 0 {
		return fail("agents.heartbeat_interval must be positive")
	}
	if c.Agents.MissedThreshold < 1 {
		return fail("agents.missed_threshold must be at least 1")
	}
	silent := c.Agents.HeartbeatInterval * time.Duration(c.Agents.MissedThreshold)
	if c.Agents.EmergencyThreshold < silent {
		return fail("agents.emergency_threshold (%s) must not be shorter than the silence threshold (%s)", c.Agents.EmergencyThreshold, silent)
	}

	seen := make(map[string]bool, len(c.Agents.Static))
	for i, a := range c.Agents.Static {
		if a.ID == "" || a.Name == "" {
			return fail("agents.static[%d] needs id and name", i)
		}
		if seen[a.ID] {
			return fail("agents.static has duplicate id %q", a.ID)
		}
		seen[a.ID] = true
	}

	if c.Coordinator.HealthWindow < c.Agents.HeartbeatInterval {
		return fail("coordinator.health_window must cover at least one heartbeat interval")
	}
	if c.Health.CriticalThreshold < 0 || c.Health.CriticalThreshold > 100 {
		return fail("health.critical_threshold must be within 0..100")
	}
	if c.Health.TargetResponseMS < 0 {
		return fail("health.target_response_ms must not be negative")
	}
	if c.Recovery.MaxAttempts < 1 {
		return fail("recovery.max_attempts must be at least 1")
	}
	if c.Recovery.WebhookURL != "" && !strings.HasPrefix(c.Recovery.WebhookURL, "http://") && !strings.HasPrefix(c.Recovery.WebhookURL, "https://") {
		return fail("recovery.webhook_url must use http or https scheme")
	}

	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < 32 {
		return fail("auth.jwt_secret must be at least 32 bytes")
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fail("logging.level must be debug, info, warn or error")
	}
	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		return fail("logging.format must be text or json")
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
		{"database.timeout", cfg.Database.TimeoutRaw, &cfg.Database.Timeout},
		{"database.retry_interval", cfg.Database.RetryIntervalRaw, &cfg.Database.RetryInterval},
		{"agents.heartbeat_interval", cfg.Agents.HeartbeatIntervalRaw, &cfg.Agents.HeartbeatInterval},
		{"agents.emergency_threshold", cfg.Agents.EmergencyThresholdRaw, &cfg.Agents.EmergencyThreshold},
		{"agents.heartbeat_retention", cfg.Agents.HeartbeatRetentionRaw, &cfg.Agents.HeartbeatRetention},
		{"coordinator.monitor_interval", cfg.Coordinator.MonitorIntervalRaw, &cfg.Coordinator.MonitorInterval},
		{"coordinator.optimize_interval", cfg.Coordinator.OptimizeIntervalRaw, &cfg.Coordinator.OptimizeInterval},
		{"coordinator.health_window", cfg.Coordinator.HealthWindowRaw, &cfg.Coordinator.HealthWindow},
		{"recovery.verify_timeout", cfg.Recovery.VerifyTimeoutRaw, &cfg.Recovery.VerifyTimeout},
		{"recovery.webhook_timeout", cfg.Recovery.WebhookTimeoutRaw, &cfg.Recovery.WebhookTimeout},
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
