// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML and TOML loading, env var expansion, defaults and validation

package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func TestLoad_ValidYAML(t *testing.T) {
	path := writeConfig(t, "warden.yaml", `
server:
  http_addr: "0.0.0.0:8090"
  grpc_addr: "0.0.0.0:8091"

database:
  driver: "sqlite"
  path: "./test.db"
  timeout: "2s"

agents:
  heartbeat_interval: "30s"
  missed_threshold: 4
  static:
    - id: "indexer-1"
      name: "indexer"
      capabilities: ["index", "embed"]
      metadata:
        zone: "eu"

coordinator:
  monitor_interval: "10s"
  health_window: "30m"

health:
  critical_threshold: 55

recovery:
  max_attempts: 5
  verify_timeout: "45s"
  webhook_url: "https://ops.example.com/hook"

logging:
  level: "debug"
  format: "json"

metrics:
  enabled: true
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.GRPCAddr != "0.0.0.0:8091" {
		t.Errorf("Server.GRPCAddr = %q, want %q", cfg.Server.GRPCAddr, "0.0.0.0:8091")
	}
	if cfg.Database.Timeout != 2*time.Second {
		t.Errorf("Database.Timeout = %v, want %v", cfg.Database.Timeout, 2*time.Second)
	}
	if cfg.Agents.HeartbeatInterval != 30*time.Second {
		t.Errorf("Agents.HeartbeatInterval = %v, want %v", cfg.Agents.HeartbeatInterval, 30*time.Second)
	}
	if cfg.Agents.MissedThreshold != 4 {
		t.Errorf("Agents.MissedThreshold = %d, want 4", cfg.Agents.MissedThreshold)
	}
	// Emergency defaults to twice the silence threshold (4 x 30s).
	if cfg.Agents.EmergencyThreshold != 4*time.Minute {
		t.Errorf("Agents.EmergencyThreshold = %v, want %v", cfg.Agents.EmergencyThreshold, 4*time.Minute)
	}
	if len(cfg.Agents.Static) != 1 || cfg.Agents.Static[0].Metadata["zone"] != "eu" {
		t.Errorf("Agents.Static = %+v, want one agent in zone eu", cfg.Agents.Static)
	}
	if cfg.Coordinator.MonitorInterval != 10*time.Second {
		t.Errorf("Coordinator.MonitorInterval = %v, want %v", cfg.Coordinator.MonitorInterval, 10*time.Second)
	}
	if cfg.Coordinator.OptimizeInterval != 5*time.Minute {
		t.Errorf("Coordinator.OptimizeInterval = %v, want default %v", cfg.Coordinator.OptimizeInterval, 5*time.Minute)
	}
	if cfg.Health.CriticalThreshold != 55 {
		t.Errorf("Health.CriticalThreshold = %v, want 55", cfg.Health.CriticalThreshold)
	}
	if cfg.Health.TargetResponseMS != 500 {
		t.Errorf("Health.TargetResponseMS = %v, want default 500", cfg.Health.TargetResponseMS)
	}
	if cfg.Recovery.MaxAttempts != 5 || cfg.Recovery.VerifyTimeout != 45*time.Second {
		t.Errorf("Recovery = %+v, want 5 attempts and 45s verify timeout", cfg.Recovery)
	}
	if cfg.Metrics.Path != "/metrics" {
		t.Errorf("Metrics.Path = %q, want %q", cfg.Metrics.Path, "/metrics")
	}
}

func TestLoad_ValidTOML(t *testing.T) {
	path := writeConfig(t, "warden.toml", `
[server]
http_addr = "127.0.0.1:9000"

[database]
driver = "redis"
redis_addr = "localhost:6379"
redis_db = 2
namespace = "staging"

[agents]
heartbeat_interval = "15s"

[[agents.static]]
id = "a1"
name = "crawler"

[logging]
format = "json"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Database.Driver != DriverRedis || cfg.Database.RedisDB != 2 || cfg.Database.Namespace != "staging" {
		t.Errorf("Database = %+v, want redis db 2 in namespace staging", cfg.Database)
	}
	if cfg.Database.Path != "" {
		t.Errorf("Database.Path = %q, want empty for redis", cfg.Database.Path)
	}
	if cfg.Agents.HeartbeatInterval != 15*time.Second {
		t.Errorf("Agents.HeartbeatInterval = %v, want %v", cfg.Agents.HeartbeatInterval, 15*time.Second)
	}
	if cfg.Recovery.VerifyTimeout != 30*time.Second {
		t.Errorf("Recovery.VerifyTimeout = %v, want twice the heartbeat interval", cfg.Recovery.VerifyTimeout)
	}
	if len(cfg.Agents.Static) != 1 || cfg.Agents.Static[0].Name != "crawler" {
		t.Errorf("Agents.Static = %+v, want crawler", cfg.Agents.Static)
	}
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	t.Setenv("TEST_WARDEN_SECRET", "0123456789abcdef0123456789abcdef")
	t.Setenv("TEST_WARDEN_DB", "/tmp/from-env.db")

	path := writeConfig(t, "warden.yaml", `
database:
  path: "${TEST_WARDEN_DB}"
auth:
  jwt_secret: "${TEST_WARDEN_SECRET}"
recovery:
  webhook_url: "${TEST_WARDEN_UNSET}"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Database.Path != "/tmp/from-env.db" {
		t.Errorf("Database.Path = %q, want %q", cfg.Database.Path, "/tmp/from-env.db")
	}
	if cfg.Auth.JWTSecret != "0123456789abcdef0123456789abcdef" {
		t.Errorf("Auth.JWTSecret = %q, want value from env", cfg.Auth.JWTSecret)
	}
	if cfg.Recovery.WebhookURL != "" {
		t.Errorf("Recovery.WebhookURL = %q, want empty for unset variable", cfg.Recovery.WebhookURL)
	}
}

func TestDefault(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default().Validate() error = %v", err)
	}
	if cfg.Database.Driver != DriverSQLite || cfg.Database.Path != "warden.db" {
		t.Errorf("Database = %+v, want sqlite at warden.db", cfg.Database)
	}
	if cfg.Agents.HeartbeatInterval != time.Minute || cfg.Agents.MissedThreshold != 3 {
		t.Errorf("Agents = %+v, want 60s x 3", cfg.Agents)
	}
	if cfg.Agents.EmergencyThreshold != 6*time.Minute {
		t.Errorf("Agents.EmergencyThreshold = %v, want 6m", cfg.Agents.EmergencyThreshold)
	}
}

func TestValidate_Failures(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantMsg string
	}{
		{
			name:    "unknown driver",
			content: "database:\n  driver: postgres\n",
			wantMsg: "database.driver",
		},
		{
			name:    "redis without address",
			content: "database:\n  driver: redis\n",
			wantMsg: "database.redis_addr",
		},
		{
			name:    "emergency shorter than silence",
			content: "agents:\n  heartbeat_interval: 60s\n  emergency_threshold: 1m\n",
			wantMsg: "agents.emergency_threshold",
		},
		{
			name:    "critical threshold out of range",
			content: "health:\n  critical_threshold: 140\n",
			wantMsg: "health.critical_threshold",
		},
		{
			name:    "short jwt secret",
			content: "auth:\n  jwt_secret: tiny\n",
			wantMsg: "auth.jwt_secret",
		},
		{
			name:    "duplicate static agents",
			content: "agents:\n  static:\n    - {id: a1, name: x}\n    - {id: a1, name: y}\n",
			wantMsg: "duplicate id",
		},
		{
			name:    "bad log level",
			content: "logging:\n  level: loud\n",
			wantMsg: "logging.level",
		},
		{
			name:    "webhook scheme",
			content: "recovery:\n  webhook_url: ftp://ops\n",
			wantMsg: "recovery.webhook_url",
		},
		{
			name:    "negative duration",
			content: "agents:\n  heartbeat_interval: -5s\n",
			wantMsg: "must be positive",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.content), false)
			if err == nil {
				t.Fatal("Parse() should have failed")
			}
			if !errors.Is(err, ErrConfiguration) {
				t.Errorf("Parse() error = %v, want ErrConfiguration", err)
			}
			if !strings.Contains(err.Error(), tt.wantMsg) {
				t.Errorf("Parse() error = %v, want it to mention %q", err, tt.wantMsg)
			}
		})
	}
}

func TestLoad_Errors(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Load() should fail for a missing file")
	}

	path := writeConfig(t, "bad.yaml", "server: [unterminated")
	if _, err := Load(path); err == nil {
		t.Error("Load() should fail for malformed YAML")
	}

	path = writeConfig(t, "bad.toml", "[server\nhttp_addr = 1")
	if _, err := Load(path); err == nil {
		t.Error("Load() should fail for malformed TOML")
	}

	path = writeConfig(t, "bad-duration.yaml", "agents:\n  heartbeat_interval: soon\n")
	if _, err := Load(path); !errors.Is(err, ErrConfiguration) {
		t.Errorf("Load() error = %v, want ErrConfiguration", err)
	}
}

func TestDefaultPath(t *testing.T) {
	t.Setenv("WARDEN_CONFIG", "/etc/warden/custom.yaml")
	if got := DefaultPath(); got != "/etc/warden/custom.yaml" {
		t.Errorf("DefaultPath() = %q, want env override", got)
	}

	t.Setenv("WARDEN_CONFIG", "")
	t.Setenv("XDG_CONFIG_HOME", "/xdg")
	if got := DefaultPath(); got != filepath.Join("/xdg", "coven", "warden.yaml") {
		t.Errorf("DefaultPath() = %q, want XDG location", got)
	}
}
