// Package config handles configuration loading for coven-warden.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from WARDEN_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/coven/warden.yaml
//  3. ~/.config/coven/warden.yaml
//
// Files ending in .toml are decoded as TOML; anything else is YAML. Both
// formats share the same keys.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  jwt_secret: "${WARDEN_JWT_SECRET}"
//
// Unset variables expand to the empty string.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax and must be positive:
//
//	agents:
//	  heartbeat_interval: "60s"
//	  missed_threshold: 3        # SILENT after 3 missed intervals
//	  emergency_threshold: "6m"  # recovery for agents silent this long
//
// # Example
//
//	server:
//	  http_addr: "0.0.0.0:8090"
//	  grpc_addr: "0.0.0.0:8091"
//
//	database:
//	  driver: "sqlite"          # sqlite | sqlite3 | redis
//	  path: "/var/lib/warden/warden.db"
//	  timeout: "5s"
//
//	agents:
//	  heartbeat_interval: "60s"
//	  static:
//	    - id: "indexer-1"
//	      name: "indexer"
//	      capabilities: ["index"]
//
//	recovery:
//	  max_attempts: 3
//	  webhook_url: "https://ops.example.com/hooks/warden"
//
//	logging:
//	  level: "info"
//	  format: "json"
//
// Every missing value gets a default; see applyDefaults. Validation failures
// wrap ErrConfiguration.
package config
