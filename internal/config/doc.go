// Package config handles configuration loading for clarity-kernel.
//
// # Overview
//
// Configuration is loaded from a YAML file with environment variable
// expansion, then CLARITY_* environment variables override individual
// fields. Missing values take defaults.
//
// # Configuration File
//
// Locations, first match wins (see ResolvePath):
//
//  1. The --config flag
//  2. Path from CLARITY_CONFIG environment variable
//  3. $XDG_CONFIG_HOME/clarity/kernel.yaml (~/.config/clarity/kernel.yaml)
//
// With none of these the kernel runs on defaults plus overrides (FromEnv).
//
// # Environment Variables
//
// Values can reference environment variables:
//
//	database:
//	  path: "${STATE_DIRECTORY}/kernel.db"
//
// Individual fields can be overridden without touching the file:
//
//	CLARITY_BUS_HISTORY_SIZE=5000
//	CLARITY_SUPERVISOR_STOP_TIMEOUT=30s
//	CLARITY_SERVER_HTTP_ADDR=:8080
//
// # Configuration Sections
//
//	bus:
//	  history_size: 1000
//	  request_timeout: "5s"
//	  workers:            # per priority; omitted priorities use 3/3/1/1/1
//	    critical: 3
//	    high: 3
//
//	supervisor:
//	  agents_dir: "/etc/clarity/agents"
//	  monitor_interval: "5s"
//	  stop_timeout: "10s"
//	  dedupe_ttl: "5m"
//
//	server:
//	  http_addr: "127.0.0.1:8080"   # introspection API, empty disables
//	  grpc_addr: "127.0.0.1:50051"  # gRPC health, empty disables
//
//	database:
//	  path: "/var/lib/clarity/kernel.db"  # empty disables the agent registry store
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
// # Agent Manifests
//
// Each *.toml file in supervisor.agents_dir describes one agent:
//
//	name = "heartbeat"
//	kind = "heartbeat"
//	auto_start = true
//	permissions = ["read_system_data"]
//
//	[config]
//	interval = "5s"
//
// Unknown top-level keys are rejected.
package config
