// Package config handles configuration loading for switchboard.
//
// # Overview
//
// Configuration is loaded from a YAML file with environment variable
// expansion. Missing sections fall back to defaults that suit local
// development.
//
// # Environment Variable Expansion
//
// Values can reference environment variables:
//
//	auth:
//	  jwt_secret: "${SWITCHBOARD_JWT_SECRET}"
//
// Syntax: ${VAR_NAME} or $VAR_NAME
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	sessions:
//	  handshake_timeout: "10s"
//	  liveness_timeout: "90s"
//	  correlation_deadline: "30s"
//
// # Configuration Sections
//
// Server:
//
//	server:
//	  listen_addr: "localhost:8080"
//	  ws_path: "/ws"
//
// Authentication:
//
//	auth:
//	  jwt_secret: "${SWITCHBOARD_JWT_SECRET}"
//	  directory_url: "http://localhost:9090"   # optional identity directory
//	  directory_timeout: "3s"
//
// Audit trail:
//
//	audit:
//	  path: "/var/lib/switchboard/audit.db"
//
// Session timing:
//
//	sessions:
//	  queue_capacity: 64
//	  handshake_timeout: "10s"
//	  liveness_timeout: "90s"
//	  liveness_sweep_interval: "15s"
//	  drain_timeout: "5s"
//	  correlation_deadline: "30s"
//	  correlation_sweep_interval: "1s"
//	  enqueue_timeout: "5s"
//
// Backpressure policy per message type:
//
//	delivery:
//	  backpressure:
//	    chat: "block-with-timeout"
//	    status: "drop-oldest"
//
// Tailscale:
//
//	tailscale:
//	  enabled: false
//	  hostname: "switchboard"
//	  auth_key: "${TS_AUTHKEY}"
//	  ephemeral: false
//
// Logging and metrics:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//	metrics:
//	  enabled: true
//	  path: "/metrics"
//
// # Validation
//
// Load() validates duration formats, the backpressure policy names, the
// listener address, and the audit path.
package config
