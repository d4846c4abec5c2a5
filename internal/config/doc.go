// Package config handles configuration loading for fleet-gateway.
//
// Configuration is loaded from YAML files with environment variable
// expansion (${VAR_NAME} syntax). Duration values use Go's
// time.ParseDuration syntax:
//
//	server:
//	  listen_addr: "0.0.0.0:8420"
//	database:
//	  path: "/var/lib/fleet/gateway.db"
//	auth:
//	  jwt_secret: "${FLEET_JWT_SECRET}"
//	  handshake_window: "30s"
//	  rate_limit_per_second: 1
//	  rate_limit_burst: 5
//	agents:
//	  heartbeat_interval: "30s"
//	  heartbeat_timeout: "90s"
//	  token_rotation_every: "720h"
//	  token_grace_period: "5m"
//	  registration_code_ttl: "15m"
//	  latest_version: "1.4.2"
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
// Every timing knob has a default; only listen_addr and database.path
// are required.
package config
