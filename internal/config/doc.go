// Package config handles configuration loading for tandem-gateway.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from TANDEM_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/tandem/gateway.yaml
//  3. ~/.config/tandem/gateway.yaml
//
// Files ending in .toml are read as TOML; anything else is YAML. Fields left
// out of the file keep the values from Default.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  jwt_secret: "${TANDEM_JWT_SECRET}"
//
// TANDEM_DB_PATH overrides database.path after the file is read.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	hub:
//	  store_timeout: "5s"
//	  delivery_timeout: "2s"
//	redis:
//	  ttl: "10m"
//
// # Sections
//
//   - server: HTTP listen address
//   - tailscale: optional tsnet listener (HTTPS and Funnel supported)
//   - database: SQLite path
//   - auth: HS256 secret for user tokens
//   - hub: timeouts, content limit, per-session buffer and send rate
//   - redis: optional presence mirror
//   - nats: optional message event stream
//   - logging: level and text/json format
package config
