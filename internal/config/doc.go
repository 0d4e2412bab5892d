// Package config handles configuration loading for coven-signal.
//
// # Overview
//
// Configuration is loaded from a YAML or TOML file with environment variable
// expansion, or from the environment alone. Every field has a default.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from COVEN_SIGNAL_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/coven/signal.yaml
//  3. ~/.config/coven/signal.yaml
//
// A path ending in .toml is decoded as TOML with the same keys.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  secret: "${COVEN_SIGNAL_SECRET}"
//
// # Environment Overrides
//
// These variables win over file values when set:
//
//	SIGNAL_GATEWAY_PORT   server.http_addr port
//	SIGNAL_DAEMON_URL     daemon.url
//	SIGNAL_CLI_PATH       daemon.binary
//	SIGNAL_AUTO_START     daemon.auto_start
//	SIGNAL_SESSIONS_DIR   daemon.config_dir
//	SIGNAL_ACCOUNT        account.number
//	COVEN_SIGNAL_SECRET   auth.secret
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	pairing:
//	  ttl: "10m"
//	stream:
//	  reconnect_delay: "5s"
//
// # Validation
//
// Validate reports the first problem found. auth.secret is the only field
// without a usable default.
package config
