// Package config handles configuration loading for coven-concierge.
//
// # Overview
//
// Configuration is loaded from YAML or TOML files with environment variable
// expansion. The file extension picks the decoder: .toml is TOML, anything
// else is YAML. Missing values get defaults and the result is validated.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from COVEN_CONCIERGE_CONFIG environment variable
//  2. ./config.yaml (current directory)
//  3. ~/.config/coven/concierge.yaml
//
// # Environment Variable Expansion
//
//	database:
//	  path: "${CONCIERGE_DB_PATH}"
//
// Unset variables expand to the empty string.
//
// # Configuration Sections
//
//	server:
//	  http_addr: "127.0.0.1:8090"
//
//	database:
//	  path: "/var/lib/coven/concierge.db"
//
//	coordinator:
//	  intent_confidence_threshold: 0.7
//	  result_timeout: "30s"
//	  sweep_interval: "5s"
//	  routes:
//	    track_order: TASK_HANDLE_ORDER_TRACKING
//
//	agents:
//	  disabled: [account]
//
//	dedupe:
//	  ttl: "10m"
//	  max_size: 10000
//
//	logging:
//	  level: "info"    # debug, info, warn, error
//	  format: "text"   # text, json
//
//	metrics:
//	  enabled: true
//	  path: "/metrics"
//
// Routes may only target the business task topics. An empty routes table
// keeps the built-in one.
package config
