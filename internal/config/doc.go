// ABOUTME: Package config loads conclave's YAML configuration
// ABOUTME: Expands ${ENV} references, parses durations, fills defaults, and validates

// Package config handles configuration loading for conclave.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from CONCLAVE_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/conclave/config.yaml
//  3. ~/.config/conclave/config.yaml
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	llm:
//	  api_key: "${OPENAI_API_KEY}"
//
// Unset variables expand to the empty string.
//
// # Configuration Sections
//
// Server settings:
//
//	server:
//	  http_addr: "0.0.0.0:8080"   # JSON API, attachments, health, metrics
//	  grpc_addr: "0.0.0.0:50051"  # gRPC health service (optional)
//	  send_rate: 20               # message/send per second, 0 = unlimited
//	  send_burst: 40
//
// Agent registrations survive restarts when a database is configured:
//
//	database:
//	  path: "/var/lib/conclave/agents.db"
//
// Agents:
//
//	agents:
//	  discovery_timeout: "10s"
//	  bootstrap:
//	    - "http://localhost:10000"
//
// Host:
//
//	host:
//	  mode: "live"       # live, fake
//	  policy: "keyword"  # keyword, llm
//	  max_in_flight: 256
//	  keyword_threshold: 2
//
//	llm:
//	  base_url: "https://api.openai.com/v1"
//	  api_key: "${OPENAI_API_KEY}"
//	  model: "gpt-4o-mini"
//
// Attachments:
//
//	attachments:
//	  backend: "redis"  # memory, redis
//	  redis:
//	    addr: "localhost:6379"
//	    prefix: "conclave:attachment:"
//
// Tailscale:
//
//	tailscale:
//	  enabled: false
//	  hostname: "conclave"
//	  auth_key: "${TS_AUTHKEY}"
//	  funnel: false
//
// Logging, metrics, and tracing:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//	metrics:
//	  enabled: true
//	  path: "/metrics"
//	tracing:
//	  enabled: false
//	  sample_ratio: 1.0
package config
