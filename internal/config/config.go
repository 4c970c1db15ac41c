// ABOUTME: Configuration loading and parsing for conclave
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Host modes.
const (
	ModeLive = "live"
	ModeFake = "fake"
)

// Routing policies.
const (
	PolicyKeyword = "keyword"
	PolicyLLM     = "llm"
)

// Attachment backends.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// Config represents the complete conclave configuration
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Tailscale   TailscaleConfig   `yaml:"tailscale"`
	Database    DatabaseConfig    `yaml:"database"`
	Agents      AgentsConfig      `yaml:"agents"`
	Host        HostConfig        `yaml:"host"`
	LLM         LLMConfig         `yaml:"llm"`
	Attachments AttachmentsConfig `yaml:"attachments"`
	Logging     LoggingConfig     `yaml:"logging"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Tracing     TracingConfig     `yaml:"tracing"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Hostname  string `yaml:"hostname"`
	AuthKey   string `yaml:"auth_key"`
	StateDir  string `yaml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral"`
	CertFile  string `yaml:"cert_file"` // TLS cert file (generate via: tailscale cert <hostname>)
	KeyFile   string `yaml:"key_file"`
	Funnel    bool   `yaml:"funnel"` // Enable public Funnel (implies HTTPS)
}

// ServerConfig holds listener addresses and the send rate limit
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
	// GRPCAddr serves the gRPC health service. Empty disables it.
	GRPCAddr string `yaml:"grpc_addr"`
	// SendRate is message/send requests per second across all callers. Zero
	// disables limiting.
	SendRate  float64 `yaml:"send_rate"`
	SendBurst int     `yaml:"send_burst"`
}

// DatabaseConfig holds database configuration. An empty path keeps agent
// registrations in memory only.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AgentsConfig holds agent discovery configuration
type AgentsConfig struct {
	DiscoveryTimeout time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	DiscoveryTimeoutRaw string `yaml:"discovery_timeout"`

	// Bootstrap lists agent URLs registered at startup.
	Bootstrap []string `yaml:"bootstrap"`
}

// HostConfig selects the manager variant, routing policy, and dispatch limit
type HostConfig struct {
	Mode             string `yaml:"mode"`
	Policy           string `yaml:"policy"`
	MaxInFlight      int    `yaml:"max_in_flight"` // messages routed at once; more are rejected
	KeywordThreshold int    `yaml:"keyword_threshold"`
}

// LLMConfig holds the OpenAI-compatible endpoint used by the llm policy
type LLMConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
	Model   string `yaml:"model"`
}

// AttachmentsConfig selects where externalized file parts are cached
type AttachmentsConfig struct {
	Backend string      `yaml:"backend"`
	Redis   RedisConfig `yaml:"redis"`
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// TracingConfig controls span export
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	SampleRatio float64 `yaml:"sample_ratio"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse builds a Config from raw YAML.
func Parse(data []byte) (*Config, error) {
	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Parse duration fields
	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	applyDefaults(&cfg)

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func applyDefaults(cfg *Config) {
	if cfg.Host.Mode == "" {
		cfg.Host.Mode = ModeLive
	}
	if cfg.Host.Policy == "" {
		cfg.Host.Policy = PolicyKeyword
	}
	if cfg.Host.MaxInFlight == 0 {
		cfg.Host.MaxInFlight = 256
	}
	if cfg.Agents.DiscoveryTimeout == 0 {
		cfg.Agents.DiscoveryTimeout = 10 * time.Second
	}
	if cfg.Attachments.Backend == "" {
		cfg.Attachments.Backend = BackendMemory
	}
	if cfg.Server.SendRate > 0 && cfg.Server.SendBurst == 0 {
		cfg.Server.SendBurst = int(cfg.Server.SendRate) + 1
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Tracing.SampleRatio == 0 {
		cfg.Tracing.SampleRatio = 1
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	// The HTTP address is required unless Tailscale is enabled
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}

	// Tailscale requires a hostname
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Server.SendRate < 0 {
		return fmt.Errorf("server.send_rate must not be negative")
	}

	switch c.Host.Mode {
	case ModeLive, ModeFake:
	default:
		return fmt.Errorf("host.mode must be %q or %q, got %q", ModeLive, ModeFake, c.Host.Mode)
	}

	switch c.Host.Policy {
	case PolicyKeyword:
	case PolicyLLM:
		if c.LLM.Model == "" {
			return fmt.Errorf("llm.model is required when host.policy is %q", PolicyLLM)
		}
	default:
		return fmt.Errorf("host.policy must be %q or %q, got %q", PolicyKeyword, PolicyLLM, c.Host.Policy)
	}

	if c.Host.MaxInFlight < 0 {
		return fmt.Errorf("host.max_in_flight must not be negative")
	}

	switch c.Attachments.Backend {
	case BackendMemory:
	case BackendRedis:
		if c.Attachments.Redis.Addr == "" {
			return fmt.Errorf("attachments.redis.addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("attachments.backend must be %q or %q, got %q", BackendMemory, BackendRedis, c.Attachments.Backend)
	}

	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("tracing.sample_ratio must be between 0 and 1")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Agents.DiscoveryTimeoutRaw != "" {
		cfg.Agents.DiscoveryTimeout, err = time.ParseDuration(cfg.Agents.DiscoveryTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing discovery_timeout %q: %w", cfg.Agents.DiscoveryTimeoutRaw, err)
		}
	}

	return nil
}
