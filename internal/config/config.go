// ABOUTME: Configuration loading and parsing for coven-concierge
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/2389/coven-concierge/internal/coordinator"
	"github.com/2389/coven-concierge/internal/dedupe"
	"github.com/2389/coven-concierge/internal/events"
)

// Config represents the complete coven-concierge configuration
type Config struct {
	Server      ServerConfig      `yaml:"server" toml:"server"`
	Database    DatabaseConfig    `yaml:"database" toml:"database"`
	Coordinator CoordinatorConfig `yaml:"coordinator" toml:"coordinator"`
	Agents      AgentsConfig      `yaml:"agents" toml:"agents"`
	Dedupe      DedupeConfig      `yaml:"dedupe" toml:"dedupe"`
	Logging     LoggingConfig     `yaml:"logging" toml:"logging"`
	Metrics     MetricsConfig     `yaml:"metrics" toml:"metrics"`
}

// ServerConfig holds the HTTP front door address
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
}

// DatabaseConfig holds transcript database configuration
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// CoordinatorConfig holds the gating policy
type CoordinatorConfig struct {
	IntentConfidenceThreshold float64 `yaml:"intent_confidence_threshold" toml:"intent_confidence_threshold"`

	// Routes maps intents to task topics. Empty means the built-in table.
	Routes map[string]string `yaml:"routes" toml:"routes"`

	ResultTimeout time.Duration `yaml:"-" toml:"-"`
	SweepInterval time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	ResultTimeoutRaw string `yaml:"result_timeout" toml:"result_timeout"`
	SweepIntervalRaw string `yaml:"sweep_interval" toml:"sweep_interval"`
}

// AgentsConfig selects which in-process agents are started
type AgentsConfig struct {
	// Disabled lists agent names that should not subscribe to the bus.
	Disabled []string `yaml:"disabled" toml:"disabled"`
}

// DedupeConfig bounds the duplicate signal cache
type DedupeConfig struct {
	TTL     time.Duration `yaml:"-" toml:"-"`
	TTLRaw  string        `yaml:"ttl" toml:"ttl"`
	MaxSize int           `yaml:"max_size" toml:"max_size"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Path    string `yaml:"path" toml:"path"`
}

// KnownAgents are the names accepted in agents.disabled.
var KnownAgents = []string{
	"sentiment",
	"intent",
	"escalation",
	"returns",
	"order_tracking",
	"general_inquiry",
	"account",
	"transcription",
}

// responders maps each business task topic to the agent that answers it.
var responders = map[events.Topic]string{
	events.TopicHandleReturns:        "returns",
	events.TopicHandleOrderTracking:  "order_tracking",
	events.TopicHandleGeneralInquiry: "general_inquiry",
	events.TopicHandleAccount:        "account",
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(string(data), formatFor(path))
}

// Format is a config file encoding.
type Format string

// Supported formats
const (
	FormatYAML Format = "yaml"
	FormatTOML Format = "toml"
)

func formatFor(path string) Format {
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		return FormatTOML
	}
	return FormatYAML
}

// Parse decodes config text in the given format, then applies defaults,
// duration parsing and validation.
func Parse(text string, format Format) (*Config, error) {
	expanded := expandEnvVars(text)

	var cfg Config
	switch format {
	case FormatTOML:
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	case FormatYAML:
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config format %q", format)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{
		Server:   ServerConfig{HTTPAddr: "127.0.0.1:8090"},
		Database: DatabaseConfig{Path: "concierge.db"},
	}
	cfg.applyDefaults()
	return cfg
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

func (c *Config) applyDefaults() {
	if c.Coordinator.IntentConfidenceThreshold == 0 {
		c.Coordinator.IntentConfidenceThreshold = coordinator.DefaultIntentConfidenceThreshold
	}
	if c.Coordinator.ResultTimeout == 0 {
		c.Coordinator.ResultTimeout = coordinator.DefaultResultTimeout
	}
	if c.Coordinator.SweepInterval == 0 {
		c.Coordinator.SweepInterval = coordinator.DefaultSweepInterval
	}
	if c.Dedupe.TTL == 0 {
		c.Dedupe.TTL = dedupe.DefaultTTL
	}
	if c.Dedupe.MaxSize == 0 {
		c.Dedupe.MaxSize = dedupe.DefaultMaxSize
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if t := c.Coordinator.IntentConfidenceThreshold; t <= 0 || t > 1 {
		return fmt.Errorf("coordinator.intent_confidence_threshold must be in (0,1], got %v", t)
	}
	if c.Coordinator.ResultTimeout < 0 {
		return fmt.Errorf("coordinator.result_timeout must not be negative")
	}
	if c.Coordinator.SweepInterval < 0 {
		return fmt.Errorf("coordinator.sweep_interval must not be negative")
	}
	for intent, topic := range c.Coordinator.Routes {
		if intent == "" {
			return fmt.Errorf("coordinator.routes has an empty intent")
		}
		if !slices.Contains(events.BusinessTopics(), events.Topic(topic)) {
			return fmt.Errorf("coordinator.routes[%s]: unknown topic %q", intent, topic)
		}
	}

	for _, name := range c.Agents.Disabled {
		if !slices.Contains(KnownAgents, name) {
			return fmt.Errorf("agents.disabled: unknown agent %q", name)
		}
	}

	// A route to a disabled responder would leave the customer without a reply.
	for intent, topic := range c.CoordinatorConfig().WithDefaults().Routes {
		if name, ok := responders[topic]; ok && !c.AgentEnabled(name) {
			return fmt.Errorf("coordinator.routes[%s] targets %s but agent %q is disabled", intent, topic, name)
		}
	}

	if c.Dedupe.TTL < 0 {
		return fmt.Errorf("dedupe.ttl must not be negative")
	}
	if c.Dedupe.MaxSize < 0 {
		return fmt.Errorf("dedupe.max_size must not be negative")
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		return fmt.Errorf("metrics.path must start with /")
	}

	return nil
}

// AgentEnabled reports whether name is absent from agents.disabled.
func (c *Config) AgentEnabled(name string) bool {
	return !slices.Contains(c.Agents.Disabled, name)
}

// CoordinatorConfig converts the coordinator section into the policy type
// the coordinator consumes.
func (c *Config) CoordinatorConfig() coordinator.Config {
	cc := coordinator.Config{
		IntentConfidenceThreshold: c.Coordinator.IntentConfidenceThreshold,
		ResultTimeout:             c.Coordinator.ResultTimeout,
		SweepInterval:             c.Coordinator.SweepInterval,
	}
	if len(c.Coordinator.Routes) > 0 {
		cc.Routes = make(map[string]events.Topic, len(c.Coordinator.Routes))
		for intent, topic := range c.Coordinator.Routes {
			cc.Routes[intent] = events.Topic(topic)
		}
	}
	return cc
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Coordinator.ResultTimeoutRaw != "" {
		cfg.Coordinator.ResultTimeout, err = time.ParseDuration(cfg.Coordinator.ResultTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing result_timeout %q: %w", cfg.Coordinator.ResultTimeoutRaw, err)
		}
	}

	if cfg.Coordinator.SweepIntervalRaw != "" {
		cfg.Coordinator.SweepInterval, err = time.ParseDuration(cfg.Coordinator.SweepIntervalRaw)
		if err != nil {
			return fmt.Errorf("parsing sweep_interval %q: %w", cfg.Coordinator.SweepIntervalRaw, err)
		}
	}

	if cfg.Dedupe.TTLRaw != "" {
		cfg.Dedupe.TTL, err = time.ParseDuration(cfg.Dedupe.TTLRaw)
		if err != nil {
			return fmt.Errorf("parsing dedupe ttl %q: %w", cfg.Dedupe.TTLRaw, err)
		}
	}

	return nil
}
