// ABOUTME: Configuration loading and parsing for casewire agent processes.
// ABOUTME: YAML files with environment variable expansion, durations, and defaults.

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// Config is the complete configuration for one casewire agent process.
type Config struct {
	Agent    AgentConfig    `yaml:"agent"`
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Auth     AuthConfig     `yaml:"auth"`
	Client   ClientConfig   `yaml:"client"`
	Queue    QueueConfig    `yaml:"queue"`
	Tasks    TasksConfig    `yaml:"tasks"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// AgentConfig identifies this agent and its peers.
type AgentConfig struct {
	ID   string `yaml:"id" envconfig:"AGENT_ID" default:"coordinator"`
	Role string `yaml:"role" envconfig:"AGENT_ROLE" default:"coordinator"`

	// Peers maps logical agent names to base URLs.
	Peers map[string]string `yaml:"peers" envconfig:"PEERS"`

	// Alternates maps a primary endpoint to a failover endpoint for the
	// same logical agent.
	Alternates map[string]string `yaml:"alternates" envconfig:"ALTERNATES"`
}

// ServerConfig holds the listen address for the inter-agent HTTP server.
type ServerConfig struct {
	Addr string `yaml:"addr" envconfig:"SERVER_ADDR" default:":9001"`
}

// DatabaseConfig holds the shared SQLite database location.
type DatabaseConfig struct {
	Path string `yaml:"path" envconfig:"DB_PATH" default:"casewire.db"`
}

// AuthConfig holds the shared secret for inter-agent JWTs.
type AuthConfig struct {
	Secret   string        `yaml:"secret" envconfig:"AUTH_SECRET"`
	TokenTTL time.Duration `yaml:"-" envconfig:"AUTH_TOKEN_TTL" default:"1h"`

	TokenTTLRaw string `yaml:"token_ttl"`
}

// ClientConfig tunes the inter-agent client manager.
type ClientConfig struct {
	CallTimeout   time.Duration `yaml:"-" envconfig:"CLIENT_CALL_TIMEOUT" default:"30s"`
	MaxRetries    int           `yaml:"max_retries" envconfig:"CLIENT_MAX_RETRIES" default:"3"`
	BackoffBase   time.Duration `yaml:"-" envconfig:"CLIENT_BACKOFF_BASE" default:"100ms"`
	BackoffFactor float64       `yaml:"backoff_factor" envconfig:"CLIENT_BACKOFF_FACTOR" default:"2.0"`
	BackoffCap    time.Duration `yaml:"-" envconfig:"CLIENT_BACKOFF_CAP" default:"5s"`
	CardTTL       time.Duration `yaml:"-" envconfig:"CLIENT_CARD_TTL" default:"10m"`
	PoolSize      int           `yaml:"pool_size" envconfig:"CLIENT_POOL_SIZE" default:"64"`

	CallTimeoutRaw string `yaml:"call_timeout"`
	BackoffBaseRaw string `yaml:"backoff_base"`
	BackoffCapRaw  string `yaml:"backoff_cap"`
	CardTTLRaw     string `yaml:"card_ttl"`
}

// QueueConfig tunes the outbound message queue and its dispatcher.
type QueueConfig struct {
	// Backend selects the queue implementation: "sqlite" or "memory".
	Backend     string        `yaml:"backend" envconfig:"QUEUE_BACKEND" default:"sqlite"`
	Capacity    int           `yaml:"capacity" envconfig:"QUEUE_CAPACITY" default:"256"`
	MaxAttempts int           `yaml:"max_attempts" envconfig:"QUEUE_MAX_ATTEMPTS" default:"5"`
	RetryBase   time.Duration `yaml:"-" envconfig:"QUEUE_RETRY_BASE" default:"200ms"`
	RetryCap    time.Duration `yaml:"-" envconfig:"QUEUE_RETRY_CAP" default:"30s"`

	// AMQP delivery sink; empty URL means the loopback deliverer is used.
	AMQPURL      string `yaml:"amqp_url" envconfig:"QUEUE_AMQP_URL"`
	AMQPExchange string `yaml:"amqp_exchange" envconfig:"QUEUE_AMQP_EXCHANGE" default:"casewire.outbound"`

	RetryBaseRaw string `yaml:"retry_base"`
	RetryCapRaw  string `yaml:"retry_cap"`
}

// TasksConfig tunes the multi-tenant task manager.
type TasksConfig struct {
	IdleAfter   time.Duration `yaml:"-" envconfig:"TASKS_IDLE_AFTER" default:"5m"`
	ExpireAfter time.Duration `yaml:"-" envconfig:"TASKS_EXPIRE_AFTER" default:"30m"`
	SweepEvery  time.Duration `yaml:"-" envconfig:"TASKS_SWEEP_EVERY" default:"30s"`

	IdleAfterRaw   string `yaml:"idle_after"`
	ExpireAfterRaw string `yaml:"expire_after"`
	SweepEveryRaw  string `yaml:"sweep_every"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level" envconfig:"LOG_LEVEL" default:"info"`
	Format string `yaml:"format" envconfig:"LOG_FORMAT" default:"text"`
}

// Load reads a configuration file from the given path and returns a parsed
// Config. Environment variables in the format ${VAR_NAME} are expanded and
// duration strings are parsed into time.Duration values. Fields left unset
// in the file fall back to their defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg, err := FromEnv()
	if err != nil {
		return nil, err
	}

	expanded := expandEnvVars(string(data))
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// FromEnv builds a Config entirely from CASEWIRE_-prefixed environment
// variables, with envconfig-tagged defaults filling the gaps. Used by the
// admin CLI and by tests that run without a config file.
func FromEnv() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("casewire", &cfg); err != nil {
		return nil, fmt.Errorf("processing environment: %w", err)
	}
	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding
// environment variable values. Unset variables expand to empty strings.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and
// consistent. Returns an error describing the first failure encountered.
func (c *Config) Validate() error {
	if c.Agent.ID == "" {
		return fmt.Errorf("agent.id is required")
	}
	switch c.Agent.Role {
	case "coordinator", "negotiation", "context":
	default:
		return fmt.Errorf("agent.role must be coordinator, negotiation, or context (got %q)", c.Agent.Role)
	}
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Auth.Secret == "" {
		return fmt.Errorf("auth.secret is required")
	}
	switch c.Queue.Backend {
	case "sqlite", "memory":
	default:
		return fmt.Errorf("queue.backend must be sqlite or memory (got %q)", c.Queue.Backend)
	}
	if c.Queue.Capacity <= 0 {
		return fmt.Errorf("queue.capacity must be positive")
	}
	if c.Client.MaxRetries < 0 {
		return fmt.Errorf("client.max_retries must be non-negative")
	}
	if c.Client.BackoffFactor < 1.0 {
		return fmt.Errorf("client.backoff_factor must be >= 1.0")
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration
// values, leaving the envconfig defaults in place when a field is unset.
func parseDurations(cfg *Config) error {
	fields := []struct {
		raw  string
		name string
		dst  *time.Duration
	}{
		{cfg.Auth.TokenTTLRaw, "auth.token_ttl", &cfg.Auth.TokenTTL},
		{cfg.Client.CallTimeoutRaw, "client.call_timeout", &cfg.Client.CallTimeout},
		{cfg.Client.BackoffBaseRaw, "client.backoff_base", &cfg.Client.BackoffBase},
		{cfg.Client.BackoffCapRaw, "client.backoff_cap", &cfg.Client.BackoffCap},
		{cfg.Client.CardTTLRaw, "client.card_ttl", &cfg.Client.CardTTL},
		{cfg.Queue.RetryBaseRaw, "queue.retry_base", &cfg.Queue.RetryBase},
		{cfg.Queue.RetryCapRaw, "queue.retry_cap", &cfg.Queue.RetryCap},
		{cfg.Tasks.IdleAfterRaw, "tasks.idle_after", &cfg.Tasks.IdleAfter},
		{cfg.Tasks.ExpireAfterRaw, "tasks.expire_after", &cfg.Tasks.ExpireAfter},
		{cfg.Tasks.SweepEveryRaw, "tasks.sweep_every", &cfg.Tasks.SweepEvery},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}

	return nil
}
