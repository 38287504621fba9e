// Package config provides centralized configuration management for the receiver,
// the invoker and the trigctl operator CLI.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. OBJTRIGGER_NATS_URL.
const EnvPrefix = "OBJTRIGGER"

// Idempotency store backends.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

// Config is the master configuration struct containing both service configs and shared infrastructure.
type Config struct {
	Receiver ReceiverConfig `mapstructure:"receiver" yaml:"receiver"`
	Invoker  InvokerConfig  `mapstructure:"invoker" yaml:"invoker"`

	// Shared infrastructure configurations
	NATS     NATSConfig     `mapstructure:"nats" yaml:"nats"`
	Redis    RedisConfig    `mapstructure:"redis" yaml:"redis"`
	Database DatabaseConfig `mapstructure:"database" yaml:"database"`
	Logging  LoggingConfig  `mapstructure:"logging" yaml:"logging"`
}

// ReceiverConfig holds webhook receiver configuration
type ReceiverConfig struct {
	Server       ServerConfig    `mapstructure:"server" yaml:"server"`
	MaxBodySize  int64           `mapstructure:"max_body_size" yaml:"max_body_size"`
	Suffixes     []string        `mapstructure:"suffixes" yaml:"suffixes"`
	SourcePrefix string          `mapstructure:"source_prefix" yaml:"source_prefix"`
	Queue        QueueConfig     `mapstructure:"queue" yaml:"queue"`
	Forwarder    ForwarderConfig `mapstructure:"forwarder" yaml:"forwarder"`
	RateLimit    RateLimitConfig `mapstructure:"rate_limit" yaml:"rate_limit"`
}

// QueueConfig sizes the receiver's internal bounded queue
type QueueConfig struct {
	Capacity int `mapstructure:"capacity" yaml:"capacity"`
	Workers  int `mapstructure:"workers" yaml:"workers"`
}

// ForwarderConfig holds broker publish retry settings
type ForwarderConfig struct {
	Timeout         time.Duration `mapstructure:"timeout" yaml:"timeout"`
	InitialInterval time.Duration `mapstructure:"initial_interval" yaml:"initial_interval"`
	Multiplier      float64       `mapstructure:"multiplier" yaml:"multiplier"`
	MaxAttempts     int           `mapstructure:"max_attempts" yaml:"max_attempts"`
}

// RateLimitConfig holds the per-bucket webhook rate limit
type RateLimitConfig struct {
	Enabled  bool          `mapstructure:"enabled" yaml:"enabled"`
	Requests int           `mapstructure:"requests" yaml:"requests"`
	Window   time.Duration `mapstructure:"window" yaml:"window"`
}

// InvokerConfig holds pipeline invoker configuration
type InvokerConfig struct {
	Server         ServerConfig         `mapstructure:"server" yaml:"server"`
	Subscriptions  []SubscriptionConfig `mapstructure:"subscriptions" yaml:"subscriptions"`
	MaxConcurrent  int                  `mapstructure:"max_concurrent" yaml:"max_concurrent"`
	MaxRetries     int                  `mapstructure:"max_retries" yaml:"max_retries"`
	InitialBackoff time.Duration        `mapstructure:"initial_backoff" yaml:"initial_backoff"`
	MaxBackoff     time.Duration        `mapstructure:"max_backoff" yaml:"max_backoff"`
	ShutdownGrace  time.Duration        `mapstructure:"shutdown_grace" yaml:"shutdown_grace"`
	Orchestrator   OrchestratorConfig   `mapstructure:"orchestrator" yaml:"orchestrator"`
	Idempotency    IdempotencyConfig    `mapstructure:"idempotency" yaml:"idempotency"`
	DLQ            DLQConfig            `mapstructure:"dlq" yaml:"dlq"`
}

// SubscriptionConfig is one static routing rule. "*" matches any value.
type SubscriptionConfig struct {
	Name     string `mapstructure:"name" yaml:"name"`
	Source   string `mapstructure:"source" yaml:"source"`
	Type     string `mapstructure:"type" yaml:"type"`
	Pipeline string `mapstructure:"pipeline" yaml:"pipeline"`
}

// OrchestratorConfig holds the downstream orchestrator endpoint and credentials
type OrchestratorConfig struct {
	URL                      string        `mapstructure:"url" yaml:"url"`
	Timeout                  time.Duration `mapstructure:"timeout" yaml:"timeout"`
	SupportsIdempotencyToken bool          `mapstructure:"supports_idempotency_token" yaml:"supports_idempotency_token"`
	Token                    string        `mapstructure:"token" yaml:"token"`
	TokenFile                string        `mapstructure:"token_file" yaml:"token_file"`
	JWTSecret                string        `mapstructure:"jwt_secret" yaml:"jwt_secret"`
	JWTIssuer                string        `mapstructure:"jwt_issuer" yaml:"jwt_issuer"`
	Experiment               string        `mapstructure:"experiment" yaml:"experiment"`
}

// IdempotencyConfig selects and tunes the idempotency store
type IdempotencyConfig struct {
	Backend         string        `mapstructure:"backend" yaml:"backend"`
	Retention       time.Duration `mapstructure:"retention" yaml:"retention"`
	ClaimLease      time.Duration `mapstructure:"claim_lease" yaml:"claim_lease"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval" yaml:"cleanup_interval"`
	KeyPrefix       string        `mapstructure:"key_prefix" yaml:"key_prefix"`
}

// DLQConfig holds dead-run queue settings
type DLQConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `mapstructure:"port" yaml:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf(":%d", s.Port)
}

// NATSConfig holds NATS message broker configuration
type NATSConfig struct {
	URL           string        `mapstructure:"url" yaml:"url"`
	Stream        string        `mapstructure:"stream" yaml:"stream"`
	MaxReconnects int           `mapstructure:"max_reconnects" yaml:"max_reconnects"`
	ReconnectWait time.Duration `mapstructure:"reconnect_wait" yaml:"reconnect_wait"`
	Timeout       time.Duration `mapstructure:"timeout" yaml:"timeout"`
	Username      string        `mapstructure:"username" yaml:"username"`
	Password      string        `mapstructure:"password" yaml:"-"`
	Token         string        `mapstructure:"token" yaml:"-"`
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	URL        string `mapstructure:"url" yaml:"url"`
	MaxRetries int    `mapstructure:"max_retries" yaml:"max_retries"`
	PoolSize   int    `mapstructure:"pool_size" yaml:"pool_size"`
}

// DatabaseConfig holds PostgreSQL connection settings
type DatabaseConfig struct {
	Host           string `mapstructure:"host" yaml:"host"`
	Port           int    `mapstructure:"port" yaml:"port"`
	Database       string `mapstructure:"database" yaml:"database"`
	User           string `mapstructure:"user" yaml:"user"`
	Password       string `mapstructure:"password" yaml:"-"`
	SSLMode        string `mapstructure:"sslmode" yaml:"sslmode"`
	MigrationsPath string `mapstructure:"migrations_path" yaml:"migrations_path"`
}

// URL returns a postgres connection URL usable by both pgx and golang-migrate.
func (d DatabaseConfig) URL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Database, d.SSLMode)
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// Load reads configuration from path (when non-empty), otherwise from config.yaml in the
// working directory or $OBJTRIGGER_CONFIG_DIR (default /etc/objtrigger). Environment
// variables override file values.
func Load(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		configDir := os.Getenv(EnvPrefix + "_CONFIG_DIR")
		if configDir == "" {
			configDir = "/etc/objtrigger"
		}
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath(configDir)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		// An explicit path must exist; the search path may be empty.
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// Validate checks cross-field constraints that defaults cannot express.
func (c *Config) Validate() error {
	var problems []string

	if c.Receiver.Queue.Capacity <= 0 {
		problems = append(problems, "receiver.queue.capacity must be positive")
	}
	if c.Receiver.Queue.Workers <= 0 {
		problems = append(problems, "receiver.queue.workers must be positive")
	}
	if c.Receiver.Forwarder.MaxAttempts <= 0 {
		problems = append(problems, "receiver.forwarder.max_attempts must be positive")
	}
	if c.Receiver.Forwarder.Multiplier < 1 {
		problems = append(problems, "receiver.forwarder.multiplier must be >= 1")
	}
	if c.Receiver.RateLimit.Enabled && (c.Receiver.RateLimit.Requests <= 0 || c.Receiver.RateLimit.Window <= 0) {
		problems = append(problems, "receiver.rate_limit requires positive requests and window")
	}

	if c.Invoker.MaxConcurrent <= 0 {
		problems = append(problems, "invoker.max_concurrent must be positive")
	}
	if c.Invoker.MaxRetries < 0 {
		problems = append(problems, "invoker.max_retries must not be negative")
	}
	if c.Invoker.Idempotency.Retention <= 0 {
		problems = append(problems, "invoker.idempotency.retention must be positive")
	}
	switch c.Invoker.Idempotency.Backend {
	case BackendMemory, BackendRedis, BackendPostgres:
	default:
		problems = append(problems, fmt.Sprintf("invoker.idempotency.backend %q is not one of memory, redis, postgres", c.Invoker.Idempotency.Backend))
	}

	seen := make(map[string]bool, len(c.Invoker.Subscriptions))
	for i, sub := range c.Invoker.Subscriptions {
		if sub.Name == "" {
			problems = append(problems, fmt.Sprintf("invoker.subscriptions[%d].name is required", i))
			continue
		}
		if seen[sub.Name] {
			problems = append(problems, fmt.Sprintf("invoker.subscriptions[%d].name %q is duplicated", i, sub.Name))
		}
		seen[sub.Name] = true
		if sub.Pipeline == "" {
			problems = append(problems, fmt.Sprintf("invoker.subscriptions[%d].pipeline is required", i))
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

// setDefaults sets all default configuration values
func setDefaults(v *viper.Viper) {
	// Receiver defaults
	v.SetDefault("receiver.server.port", 8088)
	v.SetDefault("receiver.server.read_timeout", "10s")
	v.SetDefault("receiver.server.write_timeout", "10s")
	v.SetDefault("receiver.server.idle_timeout", "60s")
	v.SetDefault("receiver.server.shutdown_timeout", "15s")
	v.SetDefault("receiver.max_body_size", 1048576)
	v.SetDefault("receiver.suffixes", []string{".pdf"})
	v.SetDefault("receiver.source_prefix", "urn:storage:")
	v.SetDefault("receiver.queue.capacity", 1000)
	v.SetDefault("receiver.queue.workers", 4)
	v.SetDefault("receiver.forwarder.timeout", "5s")
	v.SetDefault("receiver.forwarder.initial_interval", "200ms")
	v.SetDefault("receiver.forwarder.multiplier", 2.0)
	v.SetDefault("receiver.forwarder.max_attempts", 5)
	v.SetDefault("receiver.rate_limit.enabled", false)
	v.SetDefault("receiver.rate_limit.requests", 600)
	v.SetDefault("receiver.rate_limit.window", "1m")

	// Invoker defaults
	v.SetDefault("invoker.server.port", 8089)
	v.SetDefault("invoker.server.read_timeout", "10s")
	v.SetDefault("invoker.server.write_timeout", "10s")
	v.SetDefault("invoker.server.idle_timeout", "60s")
	v.SetDefault("invoker.server.shutdown_timeout", "15s")
	v.SetDefault("invoker.subscriptions", []map[string]any{
		{"name": "pdf-ingest", "source": "*", "type": "object.created", "pipeline": "pdf-ingest"},
	})
	v.SetDefault("invoker.max_concurrent", 16)
	v.SetDefault("invoker.max_retries", 6)
	v.SetDefault("invoker.initial_backoff", "1s")
	v.SetDefault("invoker.max_backoff", "1m")
	v.SetDefault("invoker.shutdown_grace", "30s")
	v.SetDefault("invoker.orchestrator.url", "http://orchestrator:8080")
	v.SetDefault("invoker.orchestrator.timeout", "10s")
	v.SetDefault("invoker.orchestrator.supports_idempotency_token", false)
	v.SetDefault("invoker.orchestrator.token", "")
	v.SetDefault("invoker.orchestrator.token_file", "")
	v.SetDefault("invoker.orchestrator.jwt_secret", "")
	v.SetDefault("invoker.orchestrator.jwt_issuer", "objtrigger-invoker")
	v.SetDefault("invoker.orchestrator.experiment", "")
	v.SetDefault("invoker.idempotency.backend", BackendMemory)
	v.SetDefault("invoker.idempotency.retention", "24h")
	v.SetDefault("invoker.idempotency.claim_lease", "10m")
	v.SetDefault("invoker.idempotency.cleanup_interval", "1m")
	v.SetDefault("invoker.idempotency.key_prefix", "objtrigger:run:")
	v.SetDefault("invoker.dlq.enabled", true)

	// NATS defaults
	v.SetDefault("nats.url", "nats://nats:4222")
	v.SetDefault("nats.stream", "OBJECT_EVENTS")
	v.SetDefault("nats.max_reconnects", -1)
	v.SetDefault("nats.reconnect_wait", "2s")
	v.SetDefault("nats.timeout", "5s")

	// Redis defaults
	v.SetDefault("redis.url", "redis://localhost:6379/0")
	v.SetDefault("redis.max_retries", 3)
	v.SetDefault("redis.pool_size", 10)

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.database", "objtrigger")
	v.SetDefault("database.user", "objtrigger")
	v.SetDefault("database.password", "")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.migrations_path", "file://migrations")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}
