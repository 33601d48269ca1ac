package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/loomhq/loom/pkg/events"
	"github.com/loomhq/loom/pkg/health"
	"github.com/loomhq/loom/pkg/resilience"
	"github.com/loomhq/loom/pkg/store"
)

// Duration wraps time.Duration so YAML can carry values like "30s"
type Duration time.Duration

// UnmarshalYAML parses a duration string or integer nanoseconds
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		var ns int64
		if err := value.Decode(&ns); err != nil {
			return fmt.Errorf("invalid duration: %s", value.Value)
		}
		*d = Duration(ns)
		return nil
	}

	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML renders the duration in its string form
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the value as a time.Duration
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config holds the complete daemon configuration
type Config struct {
	System    SystemSettings    `yaml:"system"`
	Logging   LoggingSettings   `yaml:"logging"`
	Store     StoreSettings     `yaml:"store"`
	Redis     store.RedisConfig `yaml:"redis"`
	Kafka     KafkaSettings     `yaml:"kafka"`
	Health    HealthSettings    `yaml:"health"`
	Breaker   BreakerSettings   `yaml:"circuit_breaker"`
	Retry     RetrySettings     `yaml:"retry"`
	Admission AdmissionSettings `yaml:"admission"`
}

// SystemSettings holds general daemon settings
type SystemSettings struct {
	Environment     string   `yaml:"environment"` // local, staging, production
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
	MetricsEnabled  bool     `yaml:"metrics_enabled"`
	MetricsPort     int      `yaml:"metrics_port"`
}

// LoggingSettings holds logging configuration
type LoggingSettings struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// StoreSettings selects and tunes the state store
type StoreSettings struct {
	Backend string   `yaml:"backend"` // memory, redis
	LockTTL Duration `yaml:"lock_ttl"`
}

// KafkaSettings holds event bus configuration
type KafkaSettings struct {
	Enabled      bool     `yaml:"enabled"`
	Brokers      []string `yaml:"brokers"`
	BatchSize    int      `yaml:"batch_size"`
	LingerMs     int      `yaml:"linger_ms"`
	WriteTimeout int      `yaml:"write_timeout_ms"`
}

// HealthSettings holds health monitor tuning
type HealthSettings struct {
	CheckInterval Duration `yaml:"check_interval"`
	AgentTimeout  Duration `yaml:"agent_timeout"`
	LockTimeout   Duration `yaml:"lock_timeout"`
	TaskTimeout   Duration `yaml:"task_timeout"`
}

// BreakerSettings holds circuit breaker tuning for the store path
type BreakerSettings struct {
	FailureThreshold int      `yaml:"failure_threshold"`
	SuccessThreshold int      `yaml:"success_threshold"`
	ResetTimeout     Duration `yaml:"reset_timeout"`
}

// RetrySettings holds retry tuning for the store path
type RetrySettings struct {
	MaxRetries   int      `yaml:"max_retries"`
	BaseDelay    Duration `yaml:"base_delay"`
	MaxDelay     Duration `yaml:"max_delay"`
	Multiplier   float64  `yaml:"multiplier"`
	EnableJitter bool     `yaml:"enable_jitter"`
}

// AdmissionSettings holds the heartbeat admission limiter tuning
type AdmissionSettings struct {
	Limit  int      `yaml:"limit"`
	Window Duration `yaml:"window"`
}

// Default returns default configuration for local development
func Default() Config {
	return Config{
		System: SystemSettings{
			Environment:     "local",
			ShutdownTimeout: Duration(30 * time.Second),
			MetricsEnabled:  true,
			MetricsPort:     9090,
		},
		Logging: LoggingSettings{
			Level:  "info",
			Format: "json",
		},
		Store: StoreSettings{
			Backend: "memory",
			LockTTL: Duration(5 * time.Minute),
		},
		Redis: store.DefaultRedisConfig(),
		Kafka: KafkaSettings{
			Enabled:      false,
			Brokers:      []string{"localhost:9092"},
			BatchSize:    100,
			LingerMs:     10,
			WriteTimeout: 5000,
		},
		Health: HealthSettings{
			CheckInterval: Duration(30 * time.Second),
			AgentTimeout:  Duration(60 * time.Second),
			LockTimeout:   Duration(5 * time.Minute),
			TaskTimeout:   Duration(10 * time.Minute),
		},
		Breaker: BreakerSettings{
			FailureThreshold: 5,
			SuccessThreshold: 2,
			ResetTimeout:     Duration(30 * time.Second),
		},
		Retry: RetrySettings{
			MaxRetries:   3,
			BaseDelay:    Duration(100 * time.Millisecond),
			MaxDelay:     Duration(30 * time.Second),
			Multiplier:   2.0,
			EnableJitter: true,
		},
		Admission: AdmissionSettings{
			Limit:  60,
			Window: Duration(time.Minute),
		},
	}
}

// Load reads a YAML config file over the defaults, then applies
// environment overrides. A missing path yields defaults plus env.
func Load(path string) (*Config, error) {
	config := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	config.applyEnv()

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// applyEnv lets the environment override file values
func (c *Config) applyEnv() {
	c.Logging.Level = GetEnv("LOOM_LOG_LEVEL", c.Logging.Level)
	c.Store.Backend = GetEnv("LOOM_STORE_BACKEND", c.Store.Backend)
	c.Redis.Address = GetEnv("LOOM_REDIS_ADDRESS", c.Redis.Address)
	c.Redis.Password = GetEnv("LOOM_REDIS_PASSWORD", c.Redis.Password)
	c.System.MetricsPort = GetEnvInt("LOOM_METRICS_PORT", c.System.MetricsPort)

	if brokers := os.Getenv("LOOM_KAFKA_BROKERS"); brokers != "" {
		c.Kafka.Enabled = true
		c.Kafka.Brokers = strings.Split(brokers, ",")
	}
}

// Validate rejects configurations the daemon cannot run with
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}

	if c.Store.Backend == "redis" && c.Redis.Address == "" {
		return fmt.Errorf("redis backend requires an address")
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka is enabled without brokers")
	}
	return nil
}

// StoreConfig maps the settings onto the store package's config
func (c *Config) StoreConfig() store.Config {
	return store.Config{LockTTL: c.Store.LockTTL.Std()}
}

// KafkaConfig maps the settings onto the events package's config
func (c *Config) KafkaConfig() events.KafkaConfig {
	return events.KafkaConfig{
		Brokers:      c.Kafka.Brokers,
		BatchSize:    c.Kafka.BatchSize,
		LingerMs:     c.Kafka.LingerMs,
		WriteTimeout: c.Kafka.WriteTimeout,
	}
}

// HealthConfig maps the settings onto the health package's config.
// Callbacks are wired by the coordinator, not here.
func (c *Config) HealthConfig() health.Config {
	return health.Config{
		CheckInterval: c.Health.CheckInterval.Std(),
		AgentTimeout:  c.Health.AgentTimeout.Std(),
		LockTimeout:   c.Health.LockTimeout.Std(),
		TaskTimeout:   c.Health.TaskTimeout.Std(),
	}
}

// BreakerConfig maps the settings onto a circuit breaker config
func (c *Config) BreakerConfig(name string) resilience.CircuitBreakerConfig {
	return resilience.CircuitBreakerConfig{
		Name:             name,
		FailureThreshold: c.Breaker.FailureThreshold,
		SuccessThreshold: c.Breaker.SuccessThreshold,
		ResetTimeout:     c.Breaker.ResetTimeout.Std(),
	}
}

// RetryConfig maps the settings onto a retry config
func (c *Config) RetryConfig() resilience.RetryConfig {
	return resilience.RetryConfig{
		MaxRetries:   c.Retry.MaxRetries,
		BaseDelay:    c.Retry.BaseDelay.Std(),
		MaxDelay:     c.Retry.MaxDelay.Std(),
		Multiplier:   c.Retry.Multiplier,
		EnableJitter: c.Retry.EnableJitter,
	}
}

// AdmissionConfig maps the settings onto the admission filter config
func (c *Config) AdmissionConfig() resilience.AdmissionConfig {
	return resilience.AdmissionConfig{
		Limit:  c.Admission.Limit,
		Window: c.Admission.Window.Std(),
	}
}

// GetEnv retrieves an environment variable with a default value
func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// GetEnvInt retrieves an environment variable as int with a default value
func GetEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// GetEnvBool retrieves an environment variable as bool with a default value
func GetEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1" || value == "yes"
	}
	return defaultValue
}
