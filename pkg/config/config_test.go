package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "memory", cfg.Store.Backend)
	assert.Equal(t, 5*time.Minute, cfg.Store.LockTTL.Std())
	assert.Equal(t, 30*time.Second, cfg.Health.CheckInterval.Std())
	assert.Equal(t, 60*time.Second, cfg.Health.AgentTimeout.Std())
	assert.Equal(t, 5, cfg.Breaker.FailureThreshold)
	assert.Equal(t, 2, cfg.Breaker.SuccessThreshold)
	assert.Equal(t, 3, cfg.Retry.MaxRetries)
	assert.True(t, cfg.Retry.EnableJitter)
	assert.False(t, cfg.Kafka.Enabled)
}

func TestLoadYAMLOverrides(t *testing.T) {
	path := writeConfig(t, `
logging:
  level: debug
  format: text
store:
  backend: redis
  lock_ttl: 2m
redis:
  address: redis.internal:6379
health:
  agent_timeout: 90s
  check_interval: 15s
circuit_breaker:
  failure_threshold: 10
retry:
  base_delay: 250ms
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "redis", cfg.Store.Backend)
	assert.Equal(t, 2*time.Minute, cfg.Store.LockTTL.Std())
	assert.Equal(t, "redis.internal:6379", cfg.Redis.Address)
	assert.Equal(t, 90*time.Second, cfg.Health.AgentTimeout.Std())
	assert.Equal(t, 15*time.Second, cfg.Health.CheckInterval.Std())
	assert.Equal(t, 10, cfg.Breaker.FailureThreshold)
	assert.Equal(t, 250*time.Millisecond, cfg.Retry.BaseDelay.Std())

	// Untouched settings keep their defaults
	assert.Equal(t, 2, cfg.Breaker.SuccessThreshold)
}

func TestLoadRejectsBadDuration(t *testing.T) {
	path := writeConfig(t, "health:\n  agent_timeout: soon\n")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("LOOM_LOG_LEVEL", "warn")
	t.Setenv("LOOM_REDIS_ADDRESS", "env-redis:6379")
	t.Setenv("LOOM_METRICS_PORT", "9999")
	t.Setenv("LOOM_KAFKA_BROKERS", "b1:9092,b2:9092")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, "env-redis:6379", cfg.Redis.Address)
	assert.Equal(t, 9999, cfg.System.MetricsPort)
	assert.True(t, cfg.Kafka.Enabled)
	assert.Equal(t, []string{"b1:9092", "b2:9092"}, cfg.Kafka.Brokers)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Store.Backend = "cassandra"
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Store.Backend = "redis"
	cfg.Redis.Address = ""
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Kafka.Enabled = true
	cfg.Kafka.Brokers = nil
	assert.Error(t, cfg.Validate())

	cfg = Default()
	assert.NoError(t, cfg.Validate())
}

func TestConfigMappers(t *testing.T) {
	cfg := Default()

	assert.Equal(t, 5*time.Minute, cfg.StoreConfig().LockTTL)
	assert.Equal(t, 60*time.Second, cfg.HealthConfig().AgentTimeout)

	breaker := cfg.BreakerConfig("state_store")
	assert.Equal(t, "state_store", breaker.Name)
	assert.Equal(t, 5, breaker.FailureThreshold)

	retry := cfg.RetryConfig()
	assert.Equal(t, 3, retry.MaxRetries)
	assert.Equal(t, 2.0, retry.Multiplier)

	admission := cfg.AdmissionConfig()
	assert.Equal(t, 60, admission.Limit)
	assert.Equal(t, time.Minute, admission.Window)
}
