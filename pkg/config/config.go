// Package config loads stageflow defaults from the environment.
package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Prefix is the environment variable prefix, e.g. STAGEFLOW_LOG_LEVEL.
const Prefix = "STAGEFLOW"

// Config holds all engine configuration.
type Config struct {
	Engine  EngineConfig
	Logging LogConfig
	Metrics MetricsConfig
	Redis   RedisConfig
}

// EngineConfig holds queue, stage and throttle defaults.
type EngineConfig struct {
	QueueCapacity        int           `envconfig:"QUEUE_CAPACITY" default:"0"`
	QueuePollInterval    time.Duration `envconfig:"QUEUE_POLL_INTERVAL" default:"200ms"`
	ReplicaPollInterval  time.Duration `envconfig:"REPLICA_POLL_INTERVAL" default:"50ms"`
	ThrottlePollInterval time.Duration `envconfig:"THROTTLE_POLL_INTERVAL" default:"50ms"`
	ErrorRingSize        int           `envconfig:"ERROR_RING_SIZE" default:"64"`
	DefaultReplicas      int           `envconfig:"DEFAULT_REPLICAS" default:"1"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info"`
	Development bool   `envconfig:"LOG_DEV" default:"false"`
}

// MetricsConfig holds Prometheus export configuration.
type MetricsConfig struct {
	Enabled   bool   `envconfig:"METRICS_ENABLED" default:"false"`
	Namespace string `envconfig:"METRICS_NAMESPACE" default:"stageflow"`
	Addr      string `envconfig:"METRICS_ADDR" default:""`
}

// RedisConfig holds the connection used by distributed throttles.
// An empty Addr disables them.
type RedisConfig struct {
	Addr     string `envconfig:"REDIS_ADDR" default:""`
	Password string `envconfig:"REDIS_PASSWORD" default:""`
	DB       int    `envconfig:"REDIS_DB" default:"0"`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	sections := []interface{}{&cfg.Engine, &cfg.Logging, &cfg.Metrics, &cfg.Redis}
	for _, section := range sections {
		// Each section is processed on its own so keys stay flat: STAGEFLOW_LOG_LEVEL.
		if err := envconfig.Process(Prefix, section); err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadOrDefault loads configuration from environment or returns default.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Engine: EngineConfig{
			QueuePollInterval:    200 * time.Millisecond,
			ReplicaPollInterval:  50 * time.Millisecond,
			ThrottlePollInterval: 50 * time.Millisecond,
			ErrorRingSize:        64,
			DefaultReplicas:      1,
		},
		Logging: LogConfig{
			Level: "info",
		},
		Metrics: MetricsConfig{
			Namespace: "stageflow",
		},
	}
}

// Validate checks the engine values that would otherwise break the poll loops.
func (c *Config) Validate() error {
	switch {
	case c.Engine.QueueCapacity < 0:
		return fmt.Errorf("config: queue capacity must not be negative, got %d", c.Engine.QueueCapacity)
	case c.Engine.QueuePollInterval <= 0:
		return fmt.Errorf("config: queue poll interval must be positive, got %v", c.Engine.QueuePollInterval)
	case c.Engine.ReplicaPollInterval <= 0:
		return fmt.Errorf("config: replica poll interval must be positive, got %v", c.Engine.ReplicaPollInterval)
	case c.Engine.ThrottlePollInterval <= 0:
		return fmt.Errorf("config: throttle poll interval must be positive, got %v", c.Engine.ThrottlePollInterval)
	case c.Engine.ErrorRingSize <= 0:
		return fmt.Errorf("config: error ring size must be positive, got %d", c.Engine.ErrorRingSize)
	case c.Engine.DefaultReplicas <= 0:
		return fmt.Errorf("config: default replicas must be positive, got %d", c.Engine.DefaultReplicas)
	}
	return nil
}
