// Package config loads the judge worker configuration from the
// environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/TriNguyenThanh/UCode/internal/broker"
	"github.com/TriNguyenThanh/UCode/internal/health"
	"github.com/TriNguyenThanh/UCode/internal/sandbox"
)

// Config is the full judge worker configuration.
type Config struct {
	// Broker holds the RabbitMQ connection and queue settings.
	Broker *broker.Config

	// MaxConcurrentSubmissions becomes the channel prefetch count.
	MaxConcurrentSubmissions int

	// MaxParallelTestcases is the per-submission batch width.
	MaxParallelTestcases int

	// MaxRetryCount bounds requeues per message.
	MaxRetryCount int

	// Default limits applied when a submission carries invalid ones.
	// The time limit is in whole seconds, the memory limit in KB.
	DefaultTimeLimitSec  int64
	DefaultMemoryLimitKB int64

	// Adaptive consumption.
	AdaptiveMode   bool
	Thresholds     health.Thresholds
	SampleInterval time.Duration

	// Sandbox settings.
	IsolateBinary string
	BoxRoot       string
	IsolateNice   int
	CPUAffinity   string
	SandboxRunner string

	// Metrics endpoint.
	MetricsEnabled bool
	MetricsPort    int
}

// Load reads the configuration from environment variables, falling back
// to defaults for anything unset.
func Load() (*Config, error) {
	brokerCfg := broker.DefaultConfig()
	brokerCfg.Host = getEnv("RABBITMQ_HOST", brokerCfg.Host)
	brokerCfg.Port = getIntEnv("RABBITMQ_PORT", brokerCfg.Port)
	brokerCfg.Username = getEnv("RABBITMQ_USER", brokerCfg.Username)
	brokerCfg.Password = getEnv("RABBITMQ_PASS", brokerCfg.Password)
	brokerCfg.VHost = getEnv("RABBITMQ_VHOST", brokerCfg.VHost)
	brokerCfg.Queue = getEnv("SUBMISSION_QUEUE", brokerCfg.Queue)
	brokerCfg.RetryAttempts = getIntEnv("RABBITMQ_RETRY_ATTEMPTS", brokerCfg.RetryAttempts)
	brokerCfg.RetryDelay = getDurationEnv("RABBITMQ_RETRY_DELAY", brokerCfg.RetryDelay)

	cfg := &Config{
		Broker:                   brokerCfg,
		MaxConcurrentSubmissions: getIntEnv("MAX_CONCURRENT_SUBMISSIONS", 1),
		MaxParallelTestcases:     getIntEnv("MAX_PARALLEL_TESTCASES", 4),
		MaxRetryCount:            getIntEnv("MAX_RETRY_COUNT", 3),
		DefaultTimeLimitSec:      int64(getIntEnv("DEFAULT_TIME_LIMIT", 3)),
		DefaultMemoryLimitKB:     int64(getIntEnv("DEFAULT_MEMORY_LIMIT", 262144)),
		AdaptiveMode:             getBoolEnv("ADAPTIVE_MODE", false),
		Thresholds: health.Thresholds{
			MemoryPercent: getFloatEnv("MEMORY_THRESHOLD", 85),
			SwapPercent:   getFloatEnv("SWAP_THRESHOLD", 10),
			CPUPercent:    getFloatEnv("CPU_THRESHOLD", 90),
		},
		SampleInterval: getDurationEnv("HEALTH_CHECK_INTERVAL", health.DefaultInterval),
		IsolateBinary:  getEnv("ISOLATE_BINARY", "isolate"),
		BoxRoot:        getEnv("ISOLATE_BOX_ROOT", sandbox.DefaultBoxRoot),
		IsolateNice:    getIntEnv("ISOLATE_NICE", 10),
		CPUAffinity:    getEnv("ISOLATE_CPU_AFFINITY", ""),
		SandboxRunner:  getEnv("SANDBOX_RUNNER", "judgesandbox"),
		MetricsEnabled: getBoolEnv("METRICS_ENABLED", false),
		MetricsPort:    getIntEnv("METRICS_PORT", 9090),
	}
	brokerCfg.PrefetchCount = cfg.MaxConcurrentSubmissions

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	if c.MaxConcurrentSubmissions < 1 {
		return fmt.Errorf("MAX_CONCURRENT_SUBMISSIONS must be at least 1")
	}
	if c.MaxParallelTestcases < 1 {
		return fmt.Errorf("MAX_PARALLEL_TESTCASES must be at least 1")
	}
	if c.MaxRetryCount < 1 {
		return fmt.Errorf("MAX_RETRY_COUNT must be at least 1")
	}
	if c.DefaultTimeLimitSec <= 0 || c.DefaultTimeLimitSec > 60 {
		return fmt.Errorf("DEFAULT_TIME_LIMIT must be in (0, 60] seconds")
	}
	if c.DefaultMemoryLimitKB <= 0 || c.DefaultMemoryLimitKB > 2097152 {
		return fmt.Errorf("DEFAULT_MEMORY_LIMIT must be in (0, 2097152] KB")
	}
	if c.MetricsEnabled && (c.MetricsPort <= 0 || c.MetricsPort > 65535) {
		return fmt.Errorf("invalid METRICS_PORT: %d", c.MetricsPort)
	}
	if err := c.Broker.Validate(); err != nil {
		return fmt.Errorf("broker config: %w", err)
	}
	return nil
}

// getEnv gets an environment variable with a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getIntEnv gets an integer environment variable with a default value.
func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// getBoolEnv gets a boolean environment variable with a default value.
func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// getFloatEnv gets a float environment variable with a default value.
func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// getDurationEnv gets a duration environment variable with a default value.
func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
