// Package broker maintains the RabbitMQ side of the judge worker: the
// connection, the adaptive consumer and reply publishing.
package broker

import (
	"fmt"
	"time"
)

// Config holds RabbitMQ connection and consumer configuration.
type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	VHost    string

	// Queue is the durable submission queue.
	Queue string

	// PrefetchCount caps unacked deliveries; it is the admission control
	// for concurrent submissions.
	PrefetchCount int

	ConnectTimeout time.Duration
	Heartbeat      time.Duration

	// Connection retry policy, applied both at startup and on loss.
	RetryAttempts int
	RetryDelay    time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Host:           "localhost",
		Port:           5672,
		Username:       "guest",
		Password:       "guest",
		VHost:          "/",
		Queue:          "submission_queue",
		PrefetchCount:  1,
		ConnectTimeout: 30 * time.Second,
		Heartbeat:      600 * time.Second,
		RetryAttempts:  30,
		RetryDelay:     2 * time.Second,
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("host is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	if c.Username == "" {
		return fmt.Errorf("username is required")
	}
	if c.Queue == "" {
		return fmt.Errorf("queue is required")
	}
	if c.PrefetchCount < 1 {
		return fmt.Errorf("prefetch_count must be at least 1")
	}
	if c.RetryAttempts < 1 {
		return fmt.Errorf("retry_attempts must be at least 1")
	}
	return nil
}

// URL constructs the AMQP URL.
func (c *Config) URL() string {
	return fmt.Sprintf("amqp://%s:%s@%s:%d/%s",
		c.Username, c.Password, c.Host, c.Port, c.VHost)
}
