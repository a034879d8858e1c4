package broker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// Connection manages an AMQP connection with bounded retry on dial.
// Channel lifetimes are bounded by the connection lifetime: the consumer
// opens a fresh channel after every (re)connect.
type Connection struct {
	cfg    *Config
	logger *zap.Logger

	mu         sync.RWMutex
	conn       *amqp.Connection
	closed     atomic.Bool
	reconnects atomic.Int64

	// dial is swappable for tests.
	dial func(url string, cfg amqp.Config) (*amqp.Connection, error)
}

// NewConnection creates a connection manager.
func NewConnection(cfg *Config, logger *zap.Logger) *Connection {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Connection{cfg: cfg, logger: logger, dial: amqp.DialConfig}
}

// Connect dials the broker, retrying up to RetryAttempts with a linear
// RetryDelay backoff. Used both at startup and after a connection loss.
func (c *Connection) Connect(ctx context.Context) error {
	amqpCfg := amqp.Config{
		Heartbeat: c.cfg.Heartbeat,
		Locale:    "en_US",
	}

	var lastErr error
	for attempt := 1; attempt <= c.cfg.RetryAttempts; attempt++ {
		if c.closed.Load() {
			return fmt.Errorf("connection closed")
		}

		c.logger.Info("connecting to RabbitMQ",
			zap.String("host", c.cfg.Host),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", c.cfg.RetryAttempts))

		conn, err := c.dial(c.cfg.URL(), amqpCfg)
		if err == nil {
			c.mu.Lock()
			c.conn = conn
			c.mu.Unlock()
			if attempt > 1 {
				c.reconnects.Add(1)
			}
			c.logger.Info("connected to RabbitMQ", zap.String("host", c.cfg.Host))
			return nil
		}

		lastErr = err
		c.logger.Warn("RabbitMQ not ready, retrying",
			zap.Duration("delay", c.cfg.RetryDelay),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.cfg.RetryDelay):
		}
	}
	return fmt.Errorf("failed to connect to RabbitMQ after %d attempts: %w",
		c.cfg.RetryAttempts, lastErr)
}

// Channel opens a new channel on the current connection.
func (c *Connection) Channel() (*amqp.Channel, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.conn == nil || c.conn.IsClosed() {
		return nil, fmt.Errorf("connection is not available")
	}
	ch, err := c.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to create channel: %w", err)
	}
	return ch, nil
}

// IsOpen reports whether the underlying connection is usable.
func (c *Connection) IsOpen() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn != nil && !c.conn.IsClosed()
}

// ReconnectCount returns how many times the connection was re-established.
func (c *Connection) ReconnectCount() int64 {
	return c.reconnects.Load()
}

// Close closes the connection.
func (c *Connection) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil && !c.conn.IsClosed() {
		if err := c.conn.Close(); err != nil {
			return fmt.Errorf("failed to close connection: %w", err)
		}
	}
	c.logger.Info("RabbitMQ connection closed")
	return nil
}
