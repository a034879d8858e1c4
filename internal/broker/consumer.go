package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/TriNguyenThanh/UCode/internal/health"
	"github.com/TriNguyenThanh/UCode/internal/metrics"
	"github.com/TriNguyenThanh/UCode/internal/protocol"
	"github.com/TriNguyenThanh/UCode/internal/worker"
)

// State is the consumer lifecycle state.
type State int32

const (
	StateConnecting State = iota
	StateConsuming
	StatePaused
	StateDraining
	StateClosed
)

// String returns the state as a string.
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConsuming:
		return "consuming"
	case StatePaused:
		return "paused"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Channel is the slice of amqp.Channel the consumer uses. Narrowed to an
// interface so consumer logic is testable without a broker.
type Channel interface {
	Qos(prefetchCount, prefetchSize int, global bool) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Cancel(consumer string, noWait bool) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Handler is the submission handler seam.
type Handler interface {
	Handle(ctx context.Context, body []byte, retryCount int) worker.Decision
}

// ConsumerOptions configures the adaptive behaviour of a Consumer.
type ConsumerOptions struct {
	// Adaptive enables pause/resume on host overload.
	Adaptive       bool
	Thresholds     health.Thresholds
	SampleInterval time.Duration
}

// Consumer maintains the durable subscription on the submission queue,
// dispatches deliveries to the handler with prefetch-bounded concurrency,
// publishes replies and applies the adaptive pause/resume policy.
type Consumer struct {
	cfg     *Config
	conn    *Connection
	handler Handler
	sampler *health.Sampler
	metrics *metrics.Metrics
	logger  *zap.Logger
	opts    ConsumerOptions

	openChannel func() (Channel, error)

	ch          Channel
	consumerTag string
	state       atomic.Int32
	inflight    sync.WaitGroup

	// pubMu keeps a single writer on the channel.
	pubMu sync.Mutex
}

// NewConsumer creates an adaptive consumer.
func NewConsumer(cfg *Config, conn *Connection, handler Handler, sampler *health.Sampler, m *metrics.Metrics, opts ConsumerOptions, logger *zap.Logger) *Consumer {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.New()
	}
	if opts.SampleInterval <= 0 {
		opts.SampleInterval = health.DefaultInterval
	}
	zero := health.Thresholds{}
	if opts.Thresholds == zero {
		opts.Thresholds = health.DefaultThresholds()
	}
	c := &Consumer{
		cfg:         cfg,
		conn:        conn,
		handler:     handler,
		sampler:     sampler,
		metrics:     m,
		logger:      logger,
		opts:        opts,
		consumerTag: "judge-worker-" + uuid.NewString()[:8],
	}
	c.openChannel = func() (Channel, error) { return conn.Channel() }
	c.state.Store(int32(StateConnecting))
	return c
}

// State returns the current consumer state.
func (c *Consumer) State() State {
	return State(c.state.Load())
}

func (c *Consumer) setState(s State) {
	old := State(c.state.Swap(int32(s)))
	if old != s {
		c.logger.Info("consumer state changed",
			zap.String("from", old.String()),
			zap.String("to", s.String()))
	}
}

// Run connects, consumes until ctx is cancelled, then drains. It returns
// a non-nil error only on unrecoverable broker failure.
func (c *Consumer) Run(ctx context.Context) error {
	c.setState(StateConnecting)
	if err := c.conn.Connect(ctx); err != nil {
		return err
	}
	defer c.conn.Close()

	deliveries, err := c.setup()
	if err != nil {
		return err
	}
	c.setState(StateConsuming)
	c.logger.Info("consumer ready",
		zap.String("queue", c.cfg.Queue),
		zap.Int("max_concurrent", c.cfg.PrefetchCount),
		zap.Bool("adaptive", c.opts.Adaptive))

	var healthTick <-chan time.Time
	if c.opts.Adaptive && c.sampler != nil {
		ticker := time.NewTicker(c.opts.SampleInterval)
		defer ticker.Stop()
		healthTick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			c.drain()
			return nil

		case <-healthTick:
			var herr error
			deliveries, herr = c.checkHealth(ctx, deliveries)
			if herr != nil {
				return fmt.Errorf("reconnect failed: %w", herr)
			}

		case d, ok := <-deliveries:
			if !ok {
				if c.State() == StatePaused {
					// Cancelled by pause; wait for resume on the
					// health ticker.
					deliveries = nil
					continue
				}
				// Connection or channel loss: redeliveries cover the
				// unacked inflight work.
				c.logger.Warn("delivery stream closed, reconnecting")
				c.metrics.Reconnects.Inc()
				c.setState(StateConnecting)
				if err := c.conn.Connect(ctx); err != nil {
					return fmt.Errorf("reconnect failed: %w", err)
				}
				deliveries, err = c.setup()
				if err != nil {
					return fmt.Errorf("resubscribe failed: %w", err)
				}
				c.setState(StateConsuming)
				continue
			}

			c.inflight.Add(1)
			c.metrics.Inflight.Inc()
			go func(d amqp.Delivery) {
				defer c.inflight.Done()
				defer c.metrics.Inflight.Dec()
				c.process(ctx, d)
			}(d)
		}
	}
}

// setup opens a channel, declares the queue, applies prefetch and starts
// consuming.
func (c *Consumer) setup() (<-chan amqp.Delivery, error) {
	ch, err := c.openChannel()
	if err != nil {
		return nil, err
	}
	if err := ch.Qos(c.cfg.PrefetchCount, 0, false); err != nil {
		ch.Close()
		return nil, fmt.Errorf("set qos: %w", err)
	}
	if _, err := ch.QueueDeclare(c.cfg.Queue, true, false, false, false, nil); err != nil {
		ch.Close()
		return nil, fmt.Errorf("declare queue %s: %w", c.cfg.Queue, err)
	}
	deliveries, err := ch.Consume(c.cfg.Queue, c.consumerTag, false, false, false, false, nil)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("consume %s: %w", c.cfg.Queue, err)
	}
	// Inflight handlers publish on c.ch under pubMu; take it here so the
	// swap is visible to them.
	c.pubMu.Lock()
	c.ch = ch
	c.pubMu.Unlock()
	return deliveries, nil
}

// checkHealth applies the pause/resume policy and returns the (possibly
// new) delivery stream. A non-nil error means the broker could not be
// reached within the retry budget and the consumer must stop.
func (c *Consumer) checkHealth(ctx context.Context, deliveries <-chan amqp.Delivery) (<-chan amqp.Delivery, error) {
	reading, err := c.sampler.Sample()
	if err != nil {
		return deliveries, nil
	}

	overloaded := reading.Overloaded(c.opts.Thresholds)
	switch c.State() {
	case StateConsuming:
		if overloaded {
			c.logger.Warn("host overloaded, pausing consumption",
				zap.Float64("memory_percent", reading.MemoryPercent),
				zap.Float64("swap_percent", reading.SwapPercent),
				zap.Float64("cpu_percent", reading.CPUPercent))
			// Cancel the subscription only; inflight deliveries keep
			// running and are acked normally.
			if err := c.ch.Cancel(c.consumerTag, false); err != nil {
				c.logger.Warn("cancel on pause failed", zap.Error(err))
				return deliveries, nil
			}
			c.metrics.ConsumerPaused.Set(1)
			c.setState(StatePaused)
		}
	case StatePaused:
		if !overloaded {
			c.logger.Info("host recovered, resuming consumption")
			resumed, err := c.resume(ctx)
			if err != nil {
				return deliveries, err
			}
			c.metrics.ConsumerPaused.Set(0)
			c.setState(StateConsuming)
			return resumed, nil
		}
	}
	return deliveries, nil
}

// resume re-subscribes after a pause. The channel survives the pause, so
// the common case is a fresh Consume on it; when the connection died
// while paused, connection and channel are rebuilt under the usual retry
// policy first.
func (c *Consumer) resume(ctx context.Context) (<-chan amqp.Delivery, error) {
	if c.conn.IsOpen() {
		deliveries, err := c.ch.Consume(c.cfg.Queue, c.consumerTag, false, false, false, false, nil)
		if err == nil {
			return deliveries, nil
		}
		c.logger.Warn("resubscribe on paused channel failed", zap.Error(err))
	}
	c.metrics.Reconnects.Inc()
	if err := c.conn.Connect(ctx); err != nil {
		return nil, err
	}
	return c.setup()
}

// process handles one delivery end to end: handler decision, requeue or
// reply publishing, then ack.
func (c *Consumer) process(ctx context.Context, d amqp.Delivery) {
	retryCount := headerInt(d.Headers, protocol.RetryCountHeader)

	decision := c.handler.Handle(ctx, d.Body, retryCount)

	if decision.Requeue != nil {
		if err := c.publishRequeue(ctx, d, decision.Requeue); err != nil {
			c.logger.Error("requeue publish failed", zap.Error(err))
		} else {
			c.metrics.RequeuesTotal.Inc()
			c.metrics.SubmissionsTotal.WithLabelValues("requeued").Inc()
			c.logger.Info("requeued message for retry",
				zap.Int("retry_count", decision.Requeue.RetryCount))
		}
	}

	if decision.Reply != nil {
		if d.ReplyTo == "" {
			// No return address: the reply has nowhere to go.
			c.metrics.SubmissionsTotal.WithLabelValues("dropped").Inc()
			c.logger.Warn("reply dropped, message has no replyTo",
				zap.String("submission_id", decision.Reply.SubmissionID))
		} else if err := c.publishReply(ctx, d, decision.Reply); err != nil {
			c.logger.Error("reply publish failed",
				zap.String("reply_to", d.ReplyTo), zap.Error(err))
			// Publish failure is transient; give the message another try.
			if rqErr := c.publishRequeue(ctx, d, &worker.Requeue{Body: d.Body, RetryCount: retryCount + 1}); rqErr != nil {
				c.logger.Error("requeue after failed reply also failed", zap.Error(rqErr))
			} else {
				c.metrics.RequeuesTotal.Inc()
			}
		} else {
			c.metrics.RepliesPublished.Inc()
			c.metrics.SubmissionsTotal.WithLabelValues("replied").Inc()
			c.logger.Info("reply sent",
				zap.String("reply_to", d.ReplyTo),
				zap.String("correlation_id", d.CorrelationId),
				zap.String("error_code", decision.Reply.ErrorCode))
		}
	}

	if err := d.Ack(false); err != nil {
		c.logger.Error("ack failed", zap.Error(err))
	}
}

// publishRequeue republishes the original body to the submission queue
// with an incremented retry header, preserving the return address.
func (c *Consumer) publishRequeue(ctx context.Context, d amqp.Delivery, rq *worker.Requeue) error {
	c.pubMu.Lock()
	defer c.pubMu.Unlock()
	return c.ch.PublishWithContext(ctx, "", c.cfg.Queue, false, false, amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		Body:          rq.Body,
		Headers:       amqp.Table{protocol.RetryCountHeader: int32(rq.RetryCount)},
		ReplyTo:       d.ReplyTo,
		CorrelationId: d.CorrelationId,
	})
}

// publishReply sends the result to the delivery's replyTo queue with the
// original correlation id.
func (c *Consumer) publishReply(ctx context.Context, d amqp.Delivery, reply *protocol.ResultMessage) error {
	body, err := json.Marshal(reply)
	if err != nil {
		return fmt.Errorf("encode reply: %w", err)
	}
	c.pubMu.Lock()
	defer c.pubMu.Unlock()
	return c.ch.PublishWithContext(ctx, "", d.ReplyTo, false, false, amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		Body:          body,
		CorrelationId: d.CorrelationId,
	})
}

// drain stops accepting deliveries, waits for inflight handlers, then
// closes the channel. The connection close follows in Run.
func (c *Consumer) drain() {
	c.setState(StateDraining)
	if c.ch != nil {
		if err := c.ch.Cancel(c.consumerTag, false); err != nil {
			c.logger.Warn("cancel on drain failed", zap.Error(err))
		}
	}
	c.inflight.Wait()
	if c.ch != nil {
		if err := c.ch.Close(); err != nil {
			c.logger.Warn("channel close failed", zap.Error(err))
		}
	}
	c.setState(StateClosed)
	c.logger.Info("consumer stopped cleanly")
}

// headerInt reads an integer header, tolerating the integral types the
// AMQP field table can carry.
func headerInt(headers amqp.Table, key string) int {
	v, ok := headers[key]
	if !ok {
		return 0
	}
	switch n := v.(type) {
	case int:
		return n
	case int8:
		return int(n)
	case int16:
		return int(n)
	case int32:
		return int(n)
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}
