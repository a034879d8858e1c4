package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TriNguyenThanh/UCode/internal/health"
	"github.com/TriNguyenThanh/UCode/internal/protocol"
	"github.com/TriNguyenThanh/UCode/internal/worker"
)

type publishedMsg struct {
	exchange string
	key      string
	msg      amqp.Publishing
}

// fakeChannel records publishes and consumer management calls.
type fakeChannel struct {
	mu         sync.Mutex
	published  []publishedMsg
	cancelled  []string
	closed     bool
	failKey    string
	deliveries chan amqp.Delivery
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{deliveries: make(chan amqp.Delivery, 8)}
}

func (f *fakeChannel) Qos(prefetchCount, prefetchSize int, global bool) error { return nil }

func (f *fakeChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	return amqp.Queue{Name: name}, nil
}

func (f *fakeChannel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	return f.deliveries, nil
}

func (f *fakeChannel) Cancel(consumer string, noWait bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, consumer)
	return nil
}

func (f *fakeChannel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failKey != "" && key == f.failKey {
		return fmt.Errorf("channel closed")
	}
	f.published = append(f.published, publishedMsg{exchange: exchange, key: key, msg: msg})
	return nil
}

func (f *fakeChannel) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeChannel) publishes() []publishedMsg {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]publishedMsg(nil), f.published...)
}

// fakeAck records acknowledgements for a delivery.
type fakeAck struct {
	mu    sync.Mutex
	acked []uint64
}

func (a *fakeAck) Ack(tag uint64, multiple bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.acked = append(a.acked, tag)
	return nil
}

func (a *fakeAck) Nack(tag uint64, multiple, requeue bool) error { return errors.New("unexpected nack") }

func (a *fakeAck) Reject(tag uint64, requeue bool) error { return errors.New("unexpected reject") }

// fakeHandler returns a canned decision and records what it was handed.
type fakeHandler struct {
	decision   worker.Decision
	body       []byte
	retryCount int
	calls      int
}

func (h *fakeHandler) Handle(ctx context.Context, body []byte, retryCount int) worker.Decision {
	h.calls++
	h.body = body
	h.retryCount = retryCount
	return h.decision
}

func newTestConsumer(handler Handler, ch *fakeChannel, opts ConsumerOptions) *Consumer {
	cfg := DefaultConfig()
	conn := NewConnection(cfg, nil)
	c := NewConsumer(cfg, conn, handler, nil, nil, opts, nil)
	c.ch = ch
	return c
}

func delivery(ack *fakeAck, tag uint64, body []byte, retryCount int) amqp.Delivery {
	d := amqp.Delivery{
		Acknowledger:  ack,
		DeliveryTag:   tag,
		Body:          body,
		ReplyTo:       "reply-q",
		CorrelationId: "corr-1",
	}
	if retryCount > 0 {
		d.Headers = amqp.Table{protocol.RetryCountHeader: int32(retryCount)}
	}
	return d
}

func TestProcessPublishesReply(t *testing.T) {
	reply := &protocol.ResultMessage{SubmissionID: "sub-1", ErrorCode: protocol.CodePassed, CompileResult: "00"}
	handler := &fakeHandler{decision: worker.Decision{Reply: reply}}
	ch := newFakeChannel()
	c := newTestConsumer(handler, ch, ConsumerOptions{})

	ack := &fakeAck{}
	c.process(context.Background(), delivery(ack, 7, []byte(`{"SubmissionId":"sub-1"}`), 2))

	assert.Equal(t, 2, handler.retryCount)
	assert.Equal(t, []byte(`{"SubmissionId":"sub-1"}`), handler.body)

	pubs := ch.publishes()
	require.Len(t, pubs, 1)
	assert.Equal(t, "", pubs[0].exchange)
	assert.Equal(t, "reply-q", pubs[0].key)
	assert.Equal(t, "corr-1", pubs[0].msg.CorrelationId)
	assert.Equal(t, uint8(amqp.Persistent), pubs[0].msg.DeliveryMode)

	var got protocol.ResultMessage
	require.NoError(t, json.Unmarshal(pubs[0].msg.Body, &got))
	assert.Equal(t, *reply, got)

	assert.Equal(t, []uint64{7}, ack.acked)
}

func TestProcessRequeuesWithIncrementedHeader(t *testing.T) {
	body := []byte(`{"SubmissionId":"sub-2"}`)
	handler := &fakeHandler{decision: worker.Decision{Requeue: &worker.Requeue{Body: body, RetryCount: 2}}}
	ch := newFakeChannel()
	c := newTestConsumer(handler, ch, ConsumerOptions{})

	ack := &fakeAck{}
	c.process(context.Background(), delivery(ack, 3, body, 1))

	pubs := ch.publishes()
	require.Len(t, pubs, 1)
	assert.Equal(t, "submission_queue", pubs[0].key)
	assert.Equal(t, body, []byte(pubs[0].msg.Body))
	assert.Equal(t, int32(2), pubs[0].msg.Headers[protocol.RetryCountHeader])
	assert.Equal(t, "reply-q", pubs[0].msg.ReplyTo, "return address survives the requeue")
	assert.Equal(t, []uint64{3}, ack.acked)
}

func TestProcessDropsReplyWithoutReturnAddress(t *testing.T) {
	handler := &fakeHandler{decision: worker.Decision{Reply: &protocol.ResultMessage{SubmissionID: "sub-3"}}}
	ch := newFakeChannel()
	c := newTestConsumer(handler, ch, ConsumerOptions{})

	ack := &fakeAck{}
	d := delivery(ack, 4, []byte(`{}`), 0)
	d.ReplyTo = ""
	c.process(context.Background(), d)

	assert.Empty(t, ch.publishes())
	assert.Equal(t, []uint64{4}, ack.acked, "undeliverable messages are still acked")
}

func TestProcessRequeuesWhenReplyPublishFails(t *testing.T) {
	body := []byte(`{"SubmissionId":"sub-4"}`)
	handler := &fakeHandler{decision: worker.Decision{Reply: &protocol.ResultMessage{SubmissionID: "sub-4"}}}
	ch := newFakeChannel()
	ch.failKey = "reply-q"
	c := newTestConsumer(handler, ch, ConsumerOptions{})

	ack := &fakeAck{}
	c.process(context.Background(), delivery(ack, 5, body, 1))

	pubs := ch.publishes()
	require.Len(t, pubs, 1)
	assert.Equal(t, "submission_queue", pubs[0].key)
	assert.Equal(t, int32(2), pubs[0].msg.Headers[protocol.RetryCountHeader])
	assert.Equal(t, []uint64{5}, ack.acked)
}

func TestHeaderInt(t *testing.T) {
	tests := []struct {
		name    string
		headers amqp.Table
		want    int
	}{
		{"missing", nil, 0},
		{"int32", amqp.Table{protocol.RetryCountHeader: int32(3)}, 3},
		{"int64", amqp.Table{protocol.RetryCountHeader: int64(4)}, 4},
		{"int", amqp.Table{protocol.RetryCountHeader: 5}, 5},
		{"float64", amqp.Table{protocol.RetryCountHeader: float64(6)}, 6},
		{"unsupported type", amqp.Table{protocol.RetryCountHeader: "7"}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, headerInt(tt.headers, protocol.RetryCountHeader))
		})
	}
}

func TestCheckHealthPauseAndResume(t *testing.T) {
	sampler := health.NewSampler(nil)
	overloaded := true
	sampler.SetReader(func() (health.Reading, error) {
		if overloaded {
			return health.Reading{MemoryPercent: 95}, nil
		}
		return health.Reading{MemoryPercent: 40}, nil
	})

	ch := newFakeChannel()
	cfg := DefaultConfig()
	conn := NewConnection(cfg, nil)
	conn.conn = &amqp.Connection{}
	c := NewConsumer(cfg, conn, &fakeHandler{}, sampler, nil, ConsumerOptions{Adaptive: true}, nil)
	c.ch = ch
	c.setState(StateConsuming)

	opened := 0
	c.openChannel = func() (Channel, error) {
		opened++
		return newFakeChannel(), nil
	}

	// Overloaded: the subscription is cancelled but the channel stays open.
	deliveries, err := c.checkHealth(context.Background(), ch.deliveries)
	require.NoError(t, err)
	assert.Equal(t, StatePaused, c.State())
	assert.Equal(t, []string{c.consumerTag}, ch.cancelled)
	assert.False(t, ch.closed)

	// Still overloaded: stays paused, no duplicate cancel.
	deliveries, err = c.checkHealth(context.Background(), deliveries)
	require.NoError(t, err)
	assert.Equal(t, StatePaused, c.State())
	assert.Len(t, ch.cancelled, 1)

	// Recovered: the paused channel is re-subscribed, not replaced.
	overloaded = false
	got, err := c.checkHealth(context.Background(), deliveries)
	require.NoError(t, err)
	assert.Equal(t, StateConsuming, c.State())
	assert.Equal(t, (<-chan amqp.Delivery)(ch.deliveries), got)
	assert.Zero(t, opened, "resume must reuse the channel the pause left open")
	assert.False(t, ch.closed)
}

func TestResumeReconnectsAfterConnectionLoss(t *testing.T) {
	sampler := health.NewSampler(nil)
	sampler.SetReader(func() (health.Reading, error) {
		return health.Reading{MemoryPercent: 40}, nil
	})

	cfg := DefaultConfig()
	cfg.RetryAttempts = 2
	cfg.RetryDelay = time.Millisecond
	conn := NewConnection(cfg, nil)
	dials := 0
	conn.dial = func(url string, _ amqp.Config) (*amqp.Connection, error) {
		dials++
		return &amqp.Connection{}, nil
	}

	c := NewConsumer(cfg, conn, &fakeHandler{}, sampler, nil, ConsumerOptions{Adaptive: true}, nil)
	c.ch = newFakeChannel()
	c.setState(StatePaused)

	fresh := newFakeChannel()
	c.openChannel = func() (Channel, error) { return fresh, nil }

	got, err := c.checkHealth(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, dials, "a dead connection is re-dialled before resubscribing")
	assert.Equal(t, StateConsuming, c.State())
	assert.Equal(t, (<-chan amqp.Delivery)(fresh.deliveries), got)
}

func TestResumeFailsConsumerWhenRetriesExhaust(t *testing.T) {
	sampler := health.NewSampler(nil)
	sampler.SetReader(func() (health.Reading, error) {
		return health.Reading{MemoryPercent: 40}, nil
	})

	cfg := DefaultConfig()
	cfg.RetryAttempts = 2
	cfg.RetryDelay = time.Millisecond
	conn := NewConnection(cfg, nil)
	conn.dial = func(url string, _ amqp.Config) (*amqp.Connection, error) {
		return nil, errors.New("connection refused")
	}

	c := NewConsumer(cfg, conn, &fakeHandler{}, sampler, nil, ConsumerOptions{Adaptive: true}, nil)
	c.ch = newFakeChannel()
	c.setState(StatePaused)

	_, err := c.checkHealth(context.Background(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 2 attempts")
}

func TestCheckHealthSampleFailureKeepsConsuming(t *testing.T) {
	sampler := health.NewSampler(nil)
	sampler.SetReader(func() (health.Reading, error) {
		return health.Reading{}, errors.New("proc unavailable")
	})

	ch := newFakeChannel()
	c := newTestConsumer(&fakeHandler{}, ch, ConsumerOptions{Adaptive: true})
	c.sampler = sampler
	c.setState(StateConsuming)

	_, err := c.checkHealth(context.Background(), ch.deliveries)
	require.NoError(t, err)
	assert.Equal(t, StateConsuming, c.State())
	assert.Empty(t, ch.cancelled)
}

func TestResubscribeDuringPublish(t *testing.T) {
	handler := &fakeHandler{}
	c := newTestConsumer(handler, newFakeChannel(), ConsumerOptions{})
	c.openChannel = func() (Channel, error) { return newFakeChannel(), nil }

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		d := delivery(&fakeAck{}, 1, []byte(`{}`), 0)
		for {
			select {
			case <-stop:
				return
			default:
				_ = c.publishReply(context.Background(), d, &protocol.ResultMessage{SubmissionID: "sub-r"})
				_ = c.publishRequeue(context.Background(), d, &worker.Requeue{Body: d.Body, RetryCount: 1})
			}
		}
	}()

	// Channel swaps race against inflight publishes; run under -race.
	for i := 0; i < 200; i++ {
		_, err := c.setup()
		require.NoError(t, err)
	}
	close(stop)
	wg.Wait()
}

func TestDrainCancelsWaitsAndCloses(t *testing.T) {
	ch := newFakeChannel()
	c := newTestConsumer(&fakeHandler{}, ch, ConsumerOptions{})
	c.setState(StateConsuming)

	c.drain()
	assert.Equal(t, StateClosed, c.State())
	assert.Equal(t, []string{c.consumerTag}, ch.cancelled)
	assert.True(t, ch.closed)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "connecting", StateConnecting.String())
	assert.Equal(t, "consuming", StateConsuming.String())
	assert.Equal(t, "paused", StatePaused.String())
	assert.Equal(t, "draining", StateDraining.String())
	assert.Equal(t, "closed", StateClosed.String())
}
