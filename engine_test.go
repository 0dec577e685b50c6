package rmqengine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/glimte/rmqengine/config"
	"github.com/glimte/rmqengine/health"
	"github.com/glimte/rmqengine/internal/rabbitmq"
	"github.com/glimte/rmqengine/messaging"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// eventLog records broker calls across channels and the connection in order
type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) add(event string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, event)
}

func (l *eventLog) all() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.events))
	copy(out, l.events)
	return out
}

func (l *eventLog) lastIndex(event string) int {
	events := l.all()
	for i := len(events) - 1; i >= 0; i-- {
		if events[i] == event {
			return i
		}
	}
	return -1
}

func (l *eventLog) index(event string) int {
	for i, e := range l.all() {
		if e == event {
			return i
		}
	}
	return -1
}

type brokerChannel struct {
	log       *eventLog
	mu        sync.Mutex
	queues    []string
	consumers map[string]chan amqp.Delivery
	published []string
	closed    bool
}

func (c *brokerChannel) Qos(int, int, bool) error { return nil }

func (c *brokerChannel) ExchangeDeclare(string, string, bool, bool, bool, bool, amqp.Table) error {
	return nil
}

func (c *brokerChannel) QueueDeclare(name string, _, _, _, _ bool, _ amqp.Table) (amqp.Queue, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queues = append(c.queues, name)
	return amqp.Queue{Name: name}, nil
}

func (c *brokerChannel) QueueBind(string, string, string, bool, amqp.Table) error { return nil }

func (c *brokerChannel) Consume(queue, tag string, _, _, _, _ bool, _ amqp.Table) (<-chan amqp.Delivery, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	deliveries := make(chan amqp.Delivery, 8)
	c.consumers[tag] = deliveries
	return deliveries, nil
}

func (c *brokerChannel) Cancel(tag string, _ bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if deliveries, ok := c.consumers[tag]; ok {
		close(deliveries)
		delete(c.consumers, tag)
	}
	c.log.add("cancel")
	return nil
}

func (c *brokerChannel) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, _ amqp.Publishing) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return amqp.ErrClosed
	}
	c.published = append(c.published, exchange+"/"+key)
	return nil
}

func (c *brokerChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.log.add("close channel")
	return nil
}

func (c *brokerChannel) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *brokerChannel) deliver(d amqp.Delivery) {
	c.mu.Lock()
	var target chan amqp.Delivery
	for _, deliveries := range c.consumers {
		target = deliveries
		break
	}
	c.mu.Unlock()
	target <- d
}

type brokerConnection struct {
	log      *eventLog
	mu       sync.Mutex
	channels []*brokerChannel
	notify   []chan *amqp.Error
	closed   bool
}

func (c *brokerConnection) Channel() (rabbitmq.Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := &brokerChannel{log: c.log, consumers: make(map[string]chan amqp.Delivery)}
	c.channels = append(c.channels, ch)
	return ch, nil
}

func (c *brokerConnection) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notify = append(c.notify, receiver)
	return receiver
}

func (c *brokerConnection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.log.add("close connection")
	return nil
}

func (c *brokerConnection) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *brokerConnection) drop(err *amqp.Error) {
	c.mu.Lock()
	c.closed = true
	receivers := c.notify
	c.mu.Unlock()
	for _, r := range receivers {
		r <- err
	}
}

// declaredQueues lists the queues declared on any channel
func (c *brokerConnection) declaredQueues() []string {
	c.mu.Lock()
	channels := append([]*brokerChannel(nil), c.channels...)
	c.mu.Unlock()

	var queues []string
	for _, ch := range channels {
		ch.mu.Lock()
		queues = append(queues, ch.queues...)
		ch.mu.Unlock()
	}
	return queues
}

func (c *brokerConnection) first() *brokerChannel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.channels[0]
}

type mockAcknowledger struct {
	mock.Mock
}

func (m *mockAcknowledger) Ack(tag uint64, multiple bool) error {
	return m.Called(tag, multiple).Error(0)
}

func (m *mockAcknowledger) Nack(tag uint64, multiple bool, requeue bool) error {
	return m.Called(tag, multiple, requeue).Error(0)
}

func (m *mockAcknowledger) Reject(tag uint64, requeue bool) error {
	return m.Called(tag, requeue).Error(0)
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Queues = []config.Queue{{
		Name:       "orders",
		Exchange:   config.Exchange{Name: "orders", Type: "topic"},
		RoutingKey: "order.created",
		RetryTTLMs: 1000,
	}}
	return cfg
}

func newTestEngine(t *testing.T, cfg *config.Config, opts ...Option) (*Engine, *brokerConnection) {
	t.Helper()
	conn := &brokerConnection{log: &eventLog{}}
	dialer := func(string, amqp.Config) (rabbitmq.Connection, error) { return conn, nil }
	opts = append([]Option{
		WithDialer(dialer),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}, opts...)

	e, err := New(cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e, conn
}

func TestNew(t *testing.T) {
	t.Run("rejects invalid configuration", func(t *testing.T) {
		cfg := testConfig()
		cfg.Channels = []config.Channel{{Name: "a", Prefetch: 1, Concurrency: 1}}

		_, err := New(cfg)
		var cfgErr *ConfigurationError
		require.ErrorAs(t, err, &cfgErr)
		assert.ErrorIs(t, err, ErrNoPrimaryGroup)
		assert.True(t, IsFatal(err))
	})

	t.Run("nil configuration uses defaults", func(t *testing.T) {
		e, err := New(nil)
		require.NoError(t, err)
		assert.Equal(t, 3, e.Config().RetryLimit)
	})
}

func TestEngineLifecycle(t *testing.T) {
	t.Run("start declares topology and attaches consumers", func(t *testing.T) {
		e, conn := newTestEngine(t, testConfig())
		require.NoError(t, e.RegisterFunc("orders", "", func(ctx context.Context, msg *messaging.Message) error {
			return nil
		}))

		require.NoError(t, e.Start(context.Background()))

		assert.ElementsMatch(t, []string{"orders", "orders.retry", "orders.dlq"}, conn.declaredQueues())
		assert.Len(t, e.ActiveConsumers()["orders"], 1)
		assert.Equal(t, health.StatusHealthy, e.Health(context.Background()).Status)
		assert.Equal(t, health.StatusHealthy, e.HealthRegistry().Check(context.Background()).Status)
	})

	t.Run("start twice fails", func(t *testing.T) {
		e, _ := newTestEngine(t, testConfig())
		require.NoError(t, e.Start(context.Background()))
		assert.ErrorIs(t, e.Start(context.Background()), ErrAlreadyStarted)
	})

	t.Run("register after start fails", func(t *testing.T) {
		e, _ := newTestEngine(t, testConfig())
		require.NoError(t, e.Start(context.Background()))
		err := e.Register("orders", "", messaging.HandlerFunc(func(context.Context, *messaging.Message) error { return nil }))
		assert.ErrorIs(t, err, ErrAlreadyStarted)
	})

	t.Run("duplicate registration is rejected", func(t *testing.T) {
		e, _ := newTestEngine(t, testConfig())
		h := messaging.HandlerFunc(func(context.Context, *messaging.Message) error { return nil })
		require.NoError(t, e.Register("orders", "", h))
		assert.ErrorIs(t, e.Register("orders", "", h), messaging.ErrDuplicateBinding)
	})

	t.Run("dial failure closes the engine", func(t *testing.T) {
		dialErr := errors.New("refused")
		e, err := New(testConfig(),
			WithDialer(func(string, amqp.Config) (rabbitmq.Connection, error) { return nil, dialErr }),
			WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
		require.NoError(t, err)

		err = e.Start(context.Background())
		var connErr *ConnectionError
		require.ErrorAs(t, err, &connErr)
		assert.ErrorIs(t, err, dialErr)

		assert.ErrorIs(t, e.Start(context.Background()), ErrEngineClosed)
		assert.ErrorIs(t, e.Publish(context.Background(), "orders", "k", "x"), ErrEngineClosed)
		assert.NoError(t, e.Close())
	})

	t.Run("close releases consumers then channels then connection", func(t *testing.T) {
		e, conn := newTestEngine(t, testConfig())
		require.NoError(t, e.RegisterFunc("orders", "", func(context.Context, *messaging.Message) error { return nil }))
		require.NoError(t, e.Start(context.Background()))

		require.NoError(t, e.Close())
		require.NoError(t, e.Close())

		cancel := conn.log.index("cancel")
		closeChannel := conn.log.lastIndex("close channel")
		closeConn := conn.log.index("close connection")
		require.NotEqual(t, -1, cancel)
		assert.Less(t, cancel, closeChannel)
		assert.Less(t, closeChannel, closeConn)

		select {
		case <-e.Done():
		default:
			t.Fatal("done not closed after Close")
		}
		assert.NoError(t, e.Err())
		assert.Empty(t, e.ActiveConsumers())
	})
}

func TestEngineCloseCancelsBlockedHandler(t *testing.T) {
	cfg := testConfig()
	cfg.DrainTimeout = 50 * time.Millisecond
	e, conn := newTestEngine(t, cfg)

	entered := make(chan struct{})
	require.NoError(t, e.RegisterFunc("orders", "", func(ctx context.Context, msg *messaging.Message) error {
		close(entered)
		<-ctx.Done()
		return ctx.Err()
	}))
	require.NoError(t, e.Start(context.Background()))

	ack := &mockAcknowledger{}
	ack.On("Nack", uint64(1), false, false).Return(nil)
	conn.first().deliver(amqp.Delivery{Acknowledger: ack, DeliveryTag: 1, Body: []byte(`{}`)})

	select {
	case <-entered:
	case <-time.After(time.Second):
		t.Fatal("handler not invoked")
	}

	closed := make(chan error, 1)
	go func() { closed <- e.Close() }()

	select {
	case err := <-closed:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("close blocked on a handler waiting for its context")
	}
	ack.AssertExpectations(t)
	assert.True(t, conn.IsClosed())
}

type staticBindings []messaging.Binding

func (s staticBindings) Bindings() []messaging.Binding { return s }

func TestEngineBindingSources(t *testing.T) {
	cfg := testConfig()
	cfg.Queues = append(cfg.Queues, config.Queue{
		Name:       "audit",
		Exchange:   config.Exchange{Name: "audit", Type: "fanout"},
		RoutingKey: "#",
		RetryTTLMs: 1000,
	})
	noop := messaging.HandlerFunc(func(context.Context, *messaging.Message) error { return nil })

	e, _ := newTestEngine(t, cfg, WithBindings(staticBindings{{Queue: "audit", Handler: noop}}))
	require.NoError(t, e.Register("orders", "", noop))
	require.NoError(t, e.Start(context.Background()))

	consumers := e.ActiveConsumers()
	assert.Len(t, consumers["orders"], 1)
	assert.Len(t, consumers["audit"], 1)

	report := e.HealthRegistry().Check(context.Background())
	assert.Equal(t, health.StatusHealthy, report.Checks["consumers"].Status)
	assert.Equal(t, 1, report.Checks["consumers"].Details["audit"])
}

func TestEnginePublish(t *testing.T) {
	e, conn := newTestEngine(t, testConfig(), WithPublishCircuitBreaker(BreakerSettings{FailureThreshold: 2}))

	assert.ErrorIs(t, e.Publish(context.Background(), "orders", "order.created", "x"), ErrNotStarted)

	require.NoError(t, e.Start(context.Background()))
	require.NoError(t, e.Publish(context.Background(), "orders", "order.created",
		map[string]string{"id": "1"}, WithPriority(5), WithPersistent()))
	assert.Equal(t, []string{"orders/order.created"}, conn.first().published)

	require.NoError(t, e.Close())
	assert.ErrorIs(t, e.Publish(context.Background(), "orders", "order.created", "x"), ErrEngineClosed)
}

func TestEngineDelivery(t *testing.T) {
	e, conn := newTestEngine(t, testConfig())

	received := make(chan *messaging.Message, 1)
	require.NoError(t, e.RegisterFunc("orders", "", func(ctx context.Context, msg *messaging.Message) error {
		received <- msg
		return nil
	}))
	require.NoError(t, e.Start(context.Background()))

	ack := &mockAcknowledger{}
	acked := make(chan struct{})
	ack.On("Ack", uint64(1), false).Return(nil).Run(func(mock.Arguments) { close(acked) })

	conn.first().deliver(amqp.Delivery{
		Acknowledger: ack,
		DeliveryTag:  1,
		RoutingKey:   "order.created",
		Body:         []byte(`{"id":"1"}`),
	})

	select {
	case msg := <-received:
		assert.Equal(t, "orders", msg.Queue)
		assert.Equal(t, 1, msg.Attempt)
		assert.Equal(t, `{"id":"1"}`, msg.Text())
	case <-time.After(time.Second):
		t.Fatal("handler not invoked")
	}

	select {
	case <-acked:
	case <-time.After(time.Second):
		t.Fatal("delivery not acked")
	}
	ack.AssertExpectations(t)
}

func TestEngineFatalTransportError(t *testing.T) {
	e, conn := newTestEngine(t, testConfig())
	require.NoError(t, e.Start(context.Background()))

	conn.drop(&amqp.Error{Code: amqp.ConnectionForced, Reason: "shutdown"})

	select {
	case <-e.Done():
	case <-time.After(time.Second):
		t.Fatal("engine did not stop")
	}

	var connErr *ConnectionError
	require.ErrorAs(t, e.Err(), &connErr)
	assert.Equal(t, health.StatusUnhealthy, e.Health(context.Background()).Status)
}

func TestEngineRun(t *testing.T) {
	t.Run("returns nil when the context ends", func(t *testing.T) {
		e, conn := newTestEngine(t, testConfig())
		require.NoError(t, e.RegisterFunc("orders", "", func(context.Context, *messaging.Message) error { return nil }))

		ctx, cancel := context.WithCancel(context.Background())
		errCh := make(chan error, 1)
		go func() { errCh <- e.Run(ctx) }()

		require.Eventually(t, func() bool { return len(e.ActiveConsumers()["orders"]) == 1 }, time.Second, 10*time.Millisecond)
		cancel()

		select {
		case err := <-errCh:
			assert.NoError(t, err)
		case <-time.After(time.Second):
			t.Fatal("run did not return")
		}
		assert.True(t, conn.IsClosed())
	})

	t.Run("returns the transport error", func(t *testing.T) {
		e, conn := newTestEngine(t, testConfig())

		errCh := make(chan error, 1)
		go func() { errCh <- e.Run(context.Background()) }()

		require.Eventually(t, func() bool {
			conn.mu.Lock()
			defer conn.mu.Unlock()
			return len(conn.notify) > 0
		}, time.Second, 10*time.Millisecond)
		conn.drop(&amqp.Error{Code: amqp.ConnectionForced, Reason: "shutdown"})

		select {
		case err := <-errCh:
			var connErr *ConnectionError
			assert.ErrorAs(t, err, &connErr)
		case <-time.After(time.Second):
			t.Fatal("run did not return")
		}
	})
}
