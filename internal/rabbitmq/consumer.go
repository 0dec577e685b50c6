package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/rmqengine/messaging"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	// DefaultRetryLimit is the number of deliveries before a message is dead-lettered
	DefaultRetryLimit = 3
	// DefaultDrainTimeout is how long an in-flight handler may run after its
	// consumer is cancelled before the handler context is cancelled
	DefaultDrainTimeout = 10 * time.Second

	tracerName = "github.com/glimte/rmqengine"
)

// Outcome is the disposition of a single delivery
type Outcome string

const (
	OutcomeAcked        Outcome = "acked"
	OutcomeRetried      Outcome = "retried"
	OutcomeDeadLettered Outcome = "dead_lettered"
	OutcomeFailed       Outcome = "failed"
)

// MetricsCollector receives delivery and publish outcomes
type MetricsCollector interface {
	RecordDelivery(queue string, outcome Outcome, duration time.Duration)
	RecordPublish(exchange string, err error)
	ConsumerStarted(queue string)
	ConsumerStopped(queue string)
}

// NoOpMetrics discards every measurement
type NoOpMetrics struct{}

func (NoOpMetrics) RecordDelivery(string, Outcome, time.Duration) {}
func (NoOpMetrics) RecordPublish(string, error) {}
func (NoOpMetrics) ConsumerStarted(string) {}
func (NoOpMetrics) ConsumerStopped(string) {}

// Consumer attaches handlers to queues and applies the retry/dead-letter
// state machine to every delivery.
type Consumer struct {
	pool           *ChannelPool
	retryLimit     int
	handlerTimeout time.Duration
	drainTimeout   time.Duration
	logger         *slog.Logger
	metrics        MetricsCollector
	tracer         trace.Tracer
	fatal          chan error

	mu   sync.Mutex
	subs map[string][]*subscription
}

// ConsumerOption configures the consumer
type ConsumerOption func(*Consumer)

// WithRetryLimit sets how many deliveries a message gets before it is dead-lettered
func WithRetryLimit(limit int) ConsumerOption {
	return func(c *Consumer) {
		c.retryLimit = limit
	}
}

// WithHandlerTimeout bounds each handler invocation. Zero disables the bound.
func WithHandlerTimeout(timeout time.Duration) ConsumerOption {
	return func(c *Consumer) {
		c.handlerTimeout = timeout
	}
}

// WithDrainTimeout bounds how long Unsubscribe waits for an in-flight
// handler before cancelling its context. Zero cancels immediately.
func WithDrainTimeout(timeout time.Duration) ConsumerOption {
	return func(c *Consumer) {
		if timeout >= 0 {
			c.drainTimeout = timeout
		}
	}
}

// WithConsumerLogger sets the logger
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *Consumer) {
		c.logger = logger
	}
}

// WithConsumerMetrics sets the metrics collector
func WithConsumerMetrics(metrics MetricsCollector) ConsumerOption {
	return func(c *Consumer) {
		if metrics != nil {
			c.metrics = metrics
		}
	}
}

// WithTracer sets the tracer used for per-delivery spans
func WithTracer(tracer trace.Tracer) ConsumerOption {
	return func(c *Consumer) {
		if tracer != nil {
			c.tracer = tracer
		}
	}
}

// NewConsumer creates a new consumer
func NewConsumer(pool *ChannelPool, options ...ConsumerOption) *Consumer {
	c := &Consumer{
		pool:       pool,
		retryLimit:   DefaultRetryLimit,
		drainTimeout: DefaultDrainTimeout,
		logger:       slog.Default(),
		metrics:      NoOpMetrics{},
		tracer:       otel.Tracer(tracerName),
		fatal:        make(chan error, 1),
		subs:         make(map[string][]*subscription),
	}

	for _, opt := range options {
		opt(c)
	}

	return c
}

// subscription tracks one consumer attached to one channel instance
type subscription struct {
	queue    string
	group    string
	tag      string
	channel  *PooledChannel
	cancel   context.CancelFunc
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

func (s *subscription) halt() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// Subscribe starts one consumer per channel of the binding's group. Each
// consumer processes its deliveries sequentially; channels of the same group
// run in parallel. Handler invocations receive a context derived from ctx
// that is also cancelled when the consumer is stopped and its drain timeout
// elapses.
func (c *Consumer) Subscribe(ctx context.Context, binding messaging.Binding) error {
	if binding.Handler == nil {
		return ErrNilHandler
	}

	group, err := c.pool.GetChannel(binding.Group)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, existing := range c.subs[binding.Queue] {
		if existing.group == group.Name {
			return fmt.Errorf("%w: %s on group %s", ErrAlreadySubscribed, binding.Queue, group.Name)
		}
	}

	started := make([]*subscription, 0, len(group.Channels))
	for _, ch := range group.Channels {
		subCtx, cancel := context.WithCancel(ctx)
		sub := &subscription{
			queue:   binding.Queue,
			group:   group.Name,
			tag:     fmt.Sprintf("%s.%s", binding.Queue, uuid.New().String()),
			channel: ch,
			cancel:  cancel,
			stop:    make(chan struct{}),
			done:    make(chan struct{}),
		}

		deliveries, err := ch.Consume(
			binding.Queue,
			sub.tag,
			false, // auto-ack
			false, // exclusive
			false, // no-local
			false, // no-wait
			nil,
		)
		if err != nil {
			cancel()
			for _, s := range started {
				c.stopSubscription(s)
			}
			return &ChannelError{
				Op:        "consume " + binding.Queue,
				Group:     group.Name,
				ChannelID: ch.ID(),
				Err:       err,
				Timestamp: time.Now(),
			}
		}

		started = append(started, sub)
		c.metrics.ConsumerStarted(sub.queue)
		go c.processDeliveries(subCtx, sub, deliveries, binding.Handler)
	}

	c.subs[binding.Queue] = append(c.subs[binding.Queue], started...)

	c.logger.Info("subscribed to queue",
		"queue", binding.Queue,
		"group", group.Name,
		"consumers", len(started),
		"prefetch", group.Prefetch)

	return nil
}

// processDeliveries runs the delivery loop of one channel instance
func (c *Consumer) processDeliveries(ctx context.Context, sub *subscription, deliveries <-chan amqp.Delivery, handler messaging.Handler) {
	defer func() {
		sub.cancel()
		c.metrics.ConsumerStopped(sub.queue)
		c.logger.Info("consumer stopped", "queue", sub.queue, "consumerTag", sub.tag)
		close(sub.done)
	}()

	for {
		select {
		case <-sub.stop:
			return

		case delivery, ok := <-deliveries:
			if !ok {
				select {
				case <-sub.stop:
					return
				default:
				}
				c.reportFatal(&TransportError{
					Queue:       sub.queue,
					ConsumerTag: sub.tag,
					Op:          "consume",
					Err:         ErrDeliveriesClosed,
					Timestamp:   time.Now(),
				})
				return
			}

			if err := c.handleDelivery(ctx, sub, delivery, handler); err != nil {
				c.reportFatal(err)
				return
			}
		}
	}
}

// handleDelivery invokes the handler and settles the delivery:
//
//	success                          -> ack
//	failure, no x-death              -> nack without requeue (to <queue>.retry)
//	failure, count+1 <  retryLimit   -> nack without requeue (to <queue>.retry)
//	failure, count+1 >= retryLimit   -> publish record to <queue>.dlq, then ack
//
// Only transport failures are returned.
func (c *Consumer) handleDelivery(ctx context.Context, sub *subscription, delivery amqp.Delivery, handler messaging.Handler) error {
	start := time.Now()
	attempt := Attempt(delivery.Headers)

	spanCtx, span := c.tracer.Start(ctx, sub.queue+" process",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.system", "rabbitmq"),
			attribute.String("messaging.destination.name", sub.queue),
			attribute.String("messaging.message.id", delivery.MessageId),
			attribute.String("messaging.rabbitmq.destination.routing_key", delivery.RoutingKey),
			attribute.Int("messaging.rabbitmq.attempt", attempt),
		))
	defer span.End()

	msg := toMessage(sub, delivery, attempt)
	handlerErr := c.invoke(spanCtx, sub.queue, handler, msg)
	duration := time.Since(start)

	if handlerErr == nil {
		if err := delivery.Ack(false); err != nil {
			c.metrics.RecordDelivery(sub.queue, OutcomeFailed, duration)
			return c.transportError(sub, "ack", err)
		}
		c.metrics.RecordDelivery(sub.queue, OutcomeAcked, duration)
		return nil
	}

	span.RecordError(handlerErr)
	span.SetStatus(codes.Error, handlerErr.Error())

	if malformedDeath(delivery.Headers) {
		c.logger.Warn("unreadable x-death header, treating retries as exhausted",
			"queue", sub.queue,
			"messageId", delivery.MessageId,
			"xDeath", delivery.Headers["x-death"])
	}

	if !exhausted(delivery.Headers, c.retryLimit) {
		c.logger.Warn("message processing failed, scheduling retry",
			"queue", sub.queue,
			"messageId", delivery.MessageId,
			"attempt", attempt,
			"retryLimit", c.retryLimit,
			"error", handlerErr)

		if err := delivery.Nack(false, false); err != nil {
			c.metrics.RecordDelivery(sub.queue, OutcomeFailed, duration)
			return c.transportError(sub, "nack", err)
		}
		c.metrics.RecordDelivery(sub.queue, OutcomeRetried, duration)
		return nil
	}

	c.logger.Error("message exhausted retries, moving to dead-letter queue",
		"queue", sub.queue,
		"deadLetterQueue", DeadLetterQueueName(sub.queue),
		"messageId", delivery.MessageId,
		"attempt", attempt,
		"error", handlerErr)

	if err := c.deadLetter(ctx, sub, delivery, handlerErr); err != nil {
		c.metrics.RecordDelivery(sub.queue, OutcomeFailed, duration)
		return c.transportError(sub, "dead-letter publish", err)
	}
	// Ack, not reject: a reject would dead-letter into <queue>.retry again
	if err := delivery.Ack(false); err != nil {
		c.metrics.RecordDelivery(sub.queue, OutcomeFailed, duration)
		return c.transportError(sub, "ack", err)
	}
	c.metrics.RecordDelivery(sub.queue, OutcomeDeadLettered, duration)
	return nil
}

// invoke runs the handler, converting errors, panics and an exceeded
// handler timeout into a *HandlerError
func (c *Consumer) invoke(ctx context.Context, queue string, handler messaging.Handler, msg *messaging.Message) (err error) {
	if c.handlerTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.handlerTimeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("handler panicked",
				"queue", queue,
				"messageId", msg.MessageID,
				"panic", r)
			err = &HandlerError{
				Queue:     queue,
				MessageID: msg.MessageID,
				Attempt:   msg.Attempt,
				Err:       fmt.Errorf("%w: %v", ErrHandlerPanic, r),
				Timestamp: time.Now(),
			}
		}
	}()

	if herr := handler.Handle(ctx, msg); herr != nil {
		return &HandlerError{
			Queue:     queue,
			MessageID: msg.MessageID,
			Attempt:   msg.Attempt,
			Err:       herr,
			Timestamp: time.Now(),
		}
	}

	if c.handlerTimeout > 0 && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &HandlerError{
			Queue:     queue,
			MessageID: msg.MessageID,
			Attempt:   msg.Attempt,
			Err:       fmt.Errorf("handler exceeded %s: %w", c.handlerTimeout, ctx.Err()),
			Timestamp: time.Now(),
		}
	}
	return nil
}

// deadLetter publishes the failure record straight to <queue>.dlq through
// the default exchange
func (c *Consumer) deadLetter(ctx context.Context, sub *subscription, delivery amqp.Delivery, cause error) error {
	record := NewDeadLetterRecord(sub.queue, delivery, cause)
	publishing, err := record.Publishing()
	if err != nil {
		return fmt.Errorf("failed to encode dead-letter record: %w", err)
	}

	return sub.channel.PublishWithContext(
		context.WithoutCancel(ctx),
		"", // default exchange routes by queue name
		DeadLetterQueueName(sub.queue),
		false, // mandatory
		false, // immediate
		publishing,
	)
}

func (c *Consumer) transportError(sub *subscription, op string, err error) *TransportError {
	return &TransportError{
		Queue:       sub.queue,
		ConsumerTag: sub.tag,
		Op:          op,
		Err:         err,
		Timestamp:   time.Now(),
	}
}

// reportFatal hands a transport failure to the engine. Only the first
// failure is kept; later ones are logged.
func (c *Consumer) reportFatal(err error) {
	c.logger.Error("consumer stopped on transport error", "error", err)
	select {
	case c.fatal <- err:
	default:
	}
}

// Fatal delivers the first transport error raised by any consumer
func (c *Consumer) Fatal() <-chan error {
	return c.fatal
}

// Unsubscribe cancels every consumer of queue and waits for them to stop
func (c *Consumer) Unsubscribe(queue string) error {
	c.mu.Lock()
	subs, ok := c.subs[queue]
	delete(c.subs, queue)
	c.mu.Unlock()

	if !ok {
		return fmt.Errorf("no active consumer for queue: %s", queue)
	}

	for _, sub := range subs {
		c.stopSubscription(sub)
	}
	return nil
}

// stopSubscription cancels the broker consumer and waits for its goroutine.
// The stop signal goes first so the closed delivery channel is not
// mistaken for a transport failure. A handler still running after the
// drain timeout has its context cancelled.
func (c *Consumer) stopSubscription(sub *subscription) {
	sub.halt()
	if !sub.channel.IsClosed() {
		if err := sub.channel.Cancel(sub.tag, false); err != nil {
			c.logger.Warn("failed to cancel consumer",
				"queue", sub.queue,
				"consumerTag", sub.tag,
				"error", err)
		}
	}

	if c.drainTimeout > 0 {
		timer := time.NewTimer(c.drainTimeout)
		defer timer.Stop()
		select {
		case <-sub.done:
			return
		case <-timer.C:
			c.logger.Warn("handler still running after drain timeout, cancelling it",
				"queue", sub.queue,
				"consumerTag", sub.tag,
				"drainTimeout", c.drainTimeout)
		}
	}
	sub.cancel()
	<-sub.done
}

// UnsubscribeAll stops all active consumers
func (c *Consumer) UnsubscribeAll() {
	c.mu.Lock()
	queues := make([]string, 0, len(c.subs))
	for queue := range c.subs {
		queues = append(queues, queue)
	}
	c.mu.Unlock()

	var wg sync.WaitGroup
	for _, queue := range queues {
		wg.Add(1)
		go func(queue string) {
			defer wg.Done()
			if err := c.Unsubscribe(queue); err != nil {
				c.logger.Error("failed to unsubscribe", "queue", queue, "error", err)
			}
		}(queue)
	}
	wg.Wait()
}

// ActiveConsumers returns the consumer tags per subscribed queue
func (c *Consumer) ActiveConsumers() map[string][]string {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[string][]string, len(c.subs))
	for queue, subs := range c.subs {
		for _, sub := range subs {
			out[queue] = append(out[queue], sub.tag)
		}
	}
	return out
}

// toMessage builds the handler view of a delivery
func toMessage(sub *subscription, d amqp.Delivery, attempt int) *messaging.Message {
	var headers map[string]interface{}
	if d.Headers != nil {
		headers = map[string]interface{}(d.Headers)
	}

	return &messaging.Message{
		Properties: messaging.Properties{
			ContentType:     d.ContentType,
			ContentEncoding: d.ContentEncoding,
			Headers:         headers,
			DeliveryMode:    d.DeliveryMode,
			Priority:        d.Priority,
			CorrelationID:   d.CorrelationId,
			ReplyTo:         d.ReplyTo,
			Expiration:      d.Expiration,
			MessageID:       d.MessageId,
			Timestamp:       d.Timestamp,
			Type:            d.Type,
			UserID:          d.UserId,
			AppID:           d.AppId,
		},
		Body:        d.Body,
		Exchange:    d.Exchange,
		RoutingKey:  d.RoutingKey,
		Queue:       sub.queue,
		ConsumerTag: sub.tag,
		DeliveryTag: d.DeliveryTag,
		Redelivered: d.Redelivered,
		Attempt:     attempt,
	}
}
