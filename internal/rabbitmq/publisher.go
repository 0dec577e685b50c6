package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sony/gobreaker"
)

// Content types assigned by payload kind
const (
	ContentTypeBinary = "application/octet-stream"
	ContentTypeText   = "text/plain"
	ContentTypeJSON   = "application/json"
)

// BreakerSettings configures the optional publish circuit breaker
type BreakerSettings struct {
	// FailureThreshold is the number of consecutive failures that opens the breaker
	FailureThreshold uint32
	// ResetTimeout is how long the breaker stays open before probing again
	ResetTimeout time.Duration
}

// Publisher sends messages on the channel pool. Publishing is
// fire-and-forget: no confirms are requested.
type Publisher struct {
	pool           *ChannelPool
	breaker        *gobreaker.CircuitBreaker
	publishTimeout time.Duration
	logger         *slog.Logger
	metrics        MetricsCollector
}

// PublisherOption configures the publisher
type PublisherOption func(*Publisher)

// WithPublishTimeout bounds a publish call when ctx carries no deadline
func WithPublishTimeout(timeout time.Duration) PublisherOption {
	return func(p *Publisher) {
		p.publishTimeout = timeout
	}
}

// WithPublisherLogger sets the logger
func WithPublisherLogger(logger *slog.Logger) PublisherOption {
	return func(p *Publisher) {
		p.logger = logger
	}
}

// WithPublisherMetrics sets the metrics collector
func WithPublisherMetrics(metrics MetricsCollector) PublisherOption {
	return func(p *Publisher) {
		if metrics != nil {
			p.metrics = metrics
		}
	}
}

// WithCircuitBreaker guards publishing with a circuit breaker
func WithCircuitBreaker(settings BreakerSettings) PublisherOption {
	return func(p *Publisher) {
		if settings.FailureThreshold == 0 {
			settings.FailureThreshold = 5
		}
		if settings.ResetTimeout <= 0 {
			settings.ResetTimeout = 30 * time.Second
		}
		p.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "publisher",
			MaxRequests: 1,
			Interval:    0,
			Timeout:     settings.ResetTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= settings.FailureThreshold
			},
			OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
				p.logger.Warn("publish circuit breaker state changed",
					slog.String("breaker", name),
					slog.String("from", from.String()),
					slog.String("to", to.String()))
			},
		})
	}
}

// NewPublisher creates a new publisher
func NewPublisher(pool *ChannelPool, options ...PublisherOption) *Publisher {
	p := &Publisher{
		pool:           pool,
		publishTimeout: 10 * time.Second,
		logger:         slog.Default(),
		metrics:        NoOpMetrics{},
	}

	for _, opt := range options {
		opt(p)
	}

	return p
}

// publishOptions collects per-message settings
type publishOptions struct {
	group         string
	priority      uint8
	headers       amqp.Table
	messageID     string
	correlationID string
	persistent    bool
	contentType   string
}

// PublishOption configures a single publish
type PublishOption func(*publishOptions)

// WithPriority sets the message priority. The target queue needs a max priority.
func WithPriority(priority uint8) PublishOption {
	return func(o *publishOptions) {
		o.priority = priority
	}
}

// WithChannelGroup publishes on the named channel group instead of the primary one
func WithChannelGroup(group string) PublishOption {
	return func(o *publishOptions) {
		o.group = group
	}
}

// WithHeaders adds application headers
func WithHeaders(headers map[string]interface{}) PublishOption {
	return func(o *publishOptions) {
		if o.headers == nil {
			o.headers = amqp.Table{}
		}
		for k, v := range headers {
			o.headers[k] = v
		}
	}
}

// WithMessageID sets the message id. A random id is used otherwise.
func WithMessageID(id string) PublishOption {
	return func(o *publishOptions) {
		o.messageID = id
	}
}

// WithCorrelationID sets the correlation id
func WithCorrelationID(id string) PublishOption {
	return func(o *publishOptions) {
		o.correlationID = id
	}
}

// WithPersistent marks the message persistent
func WithPersistent() PublishOption {
	return func(o *publishOptions) {
		o.persistent = true
	}
}

// WithContentType overrides the content type inferred from the payload
func WithContentType(contentType string) PublishOption {
	return func(o *publishOptions) {
		o.contentType = contentType
	}
}

// Encode turns a payload into a message body. Byte slices are sent as-is,
// strings as their bytes; anything else is JSON encoded.
func Encode(payload interface{}) ([]byte, string, error) {
	switch v := payload.(type) {
	case []byte:
		return v, ContentTypeBinary, nil
	case string:
		return []byte(v), ContentTypeText, nil
	case json.RawMessage:
		return v, ContentTypeJSON, nil
	default:
		body, err := json.Marshal(v)
		if err != nil {
			return nil, "", fmt.Errorf("failed to serialize payload: %w", err)
		}
		return body, ContentTypeJSON, nil
	}
}

// Publish sends payload to exchange with routingKey. The channel is taken
// round-robin from the selected group. Every failure is a *PublishError.
func (p *Publisher) Publish(ctx context.Context, exchange, routingKey string, payload interface{}, options ...PublishOption) error {
	opts := &publishOptions{}
	for _, opt := range options {
		opt(opts)
	}

	err := p.publish(ctx, exchange, routingKey, payload, opts)
	p.metrics.RecordPublish(exchange, err)
	if err != nil {
		p.logger.Error("failed to publish message",
			"exchange", exchange,
			"routingKey", routingKey,
			"error", err)
		return &PublishError{
			Exchange:   exchange,
			RoutingKey: routingKey,
			Err:        err,
			Timestamp:  time.Now(),
		}
	}
	return nil
}

func (p *Publisher) publish(ctx context.Context, exchange, routingKey string, payload interface{}, opts *publishOptions) error {
	body, contentType, err := Encode(payload)
	if err != nil {
		return err
	}
	if opts.contentType != "" {
		contentType = opts.contentType
	}

	group, err := p.pool.GetChannel(opts.group)
	if err != nil {
		return err
	}

	messageID := opts.messageID
	if messageID == "" {
		messageID = uuid.New().String()
	}

	msg := amqp.Publishing{
		Headers:       opts.headers,
		ContentType:   contentType,
		Priority:      opts.priority,
		MessageId:     messageID,
		CorrelationId: opts.correlationID,
		Timestamp:     time.Now().UTC(),
		Body:          body,
	}
	if opts.persistent {
		msg.DeliveryMode = amqp.Persistent
	}

	if _, hasDeadline := ctx.Deadline(); !hasDeadline && p.publishTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.publishTimeout)
		defer cancel()
	}

	send := func() error {
		ch := group.Next()
		if ch.IsClosed() {
			return ErrChannelClosed
		}
		return ch.PublishWithContext(ctx, exchange, routingKey, false, false, msg)
	}

	if p.breaker == nil {
		return send()
	}

	_, err = p.breaker.Execute(func() (interface{}, error) {
		return nil, send()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %w", ErrCircuitOpen, err)
	}
	return err
}

// BreakerState reports the circuit breaker state, or "disabled"
func (p *Publisher) BreakerState() string {
	if p.breaker == nil {
		return "disabled"
	}
	return p.breaker.State().String()
}
