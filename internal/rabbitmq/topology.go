package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"golang.org/x/sync/errgroup"
)

const (
	// RetrySuffix names the queue holding messages until their TTL expires
	RetrySuffix = ".retry"
	// DeadLetterSuffix names the terminal quarantine queue
	DeadLetterSuffix = ".dlq"
)

// Supported exchange kinds
const (
	ExchangeTopic   = amqp.ExchangeTopic
	ExchangeDirect  = amqp.ExchangeDirect
	ExchangeFanout  = amqp.ExchangeFanout
	ExchangeHeaders = amqp.ExchangeHeaders
)

// RetryQueueName returns the retry queue derived from a main queue
func RetryQueueName(queue string) string {
	return queue + RetrySuffix
}

// DeadLetterQueueName returns the dead-letter queue derived from a main queue
func DeadLetterQueueName(queue string) string {
	return queue + DeadLetterSuffix
}

// ExchangeSpec names the exchange a queue is published through
type ExchangeSpec struct {
	Name string
	Type string
}

// QueueOptions tunes the declared queues. Durable and AutoDelete apply to
// the whole chain; the rest only to the main queue.
type QueueOptions struct {
	Durable     *bool
	AutoDelete  bool
	Exclusive   bool
	Expires     time.Duration
	MaxLength   int
	MaxPriority int
	Arguments   map[string]interface{}
}

// QueueSpec declares one logical queue
type QueueSpec struct {
	Name       string
	Exchange   ExchangeSpec
	RoutingKey string
	RetryTTL   time.Duration
	Options    QueueOptions
}

// ExchangeDeclaration defines an exchange to be declared
type ExchangeDeclaration struct {
	Name       string
	Type       string
	Durable    bool
	AutoDelete bool
	Arguments  amqp.Table
}

// QueueDeclaration defines a queue to be declared
type QueueDeclaration struct {
	Name       string
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	Arguments  amqp.Table
}

// Binding defines a queue-to-exchange binding
type Binding struct {
	Queue      string
	Exchange   string
	RoutingKey string
	Arguments  amqp.Table
}

// Topology represents the declarations derived from one queue spec
type Topology struct {
	Exchanges []ExchangeDeclaration
	Queues    []QueueDeclaration
	Bindings  []Binding
}

// ValidateQueue checks a queue spec before anything is declared. Failures
// match both ErrInvalidConfiguration and ErrInvalidTopology.
func ValidateQueue(spec QueueSpec) error {
	field := fmt.Sprintf("queues[%s]", spec.Name)
	if spec.Name == "" {
		return invalidTopology("queues.name", "queue name is required")
	}
	if spec.Exchange.Name == "" {
		return invalidTopology(field+".exchange.name", "exchange name is required")
	}
	switch spec.Exchange.Type {
	case ExchangeTopic, ExchangeDirect, ExchangeFanout, ExchangeHeaders:
	default:
		return invalidTopology(field+".exchange.type", fmt.Sprintf("unsupported exchange type %q", spec.Exchange.Type))
	}
	if spec.RetryTTL <= 0 {
		return invalidTopology(field+".retry_ttl_ms", "retry ttl must be positive")
	}
	return nil
}

func invalidTopology(field, reason string) error {
	return NewConfigurationError(field, fmt.Errorf("%w: %s", ErrInvalidTopology, reason))
}

// Derive computes the exchange, the main/retry/dead-letter queues and their
// bindings for spec.
//
// The main queue dead-letters into "<name>.retry" and is bound on both its
// routing key and its own name. The retry queue holds messages for RetryTTL
// and dead-letters them back with "<name>" as routing key. The dead-letter
// queue has no TTL and no dead-letter target.
func Derive(spec QueueSpec) Topology {
	durable := true
	if spec.Options.Durable != nil {
		durable = *spec.Options.Durable
	}

	retryQueue := RetryQueueName(spec.Name)
	dlqQueue := DeadLetterQueueName(spec.Name)

	mainArgs := amqp.Table{}
	for k, v := range spec.Options.Arguments {
		mainArgs[k] = v
	}
	if spec.Options.Expires > 0 {
		mainArgs["x-expires"] = spec.Options.Expires.Milliseconds()
	}
	if spec.Options.MaxLength > 0 {
		mainArgs["x-max-length"] = int64(spec.Options.MaxLength)
	}
	if spec.Options.MaxPriority > 0 {
		mainArgs["x-max-priority"] = int32(spec.Options.MaxPriority)
	}
	mainArgs["x-dead-letter-exchange"] = spec.Exchange.Name
	mainArgs["x-dead-letter-routing-key"] = retryQueue

	return Topology{
		Exchanges: []ExchangeDeclaration{
			{
				Name:    spec.Exchange.Name,
				Type:    spec.Exchange.Type,
				Durable: true,
			},
		},
		Queues: []QueueDeclaration{
			{
				Name:       spec.Name,
				Durable:    durable,
				AutoDelete: spec.Options.AutoDelete,
				Exclusive:  spec.Options.Exclusive,
				Arguments:  mainArgs,
			},
			{
				Name:       retryQueue,
				Durable:    durable,
				AutoDelete: spec.Options.AutoDelete,
				Arguments: amqp.Table{
					"x-message-ttl":             spec.RetryTTL.Milliseconds(),
					"x-dead-letter-exchange":    spec.Exchange.Name,
					"x-dead-letter-routing-key": spec.Name,
				},
			},
			{
				Name:       dlqQueue,
				Durable:    durable,
				AutoDelete: spec.Options.AutoDelete,
			},
		},
		Bindings: []Binding{
			{Queue: spec.Name, Exchange: spec.Exchange.Name, RoutingKey: spec.RoutingKey},
			{Queue: spec.Name, Exchange: spec.Exchange.Name, RoutingKey: spec.Name},
			{Queue: retryQueue, Exchange: spec.Exchange.Name, RoutingKey: retryQueue},
			{Queue: dlqQueue, Exchange: spec.Exchange.Name, RoutingKey: dlqQueue},
		},
	}
}

// TopologyBuilder declares the queue chain for every queue spec
type TopologyBuilder struct {
	logger *slog.Logger
}

// TopologyOption configures the topology builder
type TopologyOption func(*TopologyBuilder)

// WithTopologyLogger sets the logger
func WithTopologyLogger(logger *slog.Logger) TopologyOption {
	return func(tb *TopologyBuilder) {
		tb.logger = logger
	}
}

// NewTopologyBuilder creates a new topology builder
func NewTopologyBuilder(options ...TopologyOption) *TopologyBuilder {
	tb := &TopologyBuilder{
		logger: slog.Default(),
	}

	for _, opt := range options {
		opt(tb)
	}

	return tb
}

// ChannelOpener opens a fresh channel on a broker connection
type ChannelOpener interface {
	Channel() (Channel, error)
}

// CreateQueues declares the topology of every spec and waits for all
// declarations. Each spec is declared on its own short-lived channel opened
// from conn, so specs run concurrently while a channel only ever carries one
// synchronous method at a time. Within a spec the exchange and queues are
// declared before the bindings. Any failure fails the whole call: a partial
// topology would silently break the retry chain.
// Declarations are idempotent so the call is safe to repeat.
func (tb *TopologyBuilder) CreateQueues(ctx context.Context, conn ChannelOpener, specs []QueueSpec) error {
	for _, spec := range specs {
		if err := ValidateQueue(spec); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, spec := range specs {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			ch, err := conn.Channel()
			if err != nil {
				return &ChannelError{
					Op:        "open channel for " + spec.Name,
					Group:     "topology",
					Err:       fmt.Errorf("%w: %w", ErrChannelCreationFailed, err),
					Timestamp: time.Now(),
				}
			}
			defer tb.closeChannel(ch, spec.Name)
			return tb.declare(gctx, ch, spec)
		})
	}
	return g.Wait()
}

// closeChannel releases a topology channel. A failed declaration already
// closed it broker-side, so errors are only logged.
func (tb *TopologyBuilder) closeChannel(ch Channel, queue string) {
	if ch.IsClosed() {
		return
	}
	if err := ch.Close(); err != nil {
		tb.logger.Debug("failed to close topology channel", "queue", queue, "error", err)
	}
}

// declare issues the declarations of a single spec, one at a time
func (tb *TopologyBuilder) declare(ctx context.Context, ch Channel, spec QueueSpec) error {
	topology := Derive(spec)

	for _, exchange := range topology.Exchanges {
		if err := tb.declareExchange(ctx, ch, exchange); err != nil {
			return err
		}
	}
	for _, queue := range topology.Queues {
		if err := tb.declareQueue(ctx, ch, queue); err != nil {
			return err
		}
	}
	for _, binding := range topology.Bindings {
		if err := tb.bindQueue(ctx, ch, binding); err != nil {
			return err
		}
	}

	tb.logger.Info("queue topology declared",
		"queue", spec.Name,
		"exchange", spec.Exchange.Name,
		"routingKey", spec.RoutingKey,
		"retryTTL", spec.RetryTTL)
	return nil
}

// declareExchange declares an exchange on the given channel
func (tb *TopologyBuilder) declareExchange(ctx context.Context, ch Channel, exchange ExchangeDeclaration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := ch.ExchangeDeclare(
		exchange.Name,
		exchange.Type,
		exchange.Durable,
		exchange.AutoDelete,
		false, // internal
		false, // no-wait
		exchange.Arguments,
	)
	if err != nil {
		return &TopologyError{
			Component: "exchange",
			Name:      exchange.Name,
			Op:        "declare",
			Err:       err,
			Timestamp: time.Now(),
		}
	}
	return nil
}

// declareQueue declares a queue on the given channel
func (tb *TopologyBuilder) declareQueue(ctx context.Context, ch Channel, queue QueueDeclaration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := ch.QueueDeclare(
		queue.Name,
		queue.Durable,
		queue.AutoDelete,
		queue.Exclusive,
		false, // no-wait
		queue.Arguments,
	)
	if err != nil {
		return &TopologyError{
			Component: "queue",
			Name:      queue.Name,
			Op:        "declare",
			Err:       err,
			Timestamp: time.Now(),
		}
	}
	return nil
}

// bindQueue binds a queue to an exchange on the given channel
func (tb *TopologyBuilder) bindQueue(ctx context.Context, ch Channel, binding Binding) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := ch.QueueBind(
		binding.Queue,
		binding.RoutingKey,
		binding.Exchange,
		false, // no-wait
		binding.Arguments,
	)
	if err != nil {
		return &TopologyError{
			Component: "binding",
			Name:      fmt.Sprintf("%s->%s[%s]", binding.Exchange, binding.Queue, binding.RoutingKey),
			Op:        "bind",
			Err:       err,
			Timestamp: time.Now(),
		}
	}
	return nil
}
