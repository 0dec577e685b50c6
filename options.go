package rmqengine

import (
	"log/slog"

	"github.com/glimte/rmqengine/internal/rabbitmq"
	"github.com/glimte/rmqengine/messaging"
	"go.opentelemetry.io/otel/trace"
)

// Aliases for the broker types callers configure the engine with
type (
	Dialer           = rabbitmq.Dialer
	MetricsCollector = rabbitmq.MetricsCollector
	Outcome          = rabbitmq.Outcome
	BreakerSettings  = rabbitmq.BreakerSettings
	PublishOption    = rabbitmq.PublishOption
	QueueSpec        = rabbitmq.QueueSpec
	Topology         = rabbitmq.Topology
)

// Delivery outcomes reported to a MetricsCollector
const (
	OutcomeAcked        = rabbitmq.OutcomeAcked
	OutcomeRetried      = rabbitmq.OutcomeRetried
	OutcomeDeadLettered = rabbitmq.OutcomeDeadLettered
	OutcomeFailed       = rabbitmq.OutcomeFailed
)

// Per-message publish options
var (
	WithPriority      = rabbitmq.WithPriority
	WithChannelGroup  = rabbitmq.WithChannelGroup
	WithHeaders       = rabbitmq.WithHeaders
	WithMessageID     = rabbitmq.WithMessageID
	WithCorrelationID = rabbitmq.WithCorrelationID
	WithPersistent    = rabbitmq.WithPersistent
	WithContentType   = rabbitmq.WithContentType
)

// Derive returns the exchange, queues and bindings declared for spec
func Derive(spec QueueSpec) Topology {
	return rabbitmq.Derive(spec)
}

// engineConfig holds engine options
type engineConfig struct {
	logger   *slog.Logger
	metrics  MetricsCollector
	registry *messaging.Registry
	sources  []messaging.BindingSource
	dialer   Dialer
	breaker  *BreakerSettings
	tracer   trace.Tracer
}

// Option configures the engine
type Option func(*engineConfig)

// WithLogger sets the logger for all components
func WithLogger(logger *slog.Logger) Option {
	return func(cfg *engineConfig) {
		if logger != nil {
			cfg.logger = logger
		}
	}
}

// WithMetrics sets the collector receiving delivery and publish outcomes
func WithMetrics(metrics MetricsCollector) Option {
	return func(cfg *engineConfig) {
		if metrics != nil {
			cfg.metrics = metrics
		}
	}
}

// WithRegistry uses an existing handler registry
func WithRegistry(registry *messaging.Registry) Option {
	return func(cfg *engineConfig) {
		if registry != nil {
			cfg.registry = registry
		}
	}
}

// WithBindings adds sources whose bindings are attached at Start alongside
// the ones registered on the engine
func WithBindings(sources ...messaging.BindingSource) Option {
	return func(cfg *engineConfig) {
		for _, source := range sources {
			if source != nil {
				cfg.sources = append(cfg.sources, source)
			}
		}
	}
}

// WithDialer replaces the AMQP dialer
func WithDialer(dialer Dialer) Option {
	return func(cfg *engineConfig) {
		cfg.dialer = dialer
	}
}

// WithPublishCircuitBreaker guards Publish with a circuit breaker
func WithPublishCircuitBreaker(settings BreakerSettings) Option {
	return func(cfg *engineConfig) {
		cfg.breaker = &settings
	}
}

// WithTracer sets the tracer used for delivery spans
func WithTracer(tracer trace.Tracer) Option {
	return func(cfg *engineConfig) {
		cfg.tracer = tracer
	}
}
