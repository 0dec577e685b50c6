package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/glimte/rmqengine/internal/rabbitmq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/glimte/rmqengine"

// Publish status attribute values
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Metrics records delivery and publish outcomes as OpenTelemetry instruments.
// It satisfies rabbitmq.MetricsCollector.
type Metrics struct {
	meter metric.Meter

	deliveriesTotal metric.Int64Counter
	publishesTotal  metric.Int64Counter
	consumersActive metric.Int64UpDownCounter
	handlerDuration metric.Float64Histogram
}

var _ rabbitmq.MetricsCollector = (*Metrics)(nil)

// MetricsOption configures Metrics
type MetricsOption func(*metricsOptions)

type metricsOptions struct {
	provider metric.MeterProvider
}

// WithMeterProvider records through provider instead of the global one
func WithMeterProvider(provider metric.MeterProvider) MetricsOption {
	return func(o *metricsOptions) {
		o.provider = provider
	}
}

// NewMetrics creates the instruments on the configured meter provider
func NewMetrics(options ...MetricsOption) (*Metrics, error) {
	opts := &metricsOptions{}
	for _, opt := range options {
		opt(opts)
	}

	m := &Metrics{}
	if opts.provider != nil {
		m.meter = opts.provider.Meter(meterName)
	} else {
		m.meter = otel.Meter(meterName)
	}

	var err error

	m.deliveriesTotal, err = m.meter.Int64Counter(
		"rmq.deliveries.total",
		metric.WithDescription("Deliveries processed by queue and outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create deliveriesTotal counter: %w", err)
	}

	m.handlerDuration, err = m.meter.Float64Histogram(
		"rmq.handler.duration.ms",
		metric.WithDescription("Handler execution time per delivery"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create handlerDuration histogram: %w", err)
	}

	m.publishesTotal, err = m.meter.Int64Counter(
		"rmq.publishes.total",
		metric.WithDescription("Publishes by exchange and status"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create publishesTotal counter: %w", err)
	}

	m.consumersActive, err = m.meter.Int64UpDownCounter(
		"rmq.consumers.active",
		metric.WithDescription("Consumer goroutines currently attached"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create consumersActive gauge: %w", err)
	}

	return m, nil
}

// RecordDelivery counts the delivery and records how long the handler ran
func (m *Metrics) RecordDelivery(queue string, outcome rabbitmq.Outcome, duration time.Duration) {
	ctx := context.Background()
	m.deliveriesTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("queue", queue),
		attribute.String("outcome", string(outcome)),
	))
	m.handlerDuration.Record(ctx, float64(duration)/float64(time.Millisecond), metric.WithAttributes(
		attribute.String("queue", queue),
	))
}

// RecordPublish counts a publish attempt
func (m *Metrics) RecordPublish(exchange string, err error) {
	status := StatusOK
	if err != nil {
		status = StatusError
	}
	m.publishesTotal.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("exchange", exchange),
		attribute.String("status", status),
	))
}

func (m *Metrics) ConsumerStarted(queue string) {
	m.consumersActive.Add(context.Background(), 1, metric.WithAttributes(attribute.String("queue", queue)))
}

func (m *Metrics) ConsumerStopped(queue string) {
	m.consumersActive.Add(context.Background(), -1, metric.WithAttributes(attribute.String("queue", queue)))
}
