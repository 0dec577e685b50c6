// Copyright 2024 rmqengine Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package rmqengine runs registered handlers against RabbitMQ queues with
// bounded retry through a per-queue retry queue and a dead-letter queue.
package rmqengine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/glimte/rmqengine/config"
	"github.com/glimte/rmqengine/health"
	"github.com/glimte/rmqengine/internal/rabbitmq"
	"github.com/glimte/rmqengine/messaging"
)

const (
	stateNew int32 = iota
	stateStarted
	stateClosed
)

// Engine owns the broker connection, the channel groups and the consumers
// attached for every registered handler.
type Engine struct {
	cfg      *config.Config
	logger   *slog.Logger
	registry *messaging.Registry
	sources  []messaging.BindingSource

	manager   *rabbitmq.ConnectionManager
	pool      *rabbitmq.ChannelPool
	topology  *rabbitmq.TopologyBuilder
	consumer  *rabbitmq.Consumer
	publisher *rabbitmq.Publisher

	mu        sync.Mutex
	state     atomic.Int32
	cancel    context.CancelFunc
	stop      chan struct{}
	done      chan struct{}
	doneOnce  sync.Once
	err       error
	closeOnce sync.Once
	closeErr  error
}

// New creates an engine for cfg. A nil cfg uses config.Default().
// Nothing touches the broker until Start.
func New(cfg *config.Config, options ...Option) (*Engine, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	opts := &engineConfig{
		logger:  slog.Default(),
		metrics: rabbitmq.NoOpMetrics{},
	}
	for _, opt := range options {
		opt(opts)
	}
	if opts.registry == nil {
		opts.registry = messaging.NewRegistry()
	}

	connOpts := []rabbitmq.ConnectionOption{rabbitmq.WithLogger(opts.logger)}
	if opts.dialer != nil {
		connOpts = append(connOpts, rabbitmq.WithDialer(opts.dialer))
	}
	manager := rabbitmq.NewConnectionManager(cfg.URL(), connOpts...)

	pool, err := rabbitmq.NewChannelPool(manager, cfg.ChannelGroups(),
		rabbitmq.WithChannelLogger(opts.logger))
	if err != nil {
		return nil, fmt.Errorf("failed to create channel pool: %w", err)
	}

	consumerOpts := []rabbitmq.ConsumerOption{
		rabbitmq.WithRetryLimit(cfg.RetryLimit),
		rabbitmq.WithHandlerTimeout(cfg.HandlerTimeout),
		rabbitmq.WithDrainTimeout(cfg.DrainTimeout),
		rabbitmq.WithConsumerLogger(opts.logger),
		rabbitmq.WithConsumerMetrics(opts.metrics),
	}
	if opts.tracer != nil {
		consumerOpts = append(consumerOpts, rabbitmq.WithTracer(opts.tracer))
	}

	publisherOpts := []rabbitmq.PublisherOption{
		rabbitmq.WithPublisherLogger(opts.logger),
		rabbitmq.WithPublisherMetrics(opts.metrics),
	}
	if opts.breaker != nil {
		publisherOpts = append(publisherOpts, rabbitmq.WithCircuitBreaker(*opts.breaker))
	}

	return &Engine{
		cfg:       cfg,
		logger:    opts.logger,
		registry:  opts.registry,
		sources:   append([]messaging.BindingSource{opts.registry}, opts.sources...),
		manager:   manager,
		pool:      pool,
		topology:  rabbitmq.NewTopologyBuilder(rabbitmq.WithTopologyLogger(opts.logger)),
		consumer:  rabbitmq.NewConsumer(pool, consumerOpts...),
		publisher: rabbitmq.NewPublisher(pool, publisherOpts...),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}, nil
}

// Register binds handler to queue on the named channel group. An empty
// group selects the primary group. Bindings are read once by Start.
func (e *Engine) Register(queue, group string, handler messaging.Handler) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.state.Load() {
	case stateStarted:
		return ErrAlreadyStarted
	case stateClosed:
		return ErrEngineClosed
	}
	return e.registry.Register(queue, group, handler)
}

// RegisterFunc binds a handler function to queue on the named channel group
func (e *Engine) RegisterFunc(queue, group string, fn func(ctx context.Context, msg *messaging.Message) error) error {
	if fn == nil {
		return messaging.ErrNilHandler
	}
	return e.Register(queue, group, messaging.HandlerFunc(fn))
}

// Start connects, opens every channel group, declares the queue topology
// and attaches a consumer per binding and channel. Any failure closes what
// was opened and leaves the engine closed.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.state.Load() {
	case stateStarted:
		return ErrAlreadyStarted
	case stateClosed:
		return ErrEngineClosed
	}

	if err := e.start(ctx); err != nil {
		e.state.Store(stateClosed)
		if shutdownErr := e.shutdown(); shutdownErr != nil {
			e.logger.Warn("cleanup after failed start", "error", shutdownErr)
		}
		e.finish(nil)
		return err
	}

	go e.watch()
	return nil
}

func (e *Engine) start(ctx context.Context) error {
	if err := e.pool.CreateChannels(ctx); err != nil {
		return err
	}

	conn, err := e.manager.GetConnection(ctx)
	if err != nil {
		return err
	}
	if err := e.topology.CreateQueues(ctx, conn, e.cfg.QueueSpecs()); err != nil {
		return err
	}

	// Handlers may publish as soon as their consumer is attached
	e.state.Store(stateStarted)

	// Handlers outlive the Start call. Close cancels them once the drain
	// timeout has passed.
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	e.cancel = cancel

	bindings := e.bindings()
	for _, binding := range bindings {
		if err := e.consumer.Subscribe(runCtx, binding); err != nil {
			return err
		}
	}

	e.logger.Info("engine started",
		"url", e.manager.URL(),
		"queues", len(e.cfg.Queues),
		"bindings", len(bindings),
		"channels", e.pool.Size())
	return nil
}

// bindings collects the bindings of every source in order
func (e *Engine) bindings() []messaging.Binding {
	var out []messaging.Binding
	for _, source := range e.sources {
		out = append(out, source.Bindings()...)
	}
	return out
}

// watch waits for a fatal transport error or Close
func (e *Engine) watch() {
	var err error
	select {
	case err = <-e.consumer.Fatal():
	case err = <-e.manager.NotifyClose():
	case <-e.stop:
		return
	}

	e.logger.Error("engine stopped on transport error", "error", err)
	e.finish(err)
}

// finish records err and closes Done once
func (e *Engine) finish(err error) {
	e.doneOnce.Do(func() {
		e.err = err
		close(e.done)
	})
}

// Done is closed when the engine stops, either on a fatal transport error
// or on Close
func (e *Engine) Done() <-chan struct{} {
	return e.done
}

// Err returns the transport error that stopped the engine, if any. It is
// only meaningful after Done is closed.
func (e *Engine) Err() error {
	select {
	case <-e.done:
		return e.err
	default:
		return nil
	}
}

// Run starts the engine and blocks until ctx ends or a transport error
// stops it, then closes it. The transport error is returned.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.Start(ctx); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
	case <-e.done:
	}

	runErr := e.Err()
	return errors.Join(runErr, e.Close())
}

// Publish sends payload through exchange with routingKey
func (e *Engine) Publish(ctx context.Context, exchange, routingKey string, payload interface{}, options ...PublishOption) error {
	switch e.state.Load() {
	case stateNew:
		return ErrNotStarted
	case stateClosed:
		return ErrEngineClosed
	}
	return e.publisher.Publish(ctx, exchange, routingKey, payload, options...)
}

// Close stops consumers, then closes channels, then the connection.
// In-flight handlers get the configured drain timeout to finish before
// their context is cancelled. Calling it more than once is safe.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		e.mu.Lock()
		defer e.mu.Unlock()

		// Publish stays available while in-flight handlers drain
		close(e.stop)
		if e.state.Load() == stateStarted {
			e.closeErr = e.shutdown()
		}
		e.state.Store(stateClosed)
		e.finish(nil)
		e.logger.Info("engine closed")
	})
	return e.closeErr
}

// shutdown releases broker resources in dependency order
func (e *Engine) shutdown() error {
	e.consumer.UnsubscribeAll()
	if e.cancel != nil {
		e.cancel()
	}
	e.pool.CloseChannels()
	if err := e.manager.Close(); err != nil {
		return fmt.Errorf("failed to close connection: %w", err)
	}
	return nil
}

// Health reports the connection and channel state
func (e *Engine) Health(ctx context.Context) health.CheckResult {
	return health.NewRabbitMQChecker(e.manager, e.pool, e.logger).Check(ctx)
}

// HealthRegistry returns a registry checking the connection and the
// consumers of every registered queue
func (e *Engine) HealthRegistry() *health.Registry {
	bindings := e.bindings()
	queues := make([]string, 0, len(bindings))
	seen := make(map[string]bool)
	for _, b := range bindings {
		if !seen[b.Queue] {
			seen[b.Queue] = true
			queues = append(queues, b.Queue)
		}
	}

	r := health.NewRegistry()
	r.Register(health.NewRabbitMQChecker(e.manager, e.pool, e.logger))
	r.Register(health.NewConsumerChecker(e.consumer, queues...))
	return r
}

// ActiveConsumers returns the consumer tags per subscribed queue
func (e *Engine) ActiveConsumers() map[string][]string {
	return e.consumer.ActiveConsumers()
}

// Config returns the engine configuration
func (e *Engine) Config() *config.Config {
	return e.cfg
}
