package health

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/glimte/rmqengine/internal/rabbitmq"
)

// ConnectionState reports whether the broker connection is open
type ConnectionState interface {
	IsConnected() bool
}

// ChannelSource exposes the opened channel groups
type ChannelSource interface {
	Groups() []*rabbitmq.ChannelGroup
}

// ConsumerSource lists the consumer tags attached per queue
type ConsumerSource interface {
	ActiveConsumers() map[string][]string
}

// RabbitMQChecker checks the broker connection and the channel pool
type RabbitMQChecker struct {
	conn   ConnectionState
	pool   ChannelSource
	logger *slog.Logger
}

// NewRabbitMQChecker creates a new RabbitMQ health checker. pool may be nil
// before channels exist.
func NewRabbitMQChecker(conn ConnectionState, pool ChannelSource, logger *slog.Logger) *RabbitMQChecker {
	if logger == nil {
		logger = slog.Default()
	}
	return &RabbitMQChecker{
		conn:   conn,
		pool:   pool,
		logger: logger,
	}
}

func (c *RabbitMQChecker) Name() string {
	return "rabbitmq"
}

// Check is healthy when connected with every channel open, degraded when
// some channels are closed and unhealthy when disconnected or none are open.
func (c *RabbitMQChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]interface{}),
	}

	connected := c.conn != nil && c.conn.IsConnected()
	result.Details["connected"] = connected
	if !connected {
		result.Status = StatusUnhealthy
		result.Message = "not connected to broker"
		result.Duration = time.Since(start)
		return result
	}

	total, open := 0, 0
	groups := make(map[string]int)
	if c.pool != nil {
		for _, group := range c.pool.Groups() {
			groupOpen := 0
			for _, ch := range group.Channels {
				total++
				if !ch.IsClosed() {
					open++
					groupOpen++
				}
			}
			groups[group.Name] = groupOpen
		}
	}
	result.Details["channels_total"] = total
	result.Details["channels_open"] = open
	result.Details["groups"] = groups

	switch {
	case total == 0 || open == 0:
		result.Status = StatusUnhealthy
		result.Message = "no open channels"
	case open < total:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("%d of %d channels closed", total-open, total)
		c.logger.Warn("channels closed", "open", open, "total", total)
	default:
		result.Status = StatusHealthy
		result.Message = "connection is healthy"
	}

	result.Duration = time.Since(start)
	return result
}

// ConsumerChecker checks that each expected queue has at least one consumer
type ConsumerChecker struct {
	queues []string
	source ConsumerSource
}

// NewConsumerChecker creates a checker expecting consumers on queues
func NewConsumerChecker(source ConsumerSource, queues ...string) *ConsumerChecker {
	return &ConsumerChecker{queues: queues, source: source}
}

func (c *ConsumerChecker) Name() string {
	return "consumers"
}

func (c *ConsumerChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Status:    StatusHealthy,
		Timestamp: start,
		Details:   make(map[string]interface{}),
	}

	active := c.source.ActiveConsumers()
	var missing []string
	for _, queue := range c.queues {
		result.Details[queue] = len(active[queue])
		if len(active[queue]) == 0 {
			missing = append(missing, queue)
		}
	}

	switch {
	case len(missing) == 0:
		result.Message = "all queues consumed"
	case len(missing) == len(c.queues):
		result.Status = StatusUnhealthy
		result.Message = "no queue has a consumer"
	default:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("queues without consumers: %v", missing)
	}

	result.Duration = time.Since(start)
	return result
}
