package rmqengine

import (
	"errors"

	"github.com/glimte/rmqengine/internal/rabbitmq"
)

var (
	ErrNotStarted     = errors.New("rmqengine: engine not started")
	ErrAlreadyStarted = errors.New("rmqengine: engine already started")
	ErrEngineClosed   = errors.New("rmqengine: engine is closed")
)

// Broker errors, usable with errors.Is
var (
	ErrConnectionClosed     = rabbitmq.ErrConnectionClosed
	ErrConnectionTimeout    = rabbitmq.ErrConnectionTimeout
	ErrChannelClosed        = rabbitmq.ErrChannelClosed
	ErrDeliveriesClosed     = rabbitmq.ErrDeliveriesClosed
	ErrAlreadySubscribed    = rabbitmq.ErrAlreadySubscribed
	ErrHandlerPanic         = rabbitmq.ErrHandlerPanic
	ErrCircuitOpen          = rabbitmq.ErrCircuitOpen
	ErrInvalidTopology      = rabbitmq.ErrInvalidTopology
	ErrInvalidConfiguration = rabbitmq.ErrInvalidConfiguration
	ErrNoPrimaryGroup       = rabbitmq.ErrNoPrimaryGroup
	ErrMultiplePrimary      = rabbitmq.ErrMultiplePrimary
)

// Typed errors, usable with errors.As
type (
	ConfigurationError = rabbitmq.ConfigurationError
	ConnectionError    = rabbitmq.ConnectionError
	ChannelError       = rabbitmq.ChannelError
	TopologyError      = rabbitmq.TopologyError
	HandlerError       = rabbitmq.HandlerError
	TransportError     = rabbitmq.TransportError
	PublishError       = rabbitmq.PublishError
)

// IsFatal reports whether err aborts Start
func IsFatal(err error) bool {
	return rabbitmq.IsFatal(err)
}
