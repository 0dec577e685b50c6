package rabbitmq

import (
	"errors"
	"fmt"
	"net/url"
	"time"
)

var (
	// Connection errors
	ErrConnectionClosed   = errors.New("rabbitmq: connection is closed")
	ErrConnectionNotReady = errors.New("rabbitmq: connection not ready")
	ErrConnectionTimeout  = errors.New("rabbitmq: connection timeout")

	// Channel errors
	ErrChannelClosed         = errors.New("rabbitmq: channel is closed")
	ErrChannelPoolClosed     = errors.New("rabbitmq: channel pool is closed")
	ErrChannelsNotCreated    = errors.New("rabbitmq: channels not created")
	ErrChannelsCreated       = errors.New("rabbitmq: channels already created")
	ErrChannelCreationFailed = errors.New("rabbitmq: failed to create channel")

	// Consumer errors
	ErrConsumerCancelled = errors.New("rabbitmq: consumer cancelled")
	ErrDeliveriesClosed  = errors.New("rabbitmq: delivery channel closed")
	ErrAlreadySubscribed = errors.New("rabbitmq: queue already subscribed")
	ErrHandlerPanic      = errors.New("rabbitmq: handler panicked")
	ErrNilHandler        = errors.New("rabbitmq: handler cannot be nil")

	// Publisher errors
	ErrCircuitOpen = errors.New("rabbitmq: publish circuit breaker is open")

	// Topology errors
	ErrInvalidTopology = errors.New("rabbitmq: invalid topology configuration")

	// General errors
	ErrInvalidConfiguration = errors.New("rabbitmq: invalid configuration")
	ErrNoPrimaryGroup       = errors.New("rabbitmq: no channel group is marked primary")
	ErrMultiplePrimary      = errors.New("rabbitmq: more than one channel group is marked primary")
)

// ConfigurationError represents an invalid startup configuration
type ConfigurationError struct {
	Field     string    // Offending configuration field
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
}

func (e *ConfigurationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("rabbitmq configuration error: %v", e.Err)
	}
	return fmt.Sprintf("rabbitmq configuration error: %s: %v", e.Field, e.Err)
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

// NewConfigurationError wraps err as a ConfigurationError for field.
// The result always matches ErrInvalidConfiguration with errors.Is.
func NewConfigurationError(field string, err error) *ConfigurationError {
	if !errors.Is(err, ErrInvalidConfiguration) {
		err = fmt.Errorf("%w: %w", ErrInvalidConfiguration, err)
	}
	return &ConfigurationError{
		Field:     field,
		Err:       err,
		Timestamp: time.Now(),
	}
}

// ConnectionError represents a connection-related error
type ConnectionError struct {
	Op        string    // Operation that failed
	URL       string    // Connection URL (sanitized)
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("rabbitmq connection error: %s %s failed: %v", e.Op, e.URL, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// ChannelError represents a channel-related error
type ChannelError struct {
	Op        string    // Operation that failed
	Group     string    // Channel group name
	ChannelID string    // Channel identifier
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("rabbitmq channel error: %s on channel %s/%s: %v", e.Op, e.Group, e.ChannelID, e.Err)
}

func (e *ChannelError) Unwrap() error {
	return e.Err
}

// TopologyError represents a topology-related error
type TopologyError struct {
	Component string    // Component type (exchange, queue, binding)
	Name      string    // Component name
	Op        string    // Operation that failed
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
}

func (e *TopologyError) Error() string {
	return fmt.Sprintf("rabbitmq topology error: failed to %s %s '%s': %v",
		e.Op, e.Component, e.Name, e.Err)
}

func (e *TopologyError) Unwrap() error {
	return e.Err
}

// HandlerError represents a failure raised by a bound handler.
// It never leaves the consumer; it drives the retry/dead-letter decision.
type HandlerError struct {
	Queue     string    // Queue the delivery came from
	MessageID string    // Message identifier, if any
	Attempt   int       // 1-based delivery attempt
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("rabbitmq handler error: queue %s attempt %d: %v", e.Queue, e.Attempt, e.Err)
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}

// TransportError represents a failed ack, nack or dead-letter publish.
// The consumer that hit it stops and reports it to the engine.
type TransportError struct {
	Queue       string    // Queue name
	ConsumerTag string    // Consumer tag
	Op          string    // Operation that failed
	Err         error     // Underlying error
	Timestamp   time.Time // When the error occurred
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("rabbitmq transport error: %s failed for consumer %s on queue %s: %v",
		e.Op, e.ConsumerTag, e.Queue, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// PublishError represents a publish operation error
type PublishError struct {
	Exchange   string    // Target exchange
	RoutingKey string    // Routing key used
	Err        error     // Underlying error
	Timestamp  time.Time // When the error occurred
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("rabbitmq publish error: failed to publish to %s/%s: %v",
		e.Exchange, e.RoutingKey, e.Err)
}

func (e *PublishError) Unwrap() error {
	return e.Err
}

// IsFatal reports whether err must abort initialization.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}

	var cfgErr *ConfigurationError
	var connErr *ConnectionError
	var topoErr *TopologyError
	var chanErr *ChannelError
	switch {
	case errors.As(err, &cfgErr),
		errors.As(err, &connErr),
		errors.As(err, &topoErr),
		errors.As(err, &chanErr):
		return true
	}
	return false
}

// SanitizeURL removes the password from a connection URL
func SanitizeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "***"
	}
	return u.Redacted()
}
