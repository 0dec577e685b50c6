package rabbitmq

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	defaultHeartbeat   = 10 * time.Second
	defaultDialTimeout = 30 * time.Second
)

// BuildURL assembles an AMQP URI from its parts. When useTLS is set the
// amqps scheme is used. Host may carry a port.
func BuildURL(host, username, password, vhost string, useTLS bool) string {
	scheme := "amqp"
	if useTLS {
		scheme = "amqps"
	}

	u := &url.URL{
		Scheme: scheme,
		Host:   host,
		Path:   "/" + strings.TrimPrefix(vhost, "/"),
	}
	if username != "" {
		u.User = url.UserPassword(username, password)
	}
	return u.String()
}

// ConnectionManager owns the single broker connection shared by every channel.
// The connection is established on first use and never re-dialed; losing it
// is reported through NotifyClose and is fatal for the engine.
type ConnectionManager struct {
	url         string
	conn        Connection
	mu          sync.Mutex
	dialer      Dialer
	dialTimeout time.Duration
	heartbeat   time.Duration
	tlsConfig   *tls.Config
	name        string
	logger      *slog.Logger
	closed      chan error
	done        chan struct{}
	closeOnce   sync.Once
	isClosed    bool
}

// ConnectionOption configures the ConnectionManager
type ConnectionOption func(*ConnectionManager)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.logger = logger
	}
}

// WithDialer replaces the function used to open the connection
func WithDialer(dialer Dialer) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.dialer = dialer
	}
}

// WithDialTimeout bounds connection establishment
func WithDialTimeout(timeout time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.dialTimeout = timeout
	}
}

// WithHeartbeat sets the AMQP heartbeat interval
func WithHeartbeat(heartbeat time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.heartbeat = heartbeat
	}
}

// WithTLSConfig sets the TLS configuration used for amqps connections
func WithTLSConfig(cfg *tls.Config) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.tlsConfig = cfg
	}
}

// WithConnectionName sets the connection name shown in the broker management UI
func WithConnectionName(name string) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.name = name
	}
}

// NewConnectionManager creates a new connection manager
func NewConnectionManager(url string, options ...ConnectionOption) *ConnectionManager {
	cm := &ConnectionManager{
		url:         url,
		dialer:      DialAMQP,
		dialTimeout: defaultDialTimeout,
		heartbeat:   defaultHeartbeat,
		name:        "rmqengine",
		logger:      slog.Default(),
		closed:      make(chan error, 1),
		done:        make(chan struct{}),
	}

	for _, opt := range options {
		opt(cm)
	}

	return cm
}

// GetConnection returns the shared connection, dialing it on the first call.
// Dial failures are returned as *ConnectionError and are not retried.
func (cm *ConnectionManager) GetConnection(ctx context.Context) (Connection, error) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.isClosed {
		return nil, &ConnectionError{
			Op:        "get connection",
			URL:       SanitizeURL(cm.url),
			Err:       ErrConnectionClosed,
			Timestamp: time.Now(),
		}
	}

	if cm.conn != nil {
		if cm.conn.IsClosed() {
			return nil, &ConnectionError{
				Op:        "get connection",
				URL:       SanitizeURL(cm.url),
				Err:       ErrConnectionClosed,
				Timestamp: time.Now(),
			}
		}
		return cm.conn, nil
	}

	conn, err := cm.dial(ctx)
	if err != nil {
		cm.logger.Error("failed to connect to RabbitMQ",
			"url", SanitizeURL(cm.url),
			"error", err)
		return nil, err
	}

	cm.conn = conn
	go cm.watch(conn.NotifyClose(make(chan *amqp.Error, 1)))

	cm.logger.Info("connected to RabbitMQ",
		"url", SanitizeURL(cm.url))

	return conn, nil
}

// dial opens the connection, giving up when ctx ends or the dial timeout elapses
func (cm *ConnectionManager) dial(ctx context.Context) (Connection, error) {
	connCtx, cancel := context.WithTimeout(ctx, cm.dialTimeout)
	defer cancel()

	props := amqp.NewConnectionProperties()
	props.SetClientConnectionName(cm.name)
	cfg := amqp.Config{
		Heartbeat:       cm.heartbeat,
		TLSClientConfig: cm.tlsConfig,
		Locale:          "en_US",
		Properties:      props,
	}

	type result struct {
		conn Connection
		err  error
	}
	resultChan := make(chan result, 1)

	go func() {
		conn, err := cm.dialer(cm.url, cfg)
		resultChan <- result{conn: conn, err: err}
	}()

	select {
	case r := <-resultChan:
		if r.err != nil {
			return nil, &ConnectionError{
				Op:        "connect",
				URL:       SanitizeURL(cm.url),
				Err:       r.err,
				Timestamp: time.Now(),
			}
		}
		return r.conn, nil

	case <-connCtx.Done():
		// A late connection must not leak
		go func() {
			if r := <-resultChan; r.conn != nil {
				_ = r.conn.Close()
			}
		}()
		return nil, &ConnectionError{
			Op:        "connect",
			URL:       SanitizeURL(cm.url),
			Err:       ErrConnectionTimeout,
			Timestamp: time.Now(),
		}
	}
}

// watch reports an unexpected connection close
func (cm *ConnectionManager) watch(notify chan *amqp.Error) {
	select {
	case amqpErr, ok := <-notify:
		if !ok || amqpErr == nil {
			return
		}
		cm.logger.Error("connection closed by broker",
			"code", amqpErr.Code,
			"reason", amqpErr.Reason)
		select {
		case cm.closed <- &ConnectionError{
			Op:        "connection",
			URL:       SanitizeURL(cm.url),
			Err:       amqpErr,
			Timestamp: time.Now(),
		}:
		default:
		}
	case <-cm.done:
	}
}

// NotifyClose delivers at most one error when the broker drops the connection
func (cm *ConnectionManager) NotifyClose() <-chan error {
	return cm.closed
}

// IsConnected returns the connection status
func (cm *ConnectionManager) IsConnected() bool {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.conn != nil && !cm.conn.IsClosed()
}

// URL returns the sanitized connection URL
func (cm *ConnectionManager) URL() string {
	return SanitizeURL(cm.url)
}

// Close closes the connection. Calling it more than once is safe.
func (cm *ConnectionManager) Close() error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	cm.closeOnce.Do(func() { close(cm.done) })
	cm.isClosed = true

	if cm.conn == nil {
		return nil
	}

	conn := cm.conn
	cm.conn = nil
	if conn.IsClosed() {
		return nil
	}

	if err := conn.Close(); err != nil {
		return &ConnectionError{
			Op:        "close",
			URL:       SanitizeURL(cm.url),
			Err:       err,
			Timestamp: time.Now(),
		}
	}
	cm.logger.Info("connection closed", "url", SanitizeURL(cm.url))
	return nil
}
