package messaging

import (
	"time"
)

// Properties holds the AMQP basic properties of a delivery
type Properties struct {
	ContentType     string
	ContentEncoding string
	Headers         map[string]interface{}
	DeliveryMode    uint8
	Priority        uint8
	CorrelationID   string
	ReplyTo         string
	Expiration      string
	MessageID       string
	Timestamp       time.Time
	Type            string
	UserID          string
	AppID           string
}

// Message is the view of a delivery handed to a Handler
type Message struct {
	Properties

	Body        []byte
	Exchange    string
	RoutingKey  string
	Queue       string
	ConsumerTag string
	DeliveryTag uint64
	Redelivered bool

	// Attempt is 1 on first delivery and grows by one per pass through the
	// retry queue.
	Attempt int
}

// Header returns a header value and whether it was present
func (m *Message) Header(key string) (interface{}, bool) {
	if m.Headers == nil {
		return nil, false
	}
	v, ok := m.Headers[key]
	return v, ok
}

// Text returns the body as a string
func (m *Message) Text() string {
	return string(m.Body)
}
