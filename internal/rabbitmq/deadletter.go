package rabbitmq

import (
	"encoding/json"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	// HeaderOriginalQueue names the queue a dead-lettered message failed on
	HeaderOriginalQueue = "x-original-queue"
	// HeaderFailure carries the last handler error of a dead-lettered message
	HeaderFailure = "x-failure"
)

// DeadLetterFields mirrors the routing metadata of the failed delivery
type DeadLetterFields struct {
	Exchange    string `json:"exchange"`
	RoutingKey  string `json:"routingKey"`
	DeliveryTag uint64 `json:"deliveryTag"`
	Redelivered bool   `json:"redelivered"`
	ConsumerTag string `json:"consumerTag"`
}

// DeadLetterProperties mirrors the basic properties of the failed delivery
type DeadLetterProperties struct {
	ContentType     string                 `json:"contentType,omitempty"`
	ContentEncoding string                 `json:"contentEncoding,omitempty"`
	Headers         map[string]interface{} `json:"headers,omitempty"`
	DeliveryMode    uint8                  `json:"deliveryMode,omitempty"`
	Priority        uint8                  `json:"priority,omitempty"`
	CorrelationID   string                 `json:"correlationId,omitempty"`
	ReplyTo         string                 `json:"replyTo,omitempty"`
	Expiration      string                 `json:"expiration,omitempty"`
	MessageID       string                 `json:"messageId,omitempty"`
	Timestamp       *time.Time             `json:"timestamp,omitempty"`
	Type            string                 `json:"type,omitempty"`
	UserID          string                 `json:"userId,omitempty"`
	AppID           string                 `json:"appId,omitempty"`
}

// DeadLetterRecord is the JSON document written to "<queue>.dlq" once a
// message exhausts its retries. Content holds the original body and is
// base64 encoded by encoding/json.
type DeadLetterRecord struct {
	Queue      string               `json:"queue"`
	Fields     DeadLetterFields     `json:"fields"`
	Properties DeadLetterProperties `json:"properties"`
	Content    []byte               `json:"content"`
	Attempts   int                  `json:"attempts"`
	Error      string               `json:"error,omitempty"`
	FailedAt   time.Time            `json:"failedAt"`
}

// NewDeadLetterRecord captures a failed delivery
func NewDeadLetterRecord(queue string, d amqp.Delivery, cause error) DeadLetterRecord {
	record := DeadLetterRecord{
		Queue: queue,
		Fields: DeadLetterFields{
			Exchange:    d.Exchange,
			RoutingKey:  d.RoutingKey,
			DeliveryTag: d.DeliveryTag,
			Redelivered: d.Redelivered,
			ConsumerTag: d.ConsumerTag,
		},
		Properties: DeadLetterProperties{
			ContentType:     d.ContentType,
			ContentEncoding: d.ContentEncoding,
			Headers:         jsonSafeTable(d.Headers),
			DeliveryMode:    d.DeliveryMode,
			Priority:        d.Priority,
			CorrelationID:   d.CorrelationId,
			ReplyTo:         d.ReplyTo,
			Expiration:      d.Expiration,
			MessageID:       d.MessageId,
			Type:            d.Type,
			UserID:          d.UserId,
			AppID:           d.AppId,
		},
		Content:  d.Body,
		Attempts: Attempt(d.Headers),
		FailedAt: time.Now().UTC(),
	}
	if !d.Timestamp.IsZero() {
		ts := d.Timestamp
		record.Properties.Timestamp = &ts
	}
	if cause != nil {
		record.Error = cause.Error()
	}
	return record
}

// Publishing encodes the record as a persistent JSON message
func (r DeadLetterRecord) Publishing() (amqp.Publishing, error) {
	body, err := json.Marshal(r)
	if err != nil {
		return amqp.Publishing{}, err
	}

	return amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    r.Properties.MessageID,
		Timestamp:    r.FailedAt,
		Headers: amqp.Table{
			HeaderOriginalQueue: r.Queue,
			HeaderFailure:       r.Error,
		},
		Body: body,
	}, nil
}

// jsonSafeTable converts AMQP header values that encoding/json cannot
// represent faithfully. Nested tables and arrays are walked recursively.
func jsonSafeTable(t amqp.Table) map[string]interface{} {
	if len(t) == 0 {
		return nil
	}
	out := make(map[string]interface{}, len(t))
	for k, v := range t {
		out[k] = jsonSafeValue(v)
	}
	return out
}

func jsonSafeValue(v interface{}) interface{} {
	switch val := v.(type) {
	case amqp.Table:
		return jsonSafeTable(val)
	case map[string]interface{}:
		return jsonSafeTable(amqp.Table(val))
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = jsonSafeValue(item)
		}
		return out
	case amqp.Decimal:
		return map[string]interface{}{"scale": val.Scale, "value": val.Value}
	default:
		return val
	}
}
