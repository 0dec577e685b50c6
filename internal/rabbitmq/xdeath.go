package rabbitmq

import (
	amqp "github.com/rabbitmq/amqp091-go"
)

// DeathCount reads the broker-maintained count of the most recent x-death
// entry. ok is false when the header is missing or malformed.
func DeathCount(headers amqp.Table) (count int, ok bool) {
	if headers == nil {
		return 0, false
	}

	deaths, ok := headers["x-death"].([]interface{})
	if !ok || len(deaths) == 0 {
		return 0, false
	}

	var entry map[string]interface{}
	switch d := deaths[0].(type) {
	case amqp.Table:
		entry = d
	case map[string]interface{}:
		entry = d
	default:
		return 0, false
	}

	switch val := entry["count"].(type) {
	case int64:
		return int(val), true
	case int32:
		return int(val), true
	case int:
		return val, true
	case float64:
		return int(val), true
	}
	return 0, false
}

// Attempt returns the 1-based delivery attempt of a message
func Attempt(headers amqp.Table) int {
	count, _ := DeathCount(headers)
	return count + 1
}

// malformedDeath reports whether an x-death header is present but its
// count cannot be read
func malformedDeath(headers amqp.Table) bool {
	if _, present := headers["x-death"]; !present {
		return false
	}
	_, ok := DeathCount(headers)
	return !ok
}

// exhausted reports whether a failed delivery has used up its retries. A
// missing x-death header is a first delivery. An unreadable one counts as
// exhausted, otherwise the message would cycle through the retry queue
// forever.
func exhausted(headers amqp.Table, retryLimit int) bool {
	if malformedDeath(headers) {
		return true
	}
	count, ok := DeathCount(headers)
	if !ok {
		return false
	}
	return count+1 >= retryLimit
}
