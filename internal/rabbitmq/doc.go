// Package rabbitmq implements the delivery and topology engine on top of
// github.com/rabbitmq/amqp091-go.
//
// This package includes:
//   - ConnectionManager: Lazily establishes the single shared broker connection
//   - ChannelPool: Opens named channel groups with per-group prefetch and concurrency
//   - TopologyBuilder: Declares the main, retry and dead-letter queue chain per queue
//   - Consumer: Runs the acknowledge/retry/dead-letter decision for every delivery
//   - Publisher: Publishes outbound messages on the primary or a named group
//
// Retries rely on native broker dead-lettering. A failed delivery is rejected
// without requeue, parks in "<queue>.retry" until its TTL expires, and is
// dead-lettered back into "<queue>". Once the x-death count reaches the retry
// limit the message is copied to "<queue>.dlq" and acknowledged.
package rabbitmq
