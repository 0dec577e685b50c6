// Package messaging defines the handler contract of the engine.
//
// Handlers are attached to queues explicitly through a Registry:
//   - Handler / HandlerFunc: process one *Message and report the outcome as an error
//   - Registry: records (queue, channel group, handler) bindings in order
//   - BindingSource: the read side the engine consumes after topology creation
//
// Example usage:
//
//	registry := messaging.NewRegistry()
//	err := registry.RegisterFunc("orders", "", func(ctx context.Context, msg *messaging.Message) error {
//		var order Order
//		if err := json.Unmarshal(msg.Body, &order); err != nil {
//			return err
//		}
//		return process(ctx, order)
//	})
//
// A handler that returns an error has its message retried through the
// queue's retry queue; once the retry limit is reached the message is
// moved to the dead-letter queue.
package messaging
