package messaging

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	ErrEmptyQueue       = errors.New("messaging: queue name is required")
	ErrNilHandler       = errors.New("messaging: handler cannot be nil")
	ErrDuplicateBinding = errors.New("messaging: handler already registered")
)

// Binding attaches a handler to a queue on a channel group.
// An empty Group selects the primary group.
type Binding struct {
	Queue   string
	Group   string
	Handler Handler
}

// BindingSource supplies the bindings the engine attaches consumers for.
// Registry is one; the engine accepts others through rmqengine.WithBindings.
type BindingSource interface {
	Bindings() []Binding
}

var _ BindingSource = (*Registry)(nil)

// Registry collects handler bindings in registration order
type Registry struct {
	mu       sync.RWMutex
	bindings []Binding
	index    map[string]struct{}
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		index: make(map[string]struct{}),
	}
}

// Register binds handler to queue on the given channel group
func (r *Registry) Register(queue, group string, handler Handler) error {
	if queue == "" {
		return ErrEmptyQueue
	}
	if handler == nil {
		return ErrNilHandler
	}

	key := queue + "\x00" + group

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.index[key]; exists {
		return fmt.Errorf("%w: queue %q group %q", ErrDuplicateBinding, queue, group)
	}
	r.index[key] = struct{}{}
	r.bindings = append(r.bindings, Binding{
		Queue:   queue,
		Group:   group,
		Handler: handler,
	})
	return nil
}

// RegisterFunc binds a handler function to queue on the given channel group
func (r *Registry) RegisterFunc(queue, group string, fn func(ctx context.Context, msg *Message) error) error {
	if fn == nil {
		return ErrNilHandler
	}
	return r.Register(queue, group, HandlerFunc(fn))
}

// Bindings returns a copy of the registered bindings
func (r *Registry) Bindings() []Binding {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Binding, len(r.bindings))
	copy(out, r.bindings)
	return out
}

// Len returns the number of registered bindings
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.bindings)
}
