package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// ChannelGroupSpec declares one named group of channels
type ChannelGroupSpec struct {
	Name        string
	Prefetch    int
	Concurrency int
	Primary     bool
}

// PooledChannel wraps an AMQP channel with pool metadata
type PooledChannel struct {
	Channel
	id    string
	group string
}

// ID returns the channel identifier
func (pc *PooledChannel) ID() string {
	return pc.id
}

// Group returns the name of the group owning the channel
func (pc *PooledChannel) Group() string {
	return pc.group
}

// ChannelGroup is a named set of channels sharing one prefetch limit
type ChannelGroup struct {
	Name     string
	Prefetch int
	Primary  bool
	Channels []*PooledChannel

	next atomic.Uint64
}

// Next returns the group's channels in round-robin order
func (g *ChannelGroup) Next() *PooledChannel {
	n := g.next.Add(1) - 1
	return g.Channels[n%uint64(len(g.Channels))]
}

// ChannelPool opens and owns every configured channel group
type ChannelPool struct {
	manager *ConnectionManager
	specs   []ChannelGroupSpec
	groups  map[string]*ChannelGroup
	order   []string
	primary *ChannelGroup
	logger  *slog.Logger
	mu      sync.RWMutex
	created bool
	closed  bool
}

// ChannelPoolOption configures the channel pool
type ChannelPoolOption func(*ChannelPool)

// WithChannelLogger sets the logger
func WithChannelLogger(logger *slog.Logger) ChannelPoolOption {
	return func(cp *ChannelPool) {
		cp.logger = logger
	}
}

// NewChannelPool creates a channel pool for the given groups. No channel is
// opened until CreateChannels is called.
func NewChannelPool(manager *ConnectionManager, specs []ChannelGroupSpec, options ...ChannelPoolOption) (*ChannelPool, error) {
	if manager == nil {
		return nil, NewConfigurationError("connection", fmt.Errorf("connection manager is required"))
	}

	pool := &ChannelPool{
		manager: manager,
		specs:   specs,
		groups:  make(map[string]*ChannelGroup),
		logger:  slog.Default(),
	}

	for _, opt := range options {
		opt(pool)
	}

	return pool, nil
}

// ValidateGroups checks that exactly one group is primary and every group is usable
func ValidateGroups(specs []ChannelGroupSpec) error {
	seen := make(map[string]bool, len(specs))
	primaries := 0
	for i, spec := range specs {
		field := fmt.Sprintf("channels[%d]", i)
		if spec.Name == "" {
			return NewConfigurationError(field+".name", fmt.Errorf("name is required"))
		}
		if seen[spec.Name] {
			return NewConfigurationError(field+".name", fmt.Errorf("duplicate channel group %q", spec.Name))
		}
		seen[spec.Name] = true
		if spec.Prefetch < 1 {
			return NewConfigurationError(field+".prefetch", fmt.Errorf("prefetch must be positive, got %d", spec.Prefetch))
		}
		if spec.Concurrency < 1 {
			return NewConfigurationError(field+".concurrency", fmt.Errorf("concurrency must be at least 1, got %d", spec.Concurrency))
		}
		if spec.Primary {
			primaries++
		}
	}

	switch {
	case primaries == 0:
		return NewConfigurationError("channels", ErrNoPrimaryGroup)
	case primaries > 1:
		return NewConfigurationError("channels", ErrMultiplePrimary)
	}
	return nil
}

// CreateChannels opens Concurrency channels for every group and applies the
// group's prefetch to each. The primary-group precondition is checked before
// any channel is opened. On failure every channel opened so far is closed.
func (cp *ChannelPool) CreateChannels(ctx context.Context) error {
	if err := ValidateGroups(cp.specs); err != nil {
		return err
	}

	cp.mu.Lock()
	defer cp.mu.Unlock()

	if cp.closed {
		return ErrChannelPoolClosed
	}
	if cp.created {
		return ErrChannelsCreated
	}

	conn, err := cp.manager.GetConnection(ctx)
	if err != nil {
		return err
	}

	groups := make(map[string]*ChannelGroup, len(cp.specs))
	order := make([]string, 0, len(cp.specs))
	var primary *ChannelGroup

	for _, spec := range cp.specs {
		group := &ChannelGroup{
			Name:     spec.Name,
			Prefetch: spec.Prefetch,
			Primary:  spec.Primary,
		}
		groups[spec.Name] = group
		order = append(order, spec.Name)
		if spec.Primary {
			primary = group
		}

		for i := 0; i < spec.Concurrency; i++ {
			ch, err := cp.openChannel(conn, spec)
			if err != nil {
				closeGroups(groups, cp.logger)
				return err
			}
			group.Channels = append(group.Channels, ch)
		}

		cp.logger.Info("channel group created",
			"group", spec.Name,
			"prefetch", spec.Prefetch,
			"concurrency", spec.Concurrency,
			"primary", spec.Primary)
	}

	cp.groups = groups
	cp.order = order
	cp.primary = primary
	cp.created = true
	return nil
}

// openChannel opens one channel and applies the group's prefetch
func (cp *ChannelPool) openChannel(conn Connection, spec ChannelGroupSpec) (*PooledChannel, error) {
	id := uuid.New().String()

	ch, err := conn.Channel()
	if err != nil {
		return nil, &ChannelError{
			Op:        "create channel",
			Group:     spec.Name,
			ChannelID: id,
			Err:       fmt.Errorf("%w: %w", ErrChannelCreationFailed, err),
			Timestamp: time.Now(),
		}
	}

	if err := ch.Qos(spec.Prefetch, 0, false); err != nil {
		_ = ch.Close()
		return nil, &ChannelError{
			Op:        "set prefetch",
			Group:     spec.Name,
			ChannelID: id,
			Err:       err,
			Timestamp: time.Now(),
		}
	}

	return &PooledChannel{Channel: ch, id: id, group: spec.Name}, nil
}

// GetChannel resolves a channel group by name. An empty name selects the
// primary group; so does an unknown name, which is logged so the fallback
// stays visible.
func (cp *ChannelPool) GetChannel(name string) (*ChannelGroup, error) {
	cp.mu.RLock()
	defer cp.mu.RUnlock()

	if cp.closed {
		return nil, ErrChannelPoolClosed
	}
	if !cp.created {
		return nil, ErrChannelsNotCreated
	}

	if name == "" {
		return cp.primary, nil
	}
	if group, ok := cp.groups[name]; ok {
		return group, nil
	}

	cp.logger.Warn("unknown channel group, routing to primary",
		"group", name,
		"primary", cp.primary.Name)
	return cp.primary, nil
}

// Primary returns the primary channel group
func (cp *ChannelPool) Primary() (*ChannelGroup, error) {
	return cp.GetChannel("")
}

// Groups returns the channel groups in configuration order
func (cp *ChannelPool) Groups() []*ChannelGroup {
	cp.mu.RLock()
	defer cp.mu.RUnlock()

	groups := make([]*ChannelGroup, 0, len(cp.order))
	for _, name := range cp.order {
		groups = append(groups, cp.groups[name])
	}
	return groups
}

// Size returns the number of open channels across all groups
func (cp *ChannelPool) Size() int {
	cp.mu.RLock()
	defer cp.mu.RUnlock()

	size := 0
	for _, group := range cp.groups {
		size += len(group.Channels)
	}
	return size
}

// CloseChannels closes every channel in every group. Failures are logged
// and never returned: shutdown must proceed regardless.
func (cp *ChannelPool) CloseChannels() {
	cp.mu.Lock()
	defer cp.mu.Unlock()

	if cp.closed {
		return
	}
	cp.closed = true
	closeGroups(cp.groups, cp.logger)
}

func closeGroups(groups map[string]*ChannelGroup, logger *slog.Logger) {
	for _, group := range groups {
		for _, ch := range group.Channels {
			if ch.IsClosed() {
				continue
			}
			if err := ch.Close(); err != nil {
				logger.Warn("failed to close channel",
					"group", group.Name,
					"channel", ch.id,
					"error", err)
			}
		}
	}
}
