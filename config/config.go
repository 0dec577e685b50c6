// Package config loads the engine configuration from a YAML file with
// environment overrides.
package config

import (
	"fmt"
	"time"

	"github.com/glimte/rmqengine/internal/rabbitmq"
	"github.com/ilyakaznacheev/cleanenv"
)

// Config is the complete engine configuration
type Config struct {
	Host           string        `yaml:"host" env:"RMQ_HOST" env-default:"localhost:5672" env-description:"broker host, optionally with port"`
	Username       string        `yaml:"username" env:"RMQ_USERNAME" env-default:"guest" env-description:"broker user"`
	Password       string        `yaml:"password" env:"RMQ_PASSWORD" env-default:"guest" env-description:"broker password"`
	VHost          string        `yaml:"vhost" env:"RMQ_VHOST" env-default:"/" env-description:"broker virtual host"`
	TLS            bool          `yaml:"tls" env:"RMQ_TLS" env-description:"connect with amqps"`
	RetryLimit     int           `yaml:"retry_limit" env:"RMQ_RETRY_LIMIT" env-default:"3" env-description:"deliveries before a message is dead-lettered"`
	HandlerTimeout time.Duration `yaml:"handler_timeout" env:"RMQ_HANDLER_TIMEOUT" env-description:"per-message handler deadline, 0 disables"`
	DrainTimeout   time.Duration `yaml:"drain_timeout" env:"RMQ_DRAIN_TIMEOUT" env-default:"10s" env-description:"grace period for in-flight handlers on shutdown before their context is cancelled"`

	Channels []Channel `yaml:"channels"`
	Queues   []Queue   `yaml:"queues"`

	Log       Log       `yaml:"log"`
	Telemetry Telemetry `yaml:"telemetry"`
}

// Channel declares a channel group
type Channel struct {
	Name        string `yaml:"name"`
	Prefetch    int    `yaml:"prefetch"`
	Concurrency int    `yaml:"concurrency"`
	Primary     bool   `yaml:"primary"`
}

// Exchange names the exchange a queue is bound to
type Exchange struct {
	Name string `yaml:"name"`
	Type string `yaml:"type"`
}

// QueueOptions mirrors the optional queue arguments
type QueueOptions struct {
	Durable     *bool                  `yaml:"durable,omitempty"`
	Exclusive   bool                   `yaml:"exclusive,omitempty"`
	AutoDelete  bool                   `yaml:"auto_delete,omitempty"`
	ExpiresMs   int                    `yaml:"expires_ms,omitempty"`
	MaxLength   int                    `yaml:"max_length,omitempty"`
	MaxPriority int                    `yaml:"max_priority,omitempty"`
	Arguments   map[string]interface{} `yaml:"arguments,omitempty"`
}

// Queue declares one logical queue and its retry chain
type Queue struct {
	Name       string       `yaml:"name"`
	Exchange   Exchange     `yaml:"exchange"`
	RoutingKey string       `yaml:"routing_key"`
	RetryTTLMs int          `yaml:"retry_ttl_ms"`
	Options    QueueOptions `yaml:"options"`
}

// Log configures the logger
type Log struct {
	Level  string `yaml:"level" env:"RMQ_LOG_LEVEL" env-default:"info" env-description:"debug, info, warn or error"`
	Format string `yaml:"format" env:"RMQ_LOG_FORMAT" env-default:"json" env-description:"json or text"`
}

// Telemetry configures OpenTelemetry export
type Telemetry struct {
	OTLPEndpoint string `yaml:"otlp_endpoint" env:"RMQ_OTLP_ENDPOINT" env-description:"OTLP gRPC endpoint, empty disables export"`
	ServiceName  string `yaml:"service_name" env:"RMQ_SERVICE_NAME" env-default:"rmqengine"`
}

// DefaultChannel is the group used when none is configured
var DefaultChannel = Channel{Name: "default", Prefetch: 10, Concurrency: 1, Primary: true}

// Default returns a configuration populated from defaults and the environment
func Default() *Config {
	cfg := &Config{}
	// Only parse errors can occur here and the defaults are well formed
	_ = cleanenv.ReadEnv(cfg)
	cfg.applyDefaults()
	return cfg
}

// Load reads path, applies environment overrides and validates the result.
// An empty path reads the environment only.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	var err error
	if path == "" {
		err = cleanenv.ReadEnv(cfg)
	} else {
		err = cleanenv.ReadConfig(path, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Usage describes the supported environment variables
func Usage() string {
	help, err := cleanenv.GetDescription(&Config{}, nil)
	if err != nil {
		return ""
	}
	return help
}

func (c *Config) applyDefaults() {
	if len(c.Channels) == 0 {
		c.Channels = []Channel{DefaultChannel}
	}
}

// Validate checks the configuration before any broker resource is created
func (c *Config) Validate() error {
	if c.Host == "" {
		return rabbitmq.NewConfigurationError("host", fmt.Errorf("host is required"))
	}
	if c.RetryLimit < 1 {
		return rabbitmq.NewConfigurationError("retry_limit", fmt.Errorf("retry limit must be at least 1, got %d", c.RetryLimit))
	}
	if c.HandlerTimeout < 0 {
		return rabbitmq.NewConfigurationError("handler_timeout", fmt.Errorf("handler timeout cannot be negative"))
	}
	if c.DrainTimeout < 0 {
		return rabbitmq.NewConfigurationError("drain_timeout", fmt.Errorf("drain timeout cannot be negative"))
	}
	if err := rabbitmq.ValidateGroups(c.ChannelGroups()); err != nil {
		return err
	}

	seen := make(map[string]bool, len(c.Queues))
	for _, spec := range c.QueueSpecs() {
		if err := rabbitmq.ValidateQueue(spec); err != nil {
			return err
		}
		if seen[spec.Name] {
			return rabbitmq.NewConfigurationError("queues", fmt.Errorf("duplicate queue %q", spec.Name))
		}
		seen[spec.Name] = true
	}
	return nil
}

// URL returns the broker URI
func (c *Config) URL() string {
	return rabbitmq.BuildURL(c.Host, c.Username, c.Password, c.VHost, c.TLS)
}

// ChannelGroups converts the configured channel groups
func (c *Config) ChannelGroups() []rabbitmq.ChannelGroupSpec {
	specs := make([]rabbitmq.ChannelGroupSpec, 0, len(c.Channels))
	for _, ch := range c.Channels {
		specs = append(specs, rabbitmq.ChannelGroupSpec{
			Name:        ch.Name,
			Prefetch:    ch.Prefetch,
			Concurrency: ch.Concurrency,
			Primary:     ch.Primary,
		})
	}
	return specs
}

// QueueSpecs converts the configured queues
func (c *Config) QueueSpecs() []rabbitmq.QueueSpec {
	specs := make([]rabbitmq.QueueSpec, 0, len(c.Queues))
	for _, q := range c.Queues {
		specs = append(specs, rabbitmq.QueueSpec{
			Name:       q.Name,
			Exchange:   rabbitmq.ExchangeSpec{Name: q.Exchange.Name, Type: q.Exchange.Type},
			RoutingKey: q.RoutingKey,
			RetryTTL:   time.Duration(q.RetryTTLMs) * time.Millisecond,
			Options: rabbitmq.QueueOptions{
				Durable:     q.Options.Durable,
				AutoDelete:  q.Options.AutoDelete,
				Exclusive:   q.Options.Exclusive,
				Expires:     time.Duration(q.Options.ExpiresMs) * time.Millisecond,
				MaxLength:   q.Options.MaxLength,
				MaxPriority: q.Options.MaxPriority,
				Arguments:   q.Options.Arguments,
			},
		})
	}
	return specs
}

// Masked returns a copy safe to print
func (c *Config) Masked() *Config {
	out := *c
	if out.Password != "" {
		out.Password = "********"
	}
	return &out
}
