// Package config loads bus configuration from an optional file and SCGBUS_ environment variables.
package config

import (
	"fmt"
	"slices"
	"strings"
	"time"

	nanoid "github.com/matoous/go-nanoid/v2"
	"github.com/spf13/viper"

	cbus "github.com/next-trace/scg-rpc-bus/contract/bus"
	berr "github.com/next-trace/scg-rpc-bus/contract/errors"
)

// Broker kinds.
const (
	KindMemory   = "memory"
	KindRedis    = "redis"
	KindNATS     = "nats"
	KindRabbitMQ = "rabbitmq"
	KindKafka    = "kafka"
)

// ServerIDPrefix and serverIDAlphabet shape generated server ids. The alphabet avoids
// separators that brokers use in subject and routing-key names.
const (
	ServerIDPrefix   = "srv-"
	serverIDAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	serverIDLength   = 12
)

type Config struct {
	Bus    BusConfig    `mapstructure:"bus"`
	Broker BrokerConfig `mapstructure:"broker"`
	Log    LogConfig    `mapstructure:"log"`
}

type BusConfig struct {
	Type               string        `mapstructure:"type"`
	ServerID           string        `mapstructure:"server_id"`
	ReadInterval       time.Duration `mapstructure:"read_interval"`
	CallTimeout        time.Duration `mapstructure:"call_timeout"`
	MaxEventStreamSize int64         `mapstructure:"max_event_stream_size"`
	MaxCallStreamSize  int64         `mapstructure:"max_call_stream_size"`
	DrainTimeout       time.Duration `mapstructure:"drain_timeout"`
	// DisableTracing stops trace context from travelling inside payload meta.
	DisableTracing bool `mapstructure:"disable_tracing"`
}

// BrokerConfig selects one broker kind per capability. Empty capabilities fall back to Kind.
type BrokerConfig struct {
	Kind     string         `mapstructure:"kind"`
	Streams  string         `mapstructure:"streams"`
	PubSub   string         `mapstructure:"pubsub"`
	Hashes   string         `mapstructure:"hashes"`
	Redis    URLConfig      `mapstructure:"redis"`
	NATS     URLConfig      `mapstructure:"nats"`
	RabbitMQ RabbitMQConfig `mapstructure:"rabbitmq"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
}

type URLConfig struct {
	URL string `mapstructure:"url"`
}

type RabbitMQConfig struct {
	URL       string `mapstructure:"url"`
	MaxLength int64  `mapstructure:"max_length"`
}

type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads path (YAML, TOML or JSON; "" skips the file) and applies SCGBUS_ environment
// overrides, e.g. SCGBUS_BUS_TYPE or SCGBUS_BROKER_REDIS_URL.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("scgbus")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)

		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.Bus.ServerID == "" {
		id, err := NewServerID()
		if err != nil {
			return Config{}, err
		}

		cfg.Bus.ServerID = id
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// setDefaults registers every key so that environment variables reach Unmarshal.
func setDefaults(v *viper.Viper) {
	v.SetDefault("bus.type", string(cbus.TypeLocal))
	v.SetDefault("bus.server_id", "")
	v.SetDefault("bus.read_interval", cbus.DefaultReadInterval)
	v.SetDefault("bus.call_timeout", cbus.DefaultCallTimeout)
	v.SetDefault("bus.max_event_stream_size", cbus.DefaultMaxStreamSize)
	v.SetDefault("bus.max_call_stream_size", cbus.DefaultMaxStreamSize)
	v.SetDefault("bus.drain_timeout", cbus.DefaultDrainTimeout)
	v.SetDefault("bus.disable_tracing", false)
	v.SetDefault("broker.kind", KindMemory)
	v.SetDefault("broker.streams", "")
	v.SetDefault("broker.pubsub", "")
	v.SetDefault("broker.hashes", "")
	v.SetDefault("broker.redis.url", "")
	v.SetDefault("broker.nats.url", "")
	v.SetDefault("broker.rabbitmq.url", "")
	v.SetDefault("broker.rabbitmq.max_length", cbus.DefaultMaxStreamSize)
	v.SetDefault("broker.kafka.brokers", []string{})
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// NewServerID generates a unique server id.
func NewServerID() (string, error) {
	id, err := nanoid.Generate(serverIDAlphabet, serverIDLength)
	if err != nil {
		return "", fmt.Errorf("server id: %w", err)
	}

	return ServerIDPrefix + id, nil
}

// Options converts the bus section into bus options.
func (c Config) Options() cbus.Options {
	return cbus.Options{
		Type:               cbus.Type(c.Bus.Type),
		ServerID:           c.Bus.ServerID,
		ReadInterval:       c.Bus.ReadInterval,
		CallTimeout:        c.Bus.CallTimeout,
		MaxEventStreamSize: c.Bus.MaxEventStreamSize,
		MaxCallStreamSize:  c.Bus.MaxCallStreamSize,
		DrainTimeout:       c.Bus.DrainTimeout,
	}
}

// StreamsKind, PubSubKind and HashesKind resolve the broker kind of each capability.
func (c Config) StreamsKind() string { return or(c.Broker.Streams, c.Broker.Kind) }

func (c Config) PubSubKind() string { return or(c.Broker.PubSub, c.Broker.Kind) }

func (c Config) HashesKind() string { return or(c.Broker.Hashes, c.Broker.Kind) }

func (c Config) Validate() error {
	if err := c.Options().WithDefaults().Validate(); err != nil {
		return err
	}

	if cbus.Type(c.Bus.Type) == cbus.TypeLocal {
		return nil
	}

	kinds := []string{KindMemory, KindRedis, KindNATS, KindRabbitMQ, KindKafka}

	for _, k := range []string{c.StreamsKind(), c.PubSubKind(), c.HashesKind()} {
		if !slices.Contains(kinds, k) {
			return fmt.Errorf("config: unknown broker kind %q: %w", k, berr.ErrInvalidConfig)
		}
	}

	if c.PubSubKind() == KindKafka {
		return fmt.Errorf("config: kafka cannot provide pubsub: %w", berr.ErrInvalidConfig)
	}

	if k := c.HashesKind(); k == KindKafka || k == KindRabbitMQ {
		return fmt.Errorf("config: %s cannot provide hashes: %w", k, berr.ErrInvalidConfig)
	}

	return nil
}

func or(v, fallback string) string {
	if v != "" {
		return v
	}

	return fallback
}
