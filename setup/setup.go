// Package setup builds the bus selected by configuration, wiring the configured brokers.
package setup

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/next-trace/scg-rpc-bus/adapters/composite"
	"github.com/next-trace/scg-rpc-bus/adapters/inmemory"
	"github.com/next-trace/scg-rpc-bus/adapters/kafka"
	"github.com/next-trace/scg-rpc-bus/adapters/nats"
	"github.com/next-trace/scg-rpc-bus/adapters/rabbitmq"
	"github.com/next-trace/scg-rpc-bus/adapters/redis"
	"github.com/next-trace/scg-rpc-bus/config"
	cbus "github.com/next-trace/scg-rpc-bus/contract/bus"
	berr "github.com/next-trace/scg-rpc-bus/contract/errors"
	"github.com/next-trace/scg-rpc-bus/distributed"
	"github.com/next-trace/scg-rpc-bus/servicebus"
)

// New returns the local or distributed bus described by cfg and a cleanup that tears it
// down and closes every broker connection it opened.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger, opts ...distributed.Option) (cbus.Bus, func(), error) { //nolint:ireturn
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}

	logger = servicebus.LoggerOrDiscard(logger)

	if cbus.Type(cfg.Bus.Type) == cbus.TypeLocal {
		b := servicebus.New(logger)
		return b, func() { _ = b.Teardown(context.Background()) }, nil
	}

	broker, err := NewBroker(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}

	base := []distributed.Option{distributed.WithBrokerOwnership()}
	if cfg.Bus.DisableTracing {
		base = append(base, distributed.WithPropagator(cbus.NopMetaPropagator{}))
	}

	opts = append(base, opts...)

	b, err := distributed.New(cfg.Options(), broker, logger, opts...)
	if err != nil {
		_ = broker.Close()
		return nil, nil, err
	}

	logger.Info("bus configured",
		"serverId", b.ServerID(),
		"streams", cfg.StreamsKind(),
		"pubsub", cfg.PubSubKind(),
		"hashes", cfg.HashesKind(),
	)

	return b, func() { _ = b.Teardown(context.Background()) }, nil
}

// NewBroker connects one adapter per distinct broker kind and composes them.
func NewBroker(ctx context.Context, cfg config.Config) (cbus.Broker, error) {
	built := map[string]any{}
	cleanups := &cleanupCloser{}

	get := func(kind string) (any, error) {
		if ad, ok := built[kind]; ok {
			return ad, nil
		}

		ad, cleanup, err := connect(ctx, cfg, kind)
		if err != nil {
			return nil, err
		}

		built[kind] = ad
		cleanups.fns = append(cleanups.fns, cleanup)

		return ad, nil
	}

	var parts [3]any

	for i, kind := range []string{cfg.StreamsKind(), cfg.PubSubKind(), cfg.HashesKind()} {
		ad, err := get(kind)
		if err != nil {
			_ = cleanups.Close()
			return nil, err
		}

		parts[i] = ad
	}

	streams, ok1 := parts[0].(cbus.Streams)
	pubsub, ok2 := parts[1].(cbus.PubSub)
	hashes, ok3 := parts[2].(cbus.Hashes)

	if !ok1 || !ok2 || !ok3 {
		_ = cleanups.Close()
		return nil, fmt.Errorf("setup: broker lacks a capability: %w", berr.ErrInvalidConfig)
	}

	b, err := composite.New(streams, pubsub, hashes, cleanups)
	if err != nil {
		_ = cleanups.Close()
		return nil, err
	}

	return b, nil
}

func connect(ctx context.Context, cfg config.Config, kind string) (any, func(), error) {
	switch kind {
	case config.KindMemory:
		b := inmemory.New()
		return b, func() { _ = b.Close() }, nil
	case config.KindRedis:
		return redis.NewWithRedis(ctx, redis.Config{URL: cfg.Broker.Redis.URL})
	case config.KindNATS:
		return nats.NewWithNATS(nats.Config{URL: cfg.Broker.NATS.URL, Name: cfg.Bus.ServerID})
	case config.KindRabbitMQ:
		return rabbitmq.NewWithAMQPConn(rabbitmq.Config{URL: cfg.Broker.RabbitMQ.URL, MaxLength: cfg.Broker.RabbitMQ.MaxLength})
	case config.KindKafka:
		return kafka.NewWithKgo(kafka.Config{Brokers: cfg.Broker.Kafka.Brokers, ClientID: cfg.Bus.ServerID})
	default:
		return nil, nil, fmt.Errorf("setup: unknown broker kind %q: %w", kind, berr.ErrInvalidConfig)
	}
}

type cleanupCloser struct{ fns []func() }

func (c *cleanupCloser) Close() error {
	fns := c.fns
	c.fns = nil

	for i := len(fns) - 1; i >= 0; i-- {
		fns[i]()
	}

	return nil
}

// Logger builds the root logger from the log section: format "text" or "json", level
// "debug", "info", "warn" or "error".
func Logger(cfg config.LogConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}

	if strings.EqualFold(cfg.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}

	return slog.New(slog.NewTextHandler(w, opts))
}
