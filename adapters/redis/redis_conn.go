package redis

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	berr "github.com/next-trace/scg-rpc-bus/contract/errors"
)

// Concrete go-redis client and constructor.

type Config struct {
	URL         string // redis://[user:pass@]host:port/db
	DialTimeout time.Duration
}

// NewWithRedis connects to cfg.URL, verifies the connection and returns an Adapter that
// owns the client, plus a cleanup closing it.
func NewWithRedis(ctx context.Context, cfg Config) (*Adapter, func(), error) {
	if cfg.URL == "" {
		return nil, nil, fmt.Errorf("%w: redis url required", berr.ErrInvalidConfig)
	}

	opts, err := goredis.ParseURL(cfg.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: redis url: %w", berr.ErrInvalidConfig, err)
	}

	if cfg.DialTimeout > 0 {
		opts.DialTimeout = cfg.DialTimeout
	}

	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("%w: redis ping: %w", berr.ErrTransportClosed, err)
	}

	ad := New(client)
	ad.closeFn = client.Close

	cleanup := func() { _ = ad.Close() }

	return ad, cleanup, nil
}
