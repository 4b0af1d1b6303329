package rabbitmq

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	berr "github.com/next-trace/scg-rpc-bus/contract/errors"
)

// Concrete AMQP connection-backed constructor and channel source with auto-reconnect.

type Config struct {
	URL         string
	ConnTimeout time.Duration
	// MaxLength bounds every group queue; 0 leaves queues unbounded.
	MaxLength int64
}

type reconnectingChannel struct {
	cfg    Config
	mu     sync.RWMutex
	conn   *amqp.Connection
	ch     *amqp.Channel
	closed chan struct{}
	ready  chan struct{} // closed when a channel is ready
}

func newReconnectingChannel(cfg Config) (*reconnectingChannel, func()) {
	rc := &reconnectingChannel{
		cfg:    cfg,
		closed: make(chan struct{}),
		ready:  make(chan struct{}),
	}
	go rc.run()
	cleanup := func() { rc.close() }
	return rc, cleanup
}

// Channel returns the live channel, waiting for a connection when there is none.
func (rc *reconnectingChannel) Channel(ctx context.Context) (Channel, error) {
	rc.mu.RLock()
	ch, ready := rc.ch, rc.ready
	rc.mu.RUnlock()

	if ch != nil && !ch.IsClosed() {
		return ch, nil
	}

	select {
	case <-ready:
	case <-rc.closed:
		return nil, fmt.Errorf("%w: rabbitmq closed", berr.ErrTransportClosed)
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	rc.mu.RLock()
	ch = rc.ch
	rc.mu.RUnlock()

	if ch == nil {
		return nil, fmt.Errorf("%w: rabbitmq not connected", berr.ErrTransportClosed)
	}

	return ch, nil
}

func (rc *reconnectingChannel) run() {
	backoff := time.Second
	const maxBackoff = 30 * time.Second
	// #nosec G404 -- non-crypto RNG is acceptable for backoff jitter
	rng := rand.New(rand.NewSource(time.Now().UnixNano())) //nolint:gosec // non-crypto RNG is acceptable for backoff jitter

	reconnect := func() (*amqp.Connection, *amqp.Channel, error) {
		conn, err := amqp.DialConfig(rc.cfg.URL, amqp.Config{
			Locale:     "en_US",
			Properties: amqp.Table{"product": "scg-rpc-bus"},
			Dial:       amqp.DefaultDial(rc.cfg.ConnTimeout),
		})
		if err != nil {
			return nil, nil, err
		}
		ch, err := conn.Channel()
		if err != nil {
			_ = conn.Close()
			return nil, nil, err
		}
		return conn, ch, nil
	}

	for {
		select {
		case <-rc.closed:
			return
		default:
		}

		conn, ch, err := reconnect()
		if err != nil {
			// exponential backoff with jitter
			jitter := time.Duration(rng.Int63n(int64(backoff / 2)))
			sleep := backoff + jitter/2
			if sleep > maxBackoff {
				sleep = maxBackoff
			}
			t := time.NewTimer(sleep)
			select {
			case <-rc.closed:
				t.Stop()
				return
			case <-t.C:
			}
			if backoff < maxBackoff {
				backoff *= 2
				if backoff > maxBackoff {
					backoff = maxBackoff
				}
			}
			continue
		}

		// success
		backoff = time.Second

		rc.mu.Lock()
		rc.conn = conn
		rc.ch = ch
		close(rc.ready)
		rc.mu.Unlock()

		// Block on connection close notifications to trigger reconnect
		notify := conn.NotifyClose(make(chan *amqp.Error, 1))
		select {
		case <-rc.closed:
			return
		case <-notify:
			rc.mu.Lock()
			rc.ch = nil
			rc.conn = nil
			rc.ready = make(chan struct{})
			rc.mu.Unlock()
			_ = ch.Close()
			_ = conn.Close()
			// loop to reconnect
		}
	}
}

func (rc *reconnectingChannel) close() {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	select {
	case <-rc.closed:
		// already closed
		return
	default:
		close(rc.closed)
	}
	if rc.ch != nil {
		_ = rc.ch.Close()
		rc.ch = nil
	}
	if rc.conn != nil {
		_ = rc.conn.Close()
		rc.conn = nil
	}
}

// NewWithAMQPConn dials RabbitMQ with auto-reconnect and returns an Adapter and a cleanup.
// Operations wait for the first connection, bounded by their context.
func NewWithAMQPConn(cfg Config) (*Adapter, func(), error) {
	if cfg.URL == "" {
		return nil, nil, fmt.Errorf("%w: rabbitmq url required", berr.ErrInvalidConfig)
	}
	src, cleanup := newReconnectingChannel(cfg)
	ad := New(src)
	ad.MaxLength = cfg.MaxLength
	return ad, cleanup, nil
}
