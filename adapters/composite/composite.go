// Package composite assembles a cbus.Broker from adapters that each cover part of the
// transport contract, for example Kafka streams with NATS pub/sub and key-value hashes.
package composite

import (
	"errors"
	"fmt"
	"io"

	cbus "github.com/next-trace/scg-rpc-bus/contract/bus"
	berr "github.com/next-trace/scg-rpc-bus/contract/errors"
)

// Broker routes each capability to its own adapter.
type Broker struct {
	cbus.Streams
	cbus.PubSub
	cbus.Hashes

	closers []io.Closer
}

var _ cbus.Broker = (*Broker)(nil)

// New composes a broker. Every argument that implements io.Closer, plus the extra closers,
// is closed once by Close; an adapter passed for several capabilities is closed only once.
func New(streams cbus.Streams, pubsub cbus.PubSub, hashes cbus.Hashes, closers ...io.Closer) (*Broker, error) {
	if streams == nil || pubsub == nil || hashes == nil {
		return nil, fmt.Errorf("composite broker: streams, pubsub and hashes required: %w", berr.ErrInvalidConfig)
	}

	b := &Broker{Streams: streams, PubSub: pubsub, Hashes: hashes}

	for _, v := range []any{streams, pubsub, hashes} {
		if c, ok := v.(io.Closer); ok {
			b.addCloser(c)
		}
	}

	for _, c := range closers {
		b.addCloser(c)
	}

	return b, nil
}

func (b *Broker) addCloser(c io.Closer) {
	for _, have := range b.closers {
		if have == c {
			return
		}
	}

	b.closers = append(b.closers, c)
}

// Close closes every distinct underlying adapter and joins their errors.
func (b *Broker) Close() error {
	var errs []error

	for _, c := range b.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}
