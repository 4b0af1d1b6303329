package bus

import "context"

// Hashes abstracts a shared field/value hash structure.
type Hashes interface {
	HSet(ctx context.Context, key, field string, value []byte) error
	HGetAll(ctx context.Context, key string) (map[string][]byte, error)
}

// Broker is a convenience interface that combines the three transport capabilities the
// distributed bus needs. Any adapter (or composite of adapters) implementing all of them
// can be passed to the distributed bus.
//
// This keeps the bus decoupled from concrete transports (Redis, NATS, RabbitMQ, Kafka, in-memory).
type Broker interface {
	Streams
	PubSub
	Hashes
	Close() error
}
