package bus

import (
	"fmt"
	"time"

	berr "github.com/next-trace/scg-rpc-bus/contract/errors"
)

// Type selects the bus realization.
type Type string

const (
	TypeLocal       Type = "local"
	TypeDistributed Type = "distributed"
)

// Defaults applied by Options.WithDefaults.
const (
	DefaultReadInterval  = time.Second
	DefaultCallTimeout   = 10 * time.Second
	DefaultDrainTimeout  = 10 * time.Second
	DefaultMaxStreamSize = 10000
)

// Options is the transport-neutral configuration surface of a bus.
// Only Type matters for the local bus.
type Options struct {
	Type               Type
	ServerID           string        // unique per process instance
	ReadInterval       time.Duration // block duration of one consumer-group read
	CallTimeout        time.Duration
	MaxEventStreamSize int64
	MaxCallStreamSize  int64
	DrainTimeout       time.Duration // grace period for in-flight work on teardown
}

// WithDefaults fills zero fields with their defaults.
func (o Options) WithDefaults() Options {
	if o.Type == "" {
		o.Type = TypeLocal
	}

	if o.ReadInterval <= 0 {
		o.ReadInterval = DefaultReadInterval
	}

	if o.CallTimeout <= 0 {
		o.CallTimeout = DefaultCallTimeout
	}

	if o.DrainTimeout <= 0 {
		o.DrainTimeout = DefaultDrainTimeout
	}

	if o.MaxEventStreamSize <= 0 {
		o.MaxEventStreamSize = DefaultMaxStreamSize
	}

	if o.MaxCallStreamSize <= 0 {
		o.MaxCallStreamSize = DefaultMaxStreamSize
	}

	return o
}

// Validate reports configuration that no bus can run with.
func (o Options) Validate() error {
	switch o.Type {
	case TypeLocal:
		return nil
	case TypeDistributed:
		if o.ServerID == "" {
			return fmt.Errorf("bus options: server id required: %w", berr.ErrInvalidConfig)
		}

		return nil
	default:
		return fmt.Errorf("bus options: unknown type %q: %w", o.Type, berr.ErrInvalidConfig)
	}
}
