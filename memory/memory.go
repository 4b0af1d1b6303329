// Package memory builds ready-to-use buses that need no external infrastructure.
package memory

import (
	"context"
	"log/slog"

	"github.com/next-trace/scg-rpc-bus/adapters/inmemory"
	cbus "github.com/next-trace/scg-rpc-bus/contract/bus"
	"github.com/next-trace/scg-rpc-bus/distributed"
	"github.com/next-trace/scg-rpc-bus/servicebus"
)

// New constructs a local bus and returns it as a contract.Bus along with a cleanup
// function that waits for in-flight event handlers.
func New() (cbus.Bus, func()) { //nolint:ireturn
	b := servicebus.New(nil)
	cleanup := func() { _ = b.Teardown(context.Background()) }

	return b, cleanup
}

// NewDistributed constructs a distributed bus over a fresh in-process broker. Buses built
// on the same broker behave like processes sharing one Redis. The cleanup tears the bus
// down and closes the broker.
func NewDistributed(opts cbus.Options, logger *slog.Logger) (*distributed.Bus, *inmemory.Broker, func(), error) {
	broker := inmemory.New()

	b, err := distributed.New(opts, broker, logger, distributed.WithBrokerOwnership())
	if err != nil {
		_ = broker.Close()
		return nil, nil, nil, err
	}

	cleanup := func() { _ = b.Teardown(context.Background()) }

	return b, broker, cleanup, nil
}
