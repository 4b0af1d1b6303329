package bus

import "context"

// Handler serves one method of a service.
// Implementations must be safe for concurrent use by multiple goroutines.
type Handler func(ctx context.Context, p Payload) Result

// EventHandler consumes one event. A returned error is logged by the bus, never surfaced.
type EventHandler func(ctx context.Context, p Payload) error

// Service is the method table of a service: method name -> handler.
type Service map[string]Handler
