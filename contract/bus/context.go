package bus

import "context"

// MetaPropagator carries tracing context across process boundaries inside Meta.
// Implementations may bridge to OpenTelemetry or any other propagation standard and
// must be safe for concurrent use.
type MetaPropagator interface {
	Inject(ctx context.Context, meta Meta)
	Extract(ctx context.Context, meta Meta) context.Context
}

// NopMetaPropagator is a no-op implementation useful for tests or when tracing is disabled.
type NopMetaPropagator struct{}

func (NopMetaPropagator) Inject(context.Context, Meta) {}

func (NopMetaPropagator) Extract(ctx context.Context, _ Meta) context.Context { return ctx }
