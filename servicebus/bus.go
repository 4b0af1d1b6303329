package servicebus

import (
	"context"
	"log/slog"
	"sync"

	cbus "github.com/next-trace/scg-rpc-bus/contract/bus"
)

// Bus is the in-process realization of cbus.Bus: calls are dispatched directly to the
// registered handler and events are fanned out to the local subscriber.
// It lets a single process run the whole system with the call semantics of the
// distributed bus.
//
// Bus is concurrency-safe and contains no global state.
type Bus struct {
	registry *Registry
	schemas  *SchemaCache

	mu     sync.RWMutex
	events map[string]cbus.EventHandler

	inflight sync.WaitGroup
	logger   *slog.Logger
}

// Option configures a Bus instance.
type Option func(*Bus)

// WithMiddleware registers handler middleware executed in registration order.
func WithMiddleware(mw ...Middleware) Option {
	return func(b *Bus) { b.registry.Use(mw...) }
}

// New constructs a local Bus. A nil logger discards output.
func New(logger *slog.Logger, opts ...Option) *Bus {
	b := &Bus{
		registry: NewRegistry(),
		schemas:  NewSchemaCache(),
		events:   make(map[string]cbus.EventHandler),
		logger:   LoggerOrDiscard(logger),
	}

	for _, o := range opts {
		o(b)
	}

	return b
}

var _ cbus.Bus = (*Bus)(nil)

// Call invokes cmd in-process. The payload meta always leaves with an operationId.
func (b *Bus) Call(ctx context.Context, cmd cbus.Command, p cbus.Payload) cbus.Result {
	p = p.WithMeta(EnsureOperationID(p.Meta))

	return Dispatch(ctx, b.registry, cmd, p, b.logger)
}

// RegisterService makes svc dispatchable under name. Last writer wins.
func (b *Bus) RegisterService(name string, svc cbus.Service) { b.registry.Register(name, svc) }

// Publish hands the event to its subscriber asynchronously. The in-process transport
// always accepts, so Publish reports true even when nobody is subscribed.
func (b *Bus) Publish(ctx context.Context, event string, p cbus.Payload) bool {
	p = p.WithMeta(EnsureOperationID(p.Meta))

	b.mu.RLock()
	h, ok := b.events[event]
	b.mu.RUnlock()

	if !ok {
		b.logger.DebugContext(ctx, "no subscriber for event", "event", event, "operationId", p.Meta.OperationID())
		return true
	}

	hctx := context.WithoutCancel(ctx)

	b.inflight.Add(1)

	go func() {
		defer b.inflight.Done()

		if err := h(hctx, p); err != nil {
			b.logger.ErrorContext(hctx, "event handler failed", "event", event, "operationId", p.Meta.OperationID(), "error", err)
		}
	}()

	return true
}

// Subscribe sets the handler of event, replacing any previous one.
func (b *Bus) Subscribe(event string, h cbus.EventHandler) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.events[event] = h

	return true
}

// Unsubscribe removes the handler of event and reports whether there was one.
func (b *Bus) Unsubscribe(event string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	_, ok := b.events[event]
	delete(b.events, event)

	return ok
}

func (b *Bus) GetSchema(service, method string) (cbus.Schema, bool) {
	return b.schemas.Get(service, method)
}

func (b *Bus) SetSchema(_ context.Context, service, method string, s cbus.Schema) error {
	b.schemas.Set(service, method, s)
	return nil
}

// PrefetchSchemas is a no-op: the local cache is the store.
func (b *Bus) PrefetchSchemas(context.Context) error { return nil }

// Listen is a no-op for the in-process bus.
func (b *Bus) Listen(context.Context) error { return nil }

// Teardown waits for event handlers still running, bounded by ctx.
func (b *Bus) Teardown(ctx context.Context) error {
	done := make(chan struct{})

	go func() {
		b.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Bus) WithMeta(extra cbus.Meta) cbus.Bus { return WithMeta(b, extra) }

// Registry exposes the service registry, e.g. for introspection endpoints.
func (b *Bus) Registry() *Registry { return b.registry }
