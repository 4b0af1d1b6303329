package servicebus

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"

	cbus "github.com/next-trace/scg-rpc-bus/contract/bus"
	berr "github.com/next-trace/scg-rpc-bus/contract/errors"
)

// Registry maps service names to their method tables.
// It is populated during bootstrap and read on every dispatch. Registry is concurrency-safe.
type Registry struct {
	mu       sync.RWMutex
	services map[string]cbus.Service

	// middleware executed in registration order around every handler
	mw []Middleware
}

// Middleware wraps handler execution.
type Middleware func(cmd cbus.Command, next cbus.Handler) cbus.Handler

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{services: make(map[string]cbus.Service)}
}

// Register associates name with svc. Registering the same name again replaces the table.
func (r *Registry) Register(name string, svc cbus.Service) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.services[name] = maps.Clone(svc)
}

// Use appends middleware to the chain applied by Lookup.
func (r *Registry) Use(mw ...Middleware) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.mw = append(r.mw, mw...)
}

// Lookup resolves the handler of cmd or the routing error explaining why there is none.
func (r *Registry) Lookup(cmd cbus.Command) (cbus.Handler, *cbus.ServiceError) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	svc, ok := r.services[cmd.Service]
	if !ok {
		return nil, cbus.Unexpected(cbus.MsgServiceNotFound)
	}

	h, ok := svc[cmd.Method]
	if !ok || h == nil {
		return nil, cbus.Unexpected(cbus.MsgMethodNotFound)
	}

	// Build chain so the first registered middleware runs first
	for i := len(r.mw) - 1; i >= 0; i-- {
		h = r.mw[i](cmd, h)
	}

	return h, nil
}

// Services returns the registered service names, sorted.
func (r *Registry) Services() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return slices.Sorted(maps.Keys(r.services))
}

// Methods returns the method names of service, sorted.
func (r *Registry) Methods(service string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return slices.Sorted(maps.Keys(r.services[service]))
}

// Dispatch looks up cmd in r and invokes its handler with p.
// Routing failures and handler panics are turned into unexpected ServiceErrors;
// whatever the handler returns is passed through untouched.
func Dispatch(ctx context.Context, r *Registry, cmd cbus.Command, p cbus.Payload, logger *slog.Logger) (res cbus.Result) {
	h, serr := r.Lookup(cmd)
	if serr != nil {
		cause := berr.ErrMethodNotFound
		if serr.Message == cbus.MsgServiceNotFound {
			cause = berr.ErrServiceNotFound
		}

		LoggerOrDiscard(logger).WarnContext(ctx, serr.Message, "command", cmd.String(), "error", cause)

		return cbus.Fail(serr)
	}

	defer func() {
		if rec := recover(); rec != nil {
			LoggerOrDiscard(logger).ErrorContext(ctx, "handler panicked",
				"command", cmd.String(), "operationId", p.Meta.OperationID(), "panic", fmt.Sprint(rec))

			res = cbus.Fail(cbus.Unexpected(cbus.MsgInternal))
		}
	}()

	return h(ctx, p)
}
