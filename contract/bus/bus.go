package bus

import "context"

// Bus is the public contract shared by the local and the distributed realizations.
// The same caller code must observe equivalent Result shapes whichever one is active.
//
// Call and Publish never return Go errors: every failure is encoded in the Result or in
// the boolean. Lifecycle and schema operations report broker failures as errors.
type Bus interface {
	// Commands
	Call(ctx context.Context, cmd Command, p Payload) Result
	RegisterService(name string, svc Service)

	// Events
	Publish(ctx context.Context, event string, p Payload) bool
	Subscribe(event string, h EventHandler) bool
	Unsubscribe(event string) bool

	// Schemas
	GetSchema(service, method string) (Schema, bool)
	SetSchema(ctx context.Context, service, method string, s Schema) error
	PrefetchSchemas(ctx context.Context) error

	// Lifecycle
	Listen(ctx context.Context) error
	Teardown(ctx context.Context) error

	// WithMeta returns a view whose Call and Publish merge extra into the outgoing meta,
	// with the caller-supplied meta taking precedence.
	WithMeta(extra Meta) Bus
}
