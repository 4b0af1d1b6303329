package distributed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	cbus "github.com/next-trace/scg-rpc-bus/contract/bus"
	berr "github.com/next-trace/scg-rpc-bus/contract/errors"
	"github.com/next-trace/scg-rpc-bus/servicebus"
)

// Bus is the cross-process realization of cbus.Bus.
//
// Calls are appended to per-method request streams and answered on a per-call response
// channel; events are appended to per-event streams. Processes sharing a broker compete
// for entries through consumer groups: one group per service, one shared group for events.
//
// Registrations are expected during bootstrap, before Listen. Bus is safe for concurrent use.
type Bus struct {
	opts   cbus.Options
	broker cbus.Broker
	logger *slog.Logger

	registry *servicebus.Registry
	schemas  *servicebus.SchemaCache
	pending  *pendingCalls

	mu     sync.RWMutex
	events map[string]cbus.EventHandler

	tracer     trace.Tracer
	propagator cbus.MetaPropagator
	ownsBroker bool

	// lifecycle serializes Listen and Teardown
	lifecycle sync.Mutex
	state     atomic.Int32
	stopping  atomic.Bool
	loops     sync.WaitGroup
	cancel    context.CancelFunc
	sub       cbus.Subscription
	consumers []consumerRef
}

// consumerRef names one consumer registration to remove on teardown.
type consumerRef struct {
	stream string
	group  string
}

// Option configures a Bus instance.
type Option func(*Bus)

// WithTracer sets the tracer used for call, publish and handling spans.
func WithTracer(t trace.Tracer) Option {
	return func(b *Bus) {
		if t != nil {
			b.tracer = t
		}
	}
}

// WithPropagator sets how trace context travels inside payload meta.
func WithPropagator(p cbus.MetaPropagator) Option {
	return func(b *Bus) {
		if p != nil {
			b.propagator = p
		}
	}
}

// WithMiddleware registers handler middleware for remotely consumed calls.
func WithMiddleware(mw ...servicebus.Middleware) Option {
	return func(b *Bus) { b.registry.Use(mw...) }
}

// WithBrokerOwnership makes Teardown close the broker once the bus is stopped.
func WithBrokerOwnership() Option {
	return func(b *Bus) { b.ownsBroker = true }
}

// New builds a distributed Bus over broker. opts.Type is forced to distributed and zero
// durations and sizes get their defaults; a ServerID is required.
func New(opts cbus.Options, broker cbus.Broker, logger *slog.Logger, o ...Option) (*Bus, error) {
	opts.Type = cbus.TypeDistributed
	opts = opts.WithDefaults()

	if err := opts.Validate(); err != nil {
		return nil, err
	}

	if broker == nil {
		return nil, fmt.Errorf("distributed bus: broker required: %w", berr.ErrInvalidConfig)
	}

	b := &Bus{
		opts:       opts,
		broker:     broker,
		logger:     servicebus.LoggerOrDiscard(logger).With("source", "bus", "serverId", opts.ServerID),
		registry:   servicebus.NewRegistry(),
		schemas:    servicebus.NewSchemaCache(),
		pending:    newPendingCalls(),
		events:     make(map[string]cbus.EventHandler),
		tracer:     otel.Tracer(instrumentationName),
		propagator: NewOTelPropagator(),
	}

	for _, fn := range o {
		fn(b)
	}

	return b, nil
}

var _ cbus.Bus = (*Bus)(nil)

// State reports the current lifecycle phase.
func (b *Bus) State() State { return State(b.state.Load()) }

// ServerID is the identity of this process on the broker.
func (b *Bus) ServerID() string { return b.opts.ServerID }

// Registry exposes the service registry, e.g. for introspection endpoints.
func (b *Bus) Registry() *servicebus.Registry { return b.registry }

// Call appends cmd to its request stream and waits for the correlated response.
// It resolves with "Call timeout" when no response arrives within CallTimeout,
// and with "Call cancelled" when ctx ends first. Responses only arrive once Listen ran;
// a stopped bus fails calls immediately.
func (b *Bus) Call(ctx context.Context, cmd cbus.Command, p cbus.Payload) cbus.Result {
	ctx, span := b.tracer.Start(ctx, "bus.call",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("bus.service", cmd.Service),
			attribute.String("bus.method", cmd.Method),
		))
	defer span.End()

	if b.State() == StateStopped {
		b.logger.WarnContext(ctx, "call on stopped bus", "command", cmd.String(), "error", berr.ErrBusStopped)
		return spanResult(span, cbus.Fail(cbus.Unexpected(cbus.MsgCallFailed)))
	}

	meta := servicebus.EnsureOperationID(p.Meta)
	b.propagator.Inject(ctx, meta)
	p = p.WithMeta(meta)

	log := b.logger.With("command", cmd.String(), "operationId", meta.OperationID())

	body, err := json.Marshal(p)
	if err != nil {
		log.ErrorContext(ctx, "encode call payload", "error", err)
		return spanResult(span, cbus.Fail(cbus.Unexpected(cbus.MsgInvalidPayload)))
	}

	callID := uuid.NewString()
	span.SetAttributes(attribute.String("bus.call_id", callID))

	result := b.pending.add(callID, b.opts.CallTimeout)

	fields := map[string]string{
		cbus.FieldServerID: b.opts.ServerID,
		cbus.FieldCallID:   callID,
		cbus.FieldPayload:  string(body),
	}

	if err := b.broker.Append(ctx, cbus.RequestStream(cmd), fields, b.opts.MaxCallStreamSize); err != nil {
		b.pending.drop(callID)

		if isContextErr(err) {
			return spanResult(span, cbus.Fail(cbus.Unexpected(cbus.MsgCallCancelled)))
		}

		log.ErrorContext(ctx, "append call", "error", errors.Join(berr.ErrAppendFailed, err))

		return spanResult(span, cbus.Fail(cbus.Unexpected(cbus.MsgCallFailed)))
	}

	select {
	case r := <-result:
		if r.Err != nil && r.Err.Message == cbus.MsgCallTimeout {
			log.WarnContext(ctx, "call timed out", "callId", callID, "timeout", b.opts.CallTimeout, "error", berr.ErrCallTimeout)
		}

		return spanResult(span, r)
	case <-ctx.Done():
		b.pending.drop(callID)
		return spanResult(span, cbus.Fail(cbus.Unexpected(cbus.MsgCallCancelled)))
	}
}

// RegisterService makes svc dispatchable under name. Only services registered before
// Listen are consumed from the broker.
func (b *Bus) RegisterService(name string, svc cbus.Service) { b.registry.Register(name, svc) }

// Publish appends the event to its stream and reports whether the broker accepted it.
func (b *Bus) Publish(ctx context.Context, event string, p cbus.Payload) bool {
	ctx, span := b.tracer.Start(ctx, "bus.publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(attribute.String("bus.event", event)))
	defer span.End()

	if b.State() == StateStopped {
		b.logger.WarnContext(ctx, "publish on stopped bus", "event", event, "error", berr.ErrBusStopped)
		return false
	}

	meta := servicebus.EnsureOperationID(p.Meta)
	b.propagator.Inject(ctx, meta)
	p = p.WithMeta(meta)

	body, err := json.Marshal(p)
	if err != nil {
		b.logger.ErrorContext(ctx, "encode event payload", "event", event, "error", errors.Join(berr.ErrSerializationFailed, err))
		span.SetStatus(codes.Error, "encode")

		return false
	}

	fields := map[string]string{cbus.FieldPayload: string(body)}
	if err := b.broker.Append(ctx, cbus.EventStream(event), fields, b.opts.MaxEventStreamSize); err != nil {
		b.logger.ErrorContext(ctx, "append event", "event", event, "operationId", meta.OperationID(),
			"error", errors.Join(berr.ErrAppendFailed, err))
		span.SetStatus(codes.Error, "append")

		return false
	}

	return true
}

// Subscribe sets the handler of event, replacing any previous one. Only events
// subscribed before Listen get a consumer group.
func (b *Bus) Subscribe(event string, h cbus.EventHandler) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.events[event] = h

	return true
}

// Unsubscribe removes the handler of event; entries still delivered for it are dropped.
func (b *Bus) Unsubscribe(event string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	_, ok := b.events[event]
	delete(b.events, event)

	return ok
}

func (b *Bus) eventHandler(event string) (cbus.EventHandler, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	h, ok := b.events[event]

	return h, ok
}

func (b *Bus) subscribedEvents() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]string, 0, len(b.events))
	for e := range b.events {
		out = append(out, e)
	}

	return out
}

func (b *Bus) WithMeta(extra cbus.Meta) cbus.Bus { return servicebus.WithMeta(b, extra) }

func spanResult(span trace.Span, r cbus.Result) cbus.Result {
	if r.Err != nil {
		span.SetStatus(codes.Error, r.Err.Message)
	}

	return r
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
