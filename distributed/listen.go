package distributed

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	cbus "github.com/next-trace/scg-rpc-bus/contract/bus"
	berr "github.com/next-trace/scg-rpc-bus/contract/errors"
	"github.com/next-trace/scg-rpc-bus/servicebus"
)

// Listen subscribes to this process's response channels, ensures the consumer groups of
// every registered method and subscribed event exist, and starts the read loops.
// Listen runs once; later calls are no-ops. The loops run until Teardown.
func (b *Bus) Listen(ctx context.Context) error {
	b.lifecycle.Lock()
	defer b.lifecycle.Unlock()

	if b.State() != StateCreated {
		return nil
	}

	sub, err := b.broker.PSubscribe(ctx, cbus.ResponsePattern(b.opts.ServerID), b.onResponse)
	if err != nil {
		return fmt.Errorf("listen: subscribe responses: %w", err)
	}

	type loop struct {
		group   string
		streams []string
		handle  func(context.Context, *cbus.StreamEntry)
	}

	var (
		loops     []loop
		consumers []consumerRef
	)

	for _, service := range b.registry.Services() {
		var streams []string

		for _, method := range b.registry.Methods(service) {
			stream := cbus.RequestStream(cbus.Command{Service: service, Method: method})
			if err := b.broker.CreateGroup(ctx, stream, service); err != nil {
				_ = sub.Close()
				return fmt.Errorf("listen: create group %s on %s: %w", service, stream, err)
			}

			streams = append(streams, stream)
			consumers = append(consumers, consumerRef{stream: stream, group: service})
		}

		if len(streams) == 0 {
			continue
		}

		loops = append(loops, loop{group: service, streams: streams, handle: b.requestHandler(service)})
	}

	events := b.subscribedEvents()
	slices.Sort(events)

	var eventStreams []string

	for _, event := range events {
		stream := cbus.EventStream(event)
		if err := b.broker.CreateGroup(ctx, stream, cbus.EventsGroup); err != nil {
			_ = sub.Close()
			return fmt.Errorf("listen: create group %s on %s: %w", cbus.EventsGroup, stream, err)
		}

		eventStreams = append(eventStreams, stream)
		consumers = append(consumers, consumerRef{stream: stream, group: cbus.EventsGroup})
	}

	if len(eventStreams) > 0 {
		loops = append(loops, loop{group: cbus.EventsGroup, streams: eventStreams, handle: b.handleEvent})
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	b.sub = sub
	b.cancel = cancel
	b.consumers = consumers

	for _, l := range loops {
		b.loops.Add(1)

		go b.consume(loopCtx, l.group, l.streams, l.handle)
	}

	b.state.Store(int32(StateListening))
	b.logger.InfoContext(ctx, "bus listening", "services", len(b.registry.Services()), "events", len(events))

	return nil
}

// consume reads one entry at a time from streams on behalf of group and handles it
// before reading again. It stops once teardown begins or ctx ends.
func (b *Bus) consume(ctx context.Context, group string, streams []string, handle func(context.Context, *cbus.StreamEntry)) {
	defer b.loops.Done()

	for !b.stopping.Load() {
		e, err := b.broker.ReadGroup(ctx, group, b.opts.ServerID, streams, b.opts.ReadInterval)
		if err != nil {
			if ctx.Err() != nil {
				return
			}

			b.logger.ErrorContext(ctx, "read group", "group", group, "error", err)

			select {
			case <-time.After(b.opts.ReadInterval):
			case <-ctx.Done():
				return
			}

			continue
		}

		if e == nil {
			continue
		}

		handle(ctx, e)
	}
}

func (b *Bus) requestHandler(service string) func(context.Context, *cbus.StreamEntry) {
	return func(ctx context.Context, e *cbus.StreamEntry) {
		b.handleRequest(ctx, service, e)
	}
}

func (b *Bus) handleRequest(ctx context.Context, service string, e *cbus.StreamEntry) {
	serverID, callID := e.Fields[cbus.FieldServerID], e.Fields[cbus.FieldCallID]
	log := b.logger.With("stream", e.Stream, "entryId", e.ID, "callId", callID)

	if serverID == "" || callID == "" {
		log.WarnContext(ctx, "drop unaddressable request")
		return
	}

	method, ok := cbus.MethodFromRequestStream(service, e.Stream)
	if !ok {
		log.WarnContext(ctx, "request on foreign stream")
		b.reply(ctx, serverID, callID, cbus.Fail(cbus.Unexpected(cbus.MsgMethodNotFound)))

		return
	}

	var p cbus.Payload
	if err := json.Unmarshal([]byte(e.Fields[cbus.FieldPayload]), &p); err != nil {
		log.WarnContext(ctx, "malformed request payload", "error", err)
		b.reply(ctx, serverID, callID, cbus.Fail(cbus.Unexpected(cbus.MsgInvalidPayload)))

		return
	}

	cmd := cbus.Command{Service: service, Method: method}

	ctx = b.propagator.Extract(ctx, p.Meta)
	ctx, span := b.tracer.Start(ctx, "bus.handle",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("bus.service", service),
			attribute.String("bus.method", method),
			attribute.String("bus.call_id", callID),
		))
	defer span.End()

	res := servicebus.Dispatch(ctx, b.registry, cmd, p, b.logger)
	b.reply(ctx, serverID, callID, spanResult(span, res))
}

func (b *Bus) reply(ctx context.Context, serverID, callID string, r cbus.Result) {
	body, err := json.Marshal(r)
	if err != nil {
		b.logger.ErrorContext(ctx, "encode result", "callId", callID, "error", err)

		body, _ = json.Marshal(cbus.Fail(cbus.Unexpected(cbus.MsgInternal)))
	}

	if err := b.broker.Publish(ctx, cbus.ResponseChannel(serverID, callID), body); err != nil {
		b.logger.ErrorContext(ctx, "publish response", "callId", callID, "to", serverID, "error", err)
	}
}

func (b *Bus) handleEvent(ctx context.Context, e *cbus.StreamEntry) {
	log := b.logger.With("stream", e.Stream, "entryId", e.ID)

	event, ok := cbus.EventFromStream(e.Stream)
	if !ok {
		log.WarnContext(ctx, "entry on non-event stream")
		return
	}

	h, ok := b.eventHandler(event)
	if !ok {
		log.WarnContext(ctx, "no handler for event", "event", event, "error", berr.ErrMissingEventHandler)
		return
	}

	var p cbus.Payload
	if err := json.Unmarshal([]byte(e.Fields[cbus.FieldPayload]), &p); err != nil {
		log.WarnContext(ctx, "malformed event payload", "event", event, "error", err)
		return
	}

	ctx = b.propagator.Extract(ctx, p.Meta)
	ctx, span := b.tracer.Start(ctx, "bus.event",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(attribute.String("bus.event", event)))
	defer span.End()

	defer func() {
		if rec := recover(); rec != nil {
			span.SetStatus(codes.Error, "panic")
			log.ErrorContext(ctx, "event handler panicked", "event", event, "panic", fmt.Sprint(rec))
		}
	}()

	if err := h(ctx, p); err != nil {
		span.SetStatus(codes.Error, err.Error())
		log.ErrorContext(ctx, "event handler failed", "event", event, "operationId", p.Meta.OperationID(), "error", err)
	}
}

// onResponse resolves the pending call named by the channel suffix.
func (b *Bus) onResponse(channel string, message []byte) {
	ctx := context.Background()

	callID, ok := cbus.CallIDFromChannel(channel)
	if !ok {
		b.logger.ErrorContext(ctx, "malformed response channel", "channel", channel, "error", berr.ErrInvalidChannel)
		return
	}

	var r cbus.Result
	if err := json.Unmarshal(message, &r); err != nil {
		b.logger.WarnContext(ctx, "malformed response", "callId", callID, "error", err)

		r = cbus.Fail(cbus.Unexpected(cbus.MsgInvalidPayload))
	}

	if !b.pending.resolve(callID, r) {
		b.logger.WarnContext(ctx, "response for unknown call dropped", "callId", callID, "error", berr.ErrUnknownCall)
	}
}
