package distributed_test

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/next-trace/scg-rpc-bus/adapters/inmemory"
	cbus "github.com/next-trace/scg-rpc-bus/contract/bus"
	"github.com/next-trace/scg-rpc-bus/distributed"
)

func remoteParent(t *testing.T) context.Context {
	t.Helper()

	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")

	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	})

	return trace.ContextWithSpanContext(t.Context(), sc)
}

func TestOTelPropagator_RoundTrip(t *testing.T) {
	prop := distributed.OTelPropagator{Propagator: propagation.TraceContext{}}
	ctx := remoteParent(t)

	meta := cbus.Meta{}
	prop.Inject(ctx, meta)

	if _, ok := meta["traceparent"].(string); !ok {
		t.Fatalf("traceparent not injected: %v", meta)
	}

	out := prop.Extract(context.Background(), meta)
	if got := trace.SpanContextFromContext(out).TraceID(); got != trace.SpanContextFromContext(ctx).TraceID() {
		t.Fatalf("trace id %s", got)
	}
}

func TestCall_PropagatesTraceContext(t *testing.T) {
	broker := inmemory.New()
	prop := distributed.WithPropagator(distributed.OTelPropagator{Propagator: propagation.TraceContext{}})

	a := newBus(t, broker, testOptions("A"), prop)
	b := newBus(t, broker, testOptions("B"), prop)

	seen := make(chan trace.TraceID, 1)

	b.RegisterService("traced", cbus.Service{"run": func(ctx context.Context, p cbus.Payload) cbus.Result {
		seen <- trace.SpanContextFromContext(ctx).TraceID()
		return cbus.OK(nil)
	}})
	listen(t, a, b)

	ctx := remoteParent(t)
	if res := a.Call(ctx, cbus.Command{Service: "traced", Method: "run"}, cbus.Payload{}); res.Failed() {
		t.Fatalf("call: %+v", res.Err)
	}

	if got := <-seen; got != trace.SpanContextFromContext(ctx).TraceID() {
		t.Fatalf("handler saw trace %s", got)
	}
}

func TestCall_NopPropagatorLeavesMetaClean(t *testing.T) {
	broker := inmemory.New()
	nop := distributed.WithPropagator(cbus.NopMetaPropagator{})

	a := newBus(t, broker, testOptions("A"), nop)
	b := newBus(t, broker, testOptions("B"), nop)
	b.RegisterService("dummy", dummyService())
	listen(t, a, b)

	res := a.Call(remoteParent(t), cbus.Command{Service: "dummy", Method: "meta"}, cbus.Payload{})

	var meta cbus.Meta
	if err := res.Decode(&meta); err != nil {
		t.Fatalf("decode: %v", err)
	}

	if _, ok := meta["traceparent"]; ok {
		t.Fatalf("trace context leaked into meta: %v", meta)
	}

	if meta.OperationID() == "" {
		t.Fatalf("operationId missing: %v", meta)
	}
}
