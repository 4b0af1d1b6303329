package distributed

import (
	"context"
	"maps"
	"slices"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	cbus "github.com/next-trace/scg-rpc-bus/contract/bus"
)

const instrumentationName = "github.com/next-trace/scg-rpc-bus/distributed"

// MetaCarrier adapts cbus.Meta to an OpenTelemetry text map carrier.
// Only string values are visible to Get.
type MetaCarrier cbus.Meta

func (c MetaCarrier) Get(key string) string {
	v, _ := c[key].(string)
	return v
}

func (c MetaCarrier) Set(key, value string) { c[key] = value }

func (c MetaCarrier) Keys() []string { return slices.Sorted(maps.Keys(c)) }

var _ propagation.TextMapCarrier = MetaCarrier(nil)

// OTelPropagator carries trace context inside payload meta using an OpenTelemetry propagator.
type OTelPropagator struct {
	Propagator propagation.TextMapPropagator
}

// NewOTelPropagator uses the globally registered text map propagator.
func NewOTelPropagator() OTelPropagator {
	return OTelPropagator{Propagator: otel.GetTextMapPropagator()}
}

func (p OTelPropagator) Inject(ctx context.Context, meta cbus.Meta) {
	if meta == nil {
		return
	}

	p.Propagator.Inject(ctx, MetaCarrier(meta))
}

func (p OTelPropagator) Extract(ctx context.Context, meta cbus.Meta) context.Context {
	return p.Propagator.Extract(ctx, MetaCarrier(meta))
}

var _ cbus.MetaPropagator = OTelPropagator{}
