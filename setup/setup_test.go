package setup_test

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/next-trace/scg-rpc-bus/config"
	cbus "github.com/next-trace/scg-rpc-bus/contract/bus"
	berr "github.com/next-trace/scg-rpc-bus/contract/errors"
	"github.com/next-trace/scg-rpc-bus/distributed"
	"github.com/next-trace/scg-rpc-bus/servicebus"
	"github.com/next-trace/scg-rpc-bus/setup"
)

func echo(_ context.Context, p cbus.Payload) cbus.Result { return cbus.Result{Value: p.Data} }

func TestNew_Local(t *testing.T) {
	b, cleanup, err := setup.New(t.Context(), config.Config{Bus: config.BusConfig{Type: "local"}}, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer cleanup()

	if _, ok := b.(*servicebus.Bus); !ok {
		t.Fatalf("want local bus, got %T", b)
	}
}

func TestNew_DistributedOverMemory(t *testing.T) {
	cfg := config.Config{
		Bus: config.BusConfig{
			Type:         "distributed",
			ServerID:     "s1",
			ReadInterval: 10 * time.Millisecond,
			CallTimeout:  time.Second,
		},
		Broker: config.BrokerConfig{Kind: config.KindMemory},
	}

	b, cleanup, err := setup.New(t.Context(), cfg, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer cleanup()

	db, ok := b.(*distributed.Bus)
	if !ok || db.ServerID() != "s1" {
		t.Fatalf("want distributed bus s1, got %T", b)
	}

	b.RegisterService("dummy", cbus.Service{"echo": echo})

	if err := b.Listen(t.Context()); err != nil {
		t.Fatalf("listen: %v", err)
	}

	p, _ := cbus.NewPayload(nil, "hi")

	var out string
	if err := b.Call(t.Context(), cbus.Command{Service: "dummy", Method: "echo"}, p).Decode(&out); err != nil || out != "hi" {
		t.Fatalf("out=%q err=%v", out, err)
	}

	cleanup()

	if db.State() != distributed.StateStopped {
		t.Fatalf("state after cleanup: %s", db.State())
	}
}

func TestNew_DisableTracingKeepsMetaClean(t *testing.T) {
	prev := otel.GetTextMapPropagator()
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() { otel.SetTextMapPropagator(prev) })

	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	ctx := trace.ContextWithSpanContext(t.Context(), trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	}))

	tests := []struct {
		name    string
		disable bool
		want    bool
	}{
		{"tracing on", false, true},
		{"tracing off", true, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Config{
				Bus: config.BusConfig{
					Type:           "distributed",
					ServerID:       "s1",
					ReadInterval:   10 * time.Millisecond,
					CallTimeout:    time.Second,
					DisableTracing: tt.disable,
				},
				Broker: config.BrokerConfig{Kind: config.KindMemory},
			}

			b, cleanup, err := setup.New(t.Context(), cfg, nil)
			if err != nil {
				t.Fatalf("new: %v", err)
			}
			defer cleanup()

			b.RegisterService("dummy", cbus.Service{"meta": func(_ context.Context, p cbus.Payload) cbus.Result {
				return cbus.OK(p.Meta)
			}})

			if err := b.Listen(t.Context()); err != nil {
				t.Fatalf("listen: %v", err)
			}

			var meta cbus.Meta
			if err := b.Call(ctx, cbus.Command{Service: "dummy", Method: "meta"}, cbus.Payload{}).Decode(&meta); err != nil {
				t.Fatalf("decode: %v", err)
			}

			if _, got := meta["traceparent"]; got != tt.want {
				t.Fatalf("traceparent present=%v, want %v: %v", got, tt.want, meta)
			}
		})
	}
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := config.Config{
		Bus:    config.BusConfig{Type: "distributed", ServerID: "s1"},
		Broker: config.BrokerConfig{Kind: config.KindRabbitMQ},
	}

	if _, _, err := setup.New(t.Context(), cfg, nil); !errors.Is(err, berr.ErrInvalidConfig) {
		t.Fatalf("want ErrInvalidConfig, got %v", err)
	}

	cfg.Broker = config.BrokerConfig{Kind: config.KindRedis}
	if _, _, err := setup.New(t.Context(), cfg, nil); !errors.Is(err, berr.ErrInvalidConfig) {
		t.Fatalf("missing redis url: want ErrInvalidConfig, got %v", err)
	}
}

func TestNewBroker_UnreachableRedis(t *testing.T) {
	cfg := config.Config{
		Bus:    config.BusConfig{Type: "distributed", ServerID: "s1"},
		Broker: config.BrokerConfig{Kind: config.KindMemory, Hashes: config.KindRedis, Redis: config.URLConfig{URL: "redis://127.0.0.1:1/0"}},
	}

	ctx, cancel := context.WithTimeout(t.Context(), 2*time.Second)
	defer cancel()

	if _, err := setup.NewBroker(ctx, cfg); err == nil {
		t.Fatalf("expected connection error")
	}
}

func TestLogger(t *testing.T) {
	var buf bytes.Buffer

	l := setup.Logger(config.LogConfig{Level: "warn", Format: "json"}, &buf)
	l.Info("hidden")
	l.Warn("shown", "k", "v")

	out := buf.String()
	if strings.Contains(out, "hidden") || !strings.Contains(out, `"msg":"shown"`) {
		t.Fatalf("unexpected output: %s", out)
	}

	buf.Reset()
	setup.Logger(config.LogConfig{Level: "bogus"}, &buf).Info("text")

	if !strings.Contains(buf.String(), "msg=text") {
		t.Fatalf("unexpected text output: %s", buf.String())
	}
}
