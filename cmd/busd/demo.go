package main

import (
	"context"
	"errors"
	"log/slog"

	cbus "github.com/next-trace/scg-rpc-bus/contract/bus"
	"github.com/next-trace/scg-rpc-bus/servicebus"
)

const demoService = "dummy"

// dummyService echoes the whole payload, meta included; "reject" always fails with an
// expected error.
func dummyService(logger *slog.Logger) cbus.Service {
	return cbus.Service{
		"echo": servicebus.Wrap(func(_ context.Context, p cbus.Payload) (any, error) {
			return p, nil
		}, demoService+".echo", logger),
		"reject": servicebus.Wrap(func(context.Context, cbus.Payload) (any, error) {
			return nil, cbus.Expected("Rejected")
		}, demoService+".reject", logger),
		"crash": servicebus.Wrap(func(context.Context, cbus.Payload) (any, error) {
			return nil, errors.New("crashed")
		}, demoService+".crash", logger),
	}
}

func dummySchemas() map[string]cbus.Schema {
	return map[string]cbus.Schema{
		"echo": {
			Auth:   map[string]any{"required": false},
			Input:  map[string]any{},
			Output: map[string]any{"type": "object", "properties": map[string]any{"meta": map[string]any{}, "data": map[string]any{}}},
		},
	}
}
