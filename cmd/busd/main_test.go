package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/next-trace/scg-rpc-bus/adapters/inmemory"
	cbus "github.com/next-trace/scg-rpc-bus/contract/bus"
	"github.com/next-trace/scg-rpc-bus/distributed"
)

var seq atomic.Int64

// newTestApp returns an app whose buses are distributed peers sharing broker.
func newTestApp(broker *inmemory.Broker, out *bytes.Buffer) *app {
	a := &app{out: out, logger: slog.New(slog.DiscardHandler)}
	a.load = func() error { return nil }
	a.newBus = func(context.Context) (cbus.Bus, func(), error) {
		opts := cbus.Options{
			ServerID:     fmt.Sprintf("cli-%d", seq.Add(1)),
			ReadInterval: 10 * time.Millisecond,
			CallTimeout:  2 * time.Second,
			DrainTimeout: time.Second,
		}

		b, err := distributed.New(opts, broker, nil)
		if err != nil {
			return nil, nil, err
		}

		return b, func() { _ = b.Teardown(context.Background()) }, nil
	}

	return a
}

func run(t *testing.T, a *app, args ...string) error {
	t.Helper()

	root := newRootCmd(a)
	root.SetArgs(args)

	return root.ExecuteContext(t.Context())
}

func TestBusd_ServeAndCall(t *testing.T) {
	broker := inmemory.New()

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)

	go func() { done <- newTestApp(broker, &bytes.Buffer{}).serve(ctx, []string{"created"}) }()

	var out bytes.Buffer
	if err := run(t, newTestApp(broker, &out), "call", "dummy", "echo",
		"--data", `{"test":"test"}`, "--meta", `{"operationId":"op-1"}`); err != nil {
		t.Fatalf("call: %v", err)
	}

	var pair []json.RawMessage
	if err := json.Unmarshal(out.Bytes(), &pair); err != nil || len(pair) != 2 || string(pair[0]) != "null" {
		t.Fatalf("output %s err=%v", out.String(), err)
	}

	var echoed cbus.Payload
	if err := json.Unmarshal(pair[1], &echoed); err != nil {
		t.Fatalf("decode echo: %v", err)
	}

	if echoed.Meta.OperationID() != "op-1" || string(echoed.Data) != `{"test":"test"}` {
		t.Fatalf("echo %s", pair[1])
	}

	out.Reset()

	if err := run(t, newTestApp(broker, &out), "call", "dummy", "reject"); err == nil || !strings.Contains(err.Error(), "Rejected") {
		t.Fatalf("reject: %v", err)
	}

	if !strings.Contains(out.String(), `"expected":true`) {
		t.Fatalf("output %s", out.String())
	}

	out.Reset()

	if err := run(t, newTestApp(broker, &out), "publish", "created", "--data", `{"id":1}`); err != nil {
		t.Fatalf("publish: %v", err)
	}

	out.Reset()

	if err := run(t, newTestApp(broker, &out), "schema", "get", "dummy", "echo"); err != nil {
		t.Fatalf("schema get: %v", err)
	}

	if !strings.Contains(out.String(), `"input"`) {
		t.Fatalf("schema output %s", out.String())
	}

	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serve: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("serve did not stop")
	}
}

func TestBusd_SchemaSetFromFile(t *testing.T) {
	broker := inmemory.New()
	path := filepath.Join(t.TempDir(), "schema.json")

	if err := os.WriteFile(path, []byte(`{"auth":{},"input":{"type":"string"},"output":{}}`), 0o600); err != nil {
		t.Fatal(err)
	}

	var out bytes.Buffer
	if err := run(t, newTestApp(broker, &out), "schema", "set", "users", "create", "--file", path); err != nil {
		t.Fatalf("schema set: %v", err)
	}

	if err := run(t, newTestApp(broker, &out), "schema", "get", "users", "create"); err != nil {
		t.Fatalf("schema get: %v", err)
	}

	if !strings.Contains(out.String(), `"string"`) {
		t.Fatalf("output %s", out.String())
	}

	if err := run(t, newTestApp(broker, &out), "schema", "get", "users", "delete"); err == nil || !strings.Contains(err.Error(), cbus.MsgSchemaNotFound) {
		t.Fatalf("missing schema: %v", err)
	}
}

func TestParsePayload(t *testing.T) {
	p, err := parsePayload(`{"a":1}`, `{"operationId":"op"}`)
	if err != nil || p.Meta.OperationID() != "op" || string(p.Data) != `{"a":1}` {
		t.Fatalf("p=%+v err=%v", p, err)
	}

	if _, err := parsePayload(`{`, `{}`); err == nil {
		t.Fatalf("expected data error")
	}

	if _, err := parsePayload(`1`, `[]`); err == nil {
		t.Fatalf("expected meta error")
	}
}

func TestDummyService(t *testing.T) {
	svc := dummyService(nil)

	p, _ := cbus.NewPayload(cbus.Meta{"operationId": "op"}, map[string]any{"n": 5})

	var echoed struct {
		Meta cbus.Meta      `json:"meta"`
		Data map[string]int `json:"data"`
	}
	if err := svc["echo"](t.Context(), p).Decode(&echoed); err != nil || echoed.Data["n"] != 5 || echoed.Meta.OperationID() != "op" {
		t.Fatalf("echo %+v err=%v", echoed, err)
	}

	if r := svc["crash"](t.Context(), p); r.Err == nil || r.Err.Expected {
		t.Fatalf("crash should be unexpected: %+v", r.Err)
	}
}
