package inmemory_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/next-trace/scg-rpc-bus/adapters/inmemory"
	berr "github.com/next-trace/scg-rpc-bus/contract/errors"
)

func TestInmemory_GroupDeliversEachEntryOnce(t *testing.T) {
	b := inmemory.New()
	ctx := t.Context()

	if err := b.CreateGroup(ctx, "s", "g"); err != nil {
		t.Fatalf("create group: %v", err)
	}

	// idempotent
	if err := b.CreateGroup(ctx, "s", "g"); err != nil {
		t.Fatalf("create group again: %v", err)
	}

	for _, v := range []string{"a", "b"} {
		if err := b.Append(ctx, "s", map[string]string{"v": v}, 0); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	var got []string

	for _, consumer := range []string{"c1", "c2", "c1"} {
		e, err := b.ReadGroup(ctx, "g", consumer, []string{"s"}, 10*time.Millisecond)
		if err != nil {
			t.Fatalf("read: %v", err)
		}

		if e != nil {
			got = append(got, e.Fields["v"])
		}
	}

	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("got %v", got)
	}

	if c := b.Consumers("s", "g"); len(c) != 2 {
		t.Fatalf("consumers=%v", c)
	}
}

func TestInmemory_GroupsAreIndependent(t *testing.T) {
	b := inmemory.New()
	ctx := t.Context()

	_ = b.CreateGroup(ctx, "s", "g1")
	_ = b.Append(ctx, "s", map[string]string{"v": "x"}, 0)
	// a group created later still starts from the beginning of the history
	_ = b.CreateGroup(ctx, "s", "g2")

	for _, g := range []string{"g1", "g2"} {
		e, err := b.ReadGroup(ctx, g, "c", []string{"s"}, 10*time.Millisecond)
		if err != nil || e == nil || e.Fields["v"] != "x" {
			t.Fatalf("group %s: e=%v err=%v", g, e, err)
		}
	}
}

func TestInmemory_ReadBlocksUntilAppend(t *testing.T) {
	b := inmemory.New()
	ctx := t.Context()

	_ = b.CreateGroup(ctx, "s1", "g")
	_ = b.CreateGroup(ctx, "s2", "g")

	go func() {
		time.Sleep(20 * time.Millisecond)

		_ = b.Append(context.Background(), "s2", map[string]string{"v": "late"}, 0)
	}()

	e, err := b.ReadGroup(ctx, "g", "c", []string{"s1", "s2"}, time.Second)
	if err != nil || e == nil {
		t.Fatalf("e=%v err=%v", e, err)
	}

	if e.Stream != "s2" || e.Fields["v"] != "late" {
		t.Fatalf("got %+v", e)
	}
}

func TestInmemory_ReadTimeoutAndErrors(t *testing.T) {
	b := inmemory.New()
	ctx := t.Context()

	_ = b.CreateGroup(ctx, "s", "g")

	e, err := b.ReadGroup(ctx, "g", "c", []string{"s"}, 5*time.Millisecond)
	if err != nil || e != nil {
		t.Fatalf("want timeout, got e=%v err=%v", e, err)
	}

	if _, err := b.ReadGroup(ctx, "missing", "c", []string{"s"}, time.Millisecond); err == nil {
		t.Fatalf("want error for unknown group")
	}

	cctx, cancel := context.WithCancel(ctx)
	cancel()

	if _, err := b.ReadGroup(cctx, "g", "c", []string{"s"}, time.Second); !errors.Is(err, context.Canceled) {
		t.Fatalf("want canceled, got %v", err)
	}
}

func TestInmemory_AppendTrims(t *testing.T) {
	b := inmemory.New()
	ctx := t.Context()

	_ = b.CreateGroup(ctx, "s", "g")

	for _, v := range []string{"1", "2", "3", "4"} {
		_ = b.Append(ctx, "s", map[string]string{"v": v}, 2)
	}

	if n := b.Len("s"); n != 2 {
		t.Fatalf("len=%d", n)
	}

	e, _ := b.ReadGroup(ctx, "g", "c", []string{"s"}, time.Millisecond)
	if e == nil || e.Fields["v"] != "3" {
		t.Fatalf("got %+v", e)
	}
}

func TestInmemory_DeleteConsumer(t *testing.T) {
	b := inmemory.New()
	ctx := t.Context()

	_ = b.CreateGroup(ctx, "s", "g")
	_, _ = b.ReadGroup(ctx, "g", "c", []string{"s"}, time.Millisecond)

	if err := b.DeleteConsumer(ctx, "s", "g", "c"); err != nil {
		t.Fatalf("delete: %v", err)
	}

	if c := b.Consumers("s", "g"); len(c) != 0 {
		t.Fatalf("consumers=%v", c)
	}

	// unknown stream is not an error
	if err := b.DeleteConsumer(ctx, "nope", "g", "c"); err != nil {
		t.Fatalf("delete unknown: %v", err)
	}
}

func TestInmemory_PatternSubscribe(t *testing.T) {
	b := inmemory.New()
	ctx := t.Context()

	got := make(chan string, 4)

	sub, err := b.PSubscribe(ctx, "response:srv1:*", func(channel string, message []byte) {
		got <- channel + "=" + string(message)
	})
	if err != nil {
		t.Fatalf("psubscribe: %v", err)
	}

	_ = b.Publish(ctx, "response:srv2:x", []byte("other"))
	_ = b.Publish(ctx, "response:srv1:abc", []byte("mine"))

	select {
	case m := <-got:
		if m != "response:srv1:abc=mine" {
			t.Fatalf("got %s", m)
		}
	case <-time.After(time.Second):
		t.Fatalf("no delivery")
	}

	_ = sub.Close()
	_ = sub.Close()

	_ = b.Publish(ctx, "response:srv1:def", []byte("after close"))

	select {
	case m := <-got:
		t.Fatalf("delivered after close: %s", m)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestInmemory_Hashes(t *testing.T) {
	b := inmemory.New()
	ctx := t.Context()

	all, err := b.HGetAll(ctx, "h")
	if err != nil || len(all) != 0 {
		t.Fatalf("all=%v err=%v", all, err)
	}

	_ = b.HSet(ctx, "h", "a", []byte("1"))
	_ = b.HSet(ctx, "h", "a", []byte("2"))
	_ = b.HSet(ctx, "h", "b", []byte("3"))

	all, _ = b.HGetAll(ctx, "h")
	if len(all) != 2 || string(all["a"]) != "2" || string(all["b"]) != "3" {
		t.Fatalf("all=%v", all)
	}
}

func TestInmemory_Close(t *testing.T) {
	b := inmemory.New()
	ctx := t.Context()

	_ = b.CreateGroup(ctx, "s", "g")

	var wg sync.WaitGroup

	wg.Add(1)

	var readErr error

	go func() {
		defer wg.Done()

		_, readErr = b.ReadGroup(ctx, "g", "c", []string{"s"}, 5*time.Second)
	}()

	time.Sleep(10 * time.Millisecond)

	if err := b.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	wg.Wait()

	if !errors.Is(readErr, berr.ErrTransportClosed) {
		t.Fatalf("blocked reader: %v", readErr)
	}

	if err := b.Append(ctx, "s", nil, 0); !errors.Is(err, berr.ErrTransportClosed) {
		t.Fatalf("append after close: %v", err)
	}

	if err := b.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestInmemory_ConcurrentSafety(t *testing.T) {
	b := inmemory.New()
	ctx := t.Context()

	_ = b.CreateGroup(ctx, "s", "g")

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(3)

		go func() {
			defer wg.Done()

			_ = b.Append(ctx, "s", map[string]string{"k": "v"}, 0)
		}()

		go func() {
			defer wg.Done()

			_ = b.HSet(ctx, "h", "f", []byte("x"))
		}()

		go func() {
			defer wg.Done()

			_ = b.Publish(ctx, "c", []byte("m"))
		}()
	}

	wg.Wait()

	seen := 0

	for {
		e, err := b.ReadGroup(ctx, "g", "c", []string{"s"}, time.Millisecond)
		if err != nil {
			t.Fatalf("read: %v", err)
		}

		if e == nil {
			break
		}

		seen++
	}

	if seen != 50 {
		t.Fatalf("want 50 entries, got %d", seen)
	}
}
