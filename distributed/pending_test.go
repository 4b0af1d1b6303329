package distributed

import (
	"sync"
	"testing"
	"time"

	cbus "github.com/next-trace/scg-rpc-bus/contract/bus"
)

func TestPending_ResolveOnce(t *testing.T) {
	p := newPendingCalls()
	ch := p.add("c1", time.Hour)

	if !p.resolve("c1", cbus.OK(1)) {
		t.Fatalf("first resolve should win")
	}

	if p.resolve("c1", cbus.OK(2)) {
		t.Fatalf("second resolve should be a no-op")
	}

	var v int
	if err := (<-ch).Decode(&v); err != nil || v != 1 {
		t.Fatalf("v=%d err=%v", v, err)
	}

	if p.len() != 0 {
		t.Fatalf("entry not removed")
	}
}

func TestPending_TimeoutThenLateResponse(t *testing.T) {
	p := newPendingCalls()
	ch := p.add("c1", 10*time.Millisecond)

	r := <-ch
	if r.Err == nil || r.Err.Message != cbus.MsgCallTimeout {
		t.Fatalf("got %+v", r)
	}

	if p.resolve("c1", cbus.OK(1)) {
		t.Fatalf("late response must be dropped")
	}
}

func TestPending_Drop(t *testing.T) {
	p := newPendingCalls()
	ch := p.add("c1", 10*time.Millisecond)
	p.drop("c1")

	select {
	case r := <-ch:
		t.Fatalf("dropped call delivered %+v", r)
	case <-time.After(30 * time.Millisecond):
	}
}

func TestPending_ConcurrentResolution(t *testing.T) {
	p := newPendingCalls()
	ch := p.add("c1", time.Millisecond)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)

	for i := 0; i < 20; i++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			if p.resolve("c1", cbus.OK(true)) {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}

	wg.Wait()
	<-ch

	// either the timer or exactly one responder resolved the call
	if wins > 1 {
		t.Fatalf("%d resolutions", wins)
	}
}
