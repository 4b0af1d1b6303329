package distributed

import (
	"sync"
	"time"

	cbus "github.com/next-trace/scg-rpc-bus/contract/bus"
)

// pendingCalls correlates outstanding remote calls with their responses.
// Each entry is resolved at most once: whoever removes it from the table delivers.
type pendingCalls struct {
	mu    sync.Mutex
	calls map[string]*pendingCall
}

type pendingCall struct {
	result chan cbus.Result
	timer  *time.Timer
}

func newPendingCalls() *pendingCalls {
	return &pendingCalls{calls: make(map[string]*pendingCall)}
}

// add registers callID and arms its timeout. The returned channel receives exactly one
// result unless the entry is dropped first.
func (p *pendingCalls) add(callID string, timeout time.Duration) <-chan cbus.Result {
	pc := &pendingCall{result: make(chan cbus.Result, 1)}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.calls[callID] = pc
	pc.timer = time.AfterFunc(timeout, func() {
		p.resolve(callID, cbus.Fail(cbus.Unexpected(cbus.MsgCallTimeout)))
	})

	return pc.result
}

// resolve delivers r to callID and reports whether the entry was still outstanding.
func (p *pendingCalls) resolve(callID string, r cbus.Result) bool {
	pc := p.take(callID)
	if pc == nil {
		return false
	}

	pc.result <- r

	return true
}

// drop forgets callID without delivering anything.
func (p *pendingCalls) drop(callID string) { p.take(callID) }

func (p *pendingCalls) take(callID string) *pendingCall {
	p.mu.Lock()
	defer p.mu.Unlock()

	pc, ok := p.calls[callID]
	if !ok {
		return nil
	}

	delete(p.calls, callID)
	pc.timer.Stop()

	return pc
}

func (p *pendingCalls) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return len(p.calls)
}
