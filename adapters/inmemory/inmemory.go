package inmemory

import (
	"context"
	"fmt"
	"maps"
	"path"
	"slices"
	"strconv"
	"sync"
	"time"

	cbus "github.com/next-trace/scg-rpc-bus/contract/bus"
	berr "github.com/next-trace/scg-rpc-bus/contract/errors"
)

// subscriptionBuffer bounds the messages queued for a slow pattern subscriber.
// Overflowing messages are dropped, as with any ephemeral pub/sub transport.
const subscriptionBuffer = 1024

// Broker is a thread-safe, in-process implementation of cbus.Broker.
// Streams keep consumer-group cursors, pub/sub matches glob patterns and hashes are plain maps.
// It backs the distributed bus in tests and single-binary deployments.
type Broker struct {
	mu      sync.Mutex
	streams map[string]*stream
	hashes  map[string]map[string][]byte
	subs    map[*subscription]struct{}
	closed  bool

	// closed and replaced on every append to wake blocked readers
	wake chan struct{}
}

type stream struct {
	entries []cbus.StreamEntry
	// absolute index of entries[0]; grows as the stream is trimmed
	offset int
	seq    uint64
	groups map[string]*group
}

type group struct {
	next      int
	consumers map[string]struct{}
}

// Ensure Broker implements the combined contract.
var _ cbus.Broker = (*Broker)(nil)

// New creates a new in-memory broker instance.
func New() *Broker {
	return &Broker{
		streams: make(map[string]*stream),
		hashes:  make(map[string]map[string][]byte),
		subs:    make(map[*subscription]struct{}),
		wake:    make(chan struct{}),
	}
}

func (b *Broker) streamLocked(name string) *stream {
	st, ok := b.streams[name]
	if !ok {
		st = &stream{groups: make(map[string]*group)}
		b.streams[name] = st
	}

	return st
}

func (b *Broker) Append(ctx context.Context, name string, fields map[string]string, maxLen int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return fmt.Errorf("inmemory append: %w", berr.ErrTransportClosed)
	}

	st := b.streamLocked(name)
	st.seq++
	st.entries = append(st.entries, cbus.StreamEntry{
		Stream: name,
		ID:     strconv.FormatUint(st.seq, 10) + "-0",
		Fields: maps.Clone(fields),
	})

	if maxLen > 0 && int64(len(st.entries)) > maxLen {
		drop := len(st.entries) - int(maxLen)
		st.entries = slices.Clone(st.entries[drop:])
		st.offset += drop
	}

	close(b.wake)
	b.wake = make(chan struct{})

	return nil
}

func (b *Broker) CreateGroup(ctx context.Context, name, groupName string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return fmt.Errorf("inmemory create group: %w", berr.ErrTransportClosed)
	}

	st := b.streamLocked(name)
	if _, ok := st.groups[groupName]; ok {
		return nil
	}

	st.groups[groupName] = &group{next: st.offset, consumers: make(map[string]struct{})}

	return nil
}

// ReadGroup delivers the oldest undelivered entry of the first stream in streams that has one.
func (b *Broker) ReadGroup(
	ctx context.Context,
	groupName, consumer string,
	streams []string,
	block time.Duration,
) (*cbus.StreamEntry, error) {
	var timeout <-chan time.Time

	if block > 0 {
		t := time.NewTimer(block)
		defer t.Stop()

		timeout = t.C
	}

	for {
		b.mu.Lock()

		e, err := b.nextLocked(groupName, consumer, streams)
		wake := b.wake
		b.mu.Unlock()

		if e != nil || err != nil {
			return e, err
		}

		select {
		case <-wake:
		case <-timeout:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (b *Broker) nextLocked(groupName, consumer string, streams []string) (*cbus.StreamEntry, error) {
	if b.closed {
		return nil, fmt.Errorf("inmemory read group: %w", berr.ErrTransportClosed)
	}

	for _, name := range streams {
		st, ok := b.streams[name]
		if !ok {
			return nil, fmt.Errorf("inmemory read group: no group %q on stream %q", groupName, name)
		}

		g, ok := st.groups[groupName]
		if !ok {
			return nil, fmt.Errorf("inmemory read group: no group %q on stream %q", groupName, name)
		}

		g.consumers[consumer] = struct{}{}

		if g.next < st.offset {
			g.next = st.offset
		}

		if g.next < st.offset+len(st.entries) {
			e := st.entries[g.next-st.offset]
			g.next++

			e.Fields = maps.Clone(e.Fields)

			return &e, nil
		}
	}

	return nil, nil
}

func (b *Broker) DeleteConsumer(ctx context.Context, name, groupName, consumer string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if st, ok := b.streams[name]; ok {
		if g, ok := st.groups[groupName]; ok {
			delete(g.consumers, consumer)
		}
	}

	return nil
}

// Consumers lists the consumers known to groupName on stream, sorted.
func (b *Broker) Consumers(name, groupName string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	st, ok := b.streams[name]
	if !ok {
		return nil
	}

	g, ok := st.groups[groupName]
	if !ok {
		return nil
	}

	return slices.Sorted(maps.Keys(g.consumers))
}

// Len reports the number of entries currently retained by stream.
func (b *Broker) Len(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	if st, ok := b.streams[name]; ok {
		return len(st.entries)
	}

	return 0
}

type subscription struct {
	b       *Broker
	pattern string
	handler func(channel string, message []byte)
	ch      chan delivery
	done    chan struct{}
	once    sync.Once
}

type delivery struct {
	channel string
	message []byte
}

func (b *Broker) Publish(ctx context.Context, channel string, message []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return fmt.Errorf("inmemory publish: %w", berr.ErrTransportClosed)
	}

	for s := range b.subs {
		if ok, _ := path.Match(s.pattern, channel); !ok {
			continue
		}

		select {
		case s.ch <- delivery{channel: channel, message: slices.Clone(message)}:
		default:
		}
	}

	return nil
}

func (b *Broker) PSubscribe(
	ctx context.Context,
	pattern string,
	handler func(channel string, message []byte),
) (cbus.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if _, err := path.Match(pattern, ""); err != nil {
		return nil, fmt.Errorf("inmemory psubscribe %q: %w", pattern, err)
	}

	s := &subscription{
		b:       b,
		pattern: pattern,
		handler: handler,
		ch:      make(chan delivery, subscriptionBuffer),
		done:    make(chan struct{}),
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, fmt.Errorf("inmemory psubscribe: %w", berr.ErrTransportClosed)
	}

	b.subs[s] = struct{}{}

	go s.run()

	return s, nil
}

func (s *subscription) run() {
	for {
		select {
		case d := <-s.ch:
			s.handler(d.channel, d.message)
		case <-s.done:
			return
		}
	}
}

func (s *subscription) Close() error {
	s.once.Do(func() {
		s.b.mu.Lock()
		delete(s.b.subs, s)
		s.b.mu.Unlock()

		close(s.done)
	})

	return nil
}

func (b *Broker) HSet(ctx context.Context, key, field string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return fmt.Errorf("inmemory hset: %w", berr.ErrTransportClosed)
	}

	h, ok := b.hashes[key]
	if !ok {
		h = make(map[string][]byte)
		b.hashes[key] = h
	}

	h[field] = slices.Clone(value)

	return nil
}

func (b *Broker) HGetAll(ctx context.Context, key string) (map[string][]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, fmt.Errorf("inmemory hgetall: %w", berr.ErrTransportClosed)
	}

	out := make(map[string][]byte, len(b.hashes[key]))
	for f, v := range b.hashes[key] {
		out[f] = slices.Clone(v)
	}

	return out, nil
}

// Close stops every subscription and fails further operations. Blocked readers return.
func (b *Broker) Close() error {
	b.mu.Lock()

	if b.closed {
		b.mu.Unlock()
		return nil
	}

	b.closed = true
	subs := slices.Collect(maps.Keys(b.subs))

	close(b.wake)
	b.wake = make(chan struct{})
	b.mu.Unlock()

	for _, s := range subs {
		_ = s.Close()
	}

	return nil
}
