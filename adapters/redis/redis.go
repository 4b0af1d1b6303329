package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"

	cbus "github.com/next-trace/scg-rpc-bus/contract/bus"
	berr "github.com/next-trace/scg-rpc-bus/contract/errors"
)

// Adapter implements cbus.Broker on Redis streams, pattern pub/sub and hashes.
// Entries read with XREADGROUP are not acknowledged (NOACK): delivery is at-least-once
// up to the read and at-most-once after it.
type Adapter struct {
	Client goredis.UniversalClient

	// entries returned by a multi-stream read beyond the first, per group/consumer
	mu       sync.Mutex
	backlog  map[string][]cbus.StreamEntry
	closeFn  func() error
	closeOne sync.Once
}

// Ensure Adapter implements the combined contract.
var _ cbus.Broker = (*Adapter)(nil)

// New creates a Redis adapter over an existing client. Close does not close the client.
func New(c goredis.UniversalClient) *Adapter {
	return &Adapter{Client: c, backlog: make(map[string][]cbus.StreamEntry)}
}

func (a *Adapter) Append(ctx context.Context, stream string, fields map[string]string, maxLen int64) error {
	if err := a.ready(ctx, berr.ErrAppendFailed, "append"); err != nil {
		return err
	}

	args := &goredis.XAddArgs{Stream: stream, Values: toValues(fields)}
	if maxLen > 0 {
		args.MaxLen = maxLen
		args.Approx = true
	}

	if err := a.Client.XAdd(ctx, args).Err(); err != nil {
		return wrap("append", berr.ErrAppendFailed, err)
	}

	return nil
}

// CreateGroup creates group from the start of the stream, creating the stream if needed.
// BUSYGROUP is reported as success.
func (a *Adapter) CreateGroup(ctx context.Context, stream, group string) error {
	if err := a.ready(ctx, berr.ErrTransportClosed, "create group"); err != nil {
		return err
	}

	err := a.Client.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err == nil || isBusyGroup(err) {
		return nil
	}

	return wrap("create group", err)
}

func (a *Adapter) ReadGroup(
	ctx context.Context,
	group, consumer string,
	streams []string,
	block time.Duration,
) (*cbus.StreamEntry, error) {
	if err := a.ready(ctx, berr.ErrTransportClosed, "read group"); err != nil {
		return nil, err
	}

	key := group + "\x00" + consumer
	if e, ok := a.popBacklog(key); ok {
		return &e, nil
	}

	args := &goredis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  readStreams(streams),
		Count:    1,
		Block:    block,
		NoAck:    true,
	}

	res, err := a.Client.XReadGroup(ctx, args).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, nil
		}

		return nil, wrap("read group", err)
	}

	var entries []cbus.StreamEntry

	for _, s := range res {
		for _, m := range s.Messages {
			entries = append(entries, cbus.StreamEntry{Stream: s.Stream, ID: m.ID, Fields: fromValues(m.Values)})
		}
	}

	if len(entries) == 0 {
		return nil, nil
	}

	if len(entries) > 1 {
		a.pushBacklog(key, entries[1:])
	}

	return &entries[0], nil
}

func (a *Adapter) DeleteConsumer(ctx context.Context, stream, group, consumer string) error {
	if err := a.ready(ctx, berr.ErrTransportClosed, "delete consumer"); err != nil {
		return err
	}

	if err := a.Client.XGroupDelConsumer(ctx, stream, group, consumer).Err(); err != nil {
		return wrap("delete consumer", err)
	}

	return nil
}

func (a *Adapter) Publish(ctx context.Context, channel string, message []byte) error {
	if err := a.ready(ctx, berr.ErrPublishFailed, "publish"); err != nil {
		return err
	}

	if err := a.Client.Publish(ctx, channel, message).Err(); err != nil {
		return wrap("publish", berr.ErrPublishFailed, err)
	}

	return nil
}

// PSubscribe waits for the subscription confirmation before returning, then dispatches
// messages from a dedicated goroutine until the subscription is closed.
func (a *Adapter) PSubscribe(
	ctx context.Context,
	pattern string,
	handler func(channel string, message []byte),
) (cbus.Subscription, error) {
	if err := a.ready(ctx, berr.ErrTransportClosed, "psubscribe"); err != nil {
		return nil, err
	}

	ps := a.Client.PSubscribe(ctx, pattern)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, wrap("psubscribe", err)
	}

	ch := ps.Channel()

	go func() {
		for m := range ch {
			handler(m.Channel, []byte(m.Payload))
		}
	}()

	return ps, nil
}

func (a *Adapter) HSet(ctx context.Context, key, field string, value []byte) error {
	if err := a.ready(ctx, berr.ErrTransportClosed, "hset"); err != nil {
		return err
	}

	if err := a.Client.HSet(ctx, key, field, value).Err(); err != nil {
		return wrap("hset", err)
	}

	return nil
}

func (a *Adapter) HGetAll(ctx context.Context, key string) (map[string][]byte, error) {
	if err := a.ready(ctx, berr.ErrTransportClosed, "hgetall"); err != nil {
		return nil, err
	}

	res, err := a.Client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, wrap("hgetall", err)
	}

	out := make(map[string][]byte, len(res))
	for f, v := range res {
		out[f] = []byte(v)
	}

	return out, nil
}

// Close releases the client when the adapter created it.
func (a *Adapter) Close() error {
	var err error

	a.closeOne.Do(func() {
		if a.closeFn != nil {
			err = a.closeFn()
		}
	})

	return err
}

func (a *Adapter) ready(ctx context.Context, base error, label string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if a.Client == nil {
		return fmt.Errorf("redis %s: %w", label, base)
	}

	return nil
}

func (a *Adapter) popBacklog(key string) (cbus.StreamEntry, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	q := a.backlog[key]
	if len(q) == 0 {
		return cbus.StreamEntry{}, false
	}

	e := q[0]
	if len(q) == 1 {
		delete(a.backlog, key)
	} else {
		a.backlog[key] = q[1:]
	}

	return e, true
}

func (a *Adapter) pushBacklog(key string, entries []cbus.StreamEntry) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.backlog[key] = append(a.backlog[key], entries...)
}

// helpers

func wrap(label string, errs ...error) error {
	last := errs[len(errs)-1]
	if errors.Is(last, context.Canceled) || errors.Is(last, context.DeadlineExceeded) {
		return last
	}

	return fmt.Errorf("redis %s: %w", label, errors.Join(errs...))
}

func isBusyGroup(err error) bool { return strings.HasPrefix(err.Error(), "BUSYGROUP") }

// readStreams lists the streams followed by one ">" per stream, as XREADGROUP expects.
func readStreams(streams []string) []string {
	out := make([]string, 0, 2*len(streams))
	out = append(out, streams...)

	for range streams {
		out = append(out, ">")
	}

	return out
}

func toValues(fields map[string]string) map[string]any {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		out[k] = v
	}

	return out
}

func fromValues(values map[string]any) map[string]string {
	out := make(map[string]string, len(values))
	for k, v := range values {
		switch s := v.(type) {
		case string:
			out[k] = s
		default:
			out[k] = fmt.Sprint(s)
		}
	}

	return out
}
