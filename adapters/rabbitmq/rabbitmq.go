package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	cbus "github.com/next-trace/scg-rpc-bus/contract/bus"
	berr "github.com/next-trace/scg-rpc-bus/contract/errors"
)

const (
	streamsExchange  = "bus.streams"
	channelsExchange = "bus.channels"

	// upper bound of one sleep between two empty polls of the group queues
	pollInterval = 50 * time.Millisecond
)

// Channel is the subset of *amqp.Channel the adapter uses.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Get(queue string, autoAck bool) (amqp.Delivery, bool, error)
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Cancel(consumer string, noWait bool) error
}

// ChannelSource hands out the channel to use for the next operation.
// A reconnecting source returns a new channel after every reconnect.
type ChannelSource interface {
	Channel(ctx context.Context) (Channel, error)
}

// StaticChannel is a ChannelSource that always returns the same channel.
type StaticChannel struct{ Ch Channel }

func (s StaticChannel) Channel(context.Context) (Channel, error) {
	if s.Ch == nil {
		return nil, fmt.Errorf("%w: rabbitmq not connected", berr.ErrTransportClosed)
	}

	return s.Ch, nil
}

// Adapter implements cbus.Streams and cbus.PubSub on RabbitMQ.
//
// A stream is a routing key on a direct exchange; each consumer group owns a durable queue
// bound to it, so a group only sees entries appended after it was created. Queue length is
// bounded by MaxLength at declaration time (oldest entries dropped), which replaces per-append
// trimming. Channels map to routing keys on a topic exchange with ':' turned into '.'.
// RabbitMQ has no hash structure: HSet and HGetAll fail with ErrUnsupported; combine the
// adapter with another broker for schemas (see adapters/composite).
type Adapter struct {
	Source    ChannelSource
	MaxLength int64

	mu       sync.Mutex
	current  Channel
	declared map[string]bool
	cursor   map[string]int
}

var (
	_ cbus.Streams = (*Adapter)(nil)
	_ cbus.PubSub  = (*Adapter)(nil)
	_ cbus.Hashes  = (*Adapter)(nil)
)

func New(src ChannelSource) *Adapter {
	return &Adapter{Source: src, declared: make(map[string]bool), cursor: make(map[string]int)}
}

type entryBody struct {
	Fields map[string]string `json:"fields"`
}

// Append publishes an entry to every group queue bound to stream. maxLen is ignored;
// see MaxLength.
func (a *Adapter) Append(ctx context.Context, stream string, fields map[string]string, _ int64) error {
	ch, err := a.channel(ctx, berr.ErrAppendFailed, "append")
	if err != nil {
		return err
	}

	if err := a.declareExchange(ch, streamsExchange, amqp.ExchangeDirect, true); err != nil {
		return wrap("append", berr.ErrAppendFailed, err)
	}

	body, err := json.Marshal(entryBody{Fields: fields})
	if err != nil {
		return fmt.Errorf("rabbitmq append serialize: %w", errors.Join(berr.ErrSerializationFailed, err))
	}

	msg := amqp.Publishing{
		DeliveryMode: amqp.Persistent,
		ContentType:  "application/json",
		MessageId:    uuid.NewString(),
		Timestamp:    time.Now(),
		Body:         body,
	}

	if err := ch.PublishWithContext(ctx, streamsExchange, stream, false, false, msg); err != nil {
		return wrap("append", berr.ErrAppendFailed, err)
	}

	return nil
}

// CreateGroup declares the durable queue of group on stream and binds it.
// Declaring an existing queue with the same arguments is a no-op.
func (a *Adapter) CreateGroup(ctx context.Context, stream, group string) error {
	ch, err := a.channel(ctx, berr.ErrTransportClosed, "create group")
	if err != nil {
		return err
	}

	if err := a.declareExchange(ch, streamsExchange, amqp.ExchangeDirect, true); err != nil {
		return wrap("create group", err)
	}

	var args amqp.Table
	if a.MaxLength > 0 {
		args = amqp.Table{"x-max-length": a.MaxLength, "x-overflow": "drop-head"}
	}

	q := GroupQueue(stream, group)
	if _, err := ch.QueueDeclare(q, true, false, false, false, args); err != nil {
		return wrap("create group", err)
	}

	if err := ch.QueueBind(q, stream, streamsExchange, false, nil); err != nil {
		return wrap("create group", err)
	}

	return nil
}

// ReadGroup polls the group queues of streams round-robin until an entry arrives, block
// elapses or ctx ends. Entries are auto-acked on delivery.
func (a *Adapter) ReadGroup(
	ctx context.Context,
	group, consumer string,
	streams []string,
	block time.Duration,
) (*cbus.StreamEntry, error) {
	if len(streams) == 0 {
		return nil, nil
	}

	deadline := time.Now().Add(block)
	start := a.nextCursor(group+"\x00"+consumer, len(streams))

	for {
		ch, err := a.channel(ctx, berr.ErrTransportClosed, "read group")
		if err != nil {
			return nil, err
		}

		for i := range streams {
			stream := streams[(start+i)%len(streams)]

			d, ok, err := ch.Get(GroupQueue(stream, group), true)
			if err != nil {
				return nil, wrap("read group", err)
			}

			if !ok {
				continue
			}

			var body entryBody
			if err := json.Unmarshal(d.Body, &body); err != nil {
				return nil, fmt.Errorf("rabbitmq read group decode: %w", errors.Join(berr.ErrSerializationFailed, err))
			}

			return &cbus.StreamEntry{Stream: stream, ID: d.MessageId, Fields: body.Fields}, nil
		}

		left := time.Until(deadline)
		if left <= 0 {
			return nil, nil
		}

		t := time.NewTimer(min(left, pollInterval))

		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		}
	}
}

// DeleteConsumer is a no-op: the group queue is shared by every consumer of the group.
func (a *Adapter) DeleteConsumer(ctx context.Context, _, _, _ string) error { return ctx.Err() }

func (a *Adapter) Publish(ctx context.Context, channel string, message []byte) error {
	ch, err := a.channel(ctx, berr.ErrPublishFailed, "publish")
	if err != nil {
		return err
	}

	if err := a.declareExchange(ch, channelsExchange, amqp.ExchangeTopic, false); err != nil {
		return wrap("publish", berr.ErrPublishFailed, err)
	}

	msg := amqp.Publishing{ContentType: "application/json", Body: message}
	if err := ch.PublishWithContext(ctx, channelsExchange, ChannelKey(channel), false, false, msg); err != nil {
		return wrap("publish", berr.ErrPublishFailed, err)
	}

	return nil
}

// PSubscribe binds a private, auto-deleted queue to the pattern and consumes it until the
// subscription is closed.
func (a *Adapter) PSubscribe(
	ctx context.Context,
	pattern string,
	handler func(channel string, message []byte),
) (cbus.Subscription, error) {
	ch, err := a.channel(ctx, berr.ErrTransportClosed, "psubscribe")
	if err != nil {
		return nil, err
	}

	if err := a.declareExchange(ch, channelsExchange, amqp.ExchangeTopic, false); err != nil {
		return nil, wrap("psubscribe", err)
	}

	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return nil, wrap("psubscribe", err)
	}

	if err := ch.QueueBind(q.Name, PatternKey(pattern), channelsExchange, false, nil); err != nil {
		return nil, wrap("psubscribe", err)
	}

	tag := "bus-" + uuid.NewString()

	deliveries, err := ch.Consume(q.Name, tag, true, true, false, false, nil)
	if err != nil {
		return nil, wrap("psubscribe", err)
	}

	go func() {
		for d := range deliveries {
			handler(KeyChannel(d.RoutingKey), d.Body)
		}
	}()

	return &subscription{ch: ch, tag: tag}, nil
}

type subscription struct {
	ch   Channel
	tag  string
	once sync.Once
	err  error
}

func (s *subscription) Close() error {
	s.once.Do(func() {
		if err := s.ch.Cancel(s.tag, false); err != nil && !errors.Is(err, amqp.ErrClosed) {
			s.err = err
		}
	})

	return s.err
}

func (a *Adapter) HSet(context.Context, string, string, []byte) error {
	return fmt.Errorf("rabbitmq hset: %w", berr.ErrUnsupported)
}

func (a *Adapter) HGetAll(context.Context, string) (map[string][]byte, error) {
	return nil, fmt.Errorf("rabbitmq hgetall: %w", berr.ErrUnsupported)
}

// channel returns the current channel, forgetting declared topology when it changed.
func (a *Adapter) channel(ctx context.Context, base error, label string) (Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if a.Source == nil {
		return nil, fmt.Errorf("rabbitmq %s: %w", label, base)
	}

	ch, err := a.Source.Channel(ctx)
	if err != nil {
		return nil, wrap(label, base, err)
	}

	a.mu.Lock()
	if ch != a.current {
		a.current = ch
		a.declared = make(map[string]bool)
	}
	a.mu.Unlock()

	return ch, nil
}

func (a *Adapter) declareExchange(ch Channel, name, kind string, durable bool) error {
	a.mu.Lock()
	done := a.declared[name]
	a.mu.Unlock()

	if done {
		return nil
	}

	if err := ch.ExchangeDeclare(name, kind, durable, false, false, false, nil); err != nil {
		return err
	}

	a.mu.Lock()
	a.declared[name] = true
	a.mu.Unlock()

	return nil
}

func (a *Adapter) nextCursor(key string, n int) int {
	a.mu.Lock()
	defer a.mu.Unlock()

	i := a.cursor[key] % n
	a.cursor[key] = i + 1

	return i
}

// helpers

func wrap(label string, errs ...error) error {
	last := errs[len(errs)-1]
	if errors.Is(last, context.Canceled) || errors.Is(last, context.DeadlineExceeded) {
		return last
	}

	return fmt.Errorf("rabbitmq %s: %w", label, errors.Join(errs...))
}

// GroupQueue names the queue of group on stream.
func GroupQueue(stream, group string) string { return stream + "|" + group }

// ChannelKey maps a ':'-separated channel onto a topic routing key.
func ChannelKey(channel string) string { return strings.ReplaceAll(channel, ":", ".") }

// PatternKey maps a channel glob onto a topic binding key. A trailing '*' segment matches
// the rest of the routing key.
func PatternKey(pattern string) string {
	key := ChannelKey(pattern)
	if strings.HasSuffix(key, ".*") {
		key = strings.TrimSuffix(key, "*") + "#"
	}

	return key
}

// KeyChannel reverses ChannelKey.
func KeyChannel(key string) string { return strings.ReplaceAll(key, ".", ":") }
