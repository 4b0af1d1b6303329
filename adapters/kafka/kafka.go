package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	cbus "github.com/next-trace/scg-rpc-bus/contract/bus"
	berr "github.com/next-trace/scg-rpc-bus/contract/errors"
)

// headerStream carries the original stream name, which the topic name cannot always encode.
const headerStream = "bus-stream"

// Record is one consumed Kafka record.
type Record struct {
	Topic     string
	Partition int32
	Offset    int64
	Headers   map[string]string
	Value     []byte
}

// Producer is a minimal Kafka-like writer interface.
type Producer interface {
	Produce(ctx context.Context, topic string, key, value []byte, headers map[string]string) error
}

// GroupReader is one member of a consumer group subscribed to a fixed set of topics.
type GroupReader interface {
	// Poll returns the next record, or (nil, nil) when ctx ends before one arrives.
	Poll(ctx context.Context) (*Record, error)
	// Close leaves the group.
	Close()
}

// GroupFactory joins group as consumer on topics.
type GroupFactory func(group, consumer string, topics []string) (GroupReader, error)

// Adapter implements cbus.Streams on Kafka.
//
// A stream is a topic named by Topic and a consumer group is a Kafka consumer group that
// starts from the earliest offset. Each (group, consumer, streams) triple gets its own group
// member, created on first read and closed by DeleteConsumer. Stream length is governed by
// topic retention, so the maxLen of Append is ignored. Kafka offers no ephemeral pattern
// pub/sub nor hashes: those fail with ErrUnsupported; combine the adapter with another
// broker (see adapters/composite).
type Adapter struct {
	Producer Producer
	NewGroup GroupFactory

	mu      sync.Mutex
	readers map[string]*member
	closeFn func()
	closed  bool
}

type member struct {
	group, consumer string
	topics          []string
	reader          GroupReader
}

var (
	_ cbus.Streams = (*Adapter)(nil)
	_ cbus.PubSub  = (*Adapter)(nil)
	_ cbus.Hashes  = (*Adapter)(nil)
)

// New creates a new Kafka adapter instance with the provided producer and group factory.
func New(p Producer, f GroupFactory) *Adapter {
	return &Adapter{Producer: p, NewGroup: f, readers: make(map[string]*member)}
}

type entryValue struct {
	Fields map[string]string `json:"fields"`
}

func (a *Adapter) Append(ctx context.Context, stream string, fields map[string]string, _ int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if a.Producer == nil {
		return fmt.Errorf("kafka append: %w", berr.ErrAppendFailed)
	}

	val, err := json.Marshal(entryValue{Fields: fields})
	if err != nil {
		return fmt.Errorf("kafka append serialize: %w", errors.Join(berr.ErrSerializationFailed, err))
	}

	headers := map[string]string{headerStream: stream}

	if err := a.Producer.Produce(ctx, Topic(stream), nil, val, headers); err != nil {
		return wrap("append", berr.ErrAppendFailed, err)
	}

	return nil
}

// CreateGroup only validates the adapter: Kafka creates a group when its first member joins,
// and members start from the earliest offset.
func (a *Adapter) CreateGroup(ctx context.Context, _, _ string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if a.NewGroup == nil {
		return fmt.Errorf("kafka create group: %w", berr.ErrTransportClosed)
	}

	return nil
}

func (a *Adapter) ReadGroup(
	ctx context.Context,
	group, consumer string,
	streams []string,
	block time.Duration,
) (*cbus.StreamEntry, error) {
	if len(streams) == 0 {
		return nil, nil
	}

	m, err := a.member(group, consumer, streams)
	if err != nil {
		return nil, err
	}

	pollCtx, cancel := context.WithTimeout(ctx, block)
	defer cancel()

	rec, err := m.reader.Poll(pollCtx)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}

	if err != nil && pollCtx.Err() == nil {
		return nil, wrap("read group", err)
	}

	if rec == nil {
		return nil, nil
	}

	var v entryValue
	if err := json.Unmarshal(rec.Value, &v); err != nil {
		return nil, fmt.Errorf("kafka read group decode: %w", errors.Join(berr.ErrSerializationFailed, err))
	}

	stream := rec.Headers[headerStream]
	if stream == "" {
		stream = StreamName(rec.Topic)
	}

	id := strconv.FormatInt(int64(rec.Partition), 10) + "-" + strconv.FormatInt(rec.Offset, 10)

	return &cbus.StreamEntry{Stream: stream, ID: id, Fields: v.Fields}, nil
}

// DeleteConsumer closes every group member of consumer in group that reads stream.
func (a *Adapter) DeleteConsumer(ctx context.Context, stream, group, consumer string) error {
	topic := Topic(stream)

	a.mu.Lock()

	var gone []GroupReader

	for k, m := range a.readers {
		if m.group == group && m.consumer == consumer && slices.Contains(m.topics, topic) {
			gone = append(gone, m.reader)
			delete(a.readers, k)
		}
	}
	a.mu.Unlock()

	for _, r := range gone {
		r.Close()
	}

	return ctx.Err()
}

func (a *Adapter) Publish(context.Context, string, []byte) error {
	return fmt.Errorf("kafka publish: %w", berr.ErrUnsupported)
}

func (a *Adapter) PSubscribe(context.Context, string, func(string, []byte)) (cbus.Subscription, error) {
	return nil, fmt.Errorf("kafka psubscribe: %w", berr.ErrUnsupported)
}

func (a *Adapter) HSet(context.Context, string, string, []byte) error {
	return fmt.Errorf("kafka hset: %w", berr.ErrUnsupported)
}

func (a *Adapter) HGetAll(context.Context, string) (map[string][]byte, error) {
	return nil, fmt.Errorf("kafka hgetall: %w", berr.ErrUnsupported)
}

// Close leaves every group and releases the client owned by the adapter, if any.
func (a *Adapter) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}

	a.closed = true
	readers := a.readers
	a.readers = make(map[string]*member)
	a.mu.Unlock()

	for _, m := range readers {
		m.reader.Close()
	}

	if a.closeFn != nil {
		a.closeFn()
	}

	return nil
}

func (a *Adapter) member(group, consumer string, streams []string) (*member, error) {
	topics := make([]string, len(streams))
	for i, s := range streams {
		topics[i] = Topic(s)
	}

	slices.Sort(topics)
	key := group + "\x00" + consumer + "\x00" + strings.Join(topics, ",")

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return nil, fmt.Errorf("kafka read group: %w", berr.ErrTransportClosed)
	}

	if m, ok := a.readers[key]; ok {
		return m, nil
	}

	if a.NewGroup == nil {
		return nil, fmt.Errorf("kafka read group: %w", berr.ErrTransportClosed)
	}

	r, err := a.NewGroup(group, consumer, topics)
	if err != nil {
		return nil, fmt.Errorf("kafka join group %q: %w", group, err)
	}

	m := &member{group: group, consumer: consumer, topics: topics, reader: r}
	a.readers[key] = m

	return m, nil
}

// helpers

func wrap(label string, errs ...error) error {
	last := errs[len(errs)-1]
	if errors.Is(last, context.Canceled) || errors.Is(last, context.DeadlineExceeded) {
		return last
	}

	return fmt.Errorf("kafka %s: %w", label, errors.Join(errs...))
}

// Topic maps a stream name onto a legal topic name: ':' becomes '.'.
func Topic(stream string) string { return strings.ReplaceAll(stream, ":", ".") }

// StreamName reverses Topic for records produced without the stream header.
func StreamName(topic string) string { return strings.ReplaceAll(topic, ".", ":") }
