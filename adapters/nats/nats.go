package nats

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	cbus "github.com/next-trace/scg-rpc-bus/contract/bus"
	berr "github.com/next-trace/scg-rpc-bus/contract/errors"
)

const (
	streamSubjectPrefix  = "bus.stream."
	channelSubjectPrefix = "bus.chan."

	// lower bound of a single fetch when a read is spread over several streams
	minFetchWait = 10 * time.Millisecond
)

// Conn is the part of a core NATS connection the adapter needs for pub/sub.
// *nats.Conn satisfies it.
type Conn interface {
	Publish(subject string, data []byte) error
	Subscribe(subject string, cb nats.MsgHandler) (*nats.Subscription, error)
	Flush() error
}

// Adapter implements cbus.Broker on NATS: JetStream streams with durable pull consumers
// for logs, core subjects for pub/sub and a JetStream key-value bucket per hash.
//
// Broker names are encoded into JetStream-safe names, so any stream, channel or hash
// name is accepted. A consumer group maps to a durable consumer shared by all processes;
// DeleteConsumer is therefore a no-op.
type Adapter struct {
	Conn Conn
	JS   jetstream.JetStream

	mu        sync.Mutex
	streams   map[string]int64
	consumers map[string]jetstream.Consumer
	buckets   map[string]jetstream.KeyValue
	cursor    map[string]int

	closeFn  func()
	closeOne sync.Once
}

// Ensure Adapter implements the combined contract.
var _ cbus.Broker = (*Adapter)(nil)

// New creates a NATS adapter over an existing connection and JetStream context.
// Close does not close the connection.
func New(conn Conn, js jetstream.JetStream) *Adapter {
	return &Adapter{
		Conn:      conn,
		JS:        js,
		streams:   make(map[string]int64),
		consumers: make(map[string]jetstream.Consumer),
		buckets:   make(map[string]jetstream.KeyValue),
		cursor:    make(map[string]int),
	}
}

type entryBody struct {
	Fields map[string]string `json:"fields"`
}

func (a *Adapter) Append(ctx context.Context, stream string, fields map[string]string, maxLen int64) error {
	if err := a.ready(ctx, berr.ErrAppendFailed, "append"); err != nil {
		return err
	}

	if err := a.ensureStream(ctx, stream, maxLen); err != nil {
		return wrap("append", berr.ErrAppendFailed, err)
	}

	body, err := json.Marshal(entryBody{Fields: fields})
	if err != nil {
		return fmt.Errorf("nats append serialize: %w", errors.Join(berr.ErrSerializationFailed, err))
	}

	if _, err := a.JS.Publish(ctx, StreamSubject(stream), body); err != nil {
		return wrap("append", berr.ErrAppendFailed, err)
	}

	return nil
}

// ensureStream creates or updates the JetStream stream backing name when this adapter has
// not yet applied maxLen to it. maxLen bounds the stream, discarding the oldest messages;
// 0 keeps whatever bound is in place.
func (a *Adapter) ensureStream(ctx context.Context, name string, maxLen int64) error {
	a.mu.Lock()
	applied, known := a.streams[name]
	a.mu.Unlock()

	if known && (maxLen == 0 || applied == maxLen) {
		return nil
	}

	cfg := jetstream.StreamConfig{
		Name:     EncodeName(name),
		Subjects: []string{StreamSubject(name)},
		Discard:  jetstream.DiscardOld,
		MaxMsgs:  -1,
	}
	if maxLen > 0 {
		cfg.MaxMsgs = maxLen
	}

	if _, err := a.JS.CreateOrUpdateStream(ctx, cfg); err != nil {
		return err
	}

	a.mu.Lock()
	a.streams[name] = maxLen
	a.mu.Unlock()

	return nil
}

// CreateGroup creates a durable pull consumer named after group on stream, delivering the
// whole retained history. An existing consumer is kept as is. Fetched messages are acked
// right away, so a group sees each entry once.
func (a *Adapter) CreateGroup(ctx context.Context, stream, group string) error {
	if err := a.ready(ctx, berr.ErrTransportClosed, "create group"); err != nil {
		return err
	}

	s, err := a.JS.Stream(ctx, EncodeName(stream))
	if errors.Is(err, jetstream.ErrStreamNotFound) {
		if err = a.ensureStream(ctx, stream, 0); err == nil {
			s, err = a.JS.Stream(ctx, EncodeName(stream))
		}
	}

	if err != nil {
		return wrap("create group", err)
	}

	c, err := s.CreateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       EncodeName(group),
		AckPolicy:     jetstream.AckExplicitPolicy,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if errors.Is(err, jetstream.ErrConsumerExists) {
		c, err = s.Consumer(ctx, EncodeName(group))
	}

	if err != nil {
		return wrap("create group", err)
	}

	a.mu.Lock()
	a.consumers[consumerKey(stream, group)] = c
	a.mu.Unlock()

	return nil
}

// ReadGroup fetches one message, visiting streams round-robin and splitting block
// between them.
func (a *Adapter) ReadGroup(
	ctx context.Context,
	group, consumer string,
	streams []string,
	block time.Duration,
) (*cbus.StreamEntry, error) {
	if err := a.ready(ctx, berr.ErrTransportClosed, "read group"); err != nil {
		return nil, err
	}

	if len(streams) == 0 {
		return nil, nil
	}

	wait := max(block/time.Duration(len(streams)), minFetchWait)
	start := a.nextCursor(group+"\x00"+consumer, len(streams))

	for i := range streams {
		stream := streams[(start+i)%len(streams)]

		c, err := a.consumer(ctx, stream, group)
		if err != nil {
			return nil, wrap("read group", err)
		}

		e, err := fetchOne(c, stream, wait)
		if err != nil {
			return nil, wrap("read group", err)
		}

		if e != nil {
			return e, nil
		}

		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}

	return nil, nil
}

func fetchOne(c jetstream.Consumer, stream string, wait time.Duration) (*cbus.StreamEntry, error) {
	batch, err := c.Fetch(1, jetstream.FetchMaxWait(wait))
	if err != nil {
		if errors.Is(err, nats.ErrTimeout) {
			return nil, nil
		}

		return nil, err
	}

	var entry *cbus.StreamEntry

	for msg := range batch.Messages() {
		if err := msg.Ack(); err != nil {
			return nil, fmt.Errorf("ack entry: %w", err)
		}

		var body entryBody
		if err := json.Unmarshal(msg.Data(), &body); err != nil {
			return nil, fmt.Errorf("decode entry: %w", err)
		}

		id := ""
		if md, err := msg.Metadata(); err == nil {
			id = strconv.FormatUint(md.Sequence.Stream, 10)
		}

		entry = &cbus.StreamEntry{Stream: stream, ID: id, Fields: body.Fields}
	}

	if err := batch.Error(); err != nil && !errors.Is(err, nats.ErrTimeout) {
		return nil, err
	}

	return entry, nil
}

func (a *Adapter) consumer(ctx context.Context, stream, group string) (jetstream.Consumer, error) {
	key := consumerKey(stream, group)

	a.mu.Lock()
	c, ok := a.consumers[key]
	a.mu.Unlock()

	if ok {
		return c, nil
	}

	c, err := a.JS.Consumer(ctx, EncodeName(stream), EncodeName(group))
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	a.consumers[key] = c
	a.mu.Unlock()

	return c, nil
}

func (a *Adapter) nextCursor(key string, n int) int {
	a.mu.Lock()
	defer a.mu.Unlock()

	i := a.cursor[key] % n
	a.cursor[key] = i + 1

	return i
}

// DeleteConsumer forgets the cached consumer handle. The durable consumer stays, since
// other processes of the same group keep reading from it.
func (a *Adapter) DeleteConsumer(ctx context.Context, stream, group, _ string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	a.mu.Lock()
	delete(a.consumers, consumerKey(stream, group))
	a.mu.Unlock()

	return nil
}

func (a *Adapter) Publish(ctx context.Context, channel string, message []byte) error {
	if err := a.ready(ctx, berr.ErrPublishFailed, "publish"); err != nil {
		return err
	}

	if err := a.Conn.Publish(ChannelSubject(channel), message); err != nil {
		return wrap("publish", berr.ErrPublishFailed, err)
	}

	return nil
}

// PSubscribe flushes the subscription to the server before returning.
func (a *Adapter) PSubscribe(
	ctx context.Context,
	pattern string,
	handler func(channel string, message []byte),
) (cbus.Subscription, error) {
	if err := a.ready(ctx, berr.ErrTransportClosed, "psubscribe"); err != nil {
		return nil, err
	}

	sub, err := a.Conn.Subscribe(PatternSubject(pattern), func(m *nats.Msg) {
		handler(SubjectChannel(m.Subject), m.Data)
	})
	if err != nil {
		return nil, wrap("psubscribe", err)
	}

	if err := a.Conn.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return nil, wrap("psubscribe", err)
	}

	return subscription{sub}, nil
}

type subscription struct{ sub *nats.Subscription }

func (s subscription) Close() error {
	if err := s.sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrBadSubscription) {
		return err
	}

	return nil
}

func (a *Adapter) HSet(ctx context.Context, key, field string, value []byte) error {
	if err := a.ready(ctx, berr.ErrTransportClosed, "hset"); err != nil {
		return err
	}

	kv, err := a.bucket(ctx, key)
	if err != nil {
		return wrap("hset", err)
	}

	if _, err := kv.Put(ctx, encodeField(field), value); err != nil {
		return wrap("hset", err)
	}

	return nil
}

func (a *Adapter) HGetAll(ctx context.Context, key string) (map[string][]byte, error) {
	if err := a.ready(ctx, berr.ErrTransportClosed, "hgetall"); err != nil {
		return nil, err
	}

	kv, err := a.bucket(ctx, key)
	if err != nil {
		return nil, wrap("hgetall", err)
	}

	out := make(map[string][]byte)

	lister, err := kv.ListKeys(ctx)
	if errors.Is(err, jetstream.ErrNoKeysFound) {
		return out, nil
	}

	if err != nil {
		return nil, wrap("hgetall", err)
	}
	defer lister.Stop() //nolint:errcheck // listing already finished


	for k := range lister.Keys() {
		field, err := decodeField(k)
		if err != nil {
			continue
		}

		e, err := kv.Get(ctx, k)
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			continue
		}

		if err != nil {
			return nil, wrap("hgetall", err)
		}

		out[field] = e.Value()
	}

	return out, nil
}

func (a *Adapter) bucket(ctx context.Context, key string) (jetstream.KeyValue, error) {
	a.mu.Lock()
	kv, ok := a.buckets[key]
	a.mu.Unlock()

	if ok {
		return kv, nil
	}

	kv, err := a.JS.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{Bucket: EncodeName(key)})
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	a.buckets[key] = kv
	a.mu.Unlock()

	return kv, nil
}

// Close drains and closes the connection when the adapter created it.
func (a *Adapter) Close() error {
	a.closeOne.Do(func() {
		if a.closeFn != nil {
			a.closeFn()
		}
	})

	return nil
}

func (a *Adapter) ready(ctx context.Context, base error, label string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if a.Conn == nil || a.JS == nil {
		return fmt.Errorf("nats %s: %w", label, base)
	}

	return nil
}

// helpers

func wrap(label string, errs ...error) error {
	last := errs[len(errs)-1]
	if errors.Is(last, context.Canceled) || errors.Is(last, context.DeadlineExceeded) {
		return last
	}

	return fmt.Errorf("nats %s: %w", label, errors.Join(errs...))
}

func consumerKey(stream, group string) string { return stream + "\x00" + group }

// EncodeName maps any broker name onto [A-Za-z0-9_-], escaping every other byte
// (and '_' itself) as _XX hex so that distinct names stay distinct.
func EncodeName(name string) string {
	var b strings.Builder

	for i := 0; i < len(name); i++ {
		c := name[i]

		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-':
			b.WriteByte(c)
		default:
			fmt.Fprintf(&b, "_%02x", c)
		}
	}

	return b.String()
}

// StreamSubject is the subject appended entries of stream are published on.
func StreamSubject(stream string) string { return streamSubjectPrefix + EncodeName(stream) }

// ChannelSubject maps a ':'-separated channel onto a '.'-separated subject.
func ChannelSubject(channel string) string {
	return channelSubjectPrefix + strings.ReplaceAll(channel, ":", ".")
}

// PatternSubject maps a channel glob onto a subject wildcard. A trailing '*' segment
// matches the rest of the channel.
func PatternSubject(pattern string) string {
	subject := ChannelSubject(pattern)
	if strings.HasSuffix(subject, ".*") {
		subject = strings.TrimSuffix(subject, "*") + ">"
	}

	return subject
}

// SubjectChannel reverses ChannelSubject.
func SubjectChannel(subject string) string {
	return strings.ReplaceAll(strings.TrimPrefix(subject, channelSubjectPrefix), ".", ":")
}

func encodeField(field string) string { return base64.RawURLEncoding.EncodeToString([]byte(field)) }

func decodeField(key string) (string, error) {
	b, err := base64.RawURLEncoding.DecodeString(key)
	return string(b), err
}
