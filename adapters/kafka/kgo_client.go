package kafka

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"

	"github.com/twmb/franz-go/pkg/kgo"

	berr "github.com/next-trace/scg-rpc-bus/contract/errors"
)

// Concrete franz-go based constructor, producer and group members.

type Config struct {
	Brokers     []string
	TLS         *tls.Config
	ClientID    string
	Compression kgo.CompressionCodec
	// DisableIdempotence turns off the idempotent producer franz-go enables by default.
	DisableIdempotence bool
}

func (c Config) base() []kgo.Opt {
	opts := []kgo.Opt{kgo.SeedBrokers(c.Brokers...), kgo.AllowAutoTopicCreation()}
	if c.TLS != nil {
		opts = append(opts, kgo.DialTLSConfig(c.TLS))
	}

	return opts
}

type kgoProducer struct{ cl *kgo.Client }

func (p kgoProducer) Produce(ctx context.Context, topic string, key, value []byte, headers map[string]string) error {
	rec := &kgo.Record{Topic: topic, Key: key, Value: value}
	if len(headers) > 0 {
		rec.Headers = make([]kgo.RecordHeader, 0, len(headers))
		for k, v := range headers {
			rec.Headers = append(rec.Headers, kgo.RecordHeader{Key: k, Value: []byte(v)})
		}
	}

	return p.cl.ProduceSync(ctx, rec).FirstErr()
}

type kgoGroup struct{ cl *kgo.Client }

func (g kgoGroup) Poll(ctx context.Context) (*Record, error) {
	fetches := g.cl.PollRecords(ctx, 1)
	if fetches.IsClientClosed() {
		return nil, berr.ErrTransportClosed
	}

	for _, fe := range fetches.Errors() {
		if errors.Is(fe.Err, context.Canceled) || errors.Is(fe.Err, context.DeadlineExceeded) {
			continue
		}

		return nil, fmt.Errorf("fetch %s[%d]: %w", fe.Topic, fe.Partition, fe.Err)
	}

	recs := fetches.Records()
	if len(recs) == 0 {
		return nil, nil
	}

	r := recs[0]
	out := &Record{Topic: r.Topic, Partition: r.Partition, Offset: r.Offset, Value: r.Value}

	if len(r.Headers) > 0 {
		out.Headers = make(map[string]string, len(r.Headers))
		for _, h := range r.Headers {
			out.Headers[h.Key] = string(h.Value)
		}
	}

	return out, nil
}

func (g kgoGroup) Close() { g.cl.Close() }

// NewWithKgo builds a franz-go client based Adapter. The returned cleanup should be called to
// close the producer and every group member.
func NewWithKgo(cfg Config) (*Adapter, func(), error) {
	if len(cfg.Brokers) == 0 {
		return nil, nil, fmt.Errorf("%w: kafka brokers required", berr.ErrInvalidConfig)
	}

	opts := cfg.base()
	if cfg.ClientID != "" {
		opts = append(opts, kgo.ClientID(cfg.ClientID))
	}

	if cfg.DisableIdempotence {
		opts = append(opts, kgo.DisableIdempotentWrite())
	}

	if cfg.Compression != (kgo.CompressionCodec{}) {
		opts = append(opts, kgo.ProducerBatchCompression(cfg.Compression))
	}

	cl, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: kafka client init: %w", berr.ErrInvalidConfig, err)
	}

	factory := func(group, consumer string, topics []string) (GroupReader, error) {
		gopts := append(cfg.base(),
			kgo.ClientID(consumer),
			kgo.ConsumerGroup(group),
			kgo.ConsumeTopics(topics...),
			kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
		)

		gcl, err := kgo.NewClient(gopts...)
		if err != nil {
			return nil, err
		}

		return kgoGroup{cl: gcl}, nil
	}

	ad := New(kgoProducer{cl: cl}, factory)
	ad.closeFn = cl.Close

	return ad, func() { _ = ad.Close() }, nil
}
