package bus

import (
	"context"
	"time"
)

// StreamEntry is one entry read from an appendable log.
type StreamEntry struct {
	Stream string
	ID     string
	Fields map[string]string
}

// Streams abstracts a persistent, appendable, multi-consumer log with consumer groups.
// Within a group each entry is delivered to exactly one consumer and acknowledged implicitly.
type Streams interface {
	// Append adds an entry to stream, trimming it approximately to maxLen entries (0 = no trim).
	Append(ctx context.Context, stream string, fields map[string]string, maxLen int64) error
	// CreateGroup creates group on stream starting from the beginning of its history.
	// An already existing group is left untouched and reported as success.
	CreateGroup(ctx context.Context, stream, group string) error
	// ReadGroup blocks up to block for one new entry from any of streams.
	// It returns (nil, nil) when nothing arrived in time.
	ReadGroup(ctx context.Context, group, consumer string, streams []string, block time.Duration) (*StreamEntry, error)
	// DeleteConsumer removes consumer from group on stream.
	DeleteConsumer(ctx context.Context, stream, group, consumer string) error
}
