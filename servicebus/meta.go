package servicebus

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	cbus "github.com/next-trace/scg-rpc-bus/contract/bus"
)

// EnsureOperationID returns a copy of meta that carries an operationId,
// minting a fresh one only when the key is absent. A supplied identifier is kept as is,
// whatever its JSON type.
func EnsureOperationID(meta cbus.Meta) cbus.Meta {
	out := meta.Clone()
	if _, ok := out[cbus.MetaOperationID]; !ok {
		out[cbus.MetaOperationID] = uuid.NewString()
	}

	return out
}

// MetaBus is a view of a bus that merges an overlay into the meta of every outgoing
// Call and Publish. Caller-supplied fields win over the overlay.
type MetaBus struct {
	cbus.Bus
	extra cbus.Meta
}

// WithMeta wraps b so that its Call and Publish carry extra.
func WithMeta(b cbus.Bus, extra cbus.Meta) *MetaBus {
	if mb, ok := b.(*MetaBus); ok {
		return &MetaBus{Bus: mb.Bus, extra: mb.extra.Merge(extra)}
	}

	return &MetaBus{Bus: b, extra: extra.Clone()}
}

func (m *MetaBus) Call(ctx context.Context, cmd cbus.Command, p cbus.Payload) cbus.Result {
	return m.Bus.Call(ctx, cmd, p.WithMeta(m.extra.Merge(p.Meta)))
}

func (m *MetaBus) Publish(ctx context.Context, event string, p cbus.Payload) bool {
	return m.Bus.Publish(ctx, event, p.WithMeta(m.extra.Merge(p.Meta)))
}

func (m *MetaBus) WithMeta(extra cbus.Meta) cbus.Bus { return WithMeta(m, extra) }

var _ cbus.Bus = (*MetaBus)(nil)

// LoggerOrDiscard returns l, or a logger that drops everything when l is nil.
func LoggerOrDiscard(l *slog.Logger) *slog.Logger {
	if l == nil {
		return slog.New(slog.DiscardHandler)
	}

	return l
}
