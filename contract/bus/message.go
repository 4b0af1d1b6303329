package bus

import (
	"encoding/json"
	"fmt"
	"maps"
)

// MetaOperationID is the meta key carrying the correlation identifier minted at the
// first point of entry and threaded through every downstream call and event.
const MetaOperationID = "operationId"

// Command identifies a single callable operation on a named service.
// It is used both as a routing key and as a stream-naming key.
type Command struct {
	Service string `json:"service"`
	Method  string `json:"method"`
}

func (c Command) String() string { return c.Service + "/" + c.Method }

// Meta is an open map of correlation fields attached to every payload.
type Meta map[string]any

// OperationID returns the operationId carried by m, or "" when absent.
// Non-string identifiers are formatted with fmt.
func (m Meta) OperationID() string {
	switch id := m[MetaOperationID].(type) {
	case nil:
		return ""
	case string:
		return id
	default:
		return fmt.Sprint(id)
	}
}

// Clone returns a shallow copy of m. A nil Meta clones to an empty, non-nil map.
func (m Meta) Clone() Meta {
	out := make(Meta, len(m)+1)
	maps.Copy(out, m)

	return out
}

// Merge returns a new Meta holding the fields of m overridden by the fields of over.
func (m Meta) Merge(over Meta) Meta {
	out := m.Clone()
	maps.Copy(out, over)

	return out
}

// Payload is the unit carried by calls and events. Data is caller-defined and opaque to the bus.
type Payload struct {
	Meta Meta            `json:"meta"`
	Data json.RawMessage `json:"data"`
}

// NewPayload encodes data and pairs it with meta.
func NewPayload(meta Meta, data any) (Payload, error) {
	raw, err := encodeValue(data)
	if err != nil {
		return Payload{}, err
	}

	return Payload{Meta: meta, Data: raw}, nil
}

// Bind decodes the payload data into v.
func (p Payload) Bind(v any) error {
	return json.Unmarshal(nullIfEmpty(p.Data), v)
}

// WithMeta returns a copy of p carrying meta.
func (p Payload) WithMeta(meta Meta) Payload {
	p.Meta = meta
	return p
}

func (p Payload) MarshalJSON() ([]byte, error) {
	type wire struct {
		Meta Meta            `json:"meta"`
		Data json.RawMessage `json:"data"`
	}

	meta := p.Meta
	if meta == nil {
		meta = Meta{}
	}

	return json.Marshal(wire{Meta: meta, Data: nullIfEmpty(p.Data)})
}

func encodeValue(v any) (json.RawMessage, error) {
	if raw, ok := v.(json.RawMessage); ok {
		return nullIfEmpty(raw), nil
	}

	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}

	return b, nil
}

func nullIfEmpty(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage("null")
	}

	return raw
}
