package distributed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	cbus "github.com/next-trace/scg-rpc-bus/contract/bus"
	berr "github.com/next-trace/scg-rpc-bus/contract/errors"
)

// GetSchema reads the local cache only; see PrefetchSchemas.
func (b *Bus) GetSchema(service, method string) (cbus.Schema, bool) {
	return b.schemas.Get(service, method)
}

// SetSchema writes s to the shared store. The local cache is refreshed by PrefetchSchemas.
func (b *Bus) SetSchema(ctx context.Context, service, method string, s cbus.Schema) error {
	body, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("set schema %s: %w", cbus.SchemaKey(service, method), errors.Join(berr.ErrSerializationFailed, err))
	}

	if err := b.broker.HSet(ctx, cbus.SchemasKey, cbus.SchemaKey(service, method), body); err != nil {
		if isContextErr(err) {
			return err
		}

		return fmt.Errorf("set schema %s: %w", cbus.SchemaKey(service, method), err)
	}

	return nil
}

// PrefetchSchemas replaces the local cache with the whole shared store.
// Undecodable entries are logged and skipped.
func (b *Bus) PrefetchSchemas(ctx context.Context) error {
	all, err := b.broker.HGetAll(ctx, cbus.SchemasKey)
	if err != nil {
		if isContextErr(err) {
			return err
		}

		return fmt.Errorf("prefetch schemas: %w", err)
	}

	cache := make(map[string]cbus.Schema, len(all))

	for field, raw := range all {
		var s cbus.Schema
		if err := json.Unmarshal(raw, &s); err != nil {
			b.logger.WarnContext(ctx, "skip undecodable schema", "field", field, "error", err)
			continue
		}

		cache[field] = s
	}

	b.schemas.Replace(cache)
	b.logger.DebugContext(ctx, "schemas prefetched", "count", len(cache))

	return nil
}
