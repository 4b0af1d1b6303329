package servicebus

import (
	"context"
	"maps"
	"sync"

	cbus "github.com/next-trace/scg-rpc-bus/contract/bus"
)

// SchemaCache is the synchronous, in-memory side of the schema store.
type SchemaCache struct {
	mu      sync.RWMutex
	schemas map[string]cbus.Schema
}

// NewSchemaCache returns an empty cache.
func NewSchemaCache() *SchemaCache {
	return &SchemaCache{schemas: make(map[string]cbus.Schema)}
}

func (c *SchemaCache) Get(service, method string) (cbus.Schema, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	s, ok := c.schemas[cbus.SchemaKey(service, method)]

	return s, ok
}

func (c *SchemaCache) Set(service, method string, s cbus.Schema) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.schemas[cbus.SchemaKey(service, method)] = s
}

// Replace swaps the whole cache content for all, keyed by SchemaKey.
func (c *SchemaCache) Replace(all map[string]cbus.Schema) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.schemas = maps.Clone(all)
	if c.schemas == nil {
		c.schemas = make(map[string]cbus.Schema)
	}
}

// SchemaReader is the part of a bus gateways need to build external contracts.
type SchemaReader interface {
	GetSchema(service, method string) (cbus.Schema, bool)
}

// RequireSchema returns the schema of service/method, or the routing error a gateway
// should report when the route has none.
func RequireSchema(r SchemaReader, service, method string) (cbus.Schema, *cbus.ServiceError) {
	s, ok := r.GetSchema(service, method)
	if !ok {
		return cbus.Schema{}, cbus.Unexpected(cbus.MsgSchemaNotFound)
	}

	return s, nil
}

// RegisterSchemas writes every schema of a service through b, typically during bootstrap
// right before PrefetchSchemas.
func RegisterSchemas(ctx context.Context, b cbus.Bus, service string, schemas map[string]cbus.Schema) error {
	for method, s := range schemas {
		if err := b.SetSchema(ctx, service, method, s); err != nil {
			return err
		}
	}

	return nil
}
