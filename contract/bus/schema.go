package bus

// Schema describes the externally relevant structure of a command.
// Gateways read it to build their public contracts; the bus only stores and distributes it.
type Schema struct {
	Auth   map[string]any `json:"auth"`
	Input  map[string]any `json:"input"`
	Output map[string]any `json:"output"`
}

// SchemaKey is the field name of a schema in the shared store.
func SchemaKey(service, method string) string { return service + ":" + method }
