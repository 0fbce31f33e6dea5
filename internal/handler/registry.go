package handler

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/loomworks/weft/internal/diagram"
)

// Registry maps node types to handlers. It is populated at boot and
// read-only afterwards; registering the same type twice is a
// configuration error and panics.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	schemas  map[string]*jsonschema.Schema
}

// NewRegistry returns an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers: map[string]Handler{},
		schemas:  map[string]*jsonschema.Schema{},
	}
}

// Register adds a handler under its spec's node type.
func (r *Registry) Register(h Handler) {
	spec := h.Spec()
	if spec.NodeType == "" {
		panic("handler: Register called with empty node type")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.handlers[spec.NodeType]; dup {
		panic(fmt.Sprintf("handler: node type %q registered twice", spec.NodeType))
	}
	r.handlers[spec.NodeType] = h
}

// Resolve returns the handler for a node type.
func (r *Registry) Resolve(nodeType string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[nodeType]
	return h, ok
}

// KnownTypes returns the registered node types, sorted.
func (r *Registry) KnownTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// StaticCheck validates a node outside any execution: props against
// the handler's declared JSON Schema when one exists, then the
// handler's Validate hook. Unknown node types fail.
func (r *Registry) StaticCheck(n *diagram.Node) error {
	h, ok := r.Resolve(n.Type)
	if !ok {
		return fmt.Errorf("no handler for node type %q", n.Type)
	}
	spec := h.Spec()
	if len(spec.Schema) > 0 {
		schema, err := r.propsSchema(spec)
		if err != nil {
			return err
		}
		props, err := jsonShape(n.Props)
		if err != nil {
			return fmt.Errorf("node %q: props are not json-encodable: %w", n.ID, err)
		}
		if err := schema.Validate(props); err != nil {
			return &TypedError{Kind: "ValueError", Err: fmt.Errorf("node %q props: %v", n.ID, err)}
		}
	}
	if spec.Validate == nil {
		return nil
	}
	return spec.Validate(&Request{Node: n})
}

// propsSchema compiles a handler's props schema once and caches it.
func (r *Registry) propsSchema(spec Spec) (*jsonschema.Schema, error) {
	r.mu.RLock()
	cached := r.schemas[spec.NodeType]
	r.mu.RUnlock()
	if cached != nil {
		return cached, nil
	}

	c := jsonschema.NewCompiler()
	url := spec.NodeType + ".schema.json"
	if err := c.AddResource(url, bytes.NewReader(spec.Schema)); err != nil {
		return nil, fmt.Errorf("handler %q: props schema: %w", spec.NodeType, err)
	}
	schema, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("handler %q: props schema: %w", spec.NodeType, err)
	}
	r.mu.Lock()
	r.schemas[spec.NodeType] = schema
	r.mu.Unlock()
	return schema, nil
}

// jsonShape round-trips a value through encoding/json so schema
// validation sees json-native types regardless of how the diagram was
// decoded.
func jsonShape(v any) (any, error) {
	if v == nil {
		return map[string]any{}, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}
