// Package registry is the process-wide map of capability keys to
// provider instances. Providers are registered at startup and never
// change during execution, so lookups take no lock.
package registry

import "fmt"

// Key names one capability a handler may depend on.
type Key string

const (
	KeyAPIInvoker            Key = "api_invoker"
	KeyLLMService            Key = "llm_service"
	KeyFilesystemAdapter     Key = "filesystem_adapter"
	KeyASTParser             Key = "ast_parser"
	KeyTemplateRenderer      Key = "template_renderer"
	KeyIRCache               Key = "ir_cache"
	KeyIRBuilderRegistry     Key = "ir_builder_registry"
	KeyExecutionContext      Key = "execution_context"
	KeyDiagram               Key = "diagram"
	KeyExecutionOrchestrator Key = "execution_orchestrator"
	KeyPromptBuilder         Key = "prompt_builder"
	KeyUserPrompt            Key = "user_prompt"
)

// Registry maps capability keys to providers. Register everything
// before the first execution starts; the registry is read-only after
// that.
type Registry struct {
	providers map[Key]any
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{providers: map[Key]any{}}
}

// Register binds a provider to a key, replacing any previous binding.
func (r *Registry) Register(key Key, provider any) {
	r.providers[key] = provider
}

// Get returns the provider and whether it is bound.
func (r *Registry) Get(key Key) (any, bool) {
	p, ok := r.providers[key]
	return p, ok
}

// Require returns the provider or an error naming the missing key.
func (r *Registry) Require(key Key) (any, error) {
	p, ok := r.providers[key]
	if !ok || p == nil {
		return nil, fmt.Errorf("required service %q is not registered", key)
	}
	return p, nil
}

// Optional returns the provider, or def when the key is unbound.
func (r *Registry) Optional(key Key, def any) any {
	if p, ok := r.providers[key]; ok && p != nil {
		return p
	}
	return def
}

// Keys returns all bound keys.
func (r *Registry) Keys() []Key {
	out := make([]Key, 0, len(r.providers))
	for k := range r.providers {
		out = append(out, k)
	}
	return out
}
