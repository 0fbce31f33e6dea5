// Package handlers holds the built-in node handlers. Each one
// implements the handler lifecycle for a single node type; RegisterAll
// wires them into a registry at boot.
package handlers

import (
	"encoding/json"
	"fmt"

	"github.com/loomworks/weft/internal/diagram"
	"github.com/loomworks/weft/internal/handler"
	"github.com/loomworks/weft/internal/template"
)

// RegisterAll registers every built-in handler. Call it once per
// registry, before the first execution.
func RegisterAll(reg *handler.Registry) {
	reg.Register(&Start{})
	reg.Register(&Endpoint{})
	reg.Register(&RawText{})
	reg.Register(&APIJob{})
	reg.Register(&PersonJob{})
	reg.Register(&TemplateJob{})
	reg.Register(&Condition{})
	reg.Register(&Hook{})
	reg.Register(&CodeJob{})
	reg.Register(&SubDiagram{})
	reg.Register(&UserResponse{})
	reg.Register(&DBJob{})
	reg.Register(&TypeScriptAST{})
	reg.Register(&DiffPatch{})
}

// Service names shared across handler specs. The lifecycle runner
// injects providers under these names.
const (
	svcAPI          = "api"
	svcLLM          = "llm"
	svcFS           = "fs"
	svcTemplates    = "templates"
	svcCache        = "cache"
	svcParser       = "parser"
	svcOrchestrator = "orchestrator"
	svcPrompt       = "prompt"
)

// evalScope merges execution variables and prepared inputs into one
// flat namespace for templates and expressions. Inputs win on key
// collisions; the default-port value is also exposed as "input".
func evalScope(req *handler.Request, inputs map[string]any) map[string]any {
	scope := make(map[string]any, len(req.Variables)+len(inputs)+2)
	scope["iteration"] = req.Iteration
	for k, v := range req.Variables {
		scope[k] = v
	}
	for k, v := range inputs {
		scope[k] = v
	}
	if v, ok := inputs[diagram.PortDefault]; ok {
		scope["input"] = v
	}
	return scope
}

// firstValue returns the single logical input: the default port when
// present, otherwise the first port, otherwise any one value.
func firstValue(inputs map[string]any) (any, bool) {
	if v, ok := inputs[diagram.PortDefault]; ok {
		return v, true
	}
	if v, ok := inputs[diagram.PortFirst]; ok {
		return v, true
	}
	for _, v := range inputs {
		return v, true
	}
	return nil, false
}

// textOf renders an input value as text; structured values become
// JSON.
func textOf(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case []byte:
		return string(t)
	case fmt.Stringer:
		return t.String()
	default:
		raw, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%v", t)
		}
		return string(raw)
	}
}

// renderWith renders tmpl through the injected renderer when one is
// bound; otherwise the text passes through untouched.
func renderWith(req *handler.Request, tmpl string, scope map[string]any) (string, error) {
	r, err := handler.ServiceAs[*template.Renderer](req, svcTemplates)
	if err != nil {
		return tmpl, nil
	}
	return r.RenderString(tmpl, scope)
}

// stringMap converts a generic map prop into string→string, skipping
// non-scalar values.
func stringMap(m map[string]any) map[string]string {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = textOf(v)
	}
	return out
}

// intSlice coerces a list prop into ints, skipping entries that are
// not numeric.
func intSlice(v any) []int {
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]int, 0, len(list))
	for _, e := range list {
		switch t := e.(type) {
		case int:
			out = append(out, t)
		case int64:
			out = append(out, int(t))
		case float64:
			out = append(out, int(t))
		}
	}
	return out
}

// stringSlice coerces a list prop into strings.
func stringSlice(v any) []string {
	switch t := v.(type) {
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			out = append(out, textOf(e))
		}
		return out
	}
	return nil
}
