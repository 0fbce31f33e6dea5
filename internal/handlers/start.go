package handlers

import (
	"context"

	"github.com/loomworks/weft/internal/handler"
)

// Start emits the execution variables as an object envelope, merged
// with any seeded input. Every execution wave begins here.
type Start struct {
	handler.BaseHandler
}

func (Start) Spec() handler.Spec {
	return handler.Spec{
		NodeType:    "start",
		Description: "entry point; emits execution variables",
	}
}

func (Start) Run(ctx context.Context, req *handler.Request, inputs map[string]any) (any, error) {
	out := make(map[string]any, len(req.Variables)+len(inputs))
	for k, v := range req.Variables {
		out[k] = v
	}
	// Seeded input objects (webhook payloads, CLI --var overrides
	// deposited on the bus) override the stored variables.
	if v, ok := firstValue(inputs); ok {
		if m, ok := v.(map[string]any); ok {
			for k, e := range m {
				out[k] = e
			}
		} else if v != nil {
			out["input"] = v
		}
	}
	return out, nil
}
