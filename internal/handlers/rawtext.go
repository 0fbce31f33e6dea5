package handlers

import (
	"context"

	"github.com/loomworks/weft/internal/handler"
	"github.com/loomworks/weft/internal/registry"
)

// RawText echoes its configured text, with template interpolation over
// the inputs and execution variables.
type RawText struct {
	handler.BaseHandler
}

func (RawText) Spec() handler.Spec {
	return handler.Spec{
		NodeType:    "raw_text",
		Description: "emits configured text with {{var}} interpolation",
		Services: []handler.ServiceDep{
			{Name: svcTemplates, Key: registry.KeyTemplateRenderer},
		},
		Validate: func(req *handler.Request) error {
			if _, ok := req.Node.Props["text"]; !ok {
				return handler.ValueError("raw_text node %q requires prop \"text\"", req.Node.ID)
			}
			return nil
		},
	}
}

func (RawText) Run(ctx context.Context, req *handler.Request, inputs map[string]any) (any, error) {
	text := req.Node.StringProp("text", "")
	rendered, err := renderWith(req, text, evalScope(req, inputs))
	if err != nil {
		return nil, handler.ValueError("raw_text node %q: %v", req.Node.ID, err)
	}
	return rendered, nil
}
