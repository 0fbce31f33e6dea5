package handlers

import (
	"context"

	"github.com/loomworks/weft/internal/envelope"
	"github.com/loomworks/weft/internal/fsadapter"
	"github.com/loomworks/weft/internal/handler"
	"github.com/loomworks/weft/internal/registry"
)

// Endpoint collects the final inputs of a diagram. With save_to_file
// set, the result is also written under the execution base directory.
type Endpoint struct {
	handler.BaseHandler
}

func (Endpoint) Spec() handler.Spec {
	return handler.Spec{
		NodeType:    "endpoint",
		Description: "terminal collector; optionally persists the result to a file",
		Services: []handler.ServiceDep{
			{Name: svcFS, Key: registry.KeyFilesystemAdapter},
		},
		Validate: func(req *handler.Request) error {
			if req.Node.BoolProp("save_to_file", false) {
				return handler.RequireStringProp(req.Node, "file_path")
			}
			return nil
		},
	}
}

func (Endpoint) Run(ctx context.Context, req *handler.Request, inputs map[string]any) (any, error) {
	var result any
	switch len(inputs) {
	case 0:
		result = req.Variables
	case 1:
		result, _ = firstValue(inputs)
	default:
		merged := make(map[string]any, len(inputs))
		for port, v := range inputs {
			merged[port] = v
		}
		result = merged
	}

	if req.Node.BoolProp("save_to_file", false) {
		fs, err := handler.ServiceAs[*fsadapter.Adapter](req, svcFS)
		if err != nil {
			return nil, &handler.ServiceMissingError{Handler: "endpoint", Key: registry.KeyFilesystemAdapter}
		}
		path := req.Node.StringProp("file_path", "")
		if err := fs.WriteFile(path, []byte(textOf(result))); err != nil {
			return nil, err
		}
		req.State["saved_to"] = path
	}
	return result, nil
}

func (Endpoint) SerializeOutput(req *handler.Request, result any) (*envelope.Envelope, error) {
	env := handler.Wrap(req, result)
	if p, ok := req.State["saved_to"].(string); ok {
		env = env.WithMetaValue("saved_to", p)
	}
	return env, nil
}
