package handlers

import (
	"context"

	"github.com/loomworks/weft/internal/envelope"
	"github.com/loomworks/weft/internal/fsadapter"
	"github.com/loomworks/weft/internal/handler"
	"github.com/loomworks/weft/internal/registry"
	"github.com/loomworks/weft/internal/template"
)

// TemplateJob renders a template over the inputs and variables,
// optionally writing the result to a file. Writes of identical content
// to the same path within the dedup window are skipped.
type TemplateJob struct {
	handler.BaseHandler
}

func (TemplateJob) Spec() handler.Spec {
	return handler.Spec{
		NodeType:    "template_job",
		Description: "renders a template to a string or file",
		Services: []handler.ServiceDep{
			{Name: svcTemplates, Key: registry.KeyTemplateRenderer, Required: true},
			{Name: svcFS, Key: registry.KeyFilesystemAdapter},
		},
		Validate: func(req *handler.Request) error {
			n := req.Node
			if n.StringProp("template", "") == "" && n.StringProp("template_path", "") == "" {
				return handler.ValueError("template_job node %q needs template or template_path", n.ID)
			}
			return nil
		},
	}
}

func (TemplateJob) Run(ctx context.Context, req *handler.Request, inputs map[string]any) (any, error) {
	renderer, err := handler.ServiceAs[*template.Renderer](req, svcTemplates)
	if err != nil {
		return nil, err
	}
	n := req.Node

	tmpl := n.StringProp("template", "")
	if tmpl == "" {
		fs, ferr := handler.ServiceAs[*fsadapter.Adapter](req, svcFS)
		if ferr != nil {
			return nil, &handler.ServiceMissingError{Handler: "template_job", Key: registry.KeyFilesystemAdapter}
		}
		raw, rerr := fs.ReadFile(n.StringProp("template_path", ""))
		if rerr != nil {
			return nil, rerr
		}
		tmpl = string(raw)
	}

	rendered, err := renderer.RenderString(tmpl, evalScope(req, inputs))
	if err != nil {
		return nil, handler.ValueError("template_job node %q: %v", n.ID, err)
	}

	if path := n.StringProp("output_path", ""); path != "" {
		content := []byte(rendered)
		if renderer.IsDuplicateWrite(path, content) {
			req.State["duplicate"] = true
			req.Log().Debug("skipping duplicate template write", map[string]any{
				"node_id": n.ID,
				"path":    path,
			})
		} else {
			fs, ferr := handler.ServiceAs[*fsadapter.Adapter](req, svcFS)
			if ferr != nil {
				return nil, &handler.ServiceMissingError{Handler: "template_job", Key: registry.KeyFilesystemAdapter}
			}
			if werr := fs.WriteFile(path, content); werr != nil {
				return nil, werr
			}
		}
		req.State["written_to"] = path
	}
	return rendered, nil
}

func (TemplateJob) SerializeOutput(req *handler.Request, result any) (*envelope.Envelope, error) {
	env := handler.Wrap(req, result)
	if p, ok := req.State["written_to"].(string); ok {
		env = env.WithMetaValue("written_to", p)
	}
	if dup, ok := req.State["duplicate"].(bool); ok && dup {
		env = env.WithMetaValue("skipped_duplicate", true)
	}
	return env, nil
}
