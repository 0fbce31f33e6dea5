package handlers

import (
	"context"
	"fmt"
	"sync"

	"github.com/loomworks/weft/internal/diagram"
	"github.com/loomworks/weft/internal/envelope"
	"github.com/loomworks/weft/internal/handler"
	"github.com/loomworks/weft/internal/registry"
)

// SubCall describes one nested execution requested by a sub_diagram
// node. Name is a diagram name or path; the orchestrator resolves it.
type SubCall struct {
	NodeID    string
	Name      string
	Variables map[string]any
	ParentID  string
}

// Orchestrator runs nested diagrams. The engine registers its
// implementation under KeyExecutionOrchestrator; it bounds concurrent
// children through the parallel manager, so handlers may fan out
// freely.
type Orchestrator interface {
	ExecuteDiagram(ctx context.Context, call SubCall) (*envelope.Envelope, error)
}

var subDiagramSchema = []byte(`{
	"type": "object",
	"properties": {
		"diagram_name": {"type": "string"},
		"diagram_path": {"type": "string"},
		"batch": {"type": "boolean"},
		"batch_input_key": {"type": "string"}
	}
}`)

// SubDiagram executes a nested diagram. In batch mode the input list
// fans out to one child execution per item; a failed child becomes an
// error envelope with meta.execution_status="failed" rather than
// failing this node, so siblings and downstream branches keep going.
type SubDiagram struct {
	handler.BaseHandler
}

func (SubDiagram) Spec() handler.Spec {
	return handler.Spec{
		NodeType:    "sub_diagram",
		Description: "runs a nested diagram, optionally once per batch item",
		Schema:      subDiagramSchema,
		Services: []handler.ServiceDep{
			{Name: svcOrchestrator, Key: registry.KeyExecutionOrchestrator, Required: true},
		},
		Validate: func(req *handler.Request) error {
			n := req.Node
			if n.StringProp("diagram_name", "") == "" && n.StringProp("diagram_path", "") == "" {
				return handler.ValueError("sub_diagram node %q names no diagram", n.ID)
			}
			return nil
		},
	}
}

func (SubDiagram) Run(ctx context.Context, req *handler.Request, inputs map[string]any) (any, error) {
	orch, err := handler.ServiceAs[Orchestrator](req, svcOrchestrator)
	if err != nil {
		return nil, err
	}
	n := req.Node
	name := n.StringProp("diagram_name", "")
	if name == "" {
		name = n.StringProp("diagram_path", "")
	}

	if n.BoolProp("batch", false) {
		return runBatch(ctx, orch, req, name, batchItems(n, inputs))
	}

	call := SubCall{
		NodeID:    n.ID,
		Name:      name,
		Variables: childVariables(req, inputs),
		ParentID:  req.ExecutionID,
	}
	env, err := orch.ExecuteDiagram(ctx, call)
	if err != nil {
		req.State["failed"] = true
		return envelope.ErrorText(err.Error(), "SubDiagramError",
			envelope.WithProducer(n.ID),
			envelope.WithTrace(req.ExecutionID),
			envelope.WithMetaEntries(map[string]any{"execution_status": "failed"}),
		), nil
	}
	return env, nil
}

func runBatch(ctx context.Context, orch Orchestrator, req *handler.Request, name string, items []any) (any, error) {
	results := make([]any, len(items))
	var failed int
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i, item := range items {
		wg.Add(1)
		go func(i int, item any) {
			defer wg.Done()
			vars := childVariables(req, nil)
			vars["item"] = item
			vars["index"] = i
			env, err := orch.ExecuteDiagram(ctx, SubCall{
				NodeID:    fmt.Sprintf("%s[%d]", req.Node.ID, i),
				Name:      name,
				Variables: vars,
				ParentID:  req.ExecutionID,
			})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failed++
				results[i] = map[string]any{
					"index":            i,
					"error":            err.Error(),
					"execution_status": "failed",
				}
				return
			}
			results[i] = handler.Value(env)
		}(i, item)
	}
	wg.Wait()

	req.State["batch_total"] = len(items)
	req.State["batch_failed"] = failed
	return results, nil
}

func (SubDiagram) SerializeOutput(req *handler.Request, result any) (*envelope.Envelope, error) {
	env := handler.Wrap(req, result)
	if total, ok := req.State["batch_total"].(int); ok {
		env = env.WithMeta(map[string]any{
			"batch_total":  total,
			"batch_failed": req.State["batch_failed"],
		})
	}
	return env, nil
}

// batchItems resolves the fan-out list: the configured input key
// first, then the single input when it already is a list.
func batchItems(n *diagram.Node, inputs map[string]any) []any {
	key := n.StringProp("batch_input_key", "items")
	if list, ok := inputs[key].([]any); ok {
		return list
	}
	if v, ok := firstValue(inputs); ok {
		if list, ok := v.([]any); ok {
			return list
		}
		if m, ok := v.(map[string]any); ok {
			if list, ok := m[key].([]any); ok {
				return list
			}
		}
	}
	return nil
}

// childVariables seeds a nested execution: parent variables under the
// input object when that is a map, otherwise the value under "input".
func childVariables(req *handler.Request, inputs map[string]any) map[string]any {
	vars := make(map[string]any, len(req.Variables)+2)
	for k, v := range req.Variables {
		vars[k] = v
	}
	if v, ok := firstValue(inputs); ok {
		if m, ok := v.(map[string]any); ok {
			for k, e := range m {
				vars[k] = e
			}
		} else if v != nil {
			vars["input"] = v
		}
	}
	return vars
}
