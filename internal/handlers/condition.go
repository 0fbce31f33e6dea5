package handlers

import (
	"context"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/loomworks/weft/internal/diagram"
	"github.com/loomworks/weft/internal/envelope"
	"github.com/loomworks/weft/internal/execution"
	"github.com/loomworks/weft/internal/handler"
)

// Condition evaluates a boolean over the inputs and routes the result:
// true exits on condtrue, false on condfalse. condition_type
// detect_max_iterations is true once every upstream producer has
// exhausted its loop budget, which is how loops terminate cleanly.
type Condition struct {
	handler.BaseHandler

	programs sync.Map // expression source → *vm.Program
}

func (*Condition) Spec() handler.Spec {
	return handler.Spec{
		NodeType:    "condition",
		Description: "boolean branch on an expression or loop exhaustion",
		Validate: func(req *handler.Request) error {
			n := req.Node
			if n.StringProp("condition_type", "") == "detect_max_iterations" {
				return nil
			}
			if strings.TrimSpace(n.StringProp("expression", "")) == "" {
				return handler.ValueError("condition node %q needs expression or condition_type=detect_max_iterations", n.ID)
			}
			return nil
		},
	}
}

func (c *Condition) Run(ctx context.Context, req *handler.Request, inputs map[string]any) (any, error) {
	var result bool
	if req.Node.StringProp("condition_type", "") == "detect_max_iterations" {
		result = upstreamExhausted(req)
	} else {
		v, err := c.evaluate(req, inputs)
		if err != nil {
			return nil, err
		}
		result = v
	}
	req.State["result"] = result

	// The branch carries the condition's input onward so downstream
	// nodes see the data, not the boolean.
	if v, ok := firstValue(inputs); ok {
		return v, nil
	}
	return result, nil
}

func (c *Condition) evaluate(req *handler.Request, inputs map[string]any) (bool, error) {
	src := req.Node.StringProp("expression", "")
	program, err := c.compiled(src)
	if err != nil {
		return false, handler.ValueError("condition node %q: %v", req.Node.ID, err)
	}
	out, err := expr.Run(program, evalScope(req, inputs))
	if err != nil {
		return false, handler.ValueError("condition node %q: %v", req.Node.ID, err)
	}
	b, ok := out.(bool)
	if !ok {
		return false, handler.ValueError("condition node %q: expression yielded %T, not bool", req.Node.ID, out)
	}
	return b, nil
}

func (c *Condition) compiled(src string) (*vm.Program, error) {
	if p, ok := c.programs.Load(src); ok {
		return p.(*vm.Program), nil
	}
	program, err := expr.Compile(src, expr.AllowUndefinedVariables())
	if err != nil {
		return nil, err
	}
	c.programs.Store(src, program)
	return program, nil
}

func (c *Condition) SerializeOutput(req *handler.Request, result any) (*envelope.Envelope, error) {
	env := handler.Wrap(req, result)
	if b, ok := req.State["result"].(bool); ok {
		env = env.WithMetaValue("condition_result", b)
	}
	return env, nil
}

// PostExecute routes to condtrue or condfalse instead of the default
// port. Error envelopes take the false branch so diagrams can react.
func (c *Condition) PostExecute(ctx context.Context, req *handler.Request, out *envelope.Envelope) *envelope.Envelope {
	if out == nil {
		return nil
	}
	port := diagram.PortCondFalse
	if b, ok := req.State["result"].(bool); ok && b {
		port = diagram.PortCondTrue
	}
	out = out.WithBranch(port)
	req.EmitOutputs(map[string]*envelope.Envelope{port: out})
	return out
}

// upstreamExhausted reports whether every direct producer feeding the
// condition has finished looping: already MAXITER_REACHED, or out of
// iterations for the current epoch. Conditions with no producers never
// detect exhaustion.
func upstreamExhausted(req *handler.Request) bool {
	if req.Diagram == nil || req.Tracker == nil {
		return false
	}
	producers := map[string]bool{}
	for _, a := range req.Diagram.Incoming(req.Node.ID) {
		if a.From != req.Node.ID {
			producers[a.From] = true
		}
	}
	if len(producers) == 0 {
		return false
	}
	for id := range producers {
		if st, ok := req.Tracker.GetNodeState(id); ok && st.Status == execution.NodeMaxIter {
			continue
		}
		limit := 0
		if n := req.Diagram.Nodes[id]; n != nil {
			limit = n.MaxIteration
		}
		if req.Tracker.CanExecuteInLoop(id, req.Epoch, limit) {
			return false
		}
	}
	return true
}
