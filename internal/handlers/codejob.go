package handlers

import (
	"context"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/loomworks/weft/internal/handler"
)

// CodeJob evaluates an inline expression over the inputs and
// variables. There is no sandboxed interpreter; the expression
// language is the whole surface.
type CodeJob struct {
	handler.BaseHandler

	programs sync.Map // code source → *vm.Program
}

func (*CodeJob) Spec() handler.Spec {
	return handler.Spec{
		NodeType:    "code_job",
		Description: "inline expression over inputs",
		Validate: func(req *handler.Request) error {
			return handler.RequireStringProp(req.Node, "code")
		},
	}
}

func (c *CodeJob) Run(ctx context.Context, req *handler.Request, inputs map[string]any) (any, error) {
	src := req.Node.StringProp("code", "")
	program, err := c.compiled(src)
	if err != nil {
		return nil, handler.ValueError("code_job node %q: %v", req.Node.ID, err)
	}
	out, err := expr.Run(program, evalScope(req, inputs))
	if err != nil {
		return nil, handler.ValueError("code_job node %q: %v", req.Node.ID, err)
	}
	return out, nil
}

func (c *CodeJob) compiled(src string) (*vm.Program, error) {
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
