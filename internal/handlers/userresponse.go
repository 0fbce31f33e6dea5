package handlers

import (
	"context"
	"errors"
	"time"

	"github.com/loomworks/weft/internal/envelope"
	"github.com/loomworks/weft/internal/handler"
	"github.com/loomworks/weft/internal/registry"
)

// PromptFunc asks the user a question and returns the answer. The CLI
// registers a terminal-backed one; tests register canned answers.
type PromptFunc func(ctx context.Context, prompt string) (string, error)

// UserResponse pauses the flow for user input. On timeout the node
// completes with an empty response and meta.warning instead of
// failing, so unattended runs finish.
type UserResponse struct {
	handler.BaseHandler
}

func (UserResponse) Spec() handler.Spec {
	return handler.Spec{
		NodeType:    "user_response",
		Description: "prompts the user and waits for the answer",
		Services: []handler.ServiceDep{
			{Name: svcPrompt, Key: registry.KeyUserPrompt, Required: true},
		},
	}
}

func (UserResponse) Run(ctx context.Context, req *handler.Request, inputs map[string]any) (any, error) {
	ask, err := handler.ServiceAs[PromptFunc](req, svcPrompt)
	if err != nil {
		return nil, err
	}
	n := req.Node

	prompt := n.StringProp("prompt", "")
	if prompt == "" {
		if v, ok := firstValue(inputs); ok {
			prompt = textOf(v)
		}
	}
	rendered, rerr := renderWith(req, prompt, evalScope(req, inputs))
	if rerr == nil {
		prompt = rendered
	}

	if v := n.IntProp("timeout", 0); v > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(v)*time.Second)
		defer cancel()
	}

	answer, err := ask(ctx, prompt)
	if errors.Is(err, context.DeadlineExceeded) {
		req.State["warning"] = "user response timed out; continuing with empty input"
		return "", nil
	}
	if err != nil {
		return nil, err
	}
	return answer, nil
}

func (UserResponse) SerializeOutput(req *handler.Request, result any) (*envelope.Envelope, error) {
	env := handler.Wrap(req, result)
	if w, ok := req.State["warning"].(string); ok {
		env = env.WithMetaValue("warning", w)
	}
	return env, nil
}
