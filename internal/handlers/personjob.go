package handlers

import (
	"context"

	"github.com/loomworks/weft/internal/envelope"
	"github.com/loomworks/weft/internal/execution"
	"github.com/loomworks/weft/internal/handler"
	"github.com/loomworks/weft/internal/llm"
	"github.com/loomworks/weft/internal/registry"
)

var personJobSchema = []byte(`{
	"type": "object",
	"properties": {
		"prompt": {"type": "string"},
		"first_only_prompt": {"type": "string"},
		"system_prompt": {"type": "string"},
		"model": {"type": "string"},
		"temperature": {"type": "number", "minimum": 0},
		"max_tokens": {"type": "integer", "minimum": 0}
	},
	"anyOf": [
		{"required": ["prompt"]},
		{"required": ["first_only_prompt"]}
	]
}`)

// PersonJob sends a prompt to the LLM service. On the node's first run
// first_only_prompt wins when present; later iterations use prompt.
// Inbound conversation envelopes contribute prior turns, and the reply
// is stamped with the token usage it cost.
type PersonJob struct {
	handler.BaseHandler
}

func (PersonJob) Spec() handler.Spec {
	return handler.Spec{
		NodeType:    "person_job",
		Description: "LLM completion with per-iteration prompts",
		Schema:      personJobSchema,
		Services: []handler.ServiceDep{
			{Name: svcLLM, Key: registry.KeyLLMService, Required: true},
			{Name: svcTemplates, Key: registry.KeyTemplateRenderer},
		},
	}
}

func (PersonJob) Run(ctx context.Context, req *handler.Request, inputs map[string]any) (any, error) {
	svc, err := handler.ServiceAs[llm.Completer](req, svcLLM)
	if err != nil {
		return nil, err
	}
	n := req.Node

	prompt := n.StringProp("prompt", "")
	if req.Iteration <= 1 {
		if p := n.StringProp("first_only_prompt", ""); p != "" {
			prompt = p
		}
	}
	if prompt == "" {
		// Loops configured with only a first-run prompt keep feeding
		// the conversation on later iterations.
		prompt = n.StringProp("first_only_prompt", "")
	}
	if prompt == "" {
		return nil, handler.ValueError("person_job node %q has no prompt for iteration %d", n.ID, req.Iteration)
	}

	rendered, err := renderWith(req, prompt, evalScope(req, inputs))
	if err != nil {
		return nil, handler.ValueError("person_job node %q: %v", n.ID, err)
	}

	messages := append(priorTurns(req), llm.Message{Role: llm.RoleUser, Content: rendered})
	reply, usage, err := svc.Complete(ctx, llm.Request{
		Model:       n.StringProp("model", ""),
		System:      n.StringProp("system_prompt", ""),
		Messages:    messages,
		Temperature: float32(floatProp(n.Props["temperature"])),
		MaxTokens:   n.IntProp("max_tokens", 0),
	})
	if err != nil {
		return nil, err
	}
	req.State["usage"] = usage
	return reply.Text, nil
}

func (PersonJob) SerializeOutput(req *handler.Request, result any) (*envelope.Envelope, error) {
	env := handler.Wrap(req, result).WithIteration(req.Iteration)
	if u, ok := req.State["usage"].(execution.TokenUsage); ok {
		env = handler.StampUsage(env, u)
	}
	return env, nil
}

// priorTurns extracts earlier conversation turns from inbound
// conversation envelopes: a "messages" list of {role, content} maps.
func priorTurns(req *handler.Request) []llm.Message {
	var out []llm.Message
	for _, env := range req.Inputs {
		if env == nil || env.ContentType != envelope.TypeConversationState {
			continue
		}
		state := env.AsConversation()
		list, ok := state["messages"].([]any)
		if !ok {
			continue
		}
		for _, e := range list {
			m, ok := e.(map[string]any)
			if !ok {
				continue
			}
			role, _ := m["role"].(string)
			content, _ := m["content"].(string)
			if content != "" {
				out = append(out, llm.Message{Role: role, Content: content})
			}
		}
	}
	return out
}

func floatProp(v any) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case float32:
		return float64(t)
	case int:
		return float64(t)
	case int64:
		return float64(t)
	}
	return 0
}
