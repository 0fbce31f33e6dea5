package handlers

import (
	"context"
	"testing"

	"github.com/loomworks/weft/internal/registry"
)

func TestUserResponseReturnsAnswer(t *testing.T) {
	var asked string
	ask := PromptFunc(func(ctx context.Context, prompt string) (string, error) {
		asked = prompt
		return "ship it", nil
	})
	rig := newRig(t, "user_response", map[string]any{"prompt": "Proceed?"})
	rig.reg.Register(registry.KeyUserPrompt, ask)

	out, err := rig.invoke(t, &UserResponse{}, rig.request())
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if asked != "Proceed?" {
		t.Fatalf("prompt = %q", asked)
	}
	if got := out.AsText(); got != "ship it" {
		t.Fatalf("answer = %q", got)
	}
	if _, warned := out.MetaValue("warning"); warned {
		t.Fatalf("unexpected warning on a normal answer")
	}
}

func TestUserResponseTimeoutContinuesEmpty(t *testing.T) {
	ask := PromptFunc(func(ctx context.Context, prompt string) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})
	rig := newRig(t, "user_response", map[string]any{"prompt": "Anyone there?", "timeout": 1})
	rig.reg.Register(registry.KeyUserPrompt, ask)

	out, err := rig.invoke(t, &UserResponse{}, rig.request())
	if err != nil {
		t.Fatalf("timeout failed the node: %v", err)
	}
	if got := out.AsText(); got != "" {
		t.Fatalf("answer = %q, want empty", got)
	}
	if _, warned := out.MetaValue("warning"); !warned {
		t.Fatalf("no warning stamped after timeout")
	}
}

func TestUserResponsePromptErrorFailsNode(t *testing.T) {
	ask := PromptFunc(func(ctx context.Context, prompt string) (string, error) {
		return "", context.Canceled
	})
	rig := newRig(t, "user_response", nil)
	rig.reg.Register(registry.KeyUserPrompt, ask)

	out, err := rig.invoke(t, &UserResponse{}, rig.request())
	if err == nil {
		t.Fatalf("Invoke swallowed the prompt error")
	}
	if got := out.ErrorType(); got != "CancelledError" {
		t.Fatalf("error_type = %q, want CancelledError", got)
	}
}
