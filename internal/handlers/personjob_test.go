package handlers

import (
	"testing"

	"github.com/loomworks/weft/internal/diagram"
	"github.com/loomworks/weft/internal/envelope"
	"github.com/loomworks/weft/internal/execution"
	"github.com/loomworks/weft/internal/handler"
	"github.com/loomworks/weft/internal/llm"
	"github.com/loomworks/weft/internal/registry"
	"github.com/loomworks/weft/internal/template"
)

func TestPersonJobFirstOnlyPrompt(t *testing.T) {
	rig := newRig(t, "person_job", map[string]any{
		"prompt":            "continue the debate",
		"first_only_prompt": "open the debate about {{.topic}}",
		"model":             "gpt-test",
	})
	rec := llm.NewRecorder("opening", "rebuttal")
	rig.reg.Register(registry.KeyLLMService, rec)
	rig.reg.Register(registry.KeyTemplateRenderer, template.NewRenderer(false))

	req := rig.request()
	req.Variables = map[string]any{"topic": "tabs"}
	req.Iteration = 1
	out, err := rig.invoke(t, &PersonJob{}, req)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if got := out.AsText(); got != "opening" {
		t.Fatalf("reply = %q, want %q", got, "opening")
	}

	req2 := rig.request()
	req2.Iteration = 2
	if _, err := rig.invoke(t, &PersonJob{}, req2); err != nil {
		t.Fatalf("Invoke iteration 2: %v", err)
	}

	calls := rec.Calls()
	if len(calls) != 2 {
		t.Fatalf("llm calls = %d, want 2", len(calls))
	}
	if got := calls[0].Messages[0].Content; got != "open the debate about tabs" {
		t.Fatalf("first prompt = %q", got)
	}
	if got := calls[1].Messages[0].Content; got != "continue the debate" {
		t.Fatalf("second prompt = %q", got)
	}
	if calls[0].Model != "gpt-test" {
		t.Fatalf("model = %q, want gpt-test", calls[0].Model)
	}
}

func TestPersonJobStampsUsage(t *testing.T) {
	rig := newRig(t, "person_job", map[string]any{"prompt": "hi"})
	rec := llm.NewRecorder("hello")
	rec.SetUsage(execution.TokenUsage{Input: 7, Output: 5, Total: 12})
	rig.reg.Register(registry.KeyLLMService, rec)

	out, err := rig.invoke(t, &PersonJob{}, rig.request())
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	u := handler.UsageFromEnvelope(out)
	if u == nil {
		t.Fatalf("no usage stamped on output")
	}
	if u.Input != 7 || u.Output != 5 || u.Total != 12 {
		t.Fatalf("usage = %+v", u)
	}
	if v, _ := out.MetaValue("iteration"); v != 1 {
		t.Fatalf("iteration meta = %v, want 1", v)
	}
}

func TestPersonJobFeedsConversationTurns(t *testing.T) {
	rig := newRig(t, "person_job", map[string]any{"prompt": "and then?", "system_prompt": "be brief"})
	rec := llm.NewRecorder("done")
	rig.reg.Register(registry.KeyLLMService, rec)

	conv := envelope.Conv(map[string]any{
		"messages": []any{
			map[string]any{"role": "user", "content": "once upon a time"},
			map[string]any{"role": "assistant", "content": "a parser was born"},
		},
	})
	rig.bus.Deposit("n1", diagram.PortDefault, conv)

	if _, err := rig.invoke(t, &PersonJob{}, rig.request()); err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	call := rec.Calls()[0]
	if call.System != "be brief" {
		t.Fatalf("system = %q", call.System)
	}
	if len(call.Messages) != 3 {
		t.Fatalf("messages = %d, want prior 2 + prompt", len(call.Messages))
	}
	if call.Messages[1].Role != llm.RoleAssistant || call.Messages[1].Content != "a parser was born" {
		t.Fatalf("prior turn lost: %+v", call.Messages[1])
	}
	if call.Messages[2].Content != "and then?" {
		t.Fatalf("prompt turn = %+v", call.Messages[2])
	}
}

func TestPersonJobMissingServiceFailsNode(t *testing.T) {
	rig := newRig(t, "person_job", map[string]any{"prompt": "hi"})
	out, err := rig.invoke(t, &PersonJob{}, rig.request())
	if err == nil {
		t.Fatalf("Invoke succeeded without an llm service")
	}
	if got := out.ErrorType(); got != "RuntimeError" {
		t.Fatalf("error_type = %q, want RuntimeError", got)
	}
}
