package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/loomworks/weft/internal/apiclient"
	"github.com/loomworks/weft/internal/diagram"
	"github.com/loomworks/weft/internal/envelope"
	"github.com/loomworks/weft/internal/registry"
)

func TestHookShellCapturesStdout(t *testing.T) {
	rig := newRig(t, "hook", map[string]any{
		"command": "echo warp $WEFT_TEST_VAR",
		"env":     map[string]any{"WEFT_TEST_VAR": "weft"},
	})

	out, err := rig.invoke(t, &Hook{}, rig.request())
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if got := out.AsText(); got != "warp weft" {
		t.Fatalf("stdout = %q, want %q", got, "warp weft")
	}
	if code, _ := out.MetaValue("exit_code"); code != 0 {
		t.Fatalf("exit_code meta = %v, want 0", code)
	}
}

func TestHookShellReceivesInputOnStdin(t *testing.T) {
	rig := newRig(t, "hook", map[string]any{"command": "cat"})
	rig.bus.Deposit("n1", diagram.PortDefault, envelope.Text("piped in"))

	out, err := rig.invoke(t, &Hook{}, rig.request())
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if got := out.AsText(); got != "piped in" {
		t.Fatalf("stdout = %q", got)
	}
}

func TestHookShellNonZeroExitFails(t *testing.T) {
	rig := newRig(t, "hook", map[string]any{"command": "echo boom >&2; exit 3"})

	out, err := rig.invoke(t, &Hook{}, rig.request())
	if err == nil {
		t.Fatalf("Invoke succeeded for exit 3")
	}
	if !out.IsError() {
		t.Fatalf("output is not an error envelope")
	}
}

func TestHookShellTimeoutIsTimeoutError(t *testing.T) {
	rig := newRig(t, "hook", map[string]any{"command": "sleep 5", "timeout": 1})

	out, err := rig.invoke(t, &Hook{}, rig.request())
	if err == nil {
		t.Fatalf("Invoke outlived its timeout")
	}
	if got := out.ErrorType(); got != "TimeoutError" {
		t.Fatalf("error_type = %q, want TimeoutError", got)
	}
}

func TestHookWebhookPostsInput(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	rig := newRig(t, "hook", map[string]any{"hook_type": "webhook", "url": srv.URL})
	rig.reg.Register(registry.KeyAPIInvoker, apiclient.New(nil))
	rig.bus.Deposit("n1", diagram.PortDefault, envelope.JSON(map[string]any{"event": "done"}))

	out, err := rig.invoke(t, &Hook{}, rig.request())
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if gotBody["event"] != "done" {
		t.Fatalf("webhook body = %v", gotBody)
	}
	if code, _ := out.MetaValue("status_code"); code != 202 {
		t.Fatalf("status_code meta = %v, want 202", code)
	}
}
