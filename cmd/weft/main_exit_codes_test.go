package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/loomworks/weft/internal/execution"
	"github.com/loomworks/weft/internal/statestore"
)

func TestParseVar(t *testing.T) {
	key, value, err := parseVar("region=east")
	if err != nil {
		t.Fatalf("parseVar: %v", err)
	}
	if key != "region" || value != "east" {
		t.Fatalf("parseVar = %q, %q, want region, east", key, value)
	}

	_, value, err = parseVar("query=a=b")
	if err != nil {
		t.Fatalf("parseVar: %v", err)
	}
	if value != "a=b" {
		t.Fatalf("value = %q, want a=b", value)
	}

	if _, _, err := parseVar("novalue"); err == nil {
		t.Fatal("expected error for spec without =")
	}
	if _, _, err := parseVar("=x"); err == nil {
		t.Fatal("expected error for empty key")
	}
}

func writeDiagramFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write diagram: %v", err)
	}
	return path
}

func TestValidateAcceptsWellFormedDiagram(t *testing.T) {
	path := writeDiagramFile(t, "pipeline.yaml", `version: light
nodes:
  - id: s
    type: start
  - id: out
    type: endpoint
arrows:
  - from: s
    to: out
`)
	var stdout, stderr bytes.Buffer
	if code := runValidate([]string{"--diagram", path}, &stdout, &stderr); code != 0 {
		t.Fatalf("exit code = %d, want 0 (stderr: %s)", code, stderr.String())
	}
	if !strings.Contains(stdout.String(), "ok: pipeline.yaml") {
		t.Fatalf("stdout = %q, want ok line", stdout.String())
	}
}

func TestValidateRejectsDanglingArrow(t *testing.T) {
	path := writeDiagramFile(t, "broken.yaml", `version: light
nodes:
  - id: s
    type: start
arrows:
  - from: s
    to: ghost
`)
	var stdout, stderr bytes.Buffer
	if code := runValidate([]string{"--diagram", path}, &stdout, &stderr); code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}
	if !strings.Contains(stderr.String(), "missing to-node") {
		t.Fatalf("stderr = %q, want missing to-node diagnostic", stderr.String())
	}
}

func TestValidateUsageErrors(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if code := runValidate(nil, &stdout, &stderr); code != 2 {
		t.Fatalf("exit code = %d, want 2 for missing --diagram", code)
	}
	if code := runValidate([]string{"--wat"}, &stdout, &stderr); code != 2 {
		t.Fatalf("exit code = %d, want 2 for unknown arg", code)
	}
}

// seedStore creates a state database holding one completed execution
// and returns its path.
func seedStore(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "state.db")
	store, err := statestore.Open(path, nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	if _, err := store.CreateExecution(ctx, "exec_cli", "pipeline", map[string]any{"region": "east"}); err != nil {
		t.Fatalf("create execution: %v", err)
	}
	if err := store.UpdateNodeStatus(ctx, "exec_cli", "s", execution.NodeRunning, ""); err != nil {
		t.Fatalf("node running: %v", err)
	}
	if err := store.UpdateNodeStatus(ctx, "exec_cli", "s", execution.NodeDone, ""); err != nil {
		t.Fatalf("node done: %v", err)
	}
	if err := store.UpdateStatus(ctx, "exec_cli", execution.StatusCompleted, ""); err != nil {
		t.Fatalf("update status: %v", err)
	}
	return path
}

func TestListShowsSeededExecution(t *testing.T) {
	path := seedStore(t)
	var stdout, stderr bytes.Buffer
	if code := runList([]string{"--db", path}, &stdout, &stderr); code != 0 {
		t.Fatalf("exit code = %d, want 0 (stderr: %s)", code, stderr.String())
	}
	out := stdout.String()
	if !strings.Contains(out, "exec_cli") || !strings.Contains(out, "completed") {
		t.Fatalf("stdout = %q, want exec_cli completed row", out)
	}
}

func TestListFiltersByStatus(t *testing.T) {
	path := seedStore(t)
	var stdout, stderr bytes.Buffer
	if code := runList([]string{"--db", path, "--status", "failed"}, &stdout, &stderr); code != 0 {
		t.Fatalf("exit code = %d, want 0", code)
	}
	if stdout.Len() != 0 {
		t.Fatalf("stdout = %q, want no rows for failed filter", stdout.String())
	}

	if code := runList([]string{"--db", path, "--status", "sideways"}, &stdout, &stderr); code != 2 {
		t.Fatalf("exit code = %d, want 2 for unknown status", code)
	}
}

func TestShowPrintsExecutionDetail(t *testing.T) {
	path := seedStore(t)
	var stdout, stderr bytes.Buffer
	if code := runShow([]string{"--db", path, "--id", "exec_cli"}, &stdout, &stderr); code != 0 {
		t.Fatalf("exit code = %d, want 0 (stderr: %s)", code, stderr.String())
	}
	out := stdout.String()
	for _, want := range []string{
		"execution_id=exec_cli",
		"status=completed",
		"diagram_id=pipeline",
		"node.s=completed count=1",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("stdout missing %q:\n%s", want, out)
		}
	}
}

func TestShowJSON(t *testing.T) {
	path := seedStore(t)
	var stdout, stderr bytes.Buffer
	if code := runShow([]string{"--db", path, "--id", "exec_cli", "--json"}, &stdout, &stderr); code != 0 {
		t.Fatalf("exit code = %d, want 0 (stderr: %s)", code, stderr.String())
	}
	var decoded map[string]any
	if err := json.Unmarshal(stdout.Bytes(), &decoded); err != nil {
		t.Fatalf("decode json: %v", err)
	}
	if decoded["id"] != "exec_cli" {
		t.Fatalf("id = %v, want exec_cli", decoded["id"])
	}
}

func TestShowUnknownExecution(t *testing.T) {
	path := seedStore(t)
	var stdout, stderr bytes.Buffer
	if code := runShow([]string{"--db", path, "--id", "exec_ghost"}, &stdout, &stderr); code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}
	if code := runShow([]string{"--db", path}, &stdout, &stderr); code != 2 {
		t.Fatalf("exit code = %d, want 2 for missing --id", code)
	}
}

func TestCleanupReportsRemovals(t *testing.T) {
	path := seedStore(t)
	var stdout, stderr bytes.Buffer
	if code := runCleanup([]string{"--db", path}, &stdout, &stderr); code != 0 {
		t.Fatalf("exit code = %d, want 0 (stderr: %s)", code, stderr.String())
	}
	if got := strings.TrimSpace(stdout.String()); got != "removed=0" {
		t.Fatalf("stdout = %q, want removed=0", got)
	}

	if code := runCleanup([]string{"--db", path, "--days", "0"}, &stdout, &stderr); code != 2 {
		t.Fatalf("exit code = %d, want 2 for non-positive --days", code)
	}
}
