package statestore

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/loomworks/weft/internal/execution"
)

func openTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "state.db")
	s, err := Open(path, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s, path
}

func TestCreateAndGetState(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	st, err := s.CreateExecution(ctx, "exec_1", "diag", map[string]any{"k": "v"})
	if err != nil {
		t.Fatalf("CreateExecution: %v", err)
	}
	if st.Status != execution.StatusPending {
		t.Fatalf("status: got %q want %q", st.Status, execution.StatusPending)
	}
	if !st.IsActive {
		t.Fatalf("new execution should be active")
	}

	got, err := s.GetState(ctx, "exec_1")
	if err != nil {
		t.Fatalf("GetState: %v", err)
	}
	if got.DiagramID != "diag" {
		t.Fatalf("diagram id: got %q want %q", got.DiagramID, "diag")
	}
	if got.Variables["k"] != "v" {
		t.Fatalf("variables: got %v", got.Variables)
	}
}

func TestCreateDuplicateExecutionFails(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	if _, err := s.CreateExecution(ctx, "exec_dup", "d", nil); err != nil {
		t.Fatalf("CreateExecution: %v", err)
	}
	if _, err := s.CreateExecution(ctx, "exec_dup", "d", nil); err == nil {
		t.Fatalf("duplicate create should fail")
	}
}

func TestGetStateUnknownExecution(t *testing.T) {
	s, _ := openTestStore(t)
	if _, err := s.GetState(context.Background(), "exec_missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("got %v want ErrNotFound", err)
	}
}

func TestStateSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	ctx := context.Background()

	s, err := Open(path, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := s.CreateExecution(ctx, "exec_r", "diag", map[string]any{"n": float64(3)}); err != nil {
		t.Fatalf("CreateExecution: %v", err)
	}
	if err := s.UpdateNodeStatus(ctx, "exec_r", "a", execution.NodeRunning, ""); err != nil {
		t.Fatalf("UpdateNodeStatus: %v", err)
	}
	if _, err := s.UpdateNodeOutput(ctx, "exec_r", "a", "hello", false, nil); err != nil {
		t.Fatalf("UpdateNodeOutput: %v", err)
	}
	if err := s.UpdateNodeStatus(ctx, "exec_r", "a", execution.NodeDone, ""); err != nil {
		t.Fatalf("UpdateNodeStatus: %v", err)
	}
	if err := s.UpdateStatus(ctx, "exec_r", execution.StatusCompleted, ""); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s2, err := Open(path, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()

	got, err := s2.GetState(ctx, "exec_r")
	if err != nil {
		t.Fatalf("GetState after reopen: %v", err)
	}
	if got.Status != execution.StatusCompleted {
		t.Fatalf("status: got %q want %q", got.Status, execution.StatusCompleted)
	}
	if got.EndedAt == nil {
		t.Fatalf("terminal status should stamp ended_at")
	}
	if got.IsActive {
		t.Fatalf("terminal execution should be inactive")
	}
	if got.ExecCounts["a"] != 1 {
		t.Fatalf("exec count: got %d want 1", got.ExecCounts["a"])
	}
	if ns := got.NodeStates["a"]; ns == nil || ns.Status != execution.NodeDone {
		t.Fatalf("node state: got %+v", ns)
	}
	env, err := s2.GetNodeOutput(ctx, "exec_r", "a")
	if err != nil {
		t.Fatalf("GetNodeOutput: %v", err)
	}
	if env.AsText() != "hello" {
		t.Fatalf("output: got %q want %q", env.AsText(), "hello")
	}
}

func TestUpdateNodeOutputWrapping(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()
	if _, err := s.CreateExecution(ctx, "exec_w", "d", nil); err != nil {
		t.Fatalf("CreateExecution: %v", err)
	}

	env, err := s.UpdateNodeOutput(ctx, "exec_w", "n1", "plain", false, nil)
	if err != nil {
		t.Fatalf("UpdateNodeOutput string: %v", err)
	}
	if env.IsError() {
		t.Fatalf("plain string should not wrap as error")
	}
	if env.ProducedBy != "n1" {
		t.Fatalf("produced_by: got %q want %q", env.ProducedBy, "n1")
	}

	env, err = s.UpdateNodeOutput(ctx, "exec_w", "n2", errors.New("boom"), false, nil)
	if err != nil {
		t.Fatalf("UpdateNodeOutput error: %v", err)
	}
	if !env.IsError() || env.ErrorMessage() != "boom" {
		t.Fatalf("error wrap: IsError=%v msg=%q", env.IsError(), env.ErrorMessage())
	}

	env, err = s.UpdateNodeOutput(ctx, "exec_w", "n3", "bad state", true, nil)
	if err != nil {
		t.Fatalf("UpdateNodeOutput exception: %v", err)
	}
	if !env.IsError() || env.ErrorType() != "Exception" {
		t.Fatalf("exception wrap: IsError=%v type=%q", env.IsError(), env.ErrorType())
	}

	env, err = s.UpdateNodeOutput(ctx, "exec_w", "n4", map[string]any{"x": 1}, false, nil)
	if err != nil {
		t.Fatalf("UpdateNodeOutput object: %v", err)
	}
	body, err := env.AsJSON()
	if err != nil {
		t.Fatalf("AsJSON: %v", err)
	}
	obj, ok := body.(map[string]any)
	if !ok {
		t.Fatalf("object wrap: got %T", body)
	}
	if obj["x"] != float64(1) && obj["x"] != 1 {
		t.Fatalf("object body: got %v", obj)
	}
}

func TestUpdateNodeOutputAccumulatesUsage(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()
	if _, err := s.CreateExecution(ctx, "exec_u", "d", nil); err != nil {
		t.Fatalf("CreateExecution: %v", err)
	}

	u := &execution.TokenUsage{Input: 10, Output: 5}
	if _, err := s.UpdateNodeOutput(ctx, "exec_u", "n", "x", false, u); err != nil {
		t.Fatalf("UpdateNodeOutput: %v", err)
	}
	if err := s.AddLLMUsage(ctx, "exec_u", execution.TokenUsage{Input: 1, Output: 2}); err != nil {
		t.Fatalf("AddLLMUsage: %v", err)
	}

	st, err := s.GetState(ctx, "exec_u")
	if err != nil {
		t.Fatalf("GetState: %v", err)
	}
	if st.LLMUsage.Input != 11 || st.LLMUsage.Output != 7 {
		t.Fatalf("usage: got %+v", st.LLMUsage)
	}
	if st.LLMUsage.Total != 18 {
		t.Fatalf("usage total: got %d want 18", st.LLMUsage.Total)
	}
}

func TestExecutedNodesAppendOnce(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()
	if _, err := s.CreateExecution(ctx, "exec_e", "d", nil); err != nil {
		t.Fatalf("CreateExecution: %v", err)
	}

	for _, node := range []string{"a", "b", "a"} {
		if err := s.UpdateNodeStatus(ctx, "exec_e", node, execution.NodeRunning, ""); err != nil {
			t.Fatalf("UpdateNodeStatus(%s): %v", node, err)
		}
	}

	st, err := s.GetState(ctx, "exec_e")
	if err != nil {
		t.Fatalf("GetState: %v", err)
	}
	if len(st.ExecutedNodes) != 2 || st.ExecutedNodes[0] != "a" || st.ExecutedNodes[1] != "b" {
		t.Fatalf("executed nodes: got %v want [a b]", st.ExecutedNodes)
	}
	if st.ExecCounts["a"] != 2 {
		t.Fatalf("exec count for a: got %d want 2", st.ExecCounts["a"])
	}
}

func TestUpdateVariablesMerges(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()
	if _, err := s.CreateExecution(ctx, "exec_v", "d", map[string]any{"a": "1"}); err != nil {
		t.Fatalf("CreateExecution: %v", err)
	}
	if err := s.UpdateVariables(ctx, "exec_v", map[string]any{"b": "2", "a": "3"}); err != nil {
		t.Fatalf("UpdateVariables: %v", err)
	}
	st, err := s.GetState(ctx, "exec_v")
	if err != nil {
		t.Fatalf("GetState: %v", err)
	}
	if st.Variables["a"] != "3" || st.Variables["b"] != "2" {
		t.Fatalf("variables: got %v", st.Variables)
	}
}

func TestListExecutionsFiltersAndOrders(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		id := fmt.Sprintf("exec_l%d", i)
		if _, err := s.CreateExecution(ctx, id, "diag-a", nil); err != nil {
			t.Fatalf("CreateExecution: %v", err)
		}
		// Distinct started_at so ordering is deterministic.
		time.Sleep(5 * time.Millisecond)
	}
	if _, err := s.CreateExecution(ctx, "exec_other", "diag-b", nil); err != nil {
		t.Fatalf("CreateExecution: %v", err)
	}
	if err := s.UpdateStatus(ctx, "exec_l1", execution.StatusCompleted, ""); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}

	all, err := s.ListExecutions(ctx, ListFilter{})
	if err != nil {
		t.Fatalf("ListExecutions: %v", err)
	}
	if len(all) != 4 {
		t.Fatalf("list all: got %d want 4", len(all))
	}

	byDiagram, err := s.ListExecutions(ctx, ListFilter{DiagramID: "diag-a"})
	if err != nil {
		t.Fatalf("ListExecutions by diagram: %v", err)
	}
	if len(byDiagram) != 3 {
		t.Fatalf("list by diagram: got %d want 3", len(byDiagram))
	}
	// Newest first.
	if byDiagram[0].ID != "exec_l2" {
		t.Fatalf("order: got %q first want exec_l2", byDiagram[0].ID)
	}

	done, err := s.ListExecutions(ctx, ListFilter{Status: execution.StatusCompleted})
	if err != nil {
		t.Fatalf("ListExecutions by status: %v", err)
	}
	if len(done) != 1 || done[0].ID != "exec_l1" {
		t.Fatalf("list by status: got %v", done)
	}

	limited, err := s.ListExecutions(ctx, ListFilter{Limit: 2})
	if err != nil {
		t.Fatalf("ListExecutions limited: %v", err)
	}
	if len(limited) != 2 {
		t.Fatalf("limit: got %d want 2", len(limited))
	}
}

func TestListExecutionsOrdersWithinOneSecond(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	// A whole-second timestamp must sort before a fractional one in the
	// same second. A trimmed-fraction encoding breaks this: "...05Z"
	// compares greater than "...05.1Z" as a string.
	base := time.Date(2026, 8, 25, 12, 0, 5, 0, time.UTC)
	whole := execution.NewState("exec_whole", "diag-s", nil)
	whole.StartedAt = base
	frac := execution.NewState("exec_frac", "diag-s", nil)
	frac.StartedAt = base.Add(100 * time.Millisecond)
	for _, st := range []*execution.State{whole, frac} {
		if err := s.SaveState(ctx, st); err != nil {
			t.Fatalf("SaveState %s: %v", st.ID, err)
		}
	}

	got, err := s.ListExecutions(ctx, ListFilter{DiagramID: "diag-s"})
	if err != nil {
		t.Fatalf("ListExecutions: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d executions, want 2", len(got))
	}
	// Newest first.
	if got[0].ID != "exec_frac" || got[1].ID != "exec_whole" {
		t.Fatalf("order = [%s, %s], want [exec_frac, exec_whole]", got[0].ID, got[1].ID)
	}
}

func TestCleanupOldStates(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	old := execution.NewState("exec_old", "d", nil)
	old.StartedAt = time.Now().UTC().AddDate(0, 0, -10)
	if err := s.SaveState(ctx, old); err != nil {
		t.Fatalf("SaveState: %v", err)
	}
	if _, err := s.CreateExecution(ctx, "exec_new", "d", nil); err != nil {
		t.Fatalf("CreateExecution: %v", err)
	}

	removed, err := s.CleanupOldStates(ctx, 7)
	if err != nil {
		t.Fatalf("CleanupOldStates: %v", err)
	}
	if removed != 1 {
		t.Fatalf("removed: got %d want 1", removed)
	}
	if _, err := s.GetState(ctx, "exec_old"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("old execution should be gone, got %v", err)
	}
	if _, err := s.GetState(ctx, "exec_new"); err != nil {
		t.Fatalf("new execution should survive: %v", err)
	}
}

func TestPersistFinalStateEvictsCache(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	st, err := s.CreateExecution(ctx, "exec_f", "d", nil)
	if err != nil {
		t.Fatalf("CreateExecution: %v", err)
	}
	st.Status = execution.StatusCompleted
	if err := s.PersistFinalState(ctx, st); err != nil {
		t.Fatalf("PersistFinalState: %v", err)
	}

	got, err := s.GetState(ctx, "exec_f")
	if err != nil {
		t.Fatalf("GetState after final: %v", err)
	}
	if got.IsActive {
		t.Fatalf("final state should be inactive")
	}
	if got.EndedAt == nil {
		t.Fatalf("final state should have ended_at")
	}
}

func TestClosedStoreRefusesWrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	s, err := Open(path, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close should be a no-op: %v", err)
	}
	if _, err := s.CreateExecution(context.Background(), "exec_c", "d", nil); !errors.Is(err, ErrClosed) {
		t.Fatalf("got %v want ErrClosed", err)
	}
}

func TestConcurrentWritersSerialize(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()
	if _, err := s.CreateExecution(ctx, "exec_p", "d", nil); err != nil {
		t.Fatalf("CreateExecution: %v", err)
	}

	var wg sync.WaitGroup
	const workers = 8
	const rounds = 10
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			node := fmt.Sprintf("n%d", w)
			for i := 0; i < rounds; i++ {
				if err := s.UpdateNodeStatus(ctx, "exec_p", node, execution.NodeRunning, ""); err != nil {
					t.Errorf("UpdateNodeStatus: %v", err)
					return
				}
			}
		}(w)
	}
	wg.Wait()

	st, err := s.GetState(ctx, "exec_p")
	if err != nil {
		t.Fatalf("GetState: %v", err)
	}
	for w := 0; w < workers; w++ {
		node := fmt.Sprintf("n%d", w)
		if st.ExecCounts[node] != rounds {
			t.Fatalf("exec count %s: got %d want %d", node, st.ExecCounts[node], rounds)
		}
	}
	if len(st.ExecutedNodes) != workers {
		t.Fatalf("executed nodes: got %d want %d", len(st.ExecutedNodes), workers)
	}
}

func TestUpdateMetricsReplaces(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()
	if _, err := s.CreateExecution(ctx, "exec_m", "d", nil); err != nil {
		t.Fatalf("CreateExecution: %v", err)
	}
	if err := s.UpdateMetrics(ctx, "exec_m", map[string]any{"total_nodes": 4}); err != nil {
		t.Fatalf("UpdateMetrics: %v", err)
	}
	if err := s.UpdateMetrics(ctx, "exec_m", map[string]any{"total_nodes": 5}); err != nil {
		t.Fatalf("UpdateMetrics: %v", err)
	}
	st, err := s.GetState(ctx, "exec_m")
	if err != nil {
		t.Fatalf("GetState: %v", err)
	}
	if got := st.Metrics["total_nodes"]; got != 5 && got != float64(5) {
		t.Fatalf("metrics: got %v want 5", got)
	}
}
