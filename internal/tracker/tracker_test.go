package tracker

import (
	"testing"

	"github.com/loomworks/weft/internal/envelope"
	"github.com/loomworks/weft/internal/execution"
)

func TestRunningCompletedCycle(t *testing.T) {
	tr := New()
	tr.InitializeNode("n")

	if st, ok := tr.GetNodeState("n"); !ok || st.Status != execution.NodePending {
		t.Fatalf("after init: got %v %v", st, ok)
	}

	count := tr.TransitionToRunning("n", 0)
	if count != 1 {
		t.Fatalf("exec count: got %d want 1", count)
	}
	if !tr.HasRunningNodes() {
		t.Fatalf("expected running nodes")
	}

	out := envelope.Text("done", envelope.WithProducer("n"))
	usage := execution.TokenUsage{Input: 10, Output: 5}
	if err := tr.TransitionToCompleted("n", out, &usage); err != nil {
		t.Fatalf("complete: %v", err)
	}

	if st, _ := tr.GetNodeState("n"); st.Status != execution.NodeDone {
		t.Fatalf("status: got %v", st.Status)
	}
	got, ok := tr.GetLastOutput("n")
	if !ok || got.AsText() != "done" {
		t.Fatalf("last output: got %v %v", got, ok)
	}
	if u := tr.TotalUsage(); u.Input != 10 || u.Output != 5 || u.Total != 15 {
		t.Fatalf("usage: got %+v", u)
	}

	hist := tr.GetNodeExecutionHistory("n")
	if len(hist) != 1 {
		t.Fatalf("history: got %d records", len(hist))
	}
	if hist[0].Status != execution.CompletionSuccess || !hist[0].Ended() {
		t.Fatalf("record: got %+v", hist[0])
	}
}

func TestExecCountMatchesRecords(t *testing.T) {
	tr := New()
	tr.InitializeNode("n")
	for i := 0; i < 4; i++ {
		tr.TransitionToRunning("n", 0)
		if err := tr.TransitionToCompleted("n", envelope.Text("v"), nil); err != nil {
			t.Fatalf("run %d: %v", i, err)
		}
		tr.ResetNode("n")
	}
	if got := tr.GetExecutionCount("n"); got != 4 {
		t.Fatalf("count: got %d want 4", got)
	}
	if got := len(tr.GetNodeExecutionHistory("n")); got != 4 {
		t.Fatalf("records: got %d want 4", got)
	}
}

func TestCompletionRules(t *testing.T) {
	tr := New()
	tr.InitializeNode("n")
	if err := tr.TransitionToCompleted("n", nil, nil); err == nil {
		t.Fatalf("completing without a started record must fail")
	}
	tr.TransitionToRunning("n", 0)
	if err := tr.TransitionToCompleted("n", nil, nil); err != nil {
		t.Fatalf("first completion: %v", err)
	}
	if err := tr.TransitionToCompleted("n", nil, nil); err == nil {
		t.Fatalf("double completion must fail")
	}
	if err := tr.TransitionToFailed("n", "late"); err == nil {
		t.Fatalf("failing a completed record must fail")
	}
}

func TestExecutedOrderAppendsOnce(t *testing.T) {
	tr := New()
	tr.TransitionToRunning("a", 0)
	_ = tr.TransitionToCompleted("a", nil, nil)
	tr.TransitionToRunning("b", 0)
	_ = tr.TransitionToCompleted("b", nil, nil)
	tr.ResetNode("a")
	tr.TransitionToRunning("a", 0)
	_ = tr.TransitionToCompleted("a", nil, nil)

	order := tr.GetExecutionOrder()
	if len(order) != 2 || order[0] != "a" || order[1] != "b" {
		t.Fatalf("order: got %v want [a b]", order)
	}
	if !tr.HasExecuted("a") || tr.HasExecuted("zzz") {
		t.Fatalf("HasExecuted wrong")
	}
}

func TestResetPreservesCountsAndHistory(t *testing.T) {
	tr := New()
	tr.TransitionToRunning("n", 0)
	_ = tr.TransitionToCompleted("n", envelope.Text("keep"), nil)
	tr.ResetNode("n")

	if st, _ := tr.GetNodeState("n"); st.Status != execution.NodePending {
		t.Fatalf("status after reset: got %v", st.Status)
	}
	if got := tr.GetExecutionCount("n"); got != 1 {
		t.Fatalf("count after reset: got %d want 1", got)
	}
	if got := len(tr.GetNodeExecutionHistory("n")); got != 1 {
		t.Fatalf("history after reset: got %d want 1", got)
	}
	if env, ok := tr.GetLastOutput("n"); !ok || env.AsText() != "keep" {
		t.Fatalf("last output after reset: got %v %v", env, ok)
	}
}

func TestIterationCapsPerEpoch(t *testing.T) {
	tr := New()
	for i := 0; i < 3; i++ {
		if !tr.CanExecuteInLoop("n", 0, 3) {
			t.Fatalf("iteration %d should be allowed", i)
		}
		tr.TransitionToRunning("n", 0)
		_ = tr.TransitionToCompleted("n", nil, nil)
		tr.ResetNode("n")
	}
	if tr.CanExecuteInLoop("n", 0, 3) {
		t.Fatalf("fourth iteration in epoch 0 must be capped")
	}
	if got := tr.EpochIterations("n", 0); got != 3 {
		t.Fatalf("epoch iterations: got %d want 3", got)
	}
	// A fresh epoch resets the cap.
	if !tr.CanExecuteInLoop("n", 1, 3) {
		t.Fatalf("new epoch must allow execution")
	}
}

func TestDefaultIterationCap(t *testing.T) {
	tr := New()
	for i := 0; i < DefaultMaxIteration; i++ {
		tr.TransitionToRunning("n", 0)
		_ = tr.TransitionToCompleted("n", nil, nil)
		tr.ResetNode("n")
	}
	if tr.CanExecuteInLoop("n", 0, 0) {
		t.Fatalf("default cap of %d not enforced", DefaultMaxIteration)
	}
}

func TestMaxIterTransitionWithoutOpenRecord(t *testing.T) {
	tr := New()
	tr.TransitionToRunning("n", 0)
	_ = tr.TransitionToCompleted("n", envelope.Text("last"), nil)
	tr.ResetNode("n")

	tr.TransitionToMaxIter("n", nil)
	if st, _ := tr.GetNodeState("n"); st.Status != execution.NodeMaxIter {
		t.Fatalf("status: got %v", st.Status)
	}
	// No phantom record: counts still match history length.
	if c, h := tr.GetExecutionCount("n"), len(tr.GetNodeExecutionHistory("n")); c != 1 || h != 1 {
		t.Fatalf("counts/history: got %d/%d want 1/1", c, h)
	}
	if env, ok := tr.GetLastOutput("n"); !ok || env.AsText() != "last" {
		t.Fatalf("last output must survive maxiter: %v %v", env, ok)
	}
}

func TestSummary(t *testing.T) {
	tr := New()
	tr.TransitionToRunning("a", 0)
	_ = tr.TransitionToCompleted("a", envelope.Text("ok"), &execution.TokenUsage{Input: 3, Output: 4})
	tr.TransitionToRunning("b", 0)
	_ = tr.TransitionToFailed("b", "boom")
	tr.InitializeNode("c")
	tr.TransitionToSkipped("c")

	s := tr.GetExecutionSummary()
	if s.TotalNodes != 3 || s.Completed != 1 || s.Failed != 1 || s.Skipped != 1 {
		t.Fatalf("summary counts: got %+v", s)
	}
	if s.SuccessRate != 0.5 {
		t.Fatalf("success rate: got %v want 0.5", s.SuccessRate)
	}
	if s.TokenUsage.Total != 7 {
		t.Fatalf("usage total: got %d want 7", s.TokenUsage.Total)
	}
	if len(s.ExecutionOrder) != 2 || s.ExecutionOrder[0] != "a" {
		t.Fatalf("order: got %v", s.ExecutionOrder)
	}
}

func TestNodeResultAndMetadata(t *testing.T) {
	tr := New()
	tr.TransitionToRunning("n", 0)
	out := envelope.JSON(map[string]any{"v": float64(1)}, envelope.WithProducer("n")).WithMetaValue("k", "m")
	_ = tr.TransitionToCompleted("n", out, nil)

	res, ok := tr.GetNodeResult("n")
	if !ok {
		t.Fatalf("missing result")
	}
	m, ok := res.Value.(map[string]any)
	if !ok || m["v"] != float64(1) {
		t.Fatalf("value: got %#v", res.Value)
	}
	if res.Meta["k"] != "m" {
		t.Fatalf("meta: got %v", res.Meta)
	}

	tr.SetNodeMetadata("n", "attempts", 2)
	md := tr.GetNodeMetadata("n")
	md["attempts"] = 99
	if got := tr.GetNodeMetadata("n")["attempts"]; got != 2 {
		t.Fatalf("metadata must copy out: got %v", got)
	}
}

func TestLoadStatesRehydrates(t *testing.T) {
	tr := New()
	states := map[string]*execution.NodeState{
		"a": {Status: execution.NodeDone},
		"b": {Status: execution.NodeRunning},
	}
	outputs := map[string]*envelope.Envelope{"a": envelope.Text("prev")}
	tr.LoadStates(states, nil, map[string]int{"a": 2, "b": 1}, []string{"a", "b"}, outputs)

	if got := tr.GetExecutionCount("a"); got != 2 {
		t.Fatalf("loaded count: got %d want 2", got)
	}
	if env, ok := tr.GetLastOutput("a"); !ok || env.AsText() != "prev" {
		t.Fatalf("loaded output: got %v %v", env, ok)
	}
	order := tr.GetExecutionOrder()
	if len(order) != 2 || order[0] != "a" {
		t.Fatalf("loaded order: got %v", order)
	}
	// The next run keeps counting from the loaded totals.
	tr.ResetNode("b")
	if got := tr.TransitionToRunning("b", 1); got != 2 {
		t.Fatalf("count after resume: got %d want 2", got)
	}
}
