package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/loomworks/weft/internal/diagram"
	"github.com/loomworks/weft/internal/envelope"
	"github.com/loomworks/weft/internal/execution"
)

// Resume reopens an interrupted execution. Persisted node states
// reload into a fresh tracker, nodes that were RUNNING when the
// previous process stopped reopen as PENDING, and the loop continues
// in a new epoch. Pass a nil diagram to resolve it from the stored
// diagram id.
func (e *Engine) Resume(ctx context.Context, executionID string, d *diagram.Diagram) (*Result, error) {
	st, err := e.store.GetState(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if st.Status == execution.StatusCompleted {
		return nil, fmt.Errorf("execution %s already completed", executionID)
	}
	if d == nil {
		if e.resolver == nil {
			return nil, errors.New("engine: resume needs a diagram or a resolver")
		}
		d, err = e.resolver.Resolve(ctx, st.DiagramID)
		if err != nil {
			return nil, fmt.Errorf("resolve diagram %q: %w", st.DiagramID, err)
		}
	}
	if err := e.validate(d); err != nil {
		return nil, err
	}

	vars := st.Variables
	if vars == nil {
		vars = map[string]any{}
	}

	runCtx, finish := e.track(ctx, executionID)
	defer finish()

	run := e.newRun(d, executionID, vars, "")
	reopened := e.rehydrate(runCtx, run, st)
	run.rearm(reopened)
	// Iteration budgets restart: the resumed wave is a new epoch.
	run.sched.BeginEpoch()

	return e.run(runCtx, run, map[string]any{"diagram_id": d.ID, "resumed": true})
}

// rehydrate loads persisted node states and outputs into the run's
// tracker and returns the nodes it reopened. RUNNING reopens as
// PENDING; everything else keeps its terminal state.
func (e *Engine) rehydrate(ctx context.Context, run *execRun, st *execution.State) map[string]bool {
	reopened := map[string]bool{}
	states := make(map[string]*execution.NodeState, len(st.NodeStates))
	for id, ns := range st.NodeStates {
		c := *ns
		if c.Status == execution.NodeRunning {
			c = execution.NodeState{Status: execution.NodePending}
			reopened[id] = true
		}
		states[id] = &c
	}
	outputs := map[string]*envelope.Envelope{}
	for id := range st.NodeOutputs {
		if env, err := e.store.GetNodeOutput(ctx, run.id, id); err == nil {
			outputs[id] = env
		}
	}
	run.tr.LoadStates(states, nil, st.ExecCounts, st.ExecutedNodes, outputs)
	// Nodes added to the diagram since the state persisted still need
	// a cell.
	for id := range run.d.Nodes {
		run.tr.InitializeNode(id)
	}
	return reopened
}

// rearm rebuilds trigger tokens for pending nodes. In-memory tokens
// do not survive a restart, so each pending node is re-fed its
// upstream's last persisted output, and entry nodes whose trigger was
// consumed or never delivered get a fresh one.
func (run *execRun) rearm(reopened map[string]bool) {
	for _, id := range run.d.TopoOrder() {
		st, ok := run.tr.GetNodeState(id)
		if !ok || st.Status != execution.NodePending {
			continue
		}
		for _, a := range run.d.Incoming(id) {
			if a.From == id {
				continue
			}
			if env, ok := run.tr.GetLastOutput(a.From); ok {
				run.bus.Deposit(id, a.ToPort, env)
			}
		}
		n := run.d.Nodes[id]
		if n == nil || n.Type == diagram.NodeTypeStart || !run.isEntry(id) {
			continue
		}
		if reopened[id] || !run.tr.HasExecuted(id) {
			run.bus.Deposit(id, diagram.PortDefault, run.factory.Text("", envelope.WithTrace(run.id)))
		}
	}
}
