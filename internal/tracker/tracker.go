// Package tracker is the single source of truth for node states,
// execution history, iteration counts and outputs during one
// execution. One mutex guards the whole aggregate; queries return
// copies.
package tracker

import (
	"fmt"
	"sync"
	"time"

	"github.com/loomworks/weft/internal/envelope"
	"github.com/loomworks/weft/internal/execution"
)

// DefaultMaxIteration caps per-epoch runs of a node when the diagram
// does not configure its own limit.
const DefaultMaxIteration = 100

type epochKey struct {
	node  string
	epoch int
}

// Tracker records everything that happens to nodes within one
// execution.
type Tracker struct {
	mu sync.Mutex

	states      map[string]*execution.NodeState
	records     map[string][]*execution.Record
	counts      map[string]int
	order       []string
	everRan     map[string]bool
	lastOutputs map[string]*envelope.Envelope
	epochIters  map[epochKey]int
	metadata    map[string]map[string]any
	usage       execution.TokenUsage

	now func() time.Time
}

// New returns an empty tracker.
func New() *Tracker {
	return &Tracker{
		states:      map[string]*execution.NodeState{},
		records:     map[string][]*execution.Record{},
		counts:      map[string]int{},
		everRan:     map[string]bool{},
		lastOutputs: map[string]*envelope.Envelope{},
		epochIters:  map[epochKey]int{},
		metadata:    map[string]map[string]any{},
		now:         time.Now,
	}
}

// InitializeNode sets the node PENDING if it has no state yet.
// Idempotent.
func (t *Tracker) InitializeNode(node string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.states[node]; !ok {
		t.states[node] = &execution.NodeState{Status: execution.NodePending}
	}
}

// TransitionToRunning flips the node to RUNNING, opens a new record and
// returns the execution count after the increment.
func (t *Tracker) TransitionToRunning(node string, epoch int) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.states[node] = &execution.NodeState{Status: execution.NodeRunning}
	t.counts[node]++
	t.records[node] = append(t.records[node], &execution.Record{
		ExecutionNumber: t.counts[node],
		StartedAt:       t.now().UTC(),
	})
	if !t.everRan[node] {
		t.everRan[node] = true
		t.order = append(t.order, node)
	}
	t.epochIters[epochKey{node: node, epoch: epoch}]++
	return t.counts[node]
}

// TransitionToCompleted finalizes the open record as SUCCESS and stores
// the output as the node's last output.
func (t *Tracker) TransitionToCompleted(node string, output *envelope.Envelope, usage *execution.TokenUsage) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, err := t.openRecord(node)
	if err != nil {
		return err
	}
	t.finalize(rec, execution.CompletionSuccess, "")
	if output != nil {
		t.lastOutputs[node] = output
		if wire, err := envelope.Marshal(output); err == nil {
			rec.Output = wire
		}
	}
	if usage != nil {
		u := *usage
		rec.TokenUsage = &u
		t.usage.Add(u)
	}
	t.states[node] = &execution.NodeState{Status: execution.NodeDone}
	return nil
}

// TransitionToFailed finalizes the open record as FAILED.
func (t *Tracker) TransitionToFailed(node string, errMsg string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, err := t.openRecord(node)
	if err != nil {
		return err
	}
	t.finalize(rec, execution.CompletionFailed, errMsg)
	t.states[node] = &execution.NodeState{Status: execution.NodeFailed, Error: errMsg}
	return nil
}

// TransitionToMaxIter marks the node MAXITER_REACHED. When a record is
// open it is finalized as MAX_ITER; otherwise only the status flips,
// keeping exec counts equal to record counts. The last output, if any,
// stays published.
func (t *Tracker) TransitionToMaxIter(node string, output *envelope.Envelope) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if rec, err := t.openRecord(node); err == nil {
		t.finalize(rec, execution.CompletionMaxIter, "")
	}
	if output != nil {
		t.lastOutputs[node] = output
	}
	t.states[node] = &execution.NodeState{Status: execution.NodeMaxIter}
}

// TransitionToSkipped marks the node SKIPPED, finalizing the open
// record when one exists.
func (t *Tracker) TransitionToSkipped(node string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if rec, err := t.openRecord(node); err == nil {
		t.finalize(rec, execution.CompletionSkipped, "")
	}
	t.states[node] = &execution.NodeState{Status: execution.NodeSkipped}
}

// ResetNode reverts the node to PENDING so a loop can run it again.
// Counts, history, outputs and epoch iterations all survive.
func (t *Tracker) ResetNode(node string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.states[node] = &execution.NodeState{Status: execution.NodePending}
}

func (t *Tracker) openRecord(node string) (*execution.Record, error) {
	recs := t.records[node]
	if len(recs) == 0 {
		return nil, fmt.Errorf("node %q: no execution record was started", node)
	}
	last := recs[len(recs)-1]
	if last.Ended() {
		return nil, fmt.Errorf("node %q: record %d already completed", node, last.ExecutionNumber)
	}
	return last, nil
}

func (t *Tracker) finalize(rec *execution.Record, kind execution.CompletionKind, errMsg string) {
	end := t.now().UTC()
	rec.EndedAt = &end
	rec.Status = kind
	rec.Error = errMsg
	rec.DurationSeconds = end.Sub(rec.StartedAt).Seconds()
}

// GetNodeState returns a copy of the node's state cell.
func (t *Tracker) GetNodeState(node string) (execution.NodeState, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.states[node]
	if !ok {
		return execution.NodeState{}, false
	}
	return *s, true
}

func (t *Tracker) nodesWithStatus(status execution.NodeStatus) []string {
	var out []string
	for _, node := range t.order {
		if s := t.states[node]; s != nil && s.Status == status {
			out = append(out, node)
		}
	}
	// Nodes that never ran still count when their status matches.
	for node, s := range t.states {
		if s.Status == status && !t.everRan[node] {
			out = append(out, node)
		}
	}
	return out
}

// GetCompletedNodes returns nodes currently COMPLETED.
func (t *Tracker) GetCompletedNodes() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.nodesWithStatus(execution.NodeDone)
}

// GetRunningNodes returns nodes currently RUNNING.
func (t *Tracker) GetRunningNodes() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.nodesWithStatus(execution.NodeRunning)
}

// GetFailedNodes returns nodes currently FAILED.
func (t *Tracker) GetFailedNodes() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.nodesWithStatus(execution.NodeFailed)
}

// HasRunningNodes reports whether any node is RUNNING.
func (t *Tracker) HasRunningNodes() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, s := range t.states {
		if s.Status == execution.NodeRunning {
			return true
		}
	}
	return false
}

// GetExecutionCount returns how many times the node started.
func (t *Tracker) GetExecutionCount(node string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.counts[node]
}

// HasExecuted reports whether the node ever transitioned to RUNNING.
func (t *Tracker) HasExecuted(node string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.everRan[node]
}

// GetLastOutput returns the node's most recent output envelope.
func (t *Tracker) GetLastOutput(node string) (*envelope.Envelope, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	env, ok := t.lastOutputs[node]
	return env, ok
}

// NodeResult is the value+meta view of a node's last output.
type NodeResult struct {
	Value any
	Meta  map[string]any
}

// GetNodeResult returns the last output as a plain value plus its
// metadata.
func (t *Tracker) GetNodeResult(node string) (*NodeResult, bool) {
	t.mu.Lock()
	env, ok := t.lastOutputs[node]
	t.mu.Unlock()
	if !ok {
		return nil, false
	}
	value, err := env.AsJSON()
	if err != nil {
		value = env.AsText()
	}
	return &NodeResult{Value: value, Meta: env.Meta()}, true
}

// GetNodeExecutionHistory returns copies of the node's records.
func (t *Tracker) GetNodeExecutionHistory(node string) []execution.Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	recs := t.records[node]
	out := make([]execution.Record, len(recs))
	for i, r := range recs {
		out[i] = *r
	}
	return out
}

// GetExecutionOrder returns node ids in first-RUNNING order.
func (t *Tracker) GetExecutionOrder() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.order))
	copy(out, t.order)
	return out
}

// CanExecuteInLoop reports whether the node may run again in the epoch.
// maxIteration <= 0 selects DefaultMaxIteration.
func (t *Tracker) CanExecuteInLoop(node string, epoch, maxIteration int) bool {
	if maxIteration <= 0 {
		maxIteration = DefaultMaxIteration
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.epochIters[epochKey{node: node, epoch: epoch}] < maxIteration
}

// EpochIterations returns how many times the node ran in the epoch.
func (t *Tracker) EpochIterations(node string, epoch int) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.epochIters[epochKey{node: node, epoch: epoch}]
}

// GetNodeMetadata returns a copy of the node's metadata map.
func (t *Tracker) GetNodeMetadata(node string) map[string]any {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := map[string]any{}
	for k, v := range t.metadata[node] {
		out[k] = v
	}
	return out
}

// SetNodeMetadata stores one metadata entry for the node.
func (t *Tracker) SetNodeMetadata(node, key string, value any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	m := t.metadata[node]
	if m == nil {
		m = map[string]any{}
		t.metadata[node] = m
	}
	m[key] = value
}

// TotalUsage returns the accumulated token usage.
func (t *Tracker) TotalUsage() execution.TokenUsage {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.usage
}

// Summary aggregates an execution's history.
type Summary struct {
	TotalNodes           int                  `json:"total_nodes"`
	Completed            int                  `json:"completed"`
	Failed               int                  `json:"failed"`
	Skipped              int                  `json:"skipped"`
	MaxIterReached       int                  `json:"maxiter_reached"`
	TotalRecords         int                  `json:"total_records"`
	SuccessRate          float64              `json:"success_rate"`
	TotalDurationSeconds float64              `json:"total_duration_seconds"`
	TokenUsage           execution.TokenUsage `json:"token_usage"`
	ExecutionOrder       []string             `json:"execution_order"`
}

// GetExecutionSummary computes totals over all nodes and records. The
// success rate is successful records over ended records.
func (t *Tracker) GetExecutionSummary() Summary {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := Summary{
		TotalNodes:     len(t.states),
		TokenUsage:     t.usage,
		ExecutionOrder: append([]string(nil), t.order...),
	}
	for _, st := range t.states {
		switch st.Status {
		case execution.NodeDone:
			s.Completed++
		case execution.NodeFailed:
			s.Failed++
		case execution.NodeSkipped:
			s.Skipped++
		case execution.NodeMaxIter:
			s.MaxIterReached++
		}
	}
	ended, succeeded := 0, 0
	for _, recs := range t.records {
		for _, r := range recs {
			if !r.Ended() {
				continue
			}
			ended++
			s.TotalRecords++
			s.TotalDurationSeconds += r.DurationSeconds
			if r.Status == execution.CompletionSuccess {
				succeeded++
			}
		}
	}
	if ended > 0 {
		s.SuccessRate = float64(succeeded) / float64(ended)
	}
	return s
}

// LoadStates rehydrates the tracker from persisted state, replacing
// current contents. Records are optional: the store does not persist
// them, so a resume usually passes nil and counts stay the authority
// for exec totals.
func (t *Tracker) LoadStates(states map[string]*execution.NodeState, records map[string][]*execution.Record, counts map[string]int, executed []string, outputs map[string]*envelope.Envelope) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.states = map[string]*execution.NodeState{}
	for node, s := range states {
		c := *s
		t.states[node] = &c
	}
	t.records = map[string][]*execution.Record{}
	for node, recs := range records {
		copied := make([]*execution.Record, len(recs))
		for i, r := range recs {
			c := *r
			copied[i] = &c
		}
		t.records[node] = copied
	}
	t.counts = map[string]int{}
	for node, c := range counts {
		t.counts[node] = c
	}
	t.order = append([]string(nil), executed...)
	t.everRan = map[string]bool{}
	for _, node := range executed {
		t.everRan[node] = true
	}
	t.lastOutputs = map[string]*envelope.Envelope{}
	for node, env := range outputs {
		t.lastOutputs[node] = env
	}
	t.epochIters = map[epochKey]int{}
}

// ClearHistory drops all recorded state.
func (t *Tracker) ClearHistory() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.states = map[string]*execution.NodeState{}
	t.records = map[string][]*execution.Record{}
	t.counts = map[string]int{}
	t.order = nil
	t.everRan = map[string]bool{}
	t.lastOutputs = map[string]*envelope.Envelope{}
	t.epochIters = map[epochKey]int{}
	t.metadata = map[string]map[string]any{}
	t.usage = execution.TokenUsage{}
}
