// Package execution defines the shared state vocabulary: execution and
// node statuses, per-run records, and the persisted ExecutionState
// aggregate. The tracker mutates these in memory; the state store
// persists them.
package execution

import (
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// Status is the overall status of one execution.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusAborted   Status = "aborted"
)

// IsTerminal reports whether the execution is finished.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusAborted:
		return true
	}
	return false
}

// ParseStatus parses an execution status, case-insensitively.
func ParseStatus(s string) (Status, error) {
	switch Status(strings.ToLower(strings.TrimSpace(s))) {
	case StatusPending:
		return StatusPending, nil
	case StatusRunning:
		return StatusRunning, nil
	case StatusCompleted:
		return StatusCompleted, nil
	case StatusFailed:
		return StatusFailed, nil
	case StatusAborted:
		return StatusAborted, nil
	}
	return "", fmt.Errorf("unknown execution status %q", s)
}

// NodeStatus is the UI-facing status of one node within an execution.
type NodeStatus string

const (
	NodePending NodeStatus = "pending"
	NodeRunning NodeStatus = "running"
	NodeDone    NodeStatus = "completed"
	NodeFailed  NodeStatus = "failed"
	NodeSkipped NodeStatus = "skipped"
	NodeMaxIter NodeStatus = "maxiter_reached"
)

// Terminal reports whether the node finished its current run.
func (s NodeStatus) Terminal() bool {
	switch s {
	case NodeDone, NodeFailed, NodeSkipped, NodeMaxIter:
		return true
	}
	return false
}

// ParseNodeStatus parses a node status, case-insensitively.
func ParseNodeStatus(s string) (NodeStatus, error) {
	switch NodeStatus(strings.ToLower(strings.TrimSpace(s))) {
	case NodePending:
		return NodePending, nil
	case NodeRunning:
		return NodeRunning, nil
	case NodeDone:
		return NodeDone, nil
	case NodeFailed:
		return NodeFailed, nil
	case NodeSkipped:
		return NodeSkipped, nil
	case NodeMaxIter:
		return NodeMaxIter, nil
	}
	return "", fmt.Errorf("unknown node status %q", s)
}

// CompletionKind is how one execution record ended.
type CompletionKind string

const (
	CompletionSuccess CompletionKind = "success"
	CompletionFailed  CompletionKind = "failed"
	CompletionMaxIter CompletionKind = "max_iter"
	CompletionSkipped CompletionKind = "skipped"
)

// TokenUsage accumulates LLM token counts. Total is maintained by Add.
type TokenUsage struct {
	Input  int64 `json:"input"`
	Output int64 `json:"output"`
	Cached int64 `json:"cached"`
	Total  int64 `json:"total"`
}

// Add accumulates another usage sample.
func (u *TokenUsage) Add(other TokenUsage) {
	u.Input += other.Input
	u.Output += other.Output
	u.Cached += other.Cached
	u.Total = u.Input + u.Output
}

// IsZero reports whether no tokens were recorded.
func (u TokenUsage) IsZero() bool {
	return u.Input == 0 && u.Output == 0 && u.Cached == 0
}

// NodeState is the mutable per-node status cell.
type NodeState struct {
	Status NodeStatus `json:"status"`
	Error  string     `json:"error,omitempty"`
}

// Record is one append-only node execution record. Output holds the
// wire form of the produced envelope.
type Record struct {
	ExecutionNumber int            `json:"execution_number"`
	StartedAt       time.Time      `json:"started_at"`
	EndedAt         *time.Time     `json:"ended_at,omitempty"`
	Status          CompletionKind `json:"status,omitempty"`
	Output          map[string]any `json:"output,omitempty"`
	Error           string         `json:"error,omitempty"`
	TokenUsage      *TokenUsage    `json:"token_usage,omitempty"`
	DurationSeconds float64        `json:"duration"`
}

// Ended reports whether the record was finalized.
func (r *Record) Ended() bool { return r.EndedAt != nil }

// State is the persisted aggregate for one execution.
type State struct {
	ID            string                    `json:"id"`
	Status        Status                    `json:"status"`
	DiagramID     string                    `json:"diagram_id,omitempty"`
	StartedAt     time.Time                 `json:"started_at"`
	EndedAt       *time.Time                `json:"ended_at,omitempty"`
	NodeStates    map[string]*NodeState     `json:"node_states"`
	NodeOutputs   map[string]map[string]any `json:"node_outputs"`
	ExecCounts    map[string]int            `json:"exec_counts"`
	ExecutedNodes []string                  `json:"executed_nodes"`
	LLMUsage      TokenUsage                `json:"llm_usage"`
	Error         string                    `json:"error,omitempty"`
	Variables     map[string]any            `json:"variables"`
	Metrics       map[string]any            `json:"metrics,omitempty"`
	IsActive      bool                      `json:"is_active"`
}

// NewState returns a fresh pending execution state.
func NewState(id, diagramID string, variables map[string]any) *State {
	if variables == nil {
		variables = map[string]any{}
	}
	return &State{
		ID:            id,
		Status:        StatusPending,
		DiagramID:     diagramID,
		StartedAt:     time.Now().UTC(),
		NodeStates:    map[string]*NodeState{},
		NodeOutputs:   map[string]map[string]any{},
		ExecCounts:    map[string]int{},
		ExecutedNodes: []string{},
		Variables:     variables,
		IsActive:      true,
	}
}

// Clone returns a deep copy safe to hand to callers.
func (s *State) Clone() *State {
	if s == nil {
		return nil
	}
	c := *s
	c.NodeStates = make(map[string]*NodeState, len(s.NodeStates))
	for k, v := range s.NodeStates {
		ns := *v
		c.NodeStates[k] = &ns
	}
	c.NodeOutputs = make(map[string]map[string]any, len(s.NodeOutputs))
	for k, v := range s.NodeOutputs {
		c.NodeOutputs[k] = copyAnyMap(v)
	}
	c.ExecCounts = make(map[string]int, len(s.ExecCounts))
	for k, v := range s.ExecCounts {
		c.ExecCounts[k] = v
	}
	c.ExecutedNodes = append([]string(nil), s.ExecutedNodes...)
	c.Variables = copyAnyMap(s.Variables)
	c.Metrics = copyAnyMap(s.Metrics)
	if s.EndedAt != nil {
		t := *s.EndedAt
		c.EndedAt = &t
	}
	return &c
}

func copyAnyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// NewExecutionID returns a fresh execution id.
func NewExecutionID() string {
	return "exec_" + ulid.Make().String()
}
