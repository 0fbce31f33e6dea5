// Package scheduler decides which nodes may run next. It is pull
// based: the engine asks ReadyNodes on every tick and the scheduler
// answers from the tracker, the token bus and the diagram shape. It
// never runs anything itself.
package scheduler

import (
	"sort"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/loomworks/weft/internal/diagram"
	"github.com/loomworks/weft/internal/execution"
	"github.com/loomworks/weft/internal/log"
	"github.com/loomworks/weft/internal/tokenbus"
	"github.com/loomworks/weft/internal/tracker"
)

// Options tunes a scheduler.
type Options struct {
	// MaxIteration caps runs per (node, epoch) for nodes that do not
	// declare their own. Zero selects the tracker default.
	MaxIteration int

	// HasInput reports whether the diagram resolves an input for the
	// port without a token (node props, execution variables). Nil
	// means no port resolves that way.
	HasInput func(n *diagram.Node, port string) bool

	// Precondition is the node-type static check. A failing node is
	// withheld from readiness, not failed.
	Precondition func(n *diagram.Node) error

	Logger *log.Logger
}

// Scheduler answers readiness queries for one execution.
type Scheduler struct {
	d    *diagram.Diagram
	tr   *tracker.Tracker
	bus  *tokenbus.Bus
	opts Options
	topo []string
	pos  map[string]int

	mu     sync.Mutex
	epoch  int
	capped mapset.Set[string] // MAXITER_REACHED already emitted
	warned mapset.Set[string] // precondition failures logged once
}

// New builds a scheduler over the diagram, tracker and bus of one
// execution. The epoch starts at zero; BeginEpoch bumps it.
func New(d *diagram.Diagram, tr *tracker.Tracker, bus *tokenbus.Bus, opts Options) *Scheduler {
	if opts.MaxIteration <= 0 {
		opts.MaxIteration = tracker.DefaultMaxIteration
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	topo := d.TopoOrder()
	pos := make(map[string]int, len(topo))
	for i, id := range topo {
		pos[id] = i
	}
	return &Scheduler{
		d:      d,
		tr:     tr,
		bus:    bus,
		opts:   opts,
		topo:   topo,
		pos:    pos,
		capped: mapset.NewSet[string](),
		warned: mapset.NewSet[string](),
	}
}

// Epoch returns the current epoch.
func (s *Scheduler) Epoch() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.epoch
}

// BeginEpoch starts a fresh wave (execution start, user response,
// resumed loop) and returns the new epoch. Iteration caps reset
// because they are counted per (node, epoch); nodes already finalized
// as MAXITER_REACHED stay finalized.
func (s *Scheduler) BeginEpoch() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.epoch++
	return s.epoch
}

// ReadyNodes returns every node runnable right now, parents before
// children. A node is ready when it is PENDING, its required inbound
// ports are covered, its epoch iteration cap is not exhausted and its
// static precondition passes. A node blocked only by the cap is
// finalized as MAXITER_REACHED exactly once and never returned.
func (s *Scheduler) ReadyNodes() []*diagram.Node {
	s.mu.Lock()
	epoch := s.epoch
	s.mu.Unlock()

	var ready []*diagram.Node
	for _, id := range s.topo {
		n := s.d.Nodes[id]
		if n == nil {
			continue
		}
		if st, ok := s.tr.GetNodeState(id); ok && st.Status != execution.NodePending {
			continue
		}
		if !s.inputsCovered(n) {
			continue
		}
		limit := n.MaxIteration
		if limit <= 0 {
			limit = s.opts.MaxIteration
		}
		if !s.tr.CanExecuteInLoop(id, epoch, limit) {
			s.finalizeMaxIter(id, limit)
			continue
		}
		if s.opts.Precondition != nil {
			if err := s.opts.Precondition(n); err != nil {
				if s.warned.Add(id) {
					s.opts.Logger.Warn("node withheld by precondition", map[string]any{
						"node_id": id,
						"reason":  err.Error(),
					})
				}
				continue
			}
		}
		ready = append(ready, n)
	}

	sort.SliceStable(ready, func(i, j int) bool {
		pi, pj := s.pos[ready[i].ID], s.pos[ready[j].ID]
		if pi != pj {
			return pi < pj
		}
		return ready[i].ID < ready[j].ID
	})
	return ready
}

// inputsCovered applies the port readiness rule. A node needs a
// trigger (a pending token, or being a source) and every required
// port covered by a token or a resolved diagram input. The first port
// is required only on the node's first run; afterwards the remaining
// ports are.
func (s *Scheduler) inputsCovered(n *diagram.Node) bool {
	ports := s.d.InboundPorts(n.ID)
	pendingPorts := s.bus.PendingPorts(n.ID)

	if len(ports) == 0 {
		// Sources: start nodes fire on their own, anything else only
		// via an explicit deposit (webhooks, seeded inputs).
		return n.Type == diagram.NodeTypeStart || len(pendingPorts) > 0
	}
	if len(pendingPorts) == 0 {
		return false
	}

	required := ports
	if contains(ports, diagram.PortFirst) {
		if s.tr.GetExecutionCount(n.ID) == 0 {
			required = []string{diagram.PortFirst}
		} else {
			required = without(ports, diagram.PortFirst)
		}
	}
	for _, p := range required {
		if s.bus.HasToken(n.ID, p) {
			continue
		}
		if s.opts.HasInput != nil && s.opts.HasInput(n, p) {
			continue
		}
		return false
	}
	return true
}

// finalizeMaxIter emits the MAXITER_REACHED transition, preserving
// the node's last output as its final one. The node leaves PENDING,
// so the transition fires at most once per wave; capped only records
// which nodes ever hit the ceiling.
func (s *Scheduler) finalizeMaxIter(id string, limit int) {
	out, _ := s.tr.GetLastOutput(id)
	s.tr.TransitionToMaxIter(id, out)
	s.capped.Add(id)
	s.opts.Logger.Info("iteration cap reached", map[string]any{
		"node_id":       id,
		"max_iteration": limit,
	})
}

// MaxedNodes returns the nodes finalized as MAXITER_REACHED, in no
// particular order.
func (s *Scheduler) MaxedNodes() []string {
	return s.capped.ToSlice()
}

func contains(ss []string, want string) bool {
	for _, s := range ss {
		if s == want {
			return true
		}
	}
	return false
}

func without(ss []string, drop string) []string {
	out := make([]string, 0, len(ss))
	for _, s := range ss {
		if s != drop {
			out = append(out, s)
		}
	}
	return out
}
