// Package diagram holds the executable graph model: nodes, arrows and
// the YAML loader. Arrows carry envelopes between node ports at run
// time; the model itself is inert data.
package diagram

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Well-known port names. An arrow endpoint without an explicit port
// uses PortDefault. Condition nodes emit on PortCondTrue/PortCondFalse.
// PortFirst feeds a node's first run only; loop back-edges use
// PortDefault from then on.
const (
	PortDefault   = "default"
	PortCondTrue  = "condtrue"
	PortCondFalse = "condfalse"
	PortFirst     = "first"
)

// NodeTypeStart is the only type with structural meaning: executions
// begin at start nodes.
const NodeTypeStart = "start"

// Node is one unit of execution. Props carries the type-specific
// configuration; MaxIteration caps runs per epoch (0 means the engine
// default).
type Node struct {
	ID           string
	Type         string
	Label        string
	Props        map[string]any
	MaxIteration int
}

// Arrow connects a source port to a target port. Order is the
// declaration index, used for deterministic delivery and tie-breaking.
type Arrow struct {
	From     string
	FromPort string
	To       string
	ToPort   string
	Order    int
	Label    string
}

// Diagram is a directed graph of nodes. Node ids must not contain dots;
// the arrow syntax uses "node.port".
type Diagram struct {
	ID    string
	Name  string
	Nodes map[string]*Node
	Vars  map[string]any

	arrows   []*Arrow
	declared []string
}

// NewDiagram returns an empty diagram.
func NewDiagram(id string) *Diagram {
	return &Diagram{
		ID:    id,
		Nodes: map[string]*Node{},
		Vars:  map[string]any{},
	}
}

// NewNode returns a node with empty props.
func NewNode(id, nodeType string) *Node {
	return &Node{ID: id, Type: nodeType, Props: map[string]any{}}
}

// AddNode inserts a node, preserving declaration order. Duplicate ids
// are an error.
func (d *Diagram) AddNode(n *Node) error {
	if n == nil || n.ID == "" {
		return fmt.Errorf("node must have an id")
	}
	if strings.Contains(n.ID, ".") {
		return fmt.Errorf("node id %q must not contain dots", n.ID)
	}
	if _, ok := d.Nodes[n.ID]; ok {
		return fmt.Errorf("duplicate node id %q", n.ID)
	}
	if n.Props == nil {
		n.Props = map[string]any{}
	}
	d.Nodes[n.ID] = n
	d.declared = append(d.declared, n.ID)
	return nil
}

// AddArrow appends an arrow. Empty ports default to PortDefault; Order
// is assigned from the current arrow count when zero.
func (d *Diagram) AddArrow(a *Arrow) {
	if a.FromPort == "" {
		a.FromPort = PortDefault
	}
	if a.ToPort == "" {
		a.ToPort = PortDefault
	}
	if a.Order == 0 {
		a.Order = len(d.arrows)
	}
	d.arrows = append(d.arrows, a)
}

// Arrows returns all arrows in declaration order.
func (d *Diagram) Arrows() []*Arrow {
	out := make([]*Arrow, len(d.arrows))
	copy(out, d.arrows)
	return out
}

// Declared returns node ids in declaration order.
func (d *Diagram) Declared() []string {
	out := make([]string, len(d.declared))
	copy(out, d.declared)
	return out
}

// Outgoing returns arrows leaving the node, ordered by declaration.
func (d *Diagram) Outgoing(nodeID string) []*Arrow {
	var out []*Arrow
	for _, a := range d.arrows {
		if a.From == nodeID {
			out = append(out, a)
		}
	}
	return out
}

// OutgoingFrom returns arrows leaving one port of the node.
func (d *Diagram) OutgoingFrom(nodeID, port string) []*Arrow {
	var out []*Arrow
	for _, a := range d.arrows {
		if a.From == nodeID && a.FromPort == port {
			out = append(out, a)
		}
	}
	return out
}

// Incoming returns arrows entering the node, ordered by declaration.
func (d *Diagram) Incoming(nodeID string) []*Arrow {
	var out []*Arrow
	for _, a := range d.arrows {
		if a.To == nodeID {
			out = append(out, a)
		}
	}
	return out
}

// InboundPorts returns the distinct target ports of the node, sorted.
func (d *Diagram) InboundPorts(nodeID string) []string {
	seen := map[string]bool{}
	for _, a := range d.arrows {
		if a.To == nodeID {
			seen[a.ToPort] = true
		}
	}
	out := make([]string, 0, len(seen))
	for p := range seen {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// StartNodes returns nodes of type start in declaration order.
func (d *Diagram) StartNodes() []*Node {
	var out []*Node
	for _, id := range d.declared {
		if n := d.Nodes[id]; n != nil && n.Type == NodeTypeStart {
			out = append(out, n)
		}
	}
	return out
}

// TopoOrder returns node ids parents-first. Back-edges of loops are
// ignored for ordering purposes: when Kahn's algorithm stalls on a
// cycle, the remaining node earliest in declaration order is released
// next, so loop members keep a stable position.
func (d *Diagram) TopoOrder() []string {
	indeg := map[string]int{}
	for _, id := range d.declared {
		indeg[id] = 0
	}
	for _, a := range d.arrows {
		if _, ok := indeg[a.To]; ok {
			if _, ok := indeg[a.From]; ok {
				indeg[a.To]++
			}
		}
	}
	placed := map[string]bool{}
	var order []string
	for len(order) < len(d.declared) {
		next := ""
		for _, id := range d.declared {
			if !placed[id] && indeg[id] == 0 {
				next = id
				break
			}
		}
		if next == "" {
			// Cycle: release the first unplaced node.
			for _, id := range d.declared {
				if !placed[id] {
					next = id
					break
				}
			}
		}
		placed[next] = true
		order = append(order, next)
		for _, a := range d.Outgoing(next) {
			if _, ok := indeg[a.To]; ok && !placed[a.To] {
				indeg[a.To]--
			}
		}
	}
	return order
}

// StringProp reads a string prop with a default.
func (n *Node) StringProp(key, def string) string {
	v, ok := n.Props[key]
	if !ok {
		return def
	}
	switch t := v.(type) {
	case string:
		return t
	case fmt.Stringer:
		return t.String()
	default:
		return fmt.Sprintf("%v", t)
	}
}

// IntProp reads an int prop with a default. String values are parsed.
func (n *Node) IntProp(key string, def int) int {
	v, ok := n.Props[key]
	if !ok {
		return def
	}
	switch t := v.(type) {
	case int:
		return t
	case int64:
		return int(t)
	case float64:
		return int(t)
	case string:
		if i, err := strconv.Atoi(strings.TrimSpace(t)); err == nil {
			return i
		}
	}
	return def
}

// BoolProp reads a bool prop with a default. Accepts true/1/yes, case
// insensitive, for string values.
func (n *Node) BoolProp(key string, def bool) bool {
	v, ok := n.Props[key]
	if !ok {
		return def
	}
	switch t := v.(type) {
	case bool:
		return t
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "true", "1", "yes":
			return true
		case "false", "0", "no":
			return false
		}
	}
	return def
}

// MapProp reads a map prop, returning nil when absent or mis-typed.
func (n *Node) MapProp(key string) map[string]any {
	if m, ok := n.Props[key].(map[string]any); ok {
		return m
	}
	return nil
}
