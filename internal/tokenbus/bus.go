// Package tokenbus delivers envelopes along diagram arrows. One bus
// serves one execution; entries are keyed by (consumer node, port).
package tokenbus

import (
	"sort"
	"sync"

	"github.com/loomworks/weft/internal/diagram"
	"github.com/loomworks/weft/internal/envelope"
)

type slotKey struct {
	node string
	port string
}

// Bus routes envelopes from producer ports to consumer ports. Each
// (consumer, port) slot holds the newest undelivered envelope: a
// producer that fires again before the consumer runs replaces the
// pending value, so consumers always see the latest.
type Bus struct {
	mu      sync.Mutex
	diagram *diagram.Diagram
	slots   map[slotKey]*envelope.Envelope
}

// New returns an empty bus for the diagram.
func New(d *diagram.Diagram) *Bus {
	return &Bus{diagram: d, slots: map[slotKey]*envelope.Envelope{}}
}

// EmitOutputs deposits each port's envelope at every arrow target
// leaving (producer, port). Ports without arrows drop their envelope.
func (b *Bus) EmitOutputs(producer string, outputs map[string]*envelope.Envelope) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ports := make([]string, 0, len(outputs))
	for port := range outputs {
		ports = append(ports, port)
	}
	sort.Strings(ports)
	for _, port := range ports {
		env := outputs[port]
		if env == nil {
			continue
		}
		for _, a := range b.diagram.OutgoingFrom(producer, port) {
			b.slots[slotKey{node: a.To, port: a.ToPort}] = env
		}
	}
}

// Deposit places one envelope directly at (node, port), bypassing
// arrows. Used to seed start nodes and to deliver external input.
func (b *Bus) Deposit(node, port string, env *envelope.Envelope) {
	if env == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.slots[slotKey{node: node, port: port}] = env
}

// ConsumeInbound atomically removes and returns everything addressed to
// the node, keyed by port. Returns nil when nothing is pending, so a
// consumer running again in a loop only sees envelopes deposited since
// its last consume.
func (b *Bus) ConsumeInbound(node string) map[string]*envelope.Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out map[string]*envelope.Envelope
	for k, env := range b.slots {
		if k.node != node {
			continue
		}
		if out == nil {
			out = map[string]*envelope.Envelope{}
		}
		out[k.port] = env
		delete(b.slots, k)
	}
	return out
}

// HasToken reports whether (node, port) has a pending envelope.
func (b *Bus) HasToken(node, port string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.slots[slotKey{node: node, port: port}]
	return ok
}

// PendingPorts returns the ports with pending envelopes for the node,
// sorted.
func (b *Bus) PendingPorts(node string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []string
	for k := range b.slots {
		if k.node == node {
			out = append(out, k.port)
		}
	}
	sort.Strings(out)
	return out
}

// Pending returns the total number of undelivered envelopes.
func (b *Bus) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.slots)
}
