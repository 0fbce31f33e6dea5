package handler

import (
	"fmt"

	"github.com/loomworks/weft/internal/diagram"
	"github.com/loomworks/weft/internal/envelope"
	"github.com/loomworks/weft/internal/events"
	"github.com/loomworks/weft/internal/log"
	"github.com/loomworks/weft/internal/tokenbus"
	"github.com/loomworks/weft/internal/tracker"
)

// Request carries everything one handler invocation may touch. State
// is scratch space scoped to the single invocation; Variables belong
// to the execution and outlive it. Inputs holds the resolved inbound
// envelopes (consumed tokens, or the diagram-input fallback).
type Request struct {
	Node        *diagram.Node
	Diagram     *diagram.Diagram
	ExecutionID string
	Epoch       int
	Iteration   int

	Variables map[string]any
	State     map[string]any
	Inputs    map[string]*envelope.Envelope

	Tracker *tracker.Tracker
	Bus     *tokenbus.Bus
	Emitter *events.Emitter
	Factory *envelope.Factory
	Logger  *log.Logger

	services map[string]any
}

// Service returns an injected service by its declared name.
func (r *Request) Service(name string) (any, bool) {
	v, ok := r.services[name]
	return v, ok
}

// SetService binds a service for this invocation. The runner calls it
// during injection; tests may too.
func (r *Request) SetService(name string, v any) {
	if r.services == nil {
		r.services = map[string]any{}
	}
	r.services[name] = v
}

// ServiceAs returns the named service asserted to T.
func ServiceAs[T any](r *Request, name string) (T, error) {
	var zero T
	v, ok := r.services[name]
	if !ok || v == nil {
		return zero, fmt.Errorf("service %q not injected", name)
	}
	t, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("service %q is %T, not %T", name, v, zero)
	}
	return t, nil
}

// EmitOutputs routes envelopes from this node's ports to their
// consumers.
func (r *Request) EmitOutputs(outputs map[string]*envelope.Envelope) {
	if r.Bus == nil || r.Node == nil {
		return
	}
	r.Bus.EmitOutputs(r.Node.ID, outputs)
}

// Input returns the inbound envelope for a port, or nil.
func (r *Request) Input(port string) *envelope.Envelope {
	return r.Inputs[port]
}

// FirstInput returns the default-port envelope when present, otherwise
// any single inbound envelope. Handlers that take one logical input
// use it instead of caring about port names.
func (r *Request) FirstInput() *envelope.Envelope {
	if env := r.Inputs[diagram.PortDefault]; env != nil {
		return env
	}
	if env := r.Inputs[diagram.PortFirst]; env != nil {
		return env
	}
	for _, env := range r.Inputs {
		if env != nil {
			return env
		}
	}
	return nil
}

// Log returns the request logger, never nil.
func (r *Request) Log() *log.Logger {
	if r.Logger == nil {
		return log.Nop()
	}
	return r.Logger
}

// EnvelopeFactory returns the envelope factory, falling back to the
// process default.
func (r *Request) EnvelopeFactory() *envelope.Factory {
	if r.Factory == nil {
		return envelope.NewFactory()
	}
	return r.Factory
}
