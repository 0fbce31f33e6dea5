// Package handler defines the node handler contract and the lifecycle
// runner that drives it. Handlers implement the six lifecycle methods;
// the runner owns orchestration, panic recovery, service injection and
// error envelope construction, so handler bodies stay thin.
package handler

import (
	"context"
	"fmt"

	"github.com/loomworks/weft/internal/diagram"
	"github.com/loomworks/weft/internal/envelope"
	"github.com/loomworks/weft/internal/registry"
)

// ServiceDep declares one collaborator a handler needs. Required
// misses fail the node before PreExecute; optional misses inject the
// default.
type ServiceDep struct {
	Name     string
	Key      registry.Key
	Required bool
	Default  any
}

// Spec describes a handler: the node type it serves, the JSON Schema
// its props must satisfy, the services it consumes and an optional
// static precondition consulted by the scheduler.
type Spec struct {
	NodeType    string
	Description string
	Schema      []byte
	Services    []ServiceDep
	Validate    func(*Request) error
}

// Handler is the lifecycle every node type implements. The runner
// calls the methods in order; see Invoke.
type Handler interface {
	Spec() Spec
	PreExecute(ctx context.Context, req *Request) (*envelope.Envelope, error)
	PrepareInputs(ctx context.Context, req *Request, inbound map[string]*envelope.Envelope) (map[string]any, error)
	Run(ctx context.Context, req *Request, inputs map[string]any) (any, error)
	SerializeOutput(req *Request, result any) (*envelope.Envelope, error)
	PostExecute(ctx context.Context, req *Request, out *envelope.Envelope) *envelope.Envelope
	OnError(ctx context.Context, req *Request, cause error) (*envelope.Envelope, error)
}

// ServiceMissingError reports a required service with no provider. It
// fails the node, never the engine.
type ServiceMissingError struct {
	Handler string
	Key     registry.Key
}

func (e *ServiceMissingError) Error() string {
	return fmt.Sprintf("handler %q requires service %q and none is registered", e.Handler, e.Key)
}

// BaseHandler supplies lifecycle defaults so concrete handlers
// override only what they need. Spec and Run stay abstract.
type BaseHandler struct{}

// PreExecute never short-circuits by default.
func (BaseHandler) PreExecute(ctx context.Context, req *Request) (*envelope.Envelope, error) {
	return nil, nil
}

// PrepareInputs converts inbound envelopes to plain values keyed by
// port.
func (BaseHandler) PrepareInputs(ctx context.Context, req *Request, inbound map[string]*envelope.Envelope) (map[string]any, error) {
	inputs := make(map[string]any, len(inbound))
	for port, env := range inbound {
		inputs[port] = Value(env)
	}
	return inputs, nil
}

// SerializeOutput wraps the raw result into an envelope stamped with
// the producing node and the execution trace. Envelopes pass through.
func (BaseHandler) SerializeOutput(req *Request, result any) (*envelope.Envelope, error) {
	return Wrap(req, result), nil
}

// PostExecute emits the output on the node's default port. Handlers
// with routed outputs (conditions) override this.
func (BaseHandler) PostExecute(ctx context.Context, req *Request, out *envelope.Envelope) *envelope.Envelope {
	if out != nil {
		req.EmitOutputs(map[string]*envelope.Envelope{diagram.PortDefault: out})
	}
	return out
}

// OnError declines to customize; the runner builds the default error
// envelope.
func (BaseHandler) OnError(ctx context.Context, req *Request, cause error) (*envelope.Envelope, error) {
	return nil, nil
}

// Value converts an envelope body to the plain value handlers consume:
// text for RAW_TEXT, the decoded object for OBJECT and
// CONVERSATION_STATE, raw bytes for BINARY. Error envelopes keep their
// text so downstream handlers can inspect the message.
func Value(env *envelope.Envelope) any {
	if env == nil {
		return nil
	}
	switch env.ContentType {
	case envelope.TypeRawText:
		return env.AsText()
	case envelope.TypeObject:
		v, err := env.AsJSON()
		if err != nil {
			return env.AsText()
		}
		return v
	case envelope.TypeConversationState:
		return env.AsConversation()
	case envelope.TypeBinary:
		return env.AsBytes()
	}
	return env.AsText()
}

// Wrap turns a raw handler result into an envelope. Envelopes pass
// through untouched; errors become error envelopes; strings become
// text; anything else an object body.
func Wrap(req *Request, result any) *envelope.Envelope {
	opts := []envelope.Option{
		envelope.WithProducer(req.Node.ID),
		envelope.WithTrace(req.ExecutionID),
	}
	switch v := result.(type) {
	case *envelope.Envelope:
		return v
	case nil:
		return envelope.Text("", opts...)
	case error:
		return envelope.ErrorText(v.Error(), fmt.Sprintf("%T", v), opts...)
	case string:
		return envelope.Text(v, opts...)
	case []byte:
		return envelope.Bin(v, opts...)
	default:
		return envelope.JSON(v, opts...)
	}
}
