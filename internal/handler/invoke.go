package handler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/loomworks/weft/internal/diagram"
	"github.com/loomworks/weft/internal/envelope"
	"github.com/loomworks/weft/internal/log"
	"github.com/loomworks/weft/internal/registry"
)

// Runner drives the handler lifecycle for one node invocation.
// Services resolves declared dependencies; Fallback supplies resolved
// diagram inputs for ports that have no pending token. Tokens win port
// by port.
type Runner struct {
	Services *registry.Registry
	Fallback func(*Request) map[string]*envelope.Envelope
	Logger   *log.Logger
}

// Invoke runs the full lifecycle: inject services, PreExecute (with
// short-circuit), consume tokens and fill uncovered ports from the
// fallback, PrepareInputs, Run, SerializeOutput, PostExecute.
// Failures anywhere route through OnError and yield an error envelope;
// the returned error is non-nil exactly when the node must transition
// FAILED. Panics in handler code fail the node, never the engine.
func (rn *Runner) Invoke(ctx context.Context, h Handler, req *Request) (out *envelope.Envelope, err error) {
	logger := rn.Logger
	if logger == nil {
		logger = log.Nop()
	}
	if req.State == nil {
		req.State = map[string]any{}
	}
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			cause := fmt.Errorf("handler panic: %v", r)
			logger.Error("handler panicked", map[string]any{
				"node_id":      req.Node.ID,
				"node_type":    req.Node.Type,
				"execution_id": req.ExecutionID,
				"panic":        fmt.Sprintf("%v", r),
				"stack":        string(debug.Stack()),
			})
			out, err = rn.fail(ctx, h, req, cause)
		}
		if out != nil {
			out = out.WithMetaValue("duration_ms", time.Since(start).Milliseconds())
		}
	}()

	if cause := rn.inject(h, req); cause != nil {
		return rn.fail(ctx, h, req, cause)
	}

	early, cause := h.PreExecute(ctx, req)
	if cause != nil {
		return rn.fail(ctx, h, req, cause)
	}
	if early != nil {
		// Short-circuit: the early envelope is the output; Run never
		// executes.
		final := h.PostExecute(ctx, req, early)
		if final == nil {
			final = early
		}
		if final.IsError() {
			return final, errors.New(final.ErrorMessage())
		}
		return final, nil
	}

	inbound := map[string]*envelope.Envelope{}
	if req.Bus != nil {
		for port, env := range req.Bus.ConsumeInbound(req.Node.ID) {
			inbound[port] = env
		}
	}
	if rn.Fallback != nil {
		for port, env := range rn.Fallback(req) {
			if _, ok := inbound[port]; !ok {
				inbound[port] = env
			}
		}
	}
	req.Inputs = inbound

	inputs, cause := h.PrepareInputs(ctx, req, inbound)
	if cause != nil {
		return rn.fail(ctx, h, req, cause)
	}
	result, cause := h.Run(ctx, req, inputs)
	if cause != nil {
		return rn.fail(ctx, h, req, cause)
	}

	out, cause = h.SerializeOutput(req, result)
	if cause != nil {
		return rn.fail(ctx, h, req, cause)
	}
	if out == nil {
		out = envelope.Text("",
			envelope.WithProducer(req.Node.ID),
			envelope.WithTrace(req.ExecutionID))
	}

	final := h.PostExecute(ctx, req, out)
	if final == nil {
		final = out
	}
	return final, nil
}

// inject resolves the handler's declared services into the request.
// Required misses return a ServiceMissingError; optional misses bind
// the declared default.
func (rn *Runner) inject(h Handler, req *Request) error {
	spec := h.Spec()
	for _, dep := range spec.Services {
		var provider any
		if rn.Services != nil {
			provider, _ = rn.Services.Get(dep.Key)
		}
		if provider == nil {
			if dep.Required {
				return &ServiceMissingError{Handler: spec.NodeType, Key: dep.Key}
			}
			provider = dep.Default
		}
		req.SetService(dep.Name, provider)
	}
	return nil
}

// fail routes a lifecycle error through OnError and guarantees an
// error envelope. The envelope still travels through PostExecute so
// downstream branches can observe and compensate for the failure.
func (rn *Runner) fail(ctx context.Context, h Handler, req *Request, cause error) (out *envelope.Envelope, err error) {
	err = cause
	defer func() {
		if r := recover(); r != nil {
			// OnError or PostExecute blew up too; fall back to the
			// plain error envelope.
			out = errorEnvelope(req, cause)
		}
	}()

	custom, oerr := h.OnError(ctx, req, cause)
	if oerr != nil {
		if req.Logger != nil {
			req.Logger.Warn("on_error hook failed", map[string]any{
				"node_id": req.Node.ID,
				"reason":  oerr.Error(),
			})
		}
		custom = nil
	}
	out = custom
	if out == nil {
		out = errorEnvelope(req, cause)
	}
	if final := h.PostExecute(ctx, req, out); final != nil {
		out = final
	}
	return out, err
}

// errorEnvelope builds the default failure envelope with meta.error
// and meta.error_type populated.
func errorEnvelope(req *Request, cause error) *envelope.Envelope {
	return envelope.ErrorText(cause.Error(), ErrorType(cause),
		envelope.WithProducer(req.Node.ID),
		envelope.WithTrace(req.ExecutionID))
}

// ErrorType maps an error to the taxonomy name recorded in
// meta.error_type.
func ErrorType(err error) string {
	var miss *ServiceMissingError
	switch {
	case errors.As(err, &miss):
		return "RuntimeError"
	case errors.Is(err, context.DeadlineExceeded):
		return "TimeoutError"
	case errors.Is(err, context.Canceled):
		return "CancelledError"
	}
	var typed *TypedError
	if errors.As(err, &typed) {
		return typed.Kind
	}
	return "Exception"
}

// TypedError tags an error with a taxonomy kind, e.g. ValueError for
// validation failures.
type TypedError struct {
	Kind string
	Err  error
}

func (e *TypedError) Error() string { return e.Err.Error() }
func (e *TypedError) Unwrap() error { return e.Err }

// ValueError marks a validation failure.
func ValueError(format string, args ...any) error {
	return &TypedError{Kind: "ValueError", Err: fmt.Errorf(format, args...)}
}

// Validation helpers shared by handler Validate hooks.

// RequireStringProp fails with a ValueError when the node lacks a
// non-empty string prop.
func RequireStringProp(n *diagram.Node, key string) error {
	if n.StringProp(key, "") == "" {
		return ValueError("node %q (%s) requires prop %q", n.ID, n.Type, key)
	}
	return nil
}
