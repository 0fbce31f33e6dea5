package handler

import (
	"context"
	"errors"
	"testing"

	"github.com/loomworks/weft/internal/diagram"
	"github.com/loomworks/weft/internal/envelope"
	"github.com/loomworks/weft/internal/registry"
	"github.com/loomworks/weft/internal/tokenbus"
)

// stub is a configurable handler for runner tests. Nil hooks fall back
// to the embedded defaults; run defaults to returning "ok".
type stub struct {
	BaseHandler
	nodeType string
	services []ServiceDep
	validate func(*Request) error
	pre      func(ctx context.Context, req *Request) (*envelope.Envelope, error)
	run      func(ctx context.Context, req *Request, in map[string]any) (any, error)
	onError  func(ctx context.Context, req *Request, cause error) (*envelope.Envelope, error)
	ran      bool
}

func (s *stub) Spec() Spec {
	return Spec{NodeType: s.nodeType, Services: s.services, Validate: s.validate}
}

func (s *stub) PreExecute(ctx context.Context, req *Request) (*envelope.Envelope, error) {
	if s.pre != nil {
		return s.pre(ctx, req)
	}
	return s.BaseHandler.PreExecute(ctx, req)
}

func (s *stub) Run(ctx context.Context, req *Request, in map[string]any) (any, error) {
	s.ran = true
	if s.run != nil {
		return s.run(ctx, req, in)
	}
	return "ok", nil
}

func (s *stub) OnError(ctx context.Context, req *Request, cause error) (*envelope.Envelope, error) {
	if s.onError != nil {
		return s.onError(ctx, req, cause)
	}
	return s.BaseHandler.OnError(ctx, req, cause)
}

func testRequest(t *testing.T, nodeType string) (*Request, *tokenbus.Bus) {
	t.Helper()
	d := diagram.NewDiagram("d")
	n := diagram.NewNode("n1", nodeType)
	if err := d.AddNode(n); err != nil {
		t.Fatalf("add node: %v", err)
	}
	m := diagram.NewNode("n2", "endpoint")
	if err := d.AddNode(m); err != nil {
		t.Fatalf("add node: %v", err)
	}
	d.AddArrow(&diagram.Arrow{From: "n1", To: "n2"})
	bus := tokenbus.New(d)
	return &Request{
		Node:        n,
		Diagram:     d,
		ExecutionID: "exec_t",
		Bus:         bus,
	}, bus
}

func TestHappyPathProducesTextEnvelope(t *testing.T) {
	rn := &Runner{}
	h := &stub{nodeType: "echo"}
	req, bus := testRequest(t, "echo")

	out, err := rn.Invoke(context.Background(), h, req)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if out.AsText() != "ok" {
		t.Fatalf("output: got %q want %q", out.AsText(), "ok")
	}
	if out.ProducedBy != "n1" || out.TraceID != "exec_t" {
		t.Fatalf("stamping: produced_by=%q trace=%q", out.ProducedBy, out.TraceID)
	}
	// Default PostExecute emitted the token downstream.
	if !bus.HasToken("n2", diagram.PortDefault) {
		t.Fatalf("expected token at n2.default")
	}
	if _, ok := out.MetaValue("duration_ms"); !ok {
		t.Fatalf("runner should stamp duration_ms")
	}
}

func TestPreExecuteShortCircuitSkipsRun(t *testing.T) {
	early := envelope.Text("cached", envelope.WithProducer("n1"))
	h := &stub{
		nodeType: "echo",
		pre: func(ctx context.Context, req *Request) (*envelope.Envelope, error) {
			return early, nil
		},
	}
	rn := &Runner{}
	req, _ := testRequest(t, "echo")

	out, err := rn.Invoke(context.Background(), h, req)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if h.ran {
		t.Fatalf("Run must not execute after a pre-execute envelope")
	}
	if out.AsText() != "cached" {
		t.Fatalf("output: got %q want %q", out.AsText(), "cached")
	}
}

func TestRunErrorBuildsDefaultErrorEnvelope(t *testing.T) {
	h := &stub{
		nodeType: "echo",
		run: func(ctx context.Context, req *Request, in map[string]any) (any, error) {
			return nil, ValueError("bad")
		},
	}
	rn := &Runner{}
	req, _ := testRequest(t, "echo")

	out, err := rn.Invoke(context.Background(), h, req)
	if err == nil {
		t.Fatalf("expected a node failure")
	}
	if !out.IsError() {
		t.Fatalf("output should be an error envelope")
	}
	if out.ErrorMessage() != "bad" {
		t.Fatalf("meta.error: got %q want %q", out.ErrorMessage(), "bad")
	}
	if out.ErrorType() != "ValueError" {
		t.Fatalf("meta.error_type: got %q want %q", out.ErrorType(), "ValueError")
	}
}

func TestOnErrorCustomEnvelopeWins(t *testing.T) {
	h := &stub{
		nodeType: "echo",
		run: func(ctx context.Context, req *Request, in map[string]any) (any, error) {
			return nil, errors.New("boom")
		},
		onError: func(ctx context.Context, req *Request, cause error) (*envelope.Envelope, error) {
			return envelope.ErrorText("handled: "+cause.Error(), "Recovered",
				envelope.WithProducer(req.Node.ID)), nil
		},
	}
	rn := &Runner{}
	req, _ := testRequest(t, "echo")

	out, err := rn.Invoke(context.Background(), h, req)
	if err == nil {
		t.Fatalf("node must still count as failed")
	}
	if out.ErrorMessage() != "handled: boom" || out.ErrorType() != "Recovered" {
		t.Fatalf("custom envelope not used: %q %q", out.ErrorMessage(), out.ErrorType())
	}
}

func TestPanicRecoversToFailure(t *testing.T) {
	h := &stub{
		nodeType: "echo",
		run: func(ctx context.Context, req *Request, in map[string]any) (any, error) {
			panic("kaboom")
		},
	}
	rn := &Runner{}
	req, _ := testRequest(t, "echo")

	out, err := rn.Invoke(context.Background(), h, req)
	if err == nil {
		t.Fatalf("panic must fail the node")
	}
	if !out.IsError() {
		t.Fatalf("panic should yield an error envelope")
	}
}

func TestRequiredServiceMissFailsNode(t *testing.T) {
	h := &stub{
		nodeType: "api_job",
		services: []ServiceDep{{Name: "api", Key: registry.KeyAPIInvoker, Required: true}},
	}
	rn := &Runner{Services: registry.New()}
	req, _ := testRequest(t, "api_job")

	out, err := rn.Invoke(context.Background(), h, req)
	if err == nil {
		t.Fatalf("expected failure on missing required service")
	}
	var miss *ServiceMissingError
	if !errors.As(err, &miss) {
		t.Fatalf("error type: got %T want *ServiceMissingError", err)
	}
	if miss.Handler != "api_job" || miss.Key != registry.KeyAPIInvoker {
		t.Fatalf("miss detail: %+v", miss)
	}
	if out.ErrorType() != "RuntimeError" {
		t.Fatalf("meta.error_type: got %q want RuntimeError", out.ErrorType())
	}
	if h.ran {
		t.Fatalf("Run must not execute without required services")
	}
}

func TestOptionalServiceDefaultInjected(t *testing.T) {
	var seen any
	h := &stub{
		nodeType: "echo",
		services: []ServiceDep{{Name: "cache", Key: registry.KeyIRCache, Required: false, Default: "fallback"}},
		run: func(ctx context.Context, req *Request, in map[string]any) (any, error) {
			seen, _ = req.Service("cache")
			return "ok", nil
		},
	}
	rn := &Runner{Services: registry.New()}
	req, _ := testRequest(t, "echo")

	if _, err := rn.Invoke(context.Background(), h, req); err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if seen != "fallback" {
		t.Fatalf("injected default: got %v want %q", seen, "fallback")
	}
}

func TestTokensPreferredOverFallback(t *testing.T) {
	var got map[string]*envelope.Envelope
	h := &stub{
		nodeType: "echo",
		run: func(ctx context.Context, req *Request, in map[string]any) (any, error) {
			got = req.Inputs
			return "ok", nil
		},
	}
	rn := &Runner{
		Fallback: func(req *Request) map[string]*envelope.Envelope {
			return map[string]*envelope.Envelope{
				diagram.PortDefault: envelope.Text("fallback"),
				"config":            envelope.Text("resolved"),
			}
		},
	}
	req, bus := testRequest(t, "echo")
	bus.Deposit("n1", diagram.PortDefault, envelope.Text("token"))

	if _, err := rn.Invoke(context.Background(), h, req); err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if got[diagram.PortDefault] == nil || got[diagram.PortDefault].AsText() != "token" {
		t.Fatalf("default port = %v, want the token", got[diagram.PortDefault])
	}
	// Ports without a token still receive the resolved value.
	if got["config"] == nil || got["config"].AsText() != "resolved" {
		t.Fatalf("config port = %v, want the fallback value", got["config"])
	}
	// Tokens were consumed.
	if bus.HasToken("n1", diagram.PortDefault) {
		t.Fatalf("token should be drained")
	}
}

func TestFallbackUsedWithoutTokens(t *testing.T) {
	var got map[string]*envelope.Envelope
	h := &stub{
		nodeType: "echo",
		run: func(ctx context.Context, req *Request, in map[string]any) (any, error) {
			got = req.Inputs
			return "ok", nil
		},
	}
	rn := &Runner{
		Fallback: func(req *Request) map[string]*envelope.Envelope {
			return map[string]*envelope.Envelope{diagram.PortDefault: envelope.Text("resolved")}
		},
	}
	req, _ := testRequest(t, "echo")

	if _, err := rn.Invoke(context.Background(), h, req); err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if got[diagram.PortDefault] == nil || got[diagram.PortDefault].AsText() != "resolved" {
		t.Fatalf("fallback inputs: got %v", got)
	}
}

func TestPrepareInputsDefaultConversion(t *testing.T) {
	var got map[string]any
	h := &stub{
		nodeType: "echo",
		run: func(ctx context.Context, req *Request, in map[string]any) (any, error) {
			got = in
			return "ok", nil
		},
	}
	rn := &Runner{}
	req, bus := testRequest(t, "echo")
	bus.Deposit("n1", "text", envelope.Text("hello"))
	bus.Deposit("n1", "obj", envelope.JSON(map[string]any{"k": "v"}))

	if _, err := rn.Invoke(context.Background(), h, req); err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if got["text"] != "hello" {
		t.Fatalf("text input: got %v", got["text"])
	}
	obj, ok := got["obj"].(map[string]any)
	if !ok || obj["k"] != "v" {
		t.Fatalf("obj input: got %v", got["obj"])
	}
}

func TestRegistryDuplicatePanics(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&stub{nodeType: "echo"})

	defer func() {
		if recover() == nil {
			t.Fatalf("duplicate registration must panic")
		}
	}()
	reg.Register(&stub{nodeType: "echo"})
}

func TestRegistryResolveAndKnownTypes(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&stub{nodeType: "b_type"})
	reg.Register(&stub{nodeType: "a_type"})

	if _, ok := reg.Resolve("a_type"); !ok {
		t.Fatalf("a_type should resolve")
	}
	if _, ok := reg.Resolve("missing"); ok {
		t.Fatalf("missing type should not resolve")
	}
	types := reg.KnownTypes()
	if len(types) != 2 || types[0] != "a_type" || types[1] != "b_type" {
		t.Fatalf("known types: got %v", types)
	}
}

func TestStaticCheckUsesValidate(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&stub{
		nodeType: "needs_url",
		validate: func(req *Request) error {
			return RequireStringProp(req.Node, "url")
		},
	})

	bad := diagram.NewNode("x", "needs_url")
	if err := reg.StaticCheck(bad); err == nil {
		t.Fatalf("missing url should fail the static check")
	}
	good := diagram.NewNode("y", "needs_url")
	good.Props = map[string]any{"url": "https://example.test"}
	if err := reg.StaticCheck(good); err != nil {
		t.Fatalf("StaticCheck: %v", err)
	}
}
