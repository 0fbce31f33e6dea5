package envelope

import (
	"errors"
	"strings"
	"testing"
)

func TestTextEnvelope(t *testing.T) {
	env := Text("hi", WithProducer("n1"), WithTrace("exec-1"))
	if env.ContentType != TypeRawText {
		t.Fatalf("content type: got %v want %v", env.ContentType, TypeRawText)
	}
	if env.ProducedBy != "n1" || env.TraceID != "exec-1" {
		t.Fatalf("producer/trace: got %q/%q", env.ProducedBy, env.TraceID)
	}
	if env.ID == "" {
		t.Fatalf("expected generated id")
	}
	if _, ok := env.MetaValue("timestamp"); !ok {
		t.Fatalf("expected auto-stamped timestamp")
	}
	got, err := env.Text()
	if err != nil {
		t.Fatalf("strict text: %v", err)
	}
	if got != "hi" {
		t.Fatalf("text: got %q want %q", got, "hi")
	}
}

func TestStrictAccessorsRefuseMismatch(t *testing.T) {
	env := Text("plain")
	if _, err := env.Bytes(); err == nil {
		t.Fatalf("expected conversion error for bytes on raw_text")
	} else {
		var ce *ConversionError
		if !errors.As(err, &ce) {
			t.Fatalf("expected ConversionError, got %T", err)
		}
		if ce.From != TypeRawText || ce.To != "bytes" {
			t.Fatalf("conversion error fields: got %v→%v", ce.From, ce.To)
		}
	}
	if _, err := env.JSONBody(); err == nil {
		t.Fatalf("expected conversion error for json on raw_text")
	}
	if _, err := env.Conversation(); err == nil {
		t.Fatalf("expected conversion error for conversation on raw_text")
	}

	obj := JSON(map[string]any{"a": 1})
	if _, err := obj.Text(); err == nil {
		t.Fatalf("expected conversion error for text on object")
	}
}

func TestLenientAccessorsConvert(t *testing.T) {
	env := Text(`{"k":"v"}`)
	v, err := env.AsJSON()
	if err != nil {
		t.Fatalf("as json: %v", err)
	}
	m, ok := v.(map[string]any)
	if !ok || m["k"] != "v" {
		t.Fatalf("as json: got %#v", v)
	}

	obj := JSON(map[string]any{"k": "v"})
	if got := obj.AsText(); got != `{"k":"v"}` {
		t.Fatalf("as text: got %q", got)
	}
	if got := string(obj.AsBytes()); got != `{"k":"v"}` {
		t.Fatalf("as bytes: got %q", got)
	}
	if got := obj.AsConversation(); got == nil || got["k"] != "v" {
		t.Fatalf("as conversation: got %#v", got)
	}
}

func TestErrorEnvelope(t *testing.T) {
	env := ErrorText("bad", "ValueError", WithProducer("n2"))
	if !env.IsError() {
		t.Fatalf("expected error envelope")
	}
	if env.ErrorMessage() != "bad" || env.ErrorType() != "ValueError" {
		t.Fatalf("error meta: got %q/%q", env.ErrorMessage(), env.ErrorType())
	}
	if Text("fine").IsError() {
		t.Fatalf("plain envelope must not be an error")
	}
}

func TestWithHelpersCopy(t *testing.T) {
	base := Text("x")
	stamped := base.WithIteration(3).WithBranch("condtrue").WithMetaValue("k", "v")
	if _, ok := base.MetaValue("iteration"); ok {
		t.Fatalf("base envelope mutated by WithIteration")
	}
	if v, _ := stamped.MetaValue("iteration"); v != 3 {
		t.Fatalf("iteration: got %v want 3", v)
	}
	if v, _ := stamped.MetaValue("branch_id"); v != "condtrue" {
		t.Fatalf("branch_id: got %v", v)
	}

	meta := base.Meta()
	meta["poison"] = true
	if _, ok := base.MetaValue("poison"); ok {
		t.Fatalf("Meta() must return a copy")
	}
}

func TestMetaCopiesAreDeep(t *testing.T) {
	nested := map[string]any{"inner": map[string]any{"n": 1}, "list": []any{"a"}}
	base := Text("x", WithMetaEntries(map[string]any{"nested": nested}))
	derived := base.WithMetaValue("k", "v")

	// Mutating the caller's containers must not reach either envelope.
	nested["inner"].(map[string]any)["n"] = 99
	nested["list"].([]any)[0] = "b"

	for _, env := range []*Envelope{base, derived} {
		got, _ := env.MetaValue("nested")
		inner := got.(map[string]any)["inner"].(map[string]any)
		if inner["n"] != 1 {
			t.Fatalf("nested map shared with source: %v", inner)
		}
		if list := got.(map[string]any)["list"].([]any); list[0] != "a" {
			t.Fatalf("nested slice shared with source: %v", list)
		}
	}

	// And the two envelopes must not share containers with each other.
	got, _ := derived.MetaValue("nested")
	got.(map[string]any)["inner"].(map[string]any)["n"] = 7
	back, _ := base.MetaValue("nested")
	if n := back.(map[string]any)["inner"].(map[string]any)["n"]; n != 1 {
		t.Fatalf("derived envelope shares nested meta with base: n = %v", n)
	}
}

func TestStrictFactoryRejectsBadBodies(t *testing.T) {
	f := &Factory{Strict: true}

	type node struct {
		Next *node
	}
	cyclic := &node{}
	cyclic.Next = cyclic
	if _, err := f.JSON(cyclic); err == nil {
		t.Fatalf("expected strict json to reject a cyclic value")
	} else if !errors.Is(err, ErrStrictBody) {
		t.Fatalf("expected ErrStrictBody, got %v", err)
	}

	if _, err := f.Binary(nil); !errors.Is(err, ErrStrictBody) {
		t.Fatalf("expected ErrStrictBody for nil binary, got %v", err)
	}
	if _, err := f.Conversation(nil); !errors.Is(err, ErrStrictBody) {
		t.Fatalf("expected ErrStrictBody for nil conversation, got %v", err)
	}

	lenient := &Factory{}
	if _, err := lenient.Binary(nil); err != nil {
		t.Fatalf("lenient binary: %v", err)
	}
}

func TestStrictFactoryNormalizesJSON(t *testing.T) {
	f := &Factory{Strict: true}
	env, err := f.JSON(struct {
		A int `json:"a"`
	}{A: 7})
	if err != nil {
		t.Fatalf("strict json: %v", err)
	}
	body, err := env.JSONBody()
	if err != nil {
		t.Fatalf("json body: %v", err)
	}
	m, ok := body.(map[string]any)
	if !ok {
		t.Fatalf("expected normalized map body, got %T", body)
	}
	if m["a"] != float64(7) {
		t.Fatalf("normalized value: got %v", m["a"])
	}
}

func TestMsgpackBodyDecodesAsJSON(t *testing.T) {
	env, err := defaultFactory.Msgpack(map[string]any{"n": 42, "s": "txt"})
	if err != nil {
		t.Fatalf("msgpack: %v", err)
	}
	if env.ContentType != TypeBinary || env.Format != FormatMsgpack {
		t.Fatalf("shape: got %v/%q", env.ContentType, env.Format)
	}
	v, err := env.AsJSON()
	if err != nil {
		t.Fatalf("as json: %v", err)
	}
	m, ok := v.(map[string]any)
	if !ok {
		t.Fatalf("expected map, got %T", v)
	}
	if m["s"] != "txt" {
		t.Fatalf("s: got %v", m["s"])
	}
}

func TestConversionErrorMessage(t *testing.T) {
	err := &ConversionError{From: TypeBinary, To: "conversation"}
	if !strings.Contains(err.Error(), "cannot convert binary to conversation") {
		t.Fatalf("message: got %q", err.Error())
	}
}
