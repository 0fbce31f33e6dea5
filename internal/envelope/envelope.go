// Package envelope defines the typed, immutable message passed between
// diagram nodes. Envelopes are value objects: every mutation helper
// returns a new envelope and the original is never changed. Construction
// goes through a Factory (see factory.go); the wire form is produced by
// Marshal/Unmarshal (see protocol.go).
package envelope

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"unicode/utf8"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/vmihailenco/msgpack/v5"
)

// ContentType tags the body of an envelope.
type ContentType string

const (
	TypeRawText           ContentType = "raw_text"
	TypeObject            ContentType = "object"
	TypeBinary            ContentType = "binary"
	TypeConversationState ContentType = "conversation_state"
)

// FormatMsgpack marks a binary body holding a msgpack-encoded value.
const FormatMsgpack = "msgpack"

// Envelope is one message between nodes. TraceID is the execution id,
// ProducedBy the node id that emitted it. The body is private; use the
// typed accessors. Exactly one body shape is populated, matching
// ContentType.
type Envelope struct {
	ID          string
	TraceID     string
	ProducedBy  string
	ContentType ContentType
	SchemaID    string
	Format      string

	body any
	meta map[string]any
}

// ConversionError reports a strict accessor applied to the wrong
// content type.
type ConversionError struct {
	From ContentType
	To   string
}

func (e *ConversionError) Error() string {
	return fmt.Sprintf("cannot convert %s to %s", e.From, e.To)
}

// Meta returns a copy of the metadata map. Mutating the result does not
// affect the envelope.
func (e *Envelope) Meta() map[string]any {
	return copyMeta(e.meta)
}

// MetaValue looks up one metadata key.
func (e *Envelope) MetaValue(key string) (any, bool) {
	v, ok := e.meta[key]
	return v, ok
}

// IsError reports whether the envelope carries a failure. An envelope is
// an error iff meta["error"] is non-empty.
func (e *Envelope) IsError() bool {
	v, ok := e.meta["error"]
	if !ok {
		return false
	}
	s, ok := v.(string)
	return !ok || s != ""
}

// ErrorMessage returns meta["error"], or "" when the envelope is not an
// error.
func (e *Envelope) ErrorMessage() string {
	if s, ok := e.meta["error"].(string); ok {
		return s
	}
	return ""
}

// ErrorType returns meta["error_type"], or "" when unset.
func (e *Envelope) ErrorType() string {
	if s, ok := e.meta["error_type"].(string); ok {
		return s
	}
	return ""
}

// WithMetaValue returns a copy with one metadata key set.
func (e *Envelope) WithMetaValue(key string, value any) *Envelope {
	c := e.clone()
	c.meta[key] = copyMetaValue(value)
	return c
}

// WithMeta returns a copy with the given entries merged over the
// existing metadata.
func (e *Envelope) WithMeta(m map[string]any) *Envelope {
	c := e.clone()
	for k, v := range m {
		c.meta[k] = copyMetaValue(v)
	}
	return c
}

// WithIteration returns a copy stamped with the loop iteration that
// produced it.
func (e *Envelope) WithIteration(n int) *Envelope {
	return e.WithMetaValue("iteration", n)
}

// WithBranch returns a copy stamped with a branch id, used by condition
// nodes and parallel fan-out.
func (e *Envelope) WithBranch(id string) *Envelope {
	return e.WithMetaValue("branch_id", id)
}

func (e *Envelope) clone() *Envelope {
	c := *e
	c.meta = copyMeta(e.meta)
	return &c
}

// copyMeta deep-copies nested maps and slices so a derived envelope
// never shares mutable meta containers with its original. Other values
// copy by assignment.
func copyMeta(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = copyMetaValue(v)
	}
	return out
}

func copyMetaValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return copyMeta(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = copyMetaValue(e)
		}
		return out
	}
	return v
}

// AsText renders the body as text, converting when necessary. Object
// and conversation bodies are JSON-encoded; binary bodies pass through
// when valid UTF-8 and are base64-encoded otherwise.
func (e *Envelope) AsText() string {
	switch e.ContentType {
	case TypeRawText:
		return e.body.(string)
	case TypeBinary:
		b := e.body.([]byte)
		if utf8.Valid(b) {
			return string(b)
		}
		return base64.StdEncoding.EncodeToString(b)
	default:
		out, err := json.Marshal(e.body)
		if err != nil {
			return fmt.Sprintf("%v", e.body)
		}
		return string(out)
	}
}

// AsJSON returns the body as a decoded JSON value, converting when
// possible: raw text is parsed, msgpack binaries are decoded, plain
// binaries are parsed as JSON bytes.
func (e *Envelope) AsJSON() (any, error) {
	switch e.ContentType {
	case TypeObject:
		return e.body, nil
	case TypeConversationState:
		return e.body, nil
	case TypeRawText:
		var v any
		if err := json.Unmarshal([]byte(e.body.(string)), &v); err != nil {
			return nil, fmt.Errorf("parse text body as json: %w", err)
		}
		return v, nil
	case TypeBinary:
		raw := e.body.([]byte)
		if e.Format == FormatMsgpack {
			var v any
			if err := msgpack.Unmarshal(raw, &v); err != nil {
				return nil, fmt.Errorf("decode msgpack body: %w", err)
			}
			return normalizeMsgpack(v), nil
		}
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("parse binary body as json: %w", err)
		}
		return v, nil
	}
	return nil, &ConversionError{From: e.ContentType, To: "json"}
}

// AsBytes renders the body as a byte slice, encoding structured bodies
// as JSON.
func (e *Envelope) AsBytes() []byte {
	switch e.ContentType {
	case TypeBinary:
		b := e.body.([]byte)
		out := make([]byte, len(b))
		copy(out, b)
		return out
	case TypeRawText:
		return []byte(e.body.(string))
	default:
		out, err := json.Marshal(e.body)
		if err != nil {
			return []byte(fmt.Sprintf("%v", e.body))
		}
		return out
	}
}

// AsConversation returns the conversation mapping, or an object body
// when it already is a string-keyed map. Returns nil otherwise.
func (e *Envelope) AsConversation() map[string]any {
	switch e.ContentType {
	case TypeConversationState:
		return copyMeta(e.body.(map[string]any))
	case TypeObject:
		if m, ok := e.body.(map[string]any); ok {
			return copyMeta(m)
		}
	}
	return nil
}

// Text is the strict accessor for RAW_TEXT bodies.
func (e *Envelope) Text() (string, error) {
	if e.ContentType != TypeRawText {
		return "", &ConversionError{From: e.ContentType, To: "text"}
	}
	return e.body.(string), nil
}

// JSONBody is the strict accessor for OBJECT bodies.
func (e *Envelope) JSONBody() (any, error) {
	if e.ContentType != TypeObject {
		return nil, &ConversionError{From: e.ContentType, To: "json"}
	}
	return e.body, nil
}

// Bytes is the strict accessor for BINARY bodies.
func (e *Envelope) Bytes() ([]byte, error) {
	if e.ContentType != TypeBinary {
		return nil, &ConversionError{From: e.ContentType, To: "bytes"}
	}
	b := e.body.([]byte)
	out := make([]byte, len(b))
	copy(out, b)
	return out, nil
}

// Conversation is the strict accessor for CONVERSATION_STATE bodies.
func (e *Envelope) Conversation() (map[string]any, error) {
	if e.ContentType != TypeConversationState {
		return nil, &ConversionError{From: e.ContentType, To: "conversation"}
	}
	return copyMeta(e.body.(map[string]any)), nil
}

// DecodeJSON unmarshals an OBJECT or RAW_TEXT body into v.
func (e *Envelope) DecodeJSON(v any) error {
	raw, err := e.jsonBytes()
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}

// ValidateAgainst checks the JSON form of the body against a compiled
// schema. Used when SchemaID names a registered node output schema.
func (e *Envelope) ValidateAgainst(schema *jsonschema.Schema) error {
	raw, err := e.jsonBytes()
	if err != nil {
		return err
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return fmt.Errorf("body is not valid json: %w", err)
	}
	return schema.Validate(v)
}

func (e *Envelope) jsonBytes() ([]byte, error) {
	v, err := e.AsJSON()
	if err != nil {
		return nil, err
	}
	return json.Marshal(v)
}

// Equal compares two envelopes field-wise, body and meta included.
func Equal(a, b *Envelope) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.ID != b.ID || a.TraceID != b.TraceID || a.ProducedBy != b.ProducedBy ||
		a.ContentType != b.ContentType || a.SchemaID != b.SchemaID || a.Format != b.Format {
		return false
	}
	if len(a.meta) != len(b.meta) {
		return false
	}
	av, aerr := json.Marshal(map[string]any{"body": a.body, "meta": a.meta})
	bv, berr := json.Marshal(map[string]any{"body": b.body, "meta": b.meta})
	if aerr != nil || berr != nil {
		return false
	}
	return bytes.Equal(av, bv)
}

// normalizeMsgpack rewrites map[any]any trees produced by the msgpack
// decoder into map[string]any so the result is JSON-shaped.
func normalizeMsgpack(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, e := range t {
			t[k] = normalizeMsgpack(e)
		}
		return t
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[fmt.Sprintf("%v", k)] = normalizeMsgpack(e)
		}
		return out
	case []any:
		for i, e := range t {
			t[i] = normalizeMsgpack(e)
		}
		return t
	default:
		return v
	}
}
