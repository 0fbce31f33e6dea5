package envelope

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"
)

// ErrStrictBody is wrapped by strict-mode construction failures.
var ErrStrictBody = errors.New("strict envelope: invalid body")

// Option customizes an envelope at construction time.
type Option func(*Envelope)

// WithProducer sets the node id that emitted the envelope.
func WithProducer(nodeID string) Option {
	return func(e *Envelope) { e.ProducedBy = nodeID }
}

// WithNodeID is an alias of WithProducer, kept for callers that think in
// node ids rather than producers.
func WithNodeID(nodeID string) Option { return WithProducer(nodeID) }

// WithTrace sets the execution id the envelope belongs to.
func WithTrace(executionID string) Option {
	return func(e *Envelope) { e.TraceID = executionID }
}

// WithSchema tags the body with a schema id.
func WithSchema(schemaID string) Option {
	return func(e *Envelope) { e.SchemaID = schemaID }
}

// WithFormat sets the serialization format of the body.
func WithFormat(format string) Option {
	return func(e *Envelope) { e.Format = format }
}

// WithMetaEntries merges metadata entries at construction time. The
// entries are deep-copied so the envelope never shares containers with
// the caller's map.
func WithMetaEntries(m map[string]any) Option {
	return func(e *Envelope) {
		for k, v := range m {
			e.meta[k] = copyMetaValue(v)
		}
	}
}

// Factory builds envelopes. In strict mode body shapes are validated
// eagerly; in lenient mode validation is deferred to serialization.
type Factory struct {
	Strict bool

	now func() time.Time
}

// NewFactory returns a factory whose mode is taken from
// WEFT_STRICT_ENVELOPE ("1" enables strict construction).
func NewFactory() *Factory {
	return &Factory{Strict: os.Getenv("WEFT_STRICT_ENVELOPE") == "1"}
}

// defaultFactory backs the package-level constructors. Lenient.
var defaultFactory = &Factory{}

func (f *Factory) newEnvelope(ct ContentType, body any, opts []Option) *Envelope {
	now := time.Now
	if f.now != nil {
		now = f.now
	}
	e := &Envelope{
		ID:          uuid.NewString(),
		ContentType: ct,
		body:        body,
		meta:        map[string]any{"timestamp": now().UnixMilli()},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Text builds a RAW_TEXT envelope.
func (f *Factory) Text(text string, opts ...Option) *Envelope {
	return f.newEnvelope(TypeRawText, text, opts)
}

// JSON builds an OBJECT envelope. In strict mode the value is round-
// tripped through encoding/json eagerly, so cycles and unsupported
// types are rejected before the envelope exists; the stored body is the
// normalized JSON value.
func (f *Factory) JSON(value any, opts ...Option) (*Envelope, error) {
	if f.Strict {
		raw, err := json.Marshal(value)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStrictBody, err)
		}
		var normalized any
		if err := json.Unmarshal(raw, &normalized); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStrictBody, err)
		}
		value = normalized
	}
	return f.newEnvelope(TypeObject, value, opts), nil
}

// Binary builds a BINARY envelope. Strict mode rejects nil bodies.
func (f *Factory) Binary(b []byte, opts ...Option) (*Envelope, error) {
	if f.Strict && b == nil {
		return nil, fmt.Errorf("%w: binary body must not be nil", ErrStrictBody)
	}
	if b == nil {
		b = []byte{}
	}
	owned := make([]byte, len(b))
	copy(owned, b)
	return f.newEnvelope(TypeBinary, owned, opts), nil
}

// Conversation builds a CONVERSATION_STATE envelope. Strict mode
// rejects nil maps.
func (f *Factory) Conversation(state map[string]any, opts ...Option) (*Envelope, error) {
	if f.Strict && state == nil {
		return nil, fmt.Errorf("%w: conversation body must not be nil", ErrStrictBody)
	}
	if state == nil {
		state = map[string]any{}
	}
	return f.newEnvelope(TypeConversationState, copyMeta(state), opts), nil
}

// Msgpack encodes value with msgpack into a BINARY envelope tagged with
// FormatMsgpack. AsJSON on the result decodes it back.
func (f *Factory) Msgpack(value any, opts ...Option) (*Envelope, error) {
	raw, err := msgpack.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("encode msgpack body: %w", err)
	}
	opts = append([]Option{WithFormat(FormatMsgpack)}, opts...)
	return f.newEnvelope(TypeBinary, raw, opts), nil
}

// Error builds an error envelope: the message is the text body and the
// failure is recorded in metadata.
func (f *Factory) Error(message, errorType string, opts ...Option) *Envelope {
	e := f.newEnvelope(TypeRawText, message, opts)
	e.meta["error"] = message
	e.meta["error_type"] = errorType
	e.meta["is_error"] = true
	return e
}

// Text builds a RAW_TEXT envelope with the lenient default factory.
func Text(text string, opts ...Option) *Envelope {
	return defaultFactory.Text(text, opts...)
}

// JSON builds an OBJECT envelope with the lenient default factory.
// Lenient construction never fails.
func JSON(value any, opts ...Option) *Envelope {
	e, _ := defaultFactory.JSON(value, opts...)
	return e
}

// Bin builds a BINARY envelope with the lenient default factory.
func Bin(b []byte, opts ...Option) *Envelope {
	e, _ := defaultFactory.Binary(b, opts...)
	return e
}

// Conv builds a CONVERSATION_STATE envelope with the lenient default
// factory.
func Conv(state map[string]any, opts ...Option) *Envelope {
	e, _ := defaultFactory.Conversation(state, opts...)
	return e
}

// ErrorText builds an error envelope with the lenient default factory.
func ErrorText(message, errorType string, opts ...Option) *Envelope {
	return defaultFactory.Error(message, errorType, opts...)
}
