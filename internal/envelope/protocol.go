package envelope

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

// ErrNotEnvelope is returned when deserializing a map that lacks the
// envelope_format discriminator. Legacy output shapes are refused.
var ErrNotEnvelope = errors.New("not an envelope: missing envelope_format discriminator")

// ParseContentType parses a wire content type. Matching is
// case-insensitive so persisted rows from older writers still load.
func ParseContentType(s string) (ContentType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "raw_text":
		return TypeRawText, nil
	case "object":
		return TypeObject, nil
	case "binary":
		return TypeBinary, nil
	case "conversation_state":
		return TypeConversationState, nil
	}
	return "", fmt.Errorf("unknown content type %q", s)
}

// Marshal renders the envelope as a self-describing wire map. Binary
// bodies are base64-encoded so the result is JSON-safe.
func Marshal(e *Envelope) (map[string]any, error) {
	if e == nil {
		return nil, errors.New("marshal nil envelope")
	}
	var body any
	switch e.ContentType {
	case TypeRawText:
		body = e.body.(string)
	case TypeObject, TypeConversationState:
		body = e.body
	case TypeBinary:
		body = base64.StdEncoding.EncodeToString(e.body.([]byte))
	default:
		return nil, fmt.Errorf("unknown content type %q", e.ContentType)
	}
	return map[string]any{
		"envelope_format":      true,
		"id":                   e.ID,
		"trace_id":             e.TraceID,
		"produced_by":          e.ProducedBy,
		"content_type":         string(e.ContentType),
		"schema_id":            e.SchemaID,
		"serialization_format": e.Format,
		"body":                 body,
		"meta":                 copyMeta(e.meta),
	}, nil
}

// Unmarshal rebuilds an envelope from its wire map. The map must carry
// envelope_format: true; anything else gets ErrNotEnvelope.
func Unmarshal(m map[string]any) (*Envelope, error) {
	if ok, _ := m["envelope_format"].(bool); !ok {
		return nil, ErrNotEnvelope
	}
	ct, err := ParseContentType(str(m["content_type"]))
	if err != nil {
		return nil, err
	}
	e := &Envelope{
		ID:          str(m["id"]),
		TraceID:     str(m["trace_id"]),
		ProducedBy:  str(m["produced_by"]),
		ContentType: ct,
		SchemaID:    str(m["schema_id"]),
		Format:      str(m["serialization_format"]),
		meta:        map[string]any{},
	}
	if meta, ok := m["meta"].(map[string]any); ok {
		e.meta = copyMeta(meta)
	}
	switch ct {
	case TypeRawText:
		s, ok := m["body"].(string)
		if !ok {
			return nil, fmt.Errorf("raw_text body must be a string, got %T", m["body"])
		}
		e.body = s
	case TypeObject:
		e.body = m["body"]
	case TypeConversationState:
		state, ok := m["body"].(map[string]any)
		if !ok {
			return nil, fmt.Errorf("conversation_state body must be a map, got %T", m["body"])
		}
		e.body = copyMeta(state)
	case TypeBinary:
		s, ok := m["body"].(string)
		if !ok {
			return nil, fmt.Errorf("binary body must be base64 text, got %T", m["body"])
		}
		raw, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("decode binary body: %w", err)
		}
		e.body = raw
	}
	return e, nil
}

func str(v any) string {
	s, _ := v.(string)
	return s
}
