package handler

import (
	"encoding/json"

	"github.com/loomworks/weft/internal/envelope"
	"github.com/loomworks/weft/internal/execution"
)

// MetaTokenUsage is the metadata key carrying a node's LLM token
// spend. Handlers stamp it on their output; the engine reads it after
// completion to aggregate usage per execution.
const MetaTokenUsage = "token_usage"

// StampUsage attaches token usage to an output envelope. Zero usage is
// not stamped.
func StampUsage(env *envelope.Envelope, u execution.TokenUsage) *envelope.Envelope {
	if env == nil || u.IsZero() {
		return env
	}
	return env.WithMetaValue(MetaTokenUsage, u)
}

// UsageFromEnvelope extracts stamped usage. It accepts both the
// in-memory struct and the map shape a persistence round-trip
// produces; unstamped envelopes yield nil.
func UsageFromEnvelope(env *envelope.Envelope) *execution.TokenUsage {
	if env == nil {
		return nil
	}
	v, ok := env.MetaValue(MetaTokenUsage)
	if !ok {
		return nil
	}
	switch t := v.(type) {
	case execution.TokenUsage:
		return &t
	case *execution.TokenUsage:
		if t == nil {
			return nil
		}
		c := *t
		return &c
	case map[string]any:
		raw, err := json.Marshal(t)
		if err != nil {
			return nil
		}
		var u execution.TokenUsage
		if err := json.Unmarshal(raw, &u); err != nil {
			return nil
		}
		return &u
	}
	return nil
}
