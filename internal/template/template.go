// Package template renders strings for template_job nodes. Strict
// renderers fail on missing keys; lenient ones print <no value>. The
// renderer also answers duplicate-write checks so a template fired
// twice in quick succession does not rewrite identical content.
package template

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	texttemplate "text/template"
	"time"

	"github.com/zeebo/blake3"
)

// DedupWindow is how long an identical write is considered a
// duplicate. Per-process and best-effort.
const DedupWindow = 2 * time.Second

// Renderer renders template strings with a fixed helper set. Safe for
// concurrent use.
type Renderer struct {
	strict bool
	funcs  texttemplate.FuncMap

	mu     sync.Mutex
	recent map[string]time.Time
	now    func() time.Time
}

// NewRenderer returns a renderer. Strict mode turns missing variables
// into errors.
func NewRenderer(strict bool) *Renderer {
	return &Renderer{
		strict: strict,
		funcs: texttemplate.FuncMap{
			"json": func(v any) (string, error) {
				b, err := json.Marshal(v)
				if err != nil {
					return "", fmt.Errorf("json helper: %w", err)
				}
				return string(b), nil
			},
			"upper": strings.ToUpper,
			"lower": strings.ToLower,
			"trim":  strings.TrimSpace,
		},
		recent: map[string]time.Time{},
		now:    time.Now,
	}
}

// RenderString executes the template against vars.
func (r *Renderer) RenderString(tmpl string, vars map[string]any) (string, error) {
	t := texttemplate.New("inline").Funcs(r.funcs)
	if r.strict {
		t = t.Option("missingkey=error")
	}
	t, err := t.Parse(tmpl)
	if err != nil {
		return "", fmt.Errorf("parse template: %w", err)
	}
	var sb strings.Builder
	if err := t.Execute(&sb, vars); err != nil {
		return "", fmt.Errorf("render template: %w", err)
	}
	return sb.String(), nil
}

// IsDuplicateWrite reports whether an identical write to path landed
// within the dedup window, recording this one either way.
func (r *Renderer) IsDuplicateWrite(path string, content []byte) bool {
	key := writeKey(path, content)
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()
	last, seen := r.recent[key]
	r.recent[key] = now
	// Opportunistic pruning keeps the map from growing across long
	// executions.
	for k, ts := range r.recent {
		if now.Sub(ts) > DedupWindow {
			delete(r.recent, k)
		}
	}
	return seen && now.Sub(last) <= DedupWindow
}

func writeKey(path string, content []byte) string {
	h := blake3.New()
	_, _ = h.Write([]byte(path))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write(content)
	return hex.EncodeToString(h.Sum(nil))
}
