package llm

import (
	"context"
	"fmt"
	"sync"

	"github.com/loomworks/weft/internal/execution"
)

// Recorder is the in-tree test double for Completer: it records every
// request and answers from a scripted queue. When the script runs dry
// it replies with a fixed echo so loops in tests keep moving.
type Recorder struct {
	mu      sync.Mutex
	script  []string
	calls   []Request
	usage   execution.TokenUsage
	failErr error
}

// NewRecorder returns a recorder answering with the given replies in
// order.
func NewRecorder(replies ...string) *Recorder {
	return &Recorder{script: append([]string(nil), replies...)}
}

// SetUsage makes every reply report this usage.
func (r *Recorder) SetUsage(u execution.TokenUsage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.usage = u
}

// Fail makes every call return err.
func (r *Recorder) Fail(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failErr = err
}

// Complete records the request and pops the next scripted reply.
func (r *Recorder) Complete(ctx context.Context, req Request) (Reply, execution.TokenUsage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, req)
	if r.failErr != nil {
		return Reply{}, execution.TokenUsage{}, r.failErr
	}
	text := fmt.Sprintf("reply %d", len(r.calls))
	if len(r.script) > 0 {
		text = r.script[0]
		r.script = r.script[1:]
	}
	return Reply{Text: text, Model: "recorder"}, r.usage, nil
}

// Calls returns a copy of everything asked so far.
func (r *Recorder) Calls() []Request {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Request, len(r.calls))
	copy(out, r.calls)
	return out
}

// CallCount returns how many completions ran.
func (r *Recorder) CallCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}
