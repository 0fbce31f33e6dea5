// Package events publishes execution lifecycle events to in-process
// subscribers. Delivery is best-effort: a subscriber that cannot keep
// up loses events rather than stalling the engine.
package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/loomworks/weft/internal/log"
)

// Type names one lifecycle event.
type Type string

const (
	ExecutionStarted   Type = "EXECUTION_STARTED"
	NodeStarted        Type = "NODE_STARTED"
	NodeCompleted      Type = "NODE_COMPLETED"
	NodeFailed         Type = "NODE_FAILED"
	ExecutionCompleted Type = "EXECUTION_COMPLETED"
	ExecutionFailed    Type = "EXECUTION_FAILED"
	ExecutionAborted   Type = "EXECUTION_ABORTED"
	WebhookReceived    Type = "WEBHOOK_RECEIVED"
)

// Event is one published lifecycle notification.
type Event struct {
	ID          string         `json:"id"`
	Type        Type           `json:"type"`
	ExecutionID string         `json:"execution_id"`
	NodeID      string         `json:"node_id,omitempty"`
	Status      string         `json:"status,omitempty"`
	EnvelopeID  string         `json:"envelope_id,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
	Meta        map[string]any `json:"meta,omitempty"`
}

// Emitter fans events out to subscribers. Emit never blocks: when a
// subscriber's buffer is full the event is dropped and counted.
type Emitter struct {
	mu      sync.RWMutex
	subs    map[int]chan Event
	next    int
	dropped atomic.Int64
	log     *log.Logger
}

// New returns an emitter. A nil logger silences drop warnings.
func New(logger *log.Logger) *Emitter {
	if logger == nil {
		logger = log.Nop()
	}
	return &Emitter{subs: map[int]chan Event{}, log: logger}
}

var (
	defaultOnce sync.Once
	defaultEmit *Emitter
)

// Default returns the process-wide emitter.
func Default() *Emitter {
	defaultOnce.Do(func() { defaultEmit = New(nil) })
	return defaultEmit
}

// Subscribe registers a listener with the given buffer size and
// returns its channel plus a cancel function. Cancel closes the
// channel; it is safe to call more than once.
func (e *Emitter) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)

	e.mu.Lock()
	id := e.next
	e.next++
	e.subs[id] = ch
	e.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			e.mu.Lock()
			delete(e.subs, id)
			e.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// Emit publishes ev to every subscriber. Missing record ids and
// timestamps are stamped before fan-out.
func (e *Emitter) Emit(ev Event) {
	if ev.ID == "" {
		ev.ID = ulid.Make().String()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, ch := range e.subs {
		select {
		case ch <- ev:
		default:
			e.dropped.Add(1)
			e.log.Warn("event dropped", map[string]any{
				"type":         string(ev.Type),
				"execution_id": ev.ExecutionID,
			})
		}
	}
}

// Dropped returns how many events were discarded due to full buffers.
func (e *Emitter) Dropped() int64 { return e.dropped.Load() }

// EmitExecution publishes an execution-scoped event.
func (e *Emitter) EmitExecution(t Type, executionID, status string, meta map[string]any) {
	e.Emit(Event{Type: t, ExecutionID: executionID, Status: status, Meta: meta})
}

// EmitNode publishes a node-scoped event. envelopeID may be empty when
// the node produced nothing.
func (e *Emitter) EmitNode(t Type, executionID, nodeID, status, envelopeID string, meta map[string]any) {
	e.Emit(Event{
		Type:        t,
		ExecutionID: executionID,
		NodeID:      nodeID,
		Status:      status,
		EnvelopeID:  envelopeID,
		Meta:        meta,
	})
}
