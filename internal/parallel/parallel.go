// Package parallel bounds concurrent sub-diagram executions. A
// semaphore caps in-flight children; overflow waits in a FIFO queue.
// The manager never fails the parent for a failed child: WaitFor turns
// a child error into an error envelope marked
// meta.execution_status="failed" so downstream nodes keep going.
package parallel

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/loomworks/weft/internal/envelope"
	"github.com/loomworks/weft/internal/log"
)

// DefaultMaxParallel is the in-flight cap when none is configured.
const DefaultMaxParallel = 10

// TaskFunc runs one nested execution and returns its result envelope.
type TaskFunc func(ctx context.Context) (*envelope.Envelope, error)

// Task is one submitted sub-diagram execution.
type Task struct {
	NodeID  string
	Diagram string

	done     chan struct{}
	env      *envelope.Envelope
	err      error
	started  time.Time
	duration time.Duration
}

type pendingTask struct {
	task *Task
	fn   TaskFunc
	ctx  context.Context
}

// Options configures a Manager.
type Options struct {
	MaxParallel int
	ExecutionID string
	Logger      *log.Logger
}

// Manager runs submitted tasks with bounded concurrency. One manager
// serves one root execution; batch fan-out shares it, so the cap holds
// across all sub-diagram nodes of the run.
type Manager struct {
	sem    *semaphore.Weighted
	max    int
	execID string
	log    *log.Logger

	mu       sync.Mutex
	pending  []pendingTask
	tasks    map[string]*Task
	inFlight int
	total    int
	failed   int

	// queueUsed latches once a submission has ever waited in pending;
	// the first time also logs the backlog warning.
	queueUsed bool

	wg sync.WaitGroup
}

// New returns a manager with the given cap; zero or negative falls
// back to DefaultMaxParallel.
func New(opts Options) *Manager {
	max := opts.MaxParallel
	if max <= 0 {
		max = DefaultMaxParallel
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Nop()
	}
	return &Manager{
		sem:    semaphore.NewWeighted(int64(max)),
		max:    max,
		execID: opts.ExecutionID,
		log:    logger,
		tasks:  map[string]*Task{},
	}
}

// Submit registers a nested execution. It starts immediately when a
// slot is free and nothing is queued ahead of it; otherwise it waits
// its turn in FIFO order.
func (m *Manager) Submit(ctx context.Context, nodeID, diagram string, fn TaskFunc) *Task {
	t := &Task{NodeID: nodeID, Diagram: diagram, done: make(chan struct{})}

	m.mu.Lock()
	m.tasks[nodeID] = t
	m.total++
	m.wg.Add(1)
	if len(m.pending) == 0 && m.sem.TryAcquire(1) {
		m.inFlight++
		m.mu.Unlock()
		go m.run(ctx, t, fn)
		return t
	}
	m.pending = append(m.pending, pendingTask{task: t, fn: fn, ctx: ctx})
	if !m.queueUsed {
		m.queueUsed = true
		m.log.Warn("sub-diagram queue backing up", map[string]any{
			"execution_id": m.execID,
			"max_parallel": m.max,
			"queued":       len(m.pending),
		})
	}
	m.mu.Unlock()
	return t
}

func (m *Manager) run(ctx context.Context, t *Task, fn TaskFunc) {
	t.started = time.Now()
	env, err := fn(ctx)
	t.duration = time.Since(t.started)

	m.mu.Lock()
	t.env, t.err = env, err
	if err != nil {
		m.failed++
	}
	m.inFlight--
	m.mu.Unlock()

	close(t.done)
	m.sem.Release(1)
	m.drainOne()
	m.wg.Done()
}

// drainOne starts the queue head when a slot is free.
func (m *Manager) drainOne() {
	m.mu.Lock()
	if len(m.pending) == 0 || !m.sem.TryAcquire(1) {
		m.mu.Unlock()
		return
	}
	next := m.pending[0]
	m.pending = m.pending[1:]
	m.inFlight++
	m.mu.Unlock()
	go m.run(next.ctx, next.task, next.fn)
}

// WaitFor blocks until the node's task finishes. A child error comes
// back as an error envelope with meta.execution_status="failed", not
// as a Go error; the parent node completes either way.
func (m *Manager) WaitFor(ctx context.Context, nodeID string) (*envelope.Envelope, error) {
	m.mu.Lock()
	t, ok := m.tasks[nodeID]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("no sub-diagram task for node %q", nodeID)
	}

	select {
	case <-t.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if t.err != nil {
		return envelope.ErrorText(t.err.Error(), "SubDiagramError",
			envelope.WithProducer(nodeID),
			envelope.WithTrace(m.execID),
			envelope.WithMetaEntries(map[string]any{"execution_status": "failed"}),
		), nil
	}
	return t.env, nil
}

// WaitAll blocks until every submitted task has finished, queued ones
// included.
func (m *Manager) WaitAll(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Summary reports totals and duration stats for finished tasks.
// Queued is the backlog right now; QueueUsed stays true once any
// submission has ever waited for a slot.
type Summary struct {
	Total     int
	Finished  int
	Failed    int
	Queued    int
	InFlight  int
	QueueUsed bool

	AvgDuration time.Duration
	MinDuration time.Duration
	MaxDuration time.Duration
}

// Summary snapshots the manager's counters.
func (m *Manager) Summary() Summary {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Summary{
		Total:     m.total,
		Failed:    m.failed,
		Queued:    len(m.pending),
		InFlight:  m.inFlight,
		QueueUsed: m.queueUsed,
	}
	var sum time.Duration
	for _, t := range m.tasks {
		select {
		case <-t.done:
		default:
			continue
		}
		s.Finished++
		sum += t.duration
		if s.MinDuration == 0 || t.duration < s.MinDuration {
			s.MinDuration = t.duration
		}
		if t.duration > s.MaxDuration {
			s.MaxDuration = t.duration
		}
	}
	if s.Finished > 0 {
		s.AvgDuration = sum / time.Duration(s.Finished)
	}
	return s
}
