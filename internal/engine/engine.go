// Package engine executes diagrams. One Execute call owns one
// execution: it validates the diagram, seeds the token bus, then
// loops dispatching every ready node to its own goroutine until
// nothing is ready or running. Node transitions persist through the
// state store as they happen, so an interrupted execution can resume.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/loomworks/weft/internal/diagram"
	"github.com/loomworks/weft/internal/envelope"
	"github.com/loomworks/weft/internal/events"
	"github.com/loomworks/weft/internal/execution"
	"github.com/loomworks/weft/internal/handler"
	"github.com/loomworks/weft/internal/handlers"
	"github.com/loomworks/weft/internal/log"
	"github.com/loomworks/weft/internal/registry"
	"github.com/loomworks/weft/internal/scheduler"
	"github.com/loomworks/weft/internal/statestore"
	"github.com/loomworks/weft/internal/tokenbus"
	"github.com/loomworks/weft/internal/tracker"
)

const defaultGracePeriod = 5 * time.Second

// Options configures an Engine. Store is required; everything else
// has a usable default.
type Options struct {
	// Store persists execution state. Required.
	Store *statestore.Store

	// Handlers resolves node types. Nil selects the built-in set.
	Handlers *handler.Registry

	// Services provides the capabilities handlers declare (llm, fs,
	// api, ...). Nil starts empty. When Resolver is set and no
	// orchestrator is registered, each run gets the engine's own
	// sub-diagram orchestrator.
	Services *registry.Registry

	// Resolver maps sub-diagram references to diagrams.
	Resolver DiagramResolver

	// Emitter publishes lifecycle events. Nil selects the process
	// default.
	Emitter *events.Emitter

	Logger *log.Logger

	// MaxIteration caps per-epoch runs of nodes that declare no limit
	// of their own. Zero selects the tracker default.
	MaxIteration int

	// MaxParallel caps concurrent sub-diagram executions. Zero reads
	// WEFT_MAX_PARALLEL_SUBDIAGRAMS, then falls back to the package
	// default.
	MaxParallel int

	// GracePeriod is how long an aborted execution waits for in-flight
	// nodes before marking them failed.
	GracePeriod time.Duration
}

func (o *Options) applyDefaults() error {
	if o.Store == nil {
		return errors.New("engine: Options.Store is required")
	}
	if o.Handlers == nil {
		o.Handlers = handler.NewRegistry()
		handlers.RegisterAll(o.Handlers)
	}
	if o.Services == nil {
		o.Services = registry.New()
	}
	if o.Emitter == nil {
		o.Emitter = events.Default()
	}
	if o.Logger == nil {
		o.Logger = log.Nop()
	}
	if o.MaxParallel <= 0 {
		o.MaxParallel = MaxParallelFromEnv()
	}
	if o.GracePeriod <= 0 {
		o.GracePeriod = defaultGracePeriod
	}
	return nil
}

// Engine runs diagrams against one state store. Execute may be called
// concurrently; each call owns its tracker, bus and scheduler, and
// sub-diagram fan-out is the one bounded resource.
type Engine struct {
	store    *statestore.Store
	handlers *handler.Registry
	services *registry.Registry
	resolver DiagramResolver
	emitter  *events.Emitter
	log      *log.Logger

	maxIteration int
	maxParallel  int
	grace        time.Duration

	mu     sync.Mutex
	aborts map[string]context.CancelCauseFunc
}

// New builds an engine.
func New(opts Options) (*Engine, error) {
	if err := opts.applyDefaults(); err != nil {
		return nil, err
	}
	return &Engine{
		store:        opts.Store,
		handlers:     opts.Handlers,
		services:     opts.Services,
		resolver:     opts.Resolver,
		emitter:      opts.Emitter,
		log:          opts.Logger,
		maxIteration: opts.MaxIteration,
		maxParallel:  opts.MaxParallel,
		grace:        opts.GracePeriod,
		aborts:       map[string]context.CancelCauseFunc{},
	}, nil
}

// RunOptions tunes one execution.
type RunOptions struct {
	// ExecutionID overrides the generated id.
	ExecutionID string

	// Variables seed the execution's variable map. Handlers read
	// them; they must not mutate them.
	Variables map[string]any

	// Input is deposited at the diagram's entry nodes before the
	// first wave: strings become text envelopes, other values object
	// envelopes. Entry nodes that are not start nodes receive an
	// empty trigger envelope even when Input is nil.
	Input any

	// Timeout bounds the whole run. Zero means no limit.
	Timeout time.Duration

	// ParentID marks this run as the child of another execution.
	ParentID string
}

// Result reports how an execution ended. Node failures surface here,
// not as an Execute error.
type Result struct {
	ExecutionID string
	Status      execution.Status
	Error       string

	// Outputs holds the last envelope of each endpoint node, or of
	// each leaf node when the diagram has no endpoints.
	Outputs map[string]*envelope.Envelope

	Summary  tracker.Summary
	Duration time.Duration
}

// Output collapses Outputs to a single envelope: nil when empty, the
// sole entry when there is one, otherwise an object keyed by node id.
func (r *Result) Output() *envelope.Envelope {
	switch len(r.Outputs) {
	case 0:
		return nil
	case 1:
		for _, env := range r.Outputs {
			return env
		}
	}
	merged := make(map[string]any, len(r.Outputs))
	for id, env := range r.Outputs {
		merged[id] = handler.Value(env)
	}
	return envelope.JSON(merged, envelope.WithTrace(r.ExecutionID))
}

// abortError carries the operator-supplied reason through context
// cancellation.
type abortError struct{ reason string }

func (e *abortError) Error() string { return e.reason }

// Abort cancels a running execution. In-flight nodes get the grace
// period to finish; stragglers are marked failed with the reason.
// Returns false when the id is not currently running in this engine.
func (e *Engine) Abort(executionID, reason string) bool {
	e.mu.Lock()
	cancel, ok := e.aborts[executionID]
	e.mu.Unlock()
	if !ok {
		return false
	}
	if reason == "" {
		reason = "execution aborted"
	}
	cancel(&abortError{reason: reason})
	return true
}

// Execute runs the diagram to completion and returns the final
// status. The error return covers setup problems (invalid diagram,
// storage); a failed or aborted run still returns a Result.
func (e *Engine) Execute(ctx context.Context, d *diagram.Diagram, opts RunOptions) (*Result, error) {
	if d == nil {
		return nil, errors.New("engine: nil diagram")
	}
	if err := e.validate(d); err != nil {
		return nil, err
	}

	id := opts.ExecutionID
	if id == "" {
		id = execution.NewExecutionID()
	}
	vars := opts.Variables
	if vars == nil {
		vars = map[string]any{}
	}

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}
	runCtx, finish := e.track(ctx, id)
	defer finish()

	if _, err := e.store.CreateExecution(runCtx, id, d.ID, vars); err != nil {
		return nil, err
	}

	run := e.newRun(d, id, vars, opts.ParentID)
	run.seed(opts.Input)
	return e.run(runCtx, run, map[string]any{"diagram_id": d.ID})
}

// track registers the run's abort hook and returns its cancellable
// context.
func (e *Engine) track(ctx context.Context, id string) (context.Context, func()) {
	runCtx, cancel := context.WithCancelCause(ctx)
	e.mu.Lock()
	e.aborts[id] = cancel
	e.mu.Unlock()
	return runCtx, func() {
		e.mu.Lock()
		delete(e.aborts, id)
		e.mu.Unlock()
		cancel(nil)
	}
}

// validate runs the structural lint rules plus every handler's static
// check before anything persists.
func (e *Engine) validate(d *diagram.Diagram) error {
	if err := diagram.ValidateOrError(d, diagram.NewKnownTypesRule(e.handlers.KnownTypes())); err != nil {
		return err
	}
	for _, id := range d.TopoOrder() {
		n := d.Nodes[id]
		if n == nil {
			continue
		}
		if err := e.handlers.StaticCheck(n); err != nil {
			return fmt.Errorf("node %q: %w", id, err)
		}
	}
	return nil
}

// execRun is the per-execution working set.
type execRun struct {
	id    string
	d     *diagram.Diagram
	vars  map[string]any
	tr    *tracker.Tracker
	bus   *tokenbus.Bus
	sched *scheduler.Scheduler

	runner  *handler.Runner
	factory *envelope.Factory
	log     *log.Logger

	results  chan nodeResult
	inFlight int
	maxed    map[string]bool
	started  time.Time
	storeErr error
}

// notePersistErr records the first state-store failure of the run. The
// store has already reconnected and retried by the time an error gets
// here, so one is enough: the run stops dispatching and finishes
// FAILED, because state on disk can no longer be trusted.
func (run *execRun) notePersistErr(err error) {
	if run.storeErr == nil {
		run.storeErr = err
	}
}

type nodeResult struct {
	node *diagram.Node
	env  *envelope.Envelope
	err  error
}

func (e *Engine) newRun(d *diagram.Diagram, id string, vars map[string]any, parentID string) *execRun {
	tr := tracker.New()
	for nodeID := range d.Nodes {
		tr.InitializeNode(nodeID)
	}
	bus := tokenbus.New(d)

	fields := map[string]any{"execution_id": id, "diagram_id": d.ID}
	if parentID != "" {
		fields["parent_id"] = parentID
	}
	runLog := e.log.With(fields)

	run := &execRun{
		id:    id,
		d:     d,
		vars:  vars,
		tr:    tr,
		bus:   bus,
		sched: scheduler.New(d, tr, bus, scheduler.Options{
			MaxIteration: e.maxIteration,
			HasInput:     hasDeclaredInput,
			Precondition: e.handlers.StaticCheck,
			Logger:       runLog,
		}),
		factory: envelope.NewFactory(),
		log:     runLog,
		results: make(chan nodeResult),
		maxed:   map[string]bool{},
		started: time.Now(),
	}
	run.runner = &handler.Runner{Services: e.runServices(id), Fallback: run.declaredInputs, Logger: runLog}
	return run
}

// Nodes may declare per-port default values under the "inputs" prop. A
// declared port counts as covered for readiness, so a node can fire
// when its only missing producers are branches that never ran; tokens
// still win over the declared value port by port.
const propInputs = "inputs"

func hasDeclaredInput(n *diagram.Node, port string) bool {
	_, ok := n.MapProp(propInputs)[port]
	return ok
}

// declaredInputs materializes the node's declared port defaults as
// envelopes. The runner consults it only for ports no token arrived on.
func (run *execRun) declaredInputs(req *handler.Request) map[string]*envelope.Envelope {
	decl := req.Node.MapProp(propInputs)
	if len(decl) == 0 {
		return nil
	}
	out := make(map[string]*envelope.Envelope, len(decl))
	for port, v := range decl {
		out[port] = run.seedEnvelope(v)
	}
	return out
}

// runServices copies the engine's service registry and, when a
// resolver is configured and nothing else claimed the slot, binds a
// per-run sub-diagram orchestrator.
func (e *Engine) runServices(executionID string) *registry.Registry {
	svcs := registry.New()
	for _, k := range e.services.Keys() {
		if p, ok := e.services.Get(k); ok {
			svcs.Register(k, p)
		}
	}
	if _, ok := svcs.Get(registry.KeyExecutionOrchestrator); !ok && e.resolver != nil {
		svcs.Register(registry.KeyExecutionOrchestrator, e.newOrchestrator(executionID))
	}
	return svcs
}

// seed deposits the run input at every entry node. Entry nodes are
// nodes whose only inbound arrows, if any, are self-loops. Start
// nodes are ready by type, so they receive a deposit only when there
// is input to carry; every other entry needs the trigger token to
// become ready at all.
func (run *execRun) seed(input any) {
	var env *envelope.Envelope
	for _, id := range run.d.TopoOrder() {
		n := run.d.Nodes[id]
		if n == nil || !run.isEntry(id) {
			continue
		}
		if n.Type == diagram.NodeTypeStart && input == nil {
			continue
		}
		if env == nil {
			env = run.seedEnvelope(input)
		}
		run.bus.Deposit(id, diagram.PortDefault, env)
	}
}

func (run *execRun) isEntry(id string) bool {
	for _, a := range run.d.Incoming(id) {
		if a.From != id {
			return false
		}
	}
	return true
}

func (run *execRun) seedEnvelope(input any) *envelope.Envelope {
	opts := []envelope.Option{envelope.WithTrace(run.id)}
	switch v := input.(type) {
	case nil:
		return run.factory.Text("", opts...)
	case *envelope.Envelope:
		return v
	case string:
		return run.factory.Text(v, opts...)
	default:
		env, err := run.factory.JSON(v, opts...)
		if err != nil {
			return run.factory.Text(fmt.Sprintf("%v", v), opts...)
		}
		return env
	}
}

// run drives the execution to a terminal status. Every iteration
// dispatches all ready nodes, then blocks for one result; the loop
// ends when nothing is ready and nothing is in flight, or the context
// dies.
func (e *Engine) run(ctx context.Context, run *execRun, startMeta map[string]any) (*Result, error) {
	// Persistence survives the run context: results that land during
	// cancellation still need to reach the store.
	bg := context.WithoutCancel(ctx)

	if err := e.store.UpdateStatus(bg, run.id, execution.StatusRunning, ""); err != nil {
		return nil, err
	}
	e.emitter.EmitExecution(events.ExecutionStarted, run.id, string(execution.StatusRunning), startMeta)
	run.log.Info("execution started", map[string]any{"nodes": len(run.d.Nodes)})

	aborted := false
	var abortReason string
loop:
	for {
		// Check cancellation before concluding anything else, so a
		// result that lands in the same instant as an abort cannot
		// turn the run into a normal completion.
		if ctx.Err() != nil {
			aborted = true
			abortReason = abortCause(ctx)
			e.drainAborted(bg, run, abortReason)
			break
		}

		// Once a write has outlived the store's own retries, dispatching
		// more nodes would only widen the gap between memory and disk;
		// in-flight nodes still get to settle.
		if run.storeErr == nil {
			for _, n := range run.sched.ReadyNodes() {
				e.dispatch(ctx, bg, run, n)
			}
			e.persistMaxed(bg, run)
		}

		if run.inFlight == 0 {
			break
		}

		select {
		case res := <-run.results:
			run.inFlight--
			e.settle(bg, run, res)
		case <-ctx.Done():
			aborted = true
			abortReason = abortCause(ctx)
			e.drainAborted(bg, run, abortReason)
			break loop
		}
	}

	return e.finish(bg, run, aborted, abortReason)
}

func abortCause(ctx context.Context) string {
	cause := context.Cause(ctx)
	var ab *abortError
	switch {
	case errors.As(cause, &ab):
		return ab.reason
	case errors.Is(cause, context.DeadlineExceeded):
		return "execution timed out"
	default:
		return "execution cancelled"
	}
}

// dispatch moves the node to RUNNING and hands it to a worker
// goroutine. The transition happens here, synchronously, so the next
// ReadyNodes call never returns the same node twice.
func (e *Engine) dispatch(ctx, bg context.Context, run *execRun, n *diagram.Node) {
	count := run.tr.TransitionToRunning(n.ID, run.sched.Epoch())
	if err := e.store.UpdateNodeStatus(bg, run.id, n.ID, execution.NodeRunning, ""); err != nil {
		run.notePersistErr(err)
		run.log.Warn("node status not persisted", map[string]any{"node_id": n.ID, "reason": err.Error()})
	}
	e.emitter.EmitNode(events.NodeStarted, run.id, n.ID, string(execution.NodeRunning), "", map[string]any{"execution_count": count})

	run.inFlight++
	go e.invokeNode(ctx, run, n, count)
}

func (e *Engine) invokeNode(ctx context.Context, run *execRun, n *diagram.Node, count int) {
	h, ok := e.handlers.Resolve(n.Type)
	if !ok {
		run.results <- nodeResult{node: n, err: fmt.Errorf("no handler for node type %q", n.Type)}
		return
	}
	req := &handler.Request{
		Node:        n,
		Diagram:     run.d,
		ExecutionID: run.id,
		Epoch:       run.sched.Epoch(),
		Iteration:   count,
		Variables:   run.vars,
		State:       map[string]any{},
		Tracker:     run.tr,
		Bus:         run.bus,
		Emitter:     e.emitter,
		Factory:     run.factory,
		Logger:      run.log.With(map[string]any{"node_id": n.ID, "node_type": n.Type}),
	}
	env, err := run.runner.Invoke(ctx, h, req)
	run.results <- nodeResult{node: n, env: env, err: err}
}

// settle persists one finished node and reopens any loop targets that
// received fresh tokens.
func (e *Engine) settle(ctx context.Context, run *execRun, res nodeResult) {
	n := res.node
	if res.err != nil {
		msg := res.err.Error()
		if res.env != nil {
			if _, err := e.store.UpdateNodeOutput(ctx, run.id, n.ID, res.env, true, nil); err != nil {
				run.notePersistErr(err)
				run.log.Warn("node output not persisted", map[string]any{"node_id": n.ID, "reason": err.Error()})
			}
		}
		if err := run.tr.TransitionToFailed(n.ID, msg); err != nil {
			run.log.Warn("failed transition not recorded", map[string]any{"node_id": n.ID, "reason": err.Error()})
		}
		if err := e.store.UpdateNodeStatus(ctx, run.id, n.ID, execution.NodeFailed, msg); err != nil {
			run.notePersistErr(err)
			run.log.Warn("node status not persisted", map[string]any{"node_id": n.ID, "reason": err.Error()})
		}
		e.emitter.EmitNode(events.NodeFailed, run.id, n.ID, string(execution.NodeFailed), envelopeID(res.env), map[string]any{"error": msg})
		run.log.Warn("node failed", map[string]any{"node_id": n.ID, "node_type": n.Type, "error": msg})
	} else {
		usage := handler.UsageFromEnvelope(res.env)
		stored, err := e.store.UpdateNodeOutput(ctx, run.id, n.ID, res.env, res.env.IsError(), usage)
		if err != nil {
			run.notePersistErr(err)
			run.log.Warn("node output not persisted", map[string]any{"node_id": n.ID, "reason": err.Error()})
			stored = res.env
		}
		if err := run.tr.TransitionToCompleted(n.ID, stored, usage); err != nil {
			run.log.Warn("completed transition not recorded", map[string]any{"node_id": n.ID, "reason": err.Error()})
		}
		if err := e.store.UpdateNodeStatus(ctx, run.id, n.ID, execution.NodeDone, ""); err != nil {
			run.notePersistErr(err)
			run.log.Warn("node status not persisted", map[string]any{"node_id": n.ID, "reason": err.Error()})
		}
		e.emitter.EmitNode(events.NodeCompleted, run.id, n.ID, string(execution.NodeDone), stored.ID, nil)

		if n.Type == "user_response" {
			// The user answered: the next wave gets fresh loop budgets.
			run.sched.BeginEpoch()
		}
	}
	run.refire()
}

func envelopeID(env *envelope.Envelope) string {
	if env == nil {
		return ""
	}
	return env.ID
}

// refire reopens completed nodes that received new tokens, so loops
// keep going. Failed and capped nodes stay final.
func (run *execRun) refire() {
	for id := range run.d.Nodes {
		if len(run.bus.PendingPorts(id)) == 0 {
			continue
		}
		if st, ok := run.tr.GetNodeState(id); ok && st.Status == execution.NodeDone {
			run.tr.ResetNode(id)
		}
	}
}

// persistMaxed records nodes the scheduler finalized as
// MAXITER_REACHED since the last check. Hitting the cap is normal
// loop termination, so the event is a completion.
func (e *Engine) persistMaxed(ctx context.Context, run *execRun) {
	for _, id := range run.sched.MaxedNodes() {
		if run.maxed[id] {
			continue
		}
		run.maxed[id] = true
		if err := e.store.UpdateNodeStatus(ctx, run.id, id, execution.NodeMaxIter, ""); err != nil {
			run.notePersistErr(err)
			run.log.Warn("node status not persisted", map[string]any{"node_id": id, "reason": err.Error()})
		}
		e.emitter.EmitNode(events.NodeCompleted, run.id, id, string(execution.NodeMaxIter), "", nil)
	}
}

// drainAborted gives in-flight nodes the grace period, then marks the
// stragglers failed. Outstanding result sends are drained in the
// background so their goroutines can exit.
func (e *Engine) drainAborted(ctx context.Context, run *execRun, reason string) {
	timer := time.NewTimer(e.grace)
	defer timer.Stop()
	for run.inFlight > 0 {
		select {
		case res := <-run.results:
			run.inFlight--
			e.settle(ctx, run, res)
		case <-timer.C:
			for _, id := range run.tr.GetRunningNodes() {
				if err := run.tr.TransitionToFailed(id, reason); err != nil {
					run.log.Warn("failed transition not recorded", map[string]any{"node_id": id, "reason": err.Error()})
				}
				if err := e.store.UpdateNodeStatus(ctx, run.id, id, execution.NodeFailed, reason); err != nil {
					run.log.Warn("node status not persisted", map[string]any{"node_id": id, "reason": err.Error()})
				}
				e.emitter.EmitNode(events.NodeFailed, run.id, id, string(execution.NodeFailed), "", map[string]any{"error": reason})
			}
			if n := run.inFlight; n > 0 {
				go func() {
					for i := 0; i < n; i++ {
						<-run.results
					}
				}()
			}
			run.inFlight = 0
			return
		}
	}
}

// finish computes the terminal status, persists the final state and
// publishes the closing event.
func (e *Engine) finish(ctx context.Context, run *execRun, aborted bool, reason string) (*Result, error) {
	sum := run.tr.GetExecutionSummary()

	final := execution.StatusCompleted
	errMsg := ""
	switch {
	case aborted:
		final = execution.StatusAborted
		errMsg = reason
	case run.storeErr != nil:
		final = execution.StatusFailed
		errMsg = fmt.Sprintf("state persistence failed: %v", run.storeErr)
	case sum.Failed > 0:
		final = execution.StatusFailed
		errMsg = failureMessage(run)
	}

	if err := e.store.UpdateMetrics(ctx, run.id, map[string]any{
		"total_records":          sum.TotalRecords,
		"success_rate":           sum.SuccessRate,
		"total_duration_seconds": sum.TotalDurationSeconds,
		"maxiter_reached":        sum.MaxIterReached,
	}); err != nil {
		run.log.Warn("metrics not persisted", map[string]any{"reason": err.Error()})
	}
	if err := e.store.UpdateStatus(ctx, run.id, final, errMsg); err != nil {
		run.log.Warn("final status not persisted", map[string]any{"reason": err.Error()})
	}
	if st, err := e.store.GetState(ctx, run.id); err == nil {
		if err := e.store.PersistFinalState(ctx, st); err != nil {
			run.log.Warn("final state not persisted", map[string]any{"reason": err.Error()})
		}
	}

	eventType := events.ExecutionCompleted
	switch final {
	case execution.StatusFailed:
		eventType = events.ExecutionFailed
	case execution.StatusAborted:
		eventType = events.ExecutionAborted
	}
	meta := map[string]any{"diagram_id": run.d.ID}
	if errMsg != "" {
		meta["error"] = errMsg
	}
	e.emitter.EmitExecution(eventType, run.id, string(final), meta)

	dur := time.Since(run.started)
	run.log.Info("execution finished", map[string]any{
		"status":      string(final),
		"duration_ms": dur.Milliseconds(),
		"completed":   sum.Completed,
		"failed":      sum.Failed,
	})

	return &Result{
		ExecutionID: run.id,
		Status:      final,
		Error:       errMsg,
		Outputs:     run.collectOutputs(),
		Summary:     sum,
		Duration:    dur,
	}, nil
}

func failureMessage(run *execRun) string {
	failed := run.tr.GetFailedNodes()
	if len(failed) == 0 {
		return "execution failed"
	}
	sort.Strings(failed)
	id := failed[0]
	if st, ok := run.tr.GetNodeState(id); ok && st.Error != "" {
		return fmt.Sprintf("node %s failed: %s", id, st.Error)
	}
	return fmt.Sprintf("node %s failed", id)
}

// collectOutputs gathers the result envelopes: endpoint nodes when
// the diagram has them, otherwise nodes with no outgoing arrows to
// other nodes.
func (run *execRun) collectOutputs() map[string]*envelope.Envelope {
	out := map[string]*envelope.Envelope{}
	for id, n := range run.d.Nodes {
		if n.Type != "endpoint" {
			continue
		}
		if env, ok := run.tr.GetLastOutput(id); ok {
			out[id] = env
		}
	}
	if len(out) > 0 {
		return out
	}
	for id := range run.d.Nodes {
		leaf := true
		for _, a := range run.d.Outgoing(id) {
			if a.To != id {
				leaf = false
				break
			}
		}
		if !leaf {
			continue
		}
		if env, ok := run.tr.GetLastOutput(id); ok {
			out[id] = env
		}
	}
	return out
}
