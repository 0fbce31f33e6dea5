package engine

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/loomworks/weft/internal/diagram"
	"github.com/loomworks/weft/internal/envelope"
	"github.com/loomworks/weft/internal/execution"
	"github.com/loomworks/weft/internal/fsadapter"
	"github.com/loomworks/weft/internal/handlers"
	"github.com/loomworks/weft/internal/parallel"
)

// DiagramResolver maps a diagram reference (a sub_diagram node's
// target, the id of a resumed execution, or a relative path) to a
// loaded diagram.
type DiagramResolver interface {
	Resolve(ctx context.Context, ref string) (*diagram.Diagram, error)
}

// FileResolver resolves diagram references against a base directory,
// with an in-memory overlay for programmatically registered diagrams.
type FileResolver struct {
	fs *fsadapter.Adapter

	mu    sync.RWMutex
	named map[string]*diagram.Diagram
}

// NewFileResolver roots a resolver at dir.
func NewFileResolver(dir string) (*FileResolver, error) {
	fs, err := fsadapter.New(dir)
	if err != nil {
		return nil, err
	}
	return &FileResolver{fs: fs, named: map[string]*diagram.Diagram{}}, nil
}

// RegisterDiagram makes d resolvable by its id without touching disk.
func (r *FileResolver) RegisterDiagram(d *diagram.Diagram) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.named[d.ID] = d
}

// Resolve returns the registered diagram for ref, or loads ref,
// ref.yaml or ref.yml under the base directory.
func (r *FileResolver) Resolve(_ context.Context, ref string) (*diagram.Diagram, error) {
	if ref == "" {
		return nil, errors.New("empty diagram reference")
	}
	r.mu.RLock()
	d, ok := r.named[ref]
	r.mu.RUnlock()
	if ok {
		return d, nil
	}

	candidates := []string{ref}
	if filepath.Ext(ref) == "" {
		candidates = append(candidates, ref+".yaml", ref+".yml")
	}
	for _, rel := range candidates {
		raw, err := r.fs.ReadFile(rel)
		if err != nil {
			continue
		}
		d, err := diagram.Load(raw)
		if err != nil {
			return nil, fmt.Errorf("diagram %s: %w", rel, err)
		}
		if d.Name == "diagram" {
			stem := strings.TrimSuffix(filepath.Base(rel), filepath.Ext(rel))
			d.ID = stem
			d.Name = stem
		}
		return d, nil
	}
	return nil, fmt.Errorf("diagram %q not found under %s", ref, r.fs.Base())
}

// orchestrator is the engine's sub-diagram runner: one per execution,
// fanning children out through a parallel manager so nesting cannot
// multiply concurrency without bound.
type orchestrator struct {
	eng      *Engine
	resolver DiagramResolver
	parentID string
	mgr      *parallel.Manager
}

func (e *Engine) newOrchestrator(executionID string) *orchestrator {
	return &orchestrator{
		eng:      e,
		resolver: e.resolver,
		parentID: executionID,
		mgr: parallel.New(parallel.Options{
			MaxParallel: e.maxParallel,
			ExecutionID: executionID,
			Logger:      e.log,
		}),
	}
}

// ExecuteDiagram runs one nested execution and blocks for its result.
// A child that fails comes back as an error envelope rather than an
// error: the parent node completes and downstream decides what the
// failure means.
func (o *orchestrator) ExecuteDiagram(ctx context.Context, call handlers.SubCall) (*envelope.Envelope, error) {
	d, err := o.resolver.Resolve(ctx, call.Name)
	if err != nil {
		return nil, fmt.Errorf("resolve sub-diagram %q: %w", call.Name, err)
	}

	o.mgr.Submit(ctx, call.NodeID, d.ID, func(ctx context.Context) (*envelope.Envelope, error) {
		res, err := o.eng.Execute(ctx, d, RunOptions{
			Variables: call.Variables,
			ParentID:  call.ParentID,
		})
		if err != nil {
			return nil, err
		}
		switch res.Status {
		case execution.StatusFailed:
			return nil, errors.New(statusMessage(res, "sub-diagram execution failed"))
		case execution.StatusAborted:
			return nil, errors.New(statusMessage(res, "sub-diagram execution aborted"))
		}
		out := res.Output()
		if out == nil {
			out = envelope.Text("", envelope.WithTrace(res.ExecutionID))
		}
		return out, nil
	})

	return o.mgr.WaitFor(ctx, call.NodeID)
}

func statusMessage(res *Result, fallback string) string {
	if res.Error != "" {
		return res.Error
	}
	return fallback
}
