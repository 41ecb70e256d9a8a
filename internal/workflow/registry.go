package workflow

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/DaveCBeck/thala-sub003/internal/model"
)

var (
	// ErrUnknownWorkflow is returned when no workflow is registered for a
	// task type.
	ErrUnknownWorkflow = errors.New("unknown workflow type")

	// ErrCanceled is the distinct cancellation variant a workflow returns
	// when it stops at a phase boundary after a cancellation signal. The
	// runner branches on it to keep the task resumable instead of failing it.
	ErrCanceled = errors.New("workflow canceled")
)

// Result is the opaque output a workflow hands back on success. The
// coordinator only forwards it to SaveOutputs.
type Result map[string]any

// CheckpointFunc records resumable progress. Workflows may call it from
// concurrent internals; each call is individually safe to interleave.
type CheckpointFunc func(phase string, outputs map[string]any, counters map[string]any)

// Workflow is the uniform contract the coordinator dispatches to. The
// coordinator never inspects workflow-internal state.
type Workflow interface {
	// Phases returns the ordered phase vocabulary, first phase first.
	Phases() []string

	// ZeroCost reports whether the workflow makes no metered external
	// calls. Zero-cost workflows are exempt from budget and stagger gating.
	ZeroCost() bool

	// Run executes the workflow. resumeFrom is empty for a fresh start,
	// otherwise the phase execution should restart from. A run aborted by
	// cancellation must return an error satisfying errors.Is against
	// ErrCanceled or context.Canceled.
	Run(ctx context.Context, task *model.Task, checkpoint CheckpointFunc, resumeFrom string) (Result, error)

	// SaveOutputs persists the result and returns the paths written.
	SaveOutputs(ctx context.Context, task *model.Task, result Result) ([]string, error)

	// ResumeFrom translates the last recorded phase into the phase
	// execution should actually restart from. Some phases are cheap to
	// redo and map backwards.
	ResumeFrom(lastPhase string) string
}

// Registry maps task type identifiers to workflow implementations.
// Registration happens at startup; lookups are concurrency-safe.
type Registry struct {
	mu        sync.RWMutex
	workflows map[string]Workflow
}

// NewRegistry creates an empty workflow registry.
func NewRegistry() *Registry {
	return &Registry{workflows: make(map[string]Workflow)}
}

// Register binds a workflow implementation to a task type.
func (r *Registry) Register(taskType string, wf Workflow) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.workflows[taskType] = wf
}

// Get returns the workflow for a task type.
func (r *Registry) Get(taskType string) (Workflow, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	wf, ok := r.workflows[taskType]
	if !ok {
		return nil, ErrUnknownWorkflow
	}
	return wf, nil
}

// IsZeroCost reports whether the task type's workflow is declared zero-cost.
// Unknown types are treated as metered.
func (r *Registry) IsZeroCost(taskType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	wf, ok := r.workflows[taskType]
	return ok && wf.ZeroCost()
}

// InitialPhase returns the declared first phase for a task type.
func (r *Registry) InitialPhase(taskType string) (string, error) {
	wf, err := r.Get(taskType)
	if err != nil {
		return "", err
	}
	phases := wf.Phases()
	if len(phases) == 0 {
		return "", nil
	}
	return phases[0], nil
}

// Types lists the registered task types in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.workflows))
	for t := range r.workflows {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
