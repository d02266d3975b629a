package experiment

import (
	"context"
	"fmt"
	"sync"
)

// Task statuses reported by capabilities.
const (
	TaskCompleted = "completed"
	TaskFailed    = "failed"
)

// Result is what a task capability reports when it finishes on its own.
type Result struct {
	Status  string         `json:"status"`
	Message string         `json:"message,omitempty"`
	Result  map[string]any `json:"result,omitempty"`
}

// ProgressFn lets a task publish real progress (0-100). Tasks that report
// progress take precedence over the ticker's synthesised estimate.
type ProgressFn func(percent float64)

// Task is an opaque unit of work run by the dispatcher. Implementations
// should honor ctx cancellation between phases; progress may be nil.
type Task interface {
	Execute(ctx context.Context, params map[string]any, progress ProgressFn) (*Result, error)
}

// TaskFunc adapts a function to the Task interface.
type TaskFunc func(ctx context.Context, params map[string]any, progress ProgressFn) (*Result, error)

func (f TaskFunc) Execute(ctx context.Context, params map[string]any, progress ProgressFn) (*Result, error) {
	return f(ctx, params, progress)
}

// TaskRegistry maps experiment kinds to task factories. Kinds register at
// startup; the core never links against task internals.
type TaskRegistry struct {
	mu        sync.RWMutex
	factories map[Kind]func() Task
}

// NewTaskRegistry creates an empty task registry.
func NewTaskRegistry() *TaskRegistry {
	return &TaskRegistry{factories: make(map[Kind]func() Task)}
}

// Register installs the factory for a kind, replacing any previous one.
func (r *TaskRegistry) Register(kind Kind, factory func() Task) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[kind] = factory
}

// Task builds a fresh task for the kind.
func (r *TaskRegistry) Task(kind Kind) (Task, error) {
	r.mu.RLock()
	factory, ok := r.factories[kind]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no task registered for kind %q", kind)
	}
	return factory(), nil
}

// Kinds returns the kinds with a registered task.
func (r *TaskRegistry) Kinds() []Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Kind, 0, len(r.factories))
	for k := range r.factories {
		out = append(out, k)
	}
	return out
}
