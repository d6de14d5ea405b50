package schedule

import (
	"context"
	"sort"
	"sync"

	"github.com/teranos/erpsync/errors"
)

// Executor runs one attempt of a scheduled job. The returned string is a
// short result summary stored on the execution.
type Executor interface {
	Execute(ctx context.Context, job *Job) (string, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, job *Job) (string, error)

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context, job *Job) (string, error) {
	return f(ctx, job)
}

// Registry maps job types to executors.
type Registry struct {
	mu        sync.RWMutex
	executors map[JobType]Executor
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{executors: make(map[JobType]Executor)}
}

// Register binds an executor to a job type. Each type is bound once.
func (r *Registry) Register(t JobType, e Executor) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.executors[t]; exists {
		return errors.NewConflictError("executor for %s already registered", t)
	}
	r.executors[t] = e
	return nil
}

// Get returns the executor bound to t.
func (r *Registry) Get(t JobType) (Executor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.executors[t]
	return e, ok
}

// Types lists the job types with an executor, sorted.
func (r *Registry) Types() []JobType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]JobType, 0, len(r.executors))
	for t := range r.executors {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
