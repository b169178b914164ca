package classifier

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/cuongbtq/grievance-pipeline/internal/domain"
)

// Executor performs the remote work for one job attempt. Returned errors are
// classified by the retry policy; wrap with domain.NewPermanentError to skip
// retries.
type Executor interface {
	Execute(ctx context.Context, job *domain.Job) (json.RawMessage, error)
}

// Func adapts a plain function to Executor
type Func func(ctx context.Context, job *domain.Job) (json.RawMessage, error)

func (f Func) Execute(ctx context.Context, job *domain.Job) (json.RawMessage, error) {
	return f(ctx, job)
}

// Registry maps job types to executors, with an optional fallback
type Registry struct {
	mu        sync.RWMutex
	executors map[string]Executor
	fallback  Executor
}

func NewRegistry() *Registry {
	return &Registry{executors: make(map[string]Executor)}
}

// Register binds jobType to exec, replacing any previous binding
func (r *Registry) Register(jobType string, exec Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[jobType] = exec
}

// SetFallback sets the executor used for unregistered job types
func (r *Registry) SetFallback(exec Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback = exec
}

// Resolve returns the executor for jobType. An unknown type is a permanent
// failure since retrying cannot fix it.
func (r *Registry) Resolve(jobType string) (Executor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if exec, ok := r.executors[jobType]; ok {
		return exec, nil
	}
	if r.fallback != nil {
		return r.fallback, nil
	}
	return nil, domain.NewPermanentError(fmt.Errorf("no executor registered for job type %q", jobType))
}

// Execute resolves the executor for job and runs it
func (r *Registry) Execute(ctx context.Context, job *domain.Job) (json.RawMessage, error) {
	exec, err := r.Resolve(job.JobType)
	if err != nil {
		return nil, err
	}
	return exec.Execute(ctx, job)
}
