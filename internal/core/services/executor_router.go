package services

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/manthysbr/aulerun/internal/core/domain"
)

// ExecutorRouter dispatches an invocation to the executor for its tool
// kind. The kind set is closed; a kind without a registered executor is a
// tool fault, never a fallback to another backend.
type ExecutorRouter struct {
	mu        sync.RWMutex
	logger    *slog.Logger
	executors map[domain.ToolKind]domain.Executor
}

func NewExecutorRouter(logger *slog.Logger) *ExecutorRouter {
	return &ExecutorRouter{
		logger:    logger,
		executors: make(map[domain.ToolKind]domain.Executor),
	}
}

// Register installs or replaces the executor for kind.
func (r *ExecutorRouter) Register(kind domain.ToolKind, exec domain.Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[kind] = exec
	r.logger.Info("executor registered", "kind", kind)
}

// Resolve returns the executor for kind.
func (r *ExecutorRouter) Resolve(kind domain.ToolKind) (domain.Executor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	exec, ok := r.executors[kind]
	return exec, ok
}

// Execute runs inv on the executor registered for its manifest kind.
func (r *ExecutorRouter) Execute(ctx context.Context, inv *domain.Invocation) (*domain.ExecResult, error) {
	exec, ok := r.Resolve(inv.Manifest.Kind)
	if !ok {
		return nil, domain.NewError(domain.KindToolFault, "tool backend unavailable",
			fmt.Errorf("no executor for kind %q", inv.Manifest.Kind))
	}
	return exec.Execute(ctx, inv)
}

// Kinds lists the kinds with an executor.
func (r *ExecutorRouter) Kinds() []domain.ToolKind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.ToolKind, 0, len(r.executors))
	for k := range r.executors {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
