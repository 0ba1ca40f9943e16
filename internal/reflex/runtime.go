// Package reflex runs Starlark tools. A script defines run(args) and
// returns a JSON-compatible value; the host predeclares json, log,
// http_request, secret_handle, kv_get and kv_set. Execution is bounded by
// a step budget derived from the CPU budget, by the wall-clock budget and
// by the bytes the call allocates.
package reflex

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	starlarkjson "go.starlark.net/lib/json"
	"go.starlark.net/starlark"
	"go.starlark.net/syntax"

	"github.com/manthysbr/aulerun/internal/core/domain"
)

// StepsPerSecond converts a CPU budget into Starlark execution steps.
const StepsPerSecond = 5_000_000

// GrantVerifier validates an invocation's grant token.
type GrantVerifier interface {
	Verify(token string) (domain.CapabilityGrant, error)
}

type script struct {
	manifest domain.ToolManifest
	program  *starlark.Program
}

// Runtime holds compiled Starlark tools.
type Runtime struct {
	mu      sync.RWMutex
	logger  *slog.Logger
	grants  GrantVerifier
	scripts map[string]*script
}

func NewRuntime(logger *slog.Logger, grants GrantVerifier) *Runtime {
	return &Runtime{
		logger:  logger,
		grants:  grants,
		scripts: make(map[string]*script),
	}
}

var fileOptions = &syntax.FileOptions{
	Set:       true,
	While:     true,
	Recursion: true,
}

// Load compiles src for the manifest's tool. Syntax and resolution errors
// are reported here, not at call time.
func (r *Runtime) Load(manifest domain.ToolManifest, src []byte) error {
	predeclared := r.predeclared(nil)
	_, prog, err := starlark.SourceProgramOptions(fileOptions, manifest.Name+".star", src, predeclared.Has)
	if err != nil {
		return fmt.Errorf("reflex: compile %q: %w", manifest.Name, err)
	}

	r.mu.Lock()
	r.scripts[manifest.Name] = &script{manifest: manifest, program: prog}
	r.mu.Unlock()
	r.logger.Info("reflex: script loaded", "name", manifest.Name)
	return nil
}

// List returns loaded script names, sorted.
func (r *Runtime) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.scripts))
	for n := range r.scripts {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Execute implements domain.Executor for starlark tools.
func (r *Runtime) Execute(ctx context.Context, inv *domain.Invocation) (*domain.ExecResult, error) {
	r.mu.RLock()
	s, ok := r.scripts[inv.Manifest.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, domain.Errorf(domain.KindToolFault, "starlark tool %s is not loaded", inv.Manifest.Name)
	}

	wall := inv.Budget.MaxWallTime
	if wall <= 0 {
		wall = 5 * time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, wall)
	defer cancel()

	call := &callState{runtime: r, inv: inv, ctx: runCtx}
	thread := &starlark.Thread{
		Name: inv.Manifest.Name,
		Print: func(_ *starlark.Thread, msg string) {
			call.log(msg)
		},
	}
	maxSteps := stepBudget(inv.Budget.MaxCPUTime)
	thread.SetMaxExecutionSteps(maxSteps)

	stop := context.AfterFunc(runCtx, func() {
		thread.Cancel(runCtx.Err().Error())
	})
	defer stop()

	watch := watchMemory(inv.Budget.MaxMemoryBytes, func() {
		thread.Cancel("memory budget exceeded")
	})
	out, err := call.run(thread, s.program)
	call.overMemory = watch.stop()
	if err == nil && call.overMemory {
		err = errors.New("memory budget exceeded")
	}
	if err != nil {
		return &domain.ExecResult{Diagnostics: diagnostics(err)}, call.classify(ctx, runCtx, thread, maxSteps, err)
	}

	limit := inv.Budget.MaxOutputBytes
	res := &domain.ExecResult{Output: out, ContentType: "application/json"}
	if limit > 0 && len(out) > limit {
		res.Output = out[:limit]
		res.Truncated = true
	}
	return res, nil
}

func stepBudget(cpu time.Duration) uint64 {
	if cpu <= 0 {
		cpu = 10 * time.Second
	}
	return uint64(cpu.Seconds() * StepsPerSecond)
}

// callState is the per-invocation context the builtins close over.
type callState struct {
	runtime *Runtime
	inv     *domain.Invocation
	ctx     context.Context

	// denied holds the first policy error a builtin hit. It wins over the
	// script failure it causes.
	denied error

	overMemory bool
}

func (c *callState) run(thread *starlark.Thread, prog *starlark.Program) ([]byte, error) {
	globals, err := prog.Init(thread, c.runtime.predeclared(c))
	if err != nil {
		return nil, err
	}
	fn, ok := globals["run"].(starlark.Callable)
	if !ok {
		return nil, errors.New("script does not define run(args)")
	}
	args, err := toStarlark(c.inv.Call.Arguments)
	if err != nil {
		return nil, err
	}
	if args == starlark.None {
		args = starlark.NewDict(0)
	}
	result, err := starlark.Call(thread, fn, starlark.Tuple{args}, nil)
	if err != nil {
		return nil, err
	}
	encode := starlarkjson.Module.Members["encode"]
	encoded, err := starlark.Call(thread, encode, starlark.Tuple{result}, nil)
	if err != nil {
		return nil, fmt.Errorf("result is not JSON-encodable: %w", err)
	}
	s, _ := starlark.AsString(encoded)
	return []byte(s), nil
}

func (c *callState) classify(parent, run context.Context, thread *starlark.Thread, maxSteps uint64, err error) error {
	name := c.inv.Manifest.Name
	switch {
	case c.denied != nil:
		return c.denied
	case parent.Err() != nil:
		return domain.NewError(domain.KindCancelled, "", err)
	case c.overMemory:
		return domain.NewError(domain.KindResourceLimitExceeded, name+" exceeded its memory budget", err)
	case errors.Is(run.Err(), context.DeadlineExceeded):
		return domain.NewError(domain.KindResourceLimitExceeded, name+" exceeded its time budget", err)
	case thread.ExecutionSteps() >= maxSteps:
		return domain.NewError(domain.KindResourceLimitExceeded, name+" exceeded its step budget", err)
	}
	return domain.NewError(domain.KindToolFault, name+" failed", err)
}

func (c *callState) log(msg string) {
	if len(msg) > 4096 {
		msg = msg[:4096]
	}
	c.runtime.logger.Info("reflex: script log", "tool", c.inv.Manifest.Name, "message", msg)
}

func diagnostics(err error) string {
	var evalErr *starlark.EvalError
	msg := err.Error()
	if errors.As(err, &evalErr) {
		msg = evalErr.Backtrace()
	}
	if len(msg) > 2048 {
		msg = msg[:2048]
	}
	return strings.TrimSpace(msg)
}
