// Package synapse runs wasm tools. Every plugin gets its own wazero runtime
// so the memory ceiling from its budget is enforced by the engine, and every
// call instantiates a fresh module from the shared compilation cache.
package synapse

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/manthysbr/aulerun/internal/core/domain"
)

const wasmPageSize = 65536

// GrantVerifier validates the grant token a sandbox presents to the host.
type GrantVerifier interface {
	Verify(token string) (domain.CapabilityGrant, error)
}

// Runtime owns the loaded wasm plugins.
type Runtime struct {
	mu      sync.RWMutex
	logger  *slog.Logger
	cache   wazero.CompilationCache
	host    *hostServices
	plugins map[string]*Plugin
}

func NewRuntime(logger *slog.Logger, grants GrantVerifier) *Runtime {
	return &Runtime{
		logger:  logger,
		cache:   wazero.NewCompilationCache(),
		host:    &hostServices{logger: logger, grants: grants},
		plugins: make(map[string]*Plugin),
	}
}

// LoadPlugin compiles wasm for the manifest's tool. The manifest budget must
// already be clamped; its memory ceiling becomes the runtime page limit.
// Loading a name twice replaces the previous plugin.
func (r *Runtime) LoadPlugin(ctx context.Context, manifest domain.ToolManifest, wasm []byte) (*Plugin, error) {
	pages := memoryPages(manifest.Budget.MaxMemoryBytes)
	cfg := wazero.NewRuntimeConfigCompiler().
		WithCloseOnContextDone(true).
		WithMemoryLimitPages(pages).
		WithCompilationCache(r.cache)
	rt := wazero.NewRuntimeWithConfig(ctx, cfg)

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("synapse: instantiate wasi: %w", err)
	}
	if err := r.host.instantiate(ctx, rt); err != nil {
		rt.Close(ctx)
		return nil, err
	}

	compiled, err := rt.CompileModule(ctx, wasm)
	if err != nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("synapse: compile %q: %w", manifest.Name, err)
	}
	for _, def := range compiled.ExportedMemories() {
		if def.Min() > pages {
			rt.Close(ctx)
			return nil, domain.Errorf(domain.KindResourceLimitExceeded,
				"%s needs %d memory pages, budget allows %d", manifest.Name, def.Min(), pages)
		}
	}

	plugin := &Plugin{
		manifest: manifest,
		compiled: compiled,
		rt:       rt,
		logger:   r.logger.With("plugin", manifest.Name),
	}

	r.mu.Lock()
	existing, replaced := r.plugins[manifest.Name]
	r.plugins[manifest.Name] = plugin
	r.mu.Unlock()
	if replaced {
		existing.Close(ctx)
		r.logger.Info("synapse: replaced plugin", "name", manifest.Name)
	}

	r.logger.Info("synapse: plugin loaded", "name", manifest.Name, "memory_pages", pages)
	return plugin, nil
}

// Execute implements domain.Executor for wasm tools.
func (r *Runtime) Execute(ctx context.Context, inv *domain.Invocation) (*domain.ExecResult, error) {
	plugin, ok := r.GetPlugin(inv.Manifest.Name)
	if !ok {
		return nil, domain.Errorf(domain.KindToolFault, "wasm plugin %s is not loaded", inv.Manifest.Name)
	}
	return plugin.Execute(ctx, inv)
}

func (r *Runtime) GetPlugin(name string) (*Plugin, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.plugins[name]
	return p, ok
}

// ListPlugins returns the loaded plugin names, sorted.
func (r *Runtime) ListPlugins() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.plugins))
	for name := range r.plugins {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Runtime) UnloadPlugin(ctx context.Context, name string) error {
	r.mu.Lock()
	plugin, ok := r.plugins[name]
	delete(r.plugins, name)
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("synapse: plugin %q not found", name)
	}
	plugin.Close(ctx)
	r.logger.Info("synapse: plugin unloaded", "name", name)
	return nil
}

// Close shuts down every plugin runtime and the compilation cache.
func (r *Runtime) Close(ctx context.Context) error {
	r.mu.Lock()
	plugins := r.plugins
	r.plugins = map[string]*Plugin{}
	r.mu.Unlock()

	for name, plugin := range plugins {
		plugin.Close(ctx)
		r.logger.Debug("synapse: closed plugin", "name", name)
	}
	return r.cache.Close(ctx)
}

func memoryPages(limit int64) uint32 {
	if limit <= 0 {
		return 65536
	}
	pages := limit / wasmPageSize
	switch {
	case pages < 1:
		return 1
	case pages > 65536:
		return 65536
	}
	return uint32(pages)
}
