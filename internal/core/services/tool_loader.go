package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/manthysbr/aulerun/internal/core/domain"
	"github.com/manthysbr/aulerun/internal/synapse"
)

// ToolsFile is the manifest file the loader looks for in the tool directory.
const ToolsFile = "tools.yaml"

// toolsFile is the on-disk format of ToolsFile.
type toolsFile struct {
	Tools []toolEntry `yaml:"tools"`
}

type toolEntry struct {
	Name         string                `yaml:"name"`
	Description  string                `yaml:"description"`
	Kind         domain.ToolKind       `yaml:"kind"`
	Source       string                `yaml:"source"`
	Command      []string              `yaml:"command"`
	Capabilities domain.CapabilitySet  `yaml:"capabilities"`
	InputSchema  map[string]any        `yaml:"input_schema"`
	OutputSchema map[string]any        `yaml:"output_schema"`
	Budget       domain.ResourceBudget `yaml:"budget"`
	Disabled     bool                  `yaml:"disabled"`
}

// WasmLoader compiles wasm tools.
type WasmLoader interface {
	LoadPlugin(ctx context.Context, manifest domain.ToolManifest, wasm []byte) (*synapse.Plugin, error)
}

// ScriptLoader compiles starlark tools.
type ScriptLoader interface {
	Load(manifest domain.ToolManifest, src []byte) error
}

// ToolLoader discovers tools in a directory, clamps their budgets, compiles
// them into their sandbox and registers the manifests.
type ToolLoader struct {
	logger   *slog.Logger
	dir      string
	registry *domain.ToolRegistry
	schemas  *SchemaValidator
	wasm     WasmLoader
	scripts  ScriptLoader
	def      domain.ResourceBudget
	limit    domain.ResourceBudget
}

// NewToolLoader creates a loader for dir. wasm and scripts may be nil, in
// which case tools of that kind are skipped.
func NewToolLoader(
	logger *slog.Logger,
	dir string,
	registry *domain.ToolRegistry,
	schemas *SchemaValidator,
	wasm WasmLoader,
	scripts ScriptLoader,
	sandbox domain.SandboxConfig,
) *ToolLoader {
	return &ToolLoader{
		logger:   logger,
		dir:      dir,
		registry: registry,
		schemas:  schemas,
		wasm:     wasm,
		scripts:  scripts,
		def:      sandbox.DefaultBudget,
		limit:    sandbox.MaxBudget,
	}
}

// AddBuiltins links builtins into exec and registers their manifests.
func (l *ToolLoader) AddBuiltins(ctx context.Context, exec *BuiltinExecutor, tools []BuiltinTool) error {
	for _, t := range tools {
		m := exec.Add(t)
		if err := l.register(ctx, m); err != nil {
			return err
		}
	}
	return nil
}

// Load reads ToolsFile if present, otherwise discovers *.wasm and *.star
// files with generated manifests. A broken tool is logged and skipped; the
// names of loaded tools are returned.
func (l *ToolLoader) Load(ctx context.Context) ([]string, error) {
	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return nil, fmt.Errorf("tool loader: create %q: %w", l.dir, err)
	}

	entries, err := l.readManifest()
	switch {
	case errors.Is(err, os.ErrNotExist):
		entries, err = l.discover()
		if err != nil {
			return nil, err
		}
	case err != nil:
		return nil, err
	}

	var loaded []string
	for _, e := range entries {
		if e.Disabled {
			l.logger.Debug("skipping disabled tool", "name", e.Name)
			continue
		}
		m, err := e.manifest()
		if err == nil {
			err = l.loadOne(ctx, m)
		}
		if err != nil {
			l.logger.Error("failed to load tool", "name", e.Name, "kind", e.Kind, "error", err)
			continue
		}
		loaded = append(loaded, m.Name)
		l.logger.Info("tool registered", "name", m.Name, "kind", m.Kind, "capabilities", m.Capabilities.Strings())
	}
	return loaded, nil
}

func (l *ToolLoader) readManifest() ([]toolEntry, error) {
	raw, err := os.ReadFile(filepath.Join(l.dir, ToolsFile))
	if err != nil {
		return nil, err
	}
	var f toolsFile
	dec := yaml.NewDecoder(strings.NewReader(string(raw)))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("tool loader: parse %s: %w", ToolsFile, err)
	}
	return f.Tools, nil
}

// discover generates manifests for manifest-less directories. Such tools
// get no capabilities and a single string input.
func (l *ToolLoader) discover() ([]toolEntry, error) {
	files, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, fmt.Errorf("tool loader: read %q: %w", l.dir, err)
	}
	var out []toolEntry
	for _, f := range files {
		if f.IsDir() {
			continue
		}
		ext := filepath.Ext(f.Name())
		var kind domain.ToolKind
		switch ext {
		case ".wasm":
			kind = domain.ToolWasm
		case ".star":
			kind = domain.ToolStarlark
		default:
			continue
		}
		name := strings.TrimSuffix(f.Name(), ext)
		out = append(out, toolEntry{
			Name:        name,
			Description: fmt.Sprintf("%s tool: %s", kind, name),
			Kind:        kind,
			Source:      f.Name(),
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"input": map[string]any{"type": "string", "description": "Input text for the tool"},
				},
				"required": []any{"input"},
			},
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (e toolEntry) manifest() (domain.ToolManifest, error) {
	m := domain.ToolManifest{
		Name:         e.Name,
		Description:  e.Description,
		Kind:         e.Kind,
		Source:       e.Source,
		Command:      e.Command,
		Capabilities: e.Capabilities,
		Budget:       e.Budget,
	}
	var err error
	if m.InputSchema, err = schemaJSON(e.InputSchema); err != nil {
		return m, fmt.Errorf("input_schema: %w", err)
	}
	if m.OutputSchema, err = schemaJSON(e.OutputSchema); err != nil {
		return m, fmt.Errorf("output_schema: %w", err)
	}
	return m, nil
}

func schemaJSON(s map[string]any) (json.RawMessage, error) {
	if len(s) == 0 {
		return nil, nil
	}
	return json.Marshal(s)
}

func (l *ToolLoader) loadOne(ctx context.Context, m domain.ToolManifest) error {
	m.Budget = m.Budget.Clamp(l.def, l.limit)
	if err := m.Validate(); err != nil {
		return err
	}

	switch m.Kind {
	case domain.ToolWasm:
		if l.wasm == nil {
			return errors.New("wasm sandbox is not enabled")
		}
		src, err := l.readSource(m.Source)
		if err != nil {
			return err
		}
		if _, err := l.wasm.LoadPlugin(ctx, m, src); err != nil {
			return err
		}
	case domain.ToolStarlark:
		if l.scripts == nil {
			return errors.New("starlark sandbox is not enabled")
		}
		src, err := l.readSource(m.Source)
		if err != nil {
			return err
		}
		if err := l.scripts.Load(m, src); err != nil {
			return err
		}
	case domain.ToolRemote:
		u, err := url.Parse(m.Source)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("remote source %q is not an http(s) URL", m.Source)
		}
	case domain.ToolContainer:
		// Images are pulled on first use.
	case domain.ToolBuiltin:
		return errors.New("builtin tools cannot be declared in " + ToolsFile)
	}
	return l.register(ctx, m)
}

func (l *ToolLoader) register(ctx context.Context, m domain.ToolManifest) error {
	if err := l.schemas.Compile(ctx, m); err != nil {
		return err
	}
	return l.registry.Register(m)
}

// readSource reads a tool file, refusing paths that escape the directory.
func (l *ToolLoader) readSource(rel string) ([]byte, error) {
	if filepath.IsAbs(rel) || !filepath.IsLocal(rel) {
		return nil, fmt.Errorf("source %q must be relative to the tool directory", rel)
	}
	return os.ReadFile(filepath.Join(l.dir, rel))
}
