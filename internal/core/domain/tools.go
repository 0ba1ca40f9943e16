package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// ToolKind is the closed set of tool variants the pipeline knows how to run.
type ToolKind string

const (
	// ToolBuiltin runs in the Go process.
	ToolBuiltin ToolKind = "builtin"
	// ToolRemote is a JSON endpoint reached through the egress proxy.
	ToolRemote ToolKind = "remote"
	// ToolWasm runs inside the Synapse wasm sandbox.
	ToolWasm ToolKind = "wasm"
	// ToolStarlark runs inside the Reflex script sandbox.
	ToolStarlark ToolKind = "starlark"
	// ToolContainer runs inside a throwaway Docker container.
	ToolContainer ToolKind = "container"
)

// Sandboxed reports whether the kind runs in an isolated SandboxInstance.
func (k ToolKind) Sandboxed() bool {
	return k == ToolWasm || k == ToolStarlark || k == ToolContainer
}

func (k ToolKind) valid() bool {
	switch k {
	case ToolBuiltin, ToolRemote, ToolWasm, ToolStarlark, ToolContainer:
		return true
	}
	return false
}

// ResourceBudget bounds one SandboxInstance. Zero fields mean "use the
// deployment default".
type ResourceBudget struct {
	MaxMemoryBytes int64         `json:"max_memory_bytes,omitempty" yaml:"max_memory_bytes"`
	MaxCPUTime     time.Duration `json:"max_cpu_time,omitempty" yaml:"max_cpu_time"`
	MaxWallTime    time.Duration `json:"max_wall_time,omitempty" yaml:"max_wall_time"`
	MaxOutputBytes int           `json:"max_output_bytes,omitempty" yaml:"max_output_bytes"`
}

// Clamp fills zero fields from def and caps every field at limit.
func (b ResourceBudget) Clamp(def, limit ResourceBudget) ResourceBudget {
	pick64 := func(v, d, l int64) int64 {
		if v <= 0 {
			v = d
		}
		if l > 0 && (v <= 0 || v > l) {
			v = l
		}
		return v
	}
	out := ResourceBudget{
		MaxMemoryBytes: pick64(b.MaxMemoryBytes, def.MaxMemoryBytes, limit.MaxMemoryBytes),
		MaxCPUTime:     time.Duration(pick64(int64(b.MaxCPUTime), int64(def.MaxCPUTime), int64(limit.MaxCPUTime))),
		MaxWallTime:    time.Duration(pick64(int64(b.MaxWallTime), int64(def.MaxWallTime), int64(limit.MaxWallTime))),
		MaxOutputBytes: int(pick64(int64(b.MaxOutputBytes), int64(def.MaxOutputBytes), int64(limit.MaxOutputBytes))),
	}
	return out
}

// ToolManifest is the registration contract of a tool.
type ToolManifest struct {
	Name         string          `json:"name"`
	Description  string          `json:"description"`
	Kind         ToolKind        `json:"kind"`
	Capabilities CapabilitySet   `json:"capability_requirements"`
	InputSchema  json.RawMessage `json:"input_schema,omitempty"`
	OutputSchema json.RawMessage `json:"output_schema,omitempty"`
	Budget       ResourceBudget  `json:"budget"`
	// Source locates the implementation: a .wasm path, a .star path, an
	// image reference or an endpoint URL, depending on Kind.
	Source  string   `json:"source,omitempty"`
	Command []string `json:"command,omitempty"`
}

// Validate checks the fields every kind needs.
func (m ToolManifest) Validate() error {
	if m.Name == "" {
		return errors.New("tool name cannot be empty")
	}
	if strings.ContainsAny(m.Name, " \t\n/") {
		return fmt.Errorf("tool name %q contains invalid characters", m.Name)
	}
	if !m.Kind.valid() {
		return fmt.Errorf("tool %s: unknown kind %q", m.Name, m.Kind)
	}
	if m.Kind != ToolBuiltin && m.Source == "" {
		return fmt.Errorf("tool %s: %s tools need a source", m.Name, m.Kind)
	}
	if m.Kind == ToolRemote && !m.Capabilities.HasKind(CapNetwork) {
		return fmt.Errorf("tool %s: remote tools must declare a network capability", m.Name)
	}
	return nil
}

// ToolCall is one tool request issued by the model.
type ToolCall struct {
	ID                    string         `json:"id"`
	JobID                 JobID          `json:"job_id"`
	ToolName              string         `json:"tool_name"`
	Arguments             map[string]any `json:"arguments"`
	RequestedCapabilities CapabilitySet  `json:"requested_capabilities,omitempty"`
}

// ToolResult is what the worker appends to the reasoning context.
type ToolResult struct {
	CallID    string        `json:"call_id"`
	ToolName  string        `json:"tool_name"`
	Content   string        `json:"content"`
	Verdict   SafetyVerdict `json:"verdict"`
	Truncated bool          `json:"truncated,omitempty"`
	Duration  time.Duration `json:"duration"`
}

var ErrToolExists = errors.New("tool already registered")

// ToolRegistry holds manifests. Tools are registered once at load time and
// read concurrently afterwards.
type ToolRegistry struct {
	mu    sync.RWMutex
	tools map[string]ToolManifest
}

// NewToolRegistry creates a new empty registry
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{
		tools: make(map[string]ToolManifest),
	}
}

// Register adds a manifest. Re-registering a name fails.
func (r *ToolRegistry) Register(m ToolManifest) error {
	if err := m.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tools[m.Name]; ok {
		return fmt.Errorf("%w: %s", ErrToolExists, m.Name)
	}
	r.tools[m.Name] = m
	return nil
}

// Get returns the manifest registered under name.
func (r *ToolRegistry) Get(name string) (ToolManifest, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.tools[name]
	return m, ok
}

// List returns all manifests sorted by name.
func (r *ToolRegistry) List() []ToolManifest {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ToolManifest, 0, len(r.tools))
	for _, m := range r.tools {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Suggest finds the closest registered name for a hallucinated one. It is
// only used in error text; calls are never rerouted.
// It uses word-overlap scoring + Levenshtein distance as tiebreaker.
func (r *ToolRegistry) Suggest(input string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	inputWords := splitToolWords(input)
	bestName := ""
	bestScore := 0
	for name := range r.tools {
		score := wordOverlapScore(inputWords, splitToolWords(name))
		if score > bestScore {
			bestScore = score
			bestName = name
		} else if score == bestScore && score > 0 {
			if levenshtein(input, name) < levenshtein(input, bestName) {
				bestName = name
			}
		}
	}
	if bestScore >= 1 {
		return bestName
	}
	return ""
}

func splitToolWords(name string) []string {
	parts := []string{}
	for _, p := range strings.Split(strings.ToLower(name), "_") {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return parts
}

func wordOverlapScore(a, b []string) int {
	set := make(map[string]bool, len(b))
	for _, w := range b {
		set[w] = true
	}
	score := 0
	for _, w := range a {
		if set[w] {
			score++
		}
	}
	return score
}

func levenshtein(a, b string) int {
	la, lb := len(a), len(b)
	if la == 0 {
		return lb
	}
	if lb == 0 {
		return la
	}
	prev := make([]int, lb+1)
	curr := make([]int, lb+1)
	for j := 0; j <= lb; j++ {
		prev[j] = j
	}
	for i := 1; i <= la; i++ {
		curr[0] = i
		for j := 1; j <= lb; j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			curr[j] = min(curr[j-1]+1, min(prev[j]+1, prev[j-1]+cost))
		}
		prev, curr = curr, prev
	}
	return prev[lb]
}

// FormatForPrompt renders a compact tool list for text-protocol models:
// name [kind]: description | schema.
func (r *ToolRegistry) FormatForPrompt() string {
	var sb strings.Builder
	sb.WriteString("Available Tools:\n")
	for _, m := range r.List() {
		kindTag := ""
		if m.Kind != ToolBuiltin {
			kindTag = " [" + string(m.Kind) + "]"
		}
		schema := ""
		if len(m.InputSchema) > 0 {
			schema = " | input: " + string(m.InputSchema)
		}
		fmt.Fprintf(&sb, "- %s%s: %s%s\n", m.Name, kindTag, m.Description, schema)
	}
	return sb.String()
}

// FilterByNames returns a registry holding only the named tools.
func (r *ToolRegistry) FilterByNames(names []string) *ToolRegistry {
	filtered := NewToolRegistry()
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, n := range names {
		if m, ok := r.tools[n]; ok {
			filtered.tools[n] = m
		}
	}
	return filtered
}
