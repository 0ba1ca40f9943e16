package services

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/manthysbr/aulerun/internal/core/domain"
)

// BuiltinFunc is the in-process body of a builtin tool. Builtins get the
// same Invocation as sandboxed tools and reach the network only through
// inv.Egress.
type BuiltinFunc func(ctx context.Context, inv *domain.Invocation) (*domain.ExecResult, error)

// BuiltinTool pairs a manifest with its Go implementation.
type BuiltinTool struct {
	Manifest domain.ToolManifest
	Run      BuiltinFunc
}

// BuiltinExecutor runs ToolBuiltin manifests.
type BuiltinExecutor struct {
	mu    sync.RWMutex
	tools map[string]BuiltinFunc
}

func NewBuiltinExecutor() *BuiltinExecutor {
	return &BuiltinExecutor{tools: make(map[string]BuiltinFunc)}
}

// Add registers the body of a builtin and returns its manifest.
func (b *BuiltinExecutor) Add(t BuiltinTool) domain.ToolManifest {
	b.mu.Lock()
	defer b.mu.Unlock()
	t.Manifest.Kind = domain.ToolBuiltin
	b.tools[t.Manifest.Name] = t.Run
	return t.Manifest
}

func (b *BuiltinExecutor) Execute(ctx context.Context, inv *domain.Invocation) (*domain.ExecResult, error) {
	b.mu.RLock()
	run, ok := b.tools[inv.Manifest.Name]
	b.mu.RUnlock()
	if !ok {
		return nil, domain.Errorf(domain.KindToolFault, "builtin %s is not linked", inv.Manifest.Name)
	}
	return run(ctx, inv)
}

// DefaultBuiltins returns the builtins every deployment ships with.
func DefaultBuiltins(now func() time.Time) []BuiltinTool {
	if now == nil {
		now = time.Now
	}
	tools := []BuiltinTool{NewWebFetchTool(), NewCurrentTimeTool(now)}
	return append(tools, NewNoteTools()...)
}

// NewWebFetchTool fetches a page. Policy lives in the egress proxy: the
// deployment must grant network scopes to web_fetch for it to reach
// anything.
func NewWebFetchTool() BuiltinTool {
	return BuiltinTool{
		Manifest: domain.ToolManifest{
			Name:        "web_fetch",
			Description: "Fetches the content of a web page URL. HTML is reduced to visible text. Max 1MB response.",
			Capabilities: domain.CapabilitySet{
				{Kind: domain.CapNetwork, Scope: "*"},
			},
			InputSchema: json.RawMessage(`{"type":"object","properties":{"url":{"type":"string","minLength":1}},"required":["url"]}`),
		},
		Run: func(ctx context.Context, inv *domain.Invocation) (*domain.ExecResult, error) {
			rawURL, _ := inv.Call.Arguments["url"].(string)
			rawURL = strings.TrimSpace(rawURL)
			if !strings.HasPrefix(rawURL, "http://") && !strings.HasPrefix(rawURL, "https://") {
				rawURL = "https://" + rawURL
			}
			if inv.Egress == nil {
				return nil, domain.Errorf(domain.KindEndpointNotAllowed, "web_fetch has no network access")
			}

			fetchCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			defer cancel()

			resp, err := inv.Egress.Do(fetchCtx, domain.EgressRequest{
				Method:  http.MethodGet,
				URL:     rawURL,
				Headers: map[string]string{"Accept": "text/html,application/xhtml+xml,text/plain,*/*"},
			})
			if err != nil {
				return nil, err
			}
			if resp.Status >= 400 {
				return &domain.ExecResult{Diagnostics: fmt.Sprintf("HTTP %d from %s", resp.Status, rawURL)},
					domain.Errorf(domain.KindToolFault, "HTTP %d", resp.Status)
			}
			body := resp.Body
			if len(strings.TrimSpace(string(body))) == 0 {
				body = []byte("(page returned empty content)")
			}
			return &domain.ExecResult{Output: body, ContentType: resp.ContentType, Truncated: resp.Truncated}, nil
		},
	}
}

// NewCurrentTimeTool reports the host clock.
func NewCurrentTimeTool(now func() time.Time) BuiltinTool {
	return BuiltinTool{
		Manifest: domain.ToolManifest{
			Name:        "current_time",
			Description: "Returns the current date and time. Optional IANA timezone, e.g. 'Europe/Berlin'.",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"timezone":{"type":"string"}}}`),
		},
		Run: func(_ context.Context, inv *domain.Invocation) (*domain.ExecResult, error) {
			t := now()
			if tz, _ := inv.Call.Arguments["timezone"].(string); tz != "" {
				loc, err := time.LoadLocation(tz)
				if err != nil {
					return nil, domain.Errorf(domain.KindInvalidArguments, "unknown timezone %q", tz)
				}
				t = t.In(loc)
			}
			out, _ := json.Marshal(map[string]string{
				"time":     t.Format(time.RFC3339),
				"weekday":  t.Weekday().String(),
				"timezone": t.Location().String(),
			})
			return &domain.ExecResult{Output: out, ContentType: "application/json"}, nil
		},
	}
}

// notesNamespace is the kv namespace of the note builtins.
const notesNamespace = "notes"

// NewNoteTools returns note_write and note_read, a small scratchpad backed
// by the kv store.
func NewNoteTools() []BuiltinTool {
	kvCap := domain.Capability{Kind: domain.CapKV, Scope: notesNamespace}
	keySchema := `"key":{"type":"string","minLength":1,"maxLength":128}`
	return []BuiltinTool{
		{
			Manifest: domain.ToolManifest{
				Name:         "note_write",
				Description:  "Stores a short note under a key for later steps.",
				Capabilities: domain.CapabilitySet{kvCap},
				InputSchema:  json.RawMessage(`{"type":"object","properties":{` + keySchema + `,"text":{"type":"string"}},"required":["key","text"]}`),
			},
			Run: func(_ context.Context, inv *domain.Invocation) (*domain.ExecResult, error) {
				if inv.KV == nil || !inv.Grant.Allows(kvCap, time.Now()) {
					return nil, domain.Errorf(domain.KindCapabilityDenied, "note storage not granted")
				}
				key, _ := inv.Call.Arguments["key"].(string)
				text, _ := inv.Call.Arguments["text"].(string)
				inv.Exercise(kvCap)
				if err := inv.KV.Set(notesNamespace, key, []byte(text)); err != nil {
					return nil, domain.NewError(domain.KindResourceLimitExceeded, "note storage full", err)
				}
				return &domain.ExecResult{Output: []byte(`{"stored":true}`), ContentType: "application/json"}, nil
			},
		},
		{
			Manifest: domain.ToolManifest{
				Name:         "note_read",
				Description:  "Reads a note stored earlier with note_write.",
				Capabilities: domain.CapabilitySet{kvCap},
				InputSchema:  json.RawMessage(`{"type":"object","properties":{` + keySchema + `},"required":["key"]}`),
			},
			Run: func(_ context.Context, inv *domain.Invocation) (*domain.ExecResult, error) {
				if inv.KV == nil || !inv.Grant.Allows(kvCap, time.Now()) {
					return nil, domain.Errorf(domain.KindCapabilityDenied, "note storage not granted")
				}
				key, _ := inv.Call.Arguments["key"].(string)
				inv.Exercise(kvCap)
				val, ok := inv.KV.Get(notesNamespace, key)
				out, _ := json.Marshal(map[string]any{"key": key, "found": ok, "text": string(val)})
				return &domain.ExecResult{Output: out, ContentType: "application/json"}, nil
			},
		},
	}
}
