package domain

import (
	"context"
	"sync"
	"time"
)

// EgressRequest is an outbound HTTP request made by a running tool.
type EgressRequest struct {
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    []byte            `json:"body,omitempty"`
}

// EgressResponse is the host's answer to an EgressRequest.
type EgressResponse struct {
	Status      int               `json:"status"`
	Headers     map[string]string `json:"headers,omitempty"`
	Body        []byte            `json:"body,omitempty"`
	ContentType string            `json:"content_type,omitempty"`
	Truncated   bool              `json:"truncated,omitempty"`
}

// Egress performs HTTP on behalf of exactly one invocation.
type Egress interface {
	Do(ctx context.Context, req EgressRequest) (*EgressResponse, error)
}

// KVStore is the namespaced store sandboxes reach through the kv capability.
type KVStore interface {
	Get(namespace, key string) ([]byte, bool)
	Set(namespace, key string, value []byte) error
}

// Invocation is the host-side context of one tool call. The sandbox only
// ever sees Call.Arguments, GrantToken and the secret handles.
type Invocation struct {
	ID         string
	Call       ToolCall
	Manifest   ToolManifest
	Grant      CapabilityGrant
	GrantToken string
	Budget     ResourceBudget
	// Handles maps opaque handle strings to secret names.
	Handles map[string]string
	Egress  Egress
	KV      KVStore
	Started time.Time

	mu        sync.Mutex
	exercised CapabilitySet
}

// Exercise records a capability actually used during execution.
func (inv *Invocation) Exercise(c Capability) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	inv.exercised = append(inv.exercised, c)
}

// Exercised returns the capabilities used so far.
func (inv *Invocation) Exercised() CapabilitySet {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	out := make(CapabilitySet, len(inv.exercised))
	copy(out, inv.exercised)
	return out
}

// HandleFor returns the handle issued for secret name, if any.
func (inv *Invocation) HandleFor(name string) (string, bool) {
	for h, n := range inv.Handles {
		if n == name {
			return h, true
		}
	}
	return "", false
}

// ExecResult is the raw output of an executor, before leak scanning.
type ExecResult struct {
	Output      []byte
	ContentType string
	// Diagnostics is a short stderr/exit snapshot kept for the failure
	// tracker. It never reaches the model.
	Diagnostics string
	Truncated   bool
}

// Executor runs one tool variant.
type Executor interface {
	Execute(ctx context.Context, inv *Invocation) (*ExecResult, error)
}
