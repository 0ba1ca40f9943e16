package synapse

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/manthysbr/aulerun/internal/core/domain"
)

type invocationKey struct{}

func withInvocation(ctx context.Context, inv *domain.Invocation) context.Context {
	return context.WithValue(ctx, invocationKey{}, inv)
}

func invocationFrom(ctx context.Context) (*domain.Invocation, bool) {
	inv, ok := ctx.Value(invocationKey{}).(*domain.Invocation)
	return inv, ok && inv != nil
}

// hostServices implements the host side of the "aule" module. The running
// invocation travels in the call context.
type hostServices struct {
	logger *slog.Logger
	grants GrantVerifier
}

type kvRequest struct {
	Namespace string `json:"namespace"`
	Key       string `json:"key"`
	Value     []byte `json:"value,omitempty"`
}

// grant returns the verified grant of the current invocation.
func (h *hostServices) grant(ctx context.Context) (*domain.Invocation, domain.CapabilityGrant, bool) {
	inv, ok := invocationFrom(ctx)
	if !ok {
		return nil, domain.CapabilityGrant{}, false
	}
	g, err := h.grants.Verify(inv.GrantToken)
	if err != nil || g.InvocationID != inv.ID {
		h.logger.Warn("synapse: rejected grant token", "tool", inv.Manifest.Name, "security", true)
		return inv, domain.CapabilityGrant{}, false
	}
	return inv, g, true
}

func (h *hostServices) log(ctx context.Context, msg string) {
	if len(msg) > 4096 {
		msg = msg[:4096]
	}
	tool := ""
	if inv, ok := invocationFrom(ctx); ok {
		tool = inv.Manifest.Name
	}
	h.logger.Info("synapse: plugin log", "tool", tool, "message", msg)
}

func (h *hostServices) httpRequest(ctx context.Context, raw []byte) ([]byte, int32) {
	inv, _, ok := h.grant(ctx)
	if !ok || inv.Egress == nil {
		return nil, codeDenied
	}
	var req domain.EgressRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, codeFailed
	}
	resp, err := inv.Egress.Do(ctx, req)
	if err != nil {
		h.logger.Debug("synapse: http_request failed", "tool", inv.Manifest.Name, "error", err)
		switch domain.KindOf(err) {
		case domain.KindEndpointNotAllowed, domain.KindCapabilityDenied, domain.KindCredentialLeakDetected:
			return nil, codeDenied
		}
		return nil, codeFailed
	}
	out, err := json.Marshal(resp)
	if err != nil {
		return nil, codeFailed
	}
	return out, 0
}

func (h *hostServices) kvGet(ctx context.Context, raw []byte) ([]byte, int32) {
	inv, g, ok := h.grant(ctx)
	if !ok || inv.KV == nil {
		return nil, codeDenied
	}
	var req kvRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, codeFailed
	}
	need := domain.Capability{Kind: domain.CapKV, Scope: req.Namespace}
	if !g.Allows(need, time.Now()) {
		return nil, codeDenied
	}
	inv.Exercise(need)
	val, found := inv.KV.Get(req.Namespace, req.Key)
	if !found {
		return nil, codeNotFound
	}
	return val, 0
}

func (h *hostServices) kvSet(ctx context.Context, raw []byte) int32 {
	inv, g, ok := h.grant(ctx)
	if !ok || inv.KV == nil {
		return codeDenied
	}
	var req kvRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return codeFailed
	}
	need := domain.Capability{Kind: domain.CapKV, Scope: req.Namespace}
	if !g.Allows(need, time.Now()) {
		return codeDenied
	}
	inv.Exercise(need)
	if err := inv.KV.Set(req.Namespace, req.Key, req.Value); err != nil {
		return codeFailed
	}
	return 0
}
