package reflex

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manthysbr/aulerun/internal/config"
	"github.com/manthysbr/aulerun/internal/core/domain"
)

type memKV map[string][]byte

func (m memKV) Get(ns, key string) ([]byte, bool) {
	v, ok := m[ns+"/"+key]
	return v, ok
}

func (m memKV) Set(ns, key string, value []byte) error {
	m[ns+"/"+key] = value
	return nil
}

type fakeEgress struct {
	resp *domain.EgressResponse
	err  error
	reqs []domain.EgressRequest
}

func (f *fakeEgress) Do(_ context.Context, req domain.EgressRequest) (*domain.EgressResponse, error) {
	f.reqs = append(f.reqs, req)
	return f.resp, f.err
}

type harness struct {
	rt     *Runtime
	signer *config.GrantSigner
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	signer, err := config.NewGrantSigner()
	require.NoError(t, err)
	return &harness{
		rt:     NewRuntime(slog.New(slog.NewTextHandler(io.Discard, nil)), signer),
		signer: signer,
	}
}

func (h *harness) load(t *testing.T, name, src string) domain.ToolManifest {
	t.Helper()
	m := domain.ToolManifest{Name: name, Kind: domain.ToolStarlark}
	require.NoError(t, h.rt.Load(m, []byte(src)))
	return m
}

func (h *harness) invocation(t *testing.T, m domain.ToolManifest, args map[string]any, caps ...string) *domain.Invocation {
	t.Helper()
	set, err := domain.ParseCapabilities(caps)
	require.NoError(t, err)
	grant := domain.CapabilityGrant{InvocationID: "inv-1", Tool: m.Name, Capabilities: set, ExpiresAt: time.Now().Add(time.Minute)}
	token, err := h.signer.Sign(grant)
	require.NoError(t, err)
	return &domain.Invocation{
		ID:         "inv-1",
		Call:       domain.ToolCall{ID: "call-1", ToolName: m.Name, Arguments: args},
		Manifest:   m,
		Grant:      grant,
		GrantToken: token,
		Budget:     domain.ResourceBudget{MaxCPUTime: time.Second, MaxWallTime: 2 * time.Second, MaxOutputBytes: 4096},
		Handles:    map[string]string{},
		KV:         memKV{},
	}
}

func TestRunReturnsJSON(t *testing.T) {
	h := newHarness(t)
	m := h.load(t, "greet", `
def run(args):
    return {"greeting": "hi " + args["name"], "n": len(args["tags"])}
`)
	res, err := h.rt.Execute(context.Background(), h.invocation(t, m, map[string]any{"name": "bob", "tags": []any{"a", "b"}}))
	require.NoError(t, err)
	assert.JSONEq(t, `{"greeting":"hi bob","n":2}`, string(res.Output))
	assert.Equal(t, []string{"greet"}, h.rt.List())
}

func TestStepBudgetStopsRunawayScript(t *testing.T) {
	h := newHarness(t)
	m := h.load(t, "spin", `
def run(args):
    while True:
        pass
`)
	inv := h.invocation(t, m, nil)
	inv.Budget.MaxCPUTime = 10 * time.Millisecond
	inv.Budget.MaxWallTime = 10 * time.Second

	start := time.Now()
	_, err := h.rt.Execute(context.Background(), inv)
	assert.ErrorIs(t, err, domain.ErrResourceLimitExceeded)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestWallBudgetStopsScript(t *testing.T) {
	h := newHarness(t)
	m := h.load(t, "spin", `
def run(args):
    while True:
        pass
`)
	inv := h.invocation(t, m, nil)
	inv.Budget.MaxCPUTime = time.Hour
	inv.Budget.MaxWallTime = 50 * time.Millisecond

	_, err := h.rt.Execute(context.Background(), inv)
	assert.ErrorIs(t, err, domain.ErrResourceLimitExceeded)
}

func TestMemoryBudgetStopsLargeAllocation(t *testing.T) {
	h := newHarness(t)
	m := h.load(t, "hog", `
def run(args):
    s = "a" * 300000000
    return len(s)
`)
	inv := h.invocation(t, m, nil)
	inv.Budget.MaxMemoryBytes = 1 << 20

	res, err := h.rt.Execute(context.Background(), inv)
	assert.ErrorIs(t, err, domain.ErrResourceLimitExceeded)
	assert.ErrorContains(t, err, "memory budget")
	require.NotNil(t, res)
	assert.Empty(t, res.Output)
}

func TestMemoryBudgetStopsGrowingScript(t *testing.T) {
	h := newHarness(t)
	m := h.load(t, "grow", `
def run(args):
    chunks = []
    while True:
        chunks.append("x" * 4096)
`)
	inv := h.invocation(t, m, nil)
	inv.Budget.MaxMemoryBytes = 8 << 20
	inv.Budget.MaxCPUTime = time.Hour
	inv.Budget.MaxWallTime = 10 * time.Second

	start := time.Now()
	_, err := h.rt.Execute(context.Background(), inv)
	assert.ErrorIs(t, err, domain.ErrResourceLimitExceeded)
	assert.ErrorContains(t, err, "memory budget")
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestMemoryBudgetAllowsSmallScript(t *testing.T) {
	h := newHarness(t)
	m := h.load(t, "small", `
def run(args):
    return ",".join([str(i) for i in range(100)])
`)
	inv := h.invocation(t, m, nil)
	inv.Budget.MaxMemoryBytes = 64 << 20

	res, err := h.rt.Execute(context.Background(), inv)
	require.NoError(t, err)
	assert.Contains(t, string(res.Output), "0,1,2")
}

func TestCallerCancellation(t *testing.T) {
	h := newHarness(t)
	m := h.load(t, "spin", `
def run(args):
    while True:
        pass
`)
	inv := h.invocation(t, m, nil)
	inv.Budget.MaxCPUTime = time.Hour
	inv.Budget.MaxWallTime = time.Minute

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(30*time.Millisecond, cancel)
	_, err := h.rt.Execute(ctx, inv)
	assert.ErrorIs(t, err, domain.ErrCancelled)
}

func TestScriptFailureIsToolFault(t *testing.T) {
	h := newHarness(t)
	m := h.load(t, "broken", `
def run(args):
    fail("boom")
`)
	res, err := h.rt.Execute(context.Background(), h.invocation(t, m, nil))
	assert.ErrorIs(t, err, domain.ErrToolFault)
	require.NotNil(t, res)
	assert.Contains(t, res.Diagnostics, "boom")
}

func TestMissingRunIsToolFault(t *testing.T) {
	h := newHarness(t)
	m := h.load(t, "norun", `x = 1`)
	_, err := h.rt.Execute(context.Background(), h.invocation(t, m, nil))
	assert.ErrorIs(t, err, domain.ErrToolFault)
}

func TestLoadRejectsSyntaxErrors(t *testing.T) {
	h := newHarness(t)
	err := h.rt.Load(domain.ToolManifest{Name: "bad"}, []byte("def run(args)\n  return 1"))
	assert.Error(t, err)
	assert.Empty(t, h.rt.List())
}

func TestDeniedEndpointSurfacesAsPolicyError(t *testing.T) {
	h := newHarness(t)
	m := h.load(t, "fetch", `
def run(args):
    r = http_request(args["url"])
    return r["body"]
`)
	inv := h.invocation(t, m, map[string]any{"url": "https://evil.example.com/"}, "network:api.example.com")
	inv.Egress = &fakeEgress{err: domain.Errorf(domain.KindEndpointNotAllowed, "evil.example.com")}

	_, err := h.rt.Execute(context.Background(), inv)
	assert.ErrorIs(t, err, domain.ErrEndpointNotAllowed)
}

func TestHTTPRequestResult(t *testing.T) {
	h := newHarness(t)
	m := h.load(t, "fetch", `
def run(args):
    r = http_request("https://api.example.com/data", method="POST", headers={"X-Key": secret_handle("API_TOKEN")}, body="{}")
    return {"status": r["status"], "body": json.decode(r["body"])}
`)
	inv := h.invocation(t, m, nil, "network:api.example.com", "secret:API_TOKEN")
	inv.Handles["aule-secret-abc"] = "API_TOKEN"
	egress := &fakeEgress{resp: &domain.EgressResponse{Status: 201, Body: []byte(`{"ok":true}`)}}
	inv.Egress = egress

	res, err := h.rt.Execute(context.Background(), inv)
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":201,"body":{"ok":true}}`, string(res.Output))
	require.Len(t, egress.reqs, 1)
	assert.Equal(t, "POST", egress.reqs[0].Method)
	assert.Equal(t, "aule-secret-abc", egress.reqs[0].Headers["X-Key"])
}

func TestSecretHandleRequiresGrant(t *testing.T) {
	h := newHarness(t)
	m := h.load(t, "peek", `
def run(args):
    return secret_handle("OPENAI_API_KEY")
`)
	inv := h.invocation(t, m, nil)
	inv.Handles["aule-secret-abc"] = "OPENAI_API_KEY"
	_, err := h.rt.Execute(context.Background(), inv)
	assert.ErrorIs(t, err, domain.ErrCapabilityDenied)
}

func TestKVRoundTrip(t *testing.T) {
	h := newHarness(t)
	m := h.load(t, "counter", `
def run(args):
    n = kv_get("counters", "hits") or 0
    kv_set("counters", "hits", n + 1)
    return kv_get("counters", "hits")
`)
	inv := h.invocation(t, m, nil, "kv:counters")
	res, err := h.rt.Execute(context.Background(), inv)
	require.NoError(t, err)
	assert.Equal(t, "1", string(res.Output))

	inv2 := h.invocation(t, m, nil)
	_, err = h.rt.Execute(context.Background(), inv2)
	assert.ErrorIs(t, err, domain.ErrCapabilityDenied)
}

func TestForgedTokenDenied(t *testing.T) {
	h := newHarness(t)
	m := h.load(t, "counter", `
def run(args):
    return kv_get("counters", "hits")
`)
	inv := h.invocation(t, m, nil, "kv:counters")
	inv.GrantToken = "forged.token"
	_, err := h.rt.Execute(context.Background(), inv)
	assert.ErrorIs(t, err, domain.ErrCapabilityDenied)
}

func TestOutputTruncated(t *testing.T) {
	h := newHarness(t)
	m := h.load(t, "loud", `
def run(args):
    return "x" * 10000
`)
	inv := h.invocation(t, m, nil)
	inv.Budget.MaxOutputBytes = 100
	res, err := h.rt.Execute(context.Background(), inv)
	require.NoError(t, err)
	assert.Len(t, res.Output, 100)
	assert.True(t, res.Truncated)
}
