package services

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manthysbr/aulerun/internal/core/domain"
)

type egressFunc func(ctx context.Context, req domain.EgressRequest) (*domain.EgressResponse, error)

func (f egressFunc) Do(ctx context.Context, req domain.EgressRequest) (*domain.EgressResponse, error) {
	return f(ctx, req)
}

func builtinInvocation(t BuiltinTool, args map[string]any) *domain.Invocation {
	return &domain.Invocation{
		ID:       "inv-1",
		Call:     domain.ToolCall{ID: "call-1", ToolName: t.Manifest.Name, Arguments: args},
		Manifest: t.Manifest,
	}
}

func TestWebFetch_GoesThroughEgress(t *testing.T) {
	tool := NewWebFetchTool()
	inv := builtinInvocation(tool, map[string]any{"url": " example.com/page "})
	var got domain.EgressRequest
	inv.Egress = egressFunc(func(ctx context.Context, req domain.EgressRequest) (*domain.EgressResponse, error) {
		got = req
		_, hasDeadline := ctx.Deadline()
		assert.True(t, hasDeadline)
		return &domain.EgressResponse{Status: 200, Body: []byte("hello"), ContentType: "text/plain"}, nil
	})

	res, err := tool.Run(context.Background(), inv)
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/page", got.URL)
	assert.Equal(t, "GET", got.Method)
	assert.Equal(t, "hello", string(res.Output))
	assert.Equal(t, "text/plain", res.ContentType)
}

func TestWebFetch_Failures(t *testing.T) {
	tool := NewWebFetchTool()

	inv := builtinInvocation(tool, map[string]any{"url": "https://example.com"})
	_, err := tool.Run(context.Background(), inv)
	assert.ErrorIs(t, err, domain.ErrEndpointNotAllowed)

	inv.Egress = egressFunc(func(context.Context, domain.EgressRequest) (*domain.EgressResponse, error) {
		return &domain.EgressResponse{Status: 503}, nil
	})
	res, err := tool.Run(context.Background(), inv)
	assert.ErrorIs(t, err, domain.ErrToolFault)
	require.NotNil(t, res)
	assert.Contains(t, res.Diagnostics, "HTTP 503")

	denied := domain.Errorf(domain.KindEndpointNotAllowed, "example.com")
	inv.Egress = egressFunc(func(context.Context, domain.EgressRequest) (*domain.EgressResponse, error) {
		return nil, denied
	})
	_, err = tool.Run(context.Background(), inv)
	assert.True(t, errors.Is(err, domain.ErrEndpointNotAllowed))

	inv.Egress = egressFunc(func(context.Context, domain.EgressRequest) (*domain.EgressResponse, error) {
		return &domain.EgressResponse{Status: 200, Body: []byte("  \n")}, nil
	})
	res, err = tool.Run(context.Background(), inv)
	require.NoError(t, err)
	assert.Equal(t, "(page returned empty content)", string(res.Output))
}

func TestCurrentTime(t *testing.T) {
	clock := func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	tool := NewCurrentTimeTool(clock)

	res, err := tool.Run(context.Background(), builtinInvocation(tool, nil))
	require.NoError(t, err)
	var out map[string]string
	require.NoError(t, json.Unmarshal(res.Output, &out))
	assert.Equal(t, "2026-03-01T12:00:00Z", out["time"])
	assert.Equal(t, "Sunday", out["weekday"])

	_, err = tool.Run(context.Background(), builtinInvocation(tool, map[string]any{"timezone": "Mars/Olympus"}))
	assert.ErrorIs(t, err, domain.ErrInvalidArguments)
}

func TestNoteTools_RequireGrant(t *testing.T) {
	tools := NewNoteTools()
	inv := builtinInvocation(tools[0], map[string]any{"key": "k", "text": "v"})
	inv.KV = &memKV{}

	_, err := tools[0].Run(context.Background(), inv)
	assert.ErrorIs(t, err, domain.ErrCapabilityDenied)
	assert.Empty(t, inv.Exercised())
}

func TestBuiltinExecutor(t *testing.T) {
	exec := NewBuiltinExecutor()
	m := exec.Add(BuiltinTool{
		Manifest: domain.ToolManifest{Name: "echo", Kind: domain.ToolWasm},
		Run: func(_ context.Context, inv *domain.Invocation) (*domain.ExecResult, error) {
			return &domain.ExecResult{Output: []byte(inv.Call.ToolName)}, nil
		},
	})
	assert.Equal(t, domain.ToolBuiltin, m.Kind)

	res, err := exec.Execute(context.Background(), &domain.Invocation{Manifest: m, Call: domain.ToolCall{ToolName: "echo"}})
	require.NoError(t, err)
	assert.Equal(t, "echo", string(res.Output))

	_, err = exec.Execute(context.Background(), &domain.Invocation{Manifest: domain.ToolManifest{Name: "nope"}})
	assert.ErrorIs(t, err, domain.ErrToolFault)
}

func TestExecutorRouter(t *testing.T) {
	r := NewExecutorRouter(quietLogger())
	builtin := NewBuiltinExecutor()
	m := builtin.Add(BuiltinTool{
		Manifest: domain.ToolManifest{Name: "ping"},
		Run: func(context.Context, *domain.Invocation) (*domain.ExecResult, error) {
			return &domain.ExecResult{Output: []byte("pong")}, nil
		},
	})
	r.Register(domain.ToolBuiltin, builtin)
	r.Register(domain.ToolWasm, execFunc(func(context.Context, *domain.Invocation) (*domain.ExecResult, error) {
		return &domain.ExecResult{Output: []byte("wasm")}, nil
	}))

	assert.Equal(t, []domain.ToolKind{domain.ToolBuiltin, domain.ToolWasm}, r.Kinds())

	res, err := r.Execute(context.Background(), &domain.Invocation{Manifest: m})
	require.NoError(t, err)
	assert.Equal(t, "pong", string(res.Output))

	_, err = r.Execute(context.Background(), &domain.Invocation{Manifest: domain.ToolManifest{Name: "x", Kind: domain.ToolContainer}})
	require.ErrorIs(t, err, domain.ErrToolFault)
	assert.Equal(t, "tool failed: tool backend unavailable", domain.PublicMessage(err))
}

func TestSchemaValidator(t *testing.T) {
	ctx := context.Background()
	v := NewSchemaValidator()
	m := domain.ToolManifest{
		Name:         "geo",
		InputSchema:  json.RawMessage(`{"type":"object","properties":{"lat":{"type":"number","minimum":-90,"maximum":90}},"required":["lat"]}`),
		OutputSchema: json.RawMessage(`{"type":"object","required":["ok"]}`),
	}
	require.NoError(t, v.Compile(ctx, m))

	assert.NoError(t, v.ValidateArguments(ctx, m, map[string]any{"lat": 45}))

	err := v.ValidateArguments(ctx, m, map[string]any{"lat": 120})
	require.ErrorIs(t, err, domain.ErrInvalidArguments)
	assert.Contains(t, domain.PublicMessage(err), "lat")
	assert.NotContains(t, domain.PublicMessage(err), "Schema:")

	assert.ErrorIs(t, v.ValidateArguments(ctx, m, nil), domain.ErrInvalidArguments)

	assert.NoError(t, v.ValidateOutput(ctx, m, []byte(`{"ok":true}`)))
	assert.Error(t, v.ValidateOutput(ctx, m, []byte(`{"nope":1}`)))
	assert.Error(t, v.ValidateOutput(ctx, m, []byte(`plain text`)))

	free := domain.ToolManifest{Name: "free"}
	assert.NoError(t, v.ValidateArguments(ctx, free, map[string]any{"anything": []any{1, "x"}}))
	assert.NoError(t, v.ValidateOutput(ctx, free, []byte("plain text")))

	broken := domain.ToolManifest{Name: "broken", InputSchema: json.RawMessage(`{"type":`)}
	assert.Error(t, v.Compile(ctx, broken))
}
