package remote

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manthysbr/aulerun/internal/core/domain"
)

type recordingEgress struct {
	req  domain.EgressRequest
	resp *domain.EgressResponse
	err  error
}

func (r *recordingEgress) Do(_ context.Context, req domain.EgressRequest) (*domain.EgressResponse, error) {
	r.req = req
	return r.resp, r.err
}

func invocation(egress domain.Egress) *domain.Invocation {
	return &domain.Invocation{
		ID:       "inv-1",
		Call:     domain.ToolCall{ID: "c1", ToolName: "translate", Arguments: map[string]any{"text": "olá"}},
		Manifest: domain.ToolManifest{Name: "translate", Kind: domain.ToolRemote, Source: "https://tools.example.com/translate"},
		Egress:   egress,
	}
}

func newExecutor() *Executor {
	return NewExecutor(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestExecutePostsArguments(t *testing.T) {
	eg := &recordingEgress{resp: &domain.EgressResponse{Status: 200, Body: []byte(`{"text":"hello"}`), ContentType: "application/json"}}
	res, err := newExecutor().Execute(context.Background(), invocation(eg))
	require.NoError(t, err)
	assert.Equal(t, `{"text":"hello"}`, string(res.Output))

	assert.Equal(t, "POST", eg.req.Method)
	assert.Equal(t, "https://tools.example.com/translate", eg.req.URL)
	var sent map[string]map[string]any
	require.NoError(t, json.Unmarshal(eg.req.Body, &sent))
	assert.Equal(t, "olá", sent["arguments"]["text"])
}

func TestExecuteErrorStatus(t *testing.T) {
	eg := &recordingEgress{resp: &domain.EgressResponse{Status: 502, Body: []byte("bad gateway")}}
	res, err := newExecutor().Execute(context.Background(), invocation(eg))
	assert.ErrorIs(t, err, domain.ErrToolFault)
	assert.Contains(t, res.Diagnostics, "HTTP 502")
}

func TestExecutePassesPolicyErrors(t *testing.T) {
	eg := &recordingEgress{err: domain.Errorf(domain.KindEndpointNotAllowed, "tools.example.com")}
	_, err := newExecutor().Execute(context.Background(), invocation(eg))
	assert.ErrorIs(t, err, domain.ErrEndpointNotAllowed)
}

func TestExecuteWithoutEgress(t *testing.T) {
	_, err := newExecutor().Execute(context.Background(), invocation(nil))
	assert.ErrorIs(t, err, domain.ErrEndpointNotAllowed)
}
