package domain

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToolRegistryRegisterOnce(t *testing.T) {
	r := NewToolRegistry()
	m := ToolManifest{Name: "web_fetch", Kind: ToolBuiltin, Description: "fetch"}
	require.NoError(t, r.Register(m))

	err := r.Register(m)
	assert.True(t, errors.Is(err, ErrToolExists))

	got, ok := r.Get("web_fetch")
	require.True(t, ok)
	assert.Equal(t, "fetch", got.Description)
}

func TestToolManifestValidate(t *testing.T) {
	assert.Error(t, ToolManifest{Kind: ToolBuiltin}.Validate())
	assert.Error(t, ToolManifest{Name: "x", Kind: "shell"}.Validate())
	assert.Error(t, ToolManifest{Name: "x", Kind: ToolWasm}.Validate())
	assert.Error(t, ToolManifest{Name: "x", Kind: ToolRemote, Source: "https://tools.example.com"}.Validate())
	assert.NoError(t, ToolManifest{
		Name:         "x",
		Kind:         ToolRemote,
		Source:       "https://tools.example.com/rpc",
		Capabilities: CapabilitySet{MustCapability("network:tools.example.com")},
	}.Validate())
}

func TestToolRegistrySuggest(t *testing.T) {
	r := NewToolRegistry()
	require.NoError(t, r.Register(ToolManifest{Name: "web_fetch", Kind: ToolBuiltin}))
	require.NoError(t, r.Register(ToolManifest{Name: "kv_get", Kind: ToolBuiltin}))

	assert.Equal(t, "web_fetch", r.Suggest("fetch_url"))
	assert.Equal(t, "", r.Suggest("calendar"))
}

func TestResourceBudgetClamp(t *testing.T) {
	def := ResourceBudget{MaxMemoryBytes: 64, MaxWallTime: time.Second, MaxCPUTime: time.Second, MaxOutputBytes: 10}
	limit := ResourceBudget{MaxMemoryBytes: 128, MaxWallTime: 5 * time.Second, MaxCPUTime: 2 * time.Second, MaxOutputBytes: 100}

	got := ResourceBudget{MaxMemoryBytes: 1024, MaxWallTime: 2 * time.Second}.Clamp(def, limit)
	assert.Equal(t, int64(128), got.MaxMemoryBytes)
	assert.Equal(t, 2*time.Second, got.MaxWallTime)
	assert.Equal(t, time.Second, got.MaxCPUTime)
	assert.Equal(t, 10, got.MaxOutputBytes)
}
