package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCapability(t *testing.T) {
	c, err := ParseCapability("network:API.Example.com")
	require.NoError(t, err)
	assert.Equal(t, CapNetwork, c.Kind)
	assert.Equal(t, "api.example.com", c.Scope)
	assert.Equal(t, "network:api.example.com", c.String())

	c, err = ParseCapability("secret")
	require.NoError(t, err)
	assert.Equal(t, Capability{Kind: CapSecret}, c)

	_, err = ParseCapability("filesystem:/etc")
	assert.Error(t, err)
}

func TestCapabilityCovers(t *testing.T) {
	tests := []struct {
		held, req string
		want      bool
	}{
		{"network:api.example.com", "network:api.example.com", true},
		{"network:api.example.com", "network:evil.example.com", false},
		{"network:*.example.com", "network:evil.example.com", true},
		{"network:*.example.com", "network:example.com", true},
		{"network:*.example.com", "network:example.com.evil.io", false},
		{"network:api.example.com/v1/", "network:api.example.com/v1/users", true},
		{"network:api.example.com/v1/", "network:api.example.com/admin", false},
		{"network:api.example.com/v1/", "network:api.example.com/v1/../admin/delete", false},
		{"network:api.example.com/v1", "network:api.example.com/v1", true},
		{"network:api.example.com/v1", "network:api.example.com/v1/users", true},
		{"network:api.example.com/v1", "network:api.example.com/v10", false},
		{"network:api.example.com", "network:api.example.com/./x", false},
		{"network", "network:anything.io", true},
		{"secret:github_*", "secret:github_token", true},
		{"secret:github_token", "secret:aws_key", false},
		{"secret:github_token", "kv:github_token", false},
		{"kv:notes", "kv", false},
	}
	for _, tt := range tests {
		t.Run(tt.held+"→"+tt.req, func(t *testing.T) {
			assert.Equal(t, tt.want, MustCapability(tt.held).Covers(MustCapability(tt.req)))
		})
	}
}

func TestMatchHost(t *testing.T) {
	assert.True(t, MatchHost("Example.COM", "example.com."))
	assert.True(t, MatchHost("*.example.com", "a.b.example.com"))
	assert.False(t, MatchHost("*.example.com", "badexample.com"))
	assert.False(t, MatchHost("", "example.com"))
}

func TestEndpointScope(t *testing.T) {
	scope, err := EndpointScope("https://API.example.com/v1/items?q=1")
	require.NoError(t, err)
	assert.Equal(t, "api.example.com/v1/items", scope)

	_, err = EndpointScope("file:///etc/passwd")
	assert.Error(t, err)
	_, err = EndpointScope("https:///nohost")
	assert.Error(t, err)

	scope, err = EndpointScope("https://api.example.com")
	require.NoError(t, err)
	assert.Equal(t, "api.example.com/", scope)
}

func TestEndpointScope_PathTraversalCannotEscapeGrant(t *testing.T) {
	granted := CapabilitySet{MustCapability("network:api.example.com/v1/")}
	for _, raw := range []string{
		"https://api.example.com/v1/../admin/delete",
		"https://api.example.com/v1/%2e%2e/admin",
		"https://api.example.com/v1/%2E%2E/admin",
		"https://api.example.com/v1/./items",
		"https://api.example.com/v1//items",
		"https://api.example.com/v1%2f..%2fadmin",
		"https://api.example.com/v1/..%5cadmin",
	} {
		t.Run(raw, func(t *testing.T) {
			scope, err := EndpointScope(raw)
			if err == nil {
				assert.False(t, granted.Covers(Capability{Kind: CapNetwork, Scope: scope}), "scope %q", scope)
			}
		})
	}

	scope, err := EndpointScope("https://api.example.com/v1/items/%7Bid%7D")
	require.NoError(t, err)
	assert.True(t, granted.Covers(Capability{Kind: CapNetwork, Scope: scope}))
}

func TestMatchEndpoint_SegmentBoundary(t *testing.T) {
	assert.True(t, MatchEndpoint("api.example.com/v1", "api.example.com/v1/items"))
	assert.False(t, MatchEndpoint("api.example.com/v1", "api.example.com/v10/items"))
	assert.True(t, MatchEndpoint("api.example.com/v1/", "api.example.com/v1"))
	assert.False(t, MatchEndpoint("api.example.com/v1/", "api.example.com/v1/../admin"))
}

func TestCapabilityGrantAllows(t *testing.T) {
	now := time.Now()
	g := CapabilityGrant{
		Capabilities: CapabilitySet{MustCapability("kv:notes")},
		ExpiresAt:    now.Add(time.Minute),
	}
	assert.True(t, g.Allows(MustCapability("kv:notes"), now))
	assert.False(t, g.Allows(MustCapability("kv:other"), now))
	assert.False(t, g.Allows(MustCapability("kv:notes"), now.Add(2*time.Minute)))
}
