package domain

import (
	"fmt"
	"net/url"
	"path"
	"sort"
	"strings"
	"time"
)

// CapabilityKind names a class of privileged operation.
type CapabilityKind string

const (
	// CapNetwork allows outbound HTTP. Scope is "host[/path-prefix]"; host may
	// be "*.example.com".
	CapNetwork CapabilityKind = "network"
	// CapSecret allows using the named secret through a handle.
	CapSecret CapabilityKind = "secret"
	// CapKV allows reading and writing the named key-value namespace.
	CapKV CapabilityKind = "kv"
)

var knownKinds = map[CapabilityKind]bool{CapNetwork: true, CapSecret: true, CapKV: true}

// Capability is a named permission with an optional scope.
type Capability struct {
	Kind  CapabilityKind `json:"kind"`
	Scope string         `json:"scope,omitempty"`
}

// ParseCapability parses "kind" or "kind:scope".
func ParseCapability(s string) (Capability, error) {
	kind, scope, _ := strings.Cut(strings.TrimSpace(s), ":")
	c := Capability{Kind: CapabilityKind(strings.ToLower(kind)), Scope: scope}
	if !knownKinds[c.Kind] {
		return Capability{}, fmt.Errorf("unknown capability kind %q", kind)
	}
	if c.Kind == CapNetwork {
		c.Scope = strings.ToLower(c.Scope)
	}
	return c, nil
}

// MustCapability is ParseCapability for literals.
func MustCapability(s string) Capability {
	c, err := ParseCapability(s)
	if err != nil {
		panic(err)
	}
	return c
}

func (c Capability) String() string {
	if c.Scope == "" {
		return string(c.Kind)
	}
	return string(c.Kind) + ":" + c.Scope
}

func (c Capability) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

func (c *Capability) UnmarshalText(b []byte) error {
	parsed, err := ParseCapability(string(b))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// Covers reports whether holding c permits req.
func (c Capability) Covers(req Capability) bool {
	if c.Kind != req.Kind {
		return false
	}
	if c.Scope == "" || c.Scope == "*" {
		return true
	}
	if req.Scope == "" {
		return false
	}
	if c.Kind == CapNetwork {
		return MatchEndpoint(c.Scope, req.Scope)
	}
	ok, _ := path.Match(c.Scope, req.Scope)
	return ok
}

// CapabilitySet is an unordered collection of capabilities.
type CapabilitySet []Capability

// Covers reports whether any member of s permits req.
func (s CapabilitySet) Covers(req Capability) bool {
	for _, c := range s {
		if c.Covers(req) {
			return true
		}
	}
	return false
}

// HasKind reports whether s holds any capability of kind k.
func (s CapabilitySet) HasKind(k CapabilityKind) bool {
	for _, c := range s {
		if c.Kind == k {
			return true
		}
	}
	return false
}

// OfKind returns the members of kind k.
func (s CapabilitySet) OfKind(k CapabilityKind) CapabilitySet {
	var out CapabilitySet
	for _, c := range s {
		if c.Kind == k {
			out = append(out, c)
		}
	}
	return out
}

// Strings returns the sorted string forms.
func (s CapabilitySet) Strings() []string {
	out := make([]string, 0, len(s))
	for _, c := range s {
		out = append(out, c.String())
	}
	sort.Strings(out)
	return out
}

// ParseCapabilities parses a list of "kind:scope" strings.
func ParseCapabilities(in []string) (CapabilitySet, error) {
	out := make(CapabilitySet, 0, len(in))
	for _, s := range in {
		c, err := ParseCapability(s)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// MatchHost matches a host against an exact or "*.domain" pattern. A
// wildcard also matches the bare domain.
func MatchHost(pattern, host string) bool {
	pattern = strings.TrimSuffix(strings.ToLower(pattern), ".")
	host = strings.TrimSuffix(strings.ToLower(host), ".")
	if pattern == "" || host == "" {
		return false
	}
	if pattern == "*" {
		return true
	}
	if base, ok := strings.CutPrefix(pattern, "*."); ok {
		return host == base || strings.HasSuffix(host, "."+base)
	}
	return pattern == host
}

// MatchEndpoint matches "host[/path]" targets against "host[/path-prefix]"
// patterns. Prefixes match whole path segments: "v1" covers "v1" and
// "v1/items" but not "v10".
func MatchEndpoint(pattern, target string) bool {
	pHost, pPath, _ := strings.Cut(pattern, "/")
	tHost, tPath, _ := strings.Cut(target, "/")
	if !MatchHost(pHost, tHost) {
		return false
	}
	if hasDotSegment(tPath) {
		return false
	}
	if pPath == "" {
		return true
	}
	if base, ok := strings.CutSuffix(pPath, "/"); ok {
		return tPath == base || strings.HasPrefix(tPath, pPath)
	}
	return tPath == pPath || strings.HasPrefix(tPath, pPath+"/")
}

func hasDotSegment(p string) bool {
	for _, seg := range strings.Split(p, "/") {
		if seg == "." || seg == ".." {
			return true
		}
	}
	return false
}

// EndpointScope returns the "host/path" scope a network request to rawURL
// needs. The path is decoded and must already be in canonical form: dot
// segments, empty segments and encoded separators are rejected so that a
// granted prefix cannot be escaped.
func EndpointScope(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return "", fmt.Errorf("url has no host")
	}
	raw := strings.ToLower(u.EscapedPath())
	if strings.Contains(raw, "%2f") || strings.Contains(raw, "%5c") || strings.Contains(u.Path, `\`) {
		return "", fmt.Errorf("url path has an encoded separator")
	}
	p := u.Path
	if p == "" {
		p = "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	clean := path.Clean(p)
	if strings.HasSuffix(p, "/") && clean != "/" {
		clean += "/"
	}
	if clean != p || hasDotSegment(p) {
		return "", fmt.Errorf("url path %q is not canonical", u.Path)
	}
	return host + clean, nil
}

// CapabilityGrant is the set of capabilities the pipeline granted to one
// invocation. Its signed token form is what sandboxes carry.
type CapabilityGrant struct {
	InvocationID string        `json:"iid"`
	JobID        JobID         `json:"job"`
	Tool         string        `json:"tool"`
	Capabilities CapabilitySet `json:"caps"`
	ExpiresAt    time.Time     `json:"exp"`
}

// Allows reports whether the grant covers req and has not expired.
func (g CapabilityGrant) Allows(req Capability, now time.Time) bool {
	if !g.ExpiresAt.IsZero() && now.After(g.ExpiresAt) {
		return false
	}
	return g.Capabilities.Covers(req)
}
