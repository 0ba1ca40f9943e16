package egress

import (
	"strings"

	"github.com/manthysbr/aulerun/internal/core/domain"
)

// Allowlist is the deployment-wide endpoint allowlist. Patterns are
// "host[/path-prefix]" with optional "*." host wildcards. An empty list
// denies everything.
type Allowlist struct {
	patterns []string
}

func NewAllowlist(patterns []string) *Allowlist {
	clean := make([]string, 0, len(patterns))
	for _, p := range patterns {
		p = strings.ToLower(strings.TrimSpace(p))
		p = strings.TrimPrefix(strings.TrimPrefix(p, "https://"), "http://")
		if p != "" {
			clean = append(clean, p)
		}
	}
	return &Allowlist{patterns: clean}
}

// Allows reports whether a "host/path" scope matches any pattern.
func (a *Allowlist) Allows(scope string) bool {
	for _, p := range a.patterns {
		if domain.MatchEndpoint(p, scope) {
			return true
		}
	}
	return false
}

// Patterns returns the normalized patterns.
func (a *Allowlist) Patterns() []string {
	return append([]string(nil), a.patterns...)
}
