package safety

import (
	"encoding/base64"
	"encoding/hex"
	"net/url"
	"regexp"
	"sort"
	"strings"
	"sync"
)

// minSecretLen keeps short values from matching everywhere.
const minSecretLen = 6

// Leak is one credential match inside scanned data.
type Leak struct {
	// Name is the secret name for known secrets, the pattern id otherwise.
	Name  string
	Start int
	End   int
	// Hard leaks block tool calls; soft ones are only redacted.
	Hard bool
	Known bool
}

type leakPattern struct {
	id   string
	re   *regexp.Regexp
	hard bool
}

var leakPatterns = []leakPattern{
	{"aws_access_key", regexp.MustCompile(`\b(?:AKIA|ASIA)[0-9A-Z]{16}\b`), true},
	{"openai_key", regexp.MustCompile(`\bsk-(?:proj-|ant-)?[A-Za-z0-9_-]{20,}`), true},
	{"github_token", regexp.MustCompile(`\bgh[pousr]_[A-Za-z0-9]{36,}\b`), true},
	{"github_pat", regexp.MustCompile(`\bgithub_pat_[A-Za-z0-9_]{22,}`), true},
	{"google_api_key", regexp.MustCompile(`\bAIza[0-9A-Za-z_-]{35}`), true},
	{"slack_token", regexp.MustCompile(`\bxox[abprs]-[A-Za-z0-9-]{10,}`), true},
	{"private_key", regexp.MustCompile(`-----BEGIN (?:RSA |EC |DSA |OPENSSH |PGP )?PRIVATE KEY(?: BLOCK)?-----`), true},
	{"jwt", regexp.MustCompile(`\beyJ[A-Za-z0-9_-]{10,}\.eyJ[A-Za-z0-9_-]{10,}\.[A-Za-z0-9_-]{10,}`), false},
	{"bearer_token", regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9._~+/-]{20,}=*`), false},
	{"credential_assignment", regexp.MustCompile(`(?i)\b(?:api[_-]?key|secret|passw(?:or)?d|access[_-]?token)\s*[:=]\s*["']?[A-Za-z0-9_\-./+]{12,}`), false},
}

// LeakDetector finds verbatim (and trivially encoded) copies of known
// secrets, plus credential-shaped strings.
type LeakDetector struct {
	mu       sync.RWMutex
	variants map[string][]string // secret name -> encoded forms
}

func NewLeakDetector() *LeakDetector {
	return &LeakDetector{variants: make(map[string][]string)}
}

// SetSecret registers or, with an empty value, forgets a known secret.
func (d *LeakDetector) SetSecret(name, value string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(value) < minSecretLen {
		delete(d.variants, name)
		return
	}
	forms := []string{
		value,
		base64.StdEncoding.EncodeToString([]byte(value)),
		base64.RawURLEncoding.EncodeToString([]byte(value)),
		hex.EncodeToString([]byte(value)),
	}
	if esc := url.QueryEscape(value); esc != value {
		forms = append(forms, esc)
	}
	d.variants[name] = forms
}

// LoadSecrets registers every entry of values.
func (d *LeakDetector) LoadSecrets(values map[string]string) {
	for k, v := range values {
		d.SetSecret(k, v)
	}
}

// Scan returns every leak in data ordered by position.
func (d *LeakDetector) Scan(data []byte) []Leak {
	s := string(data)
	leaks := d.scanKnown(s)
	for _, p := range leakPatterns {
		for _, loc := range p.re.FindAllStringIndex(s, -1) {
			leaks = append(leaks, Leak{Name: p.id, Start: loc[0], End: loc[1], Hard: p.hard})
		}
	}
	sort.Slice(leaks, func(i, j int) bool { return leaks[i].Start < leaks[j].Start })
	return leaks
}

func (d *LeakDetector) scanKnown(s string) []Leak {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var leaks []Leak
	for name, forms := range d.variants {
		for _, form := range forms {
			for off := 0; ; {
				i := strings.Index(s[off:], form)
				if i < 0 {
					break
				}
				start := off + i
				leaks = append(leaks, Leak{Name: name, Start: start, End: start + len(form), Hard: true, Known: true})
				off = start + len(form)
			}
		}
	}
	return leaks
}

// HasHard reports whether any leak in data must block the call.
func (d *LeakDetector) HasHard(data []byte) (Leak, bool) {
	for _, l := range d.Scan(data) {
		if l.Hard {
			return l, true
		}
	}
	return Leak{}, false
}

// Redact replaces every leak span with a marker.
func (d *LeakDetector) Redact(s string) string {
	spans := make([]span, 0)
	for _, l := range d.Scan([]byte(s)) {
		spans = append(spans, span{l.Start, l.End, "[REDACTED:secret]"})
	}
	return redactSpans(s, spans)
}

type span struct {
	start, end int
	marker     string
}

// redactSpans merges overlapping spans and replaces each with its marker.
func redactSpans(s string, spans []span) string {
	if len(spans) == 0 {
		return s
	}
	sort.Slice(spans, func(i, j int) bool { return spans[i].start < spans[j].start })
	merged := []span{spans[0]}
	for _, sp := range spans[1:] {
		last := &merged[len(merged)-1]
		if sp.start <= last.end {
			if sp.end > last.end {
				last.end = sp.end
			}
			continue
		}
		merged = append(merged, sp)
	}
	var sb strings.Builder
	prev := 0
	for _, sp := range merged {
		sb.WriteString(s[prev:sp.start])
		sb.WriteString(sp.marker)
		prev = sp.end
	}
	sb.WriteString(s[prev:])
	return sb.String()
}
