package safety

import (
	"regexp"
	"strings"
)

// Severity of an injection finding.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	return [...]string{"low", "medium", "high", "critical"}[s]
}

type injectionRule struct {
	id       string
	re       *regexp.Regexp
	severity Severity
}

func literal(id, phrase string, sev Severity) injectionRule {
	return injectionRule{id: id, re: regexp.MustCompile(`(?i)` + regexp.QuoteMeta(phrase)), severity: sev}
}

var injectionRules = []injectionRule{
	literal("ignore_all_previous", "ignore all previous", SeverityCritical),
	literal("ignore_previous", "ignore previous", SeverityHigh),
	literal("disregard", "disregard", SeverityMedium),
	literal("forget_everything", "forget everything", SeverityHigh),
	literal("you_are_now", "you are now", SeverityHigh),
	literal("act_as", "act as", SeverityMedium),
	literal("pretend_to_be", "pretend to be", SeverityMedium),
	literal("new_instructions", "new instructions", SeverityHigh),
	literal("updated_instructions", "updated instructions", SeverityHigh),
	literal("system_fence", "```system", SeverityHigh),
	literal("special_token_open", "<|", SeverityCritical),
	literal("special_token_close", "|>", SeverityCritical),
	literal("inst_open", "[INST]", SeverityCritical),
	literal("inst_close", "[/INST]", SeverityCritical),
	{id: "role_marker_system", re: regexp.MustCompile(`(?im)^\s*system\s*:`), severity: SeverityCritical},
	{id: "role_marker_turn", re: regexp.MustCompile(`(?im)^\s*(?:assistant|user)\s*:`), severity: SeverityHigh},
	{id: "reveal_secret", re: regexp.MustCompile(`(?i)\b(?:reveal|print|show|send|leak)\b[^.\n]{0,40}\b(?:secret|api[ _-]?key|password|credential|system prompt)s?\b`), severity: SeverityHigh},
	{id: "base64_payload", re: regexp.MustCompile(`(?i)base64[:\s]+[A-Za-z0-9+/=]{50,}`), severity: SeverityMedium},
	{id: "eval_call", re: regexp.MustCompile(`\beval\s*\(`), severity: SeverityHigh},
	{id: "exec_call", re: regexp.MustCompile(`\bexec\s*\(`), severity: SeverityHigh},
}

// policyAction is what a content policy rule demands.
type policyAction int

const (
	actionWarn policyAction = iota
	actionSanitize
	actionBlock
)

type policyRule struct {
	id     string
	re     *regexp.Regexp
	action policyAction
	// minCount > 0 means the rule fires only at that many matches.
	minCount int
}

var policyRules = []policyRule{
	{id: "system_file_access", re: regexp.MustCompile(`(?i)(?:/etc/passwd|/etc/shadow|\.ssh/|\.aws/credentials)`), action: actionBlock},
	{id: "crypto_private_key", re: regexp.MustCompile(`(?i)(?:private.?key|seed.?phrase|mnemonic).{0,20}[0-9a-f]{64}`), action: actionBlock},
	{id: "shell_injection", re: regexp.MustCompile("(?i)(?:;\\s*rm\\s+-rf|;\\s*curl\\s+.*\\|\\s*sh|`[^`\\n]*(?:curl|wget|rm|sh)\\b[^`\\n]*`)"), action: actionBlock},
	{id: "sql_pattern", re: regexp.MustCompile(`(?i)\b(?:drop\s+table|delete\s+from|insert\s+into|union\s+select)\b`), action: actionWarn},
	{id: "excessive_urls", re: regexp.MustCompile(`https?://`), action: actionWarn, minCount: 10},
	{id: "encoded_exploit", re: regexp.MustCompile(`(?i)(?:base64_decode|eval\s*\(\s*base64|atob\s*\()`), action: actionSanitize},
	{id: "obfuscated_string", re: regexp.MustCompile(`[^\s]{500,}`), action: actionWarn},
}

var zeroWidth = strings.NewReplacer(
	"\u200b", "", "\u200c", "", "\u200d", "", "\u200e", "", "\u200f", "",
	"\u2060", "", "\ufeff", "", "\u00ad", "",
)
