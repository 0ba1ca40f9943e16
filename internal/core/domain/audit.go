package domain

import "time"

// AuditOutcomeOK marks a successful invocation.
const AuditOutcomeOK = "ok"

// AuditEntry is one append-only audit record. Every tool invocation
// produces exactly one; security events produce extra entries flagged
// Security.
type AuditEntry struct {
	ID         string      `json:"id"`
	JobID      JobID       `json:"job_id"`
	CallID     string      `json:"call_id,omitempty"`
	ToolName   string      `json:"tool_name"`
	Granted    []string    `json:"granted"`
	Outcome    string      `json:"outcome"`
	Verdict    VerdictKind `json:"verdict,omitempty"`
	Detail     string      `json:"detail,omitempty"`
	Security   bool        `json:"security"`
	DurationMS int64       `json:"duration_ms"`
	Timestamp  time.Time   `json:"timestamp"`
}
