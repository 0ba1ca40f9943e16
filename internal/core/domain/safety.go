package domain

// VerdictKind is the classification produced by the safety filter.
type VerdictKind string

const (
	VerdictClean    VerdictKind = "clean"
	VerdictSanitize VerdictKind = "sanitize"
	VerdictWarn     VerdictKind = "warn"
	VerdictBlock    VerdictKind = "block"
)

// SafetyVerdict is attached to every piece of externally sourced content.
// Content holds the text that may enter the reasoning context: redacted for
// Sanitize, a placeholder for Block. Reason is for logs and audit only.
type SafetyVerdict struct {
	Kind     VerdictKind `json:"kind"`
	Reason   string      `json:"reason,omitempty"`
	Content  string      `json:"-"`
	Findings []string    `json:"findings,omitempty"`
}

// TrustTier tells the reasoning step how far to trust wrapped content.
type TrustTier string

const (
	TrustUser     TrustTier = "user"
	TrustTool     TrustTier = "tool"
	TrustExternal TrustTier = "external"
)

// Provenance describes where content came from.
type Provenance struct {
	Origin      string    `json:"origin"`
	Tier        TrustTier `json:"tier"`
	ContentType string    `json:"content_type,omitempty"`
}
