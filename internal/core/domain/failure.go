package domain

import (
	"errors"
	"time"
)

// ToolFailureRecord tracks repeated breakage of one tool.
type ToolFailureRecord struct {
	ToolName        string     `json:"tool_name"`
	ErrorMessage    string     `json:"error_message"`
	ErrorCount      int        `json:"error_count"`
	FirstFailure    time.Time  `json:"first_failure"`
	LastFailure     time.Time  `json:"last_failure"`
	LastBuildResult string     `json:"last_build_result,omitempty"`
	RepairedAt      *time.Time `json:"repaired_at,omitempty"`
	RepairAttempts  int        `json:"repair_attempts"`
}

var ErrFailureNotFound = errors.New("tool failure record not found")
