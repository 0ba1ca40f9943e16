package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

type JobID string

// JobState is the lifecycle state owned by the scheduler.
type JobState string

const (
	JobPending    JobState = "PENDING"
	JobInProgress JobState = "IN_PROGRESS"
	JobCompleted  JobState = "COMPLETED"
	JobFailed     JobState = "FAILED"
	JobCancelled  JobState = "CANCELLED"

	// JobStuck is derived, never stored: an in-progress job that has not
	// emitted an event within the liveness window.
	JobStuck JobState = "STUCK"
)

// Terminal reports whether no further transitions are possible.
func (s JobState) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// Priority orders pending jobs. Higher values are admitted first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

var priorityNames = map[Priority]string{
	PriorityLow:      "low",
	PriorityNormal:   "normal",
	PriorityHigh:     "high",
	PriorityCritical: "critical",
}

func (p Priority) String() string {
	if name, ok := priorityNames[p]; ok {
		return name
	}
	return fmt.Sprintf("priority(%d)", int(p))
}

// ParsePriority accepts the names used in config files and API payloads.
func ParsePriority(s string) (Priority, error) {
	if s == "" {
		return PriorityNormal, nil
	}
	for p, name := range priorityNames {
		if strings.EqualFold(s, name) {
			return p, nil
		}
	}
	return PriorityNormal, fmt.Errorf("unknown priority %q", s)
}

func (p Priority) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *Priority) UnmarshalText(b []byte) error {
	parsed, err := ParsePriority(string(b))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// ChannelRef identifies who asked for the job and where replies go.
type ChannelRef struct {
	Channel  string `json:"channel"`
	UserID   string `json:"user_id,omitempty"`
	ThreadID string `json:"thread_id,omitempty"`
}

// Job represents one unit of user-requested agent work.
type Job struct {
	ID              JobID             `json:"id"`
	Title           string            `json:"title"`
	Prompt          string            `json:"prompt"`
	Priority        Priority          `json:"priority"`
	State           JobState          `json:"state"`
	Creator         ChannelRef        `json:"creator"`
	CancelRequested bool              `json:"cancel_requested"`
	Attempts        int               `json:"attempts"`
	Result          *string           `json:"result,omitempty"`
	Error           *string           `json:"error,omitempty"` // user-visible reason
	FailureKind     ErrorKind         `json:"failure_kind,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	StartedAt       *time.Time        `json:"started_at,omitempty"`
	FinishedAt      *time.Time        `json:"finished_at,omitempty"`
	UpdatedAt       time.Time         `json:"updated_at"`
	LastProgressAt  time.Time         `json:"last_progress_at"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// Status returns the stored state, or JobStuck when an in-progress job has
// been silent for longer than liveness.
func (j Job) Status(now time.Time, liveness time.Duration) JobState {
	if j.State == JobInProgress && liveness > 0 && now.Sub(j.LastProgressAt) > liveness {
		return JobStuck
	}
	return j.State
}

var (
	ErrJobNotFound = errors.New("job not found")
)
