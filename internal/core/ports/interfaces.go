package ports

import (
	"context"
	"time"

	"github.com/manthysbr/aulerun/internal/core/domain"
)

// JobRepository persists job rows. The scheduler is the only writer.
type JobRepository interface {
	SaveJob(ctx context.Context, job domain.Job) error
	GetJob(ctx context.Context, id domain.JobID) (domain.Job, error)
	ListJobs(ctx context.Context, limit int) ([]domain.Job, error)
	// ListUnfinishedJobs returns jobs left PENDING or IN_PROGRESS by a
	// previous process.
	ListUnfinishedJobs(ctx context.Context) ([]domain.Job, error)
}

// EventRepository stores the append-only job event stream.
type EventRepository interface {
	SaveJobEvent(ctx context.Context, event domain.JobEvent) error
	ListJobEvents(ctx context.Context, id domain.JobID, afterSeq uint64) ([]domain.JobEvent, error)
	// LastEventSeq returns the highest stored seq of id, 0 when it has none.
	LastEventSeq(ctx context.Context, id domain.JobID) (uint64, error)
}

// AuditRepository stores the append-only audit log.
type AuditRepository interface {
	AppendAudit(ctx context.Context, entry domain.AuditEntry) error
	ListAudit(ctx context.Context, filter AuditFilter) ([]domain.AuditEntry, error)
}

// AuditFilter narrows audit queries. Zero values match everything.
type AuditFilter struct {
	JobID        domain.JobID
	ToolName     string
	SecurityOnly bool
	Since        time.Time
	Limit        int
}

// FailureRepository stores tool failure records keyed by tool name.
type FailureRepository interface {
	// UpsertFailure atomically inserts or increments the record for tool.
	UpsertFailure(ctx context.Context, tool, message, buildResult string, at time.Time) (domain.ToolFailureRecord, error)
	GetFailure(ctx context.Context, tool string) (domain.ToolFailureRecord, error)
	ListBrokenTools(ctx context.Context, threshold int) ([]domain.ToolFailureRecord, error)
	MarkRepaired(ctx context.Context, tool string, at time.Time) error
	RecordRepairAttempt(ctx context.Context, tool, buildResult string) error
}
