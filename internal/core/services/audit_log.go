package services

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/manthysbr/aulerun/internal/core/domain"
	"github.com/manthysbr/aulerun/internal/core/ports"
)

// AuditLog appends invocation and security records. Writes never fail the
// caller: a storage error is logged and the call proceeds.
type AuditLog struct {
	logger *slog.Logger
	repo   ports.AuditRepository
	now    func() time.Time
}

func NewAuditLog(logger *slog.Logger, repo ports.AuditRepository) *AuditLog {
	return &AuditLog{logger: logger, repo: repo, now: time.Now}
}

// Record appends entry, filling ID and Timestamp when unset.
func (a *AuditLog) Record(ctx context.Context, entry domain.AuditEntry) {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = a.now()
	}
	if entry.Granted == nil {
		entry.Granted = []string{}
	}
	if err := a.repo.AppendAudit(context.WithoutCancel(ctx), entry); err != nil {
		a.logger.Error("failed to append audit entry", "tool", entry.ToolName, "job_id", entry.JobID, "error", err)
	}
}

// RecordSecurityEvent logs and stores a leak or policy event raised while a
// tool was running.
func (a *AuditLog) RecordSecurityEvent(ctx context.Context, inv *domain.Invocation, kind domain.ErrorKind, detail string) {
	entry := domain.AuditEntry{
		Outcome:  string(kind),
		Detail:   detail,
		Security: true,
	}
	if inv != nil {
		entry.JobID = inv.Call.JobID
		entry.CallID = inv.Call.ID
		entry.ToolName = inv.Manifest.Name
		entry.Granted = inv.Grant.Capabilities.Strings()
	}
	a.logger.Warn("security event", "security", true, "kind", kind, "tool", entry.ToolName, "job_id", entry.JobID, "detail", detail)
	a.Record(ctx, entry)
}

// Query returns entries matching filter, newest first.
func (a *AuditLog) Query(ctx context.Context, filter ports.AuditFilter) ([]domain.AuditEntry, error) {
	if filter.Limit <= 0 || filter.Limit > 1000 {
		filter.Limit = 100
	}
	return a.repo.ListAudit(ctx, filter)
}
