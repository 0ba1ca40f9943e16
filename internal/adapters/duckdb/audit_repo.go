package duckdb

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/manthysbr/aulerun/internal/core/domain"
	"github.com/manthysbr/aulerun/internal/core/ports"
)

// AppendAudit inserts one entry. Entries are never updated or deleted.
func (r *Repository) AppendAudit(ctx context.Context, e domain.AuditEntry) error {
	granted, err := json.Marshal(e.Granted)
	if err != nil {
		return fmt.Errorf("encode granted: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
	INSERT INTO audit_log (id, job_id, call_id, tool_name, granted, outcome, verdict, detail, security, duration_ms, ts)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
	`,
		e.ID, string(e.JobID), e.CallID, e.ToolName, string(granted), e.Outcome,
		string(e.Verdict), e.Detail, e.Security, e.DurationMS, e.Timestamp.UTC(),
	)
	if err != nil {
		return fmt.Errorf("append audit %s: %w", e.ID, err)
	}
	return nil
}

// ListAudit returns matching entries, newest first.
func (r *Repository) ListAudit(ctx context.Context, f ports.AuditFilter) ([]domain.AuditEntry, error) {
	var (
		where []string
		args  []any
	)
	if f.JobID != "" {
		where = append(where, "job_id = ?")
		args = append(args, string(f.JobID))
	}
	if f.ToolName != "" {
		where = append(where, "tool_name = ?")
		args = append(args, f.ToolName)
	}
	if f.SecurityOnly {
		where = append(where, "security")
	}
	if !f.Since.IsZero() {
		where = append(where, "ts >= ?")
		args = append(args, f.Since.UTC())
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT id, job_id, call_id, tool_name, granted, outcome, verdict, detail, security, duration_ms, ts FROM audit_log`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY ts DESC, id ASC LIMIT ?"
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.AuditEntry
	for rows.Next() {
		var (
			e                       domain.AuditEntry
			jobID, granted, verdict string
		)
		if err := rows.Scan(&e.ID, &jobID, &e.CallID, &e.ToolName, &granted, &e.Outcome,
			&verdict, &e.Detail, &e.Security, &e.DurationMS, &e.Timestamp); err != nil {
			return nil, err
		}
		e.JobID = domain.JobID(jobID)
		e.Verdict = domain.VerdictKind(verdict)
		if err := json.Unmarshal([]byte(granted), &e.Granted); err != nil {
			return nil, fmt.Errorf("decode granted of %s: %w", e.ID, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
