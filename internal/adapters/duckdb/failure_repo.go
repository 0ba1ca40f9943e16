package duckdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/manthysbr/aulerun/internal/core/domain"
)

const failureColumns = `tool_name, error_message, error_count, first_failure, last_failure, last_build_result, repaired_at, repair_attempts`

// UpsertFailure records one failure of tool in a single statement. A new
// failure reopens a repaired record.
func (r *Repository) UpsertFailure(ctx context.Context, tool, message, build string, at time.Time) (domain.ToolFailureRecord, error) {
	r.failMu.Lock()
	defer r.failMu.Unlock()

	rec, err := scanFailure(r.db.QueryRowContext(ctx, `
	INSERT INTO tool_failures (tool_name, error_message, error_count, first_failure, last_failure, last_build_result)
	VALUES (?, ?, 1, ?, ?, ?)
	ON CONFLICT (tool_name) DO UPDATE SET
		error_count       = tool_failures.error_count + 1,
		error_message     = excluded.error_message,
		last_failure      = excluded.last_failure,
		last_build_result = excluded.last_build_result,
		repaired_at       = NULL
	RETURNING `+failureColumns+`;
	`, tool, message, at.UTC(), at.UTC(), build))
	if err != nil {
		return domain.ToolFailureRecord{}, fmt.Errorf("upsert failure %s: %w", tool, err)
	}
	return rec, nil
}

func (r *Repository) GetFailure(ctx context.Context, tool string) (domain.ToolFailureRecord, error) {
	rec, err := scanFailure(r.db.QueryRowContext(ctx, `SELECT `+failureColumns+` FROM tool_failures WHERE tool_name = ?`, tool))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ToolFailureRecord{}, domain.ErrFailureNotFound
	}
	return rec, err
}

// ListBrokenTools returns unrepaired tools with at least threshold
// failures, most failing first.
func (r *Repository) ListBrokenTools(ctx context.Context, threshold int) ([]domain.ToolFailureRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
	SELECT `+failureColumns+` FROM tool_failures
	WHERE error_count >= ? AND repaired_at IS NULL
	ORDER BY error_count DESC, tool_name ASC`, threshold)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.ToolFailureRecord
	for rows.Next() {
		rec, err := scanFailure(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (r *Repository) MarkRepaired(ctx context.Context, tool string, at time.Time) error {
	return r.updateFailure(ctx, tool, `
	UPDATE tool_failures SET
		repaired_at     = ?,
		repair_attempts = repair_attempts + 1,
		error_count     = 0
	WHERE tool_name = ?;`, at.UTC(), tool)
}

func (r *Repository) RecordRepairAttempt(ctx context.Context, tool, build string) error {
	return r.updateFailure(ctx, tool, `
	UPDATE tool_failures SET
		repair_attempts   = repair_attempts + 1,
		last_build_result = ?
	WHERE tool_name = ?;`, build, tool)
}

func (r *Repository) updateFailure(ctx context.Context, tool, query string, args ...any) error {
	r.failMu.Lock()
	defer r.failMu.Unlock()
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update failure %s: %w", tool, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrFailureNotFound
	}
	return nil
}

func scanFailure(s scanner) (domain.ToolFailureRecord, error) {
	var (
		rec      domain.ToolFailureRecord
		repaired sql.NullTime
	)
	err := s.Scan(&rec.ToolName, &rec.ErrorMessage, &rec.ErrorCount, &rec.FirstFailure, &rec.LastFailure,
		&rec.LastBuildResult, &repaired, &rec.RepairAttempts)
	if err != nil {
		return domain.ToolFailureRecord{}, err
	}
	rec.RepairedAt = timePtr(repaired)
	return rec, nil
}
