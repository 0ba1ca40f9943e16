package duckdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/manthysbr/aulerun/internal/core/domain"
)

const jobColumns = `id, title, prompt, priority, state, creator, cancel_requested, attempts,
	result, error, failure_kind, created_at, started_at, finished_at, updated_at, last_progress_at, metadata`

func (r *Repository) SaveJob(ctx context.Context, job domain.Job) error {
	creator, err := json.Marshal(job.Creator)
	if err != nil {
		return fmt.Errorf("encode creator: %w", err)
	}
	meta, err := json.Marshal(job.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}

	query := `
	INSERT INTO jobs (` + jobColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (id) DO UPDATE SET
		state            = excluded.state,
		cancel_requested = excluded.cancel_requested,
		attempts         = excluded.attempts,
		result           = excluded.result,
		error            = excluded.error,
		failure_kind     = excluded.failure_kind,
		started_at       = excluded.started_at,
		finished_at      = excluded.finished_at,
		updated_at       = excluded.updated_at,
		last_progress_at = excluded.last_progress_at,
		metadata         = excluded.metadata;
	`
	_, err = r.db.ExecContext(ctx, query,
		string(job.ID), job.Title, job.Prompt, int(job.Priority), string(job.State), string(creator),
		job.CancelRequested, job.Attempts,
		nullString(job.Result), nullString(job.Error), string(job.FailureKind),
		job.CreatedAt.UTC(), nullTime(job.StartedAt), nullTime(job.FinishedAt),
		job.UpdatedAt.UTC(), job.LastProgressAt.UTC(), string(meta),
	)
	if err != nil {
		return fmt.Errorf("save job %s: %w", job.ID, err)
	}
	return nil
}

func (r *Repository) GetJob(ctx context.Context, id domain.JobID) (domain.Job, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, string(id))
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Job{}, fmt.Errorf("%w: %s", domain.ErrJobNotFound, id)
	}
	return job, err
}

func (r *Repository) ListJobs(ctx context.Context, limit int) ([]domain.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.queryJobs(ctx, `SELECT `+jobColumns+` FROM jobs ORDER BY created_at DESC LIMIT ?`, limit)
}

func (r *Repository) ListUnfinishedJobs(ctx context.Context) ([]domain.Job, error) {
	return r.queryJobs(ctx, `SELECT `+jobColumns+` FROM jobs WHERE state IN (?, ?) ORDER BY created_at ASC`,
		string(domain.JobPending), string(domain.JobInProgress))
}

func (r *Repository) queryJobs(ctx context.Context, query string, args ...any) ([]domain.Job, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []domain.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanJob(s scanner) (domain.Job, error) {
	var (
		j                     domain.Job
		id, state, kind       string
		creator, meta         string
		priority              int
		result, errText       sql.NullString
		startedAt, finishedAt sql.NullTime
	)
	err := s.Scan(
		&id, &j.Title, &j.Prompt, &priority, &state, &creator, &j.CancelRequested, &j.Attempts,
		&result, &errText, &kind, &j.CreatedAt, &startedAt, &finishedAt, &j.UpdatedAt, &j.LastProgressAt, &meta,
	)
	if err != nil {
		return domain.Job{}, err
	}
	j.ID = domain.JobID(id)
	j.State = domain.JobState(state)
	j.Priority = domain.Priority(priority)
	j.FailureKind = domain.ErrorKind(kind)
	if result.Valid {
		j.Result = &result.String
	}
	if errText.Valid {
		j.Error = &errText.String
	}
	j.StartedAt = timePtr(startedAt)
	j.FinishedAt = timePtr(finishedAt)
	if err := json.Unmarshal([]byte(creator), &j.Creator); err != nil {
		return domain.Job{}, fmt.Errorf("decode creator of %s: %w", id, err)
	}
	if err := json.Unmarshal([]byte(meta), &j.Metadata); err != nil {
		return domain.Job{}, fmt.Errorf("decode metadata of %s: %w", id, err)
	}
	return j, nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}
