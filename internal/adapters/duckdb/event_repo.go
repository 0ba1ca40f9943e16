package duckdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/manthysbr/aulerun/internal/core/domain"
)

// SaveJobEvent appends an event. Replaying the same (job, seq) is a no-op.
func (r *Repository) SaveJobEvent(ctx context.Context, ev domain.JobEvent) error {
	var payload sql.NullString
	if len(ev.Payload) > 0 {
		payload = sql.NullString{String: string(ev.Payload), Valid: true}
	}
	_, err := r.db.ExecContext(ctx, `
	INSERT INTO job_events (job_id, seq, kind, payload, ts)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT (job_id, seq) DO NOTHING;
	`, string(ev.JobID), ev.Seq, string(ev.Kind), payload, ev.Timestamp.UTC())
	if err != nil {
		return fmt.Errorf("save event %s/%d: %w", ev.JobID, ev.Seq, err)
	}
	return nil
}

// ListJobEvents returns the events of id with seq > afterSeq in order.
func (r *Repository) ListJobEvents(ctx context.Context, id domain.JobID, afterSeq uint64) ([]domain.JobEvent, error) {
	rows, err := r.db.QueryContext(ctx, `
	SELECT job_id, seq, kind, payload, ts FROM job_events
	WHERE job_id = ? AND seq > ?
	ORDER BY seq ASC`, string(id), afterSeq)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []domain.JobEvent
	for rows.Next() {
		var (
			ev      domain.JobEvent
			jobID   string
			kind    string
			payload sql.NullString
		)
		if err := rows.Scan(&jobID, &ev.Seq, &kind, &payload, &ev.Timestamp); err != nil {
			return nil, err
		}
		ev.JobID = domain.JobID(jobID)
		ev.Kind = domain.EventKind(kind)
		if payload.Valid {
			ev.Payload = json.RawMessage(payload.String)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

func (r *Repository) LastEventSeq(ctx context.Context, id domain.JobID) (uint64, error) {
	var seq uint64
	err := r.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM job_events WHERE job_id = ?`, string(id)).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("last event seq %s: %w", id, err)
	}
	return seq, nil
}
