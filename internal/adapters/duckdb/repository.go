// Package duckdb persists jobs, job events, the audit log, tool failure
// records and encrypted secrets in an embedded DuckDB file.
package duckdb

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	_ "github.com/marcboeker/go-duckdb"

	"github.com/manthysbr/aulerun/internal/config"
	"github.com/manthysbr/aulerun/internal/core/ports"
)

type Repository struct {
	db *sql.DB

	// failMu serializes writes to tool_failures. DuckDB aborts one of two
	// transactions updating the same row.
	failMu sync.Mutex
}

var (
	_ ports.JobRepository     = (*Repository)(nil)
	_ ports.EventRepository   = (*Repository)(nil)
	_ ports.AuditRepository   = (*Repository)(nil)
	_ ports.FailureRepository = (*Repository)(nil)
	_ config.SecretRepository = (*Repository)(nil)
)

// NewRepository opens (or creates) the database at path and applies the
// schema. An empty path opens an in-memory database.
func NewRepository(ctx context.Context, path string) (*Repository, error) {
	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, fmt.Errorf("open duckdb %q: %w", path, err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping duckdb %q: %w", path, err)
	}
	r := &Repository{db: db}
	if err := r.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return r, nil
}

func (r *Repository) Close() error {
	return r.db.Close()
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS jobs (
		id               VARCHAR PRIMARY KEY,
		title            VARCHAR NOT NULL DEFAULT '',
		prompt           VARCHAR NOT NULL,
		priority         INTEGER NOT NULL,
		state            VARCHAR NOT NULL,
		creator          VARCHAR NOT NULL DEFAULT '{}',
		cancel_requested BOOLEAN NOT NULL DEFAULT false,
		attempts         INTEGER NOT NULL DEFAULT 0,
		result           VARCHAR,
		error            VARCHAR,
		failure_kind     VARCHAR NOT NULL DEFAULT '',
		created_at       TIMESTAMP NOT NULL,
		started_at       TIMESTAMP,
		finished_at      TIMESTAMP,
		updated_at       TIMESTAMP NOT NULL,
		last_progress_at TIMESTAMP NOT NULL,
		metadata         VARCHAR NOT NULL DEFAULT '{}'
	)`,
	`CREATE TABLE IF NOT EXISTS job_events (
		job_id  VARCHAR NOT NULL,
		seq     UBIGINT NOT NULL,
		kind    VARCHAR NOT NULL,
		payload VARCHAR,
		ts      TIMESTAMP NOT NULL,
		PRIMARY KEY (job_id, seq)
	)`,
	`CREATE TABLE IF NOT EXISTS audit_log (
		id          VARCHAR PRIMARY KEY,
		job_id      VARCHAR NOT NULL DEFAULT '',
		call_id     VARCHAR NOT NULL DEFAULT '',
		tool_name   VARCHAR NOT NULL DEFAULT '',
		granted     VARCHAR NOT NULL DEFAULT '[]',
		outcome     VARCHAR NOT NULL,
		verdict     VARCHAR NOT NULL DEFAULT '',
		detail      VARCHAR NOT NULL DEFAULT '',
		security    BOOLEAN NOT NULL DEFAULT false,
		duration_ms BIGINT NOT NULL DEFAULT 0,
		ts          TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_job ON audit_log (job_id)`,
	`CREATE TABLE IF NOT EXISTS tool_failures (
		tool_name         VARCHAR PRIMARY KEY,
		error_message     VARCHAR NOT NULL DEFAULT '',
		error_count       INTEGER NOT NULL DEFAULT 0,
		first_failure     TIMESTAMP NOT NULL,
		last_failure      TIMESTAMP NOT NULL,
		last_build_result VARCHAR NOT NULL DEFAULT '',
		repaired_at       TIMESTAMP,
		repair_attempts   INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS secrets (
		name       VARCHAR PRIMARY KEY,
		ciphertext VARCHAR NOT NULL,
		updated_at TIMESTAMP NOT NULL DEFAULT current_timestamp
	)`,
}

func (r *Repository) migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}
