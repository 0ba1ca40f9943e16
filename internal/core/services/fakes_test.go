package services

import (
	"context"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/manthysbr/aulerun/internal/core/domain"
	"github.com/manthysbr/aulerun/internal/core/ports"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type memAuditRepo struct {
	mu      sync.Mutex
	entries []domain.AuditEntry
}

func (r *memAuditRepo) AppendAudit(_ context.Context, e domain.AuditEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, e)
	return nil
}

func (r *memAuditRepo) ListAudit(_ context.Context, f ports.AuditFilter) ([]domain.AuditEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.AuditEntry
	for i := len(r.entries) - 1; i >= 0; i-- {
		e := r.entries[i]
		if (f.JobID != "" && e.JobID != f.JobID) || (f.ToolName != "" && e.ToolName != f.ToolName) ||
			(f.SecurityOnly && !e.Security) || (!f.Since.IsZero() && e.Timestamp.Before(f.Since)) {
			continue
		}
		out = append(out, e)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}

func (r *memAuditRepo) all() []domain.AuditEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.AuditEntry(nil), r.entries...)
}

// invocationEntries drops security entries.
func (r *memAuditRepo) invocationEntries() []domain.AuditEntry {
	var out []domain.AuditEntry
	for _, e := range r.all() {
		if !e.Security {
			out = append(out, e)
		}
	}
	return out
}

func (r *memAuditRepo) securityEntries() []domain.AuditEntry {
	var out []domain.AuditEntry
	for _, e := range r.all() {
		if e.Security {
			out = append(out, e)
		}
	}
	return out
}

// memFailureRepo mirrors the upsert semantics of the DuckDB table.
type memFailureRepo struct {
	mu      sync.Mutex
	records map[string]*domain.ToolFailureRecord
}

func newMemFailureRepo() *memFailureRepo {
	return &memFailureRepo{records: map[string]*domain.ToolFailureRecord{}}
}

func (r *memFailureRepo) UpsertFailure(_ context.Context, tool, message, build string, at time.Time) (domain.ToolFailureRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[tool]
	if !ok {
		rec = &domain.ToolFailureRecord{ToolName: tool, FirstFailure: at}
		r.records[tool] = rec
	}
	rec.ErrorCount++
	rec.ErrorMessage = message
	rec.LastFailure = at
	rec.LastBuildResult = build
	rec.RepairedAt = nil
	return *rec, nil
}

func (r *memFailureRepo) GetFailure(_ context.Context, tool string) (domain.ToolFailureRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[tool]
	if !ok {
		return domain.ToolFailureRecord{}, domain.ErrFailureNotFound
	}
	return *rec, nil
}

func (r *memFailureRepo) ListBrokenTools(_ context.Context, threshold int) ([]domain.ToolFailureRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.ToolFailureRecord
	for _, rec := range r.records {
		if rec.ErrorCount >= threshold && rec.RepairedAt == nil {
			out = append(out, *rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ErrorCount > out[j].ErrorCount })
	return out, nil
}

func (r *memFailureRepo) MarkRepaired(_ context.Context, tool string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[tool]
	if !ok {
		return domain.ErrFailureNotFound
	}
	rec.RepairedAt = &at
	rec.RepairAttempts++
	rec.ErrorCount = 0
	return nil
}

func (r *memFailureRepo) RecordRepairAttempt(_ context.Context, tool, build string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[tool]
	if !ok {
		return domain.ErrFailureNotFound
	}
	rec.RepairAttempts++
	rec.LastBuildResult = build
	return nil
}

type execFunc func(ctx context.Context, inv *domain.Invocation) (*domain.ExecResult, error)

func (f execFunc) Execute(ctx context.Context, inv *domain.Invocation) (*domain.ExecResult, error) {
	return f(ctx, inv)
}

type memKV struct {
	mu   sync.Mutex
	data map[string][]byte
}

func (k *memKV) Get(ns, key string) ([]byte, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	v, ok := k.data[ns+"/"+key]
	return v, ok
}

func (k *memKV) Set(ns, key string, val []byte) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.data == nil {
		k.data = map[string][]byte{}
	}
	k.data[ns+"/"+key] = val
	return nil
}
