package services

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/manthysbr/aulerun/internal/core/domain"
	"github.com/manthysbr/aulerun/internal/core/ports"
)

// maxFailureMessage bounds the error text kept per tool.
const maxFailureMessage = 512

// FailureTracker records tool breakage and serves the repair queue.
// Only ToolFault and ResourceLimitExceeded count as breakage; policy
// denials and leak blocks are security events.
type FailureTracker struct {
	logger *slog.Logger
	repo   ports.FailureRepository
	now    func() time.Time
}

func NewFailureTracker(logger *slog.Logger, repo ports.FailureRepository) *FailureTracker {
	return &FailureTracker{logger: logger, repo: repo, now: time.Now}
}

// CountsAsBreakage reports whether an error of kind should be recorded.
func CountsAsBreakage(kind domain.ErrorKind) bool {
	return kind == domain.KindToolFault || kind == domain.KindResourceLimitExceeded
}

// RecordFailure upserts the record for tool if err counts as breakage. The
// stored message is the public one; diagnostics go into last_build_result.
func (t *FailureTracker) RecordFailure(ctx context.Context, tool string, err error, diagnostics string) (domain.ToolFailureRecord, bool, error) {
	if err == nil || !CountsAsBreakage(domain.KindOf(err)) {
		return domain.ToolFailureRecord{}, false, nil
	}
	rec, uerr := t.repo.UpsertFailure(ctx, tool, clip(domain.PublicMessage(err), maxFailureMessage), clip(diagnostics, maxFailureMessage), t.now())
	if uerr != nil {
		return domain.ToolFailureRecord{}, false, fmt.Errorf("record failure for %s: %w", tool, uerr)
	}
	t.logger.Info("tool failure recorded", "tool", tool, "kind", domain.KindOf(err), "count", rec.ErrorCount)
	return rec, true, nil
}

// BrokenTools lists tools with at least threshold failures and no repair
// since, most failing first.
func (t *FailureTracker) BrokenTools(ctx context.Context, threshold int) ([]domain.ToolFailureRecord, error) {
	if threshold < 1 {
		threshold = 1
	}
	return t.repo.ListBrokenTools(ctx, threshold)
}

// MarkRepaired closes the record: repaired_at is set, the counter resets and
// repair_attempts grows by one.
func (t *FailureTracker) MarkRepaired(ctx context.Context, tool string) error {
	if err := t.repo.MarkRepaired(ctx, tool, t.now()); err != nil {
		return fmt.Errorf("mark %s repaired: %w", tool, err)
	}
	t.logger.Info("tool marked repaired", "tool", tool)
	return nil
}

// RecordRepairAttempt notes a repair that did not fix the tool.
func (t *FailureTracker) RecordRepairAttempt(ctx context.Context, tool, buildResult string) error {
	if err := t.repo.RecordRepairAttempt(ctx, tool, clip(buildResult, maxFailureMessage)); err != nil {
		return fmt.Errorf("record repair attempt for %s: %w", tool, err)
	}
	return nil
}

// Get returns the record for tool or domain.ErrFailureNotFound.
func (t *FailureTracker) Get(ctx context.Context, tool string) (domain.ToolFailureRecord, error) {
	return t.repo.GetFailure(ctx, tool)
}

func clip(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return truncateUTF8(s, n)
}

// truncateUTF8 cuts s to at most n bytes without splitting a rune.
func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && s[n]&0xC0 == 0x80 {
		n--
	}
	return s[:n]
}
