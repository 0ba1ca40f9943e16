package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manthysbr/aulerun/internal/core/domain"
)

func TestFailureTracker_CountsOnlyBreakage(t *testing.T) {
	ctx := context.Background()
	tr := NewFailureTracker(quietLogger(), newMemFailureRepo())

	for _, err := range []error{
		domain.Errorf(domain.KindCapabilityDenied, ""),
		domain.Errorf(domain.KindEndpointNotAllowed, "evil.example.com"),
		domain.Errorf(domain.KindCredentialLeakDetected, ""),
		errors.New("plain"),
		nil,
	} {
		_, recorded, rerr := tr.RecordFailure(ctx, "scraper", err, "")
		require.NoError(t, rerr)
		assert.False(t, recorded, "%v", err)
	}
	_, err := tr.Get(ctx, "scraper")
	assert.ErrorIs(t, err, domain.ErrFailureNotFound)

	rec, recorded, err := tr.RecordFailure(ctx, "scraper", domain.Errorf(domain.KindToolFault, "exit 2"), "stderr: boom")
	require.NoError(t, err)
	require.True(t, recorded)
	assert.Equal(t, 1, rec.ErrorCount)
	assert.Equal(t, "stderr: boom", rec.LastBuildResult)

	rec, _, err = tr.RecordFailure(ctx, "scraper", domain.Errorf(domain.KindResourceLimitExceeded, "memory"), "oom")
	require.NoError(t, err)
	assert.Equal(t, 2, rec.ErrorCount)
	assert.Equal(t, "oom", rec.LastBuildResult)
	assert.Contains(t, rec.ErrorMessage, "resource budget")
}

func TestFailureTracker_BrokenToolsAndRepair(t *testing.T) {
	ctx := context.Background()
	tr := NewFailureTracker(quietLogger(), newMemFailureRepo())
	fault := domain.Errorf(domain.KindToolFault, "")

	for i := 0; i < 5; i++ {
		_, _, err := tr.RecordFailure(ctx, "a", fault, "")
		require.NoError(t, err)
	}
	for i := 0; i < 3; i++ {
		_, _, err := tr.RecordFailure(ctx, "b", fault, "")
		require.NoError(t, err)
	}
	_, _, err := tr.RecordFailure(ctx, "c", fault, "")
	require.NoError(t, err)

	broken, err := tr.BrokenTools(ctx, 3)
	require.NoError(t, err)
	require.Len(t, broken, 2)
	assert.Equal(t, "a", broken[0].ToolName)
	assert.Equal(t, "b", broken[1].ToolName)

	require.NoError(t, tr.RecordRepairAttempt(ctx, "a", "build failed: missing export"))
	rec, err := tr.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 1, rec.RepairAttempts)
	assert.Nil(t, rec.RepairedAt)

	require.NoError(t, tr.MarkRepaired(ctx, "a"))
	rec, err = tr.Get(ctx, "a")
	require.NoError(t, err)
	assert.NotNil(t, rec.RepairedAt)
	assert.Equal(t, 2, rec.RepairAttempts)
	assert.Equal(t, 0, rec.ErrorCount)

	broken, err = tr.BrokenTools(ctx, 3)
	require.NoError(t, err)
	require.Len(t, broken, 1)
	assert.Equal(t, "b", broken[0].ToolName)

	// A new failure reopens the record.
	rec, _, err = tr.RecordFailure(ctx, "a", fault, "")
	require.NoError(t, err)
	assert.Nil(t, rec.RepairedAt)
	assert.Equal(t, 1, rec.ErrorCount)

	assert.ErrorIs(t, tr.MarkRepaired(ctx, "missing"), domain.ErrFailureNotFound)
}

func TestFailureTracker_ConcurrentFailuresAreNotLost(t *testing.T) {
	ctx := context.Background()
	tr := NewFailureTracker(quietLogger(), newMemFailureRepo())

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, err := tr.RecordFailure(ctx, "shared", domain.Errorf(domain.KindToolFault, "run %d", i), fmt.Sprint(i))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	rec, err := tr.Get(ctx, "shared")
	require.NoError(t, err)
	assert.Equal(t, 50, rec.ErrorCount)
}

func TestClip(t *testing.T) {
	assert.Equal(t, "abc", clip("  abc  ", 10))
	assert.Equal(t, "ab", clip("abcdef", 2))
	// Never splits a rune.
	assert.Equal(t, "a", clip("aé", 2))
}
