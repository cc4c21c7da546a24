package background

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type mockSessionSweeper struct {
	SweepExpiredFunc      func(ctx context.Context) int
	CleanupTerminatedFunc func(ctx context.Context, retention time.Duration) (int64, error)
}

func (m *mockSessionSweeper) SweepExpired(ctx context.Context) int {
	if m.SweepExpiredFunc != nil {
		return m.SweepExpiredFunc(ctx)
	}
	return 0
}

func (m *mockSessionSweeper) CleanupTerminated(ctx context.Context, retention time.Duration) (int64, error) {
	if m.CleanupTerminatedFunc != nil {
		return m.CleanupTerminatedFunc(ctx, retention)
	}
	return 0, nil
}

type mockLockoutPruner struct {
	DeleteStaleBeforeFunc func(ctx context.Context, cutoff time.Time) (int64, error)
}

func (m *mockLockoutPruner) DeleteStaleBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	if m.DeleteStaleBeforeFunc != nil {
		return m.DeleteStaleBeforeFunc(ctx, cutoff)
	}
	return 0, nil
}

type mockAuditCleaner struct {
	CleanupFunc func(ctx context.Context, olderThan time.Time) (int64, error)
}

func (m *mockAuditCleaner) Cleanup(ctx context.Context, olderThan time.Time) (int64, error) {
	if m.CleanupFunc != nil {
		return m.CleanupFunc(ctx, olderThan)
	}
	return 0, nil
}

func TestSweeper_RunSweepAppliesAllRetention(t *testing.T) {
	var (
		swept            bool
		sessionRetention time.Duration
		lockoutCutoff    time.Time
		auditCutoff      time.Time
	)

	sessions := &mockSessionSweeper{
		SweepExpiredFunc: func(ctx context.Context) int {
			swept = true
			return 1
		},
		CleanupTerminatedFunc: func(ctx context.Context, retention time.Duration) (int64, error) {
			sessionRetention = retention
			return 1, nil
		},
	}
	lockouts := &mockLockoutPruner{
		DeleteStaleBeforeFunc: func(ctx context.Context, cutoff time.Time) (int64, error) {
			lockoutCutoff = cutoff
			return 3, nil
		},
	}
	audit := &mockAuditCleaner{
		CleanupFunc: func(ctx context.Context, olderThan time.Time) (int64, error) {
			auditCutoff = olderThan
			return 2, nil
		},
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	sweeper := NewSweeper(sessions, lockouts, audit, logger,
		time.Minute, 30*24*time.Hour, 7*24*time.Hour, 90*24*time.Hour)

	sweeper.runSweep(context.Background())

	assert.True(t, swept)
	assert.Equal(t, 30*24*time.Hour, sessionRetention)
	assert.WithinDuration(t, time.Now().Add(-7*24*time.Hour), lockoutCutoff, time.Minute)
	assert.WithinDuration(t, time.Now().Add(-90*24*time.Hour), auditCutoff, time.Minute)
}

func TestSweeper_RunSweepContinuesPastFailures(t *testing.T) {
	var pruned, cleaned bool

	sessions := &mockSessionSweeper{
		CleanupTerminatedFunc: func(ctx context.Context, retention time.Duration) (int64, error) {
			return 0, context.DeadlineExceeded
		},
	}
	lockouts := &mockLockoutPruner{
		DeleteStaleBeforeFunc: func(ctx context.Context, cutoff time.Time) (int64, error) {
			pruned = true
			return 0, nil
		},
	}
	audit := &mockAuditCleaner{
		CleanupFunc: func(ctx context.Context, olderThan time.Time) (int64, error) {
			cleaned = true
			return 0, nil
		},
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	sweeper := NewSweeper(sessions, lockouts, audit, logger,
		time.Minute, time.Hour, time.Hour, time.Hour)

	sweeper.runSweep(context.Background())

	assert.True(t, pruned)
	assert.True(t, cleaned)
}
