package background

import (
	"context"
	"log/slog"
	"time"
)

// SessionSweeper is the slice of the impersonation service the sweeper drives.
type SessionSweeper interface {
	SweepExpired(ctx context.Context) int
	CleanupTerminated(ctx context.Context, retention time.Duration) (int64, error)
}

// LockoutPruner drops stale lockout ledger rows. Failed logins write a row
// per identifier, including identifiers that never belonged to an account, so
// without pruning the table grows with every invented email.
type LockoutPruner interface {
	DeleteStaleBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// AuditCleaner prunes old audit trail entries.
type AuditCleaner interface {
	Cleanup(ctx context.Context, olderThan time.Time) (int64, error)
}

// Sweeper periodically persists expiry for dead impersonation sessions and
// applies retention to terminated sessions, the lockout ledger, and the audit
// trail. Request-path enforcement never waits for it.
type Sweeper struct {
	sessions    SessionSweeper
	lockouts    LockoutPruner
	audit       AuditCleaner
	logger      *slog.Logger
	interval    time.Duration
	sessionKeep time.Duration
	lockoutKeep time.Duration
	auditKeep   time.Duration
	stopCh      chan struct{}
}

// NewSweeper creates a new sweeper
func NewSweeper(
	sessions SessionSweeper,
	lockouts LockoutPruner,
	audit AuditCleaner,
	logger *slog.Logger,
	interval, sessionRetention, lockoutRetention, auditRetention time.Duration,
) *Sweeper {
	return &Sweeper{
		sessions:    sessions,
		lockouts:    lockouts,
		audit:       audit,
		logger:      logger,
		interval:    interval,
		sessionKeep: sessionRetention,
		lockoutKeep: lockoutRetention,
		auditKeep:   auditRetention,
		stopCh:      make(chan struct{}),
	}
}

// Start begins the periodic sweep task
func (s *Sweeper) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// Run immediately on startup
	s.runSweep(ctx)

	for {
		select {
		case <-ticker.C:
			s.runSweep(ctx)
		case <-s.stopCh:
			s.logger.Info("sweeper stopped")
			return
		case <-ctx.Done():
			s.logger.Info("sweeper context cancelled")
			return
		}
	}
}

func (s *Sweeper) runSweep(ctx context.Context) {
	sweepCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	s.sessions.SweepExpired(sweepCtx)

	deleted, err := s.sessions.CleanupTerminated(sweepCtx, s.sessionKeep)
	if err != nil {
		s.logger.Error("failed to cleanup terminated sessions", slog.Any("error", err))
	} else if deleted > 0 {
		s.logger.Info("terminated session cleanup completed", slog.Int64("rows_deleted", deleted))
	}

	stale, err := s.lockouts.DeleteStaleBefore(sweepCtx, time.Now().Add(-s.lockoutKeep))
	if err != nil {
		s.logger.Error("failed to prune lockout ledger", slog.Any("error", err))
	} else if stale > 0 {
		s.logger.Info("lockout ledger pruning completed", slog.Int64("rows_deleted", stale))
	}

	pruned, err := s.audit.Cleanup(sweepCtx, time.Now().Add(-s.auditKeep))
	if err != nil {
		s.logger.Error("failed to cleanup audit trail", slog.Any("error", err))
	} else if pruned > 0 {
		s.logger.Info("audit trail cleanup completed", slog.Int64("rows_deleted", pruned))
	}
}

// Stop signals the sweeper to stop
func (s *Sweeper) Stop() {
	close(s.stopCh)
}
