// Package lockout maintains the per-account lockout ledger: the authoritative
// "is this account currently locked" source, consulted before any credential
// verification is attempted.
package lockout

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/mwhitford/bulwark/internal/models"
)

// Repository persists lockout records keyed by normalized identifier.
type Repository interface {
	Get(ctx context.Context, identifier string) (*models.LockoutRecord, error)
	Upsert(ctx context.Context, record *models.LockoutRecord) error
	Delete(ctx context.Context, identifier string) error
}

// Ledger applies the escalating lockout tier table to failed-attempt counts.
type Ledger struct {
	repo   Repository
	tiers  []models.LockoutTier
	logger *slog.Logger
	now    func() time.Time
}

// NewLedger validates the tier table and returns a ledger.
func NewLedger(repo Repository, tiers []models.LockoutTier, logger *slog.Logger) (*Ledger, error) {
	if err := models.ValidateLockoutTiers(tiers); err != nil {
		return nil, err
	}
	return &Ledger{
		repo:   repo,
		tiers:  tiers,
		logger: logger,
		now:    time.Now,
	}, nil
}

// SetClock injects a clock, for tests.
func (l *Ledger) SetClock(now func() time.Time) {
	l.now = now
}

// Status reports whether the identifier is currently locked and for how much
// longer. Repository errors fail open with a warning: an unavailable ledger
// must not lock out every legitimate user, and the rate limiter still stands
// in front of the verifier.
func (l *Ledger) Status(ctx context.Context, identifier string) (bool, time.Duration) {
	record, err := l.repo.Get(ctx, models.NormalizeIdentifier(identifier))
	if err != nil {
		if !errors.Is(err, models.ErrNotFound) {
			l.logger.Error("lockout ledger read failed", slog.Any("error", err))
		}
		return false, 0
	}

	now := l.now()
	if !record.Locked(now) {
		return false, 0
	}
	return true, record.Remaining(now)
}

// FailedCount returns the accumulated failure count for the identifier.
func (l *Ledger) FailedCount(ctx context.Context, identifier string) int {
	record, err := l.repo.Get(ctx, models.NormalizeIdentifier(identifier))
	if err != nil {
		return 0
	}
	return record.FailedCount
}

// RecordFailedAttempt increments the failure count and, when a tier threshold
// is crossed, sets locked_until per the escalation table. An existing lock is
// never shortened. Returns the updated record so callers can emit events.
func (l *Ledger) RecordFailedAttempt(ctx context.Context, identifier, origin string) (*models.LockoutRecord, error) {
	identifier = models.NormalizeIdentifier(identifier)
	now := l.now()

	record, err := l.repo.Get(ctx, identifier)
	if err != nil {
		if !errors.Is(err, models.ErrNotFound) {
			return nil, err
		}
		record = &models.LockoutRecord{Identifier: identifier}
	}

	record.FailedCount++
	record.LastFailure = now
	record.UpdatedAt = now

	if duration := models.LockoutDurationFor(l.tiers, record.FailedCount); duration > 0 {
		until := now.Add(duration)
		if record.LockedUntil == nil || until.After(*record.LockedUntil) {
			record.LockedUntil = &until
		}
	}

	if err := l.repo.Upsert(ctx, record); err != nil {
		return nil, err
	}

	if record.Locked(now) {
		l.logger.Warn("account locked out",
			slog.Int("failed_count", record.FailedCount),
			slog.String("origin", origin),
			slog.Time("locked_until", *record.LockedUntil))
	}

	return record, nil
}

// Clear fully resets the identifier: failure count to zero, lock removed.
func (l *Ledger) Clear(ctx context.Context, identifier string) error {
	err := l.repo.Delete(ctx, models.NormalizeIdentifier(identifier))
	if err != nil && !errors.Is(err, models.ErrNotFound) {
		return err
	}
	return nil
}
