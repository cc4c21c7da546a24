package repositories

import (
	"context"
	"time"

	"github.com/mwhitford/bulwark/internal/database"
	"github.com/mwhitford/bulwark/internal/models"
)

// LockoutRepository persists account lockout records.
type LockoutRepository struct {
	db *database.DB
}

// NewLockoutRepository creates a new LockoutRepository
func NewLockoutRepository(db *database.DB) *LockoutRepository {
	return &LockoutRepository{db: db}
}

// Get returns the lockout record for an identifier.
func (r *LockoutRepository) Get(ctx context.Context, identifier string) (*models.LockoutRecord, error) {
	query := `
		SELECT identifier, failed_count, locked_until, last_failure, updated_at
		FROM lockout_records
		WHERE identifier = $1
	`

	var record models.LockoutRecord
	err := r.db.Pool.QueryRow(ctx, query, identifier).Scan(
		&record.Identifier,
		&record.FailedCount,
		&record.LockedUntil,
		&record.LastFailure,
		&record.UpdatedAt,
	)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}
	return &record, nil
}

// Upsert writes the record, creating it on first failure.
func (r *LockoutRepository) Upsert(ctx context.Context, record *models.LockoutRecord) error {
	query := `
		INSERT INTO lockout_records (identifier, failed_count, locked_until, last_failure, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (identifier) DO UPDATE
		SET failed_count = EXCLUDED.failed_count,
		    locked_until = EXCLUDED.locked_until,
		    last_failure = EXCLUDED.last_failure,
		    updated_at = EXCLUDED.updated_at
	`

	_, err := r.db.Pool.Exec(ctx, query,
		record.Identifier,
		record.FailedCount,
		record.LockedUntil,
		record.LastFailure,
		record.UpdatedAt,
	)
	return database.MapPostgresError(err)
}

// Delete removes the record entirely; absence maps to ErrNotFound.
func (r *LockoutRepository) Delete(ctx context.Context, identifier string) error {
	tag, err := r.db.Pool.Exec(ctx, `DELETE FROM lockout_records WHERE identifier = $1`, identifier)
	if err != nil {
		return database.MapPostgresError(err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}

// DeleteStaleBefore purges records whose last failure predates the cutoff and
// whose lock, if any, had also ended by then. Failed attempts create a row per
// attacker-chosen identifier, so the table needs time-based retention.
func (r *LockoutRepository) DeleteStaleBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `
		DELETE FROM lockout_records
		WHERE last_failure < $1 AND (locked_until IS NULL OR locked_until < $1)
	`
	tag, err := r.db.Pool.Exec(ctx, query, cutoff)
	if err != nil {
		return 0, database.MapPostgresError(err)
	}
	return tag.RowsAffected(), nil
}
