package repositories

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/mwhitford/bulwark/internal/database"
	"github.com/mwhitford/bulwark/internal/models"
)

// ImpersonationRepository persists impersonation sessions. The session rows
// are owned exclusively by the impersonation service; other layers hold only
// session ids.
type ImpersonationRepository struct {
	db *database.DB
}

// NewImpersonationRepository creates a new ImpersonationRepository
func NewImpersonationRepository(db *database.DB) *ImpersonationRepository {
	return &ImpersonationRepository{db: db}
}

const sessionColumns = `
	id, admin_user_id, target_user_id, started_at, expires_at,
	terminated_at, termination_reason, created_at
`

func scanSession(row pgx.Row) (*models.ImpersonationSession, error) {
	var s models.ImpersonationSession
	err := row.Scan(
		&s.ID, &s.AdminUserID, &s.TargetUserID, &s.StartedAt, &s.ExpiresAt,
		&s.TerminatedAt, &s.TerminationReason, &s.CreatedAt,
	)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}
	return &s, nil
}

// Create inserts a new session, assigning its id.
func (r *ImpersonationRepository) Create(ctx context.Context, session *models.ImpersonationSession) error {
	if session.ID == "" {
		session.ID = uuid.New().String()
	}
	query := `
		INSERT INTO impersonation_sessions (id, admin_user_id, target_user_id, started_at, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at
	`
	err := r.db.Pool.QueryRow(ctx, query,
		session.ID, session.AdminUserID, session.TargetUserID,
		session.StartedAt, session.ExpiresAt,
	).Scan(&session.CreatedAt)
	return database.MapPostgresError(err)
}

// GetByID returns a session by id.
func (r *ImpersonationRepository) GetByID(ctx context.Context, id string) (*models.ImpersonationSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM impersonation_sessions WHERE id = $1`
	return scanSession(r.db.Pool.QueryRow(ctx, query, id))
}

// UpdateExpiry pushes expires_at forward for a live session.
func (r *ImpersonationRepository) UpdateExpiry(ctx context.Context, id string, expiresAt time.Time) error {
	query := `
		UPDATE impersonation_sessions
		SET expires_at = $2
		WHERE id = $1 AND terminated_at IS NULL
	`
	tag, err := r.db.Pool.Exec(ctx, query, id, expiresAt)
	if err != nil {
		return database.MapPostgresError(err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}

// Terminate sets the terminal state once; already-terminated rows are left
// untouched so the first recorded reason survives.
func (r *ImpersonationRepository) Terminate(ctx context.Context, id string, at time.Time, reason models.TerminationReason) error {
	query := `
		UPDATE impersonation_sessions
		SET terminated_at = $2, termination_reason = $3
		WHERE id = $1 AND terminated_at IS NULL
	`
	_, err := r.db.Pool.Exec(ctx, query, id, at, string(reason))
	return database.MapPostgresError(err)
}

// CountActive returns the number of live sessions across all admins.
func (r *ImpersonationRepository) CountActive(ctx context.Context, now time.Time) (int, error) {
	query := `
		SELECT COUNT(*) FROM impersonation_sessions
		WHERE terminated_at IS NULL AND expires_at > $1
	`
	var count int
	err := r.db.Pool.QueryRow(ctx, query, now).Scan(&count)
	return count, database.MapPostgresError(err)
}

// CountActiveByAdmin returns the number of live sessions for one admin.
func (r *ImpersonationRepository) CountActiveByAdmin(ctx context.Context, adminID string, now time.Time) (int, error) {
	query := `
		SELECT COUNT(*) FROM impersonation_sessions
		WHERE admin_user_id = $1 AND terminated_at IS NULL AND expires_at > $2
	`
	var count int
	err := r.db.Pool.QueryRow(ctx, query, adminID, now).Scan(&count)
	return count, database.MapPostgresError(err)
}

// ListActive returns all live sessions, newest first.
func (r *ImpersonationRepository) ListActive(ctx context.Context, now time.Time) ([]*models.ImpersonationSession, error) {
	query := `
		SELECT ` + sessionColumns + ` FROM impersonation_sessions
		WHERE terminated_at IS NULL AND expires_at > $1
		ORDER BY started_at DESC
	`
	return r.list(ctx, query, now)
}

// ListExpired returns unterminated sessions whose deadline has passed.
func (r *ImpersonationRepository) ListExpired(ctx context.Context, now time.Time) ([]*models.ImpersonationSession, error) {
	query := `
		SELECT ` + sessionColumns + ` FROM impersonation_sessions
		WHERE terminated_at IS NULL AND expires_at <= $1
		ORDER BY expires_at
	`
	return r.list(ctx, query, now)
}

// GetActiveByAdmin returns the most recent live session for an admin, or
// ErrNotFound.
func (r *ImpersonationRepository) GetActiveByAdmin(ctx context.Context, adminID string, now time.Time) (*models.ImpersonationSession, error) {
	query := `
		SELECT ` + sessionColumns + ` FROM impersonation_sessions
		WHERE admin_user_id = $1 AND terminated_at IS NULL AND expires_at > $2
		ORDER BY started_at DESC
		LIMIT 1
	`
	return scanSession(r.db.Pool.QueryRow(ctx, query, adminID, now))
}

// DeleteTerminatedBefore purges terminated session records older than the
// cutoff. Live sessions are structurally excluded.
func (r *ImpersonationRepository) DeleteTerminatedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `
		DELETE FROM impersonation_sessions
		WHERE terminated_at IS NOT NULL AND terminated_at < $1
	`
	tag, err := r.db.Pool.Exec(ctx, query, cutoff)
	if err != nil {
		return 0, database.MapPostgresError(err)
	}
	return tag.RowsAffected(), nil
}

func (r *ImpersonationRepository) list(ctx context.Context, query string, args ...any) ([]*models.ImpersonationSession, error) {
	rows, err := r.db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}
	defer rows.Close()

	var sessions []*models.ImpersonationSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	return sessions, database.MapPostgresError(rows.Err())
}
