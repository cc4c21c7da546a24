package repositories

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/mwhitford/bulwark/internal/database"
	"github.com/mwhitford/bulwark/internal/models"
)

// RecoveryCodeRepository stores hashed single-use recovery codes.
type RecoveryCodeRepository struct {
	db *database.DB
}

// NewRecoveryCodeRepository creates a new RecoveryCodeRepository
func NewRecoveryCodeRepository(db *database.DB) *RecoveryCodeRepository {
	return &RecoveryCodeRepository{db: db}
}

// Replace atomically swaps the user's recovery code set for a new one.
func (r *RecoveryCodeRepository) Replace(ctx context.Context, userID string, codeHashes []string) error {
	return r.db.WithTransaction(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM recovery_codes WHERE user_id = $1`, userID); err != nil {
			return database.MapPostgresError(err)
		}
		for _, hash := range codeHashes {
			_, err := tx.Exec(ctx,
				`INSERT INTO recovery_codes (user_id, code_hash) VALUES ($1, $2)`,
				userID, hash)
			if err != nil {
				return database.MapPostgresError(err)
			}
		}
		return nil
	})
}

// ListUnused returns the user's unused codes so the caller can compare
// submissions against the hashes.
func (r *RecoveryCodeRepository) ListUnused(ctx context.Context, userID string) ([]*models.RecoveryCode, error) {
	query := `
		SELECT id, user_id, code_hash, used_at, created_at
		FROM recovery_codes
		WHERE user_id = $1 AND used_at IS NULL
		ORDER BY created_at
	`
	rows, err := r.db.Pool.Query(ctx, query, userID)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}
	defer rows.Close()

	var codes []*models.RecoveryCode
	for rows.Next() {
		var c models.RecoveryCode
		if err := rows.Scan(&c.ID, &c.UserID, &c.CodeHash, &c.UsedAt, &c.CreatedAt); err != nil {
			return nil, database.MapPostgresError(err)
		}
		codes = append(codes, &c)
	}
	return codes, database.MapPostgresError(rows.Err())
}

// Consume marks a code used exactly once. The guarded update means two racing
// submissions of the same code see one success and one miss.
func (r *RecoveryCodeRepository) Consume(ctx context.Context, codeID string, at time.Time) (bool, error) {
	query := `
		UPDATE recovery_codes
		SET used_at = $2
		WHERE id = $1 AND used_at IS NULL
	`
	tag, err := r.db.Pool.Exec(ctx, query, codeID, at)
	if err != nil {
		return false, database.MapPostgresError(err)
	}
	return tag.RowsAffected() == 1, nil
}

// CountUnused returns how many recovery codes the user has left.
func (r *RecoveryCodeRepository) CountUnused(ctx context.Context, userID string) (int, error) {
	var count int
	err := r.db.Pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM recovery_codes WHERE user_id = $1 AND used_at IS NULL`,
		userID).Scan(&count)
	return count, database.MapPostgresError(err)
}
