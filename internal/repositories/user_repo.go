package repositories

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/mwhitford/bulwark/internal/database"
	"github.com/mwhitford/bulwark/internal/models"
)

// UserRepository reads and updates directory entries in Postgres. It is the
// default UserDirectory implementation; the rest of the service depends only
// on the interfaces it satisfies.
type UserRepository struct {
	db *database.DB
}

// NewUserRepository creates a new UserRepository
func NewUserRepository(db *database.DB) *UserRepository {
	return &UserRepository{db: db}
}

const userColumns = `
	id, email, name, role, credential_hash,
	two_factor_secret, two_factor_secret_nonce,
	two_factor_confirmed_at, two_factor_last_used_at,
	created_at, updated_at
`

func scanUser(row interface{ Scan(dest ...any) error }) (*models.UserRecord, error) {
	var u models.UserRecord
	err := row.Scan(
		&u.ID, &u.Email, &u.Name, &u.Role, &u.CredentialHash,
		&u.TwoFactorSecret, &u.TwoFactorSecretNonce,
		&u.TwoFactorConfirmedAt, &u.TwoFactorLastUsedAt,
		&u.CreatedAt, &u.UpdatedAt,
	)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}
	return &u, nil
}

// Create inserts a new directory entry. The normalized email must be unique;
// a duplicate surfaces as models.ErrConflict.
func (r *UserRepository) Create(ctx context.Context, user *models.UserRecord) (*models.UserRecord, error) {
	if user.ID == "" {
		user.ID = uuid.New().String()
	}
	query := `
		INSERT INTO users (id, email, name, role, credential_hash)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING ` + userColumns
	return scanUser(r.db.Pool.QueryRow(ctx, query,
		user.ID, models.NormalizeIdentifier(user.Email), user.Name, user.Role, user.CredentialHash,
	))
}

// FindByIdentifier looks up a user by normalized email.
func (r *UserRepository) FindByIdentifier(ctx context.Context, identifier string) (*models.UserRecord, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE email = $1`
	return scanUser(r.db.Pool.QueryRow(ctx, query, models.NormalizeIdentifier(identifier)))
}

// FindByID looks up a user by id.
func (r *UserRepository) FindByID(ctx context.Context, id string) (*models.UserRecord, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE id = $1`
	return scanUser(r.db.Pool.QueryRow(ctx, query, id))
}

// RoleOf returns the role for a user id.
func (r *UserRepository) RoleOf(ctx context.Context, id string) (string, error) {
	var role string
	err := r.db.Pool.QueryRow(ctx, `SELECT role FROM users WHERE id = $1`, id).Scan(&role)
	if err != nil {
		return "", database.MapPostgresError(err)
	}
	return role, nil
}

// SetTwoFactorSecret stores a freshly generated, not-yet-confirmed secret.
func (r *UserRepository) SetTwoFactorSecret(ctx context.Context, userID string, secret, nonce []byte) error {
	query := `
		UPDATE users
		SET two_factor_secret = $2, two_factor_secret_nonce = $3,
		    two_factor_confirmed_at = NULL, updated_at = CURRENT_TIMESTAMP
		WHERE id = $1
	`
	tag, err := r.db.Pool.Exec(ctx, query, userID, secret, nonce)
	if err != nil {
		return database.MapPostgresError(err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}

// ConfirmTwoFactor marks the stored secret as confirmed.
func (r *UserRepository) ConfirmTwoFactor(ctx context.Context, userID string, at time.Time) error {
	query := `
		UPDATE users
		SET two_factor_confirmed_at = $2, updated_at = CURRENT_TIMESTAMP
		WHERE id = $1 AND two_factor_secret IS NOT NULL
	`
	tag, err := r.db.Pool.Exec(ctx, query, userID, at)
	if err != nil {
		return database.MapPostgresError(err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}

// TouchTwoFactorUse records when a TOTP code last validated, for replay
// rejection.
func (r *UserRepository) TouchTwoFactorUse(ctx context.Context, userID string, at time.Time) error {
	query := `UPDATE users SET two_factor_last_used_at = $2 WHERE id = $1`
	_, err := r.db.Pool.Exec(ctx, query, userID, at)
	return database.MapPostgresError(err)
}
