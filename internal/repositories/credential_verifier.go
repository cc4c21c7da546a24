package repositories

import (
	"context"
	"errors"

	"github.com/mwhitford/bulwark/internal/database"
	"github.com/mwhitford/bulwark/internal/models"
	"golang.org/x/crypto/bcrypt"
)

// BcryptCredentialVerifier is the default credential verifier: it reads the
// stored hash and compares. The login service treats it as a black box and
// never learns the hashing scheme.
type BcryptCredentialVerifier struct {
	db *database.DB
}

// NewBcryptCredentialVerifier creates a new BcryptCredentialVerifier
func NewBcryptCredentialVerifier(db *database.DB) *BcryptCredentialVerifier {
	return &BcryptCredentialVerifier{db: db}
}

// Verify returns (true, nil) when the secret matches the stored credential,
// (false, nil) on mismatch or unknown identifier, and a non-nil error only
// when the store itself is unavailable.
func (v *BcryptCredentialVerifier) Verify(ctx context.Context, identifier, secret string) (bool, error) {
	var hash string
	err := v.db.Pool.QueryRow(ctx,
		`SELECT credential_hash FROM users WHERE email = $1`,
		models.NormalizeIdentifier(identifier)).Scan(&hash)
	if err != nil {
		if errors.Is(database.MapPostgresError(err), models.ErrNotFound) {
			return false, nil
		}
		return false, database.MapPostgresError(err)
	}

	if hash == "" {
		// SSO-only account: no password to match.
		return false, nil
	}

	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret)) == nil, nil
}
