package models

import (
	"strings"
	"time"
)

// UserRecord is the slice of a directory entry this service needs. The
// authoritative user store lives elsewhere; this service only reads identity,
// role, and second-factor state through the UserDirectory interface.
type UserRecord struct {
	ID                   string
	Email                string
	Name                 string
	Role                 string // e.g. "user", "support", "admin", "superadmin"
	CredentialHash       string // empty for SSO-only accounts
	TwoFactorSecret      []byte // AES-256-GCM encrypted TOTP secret
	TwoFactorSecretNonce []byte // GCM nonce (12 bytes)
	TwoFactorConfirmedAt *time.Time
	TwoFactorLastUsedAt  *time.Time // for TOTP replay rejection
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// TwoFactorEnabled reports whether the account has a confirmed second factor.
func (u *UserRecord) TwoFactorEnabled() bool {
	return len(u.TwoFactorSecret) > 0 && u.TwoFactorConfirmedAt != nil
}

// NormalizeIdentifier canonicalizes a login handle so attacker-controlled
// casing or padding cannot split rate-limit and lockout keys.
func NormalizeIdentifier(identifier string) string {
	return strings.ToLower(strings.TrimSpace(identifier))
}
