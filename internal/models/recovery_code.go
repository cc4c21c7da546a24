package models

import "time"

// RecoveryCode is a stored single-use fallback credential. The plaintext is
// shown once at enrollment; only the bcrypt hash is kept.
type RecoveryCode struct {
	ID        string
	UserID    string
	CodeHash  string
	UsedAt    *time.Time
	CreatedAt time.Time
}
