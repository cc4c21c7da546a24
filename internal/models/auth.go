package models

import "github.com/golang-jwt/jwt/v5"

// Token types issued by the token manager
const (
	TokenTypeAccess    = "access"
	TokenTypeChallenge = "2fa" // partially authenticated, pending second factor
)

// TokenClaims are the JWT claims carried by access and challenge tokens.
// During impersonation the access token keeps the true principal in ActorID
// while UserID points at the effective identity; the impersonation session id
// ties the token back to its auditable grant.
type TokenClaims struct {
	Type                   string `json:"type"`
	UserID                 string `json:"user_id"`
	Email                  string `json:"email,omitempty"`
	ActorID                string `json:"actor_id,omitempty"`
	ImpersonationSessionID string `json:"impersonation_session_id,omitempty"`
	jwt.RegisteredClaims
}

// Impersonating reports whether the token represents an admin acting as
// another user.
func (c *TokenClaims) Impersonating() bool {
	return c.ImpersonationSessionID != "" && c.ActorID != "" && c.ActorID != c.UserID
}

// Principal returns the true authenticated identity: the actor during
// impersonation, otherwise the subject itself.
func (c *TokenClaims) Principal() string {
	if c.ActorID != "" {
		return c.ActorID
	}
	return c.UserID
}
