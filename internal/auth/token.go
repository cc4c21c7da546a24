package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/mwhitford/bulwark/internal/models"
)

// TokenManager issues and validates the two token kinds this service uses:
// full access tokens and short-lived two-factor challenge tokens. A challenge
// token proves only that primary credentials succeeded; it grants nothing.
type TokenManager struct {
	secret          string
	accessExpiry    time.Duration
	challengeExpiry time.Duration
}

// NewTokenManager creates a TokenManager.
func NewTokenManager(secret string, accessExpiry, challengeExpiry time.Duration) *TokenManager {
	return &TokenManager{
		secret:          secret,
		accessExpiry:    accessExpiry,
		challengeExpiry: challengeExpiry,
	}
}

// GenerateAccessToken creates an access token for a fully authenticated user.
func (tm *TokenManager) GenerateAccessToken(userID, email string) (string, error) {
	return tm.sign(&models.TokenClaims{
		Type:   models.TokenTypeAccess,
		UserID: userID,
		Email:  email,
	}, tm.accessExpiry)
}

// GenerateImpersonationToken creates an access token whose subject is the
// impersonation target while the admin stays recorded as the true principal.
func (tm *TokenManager) GenerateImpersonationToken(adminID, targetID, targetEmail, sessionID string) (string, error) {
	return tm.sign(&models.TokenClaims{
		Type:                   models.TokenTypeAccess,
		UserID:                 targetID,
		Email:                  targetEmail,
		ActorID:                adminID,
		ImpersonationSessionID: sessionID,
	}, tm.accessExpiry)
}

// GenerateChallengeToken creates the short-lived token handed back when a
// login still needs its second factor.
func (tm *TokenManager) GenerateChallengeToken(userID, email string) (string, error) {
	return tm.sign(&models.TokenClaims{
		Type:   models.TokenTypeChallenge,
		UserID: userID,
		Email:  email,
	}, tm.challengeExpiry)
}

func (tm *TokenManager) sign(claims *models.TokenClaims, expiry time.Duration) (string, error) {
	now := time.Now()
	claims.RegisteredClaims = jwt.RegisteredClaims{
		ID:        uuid.New().String(),
		ExpiresAt: jwt.NewNumericDate(now.Add(expiry)),
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(tm.secret))
	if err != nil {
		return "", fmt.Errorf("failed to sign %s token: %w", claims.Type, err)
	}
	return signed, nil
}

// ValidateToken verifies a token of the expected type and returns its claims.
func (tm *TokenManager) ValidateToken(tokenString, expectedType string) (*models.TokenClaims, error) {
	claims := &models.TokenClaims{}

	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(tm.secret), nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}
	if !token.Valid {
		return nil, models.ErrUnauthorized
	}
	if claims.Type != expectedType {
		return nil, models.ErrUnauthorized
	}

	return claims, nil
}
