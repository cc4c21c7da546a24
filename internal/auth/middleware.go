package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/mwhitford/bulwark/internal/models"
)

// contextKey is a custom type for context keys
type contextKey string

// UserContextKey is the key for storing token claims in request context
const UserContextKey contextKey = "user"

// UserDirectory is the subset of the directory needed for role checks.
type UserDirectory interface {
	FindByID(ctx context.Context, id string) (*models.UserRecord, error)
}

// Middleware validates access tokens and injects claims into the request
// context. Challenge tokens are rejected here: a pending two-factor challenge
// must never reach a privileged handler.
func Middleware(tm *TokenManager) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				http.Error(w, "missing authorization header", http.StatusUnauthorized)
				return
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || parts[0] != "Bearer" {
				http.Error(w, "invalid authorization header format", http.StatusUnauthorized)
				return
			}

			claims, err := tm.ValidateToken(parts[1], models.TokenTypeAccess)
			if err != nil {
				http.Error(w, "invalid or expired token", http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), UserContextKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireRole enforces role-based access for the true principal. During
// impersonation the check runs against the admin behind the token, not the
// effective identity, so an admin acting as a plain user keeps admin routes
// and a target's role grants nothing.
func RequireRole(directory UserDirectory, role string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims := GetUserFromContext(r)
			if claims == nil {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			user, err := directory.FindByID(r.Context(), claims.Principal())
			if err != nil {
				if errors.Is(err, models.ErrNotFound) {
					http.Error(w, "user not found", http.StatusUnauthorized)
					return
				}
				http.Error(w, "internal server error", http.StatusInternalServerError)
				return
			}

			if user.Role != role {
				http.Error(w, "forbidden: insufficient permissions", http.StatusForbidden)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// SessionChecker reports whether an impersonation session is still live.
type SessionChecker interface {
	IsActive(ctx context.Context, sessionID string) (bool, error)
}

// ImpersonationGuard refuses impersonation tokens whose session has been
// terminated or has expired. The token itself may still be within its JWT
// lifetime; the session record is the authority.
func ImpersonationGuard(checker SessionChecker) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims := GetUserFromContext(r)
			if claims != nil && claims.Impersonating() {
				active, err := checker.IsActive(r.Context(), claims.ImpersonationSessionID)
				if err != nil {
					http.Error(w, "internal server error", http.StatusInternalServerError)
					return
				}
				if !active {
					http.Error(w, "impersonation session has ended", http.StatusUnauthorized)
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

// GetUserFromContext extracts token claims from the request context.
func GetUserFromContext(r *http.Request) *models.TokenClaims {
	claims, ok := r.Context().Value(UserContextKey).(*models.TokenClaims)
	if !ok {
		return nil
	}
	return claims
}
