package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"

	"github.com/mwhitford/bulwark/internal/auth"
	"github.com/mwhitford/bulwark/internal/models"
	"github.com/mwhitford/bulwark/internal/services"
	pkghttp "github.com/mwhitford/bulwark/pkg/http"
)

// LoginServiceInterface defines the interface for the login flow
type LoginServiceInterface interface {
	Login(ctx context.Context, identifier, secret, origin string) (*services.LoginResult, error)
	Logout(ctx context.Context, claims *models.TokenClaims, origin string) (string, error)
}

// ChallengeVerifierInterface defines the interface for second-factor verification
type ChallengeVerifierInterface interface {
	VerifyChallenge(ctx context.Context, challengeToken, code, origin string) (string, error)
}

// AuthHandler handles authentication-related HTTP requests
type AuthHandler struct {
	login    LoginServiceInterface
	verifier ChallengeVerifierInterface
	ipConfig *pkghttp.IPConfig
}

// NewAuthHandler creates a new AuthHandler
func NewAuthHandler(login LoginServiceInterface, verifier ChallengeVerifierInterface, ipConfig *pkghttp.IPConfig) *AuthHandler {
	return &AuthHandler{
		login:    login,
		verifier: verifier,
		ipConfig: ipConfig,
	}
}

// Request DTOs

// LoginRequest represents the request body for login
type LoginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

// VerifyRequest represents the request body for second-factor verification
type VerifyRequest struct {
	ChallengeToken string `json:"challenge_token" validate:"required"`
	Code           string `json:"code" validate:"required,min=6,max=11"`
}

// TokenResponse represents a successful authentication response
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
}

// ChallengeResponse is returned when a login still needs its second factor
type ChallengeResponse struct {
	Status         string `json:"status"`
	ChallengeToken string `json:"challenge_token"`
}

// Login handles user login
// @Summary User login
// @Accept json
// @Param request body LoginRequest true "Login request"
// @Produce json
// @Success 200 {object} TokenResponse
// @Failure 401 {object} ErrorResponse
// @Failure 429 {object} ErrorResponse
// @Router /auth/login [post]
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		pkghttp.WriteBadRequest(w, "Invalid request body")
		return
	}
	if err := ValidateRequest(req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	origin := pkghttp.ExtractClientIP(r, h.ipConfig)

	result, err := h.login.Login(r.Context(), req.Email, req.Password, origin)
	if err != nil {
		if errors.Is(err, models.ErrAuthUnavailable) {
			pkghttp.WriteError(w, http.StatusServiceUnavailable, "service_unavailable", "Authentication is temporarily unavailable")
			return
		}
		pkghttp.WriteInternalError(w, "Internal server error")
		return
	}

	switch result.Status {
	case services.LoginOK:
		writeJSON(w, http.StatusOK, TokenResponse{AccessToken: result.AccessToken, TokenType: "Bearer"})
	case services.LoginChallenge:
		writeJSON(w, http.StatusOK, ChallengeResponse{Status: "second_factor_required", ChallengeToken: result.ChallengeToken})
	case services.LoginThrottled:
		pkghttp.WriteRateLimited(w, result.RetryAfter, "rate_limit_exceeded", "Too many attempts. Please try again later.")
	case services.LoginLocked:
		minutes := int(math.Ceil(result.RetryAfter.Minutes()))
		pkghttp.WriteRateLimited(w, result.RetryAfter, "account_locked",
			lockedMessage(minutes))
	default:
		// Unknown identifier and wrong password share this branch and body.
		pkghttp.WriteUnauthorized(w, "Authentication failed")
	}
}

func lockedMessage(minutes int) string {
	if minutes <= 1 {
		return "Account temporarily locked. Please try again in about a minute."
	}
	return "Account temporarily locked. Please try again in about " + strconv.Itoa(minutes) + " minutes."
}

// Verify handles second-factor verification
// @Summary Verify second factor
// @Accept json
// @Param request body VerifyRequest true "Verify request"
// @Produce json
// @Success 200 {object} TokenResponse
// @Failure 401 {object} ErrorResponse
// @Failure 429 {object} ErrorResponse
// @Router /auth/2fa/verify [post]
func (h *AuthHandler) Verify(w http.ResponseWriter, r *http.Request) {
	var req VerifyRequest

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		pkghttp.WriteBadRequest(w, "Invalid request body")
		return
	}
	if err := ValidateRequest(req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	origin := pkghttp.ExtractClientIP(r, h.ipConfig)

	accessToken, err := h.verifier.VerifyChallenge(r.Context(), req.ChallengeToken, req.Code, origin)
	if err != nil {
		switch {
		case errors.Is(err, models.ErrChallengeExpired):
			pkghttp.WriteUnauthorized(w, "Challenge expired. Please sign in again.")
		case errors.Is(err, models.ErrInvalidCode):
			pkghttp.WriteUnauthorized(w, "Invalid code")
		case errors.Is(err, models.ErrCodeRateLimited):
			pkghttp.WriteTooManyRequests(w, "Too many attempts. Please sign in again.")
		case errors.Is(err, models.ErrTwoFactorNotSetUp):
			pkghttp.WriteBadRequest(w, "Two-factor authentication is not set up")
		case errors.Is(err, models.ErrUnauthorized):
			pkghttp.WriteUnauthorized(w, "Authentication failed")
		default:
			pkghttp.WriteInternalError(w, "Internal server error")
		}
		return
	}

	writeJSON(w, http.StatusOK, TokenResponse{AccessToken: accessToken, TokenType: "Bearer"})
}

// Logout handles user logout
// @Summary User logout
// @Security BearerAuth
// @Produce json
// @Success 200 {object} TokenResponse
// @Success 204
// @Failure 401 {object} ErrorResponse
// @Router /auth/logout [post]
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetUserFromContext(r)
	if claims == nil {
		pkghttp.WriteUnauthorized(w, "unauthorized")
		return
	}

	origin := pkghttp.ExtractClientIP(r, h.ipConfig)

	restored, err := h.login.Logout(r.Context(), claims, origin)
	if err != nil {
		if errors.Is(err, models.ErrUnauthorized) {
			pkghttp.WriteUnauthorized(w, "unauthorized")
			return
		}
		pkghttp.WriteInternalError(w, "Internal server error")
		return
	}

	// A logout inside an impersonation session restores the admin's own
	// identity instead of ending everything.
	if restored != "" {
		writeJSON(w, http.StatusOK, TokenResponse{AccessToken: restored, TokenType: "Bearer"})
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
