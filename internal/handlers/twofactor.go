package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/mwhitford/bulwark/internal/auth"
	"github.com/mwhitford/bulwark/internal/models"
	"github.com/mwhitford/bulwark/internal/services"
	pkghttp "github.com/mwhitford/bulwark/pkg/http"
)

// EnrollmentServiceInterface defines the interface for two-factor enrollment
type EnrollmentServiceInterface interface {
	BeginEnrollment(ctx context.Context, userID string) (*services.EnrollmentResult, error)
	ActivateEnrollment(ctx context.Context, userID, code string) error
}

// TwoFactorHandler handles two-factor enrollment HTTP requests
type TwoFactorHandler struct {
	enrollment EnrollmentServiceInterface
}

// NewTwoFactorHandler creates a new TwoFactorHandler
func NewTwoFactorHandler(enrollment EnrollmentServiceInterface) *TwoFactorHandler {
	return &TwoFactorHandler{enrollment: enrollment}
}

// ActivateRequest represents the request body for confirming enrollment
type ActivateRequest struct {
	Code string `json:"code" validate:"required,len=6"`
}

// EnrollmentResponse carries the provisioning QR and the one-time view of the
// recovery codes.
type EnrollmentResponse struct {
	QRCode        string   `json:"qr_code"`
	RecoveryCodes []string `json:"recovery_codes"`
}

// Setup starts two-factor enrollment for the authenticated user
// @Summary Begin two-factor enrollment
// @Security BearerAuth
// @Produce json
// @Success 200 {object} EnrollmentResponse
// @Failure 401 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Router /auth/2fa/setup [post]
func (h *TwoFactorHandler) Setup(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetUserFromContext(r)
	if claims == nil {
		pkghttp.WriteUnauthorized(w, "unauthorized")
		return
	}

	result, err := h.enrollment.BeginEnrollment(r.Context(), claims.UserID)
	if err != nil {
		switch {
		case errors.Is(err, models.ErrTwoFactorConfirmed):
			pkghttp.WriteConflict(w, "Two-factor authentication is already enabled")
		case errors.Is(err, models.ErrNotFound):
			pkghttp.WriteUnauthorized(w, "unauthorized")
		default:
			pkghttp.WriteInternalError(w, "Internal server error")
		}
		return
	}

	writeJSON(w, http.StatusOK, EnrollmentResponse{
		QRCode:        result.QRCodeDataURL,
		RecoveryCodes: result.RecoveryCodes,
	})
}

// Activate confirms a pending enrollment
// @Summary Activate two-factor enrollment
// @Accept json
// @Security BearerAuth
// @Param request body ActivateRequest true "Activate request"
// @Success 204
// @Failure 400 {object} ErrorResponse
// @Failure 401 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Router /auth/2fa/activate [post]
func (h *TwoFactorHandler) Activate(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetUserFromContext(r)
	if claims == nil {
		pkghttp.WriteUnauthorized(w, "unauthorized")
		return
	}

	var req ActivateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		pkghttp.WriteBadRequest(w, "Invalid request body")
		return
	}
	if err := ValidateRequest(req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	if err := h.enrollment.ActivateEnrollment(r.Context(), claims.UserID, req.Code); err != nil {
		switch {
		case errors.Is(err, models.ErrInvalidCode):
			pkghttp.WriteBadRequest(w, "Invalid code")
		case errors.Is(err, models.ErrTwoFactorConfirmed):
			pkghttp.WriteConflict(w, "Two-factor authentication is already enabled")
		case errors.Is(err, models.ErrTwoFactorNotSetUp):
			pkghttp.WriteConflict(w, "No pending enrollment. Call setup first.")
		case errors.Is(err, models.ErrNotFound):
			pkghttp.WriteUnauthorized(w, "unauthorized")
		default:
			pkghttp.WriteInternalError(w, "Internal server error")
		}
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
