package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mwhitford/bulwark/internal/auth"
	"github.com/mwhitford/bulwark/internal/models"
	"github.com/mwhitford/bulwark/internal/services"
	pkghttp "github.com/mwhitford/bulwark/pkg/http"
)

// ImpersonationServiceInterface defines the interface for session management
type ImpersonationServiceInterface interface {
	Start(ctx context.Context, adminID, targetID, origin string) (*services.StartResult, error)
	Extend(ctx context.Context, sessionID, adminID, origin string) (*models.ImpersonationSession, error)
	Terminate(ctx context.Context, sessionID, adminID, origin string) error
	GetSession(ctx context.Context, sessionID string) (*models.ImpersonationSession, error)
	ListActive(ctx context.Context) ([]*models.ImpersonationSession, error)
}

// ImpersonationHandler handles admin impersonation HTTP requests
type ImpersonationHandler struct {
	service  ImpersonationServiceInterface
	ipConfig *pkghttp.IPConfig
}

// NewImpersonationHandler creates a new ImpersonationHandler
func NewImpersonationHandler(service ImpersonationServiceInterface, ipConfig *pkghttp.IPConfig) *ImpersonationHandler {
	return &ImpersonationHandler{service: service, ipConfig: ipConfig}
}

// StartImpersonationRequest represents the request body for starting a session
type StartImpersonationRequest struct {
	TargetUserID string `json:"target_user_id" validate:"required"`
}

// SessionResponse represents an impersonation session
type SessionResponse struct {
	ID                string     `json:"id"`
	AdminUserID       string     `json:"admin_user_id"`
	TargetUserID      string     `json:"target_user_id"`
	StartedAt         time.Time  `json:"started_at"`
	ExpiresAt         time.Time  `json:"expires_at"`
	TerminatedAt      *time.Time `json:"terminated_at,omitempty"`
	TerminationReason string     `json:"termination_reason,omitempty"`
	Active            bool       `json:"active"`
}

// StartImpersonationResponse is the session plus the token acting as the target
type StartImpersonationResponse struct {
	Session     SessionResponse `json:"session"`
	AccessToken string          `json:"access_token"`
	TokenType   string          `json:"token_type"`
}

func toSessionResponse(s *models.ImpersonationSession) SessionResponse {
	resp := SessionResponse{
		ID:           s.ID,
		AdminUserID:  s.AdminUserID,
		TargetUserID: s.TargetUserID,
		StartedAt:    s.StartedAt,
		ExpiresAt:    s.ExpiresAt,
		TerminatedAt: s.TerminatedAt,
		Active:       s.Active(time.Now()),
	}
	if s.TerminationReason != nil {
		resp.TerminationReason = string(*s.TerminationReason)
	}
	return resp
}

// Start creates a new impersonation session
// @Summary Start impersonating a user
// @Accept json
// @Security BearerAuth
// @Param request body StartImpersonationRequest true "Start request"
// @Produce json
// @Success 201 {object} StartImpersonationResponse
// @Failure 403 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Router /admin/impersonations [post]
func (h *ImpersonationHandler) Start(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetUserFromContext(r)
	if claims == nil {
		pkghttp.WriteUnauthorized(w, "unauthorized")
		return
	}

	var req StartImpersonationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		pkghttp.WriteBadRequest(w, "Invalid request body")
		return
	}
	if err := ValidateRequest(req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	origin := pkghttp.ExtractClientIP(r, h.ipConfig)

	// Principal, not subject: an admin already impersonating someone acts
	// under their own identity here.
	result, err := h.service.Start(r.Context(), claims.Principal(), req.TargetUserID, origin)
	if err != nil {
		switch {
		case errors.Is(err, models.ErrTargetIsSelf):
			pkghttp.WriteBadRequest(w, "Cannot impersonate yourself")
		case errors.Is(err, models.ErrTargetRoleBlocked):
			pkghttp.WriteForbidden(w, "This user cannot be impersonated")
		case errors.Is(err, models.ErrAdminLacksTwoFactor):
			pkghttp.WriteForbidden(w, "Two-factor authentication is required to impersonate users")
		case errors.Is(err, models.ErrGlobalCeilingReached),
			errors.Is(err, models.ErrPerAdminCeilingReached):
			pkghttp.WriteConflict(w, "Too many active impersonation sessions")
		case errors.Is(err, models.ErrNotFound):
			pkghttp.WriteNotFound(w, "User not found")
		default:
			pkghttp.WriteInternalError(w, "Internal server error")
		}
		return
	}

	writeJSON(w, http.StatusCreated, StartImpersonationResponse{
		Session:     toSessionResponse(result.Session),
		AccessToken: result.AccessToken,
		TokenType:   "Bearer",
	})
}

// List returns all active sessions
// @Summary List active impersonation sessions
// @Security BearerAuth
// @Produce json
// @Success 200 {array} SessionResponse
// @Router /admin/impersonations [get]
func (h *ImpersonationHandler) List(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.service.ListActive(r.Context())
	if err != nil {
		pkghttp.WriteInternalError(w, "Internal server error")
		return
	}

	out := make([]SessionResponse, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, toSessionResponse(s))
	}
	writeJSON(w, http.StatusOK, out)
}

// Get returns one session by id
// @Summary Get an impersonation session
// @Security BearerAuth
// @Produce json
// @Success 200 {object} SessionResponse
// @Failure 404 {object} ErrorResponse
// @Router /admin/impersonations/{id} [get]
func (h *ImpersonationHandler) Get(w http.ResponseWriter, r *http.Request) {
	session, err := h.service.GetSession(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			pkghttp.WriteNotFound(w, "Session not found")
			return
		}
		pkghttp.WriteInternalError(w, "Internal server error")
		return
	}
	writeJSON(w, http.StatusOK, toSessionResponse(session))
}

// Extend resets a session deadline to a fresh full window
// @Summary Extend an impersonation session
// @Security BearerAuth
// @Produce json
// @Success 200 {object} SessionResponse
// @Failure 403 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Router /admin/impersonations/{id}/extend [post]
func (h *ImpersonationHandler) Extend(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetUserFromContext(r)
	if claims == nil {
		pkghttp.WriteUnauthorized(w, "unauthorized")
		return
	}

	origin := pkghttp.ExtractClientIP(r, h.ipConfig)

	session, err := h.service.Extend(r.Context(), chi.URLParam(r, "id"), claims.Principal(), origin)
	if err != nil {
		switch {
		case errors.Is(err, models.ErrNotFound):
			pkghttp.WriteNotFound(w, "Session not found")
		case errors.Is(err, models.ErrForbidden):
			pkghttp.WriteForbidden(w, "Only the owning admin may extend a session")
		case errors.Is(err, models.ErrSessionTerminated):
			pkghttp.WriteConflict(w, "Session has already ended")
		default:
			pkghttp.WriteInternalError(w, "Internal server error")
		}
		return
	}
	writeJSON(w, http.StatusOK, toSessionResponse(session))
}

// Terminate ends a session
// @Summary Terminate an impersonation session
// @Security BearerAuth
// @Success 204
// @Failure 403 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Router /admin/impersonations/{id} [delete]
func (h *ImpersonationHandler) Terminate(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetUserFromContext(r)
	if claims == nil {
		pkghttp.WriteUnauthorized(w, "unauthorized")
		return
	}

	origin := pkghttp.ExtractClientIP(r, h.ipConfig)

	if err := h.service.Terminate(r.Context(), chi.URLParam(r, "id"), claims.Principal(), origin); err != nil {
		switch {
		case errors.Is(err, models.ErrNotFound):
			pkghttp.WriteNotFound(w, "Session not found")
		case errors.Is(err, models.ErrForbidden):
			pkghttp.WriteForbidden(w, "Only the owning admin may terminate a session")
		default:
			pkghttp.WriteInternalError(w, "Internal server error")
		}
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
