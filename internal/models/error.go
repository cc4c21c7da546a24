package models

import "errors"

// Sentinel errors for common failure conditions
var (
	ErrNotFound       = errors.New("resource not found")
	ErrConflict       = errors.New("resource already exists")
	ErrUnauthorized   = errors.New("unauthorized")
	ErrForbidden      = errors.New("forbidden")
	ErrBadRequest     = errors.New("bad request")
	ErrInternalServer = errors.New("internal server error")

	// Login outcomes that are expected, not exceptional
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrAuthUnavailable    = errors.New("authentication temporarily unavailable")

	// Two-factor challenge errors
	ErrChallengeExpired   = errors.New("two-factor challenge expired")
	ErrInvalidCode        = errors.New("invalid verification code")
	ErrCodeRateLimited    = errors.New("too many code submissions")
	ErrTwoFactorNotSetUp  = errors.New("two-factor authentication not set up")
	ErrTwoFactorConfirmed = errors.New("two-factor authentication already confirmed")

	// Impersonation precondition violations
	ErrTargetRoleBlocked      = errors.New("target role cannot be impersonated")
	ErrTargetIsSelf           = errors.New("cannot impersonate yourself")
	ErrAdminLacksTwoFactor    = errors.New("admin must have two-factor authentication confirmed")
	ErrGlobalCeilingReached   = errors.New("global impersonation ceiling reached")
	ErrPerAdminCeilingReached = errors.New("per-admin impersonation ceiling reached")
	ErrSessionTerminated      = errors.New("impersonation session already terminated")
)
