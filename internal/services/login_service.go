package services

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/mwhitford/bulwark/internal/auth"
	"github.com/mwhitford/bulwark/internal/models"
	pkglogger "github.com/mwhitford/bulwark/pkg/logger"
)

// CredentialVerifier checks a primary credential against the account store.
// It is opaque to the login flow: (false, nil) covers both unknown identifier
// and wrong secret, and only a store outage surfaces as an error.
type CredentialVerifier interface {
	Verify(ctx context.Context, identifier, secret string) (bool, error)
}

// UserStore looks up account records for the login flow.
type UserStore interface {
	FindByIdentifier(ctx context.Context, identifier string) (*models.UserRecord, error)
	FindByID(ctx context.Context, id string) (*models.UserRecord, error)
}

// ImpersonationTerminator ends an impersonation session on behalf of the
// logout path.
type ImpersonationTerminator interface {
	TerminateForLogout(ctx context.Context, sessionID string) (*models.ImpersonationSession, error)
}

// LoginStatus is the outcome of a login attempt.
type LoginStatus int

const (
	// LoginDenied covers unknown identifier and wrong secret alike. The
	// response body never distinguishes them.
	LoginDenied LoginStatus = iota
	LoginThrottled
	LoginLocked
	LoginChallenge
	LoginOK
)

// LoginResult is what the login flow hands back to the transport layer.
type LoginResult struct {
	Status         LoginStatus
	AccessToken    string
	ChallengeToken string
	RetryAfter     time.Duration
	User           *models.UserRecord
}

// LoginService runs the primary authentication flow: throttle check,
// credential verification, lockout bookkeeping, and either an access token or
// a two-factor challenge.
type LoginService struct {
	verifier     CredentialVerifier
	users        UserStore
	throttle     *ThrottleService
	tokens       *auth.TokenManager
	timing       *auth.TimingDelay
	recorder     *SecurityRecorder
	notifier     NotifyService
	impersonator ImpersonationTerminator
	logger       *slog.Logger
}

// NewLoginService creates a new LoginService
func NewLoginService(
	verifier CredentialVerifier,
	users UserStore,
	throttle *ThrottleService,
	tokens *auth.TokenManager,
	timing *auth.TimingDelay,
	recorder *SecurityRecorder,
	notifier NotifyService,
	impersonator ImpersonationTerminator,
	logger *slog.Logger,
) *LoginService {
	return &LoginService{
		verifier:     verifier,
		users:        users,
		throttle:     throttle,
		tokens:       tokens,
		timing:       timing,
		recorder:     recorder,
		notifier:     notifier,
		impersonator: impersonator,
		logger:       logger,
	}
}

// Login processes one authentication attempt from the given origin. The
// throttle policy runs before the verifier so throttled and locked attempts
// never touch the credential store. Counters are only reset once the flow is
// fully complete: a correct password on a two-factor account leaves them
// standing until the second factor verifies.
func (s *LoginService) Login(ctx context.Context, identifier, secret, origin string) (*LoginResult, error) {
	start := time.Now()
	identifier = models.NormalizeIdentifier(identifier)

	decision := s.throttle.Evaluate(ctx, identifier, origin)
	switch decision.Verdict {
	case models.VerdictLocked:
		s.recorder.RecordDenial(ctx, models.AuditEventLoginLocked, "", origin, "account locked")
		s.timing.WaitFrom(start, false)
		return &LoginResult{Status: LoginLocked, RetryAfter: decision.RetryAfter}, nil
	case models.VerdictThrottled:
		s.recorder.RecordDenial(ctx, models.AuditEventLoginThrottled, "", origin, "rate limited")
		s.timing.WaitFrom(start, false)
		return &LoginResult{Status: LoginThrottled, RetryAfter: decision.RetryAfter}, nil
	}

	ok, err := s.verifier.Verify(ctx, identifier, secret)
	if err != nil {
		// Verifier outage is not a failed attempt: nothing is counted and the
		// caller sees a service error, not a credential rejection.
		s.logger.Error("credential verifier unavailable", slog.Any("error", err))
		return nil, models.ErrAuthUnavailable
	}

	if !ok {
		s.noteFailure(ctx, identifier, origin)
		s.timing.WaitFrom(start, false)
		return &LoginResult{Status: LoginDenied}, nil
	}

	user, err := s.users.FindByIdentifier(ctx, identifier)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			s.noteFailure(ctx, identifier, origin)
			s.timing.WaitFrom(start, false)
			return &LoginResult{Status: LoginDenied}, nil
		}
		return nil, models.ErrAuthUnavailable
	}

	if user.TwoFactorEnabled() {
		token, err := s.tokens.GenerateChallengeToken(user.ID, user.Email)
		if err != nil {
			return nil, models.ErrInternalServer
		}
		s.recorder.Record(ctx, &models.AuditEvent{
			EventType: models.AuditEventChallengeIssued,
			ActorID:   &user.ID,
			Success:   true,
			IPAddress: &origin,
		})
		s.timing.WaitFrom(start, true)
		return &LoginResult{Status: LoginChallenge, ChallengeToken: token, User: user}, nil
	}

	s.throttle.NoteSuccess(ctx, identifier, origin)

	token, err := s.tokens.GenerateAccessToken(user.ID, user.Email)
	if err != nil {
		return nil, models.ErrInternalServer
	}

	s.recorder.Record(ctx, &models.AuditEvent{
		EventType: models.AuditEventLoginAllowed,
		ActorID:   &user.ID,
		Success:   true,
		IPAddress: &origin,
	})
	s.timing.WaitFrom(start, true)
	return &LoginResult{Status: LoginOK, AccessToken: token, User: user}, nil
}

// FinishChallenge completes the login flow after the second factor verified:
// throttle state resets and a full access token is issued.
func (s *LoginService) FinishChallenge(ctx context.Context, user *models.UserRecord, origin string) (string, error) {
	s.throttle.NoteSuccess(ctx, user.Email, origin)

	token, err := s.tokens.GenerateAccessToken(user.ID, user.Email)
	if err != nil {
		return "", models.ErrInternalServer
	}

	s.recorder.Record(ctx, &models.AuditEvent{
		EventType: models.AuditEventLoginAllowed,
		ActorID:   &user.ID,
		Success:   true,
		IPAddress: &origin,
		Metadata:  models.AuditMetadata{"second_factor": true},
	})
	return token, nil
}

// Logout ends the caller's session. A logout inside an impersonation session
// is intercepted: the impersonation terminates with the restore reason and
// the admin gets a fresh token for their own identity instead of being signed
// out.
func (s *LoginService) Logout(ctx context.Context, claims *models.TokenClaims, origin string) (string, error) {
	if claims.Impersonating() {
		if _, err := s.impersonator.TerminateForLogout(ctx, claims.ImpersonationSessionID); err != nil && !errors.Is(err, models.ErrNotFound) {
			return "", err
		}

		admin, err := s.users.FindByID(ctx, claims.ActorID)
		if err != nil {
			return "", models.ErrUnauthorized
		}

		token, err := s.tokens.GenerateAccessToken(admin.ID, admin.Email)
		if err != nil {
			return "", models.ErrInternalServer
		}

		s.recorder.Record(ctx, &models.AuditEvent{
			EventType: models.AuditEventLogout,
			ActorID:   &claims.ActorID,
			TargetID:  &claims.UserID,
			Success:   true,
			IPAddress: &origin,
			Metadata:  models.AuditMetadata{"restored": true},
		})
		return token, nil
	}

	s.recorder.Record(ctx, &models.AuditEvent{
		EventType: models.AuditEventLogout,
		ActorID:   &claims.UserID,
		Success:   true,
		IPAddress: &origin,
	})
	return "", nil
}

// noteFailure books one failed attempt and, when the ledger crossed a lockout
// threshold, records the lockout and notifies the account holder.
func (s *LoginService) noteFailure(ctx context.Context, identifier, origin string) {
	record := s.throttle.NoteFailure(ctx, identifier, origin)

	s.recorder.RecordDenial(ctx, models.AuditEventLoginFailed, "", origin, "invalid credentials")

	if record == nil || !record.Locked(time.Now()) {
		return
	}

	s.recorder.Record(ctx, &models.AuditEvent{
		EventType: models.AuditEventAccountLockout,
		Success:   false,
		IPAddress: &origin,
		Metadata:  models.AuditMetadata{"failed_count": record.FailedCount},
	})

	// Only real accounts get mail; the response stays uniform either way.
	user, err := s.users.FindByIdentifier(ctx, identifier)
	if err != nil || s.notifier == nil {
		return
	}
	if err := s.notifier.SendLockoutNotice(ctx, user.Email, *record.LockedUntil); err != nil {
		s.logger.Error("failed to send lockout notice",
			slog.String("email", pkglogger.SanitizedEmail(user.Email)),
			slog.Any("error", err))
	}
}
