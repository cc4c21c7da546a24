package services

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/mwhitford/bulwark/internal/auth"
	"github.com/mwhitford/bulwark/internal/models"
	"github.com/mwhitford/bulwark/internal/ratelimit"
	pkglogger "github.com/mwhitford/bulwark/pkg/logger"
)

// TwoFactorUserStore is the slice of the user directory the two-factor flow
// needs.
type TwoFactorUserStore interface {
	FindByID(ctx context.Context, id string) (*models.UserRecord, error)
	SetTwoFactorSecret(ctx context.Context, userID string, secret, nonce []byte) error
	ConfirmTwoFactor(ctx context.Context, userID string, at time.Time) error
	TouchTwoFactorUse(ctx context.Context, userID string, at time.Time) error
}

// CodeVerifier generates and checks one-time code secrets. Implemented by
// auth.TOTPManager; the service never sees plaintext secrets.
type CodeVerifier interface {
	GenerateSecret(accountEmail string) (encrypted, nonce []byte, qrDataURL string, err error)
	Validate(encryptedSecret, nonce []byte, code string, lastUsedAt *time.Time) (bool, error)
}

// RecoveryCodeStore persists hashed single-use recovery codes.
type RecoveryCodeStore interface {
	Replace(ctx context.Context, userID string, codeHashes []string) error
	ListUnused(ctx context.Context, userID string) ([]*models.RecoveryCode, error)
	Consume(ctx context.Context, codeID string, at time.Time) (bool, error)
	CountUnused(ctx context.Context, userID string) (int, error)
}

// TwoFactorConfig tunes the challenge state machine.
type TwoFactorConfig struct {
	// MaxAttempts bounds code submissions per challenge before the challenge
	// burns out.
	MaxAttempts int
	// AttemptDecay is how long attempt counts persist; it should cover at
	// least the challenge token lifetime.
	AttemptDecay time.Duration
	// RecoveryCodeCount is how many codes a new enrollment gets.
	RecoveryCodeCount int
	// RecoveryCodeWarnAt triggers a low-codes notice at or below this count.
	RecoveryCodeWarnAt int
}

// TwoFactorService runs the second-factor challenge state machine and the
// enrollment flow. Challenges are stateless JWTs; per-challenge attempt
// counts and single-use marks live in the counter store keyed by token id.
type TwoFactorService struct {
	users    TwoFactorUserStore
	codes    RecoveryCodeStore
	totp     CodeVerifier
	tokens   *auth.TokenManager
	counters *ratelimit.Store
	login    *LoginService
	recorder *SecurityRecorder
	notifier NotifyService
	config   TwoFactorConfig
	logger   *slog.Logger
	now      func() time.Time
}

// NewTwoFactorService creates a new TwoFactorService
func NewTwoFactorService(
	users TwoFactorUserStore,
	codes RecoveryCodeStore,
	totp CodeVerifier,
	tokens *auth.TokenManager,
	counters *ratelimit.Store,
	login *LoginService,
	recorder *SecurityRecorder,
	notifier NotifyService,
	config TwoFactorConfig,
	logger *slog.Logger,
) *TwoFactorService {
	return &TwoFactorService{
		users:    users,
		codes:    codes,
		totp:     totp,
		tokens:   tokens,
		counters: counters,
		login:    login,
		recorder: recorder,
		notifier: notifier,
		config:   config,
		logger:   logger,
		now:      time.Now,
	}
}

// SetClock injects a clock, for tests.
func (s *TwoFactorService) SetClock(now func() time.Time) {
	s.now = now
}

func challengeAttemptKey(jti string) string { return "2fa:att:" + jti }
func challengeUsedKey(jti string) string    { return "2fa:used:" + jti }

// VerifyChallenge checks a submitted code against an outstanding challenge
// and, on success, completes the login. A challenge is single use: once it
// verifies, replaying the same token fails even inside its lifetime.
func (s *TwoFactorService) VerifyChallenge(ctx context.Context, challengeToken, code, origin string) (string, error) {
	claims, err := s.tokens.ValidateToken(challengeToken, models.TokenTypeChallenge)
	if err != nil {
		return "", models.ErrChallengeExpired
	}
	jti := claims.RegisteredClaims.ID

	if s.counters.Count(challengeUsedKey(jti)) > 0 {
		return "", models.ErrChallengeExpired
	}

	if s.counters.Count(challengeAttemptKey(jti)) >= s.config.MaxAttempts {
		s.recorder.RecordDenial(ctx, models.AuditEventChallengeFailed, claims.UserID, origin, "attempt limit reached")
		return "", models.ErrCodeRateLimited
	}

	user, err := s.users.FindByID(ctx, claims.UserID)
	if err != nil {
		return "", models.ErrUnauthorized
	}
	if !user.TwoFactorEnabled() {
		return "", models.ErrTwoFactorNotSetUp
	}

	matched, usedRecovery, err := s.checkCode(ctx, user, code)
	if err != nil {
		return "", err
	}

	if !matched {
		s.counters.Hit(challengeAttemptKey(jti), s.config.AttemptDecay)
		s.recorder.RecordDenial(ctx, models.AuditEventChallengeFailed, user.ID, origin, "invalid code")
		return "", models.ErrInvalidCode
	}

	s.counters.Hit(challengeUsedKey(jti), s.config.AttemptDecay)

	if !usedRecovery {
		if err := s.users.TouchTwoFactorUse(ctx, user.ID, s.now()); err != nil {
			s.logger.Error("failed to record TOTP use", slog.Any("error", err))
		}
	}

	s.recorder.Record(ctx, &models.AuditEvent{
		EventType: models.AuditEventChallengeVerified,
		ActorID:   &user.ID,
		Success:   true,
		IPAddress: &origin,
		Metadata:  models.AuditMetadata{"recovery_code": usedRecovery},
	})

	return s.login.FinishChallenge(ctx, user, origin)
}

// checkCode tries the submitted code first as a TOTP code, then as a recovery
// code. Recovery consumption is a guarded update, so two racing submissions
// of the same code get exactly one success.
func (s *TwoFactorService) checkCode(ctx context.Context, user *models.UserRecord, code string) (matched, usedRecovery bool, err error) {
	code = strings.TrimSpace(code)

	if !strings.Contains(code, "-") {
		ok, err := s.totp.Validate(user.TwoFactorSecret, user.TwoFactorSecretNonce, code, user.TwoFactorLastUsedAt)
		if err != nil {
			s.logger.Warn("TOTP validation error", slog.Any("error", err))
			return false, false, nil
		}
		return ok, false, nil
	}

	unused, err := s.codes.ListUnused(ctx, user.ID)
	if err != nil {
		return false, false, models.ErrInternalServer
	}

	normalized := strings.ToUpper(code)
	for _, rc := range unused {
		if bcrypt.CompareHashAndPassword([]byte(rc.CodeHash), []byte(normalized)) != nil {
			continue
		}
		consumed, err := s.codes.Consume(ctx, rc.ID, s.now())
		if err != nil {
			return false, false, models.ErrInternalServer
		}
		if !consumed {
			// Another submission won the race; this one counts as a miss.
			return false, false, nil
		}
		s.afterRecoveryUse(ctx, user)
		return true, true, nil
	}
	return false, false, nil
}

// afterRecoveryUse records the consumption and warns when the user is running
// out of codes.
func (s *TwoFactorService) afterRecoveryUse(ctx context.Context, user *models.UserRecord) {
	s.recorder.Record(ctx, &models.AuditEvent{
		EventType: models.AuditEventRecoveryCodeUsed,
		ActorID:   &user.ID,
		Success:   true,
	})

	remaining, err := s.codes.CountUnused(ctx, user.ID)
	if err != nil || remaining > s.config.RecoveryCodeWarnAt {
		return
	}

	s.recorder.Record(ctx, &models.AuditEvent{
		EventType: models.AuditEventRecoveryCodesLow,
		ActorID:   &user.ID,
		Success:   true,
		Metadata:  models.AuditMetadata{"remaining": remaining},
	})
	if s.notifier != nil {
		if err := s.notifier.SendRecoveryCodesLowNotice(ctx, user.Email, remaining); err != nil {
			s.logger.Error("failed to send low recovery codes notice",
				slog.String("email", pkglogger.SanitizedEmail(user.Email)),
				slog.Any("error", err))
		}
	}
}

// EnrollmentResult carries what the user needs to finish setting up their
// authenticator: the provisioning QR and the one-time view of their recovery
// codes.
type EnrollmentResult struct {
	QRCodeDataURL string
	RecoveryCodes []string
}

// BeginEnrollment generates a new secret and recovery code set for the user.
// The secret stays unconfirmed until ActivateEnrollment proves the user's
// authenticator produces matching codes. Re-running enrollment replaces any
// unconfirmed secret; a confirmed enrollment must not be silently replaced.
func (s *TwoFactorService) BeginEnrollment(ctx context.Context, userID string) (*EnrollmentResult, error) {
	user, err := s.users.FindByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if user.TwoFactorEnabled() {
		return nil, models.ErrTwoFactorConfirmed
	}

	secret, nonce, qrDataURL, err := s.totp.GenerateSecret(user.Email)
	if err != nil {
		return nil, models.ErrInternalServer
	}

	if err := s.users.SetTwoFactorSecret(ctx, user.ID, secret, nonce); err != nil {
		return nil, err
	}

	plainCodes, err := auth.GenerateRecoveryCodes(s.config.RecoveryCodeCount)
	if err != nil {
		return nil, models.ErrInternalServer
	}

	hashes := make([]string, len(plainCodes))
	for i, c := range plainCodes {
		hash, err := bcrypt.GenerateFromPassword([]byte(c), bcrypt.DefaultCost)
		if err != nil {
			return nil, models.ErrInternalServer
		}
		hashes[i] = string(hash)
	}
	if err := s.codes.Replace(ctx, user.ID, hashes); err != nil {
		return nil, err
	}

	return &EnrollmentResult{QRCodeDataURL: qrDataURL, RecoveryCodes: plainCodes}, nil
}

// ActivateEnrollment confirms a pending enrollment once the user submits a
// valid code from their authenticator.
func (s *TwoFactorService) ActivateEnrollment(ctx context.Context, userID, code string) error {
	user, err := s.users.FindByID(ctx, userID)
	if err != nil {
		return err
	}
	if user.TwoFactorEnabled() {
		return models.ErrTwoFactorConfirmed
	}
	if len(user.TwoFactorSecret) == 0 {
		return models.ErrTwoFactorNotSetUp
	}

	ok, err := s.totp.Validate(user.TwoFactorSecret, user.TwoFactorSecretNonce, strings.TrimSpace(code), nil)
	if err != nil || !ok {
		return models.ErrInvalidCode
	}

	if err := s.users.ConfirmTwoFactor(ctx, user.ID, s.now()); err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return models.ErrTwoFactorNotSetUp
		}
		return err
	}

	s.recorder.Record(ctx, &models.AuditEvent{
		EventType: models.AuditEventTwoFactorEnrolled,
		ActorID:   &user.ID,
		Success:   true,
	})
	return nil
}
