package services

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/mwhitford/bulwark/internal/auth"
	"github.com/mwhitford/bulwark/internal/models"
	pkglogger "github.com/mwhitford/bulwark/pkg/logger"
)

// ImpersonationStore persists impersonation sessions.
type ImpersonationStore interface {
	Create(ctx context.Context, session *models.ImpersonationSession) error
	GetByID(ctx context.Context, id string) (*models.ImpersonationSession, error)
	UpdateExpiry(ctx context.Context, id string, expiresAt time.Time) error
	Terminate(ctx context.Context, id string, at time.Time, reason models.TerminationReason) error
	CountActive(ctx context.Context, now time.Time) (int, error)
	CountActiveByAdmin(ctx context.Context, adminID string, now time.Time) (int, error)
	ListActive(ctx context.Context, now time.Time) ([]*models.ImpersonationSession, error)
	ListExpired(ctx context.Context, now time.Time) ([]*models.ImpersonationSession, error)
	DeleteTerminatedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// ImpersonationConfig holds the policy knobs for admin impersonation.
type ImpersonationConfig struct {
	// DefaultDuration is the lifetime of a new session; an extension grants a
	// fresh window of the same length from the moment it is requested.
	DefaultDuration time.Duration
	// GlobalCeiling and PerAdminCeiling bound concurrent live sessions.
	GlobalCeiling   int
	PerAdminCeiling int
	// BlockedTargetRoles are roles that may never be impersonated.
	BlockedTargetRoles []string
	// RequireTwoFactor refuses to start sessions for admins without a
	// confirmed second factor.
	RequireTwoFactor bool
	// NotifyTarget controls whether the target gets an email when a session
	// starts.
	NotifyTarget bool
}

// StartResult is a freshly created session plus the token acting as the
// target.
type StartResult struct {
	Session     *models.ImpersonationSession
	AccessToken string
}

// ImpersonationService manages the lifecycle of admin impersonation sessions:
// guarded creation, extension, idempotent termination, lazy expiry, and the
// background sweep.
type ImpersonationService struct {
	store    ImpersonationStore
	users    UserStore
	tokens   *auth.TokenManager
	recorder *SecurityRecorder
	notifier NotifyService
	config   ImpersonationConfig
	logger   *slog.Logger
	now      func() time.Time

	// startMu serializes Start so the ceiling checks and the insert are one
	// unit. Session creation is a rare admin action; the lock is never hot.
	startMu sync.Mutex
}

// NewImpersonationService creates a new ImpersonationService
func NewImpersonationService(
	store ImpersonationStore,
	users UserStore,
	tokens *auth.TokenManager,
	recorder *SecurityRecorder,
	notifier NotifyService,
	config ImpersonationConfig,
	logger *slog.Logger,
) *ImpersonationService {
	return &ImpersonationService{
		store:    store,
		users:    users,
		tokens:   tokens,
		recorder: recorder,
		notifier: notifier,
		config:   config,
		logger:   logger,
		now:      time.Now,
	}
}

// SetClock injects a clock, for tests.
func (s *ImpersonationService) SetClock(now func() time.Time) {
	s.now = now
}

// Start creates a new impersonation session for admin over target and issues
// the impersonation token. Every policy guard runs before anything persists.
func (s *ImpersonationService) Start(ctx context.Context, adminID, targetID, origin string) (*StartResult, error) {
	// Guard order is part of the contract: role screening, then self, then
	// the admin's second factor, then the ceilings.
	target, err := s.users.FindByID(ctx, targetID)
	if err != nil {
		return nil, err
	}
	for _, blocked := range s.config.BlockedTargetRoles {
		if target.Role == blocked {
			s.recorder.RecordDenial(ctx, models.AuditEventImpersonationStart, adminID, origin, "target role blocked")
			return nil, models.ErrTargetRoleBlocked
		}
	}

	if adminID == targetID {
		return nil, models.ErrTargetIsSelf
	}

	admin, err := s.users.FindByID(ctx, adminID)
	if err != nil {
		return nil, err
	}
	if s.config.RequireTwoFactor && !admin.TwoFactorEnabled() {
		s.recorder.RecordDenial(ctx, models.AuditEventImpersonationStart, adminID, origin, "admin lacks second factor")
		return nil, models.ErrAdminLacksTwoFactor
	}

	s.startMu.Lock()
	defer s.startMu.Unlock()

	now := s.now()
	if total, err := s.store.CountActive(ctx, now); err != nil {
		return nil, err
	} else if total >= s.config.GlobalCeiling {
		s.recorder.RecordDenial(ctx, models.AuditEventImpersonationStart, adminID, origin, "global ceiling reached")
		return nil, models.ErrGlobalCeilingReached
	}
	if mine, err := s.store.CountActiveByAdmin(ctx, adminID, now); err != nil {
		return nil, err
	} else if mine >= s.config.PerAdminCeiling {
		s.recorder.RecordDenial(ctx, models.AuditEventImpersonationStart, adminID, origin, "per-admin ceiling reached")
		return nil, models.ErrPerAdminCeilingReached
	}

	session := &models.ImpersonationSession{
		AdminUserID:  adminID,
		TargetUserID: targetID,
		StartedAt:    now,
		ExpiresAt:    now.Add(s.config.DefaultDuration),
	}
	if err := s.store.Create(ctx, session); err != nil {
		return nil, err
	}

	token, err := s.tokens.GenerateImpersonationToken(adminID, targetID, target.Email, session.ID)
	if err != nil {
		// Roll the session back; a session with no usable token would pin a
		// ceiling slot until the sweeper found it.
		_ = s.store.Terminate(ctx, session.ID, now, models.TerminationManual)
		return nil, models.ErrInternalServer
	}

	s.recorder.Record(ctx, &models.AuditEvent{
		EventType: models.AuditEventImpersonationStart,
		ActorID:   &adminID,
		TargetID:  &targetID,
		Success:   true,
		IPAddress: &origin,
		Metadata:  models.AuditMetadata{"session_id": session.ID, "expires_at": session.ExpiresAt},
	})

	if s.config.NotifyTarget && s.notifier != nil {
		if err := s.notifier.SendImpersonationNotice(ctx, target.Email, session.StartedAt); err != nil {
			s.logger.Error("failed to send impersonation notice",
				slog.String("email", pkglogger.SanitizedEmail(target.Email)),
				slog.Any("error", err))
		}
	}

	return &StartResult{Session: session, AccessToken: token}, nil
}

// Extend resets the session deadline to now plus the configured duration, as
// if the session had just been started. started_at is never touched. Only the
// owning admin may extend, and only while the session is still live.
func (s *ImpersonationService) Extend(ctx context.Context, sessionID, adminID, origin string) (*models.ImpersonationSession, error) {
	session, err := s.store.GetByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.AdminUserID != adminID {
		return nil, models.ErrForbidden
	}

	now := s.now()
	if session.TerminatedAt != nil {
		return nil, models.ErrSessionTerminated
	}
	if session.Expired(now) {
		s.lazyExpire(ctx, session)
		return nil, models.ErrSessionTerminated
	}

	newExpiry := now.Add(s.config.DefaultDuration)
	if err := s.store.UpdateExpiry(ctx, sessionID, newExpiry); err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, models.ErrSessionTerminated
		}
		return nil, err
	}
	session.ExpiresAt = newExpiry

	s.recorder.Record(ctx, &models.AuditEvent{
		EventType: models.AuditEventImpersonationExtend,
		ActorID:   &adminID,
		TargetID:  &session.TargetUserID,
		Success:   true,
		IPAddress: &origin,
		Metadata:  models.AuditMetadata{"session_id": session.ID, "expires_at": newExpiry},
	})
	return session, nil
}

// Terminate ends a session with the manual reason. Terminating an already
// terminated session is a no-op success; the first reason stands.
func (s *ImpersonationService) Terminate(ctx context.Context, sessionID, adminID, origin string) error {
	session, err := s.store.GetByID(ctx, sessionID)
	if err != nil {
		return err
	}
	if session.AdminUserID != adminID {
		return models.ErrForbidden
	}
	if session.TerminatedAt != nil {
		return nil
	}

	if err := s.store.Terminate(ctx, sessionID, s.now(), models.TerminationManual); err != nil {
		return err
	}

	s.recorder.Record(ctx, &models.AuditEvent{
		EventType: models.AuditEventImpersonationEnd,
		ActorID:   &adminID,
		TargetID:  &session.TargetUserID,
		Success:   true,
		IPAddress: &origin,
		Metadata:  models.AuditMetadata{"session_id": sessionID, "reason": string(models.TerminationManual)},
	})
	return nil
}

// TerminateForLogout ends a session because the impersonating admin logged
// out, restoring their own identity.
func (s *ImpersonationService) TerminateForLogout(ctx context.Context, sessionID string) (*models.ImpersonationSession, error) {
	session, err := s.store.GetByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.TerminatedAt != nil {
		return session, nil
	}

	if err := s.store.Terminate(ctx, sessionID, s.now(), models.TerminationLogoutRestore); err != nil {
		return nil, err
	}

	s.recorder.Record(ctx, &models.AuditEvent{
		EventType: models.AuditEventImpersonationEnd,
		ActorID:   &session.AdminUserID,
		TargetID:  &session.TargetUserID,
		Success:   true,
		Metadata:  models.AuditMetadata{"session_id": sessionID, "reason": string(models.TerminationLogoutRestore)},
	})
	return session, nil
}

// IsActive reports whether the session may still be used. Expiry is enforced
// here, on the request path: a session past its deadline is refused and
// terminated immediately, whether or not the sweeper has caught it yet.
func (s *ImpersonationService) IsActive(ctx context.Context, sessionID string) (bool, error) {
	session, err := s.store.GetByID(ctx, sessionID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return false, nil
		}
		return false, err
	}

	now := s.now()
	if session.Active(now) {
		return true, nil
	}
	if session.Expired(now) {
		s.lazyExpire(ctx, session)
	}
	return false, nil
}

// GetSession returns a session by id.
func (s *ImpersonationService) GetSession(ctx context.Context, sessionID string) (*models.ImpersonationSession, error) {
	return s.store.GetByID(ctx, sessionID)
}

// ListActive returns all live sessions for the admin overview.
func (s *ImpersonationService) ListActive(ctx context.Context) ([]*models.ImpersonationSession, error) {
	return s.store.ListActive(ctx, s.now())
}

// SweepExpired persists the terminal state for sessions whose deadline has
// passed. The sweep is a janitor: enforcement does not depend on it, since
// IsActive refuses expired sessions on its own.
func (s *ImpersonationService) SweepExpired(ctx context.Context) int {
	expired, err := s.store.ListExpired(ctx, s.now())
	if err != nil {
		s.logger.Error("failed to list expired impersonation sessions", slog.Any("error", err))
		return 0
	}

	swept := 0
	for _, session := range expired {
		s.lazyExpire(ctx, session)
		swept++
	}
	if swept > 0 {
		s.logger.Info("swept expired impersonation sessions", slog.Int("count", swept))
	}
	return swept
}

// CleanupTerminated purges terminated session rows older than the retention
// window.
func (s *ImpersonationService) CleanupTerminated(ctx context.Context, retention time.Duration) (int64, error) {
	return s.store.DeleteTerminatedBefore(ctx, s.now().Add(-retention))
}

// lazyExpire records the expired terminal state. The guarded update in the
// store means a racing manual terminate wins and its reason survives.
func (s *ImpersonationService) lazyExpire(ctx context.Context, session *models.ImpersonationSession) {
	if err := s.store.Terminate(ctx, session.ID, session.ExpiresAt, models.TerminationExpired); err != nil {
		s.logger.Error("failed to expire impersonation session",
			slog.String("session_id", session.ID),
			slog.Any("error", err))
		return
	}

	s.recorder.Record(ctx, &models.AuditEvent{
		EventType: models.AuditEventImpersonationEnd,
		ActorID:   &session.AdminUserID,
		TargetID:  &session.TargetUserID,
		Success:   true,
		Metadata:  models.AuditMetadata{"session_id": session.ID, "reason": string(models.TerminationExpired)},
	})
}
