package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mwhitford/bulwark/internal/auth"
	"github.com/mwhitford/bulwark/internal/models"
)

// memoryImpersonationStore is an in-memory ImpersonationStore. It mirrors the
// guarded-update semantics of the Postgres repository so race-sensitive tests
// exercise the same behavior.
type memoryImpersonationStore struct {
	mu       sync.Mutex
	sessions map[string]*models.ImpersonationSession
}

func newMemoryImpersonationStore() *memoryImpersonationStore {
	return &memoryImpersonationStore{sessions: make(map[string]*models.ImpersonationSession)}
}

func (s *memoryImpersonationStore) Create(ctx context.Context, session *models.ImpersonationSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if session.ID == "" {
		session.ID = uuid.New().String()
	}
	session.CreatedAt = session.StartedAt
	copied := *session
	s.sessions[session.ID] = &copied
	return nil
}

func (s *memoryImpersonationStore) GetByID(ctx context.Context, id string) (*models.ImpersonationSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	copied := *session
	return &copied, nil
}

func (s *memoryImpersonationStore) UpdateExpiry(ctx context.Context, id string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[id]
	if !ok || session.TerminatedAt != nil {
		return models.ErrNotFound
	}
	session.ExpiresAt = expiresAt
	return nil
}

func (s *memoryImpersonationStore) Terminate(ctx context.Context, id string, at time.Time, reason models.TerminationReason) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[id]
	if !ok || session.TerminatedAt != nil {
		return nil
	}
	session.TerminatedAt = &at
	session.TerminationReason = &reason
	return nil
}

func (s *memoryImpersonationStore) CountActive(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, session := range s.sessions {
		if session.Active(now) {
			count++
		}
	}
	return count, nil
}

func (s *memoryImpersonationStore) CountActiveByAdmin(ctx context.Context, adminID string, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, session := range s.sessions {
		if session.AdminUserID == adminID && session.Active(now) {
			count++
		}
	}
	return count, nil
}

func (s *memoryImpersonationStore) ListActive(ctx context.Context, now time.Time) ([]*models.ImpersonationSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.ImpersonationSession
	for _, session := range s.sessions {
		if session.Active(now) {
			copied := *session
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (s *memoryImpersonationStore) ListExpired(ctx context.Context, now time.Time) ([]*models.ImpersonationSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.ImpersonationSession
	for _, session := range s.sessions {
		if session.Expired(now) {
			copied := *session
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (s *memoryImpersonationStore) DeleteTerminatedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var deleted int64
	for id, session := range s.sessions {
		if session.TerminatedAt != nil && session.TerminatedAt.Before(cutoff) {
			delete(s.sessions, id)
			deleted++
		}
	}
	return deleted, nil
}

type impersonationFixture struct {
	service  *ImpersonationService
	store    *memoryImpersonationStore
	users    *MockUserStore
	notifier *MockNotifyService
	tokens   *auth.TokenManager
	sink     *CaptureAuditSink
	now      time.Time
}

func newImpersonationFixture(t *testing.T, config ImpersonationConfig) *impersonationFixture {
	t.Helper()

	f := &impersonationFixture{
		store:    newMemoryImpersonationStore(),
		users:    &MockUserStore{},
		notifier: &MockNotifyService{},
		tokens:   auth.NewTokenManager("test-signing-secret", time.Hour, 5*time.Minute),
		sink:     &CaptureAuditSink{},
		now:      time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC),
	}

	confirmed := f.now.Add(-24 * time.Hour)
	directory := map[string]*models.UserRecord{
		"admin-1": {ID: "admin-1", Email: "admin1@example.com", Role: "admin",
			TwoFactorSecret: []byte("s"), TwoFactorSecretNonce: []byte("n"), TwoFactorConfirmedAt: &confirmed},
		"admin-2": {ID: "admin-2", Email: "admin2@example.com", Role: "admin",
			TwoFactorSecret: []byte("s"), TwoFactorSecretNonce: []byte("n"), TwoFactorConfirmedAt: &confirmed},
		"plain-admin": {ID: "plain-admin", Email: "plain@example.com", Role: "admin"},
		"user-1":      {ID: "user-1", Email: "user1@example.com", Role: "member"},
		"user-2":      {ID: "user-2", Email: "user2@example.com", Role: "member"},
		"root-1":      {ID: "root-1", Email: "root@example.com", Role: "admin"},
	}
	f.users.FindByIDFunc = func(ctx context.Context, id string) (*models.UserRecord, error) {
		if u, ok := directory[id]; ok {
			return u, nil
		}
		return nil, models.ErrNotFound
	}

	f.service = NewImpersonationService(
		f.store, f.users, f.tokens, testRecorder(f.sink), f.notifier, config, testLogger(),
	)
	f.service.SetClock(func() time.Time { return f.now })
	return f
}

func defaultImpersonationConfig() ImpersonationConfig {
	return ImpersonationConfig{
		DefaultDuration:    30 * time.Minute,
		GlobalCeiling:      5,
		PerAdminCeiling:    2,
		BlockedTargetRoles: []string{"admin"},
		RequireTwoFactor:   true,
		NotifyTarget:       true,
	}
}

func TestImpersonationService_StartIssuesScopedToken(t *testing.T) {
	f := newImpersonationFixture(t, defaultImpersonationConfig())

	var noticedEmail string
	f.notifier.SendImpersonationNoticeFunc = func(ctx context.Context, email string, startedAt time.Time) error {
		noticedEmail = email
		return nil
	}

	result, err := f.service.Start(context.Background(), "admin-1", "user-1", "203.0.113.7")
	require.NoError(t, err)
	assert.Equal(t, "admin-1", result.Session.AdminUserID)
	assert.Equal(t, "user-1", result.Session.TargetUserID)
	assert.Equal(t, f.now.Add(30*time.Minute), result.Session.ExpiresAt)

	claims, err := f.tokens.ValidateToken(result.AccessToken, models.TokenTypeAccess)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.UserID)
	assert.Equal(t, "admin-1", claims.ActorID)
	assert.Equal(t, result.Session.ID, claims.ImpersonationSessionID)
	assert.True(t, claims.Impersonating())
	assert.Equal(t, "admin-1", claims.Principal())

	assert.Equal(t, "user1@example.com", noticedEmail)
	assert.True(t, f.sink.Has(models.AuditEventImpersonationStart))
}

func TestImpersonationService_StartGuards(t *testing.T) {
	f := newImpersonationFixture(t, defaultImpersonationConfig())
	ctx := context.Background()

	_, err := f.service.Start(ctx, "admin-1", "root-1", "203.0.113.7")
	assert.ErrorIs(t, err, models.ErrTargetRoleBlocked)

	// Role screening runs first, so a blocked self-target reports the role.
	_, err = f.service.Start(ctx, "admin-1", "admin-1", "203.0.113.7")
	assert.ErrorIs(t, err, models.ErrTargetRoleBlocked)

	_, err = f.service.Start(ctx, "plain-admin", "user-1", "203.0.113.7")
	assert.ErrorIs(t, err, models.ErrAdminLacksTwoFactor)

	_, err = f.service.Start(ctx, "admin-1", "ghost", "203.0.113.7")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestImpersonationService_StartGuardOrder(t *testing.T) {
	config := defaultImpersonationConfig()
	config.BlockedTargetRoles = nil
	f := newImpersonationFixture(t, config)
	ctx := context.Background()

	// With no role block in the way, the self check fires next.
	_, err := f.service.Start(ctx, "admin-1", "admin-1", "203.0.113.7")
	assert.ErrorIs(t, err, models.ErrTargetIsSelf)

	// The self check precedes the second-factor check.
	_, err = f.service.Start(ctx, "plain-admin", "plain-admin", "203.0.113.7")
	assert.ErrorIs(t, err, models.ErrTargetIsSelf)
}

func TestImpersonationService_PerAdminCeiling(t *testing.T) {
	config := defaultImpersonationConfig()
	config.PerAdminCeiling = 1
	f := newImpersonationFixture(t, config)
	ctx := context.Background()

	_, err := f.service.Start(ctx, "admin-1", "user-1", "203.0.113.7")
	require.NoError(t, err)

	_, err = f.service.Start(ctx, "admin-1", "user-2", "203.0.113.7")
	assert.ErrorIs(t, err, models.ErrPerAdminCeilingReached)

	// A different admin still has room.
	_, err = f.service.Start(ctx, "admin-2", "user-1", "203.0.113.7")
	assert.NoError(t, err)
}

func TestImpersonationService_GlobalCeiling(t *testing.T) {
	config := defaultImpersonationConfig()
	config.GlobalCeiling = 2
	f := newImpersonationFixture(t, config)
	ctx := context.Background()

	_, err := f.service.Start(ctx, "admin-1", "user-1", "203.0.113.7")
	require.NoError(t, err)
	_, err = f.service.Start(ctx, "admin-1", "user-2", "203.0.113.7")
	require.NoError(t, err)

	_, err = f.service.Start(ctx, "admin-2", "user-1", "203.0.113.7")
	assert.ErrorIs(t, err, models.ErrGlobalCeilingReached)
}

func TestImpersonationService_ConcurrentStartsRespectCeiling(t *testing.T) {
	config := defaultImpersonationConfig()
	config.PerAdminCeiling = 2
	config.GlobalCeiling = 100
	f := newImpersonationFixture(t, config)

	const attempts = 16
	var wg sync.WaitGroup
	results := make([]error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.service.Start(context.Background(), "admin-1", "user-1", "203.0.113.7")
			results[i] = err
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range results {
		if err == nil {
			succeeded++
		} else {
			assert.ErrorIs(t, err, models.ErrPerAdminCeilingReached)
		}
	}
	assert.Equal(t, 2, succeeded)

	active, err := f.store.CountActiveByAdmin(context.Background(), "admin-1", f.now)
	require.NoError(t, err)
	assert.Equal(t, 2, active)
}

func TestImpersonationService_ExtendResetsDeadline(t *testing.T) {
	f := newImpersonationFixture(t, defaultImpersonationConfig())
	ctx := context.Background()

	result, err := f.service.Start(ctx, "admin-1", "user-1", "203.0.113.7")
	require.NoError(t, err)
	started := result.Session.StartedAt

	// 29 minutes into a 30-minute session, an extension grants a fresh
	// 30-minute window from now, not a bump on the old deadline.
	f.now = f.now.Add(29 * time.Minute)
	session, err := f.service.Extend(ctx, result.Session.ID, "admin-1", "203.0.113.7")
	require.NoError(t, err)
	assert.Equal(t, f.now.Add(30*time.Minute), session.ExpiresAt)
	assert.Equal(t, started, session.StartedAt)

	// Repeat extensions always land on now plus the configured duration.
	session, err = f.service.Extend(ctx, result.Session.ID, "admin-1", "203.0.113.7")
	require.NoError(t, err)
	assert.Equal(t, f.now.Add(30*time.Minute), session.ExpiresAt)
}

func TestImpersonationService_ExtendGuards(t *testing.T) {
	f := newImpersonationFixture(t, defaultImpersonationConfig())
	ctx := context.Background()

	result, err := f.service.Start(ctx, "admin-1", "user-1", "203.0.113.7")
	require.NoError(t, err)

	_, err = f.service.Extend(ctx, result.Session.ID, "admin-2", "203.0.113.7")
	assert.ErrorIs(t, err, models.ErrForbidden)

	require.NoError(t, f.service.Terminate(ctx, result.Session.ID, "admin-1", "203.0.113.7"))
	_, err = f.service.Extend(ctx, result.Session.ID, "admin-1", "203.0.113.7")
	assert.ErrorIs(t, err, models.ErrSessionTerminated)
}

func TestImpersonationService_ExtendExpiredSessionFails(t *testing.T) {
	f := newImpersonationFixture(t, defaultImpersonationConfig())
	ctx := context.Background()

	result, err := f.service.Start(ctx, "admin-1", "user-1", "203.0.113.7")
	require.NoError(t, err)

	f.now = f.now.Add(30*time.Minute + time.Second)
	_, err = f.service.Extend(ctx, result.Session.ID, "admin-1", "203.0.113.7")
	assert.ErrorIs(t, err, models.ErrSessionTerminated)

	// The failed extension persisted the expiry.
	session, err := f.store.GetByID(ctx, result.Session.ID)
	require.NoError(t, err)
	require.NotNil(t, session.TerminationReason)
	assert.Equal(t, models.TerminationExpired, *session.TerminationReason)
}

func TestImpersonationService_TerminateIsIdempotent(t *testing.T) {
	f := newImpersonationFixture(t, defaultImpersonationConfig())
	ctx := context.Background()

	result, err := f.service.Start(ctx, "admin-1", "user-1", "203.0.113.7")
	require.NoError(t, err)

	require.NoError(t, f.service.Terminate(ctx, result.Session.ID, "admin-1", "203.0.113.7"))
	firstEnd, err := f.store.GetByID(ctx, result.Session.ID)
	require.NoError(t, err)

	require.NoError(t, f.service.Terminate(ctx, result.Session.ID, "admin-1", "203.0.113.7"))
	secondEnd, err := f.store.GetByID(ctx, result.Session.ID)
	require.NoError(t, err)

	assert.Equal(t, firstEnd.TerminatedAt, secondEnd.TerminatedAt)
	assert.Equal(t, models.TerminationManual, *secondEnd.TerminationReason)
}

func TestImpersonationService_IsActiveEnforcesExpiryLazily(t *testing.T) {
	f := newImpersonationFixture(t, defaultImpersonationConfig())
	ctx := context.Background()

	result, err := f.service.Start(ctx, "admin-1", "user-1", "203.0.113.7")
	require.NoError(t, err)

	active, err := f.service.IsActive(ctx, result.Session.ID)
	require.NoError(t, err)
	assert.True(t, active)

	// One second past the deadline the session is dead, sweeper or not.
	f.now = f.now.Add(30*time.Minute + time.Second)
	active, err = f.service.IsActive(ctx, result.Session.ID)
	require.NoError(t, err)
	assert.False(t, active)

	session, err := f.store.GetByID(ctx, result.Session.ID)
	require.NoError(t, err)
	require.NotNil(t, session.TerminatedAt)
	assert.Equal(t, models.TerminationExpired, *session.TerminationReason)
	assert.Equal(t, session.ExpiresAt, *session.TerminatedAt)

	active, err = f.service.IsActive(ctx, "no-such-session")
	require.NoError(t, err)
	assert.False(t, active)
}

func TestImpersonationService_TerminateForLogout(t *testing.T) {
	f := newImpersonationFixture(t, defaultImpersonationConfig())
	ctx := context.Background()

	result, err := f.service.Start(ctx, "admin-1", "user-1", "203.0.113.7")
	require.NoError(t, err)

	session, err := f.service.TerminateForLogout(ctx, result.Session.ID)
	require.NoError(t, err)
	assert.Equal(t, "admin-1", session.AdminUserID)

	stored, err := f.store.GetByID(ctx, result.Session.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TerminationLogoutRestore, *stored.TerminationReason)

	// Repeat logout is a no-op returning the already-terminated session.
	again, err := f.service.TerminateForLogout(ctx, result.Session.ID)
	require.NoError(t, err)
	assert.NotNil(t, again.TerminatedAt)
}

func TestImpersonationService_SweepExpired(t *testing.T) {
	f := newImpersonationFixture(t, defaultImpersonationConfig())
	ctx := context.Background()

	expired, err := f.service.Start(ctx, "admin-1", "user-1", "203.0.113.7")
	require.NoError(t, err)

	f.now = f.now.Add(10 * time.Minute)
	live, err := f.service.Start(ctx, "admin-2", "user-2", "203.0.113.7")
	require.NoError(t, err)

	f.now = f.now.Add(20*time.Minute + time.Second)
	swept := f.service.SweepExpired(ctx)
	assert.Equal(t, 1, swept)

	stored, err := f.store.GetByID(ctx, expired.Session.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.TerminationReason)
	assert.Equal(t, models.TerminationExpired, *stored.TerminationReason)

	stillLive, err := f.store.GetByID(ctx, live.Session.ID)
	require.NoError(t, err)
	assert.Nil(t, stillLive.TerminatedAt)
}

func TestImpersonationService_CleanupTerminated(t *testing.T) {
	f := newImpersonationFixture(t, defaultImpersonationConfig())
	ctx := context.Background()

	old, err := f.service.Start(ctx, "admin-1", "user-1", "203.0.113.7")
	require.NoError(t, err)
	require.NoError(t, f.service.Terminate(ctx, old.Session.ID, "admin-1", "203.0.113.7"))

	f.now = f.now.Add(48 * time.Hour)
	fresh, err := f.service.Start(ctx, "admin-1", "user-2", "203.0.113.7")
	require.NoError(t, err)

	deleted, err := f.service.CleanupTerminated(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	_, err = f.store.GetByID(ctx, old.Session.ID)
	assert.ErrorIs(t, err, models.ErrNotFound)
	_, err = f.store.GetByID(ctx, fresh.Session.ID)
	assert.NoError(t, err)
}
