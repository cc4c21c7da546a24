package services

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/mwhitford/bulwark/internal/models"
	pkglogger "github.com/mwhitford/bulwark/pkg/logger"
)

// MockCredentialVerifier implements CredentialVerifier for testing
type MockCredentialVerifier struct {
	VerifyFunc func(ctx context.Context, identifier, secret string) (bool, error)
}

func (m *MockCredentialVerifier) Verify(ctx context.Context, identifier, secret string) (bool, error) {
	if m.VerifyFunc != nil {
		return m.VerifyFunc(ctx, identifier, secret)
	}
	return false, nil
}

// MockUserStore implements UserStore and TwoFactorUserStore for testing
type MockUserStore struct {
	FindByIdentifierFunc   func(ctx context.Context, identifier string) (*models.UserRecord, error)
	FindByIDFunc           func(ctx context.Context, id string) (*models.UserRecord, error)
	SetTwoFactorSecretFunc func(ctx context.Context, userID string, secret, nonce []byte) error
	ConfirmTwoFactorFunc   func(ctx context.Context, userID string, at time.Time) error
	TouchTwoFactorUseFunc  func(ctx context.Context, userID string, at time.Time) error
}

func (m *MockUserStore) FindByIdentifier(ctx context.Context, identifier string) (*models.UserRecord, error) {
	if m.FindByIdentifierFunc != nil {
		return m.FindByIdentifierFunc(ctx, identifier)
	}
	return nil, models.ErrNotFound
}

func (m *MockUserStore) FindByID(ctx context.Context, id string) (*models.UserRecord, error) {
	if m.FindByIDFunc != nil {
		return m.FindByIDFunc(ctx, id)
	}
	return nil, models.ErrNotFound
}

func (m *MockUserStore) SetTwoFactorSecret(ctx context.Context, userID string, secret, nonce []byte) error {
	if m.SetTwoFactorSecretFunc != nil {
		return m.SetTwoFactorSecretFunc(ctx, userID, secret, nonce)
	}
	return nil
}

func (m *MockUserStore) ConfirmTwoFactor(ctx context.Context, userID string, at time.Time) error {
	if m.ConfirmTwoFactorFunc != nil {
		return m.ConfirmTwoFactorFunc(ctx, userID, at)
	}
	return nil
}

func (m *MockUserStore) TouchTwoFactorUse(ctx context.Context, userID string, at time.Time) error {
	if m.TouchTwoFactorUseFunc != nil {
		return m.TouchTwoFactorUseFunc(ctx, userID, at)
	}
	return nil
}

// MockRecoveryCodeStore implements RecoveryCodeStore for testing
type MockRecoveryCodeStore struct {
	ReplaceFunc     func(ctx context.Context, userID string, codeHashes []string) error
	ListUnusedFunc  func(ctx context.Context, userID string) ([]*models.RecoveryCode, error)
	ConsumeFunc     func(ctx context.Context, codeID string, at time.Time) (bool, error)
	CountUnusedFunc func(ctx context.Context, userID string) (int, error)
}

func (m *MockRecoveryCodeStore) Replace(ctx context.Context, userID string, codeHashes []string) error {
	if m.ReplaceFunc != nil {
		return m.ReplaceFunc(ctx, userID, codeHashes)
	}
	return nil
}

func (m *MockRecoveryCodeStore) ListUnused(ctx context.Context, userID string) ([]*models.RecoveryCode, error) {
	if m.ListUnusedFunc != nil {
		return m.ListUnusedFunc(ctx, userID)
	}
	return nil, nil
}

func (m *MockRecoveryCodeStore) Consume(ctx context.Context, codeID string, at time.Time) (bool, error) {
	if m.ConsumeFunc != nil {
		return m.ConsumeFunc(ctx, codeID, at)
	}
	return true, nil
}

func (m *MockRecoveryCodeStore) CountUnused(ctx context.Context, userID string) (int, error) {
	if m.CountUnusedFunc != nil {
		return m.CountUnusedFunc(ctx, userID)
	}
	return 0, nil
}

// MockCodeVerifier implements CodeVerifier for testing
type MockCodeVerifier struct {
	GenerateSecretFunc func(accountEmail string) ([]byte, []byte, string, error)
	ValidateFunc       func(encryptedSecret, nonce []byte, code string, lastUsedAt *time.Time) (bool, error)
}

func (m *MockCodeVerifier) GenerateSecret(accountEmail string) ([]byte, []byte, string, error) {
	if m.GenerateSecretFunc != nil {
		return m.GenerateSecretFunc(accountEmail)
	}
	return []byte("encrypted"), []byte("nonce"), "data:image/png;base64,stub", nil
}

func (m *MockCodeVerifier) Validate(encryptedSecret, nonce []byte, code string, lastUsedAt *time.Time) (bool, error) {
	if m.ValidateFunc != nil {
		return m.ValidateFunc(encryptedSecret, nonce, code, lastUsedAt)
	}
	return false, nil
}

// MockNotifyService implements NotifyService for testing
type MockNotifyService struct {
	SendLockoutNoticeFunc          func(ctx context.Context, email string, lockedUntil time.Time) error
	SendImpersonationNoticeFunc    func(ctx context.Context, email string, startedAt time.Time) error
	SendRecoveryCodesLowNoticeFunc func(ctx context.Context, email string, remaining int) error
}

func (m *MockNotifyService) SendLockoutNotice(ctx context.Context, email string, lockedUntil time.Time) error {
	if m.SendLockoutNoticeFunc != nil {
		return m.SendLockoutNoticeFunc(ctx, email, lockedUntil)
	}
	return nil
}

func (m *MockNotifyService) SendImpersonationNotice(ctx context.Context, email string, startedAt time.Time) error {
	if m.SendImpersonationNoticeFunc != nil {
		return m.SendImpersonationNoticeFunc(ctx, email, startedAt)
	}
	return nil
}

func (m *MockNotifyService) SendRecoveryCodesLowNotice(ctx context.Context, email string, remaining int) error {
	if m.SendRecoveryCodesLowNoticeFunc != nil {
		return m.SendRecoveryCodesLowNoticeFunc(ctx, email, remaining)
	}
	return nil
}

// MockImpersonationTerminator implements ImpersonationTerminator for testing
type MockImpersonationTerminator struct {
	TerminateForLogoutFunc func(ctx context.Context, sessionID string) (*models.ImpersonationSession, error)
}

func (m *MockImpersonationTerminator) TerminateForLogout(ctx context.Context, sessionID string) (*models.ImpersonationSession, error) {
	if m.TerminateForLogoutFunc != nil {
		return m.TerminateForLogoutFunc(ctx, sessionID)
	}
	return nil, models.ErrNotFound
}

// CaptureAuditSink collects persisted audit events for assertions.
type CaptureAuditSink struct {
	mu     sync.Mutex
	Events []*models.AuditEvent
	Err    error
}

func (c *CaptureAuditSink) Create(ctx context.Context, event *models.AuditEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Err != nil {
		return c.Err
	}
	c.Events = append(c.Events, event)
	return nil
}

// EventTypes returns the recorded event types in order.
func (c *CaptureAuditSink) EventTypes() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	types := make([]string, len(c.Events))
	for i, e := range c.Events {
		types[i] = e.EventType
	}
	return types
}

// Has reports whether an event of the given type was recorded.
func (c *CaptureAuditSink) Has(eventType string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.Events {
		if e.EventType == eventType {
			return true
		}
	}
	return false
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testRecorder(sink *CaptureAuditSink) *SecurityRecorder {
	logger := testLogger()
	return NewSecurityRecorder(sink, pkglogger.NewAuditLogger(logger), logger)
}
