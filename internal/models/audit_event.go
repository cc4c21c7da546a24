package models

import (
	"database/sql/driver"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event types recorded by the security event recorder
const (
	AuditEventLoginAllowed        = "login_allowed"
	AuditEventLoginFailed         = "login_failed"
	AuditEventLoginThrottled      = "login_throttled"
	AuditEventLoginLocked         = "login_locked"
	AuditEventAccountLockout      = "account_lockout"
	AuditEventLockoutCleared      = "lockout_cleared"
	AuditEventChallengeIssued     = "2fa_challenge_issued"
	AuditEventChallengeVerified   = "2fa_challenge_verified"
	AuditEventChallengeFailed     = "2fa_challenge_failed"
	AuditEventRecoveryCodeUsed    = "recovery_code_used"
	AuditEventRecoveryCodesLow    = "recovery_codes_low"
	AuditEventTwoFactorEnrolled   = "2fa_enrolled"
	AuditEventImpersonationStart  = "impersonation_started"
	AuditEventImpersonationExtend = "impersonation_extended"
	AuditEventImpersonationEnd    = "impersonation_terminated"
	AuditEventLogout              = "logout"
)

// AuditEvent is one append-only entry in the security audit trail.
type AuditEvent struct {
	ID            uuid.UUID     `db:"id"`
	EventType     string        `db:"event_type"`
	ActorID       *string       `db:"actor_id"`
	TargetID      *string       `db:"target_id"`
	Success       bool          `db:"success"`
	FailureReason *string       `db:"failure_reason"`
	IPAddress     *string       `db:"ip_address"`
	Metadata      AuditMetadata `db:"metadata"`
	CreatedAt     time.Time     `db:"created_at"`
}

// AuditMetadata holds additional context for audit events
type AuditMetadata map[string]interface{}

// Scan implements sql.Scanner for JSONB
func (am *AuditMetadata) Scan(value interface{}) error {
	if value == nil {
		*am = make(AuditMetadata)
		return nil
	}

	bytes, ok := value.([]byte)
	if !ok {
		return ErrBadRequest
	}

	var m map[string]interface{}
	if err := json.Unmarshal(bytes, &m); err != nil {
		return err
	}
	*am = AuditMetadata(m)
	return nil
}

// Value implements driver.Valuer for JSONB
func (am AuditMetadata) Value() (driver.Value, error) {
	if am == nil {
		return nil, nil
	}
	return json.Marshal(am)
}

// MarshalJSON implements json.Marshaler
func (am AuditMetadata) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]interface{}(am))
}

// UnmarshalJSON implements json.Unmarshaler
func (am *AuditMetadata) UnmarshalJSON(data []byte) error {
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	*am = AuditMetadata(m)
	return nil
}
