package models

import "time"

// TerminationReason records why an impersonation session ended.
type TerminationReason string

const (
	TerminationManual        TerminationReason = "manual"
	TerminationExpired       TerminationReason = "expired"
	TerminationLogoutRestore TerminationReason = "logout_restore"
)

// ImpersonationSession is a bounded-lifetime grant letting an admin act as
// another user. AdminUserID and TargetUserID are immutable after creation;
// the only mutations are extending ExpiresAt and setting TerminatedAt.
type ImpersonationSession struct {
	ID                string
	AdminUserID       string
	TargetUserID      string
	StartedAt         time.Time
	ExpiresAt         time.Time
	TerminatedAt      *time.Time
	TerminationReason *TerminationReason
	CreatedAt         time.Time
}

// Active reports whether the session is live at the given instant. Expiry is
// evaluated lazily here on every check; the background sweeper only persists
// the terminal state afterwards.
func (s *ImpersonationSession) Active(now time.Time) bool {
	return s.TerminatedAt == nil && now.Before(s.ExpiresAt)
}

// Expired reports whether an unterminated session has outlived its deadline.
func (s *ImpersonationSession) Expired(now time.Time) bool {
	return s.TerminatedAt == nil && !now.Before(s.ExpiresAt)
}
