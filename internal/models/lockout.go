package models

import (
	"fmt"
	"time"
)

// LockoutRecord is the authoritative per-account lockout state. It has a
// stricter lifecycle than the attempt counters: it survives counter decay and
// is only cleared by a successful verification.
type LockoutRecord struct {
	Identifier  string
	FailedCount int
	LockedUntil *time.Time
	LastFailure time.Time
	UpdatedAt   time.Time
}

// Locked reports whether the record holds an unexpired lock.
func (r *LockoutRecord) Locked(now time.Time) bool {
	return r.LockedUntil != nil && now.Before(*r.LockedUntil)
}

// Remaining returns how long the lock has left, or zero.
func (r *LockoutRecord) Remaining(now time.Time) time.Duration {
	if !r.Locked(now) {
		return 0
	}
	return r.LockedUntil.Sub(now)
}

// LockoutTier maps a failed-attempt threshold to a lockout duration. The
// table escalates: crossing a higher threshold locks for at least as long as
// the one below it.
type LockoutTier struct {
	FailedCount int
	Duration    time.Duration
}

// LockoutDurationFor returns the lockout duration owed at the given failure
// count: the duration of the highest tier reached, or zero when no tier has
// been crossed yet.
func LockoutDurationFor(tiers []LockoutTier, failedCount int) time.Duration {
	var d time.Duration
	for _, t := range tiers {
		if failedCount >= t.FailedCount {
			d = t.Duration
		}
	}
	return d
}

// ValidateLockoutTiers checks that thresholds strictly increase and durations
// never decrease, keeping the escalation monotonic.
func ValidateLockoutTiers(tiers []LockoutTier) error {
	if len(tiers) == 0 {
		return fmt.Errorf("at least one lockout tier is required")
	}
	for i, t := range tiers {
		if t.FailedCount <= 0 {
			return fmt.Errorf("lockout tier %d: failed count threshold must be positive", i)
		}
		if t.Duration <= 0 {
			return fmt.Errorf("lockout tier %d: duration must be positive", i)
		}
		if i == 0 {
			continue
		}
		prev := tiers[i-1]
		if t.FailedCount <= prev.FailedCount {
			return fmt.Errorf("lockout tier %d: thresholds must be strictly increasing", i)
		}
		if t.Duration < prev.Duration {
			return fmt.Errorf("lockout tier %d: duration must not decrease", i)
		}
	}
	return nil
}
