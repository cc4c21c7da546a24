package models

import (
	"fmt"
	"time"
)

// ThrottleVerdict is the outcome of a pre-verification throttle check.
type ThrottleVerdict int

const (
	VerdictAllow ThrottleVerdict = iota
	VerdictThrottled
	VerdictLocked
)

func (v ThrottleVerdict) String() string {
	switch v {
	case VerdictAllow:
		return "allow"
	case VerdictThrottled:
		return "throttled"
	case VerdictLocked:
		return "locked"
	default:
		return "unknown"
	}
}

// ThrottleDecision is returned by the login throttle policy. RetryAfter is
// zero when the verdict is allow; otherwise it is the longest wait of the
// limits that tripped, so the caller never under-promises.
type ThrottleDecision struct {
	Verdict    ThrottleVerdict
	RetryAfter time.Duration
}

// ThrottleTier is one step of the escalating identifier-keyed limit: once an
// identifier has accumulated Threshold failures, it gets MaxAttempts per
// Decay window. Tiers are an explicit ordered table so the monotonicity
// invariant (fewer attempts, longer decay as failures grow) is checkable.
type ThrottleTier struct {
	Threshold   int
	MaxAttempts int
	Decay       time.Duration
}

// TierFor returns the tier in effect for the given failure count: the last
// tier whose threshold has been reached. Tiers must be non-empty and start at
// threshold 0 (enforced by ValidateThrottleTiers).
func TierFor(tiers []ThrottleTier, failedCount int) ThrottleTier {
	tier := tiers[0]
	for _, t := range tiers[1:] {
		if failedCount >= t.Threshold {
			tier = t
		}
	}
	return tier
}

// ValidateThrottleTiers checks the ordered tier table: thresholds strictly
// increasing from 0, attempts never increasing, decay never decreasing. A
// later, shorter decay would let an attacker reset progress.
func ValidateThrottleTiers(tiers []ThrottleTier) error {
	if len(tiers) == 0 {
		return fmt.Errorf("at least one throttle tier is required")
	}
	if tiers[0].Threshold != 0 {
		return fmt.Errorf("first throttle tier must start at threshold 0, got %d", tiers[0].Threshold)
	}
	for i, t := range tiers {
		if t.MaxAttempts <= 0 {
			return fmt.Errorf("throttle tier %d: max attempts must be positive", i)
		}
		if t.Decay <= 0 {
			return fmt.Errorf("throttle tier %d: decay must be positive", i)
		}
		if i == 0 {
			continue
		}
		prev := tiers[i-1]
		if t.Threshold <= prev.Threshold {
			return fmt.Errorf("throttle tier %d: thresholds must be strictly increasing", i)
		}
		if t.MaxAttempts > prev.MaxAttempts {
			return fmt.Errorf("throttle tier %d: max attempts must not increase with failures", i)
		}
		if t.Decay < prev.Decay {
			return fmt.Errorf("throttle tier %d: decay must not decrease with failures", i)
		}
	}
	return nil
}
