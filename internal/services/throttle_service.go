package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mwhitford/bulwark/internal/lockout"
	"github.com/mwhitford/bulwark/internal/models"
	"github.com/mwhitford/bulwark/internal/ratelimit"
)

// ThrottleConfig holds the limits applied by the login throttle policy.
type ThrottleConfig struct {
	// Tiers is the ordered escalation table for the identifier-keyed limit.
	Tiers []models.ThrottleTier
	// OriginMaxAttempts and OriginDecay bound the identifier+origin pair
	// counter. The pair limit is fixed rather than tiered: it exists to slow a
	// single source down, not to track an account's long-term history.
	OriginMaxAttempts int
	OriginDecay       time.Duration
}

// ThrottleService is the login throttle policy. It composes the in-process
// attempt counters with the durable lockout ledger and answers one question
// before any credential check runs: may this attempt proceed, and if not, for
// how long must the caller wait.
type ThrottleService struct {
	counters *ratelimit.Store
	ledger   *lockout.Ledger
	config   ThrottleConfig
	logger   *slog.Logger
}

// NewThrottleService validates the configured limits and returns the policy.
func NewThrottleService(counters *ratelimit.Store, ledger *lockout.Ledger, config ThrottleConfig, logger *slog.Logger) (*ThrottleService, error) {
	if err := models.ValidateThrottleTiers(config.Tiers); err != nil {
		return nil, fmt.Errorf("invalid throttle tiers: %w", err)
	}
	if config.OriginMaxAttempts <= 0 {
		return nil, fmt.Errorf("origin max attempts must be positive")
	}
	if config.OriginDecay <= 0 {
		return nil, fmt.Errorf("origin decay must be positive")
	}
	return &ThrottleService{
		counters: counters,
		ledger:   ledger,
		config:   config,
		logger:   logger,
	}, nil
}

// identifierKey is keyed by identifier alone so an attacker rotating source
// addresses still accumulates against the targeted account. The pair key adds
// the origin so one noisy source cannot exhaust the account's shared budget.
func identifierKey(identifier string) string {
	return "login:id:" + identifier
}

func originKey(identifier, origin string) string {
	return "login:origin:" + identifier + "|" + origin
}

// Evaluate decides whether a login attempt may proceed. The lockout ledger is
// consulted first: a locked account is reported as locked even when its
// counters have long decayed. When both the identifier and pair limits have
// tripped, RetryAfter carries the longer of the two waits.
func (s *ThrottleService) Evaluate(ctx context.Context, identifier, origin string) models.ThrottleDecision {
	identifier = models.NormalizeIdentifier(identifier)

	if locked, remaining := s.ledger.Status(ctx, identifier); locked {
		return models.ThrottleDecision{Verdict: models.VerdictLocked, RetryAfter: remaining}
	}

	var retryAfter time.Duration
	throttled := false

	tier := models.TierFor(s.config.Tiers, s.ledger.FailedCount(ctx, identifier))
	if s.counters.Count(identifierKey(identifier)) >= tier.MaxAttempts {
		throttled = true
		retryAfter = s.counters.AvailableIn(identifierKey(identifier))
	}

	if s.counters.Count(originKey(identifier, origin)) >= s.config.OriginMaxAttempts {
		throttled = true
		if wait := s.counters.AvailableIn(originKey(identifier, origin)); wait > retryAfter {
			retryAfter = wait
		}
	}

	if throttled {
		s.logger.Info("login attempt throttled",
			slog.String("origin", origin),
			slog.Duration("retry_after", retryAfter))
		return models.ThrottleDecision{Verdict: models.VerdictThrottled, RetryAfter: retryAfter}
	}

	return models.ThrottleDecision{Verdict: models.VerdictAllow}
}

// NoteFailure records one failed attempt against both counters and the
// lockout ledger. The ledger write failing does not stop the in-process
// counters from advancing. Returns the updated lockout record, or nil when
// the ledger was unavailable.
func (s *ThrottleService) NoteFailure(ctx context.Context, identifier, origin string) *models.LockoutRecord {
	identifier = models.NormalizeIdentifier(identifier)

	record, err := s.ledger.RecordFailedAttempt(ctx, identifier, origin)
	failedCount := 0
	if err != nil {
		s.logger.Error("failed to record lockout ledger entry", slog.Any("error", err))
	} else {
		failedCount = record.FailedCount
	}

	tier := models.TierFor(s.config.Tiers, failedCount)
	s.counters.Hit(identifierKey(identifier), tier.Decay)
	s.counters.Hit(originKey(identifier, origin), s.config.OriginDecay)

	return record
}

// NoteSuccess resets the identifier's throttle state after a fully completed
// authentication: both counters and the ledger entry are cleared. Only the
// pair counter for the succeeding origin is touched; other origins keep the
// history they earned.
func (s *ThrottleService) NoteSuccess(ctx context.Context, identifier, origin string) {
	identifier = models.NormalizeIdentifier(identifier)

	s.counters.Clear(identifierKey(identifier))
	s.counters.Clear(originKey(identifier, origin))

	if err := s.ledger.Clear(ctx, identifier); err != nil {
		s.logger.Error("failed to clear lockout ledger entry", slog.Any("error", err))
	}
}
