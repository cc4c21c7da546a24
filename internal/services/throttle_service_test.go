package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mwhitford/bulwark/internal/lockout"
	"github.com/mwhitford/bulwark/internal/models"
	"github.com/mwhitford/bulwark/internal/ratelimit"
)

// memoryLockoutRepo is an in-memory lockout.Repository for service tests.
type memoryLockoutRepo struct {
	mu      sync.Mutex
	records map[string]*models.LockoutRecord
}

func newMemoryLockoutRepo() *memoryLockoutRepo {
	return &memoryLockoutRepo{records: make(map[string]*models.LockoutRecord)}
}

func (r *memoryLockoutRepo) Get(ctx context.Context, identifier string) (*models.LockoutRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	record, ok := r.records[identifier]
	if !ok {
		return nil, models.ErrNotFound
	}
	copied := *record
	return &copied, nil
}

func (r *memoryLockoutRepo) Upsert(ctx context.Context, record *models.LockoutRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	copied := *record
	r.records[record.Identifier] = &copied
	return nil
}

func (r *memoryLockoutRepo) Delete(ctx context.Context, identifier string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.records[identifier]; !ok {
		return models.ErrNotFound
	}
	delete(r.records, identifier)
	return nil
}

type throttleFixture struct {
	service *ThrottleService
	now     time.Time
	advance func(d time.Duration)
}

func newThrottleFixture(t *testing.T, tiers []models.ThrottleTier, lockoutTiers []models.LockoutTier, originMax int, originDecay time.Duration) *throttleFixture {
	t.Helper()

	f := &throttleFixture{now: time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)}
	clock := func() time.Time { return f.now }
	f.advance = func(d time.Duration) { f.now = f.now.Add(d) }

	ledger, err := lockout.NewLedger(newMemoryLockoutRepo(), lockoutTiers, testLogger())
	require.NoError(t, err)
	ledger.SetClock(clock)

	service, err := NewThrottleService(
		ratelimit.NewStoreWithClock(clock),
		ledger,
		ThrottleConfig{Tiers: tiers, OriginMaxAttempts: originMax, OriginDecay: originDecay},
		testLogger(),
	)
	require.NoError(t, err)
	f.service = service
	return f
}

func defaultTestTiers() []models.ThrottleTier {
	return []models.ThrottleTier{
		{Threshold: 0, MaxAttempts: 5, Decay: 15 * time.Minute},
		{Threshold: 5, MaxAttempts: 2, Decay: 30 * time.Minute},
	}
}

func relaxedLockoutTiers() []models.LockoutTier {
	return []models.LockoutTier{{FailedCount: 100, Duration: 15 * time.Minute}}
}

func TestThrottleService_AllowsFreshIdentifier(t *testing.T) {
	f := newThrottleFixture(t, defaultTestTiers(), relaxedLockoutTiers(), 3, 10*time.Minute)

	decision := f.service.Evaluate(context.Background(), "user@example.com", "203.0.113.7")
	assert.Equal(t, models.VerdictAllow, decision.Verdict)
	assert.Zero(t, decision.RetryAfter)
}

func TestThrottleService_ThrottlesAfterTierLimit(t *testing.T) {
	f := newThrottleFixture(t, defaultTestTiers(), relaxedLockoutTiers(), 10, 10*time.Minute)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		f.service.NoteFailure(ctx, "user@example.com", "203.0.113.7")
	}

	decision := f.service.Evaluate(ctx, "user@example.com", "203.0.113.7")
	assert.Equal(t, models.VerdictThrottled, decision.Verdict)
	assert.Equal(t, 30*time.Minute, decision.RetryAfter)
}

func TestThrottleService_EscalatedTierShrinksBudget(t *testing.T) {
	f := newThrottleFixture(t, defaultTestTiers(), relaxedLockoutTiers(), 100, 10*time.Minute)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		f.service.NoteFailure(ctx, "user@example.com", "203.0.113.7")
	}

	// Past the window the counter is gone, but the accumulated ledger count
	// keeps the identifier on the stricter tier.
	f.advance(31 * time.Minute)
	assert.Equal(t, models.VerdictAllow, f.service.Evaluate(ctx, "user@example.com", "203.0.113.7").Verdict)

	f.service.NoteFailure(ctx, "user@example.com", "203.0.113.7")
	f.service.NoteFailure(ctx, "user@example.com", "203.0.113.7")

	decision := f.service.Evaluate(ctx, "user@example.com", "203.0.113.7")
	assert.Equal(t, models.VerdictThrottled, decision.Verdict)
}

func TestThrottleService_OriginLimitIsPerSource(t *testing.T) {
	f := newThrottleFixture(t, defaultTestTiers(), relaxedLockoutTiers(), 3, 10*time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		f.service.NoteFailure(ctx, "user@example.com", "203.0.113.7")
	}

	assert.Equal(t, models.VerdictThrottled, f.service.Evaluate(ctx, "user@example.com", "203.0.113.7").Verdict)
	assert.Equal(t, models.VerdictAllow, f.service.Evaluate(ctx, "user@example.com", "198.51.100.9").Verdict)
}

func TestThrottleService_LockoutOverridesCounters(t *testing.T) {
	lockoutTiers := []models.LockoutTier{{FailedCount: 6, Duration: 45 * time.Minute}}
	f := newThrottleFixture(t, defaultTestTiers(), lockoutTiers, 100, 10*time.Minute)
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		f.service.NoteFailure(ctx, "user@example.com", "203.0.113.7")
	}

	decision := f.service.Evaluate(ctx, "user@example.com", "203.0.113.7")
	assert.Equal(t, models.VerdictLocked, decision.Verdict)
	assert.Equal(t, 45*time.Minute, decision.RetryAfter)

	// The lock holds even once the in-process counters have decayed, and even
	// from an origin that never failed.
	f.advance(31 * time.Minute)
	decision = f.service.Evaluate(ctx, "user@example.com", "198.51.100.9")
	assert.Equal(t, models.VerdictLocked, decision.Verdict)
	assert.Equal(t, 14*time.Minute, decision.RetryAfter)
}

func TestThrottleService_SuccessResetsState(t *testing.T) {
	f := newThrottleFixture(t, defaultTestTiers(), relaxedLockoutTiers(), 3, 10*time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		f.service.NoteFailure(ctx, "user@example.com", "203.0.113.7")
	}
	assert.Equal(t, models.VerdictThrottled, f.service.Evaluate(ctx, "user@example.com", "203.0.113.7").Verdict)

	f.service.NoteSuccess(ctx, "user@example.com", "203.0.113.7")

	assert.Equal(t, models.VerdictAllow, f.service.Evaluate(ctx, "user@example.com", "203.0.113.7").Verdict)
}

func TestThrottleService_WindowExpiryRestoresAllowance(t *testing.T) {
	f := newThrottleFixture(t, []models.ThrottleTier{{Threshold: 0, MaxAttempts: 2, Decay: 15 * time.Minute}}, relaxedLockoutTiers(), 100, 10*time.Minute)
	ctx := context.Background()

	f.service.NoteFailure(ctx, "user@example.com", "203.0.113.7")
	f.service.NoteFailure(ctx, "user@example.com", "203.0.113.7")
	assert.Equal(t, models.VerdictThrottled, f.service.Evaluate(ctx, "user@example.com", "203.0.113.7").Verdict)

	f.advance(15*time.Minute + time.Second)
	assert.Equal(t, models.VerdictAllow, f.service.Evaluate(ctx, "user@example.com", "203.0.113.7").Verdict)
}

func TestThrottleService_RejectsBadConfig(t *testing.T) {
	ledger, err := lockout.NewLedger(newMemoryLockoutRepo(), relaxedLockoutTiers(), testLogger())
	require.NoError(t, err)

	_, err = NewThrottleService(ratelimit.NewStore(), ledger, ThrottleConfig{
		Tiers:             []models.ThrottleTier{{Threshold: 1, MaxAttempts: 5, Decay: time.Minute}},
		OriginMaxAttempts: 3,
		OriginDecay:       time.Minute,
	}, testLogger())
	assert.Error(t, err)
}
