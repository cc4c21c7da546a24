package lockout_test

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/mwhitford/bulwark/internal/lockout"
	"github.com/mwhitford/bulwark/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memoryLockoutRepo is an in-memory Repository for ledger tests.
type memoryLockoutRepo struct {
	records map[string]*models.LockoutRecord
	getErr  error
}

func newMemoryLockoutRepo() *memoryLockoutRepo {
	return &memoryLockoutRepo{records: make(map[string]*models.LockoutRecord)}
}

func (r *memoryLockoutRepo) Get(ctx context.Context, identifier string) (*models.LockoutRecord, error) {
	if r.getErr != nil {
		return nil, r.getErr
	}
	record, ok := r.records[identifier]
	if !ok {
		return nil, models.ErrNotFound
	}
	clone := *record
	return &clone, nil
}

func (r *memoryLockoutRepo) Upsert(ctx context.Context, record *models.LockoutRecord) error {
	clone := *record
	r.records[record.Identifier] = &clone
	return nil
}

func (r *memoryLockoutRepo) Delete(ctx context.Context, identifier string) error {
	if _, ok := r.records[identifier]; !ok {
		return models.ErrNotFound
	}
	delete(r.records, identifier)
	return nil
}

func testTiers() []models.LockoutTier {
	return []models.LockoutTier{
		{FailedCount: 6, Duration: 15 * time.Minute},
		{FailedCount: 10, Duration: 45 * time.Minute},
	}
}

func newTestLedger(t *testing.T, repo lockout.Repository) *lockout.Ledger {
	t.Helper()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	ledger, err := lockout.NewLedger(repo, testTiers(), logger)
	require.NoError(t, err)
	return ledger
}

func TestLedgerStatus_UnknownIdentifierNotLocked(t *testing.T) {
	ledger := newTestLedger(t, newMemoryLockoutRepo())

	locked, remaining := ledger.Status(context.Background(), "nobody@example.com")

	assert.False(t, locked)
	assert.Equal(t, time.Duration(0), remaining)
}

func TestLedgerRecordFailedAttempt_BelowThresholdDoesNotLock(t *testing.T) {
	repo := newMemoryLockoutRepo()
	ledger := newTestLedger(t, repo)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := ledger.RecordFailedAttempt(ctx, "a@x.com", "1.2.3.4")
		require.NoError(t, err)
	}

	locked, _ := ledger.Status(ctx, "a@x.com")
	assert.False(t, locked)
	assert.Equal(t, 5, ledger.FailedCount(ctx, "a@x.com"))
}

func TestLedgerRecordFailedAttempt_LocksAtThreshold(t *testing.T) {
	ledger := newTestLedger(t, newMemoryLockoutRepo())
	ctx := context.Background()

	var record *models.LockoutRecord
	var err error
	for i := 0; i < 6; i++ {
		record, err = ledger.RecordFailedAttempt(ctx, "a@x.com", "1.2.3.4")
		require.NoError(t, err)
	}

	require.NotNil(t, record.LockedUntil)
	locked, remaining := ledger.Status(ctx, "a@x.com")
	assert.True(t, locked)
	assert.InDelta(t, (15 * time.Minute).Seconds(), remaining.Seconds(), 2)
}

func TestLedgerRecordFailedAttempt_EscalatesAtHigherThreshold(t *testing.T) {
	ledger := newTestLedger(t, newMemoryLockoutRepo())
	ctx := context.Background()

	var atSix, atTen, atEleven *models.LockoutRecord
	var err error
	for i := 1; i <= 11; i++ {
		var record *models.LockoutRecord
		record, err = ledger.RecordFailedAttempt(ctx, "a@x.com", "1.2.3.4")
		require.NoError(t, err)
		switch i {
		case 6:
			atSix = record
		case 10:
			atTen = record
		case 11:
			atEleven = record
		}
	}

	require.NotNil(t, atSix.LockedUntil)
	require.NotNil(t, atTen.LockedUntil)
	require.NotNil(t, atEleven.LockedUntil)

	// 10 failures escalate to the materially longer tier.
	assert.True(t, atTen.LockedUntil.After(*atSix.LockedUntil))
	// The 11th failure's lock is at least as long as the 10th's.
	assert.False(t, atEleven.LockedUntil.Before(*atTen.LockedUntil))
}

func TestLedgerRecordFailedAttempt_NeverShortensExistingLock(t *testing.T) {
	repo := newMemoryLockoutRepo()
	ledger := newTestLedger(t, repo)
	ctx := context.Background()

	far := time.Now().Add(2 * time.Hour)
	require.NoError(t, repo.Upsert(ctx, &models.LockoutRecord{
		Identifier:  "a@x.com",
		FailedCount: 10,
		LockedUntil: &far,
	}))

	record, err := ledger.RecordFailedAttempt(ctx, "a@x.com", "1.2.3.4")
	require.NoError(t, err)
	assert.Equal(t, far, *record.LockedUntil)
}

func TestLedgerClear_ResetsEverything(t *testing.T) {
	ledger := newTestLedger(t, newMemoryLockoutRepo())
	ctx := context.Background()

	for i := 0; i < 7; i++ {
		_, err := ledger.RecordFailedAttempt(ctx, "a@x.com", "1.2.3.4")
		require.NoError(t, err)
	}
	require.NoError(t, ledger.Clear(ctx, "a@x.com"))

	locked, _ := ledger.Status(ctx, "a@x.com")
	assert.False(t, locked)
	assert.Equal(t, 0, ledger.FailedCount(ctx, "a@x.com"))

	// Clearing twice behaves identically.
	assert.NoError(t, ledger.Clear(ctx, "a@x.com"))
}

func TestLedgerStatus_FailsOpenOnRepositoryError(t *testing.T) {
	repo := newMemoryLockoutRepo()
	repo.getErr = errors.New("connection refused")
	ledger := newTestLedger(t, repo)

	locked, _ := ledger.Status(context.Background(), "a@x.com")
	assert.False(t, locked)
}

func TestLedgerKeys_NormalizeIdentifierCasing(t *testing.T) {
	ledger := newTestLedger(t, newMemoryLockoutRepo())
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		_, err := ledger.RecordFailedAttempt(ctx, "A@X.com ", "1.2.3.4")
		require.NoError(t, err)
	}

	locked, _ := ledger.Status(ctx, "a@x.com")
	assert.True(t, locked)
}

func TestValidateLockoutTiers_RejectsNonMonotonicDurations(t *testing.T) {
	err := models.ValidateLockoutTiers([]models.LockoutTier{
		{FailedCount: 5, Duration: time.Hour},
		{FailedCount: 10, Duration: time.Minute},
	})
	assert.Error(t, err)
}
