package service

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/storybind/storybind/internal/clock"
	"github.com/storybind/storybind/internal/credit/domain"
	"github.com/storybind/storybind/internal/credit/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type testEnv struct {
	db    *gorm.DB
	svc   domain.Service
	repo  domain.Repository
	genID *snowflake.Node
	clock *clock.FakeClock
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&domain.CreditBatch{}, &domain.UsageLogEntry{}))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	fakeClock := clock.NewFakeClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	repo := repository.Provide()

	svc := NewService(Params{
		DB:    db,
		Log:   zap.NewNop(),
		Clock: fakeClock,
		GenID: node,
		Repo:  repo,
	})

	return &testEnv{db: db, svc: svc, repo: repo, genID: node, clock: fakeClock}
}

func (e *testEnv) seedBatch(t *testing.T, userID uuid.UUID, amount string, source domain.BatchSource) *domain.CreditBatch {
	t.Helper()

	batch := &domain.CreditBatch{
		ID:              e.genID.Generate(),
		UserID:          userID,
		OriginalAmount:  decimal.RequireFromString(amount),
		RemainingAmount: decimal.RequireFromString(amount),
		Source:          source,
		CreatedAt:       e.clock.Now(),
		UpdatedAt:       e.clock.Now(),
	}
	require.NoError(t, e.repo.InsertBatch(context.Background(), e.db, batch))
	return batch
}

func (e *testEnv) batchRemaining(t *testing.T, id snowflake.ID) decimal.Decimal {
	t.Helper()

	var batch domain.CreditBatch
	require.NoError(t, e.db.First(&batch, "id = ?", id).Error)
	return batch.RemainingAmount
}

func (e *testEnv) usageStatus(t *testing.T, id snowflake.ID) domain.UsageStatus {
	t.Helper()

	var entry domain.UsageLogEntry
	require.NoError(t, e.db.First(&entry, "id = ?", id).Error)
	return entry.Status
}

func reserveReq(userID uuid.UUID, amount string) domain.ReserveRequest {
	return domain.ReserveRequest{
		UserID:  userID,
		Amount:  decimal.RequireFromString(amount),
		JobID:   uuid.New(),
		JobType: "story_generation",
	}
}

func TestReserveConfirmRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	userID := uuid.New()
	env.seedBatch(t, userID, "10.00", domain.BatchSourcePurchase)

	usageLogID, err := env.svc.Reserve(ctx, reserveReq(userID, "4.00"))
	require.NoError(t, err)

	balance, err := env.svc.GetBalance(ctx, userID)
	require.NoError(t, err)
	assert.True(t, balance.Equal(decimal.RequireFromString("6.00")))
	assert.Equal(t, domain.UsageStatusReserved, env.usageStatus(t, usageLogID))

	require.NoError(t, env.svc.Confirm(ctx, usageLogID, &userID))
	assert.Equal(t, domain.UsageStatusConfirmed, env.usageStatus(t, usageLogID))

	// Confirmed rows never give credits back.
	balance, err = env.svc.GetBalance(ctx, userID)
	require.NoError(t, err)
	assert.True(t, balance.Equal(decimal.RequireFromString("6.00")))
}

func TestReserveDrawsOldestBatchFirst(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	userID := uuid.New()

	older := env.seedBatch(t, userID, "3.00", domain.BatchSourceSignupBonus)
	env.clock.Advance(time.Hour)
	newer := env.seedBatch(t, userID, "10.00", domain.BatchSourcePurchase)

	usageLogID, err := env.svc.Reserve(ctx, reserveReq(userID, "5.00"))
	require.NoError(t, err)

	assert.True(t, env.batchRemaining(t, older.ID).IsZero())
	assert.True(t, env.batchRemaining(t, newer.ID).Equal(decimal.RequireFromString("8.00")))

	var entry domain.UsageLogEntry
	require.NoError(t, env.db.First(&entry, "id = ?", usageLogID).Error)
	draws := entry.BatchesConsumed.Data()
	require.Len(t, draws, 2)
	assert.Equal(t, older.ID, draws[0].BatchID)
	assert.True(t, draws[0].Amount.Equal(decimal.RequireFromString("3.00")))
	assert.Equal(t, newer.ID, draws[1].BatchID)
	assert.True(t, draws[1].Amount.Equal(decimal.RequireFromString("2.00")))
}

func TestReserveInsufficientLeavesNothingBehind(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	userID := uuid.New()
	batch := env.seedBatch(t, userID, "5.00", domain.BatchSourcePurchase)

	_, err := env.svc.Reserve(ctx, reserveReq(userID, "20.00"))

	var insufficient *domain.InsufficientCreditsError
	require.ErrorAs(t, err, &insufficient)
	assert.True(t, insufficient.Balance.Equal(decimal.RequireFromString("5.00")))
	assert.True(t, insufficient.Required.Equal(decimal.RequireFromString("20.00")))

	assert.True(t, env.batchRemaining(t, batch.ID).Equal(decimal.RequireFromString("5.00")))

	var count int64
	require.NoError(t, env.db.Model(&domain.UsageLogEntry{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestReserveValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.svc.Reserve(ctx, reserveReq(uuid.Nil, "1.00"))
	assert.ErrorIs(t, err, domain.ErrInvalidUser)

	req := reserveReq(uuid.New(), "1.00")
	req.Amount = decimal.Zero
	_, err = env.svc.Reserve(ctx, req)
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)

	req.Amount = decimal.RequireFromString("-2.00")
	_, err = env.svc.Reserve(ctx, req)
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)
}

func TestReserveStripsUnknownMetadata(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	userID := uuid.New()
	env.seedBatch(t, userID, "10.00", domain.BatchSourcePurchase)

	req := reserveReq(userID, "2.00")
	req.Metadata = map[string]any{
		"prompt":        "a dragon who bakes bread",
		"internal_note": "drop me",
	}

	usageLogID, err := env.svc.Reserve(ctx, req)
	require.NoError(t, err)

	var entry domain.UsageLogEntry
	require.NoError(t, env.db.First(&entry, "id = ?", usageLogID).Error)
	assert.Equal(t, "a dragon who bakes bread", entry.Metadata["prompt"])
	assert.NotContains(t, entry.Metadata, "internal_note")
}

func TestReleaseRestoresEveryDraw(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	userID := uuid.New()

	first := env.seedBatch(t, userID, "3.00", domain.BatchSourceSignupBonus)
	env.clock.Advance(time.Minute)
	second := env.seedBatch(t, userID, "10.00", domain.BatchSourcePurchase)

	usageLogID, err := env.svc.Reserve(ctx, reserveReq(userID, "5.00"))
	require.NoError(t, err)

	require.NoError(t, env.svc.Release(ctx, usageLogID, &userID))
	assert.Equal(t, domain.UsageStatusRefunded, env.usageStatus(t, usageLogID))
	assert.True(t, env.batchRemaining(t, first.ID).Equal(decimal.RequireFromString("3.00")))
	assert.True(t, env.batchRemaining(t, second.ID).Equal(decimal.RequireFromString("10.00")))

	// Releasing twice must not double-refund.
	require.NoError(t, env.svc.Release(ctx, usageLogID, &userID))
	assert.True(t, env.batchRemaining(t, first.ID).Equal(decimal.RequireFromString("3.00")))
	assert.True(t, env.batchRemaining(t, second.ID).Equal(decimal.RequireFromString("10.00")))
}

func TestConfirmThenReleaseIsNoOp(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	userID := uuid.New()
	batch := env.seedBatch(t, userID, "10.00", domain.BatchSourcePurchase)

	usageLogID, err := env.svc.Reserve(ctx, reserveReq(userID, "4.00"))
	require.NoError(t, err)
	require.NoError(t, env.svc.Confirm(ctx, usageLogID, &userID))

	require.NoError(t, env.svc.Release(ctx, usageLogID, &userID))
	assert.Equal(t, domain.UsageStatusConfirmed, env.usageStatus(t, usageLogID))
	assert.True(t, env.batchRemaining(t, batch.ID).Equal(decimal.RequireFromString("6.00")))
}

func TestOwnershipMismatchIsSilentNoOp(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	userID := uuid.New()
	stranger := uuid.New()
	env.seedBatch(t, userID, "10.00", domain.BatchSourcePurchase)

	usageLogID, err := env.svc.Reserve(ctx, reserveReq(userID, "4.00"))
	require.NoError(t, err)

	require.NoError(t, env.svc.Confirm(ctx, usageLogID, &stranger))
	assert.Equal(t, domain.UsageStatusReserved, env.usageStatus(t, usageLogID))

	require.NoError(t, env.svc.Release(ctx, usageLogID, &stranger))
	assert.Equal(t, domain.UsageStatusReserved, env.usageStatus(t, usageLogID))

	balance, err := env.svc.GetBalance(ctx, userID)
	require.NoError(t, err)
	assert.True(t, balance.Equal(decimal.RequireFromString("6.00")))
}

func TestConfirmUnknownIDIsNoOp(t *testing.T) {
	env := newTestEnv(t)
	userID := uuid.New()

	assert.NoError(t, env.svc.Confirm(context.Background(), env.genID.Generate(), &userID))
	assert.NoError(t, env.svc.Release(context.Background(), env.genID.Generate(), nil))
}

func TestGetBalanceNoBatches(t *testing.T) {
	env := newTestEnv(t)

	balance, err := env.svc.GetBalance(context.Background(), uuid.New())
	require.NoError(t, err)
	assert.True(t, balance.IsZero())
}

func TestListUsageNewestFirstAndClamped(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	userID := uuid.New()
	env.seedBatch(t, userID, "10.00", domain.BatchSourcePurchase)

	var ids []snowflake.ID
	for i := 0; i < 3; i++ {
		id, err := env.svc.Reserve(ctx, reserveReq(userID, "1.00"))
		require.NoError(t, err)
		ids = append(ids, id)
		env.clock.Advance(time.Minute)
	}

	entries, err := env.svc.ListUsage(ctx, userID, 10)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, ids[2].String(), entries[0].ID)
	assert.Equal(t, ids[0].String(), entries[2].ID)

	// A non-positive limit clamps to one row, not zero.
	entries, err = env.svc.ListUsage(ctx, userID, 0)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestStaleReservationIDs(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	userID := uuid.New()
	env.seedBatch(t, userID, "10.00", domain.BatchSourcePurchase)

	oldID, err := env.svc.Reserve(ctx, reserveReq(userID, "1.00"))
	require.NoError(t, err)

	env.clock.Advance(30 * time.Minute)

	freshID, err := env.svc.Reserve(ctx, reserveReq(userID, "1.00"))
	require.NoError(t, err)

	confirmedID, err := env.svc.Reserve(ctx, reserveReq(userID, "1.00"))
	require.NoError(t, err)
	require.NoError(t, env.svc.Confirm(ctx, confirmedID, &userID))

	cutoff := env.clock.Now().Add(-15 * time.Minute)
	stale, err := env.svc.StaleReservationIDs(ctx, cutoff, 100)
	require.NoError(t, err)

	assert.Equal(t, []snowflake.ID{oldID}, stale)
	assert.NotContains(t, stale, freshID)
}
