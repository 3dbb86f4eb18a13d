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
	"github.com/storybind/storybind/internal/config"
	creditdomain "github.com/storybind/storybind/internal/credit/domain"
	creditrepo "github.com/storybind/storybind/internal/credit/repository"
	"github.com/storybind/storybind/internal/grant/domain"
	"github.com/storybind/storybind/internal/migration"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type testEnv struct {
	db  *gorm.DB
	svc domain.Service
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, migration.AutoMigrate(db))

	node, err := snowflake.NewNode(2)
	require.NoError(t, err)

	svc := NewService(Params{
		DB:        db,
		Log:       zap.NewNop(),
		Clock:     clock.NewFakeClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)),
		GenID:     node,
		Repo:      creditrepo.Provide(),
		CreditCfg: &config.CreditConfigHolder{},
	})

	return &testEnv{db: db, svc: svc}
}

func (e *testEnv) batchCount(t *testing.T) int64 {
	t.Helper()

	var count int64
	require.NoError(t, e.db.Model(&creditdomain.CreditBatch{}).Count(&count).Error)
	return count
}

func strptr(s string) *string { return &s }

func TestIngestPurchase(t *testing.T) {
	env := newTestEnv(t)
	userID := uuid.New()

	// 10 credits at the default 100 cents each.
	batch, err := env.svc.Ingest(context.Background(), domain.IngestRequest{
		UserID:            userID,
		Amount:            decimal.RequireFromString("10.00"),
		Source:            creditdomain.BatchSourcePurchase,
		ExternalRef:       strptr("evt_123"),
		VerifiedPaidCents: 1000,
	})
	require.NoError(t, err)
	require.NotNil(t, batch)

	assert.Equal(t, userID, batch.UserID)
	assert.True(t, batch.RemainingAmount.Equal(batch.OriginalAmount))
	assert.True(t, batch.RemainingAmount.Equal(decimal.RequireFromString("10.00")))
	assert.Equal(t, int64(1), env.batchCount(t))
}

func TestIngestUnderpaidPurchase(t *testing.T) {
	env := newTestEnv(t)

	batch, err := env.svc.Ingest(context.Background(), domain.IngestRequest{
		UserID:            uuid.New(),
		Amount:            decimal.RequireFromString("10.00"),
		Source:            creditdomain.BatchSourcePurchase,
		ExternalRef:       strptr("evt_short"),
		VerifiedPaidCents: 999,
	})

	assert.ErrorIs(t, err, domain.ErrUnderpaidGrant)
	assert.Nil(t, batch)
	assert.Zero(t, env.batchCount(t))
}

func TestIngestDuplicateExternalRefIsNoOp(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	req := domain.IngestRequest{
		UserID:            uuid.New(),
		Amount:            decimal.RequireFromString("5.00"),
		Source:            creditdomain.BatchSourcePurchase,
		ExternalRef:       strptr("evt_replay"),
		VerifiedPaidCents: 500,
	}

	first, err := env.svc.Ingest(ctx, req)
	require.NoError(t, err)
	require.NotNil(t, first)

	// Webhook retry with the same event id.
	second, err := env.svc.Ingest(ctx, req)
	require.NoError(t, err)
	assert.Nil(t, second)
	assert.Equal(t, int64(1), env.batchCount(t))
}

func TestIngestPurchaseRequiresExternalRef(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.svc.Ingest(context.Background(), domain.IngestRequest{
		UserID:            uuid.New(),
		Amount:            decimal.RequireFromString("5.00"),
		Source:            creditdomain.BatchSourcePurchase,
		VerifiedPaidCents: 500,
	})
	assert.ErrorIs(t, err, domain.ErrMissingExternalRef)

	_, err = env.svc.Ingest(context.Background(), domain.IngestRequest{
		UserID:            uuid.New(),
		Amount:            decimal.RequireFromString("5.00"),
		Source:            creditdomain.BatchSourcePurchase,
		ExternalRef:       strptr("   "),
		VerifiedPaidCents: 500,
	})
	assert.ErrorIs(t, err, domain.ErrMissingExternalRef)
}

func TestIngestPromoSkipsPaymentCheck(t *testing.T) {
	env := newTestEnv(t)

	batch, err := env.svc.Ingest(context.Background(), domain.IngestRequest{
		UserID: uuid.New(),
		Amount: decimal.RequireFromString("3.00"),
		Source: creditdomain.BatchSourcePromo,
	})
	require.NoError(t, err)
	require.NotNil(t, batch)
	assert.Equal(t, creditdomain.BatchSourcePromo, batch.Source)
}

func TestIngestValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.svc.Ingest(ctx, domain.IngestRequest{
		Amount: decimal.RequireFromString("1.00"),
		Source: creditdomain.BatchSourcePromo,
	})
	assert.ErrorIs(t, err, domain.ErrInvalidUser)

	_, err = env.svc.Ingest(ctx, domain.IngestRequest{
		UserID: uuid.New(),
		Amount: decimal.Zero,
		Source: creditdomain.BatchSourcePromo,
	})
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)

	_, err = env.svc.Ingest(ctx, domain.IngestRequest{
		UserID: uuid.New(),
		Amount: decimal.RequireFromString("1.00"),
		Source: creditdomain.BatchSource("gift_card"),
	})
	assert.ErrorIs(t, err, domain.ErrInvalidSource)
}

func TestGrantSignupBonusOncePerUser(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	userID := uuid.New()

	batch, err := env.svc.GrantSignupBonus(ctx, userID)
	require.NoError(t, err)
	require.NotNil(t, batch)
	assert.Equal(t, creditdomain.BatchSourceSignupBonus, batch.Source)
	assert.True(t, batch.OriginalAmount.Equal(decimal.RequireFromString("5.00")))

	// Second signup event for the same user.
	again, err := env.svc.GrantSignupBonus(ctx, userID)
	require.NoError(t, err)
	assert.Nil(t, again)
	assert.Equal(t, int64(1), env.batchCount(t))

	// A different user still gets theirs.
	other, err := env.svc.GrantSignupBonus(ctx, uuid.New())
	require.NoError(t, err)
	require.NotNil(t, other)
	assert.Equal(t, int64(2), env.batchCount(t))
}
