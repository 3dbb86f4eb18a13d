package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/storybind/storybind/internal/clock"
	creditdomain "github.com/storybind/storybind/internal/credit/domain"
	creditrepo "github.com/storybind/storybind/internal/credit/repository"
	creditservice "github.com/storybind/storybind/internal/credit/service"
	"github.com/storybind/storybind/internal/migration"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type reaperEnv struct {
	db        *gorm.DB
	clock     *clock.FakeClock
	creditSvc creditdomain.Service
	reaper    *Reaper
	genID     *snowflake.Node
}

func newReaperEnv(t *testing.T) *reaperEnv {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, migration.AutoMigrate(db))

	node, err := snowflake.NewNode(3)
	require.NoError(t, err)

	fakeClock := clock.NewFakeClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))

	creditSvc := creditservice.NewService(creditservice.Params{
		DB:    db,
		Log:   zap.NewNop(),
		Clock: fakeClock,
		GenID: node,
		Repo:  creditrepo.Provide(),
	})

	reaper, err := New(Params{
		Log:       zap.NewNop(),
		Clock:     fakeClock,
		CreditSvc: creditSvc,
		Config: Config{
			RunInterval:    time.Minute,
			ReservationTTL: 15 * time.Minute,
			BatchSize:      100,
		},
	})
	require.NoError(t, err)

	return &reaperEnv{db: db, clock: fakeClock, creditSvc: creditSvc, reaper: reaper, genID: node}
}

func (e *reaperEnv) seedBatch(t *testing.T, userID uuid.UUID, amount string) {
	t.Helper()

	require.NoError(t, e.db.Create(&creditdomain.CreditBatch{
		ID:              e.genID.Generate(),
		UserID:          userID,
		OriginalAmount:  decimal.RequireFromString(amount),
		RemainingAmount: decimal.RequireFromString(amount),
		Source:          creditdomain.BatchSourcePurchase,
		CreatedAt:       e.clock.Now(),
		UpdatedAt:       e.clock.Now(),
	}).Error)
}

func (e *reaperEnv) reserve(t *testing.T, userID uuid.UUID, amount string) snowflake.ID {
	t.Helper()

	id, err := e.creditSvc.Reserve(context.Background(), creditdomain.ReserveRequest{
		UserID:  userID,
		Amount:  decimal.RequireFromString(amount),
		JobID:   uuid.New(),
		JobType: "story_generation",
	})
	require.NoError(t, err)
	return id
}

func (e *reaperEnv) status(t *testing.T, id snowflake.ID) creditdomain.UsageStatus {
	t.Helper()

	var entry creditdomain.UsageLogEntry
	require.NoError(t, e.db.First(&entry, "id = ?", id).Error)
	return entry.Status
}

func TestReaperReleasesOnlyStaleReservations(t *testing.T) {
	env := newReaperEnv(t)
	ctx := context.Background()
	userID := uuid.New()
	env.seedBatch(t, userID, "10.00")

	staleID := env.reserve(t, userID, "2.00")
	confirmedID := env.reserve(t, userID, "3.00")
	require.NoError(t, env.creditSvc.Confirm(ctx, confirmedID, &userID))

	env.clock.Advance(30 * time.Minute)
	freshID := env.reserve(t, userID, "1.00")

	released, err := env.reaper.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, released)

	assert.Equal(t, creditdomain.UsageStatusRefunded, env.status(t, staleID))
	assert.Equal(t, creditdomain.UsageStatusConfirmed, env.status(t, confirmedID))
	assert.Equal(t, creditdomain.UsageStatusReserved, env.status(t, freshID))

	// The stale hold flowed back: 10 - 3 confirmed - 1 fresh.
	balance, err := env.creditSvc.GetBalance(ctx, userID)
	require.NoError(t, err)
	assert.True(t, balance.Equal(decimal.RequireFromString("6.00")))
}

func TestReaperNothingToDo(t *testing.T) {
	env := newReaperEnv(t)

	released, err := env.reaper.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, released)
}

func TestReaperBusySkip(t *testing.T) {
	env := newReaperEnv(t)
	userID := uuid.New()
	env.seedBatch(t, userID, "10.00")
	staleID := env.reserve(t, userID, "2.00")
	env.clock.Advance(time.Hour)

	env.reaper.running.Store(true)
	released, err := env.reaper.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, released)
	assert.Equal(t, creditdomain.UsageStatusReserved, env.status(t, staleID))

	env.reaper.running.Store(false)
	released, err = env.reaper.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, released)
}

type flakyReleaseSvc struct {
	creditdomain.Service
	failOn snowflake.ID
}

func (s *flakyReleaseSvc) Release(ctx context.Context, id snowflake.ID, userID *uuid.UUID) error {
	if id == s.failOn {
		return errors.New("database is locked")
	}
	return s.Service.Release(ctx, id, userID)
}

func TestReaperSkipsFailingRows(t *testing.T) {
	env := newReaperEnv(t)
	ctx := context.Background()
	userID := uuid.New()
	env.seedBatch(t, userID, "10.00")

	badID := env.reserve(t, userID, "1.00")
	goodID := env.reserve(t, userID, "1.00")
	env.clock.Advance(time.Hour)

	reaper, err := New(Params{
		Log:       zap.NewNop(),
		Clock:     env.clock,
		CreditSvc: &flakyReleaseSvc{Service: env.creditSvc, failOn: badID},
		Config: Config{
			RunInterval:    time.Minute,
			ReservationTTL: 15 * time.Minute,
			BatchSize:      100,
		},
	})
	require.NoError(t, err)

	released, err := reaper.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, released)
	assert.Equal(t, creditdomain.UsageStatusReserved, env.status(t, badID))
	assert.Equal(t, creditdomain.UsageStatusRefunded, env.status(t, goodID))
}
