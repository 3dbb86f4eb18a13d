package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/storybind/storybind/internal/clock"
	"github.com/storybind/storybind/internal/credit/domain"
	"github.com/storybind/storybind/internal/observability/metrics"
	"github.com/storybind/storybind/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	Clock   clock.Clock
	GenID   *snowflake.Node
	Repo    domain.Repository
	Metrics *metrics.Metrics `optional:"true"`
}

type Service struct {
	db      *gorm.DB
	log     *zap.Logger
	clock   clock.Clock
	genID   *snowflake.Node
	repo    domain.Repository
	metrics *metrics.Metrics
}

func NewService(p Params) domain.Service {
	return &Service{
		db:      p.DB,
		log:     p.Log.Named("credit.service"),
		clock:   p.Clock,
		genID:   p.GenID,
		repo:    p.Repo,
		metrics: p.Metrics,
	}
}

// Reserve draws the requested amount from the user's oldest batches and
// writes a "reserved" usage row, all in one transaction. Nothing is
// mutated when the balance falls short.
func (s *Service) Reserve(ctx context.Context, req domain.ReserveRequest) (snowflake.ID, error) {
	if req.UserID == uuid.Nil {
		return 0, domain.ErrInvalidUser
	}
	if !req.Amount.IsPositive() {
		return 0, domain.ErrInvalidAmount
	}

	usageLogID := s.genID.Generate()
	now := s.clock.Now().UTC()

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		batches, err := s.repo.LockBatchesForReserve(ctx, tx, req.UserID)
		if err != nil {
			return err
		}

		draws, shortfall := domain.PlanConsumption(batches, req.Amount)
		if shortfall.IsPositive() {
			return &domain.InsufficientCreditsError{
				Balance:  domain.TotalRemaining(batches),
				Required: req.Amount,
			}
		}

		remaining := make(map[snowflake.ID]decimal.Decimal, len(batches))
		for _, b := range batches {
			remaining[b.ID] = b.RemainingAmount
		}
		for _, draw := range draws {
			newRemaining := remaining[draw.BatchID].Sub(draw.Amount)
			if err := s.repo.UpdateBatchRemaining(ctx, tx, draw.BatchID, newRemaining, now); err != nil {
				return err
			}
		}

		entry := &domain.UsageLogEntry{
			ID:              usageLogID,
			UserID:          req.UserID,
			JobID:           req.JobID,
			JobType:         req.JobType,
			CreditsUsed:     req.Amount,
			Status:          domain.UsageStatusReserved,
			BatchesConsumed: datatypes.NewJSONType(draws),
			Description:     req.Description,
			Metadata:        datatypes.JSONMap(domain.SanitizeMetadata(req.Metadata)),
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		return s.repo.InsertUsageLog(ctx, tx, entry)
	})
	if err != nil {
		var insufficient *domain.InsufficientCreditsError
		if errors.As(err, &insufficient) {
			s.metrics.RecordInsufficient(ctx, req.JobType)
			s.log.Info("reservation rejected, insufficient credits",
				zap.String("user_id", req.UserID.String()),
				zap.String("job_type", req.JobType),
				zap.String("balance", insufficient.Balance.String()),
				zap.String("required", insufficient.Required.String()),
			)
			return 0, insufficient
		}
		return 0, s.wrapStoreErr(err, "reserve")
	}

	s.metrics.RecordReservation(ctx, req.JobType)
	s.log.Info("credits reserved",
		zap.String("user_id", req.UserID.String()),
		zap.String("usage_log_id", usageLogID.String()),
		zap.String("amount", req.Amount.String()),
		zap.String("job_type", req.JobType),
	)
	return usageLogID, nil
}

// Confirm marks a reserved row as consumed. A missing row, an ownership
// mismatch, or a row that already left "reserved" is a silent no-op.
func (s *Service) Confirm(ctx context.Context, usageLogID snowflake.ID, userID *uuid.UUID) error {
	var transitioned bool
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		entry, err := s.repo.FindUsageLogForUpdate(ctx, tx, usageLogID, userID)
		if err != nil {
			return err
		}
		if entry == nil || entry.Status != domain.UsageStatusReserved {
			return nil
		}

		transitioned, err = s.repo.UpdateUsageLogStatus(ctx, tx, entry.ID,
			domain.UsageStatusReserved, domain.UsageStatusConfirmed, s.clock.Now().UTC())
		return err
	})
	if err != nil {
		return s.wrapStoreErr(err, "confirm")
	}

	if transitioned {
		s.metrics.RecordConfirm(ctx)
		s.log.Info("reservation confirmed", zap.String("usage_log_id", usageLogID.String()))
	}
	return nil
}

// Release refunds a reserved row: every recorded draw is added back to its
// batch and the row becomes "refunded". Same no-op rules as Confirm.
func (s *Service) Release(ctx context.Context, usageLogID snowflake.ID, userID *uuid.UUID) error {
	var transitioned bool
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		entry, err := s.repo.FindUsageLogForUpdate(ctx, tx, usageLogID, userID)
		if err != nil {
			return err
		}
		if entry == nil || entry.Status != domain.UsageStatusReserved {
			return nil
		}

		now := s.clock.Now().UTC()
		for _, draw := range entry.BatchesConsumed.Data() {
			batch, err := s.repo.LockBatchByID(ctx, tx, draw.BatchID)
			if err != nil {
				return err
			}
			if batch == nil {
				// Batches are never deleted. A missing one means the row
				// was tampered with; surface it rather than lose credit.
				return fmt.Errorf("release %s: batch %s not found", usageLogID, draw.BatchID)
			}
			if err := s.repo.UpdateBatchRemaining(ctx, tx, batch.ID, batch.RemainingAmount.Add(draw.Amount), now); err != nil {
				return err
			}
		}

		transitioned, err = s.repo.UpdateUsageLogStatus(ctx, tx, entry.ID,
			domain.UsageStatusReserved, domain.UsageStatusRefunded, now)
		return err
	})
	if err != nil {
		return s.wrapStoreErr(err, "release")
	}

	if transitioned {
		trigger := "caller"
		if userID == nil {
			trigger = "system"
		}
		s.metrics.RecordRelease(ctx, trigger)
		s.log.Info("reservation released", zap.String("usage_log_id", usageLogID.String()))
	}
	return nil
}

func (s *Service) GetBalance(ctx context.Context, userID uuid.UUID) (decimal.Decimal, error) {
	if userID == uuid.Nil {
		return decimal.Zero, domain.ErrInvalidUser
	}

	balance, err := s.repo.SumRemaining(ctx, s.db, userID)
	if err != nil {
		return decimal.Zero, s.wrapStoreErr(err, "get_balance")
	}
	return balance, nil
}

func (s *Service) ListUsage(ctx context.Context, userID uuid.UUID, limit int) ([]domain.UsageEntry, error) {
	if userID == uuid.Nil {
		return nil, domain.ErrInvalidUser
	}
	if limit < 1 {
		limit = 1
	}
	if limit > 100 {
		limit = 100
	}

	rows, err := s.repo.ListUsage(ctx, s.db, userID, limit)
	if err != nil {
		return nil, s.wrapStoreErr(err, "list_usage")
	}

	entries := make([]domain.UsageEntry, 0, len(rows))
	for _, row := range rows {
		entries = append(entries, domain.UsageEntry{
			ID:          row.ID.String(),
			JobID:       row.JobID.String(),
			JobType:     row.JobType,
			CreditsUsed: row.CreditsUsed,
			Status:      row.Status,
			Description: row.Description,
			CreatedAt:   row.CreatedAt,
		})
	}
	return entries, nil
}

func (s *Service) StaleReservationIDs(ctx context.Context, cutoff time.Time, limit int) ([]snowflake.ID, error) {
	ids, err := s.repo.ListStaleReservedIDs(ctx, s.db, cutoff, limit)
	if err != nil {
		return nil, s.wrapStoreErr(err, "stale_reservations")
	}
	return ids, nil
}

func (s *Service) wrapStoreErr(err error, op string) error {
	if db.IsTransientErr(err) {
		s.log.Warn("transient store failure", zap.String("op", op), zap.Error(err))
		return fmt.Errorf("%w: %v", domain.ErrTransientStore, err)
	}
	return err
}
