package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/storybind/storybind/internal/clock"
	"github.com/storybind/storybind/internal/config"
	creditdomain "github.com/storybind/storybind/internal/credit/domain"
	"github.com/storybind/storybind/internal/grant/domain"
	"github.com/storybind/storybind/internal/observability/metrics"
	"github.com/storybind/storybind/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	Clock     clock.Clock
	GenID     *snowflake.Node
	Repo      creditdomain.Repository
	CreditCfg *config.CreditConfigHolder
	Metrics   *metrics.Metrics `optional:"true"`
}

type Service struct {
	db        *gorm.DB
	log       *zap.Logger
	clock     clock.Clock
	genID     *snowflake.Node
	repo      creditdomain.Repository
	creditCfg *config.CreditConfigHolder
	metrics   *metrics.Metrics
}

func NewService(p Params) domain.Service {
	return &Service{
		db:        p.DB,
		log:       p.Log.Named("grant.service"),
		clock:     p.Clock,
		genID:     p.GenID,
		repo:      p.Repo,
		creditCfg: p.CreditCfg,
		metrics:   p.Metrics,
	}
}

// Ingest writes one credit batch for a verified grant event. Replays of
// the same external ref, and repeat signup bonuses, resolve to (nil, nil)
// so webhook retries stay harmless.
func (s *Service) Ingest(ctx context.Context, req domain.IngestRequest) (*creditdomain.CreditBatch, error) {
	if req.UserID == uuid.Nil {
		return nil, domain.ErrInvalidUser
	}
	if !req.Amount.IsPositive() {
		return nil, domain.ErrInvalidAmount
	}
	if !req.Source.Valid() {
		return nil, domain.ErrInvalidSource
	}

	if req.Source == creditdomain.BatchSourcePurchase {
		if req.ExternalRef == nil || strings.TrimSpace(*req.ExternalRef) == "" {
			return nil, domain.ErrMissingExternalRef
		}
		unitPrice := decimal.NewFromInt(s.creditCfg.Get().UnitPriceCents)
		requiredCents := req.Amount.Mul(unitPrice)
		if decimal.NewFromInt(req.VerifiedPaidCents).LessThan(requiredCents) {
			s.log.Warn("underpaid grant rejected",
				zap.String("user_id", req.UserID.String()),
				zap.String("amount", req.Amount.String()),
				zap.Int64("paid_cents", req.VerifiedPaidCents),
				zap.String("required_cents", requiredCents.String()),
			)
			return nil, domain.ErrUnderpaidGrant
		}
	}

	now := s.clock.Now().UTC()
	batch := &creditdomain.CreditBatch{
		ID:              s.genID.Generate(),
		UserID:          req.UserID,
		OriginalAmount:  req.Amount,
		RemainingAmount: req.Amount,
		Source:          req.Source,
		ExternalRef:     req.ExternalRef,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	if err := s.repo.InsertBatch(ctx, s.db, batch); err != nil {
		if db.IsDuplicateKeyErr(err) {
			s.metrics.RecordGrant(ctx, string(req.Source), true)
			s.log.Info("duplicate grant absorbed",
				zap.String("user_id", req.UserID.String()),
				zap.String("source", string(req.Source)),
			)
			return nil, nil
		}
		return nil, err
	}

	s.metrics.RecordGrant(ctx, string(req.Source), false)
	s.log.Info("credit batch granted",
		zap.String("user_id", req.UserID.String()),
		zap.String("batch_id", batch.ID.String()),
		zap.String("amount", req.Amount.String()),
		zap.String("source", string(req.Source)),
	)
	return batch, nil
}

func (s *Service) GrantSignupBonus(ctx context.Context, userID uuid.UUID) (*creditdomain.CreditBatch, error) {
	if userID == uuid.Nil {
		return nil, domain.ErrInvalidUser
	}

	bonus, err := decimal.NewFromString(s.creditCfg.Get().SignupBonusCredits)
	if err != nil {
		return nil, err
	}
	if !bonus.IsPositive() {
		// A zero bonus disables the feature.
		return nil, nil
	}

	return s.Ingest(ctx, domain.IngestRequest{
		UserID: userID,
		Amount: bonus,
		Source: creditdomain.BatchSourceSignupBonus,
	})
}
