package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/storybind/storybind/internal/clock"
	"github.com/storybind/storybind/internal/config"
	creditdomain "github.com/storybind/storybind/internal/credit/domain"
	"github.com/storybind/storybind/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var ErrInvalidConfig = errors.New("reaper dependencies are incomplete")

type Params struct {
	fx.In

	Log       *zap.Logger
	Clock     clock.Clock
	CreditSvc creditdomain.Service
	CreditCfg *config.CreditConfigHolder `optional:"true"`
	Metrics   *metrics.Metrics           `optional:"true"`
	Config    Config                     `optional:"true"`
}

// Reaper periodically releases reservations whose job died before calling
// confirm or release, returning their credits to the owning batches.
type Reaper struct {
	log       *zap.Logger
	cfg       Config
	clock     clock.Clock
	creditSvc creditdomain.Service
	creditCfg *config.CreditConfigHolder
	metrics   *metrics.Metrics

	running atomic.Bool
}

func New(p Params) (*Reaper, error) {
	if p.Log == nil || p.Clock == nil || p.CreditSvc == nil {
		return nil, ErrInvalidConfig
	}
	return &Reaper{
		log:       p.Log.Named("scheduler").With(zap.String("component", "reaper")),
		cfg:       p.Config.withDefaults(),
		clock:     p.Clock,
		creditSvc: p.CreditSvc,
		creditCfg: p.CreditCfg,
		metrics:   p.Metrics,
	}, nil
}

func (r *Reaper) sweepSettings() (time.Duration, int) {
	if r.creditCfg != nil {
		cfg := r.creditCfg.Get()
		if cfg.ReservationTTL > 0 && cfg.ReaperBatchSize > 0 {
			return cfg.ReservationTTL, cfg.ReaperBatchSize
		}
	}
	return r.cfg.ReservationTTL, r.cfg.BatchSize
}

// RunOnce performs a single sweep. A sweep that is still in flight makes
// the next one a busy-skip, so sweeps never overlap. Per-row failures are
// logged and skipped; one stuck row must not block the rest.
func (r *Reaper) RunOnce(ctx context.Context) (int, error) {
	if !r.running.CompareAndSwap(false, true) {
		r.log.Debug("sweep already in flight, skipping")
		return 0, nil
	}
	defer r.running.Store(false)

	ttl, batchSize := r.sweepSettings()
	cutoff := r.clock.Now().UTC().Add(-ttl)

	ids, err := r.creditSvc.StaleReservationIDs(ctx, cutoff, batchSize)
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	released := 0
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			break
		}
		if err := r.creditSvc.Release(ctx, id, nil); err != nil {
			r.log.Warn("failed to release stale reservation",
				zap.String("usage_log_id", id.String()),
				zap.Error(err),
			)
			continue
		}
		released++
	}

	if released > 0 {
		r.metrics.RecordStaleReaped(ctx, int64(released))
		r.log.Info("released stale reservations",
			zap.Int("count", released),
			zap.Int("candidates", len(ids)),
			zap.Time("cutoff", cutoff),
		)
	}
	return released, nil
}

func (r *Reaper) RunForever(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.RunInterval)
	defer ticker.Stop()

	for {
		if _, err := r.RunOnce(ctx); err != nil {
			r.log.Warn("sweep failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
