package scheduler

import (
	"time"

	"github.com/storybind/storybind/internal/config"
)

// Config controls how often stale reservations are swept and how old a
// reservation must be before it counts as abandoned.
type Config struct {
	RunInterval    time.Duration
	ReservationTTL time.Duration
	BatchSize      int
}

func DefaultConfig() Config {
	return Config{
		RunInterval:    5 * time.Minute,
		ReservationTTL: 15 * time.Minute,
		BatchSize:      100,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.RunInterval <= 0 {
		c.RunInterval = defaults.RunInterval
	}
	if c.ReservationTTL <= 0 {
		c.ReservationTTL = defaults.ReservationTTL
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaults.BatchSize
	}
	return c
}

// ProvideConfig snapshots the sweep settings from the credit config at
// startup. TTL and batch size are re-read from the holder on every sweep;
// changing the run interval needs a restart.
func ProvideConfig(holder *config.CreditConfigHolder) Config {
	cfg := holder.Get()
	return Config{
		RunInterval:    cfg.ReaperInterval,
		ReservationTTL: cfg.ReservationTTL,
		BatchSize:      cfg.ReaperBatchSize,
	}.withDefaults()
}
