package config

import (
	"errors"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// CreditConfig holds tunables for the credit ledger. It lives in a
// volume-mounted credits.yml so pricing and reaper settings can change
// without a redeploy.
type CreditConfig struct {
	// UnitPriceCents is the expected charge, in cents, for one credit.
	// Grant ingestion rejects payment events that paid less than
	// amount * UnitPriceCents.
	UnitPriceCents int64 `mapstructure:"unitPriceCents"`

	// SignupBonusCredits is the one-time bonus granted to new users.
	SignupBonusCredits string `mapstructure:"signupBonusCredits"`

	ReaperInterval  time.Duration `mapstructure:"reaperInterval"`
	ReservationTTL  time.Duration `mapstructure:"reservationTTL"`
	ReaperBatchSize int           `mapstructure:"reaperBatchSize"`
}

func DefaultCreditConfig() CreditConfig {
	return CreditConfig{
		UnitPriceCents:     100,
		SignupBonusCredits: "5.00",
		ReaperInterval:     5 * time.Minute,
		ReservationTTL:     15 * time.Minute,
		ReaperBatchSize:    100,
	}
}

type CreditConfigHolder struct {
	current atomic.Value // holds CreditConfig
}

func NewCreditConfigHolder() (*CreditConfigHolder, error) {
	v := viper.New()

	v.SetConfigName("credits")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/storybind/config")
	v.AddConfigPath("/etc/storybind")
	v.AddConfigPath(".")

	v.SetEnvPrefix("STORYBIND")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultCreditConfig()
	v.SetDefault("credits.unitPriceCents", defaults.UnitPriceCents)
	v.SetDefault("credits.signupBonusCredits", defaults.SignupBonusCredits)
	v.SetDefault("credits.reaperInterval", defaults.ReaperInterval)
	v.SetDefault("credits.reservationTTL", defaults.ReservationTTL)
	v.SetDefault("credits.reaperBatchSize", defaults.ReaperBatchSize)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg CreditConfig
	if err := v.UnmarshalKey("credits", &cfg); err != nil {
		return nil, err
	}
	if err := validateCreditConfig(cfg); err != nil {
		return nil, err
	}

	holder := &CreditConfigHolder{}
	holder.current.Store(cfg)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated CreditConfig
		if err := v.UnmarshalKey("credits", &updated); err != nil {
			log.Printf("[credit-config] reload failed: %v", err)
			return
		}
		if err := validateCreditConfig(updated); err != nil {
			log.Printf("[credit-config] invalid config ignored: %v", err)
			return
		}
		holder.current.Store(updated)
		log.Printf("[credit-config] reloaded from %s", e.Name)
	})

	return holder, nil
}

func (h *CreditConfigHolder) Get() CreditConfig {
	if cfg, ok := h.current.Load().(CreditConfig); ok {
		return cfg
	}
	return DefaultCreditConfig()
}

func validateCreditConfig(cfg CreditConfig) error {
	if cfg.UnitPriceCents <= 0 {
		return errors.New("credits.unitPriceCents must be positive")
	}
	if cfg.ReaperInterval <= 0 {
		return errors.New("credits.reaperInterval must be positive")
	}
	if cfg.ReservationTTL <= 0 {
		return errors.New("credits.reservationTTL must be positive")
	}
	return nil
}
