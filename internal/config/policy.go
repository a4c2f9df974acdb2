package config

import (
	"errors"
	"log"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// PolicyConfig is the commission and payout policy applied when a
// clinic has no explicit override. It is loaded from policy.yml and
// hot-reloaded on change.
type PolicyConfig struct {
	MinimumPayoutCents int64 `mapstructure:"minimumPayoutCents"`
	PayoutFeeCents     int64 `mapstructure:"payoutFeeCents"`

	DefaultHoldDays            int `mapstructure:"defaultHoldDays"`
	DefaultCommissionPercentBps int `mapstructure:"defaultCommissionPercentBps"`

	DefaultWindowDays           int    `mapstructure:"defaultWindowDays"`
	DefaultNewPatientModel      string `mapstructure:"defaultNewPatientModel"`
	DefaultReturningPatientModel string `mapstructure:"defaultReturningPatientModel"`

	WithdrawalTxTimeoutSeconds int `mapstructure:"withdrawalTxTimeoutSeconds"`
}

func DefaultPolicyConfig() PolicyConfig {
	return PolicyConfig{
		MinimumPayoutCents:           5000,
		PayoutFeeCents:               0,
		DefaultHoldDays:              14,
		DefaultCommissionPercentBps:  2000,
		DefaultWindowDays:            30,
		DefaultNewPatientModel:       "FIRST_CLICK",
		DefaultReturningPatientModel: "LAST_CLICK",
		WithdrawalTxTimeoutSeconds:   12,
	}
}

// PolicyHolder exposes the current policy; safe for concurrent reads.
type PolicyHolder struct {
	current atomic.Value // holds PolicyConfig
}

func NewPolicyHolder() (*PolicyHolder, error) {
	v := viper.New()

	v.SetConfigName("policy")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/attrio/config")
	v.AddConfigPath("/etc/attrio")
	v.AddConfigPath(".")

	v.SetEnvPrefix("ATTRIO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultPolicyConfig()
	v.SetDefault("policy.minimumPayoutCents", defaults.MinimumPayoutCents)
	v.SetDefault("policy.payoutFeeCents", defaults.PayoutFeeCents)
	v.SetDefault("policy.defaultHoldDays", defaults.DefaultHoldDays)
	v.SetDefault("policy.defaultCommissionPercentBps", defaults.DefaultCommissionPercentBps)
	v.SetDefault("policy.defaultWindowDays", defaults.DefaultWindowDays)
	v.SetDefault("policy.defaultNewPatientModel", defaults.DefaultNewPatientModel)
	v.SetDefault("policy.defaultReturningPatientModel", defaults.DefaultReturningPatientModel)
	v.SetDefault("policy.withdrawalTxTimeoutSeconds", defaults.WithdrawalTxTimeoutSeconds)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg PolicyConfig
	if err := v.UnmarshalKey("policy", &cfg); err != nil {
		return nil, err
	}
	if err := validatePolicyConfig(cfg); err != nil {
		return nil, err
	}

	holder := &PolicyHolder{}
	holder.current.Store(cfg)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated PolicyConfig
		if err := v.UnmarshalKey("policy", &updated); err != nil {
			log.Printf("[policy-config] reload failed: %v", err)
			return
		}
		if err := validatePolicyConfig(updated); err != nil {
			log.Printf("[policy-config] invalid config ignored: %v", err)
			return
		}
		holder.current.Store(updated)
		log.Printf("[policy-config] reloaded from %s", e.Name)
	})

	return holder, nil
}

// NewStaticPolicyHolder builds a holder around a fixed policy. Test use.
func NewStaticPolicyHolder(cfg PolicyConfig) *PolicyHolder {
	holder := &PolicyHolder{}
	holder.current.Store(cfg)
	return holder
}

func (h *PolicyHolder) Get() PolicyConfig {
	return h.current.Load().(PolicyConfig)
}

func validatePolicyConfig(cfg PolicyConfig) error {
	if cfg.MinimumPayoutCents <= 0 {
		return errors.New("policy.minimumPayoutCents must be positive")
	}
	if cfg.PayoutFeeCents < 0 {
		return errors.New("policy.payoutFeeCents cannot be negative")
	}
	if cfg.DefaultHoldDays < 0 {
		return errors.New("policy.defaultHoldDays cannot be negative")
	}
	if cfg.DefaultWindowDays <= 0 {
		return errors.New("policy.defaultWindowDays must be positive")
	}
	if cfg.WithdrawalTxTimeoutSeconds <= 0 {
		return errors.New("policy.withdrawalTxTimeoutSeconds must be positive")
	}
	return nil
}
