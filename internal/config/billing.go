package config

import (
	"errors"
	"log"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// VoiceDefaults are the tenant policy values applied when a plan does not
// override them. Operator-tunable without restart.
type VoiceDefaults struct {
	IncludedMinutes           int64   `mapstructure:"includedMinutes"`
	OveragePolicy             string  `mapstructure:"overagePolicy"`
	OveragePriceMinorUnits    int64   `mapstructure:"overagePriceMinorUnits"`
	MaxOverageChargeMinor     int64   `mapstructure:"maxOverageChargeMinorUnits"`
	AlertThresholds           []int64 `mapstructure:"alertThresholds"`
	Currency                  string  `mapstructure:"currency"`
	PreviewMinElapsedDays     int     `mapstructure:"previewMinElapsedDays"`
	StatementNumberTemplate   string  `mapstructure:"statementNumberTemplate"`
	SubmissionRetryAfterHours int     `mapstructure:"submissionRetryAfterHours"`
}

func DefaultVoiceDefaults() VoiceDefaults {
	return VoiceDefaults{
		IncludedMinutes:           500,
		OveragePolicy:             "charge",
		OveragePriceMinorUnits:    350,
		MaxOverageChargeMinor:     200_000,
		AlertThresholds:           []int64{70, 85, 95, 100},
		Currency:                  "USD",
		PreviewMinElapsedDays:     1,
		StatementNumberTemplate:   "OVG-{YYYY}{MM}-{SEQ6}",
		SubmissionRetryAfterHours: 6,
	}
}

type VoiceDefaultsHolder struct {
	current atomic.Value // holds VoiceDefaults
}

func NewVoiceDefaultsHolder() (*VoiceDefaultsHolder, error) {
	v := viper.New()

	v.SetConfigName("voice")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/voxbill/config") // Volume-mounted config
	v.AddConfigPath("/etc/voxbill")            // System config
	v.AddConfigPath(".")                       // Current directory (dev mode)

	// env hanya untuk path override (optional)
	v.SetEnvPrefix("VOXBILL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		// if config file not found, use defaults
		defaults := DefaultVoiceDefaults()
		v.SetDefault("voice.includedMinutes", defaults.IncludedMinutes)
		v.SetDefault("voice.overagePolicy", defaults.OveragePolicy)
		v.SetDefault("voice.overagePriceMinorUnits", defaults.OveragePriceMinorUnits)
		v.SetDefault("voice.maxOverageChargeMinorUnits", defaults.MaxOverageChargeMinor)
		v.SetDefault("voice.alertThresholds", defaults.AlertThresholds)
		v.SetDefault("voice.currency", defaults.Currency)
		v.SetDefault("voice.previewMinElapsedDays", defaults.PreviewMinElapsedDays)
		v.SetDefault("voice.statementNumberTemplate", defaults.StatementNumberTemplate)
		v.SetDefault("voice.submissionRetryAfterHours", defaults.SubmissionRetryAfterHours)
	}

	var cfg VoiceDefaults
	if err := v.UnmarshalKey("voice", &cfg); err != nil {
		return nil, err
	}
	if err := validateVoiceDefaults(cfg); err != nil {
		return nil, err
	}

	holder := &VoiceDefaultsHolder{}
	holder.current.Store(cfg)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated VoiceDefaults
		if err := v.UnmarshalKey("voice", &updated); err != nil {
			log.Printf("[voice-config] reload failed: %v", err)
			return
		}
		if err := validateVoiceDefaults(updated); err != nil {
			log.Printf("[voice-config] invalid config ignored: %v", err)
			return
		}
		holder.current.Store(updated)
		log.Printf("[voice-config] reloaded from %s", e.Name)
	})

	return holder, nil
}

func (h *VoiceDefaultsHolder) Get() VoiceDefaults {
	return h.current.Load().(VoiceDefaults)
}

func validateVoiceDefaults(cfg VoiceDefaults) error {
	if cfg.IncludedMinutes < 0 {
		return errors.New("voice.includedMinutes cannot be negative")
	}
	if cfg.OveragePriceMinorUnits < 0 {
		return errors.New("voice.overagePriceMinorUnits cannot be negative")
	}
	if cfg.MaxOverageChargeMinor < 0 {
		return errors.New("voice.maxOverageChargeMinorUnits cannot be negative")
	}
	switch cfg.OveragePolicy {
	case "block", "charge", "notify_only":
	default:
		return errors.New("voice.overagePolicy must be block, charge or notify_only")
	}
	if len(cfg.AlertThresholds) == 0 {
		return errors.New("voice.alertThresholds cannot be empty")
	}
	if !sort.SliceIsSorted(cfg.AlertThresholds, func(i, j int) bool {
		return cfg.AlertThresholds[i] < cfg.AlertThresholds[j]
	}) {
		return errors.New("voice.alertThresholds must be ascending")
	}
	return nil
}
