package scheduler

import (
	"time"

	appconfig "github.com/smallbiznis/voxbill/internal/config"
)

// Config controls scheduler intervals and batch sizes.
type Config struct {
	RunInterval       time.Duration
	BatchSize         int
	RecoveryThreshold time.Duration
	EnabledJobs       []string
}

func DefaultConfig() Config {
	return Config{
		RunInterval:       time.Minute,
		BatchSize:         50,
		RecoveryThreshold: 30 * time.Minute,
	}
}

func ProvideConfig(cfg appconfig.Config) Config {
	return Config{
		RunInterval:       time.Duration(cfg.Scheduler.RunIntervalSeconds) * time.Second,
		BatchSize:         cfg.Scheduler.BatchSize,
		RecoveryThreshold: time.Duration(cfg.Scheduler.RecoveryThresholdMinutes) * time.Minute,
		EnabledJobs:       cfg.Scheduler.EnabledJobs,
	}.withDefaults()
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.RunInterval <= 0 {
		c.RunInterval = defaults.RunInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaults.BatchSize
	}
	if c.RecoveryThreshold <= 0 {
		c.RecoveryThreshold = defaults.RecoveryThreshold
	}
	return c
}
