package cloudmetrics

import (
	"context"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/smallbiznis/voxbill/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("cloud.metrics",
	fx.Provide(func() *prometheus.Registry {
		return prometheus.NewRegistry()
	}),
	fx.Invoke(Register),
	fx.Invoke(startInstanceStats),
)

// startInstanceStats refreshes the instance-level gauges on a slow cadence.
func startInstanceStats(lc fx.Lifecycle, cfg config.Config, logger *zap.Logger, db *gorm.DB) {
	if !shouldEnable(cfg) {
		return
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				ticker := time.NewTicker(5 * time.Minute)
				defer ticker.Stop()

				updateInstanceStats(ctx, db)
				for {
					select {
					case <-ticker.C:
						updateInstanceStats(ctx, db)
					case <-ctx.Done():
						return
					}
				}
			}()
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			return nil
		},
	})
}

func updateInstanceStats(ctx context.Context, db *gorm.DB) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	SetMemoryUsage(m.Sys)

	if db == nil {
		return
	}
	var count int64
	if err := db.WithContext(ctx).Table("tenants").Count(&count).Error; err != nil {
		return
	}
	SetTenantsTotal(count)
}
