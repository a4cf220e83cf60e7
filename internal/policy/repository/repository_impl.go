package repository

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	policydomain "github.com/smallbiznis/voxbill/internal/policy/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() policydomain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, policy *policydomain.TenantVoicePolicy) error {
	return db.WithContext(ctx).Create(policy).Error
}

func (r *repo) Update(ctx context.Context, db *gorm.DB, policy *policydomain.TenantVoicePolicy) error {
	return db.WithContext(ctx).
		Model(&policydomain.TenantVoicePolicy{}).
		Where("tenant_id = ?", policy.TenantID).
		Updates(map[string]any{
			"included_minutes":               policy.IncludedMinutes,
			"overage_policy":                 policy.OveragePolicy,
			"overage_price_minor_units":      policy.OveragePriceMinorUnits,
			"max_overage_charge_minor_units": policy.MaxOverageChargeMinorUnits,
			"alert_thresholds":               policy.AlertThresholds,
			"updated_at":                     policy.UpdatedAt,
		}).Error
}

func (r *repo) FindByTenant(ctx context.Context, db *gorm.DB, tenantID snowflake.ID) (*policydomain.TenantVoicePolicy, error) {
	var policy policydomain.TenantVoicePolicy
	err := db.WithContext(ctx).
		Where("tenant_id = ?", tenantID).
		First(&policy).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &policy, nil
}

func (r *repo) UnblockPeriods(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, reason string) (int64, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE usage_periods
		 SET is_blocked = false, blocked_reason = NULL, updated_at = CURRENT_TIMESTAMP
		 WHERE tenant_id = ? AND is_blocked = true AND blocked_reason = ?`,
		tenantID,
		reason,
	)
	if result.Error != nil {
		return 0, result.Error
	}
	return result.RowsAffected, nil
}

func (r *repo) SnapshotIncludedMinutes(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, includedMinutes int64) error {
	return db.WithContext(ctx).Exec(
		`UPDATE usage_periods
		 SET included_minutes_snapshot = ?, updated_at = CURRENT_TIMESTAMP
		 WHERE tenant_id = ? AND is_billed = false AND period_end > CURRENT_TIMESTAMP`,
		includedMinutes,
		tenantID,
	).Error
}
