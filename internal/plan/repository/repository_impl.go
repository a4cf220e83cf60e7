package repository

import (
	"context"
	"errors"

	plandomain "github.com/smallbiznis/voxbill/internal/plan/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() plandomain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, plan *plandomain.Plan) error {
	return db.WithContext(ctx).Create(plan).Error
}

func (r *repo) Update(ctx context.Context, db *gorm.DB, plan *plandomain.Plan) error {
	return db.WithContext(ctx).
		Model(&plandomain.Plan{}).
		Where("id = ?", plan.ID).
		Updates(map[string]any{
			"name":                                   plan.Name,
			"voice_enabled":                          plan.VoiceEnabled,
			"default_included_minutes":               plan.DefaultIncludedMinutes,
			"default_overage_policy":                 plan.DefaultOveragePolicy,
			"default_overage_price_minor_units":      plan.DefaultOveragePriceMinorUnits,
			"default_max_overage_charge_minor_units": plan.DefaultMaxOverageChargeMinorUnits,
			"default_alert_thresholds":               plan.DefaultAlertThresholds,
			"active":                                 plan.Active,
			"updated_at":                             plan.UpdatedAt,
		}).Error
}

func (r *repo) FindByCode(ctx context.Context, db *gorm.DB, code string) (*plandomain.Plan, error) {
	var plan plandomain.Plan
	err := db.WithContext(ctx).
		Where("code = ?", code).
		First(&plan).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &plan, nil
}

func (r *repo) List(ctx context.Context, db *gorm.DB) ([]plandomain.Plan, error) {
	var plans []plandomain.Plan
	if err := db.WithContext(ctx).
		Order("code asc").
		Find(&plans).Error; err != nil {
		return nil, err
	}
	return plans, nil
}
