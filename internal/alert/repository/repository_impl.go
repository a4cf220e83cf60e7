package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/voxbill/internal/alert/domain"
	"gorm.io/gorm"
)

type repository struct{}

func Provide() domain.Repository {
	return &repository{}
}

func (r *repository) Insert(ctx context.Context, db *gorm.DB, alert *domain.UsageAlert) error {
	return db.WithContext(ctx).Create(alert).Error
}

func (r *repository) ListPending(ctx context.Context, db *gorm.DB, limit int) ([]domain.UsageAlert, error) {
	var alerts []domain.UsageAlert
	err := db.WithContext(ctx).
		Where("notified = ?", false).
		Order("created_at asc").
		Limit(limit).
		Find(&alerts).Error
	if err != nil {
		return nil, err
	}
	return alerts, nil
}

// MarkNotified flips the pending flag only if another dispatcher has not
// already claimed the row. Returns false when the row was already notified.
func (r *repository) MarkNotified(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE usage_alerts SET notified = true, notified_at = ?, last_error = NULL
		 WHERE id = ? AND notified = false`,
		at, id,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repository) RecordFailure(ctx context.Context, db *gorm.DB, id snowflake.ID, message string) error {
	return db.WithContext(ctx).Exec(
		`UPDATE usage_alerts SET last_error = ? WHERE id = ? AND notified = false`,
		message, id,
	).Error
}
