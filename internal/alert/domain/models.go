// Package domain contains usage alert rows produced by the usage recorder
// when a tenant crosses an alert threshold.
package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type UsageAlert struct {
	ID           snowflake.ID `gorm:"primaryKey" json:"id"`
	TenantID     snowflake.ID `gorm:"not null;index;uniqueIndex:ux_usage_alerts_period_threshold,priority:1" json:"tenant_id"`
	UsageID      snowflake.ID `gorm:"not null;column:usage_id;uniqueIndex:ux_usage_alerts_period_threshold,priority:2" json:"usage_id"`
	Threshold    int64        `gorm:"not null;uniqueIndex:ux_usage_alerts_period_threshold,priority:3" json:"threshold"`
	UsagePercent float64      `gorm:"not null" json:"usage_percent"`
	Notified     bool         `gorm:"not null;default:false" json:"notified"`
	NotifiedAt   *time.Time   `json:"notified_at,omitempty"`
	LastError    *string      `gorm:"type:text" json:"last_error,omitempty"`
	CreatedAt    time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
}

func (UsageAlert) TableName() string { return "usage_alerts" }

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, alert *UsageAlert) error
	ListPending(ctx context.Context, db *gorm.DB, limit int) ([]UsageAlert, error)
	MarkNotified(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time) (bool, error)
	RecordFailure(ctx context.Context, db *gorm.DB, id snowflake.ID, message string) error
}
