// Package domain contains the voice plan catalog models.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// Plan is a catalog row. Voice-enabled plans carry the defaults used to seed a
// tenant's voice policy at provisioning time.
type Plan struct {
	ID                                snowflake.ID      `gorm:"primaryKey" json:"id"`
	Code                              string            `gorm:"type:text;not null;uniqueIndex:ux_plans_code" json:"code"`
	Name                              string            `gorm:"type:text;not null" json:"name"`
	VoiceEnabled                      bool              `gorm:"not null;default:false" json:"voice_enabled"`
	DefaultIncludedMinutes            int64             `gorm:"not null;default:0" json:"default_included_minutes"`
	DefaultOveragePolicy              string            `gorm:"type:text;not null;default:'charge'" json:"default_overage_policy"`
	DefaultOveragePriceMinorUnits     int64             `gorm:"not null;default:0" json:"default_overage_price_minor_units"`
	DefaultMaxOverageChargeMinorUnits int64             `gorm:"not null;default:0" json:"default_max_overage_charge_minor_units"`
	DefaultAlertThresholds            datatypes.JSON    `gorm:"type:jsonb" json:"default_alert_thresholds"`
	Currency                          string            `gorm:"type:text;not null;default:'USD'" json:"currency"`
	Active                            bool              `gorm:"not null;default:true" json:"active"`
	Metadata                          datatypes.JSONMap `gorm:"type:jsonb" json:"metadata,omitempty"`
	CreatedAt                         time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt                         time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

func (Plan) TableName() string { return "plans" }
