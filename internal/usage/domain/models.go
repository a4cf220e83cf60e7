// Package domain contains the usage ledger: periods and the per-call
// transactions that reconcile them.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type BillingStatus string

const (
	BillingStatusPending    BillingStatus = "pending"
	BillingStatusSubmitting BillingStatus = "submitting"
	BillingStatusBilled     BillingStatus = "billed"
)

// UsagePeriod is one accounting window per tenant. Exactly one period covers
// "now" for an active tenant; closed periods form append-only history.
// Counters only ever increase within a period.
type UsagePeriod struct {
	ID                      snowflake.ID  `gorm:"primaryKey" json:"id"`
	TenantID                snowflake.ID  `gorm:"not null;index;uniqueIndex:ux_usage_periods_tenant_start,priority:1" json:"tenant_id"`
	PeriodStart             time.Time     `gorm:"not null;uniqueIndex:ux_usage_periods_tenant_start,priority:2" json:"period_start"`
	PeriodEnd               time.Time     `gorm:"not null" json:"period_end"`
	IncludedMinutesSnapshot int64         `gorm:"not null;default:0;column:included_minutes_snapshot" json:"included_minutes_snapshot"`
	IncludedMinutesUsed     int64         `gorm:"not null;default:0" json:"included_minutes_used"`
	OverageMinutesUsed      int64         `gorm:"not null;default:0" json:"overage_minutes_used"`
	OverageChargeMinorUnits int64         `gorm:"not null;default:0" json:"overage_charge_minor_units"`
	TotalCalls              int64         `gorm:"not null;default:0" json:"total_calls"`
	IsBlocked               bool          `gorm:"not null;default:false" json:"is_blocked"`
	BlockedReason           *string       `gorm:"type:text" json:"blocked_reason,omitempty"`
	LastAlertThreshold      *int64        `json:"last_alert_threshold,omitempty"`
	BillingStatus           BillingStatus `gorm:"type:text;not null;default:'pending'" json:"billing_status"`
	IsBilled                bool          `gorm:"not null;default:false" json:"is_billed"`
	BillingReferenceID      *string       `gorm:"type:text" json:"billing_reference_id,omitempty"`
	StatementNumber         *string       `gorm:"type:text" json:"statement_number,omitempty"`
	SubmittedAt             *time.Time    `json:"submitted_at,omitempty"`
	PaidAt                  *time.Time    `json:"paid_at,omitempty"`
	LastError               *string       `gorm:"type:text" json:"last_error,omitempty"`
	LastErrorAt             *time.Time    `json:"last_error_at,omitempty"`
	CreatedAt               time.Time     `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt               time.Time     `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

// TableName sets the database table name.
func (UsagePeriod) TableName() string { return "usage_periods" }

// RemainingIncluded is the headroom left before overage starts.
func (p *UsagePeriod) RemainingIncluded() int64 {
	remaining := p.IncludedMinutesSnapshot - p.IncludedMinutesUsed
	if remaining < 0 {
		return 0
	}
	return remaining
}

// UsagePercent is total consumption relative to the included allowance.
func (p *UsagePeriod) UsagePercent() float64 {
	if p.IncludedMinutesSnapshot == 0 {
		return 0
	}
	return float64(p.IncludedMinutesUsed+p.OverageMinutesUsed) / float64(p.IncludedMinutesSnapshot) * 100
}

// UsageTransaction is the append-only per-call audit trail. Never mutated
// after creation; the split always satisfies
// minutesToIncluded + minutesToOverage == minutesRecorded.
type UsageTransaction struct {
	ID                snowflake.ID      `gorm:"primaryKey" json:"id"`
	TenantID          snowflake.ID      `gorm:"not null;index;uniqueIndex:ux_usage_transactions_call,priority:1" json:"tenant_id"`
	UsageID           snowflake.ID      `gorm:"not null;index;column:usage_id" json:"usage_id"`
	CallID            *string           `gorm:"type:text;uniqueIndex:ux_usage_transactions_call,priority:2" json:"call_id,omitempty"`
	SecondsUsed       int64             `gorm:"not null" json:"seconds_used"`
	MinutesRecorded   int64             `gorm:"not null" json:"minutes_recorded"`
	MinutesToIncluded int64             `gorm:"not null" json:"minutes_to_included"`
	MinutesToOverage  int64             `gorm:"not null" json:"minutes_to_overage"`
	ChargeMinorUnits  int64             `gorm:"not null" json:"charge_minor_units"`
	Metadata          datatypes.JSONMap `gorm:"type:jsonb" json:"metadata,omitempty"`
	CreatedAt         time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
}

// TableName sets the database table name.
func (UsageTransaction) TableName() string { return "usage_transactions" }
