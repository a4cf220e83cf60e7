// Package domain contains the tenant voice policy model.
package domain

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/bwmarrin/snowflake"
)

// OveragePolicy decides what happens once included minutes run out.
type OveragePolicy string

const (
	// OveragePolicyBlock denies new calls at the limit.
	OveragePolicyBlock OveragePolicy = "block"
	// OveragePolicyCharge allows overage and bills it per minute up to a cap.
	OveragePolicyCharge OveragePolicy = "charge"
	// OveragePolicyNotifyOnly allows overage, bills nothing, only alerts.
	OveragePolicyNotifyOnly OveragePolicy = "notify_only"
)

func (p OveragePolicy) Valid() bool {
	switch p {
	case OveragePolicyBlock, OveragePolicyCharge, OveragePolicyNotifyOnly:
		return true
	default:
		return false
	}
}

// BlockReason records which condition tripped a period's block so a later
// policy switch can tell which blocks it is allowed to lift.
func (p OveragePolicy) BlockReason() string {
	switch p {
	case OveragePolicyBlock:
		return BlockReasonIncludedExhausted
	case OveragePolicyCharge:
		return BlockReasonCapReached
	default:
		return ""
	}
}

const (
	BlockReasonIncludedExhausted = "included_exhausted"
	BlockReasonCapReached        = "cap_reached"
)

// AlertThresholds is an ascending, deduplicated set of usage percentages.
// Stored as a JSON array.
type AlertThresholds []int64

func (t AlertThresholds) Normalize() AlertThresholds {
	seen := make(map[int64]struct{}, len(t))
	out := make(AlertThresholds, 0, len(t))
	for _, value := range t {
		if value <= 0 || value > 100 {
			continue
		}
		if _, ok := seen[value]; ok {
			continue
		}
		seen[value] = struct{}{}
		out = append(out, value)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// HighestCrossed returns the highest threshold <= percent that is strictly
// above last (nil last means none notified yet), or nil when nothing new
// was crossed.
func (t AlertThresholds) HighestCrossed(percent float64, last *int64) *int64 {
	var crossed *int64
	for _, threshold := range t {
		if float64(threshold) > percent {
			break
		}
		if last != nil && threshold <= *last {
			continue
		}
		value := threshold
		crossed = &value
	}
	return crossed
}

func (t AlertThresholds) Value() (driver.Value, error) {
	if t == nil {
		return "[]", nil
	}
	raw, err := json.Marshal([]int64(t))
	if err != nil {
		return nil, err
	}
	return string(raw), nil
}

func (t *AlertThresholds) Scan(value any) error {
	if value == nil {
		*t = nil
		return nil
	}
	var raw []byte
	switch cast := value.(type) {
	case []byte:
		raw = cast
	case string:
		raw = []byte(cast)
	default:
		return fmt.Errorf("unsupported alert thresholds type %T", value)
	}
	if len(raw) == 0 {
		*t = nil
		return nil
	}
	var values []int64
	if err := json.Unmarshal(raw, &values); err != nil {
		return err
	}
	*t = AlertThresholds(values)
	return nil
}

func (AlertThresholds) GormDataType() string { return "json" }

// TenantVoicePolicy is the single mutable voice policy row per tenant.
// Superseded in place, never deleted.
type TenantVoicePolicy struct {
	ID                         snowflake.ID    `gorm:"primaryKey" json:"id"`
	TenantID                   snowflake.ID    `gorm:"not null;uniqueIndex:ux_voice_policies_tenant" json:"tenant_id"`
	IncludedMinutes            int64           `gorm:"not null;default:0" json:"included_minutes"`
	OveragePolicy              OveragePolicy   `gorm:"type:text;not null" json:"overage_policy"`
	OveragePriceMinorUnits     int64           `gorm:"not null;default:0" json:"overage_price_minor_units"`
	// MaxOverageChargeMinorUnits caps a period's overage charge; zero means
	// uncapped.
	MaxOverageChargeMinorUnits int64           `gorm:"not null;default:0" json:"max_overage_charge_minor_units"`
	AlertThresholds            AlertThresholds `gorm:"type:jsonb" json:"alert_thresholds"`
	Currency                   string          `gorm:"type:text;not null;default:'USD'" json:"currency"`
	CreatedAt                  time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt                  time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

func (TenantVoicePolicy) TableName() string { return "tenant_voice_policies" }

func (p *TenantVoicePolicy) Validate() error {
	if p.IncludedMinutes < 0 || p.OveragePriceMinorUnits < 0 || p.MaxOverageChargeMinorUnits < 0 {
		return ErrInvalidInput
	}
	if !p.OveragePolicy.Valid() {
		return ErrInvalidPolicy
	}
	return nil
}

var (
	ErrInvalidInput  = errors.New("invalid_input")
	ErrInvalidPolicy = errors.New("invalid_policy")
	ErrNotFound      = errors.New("voice_policy_not_found")
)
