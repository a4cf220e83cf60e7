package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
)

type Service interface {
	// GetPolicy returns the tenant's voice policy, ErrNotFound when the
	// tenant was never provisioned onto a voice-enabled plan.
	GetPolicy(ctx context.Context, tenantID snowflake.ID) (*Response, error)

	// UpdateMinuteLimitPolicy applies a policy update. The caller's role must
	// be owner or admin. Switching away from a blocking mode lifts the blocks
	// that mode caused and reports how many periods were unblocked.
	UpdateMinuteLimitPolicy(ctx context.Context, req UpdateRequest) (*UpdateResult, error)

	// EnsurePolicy creates the default policy from plan defaults when the
	// tenant has none yet. Idempotent; used by the provisioning consumer.
	EnsurePolicy(ctx context.Context, req EnsureRequest) (*Response, bool, error)
}

type UpdateRequest struct {
	TenantID                   snowflake.ID `json:"-"`
	CallerRole                 string       `json:"-"`
	IncludedMinutes            *int64       `json:"included_minutes,omitempty"`
	OveragePolicy              *string      `json:"overage_policy,omitempty"`
	OveragePriceMinorUnits     *int64       `json:"overage_price_minor_units,omitempty"`
	MaxOverageChargeMinorUnits *int64       `json:"max_overage_charge_minor_units,omitempty"`
	AlertThresholds            *[]int64     `json:"alert_thresholds,omitempty"`
}

type EnsureRequest struct {
	TenantID                   snowflake.ID
	IncludedMinutes            int64
	OveragePolicy              OveragePolicy
	OveragePriceMinorUnits     int64
	MaxOverageChargeMinorUnits int64
	AlertThresholds            []int64
	Currency                   string
}

type Response struct {
	TenantID                   string    `json:"tenant_id"`
	IncludedMinutes            int64     `json:"included_minutes"`
	OveragePolicy              string    `json:"overage_policy"`
	OveragePriceMinorUnits     int64     `json:"overage_price_minor_units"`
	MaxOverageChargeMinorUnits int64     `json:"max_overage_charge_minor_units"`
	AlertThresholds            []int64   `json:"alert_thresholds"`
	Currency                   string    `json:"currency"`
	UpdatedAt                  time.Time `json:"updated_at"`
}

type UpdateResult struct {
	Policy           Response `json:"policy"`
	PeriodsUnblocked int64    `json:"periods_unblocked"`
}
