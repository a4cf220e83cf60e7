package domain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/voxbill/pkg/db/pagination"
)

// Service is the usage engine: the admission gate, the single serialized
// write path, the period lifecycle job and the tenant-facing read paths.
type Service interface {
	// CheckMinuteLimit is the pre-call admission gate. Lock-free, never
	// mutates; may be stale by milliseconds.
	CheckMinuteLimit(ctx context.Context, tenantID snowflake.ID) (*AdmissionResult, error)

	// RecordMinuteUsage turns a finished call into ledger state. Serialized
	// per tenant via a row lock on the current period.
	RecordMinuteUsage(ctx context.Context, req RecordUsageRequest) (*UsageResult, error)

	// ResetMonthlyUsage rotates expired periods for every voice-enabled
	// tenant. Idempotent across overlapping firings.
	ResetMonthlyUsage(ctx context.Context) (*ResetReport, error)

	GetMinuteUsageSummary(ctx context.Context, tenantID snowflake.ID) (*UsageSummary, error)
	GetCurrentOveragePreview(ctx context.Context, tenantID snowflake.ID) (*OveragePreview, error)
	GetVoiceBillingHistory(ctx context.Context, req BillingHistoryRequest) (BillingHistoryResponse, error)
}

type RecordUsageRequest struct {
	TenantID    snowflake.ID   `json:"-"`
	CallID      *string        `json:"call_id,omitempty"`
	SecondsUsed int64          `json:"seconds_used"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// PolicySnapshot is the policy view embedded in results so callers can
// display a running total without a second query.
type PolicySnapshot struct {
	IncludedMinutes            int64   `json:"included_minutes"`
	OveragePolicy              string  `json:"overage_policy"`
	OveragePriceMinorUnits     int64   `json:"overage_price_minor_units"`
	MaxOverageChargeMinorUnits int64   `json:"max_overage_charge_minor_units"`
	AlertThresholds            []int64 `json:"alert_thresholds"`
	Currency                   string  `json:"currency"`
}

type UsageSnapshot struct {
	IncludedMinutesUsed     int64   `json:"included_minutes_used"`
	OverageMinutesUsed      int64   `json:"overage_minutes_used"`
	OverageChargeMinorUnits int64   `json:"overage_charge_minor_units"`
	OverageChargeDisplay    float64 `json:"overage_charge_display"`
	TotalCalls              int64   `json:"total_calls"`
	IsBlocked               bool    `json:"is_blocked"`
	BlockedReason           string  `json:"blocked_reason,omitempty"`
}

type AdmissionResult struct {
	CanProceed        bool           `json:"can_proceed"`
	DenialCode        string         `json:"denial_code,omitempty"`
	Policy            PolicySnapshot `json:"policy"`
	Usage             UsageSnapshot  `json:"usage"`
	PeriodStart       time.Time      `json:"period_start"`
	PeriodEnd         time.Time      `json:"period_end"`
	RemainingIncluded int64          `json:"remaining_included"`
	UsagePercent      float64        `json:"usage_percent"`
	IsAtLimit         bool           `json:"is_at_limit"`
}

type UsageResult struct {
	AlreadyRecorded         bool           `json:"already_recorded"`
	TransactionID           string         `json:"transaction_id"`
	UsageID                 string         `json:"usage_id"`
	MinutesRecorded         int64          `json:"minutes_recorded"`
	MinutesToIncluded       int64          `json:"minutes_to_included"`
	MinutesToOverage        int64          `json:"minutes_to_overage"`
	IsOverage               bool           `json:"is_overage"`
	ChargeMinorUnits        int64          `json:"charge_minor_units"`
	ChargeDisplay           float64        `json:"charge_display"`
	TotalChargeMinorUnits   int64          `json:"total_charge_minor_units"`
	TotalChargeDisplay      float64        `json:"total_charge_display"`
	RemainingIncluded       int64          `json:"remaining_included"`
	UsagePercent            float64        `json:"usage_percent"`
	IsBlocked               bool           `json:"is_blocked"`
	AlertThresholdTriggered *int64         `json:"alert_threshold_triggered,omitempty"`
	Policy                  PolicySnapshot `json:"policy"`
	PeriodStart             time.Time      `json:"period_start"`
	PeriodEnd               time.Time      `json:"period_end"`
}

type ResetReport struct {
	TenantsProcessed int64     `json:"tenants_processed"`
	PeriodsClosed    int64     `json:"periods_closed"`
	PeriodsOpened    int64     `json:"periods_opened"`
	PeriodStart      time.Time `json:"period_start"`
	PeriodEnd        time.Time `json:"period_end"`
}

type UsageSummary struct {
	TenantID           string         `json:"tenant_id"`
	Policy             PolicySnapshot `json:"policy"`
	Usage              UsageSnapshot  `json:"usage"`
	PeriodStart        time.Time      `json:"period_start"`
	PeriodEnd          time.Time      `json:"period_end"`
	RemainingIncluded  int64          `json:"remaining_included"`
	UsagePercent       float64        `json:"usage_percent"`
	DaysElapsed        int64          `json:"days_elapsed"`
	DaysRemaining      int64          `json:"days_remaining"`
	LastAlertThreshold *int64         `json:"last_alert_threshold,omitempty"`
}

type OveragePreview struct {
	TenantID                         string  `json:"tenant_id"`
	CurrentOverageMinutes            int64   `json:"current_overage_minutes"`
	CurrentOverageChargeMinorUnits   int64   `json:"current_overage_charge_minor_units"`
	ProjectedOverageMinutes          int64   `json:"projected_overage_minutes"`
	ProjectedOverageChargeMinorUnits int64   `json:"projected_overage_charge_minor_units"`
	ProjectedChargeDisplay           float64 `json:"projected_charge_display"`
	DaysElapsed                      int64   `json:"days_elapsed"`
	DaysTotal                        int64   `json:"days_total"`
}

type BillingHistoryRequest struct {
	pagination.Pagination
	TenantID snowflake.ID `json:"-"`
}

type BillingHistoryEntry struct {
	UsageID                 string     `json:"usage_id"`
	PeriodStart             time.Time  `json:"period_start"`
	PeriodEnd               time.Time  `json:"period_end"`
	IncludedMinutesSnapshot int64      `json:"included_minutes_snapshot"`
	IncludedMinutesUsed     int64      `json:"included_minutes_used"`
	OverageMinutesUsed      int64      `json:"overage_minutes_used"`
	OverageChargeMinorUnits int64      `json:"overage_charge_minor_units"`
	OverageChargeDisplay    float64    `json:"overage_charge_display"`
	TotalCalls              int64      `json:"total_calls"`
	IsBilled                bool       `json:"is_billed"`
	BillingReferenceID      *string    `json:"billing_reference_id,omitempty"`
	StatementNumber         *string    `json:"statement_number,omitempty"`
	PaidAt                  *time.Time `json:"paid_at,omitempty"`
}

type BillingHistoryResponse struct {
	pagination.PageInfo
	Periods []BillingHistoryEntry `json:"periods"`
}

var (
	ErrInvalidSeconds = errors.New("invalid_seconds_used")
	ErrTenantBlocked  = errors.New("tenant_blocked")
	ErrAccessDenied   = errors.New("access_denied")
	ErrUsageNotFound  = errors.New("usage_not_found")
)

// BlockedError carries the reason a tenant's recording was denied.
type BlockedError struct {
	Reason string
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("tenant_blocked: %s", e.Reason)
}

func (e *BlockedError) Unwrap() error { return ErrTenantBlocked }

// DisplayAmount converts minor units to the major-unit display form.
func DisplayAmount(minorUnits int64) float64 {
	return float64(minorUnits) / 100
}
