// Package domain describes the reconciliation pipeline that turns closed
// periods with unbilled overage into processor charges.
package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
)

// PendingOverage is one closed period awaiting submission, joined with the
// tenant's processor identifiers.
type PendingOverage struct {
	UsageID                 snowflake.ID `gorm:"column:usage_id" json:"usage_id"`
	TenantID                snowflake.ID `gorm:"column:tenant_id" json:"tenant_id"`
	TenantName              string       `gorm:"column:tenant_name" json:"tenant_name"`
	PeriodStart             time.Time    `gorm:"column:period_start" json:"period_start"`
	PeriodEnd               time.Time    `gorm:"column:period_end" json:"period_end"`
	OverageMinutesUsed      int64        `gorm:"column:overage_minutes_used" json:"overage_minutes_used"`
	OverageChargeMinorUnits int64        `gorm:"column:overage_charge_minor_units" json:"overage_charge_minor_units"`
	Currency                string       `gorm:"column:currency" json:"currency"`
	BillingStatus           string       `gorm:"column:billing_status" json:"billing_status"`
	StatementNumber         *string      `gorm:"column:statement_number" json:"statement_number,omitempty"`
	ProcessorCustomerID     *string      `gorm:"column:processor_customer_id" json:"processor_customer_id,omitempty"`
	ProcessorSubscriptionID *string      `gorm:"column:processor_subscription_id" json:"processor_subscription_id,omitempty"`
	LastError               *string      `gorm:"column:last_error" json:"last_error,omitempty"`
	LastErrorAt             *time.Time   `gorm:"column:last_error_at" json:"last_error_at,omitempty"`
}

type MarkBilledRequest struct {
	TenantID           snowflake.ID `json:"-"`
	PeriodStart        time.Time    `json:"period_start"`
	BillingReferenceID string       `json:"billing_reference_id"`
}

type MarkBilledResult struct {
	UsageID            string `json:"usage_id"`
	StatementNumber    string `json:"statement_number"`
	TransactionsFolded int64  `json:"transactions_folded"`
}

type PaidResult struct {
	UsageID string    `json:"usage_id"`
	PaidAt  time.Time `json:"paid_at"`
}

type SubmitReport struct {
	Claimed   int `json:"claimed"`
	Submitted int `json:"submitted"`
	Failed    int `json:"failed"`
}

type Service interface {
	// GetTenantsPendingOverageBilling lists closed periods with unbilled
	// overage as of the given instant.
	GetTenantsPendingOverageBilling(ctx context.Context, asOf time.Time) ([]PendingOverage, error)

	// SubmitPendingOverage claims a batch of pending periods, submits each
	// to the payment processor outside any ledger lock, and marks the
	// accepted ones billed.
	SubmitPendingOverage(ctx context.Context) (*SubmitReport, error)

	// RecoverStuckSubmissions requeues periods stuck in submitting for
	// longer than olderThan. Non-positive values fall back to the default
	// threshold.
	RecoverStuckSubmissions(ctx context.Context, olderThan time.Duration) (int64, error)

	// MarkOverageAsBilled finalizes one period after the processor accepted
	// its charge. Already-billed periods fail with usage_not_found.
	MarkOverageAsBilled(ctx context.Context, req MarkBilledRequest) (*MarkBilledResult, error)

	// UpdateOverageChargeStatusPaid records payment confirmation from the
	// processor callback. Never touches blocking state.
	UpdateOverageChargeStatusPaid(ctx context.Context, billingReferenceID, paidReferenceID string, paidAt time.Time) (*PaidResult, error)
}
