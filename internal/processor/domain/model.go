// Package domain defines the boundary to the external payment processor:
// the adapter interface overage charges are submitted through, and the raw
// webhook events the processor calls back with.
package domain

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// PaymentEvent is a raw webhook delivery persisted before parsing. The
// unique (provider, event_id) pair makes redelivery a no-op.
type PaymentEvent struct {
	ID          snowflake.ID   `gorm:"primaryKey" json:"id"`
	Provider    string         `gorm:"type:text;not null;uniqueIndex:ux_payment_events_provider_event,priority:1" json:"provider"`
	EventID     string         `gorm:"type:text;not null;column:event_id;uniqueIndex:ux_payment_events_provider_event,priority:2" json:"event_id"`
	EventType   string         `gorm:"type:text;not null" json:"event_type"`
	Payload     datatypes.JSON `gorm:"type:jsonb;not null" json:"payload"`
	ReceivedAt  time.Time      `gorm:"not null;default:CURRENT_TIMESTAMP" json:"received_at"`
	ProcessedAt *time.Time     `json:"processed_at,omitempty"`
	LastError   *string        `gorm:"type:text" json:"last_error,omitempty"`
}

func (PaymentEvent) TableName() string { return "payment_events" }

// SubmitChargeRequest carries one period's overage to the processor as a
// charge line item.
type SubmitChargeRequest struct {
	TenantID                snowflake.ID
	UsageID                 snowflake.ID
	StatementNumber         string
	ProcessorCustomerID     string
	ProcessorSubscriptionID *string
	AmountMinorUnits        int64
	Currency                string
	PeriodStart             time.Time
	PeriodEnd               time.Time
	Description             string
}

type SubmitChargeResult struct {
	BillingReferenceID string
}

// PaidEvent is the canonical payment confirmation extracted from a
// provider-specific webhook payload.
type PaidEvent struct {
	BillingReferenceID string
	PaidReferenceID    string
	PaidAt             time.Time
}

// WebhookEvent is the parsed form of a webhook delivery. Paid is nil for
// event types the engine does not act on.
type WebhookEvent struct {
	EventID   string
	EventType string
	Paid      *PaidEvent
}

// Adapter is one processor integration. Submit calls go out over the
// network and must never run inside a ledger lock.
type Adapter interface {
	Provider() string
	SubmitOverageCharge(ctx context.Context, req SubmitChargeRequest) (*SubmitChargeResult, error)
	VerifyWebhook(ctx context.Context, payload []byte, headers http.Header) error
	ParseWebhook(ctx context.Context, payload []byte) (*WebhookEvent, error)
}

type AdapterConfig struct {
	APIBaseURL    string
	APIKey        string
	AccountID     string
	WebhookSecret string
}

type AdapterFactory interface {
	Provider() string
	NewAdapter(cfg AdapterConfig) (Adapter, error)
}

var (
	ErrProviderNotFound = errors.New("processor_provider_not_found")
	ErrInvalidConfig    = errors.New("processor_invalid_config")
	ErrInvalidSignature = errors.New("processor_invalid_signature")
	ErrInvalidPayload   = errors.New("processor_invalid_payload")
	ErrInvalidEvent     = errors.New("processor_invalid_event")
	ErrEventIgnored     = errors.New("processor_event_ignored")
	ErrDuplicateEvent   = errors.New("processor_duplicate_event")
	ErrSubmitFailed     = errors.New("processor_submit_failed")
)
