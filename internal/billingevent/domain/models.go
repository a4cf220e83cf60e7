// Package domain contains the transactional outbox rows written alongside
// tenant mutations and drained by the provisioning consumer.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// TenantProvisionedTopic is emitted when a tenant row is created; consuming
// it seeds the voice policy and opens the first usage period.
const TenantProvisionedTopic = "tenant.provisioned"

// BillingEvent is an outbox row. Written in the same transaction as the
// state change it describes; published exactly once by a consumer.
type BillingEvent struct {
	ID          snowflake.ID      `gorm:"primaryKey" json:"id"`
	TenantID    snowflake.ID      `gorm:"not null;index:ix_billing_events_tenant;uniqueIndex:ux_billing_event_dedupe,priority:1" json:"tenant_id"`
	EventType   string            `gorm:"type:text;not null" json:"event_type"`
	Payload     datatypes.JSONMap `gorm:"type:jsonb;not null" json:"payload"`
	DedupeKey   *string           `gorm:"type:text;uniqueIndex:ux_billing_event_dedupe,priority:2" json:"dedupe_key,omitempty"`
	Published   bool              `gorm:"not null;default:false" json:"published"`
	PublishedAt *time.Time        `json:"published_at,omitempty"`
	CreatedAt   time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
}

func (BillingEvent) TableName() string { return "billing_events" }
