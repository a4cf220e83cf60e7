// Package domain contains persistence models for the tenant registry.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type Status string

const (
	StatusActive    Status = "active"
	StatusSuspended Status = "suspended"
)

// Tenant is a single customer of the platform. External billing identifiers
// are filled in once the payment processor knows about the tenant.
type Tenant struct {
	ID                      snowflake.ID      `gorm:"primaryKey" json:"id"`
	Name                    string            `gorm:"type:text;not null" json:"name"`
	Slug                    string            `gorm:"type:text;not null;uniqueIndex:ux_tenants_slug" json:"slug"`
	Status                  Status            `gorm:"type:text;not null;default:'active'" json:"status"`
	PlanCode                string            `gorm:"type:text;not null" json:"plan_code"`
	ProcessorCustomerID     *string           `gorm:"type:text;column:processor_customer_id" json:"processor_customer_id,omitempty"`
	ProcessorSubscriptionID *string           `gorm:"type:text;column:processor_subscription_id" json:"processor_subscription_id,omitempty"`
	NotificationEmails      datatypes.JSON    `gorm:"type:jsonb" json:"notification_emails,omitempty"`
	SlackWebhookURL         *string           `gorm:"type:text;column:slack_webhook_url" json:"slack_webhook_url,omitempty"`
	TimezoneName            string            `gorm:"column:timezone_name" json:"timezone_name"`
	Metadata                datatypes.JSONMap `gorm:"type:jsonb;not null;default:'{}'" json:"metadata"`
	CreatedAt               time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt               time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

func (Tenant) TableName() string { return "tenants" }

// TenantMember maps a user to a role inside a tenant.
type TenantMember struct {
	ID        snowflake.ID `gorm:"primaryKey" json:"id"`
	TenantID  snowflake.ID `gorm:"not null;index;uniqueIndex:ux_tenant_user,priority:1" json:"tenant_id"`
	UserID    snowflake.ID `gorm:"not null;index;uniqueIndex:ux_tenant_user,priority:2" json:"user_id"`
	Role      string       `gorm:"type:text;not null" json:"role"`
	CreatedAt time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
}

func (TenantMember) TableName() string { return "tenant_members" }
