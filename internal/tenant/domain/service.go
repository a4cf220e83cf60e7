package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

type Service interface {
	Create(ctx context.Context, req CreateRequest) (*Response, error)
	GetByID(ctx context.Context, id snowflake.ID) (*Response, error)
	GetBySlug(ctx context.Context, slug string) (*Response, error)
	List(ctx context.Context) ([]Response, error)
	Update(ctx context.Context, req UpdateRequest) (*Response, error)
}

type CreateRequest struct {
	Name               string   `json:"name"`
	Slug               string   `json:"slug"`
	PlanCode           string   `json:"plan_code"`
	TimezoneName       string   `json:"timezone_name"`
	NotificationEmails []string `json:"notification_emails"`
	SlackWebhookURL    *string  `json:"slack_webhook_url,omitempty"`
}

type UpdateRequest struct {
	ID                      snowflake.ID `json:"-"`
	Name                    *string      `json:"name,omitempty"`
	PlanCode                *string      `json:"plan_code,omitempty"`
	Status                  *string      `json:"status,omitempty"`
	NotificationEmails      *[]string    `json:"notification_emails,omitempty"`
	SlackWebhookURL         *string      `json:"slack_webhook_url,omitempty"`
	ProcessorCustomerID     *string      `json:"processor_customer_id,omitempty"`
	ProcessorSubscriptionID *string      `json:"processor_subscription_id,omitempty"`
}

type Response struct {
	ID                  string    `json:"id"`
	Name                string    `json:"name"`
	Slug                string    `json:"slug"`
	Status              string    `json:"status"`
	PlanCode            string    `json:"plan_code"`
	ProcessorCustomerID *string   `json:"processor_customer_id,omitempty"`
	NotificationEmails  []string  `json:"notification_emails,omitempty"`
	SlackWebhookURL     *string   `json:"slack_webhook_url,omitempty"`
	TimezoneName        string    `json:"timezone_name"`
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`
}

var (
	ErrNotFound      = errors.New("tenant_not_found")
	ErrInvalidName   = errors.New("invalid_name")
	ErrInvalidSlug   = errors.New("invalid_slug")
	ErrSlugTaken     = errors.New("slug_taken")
	ErrInvalidPlan   = errors.New("invalid_plan")
	ErrInvalidStatus = errors.New("invalid_status")
)
