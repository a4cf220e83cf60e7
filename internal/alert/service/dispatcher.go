package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	alertdomain "github.com/smallbiznis/voxbill/internal/alert/domain"
	"github.com/smallbiznis/voxbill/internal/clock"
	"github.com/smallbiznis/voxbill/internal/providers/email"
	"github.com/smallbiznis/voxbill/internal/providers/slack"
	tenantdomain "github.com/smallbiznis/voxbill/internal/tenant/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const dispatchBatchSize = 50

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	Clock   clock.Clock
	Alerts  alertdomain.Repository
	Tenants tenantdomain.Repository
	Email   email.Provider
	Slack   slack.Provider
}

// Dispatcher delivers pending threshold alerts to each tenant's configured
// notification channels.
type Dispatcher struct {
	db      *gorm.DB
	log     *zap.Logger
	clock   clock.Clock
	alerts  alertdomain.Repository
	tenants tenantdomain.Repository
	email   email.Provider
	slack   slack.Provider
}

func NewDispatcher(p Params) *Dispatcher {
	return &Dispatcher{
		db:      p.DB,
		log:     p.Log.Named("alert.dispatcher"),
		clock:   p.Clock,
		alerts:  p.Alerts,
		tenants: p.Tenants,
		email:   p.Email,
		slack:   p.Slack,
	}
}

// DispatchPending processes one batch of unnotified alerts and returns the
// number delivered. Delivery failures are recorded on the row and retried on
// the next run.
func (d *Dispatcher) DispatchPending(ctx context.Context) (int, error) {
	pending, err := d.alerts.ListPending(ctx, d.db, dispatchBatchSize)
	if err != nil {
		return 0, err
	}

	delivered := 0
	var errs []error
	for i := range pending {
		alert := pending[i]
		if err := d.dispatchOne(ctx, &alert); err != nil {
			errs = append(errs, err)
			if recordErr := d.alerts.RecordFailure(ctx, d.db, alert.ID, err.Error()); recordErr != nil {
				errs = append(errs, recordErr)
			}
			d.log.Warn("alert delivery failed",
				zap.String("alert_id", alert.ID.String()),
				zap.String("tenant_id", alert.TenantID.String()),
				zap.Error(err),
			)
			continue
		}

		claimed, err := d.alerts.MarkNotified(ctx, d.db, alert.ID, d.clock.Now())
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if claimed {
			delivered++
		}
	}
	return delivered, errors.Join(errs...)
}

func (d *Dispatcher) dispatchOne(ctx context.Context, alert *alertdomain.UsageAlert) error {
	tenant, err := d.tenants.FindByID(ctx, d.db, alert.TenantID)
	if err != nil {
		return err
	}
	if tenant == nil {
		// Tenant removed after the alert was written; nothing to deliver.
		return nil
	}

	subject := fmt.Sprintf("Voice usage alert: %d%% of included minutes used", alert.Threshold)
	message := fmt.Sprintf(
		"%s has used %.1f%% of its included voice minutes this period (threshold %d%%).",
		tenant.Name, alert.UsagePercent, alert.Threshold,
	)

	sent := false
	if emails := decodeEmails(tenant.NotificationEmails); len(emails) > 0 {
		if err := d.email.Send(ctx, emails, subject, message); err != nil {
			return fmt.Errorf("email delivery: %w", err)
		}
		sent = true
	}
	if tenant.SlackWebhookURL != nil && *tenant.SlackWebhookURL != "" {
		if err := d.slack.PostWebhook(ctx, *tenant.SlackWebhookURL, message); err != nil {
			return fmt.Errorf("slack delivery: %w", err)
		}
		sent = true
	}
	if !sent {
		d.log.Debug("tenant has no notification channels configured",
			zap.String("tenant_id", tenant.ID.String()),
		)
	}
	return nil
}

func decodeEmails(raw []byte) []string {
	if len(raw) == 0 {
		return nil
	}
	var emails []string
	if err := json.Unmarshal(raw, &emails); err != nil {
		return nil
	}
	out := emails[:0]
	for _, addr := range emails {
		if addr != "" {
			out = append(out, addr)
		}
	}
	return out
}
