// Package provisioning consumes tenant outbox events and seeds the voice
// billing state a new tenant needs before its first call.
package provisioning

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	billingeventdomain "github.com/smallbiznis/voxbill/internal/billingevent/domain"
	"github.com/smallbiznis/voxbill/internal/clock"
	"github.com/smallbiznis/voxbill/internal/config"
	plandomain "github.com/smallbiznis/voxbill/internal/plan/domain"
	policydomain "github.com/smallbiznis/voxbill/internal/policy/domain"
	usagedomain "github.com/smallbiznis/voxbill/internal/usage/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const batchSize = 50

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	GenID    *snowflake.Node
	Clock    clock.Clock
	Plans    plandomain.Repository
	Policies policydomain.Service
	Defaults *config.VoiceDefaultsHolder `optional:"true"`
}

type Consumer struct {
	db       *gorm.DB
	log      *zap.Logger
	genID    *snowflake.Node
	clock    clock.Clock
	plans    plandomain.Repository
	policies policydomain.Service
	defaults *config.VoiceDefaultsHolder
}

func NewConsumer(p Params) *Consumer {
	return &Consumer{
		db:       p.DB,
		log:      p.Log.Named("provisioning.consumer"),
		genID:    p.GenID,
		clock:    p.Clock,
		plans:    p.Plans,
		policies: p.Policies,
		defaults: p.Defaults,
	}
}

type eventRow struct {
	ID       snowflake.ID   `gorm:"column:id"`
	TenantID snowflake.ID   `gorm:"column:tenant_id"`
	Payload  datatypes.JSON `gorm:"column:payload"`
}

type tenantProvisionedPayload struct {
	TenantID string `json:"tenant_id"`
	PlanCode string `json:"plan_code"`
}

// ProcessPending drains one batch of unpublished tenant.provisioned events.
// Failures leave the event unpublished for the next run.
func (c *Consumer) ProcessPending(ctx context.Context) (int, error) {
	var events []eventRow
	err := c.db.WithContext(ctx).Raw(
		`SELECT id, tenant_id, payload FROM billing_events
		 WHERE event_type = ? AND published = false
		 ORDER BY created_at ASC
		 LIMIT ?`,
		billingeventdomain.TenantProvisionedTopic,
		batchSize,
	).Scan(&events).Error
	if err != nil {
		return 0, err
	}

	processed := 0
	var errs []error
	for _, event := range events {
		if err := c.processEvent(ctx, event); err != nil {
			errs = append(errs, err)
			c.log.Error("failed to provision tenant",
				zap.String("tenant_id", event.TenantID.String()),
				zap.Error(err),
			)
			continue
		}
		processed++
	}
	return processed, errors.Join(errs...)
}

func (c *Consumer) processEvent(ctx context.Context, event eventRow) error {
	var payload tenantProvisionedPayload
	if err := json.Unmarshal([]byte(event.Payload), &payload); err != nil {
		return err
	}
	if payload.TenantID == "" {
		return errors.New("missing tenant_id")
	}
	tenantID, err := snowflake.ParseString(payload.TenantID)
	if err != nil {
		return err
	}

	plan, err := c.plans.FindByCode(ctx, c.db, payload.PlanCode)
	if err != nil {
		return err
	}
	if plan == nil {
		return plandomain.ErrNotFound
	}

	now := c.clock.Now()

	if plan.VoiceEnabled {
		req := policydomain.EnsureRequest{
			TenantID:                   tenantID,
			IncludedMinutes:            plan.DefaultIncludedMinutes,
			OveragePolicy:              policydomain.OveragePolicy(plan.DefaultOveragePolicy),
			OveragePriceMinorUnits:     plan.DefaultOveragePriceMinorUnits,
			MaxOverageChargeMinorUnits: plan.DefaultMaxOverageChargeMinorUnits,
			AlertThresholds:            decodeThresholds(plan.DefaultAlertThresholds),
			Currency:                   plan.Currency,
		}
		c.applyOperatorDefaults(&req)
		policy, created, err := c.policies.EnsurePolicy(ctx, req)
		if err != nil {
			return err
		}
		if created {
			c.log.Info("seeded default voice policy",
				zap.String("tenant_id", tenantID.String()),
				zap.String("plan_code", plan.Code),
				zap.Int64("included_minutes", policy.IncludedMinutes),
			)
		}
		if err := c.openFirstPeriod(ctx, tenantID, req.IncludedMinutes, now); err != nil {
			return err
		}
	}

	return c.markPublished(ctx, event.ID)
}

// openFirstPeriod creates the tenant's opening calendar-month period so the
// admission gate has real state from the first call. The unique index on
// (tenant_id, period_start) makes replays a no-op.
func (c *Consumer) openFirstPeriod(ctx context.Context, tenantID snowflake.ID, includedMinutes int64, now time.Time) error {
	start := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	period := usagedomain.UsagePeriod{
		ID:                      c.genID.Generate(),
		TenantID:                tenantID,
		PeriodStart:             start,
		PeriodEnd:               start.AddDate(0, 1, 0),
		IncludedMinutesSnapshot: includedMinutes,
		BillingStatus:           usagedomain.BillingStatusPending,
		CreatedAt:               now,
		UpdatedAt:               now,
	}
	return c.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "tenant_id"}, {Name: "period_start"}},
			DoNothing: true,
		}).
		Create(&period).Error
}

func (c *Consumer) markPublished(ctx context.Context, eventID snowflake.ID) error {
	return c.db.WithContext(ctx).Exec(
		`UPDATE billing_events SET published = true, published_at = ? WHERE id = ?`,
		c.clock.Now(),
		eventID,
	).Error
}

// applyOperatorDefaults fills the gaps a plan leaves open from the
// operator-tunable voice defaults file.
func (c *Consumer) applyOperatorDefaults(req *policydomain.EnsureRequest) {
	if c.defaults == nil {
		return
	}
	defaults := c.defaults.Get()
	if req.OveragePolicy == "" {
		req.OveragePolicy = policydomain.OveragePolicy(defaults.OveragePolicy)
	}
	if req.IncludedMinutes == 0 && req.OveragePolicy != policydomain.OveragePolicyBlock {
		req.IncludedMinutes = defaults.IncludedMinutes
	}
	if req.OveragePriceMinorUnits == 0 && req.OveragePolicy == policydomain.OveragePolicyCharge {
		req.OveragePriceMinorUnits = defaults.OveragePriceMinorUnits
	}
	if req.MaxOverageChargeMinorUnits == 0 && req.OveragePolicy == policydomain.OveragePolicyCharge {
		req.MaxOverageChargeMinorUnits = defaults.MaxOverageChargeMinor
	}
	if len(req.AlertThresholds) == 0 {
		req.AlertThresholds = defaults.AlertThresholds
	}
	if req.Currency == "" {
		req.Currency = defaults.Currency
	}
}

func decodeThresholds(raw datatypes.JSON) []int64 {
	if len(raw) == 0 {
		return nil
	}
	var thresholds []int64
	if err := json.Unmarshal([]byte(raw), &thresholds); err != nil {
		return nil
	}
	return thresholds
}
