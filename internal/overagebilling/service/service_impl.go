package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/voxbill/internal/audit/domain"
	"github.com/smallbiznis/voxbill/internal/clock"
	"github.com/smallbiznis/voxbill/internal/cloudmetrics"
	"github.com/smallbiznis/voxbill/internal/config"
	"github.com/smallbiznis/voxbill/internal/observability/metrics"
	"github.com/smallbiznis/voxbill/internal/overagebilling/domain"
	"github.com/smallbiznis/voxbill/internal/processor/adapters"
	processordomain "github.com/smallbiznis/voxbill/internal/processor/domain"
	usagedomain "github.com/smallbiznis/voxbill/internal/usage/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	submitBatchSize = 20
	// defaultRecoveryThreshold applies when the caller does not supply how
	// long a period may sit in submitting before a recovery pass requeues it.
	defaultRecoveryThreshold = 30 * time.Minute
)

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	GenID    *snowflake.Node
	Clock    clock.Clock
	Cfg      config.Config
	Registry *adapters.Registry
	Audit    auditdomain.Service
	Metrics  *metrics.Metrics            `optional:"true"`
	Defaults *config.VoiceDefaultsHolder `optional:"true"`
}

type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	genID    *snowflake.Node
	clock    clock.Clock
	cfg      config.Config
	registry *adapters.Registry
	audit    auditdomain.Service
	metrics  *metrics.Metrics
	defaults *config.VoiceDefaultsHolder
}

func NewService(p Params) domain.Service {
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("overagebilling.service"),
		genID:    p.GenID,
		clock:    p.Clock,
		cfg:      p.Cfg,
		registry: p.Registry,
		audit:    p.Audit,
		metrics:  p.Metrics,
		defaults: p.Defaults,
	}
}

const pendingOverageQuery = `
SELECT p.id AS usage_id, p.tenant_id, t.name AS tenant_name,
       p.period_start, p.period_end,
       p.overage_minutes_used, p.overage_charge_minor_units,
       v.currency, p.billing_status, p.statement_number,
       t.processor_customer_id, t.processor_subscription_id,
       p.last_error, p.last_error_at
FROM usage_periods p
JOIN tenants t ON t.id = p.tenant_id
JOIN tenant_voice_policies v ON v.tenant_id = p.tenant_id
WHERE p.period_end <= ?
  AND p.overage_charge_minor_units > 0
  AND p.is_billed = false`

func (s *Service) GetTenantsPendingOverageBilling(ctx context.Context, asOf time.Time) ([]domain.PendingOverage, error) {
	var pending []domain.PendingOverage
	err := s.db.WithContext(ctx).
		Raw(pendingOverageQuery+" ORDER BY p.period_end ASC", asOf).
		Scan(&pending).Error
	if err != nil {
		return nil, err
	}
	return pending, nil
}

func (s *Service) SubmitPendingOverage(ctx context.Context) (*domain.SubmitReport, error) {
	adapter, err := s.adapter()
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	claimed, err := s.claimBatch(ctx, now)
	if err != nil {
		return nil, err
	}

	report := &domain.SubmitReport{Claimed: len(claimed)}
	var errs []error
	for i := range claimed {
		item := claimed[i]
		if err := s.submitOne(ctx, adapter, &item); err != nil {
			report.Failed++
			errs = append(errs, err)
			if recordErr := s.recordSubmitFailure(ctx, item.UsageID, err); recordErr != nil {
				errs = append(errs, recordErr)
			}
			cloudmetrics.RecordEngineError(item.TenantID.String(), "overage_submit")
			s.log.Error("overage submission failed",
				zap.String("tenant_id", item.TenantID.String()),
				zap.String("usage_id", item.UsageID.String()),
				zap.Error(err),
			)
			continue
		}
		report.Submitted++
		cloudmetrics.RecordStatementGenerated(item.TenantID.String())
	}
	return report, errors.Join(errs...)
}

// claimBatch moves a batch of pending periods to submitting under a row
// lock, assigning statement numbers. SKIP LOCKED keeps concurrent scheduler
// instances off the same rows.
func (s *Service) claimBatch(ctx context.Context, now time.Time) ([]domain.PendingOverage, error) {
	var claimed []domain.PendingOverage
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		query := pendingOverageQuery + " AND p.billing_status = 'pending' ORDER BY p.period_end ASC LIMIT ?"
		if supportsRowLocks(tx) {
			query += " FOR UPDATE OF p SKIP LOCKED"
		}
		if err := tx.WithContext(ctx).Raw(query, now, submitBatchSize).Scan(&claimed).Error; err != nil {
			return err
		}

		for i := range claimed {
			if claimed[i].StatementNumber == nil || *claimed[i].StatementNumber == "" {
				number := s.statementNumber(claimed[i].PeriodEnd)
				claimed[i].StatementNumber = &number
			}
			if err := tx.WithContext(ctx).Exec(
				`UPDATE usage_periods
				 SET billing_status = 'submitting', submitted_at = ?, statement_number = ?, updated_at = ?
				 WHERE id = ?`,
				now, *claimed[i].StatementNumber, now, claimed[i].UsageID,
			).Error; err != nil {
				return err
			}
			claimed[i].BillingStatus = string(usagedomain.BillingStatusSubmitting)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// submitOne performs the network call outside any ledger lock, then records
// acceptance through the same path manual admin billing uses.
func (s *Service) submitOne(ctx context.Context, adapter processordomain.Adapter, item *domain.PendingOverage) error {
	if item.ProcessorCustomerID == nil || *item.ProcessorCustomerID == "" {
		return fmt.Errorf("tenant %s has no processor customer", item.TenantID.String())
	}

	result, err := adapter.SubmitOverageCharge(ctx, processordomain.SubmitChargeRequest{
		TenantID:                item.TenantID,
		UsageID:                 item.UsageID,
		StatementNumber:         derefString(item.StatementNumber),
		ProcessorCustomerID:     *item.ProcessorCustomerID,
		ProcessorSubscriptionID: item.ProcessorSubscriptionID,
		AmountMinorUnits:        item.OverageChargeMinorUnits,
		Currency:                item.Currency,
		PeriodStart:             item.PeriodStart,
		PeriodEnd:               item.PeriodEnd,
		Description: fmt.Sprintf("Voice overage %s: %d minutes",
			item.PeriodStart.Format("2006-01"), item.OverageMinutesUsed),
	})
	if err != nil {
		return err
	}

	_, err = s.MarkOverageAsBilled(ctx, domain.MarkBilledRequest{
		TenantID:           item.TenantID,
		PeriodStart:        item.PeriodStart,
		BillingReferenceID: result.BillingReferenceID,
	})
	if errors.Is(err, usagedomain.ErrUsageNotFound) {
		// Someone marked it billed between submit and here; the idempotency
		// key protects us from a double charge.
		return nil
	}
	return err
}

func (s *Service) recordSubmitFailure(ctx context.Context, usageID snowflake.ID, cause error) error {
	now := s.clock.Now()
	message := cause.Error()
	return s.db.WithContext(ctx).Exec(
		`UPDATE usage_periods SET last_error = ?, last_error_at = ?, updated_at = ?
		 WHERE id = ? AND is_billed = false`,
		message, now, now, usageID,
	).Error
}

func (s *Service) RecoverStuckSubmissions(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		olderThan = defaultRecoveryThreshold
	}
	deadline := s.clock.Now().Add(-olderThan)
	result := s.db.WithContext(ctx).Exec(
		`UPDATE usage_periods
		 SET billing_status = 'pending', updated_at = ?
		 WHERE billing_status = 'submitting' AND is_billed = false AND submitted_at < ?`,
		s.clock.Now(), deadline,
	)
	if result.Error != nil {
		return 0, result.Error
	}
	if result.RowsAffected > 0 {
		s.log.Warn("requeued stuck overage submissions", zap.Int64("count", result.RowsAffected))
	}
	return result.RowsAffected, nil
}

func (s *Service) MarkOverageAsBilled(ctx context.Context, req domain.MarkBilledRequest) (*domain.MarkBilledResult, error) {
	if req.TenantID == 0 || strings.TrimSpace(req.BillingReferenceID) == "" {
		return nil, usagedomain.ErrUsageNotFound
	}

	now := s.clock.Now()
	var result domain.MarkBilledResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		period, err := s.lockPeriod(ctx, tx, req.TenantID, req.PeriodStart)
		if err != nil {
			return err
		}
		if period == nil || period.IsBilled {
			return usagedomain.ErrUsageNotFound
		}

		statement := derefString(period.StatementNumber)
		if statement == "" {
			statement = s.statementNumber(period.PeriodEnd)
		}

		var folded int64
		if err := tx.WithContext(ctx).Raw(
			`SELECT COUNT(1) FROM usage_transactions WHERE usage_id = ?`,
			period.ID,
		).Scan(&folded).Error; err != nil {
			return err
		}

		if err := tx.WithContext(ctx).Exec(
			`UPDATE usage_periods
			 SET is_billed = true, billing_status = 'billed', billing_reference_id = ?,
			     statement_number = ?, last_error = NULL, last_error_at = NULL, updated_at = ?
			 WHERE id = ?`,
			req.BillingReferenceID, statement, now, period.ID,
		).Error; err != nil {
			return err
		}

		result = domain.MarkBilledResult{
			UsageID:            period.ID.String(),
			StatementNumber:    statement,
			TransactionsFolded: folded,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	tenantID := req.TenantID
	usageID := result.UsageID
	if err := s.audit.AuditLog(ctx, &tenantID, string(auditdomain.ActorTypeSystem), nil,
		"billing.mark_billed", "usage_period", &usageID, map[string]any{
			"billing_reference_id": req.BillingReferenceID,
			"statement_number":     result.StatementNumber,
			"transactions_folded":  result.TransactionsFolded,
		}); err != nil {
		s.log.Warn("failed to audit mark billed", zap.Error(err))
	}
	return &result, nil
}

func (s *Service) UpdateOverageChargeStatusPaid(ctx context.Context, billingReferenceID, paidReferenceID string, paidAt time.Time) (*domain.PaidResult, error) {
	if strings.TrimSpace(billingReferenceID) == "" {
		return nil, usagedomain.ErrUsageNotFound
	}

	var period usagedomain.UsagePeriod
	err := s.db.WithContext(ctx).
		Where("billing_reference_id = ?", billingReferenceID).
		Limit(1).
		Find(&period).Error
	if err != nil {
		return nil, err
	}
	if period.ID == 0 {
		return nil, usagedomain.ErrUsageNotFound
	}
	if period.PaidAt != nil {
		return &domain.PaidResult{UsageID: period.ID.String(), PaidAt: *period.PaidAt}, nil
	}

	if paidAt.IsZero() {
		paidAt = s.clock.Now()
	}
	if err := s.db.WithContext(ctx).Exec(
		`UPDATE usage_periods SET paid_at = ?, updated_at = ? WHERE id = ? AND paid_at IS NULL`,
		paidAt, s.clock.Now(), period.ID,
	).Error; err != nil {
		return nil, err
	}

	s.log.Info("overage charge paid",
		zap.String("tenant_id", period.TenantID.String()),
		zap.String("billing_reference_id", billingReferenceID),
		zap.String("paid_reference_id", paidReferenceID),
	)
	return &domain.PaidResult{UsageID: period.ID.String(), PaidAt: paidAt}, nil
}

func (s *Service) lockPeriod(ctx context.Context, tx *gorm.DB, tenantID snowflake.ID, periodStart time.Time) (*usagedomain.UsagePeriod, error) {
	query := `SELECT * FROM usage_periods WHERE tenant_id = ? AND period_start = ? LIMIT 1`
	if supportsRowLocks(tx) {
		query += " FOR UPDATE"
	}
	var period usagedomain.UsagePeriod
	if err := tx.WithContext(ctx).Raw(query, tenantID, periodStart).Scan(&period).Error; err != nil {
		return nil, err
	}
	if period.ID == 0 {
		return nil, nil
	}
	return &period, nil
}

func (s *Service) adapter() (processordomain.Adapter, error) {
	cfg := s.cfg.Processor
	return s.registry.NewAdapter(cfg.Provider, processordomain.AdapterConfig{
		APIBaseURL:    cfg.APIBaseURL,
		APIKey:        cfg.APIKey,
		AccountID:     cfg.AccountID,
		WebhookSecret: cfg.WebhookSecret,
	})
}

// statementNumber renders the operator-configured template. {SEQ6} gets a
// base36 snowflake suffix rather than a per-month counter so concurrent
// schedulers never collide.
func (s *Service) statementNumber(periodEnd time.Time) string {
	template := config.DefaultVoiceDefaults().StatementNumberTemplate
	if s.defaults != nil {
		if t := strings.TrimSpace(s.defaults.Get().StatementNumberTemplate); t != "" {
			template = t
		}
	}

	end := periodEnd.UTC()
	suffix := strings.ToUpper(strconv.FormatInt(int64(s.genID.Generate()), 36))

	out := strings.NewReplacer(
		"{YYYY}", end.Format("2006"),
		"{MM}", end.Format("01"),
		"{SEQ6}", suffix,
	).Replace(template)
	return out
}

func derefString(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}

func supportsRowLocks(tx *gorm.DB) bool {
	return !strings.EqualFold(tx.Dialector.Name(), "sqlite")
}
