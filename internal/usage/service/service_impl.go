package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	alertdomain "github.com/smallbiznis/voxbill/internal/alert/domain"
	"github.com/smallbiznis/voxbill/internal/cache"
	"github.com/smallbiznis/voxbill/internal/clock"
	"github.com/smallbiznis/voxbill/internal/cloudmetrics"
	"github.com/smallbiznis/voxbill/internal/observability/metrics"
	plandomain "github.com/smallbiznis/voxbill/internal/plan/domain"
	policydomain "github.com/smallbiznis/voxbill/internal/policy/domain"
	tenantdomain "github.com/smallbiznis/voxbill/internal/tenant/domain"
	usagedomain "github.com/smallbiznis/voxbill/internal/usage/domain"
	"github.com/smallbiznis/voxbill/pkg/db/pagination"
	"github.com/smallbiznis/voxbill/pkg/tenantctx"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	denialTenantBlocked  = "TENANT_BLOCKED"
	denialLimitExceeded  = "LIMIT_EXCEEDED_BLOCK_POLICY"
	minuteBucketIncluded = "included"
	minuteBucketOverage  = "overage"
)

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	GenID    *snowflake.Node
	Clock    clock.Clock
	Tenants  tenantdomain.Repository
	Plans    plandomain.Repository
	Policies policydomain.Repository
	Alerts   alertdomain.Repository
	Cache    cache.AdmissionCache `optional:"true"`
	Metrics  *metrics.Metrics     `optional:"true"`
}

type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	genID    *snowflake.Node
	clock    clock.Clock
	tenants  tenantdomain.Repository
	plans    plandomain.Repository
	policies policydomain.Repository
	alerts   alertdomain.Repository
	cache    cache.AdmissionCache
	metrics  *metrics.Metrics
}

func NewService(p Params) usagedomain.Service {
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("usage.service"),
		genID:    p.GenID,
		clock:    p.Clock,
		tenants:  p.Tenants,
		plans:    p.Plans,
		policies: p.Policies,
		alerts:   p.Alerts,
		cache:    p.Cache,
		metrics:  p.Metrics,
	}
}

// admissionContext bundles the static lookups shared by the admission gate
// and the recorder.
type admissionContext struct {
	tenant *tenantdomain.Tenant
	policy *policydomain.TenantVoicePolicy
}

// resolveTenantPolicy serves the advisory read paths and may return entries
// up to the admission-cache TTL old.
func (s *Service) resolveTenantPolicy(ctx context.Context, tenantID snowflake.ID) (*admissionContext, error) {
	return s.resolveAdmission(ctx, tenantID, true)
}

// resolveTenantPolicyFresh reads straight from the database. The recorder
// prices, caps, and blocks from this snapshot, so a committed policy update
// must be visible to the very next call, not after the cache TTL.
func (s *Service) resolveTenantPolicyFresh(ctx context.Context, tenantID snowflake.ID) (*admissionContext, error) {
	return s.resolveAdmission(ctx, tenantID, false)
}

func (s *Service) resolveAdmission(ctx context.Context, tenantID snowflake.ID, useCache bool) (*admissionContext, error) {
	if tenantID == 0 {
		return nil, tenantdomain.ErrNotFound
	}
	key := tenantID.String()
	useCache = useCache && s.cache != nil

	var tenant *tenantdomain.Tenant
	if useCache {
		if cached, ok := s.cache.GetTenant(key); ok {
			tenant = cached
		}
	}
	if tenant == nil {
		found, err := s.tenants.FindByID(ctx, s.db, tenantID)
		if err != nil {
			return nil, err
		}
		if found == nil {
			return nil, tenantdomain.ErrNotFound
		}
		tenant = found
		if s.cache != nil {
			s.cache.SetTenant(key, tenant)
		}
	}

	var plan *plandomain.Plan
	if useCache {
		if cached, ok := s.cache.GetPlan(tenant.PlanCode); ok {
			plan = cached
		}
	}
	if plan == nil {
		found, err := s.plans.FindByCode(ctx, s.db, tenant.PlanCode)
		if err != nil {
			return nil, err
		}
		plan = found
		if s.cache != nil {
			s.cache.SetPlan(tenant.PlanCode, plan)
		}
	}
	if plan == nil || !plan.VoiceEnabled {
		return nil, plandomain.ErrNotEligible
	}

	var policy *policydomain.TenantVoicePolicy
	if useCache {
		if cached, ok := s.cache.GetPolicy(key); ok {
			policy = cached
		}
	}
	if policy == nil {
		found, err := s.policies.FindByTenant(ctx, s.db, tenantID)
		if err != nil {
			return nil, err
		}
		if found == nil {
			return nil, plandomain.ErrNotEligible
		}
		policy = found
		if s.cache != nil {
			s.cache.SetPolicy(key, policy)
		}
	}

	return &admissionContext{tenant: tenant, policy: policy}, nil
}

// calendarPeriod returns the UTC calendar-month window covering at.
func calendarPeriod(at time.Time) (time.Time, time.Time) {
	at = at.UTC()
	start := time.Date(at.Year(), at.Month(), 1, 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(0, 1, 0)
}

func (s *Service) CheckMinuteLimit(ctx context.Context, tenantID snowflake.ID) (*usagedomain.AdmissionResult, error) {
	resolved, err := s.resolveTenantPolicy(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	policy := resolved.policy

	now := s.clock.Now()
	period, err := s.findCurrentPeriod(ctx, s.db, tenantID, now)
	if err != nil {
		return nil, err
	}
	if period == nil {
		// Ephemeral zero-usage view; persisted lazily on first recording.
		start, end := calendarPeriod(now)
		period = &usagedomain.UsagePeriod{
			TenantID:                tenantID,
			PeriodStart:             start,
			PeriodEnd:               end,
			IncludedMinutesSnapshot: policy.IncludedMinutes,
		}
	}

	remaining := period.RemainingIncluded()
	percent := period.UsagePercent()
	isAtLimit := remaining == 0

	result := &usagedomain.AdmissionResult{
		CanProceed:        true,
		Policy:            policySnapshot(policy),
		Usage:             usageSnapshot(period),
		PeriodStart:       period.PeriodStart,
		PeriodEnd:         period.PeriodEnd,
		RemainingIncluded: remaining,
		UsagePercent:      percent,
		IsAtLimit:         isAtLimit,
	}

	switch {
	case period.IsBlocked:
		result.CanProceed = false
		result.DenialCode = denialTenantBlocked
	case isAtLimit && policy.OveragePolicy == policydomain.OveragePolicyBlock:
		result.CanProceed = false
		result.DenialCode = denialLimitExceeded
	}

	if !result.CanProceed && s.metrics != nil {
		s.metrics.RecordAdmissionDenied(ctx, result.DenialCode)
	}
	return result, nil
}

func (s *Service) RecordMinuteUsage(ctx context.Context, req usagedomain.RecordUsageRequest) (*usagedomain.UsageResult, error) {
	if req.SecondsUsed <= 0 {
		return nil, usagedomain.ErrInvalidSeconds
	}
	callID := normalizeCallID(req.CallID)

	resolved, err := s.resolveTenantPolicyFresh(ctx, req.TenantID)
	if err != nil {
		return nil, err
	}
	policy := resolved.policy

	if callID != nil {
		existing, err := s.findTransactionByCallID(ctx, req.TenantID, *callID)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return s.buildDuplicateResult(ctx, existing, policy)
		}
	}

	now := s.clock.Now()
	minutesRecorded := ceilMinutes(req.SecondsUsed)

	var (
		result    *usagedomain.UsageResult
		duplicate bool
	)
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		period, err := s.lockOrCreateCurrentPeriod(ctx, tx, req.TenantID, policy, now)
		if err != nil {
			return err
		}

		if period.IsBlocked {
			reason := ""
			if period.BlockedReason != nil {
				reason = *period.BlockedReason
			}
			if s.metrics != nil {
				s.metrics.RecordAdmissionDenied(ctx, denialTenantBlocked)
			}
			return &usagedomain.BlockedError{Reason: reason}
		}

		remaining := period.IncludedMinutesSnapshot - period.IncludedMinutesUsed
		if remaining < 0 {
			remaining = 0
		}
		minutesToIncluded := minutesRecorded
		if minutesToIncluded > remaining {
			minutesToIncluded = remaining
		}
		minutesToOverage := minutesRecorded - minutesToIncluded

		// Clipped amounts stay recorded as overage minutes; only the charge
		// is capped.
		var allowedCharge int64
		if policy.OveragePolicy == policydomain.OveragePolicyCharge && minutesToOverage > 0 {
			allowedCharge = minutesToOverage * policy.OveragePriceMinorUnits
			// A zero cap means uncapped.
			if policy.MaxOverageChargeMinorUnits > 0 {
				headroom := policy.MaxOverageChargeMinorUnits - period.OverageChargeMinorUnits
				if headroom < 0 {
					headroom = 0
				}
				if allowedCharge > headroom {
					allowedCharge = headroom
				}
			}
		}

		txn := usagedomain.UsageTransaction{
			ID:                s.genID.Generate(),
			TenantID:          req.TenantID,
			UsageID:           period.ID,
			CallID:            callID,
			SecondsUsed:       req.SecondsUsed,
			MinutesRecorded:   minutesRecorded,
			MinutesToIncluded: minutesToIncluded,
			MinutesToOverage:  minutesToOverage,
			ChargeMinorUnits:  allowedCharge,
			Metadata:          datatypes.JSONMap(req.Metadata),
			CreatedAt:         now,
		}
		inserted, err := s.insertTransaction(ctx, tx, &txn)
		if err != nil {
			return err
		}
		if !inserted {
			// A concurrent submission of the same callId won the race.
			duplicate = true
			return nil
		}

		period.IncludedMinutesUsed += minutesToIncluded
		period.OverageMinutesUsed += minutesToOverage
		period.OverageChargeMinorUnits += allowedCharge
		period.TotalCalls++

		percent := period.UsagePercent()
		crossed := policy.AlertThresholds.HighestCrossed(percent, period.LastAlertThreshold)
		if crossed != nil {
			period.LastAlertThreshold = crossed
			if err := s.insertAlert(ctx, tx, period, *crossed, percent, now); err != nil {
				return err
			}
		}

		blockedNow := false
		switch policy.OveragePolicy {
		case policydomain.OveragePolicyBlock:
			if period.IncludedMinutesSnapshot-period.IncludedMinutesUsed <= 0 {
				blockedNow = true
				reason := policydomain.BlockReasonIncludedExhausted
				period.IsBlocked = true
				period.BlockedReason = &reason
			}
		case policydomain.OveragePolicyCharge:
			if policy.MaxOverageChargeMinorUnits > 0 && period.OverageChargeMinorUnits >= policy.MaxOverageChargeMinorUnits {
				blockedNow = true
				reason := policydomain.BlockReasonCapReached
				period.IsBlocked = true
				period.BlockedReason = &reason
			}
		}

		if err := s.updatePeriodCounters(ctx, tx, period, now); err != nil {
			return err
		}

		if s.metrics != nil {
			if minutesToIncluded > 0 {
				s.metrics.RecordMinutes(ctx, minuteBucketIncluded, minutesToIncluded)
			}
			if minutesToOverage > 0 {
				s.metrics.RecordMinutes(ctx, minuteBucketOverage, minutesToOverage)
			}
			if allowedCharge > 0 {
				s.metrics.RecordOverageCharge(ctx, allowedCharge)
			}
			if blockedNow && period.BlockedReason != nil {
				s.metrics.RecordTenantBlocked(ctx, *period.BlockedReason)
			}
			if crossed != nil {
				s.metrics.RecordAlertTriggered(ctx, *crossed)
			}
		}

		result = &usagedomain.UsageResult{
			TransactionID:           txn.ID.String(),
			UsageID:                 period.ID.String(),
			MinutesRecorded:         minutesRecorded,
			MinutesToIncluded:       minutesToIncluded,
			MinutesToOverage:        minutesToOverage,
			IsOverage:               minutesToOverage > 0,
			ChargeMinorUnits:        allowedCharge,
			ChargeDisplay:           usagedomain.DisplayAmount(allowedCharge),
			TotalChargeMinorUnits:   period.OverageChargeMinorUnits,
			TotalChargeDisplay:      usagedomain.DisplayAmount(period.OverageChargeMinorUnits),
			RemainingIncluded:       period.RemainingIncluded(),
			UsagePercent:            percent,
			IsBlocked:               period.IsBlocked,
			AlertThresholdTriggered: crossed,
			Policy:                  policySnapshot(policy),
			PeriodStart:             period.PeriodStart,
			PeriodEnd:               period.PeriodEnd,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if duplicate && callID != nil {
		existing, err := s.findTransactionByCallID(ctx, req.TenantID, *callID)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return s.buildDuplicateResult(ctx, existing, policy)
		}
		return nil, usagedomain.ErrUsageNotFound
	}

	cloudmetrics.RecordMinutes(req.TenantID.String(), minutesRecorded)
	return result, nil
}

// lockOrCreateCurrentPeriod is the shared get-or-create primitive. The row
// lock on the returned period is what serializes concurrent recordings for
// one tenant; different tenants never contend.
func (s *Service) lockOrCreateCurrentPeriod(ctx context.Context, tx *gorm.DB, tenantID snowflake.ID, policy *policydomain.TenantVoicePolicy, now time.Time) (*usagedomain.UsagePeriod, error) {
	period, err := s.lockCurrentPeriod(ctx, tx, tenantID, now)
	if err != nil {
		return nil, err
	}
	if period != nil {
		return period, nil
	}

	start, end := calendarPeriod(now)
	fresh := usagedomain.UsagePeriod{
		ID:                      s.genID.Generate(),
		TenantID:                tenantID,
		PeriodStart:             start,
		PeriodEnd:               end,
		IncludedMinutesSnapshot: policy.IncludedMinutes,
		BillingStatus:           usagedomain.BillingStatusPending,
		CreatedAt:               now,
		UpdatedAt:               now,
	}
	result := tx.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "tenant_id"}, {Name: "period_start"}},
			DoNothing: true,
		}).
		Create(&fresh)
	if result.Error != nil {
		return nil, result.Error
	}

	// Re-read under the lock whether we inserted or a concurrent
	// transaction beat us to it.
	period, err = s.lockCurrentPeriod(ctx, tx, tenantID, now)
	if err != nil {
		return nil, err
	}
	if period == nil {
		return nil, gorm.ErrRecordNotFound
	}
	return period, nil
}

func (s *Service) lockCurrentPeriod(ctx context.Context, tx *gorm.DB, tenantID snowflake.ID, now time.Time) (*usagedomain.UsagePeriod, error) {
	query := `SELECT * FROM usage_periods
		 WHERE tenant_id = ? AND period_start <= ? AND period_end > ?
		 ORDER BY period_start DESC
		 LIMIT 1`
	if supportsRowLocks(tx) {
		query += " FOR UPDATE"
	}
	var period usagedomain.UsagePeriod
	err := tx.WithContext(ctx).Raw(query, tenantID, now, now).Scan(&period).Error
	if err != nil {
		return nil, err
	}
	if period.ID == 0 {
		return nil, nil
	}
	return &period, nil
}

func (s *Service) findCurrentPeriod(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, now time.Time) (*usagedomain.UsagePeriod, error) {
	var period usagedomain.UsagePeriod
	err := db.WithContext(ctx).
		Where("tenant_id = ? AND period_start <= ? AND period_end > ?", tenantID, now, now).
		Order("period_start desc").
		Limit(1).
		Find(&period).Error
	if err != nil {
		return nil, err
	}
	if period.ID == 0 {
		return nil, nil
	}
	return &period, nil
}

func (s *Service) insertTransaction(ctx context.Context, tx *gorm.DB, txn *usagedomain.UsageTransaction) (bool, error) {
	db := tx.WithContext(ctx)
	if txn.CallID != nil {
		conflict := clause.OnConflict{
			Columns:   []clause.Column{{Name: "tenant_id"}, {Name: "call_id"}},
			DoNothing: true,
		}
		if strings.EqualFold(tx.Dialector.Name(), "postgres") {
			conflict.TargetWhere = clause.Where{Exprs: []clause.Expression{
				clause.Expr{SQL: "call_id IS NOT NULL"},
			}}
		}
		db = db.Clauses(conflict)
	}
	result := db.Create(txn)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (s *Service) updatePeriodCounters(ctx context.Context, tx *gorm.DB, period *usagedomain.UsagePeriod, now time.Time) error {
	period.UpdatedAt = now
	return tx.WithContext(ctx).Exec(
		`UPDATE usage_periods
		 SET included_minutes_used = ?, overage_minutes_used = ?, overage_charge_minor_units = ?,
		     total_calls = ?, is_blocked = ?, blocked_reason = ?, last_alert_threshold = ?, updated_at = ?
		 WHERE id = ?`,
		period.IncludedMinutesUsed,
		period.OverageMinutesUsed,
		period.OverageChargeMinorUnits,
		period.TotalCalls,
		period.IsBlocked,
		period.BlockedReason,
		period.LastAlertThreshold,
		period.UpdatedAt,
		period.ID,
	).Error
}

func (s *Service) insertAlert(ctx context.Context, tx *gorm.DB, period *usagedomain.UsagePeriod, threshold int64, percent float64, now time.Time) error {
	alert := alertdomain.UsageAlert{
		ID:           s.genID.Generate(),
		TenantID:     period.TenantID,
		UsageID:      period.ID,
		Threshold:    threshold,
		UsagePercent: percent,
		CreatedAt:    now,
	}
	return s.alerts.Insert(ctx, tx, &alert)
}

func (s *Service) findTransactionByCallID(ctx context.Context, tenantID snowflake.ID, callID string) (*usagedomain.UsageTransaction, error) {
	var txn usagedomain.UsageTransaction
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND call_id = ?", tenantID, callID).
		Limit(1).
		Find(&txn).Error
	if err != nil {
		return nil, err
	}
	if txn.ID == 0 {
		return nil, nil
	}
	return &txn, nil
}

// buildDuplicateResult replays a previously recorded call as a no-op
// success.
func (s *Service) buildDuplicateResult(ctx context.Context, txn *usagedomain.UsageTransaction, policy *policydomain.TenantVoicePolicy) (*usagedomain.UsageResult, error) {
	var period usagedomain.UsagePeriod
	err := s.db.WithContext(ctx).
		Where("id = ?", txn.UsageID).
		Limit(1).
		Find(&period).Error
	if err != nil {
		return nil, err
	}
	if period.ID == 0 {
		return nil, usagedomain.ErrUsageNotFound
	}
	return &usagedomain.UsageResult{
		AlreadyRecorded:         true,
		TransactionID:           txn.ID.String(),
		UsageID:                 period.ID.String(),
		MinutesRecorded:         txn.MinutesRecorded,
		MinutesToIncluded:       txn.MinutesToIncluded,
		MinutesToOverage:        txn.MinutesToOverage,
		IsOverage:               txn.MinutesToOverage > 0,
		ChargeMinorUnits:        txn.ChargeMinorUnits,
		ChargeDisplay:           usagedomain.DisplayAmount(txn.ChargeMinorUnits),
		TotalChargeMinorUnits:   period.OverageChargeMinorUnits,
		TotalChargeDisplay:      usagedomain.DisplayAmount(period.OverageChargeMinorUnits),
		RemainingIncluded:       period.RemainingIncluded(),
		UsagePercent:            period.UsagePercent(),
		IsBlocked:               period.IsBlocked,
		AlertThresholdTriggered: nil,
		Policy:                  policySnapshot(policy),
		PeriodStart:             period.PeriodStart,
		PeriodEnd:               period.PeriodEnd,
	}, nil
}

func (s *Service) ResetMonthlyUsage(ctx context.Context) (*usagedomain.ResetReport, error) {
	now := s.clock.Now()
	start, end := calendarPeriod(now)

	var policies []policydomain.TenantVoicePolicy
	if err := s.db.WithContext(ctx).
		Order("tenant_id asc").
		Find(&policies).Error; err != nil {
		return nil, err
	}

	report := &usagedomain.ResetReport{
		PeriodStart: start,
		PeriodEnd:   end,
	}
	var errs []error
	for i := range policies {
		policy := policies[i]
		closed, opened, err := s.rotateTenantPeriod(ctx, &policy, now)
		if err != nil {
			errs = append(errs, err)
			s.log.Error("failed to rotate usage period",
				zap.String("tenant_id", policy.TenantID.String()),
				zap.Error(err),
			)
			continue
		}
		report.TenantsProcessed++
		if closed {
			report.PeriodsClosed++
		}
		if opened {
			report.PeriodsOpened++
		}
	}
	return report, errors.Join(errs...)
}

func (s *Service) rotateTenantPeriod(ctx context.Context, policy *policydomain.TenantVoicePolicy, now time.Time) (closed bool, opened bool, err error) {
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		latest, err := s.lockLatestPeriod(ctx, tx, policy.TenantID)
		if err != nil {
			return err
		}
		if latest != nil && latest.PeriodStart.Before(now) && latest.PeriodEnd.After(now) {
			// A period already covers now; overlapping firings no-op here.
			return nil
		}
		if latest != nil && !latest.PeriodEnd.After(now) {
			closed = true
		}

		start, end := calendarPeriod(now)
		fresh := usagedomain.UsagePeriod{
			ID:                      s.genID.Generate(),
			TenantID:                policy.TenantID,
			PeriodStart:             start,
			PeriodEnd:               end,
			IncludedMinutesSnapshot: policy.IncludedMinutes,
			BillingStatus:           usagedomain.BillingStatusPending,
			CreatedAt:               now,
			UpdatedAt:               now,
		}
		result := tx.WithContext(ctx).
			Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "tenant_id"}, {Name: "period_start"}},
				DoNothing: true,
			}).
			Create(&fresh)
		if result.Error != nil {
			return result.Error
		}
		opened = result.RowsAffected > 0
		return nil
	})
	return closed, opened, err
}

func (s *Service) lockLatestPeriod(ctx context.Context, tx *gorm.DB, tenantID snowflake.ID) (*usagedomain.UsagePeriod, error) {
	query := `SELECT * FROM usage_periods
		 WHERE tenant_id = ?
		 ORDER BY period_start DESC
		 LIMIT 1`
	if supportsRowLocks(tx) {
		query += " FOR UPDATE"
	}
	var period usagedomain.UsagePeriod
	if err := tx.WithContext(ctx).Raw(query, tenantID).Scan(&period).Error; err != nil {
		return nil, err
	}
	if period.ID == 0 {
		return nil, nil
	}
	return &period, nil
}

func (s *Service) GetMinuteUsageSummary(ctx context.Context, tenantID snowflake.ID) (*usagedomain.UsageSummary, error) {
	if err := s.authorizeTenantScope(ctx, tenantID); err != nil {
		return nil, err
	}
	resolved, err := s.resolveTenantPolicy(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	policy := resolved.policy

	now := s.clock.Now()
	period, err := s.findCurrentPeriod(ctx, s.db, tenantID, now)
	if err != nil {
		return nil, err
	}
	if period == nil {
		start, end := calendarPeriod(now)
		period = &usagedomain.UsagePeriod{
			TenantID:                tenantID,
			PeriodStart:             start,
			PeriodEnd:               end,
			IncludedMinutesSnapshot: policy.IncludedMinutes,
		}
	}

	daysElapsed := int64(now.Sub(period.PeriodStart).Hours() / 24)
	daysRemaining := int64(period.PeriodEnd.Sub(now).Hours() / 24)
	if daysRemaining < 0 {
		daysRemaining = 0
	}

	return &usagedomain.UsageSummary{
		TenantID:           tenantID.String(),
		Policy:             policySnapshot(policy),
		Usage:              usageSnapshot(period),
		PeriodStart:        period.PeriodStart,
		PeriodEnd:          period.PeriodEnd,
		RemainingIncluded:  period.RemainingIncluded(),
		UsagePercent:       period.UsagePercent(),
		DaysElapsed:        daysElapsed,
		DaysRemaining:      daysRemaining,
		LastAlertThreshold: period.LastAlertThreshold,
	}, nil
}

func (s *Service) GetCurrentOveragePreview(ctx context.Context, tenantID snowflake.ID) (*usagedomain.OveragePreview, error) {
	if err := s.authorizeTenantScope(ctx, tenantID); err != nil {
		return nil, err
	}
	resolved, err := s.resolveTenantPolicy(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	policy := resolved.policy

	now := s.clock.Now()
	period, err := s.findCurrentPeriod(ctx, s.db, tenantID, now)
	if err != nil {
		return nil, err
	}
	start, end := calendarPeriod(now)
	if period != nil {
		start, end = period.PeriodStart, period.PeriodEnd
	}

	daysTotal := int64(end.Sub(start).Hours() / 24)
	daysElapsed := int64(now.Sub(start).Hours()/24) + 1
	if daysElapsed > daysTotal {
		daysElapsed = daysTotal
	}
	if daysElapsed < 1 {
		daysElapsed = 1
	}

	preview := &usagedomain.OveragePreview{
		TenantID:    tenantID.String(),
		DaysElapsed: daysElapsed,
		DaysTotal:   daysTotal,
	}
	if period != nil {
		preview.CurrentOverageMinutes = period.OverageMinutesUsed
		preview.CurrentOverageChargeMinorUnits = period.OverageChargeMinorUnits

		// Advisory straight-line projection to end of period, still bounded
		// by the charge cap.
		projectedMinutes := period.OverageMinutesUsed * daysTotal / daysElapsed
		projectedCharge := period.OverageChargeMinorUnits * daysTotal / daysElapsed
		if policy.MaxOverageChargeMinorUnits > 0 && projectedCharge > policy.MaxOverageChargeMinorUnits {
			projectedCharge = policy.MaxOverageChargeMinorUnits
		}
		preview.ProjectedOverageMinutes = projectedMinutes
		preview.ProjectedOverageChargeMinorUnits = projectedCharge
		preview.ProjectedChargeDisplay = usagedomain.DisplayAmount(projectedCharge)
	}
	return preview, nil
}

func (s *Service) GetVoiceBillingHistory(ctx context.Context, req usagedomain.BillingHistoryRequest) (usagedomain.BillingHistoryResponse, error) {
	if err := s.authorizeTenantScope(ctx, req.TenantID); err != nil {
		return usagedomain.BillingHistoryResponse{}, err
	}

	now := s.clock.Now()
	pageSize := req.PageSize
	if pageSize <= 0 {
		pageSize = 50
	}
	if pageSize > 250 {
		pageSize = 250
	}

	stmt := s.db.WithContext(ctx).
		Model(&usagedomain.UsagePeriod{}).
		Where("tenant_id = ? AND period_end <= ?", req.TenantID, now)

	if strings.TrimSpace(req.PageToken) != "" {
		decoded, err := pagination.DecodeCursor(req.PageToken)
		if err != nil {
			return usagedomain.BillingHistoryResponse{}, err
		}
		cursorStart, err := time.Parse(time.RFC3339, decoded.CreatedAt)
		if err != nil {
			return usagedomain.BillingHistoryResponse{}, err
		}
		stmt = stmt.Where("period_start < ?", cursorStart)
	}

	var periods []*usagedomain.UsagePeriod
	if err := stmt.
		Order("period_start desc").
		Limit(pageSize + 1).
		Find(&periods).Error; err != nil {
		return usagedomain.BillingHistoryResponse{}, err
	}

	pageInfo := pagination.BuildCursorPageInfo(periods, int32(pageSize), func(item *usagedomain.UsagePeriod) string {
		token, err := pagination.EncodeCursor(pagination.Cursor{
			ID:        item.ID.String(),
			CreatedAt: item.PeriodStart.Format(time.RFC3339),
		})
		if err != nil {
			return ""
		}
		return token
	})
	if pageInfo != nil && pageInfo.HasMore && len(periods) > pageSize {
		periods = periods[:pageSize]
	}

	entries := make([]usagedomain.BillingHistoryEntry, 0, len(periods))
	for _, period := range periods {
		entries = append(entries, usagedomain.BillingHistoryEntry{
			UsageID:                 period.ID.String(),
			PeriodStart:             period.PeriodStart,
			PeriodEnd:               period.PeriodEnd,
			IncludedMinutesSnapshot: period.IncludedMinutesSnapshot,
			IncludedMinutesUsed:     period.IncludedMinutesUsed,
			OverageMinutesUsed:      period.OverageMinutesUsed,
			OverageChargeMinorUnits: period.OverageChargeMinorUnits,
			OverageChargeDisplay:    usagedomain.DisplayAmount(period.OverageChargeMinorUnits),
			TotalCalls:              period.TotalCalls,
			IsBilled:                period.IsBilled,
			BillingReferenceID:      period.BillingReferenceID,
			StatementNumber:         period.StatementNumber,
			PaidAt:                  period.PaidAt,
		})
	}

	resp := usagedomain.BillingHistoryResponse{Periods: entries}
	if pageInfo != nil {
		resp.PageInfo = *pageInfo
	}
	return resp, nil
}

func (s *Service) authorizeTenantScope(ctx context.Context, tenantID snowflake.ID) error {
	if role, ok := tenantctx.CallerRole(ctx); ok && role == "system" {
		return nil
	}
	callerTenant, ok := tenantctx.TenantIDFromContext(ctx)
	if !ok || callerTenant == 0 || callerTenant != tenantID {
		return usagedomain.ErrAccessDenied
	}
	return nil
}

func policySnapshot(policy *policydomain.TenantVoicePolicy) usagedomain.PolicySnapshot {
	return usagedomain.PolicySnapshot{
		IncludedMinutes:            policy.IncludedMinutes,
		OveragePolicy:              string(policy.OveragePolicy),
		OveragePriceMinorUnits:     policy.OveragePriceMinorUnits,
		MaxOverageChargeMinorUnits: policy.MaxOverageChargeMinorUnits,
		AlertThresholds:            []int64(policy.AlertThresholds),
		Currency:                   policy.Currency,
	}
}

func usageSnapshot(period *usagedomain.UsagePeriod) usagedomain.UsageSnapshot {
	snapshot := usagedomain.UsageSnapshot{
		IncludedMinutesUsed:     period.IncludedMinutesUsed,
		OverageMinutesUsed:      period.OverageMinutesUsed,
		OverageChargeMinorUnits: period.OverageChargeMinorUnits,
		OverageChargeDisplay:    usagedomain.DisplayAmount(period.OverageChargeMinorUnits),
		TotalCalls:              period.TotalCalls,
		IsBlocked:               period.IsBlocked,
	}
	if period.BlockedReason != nil {
		snapshot.BlockedReason = *period.BlockedReason
	}
	return snapshot
}

func ceilMinutes(seconds int64) int64 {
	return (seconds + 59) / 60
}

func normalizeCallID(callID *string) *string {
	if callID == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*callID)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}

func supportsRowLocks(tx *gorm.DB) bool {
	return !strings.EqualFold(tx.Dialector.Name(), "sqlite")
}
