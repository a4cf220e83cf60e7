package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	alertdomain "github.com/smallbiznis/voxbill/internal/alert/domain"
	alertrepo "github.com/smallbiznis/voxbill/internal/alert/repository"
	"github.com/smallbiznis/voxbill/internal/cache"
	"github.com/smallbiznis/voxbill/internal/clock"
	plandomain "github.com/smallbiznis/voxbill/internal/plan/domain"
	planrepo "github.com/smallbiznis/voxbill/internal/plan/repository"
	policydomain "github.com/smallbiznis/voxbill/internal/policy/domain"
	policyrepo "github.com/smallbiznis/voxbill/internal/policy/repository"
	tenantdomain "github.com/smallbiznis/voxbill/internal/tenant/domain"
	tenantrepo "github.com/smallbiznis/voxbill/internal/tenant/repository"
	usagedomain "github.com/smallbiznis/voxbill/internal/usage/domain"
	"github.com/smallbiznis/voxbill/pkg/tenantctx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"
)

type fixture struct {
	svc      *Service
	db       *gorm.DB
	clock    *clock.FakeClock
	node     *snowflake.Node
	tenantID snowflake.ID
}

func newFixture(t *testing.T, policy policydomain.TenantVoicePolicy) *fixture {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)

	require.NoError(t, db.AutoMigrate(
		&tenantdomain.Tenant{},
		&plandomain.Plan{},
		&policydomain.TenantVoicePolicy{},
		&usagedomain.UsagePeriod{},
		&usagedomain.UsageTransaction{},
		&alertdomain.UsageAlert{},
	))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	fc := clock.NewFakeClock(time.Date(2026, time.March, 10, 12, 0, 0, 0, time.UTC))

	tenant := tenantdomain.Tenant{
		ID:       node.Generate(),
		Name:     "Acme Voice",
		Slug:     "acme-voice",
		Status:   tenantdomain.StatusActive,
		PlanCode: "growth",
	}
	require.NoError(t, db.Create(&tenant).Error)

	plan := plandomain.Plan{
		ID:           node.Generate(),
		Code:         "growth",
		Name:         "Growth",
		VoiceEnabled: true,
		Active:       true,
		Currency:     "USD",
	}
	require.NoError(t, db.Create(&plan).Error)

	policy.ID = node.Generate()
	policy.TenantID = tenant.ID
	if policy.Currency == "" {
		policy.Currency = "USD"
	}
	require.NoError(t, db.Create(&policy).Error)

	svc := &Service{
		db:       db,
		log:      zaptest.NewLogger(t),
		genID:    node,
		clock:    fc,
		tenants:  tenantrepo.Provide(),
		plans:    planrepo.Provide(),
		policies: policyrepo.Provide(),
		alerts:   alertrepo.Provide(),
	}

	return &fixture{
		svc:      svc,
		db:       db,
		clock:    fc,
		node:     node,
		tenantID: tenant.ID,
	}
}

func systemCtx() context.Context {
	return tenantctx.WithCallerRole(context.Background(), "system")
}

func chargePolicy(included, price, cap int64) policydomain.TenantVoicePolicy {
	return policydomain.TenantVoicePolicy{
		IncludedMinutes:            included,
		OveragePolicy:              policydomain.OveragePolicyCharge,
		OveragePriceMinorUnits:     price,
		MaxOverageChargeMinorUnits: cap,
	}
}

func blockPolicy(included int64) policydomain.TenantVoicePolicy {
	return policydomain.TenantVoicePolicy{
		IncludedMinutes: included,
		OveragePolicy:   policydomain.OveragePolicyBlock,
	}
}

func strPtr(s string) *string { return &s }

func TestRecordMinuteUsageSplitsIncludedAndOverage(t *testing.T) {
	f := newFixture(t, chargePolicy(5, 350, 200_000))
	ctx := systemCtx()

	// 198s rounds to 4 minutes, fully inside the allowance.
	first, err := f.svc.RecordMinuteUsage(ctx, usagedomain.RecordUsageRequest{
		TenantID:    f.tenantID,
		CallID:      strPtr("call-1"),
		SecondsUsed: 198,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(4), first.MinutesRecorded)
	assert.Equal(t, int64(4), first.MinutesToIncluded)
	assert.Equal(t, int64(0), first.MinutesToOverage)
	assert.False(t, first.IsOverage)
	assert.Equal(t, int64(0), first.ChargeMinorUnits)
	assert.Equal(t, int64(1), first.RemainingIncluded)

	// 200s rounds to 4 more: 1 fills the allowance, 3 spill to overage.
	second, err := f.svc.RecordMinuteUsage(ctx, usagedomain.RecordUsageRequest{
		TenantID:    f.tenantID,
		CallID:      strPtr("call-2"),
		SecondsUsed: 200,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), second.MinutesToIncluded)
	assert.Equal(t, int64(3), second.MinutesToOverage)
	assert.True(t, second.IsOverage)
	assert.Equal(t, int64(3*350), second.ChargeMinorUnits)
	assert.Equal(t, int64(3*350), second.TotalChargeMinorUnits)
	assert.Equal(t, int64(0), second.RemainingIncluded)

	var period usagedomain.UsagePeriod
	require.NoError(t, f.db.Where("tenant_id = ?", f.tenantID).Take(&period).Error)
	assert.Equal(t, int64(5), period.IncludedMinutesUsed)
	assert.Equal(t, int64(3), period.OverageMinutesUsed)
	assert.Equal(t, int64(1050), period.OverageChargeMinorUnits)
	assert.Equal(t, int64(2), period.TotalCalls)
	assert.False(t, period.IsBlocked)
}

func TestRecordMinuteUsageDuplicateCallID(t *testing.T) {
	f := newFixture(t, chargePolicy(100, 350, 0))
	ctx := systemCtx()

	req := usagedomain.RecordUsageRequest{
		TenantID:    f.tenantID,
		CallID:      strPtr("call-dup"),
		SecondsUsed: 185,
	}

	first, err := f.svc.RecordMinuteUsage(ctx, req)
	require.NoError(t, err)
	assert.False(t, first.AlreadyRecorded)
	assert.Equal(t, int64(4), first.MinutesRecorded)

	replay, err := f.svc.RecordMinuteUsage(ctx, req)
	require.NoError(t, err)
	assert.True(t, replay.AlreadyRecorded)
	assert.Equal(t, first.TransactionID, replay.TransactionID)
	assert.Equal(t, int64(4), replay.MinutesRecorded)

	var period usagedomain.UsagePeriod
	require.NoError(t, f.db.Where("tenant_id = ?", f.tenantID).Take(&period).Error)
	assert.Equal(t, int64(4), period.IncludedMinutesUsed)
	assert.Equal(t, int64(1), period.TotalCalls)

	var transactions int64
	require.NoError(t, f.db.Model(&usagedomain.UsageTransaction{}).
		Where("tenant_id = ?", f.tenantID).
		Count(&transactions).Error)
	assert.Equal(t, int64(1), transactions)
}

func TestRecordMinuteUsageRejectsInvalidSeconds(t *testing.T) {
	f := newFixture(t, chargePolicy(100, 350, 0))
	ctx := systemCtx()

	for _, seconds := range []int64{0, -5} {
		_, err := f.svc.RecordMinuteUsage(ctx, usagedomain.RecordUsageRequest{
			TenantID:    f.tenantID,
			SecondsUsed: seconds,
		})
		assert.ErrorIs(t, err, usagedomain.ErrInvalidSeconds)
	}
}

func TestRecordMinuteUsageRequiresVoicePlan(t *testing.T) {
	f := newFixture(t, chargePolicy(100, 350, 0))
	ctx := systemCtx()

	require.NoError(t, f.db.Model(&plandomain.Plan{}).
		Where("code = ?", "growth").
		Update("voice_enabled", false).Error)

	_, err := f.svc.RecordMinuteUsage(ctx, usagedomain.RecordUsageRequest{
		TenantID:    f.tenantID,
		SecondsUsed: 60,
	})
	assert.ErrorIs(t, err, plandomain.ErrNotEligible)
}

func TestRecordMinuteUsageUnknownTenant(t *testing.T) {
	f := newFixture(t, chargePolicy(100, 350, 0))

	_, err := f.svc.RecordMinuteUsage(systemCtx(), usagedomain.RecordUsageRequest{
		TenantID:    f.node.Generate(),
		SecondsUsed: 60,
	})
	assert.ErrorIs(t, err, tenantdomain.ErrNotFound)
}

func TestBlockPolicyDeniesAfterExhaustion(t *testing.T) {
	f := newFixture(t, blockPolicy(2))
	ctx := systemCtx()

	first, err := f.svc.RecordMinuteUsage(ctx, usagedomain.RecordUsageRequest{
		TenantID:    f.tenantID,
		CallID:      strPtr("call-1"),
		SecondsUsed: 120,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), first.MinutesToIncluded)
	assert.True(t, first.IsBlocked)

	check, err := f.svc.CheckMinuteLimit(ctx, f.tenantID)
	require.NoError(t, err)
	assert.False(t, check.CanProceed)
	assert.Equal(t, "TENANT_BLOCKED", check.DenialCode)
	assert.True(t, check.IsAtLimit)

	_, err = f.svc.RecordMinuteUsage(ctx, usagedomain.RecordUsageRequest{
		TenantID:    f.tenantID,
		CallID:      strPtr("call-2"),
		SecondsUsed: 60,
	})
	var blocked *usagedomain.BlockedError
	require.ErrorAs(t, err, &blocked)
	assert.Equal(t, policydomain.BlockReasonIncludedExhausted, blocked.Reason)
}

func TestChargeCapClipsChargeNotMinutes(t *testing.T) {
	f := newFixture(t, chargePolicy(1, 350, 1000))
	ctx := systemCtx()

	_, err := f.svc.RecordMinuteUsage(ctx, usagedomain.RecordUsageRequest{
		TenantID:    f.tenantID,
		CallID:      strPtr("call-1"),
		SecondsUsed: 60,
	})
	require.NoError(t, err)

	// 10 minutes of overage would cost 3500; only 1000 of headroom remains.
	result, err := f.svc.RecordMinuteUsage(ctx, usagedomain.RecordUsageRequest{
		TenantID:    f.tenantID,
		CallID:      strPtr("call-2"),
		SecondsUsed: 600,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(10), result.MinutesToOverage)
	assert.Equal(t, int64(1000), result.ChargeMinorUnits)
	assert.True(t, result.IsBlocked)

	var period usagedomain.UsagePeriod
	require.NoError(t, f.db.Where("tenant_id = ?", f.tenantID).Take(&period).Error)
	assert.Equal(t, int64(10), period.OverageMinutesUsed)
	assert.Equal(t, int64(1000), period.OverageChargeMinorUnits)
	require.NotNil(t, period.BlockedReason)
	assert.Equal(t, policydomain.BlockReasonCapReached, *period.BlockedReason)
}

func TestZeroCapMeansUncapped(t *testing.T) {
	f := newFixture(t, chargePolicy(1, 350, 0))
	ctx := systemCtx()

	result, err := f.svc.RecordMinuteUsage(ctx, usagedomain.RecordUsageRequest{
		TenantID:    f.tenantID,
		CallID:      strPtr("call-1"),
		SecondsUsed: 6060,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(100), result.MinutesToOverage)
	assert.Equal(t, int64(100*350), result.ChargeMinorUnits)
	assert.False(t, result.IsBlocked)
}

func TestRecorderSeesPolicyUpdateDespiteWarmCache(t *testing.T) {
	f := newFixture(t, chargePolicy(1, 350, 0))
	f.svc.cache = cache.NewAdmissionCache()
	ctx := systemCtx()

	// Warm the admission cache with the old price.
	first, err := f.svc.RecordMinuteUsage(ctx, usagedomain.RecordUsageRequest{
		TenantID:    f.tenantID,
		CallID:      strPtr("call-1"),
		SecondsUsed: 120,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(350), first.ChargeMinorUnits)

	require.NoError(t, f.db.Model(&policydomain.TenantVoicePolicy{}).
		Where("tenant_id = ?", f.tenantID).
		Update("overage_price_minor_units", 1000).Error)

	// The advisory gate may keep serving the cached snapshot for a while.
	admission, err := f.svc.CheckMinuteLimit(ctx, f.tenantID)
	require.NoError(t, err)
	assert.Equal(t, int64(350), admission.Policy.OveragePriceMinorUnits)

	// The recorder prices from the committed policy on the very next call,
	// not after the cache TTL.
	second, err := f.svc.RecordMinuteUsage(ctx, usagedomain.RecordUsageRequest{
		TenantID:    f.tenantID,
		CallID:      strPtr("call-2"),
		SecondsUsed: 600,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(10), second.MinutesToOverage)
	assert.Equal(t, int64(10*1000), second.ChargeMinorUnits)
}

func TestConcurrentRecordersSerializeOnOnePeriod(t *testing.T) {
	f := newFixture(t, blockPolicy(1))
	sqlDB, err := f.db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	const callers = 6
	results := make(chan error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := f.svc.RecordMinuteUsage(systemCtx(), usagedomain.RecordUsageRequest{
				TenantID:    f.tenantID,
				CallID:      strPtr(fmt.Sprintf("call-%d", n)),
				SecondsUsed: 60,
			})
			results <- err
		}(i)
	}
	wg.Wait()
	close(results)

	// Exactly one caller lands the last included minute; the rest are
	// rejected with the block reason and nothing is double-spent.
	var succeeded, blocked int
	for err := range results {
		if err == nil {
			succeeded++
			continue
		}
		var blockedErr *usagedomain.BlockedError
		require.ErrorAs(t, err, &blockedErr)
		blocked++
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, callers-1, blocked)

	var period usagedomain.UsagePeriod
	require.NoError(t, f.db.Where("tenant_id = ?", f.tenantID).Take(&period).Error)
	assert.Equal(t, int64(1), period.IncludedMinutesUsed)
	assert.Equal(t, int64(0), period.OverageMinutesUsed)
	assert.Equal(t, int64(1), period.TotalCalls)
	assert.True(t, period.IsBlocked)
}

func TestAlertThresholdsFireOncePerPeriod(t *testing.T) {
	policy := chargePolicy(10, 350, 0)
	policy.AlertThresholds = policydomain.AlertThresholds{70, 85, 100}
	f := newFixture(t, policy)
	ctx := systemCtx()

	// 8 of 10 minutes is 80%: the 70 threshold fires.
	first, err := f.svc.RecordMinuteUsage(ctx, usagedomain.RecordUsageRequest{
		TenantID:    f.tenantID,
		CallID:      strPtr("call-1"),
		SecondsUsed: 480,
	})
	require.NoError(t, err)
	require.NotNil(t, first.AlertThresholdTriggered)
	assert.Equal(t, int64(70), *first.AlertThresholdTriggered)

	// 90% crosses 85 but must not re-fire 70.
	second, err := f.svc.RecordMinuteUsage(ctx, usagedomain.RecordUsageRequest{
		TenantID:    f.tenantID,
		CallID:      strPtr("call-2"),
		SecondsUsed: 60,
	})
	require.NoError(t, err)
	require.NotNil(t, second.AlertThresholdTriggered)
	assert.Equal(t, int64(85), *second.AlertThresholdTriggered)

	var alerts []alertdomain.UsageAlert
	require.NoError(t, f.db.Where("tenant_id = ?", f.tenantID).
		Order("threshold asc").
		Find(&alerts).Error)
	require.Len(t, alerts, 2)
	assert.Equal(t, int64(70), alerts[0].Threshold)
	assert.Equal(t, int64(85), alerts[1].Threshold)
}

func TestCheckMinuteLimitWithoutPeriodIsEphemeral(t *testing.T) {
	f := newFixture(t, chargePolicy(500, 350, 0))

	check, err := f.svc.CheckMinuteLimit(systemCtx(), f.tenantID)
	require.NoError(t, err)
	assert.True(t, check.CanProceed)
	assert.Equal(t, int64(500), check.RemainingIncluded)
	assert.Equal(t, float64(0), check.UsagePercent)

	// The probe must not have persisted anything.
	var periods int64
	require.NoError(t, f.db.Model(&usagedomain.UsagePeriod{}).
		Where("tenant_id = ?", f.tenantID).
		Count(&periods).Error)
	assert.Equal(t, int64(0), periods)
}

func TestSummaryAccessControl(t *testing.T) {
	f := newFixture(t, chargePolicy(500, 350, 0))

	otherTenant := f.node.Generate()
	callerCtx := tenantctx.WithTenantID(context.Background(), int64(otherTenant))
	callerCtx = tenantctx.WithCallerRole(callerCtx, "tenant")

	_, err := f.svc.GetMinuteUsageSummary(callerCtx, f.tenantID)
	assert.ErrorIs(t, err, usagedomain.ErrAccessDenied)

	ownCtx := tenantctx.WithTenantID(context.Background(), int64(f.tenantID))
	ownCtx = tenantctx.WithCallerRole(ownCtx, "tenant")
	summary, err := f.svc.GetMinuteUsageSummary(ownCtx, f.tenantID)
	require.NoError(t, err)
	assert.Equal(t, f.tenantID.String(), summary.TenantID)
}

func TestOveragePreviewProjection(t *testing.T) {
	f := newFixture(t, chargePolicy(1, 350, 200_000))
	ctx := systemCtx()

	// Clock is fixed at March 10; 10 overage minutes on day 10 of 31.
	_, err := f.svc.RecordMinuteUsage(ctx, usagedomain.RecordUsageRequest{
		TenantID:    f.tenantID,
		CallID:      strPtr("call-1"),
		SecondsUsed: 660,
	})
	require.NoError(t, err)

	preview, err := f.svc.GetCurrentOveragePreview(ctx, f.tenantID)
	require.NoError(t, err)
	assert.Equal(t, int64(10), preview.CurrentOverageMinutes)
	assert.Equal(t, int64(3500), preview.CurrentOverageChargeMinorUnits)
	assert.Equal(t, int64(10), preview.DaysElapsed)
	assert.Equal(t, int64(31), preview.DaysTotal)
	assert.Equal(t, int64(31), preview.ProjectedOverageMinutes)
	assert.Equal(t, int64(10850), preview.ProjectedOverageChargeMinorUnits)
}

func TestResetMonthlyUsageRotatesPeriods(t *testing.T) {
	f := newFixture(t, chargePolicy(500, 350, 0))
	ctx := systemCtx()

	_, err := f.svc.RecordMinuteUsage(ctx, usagedomain.RecordUsageRequest{
		TenantID:    f.tenantID,
		CallID:      strPtr("call-1"),
		SecondsUsed: 300,
	})
	require.NoError(t, err)

	// A second run in the same month is a no-op.
	report, err := f.svc.ResetMonthlyUsage(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), report.TenantsProcessed)
	assert.Equal(t, int64(0), report.PeriodsClosed)
	assert.Equal(t, int64(0), report.PeriodsOpened)

	// Cross into April: the March period closes and a fresh one opens with
	// the current allowance snapshot.
	require.NoError(t, f.db.Model(&policydomain.TenantVoicePolicy{}).
		Where("tenant_id = ?", f.tenantID).
		Update("included_minutes", 750).Error)
	f.clock.Advance(31 * 24 * time.Hour)

	report, err = f.svc.ResetMonthlyUsage(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), report.TenantsProcessed)
	assert.Equal(t, int64(1), report.PeriodsClosed)
	assert.Equal(t, int64(1), report.PeriodsOpened)

	var periods []usagedomain.UsagePeriod
	require.NoError(t, f.db.Where("tenant_id = ?", f.tenantID).
		Order("period_start asc").
		Find(&periods).Error)
	require.Len(t, periods, 2)
	assert.Equal(t, int64(300/60), periods[0].IncludedMinutesUsed)
	assert.Equal(t, int64(750), periods[1].IncludedMinutesSnapshot)
	assert.Equal(t, int64(0), periods[1].IncludedMinutesUsed)
}
