package service

import (
	"context"
	"fmt"
	"regexp"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"

	auditdomain "github.com/smallbiznis/voxbill/internal/audit/domain"
	auditrepo "github.com/smallbiznis/voxbill/internal/audit/repository"
	auditservice "github.com/smallbiznis/voxbill/internal/audit/service"
	"github.com/smallbiznis/voxbill/internal/clock"
	"github.com/smallbiznis/voxbill/internal/overagebilling/domain"
	usagedomain "github.com/smallbiznis/voxbill/internal/usage/domain"
)

type fixture struct {
	svc      *Service
	db       *gorm.DB
	clock    *clock.FakeClock
	node     *snowflake.Node
	tenantID snowflake.ID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)

	require.NoError(t, db.AutoMigrate(
		&usagedomain.UsagePeriod{},
		&usagedomain.UsageTransaction{},
		&auditdomain.AuditLog{},
	))

	node, err := snowflake.NewNode(6)
	require.NoError(t, err)

	log := zaptest.NewLogger(t)
	fake := clock.NewFakeClock(time.Date(2026, time.May, 20, 15, 0, 0, 0, time.UTC))
	audit := auditservice.NewService(auditservice.Params{
		DB:    db,
		Log:   log,
		GenID: node,
		Repo:  auditrepo.Provide(),
	})

	return &fixture{
		svc: &Service{
			db:    db,
			log:   log,
			genID: node,
			clock: fake,
			audit: audit,
		},
		db:       db,
		clock:    fake,
		node:     node,
		tenantID: node.Generate(),
	}
}

func (f *fixture) seedOveragePeriod(t *testing.T, transactions int) *usagedomain.UsagePeriod {
	t.Helper()

	start := time.Date(2026, time.May, 1, 0, 0, 0, 0, time.UTC)
	period := usagedomain.UsagePeriod{
		ID:                      f.node.Generate(),
		TenantID:                f.tenantID,
		PeriodStart:             start,
		PeriodEnd:               start.AddDate(0, 1, 0),
		IncludedMinutesSnapshot: 100,
		IncludedMinutesUsed:     100,
		OverageMinutesUsed:      12,
		OverageChargeMinorUnits: 4200,
		TotalCalls:              int64(transactions),
		BillingStatus:           usagedomain.BillingStatusPending,
		CreatedAt:               f.clock.Now(),
		UpdatedAt:               f.clock.Now(),
	}
	require.NoError(t, f.db.Create(&period).Error)

	for i := 0; i < transactions; i++ {
		callID := fmt.Sprintf("call-%d", i)
		require.NoError(t, f.db.Create(&usagedomain.UsageTransaction{
			ID:              f.node.Generate(),
			TenantID:        f.tenantID,
			UsageID:         period.ID,
			CallID:          &callID,
			SecondsUsed:     600,
			MinutesRecorded: 10,
			CreatedAt:       f.clock.Now(),
		}).Error)
	}
	return &period
}

func TestMarkOverageAsBilledFoldsTransactions(t *testing.T) {
	f := newFixture(t)
	period := f.seedOveragePeriod(t, 3)

	result, err := f.svc.MarkOverageAsBilled(context.Background(), domain.MarkBilledRequest{
		TenantID:           f.tenantID,
		PeriodStart:        period.PeriodStart,
		BillingReferenceID: "INV-2026-05-001",
	})
	require.NoError(t, err)
	assert.Equal(t, period.ID.String(), result.UsageID)
	assert.Equal(t, int64(3), result.TransactionsFolded)
	assert.Regexp(t, regexp.MustCompile(`^OVG-202606-[0-9A-Z]+$`), result.StatementNumber)

	var stored usagedomain.UsagePeriod
	require.NoError(t, f.db.First(&stored, "id = ?", period.ID).Error)
	assert.True(t, stored.IsBilled)
	assert.Equal(t, usagedomain.BillingStatusBilled, stored.BillingStatus)
	require.NotNil(t, stored.BillingReferenceID)
	assert.Equal(t, "INV-2026-05-001", *stored.BillingReferenceID)
	require.NotNil(t, stored.StatementNumber)
	assert.Equal(t, result.StatementNumber, *stored.StatementNumber)

	var auditCount int64
	require.NoError(t, f.db.Model(&auditdomain.AuditLog{}).
		Where("action = ? AND target_type = ?", "billing.mark_billed", "usage_period").
		Count(&auditCount).Error)
	assert.Equal(t, int64(1), auditCount)
}

func TestMarkOverageAsBilledIsOneShot(t *testing.T) {
	f := newFixture(t)
	period := f.seedOveragePeriod(t, 1)

	req := domain.MarkBilledRequest{
		TenantID:           f.tenantID,
		PeriodStart:        period.PeriodStart,
		BillingReferenceID: "INV-2026-05-001",
	}
	first, err := f.svc.MarkOverageAsBilled(context.Background(), req)
	require.NoError(t, err)

	req.BillingReferenceID = "INV-2026-05-002"
	_, err = f.svc.MarkOverageAsBilled(context.Background(), req)
	assert.ErrorIs(t, err, usagedomain.ErrUsageNotFound)

	// The first reference sticks.
	var stored usagedomain.UsagePeriod
	require.NoError(t, f.db.First(&stored, "id = ?", period.ID).Error)
	require.NotNil(t, stored.BillingReferenceID)
	assert.Equal(t, "INV-2026-05-001", *stored.BillingReferenceID)
	require.NotNil(t, stored.StatementNumber)
	assert.Equal(t, first.StatementNumber, *stored.StatementNumber)
}

func TestMarkOverageAsBilledValidation(t *testing.T) {
	f := newFixture(t)
	period := f.seedOveragePeriod(t, 1)

	_, err := f.svc.MarkOverageAsBilled(context.Background(), domain.MarkBilledRequest{
		TenantID:           0,
		PeriodStart:        period.PeriodStart,
		BillingReferenceID: "INV-1",
	})
	assert.ErrorIs(t, err, usagedomain.ErrUsageNotFound)

	_, err = f.svc.MarkOverageAsBilled(context.Background(), domain.MarkBilledRequest{
		TenantID:           f.tenantID,
		PeriodStart:        period.PeriodStart,
		BillingReferenceID: "  ",
	})
	assert.ErrorIs(t, err, usagedomain.ErrUsageNotFound)

	_, err = f.svc.MarkOverageAsBilled(context.Background(), domain.MarkBilledRequest{
		TenantID:           f.tenantID,
		PeriodStart:        period.PeriodStart.AddDate(0, -1, 0),
		BillingReferenceID: "INV-1",
	})
	assert.ErrorIs(t, err, usagedomain.ErrUsageNotFound)
}

func TestStatementNumberIsUniquePerCall(t *testing.T) {
	f := newFixture(t)

	end := time.Date(2026, time.June, 1, 0, 0, 0, 0, time.UTC)
	first := f.svc.statementNumber(end)
	second := f.svc.statementNumber(end)

	assert.Regexp(t, regexp.MustCompile(`^OVG-202606-[0-9A-Z]+$`), first)
	assert.NotEqual(t, first, second)
}

func TestRecoverStuckSubmissionsHonorsThreshold(t *testing.T) {
	f := newFixture(t)
	period := f.seedOveragePeriod(t, 1)

	submittedAt := f.clock.Now().Add(-10 * time.Minute)
	require.NoError(t, f.db.Model(&usagedomain.UsagePeriod{}).
		Where("id = ?", period.ID).
		Updates(map[string]any{
			"billing_status": usagedomain.BillingStatusSubmitting,
			"submitted_at":   submittedAt,
		}).Error)

	// Ten minutes in flight trips a five-minute threshold but not a
	// thirty-minute one.
	recovered, err := f.svc.RecoverStuckSubmissions(context.Background(), 30*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(0), recovered)

	recovered, err = f.svc.RecoverStuckSubmissions(context.Background(), 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), recovered)

	var stored usagedomain.UsagePeriod
	require.NoError(t, f.db.First(&stored, "id = ?", period.ID).Error)
	assert.Equal(t, usagedomain.BillingStatusPending, stored.BillingStatus)
}

func TestRecoverStuckSubmissionsDefaultsThreshold(t *testing.T) {
	f := newFixture(t)
	period := f.seedOveragePeriod(t, 1)

	submittedAt := f.clock.Now().Add(-45 * time.Minute)
	require.NoError(t, f.db.Model(&usagedomain.UsagePeriod{}).
		Where("id = ?", period.ID).
		Updates(map[string]any{
			"billing_status": usagedomain.BillingStatusSubmitting,
			"submitted_at":   submittedAt,
		}).Error)

	recovered, err := f.svc.RecoverStuckSubmissions(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), recovered)
}

func TestUpdateOverageChargeStatusPaidIsIdempotent(t *testing.T) {
	f := newFixture(t)
	period := f.seedOveragePeriod(t, 1)

	_, err := f.svc.MarkOverageAsBilled(context.Background(), domain.MarkBilledRequest{
		TenantID:           f.tenantID,
		PeriodStart:        period.PeriodStart,
		BillingReferenceID: "INV-2026-05-001",
	})
	require.NoError(t, err)

	paidAt := time.Date(2026, time.June, 2, 10, 0, 0, 0, time.UTC)
	first, err := f.svc.UpdateOverageChargeStatusPaid(context.Background(), "INV-2026-05-001", "pay_001", paidAt)
	require.NoError(t, err)
	assert.Equal(t, period.ID.String(), first.UsageID)
	assert.True(t, first.PaidAt.Equal(paidAt))

	// Replayed webhooks keep the original payment timestamp.
	second, err := f.svc.UpdateOverageChargeStatusPaid(context.Background(), "INV-2026-05-001", "pay_dup", paidAt.Add(time.Hour))
	require.NoError(t, err)
	assert.True(t, second.PaidAt.Equal(paidAt))

	_, err = f.svc.UpdateOverageChargeStatusPaid(context.Background(), "INV-missing", "pay_x", paidAt)
	assert.ErrorIs(t, err, usagedomain.ErrUsageNotFound)
}
