package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/smallbiznis/voxbill/internal/authorization"
	"github.com/smallbiznis/voxbill/internal/policy/domain"
	policyrepo "github.com/smallbiznis/voxbill/internal/policy/repository"
	tenantdomain "github.com/smallbiznis/voxbill/internal/tenant/domain"
	tenantrepo "github.com/smallbiznis/voxbill/internal/tenant/repository"
	usagedomain "github.com/smallbiznis/voxbill/internal/usage/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"
)

type fixture struct {
	svc      *Service
	db       *gorm.DB
	node     *snowflake.Node
	tenantID snowflake.ID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)

	require.NoError(t, db.AutoMigrate(
		&tenantdomain.Tenant{},
		&domain.TenantVoicePolicy{},
		&usagedomain.UsagePeriod{},
	))

	node, err := snowflake.NewNode(2)
	require.NoError(t, err)

	tenant := tenantdomain.Tenant{
		ID:       node.Generate(),
		Name:     "Acme Voice",
		Slug:     "acme-voice",
		Status:   tenantdomain.StatusActive,
		PlanCode: "growth",
	}
	require.NoError(t, db.Create(&tenant).Error)

	svc := &Service{
		db:      db,
		log:     zaptest.NewLogger(t),
		genID:   node,
		repo:    policyrepo.Provide(),
		tenants: tenantrepo.Provide(),
	}

	return &fixture{svc: svc, db: db, node: node, tenantID: tenant.ID}
}

func (f *fixture) createPolicy(t *testing.T, policy domain.TenantVoicePolicy) {
	t.Helper()
	policy.ID = f.node.Generate()
	policy.TenantID = f.tenantID
	if policy.Currency == "" {
		policy.Currency = "USD"
	}
	require.NoError(t, f.db.Create(&policy).Error)
}

func (f *fixture) createPeriod(t *testing.T, start, end time.Time, blockedReason string) snowflake.ID {
	t.Helper()
	period := usagedomain.UsagePeriod{
		ID:                      f.node.Generate(),
		TenantID:                f.tenantID,
		PeriodStart:             start,
		PeriodEnd:               end,
		IncludedMinutesSnapshot: 100,
		BillingStatus:           usagedomain.BillingStatusPending,
	}
	if blockedReason != "" {
		period.IsBlocked = true
		period.BlockedReason = &blockedReason
	}
	require.NoError(t, f.db.Create(&period).Error)
	return period.ID
}

func int64Ptr(v int64) *int64 { return &v }

func strPtr(s string) *string { return &s }

func monthWindow() (time.Time, time.Time) {
	now := time.Now().UTC()
	start := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(0, 1, 0)
}

func TestUpdatePolicyUnblocksPeriodsWhenLeavingBlockMode(t *testing.T) {
	f := newFixture(t)
	f.createPolicy(t, domain.TenantVoicePolicy{
		IncludedMinutes: 100,
		OveragePolicy:   domain.OveragePolicyBlock,
	})

	start, end := monthWindow()
	current := f.createPeriod(t, start, end, domain.BlockReasonIncludedExhausted)
	past := f.createPeriod(t, start.AddDate(0, -1, 0), start, domain.BlockReasonIncludedExhausted)
	capped := f.createPeriod(t, start.AddDate(0, -2, 0), start.AddDate(0, -1, 0), domain.BlockReasonCapReached)

	result, err := f.svc.UpdateMinuteLimitPolicy(context.Background(), domain.UpdateRequest{
		TenantID:      f.tenantID,
		CallerRole:    "admin",
		OveragePolicy: strPtr("charge"),
	})
	require.NoError(t, err)
	assert.Equal(t, "charge", result.Policy.OveragePolicy)
	assert.Equal(t, int64(2), result.PeriodsUnblocked)

	for _, id := range []snowflake.ID{current, past} {
		var period usagedomain.UsagePeriod
		require.NoError(t, f.db.Where("id = ?", id).Take(&period).Error)
		assert.False(t, period.IsBlocked)
		assert.Nil(t, period.BlockedReason)
	}

	// Blocks from a different cause are not lifted.
	var cappedPeriod usagedomain.UsagePeriod
	require.NoError(t, f.db.Where("id = ?", capped).Take(&cappedPeriod).Error)
	assert.True(t, cappedPeriod.IsBlocked)
}

func TestUpdatePolicyRefreshesOpenPeriodSnapshot(t *testing.T) {
	f := newFixture(t)
	f.createPolicy(t, domain.TenantVoicePolicy{
		IncludedMinutes: 100,
		OveragePolicy:   domain.OveragePolicyCharge,
	})

	start, end := monthWindow()
	current := f.createPeriod(t, start, end, "")
	closed := f.createPeriod(t, start.AddDate(0, -1, 0), start, "")

	_, err := f.svc.UpdateMinuteLimitPolicy(context.Background(), domain.UpdateRequest{
		TenantID:        f.tenantID,
		CallerRole:      "owner",
		IncludedMinutes: int64Ptr(250),
	})
	require.NoError(t, err)

	var openPeriod usagedomain.UsagePeriod
	require.NoError(t, f.db.Where("id = ?", current).Take(&openPeriod).Error)
	assert.Equal(t, int64(250), openPeriod.IncludedMinutesSnapshot)

	// Closed periods keep the allowance they were billed against.
	var closedPeriod usagedomain.UsagePeriod
	require.NoError(t, f.db.Where("id = ?", closed).Take(&closedPeriod).Error)
	assert.Equal(t, int64(100), closedPeriod.IncludedMinutesSnapshot)
}

func TestUpdatePolicyRejectsUnauthorizedRole(t *testing.T) {
	f := newFixture(t)
	f.createPolicy(t, domain.TenantVoicePolicy{
		IncludedMinutes: 100,
		OveragePolicy:   domain.OveragePolicyCharge,
	})

	_, err := f.svc.UpdateMinuteLimitPolicy(context.Background(), domain.UpdateRequest{
		TenantID:        f.tenantID,
		CallerRole:      "member",
		IncludedMinutes: int64Ptr(10),
	})
	assert.ErrorIs(t, err, authorization.ErrForbidden)
}

func TestUpdatePolicyValidation(t *testing.T) {
	f := newFixture(t)
	f.createPolicy(t, domain.TenantVoicePolicy{
		IncludedMinutes: 100,
		OveragePolicy:   domain.OveragePolicyCharge,
	})

	_, err := f.svc.UpdateMinuteLimitPolicy(context.Background(), domain.UpdateRequest{
		TenantID:      f.tenantID,
		CallerRole:    "admin",
		OveragePolicy: strPtr("unlimited"),
	})
	assert.ErrorIs(t, err, domain.ErrInvalidPolicy)

	_, err = f.svc.UpdateMinuteLimitPolicy(context.Background(), domain.UpdateRequest{
		TenantID:        f.tenantID,
		CallerRole:      "admin",
		IncludedMinutes: int64Ptr(-1),
	})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestEnsurePolicyIsIdempotent(t *testing.T) {
	f := newFixture(t)

	first, created, err := f.svc.EnsurePolicy(context.Background(), domain.EnsureRequest{
		TenantID:               f.tenantID,
		IncludedMinutes:        500,
		OveragePolicy:          domain.OveragePolicyCharge,
		OveragePriceMinorUnits: 350,
		AlertThresholds:        []int64{100, 70, 70, 85},
	})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "USD", first.Currency)
	assert.Equal(t, []int64{70, 85, 100}, first.AlertThresholds)

	second, created, err := f.svc.EnsurePolicy(context.Background(), domain.EnsureRequest{
		TenantID:        f.tenantID,
		IncludedMinutes: 9999,
		OveragePolicy:   domain.OveragePolicyBlock,
	})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, int64(500), second.IncludedMinutes)
	assert.Equal(t, "charge", second.OveragePolicy)
}
