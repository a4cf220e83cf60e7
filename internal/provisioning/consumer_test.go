package provisioning

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	billingeventdomain "github.com/smallbiznis/voxbill/internal/billingevent/domain"
	"github.com/smallbiznis/voxbill/internal/clock"
	plandomain "github.com/smallbiznis/voxbill/internal/plan/domain"
	planrepo "github.com/smallbiznis/voxbill/internal/plan/repository"
	policydomain "github.com/smallbiznis/voxbill/internal/policy/domain"
	policyrepo "github.com/smallbiznis/voxbill/internal/policy/repository"
	policyservice "github.com/smallbiznis/voxbill/internal/policy/service"
	tenantdomain "github.com/smallbiznis/voxbill/internal/tenant/domain"
	tenantrepo "github.com/smallbiznis/voxbill/internal/tenant/repository"
	usagedomain "github.com/smallbiznis/voxbill/internal/usage/domain"
)

type fixture struct {
	consumer *Consumer
	db       *gorm.DB
	clock    *clock.FakeClock
	node     *snowflake.Node
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)

	require.NoError(t, db.AutoMigrate(
		&tenantdomain.Tenant{},
		&plandomain.Plan{},
		&policydomain.TenantVoicePolicy{},
		&usagedomain.UsagePeriod{},
		&billingeventdomain.BillingEvent{},
	))

	node, err := snowflake.NewNode(5)
	require.NoError(t, err)

	log := zaptest.NewLogger(t)
	fake := clock.NewFakeClock(time.Date(2026, time.April, 18, 9, 30, 0, 0, time.UTC))

	policies := policyservice.New(policyservice.Params{
		DB:      db,
		Log:     log,
		GenID:   node,
		Repo:    policyrepo.Provide(),
		Tenants: tenantrepo.Provide(),
	})

	return &fixture{
		consumer: &Consumer{
			db:       db,
			log:      log,
			genID:    node,
			clock:    fake,
			plans:    planrepo.Provide(),
			policies: policies,
		},
		db:    db,
		clock: fake,
		node:  node,
	}
}

func (f *fixture) seedPlan(t *testing.T, code string, voiceEnabled bool) {
	t.Helper()
	now := f.clock.Now()
	require.NoError(t, f.db.Create(&plandomain.Plan{
		ID:                                f.node.Generate(),
		Code:                              code,
		Name:                              code,
		VoiceEnabled:                      voiceEnabled,
		DefaultIncludedMinutes:            500,
		DefaultOveragePolicy:              "charge",
		DefaultOveragePriceMinorUnits:     250,
		DefaultMaxOverageChargeMinorUnits: 10_000,
		DefaultAlertThresholds:            datatypes.JSON(`[70,100]`),
		Currency:                          "USD",
		Active:                            true,
		CreatedAt:                         now,
		UpdatedAt:                         now,
	}).Error)
}

func (f *fixture) seedEvent(t *testing.T, tenantID snowflake.ID, planCode string) snowflake.ID {
	t.Helper()
	dedupe := billingeventdomain.TenantProvisionedTopic + ":" + tenantID.String()
	event := billingeventdomain.BillingEvent{
		ID:        f.node.Generate(),
		TenantID:  tenantID,
		EventType: billingeventdomain.TenantProvisionedTopic,
		Payload: datatypes.JSONMap{
			"tenant_id": tenantID.String(),
			"plan_code": planCode,
		},
		DedupeKey: &dedupe,
		CreatedAt: f.clock.Now(),
	}
	require.NoError(t, f.db.Create(&event).Error)
	return event.ID
}

func (f *fixture) loadEvent(t *testing.T, id snowflake.ID) *billingeventdomain.BillingEvent {
	t.Helper()
	var event billingeventdomain.BillingEvent
	require.NoError(t, f.db.First(&event, "id = ?", id).Error)
	return &event
}

func TestProcessPendingSeedsVoiceState(t *testing.T) {
	f := newFixture(t)
	f.seedPlan(t, "growth", true)
	tenantID := f.node.Generate()
	eventID := f.seedEvent(t, tenantID, "growth")

	processed, err := f.consumer.ProcessPending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, processed)

	var policy policydomain.TenantVoicePolicy
	require.NoError(t, f.db.First(&policy, "tenant_id = ?", tenantID).Error)
	assert.Equal(t, int64(500), policy.IncludedMinutes)
	assert.Equal(t, policydomain.OveragePolicyCharge, policy.OveragePolicy)
	assert.Equal(t, int64(250), policy.OveragePriceMinorUnits)
	assert.Equal(t, policydomain.AlertThresholds{70, 100}, policy.AlertThresholds.Normalize())

	var period usagedomain.UsagePeriod
	require.NoError(t, f.db.First(&period, "tenant_id = ?", tenantID).Error)
	assert.Equal(t, time.Date(2026, time.April, 1, 0, 0, 0, 0, time.UTC), period.PeriodStart.UTC())
	assert.Equal(t, time.Date(2026, time.May, 1, 0, 0, 0, 0, time.UTC), period.PeriodEnd.UTC())
	assert.Equal(t, int64(500), period.IncludedMinutesSnapshot)
	assert.Equal(t, usagedomain.BillingStatusPending, period.BillingStatus)

	event := f.loadEvent(t, eventID)
	assert.True(t, event.Published)
	assert.NotNil(t, event.PublishedAt)
}

func TestProcessPendingReplayIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.seedPlan(t, "growth", true)
	tenantID := f.node.Generate()
	eventID := f.seedEvent(t, tenantID, "growth")

	_, err := f.consumer.ProcessPending(context.Background())
	require.NoError(t, err)

	// Simulate a crash after provisioning but before the published flag stuck.
	require.NoError(t, f.db.Exec(
		`UPDATE billing_events SET published = false, published_at = NULL WHERE id = ?`, eventID,
	).Error)

	processed, err := f.consumer.ProcessPending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, processed)

	var policyCount, periodCount int64
	require.NoError(t, f.db.Model(&policydomain.TenantVoicePolicy{}).
		Where("tenant_id = ?", tenantID).Count(&policyCount).Error)
	require.NoError(t, f.db.Model(&usagedomain.UsagePeriod{}).
		Where("tenant_id = ?", tenantID).Count(&periodCount).Error)
	assert.Equal(t, int64(1), policyCount)
	assert.Equal(t, int64(1), periodCount)
}

func TestProcessPendingSkipsNonVoicePlans(t *testing.T) {
	f := newFixture(t)
	f.seedPlan(t, "data-only", false)
	tenantID := f.node.Generate()
	eventID := f.seedEvent(t, tenantID, "data-only")

	processed, err := f.consumer.ProcessPending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, processed)

	var policyCount int64
	require.NoError(t, f.db.Model(&policydomain.TenantVoicePolicy{}).
		Where("tenant_id = ?", tenantID).Count(&policyCount).Error)
	assert.Equal(t, int64(0), policyCount)

	// The event is still consumed so it does not clog the queue.
	assert.True(t, f.loadEvent(t, eventID).Published)
}

func TestProcessPendingLeavesFailuresUnpublished(t *testing.T) {
	f := newFixture(t)
	tenantID := f.node.Generate()
	eventID := f.seedEvent(t, tenantID, "no-such-plan")

	processed, err := f.consumer.ProcessPending(context.Background())
	assert.ErrorIs(t, err, plandomain.ErrNotFound)
	assert.Equal(t, 0, processed)
	assert.False(t, f.loadEvent(t, eventID).Published)
}
