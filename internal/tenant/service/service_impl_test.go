package service

import (
	"context"
	"fmt"
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"

	billingeventdomain "github.com/smallbiznis/voxbill/internal/billingevent/domain"
	plandomain "github.com/smallbiznis/voxbill/internal/plan/domain"
	planrepo "github.com/smallbiznis/voxbill/internal/plan/repository"
	planservice "github.com/smallbiznis/voxbill/internal/plan/service"
	tenantdomain "github.com/smallbiznis/voxbill/internal/tenant/domain"
	tenantrepo "github.com/smallbiznis/voxbill/internal/tenant/repository"
)

type fixture struct {
	svc *Service
	db  *gorm.DB
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)

	require.NoError(t, db.AutoMigrate(
		&tenantdomain.Tenant{},
		&plandomain.Plan{},
		&billingeventdomain.BillingEvent{},
	))

	node, err := snowflake.NewNode(4)
	require.NoError(t, err)

	log := zaptest.NewLogger(t)
	plans := planservice.New(planservice.Params{
		DB:    db,
		Log:   log,
		GenID: node,
		Repo:  planrepo.Provide(),
	})

	_, err = plans.Create(context.Background(), plandomain.CreateRequest{
		Code:                          "starter",
		Name:                          "Starter",
		VoiceEnabled:                  true,
		DefaultIncludedMinutes:        200,
		DefaultOveragePolicy:          "block",
		DefaultOveragePriceMinorUnits: 0,
	})
	require.NoError(t, err)

	return &fixture{
		svc: &Service{
			db:    db,
			log:   log,
			genID: node,
			repo:  tenantrepo.Provide(),
			plans: plans,
		},
		db: db,
	}
}

func TestCreateWritesProvisioningOutboxEvent(t *testing.T) {
	f := newFixture(t)

	resp, err := f.svc.Create(context.Background(), tenantdomain.CreateRequest{
		Name:     "Acme Voice",
		Slug:     "acme-voice",
		PlanCode: "starter",
	})
	require.NoError(t, err)
	assert.Equal(t, "acme-voice", resp.Slug)
	assert.Equal(t, "starter", resp.PlanCode)
	assert.Equal(t, string(tenantdomain.StatusActive), resp.Status)
	assert.Equal(t, "UTC", resp.TimezoneName)

	var events []billingeventdomain.BillingEvent
	require.NoError(t, f.db.Where("event_type = ?", billingeventdomain.TenantProvisionedTopic).Find(&events).Error)
	require.Len(t, events, 1)

	event := events[0]
	assert.False(t, event.Published)
	assert.Nil(t, event.PublishedAt)
	require.NotNil(t, event.DedupeKey)
	assert.Equal(t, billingeventdomain.TenantProvisionedTopic+":"+resp.ID, *event.DedupeKey)
	assert.Equal(t, resp.ID, event.TenantID.String())
	assert.Equal(t, "starter", event.Payload["plan_code"])
}

func TestCreateDerivesSlugFromName(t *testing.T) {
	f := newFixture(t)

	resp, err := f.svc.Create(context.Background(), tenantdomain.CreateRequest{
		Name:     "Acme Voice, Inc.",
		PlanCode: "starter",
	})
	require.NoError(t, err)
	assert.Equal(t, "acme-voice-inc", resp.Slug)
}

func TestCreateRejectsDuplicateSlug(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Create(context.Background(), tenantdomain.CreateRequest{
		Name:     "Acme Voice",
		Slug:     "acme-voice",
		PlanCode: "starter",
	})
	require.NoError(t, err)

	_, err = f.svc.Create(context.Background(), tenantdomain.CreateRequest{
		Name:     "Acme Again",
		Slug:     "acme-voice",
		PlanCode: "starter",
	})
	assert.ErrorIs(t, err, tenantdomain.ErrSlugTaken)

	// The failed attempt must not leave a second outbox event behind.
	var count int64
	require.NoError(t, f.db.Model(&billingeventdomain.BillingEvent{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestCreateValidation(t *testing.T) {
	f := newFixture(t)

	cases := []struct {
		name string
		req  tenantdomain.CreateRequest
		want error
	}{
		{"blank name", tenantdomain.CreateRequest{Name: " ", Slug: "ok", PlanCode: "starter"}, tenantdomain.ErrInvalidName},
		{"bad slug", tenantdomain.CreateRequest{Name: "Acme", Slug: "Not A Slug!", PlanCode: "starter"}, tenantdomain.ErrInvalidSlug},
		{"unknown plan", tenantdomain.CreateRequest{Name: "Acme", Slug: "acme", PlanCode: "platinum"}, tenantdomain.ErrInvalidPlan},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.svc.Create(context.Background(), tc.req)
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestUpdateStatusAndPlan(t *testing.T) {
	f := newFixture(t)

	created, err := f.svc.Create(context.Background(), tenantdomain.CreateRequest{
		Name:     "Acme Voice",
		Slug:     "acme-voice",
		PlanCode: "starter",
	})
	require.NoError(t, err)

	id, err := snowflake.ParseString(created.ID)
	require.NoError(t, err)

	suspended := "suspended"
	updated, err := f.svc.Update(context.Background(), tenantdomain.UpdateRequest{
		ID:     id,
		Status: &suspended,
	})
	require.NoError(t, err)
	assert.Equal(t, "suspended", updated.Status)

	bogus := "paused"
	_, err = f.svc.Update(context.Background(), tenantdomain.UpdateRequest{ID: id, Status: &bogus})
	assert.ErrorIs(t, err, tenantdomain.ErrInvalidStatus)

	unknownPlan := "platinum"
	_, err = f.svc.Update(context.Background(), tenantdomain.UpdateRequest{ID: id, PlanCode: &unknownPlan})
	assert.ErrorIs(t, err, tenantdomain.ErrInvalidPlan)
}
