// Package seed bootstraps a demo catalog and tenant for local development.
package seed

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	apikeydomain "github.com/smallbiznis/voxbill/internal/apikey/domain"
	plandomain "github.com/smallbiznis/voxbill/internal/plan/domain"
	policydomain "github.com/smallbiznis/voxbill/internal/policy/domain"
	tenantdomain "github.com/smallbiznis/voxbill/internal/tenant/domain"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	demoTenantName = "Demo Tenant"
	demoTenantSlug = "demo"
	demoPlanCode   = "growth"

	// DemoAPIKey is the well-known plaintext key seeded for local development.
	// Never enable SEED_DEMO outside a throwaway environment.
	DemoAPIKey = "vx_live_key_demo_0000000000000000"
)

// EnsureDemoData seeds the voice plan catalog, a demo tenant with its voice
// policy, and a well-known API key. Idempotent across restarts.
func EnsureDemoData(db *gorm.DB) error {
	if db == nil {
		return errors.New("seed database handle is required")
	}

	node, err := snowflake.NewNode(1)
	if err != nil {
		return err
	}

	ctx := context.Background()
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := ensureDemoPlans(ctx, tx, node); err != nil {
			return err
		}
		tenant, err := ensureDemoTenant(ctx, tx, node)
		if err != nil {
			return err
		}
		if err := ensureDemoPolicy(ctx, tx, node, tenant.ID); err != nil {
			return err
		}
		return ensureDemoAPIKey(ctx, tx, node, tenant.ID)
	})
}

func ensureDemoPlans(ctx context.Context, tx *gorm.DB, node *snowflake.Node) error {
	now := time.Now().UTC()
	plans := []plandomain.Plan{
		{
			Code:                   "starter",
			Name:                   "Starter",
			VoiceEnabled:           true,
			DefaultIncludedMinutes: 200,
			DefaultOveragePolicy:   string(policydomain.OveragePolicyBlock),
			DefaultAlertThresholds: datatypes.JSON([]byte(`[80,100]`)),
			Currency:               "USD",
			Active:                 true,
		},
		{
			Code:                              demoPlanCode,
			Name:                              "Growth",
			VoiceEnabled:                      true,
			DefaultIncludedMinutes:            1000,
			DefaultOveragePolicy:              string(policydomain.OveragePolicyCharge),
			DefaultOveragePriceMinorUnits:     5,
			DefaultMaxOverageChargeMinorUnits: 10000,
			DefaultAlertThresholds:            datatypes.JSON([]byte(`[50,80,100]`)),
			Currency:                          "USD",
			Active:                            true,
		},
		{
			Code:         "data-only",
			Name:         "Data Only",
			VoiceEnabled: false,
			Currency:     "USD",
			Active:       true,
		},
	}

	for i := range plans {
		plan := plans[i]
		var existing plandomain.Plan
		err := tx.WithContext(ctx).Where("code = ?", plan.Code).First(&existing).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		plan.ID = node.Generate()
		plan.CreatedAt = now
		plan.UpdatedAt = now
		if err := tx.WithContext(ctx).Create(&plan).Error; err != nil {
			return err
		}
	}
	return nil
}

func ensureDemoTenant(ctx context.Context, tx *gorm.DB, node *snowflake.Node) (tenantdomain.Tenant, error) {
	var tenant tenantdomain.Tenant
	err := tx.WithContext(ctx).Where("slug = ?", demoTenantSlug).First(&tenant).Error
	if err == nil {
		return tenant, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return tenantdomain.Tenant{}, err
	}

	now := time.Now().UTC()
	tenant = tenantdomain.Tenant{
		ID:           node.Generate(),
		Name:         demoTenantName,
		Slug:         demoTenantSlug,
		Status:       tenantdomain.StatusActive,
		PlanCode:     demoPlanCode,
		TimezoneName: "UTC",
		Metadata:     datatypes.JSONMap{"seeded": true},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := tx.WithContext(ctx).Create(&tenant).Error; err != nil {
		return tenantdomain.Tenant{}, err
	}
	return tenant, nil
}

func ensureDemoPolicy(ctx context.Context, tx *gorm.DB, node *snowflake.Node, tenantID snowflake.ID) error {
	var existing policydomain.TenantVoicePolicy
	err := tx.WithContext(ctx).Where("tenant_id = ?", tenantID).First(&existing).Error
	if err == nil {
		return nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}

	now := time.Now().UTC()
	policy := policydomain.TenantVoicePolicy{
		ID:                         node.Generate(),
		TenantID:                   tenantID,
		IncludedMinutes:            1000,
		OveragePolicy:              policydomain.OveragePolicyCharge,
		OveragePriceMinorUnits:     5,
		MaxOverageChargeMinorUnits: 10000,
		AlertThresholds:            policydomain.AlertThresholds{50, 80, 100},
		Currency:                   "USD",
		CreatedAt:                  now,
		UpdatedAt:                  now,
	}
	if err := policy.Validate(); err != nil {
		return err
	}
	return tx.WithContext(ctx).Create(&policy).Error
}

func ensureDemoAPIKey(ctx context.Context, tx *gorm.DB, node *snowflake.Node, tenantID snowflake.ID) error {
	hash := apikeydomain.HashAPIKey(DemoAPIKey)

	var existing apikeydomain.APIKey
	err := tx.WithContext(ctx).Where("key_hash = ?", hash).First(&existing).Error
	if err == nil {
		return nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}

	now := time.Now().UTC()
	key := apikeydomain.APIKey{
		ID:        node.Generate(),
		TenantID:  tenantID,
		KeyID:     "key_DEMO",
		Name:      "demo",
		Scopes:    []string{apikeydomain.ScopeAdmin},
		KeyHash:   hash,
		IsActive:  true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	return tx.WithContext(ctx).Create(&key).Error
}
