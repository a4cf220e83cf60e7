package seed

import (
	"fmt"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	apikeydomain "github.com/smallbiznis/voxbill/internal/apikey/domain"
	plandomain "github.com/smallbiznis/voxbill/internal/plan/domain"
	policydomain "github.com/smallbiznis/voxbill/internal/policy/domain"
	tenantdomain "github.com/smallbiznis/voxbill/internal/tenant/domain"
)

func newSeedDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)

	require.NoError(t, db.AutoMigrate(
		&plandomain.Plan{},
		&tenantdomain.Tenant{},
		&policydomain.TenantVoicePolicy{},
		&apikeydomain.APIKey{},
	))
	return db
}

func TestEnsureDemoDataIsIdempotent(t *testing.T) {
	db := newSeedDB(t)

	require.NoError(t, EnsureDemoData(db))
	require.NoError(t, EnsureDemoData(db))

	var planCount, tenantCount, policyCount, keyCount int64
	require.NoError(t, db.Model(&plandomain.Plan{}).Count(&planCount).Error)
	require.NoError(t, db.Model(&tenantdomain.Tenant{}).Count(&tenantCount).Error)
	require.NoError(t, db.Model(&policydomain.TenantVoicePolicy{}).Count(&policyCount).Error)
	require.NoError(t, db.Model(&apikeydomain.APIKey{}).Count(&keyCount).Error)

	assert.Equal(t, int64(3), planCount)
	assert.Equal(t, int64(1), tenantCount)
	assert.Equal(t, int64(1), policyCount)
	assert.Equal(t, int64(1), keyCount)
}

func TestEnsureDemoDataSeedsAdminKey(t *testing.T) {
	db := newSeedDB(t)

	require.NoError(t, EnsureDemoData(db))

	var key apikeydomain.APIKey
	require.NoError(t, db.Where("key_hash = ?", apikeydomain.HashAPIKey(DemoAPIKey)).First(&key).Error)
	assert.True(t, key.IsActive)
	assert.Contains(t, []string(key.Scopes), apikeydomain.ScopeAdmin)

	var tenant tenantdomain.Tenant
	require.NoError(t, db.Where("slug = ?", "demo").First(&tenant).Error)
	assert.Equal(t, tenant.ID, key.TenantID)

	var policy policydomain.TenantVoicePolicy
	require.NoError(t, db.Where("tenant_id = ?", tenant.ID).First(&policy).Error)
	assert.Equal(t, policydomain.OveragePolicyCharge, policy.OveragePolicy)
	assert.Equal(t, int64(1000), policy.IncludedMinutes)
}

func TestEnsureDemoDataRequiresDB(t *testing.T) {
	require.Error(t, EnsureDemoData(nil))
}
