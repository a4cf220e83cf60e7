package service

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"

	apikeydomain "github.com/smallbiznis/voxbill/internal/apikey/domain"
	apikeyrepo "github.com/smallbiznis/voxbill/internal/apikey/repository"
	auditdomain "github.com/smallbiznis/voxbill/internal/audit/domain"
	auditrepo "github.com/smallbiznis/voxbill/internal/audit/repository"
	auditservice "github.com/smallbiznis/voxbill/internal/audit/service"
	"github.com/smallbiznis/voxbill/pkg/tenantctx"
)

type fixture struct {
	svc      *Service
	db       *gorm.DB
	tenantID snowflake.ID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)

	require.NoError(t, db.AutoMigrate(
		&apikeydomain.APIKey{},
		&auditdomain.AuditLog{},
	))

	node, err := snowflake.NewNode(3)
	require.NoError(t, err)

	log := zaptest.NewLogger(t)
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
			repo:  apikeyrepo.Provide(),
			genID: node,
			audit: audit,
		},
		db:       db,
		tenantID: node.Generate(),
	}
}

func (f *fixture) ctx() context.Context {
	return tenantctx.WithTenantID(context.Background(), int64(f.tenantID))
}

func (f *fixture) loadKey(t *testing.T, keyID string) *apikeydomain.APIKey {
	t.Helper()
	var key apikeydomain.APIKey
	require.NoError(t, f.db.Where("tenant_id = ? AND key_id = ?", f.tenantID, keyID).First(&key).Error)
	return &key
}

func TestCreateReturnsSecretAndStoresHash(t *testing.T) {
	f := newFixture(t)

	secret, err := f.svc.Create(f.ctx(), apikeydomain.CreateRequest{
		Name:   "ingest worker",
		Scopes: []string{apikeydomain.ScopeUsageWrite, apikeydomain.ScopeUsageRead},
	})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(secret.KeyID, "key_"))
	assert.True(t, strings.HasPrefix(secret.APIKey, "vx_live_key_"))

	key := f.loadKey(t, secret.KeyID)
	assert.Equal(t, "ingest worker", key.Name)
	assert.ElementsMatch(t, []string{"usage:write", "usage:read"}, []string(key.Scopes))
	assert.True(t, key.IsActive)
	assert.Nil(t, key.ExpiresAt)

	// Only the hash is persisted, never the plain secret.
	assert.Equal(t, apikeydomain.HashAPIKey(secret.APIKey), key.KeyHash)
	assert.NotContains(t, key.KeyHash, secret.APIKey)

	var auditCount int64
	require.NoError(t, f.db.Model(&auditdomain.AuditLog{}).
		Where("action = ?", "api_key.created").Count(&auditCount).Error)
	assert.Equal(t, int64(1), auditCount)
}

func TestCreateDefaultsToUsageWriteScope(t *testing.T) {
	f := newFixture(t)

	secret, err := f.svc.Create(f.ctx(), apikeydomain.CreateRequest{Name: "pbx"})
	require.NoError(t, err)

	key := f.loadKey(t, secret.KeyID)
	assert.Equal(t, []string{apikeydomain.ScopeUsageWrite}, []string(key.Scopes))
}

func TestCreateValidation(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Create(f.ctx(), apikeydomain.CreateRequest{Name: "   "})
	assert.ErrorIs(t, err, apikeydomain.ErrInvalidName)

	_, err = f.svc.Create(context.Background(), apikeydomain.CreateRequest{Name: "pbx"})
	assert.ErrorIs(t, err, apikeydomain.ErrInvalidTenant)
}

func TestRotateGrantsGraceToOldKey(t *testing.T) {
	f := newFixture(t)

	secret, err := f.svc.Create(f.ctx(), apikeydomain.CreateRequest{Name: "pbx"})
	require.NoError(t, err)

	rotated, err := f.svc.Rotate(f.ctx(), secret.KeyID)
	require.NoError(t, err)
	require.NotEqual(t, secret.KeyID, rotated.KeyID)

	next := f.loadKey(t, rotated.KeyID)
	require.NotNil(t, next.RotatedFromKeyID)
	assert.Equal(t, secret.KeyID, *next.RotatedFromKeyID)
	assert.Equal(t, apikeydomain.HashAPIKey(rotated.APIKey), next.KeyHash)

	// The previous generation stays active inside the grace window.
	prev := f.loadKey(t, secret.KeyID)
	assert.True(t, prev.IsActive)
	require.NotNil(t, prev.ExpiresAt)
	remaining := time.Until(*prev.ExpiresAt)
	assert.Greater(t, remaining, 23*time.Hour)
	assert.LessOrEqual(t, remaining, 24*time.Hour)

	found, err := f.svc.repo.FindActiveByHash(f.ctx(), f.db, prev.KeyHash)
	require.NoError(t, err)
	assert.NotNil(t, found)
}

func TestRotateUnknownKey(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Rotate(f.ctx(), "key_DOESNOTEXIST")
	assert.ErrorIs(t, err, apikeydomain.ErrNotFound)

	_, err = f.svc.Rotate(f.ctx(), "  ")
	assert.ErrorIs(t, err, apikeydomain.ErrInvalidKeyID)
}

func TestRevokeIsImmediate(t *testing.T) {
	f := newFixture(t)

	secret, err := f.svc.Create(f.ctx(), apikeydomain.CreateRequest{Name: "pbx"})
	require.NoError(t, err)

	require.NoError(t, f.svc.Revoke(f.ctx(), secret.KeyID))

	key := f.loadKey(t, secret.KeyID)
	assert.False(t, key.IsActive)
	require.NotNil(t, key.ExpiresAt)

	found, err := f.svc.repo.FindActiveByHash(f.ctx(), f.db, key.KeyHash)
	require.NoError(t, err)
	assert.Nil(t, found)

	// A revoked key can no longer be rotated.
	_, err = f.svc.Rotate(f.ctx(), secret.KeyID)
	assert.ErrorIs(t, err, apikeydomain.ErrNotFound)
}

func TestListScopedToCallerTenant(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Create(f.ctx(), apikeydomain.CreateRequest{Name: "pbx"})
	require.NoError(t, err)
	_, err = f.svc.Create(f.ctx(), apikeydomain.CreateRequest{Name: "dialer"})
	require.NoError(t, err)

	otherCtx := tenantctx.WithTenantID(context.Background(), int64(f.svc.genID.Generate()))
	_, err = f.svc.Create(otherCtx, apikeydomain.CreateRequest{Name: "stranger"})
	require.NoError(t, err)

	items, err := f.svc.List(f.ctx())
	require.NoError(t, err)
	require.Len(t, items, 2)
	for _, item := range items {
		assert.NotEqual(t, "stranger", item.Name)
	}
}
