package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, policy *TenantVoicePolicy) error
	Update(ctx context.Context, db *gorm.DB, policy *TenantVoicePolicy) error
	FindByTenant(ctx context.Context, db *gorm.DB, tenantID snowflake.ID) (*TenantVoicePolicy, error)

	// UnblockPeriods lifts blocks with the given reason on all of the
	// tenant's blocked periods and returns how many rows changed.
	UnblockPeriods(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, reason string) (int64, error)

	// SnapshotIncludedMinutes refreshes the open, unbilled period's included
	// minutes snapshot after a policy change.
	SnapshotIncludedMinutes(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, includedMinutes int64) error
}
