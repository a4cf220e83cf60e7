package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/voxbill/internal/audit/domain"
	"github.com/smallbiznis/voxbill/internal/authorization"
	"github.com/smallbiznis/voxbill/internal/policy/domain"
	tenantdomain "github.com/smallbiznis/voxbill/internal/tenant/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	GenID    *snowflake.Node
	Repo     domain.Repository
	Tenants  tenantdomain.Repository
	AuditSvc auditdomain.Service `optional:"true"`
}

type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	genID    *snowflake.Node
	repo     domain.Repository
	tenants  tenantdomain.Repository
	auditSvc auditdomain.Service
}

func New(p Params) domain.Service {
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("policy.service"),
		genID:    p.GenID,
		repo:     p.Repo,
		tenants:  p.Tenants,
		auditSvc: p.AuditSvc,
	}
}

func (s *Service) GetPolicy(ctx context.Context, tenantID snowflake.ID) (*domain.Response, error) {
	if tenantID == 0 {
		return nil, tenantdomain.ErrNotFound
	}
	tenant, err := s.tenants.FindByID(ctx, s.db, tenantID)
	if err != nil {
		return nil, err
	}
	if tenant == nil {
		return nil, tenantdomain.ErrNotFound
	}
	policy, err := s.repo.FindByTenant(ctx, s.db, tenantID)
	if err != nil {
		return nil, err
	}
	if policy == nil {
		return nil, domain.ErrNotFound
	}
	resp := toResponse(policy)
	return &resp, nil
}

func (s *Service) UpdateMinuteLimitPolicy(ctx context.Context, req domain.UpdateRequest) (*domain.UpdateResult, error) {
	role := strings.ToLower(strings.TrimSpace(req.CallerRole))
	if role != "owner" && role != "admin" && role != "system" {
		return nil, authorization.ErrForbidden
	}
	if req.TenantID == 0 {
		return nil, tenantdomain.ErrNotFound
	}
	tenant, err := s.tenants.FindByID(ctx, s.db, req.TenantID)
	if err != nil {
		return nil, err
	}
	if tenant == nil {
		return nil, tenantdomain.ErrNotFound
	}

	policy, err := s.repo.FindByTenant(ctx, s.db, req.TenantID)
	if err != nil {
		return nil, err
	}
	if policy == nil {
		return nil, domain.ErrNotFound
	}

	oldPolicy := policy.OveragePolicy
	oldIncluded := policy.IncludedMinutes

	if req.OveragePolicy != nil {
		next := domain.OveragePolicy(strings.TrimSpace(*req.OveragePolicy))
		if !next.Valid() {
			return nil, domain.ErrInvalidPolicy
		}
		policy.OveragePolicy = next
	}
	if req.IncludedMinutes != nil {
		if *req.IncludedMinutes < 0 {
			return nil, domain.ErrInvalidInput
		}
		policy.IncludedMinutes = *req.IncludedMinutes
	}
	if req.OveragePriceMinorUnits != nil {
		if *req.OveragePriceMinorUnits < 0 {
			return nil, domain.ErrInvalidInput
		}
		policy.OveragePriceMinorUnits = *req.OveragePriceMinorUnits
	}
	if req.MaxOverageChargeMinorUnits != nil {
		if *req.MaxOverageChargeMinorUnits < 0 {
			return nil, domain.ErrInvalidInput
		}
		policy.MaxOverageChargeMinorUnits = *req.MaxOverageChargeMinorUnits
	}
	if req.AlertThresholds != nil {
		policy.AlertThresholds = domain.AlertThresholds(*req.AlertThresholds).Normalize()
	}
	policy.UpdatedAt = time.Now().UTC()

	var periodsUnblocked int64
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.repo.Update(ctx, tx, policy); err != nil {
			return err
		}
		// A limit change takes effect mid-period: refresh the open period's
		// snapshot so admission and recording agree on the new allowance.
		if req.IncludedMinutes != nil && *req.IncludedMinutes != oldIncluded {
			if err := s.repo.SnapshotIncludedMinutes(ctx, tx, req.TenantID, policy.IncludedMinutes); err != nil {
				return err
			}
		}
		// Switching away from a blocking mode lifts the blocks that mode
		// caused. Switching to block never blocks retroactively.
		if policy.OveragePolicy != domain.OveragePolicyBlock {
			if reason := oldPolicy.BlockReason(); reason != "" {
				unblocked, err := s.repo.UnblockPeriods(ctx, tx, req.TenantID, reason)
				if err != nil {
					return err
				}
				periodsUnblocked = unblocked
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("voice policy updated",
		zap.String("tenant_id", req.TenantID.String()),
		zap.String("overage_policy", string(policy.OveragePolicy)),
		zap.Int64("periods_unblocked", periodsUnblocked),
	)

	if s.auditSvc != nil {
		tenantID := req.TenantID
		targetID := policy.ID.String()
		_ = s.auditSvc.AuditLog(ctx, &tenantID, "", nil, "voice_policy.updated", "voice_policy", &targetID, map[string]any{
			"overage_policy":    string(policy.OveragePolicy),
			"included_minutes":  policy.IncludedMinutes,
			"previous_policy":   string(oldPolicy),
			"periods_unblocked": periodsUnblocked,
		})
	}

	return &domain.UpdateResult{
		Policy:           toResponse(policy),
		PeriodsUnblocked: periodsUnblocked,
	}, nil
}

func (s *Service) EnsurePolicy(ctx context.Context, req domain.EnsureRequest) (*domain.Response, bool, error) {
	if req.TenantID == 0 {
		return nil, false, tenantdomain.ErrNotFound
	}
	existing, err := s.repo.FindByTenant(ctx, s.db, req.TenantID)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		resp := toResponse(existing)
		return &resp, false, nil
	}

	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	if currency == "" {
		currency = "USD"
	}
	now := time.Now().UTC()
	policy := domain.TenantVoicePolicy{
		ID:                         s.genID.Generate(),
		TenantID:                   req.TenantID,
		IncludedMinutes:            req.IncludedMinutes,
		OveragePolicy:              req.OveragePolicy,
		OveragePriceMinorUnits:     req.OveragePriceMinorUnits,
		MaxOverageChargeMinorUnits: req.MaxOverageChargeMinorUnits,
		AlertThresholds:            domain.AlertThresholds(req.AlertThresholds).Normalize(),
		Currency:                   currency,
		CreatedAt:                  now,
		UpdatedAt:                  now,
	}
	if err := policy.Validate(); err != nil {
		return nil, false, err
	}

	if err := s.repo.Insert(ctx, s.db, &policy); err != nil {
		// A concurrent provisioning run may have inserted first.
		refetched, refErr := s.repo.FindByTenant(ctx, s.db, req.TenantID)
		if refErr == nil && refetched != nil {
			resp := toResponse(refetched)
			return &resp, false, nil
		}
		return nil, false, err
	}
	resp := toResponse(&policy)
	return &resp, true, nil
}

func toResponse(policy *domain.TenantVoicePolicy) domain.Response {
	return domain.Response{
		TenantID:                   policy.TenantID.String(),
		IncludedMinutes:            policy.IncludedMinutes,
		OveragePolicy:              string(policy.OveragePolicy),
		OveragePriceMinorUnits:     policy.OveragePriceMinorUnits,
		MaxOverageChargeMinorUnits: policy.MaxOverageChargeMinorUnits,
		AlertThresholds:            []int64(policy.AlertThresholds),
		Currency:                   policy.Currency,
		UpdatedAt:                  policy.UpdatedAt,
	}
}
