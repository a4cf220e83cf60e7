package service

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gosimple/slug"
	billingeventdomain "github.com/smallbiznis/voxbill/internal/billingevent/domain"
	plandomain "github.com/smallbiznis/voxbill/internal/plan/domain"
	"github.com/smallbiznis/voxbill/internal/tenant/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var slugPattern = regexp.MustCompile(`^[a-z0-9]+(-[a-z0-9]+)*$`)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Repo  domain.Repository
	Plans plandomain.Service
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	repo  domain.Repository
	plans plandomain.Service
}

func New(p Params) domain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("tenant.service"),
		genID: p.GenID,
		repo:  p.Repo,
		plans: p.Plans,
	}
}

// Create registers a tenant and writes a tenant.provisioned outbox event in
// the same transaction. The provisioning consumer picks the event up and
// seeds the voice policy and opening usage period.
func (s *Service) Create(ctx context.Context, req domain.CreateRequest) (*domain.Response, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, domain.ErrInvalidName
	}
	tenantSlug := strings.ToLower(strings.TrimSpace(req.Slug))
	if tenantSlug == "" {
		tenantSlug = slug.Make(name)
	}
	if tenantSlug == "" || !slugPattern.MatchString(tenantSlug) {
		return nil, domain.ErrInvalidSlug
	}

	planCode := strings.ToLower(strings.TrimSpace(req.PlanCode))
	if planCode == "" {
		return nil, domain.ErrInvalidPlan
	}
	if _, err := s.plans.GetByCode(ctx, planCode); err != nil {
		if errors.Is(err, plandomain.ErrNotFound) {
			return nil, domain.ErrInvalidPlan
		}
		return nil, err
	}

	existing, err := s.repo.FindBySlug(ctx, s.db, tenantSlug)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, domain.ErrSlugTaken
	}

	timezone := strings.TrimSpace(req.TimezoneName)
	if timezone == "" {
		timezone = "UTC"
	}

	now := time.Now().UTC()
	tenant := domain.Tenant{
		ID:                 s.genID.Generate(),
		Name:               name,
		Slug:               tenantSlug,
		Status:             domain.StatusActive,
		PlanCode:           planCode,
		NotificationEmails: encodeEmails(req.NotificationEmails),
		SlackWebhookURL:    normalizePointer(req.SlackWebhookURL),
		TimezoneName:       timezone,
		Metadata:           datatypes.JSONMap{},
		CreatedAt:          now,
		UpdatedAt:          now,
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.repo.Insert(ctx, tx, &tenant); err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return domain.ErrSlugTaken
			}
			return err
		}
		dedupeKey := billingeventdomain.TenantProvisionedTopic + ":" + tenant.ID.String()
		event := billingeventdomain.BillingEvent{
			ID:        s.genID.Generate(),
			TenantID:  tenant.ID,
			EventType: billingeventdomain.TenantProvisionedTopic,
			Payload: datatypes.JSONMap{
				"tenant_id": tenant.ID.String(),
				"plan_code": tenant.PlanCode,
			},
			DedupeKey: &dedupeKey,
			CreatedAt: now,
		}
		return tx.WithContext(ctx).Create(&event).Error
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("tenant created",
		zap.String("tenant_id", tenant.ID.String()),
		zap.String("slug", tenant.Slug),
		zap.String("plan_code", tenant.PlanCode),
	)

	resp := s.toResponse(&tenant)
	return &resp, nil
}

func (s *Service) GetByID(ctx context.Context, id snowflake.ID) (*domain.Response, error) {
	if id == 0 {
		return nil, domain.ErrNotFound
	}
	tenant, err := s.repo.FindByID(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if tenant == nil {
		return nil, domain.ErrNotFound
	}
	resp := s.toResponse(tenant)
	return &resp, nil
}

func (s *Service) GetBySlug(ctx context.Context, slug string) (*domain.Response, error) {
	slug = strings.ToLower(strings.TrimSpace(slug))
	if slug == "" {
		return nil, domain.ErrInvalidSlug
	}
	tenant, err := s.repo.FindBySlug(ctx, s.db, slug)
	if err != nil {
		return nil, err
	}
	if tenant == nil {
		return nil, domain.ErrNotFound
	}
	resp := s.toResponse(tenant)
	return &resp, nil
}

func (s *Service) List(ctx context.Context) ([]domain.Response, error) {
	tenants, err := s.repo.List(ctx, s.db)
	if err != nil {
		return nil, err
	}
	resp := make([]domain.Response, 0, len(tenants))
	for i := range tenants {
		resp = append(resp, s.toResponse(&tenants[i]))
	}
	return resp, nil
}

func (s *Service) Update(ctx context.Context, req domain.UpdateRequest) (*domain.Response, error) {
	tenant, err := s.repo.FindByID(ctx, s.db, req.ID)
	if err != nil {
		return nil, err
	}
	if tenant == nil {
		return nil, domain.ErrNotFound
	}

	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if name == "" {
			return nil, domain.ErrInvalidName
		}
		tenant.Name = name
	}
	if req.PlanCode != nil {
		planCode := strings.ToLower(strings.TrimSpace(*req.PlanCode))
		if planCode == "" {
			return nil, domain.ErrInvalidPlan
		}
		if _, err := s.plans.GetByCode(ctx, planCode); err != nil {
			if errors.Is(err, plandomain.ErrNotFound) {
				return nil, domain.ErrInvalidPlan
			}
			return nil, err
		}
		tenant.PlanCode = planCode
	}
	if req.Status != nil {
		status := domain.Status(strings.TrimSpace(*req.Status))
		if status != domain.StatusActive && status != domain.StatusSuspended {
			return nil, domain.ErrInvalidStatus
		}
		tenant.Status = status
	}
	if req.NotificationEmails != nil {
		tenant.NotificationEmails = encodeEmails(*req.NotificationEmails)
	}
	if req.SlackWebhookURL != nil {
		tenant.SlackWebhookURL = normalizePointer(req.SlackWebhookURL)
	}
	if req.ProcessorCustomerID != nil {
		tenant.ProcessorCustomerID = normalizePointer(req.ProcessorCustomerID)
	}
	if req.ProcessorSubscriptionID != nil {
		tenant.ProcessorSubscriptionID = normalizePointer(req.ProcessorSubscriptionID)
	}
	tenant.UpdatedAt = time.Now().UTC()

	if err := s.repo.Update(ctx, s.db, tenant); err != nil {
		return nil, err
	}
	resp := s.toResponse(tenant)
	return &resp, nil
}

func (s *Service) toResponse(tenant *domain.Tenant) domain.Response {
	return domain.Response{
		ID:                  tenant.ID.String(),
		Name:                tenant.Name,
		Slug:                tenant.Slug,
		Status:              string(tenant.Status),
		PlanCode:            tenant.PlanCode,
		ProcessorCustomerID: tenant.ProcessorCustomerID,
		NotificationEmails:  decodeEmails(tenant.NotificationEmails),
		SlackWebhookURL:     tenant.SlackWebhookURL,
		TimezoneName:        tenant.TimezoneName,
		CreatedAt:           tenant.CreatedAt,
		UpdatedAt:           tenant.UpdatedAt,
	}
}

func encodeEmails(emails []string) datatypes.JSON {
	cleaned := make([]string, 0, len(emails))
	for _, email := range emails {
		email = strings.ToLower(strings.TrimSpace(email))
		if email == "" {
			continue
		}
		cleaned = append(cleaned, email)
	}
	raw, err := json.Marshal(cleaned)
	if err != nil {
		return datatypes.JSON("[]")
	}
	return datatypes.JSON(raw)
}

func decodeEmails(raw datatypes.JSON) []string {
	if len(raw) == 0 {
		return nil
	}
	var emails []string
	if err := json.Unmarshal(raw, &emails); err != nil {
		return nil
	}
	return emails
}

func normalizePointer(value *string) *string {
	if value == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*value)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}
