package service

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/voxbill/internal/plan/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Repo  domain.Repository
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	repo  domain.Repository
	genID *snowflake.Node
}

func New(p Params) domain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("plan.service"),
		repo:  p.Repo,
		genID: p.GenID,
	}
}

func (s *Service) Create(ctx context.Context, req domain.CreateRequest) (*domain.Response, error) {
	code := strings.ToLower(strings.TrimSpace(req.Code))
	if code == "" {
		return nil, domain.ErrInvalidCode
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, domain.ErrInvalidName
	}
	policy := strings.TrimSpace(req.DefaultOveragePolicy)
	if policy == "" {
		policy = "charge"
	}
	if !validPolicy(policy) {
		return nil, domain.ErrInvalidPolicy
	}
	if req.DefaultIncludedMinutes < 0 || req.DefaultOveragePriceMinorUnits < 0 || req.DefaultMaxOverageChargeMinorUnits < 0 {
		return nil, domain.ErrInvalidMinutes
	}

	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	if currency == "" {
		currency = "USD"
	}

	active := true
	if req.Active != nil {
		active = *req.Active
	}

	now := time.Now().UTC()
	plan := domain.Plan{
		ID:                                s.genID.Generate(),
		Code:                              code,
		Name:                              name,
		VoiceEnabled:                      req.VoiceEnabled,
		DefaultIncludedMinutes:            req.DefaultIncludedMinutes,
		DefaultOveragePolicy:              policy,
		DefaultOveragePriceMinorUnits:     req.DefaultOveragePriceMinorUnits,
		DefaultMaxOverageChargeMinorUnits: req.DefaultMaxOverageChargeMinorUnits,
		DefaultAlertThresholds:            encodeThresholds(normalizeThresholds(req.DefaultAlertThresholds)),
		Currency:                          currency,
		Active:                            active,
		CreatedAt:                         now,
		UpdatedAt:                         now,
	}

	if err := s.repo.Insert(ctx, s.db, &plan); err != nil {
		return nil, err
	}

	resp := s.toResponse(&plan)
	return &resp, nil
}

func (s *Service) List(ctx context.Context) ([]domain.Response, error) {
	items, err := s.repo.List(ctx, s.db)
	if err != nil {
		return nil, err
	}
	resp := make([]domain.Response, 0, len(items))
	for i := range items {
		resp = append(resp, s.toResponse(&items[i]))
	}
	return resp, nil
}

func (s *Service) GetByCode(ctx context.Context, code string) (*domain.Response, error) {
	code = strings.ToLower(strings.TrimSpace(code))
	if code == "" {
		return nil, domain.ErrInvalidCode
	}
	plan, err := s.repo.FindByCode(ctx, s.db, code)
	if err != nil {
		return nil, err
	}
	if plan == nil {
		return nil, domain.ErrNotFound
	}
	resp := s.toResponse(plan)
	return &resp, nil
}

func (s *Service) Update(ctx context.Context, req domain.UpdateRequest) (*domain.Response, error) {
	code := strings.ToLower(strings.TrimSpace(req.Code))
	if code == "" {
		return nil, domain.ErrInvalidCode
	}
	plan, err := s.repo.FindByCode(ctx, s.db, code)
	if err != nil {
		return nil, err
	}
	if plan == nil {
		return nil, domain.ErrNotFound
	}

	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if name == "" {
			return nil, domain.ErrInvalidName
		}
		plan.Name = name
	}
	if req.VoiceEnabled != nil {
		plan.VoiceEnabled = *req.VoiceEnabled
	}
	if req.DefaultIncludedMinutes != nil {
		if *req.DefaultIncludedMinutes < 0 {
			return nil, domain.ErrInvalidMinutes
		}
		plan.DefaultIncludedMinutes = *req.DefaultIncludedMinutes
	}
	if req.DefaultOveragePolicy != nil {
		policy := strings.TrimSpace(*req.DefaultOveragePolicy)
		if !validPolicy(policy) {
			return nil, domain.ErrInvalidPolicy
		}
		plan.DefaultOveragePolicy = policy
	}
	if req.DefaultOveragePriceMinorUnits != nil {
		if *req.DefaultOveragePriceMinorUnits < 0 {
			return nil, domain.ErrInvalidMinutes
		}
		plan.DefaultOveragePriceMinorUnits = *req.DefaultOveragePriceMinorUnits
	}
	if req.DefaultMaxOverageChargeMinorUnits != nil {
		if *req.DefaultMaxOverageChargeMinorUnits < 0 {
			return nil, domain.ErrInvalidMinutes
		}
		plan.DefaultMaxOverageChargeMinorUnits = *req.DefaultMaxOverageChargeMinorUnits
	}
	if req.DefaultAlertThresholds != nil {
		plan.DefaultAlertThresholds = encodeThresholds(normalizeThresholds(*req.DefaultAlertThresholds))
	}
	if req.Active != nil {
		plan.Active = *req.Active
	}
	plan.UpdatedAt = time.Now().UTC()

	if err := s.repo.Update(ctx, s.db, plan); err != nil {
		return nil, err
	}
	resp := s.toResponse(plan)
	return &resp, nil
}

func (s *Service) toResponse(plan *domain.Plan) domain.Response {
	return domain.Response{
		ID:                                plan.ID.String(),
		Code:                              plan.Code,
		Name:                              plan.Name,
		VoiceEnabled:                      plan.VoiceEnabled,
		DefaultIncludedMinutes:            plan.DefaultIncludedMinutes,
		DefaultOveragePolicy:              plan.DefaultOveragePolicy,
		DefaultOveragePriceMinorUnits:     plan.DefaultOveragePriceMinorUnits,
		DefaultMaxOverageChargeMinorUnits: plan.DefaultMaxOverageChargeMinorUnits,
		DefaultAlertThresholds:            decodeThresholds(plan.DefaultAlertThresholds),
		Currency:                          plan.Currency,
		Active:                            plan.Active,
		CreatedAt:                         plan.CreatedAt,
		UpdatedAt:                         plan.UpdatedAt,
	}
}

func validPolicy(policy string) bool {
	switch policy {
	case "block", "charge", "notify_only":
		return true
	default:
		return false
	}
}

func normalizeThresholds(values []int64) []int64 {
	seen := make(map[int64]struct{}, len(values))
	out := make([]int64, 0, len(values))
	for _, value := range values {
		if value <= 0 || value > 100 {
			continue
		}
		if _, ok := seen[value]; ok {
			continue
		}
		seen[value] = struct{}{}
		out = append(out, value)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func encodeThresholds(values []int64) datatypes.JSON {
	raw, err := json.Marshal(values)
	if err != nil {
		return datatypes.JSON("[]")
	}
	return datatypes.JSON(raw)
}

func decodeThresholds(raw datatypes.JSON) []int64 {
	if len(raw) == 0 {
		return nil
	}
	var values []int64
	if err := json.Unmarshal(raw, &values); err != nil {
		return nil
	}
	return values
}
