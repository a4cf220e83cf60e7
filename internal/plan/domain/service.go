package domain

import (
	"context"
	"errors"
	"time"
)

type Service interface {
	Create(ctx context.Context, req CreateRequest) (*Response, error)
	List(ctx context.Context) ([]Response, error)
	GetByCode(ctx context.Context, code string) (*Response, error)
	Update(ctx context.Context, req UpdateRequest) (*Response, error)
}

type CreateRequest struct {
	Code                              string  `json:"code"`
	Name                              string  `json:"name"`
	VoiceEnabled                      bool    `json:"voice_enabled"`
	DefaultIncludedMinutes            int64   `json:"default_included_minutes"`
	DefaultOveragePolicy              string  `json:"default_overage_policy"`
	DefaultOveragePriceMinorUnits     int64   `json:"default_overage_price_minor_units"`
	DefaultMaxOverageChargeMinorUnits int64   `json:"default_max_overage_charge_minor_units"`
	DefaultAlertThresholds            []int64 `json:"default_alert_thresholds"`
	Currency                          string  `json:"currency"`
	Active                            *bool   `json:"active"`
}

type UpdateRequest struct {
	Code                              string   `json:"code"`
	Name                              *string  `json:"name,omitempty"`
	VoiceEnabled                      *bool    `json:"voice_enabled,omitempty"`
	DefaultIncludedMinutes            *int64   `json:"default_included_minutes,omitempty"`
	DefaultOveragePolicy              *string  `json:"default_overage_policy,omitempty"`
	DefaultOveragePriceMinorUnits     *int64   `json:"default_overage_price_minor_units,omitempty"`
	DefaultMaxOverageChargeMinorUnits *int64   `json:"default_max_overage_charge_minor_units,omitempty"`
	DefaultAlertThresholds            *[]int64 `json:"default_alert_thresholds,omitempty"`
	Active                            *bool    `json:"active,omitempty"`
}

type Response struct {
	ID                                string    `json:"id"`
	Code                              string    `json:"code"`
	Name                              string    `json:"name"`
	VoiceEnabled                      bool      `json:"voice_enabled"`
	DefaultIncludedMinutes            int64     `json:"default_included_minutes"`
	DefaultOveragePolicy              string    `json:"default_overage_policy"`
	DefaultOveragePriceMinorUnits     int64     `json:"default_overage_price_minor_units"`
	DefaultMaxOverageChargeMinorUnits int64     `json:"default_max_overage_charge_minor_units"`
	DefaultAlertThresholds            []int64   `json:"default_alert_thresholds"`
	Currency                          string    `json:"currency"`
	Active                            bool      `json:"active"`
	CreatedAt                         time.Time `json:"created_at"`
	UpdatedAt                         time.Time `json:"updated_at"`
}

var (
	ErrInvalidCode    = errors.New("invalid_code")
	ErrInvalidName    = errors.New("invalid_name")
	ErrInvalidPolicy  = errors.New("invalid_policy")
	ErrInvalidMinutes = errors.New("invalid_minutes")
	ErrNotFound       = errors.New("plan_not_found")
	ErrNotEligible    = errors.New("plan_not_eligible")
)
