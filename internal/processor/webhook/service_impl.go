// Package webhook ingests payment-processor callbacks: verify the HMAC
// signature, persist the raw delivery, then apply the canonical paid event
// to the ledger.
package webhook

import (
	"context"
	"errors"
	"net/http"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/voxbill/internal/clock"
	"github.com/smallbiznis/voxbill/internal/config"
	"github.com/smallbiznis/voxbill/internal/observability/metrics"
	overagedomain "github.com/smallbiznis/voxbill/internal/overagebilling/domain"
	"github.com/smallbiznis/voxbill/internal/processor/adapters"
	"github.com/smallbiznis/voxbill/internal/processor/domain"
	usagedomain "github.com/smallbiznis/voxbill/internal/usage/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	GenID    *snowflake.Node
	Clock    clock.Clock
	Cfg      config.Config
	Registry *adapters.Registry
	Billing  overagedomain.Service
	Metrics  *metrics.Metrics `optional:"true"`
}

type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	genID    *snowflake.Node
	clock    clock.Clock
	cfg      config.Config
	registry *adapters.Registry
	billing  overagedomain.Service
	metrics  *metrics.Metrics
}

func NewService(p Params) *Service {
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("processor.webhook"),
		genID:    p.GenID,
		clock:    p.Clock,
		cfg:      p.Cfg,
		registry: p.Registry,
		billing:  p.Billing,
		metrics:  p.Metrics,
	}
}

type IngestResult struct {
	EventID   string `json:"event_id"`
	EventType string `json:"event_type"`
	Duplicate bool   `json:"duplicate"`
	Applied   bool   `json:"applied"`
}

// Ingest handles one webhook delivery. Verification failures are the
// caller's 4xx; everything after the raw event is stored is at-least-once.
func (s *Service) Ingest(ctx context.Context, provider string, payload []byte, headers http.Header) (*IngestResult, error) {
	adapter, err := s.adapter(provider)
	if err != nil {
		return nil, err
	}

	if err := adapter.VerifyWebhook(ctx, payload, headers); err != nil {
		return nil, err
	}

	parsed, parseErr := adapter.ParseWebhook(ctx, payload)
	if parseErr != nil && !errors.Is(parseErr, domain.ErrEventIgnored) {
		return nil, parseErr
	}

	eventID := ""
	eventType := "unknown"
	if parsed != nil {
		eventID = parsed.EventID
		eventType = parsed.EventType
	}
	if eventID == "" {
		return nil, domain.ErrInvalidEvent
	}

	now := s.clock.Now()
	event := domain.PaymentEvent{
		ID:         s.genID.Generate(),
		Provider:   adapter.Provider(),
		EventID:    eventID,
		EventType:  eventType,
		Payload:    datatypes.JSON(payload),
		ReceivedAt: now,
	}
	inserted := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "provider"}, {Name: "event_id"}},
			DoNothing: true,
		}).
		Create(&event)
	if inserted.Error != nil {
		return nil, inserted.Error
	}

	result := &IngestResult{
		EventID:   eventID,
		EventType: eventType,
		Duplicate: inserted.RowsAffected == 0,
	}
	if s.metrics != nil {
		s.metrics.RecordPaymentEvent(ctx, adapter.Provider(), eventType)
	}
	if result.Duplicate {
		return result, nil
	}
	if errors.Is(parseErr, domain.ErrEventIgnored) || parsed.Paid == nil {
		s.markProcessed(ctx, event.ID, nil)
		return result, nil
	}

	_, applyErr := s.billing.UpdateOverageChargeStatusPaid(ctx,
		parsed.Paid.BillingReferenceID, parsed.Paid.PaidReferenceID, parsed.Paid.PaidAt)
	if applyErr != nil {
		if errors.Is(applyErr, usagedomain.ErrUsageNotFound) {
			// Reference doesn't map to a ledger period; keep the raw event
			// for reconciliation and acknowledge the delivery.
			s.log.Warn("paid event references unknown period",
				zap.String("billing_reference_id", parsed.Paid.BillingReferenceID),
				zap.String("event_id", eventID),
			)
			s.markProcessed(ctx, event.ID, applyErr)
			return result, nil
		}
		s.markProcessed(ctx, event.ID, applyErr)
		return nil, applyErr
	}

	s.markProcessed(ctx, event.ID, nil)
	result.Applied = true
	return result, nil
}

func (s *Service) markProcessed(ctx context.Context, id snowflake.ID, cause error) {
	var lastError *string
	if cause != nil {
		message := cause.Error()
		lastError = &message
	}
	if err := s.db.WithContext(ctx).Exec(
		`UPDATE payment_events SET processed_at = ?, last_error = ? WHERE id = ?`,
		s.clock.Now(), lastError, id,
	).Error; err != nil {
		s.log.Warn("failed to mark payment event processed", zap.Error(err))
	}
}

func (s *Service) adapter(provider string) (domain.Adapter, error) {
	if provider == "" {
		provider = s.cfg.Processor.Provider
	}
	cfg := s.cfg.Processor
	return s.registry.NewAdapter(provider, domain.AdapterConfig{
		APIBaseURL:    cfg.APIBaseURL,
		APIKey:        cfg.APIKey,
		AccountID:     cfg.AccountID,
		WebhookSecret: cfg.WebhookSecret,
	})
}
