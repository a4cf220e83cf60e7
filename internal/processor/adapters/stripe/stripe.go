package stripe

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/smallbiznis/voxbill/internal/processor/domain"
)

const defaultTimeout = 30 * time.Second

type Factory struct{}

func NewFactory() *Factory {
	return &Factory{}
}

func (f *Factory) Provider() string {
	return "stripe"
}

func (f *Factory) NewAdapter(cfg domain.AdapterConfig) (domain.Adapter, error) {
	if strings.TrimSpace(cfg.APIKey) == "" || strings.TrimSpace(cfg.WebhookSecret) == "" {
		return nil, domain.ErrInvalidConfig
	}
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.APIBaseURL), "/")
	if baseURL == "" {
		baseURL = "https://api.stripe.com"
	}
	return &Adapter{
		baseURL:       baseURL,
		apiKey:        strings.TrimSpace(cfg.APIKey),
		webhookSecret: strings.TrimSpace(cfg.WebhookSecret),
		client:        &http.Client{Timeout: defaultTimeout},
	}, nil
}

type Adapter struct {
	baseURL       string
	apiKey        string
	webhookSecret string
	client        *http.Client
}

func (a *Adapter) Provider() string {
	return "stripe"
}

type chargeRequest struct {
	Customer     string            `json:"customer"`
	Subscription string            `json:"subscription,omitempty"`
	Amount       int64             `json:"amount"`
	Currency     string            `json:"currency"`
	Description  string            `json:"description"`
	Metadata     map[string]string `json:"metadata"`
}

type chargeResponse struct {
	ID    string `json:"id"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// SubmitOverageCharge posts one period's overage as an invoice item. The
// Idempotency-Key is the statement number, so retries after a lost response
// cannot double-bill.
func (a *Adapter) SubmitOverageCharge(ctx context.Context, req domain.SubmitChargeRequest) (*domain.SubmitChargeResult, error) {
	if req.ProcessorCustomerID == "" {
		return nil, domain.ErrInvalidConfig
	}

	body := chargeRequest{
		Customer:    req.ProcessorCustomerID,
		Amount:      req.AmountMinorUnits,
		Currency:    strings.ToLower(req.Currency),
		Description: req.Description,
		Metadata: map[string]string{
			"tenant_id":        req.TenantID.String(),
			"usage_id":         req.UsageID.String(),
			"statement_number": req.StatementNumber,
			"period_start":     req.PeriodStart.Format(time.RFC3339),
			"period_end":       req.PeriodEnd.Format(time.RFC3339),
		},
	}
	if req.ProcessorSubscriptionID != nil {
		body.Subscription = *req.ProcessorSubscriptionID
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/v1/invoiceitems", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+a.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", req.StatementNumber)

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrSubmitFailed, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrSubmitFailed, err)
	}

	var decoded chargeResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("%w: status %d", domain.ErrSubmitFailed, resp.StatusCode)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		message := "unknown error"
		if decoded.Error != nil {
			message = decoded.Error.Message
		}
		return nil, fmt.Errorf("%w: status %d: %s", domain.ErrSubmitFailed, resp.StatusCode, message)
	}
	if strings.TrimSpace(decoded.ID) == "" {
		return nil, fmt.Errorf("%w: missing id in response", domain.ErrSubmitFailed)
	}

	return &domain.SubmitChargeResult{BillingReferenceID: decoded.ID}, nil
}

func (a *Adapter) VerifyWebhook(ctx context.Context, payload []byte, headers http.Header) error {
	sigHeader := strings.TrimSpace(headers.Get("Stripe-Signature"))
	if sigHeader == "" {
		return domain.ErrInvalidSignature
	}

	timestamp, signatures, err := parseSignatureHeader(sigHeader)
	if err != nil {
		return domain.ErrInvalidSignature
	}

	signedPayload := fmt.Sprintf("%s.%s", timestamp, string(payload))
	mac := hmac.New(sha256.New, []byte(a.webhookSecret))
	_, _ = mac.Write([]byte(signedPayload))
	expected := hex.EncodeToString(mac.Sum(nil))

	for _, signature := range signatures {
		if hmac.Equal([]byte(signature), []byte(expected)) {
			return nil
		}
	}
	return domain.ErrInvalidSignature
}

type webhookEvent struct {
	EventID string `json:"id"`
	Type    string `json:"type"`
	Created int64  `json:"created"`
	Data    struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

type invoiceItemObject struct {
	ID       string            `json:"id"`
	Created  int64             `json:"created"`
	Metadata map[string]string `json:"metadata"`
}

func (a *Adapter) ParseWebhook(ctx context.Context, payload []byte) (*domain.WebhookEvent, error) {
	var event webhookEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, domain.ErrInvalidPayload
	}
	if strings.TrimSpace(event.EventID) == "" {
		return nil, domain.ErrInvalidEvent
	}

	parsed := &domain.WebhookEvent{
		EventID:   event.EventID,
		EventType: strings.TrimSpace(event.Type),
	}

	switch parsed.EventType {
	case "invoiceitem.paid", "invoice.paid":
		var item invoiceItemObject
		if err := json.Unmarshal(event.Data.Object, &item); err != nil {
			return nil, domain.ErrInvalidPayload
		}
		if strings.TrimSpace(item.ID) == "" {
			return nil, domain.ErrInvalidPayload
		}
		parsed.Paid = &domain.PaidEvent{
			BillingReferenceID: item.ID,
			PaidReferenceID:    event.EventID,
			PaidAt:             eventTime(item.Created, event.Created),
		}
		return parsed, nil
	default:
		// The envelope still travels with the sentinel so the ingest path
		// can record and acknowledge event types it does not act on.
		return parsed, domain.ErrEventIgnored
	}
}

func parseSignatureHeader(header string) (string, []string, error) {
	parts := strings.Split(header, ",")
	var timestamp string
	signatures := []string{}
	for _, part := range parts {
		piece := strings.TrimSpace(part)
		if piece == "" {
			continue
		}
		keyValue := strings.SplitN(piece, "=", 2)
		if len(keyValue) != 2 {
			continue
		}
		key := strings.TrimSpace(keyValue[0])
		value := strings.TrimSpace(keyValue[1])
		if key == "t" {
			timestamp = value
		}
		if key == "v1" {
			signatures = append(signatures, value)
		}
	}
	if timestamp == "" || len(signatures) == 0 {
		return "", nil, errors.New("invalid_signature")
	}
	return timestamp, signatures, nil
}

func eventTime(primary int64, fallback int64) time.Time {
	value := primary
	if value == 0 {
		value = fallback
	}
	if value == 0 {
		return time.Now().UTC()
	}
	return time.Unix(value, 0).UTC()
}
