package stripe

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/smallbiznis/voxbill/internal/processor/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newAdapter(t *testing.T) *Adapter {
	t.Helper()
	adapter, err := NewFactory().NewAdapter(domain.AdapterConfig{
		APIKey:        "sk_test_abc",
		WebhookSecret: "whsec_test",
	})
	require.NoError(t, err)
	return adapter.(*Adapter)
}

func TestParseWebhookPaidEvent(t *testing.T) {
	payload := []byte(`{
		"id": "evt_1",
		"type": "invoiceitem.paid",
		"created": 1767225600,
		"data": {"object": {"id": "ii_1", "created": 1767225700}}
	}`)

	parsed, err := newAdapter(t).ParseWebhook(context.Background(), payload)
	require.NoError(t, err)
	assert.Equal(t, "evt_1", parsed.EventID)
	assert.Equal(t, "invoiceitem.paid", parsed.EventType)
	require.NotNil(t, parsed.Paid)
	assert.Equal(t, "ii_1", parsed.Paid.BillingReferenceID)
	assert.Equal(t, "evt_1", parsed.Paid.PaidReferenceID)
	assert.Equal(t, time.Unix(1767225700, 0).UTC(), parsed.Paid.PaidAt)
}

func TestParseWebhookIgnoredTypeKeepsEnvelope(t *testing.T) {
	payload := []byte(`{"id": "evt_2", "type": "customer.updated", "created": 1767225600, "data": {"object": {}}}`)

	parsed, err := newAdapter(t).ParseWebhook(context.Background(), payload)
	require.ErrorIs(t, err, domain.ErrEventIgnored)

	// The ingest path records and acknowledges events it does not act on,
	// so the envelope must survive the ignore sentinel.
	require.NotNil(t, parsed)
	assert.Equal(t, "evt_2", parsed.EventID)
	assert.Equal(t, "customer.updated", parsed.EventType)
	assert.Nil(t, parsed.Paid)
}

func TestParseWebhookRejectsBadPayload(t *testing.T) {
	adapter := newAdapter(t)

	_, err := adapter.ParseWebhook(context.Background(), []byte(`not-json`))
	assert.ErrorIs(t, err, domain.ErrInvalidPayload)

	_, err = adapter.ParseWebhook(context.Background(), []byte(`{"type": "invoice.paid"}`))
	assert.ErrorIs(t, err, domain.ErrInvalidEvent)
}

func TestVerifyWebhookSignature(t *testing.T) {
	adapter := newAdapter(t)
	payload := []byte(`{"id": "evt_3"}`)
	timestamp := "1767225600"

	mac := hmac.New(sha256.New, []byte("whsec_test"))
	_, _ = mac.Write([]byte(fmt.Sprintf("%s.%s", timestamp, payload)))
	signature := hex.EncodeToString(mac.Sum(nil))

	headers := http.Header{}
	headers.Set("Stripe-Signature", fmt.Sprintf("t=%s,v1=%s", timestamp, signature))
	assert.NoError(t, adapter.VerifyWebhook(context.Background(), payload, headers))

	headers.Set("Stripe-Signature", fmt.Sprintf("t=%s,v1=%s", timestamp, "deadbeef"))
	assert.ErrorIs(t, adapter.VerifyWebhook(context.Background(), payload, headers), domain.ErrInvalidSignature)

	headers.Del("Stripe-Signature")
	assert.ErrorIs(t, adapter.VerifyWebhook(context.Background(), payload, headers), domain.ErrInvalidSignature)
}
