package stripe

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v83/webhook"

	"github.com/mihaimyh/paywall/pkg/gateway"
)

func eventPayload(eventType, object string) []byte {
	return []byte(fmt.Sprintf(`{
  "id": "evt_1",
  "object": "event",
  "api_version": "2025-09-30.clover",
  "created": 1760000000,
  "type": %q,
  "data": {"object": %s}
}`, eventType, object))
}

const paymentIntentObject = `{
  "id": "pi_123",
  "object": "payment_intent",
  "amount": 1900,
  "currency": "usd",
  "status": "succeeded",
  "metadata": {"pc_transaction_id": "tx-1", "pc_user_id": "u1", "pc_listing_id": "42", "pc_purpose": "reveal_contact"}
}`

func signedHeader(payload []byte, secret string, ts time.Time) string {
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    secret,
		Timestamp: ts,
	})
	return signed.Header
}

func TestVerifyWebhook_Valid(t *testing.T) {
	p := newTestProvider(t, "")
	payload := eventPayload("payment_intent.succeeded", paymentIntentObject)

	event, err := p.VerifyWebhook(payload, signedHeader(payload, testStripeWebhookSecret, time.Now()))
	require.NoError(t, err)

	assert.True(t, event.Verified)
	assert.Equal(t, "evt_1", event.ID)
	assert.Equal(t, gateway.EventPaymentSucceeded, event.Type)
	assert.Equal(t, "stripe", event.Provider)
	assert.Equal(t, "pi_123", event.ObjectID)
	assert.Equal(t, int64(1900), event.AmountMinor)
	assert.Equal(t, "USD", event.Currency)
	assert.Equal(t, "tx-1", event.Meta(gateway.MetaTransactionID))
	assert.Equal(t, "42", event.Meta(gateway.MetaListingID))
}

func TestVerifyWebhook_Rejections(t *testing.T) {
	p := newTestProvider(t, "")
	payload := eventPayload("payment_intent.succeeded", paymentIntentObject)

	tests := []struct {
		name   string
		header string
	}{
		{name: "missing header", header: ""},
		{name: "wrong secret", header: signedHeader(payload, "whsec_other", time.Now())},
		{name: "stale timestamp", header: signedHeader(payload, testStripeWebhookSecret, time.Now().Add(-time.Hour))},
		{name: "garbage", header: "t=abc,v1=zz"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := p.VerifyWebhook(payload, tt.header)
			require.Error(t, err)
			assert.True(t, errors.Is(err, gateway.ErrSignatureInvalid), "got %v", err)
		})
	}
}

func TestVerifyWebhook_TamperedBody(t *testing.T) {
	p := newTestProvider(t, "")
	payload := eventPayload("payment_intent.succeeded", paymentIntentObject)
	header := signedHeader(payload, testStripeWebhookSecret, time.Now())

	tampered := eventPayload("payment_intent.succeeded", `{"id":"pi_999","object":"payment_intent","metadata":{}}`)
	_, err := p.VerifyWebhook(tampered, header)
	assert.ErrorIs(t, err, gateway.ErrSignatureInvalid)
}

func TestVerifyWebhook_NoSecret(t *testing.T) {
	payload := eventPayload("payment_intent.succeeded", paymentIntentObject)

	t.Run("refused by default", func(t *testing.T) {
		p, err := NewProvider(Config{Config: gateway.Config{
			Credentials: gateway.StaticCredentials{Key: testStripeAPIKey},
		}})
		require.NoError(t, err)

		_, err = p.VerifyWebhook(payload, "")
		assert.ErrorIs(t, err, gateway.ErrGatewayUnavailable)
	})

	t.Run("trusted when unverified mode is on", func(t *testing.T) {
		p, err := NewProvider(Config{Config: gateway.Config{
			Credentials:     gateway.StaticCredentials{Key: testStripeAPIKey},
			AllowUnverified: true,
		}})
		require.NoError(t, err)

		event, err := p.VerifyWebhook(payload, "")
		require.NoError(t, err)
		assert.False(t, event.Verified)
		assert.Equal(t, "pi_123", event.ObjectID)
	})

	t.Run("policy follows a reloaded setting", func(t *testing.T) {
		allow := true
		p, err := NewProvider(Config{Config: gateway.Config{
			Credentials:         gateway.StaticCredentials{Key: testStripeAPIKey},
			AllowUnverifiedFunc: func() bool { return allow },
		}})
		require.NoError(t, err)

		_, err = p.VerifyWebhook(payload, "")
		require.NoError(t, err)

		allow = false
		_, err = p.VerifyWebhook(payload, "")
		assert.ErrorIs(t, err, gateway.ErrGatewayUnavailable)
	})

	t.Run("malformed payload in unverified mode", func(t *testing.T) {
		p, err := NewProvider(Config{Config: gateway.Config{AllowUnverified: true}})
		require.NoError(t, err)

		_, err = p.VerifyWebhook([]byte("{not json"), "")
		assert.ErrorIs(t, err, gateway.ErrInvalidPayload)
	})
}

func TestNormalizeEvent_ObjectShapes(t *testing.T) {
	p := newTestProvider(t, "")

	tests := []struct {
		name       string
		eventType  string
		object     string
		wantObject string
		wantPI     string
		wantAmount int64
	}{
		{
			name:       "checkout session",
			eventType:  gateway.EventCheckoutCompleted,
			object:     `{"id":"cs_1","object":"checkout.session","amount_total":900,"currency":"usd","payment_intent":"pi_9","metadata":{"pc_transaction_id":"tx-9"}}`,
			wantObject: "cs_1",
			wantPI:     "pi_9",
			wantAmount: 900,
		},
		{
			name:       "refunded charge joins on payment intent",
			eventType:  gateway.EventChargeRefunded,
			object:     `{"id":"ch_1","object":"charge","amount_refunded":1900,"currency":"usd","payment_intent":"pi_123","metadata":{}}`,
			wantObject: "pi_123",
			wantPI:     "pi_123",
			wantAmount: 1900,
		},
		{
			name:       "failed payment",
			eventType:  gateway.EventPaymentFailed,
			object:     `{"id":"pi_5","object":"payment_intent","amount":100,"currency":"eur","metadata":{}}`,
			wantObject: "pi_5",
			wantPI:     "pi_5",
			wantAmount: 100,
		},
		{
			name:       "unknown type passes through",
			eventType:  "customer.created",
			object:     `{"id":"cus_1","object":"customer"}`,
			wantObject: "cus_1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload := eventPayload(tt.eventType, tt.object)
			event, err := p.VerifyWebhook(payload, signedHeader(payload, testStripeWebhookSecret, time.Now()))
			require.NoError(t, err)
			assert.Equal(t, tt.eventType, event.Type)
			assert.Equal(t, tt.wantObject, event.ObjectID)
			assert.Equal(t, tt.wantPI, event.PaymentIntentID)
			assert.Equal(t, tt.wantAmount, event.AmountMinor)
		})
	}
}
