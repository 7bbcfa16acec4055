// Package gateway defines the contract between the payment pipeline and an
// external payment processor: intent and checkout session creation, and
// verification of the processor's signed webhook callbacks.
package gateway

import (
	"context"
	"encoding/json"
	"time"
)

// Event types understood by the reconciler. Adapters normalise their
// processor's names onto these.
const (
	EventPaymentSucceeded  = "payment_intent.succeeded"
	EventCheckoutCompleted = "checkout.session.completed"
	EventPaymentFailed     = "payment_intent.payment_failed"
	EventChargeRefunded    = "charge.refunded"
)

// Metadata keys written on every intent and session so a webhook can be
// joined back to its transaction.
const (
	MetaTransactionID = "pc_transaction_id"
	MetaUserID        = "pc_user_id"
	MetaListingID     = "pc_listing_id"
	MetaPurpose       = "pc_purpose"
	MetaMessageID     = "pc_message_id"
)

// Gateway wraps one external payment processor.
type Gateway interface {
	// Name returns the provider name stored on transactions (e.g. "stripe").
	Name() string

	// SignatureHeader is the HTTP header carrying the webhook signature.
	SignatureHeader() string

	// CreateIntent creates a payment intent the client confirms directly
	// with the processor.
	CreateIntent(ctx context.Context, req IntentRequest) (*Intent, error)

	// CreateCheckoutSession creates a hosted, redirect-based checkout.
	CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error)

	// VerifyWebhook authenticates a raw webhook body and returns the
	// normalised event. It never mutates any state.
	VerifyWebhook(payload []byte, signatureHeader string) (*Event, error)
}

// IntentRequest describes a payment intent. AmountMinor is already in the
// currency's minor units.
type IntentRequest struct {
	AmountMinor    int64
	Currency       string
	Description    string
	Metadata       map[string]string
	IdempotencyKey string
}

// Intent is the processor's answer to CreateIntent.
type Intent struct {
	ProviderRef  string
	ClientSecret string
}

// LineItem is the single item sold by a checkout session.
type LineItem struct {
	Name        string
	AmountMinor int64
	Currency    string
	Quantity    int64

	// Recurring makes the session a subscription billed every interval
	// ("day", "week", "month", "year").
	Recurring string
}

// CheckoutRequest describes a hosted checkout session.
type CheckoutRequest struct {
	LineItem       LineItem
	SuccessURL     string
	CancelURL      string
	Metadata       map[string]string
	IdempotencyKey string
}

// CheckoutSession is the processor's answer to CreateCheckoutSession.
type CheckoutSession struct {
	ProviderRef string
	URL         string
}

// Event is a verified, processor-neutral webhook event.
type Event struct {
	ID       string
	Type     string
	Provider string

	// ObjectID is the processor id used to join the event to a transaction.
	// For refunds it is the refunded charge's payment intent.
	ObjectID string

	// PaymentIntentID is set when the event object references a payment
	// intent distinct from ObjectID (checkout sessions, charges).
	PaymentIntentID string

	Metadata    map[string]string
	AmountMinor int64
	Currency    string
	Object      json.RawMessage
	Created     time.Time

	// Verified is false when the payload was accepted without a signature
	// check because the adapter runs in unverified mode.
	Verified bool
}

// Meta returns the metadata value for key, or "".
func (e *Event) Meta(key string) string {
	if e == nil || e.Metadata == nil {
		return ""
	}
	return e.Metadata[key]
}

// Credentials supplies processor secrets. Implementations may rotate them at
// runtime; adapters read them on every call.
type Credentials interface {
	// APIKey returns the secret API key, or "" when unset.
	APIKey() string

	// WebhookSecret returns the webhook signing secret, or "" when unset.
	WebhookSecret() string
}

// StaticCredentials is a fixed Credentials value.
type StaticCredentials struct {
	Key    string
	Secret string
}

func (c StaticCredentials) APIKey() string        { return c.Key }
func (c StaticCredentials) WebhookSecret() string { return c.Secret }
