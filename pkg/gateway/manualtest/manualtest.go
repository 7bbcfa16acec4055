// Package manualtest is a local payment gateway for development and tests.
// It never calls the network: intents and sessions get generated ids, and
// webhooks are signed and checked with the Stripe webhook scheme so the full
// verification path is exercised.
package manualtest

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v83/webhook"

	"github.com/mihaimyh/paywall/pkg/gateway"
)

const (
	// ProviderName is stored on transactions created through this gateway.
	ProviderName = "manual_test"

	// HeaderSignature carries the webhook signature.
	HeaderSignature = "X-Manual-Test-Signature"
)

// Gateway implements gateway.Gateway without a remote processor.
type Gateway struct {
	config gateway.Config

	mu       sync.Mutex
	intents  map[string]gateway.IntentRequest
	sessions map[string]gateway.CheckoutRequest
	failNext error
}

// New creates a manual test gateway.
func New(config gateway.Config) *Gateway {
	return &Gateway{
		config:   config.WithDefaults(),
		intents:  make(map[string]gateway.IntentRequest),
		sessions: make(map[string]gateway.CheckoutRequest),
	}
}

func (g *Gateway) Name() string            { return ProviderName }
func (g *Gateway) SignatureHeader() string { return HeaderSignature }

// FailNext makes the next Create call return err.
func (g *Gateway) FailNext(err error) {
	g.mu.Lock()
	g.failNext = err
	g.mu.Unlock()
}

func (g *Gateway) takeFailure() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	err := g.failNext
	g.failNext = nil
	return err
}

// CreateIntent records the request and returns a generated intent.
func (g *Gateway) CreateIntent(ctx context.Context, req gateway.IntentRequest) (*gateway.Intent, error) {
	if err := ctx.Err(); err != nil {
		return nil, &gateway.UnavailableError{Provider: ProviderName, Reason: "create intent", Err: err}
	}
	if err := g.takeFailure(); err != nil {
		g.config.Metrics.RecordAPICall(ProviderName, "/intents", "error")
		return nil, err
	}

	ref := "mt_pi_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	g.mu.Lock()
	g.intents[ref] = req
	g.mu.Unlock()

	g.config.Metrics.RecordAPICall(ProviderName, "/intents", "success")
	return &gateway.Intent{
		ProviderRef:  ref,
		ClientSecret: ref + "_secret_" + uuid.NewString()[:8],
	}, nil
}

// CreateCheckoutSession records the request and returns a session whose URL
// is the success URL with the session id appended.
func (g *Gateway) CreateCheckoutSession(ctx context.Context, req gateway.CheckoutRequest) (*gateway.CheckoutSession, error) {
	if err := ctx.Err(); err != nil {
		return nil, &gateway.UnavailableError{Provider: ProviderName, Reason: "create checkout session", Err: err}
	}
	if err := g.takeFailure(); err != nil {
		g.config.Metrics.RecordAPICall(ProviderName, "/checkout", "error")
		return nil, err
	}

	ref := "mt_cs_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	g.mu.Lock()
	g.sessions[ref] = req
	g.mu.Unlock()

	sep := "?"
	if strings.Contains(req.SuccessURL, "?") {
		sep = "&"
	}
	g.config.Metrics.RecordAPICall(ProviderName, "/checkout", "success")
	return &gateway.CheckoutSession{
		ProviderRef: ref,
		URL:         req.SuccessURL + sep + "session_id=" + ref,
	}, nil
}

// Intent returns the request recorded for an intent id.
func (g *Gateway) Intent(ref string) (gateway.IntentRequest, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	req, ok := g.intents[ref]
	return req, ok
}

// Session returns the request recorded for a checkout session id.
func (g *Gateway) Session(ref string) (gateway.CheckoutRequest, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	req, ok := g.sessions[ref]
	return req, ok
}

// Payload is the JSON body of a manual test webhook.
type Payload struct {
	ID              string            `json:"id"`
	Type            string            `json:"type"`
	ObjectID        string            `json:"object_id"`
	PaymentIntentID string            `json:"payment_intent_id,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	AmountMinor     int64             `json:"amount"`
	Currency        string            `json:"currency"`
	Created         int64             `json:"created"`
}

// VerifyWebhook checks the signature header and decodes a Payload.
func (g *Gateway) VerifyWebhook(payload []byte, sigHeader string) (*gateway.Event, error) {
	secret := g.config.Credentials.WebhookSecret()
	verified := false
	switch {
	case secret != "":
		if err := webhook.ValidatePayloadWithTolerance(payload, sigHeader, secret, g.config.Tolerance); err != nil {
			g.config.Metrics.RecordWebhookVerification(ProviderName, "rejected")
			return nil, &gateway.SignatureError{Reason: err.Error(), Err: err}
		}
		verified = true
	case !g.config.UnverifiedAllowed():
		g.config.Metrics.RecordWebhookVerification(ProviderName, "unconfigured")
		return nil, &gateway.UnavailableError{Provider: ProviderName, Reason: "webhook secret not configured"}
	}

	var p Payload
	if err := json.Unmarshal(payload, &p); err != nil {
		g.config.Metrics.RecordWebhookVerification(ProviderName, "rejected")
		return nil, fmt.Errorf("%w: %v", gateway.ErrInvalidPayload, err)
	}
	if p.Type == "" || p.ObjectID == "" {
		g.config.Metrics.RecordWebhookVerification(ProviderName, "rejected")
		return nil, fmt.Errorf("%w: type and object_id are required", gateway.ErrInvalidPayload)
	}
	if verified {
		g.config.Metrics.RecordWebhookVerification(ProviderName, "verified")
	} else {
		g.config.Metrics.RecordWebhookVerification(ProviderName, "unverified")
	}

	created := time.Unix(p.Created, 0).UTC()
	if p.Created == 0 {
		created = g.config.Now().UTC()
	}
	return &gateway.Event{
		ID:              p.ID,
		Type:            p.Type,
		Provider:        ProviderName,
		ObjectID:        p.ObjectID,
		PaymentIntentID: p.PaymentIntentID,
		Metadata:        p.Metadata,
		AmountMinor:     p.AmountMinor,
		Currency:        strings.ToUpper(p.Currency),
		Object:          json.RawMessage(payload),
		Created:         created,
		Verified:        verified,
	}, nil
}

// Sign encodes p and returns the body with its signature header value.
func Sign(p Payload, secret string, ts time.Time) ([]byte, string, error) {
	if p.ID == "" {
		p.ID = "evt_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	}
	if p.Created == 0 {
		p.Created = ts.Unix()
	}
	body, err := json.Marshal(p)
	if err != nil {
		return nil, "", err
	}
	return body, SignBody(body, secret, ts), nil
}

// SignBody returns the signature header value for an already encoded body.
func SignBody(body []byte, secret string, ts time.Time) string {
	return webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   body,
		Secret:    secret,
		Timestamp: ts,
	}).Header
}

var _ gateway.Gateway = (*Gateway)(nil)
