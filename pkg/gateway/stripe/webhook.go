package stripe

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"
	"github.com/stripe/stripe-go/v83/webhook"

	"github.com/mihaimyh/paywall/pkg/gateway"
)

// VerifyWebhook checks the Stripe-Signature header and normalises the event.
// Without a webhook secret the payload is only accepted in unverified mode.
func (p *Provider) VerifyWebhook(payload []byte, sigHeader string) (*gateway.Event, error) {
	secret := strings.TrimSpace(p.config.Credentials.WebhookSecret())

	var (
		event    stripe.Event
		verified bool
	)
	switch {
	case secret != "":
		var err error
		event, err = webhook.ConstructEventWithOptions(payload, sigHeader, secret, webhook.ConstructEventOptions{
			Tolerance:                p.config.Tolerance,
			IgnoreAPIVersionMismatch: true,
		})
		if err != nil {
			p.metrics.RecordWebhookVerification(providerName, "rejected")
			return nil, &gateway.SignatureError{Reason: err.Error(), Err: err}
		}
		verified = true
	case p.config.UnverifiedAllowed():
		if err := json.Unmarshal(payload, &event); err != nil {
			p.metrics.RecordWebhookVerification(providerName, "rejected")
			return nil, fmt.Errorf("%w: %v", gateway.ErrInvalidPayload, err)
		}
	default:
		p.metrics.RecordWebhookVerification(providerName, "unconfigured")
		return nil, &gateway.UnavailableError{Provider: providerName, Reason: "webhook secret not configured"}
	}

	if event.Type == "" || event.Data == nil {
		p.metrics.RecordWebhookVerification(providerName, "rejected")
		return nil, fmt.Errorf("%w: missing type or data", gateway.ErrInvalidPayload)
	}

	out, err := normalizeEvent(&event)
	if err != nil {
		p.metrics.RecordWebhookVerification(providerName, "rejected")
		return nil, err
	}
	out.Verified = verified
	if verified {
		p.metrics.RecordWebhookVerification(providerName, "verified")
	} else {
		p.metrics.RecordWebhookVerification(providerName, "unverified")
	}
	return out, nil
}

// normalizeEvent flattens the Stripe objects the reconciler cares about into
// a gateway.Event. Other event types pass through with only their ids.
func normalizeEvent(event *stripe.Event) (*gateway.Event, error) {
	out := &gateway.Event{
		ID:       event.ID,
		Type:     string(event.Type),
		Provider: providerName,
		Object:   json.RawMessage(event.Data.Raw),
		Created:  time.Unix(event.Created, 0).UTC(),
	}

	switch out.Type {
	case gateway.EventPaymentSucceeded, gateway.EventPaymentFailed:
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
			return nil, fmt.Errorf("%w: payment intent: %v", gateway.ErrInvalidPayload, err)
		}
		out.ObjectID = pi.ID
		out.PaymentIntentID = pi.ID
		out.Metadata = pi.Metadata
		out.AmountMinor = pi.Amount
		out.Currency = strings.ToUpper(string(pi.Currency))

	case gateway.EventCheckoutCompleted:
		var cs stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &cs); err != nil {
			return nil, fmt.Errorf("%w: checkout session: %v", gateway.ErrInvalidPayload, err)
		}
		out.ObjectID = cs.ID
		if cs.PaymentIntent != nil {
			out.PaymentIntentID = cs.PaymentIntent.ID
		}
		out.Metadata = cs.Metadata
		out.AmountMinor = cs.AmountTotal
		out.Currency = strings.ToUpper(string(cs.Currency))

	case gateway.EventChargeRefunded:
		var ch stripe.Charge
		if err := json.Unmarshal(event.Data.Raw, &ch); err != nil {
			return nil, fmt.Errorf("%w: charge: %v", gateway.ErrInvalidPayload, err)
		}
		out.ObjectID = ch.ID
		if ch.PaymentIntent != nil {
			out.ObjectID = ch.PaymentIntent.ID
			out.PaymentIntentID = ch.PaymentIntent.ID
		}
		out.Metadata = ch.Metadata
		out.AmountMinor = ch.AmountRefunded
		out.Currency = strings.ToUpper(string(ch.Currency))

	default:
		var obj struct {
			ID       string            `json:"id"`
			Metadata map[string]string `json:"metadata"`
		}
		_ = json.Unmarshal(event.Data.Raw, &obj)
		out.ObjectID = obj.ID
		out.Metadata = obj.Metadata
	}
	return out, nil
}
