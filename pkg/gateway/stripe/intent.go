package stripe

import (
	"context"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/paywall/pkg/gateway"
)

// CreateIntent creates a Stripe PaymentIntent the client confirms with
// Stripe.js. The metadata is copied onto the intent so webhooks can be
// joined back to their transaction.
func (p *Provider) CreateIntent(ctx context.Context, req gateway.IntentRequest) (*gateway.Intent, error) {
	startTime := time.Now()

	sc, err := p.stripeClient()
	if err != nil {
		p.metrics.RecordAPICall(providerName, "/payment_intents", "unconfigured")
		return nil, err
	}

	params := p.intentParams(req)
	pi, err := sc.V1PaymentIntents.Create(ctx, params)
	p.metrics.RecordAPICallDuration(providerName, "/payment_intents", time.Since(startTime))
	if err != nil {
		p.metrics.RecordAPICall(providerName, "/payment_intents", "error")
		return nil, translateError("create payment intent", err)
	}

	p.metrics.RecordAPICall(providerName, "/payment_intents", "success")
	return &gateway.Intent{
		ProviderRef:  pi.ID,
		ClientSecret: pi.ClientSecret,
	}, nil
}

func (p *Provider) intentParams(req gateway.IntentRequest) *stripe.PaymentIntentCreateParams {
	params := &stripe.PaymentIntentCreateParams{
		Amount:   stripe.Int64(req.AmountMinor),
		Currency: stripe.String(strings.ToLower(req.Currency)),
	}
	if req.Description != "" {
		params.Description = stripe.String(req.Description)
	}
	if len(p.config.PaymentMethodTypes) > 0 {
		params.PaymentMethodTypes = stripe.StringSlice(p.config.PaymentMethodTypes)
	} else {
		params.AutomaticPaymentMethods = &stripe.PaymentIntentCreateAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		}
	}
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}
	return params
}
