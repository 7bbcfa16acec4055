package stripe

import (
	"context"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/paywall/pkg/gateway"
)

// CreateCheckoutSession creates a Stripe Checkout Session for the line item.
// One-time items use payment mode; recurring items use subscription mode.
func (p *Provider) CreateCheckoutSession(ctx context.Context, req gateway.CheckoutRequest) (*gateway.CheckoutSession, error) {
	startTime := time.Now()

	sc, err := p.stripeClient()
	if err != nil {
		p.metrics.RecordAPICall(providerName, "/checkout/sessions", "unconfigured")
		return nil, err
	}

	params := p.checkoutParams(req)
	session, err := sc.V1CheckoutSessions.Create(ctx, params)
	p.metrics.RecordAPICallDuration(providerName, "/checkout/sessions", time.Since(startTime))
	if err != nil {
		p.metrics.RecordAPICall(providerName, "/checkout/sessions", "error")
		return nil, translateError("create checkout session", err)
	}

	p.metrics.RecordAPICall(providerName, "/checkout/sessions", "success")
	return &gateway.CheckoutSession{
		ProviderRef: session.ID,
		URL:         session.URL,
	}, nil
}

func (p *Provider) checkoutParams(req gateway.CheckoutRequest) *stripe.CheckoutSessionCreateParams {
	name := req.LineItem.Name
	if name == "" {
		name = p.config.ProductName
	}
	quantity := req.LineItem.Quantity
	if quantity <= 0 {
		quantity = 1
	}

	priceData := &stripe.CheckoutSessionCreateLineItemPriceDataParams{
		Currency: stripe.String(strings.ToLower(req.LineItem.Currency)),
		ProductData: &stripe.CheckoutSessionCreateLineItemPriceDataProductDataParams{
			Name: stripe.String(name),
		},
		UnitAmount: stripe.Int64(req.LineItem.AmountMinor),
	}

	params := &stripe.CheckoutSessionCreateParams{
		Mode: stripe.String(string(stripe.CheckoutSessionModePayment)),
		LineItems: []*stripe.CheckoutSessionCreateLineItemParams{
			{
				PriceData: priceData,
				Quantity:  stripe.Int64(quantity),
			},
		},
		SuccessURL: stripe.String(req.SuccessURL),
	}
	if req.CancelURL != "" {
		params.CancelURL = stripe.String(req.CancelURL)
	}
	if txID := req.Metadata[gateway.MetaTransactionID]; txID != "" {
		params.ClientReferenceID = stripe.String(txID)
	}

	// Metadata goes on the session and on the object Stripe creates from it,
	// so payment_intent.* and invoice events carry it too.
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}
	if req.LineItem.Recurring != "" {
		params.Mode = stripe.String(string(stripe.CheckoutSessionModeSubscription))
		priceData.Recurring = &stripe.CheckoutSessionCreateLineItemPriceDataRecurringParams{
			Interval: stripe.String(req.LineItem.Recurring),
		}
		params.SubscriptionData = &stripe.CheckoutSessionCreateSubscriptionDataParams{}
		for k, v := range req.Metadata {
			params.SubscriptionData.AddMetadata(k, v)
		}
	} else {
		params.PaymentIntentData = &stripe.CheckoutSessionCreatePaymentIntentDataParams{}
		for k, v := range req.Metadata {
			params.PaymentIntentData.AddMetadata(k, v)
		}
	}

	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}
	return params
}
