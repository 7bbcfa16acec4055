package stripe

import (
	"errors"
	"strings"
	"sync"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/paywall/pkg/gateway"
)

const (
	providerName    = "stripe"
	signatureHeader = "Stripe-Signature"
)

// Config extends gateway.Config with Stripe-specific options
type Config struct {
	gateway.Config // Base config (Credentials, AllowUnverified, etc.)

	// BaseURL overrides the Stripe API endpoint (e.g. stripe-mock or a test server).
	BaseURL string

	// ProductName labels checkout line items when the request leaves it empty.
	ProductName string

	// PaymentMethodTypes restricts intents to the listed methods.
	// If empty, automatic payment methods are enabled.
	PaymentMethodTypes []string
}

// Provider implements gateway.Gateway for Stripe
type Provider struct {
	config  Config
	metrics gateway.Metrics

	mu        sync.Mutex
	clientKey string
	client    *stripe.Client
}

// NewProvider creates a new Stripe gateway. Credentials may be empty at
// construction time; calls fail with gateway.ErrGatewayUnavailable until
// they are configured.
func NewProvider(config Config) (*Provider, error) {
	config.Config = config.Config.WithDefaults()
	if config.ProductName == "" {
		config.ProductName = "Marketplace purchase"
	}
	return &Provider{
		config:  config,
		metrics: config.Metrics,
	}, nil
}

// Name returns the provider name
func (p *Provider) Name() string {
	return providerName
}

// SignatureHeader returns the header Stripe signs webhooks with
func (p *Provider) SignatureHeader() string {
	return signatureHeader
}

// stripeClient returns a client for the current API key, rebuilding it when
// the key rotates.
func (p *Provider) stripeClient() (*stripe.Client, error) {
	apiKey := strings.TrimSpace(p.config.Credentials.APIKey())
	if apiKey == "" {
		return nil, &gateway.UnavailableError{Provider: providerName, Reason: "api key not configured"}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client != nil && p.clientKey == apiKey {
		return p.client, nil
	}

	var backends *stripe.Backends
	if p.config.BaseURL != "" {
		backends = stripe.NewBackendsWithConfig(&stripe.BackendConfig{
			URL:        stripe.String(p.config.BaseURL),
			HTTPClient: p.config.HTTPClient,
		})
	} else {
		backends = stripe.NewBackends(p.config.HTTPClient)
	}
	p.client = stripe.NewClient(apiKey, stripe.WithBackends(backends))
	p.clientKey = apiKey
	return p.client, nil
}

// translateError maps stripe-go errors onto the gateway taxonomy.
func translateError(operation string, err error) error {
	var serr *stripe.Error
	if errors.As(err, &serr) {
		if serr.HTTPStatusCode == 0 || serr.HTTPStatusCode >= 500 {
			return &gateway.UnavailableError{Provider: providerName, Reason: operation, Err: err}
		}
		return &gateway.RequestError{
			Provider:   providerName,
			Operation:  operation,
			StatusCode: serr.HTTPStatusCode,
			Code:       string(serr.Code),
			Message:    serr.Msg,
			Err:        err,
		}
	}
	return &gateway.UnavailableError{Provider: providerName, Reason: operation, Err: err}
}

var _ gateway.Gateway = (*Provider)(nil)
