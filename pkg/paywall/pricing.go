package paywall

import (
	"context"
	"strings"

	"github.com/shopspring/decimal"
)

const (
	// DefaultCurrency is used when the config provider does not name one.
	DefaultCurrency = "USD"

	// DefaultFeatureDays is the boost window used when none is configured.
	DefaultFeatureDays = 7
)

// ConfigProvider supplies the admin-configured price table. Implementations
// may change their answers at runtime; callers must not cache them.
type ConfigProvider interface {
	// Price returns the configured price for purpose and whether it is set.
	Price(purpose Purpose) (decimal.Decimal, bool)

	// Currency returns the single ISO 4217 currency used for every price.
	Currency() string

	// FeatureDays returns how many days a feature purchase boosts a listing.
	FeatureDays() int
}

// PriceContext carries request details a price could depend on. The current
// price table is flat, so it is accepted and ignored.
type PriceContext struct {
	UserID    string
	ListingID string
	MessageID string
}

// PricingResolver is the single source of truth for purchase amounts.
type PricingResolver struct {
	config ConfigProvider
}

// NewPricingResolver creates a resolver backed by config.
func NewPricingResolver(config ConfigProvider) *PricingResolver {
	return &PricingResolver{config: config}
}

// ResolvePrice returns the authoritative amount and currency for purpose.
func (r *PricingResolver) ResolvePrice(_ context.Context, purpose Purpose, _ PriceContext) (decimal.Decimal, string, error) {
	if !purpose.Valid() {
		return decimal.Zero, "", &InvalidPurposeError{Purpose: string(purpose)}
	}
	if r == nil || r.config == nil {
		return decimal.Zero, "", &ConfigurationError{Key: "pricing", Message: "no price table configured"}
	}

	amount, ok := r.config.Price(purpose)
	if !ok {
		return decimal.Zero, "", &ConfigurationError{Key: "price." + string(purpose), Message: "price is not set"}
	}
	if !amount.IsPositive() {
		return decimal.Zero, "", &ConfigurationError{Key: "price." + string(purpose), Message: "price must be positive"}
	}
	return amount, r.currency(), nil
}

// FeatureDays returns the configured boost window, falling back to DefaultFeatureDays.
func (r *PricingResolver) FeatureDays() int {
	if r == nil || r.config == nil {
		return DefaultFeatureDays
	}
	if days := r.config.FeatureDays(); days > 0 {
		return days
	}
	return DefaultFeatureDays
}

func (r *PricingResolver) currency() string {
	c := strings.ToUpper(strings.TrimSpace(r.config.Currency()))
	if c == "" {
		return DefaultCurrency
	}
	return c
}

// StaticConfig is a fixed ConfigProvider, useful for tests and embedding.
type StaticConfig struct {
	Prices            map[Purpose]decimal.Decimal
	CurrencyCode      string
	FeatureWindowDays int
}

func (c *StaticConfig) Price(purpose Purpose) (decimal.Decimal, bool) {
	p, ok := c.Prices[purpose]
	return p, ok
}

func (c *StaticConfig) Currency() string {
	return c.CurrencyCode
}

func (c *StaticConfig) FeatureDays() int {
	return c.FeatureWindowDays
}
