package paywall

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/mihaimyh/paywall/pkg/gateway"
)

// Flow selects how the client completes a payment.
type Flow string

const (
	// FlowIntent returns a client secret for in-page confirmation.
	FlowIntent Flow = "intent"
	// FlowCheckout returns a hosted checkout URL.
	FlowCheckout Flow = "checkout"
)

// PurchaseRequest is a client's request to pay for something. There is no
// amount field: prices are always resolved on the server.
type PurchaseRequest struct {
	UserID     string
	Purpose    Purpose
	ListingID  string
	MessageID  string
	Flow       Flow
	SuccessURL string
	CancelURL  string
}

// PurchaseResult is what the client needs to complete payment.
type PurchaseResult struct {
	TransactionID     string
	ClientSecret      string
	CheckoutSessionID string
	CheckoutURL       string
	Amount            decimal.Decimal
	Currency          string
	Provider          Provider
}

// Manager initiates purchases and answers entitlement queries.
type Manager struct {
	storage      Storage
	config       Config
	pricing      *PricingResolver
	entitlements *Entitlements
	breaker      CircuitBreaker
	reconciler   *Reconciler
	events       *dispatcher
	metrics      Metrics
	logger       Logger
	now          func() time.Time
}

// NewManager creates a new payment manager with the given storage and configuration
func NewManager(storage Storage, config Config) (*Manager, error) {
	if storage == nil {
		return nil, ErrStorageUnavailable
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	config = config.withDefaults()

	var cache Cache = &NoopCache{}
	var cacheTTL time.Duration
	if cc := config.CacheConfig; cc != nil && cc.Enabled {
		cache = NewLRUCache(cc.MaxEntries)
		cacheTTL = cc.TTL
		if cacheTTL == 0 {
			cacheTTL = 30 * time.Second
		}
	}

	var breaker CircuitBreaker = passthroughBreaker{}
	if cb := config.CircuitBreakerConfig; cb != nil && cb.Enabled {
		breaker = NewDefaultCircuitBreaker(cb.FailureThreshold, cb.ResetTimeout, func(state CircuitBreakerState) {
			config.Metrics.RecordCircuitBreakerStateChange(string(state))
			config.Logger.Warn("gateway circuit breaker state changed", Field{Key: "state", Value: string(state)})
		})
	}

	m := &Manager{
		storage:      storage,
		config:       config,
		pricing:      NewPricingResolver(config.Pricing),
		entitlements: newEntitlements(storage, cache, cacheTTL, config.Metrics, config.Now),
		breaker:      breaker,
		events:       newDispatcher(config.Observers, config.ObserverTimeout, config.Logger),
		metrics:      config.Metrics,
		logger:       config.Logger,
		now:          config.Now,
	}
	m.reconciler = newReconciler(m)
	return m, nil
}

// Reconciler returns the engine that applies webhook events.
func (m *Manager) Reconciler() *Reconciler {
	return m.reconciler
}

// Entitlements returns the entitlement query and grant API.
func (m *Manager) Entitlements() *Entitlements {
	return m.entitlements
}

// Pricing returns the price resolver.
func (m *Manager) Pricing() *PricingResolver {
	return m.pricing
}

// Gateway returns the configured payment gateway, or nil.
func (m *Manager) Gateway() gateway.Gateway {
	return m.config.Gateway
}

// InitiatePurchase prices the request, records a pending transaction and
// asks the gateway for an intent or checkout session. When the gateway call
// fails the transaction stays pending so a late webhook can still resolve it.
func (m *Manager) InitiatePurchase(ctx context.Context, req PurchaseRequest) (*PurchaseResult, error) {
	if err := m.validatePurchase(ctx, &req); err != nil {
		m.metrics.RecordPurchase(string(req.Purpose), "invalid")
		return nil, err
	}

	amount, currency, err := m.pricing.ResolvePrice(ctx, req.Purpose, PriceContext{
		UserID:    req.UserID,
		ListingID: req.ListingID,
		MessageID: req.MessageID,
	})
	if err != nil {
		m.metrics.RecordPurchase(string(req.Purpose), "pricing_error")
		return nil, err
	}

	gw := m.config.Gateway
	if gw == nil {
		m.metrics.RecordPurchase(string(req.Purpose), "unconfigured")
		return nil, ErrGatewayNotConfigured
	}
	minor, err := gateway.ToMinorUnits(amount, currency)
	if err != nil {
		m.metrics.RecordPurchase(string(req.Purpose), "pricing_error")
		return nil, &ConfigurationError{Key: "price." + string(req.Purpose), Message: err.Error()}
	}

	now := m.now().UTC()
	tx := &Transaction{
		ID:        uuid.NewString(),
		UserID:    req.UserID,
		ListingID: req.ListingID,
		Purpose:   req.Purpose,
		Amount:    amount,
		Currency:  currency,
		Provider:  Provider(gw.Name()),
		Status:    StatusPending,
		Meta:      Meta{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if req.MessageID != "" {
		tx.Meta[MetaMessageID] = req.MessageID
	}

	start := time.Now()
	err = m.storage.CreateTransaction(ctx, tx)
	m.metrics.RecordStorageOperation("create_transaction", time.Since(start), err)
	if err != nil {
		m.metrics.RecordPurchase(string(req.Purpose), "storage_error")
		return nil, fmt.Errorf("failed to create transaction: %w", err)
	}

	result := &PurchaseResult{
		TransactionID: tx.ID,
		Amount:        amount,
		Currency:      currency,
		Provider:      tx.Provider,
	}
	ref, err := m.callGateway(ctx, gw, tx, &req, minor, result)
	if err != nil {
		m.metrics.RecordPurchase(string(req.Purpose), "gateway_error")
		m.logger.Warn("gateway call failed; transaction left pending", txFields(tx, Field{Key: "error", Value: err.Error()})...)
		return nil, fmt.Errorf("transaction %s: %w", tx.ID, err)
	}

	if err := m.storage.AttachProviderRef(ctx, tx.ID, ref); err != nil {
		// A webhook may already have resolved the transaction through its
		// metadata; that is not a purchase failure.
		if !errors.Is(err, ErrInvalidTransition) {
			m.metrics.RecordPurchase(string(req.Purpose), "storage_error")
			return nil, fmt.Errorf("failed to attach provider reference: %w", err)
		}
		m.logger.Info("transaction resolved before provider reference was attached", txFields(tx)...)
	}

	m.metrics.RecordPurchase(string(req.Purpose), "success")
	m.logger.Info("purchase initiated", txFields(tx,
		Field{Key: "provider_ref", Value: ref},
		Field{Key: "amount", Value: amount.String()},
		Field{Key: "currency", Value: currency},
	)...)
	return result, nil
}

func (m *Manager) callGateway(ctx context.Context, gw gateway.Gateway, tx *Transaction,
	req *PurchaseRequest, minor int64, result *PurchaseResult) (string, error) {
	metadata := map[string]string{
		gateway.MetaTransactionID: tx.ID,
		gateway.MetaUserID:        tx.UserID,
		gateway.MetaPurpose:       string(tx.Purpose),
	}
	if tx.ListingID != "" {
		metadata[gateway.MetaListingID] = tx.ListingID
	}
	if req.MessageID != "" {
		metadata[gateway.MetaMessageID] = req.MessageID
	}

	callCtx, cancel := context.WithTimeout(ctx, m.config.GatewayTimeout)
	defer cancel()

	var ref string
	err := m.breaker.Execute(callCtx, func() error {
		if req.Flow == FlowCheckout {
			item := gateway.LineItem{
				Name:        describePurchase(tx),
				AmountMinor: minor,
				Currency:    tx.Currency,
				Quantity:    1,
			}
			if tx.Purpose == PurposeSubscription {
				item.Recurring = "month"
			}
			session, err := gw.CreateCheckoutSession(callCtx, gateway.CheckoutRequest{
				LineItem:       item,
				SuccessURL:     req.SuccessURL,
				CancelURL:      req.CancelURL,
				Metadata:       metadata,
				IdempotencyKey: tx.ID,
			})
			if err != nil {
				return err
			}
			ref = session.ProviderRef
			result.CheckoutSessionID = session.ProviderRef
			result.CheckoutURL = session.URL
			return nil
		}

		intent, err := gw.CreateIntent(callCtx, gateway.IntentRequest{
			AmountMinor:    minor,
			Currency:       tx.Currency,
			Description:    describePurchase(tx),
			Metadata:       metadata,
			IdempotencyKey: tx.ID,
		})
		if err != nil {
			return err
		}
		ref = intent.ProviderRef
		result.ClientSecret = intent.ClientSecret
		return nil
	})
	return ref, err
}

func (m *Manager) validatePurchase(ctx context.Context, req *PurchaseRequest) error {
	req.UserID = strings.TrimSpace(req.UserID)
	req.ListingID = strings.TrimSpace(req.ListingID)
	req.MessageID = strings.TrimSpace(req.MessageID)
	if req.Flow == "" {
		req.Flow = FlowIntent
	}

	if req.UserID == "" {
		return &ValidationError{Field: "user_id", Message: "is required"}
	}
	if !req.Purpose.Valid() {
		return &InvalidPurposeError{Purpose: string(req.Purpose)}
	}
	if req.Purpose.RequiresListing() && req.ListingID == "" {
		return &ValidationError{Field: "listing_id", Message: "is required for " + string(req.Purpose)}
	}
	if req.Purpose == PurposeMessage && req.MessageID == "" {
		return &ValidationError{Field: "message_id", Message: "is required for message"}
	}
	switch req.Flow {
	case FlowIntent:
		if req.Purpose == PurposeSubscription {
			return &ValidationError{Field: "flow", Message: "subscriptions require the checkout flow"}
		}
	case FlowCheckout:
		if req.SuccessURL == "" {
			return &ValidationError{Field: "success_url", Message: "is required for checkout"}
		}
	default:
		return &ValidationError{Field: "flow", Message: fmt.Sprintf("unknown flow %q", req.Flow)}
	}

	if dir := m.config.Accounts; dir != nil {
		ok, err := dir.UserExists(ctx, req.UserID)
		if err != nil {
			return fmt.Errorf("failed to look up user: %w", err)
		}
		if !ok {
			return &ValidationError{Field: "user_id", Message: "unknown user"}
		}
		if req.ListingID != "" {
			ok, err = dir.ListingExists(ctx, req.ListingID)
			if err != nil {
				return fmt.Errorf("failed to look up listing: %w", err)
			}
			if !ok {
				return &ValidationError{Field: "listing_id", Message: "unknown listing"}
			}
		}
	}

	switch req.Purpose {
	case PurposeRevealContact:
		has, err := m.entitlements.HasReveal(ctx, req.UserID, req.ListingID)
		if err != nil {
			return err
		}
		if has {
			return fmt.Errorf("%w: contact for listing %s already revealed", ErrAlreadyEntitled, req.ListingID)
		}
	case PurposeMessage:
		has, err := m.entitlements.HasMessage(ctx, req.UserID, req.MessageID)
		if err != nil {
			return err
		}
		if has {
			return fmt.Errorf("%w: message %s already unlocked", ErrAlreadyEntitled, req.MessageID)
		}
	}
	return nil
}

func describePurchase(tx *Transaction) string {
	switch tx.Purpose {
	case PurposeRevealContact:
		return "Reveal contact details for listing " + tx.ListingID
	case PurposeFeature:
		return "Feature listing " + tx.ListingID
	case PurposeMessage:
		return "Unlock message on listing " + tx.ListingID
	default:
		return "Subscription"
	}
}

// GetTransaction returns the transaction with the given id.
func (m *Manager) GetTransaction(ctx context.Context, id string) (*Transaction, error) {
	return m.storage.GetTransaction(ctx, id)
}

// ListTransactions returns transactions matching filter.
func (m *Manager) ListTransactions(ctx context.Context, filter TransactionFilter) ([]*Transaction, error) {
	return m.storage.ListTransactions(ctx, filter)
}

// HasReveal reports whether userID has paid to see listingID's contact details.
func (m *Manager) HasReveal(ctx context.Context, userID, listingID string) (bool, error) {
	return m.entitlements.HasReveal(ctx, userID, listingID)
}

// IsFeatured reports whether listingID is currently boosted.
func (m *Manager) IsFeatured(ctx context.Context, listingID string) (bool, error) {
	return m.entitlements.IsFeatured(ctx, listingID)
}

// HasMessage reports whether userID has unlocked messageID.
func (m *Manager) HasMessage(ctx context.Context, userID, messageID string) (bool, error) {
	return m.entitlements.HasMessage(ctx, userID, messageID)
}

// Entitled answers the gate for purpose. target is the listing id, or the
// message id for PurposeMessage; userID is ignored for PurposeFeature.
func (m *Manager) Entitled(ctx context.Context, purpose Purpose, userID, target string) (bool, error) {
	switch purpose {
	case PurposeRevealContact:
		return m.entitlements.HasReveal(ctx, userID, target)
	case PurposeFeature:
		return m.entitlements.IsFeatured(ctx, target)
	case PurposeMessage:
		return m.entitlements.HasMessage(ctx, userID, target)
	default:
		return false, &InvalidPurposeError{Purpose: string(purpose)}
	}
}

// Revoke revokes active grants matching req.
func (m *Manager) Revoke(ctx context.Context, req RevokeRequest) (int, error) {
	return m.entitlements.Revoke(ctx, req)
}

// Wait blocks until every in-flight observer delivery has returned.
func (m *Manager) Wait() {
	m.events.wait()
}
