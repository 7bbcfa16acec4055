package paywall_test

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/paywall/pkg/gateway"
	"github.com/mihaimyh/paywall/pkg/paywall"
	"github.com/mihaimyh/paywall/storage/memory"
)

func TestNewManager(t *testing.T) {
	_, err := paywall.NewManager(nil, paywall.Config{})
	assert.ErrorIs(t, err, paywall.ErrStorageUnavailable)

	_, err = paywall.NewManager(memory.New(), paywall.Config{MaxRetryAttempts: -1})
	assert.True(t, paywall.IsConfiguration(err))

	m, err := paywall.NewManager(memory.New(), paywall.Config{})
	require.NoError(t, err)
	assert.NotNil(t, m.Reconciler())
	assert.NotNil(t, m.Entitlements())
}

func TestManager_InitiatePurchase_Intent(t *testing.T) {
	h := newHarness(t)

	res := h.purchase(t, paywall.PurchaseRequest{
		Purpose:   paywall.PurposeRevealContact,
		ListingID: testListing,
	})

	assert.NotEmpty(t, res.TransactionID)
	assert.NotEmpty(t, res.ClientSecret)
	assert.Empty(t, res.CheckoutURL)
	assert.True(t, res.Amount.Equal(decimal.RequireFromString("19.00")))
	assert.Equal(t, "USD", res.Currency)
	assert.Equal(t, paywall.ProviderManualTest, res.Provider)

	tx := h.transaction(t, res.TransactionID)
	assert.Equal(t, paywall.StatusPending, tx.Status)
	assert.True(t, tx.Amount.Equal(res.Amount))
	require.NotEmpty(t, tx.ProviderRef)

	// The processor was asked for exactly the resolved price, in minor units.
	intent, ok := h.gateway.Intent(tx.ProviderRef)
	require.True(t, ok)
	assert.Equal(t, int64(1900), intent.AmountMinor)
	assert.Equal(t, "USD", intent.Currency)
	assert.Equal(t, tx.ID, intent.Metadata[gateway.MetaTransactionID])
	assert.Equal(t, testUser, intent.Metadata[gateway.MetaUserID])
	assert.Equal(t, testListing, intent.Metadata[gateway.MetaListingID])
	assert.Equal(t, "reveal_contact", intent.Metadata[gateway.MetaPurpose])
	assert.Equal(t, tx.ID, intent.IdempotencyKey)
}

func TestManager_InitiatePurchase_Checkout(t *testing.T) {
	h := newHarness(t)

	res := h.purchase(t, paywall.PurchaseRequest{
		Purpose:    paywall.PurposeSubscription,
		Flow:       paywall.FlowCheckout,
		SuccessURL: "https://example.test/done",
		CancelURL:  "https://example.test/cancel",
	})

	assert.NotEmpty(t, res.CheckoutSessionID)
	assert.Contains(t, res.CheckoutURL, "https://example.test/done?session_id=")
	assert.Empty(t, res.ClientSecret)

	session, ok := h.gateway.Session(res.CheckoutSessionID)
	require.True(t, ok)
	assert.Equal(t, int64(2900), session.LineItem.AmountMinor)
	assert.Equal(t, "month", session.LineItem.Recurring)
	assert.Equal(t, res.TransactionID, session.Metadata[gateway.MetaTransactionID])
}

func TestManager_InitiatePurchase_Validation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	tests := []struct {
		name string
		req  paywall.PurchaseRequest
	}{
		{"missing user", paywall.PurchaseRequest{Purpose: paywall.PurposeFeature, ListingID: testListing}},
		{"unknown purpose", paywall.PurchaseRequest{UserID: testUser, Purpose: "boost", ListingID: testListing}},
		{"reveal without listing", paywall.PurchaseRequest{UserID: testUser, Purpose: paywall.PurposeRevealContact}},
		{"message without message id", paywall.PurchaseRequest{UserID: testUser, Purpose: paywall.PurposeMessage, ListingID: testListing}},
		{"subscription via intent", paywall.PurchaseRequest{UserID: testUser, Purpose: paywall.PurposeSubscription}},
		{"checkout without success url", paywall.PurchaseRequest{UserID: testUser, Purpose: paywall.PurposeFeature, ListingID: testListing, Flow: paywall.FlowCheckout}},
		{"unknown flow", paywall.PurchaseRequest{UserID: testUser, Purpose: paywall.PurposeFeature, ListingID: testListing, Flow: "redirect"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.manager.InitiatePurchase(ctx, tt.req)
			assert.True(t, paywall.IsValidation(err), "got %v", err)
		})
	}

	txs, err := h.manager.ListTransactions(ctx, paywall.TransactionFilter{})
	require.NoError(t, err)
	assert.Empty(t, txs, "rejected requests must not create transactions")
}

func TestManager_InitiatePurchase_UnsetPrice(t *testing.T) {
	h := newHarness(t, func(c *paywall.Config) {
		c.Pricing = &paywall.StaticConfig{CurrencyCode: "USD"}
	})

	_, err := h.manager.InitiatePurchase(context.Background(), paywall.PurchaseRequest{
		UserID: testUser, Purpose: paywall.PurposeFeature, ListingID: testListing,
	})
	assert.True(t, paywall.IsConfiguration(err))
}

func TestManager_InitiatePurchase_NoGateway(t *testing.T) {
	h := newHarness(t, func(c *paywall.Config) { c.Gateway = nil })

	_, err := h.manager.InitiatePurchase(context.Background(), paywall.PurchaseRequest{
		UserID: testUser, Purpose: paywall.PurposeFeature, ListingID: testListing,
	})
	assert.ErrorIs(t, err, paywall.ErrGatewayNotConfigured)
}

func TestManager_InitiatePurchase_InexactAmount(t *testing.T) {
	h := newHarness(t, func(c *paywall.Config) {
		c.Pricing = &paywall.StaticConfig{
			Prices:       map[paywall.Purpose]decimal.Decimal{paywall.PurposeFeature: decimal.RequireFromString("100.5")},
			CurrencyCode: "JPY",
		}
	})

	_, err := h.manager.InitiatePurchase(context.Background(), paywall.PurchaseRequest{
		UserID: testUser, Purpose: paywall.PurposeFeature, ListingID: testListing,
	})
	assert.True(t, paywall.IsConfiguration(err), "got %v", err)
}

func TestManager_InitiatePurchase_GatewayFailureLeavesPending(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	reqErr := &gateway.RequestError{Provider: "manual_test", Operation: "create intent", StatusCode: 402, Message: "card declined"}
	h.gateway.FailNext(reqErr)

	_, err := h.manager.InitiatePurchase(ctx, paywall.PurchaseRequest{
		UserID: testUser, Purpose: paywall.PurposeRevealContact, ListingID: testListing,
	})
	require.Error(t, err)
	assert.True(t, gateway.IsRequestError(err))

	txs, err := h.manager.ListTransactions(ctx, paywall.TransactionFilter{UserID: testUser})
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, paywall.StatusPending, txs[0].Status)
	assert.Empty(t, txs[0].ProviderRef)
}

func TestManager_InitiatePurchase_CircuitBreaker(t *testing.T) {
	h := newHarness(t, func(c *paywall.Config) {
		c.CircuitBreakerConfig = &paywall.CircuitBreakerConfig{Enabled: true, FailureThreshold: 2}
	})
	ctx := context.Background()
	req := paywall.PurchaseRequest{UserID: testUser, Purpose: paywall.PurposeFeature, ListingID: testListing}

	for i := 0; i < 2; i++ {
		h.gateway.FailNext(&gateway.UnavailableError{Provider: "manual_test", Reason: "timeout"})
		_, err := h.manager.InitiatePurchase(ctx, req)
		assert.ErrorIs(t, err, gateway.ErrGatewayUnavailable)
	}

	_, err := h.manager.InitiatePurchase(ctx, req)
	assert.ErrorIs(t, err, paywall.ErrCircuitOpen)
}

func TestManager_InitiatePurchase_AlreadyEntitled(t *testing.T) {
	h := newHarness(t)
	req := paywall.PurchaseRequest{Purpose: paywall.PurposeRevealContact, ListingID: testListing}

	res := h.purchase(t, req)
	h.deliver(t, h.succeededEvent(t, res.TransactionID))

	req.UserID = testUser
	_, err := h.manager.InitiatePurchase(context.Background(), req)
	assert.ErrorIs(t, err, paywall.ErrAlreadyEntitled)

	// Feature windows can always be extended.
	h.purchase(t, paywall.PurchaseRequest{Purpose: paywall.PurposeFeature, ListingID: testListing})
}

type directory struct{ users, listings map[string]bool }

func (d directory) UserExists(_ context.Context, id string) (bool, error) { return d.users[id], nil }
func (d directory) ListingExists(_ context.Context, id string) (bool, error) {
	if id == "broken" {
		return false, errors.New("directory down")
	}
	return d.listings[id], nil
}

func TestManager_InitiatePurchase_AccountChecks(t *testing.T) {
	h := newHarness(t, func(c *paywall.Config) {
		c.Accounts = directory{
			users:    map[string]bool{testUser: true},
			listings: map[string]bool{testListing: true},
		}
	})
	ctx := context.Background()

	_, err := h.manager.InitiatePurchase(ctx, paywall.PurchaseRequest{UserID: "ghost", Purpose: paywall.PurposeFeature, ListingID: testListing})
	assert.True(t, paywall.IsValidation(err))

	_, err = h.manager.InitiatePurchase(ctx, paywall.PurchaseRequest{UserID: testUser, Purpose: paywall.PurposeFeature, ListingID: "7"})
	assert.True(t, paywall.IsValidation(err))

	_, err = h.manager.InitiatePurchase(ctx, paywall.PurchaseRequest{UserID: testUser, Purpose: paywall.PurposeFeature, ListingID: "broken"})
	require.Error(t, err)
	assert.False(t, paywall.IsValidation(err))

	h.purchase(t, paywall.PurchaseRequest{Purpose: paywall.PurposeFeature, ListingID: testListing})
}

func TestManager_Revoke(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res := h.purchase(t, paywall.PurchaseRequest{Purpose: paywall.PurposeRevealContact, ListingID: testListing})
	h.deliver(t, h.succeededEvent(t, res.TransactionID))

	_, err := h.manager.Revoke(ctx, paywall.RevokeRequest{})
	assert.True(t, paywall.IsValidation(err))

	n, err := h.manager.Revoke(ctx, paywall.RevokeRequest{UserID: testUser, Purpose: paywall.PurposeRevealContact})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	has, err := h.manager.HasReveal(ctx, testUser, testListing)
	require.NoError(t, err)
	assert.False(t, has)
}

func TestManager_CachedLookups(t *testing.T) {
	h := newHarness(t, func(c *paywall.Config) {
		c.CacheConfig = &paywall.CacheConfig{Enabled: true, MaxEntries: 100}
	})
	ctx := context.Background()

	// A cached negative must be invalidated by the grant.
	has, err := h.manager.HasReveal(ctx, testUser, testListing)
	require.NoError(t, err)
	assert.False(t, has)

	res := h.purchase(t, paywall.PurchaseRequest{Purpose: paywall.PurposeRevealContact, ListingID: testListing})
	h.deliver(t, h.succeededEvent(t, res.TransactionID))

	has, err = h.manager.HasReveal(ctx, testUser, testListing)
	require.NoError(t, err)
	assert.True(t, has)

	_, err = h.manager.Revoke(ctx, paywall.RevokeRequest{TransactionID: res.TransactionID})
	require.NoError(t, err)
	has, err = h.manager.HasReveal(ctx, testUser, testListing)
	require.NoError(t, err)
	assert.False(t, has)
}
