package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/paywall/pkg/gateway"
	"github.com/mihaimyh/paywall/pkg/gateway/manualtest"
	"github.com/mihaimyh/paywall/pkg/internal"
	"github.com/mihaimyh/paywall/pkg/paywall"
	"github.com/mihaimyh/paywall/storage/memory"
)

const (
	testUserID    = "user123"
	testOtherUser = "user456"
	testListing   = "listing-7"
	testSecret    = "whsec_test"
	testAdminKey  = "admin-token"
	userHeader    = "X-User-ID"
	adminHeader   = "X-Admin-Token"
)

type testEnv struct {
	handler *Handler
	routes  http.Handler
	manager *paywall.Manager
	storage *memory.Storage
	gateway *manualtest.Gateway

	mu     sync.Mutex
	events []paywall.DomainEventType
}

func newTestEnv(t *testing.T, secret string, mutate ...func(*Config)) *testEnv {
	t.Helper()
	env := &testEnv{
		storage: memory.New(),
		gateway: manualtest.New(gateway.Config{
			Credentials: gateway.StaticCredentials{Secret: secret},
		}),
	}

	cfg := paywall.DefaultConfig()
	cfg.Gateway = env.gateway
	cfg.Pricing = &paywall.StaticConfig{
		Prices: map[paywall.Purpose]decimal.Decimal{
			paywall.PurposeRevealContact: decimal.RequireFromString("19.00"),
			paywall.PurposeFeature:       decimal.RequireFromString("9.99"),
		},
		CurrencyCode:      "USD",
		FeatureWindowDays: 7,
	}
	cfg.Observers = []paywall.Observer{paywall.ObserverFunc(func(_ context.Context, ev paywall.DomainEvent) {
		env.mu.Lock()
		env.events = append(env.events, ev.Type)
		env.mu.Unlock()
	})}
	manager, err := paywall.NewManager(env.storage, cfg)
	require.NoError(t, err)
	env.manager = manager

	apiCfg := Config{
		Manager:   manager,
		GetUserID: FromHeader(userHeader),
		IsAdmin:   AdminFromHeader(adminHeader, testAdminKey),
		RateLimit: -1,
	}
	for _, m := range mutate {
		m(&apiCfg)
	}
	env.handler, err = NewHandler(apiCfg)
	require.NoError(t, err)
	env.routes = env.handler.Routes()
	return env
}

func (e *testEnv) do(method, path, user string, body []byte, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	for k, v := range header {
		req.Header[k] = v
	}
	if user != "" {
		req.Header.Set(userHeader, user)
	}
	rr := httptest.NewRecorder()
	e.routes.ServeHTTP(rr, req)
	return rr
}

func (e *testEnv) purchase(t *testing.T, body string) PurchaseResponse {
	t.Helper()
	rr := e.do(http.MethodPost, "/purchases", testUserID, []byte(body), nil)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	var resp PurchaseResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	return resp
}

func (e *testEnv) eventTypes() []paywall.DomainEventType {
	e.manager.Wait()
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]paywall.DomainEventType(nil), e.events...)
}

func (e *testEnv) signedWebhook(t *testing.T, txID, secret string) *httptest.ResponseRecorder {
	t.Helper()
	return e.signedEvent(t, txID, gateway.EventPaymentSucceeded, secret)
}

func (e *testEnv) signedEvent(t *testing.T, txID, eventType, secret string) *httptest.ResponseRecorder {
	t.Helper()
	tx, err := e.storage.GetTransaction(context.Background(), txID)
	require.NoError(t, err)
	body, sig, err := manualtest.Sign(manualtest.Payload{
		Type:     eventType,
		ObjectID: tx.ProviderRef,
		Metadata: map[string]string{
			gateway.MetaTransactionID: tx.ID,
			gateway.MetaUserID:        tx.UserID,
			gateway.MetaListingID:     tx.ListingID,
			gateway.MetaPurpose:       string(tx.Purpose),
		},
		AmountMinor: 1900,
		Currency:    "usd",
	}, secret, time.Now())
	require.NoError(t, err)
	return e.do(http.MethodPost, "/webhooks/"+manualtest.ProviderName, "", body,
		http.Header{manualtest.HeaderSignature: []string{sig}})
}

func decodeError(t *testing.T, rr *httptest.ResponseRecorder) internal.ErrorBody {
	t.Helper()
	var body internal.ErrorBody
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	return body
}

func TestNewHandler_Validation(t *testing.T) {
	_, err := NewHandler(Config{GetUserID: FromHeader(userHeader)})
	assert.Error(t, err)

	env := newTestEnv(t, testSecret)
	_, err = NewHandler(Config{Manager: env.manager})
	assert.Error(t, err)

	_, err = NewHandler(Config{
		Manager:   env.manager,
		GetUserID: FromHeader(userHeader),
		Gateways:  map[string]gateway.Gateway{"stripe": nil},
	})
	assert.Error(t, err)
}

func TestPurchase_IntentFlowIgnoresClientAmount(t *testing.T) {
	env := newTestEnv(t, testSecret)

	resp := env.purchase(t, `{"purpose":"reveal_contact","listing_id":"`+testListing+`","amount":"0.01"}`)
	assert.NotEmpty(t, resp.TransactionID)
	assert.NotEmpty(t, resp.ClientSecret)
	assert.Empty(t, resp.CheckoutURL)
	assert.Equal(t, "19.00", resp.Amount)
	assert.Equal(t, "USD", resp.Currency)
	assert.Equal(t, manualtest.ProviderName, resp.Provider)

	tx, err := env.storage.GetTransaction(context.Background(), resp.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, paywall.StatusPending, tx.Status)
	assert.True(t, tx.Amount.Equal(decimal.NewFromInt(19)))

	intent, ok := env.gateway.Intent(tx.ProviderRef)
	require.True(t, ok)
	assert.Equal(t, int64(1900), intent.AmountMinor)
}

func TestPurchase_CheckoutFlow(t *testing.T) {
	env := newTestEnv(t, testSecret)

	resp := env.purchase(t, `{"purpose":"feature","listing_id":"`+testListing+`","flow":"checkout","success_url":"https://example.test/done"}`)
	assert.NotEmpty(t, resp.CheckoutSessionID)
	assert.True(t, strings.HasPrefix(resp.CheckoutURL, "https://example.test/done?session_id="))
	assert.Empty(t, resp.ClientSecret)
	assert.Equal(t, "9.99", resp.Amount)
}

func TestPurchase_Errors(t *testing.T) {
	tests := []struct {
		name      string
		user      string
		body      string
		setup     func(*testEnv)
		wantCode  int
		wantKind  string
		wantField string
	}{
		{name: "no user", body: `{"purpose":"feature","listing_id":"x"}`, wantCode: http.StatusUnauthorized, wantKind: "unauthorized"},
		{name: "malformed json", user: testUserID, body: `{`, wantCode: http.StatusBadRequest, wantKind: "invalid_request"},
		{name: "empty body", user: testUserID, body: ``, wantCode: http.StatusBadRequest, wantKind: "invalid_request"},
		{name: "unknown purpose", user: testUserID, body: `{"purpose":"donation"}`, wantCode: http.StatusBadRequest, wantKind: "invalid_request"},
		{name: "missing listing", user: testUserID, body: `{"purpose":"reveal_contact"}`, wantCode: http.StatusBadRequest, wantKind: "invalid_request", wantField: "listing_id"},
		{name: "price unset", user: testUserID, body: `{"purpose":"message","listing_id":"x","message_id":"m1"}`, wantCode: http.StatusServiceUnavailable, wantKind: "not_configured"},
		{
			name: "gateway rejected", user: testUserID, body: `{"purpose":"feature","listing_id":"x"}`,
			setup: func(e *testEnv) {
				e.gateway.FailNext(&gateway.RequestError{Provider: manualtest.ProviderName, Operation: "create intent", Message: "card declined"})
			},
			wantCode: http.StatusBadGateway, wantKind: "gateway_rejected",
		},
		{
			name: "gateway unavailable", user: testUserID, body: `{"purpose":"feature","listing_id":"x"}`,
			setup: func(e *testEnv) {
				e.gateway.FailNext(&gateway.UnavailableError{Provider: manualtest.ProviderName, Reason: "api key not configured"})
			},
			wantCode: http.StatusServiceUnavailable, wantKind: "gateway_unavailable",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, testSecret)
			if tt.setup != nil {
				tt.setup(env)
			}
			rr := env.do(http.MethodPost, "/purchases", tt.user, []byte(tt.body), nil)
			require.Equal(t, tt.wantCode, rr.Code, rr.Body.String())
			body := decodeError(t, rr)
			assert.Equal(t, tt.wantKind, body.Error)
			assert.Equal(t, tt.wantField, body.Field)
		})
	}
}

func TestPurchase_GatewayFailureLeavesPending(t *testing.T) {
	env := newTestEnv(t, testSecret)
	env.gateway.FailNext(&gateway.RequestError{Provider: manualtest.ProviderName, Message: "declined"})

	rr := env.do(http.MethodPost, "/purchases", testUserID, []byte(`{"purpose":"feature","listing_id":"x"}`), nil)
	require.Equal(t, http.StatusBadGateway, rr.Code)

	txs, err := env.manager.ListTransactions(context.Background(), paywall.TransactionFilter{UserID: testUserID})
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, paywall.StatusPending, txs[0].Status)
}

func TestPurchase_AlreadyEntitled(t *testing.T) {
	env := newTestEnv(t, testSecret)
	body := `{"purpose":"reveal_contact","listing_id":"` + testListing + `"}`

	resp := env.purchase(t, body)
	require.Equal(t, http.StatusOK, env.signedWebhook(t, resp.TransactionID, testSecret).Code)

	rr := env.do(http.MethodPost, "/purchases", testUserID, []byte(body), nil)
	assert.Equal(t, http.StatusConflict, rr.Code)
	assert.Equal(t, "already_entitled", decodeError(t, rr).Error)
}

func TestPurchase_CustomOnError(t *testing.T) {
	var got error
	env := newTestEnv(t, testSecret, func(c *Config) {
		c.OnError = func(w http.ResponseWriter, _ *http.Request, err error) {
			got = err
			w.WriteHeader(http.StatusTeapot)
		}
	})

	rr := env.do(http.MethodPost, "/purchases", "", []byte(`{}`), nil)
	assert.Equal(t, http.StatusTeapot, rr.Code)
	assert.Error(t, got)
}

func TestWebhook_SucceededGrantsReveal(t *testing.T) {
	env := newTestEnv(t, testSecret)
	resp := env.purchase(t, `{"purpose":"reveal_contact","listing_id":"`+testListing+`"}`)

	rr := env.signedWebhook(t, resp.TransactionID, testSecret)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.JSONEq(t, `{"received":true}`, rr.Body.String())
	assert.Equal(t, "no-store", rr.Header().Get("Cache-Control"))

	tx, err := env.storage.GetTransaction(context.Background(), resp.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, paywall.StatusSucceeded, tx.Status)

	has, err := env.manager.HasReveal(context.Background(), testUserID, testListing)
	require.NoError(t, err)
	assert.True(t, has)
}

func TestWebhook_DuplicateDeliveryIsAcknowledged(t *testing.T) {
	env := newTestEnv(t, testSecret)
	resp := env.purchase(t, `{"purpose":"reveal_contact","listing_id":"`+testListing+`"}`)

	for i := 0; i < 3; i++ {
		rr := env.signedWebhook(t, resp.TransactionID, testSecret)
		require.Equal(t, http.StatusOK, rr.Code)
	}

	grant, err := env.storage.GetGrant(context.Background(),
		paywall.GrantKey(paywall.PurposeRevealContact, testUserID, testListing, "", resp.TransactionID))
	require.NoError(t, err)
	assert.Equal(t, resp.TransactionID, grant.TransactionID)
}

func TestWebhook_LateFailureAfterSuccessIsIgnored(t *testing.T) {
	env := newTestEnv(t, testSecret)
	ctx := context.Background()
	resp := env.purchase(t, `{"purpose":"reveal_contact","listing_id":"`+testListing+`"}`)

	rr := env.signedWebhook(t, resp.TransactionID, testSecret)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	before, err := env.storage.GetTransaction(ctx, resp.TransactionID)
	require.NoError(t, err)
	key := paywall.GrantKey(paywall.PurposeRevealContact, testUserID, testListing, "", resp.TransactionID)
	grantBefore, err := env.storage.GetGrant(ctx, key)
	require.NoError(t, err)

	rr = env.signedEvent(t, resp.TransactionID, gateway.EventPaymentFailed, testSecret)
	require.Equal(t, http.StatusOK, rr.Code, "a stale event is still acknowledged")

	after, err := env.storage.GetTransaction(ctx, resp.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, paywall.StatusSucceeded, after.Status)
	assert.True(t, before.UpdatedAt.Equal(after.UpdatedAt))

	grantAfter, err := env.storage.GetGrant(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, grantBefore, grantAfter)

	has, err := env.manager.HasReveal(ctx, testUserID, testListing)
	require.NoError(t, err)
	assert.True(t, has)
	assert.Equal(t, []paywall.DomainEventType{paywall.EventPaymentSucceeded}, env.eventTypes())

	status := env.do(http.MethodGet, "/transactions/"+resp.TransactionID, testUserID, nil, nil)
	require.Equal(t, http.StatusOK, status.Code)
	var body TransactionResponse
	require.NoError(t, json.Unmarshal(status.Body.Bytes(), &body))
	assert.Equal(t, string(paywall.StatusSucceeded), body.Status)
}

func TestWebhook_BadSignatureNeverMutates(t *testing.T) {
	env := newTestEnv(t, testSecret)
	resp := env.purchase(t, `{"purpose":"reveal_contact","listing_id":"`+testListing+`"}`)

	rr := env.signedWebhook(t, resp.TransactionID, "whsec_wrong")
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "invalid_signature", decodeError(t, rr).Error)

	tx, err := env.storage.GetTransaction(context.Background(), resp.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, paywall.StatusPending, tx.Status)

	has, err := env.manager.HasReveal(context.Background(), testUserID, testListing)
	require.NoError(t, err)
	assert.False(t, has)
}

func TestWebhook_TamperedBody(t *testing.T) {
	env := newTestEnv(t, testSecret)
	body, sig, err := manualtest.Sign(manualtest.Payload{
		Type:     gateway.EventPaymentSucceeded,
		ObjectID: "mt_pi_1",
	}, testSecret, time.Now())
	require.NoError(t, err)
	tampered := bytes.Replace(body, []byte("mt_pi_1"), []byte("mt_pi_2"), 1)

	rr := env.do(http.MethodPost, "/webhooks/"+manualtest.ProviderName, "", tampered,
		http.Header{manualtest.HeaderSignature: []string{sig}})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestWebhook_MissingSignature(t *testing.T) {
	env := newTestEnv(t, testSecret)
	rr := env.do(http.MethodPost, "/webhooks/"+manualtest.ProviderName, "",
		[]byte(`{"type":"payment_intent.succeeded","object_id":"mt_pi_1"}`), nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestWebhook_InvalidPayload(t *testing.T) {
	env := newTestEnv(t, testSecret)
	body := []byte(`not json`)
	sig := manualtest.SignBody(body, testSecret, time.Now())

	rr := env.do(http.MethodPost, "/webhooks/"+manualtest.ProviderName, "", body,
		http.Header{manualtest.HeaderSignature: []string{sig}})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "invalid_payload", decodeError(t, rr).Error)
}

func TestWebhook_NoSecretConfigured(t *testing.T) {
	env := newTestEnv(t, "")
	rr := env.do(http.MethodPost, "/webhooks/"+manualtest.ProviderName, "",
		[]byte(`{"type":"payment_intent.succeeded","object_id":"mt_pi_1"}`), nil)
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestWebhook_UnknownProvider(t *testing.T) {
	env := newTestEnv(t, testSecret)
	rr := env.do(http.MethodPost, "/webhooks/paypal", "", []byte(`{}`), nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestWebhook_PayloadTooLarge(t *testing.T) {
	env := newTestEnv(t, testSecret, func(c *Config) { c.MaxBodyBytes = 64 })
	rr := env.do(http.MethodPost, "/webhooks/"+manualtest.ProviderName, "",
		bytes.Repeat([]byte("a"), 65), nil)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rr.Code)
}

func TestWebhook_MethodNotAllowed(t *testing.T) {
	env := newTestEnv(t, testSecret)

	rr := env.do(http.MethodGet, "/webhooks/"+manualtest.ProviderName, "", nil, nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)

	// Direct use without the mux still rejects other methods.
	direct := httptest.NewRecorder()
	env.handler.WebhookHandler(manualtest.ProviderName).ServeHTTP(direct,
		httptest.NewRequest(http.MethodPut, "/hook", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, direct.Code)
}

func TestWebhook_RateLimited(t *testing.T) {
	env := newTestEnv(t, testSecret, func(c *Config) {
		c.WebhookRateLimit = 2
		c.RateLimitWindow = time.Minute
	})

	var last *httptest.ResponseRecorder
	for i := 0; i < 3; i++ {
		last = env.do(http.MethodPost, "/webhooks/"+manualtest.ProviderName, "", []byte(`{}`), nil)
	}
	assert.Equal(t, http.StatusTooManyRequests, last.Code)
	assert.Equal(t, "60", last.Header().Get("Retry-After"))
}

func TestWebhook_PurchaseLimitDoesNotApply(t *testing.T) {
	env := newTestEnv(t, testSecret, func(c *Config) {
		c.RateLimit = 2
		c.RateLimitWindow = time.Minute
	})

	for i := 0; i < 5; i++ {
		rr := env.do(http.MethodPost, "/webhooks/"+manualtest.ProviderName, "", []byte(`{}`), nil)
		assert.NotEqual(t, http.StatusTooManyRequests, rr.Code, "delivery %d", i)

		direct := httptest.NewRecorder()
		env.handler.WebhookHandler(manualtest.ProviderName).ServeHTTP(direct,
			httptest.NewRequest(http.MethodPost, "/hook", bytes.NewReader([]byte(`{}`))))
		assert.NotEqual(t, http.StatusTooManyRequests, direct.Code, "direct delivery %d", i)
	}

	// Purchases from the same address are still limited.
	var last *httptest.ResponseRecorder
	for i := 0; i < 3; i++ {
		last = env.do(http.MethodPost, "/purchases", testUserID,
			[]byte(`{"purpose":"feature","listing_id":"`+testListing+`"}`), nil)
	}
	assert.Equal(t, http.StatusTooManyRequests, last.Code)
}

func TestWebhookHandler_FixedProvider(t *testing.T) {
	env := newTestEnv(t, testSecret)
	resp := env.purchase(t, `{"purpose":"feature","listing_id":"`+testListing+`"}`)
	tx, err := env.storage.GetTransaction(context.Background(), resp.TransactionID)
	require.NoError(t, err)

	body, sig, err := manualtest.Sign(manualtest.Payload{
		Type:     gateway.EventPaymentSucceeded,
		ObjectID: tx.ProviderRef,
	}, testSecret, time.Now())
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/hooks/manual", bytes.NewReader(body))
	req.Header.Set(manualtest.HeaderSignature, sig)
	rr := httptest.NewRecorder()
	env.handler.WebhookHandler(manualtest.ProviderName).ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)

	featured, err := env.manager.IsFeatured(context.Background(), testListing)
	require.NoError(t, err)
	assert.True(t, featured)
}

func TestTriggerSuccess(t *testing.T) {
	env := newTestEnv(t, testSecret)
	resp := env.purchase(t, `{"purpose":"reveal_contact","listing_id":"`+testListing+`"}`)
	path := "/admin/transactions/" + resp.TransactionID + "/trigger-success"
	admin := http.Header{adminHeader: []string{testAdminKey}}

	rr := env.do(http.MethodPost, path, testUserID, nil, nil)
	assert.Equal(t, http.StatusForbidden, rr.Code)

	rr = env.do(http.MethodPost, path, "", nil, http.Header{adminHeader: []string{"guess"}})
	assert.Equal(t, http.StatusForbidden, rr.Code)

	rr = env.do(http.MethodPost, path, "", nil, admin)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var tx TransactionResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &tx))
	assert.Equal(t, string(paywall.StatusSucceeded), tx.Status)

	has, err := env.manager.HasReveal(context.Background(), testUserID, testListing)
	require.NoError(t, err)
	assert.True(t, has)

	rr = env.do(http.MethodPost, path, "", nil, admin)
	assert.Equal(t, http.StatusConflict, rr.Code)

	rr = env.do(http.MethodPost, "/admin/transactions/missing/trigger-success", "", nil, admin)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestTriggerSuccess_NoAdminPredicate(t *testing.T) {
	env := newTestEnv(t, testSecret, func(c *Config) { c.IsAdmin = nil })
	rr := env.do(http.MethodPost, "/admin/transactions/any/trigger-success", "", nil,
		http.Header{adminHeader: []string{testAdminKey}})
	assert.Equal(t, http.StatusForbidden, rr.Code)
}

func TestTransactionStatus(t *testing.T) {
	env := newTestEnv(t, testSecret)
	resp := env.purchase(t, `{"purpose":"reveal_contact","listing_id":"`+testListing+`"}`)
	path := "/transactions/" + resp.TransactionID

	rr := env.do(http.MethodGet, path, testUserID, nil, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var tx TransactionResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &tx))
	assert.Equal(t, resp.TransactionID, tx.ID)
	assert.Equal(t, string(paywall.StatusPending), tx.Status)
	assert.Equal(t, "19.00", tx.Amount)
	assert.Equal(t, testListing, tx.ListingID)

	rr = env.do(http.MethodGet, path, testOtherUser, nil, nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = env.do(http.MethodGet, "/transactions/missing", testUserID, nil, nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = env.do(http.MethodGet, path, "", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestFromContext(t *testing.T) {
	type ctxKey struct{}
	get := FromContext(ctxKey{})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.Empty(t, get(req))

	req = req.WithContext(context.WithValue(req.Context(), ctxKey{}, "u1"))
	assert.Equal(t, "u1", get(req))
}

func TestFormatAmount(t *testing.T) {
	assert.Equal(t, "19.00", formatAmount(decimal.NewFromInt(19), "USD"))
	assert.Equal(t, "500", formatAmount(decimal.NewFromInt(500), "JPY"))
	assert.Equal(t, "1.500", formatAmount(decimal.RequireFromString("1.5"), "KWD"))
	assert.Equal(t, "3", formatAmount(decimal.NewFromInt(3), "??"))
}
