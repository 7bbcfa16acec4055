package paywall_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/paywall/pkg/gateway"
	"github.com/mihaimyh/paywall/pkg/gateway/manualtest"
	"github.com/mihaimyh/paywall/pkg/paywall"
	"github.com/mihaimyh/paywall/storage/memory"
)

const (
	testUser    = "user_1"
	testListing = "42"
)

var errFlaky = errors.New("notifier unavailable")

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// recorder collects domain events and collaborator calls.
type recorder struct {
	mu       sync.Mutex
	events   []paywall.DomainEvent
	reveals  []string
	messages []string
	failures int // calls to fail before succeeding
}

func (r *recorder) OnEvent(_ context.Context, ev paywall.DomainEvent) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) MarkContactRevealed(_ context.Context, listingID, userID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failures > 0 {
		r.failures--
		return errFlaky
	}
	r.reveals = append(r.reveals, listingID+"/"+userID)
	return nil
}

func (r *recorder) MarkPaid(_ context.Context, messageID, userID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, messageID+"/"+userID)
	return nil
}

func (r *recorder) failNext(n int) {
	r.mu.Lock()
	r.failures = n
	r.mu.Unlock()
}

func (r *recorder) eventTypes() []paywall.DomainEventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]paywall.DomainEventType, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Type)
	}
	return out
}

func (r *recorder) revealCalls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.reveals)
}

type harness struct {
	manager *paywall.Manager
	storage *memory.Storage
	gateway *manualtest.Gateway
	clock   *clock
	rec     *recorder
	config  paywall.Config
}

func newHarness(t *testing.T, mutate ...func(*paywall.Config)) *harness {
	t.Helper()
	h := &harness{
		storage: memory.New(),
		gateway: manualtest.New(gateway.Config{}),
		clock:   newClock(),
		rec:     &recorder{},
	}
	cfg := paywall.DefaultConfig()
	cfg.Gateway = h.gateway
	cfg.Pricing = &paywall.StaticConfig{
		Prices: map[paywall.Purpose]decimal.Decimal{
			paywall.PurposeRevealContact: decimal.RequireFromString("19.00"),
			paywall.PurposeFeature:       decimal.RequireFromString("9.99"),
			paywall.PurposeMessage:       decimal.RequireFromString("2.50"),
			paywall.PurposeSubscription:  decimal.RequireFromString("29.00"),
		},
		CurrencyCode:      "USD",
		FeatureWindowDays: 7,
	}
	cfg.Listings = h.rec
	cfg.Messages = h.rec
	cfg.Observers = []paywall.Observer{h.rec}
	cfg.Now = h.clock.Now
	for _, m := range mutate {
		m(&cfg)
	}

	manager, err := paywall.NewManager(h.storage, cfg)
	require.NoError(t, err)
	h.manager = manager
	h.config = cfg
	return h
}

// peer returns a second manager over the same storage, as another process
// sharing the database would run.
func (h *harness) peer(t *testing.T) *paywall.Manager {
	t.Helper()
	manager, err := paywall.NewManager(h.storage, h.config)
	require.NoError(t, err)
	return manager
}

func (h *harness) purchase(t *testing.T, req paywall.PurchaseRequest) *paywall.PurchaseResult {
	t.Helper()
	if req.UserID == "" {
		req.UserID = testUser
	}
	res, err := h.manager.InitiatePurchase(context.Background(), req)
	require.NoError(t, err)
	return res
}

func (h *harness) transaction(t *testing.T, id string) *paywall.Transaction {
	t.Helper()
	tx, err := h.manager.GetTransaction(context.Background(), id)
	require.NoError(t, err)
	return tx
}

// succeededEvent builds the event the processor sends for a paid intent.
func (h *harness) succeededEvent(t *testing.T, txID string) *gateway.Event {
	t.Helper()
	tx := h.transaction(t, txID)
	return &gateway.Event{
		ID:       "evt_" + txID,
		Type:     gateway.EventPaymentSucceeded,
		Provider: manualtest.ProviderName,
		ObjectID: tx.ProviderRef,
		Metadata: map[string]string{
			gateway.MetaTransactionID: tx.ID,
			gateway.MetaUserID:        tx.UserID,
			gateway.MetaListingID:     tx.ListingID,
			gateway.MetaPurpose:       string(tx.Purpose),
		},
		Object:   []byte(`{"id":"` + tx.ProviderRef + `"}`),
		Verified: true,
	}
}

func (h *harness) deliver(t *testing.T, ev *gateway.Event) {
	t.Helper()
	require.NoError(t, h.manager.Reconciler().HandleEvent(context.Background(), ev))
	h.manager.Wait()
}
