package paywall

import (
	"time"

	"github.com/shopspring/decimal"
)

// Purpose is the business reason for a payment.
type Purpose string

const (
	PurposeRevealContact Purpose = "reveal_contact"
	PurposeFeature       Purpose = "feature"
	PurposeMessage       Purpose = "message"
	PurposeSubscription  Purpose = "subscription"
)

// Purposes lists every recognised purpose in a stable order.
var Purposes = []Purpose{PurposeRevealContact, PurposeFeature, PurposeMessage, PurposeSubscription}

// Valid reports whether p is a recognised purpose.
func (p Purpose) Valid() bool {
	switch p {
	case PurposeRevealContact, PurposeFeature, PurposeMessage, PurposeSubscription:
		return true
	}
	return false
}

// RequiresListing reports whether a purchase for p must name a listing.
func (p Purpose) RequiresListing() bool {
	return p == PurposeRevealContact || p == PurposeFeature || p == PurposeMessage
}

// Status is the state of a Transaction.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusRefunded  Status = "refunded"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusSucceeded, StatusFailed, StatusRefunded:
		return true
	}
	return false
}

// CanTransition reports whether the state machine allows from -> to.
//
//	pending   -> succeeded
//	pending   -> failed
//	succeeded -> refunded
//
// Everything else, including self-transitions, is rejected.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusSucceeded || to == StatusFailed
	case StatusSucceeded:
		return to == StatusRefunded
	}
	return false
}

// Provider identifies the payment processor that handled a transaction.
type Provider string

const (
	ProviderStripe     Provider = "stripe"
	ProviderPayPal     Provider = "paypal"
	ProviderManualTest Provider = "manual_test"
)

// Meta is an informational key/value bag attached to a transaction.
// It is never consulted for authorization.
type Meta map[string]interface{}

// Clone returns a shallow copy of m.
func (m Meta) Clone() Meta {
	if m == nil {
		return nil
	}
	out := make(Meta, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Merge copies every key of patch into m and returns m.
func (m Meta) Merge(patch Meta) Meta {
	if m == nil {
		m = make(Meta, len(patch))
	}
	for k, v := range patch {
		m[k] = v
	}
	return m
}

// Transaction is the record of one payment attempt.
type Transaction struct {
	ID          string
	UserID      string
	ListingID   string // empty when the purchase has no target listing
	Purpose     Purpose
	Amount      decimal.Decimal
	Currency    string
	Provider    Provider
	ProviderRef string // empty until the gateway returns an id
	Status      Status
	Meta        Meta
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Clone returns a deep enough copy for callers to mutate safely.
func (t *Transaction) Clone() *Transaction {
	if t == nil {
		return nil
	}
	cp := *t
	cp.Meta = t.Meta.Clone()
	return &cp
}

// MessageID returns the message_id stored in meta, if any.
func (t *Transaction) MessageID() string {
	if t == nil || t.Meta == nil {
		return ""
	}
	if v, ok := t.Meta[MetaMessageID].(string); ok {
		return v
	}
	return ""
}

// Well-known meta keys.
const (
	MetaMessageID         = "message_id"
	MetaProviderRef       = "provider_ref"
	MetaRaw               = "raw"
	MetaEventID           = "event_id"
	MetaCheckoutSessionID = "checkout_session_id"
	MetaSynthesized       = "synthesized"
	MetaTriggeredBy       = "triggered_by"
)

// EntitlementGrant is durable proof that a user paid for an access right.
type EntitlementGrant struct {
	ID            string
	Key           string
	UserID        string
	ListingID     string
	MessageID     string
	Purpose       Purpose
	TransactionID string
	GrantedAt     time.Time
	ExpiresAt     *time.Time // nil for lifetime grants
	RevokedAt     *time.Time
}

// Active reports whether the grant is usable at now.
func (g *EntitlementGrant) Active(now time.Time) bool {
	if g == nil || g.RevokedAt != nil {
		return false
	}
	return g.ExpiresAt == nil || g.ExpiresAt.After(now)
}

// Clone returns a copy of g with its own time pointers.
func (g *EntitlementGrant) Clone() *EntitlementGrant {
	if g == nil {
		return nil
	}
	cp := *g
	if g.ExpiresAt != nil {
		t := *g.ExpiresAt
		cp.ExpiresAt = &t
	}
	if g.RevokedAt != nil {
		t := *g.RevokedAt
		cp.RevokedAt = &t
	}
	return &cp
}

// GrantKey builds the uniqueness key for a grant. Reveals are unique per
// (user, listing), feature windows per listing, message unlocks per
// (user, message) and subscriptions per transaction.
func GrantKey(purpose Purpose, userID, listingID, messageID, transactionID string) string {
	switch purpose {
	case PurposeRevealContact:
		return string(purpose) + ":" + userID + ":" + listingID
	case PurposeFeature:
		return string(purpose) + ":" + listingID
	case PurposeMessage:
		return string(purpose) + ":" + userID + ":" + messageID
	default:
		return string(purpose) + ":" + userID + ":" + transactionID
	}
}

// ReconcileFailure is a queued entitlement side effect that failed after its
// transaction was already durably transitioned.
type ReconcileFailure struct {
	ID            string
	TransactionID string
	Purpose       Purpose
	Action        string // FailureActionGrant or FailureActionRevoke
	Attempts      int
	LastError     string
	NextAttemptAt time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Side effects a ReconcileFailure can retry.
const (
	FailureActionGrant  = "grant"
	FailureActionRevoke = "revoke"
)

// Clone returns a copy of f.
func (f *ReconcileFailure) Clone() *ReconcileFailure {
	if f == nil {
		return nil
	}
	cp := *f
	return &cp
}

// CacheConfig holds entitlement lookup cache configuration
type CacheConfig struct {
	// Enabled determines if caching is active
	Enabled bool

	// TTL is how long a positive or negative lookup is cached (default: 30 seconds)
	TTL time.Duration

	// MaxEntries bounds the cache size (default: 10000)
	MaxEntries int
}

// CircuitBreakerConfig holds circuit breaker configuration for gateway calls
type CircuitBreakerConfig struct {
	// Enabled determines if the circuit breaker is active
	Enabled bool

	// FailureThreshold is the number of consecutive failures before opening the circuit (default: 5)
	FailureThreshold int

	// ResetTimeout is the duration to wait before transitioning from Open to Half-Open (default: 30 seconds)
	ResetTimeout time.Duration
}
