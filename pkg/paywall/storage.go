package paywall

import (
	"context"
	"time"
)

// Storage is the persistence contract every backend implements.
// All methods use concrete types from this package to avoid import cycles.
type Storage interface {
	Ledger
	EntitlementStore
	RetryQueue
}

// Ledger is the durable record of payment attempts.
type Ledger interface {
	// CreateTransaction inserts a new transaction. The caller sets ID, Status
	// and timestamps. Returns ErrDuplicateProviderRef if ProviderRef is set and
	// already bound to another transaction of the same provider.
	CreateTransaction(ctx context.Context, tx *Transaction) error

	// GetTransaction returns the transaction or ErrTransactionNotFound.
	GetTransaction(ctx context.Context, id string) (*Transaction, error)

	// FindByProviderRef returns the transaction bound to (provider, ref).
	// Returns nil if no transaction matches (not an error).
	FindByProviderRef(ctx context.Context, provider Provider, ref string) (*Transaction, error)

	// AttachProviderRef stores the gateway's id on a pending transaction.
	// Returns ErrInvalidTransition if the transaction is no longer pending.
	AttachProviderRef(ctx context.Context, id, ref string) error

	// TransitionStatus atomically moves a transaction from req.From to req.To.
	// It returns the transaction as stored after the call and whether the
	// write was applied. A status mismatch is not an error: the current row
	// is returned with applied=false.
	TransitionStatus(ctx context.Context, req *TransitionRequest) (*Transaction, bool, error)

	// ListTransactions returns transactions matching the filter, newest first.
	ListTransactions(ctx context.Context, filter TransactionFilter) ([]*Transaction, error)
}

// TransitionRequest is a compare-and-swap on a transaction's status.
type TransitionRequest struct {
	TransactionID string
	Provider      Provider
	From          Status
	To            Status
	ProviderRef   string // replaces provider_ref when non-empty
	MetaPatch     Meta
	At            time.Time
}

// TransactionFilter narrows ListTransactions. Empty fields match everything.
type TransactionFilter struct {
	UserID    string
	ListingID string
	Purpose   Purpose
	Status    Status
	Limit     int
}

// Matches reports whether tx satisfies the filter.
func (f TransactionFilter) Matches(tx *Transaction) bool {
	if f.UserID != "" && tx.UserID != f.UserID {
		return false
	}
	if f.ListingID != "" && tx.ListingID != f.ListingID {
		return false
	}
	if f.Purpose != "" && tx.Purpose != f.Purpose {
		return false
	}
	if f.Status != "" && tx.Status != f.Status {
		return false
	}
	return true
}

// EntitlementStore is the durable record of granted access.
type EntitlementStore interface {
	// ApplyGrant atomically upserts the grant identified by req.Key.
	//
	// In GrantModeOnce an active grant is returned unchanged (created=false);
	// a missing or revoked one is written. In GrantModeExtend the stored
	// expiry becomes max(existing, req.ExpiresAt); created reports whether
	// anything changed.
	ApplyGrant(ctx context.Context, req *GrantRequest) (*EntitlementGrant, bool, error)

	// GetGrant returns the grant stored under key or ErrGrantNotFound.
	// Revoked and expired grants are returned too.
	GetGrant(ctx context.Context, key string) (*EntitlementGrant, error)

	// RevokeGrants marks every active grant matching req as revoked and
	// returns how many were changed.
	RevokeGrants(ctx context.Context, req *RevokeRequest) (int, error)

	// ReassignGrant hands the active grant under req.Key from
	// req.FromTransactionID to req.TransactionID and replaces its expiry.
	// It reports false without writing when the grant is missing, inactive
	// or held by another transaction.
	ReassignGrant(ctx context.Context, req *ReassignRequest) (*EntitlementGrant, bool, error)
}

// GrantMode selects the upsert semantics of ApplyGrant.
type GrantMode int

const (
	// GrantModeOnce creates the grant if no active grant exists.
	GrantModeOnce GrantMode = iota
	// GrantModeExtend keeps the later of the stored and requested expiry.
	GrantModeExtend
)

// GrantRequest describes an entitlement to write.
type GrantRequest struct {
	ID            string // used only when a new row is created
	Key           string
	UserID        string
	ListingID     string
	MessageID     string
	Purpose       Purpose
	TransactionID string
	ExpiresAt     *time.Time
	Mode          GrantMode
	At            time.Time
}

// RevokeRequest selects grants to revoke. At least one selector must be set.
type RevokeRequest struct {
	UserID        string
	ListingID     string
	Purpose       Purpose
	TransactionID string
	At            time.Time
}

// ReassignRequest moves a grant bought by a refunded transaction onto
// another paid transaction for the same key.
type ReassignRequest struct {
	Key               string
	FromTransactionID string
	TransactionID     string
	UserID            string
	ExpiresAt         *time.Time // replaces the stored expiry; nil means lifetime
	At                time.Time
}

// Empty reports whether no selector is set.
func (r *RevokeRequest) Empty() bool {
	return r.UserID == "" && r.ListingID == "" && r.Purpose == "" && r.TransactionID == ""
}

// Matches reports whether g is selected by r. Revocation state is not checked.
func (r *RevokeRequest) Matches(g *EntitlementGrant) bool {
	if r.UserID != "" && g.UserID != r.UserID {
		return false
	}
	if r.ListingID != "" && g.ListingID != r.ListingID {
		return false
	}
	if r.Purpose != "" && g.Purpose != r.Purpose {
		return false
	}
	if r.TransactionID != "" && g.TransactionID != r.TransactionID {
		return false
	}
	return true
}

// RetryQueue persists entitlement side effects that must be retried.
type RetryQueue interface {
	// EnqueueFailure stores a new failure record.
	EnqueueFailure(ctx context.Context, f *ReconcileFailure) error

	// DueFailures returns up to limit records with NextAttemptAt <= now and
	// Attempts < maxAttempts, oldest first.
	DueFailures(ctx context.Context, now time.Time, maxAttempts, limit int) ([]*ReconcileFailure, error)

	// ClaimFailures selects records like DueFailures and, in the same atomic
	// step, moves their NextAttemptAt to leaseUntil. A claimed record is not
	// due again for any worker until its lease lapses, so concurrent
	// processors never run the same record twice. Attempts is unchanged.
	ClaimFailures(ctx context.Context, now, leaseUntil time.Time, maxAttempts, limit int) ([]*ReconcileFailure, error)

	// RescheduleFailure records another failed attempt.
	RescheduleFailure(ctx context.Context, id string, next time.Time, lastErr string) error

	// CompleteFailure removes a record after a successful retry.
	// Returns ErrFailureNotFound if the record does not exist.
	CompleteFailure(ctx context.Context, id string) error
}

// nextGrantExpiry applies the extend rule: the later expiry wins and a nil
// (lifetime) expiry is never shortened.
func nextGrantExpiry(existing, requested *time.Time) (*time.Time, bool) {
	if existing == nil {
		return nil, false
	}
	if requested == nil {
		return nil, true
	}
	if requested.After(*existing) {
		t := *requested
		return &t, true
	}
	t := *existing
	return &t, false
}

// MergeGrant computes the stored state of a grant after applying req on top
// of existing (which may be nil). Backends that cannot express the upsert in
// their query language call this inside their atomic section.
func MergeGrant(existing *EntitlementGrant, req *GrantRequest) (*EntitlementGrant, bool) {
	if existing == nil || !existing.Active(req.At) {
		g := &EntitlementGrant{
			ID:            req.ID,
			Key:           req.Key,
			UserID:        req.UserID,
			ListingID:     req.ListingID,
			MessageID:     req.MessageID,
			Purpose:       req.Purpose,
			TransactionID: req.TransactionID,
			GrantedAt:     req.At,
		}
		if existing != nil {
			g.ID = existing.ID
		}
		if req.ExpiresAt != nil {
			t := *req.ExpiresAt
			g.ExpiresAt = &t
		}
		return g, true
	}

	if req.Mode != GrantModeExtend {
		return existing.Clone(), false
	}
	next, changed := nextGrantExpiry(existing.ExpiresAt, req.ExpiresAt)
	if !changed {
		return existing.Clone(), false
	}
	g := existing.Clone()
	g.ExpiresAt = next
	g.TransactionID = req.TransactionID
	g.UserID = req.UserID
	return g, true
}

// ReassignedGrant computes the stored state of existing after req. It returns
// false when existing is not an active grant held by req.FromTransactionID.
// A replacement expiry at or before req.At revokes the grant instead.
func ReassignedGrant(existing *EntitlementGrant, req *ReassignRequest) (*EntitlementGrant, bool) {
	if existing == nil || !existing.Active(req.At) || existing.TransactionID != req.FromTransactionID {
		return nil, false
	}
	g := existing.Clone()
	if req.ExpiresAt != nil && !req.ExpiresAt.After(req.At) {
		at := req.At
		g.RevokedAt = &at
		return g, true
	}
	g.TransactionID = req.TransactionID
	if req.UserID != "" {
		g.UserID = req.UserID
	}
	g.ExpiresAt = nil
	if req.ExpiresAt != nil {
		t := *req.ExpiresAt
		g.ExpiresAt = &t
	}
	return g, true
}
