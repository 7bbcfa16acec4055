package paywall

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Entitlements answers "has this user paid for X" and writes grants. Reads
// go through the configured cache; every write invalidates it.
type Entitlements struct {
	store   EntitlementStore
	cache   Cache
	ttl     time.Duration
	metrics Metrics
	now     func() time.Time
}

func newEntitlements(store EntitlementStore, cache Cache, ttl time.Duration, metrics Metrics, now func() time.Time) *Entitlements {
	return &Entitlements{store: store, cache: cache, ttl: ttl, metrics: metrics, now: now}
}

// GrantReveal records a lifetime contact reveal. It is idempotent: an active
// grant for the pair is returned as-is.
func (e *Entitlements) GrantReveal(ctx context.Context, userID, listingID, txID string) (*EntitlementGrant, error) {
	if userID == "" || listingID == "" {
		return nil, &ValidationError{Field: "listing_id", Message: "reveal grants need a user and a listing"}
	}
	return e.apply(ctx, &GrantRequest{
		Key:           GrantKey(PurposeRevealContact, userID, listingID, "", txID),
		UserID:        userID,
		ListingID:     listingID,
		Purpose:       PurposeRevealContact,
		TransactionID: txID,
		Mode:          GrantModeOnce,
	})
}

// HasReveal reports whether userID may see listingID's contact details.
func (e *Entitlements) HasReveal(ctx context.Context, userID, listingID string) (bool, error) {
	g, err := e.lookup(ctx, GrantKey(PurposeRevealContact, userID, listingID, "", ""), "reveal")
	if err != nil {
		return false, err
	}
	return g.Active(e.now()), nil
}

// GrantOrExtendFeature boosts listingID until at least until. An earlier
// window is extended, a later one is kept.
func (e *Entitlements) GrantOrExtendFeature(ctx context.Context, userID, listingID string, until time.Time, txID string) (*EntitlementGrant, error) {
	if listingID == "" {
		return nil, &ValidationError{Field: "listing_id", Message: "feature grants need a listing"}
	}
	return e.apply(ctx, &GrantRequest{
		Key:           GrantKey(PurposeFeature, userID, listingID, "", txID),
		UserID:        userID,
		ListingID:     listingID,
		Purpose:       PurposeFeature,
		TransactionID: txID,
		ExpiresAt:     &until,
		Mode:          GrantModeExtend,
	})
}

// IsFeatured reports whether listingID has a feature window ending after now.
func (e *Entitlements) IsFeatured(ctx context.Context, listingID string) (bool, error) {
	until, err := e.FeaturedUntil(ctx, listingID)
	if err != nil {
		return false, err
	}
	return until != nil, nil
}

// FeaturedUntil returns the end of the active feature window, or nil.
func (e *Entitlements) FeaturedUntil(ctx context.Context, listingID string) (*time.Time, error) {
	g, err := e.lookup(ctx, GrantKey(PurposeFeature, "", listingID, "", ""), "featured")
	if err != nil {
		return nil, err
	}
	if !g.Active(e.now()) || g.ExpiresAt == nil {
		return nil, nil
	}
	t := *g.ExpiresAt
	return &t, nil
}

// GrantMessage unlocks messageID for userID.
func (e *Entitlements) GrantMessage(ctx context.Context, userID, listingID, messageID, txID string) (*EntitlementGrant, error) {
	if messageID == "" {
		return nil, &ValidationError{Field: "message_id", Message: "message grants need a message"}
	}
	return e.apply(ctx, &GrantRequest{
		Key:           GrantKey(PurposeMessage, userID, listingID, messageID, txID),
		UserID:        userID,
		ListingID:     listingID,
		MessageID:     messageID,
		Purpose:       PurposeMessage,
		TransactionID: txID,
		Mode:          GrantModeOnce,
	})
}

// HasMessage reports whether userID has unlocked messageID.
func (e *Entitlements) HasMessage(ctx context.Context, userID, messageID string) (bool, error) {
	g, err := e.lookup(ctx, GrantKey(PurposeMessage, userID, "", messageID, ""), "message")
	if err != nil {
		return false, err
	}
	return g.Active(e.now()), nil
}

// GrantSubscription records a subscription grant without expiry. Renewal
// state lives with the processor.
func (e *Entitlements) GrantSubscription(ctx context.Context, userID, txID string) (*EntitlementGrant, error) {
	return e.apply(ctx, &GrantRequest{
		Key:           GrantKey(PurposeSubscription, userID, "", "", txID),
		UserID:        userID,
		Purpose:       PurposeSubscription,
		TransactionID: txID,
		Mode:          GrantModeOnce,
	})
}

// Revoke revokes every active grant matching req.
func (e *Entitlements) Revoke(ctx context.Context, req RevokeRequest) (int, error) {
	if req.Empty() {
		return 0, &ValidationError{Message: "revoke needs a user, listing, purpose or transaction"}
	}
	if req.At.IsZero() {
		req.At = e.now()
	}

	start := time.Now()
	n, err := e.store.RevokeGrants(ctx, &req)
	e.metrics.RecordStorageOperation("revoke_grants", time.Since(start), err)
	if err != nil {
		return 0, err
	}
	e.cache.Clear()
	e.metrics.RecordRevocation(string(req.Purpose), n)
	return n, nil
}

// Reassign hands the grant under req.Key from a refunded transaction to
// another paid one. It reports false when the grant is no longer held by
// req.FromTransactionID.
func (e *Entitlements) Reassign(ctx context.Context, req ReassignRequest) (bool, error) {
	if req.At.IsZero() {
		req.At = e.now()
	}

	start := time.Now()
	_, moved, err := e.store.ReassignGrant(ctx, &req)
	e.metrics.RecordStorageOperation("reassign_grant", time.Since(start), err)
	if err != nil {
		return false, err
	}
	e.cache.Invalidate(req.Key)
	return moved, nil
}

func (e *Entitlements) apply(ctx context.Context, req *GrantRequest) (*EntitlementGrant, error) {
	req.ID = uuid.NewString()
	if req.At.IsZero() {
		req.At = e.now()
	}

	start := time.Now()
	g, _, err := e.store.ApplyGrant(ctx, req)
	e.metrics.RecordStorageOperation("apply_grant", time.Since(start), err)
	e.metrics.RecordGrant(string(req.Purpose), err == nil)
	if err != nil {
		return nil, err
	}
	e.cache.Invalidate(req.Key)
	return g, nil
}

// lookup returns the stored grant for key, or nil when none exists.
func (e *Entitlements) lookup(ctx context.Context, key, cacheType string) (*EntitlementGrant, error) {
	if g, ok := e.cache.Get(key); ok {
		e.metrics.RecordCacheHit(cacheType)
		return g, nil
	}
	e.metrics.RecordCacheMiss(cacheType)

	start := time.Now()
	g, err := e.store.GetGrant(ctx, key)
	e.metrics.RecordStorageOperation("get_grant", time.Since(start), err)
	if err != nil {
		if errors.Is(err, ErrGrantNotFound) {
			e.cache.Set(key, nil, e.ttl)
			return nil, nil
		}
		return nil, err
	}
	e.cache.Set(key, g, e.ttl)
	return g, nil
}
