// Package firestore provides a Firestore implementation of the paywall.Storage interface.
// Status transitions and grant upserts run inside Firestore transactions.
package firestore

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/shopspring/decimal"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/mihaimyh/paywall/pkg/paywall"
)

// Storage implements paywall.Storage using Google Cloud Firestore
type Storage struct {
	client                 *firestore.Client
	transactionsCollection string
	refsCollection         string
	grantsCollection       string
	failuresCollection     string
}

// Config holds Firestore storage configuration
type Config struct {
	// TransactionsCollection is the Firestore collection for the payment ledger
	// Default: "paywall_transactions"
	TransactionsCollection string

	// RefsCollection maps provider references to transaction IDs
	// Default: "paywall_provider_refs"
	RefsCollection string

	// GrantsCollection is the Firestore collection for entitlement grants
	// Default: "paywall_grants"
	GrantsCollection string

	// FailuresCollection holds queued entitlement retries
	// Default: "paywall_reconcile_failures"
	FailuresCollection string
}

// New creates a new Firestore storage adapter
func New(client *firestore.Client, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client is required")
	}

	// Set defaults
	if config.TransactionsCollection == "" {
		config.TransactionsCollection = "paywall_transactions"
	}
	if config.RefsCollection == "" {
		config.RefsCollection = "paywall_provider_refs"
	}
	if config.GrantsCollection == "" {
		config.GrantsCollection = "paywall_grants"
	}
	if config.FailuresCollection == "" {
		config.FailuresCollection = "paywall_reconcile_failures"
	}

	return &Storage{
		client:                 client,
		transactionsCollection: config.TransactionsCollection,
		refsCollection:         config.RefsCollection,
		grantsCollection:       config.GrantsCollection,
		failuresCollection:     config.FailuresCollection,
	}, nil
}

// CreateTransaction implements paywall.Ledger
func (s *Storage) CreateTransaction(ctx context.Context, tx *paywall.Transaction) error {
	if tx == nil || tx.ID == "" {
		return fmt.Errorf("invalid transaction")
	}

	txDoc := s.txDoc(tx.ID)
	err := s.client.RunTransaction(ctx, func(_ context.Context, ftx *firestore.Transaction) error {
		if tx.ProviderRef != "" {
			refDoc := s.refDoc(tx.Provider, tx.ProviderRef)
			snap, err := ftx.Get(refDoc)
			if err != nil && status.Code(err) != codes.NotFound {
				return fmt.Errorf("failed to read provider ref: %w", err)
			}
			if err == nil && snap.Exists() {
				return paywall.ErrDuplicateProviderRef
			}
			if err := ftx.Create(refDoc, map[string]interface{}{"transaction_id": tx.ID}); err != nil {
				return err
			}
		}
		return ftx.Create(txDoc, transactionData(tx))
	})
	if err != nil {
		if errors.Is(err, paywall.ErrDuplicateProviderRef) {
			return err
		}
		if status.Code(err) == codes.AlreadyExists {
			return fmt.Errorf("transaction %s already exists", tx.ID)
		}
		return fmt.Errorf("failed to create transaction: %w", err)
	}
	return nil
}

// GetTransaction implements paywall.Ledger
func (s *Storage) GetTransaction(ctx context.Context, id string) (*paywall.Transaction, error) {
	snap, err := s.txDoc(id).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, paywall.ErrTransactionNotFound
		}
		return nil, fmt.Errorf("failed to get transaction: %w", err)
	}
	if !snap.Exists() {
		return nil, paywall.ErrTransactionNotFound
	}
	return decodeTransaction(snap)
}

// FindByProviderRef implements paywall.Ledger
func (s *Storage) FindByProviderRef(ctx context.Context, provider paywall.Provider, ref string) (*paywall.Transaction, error) {
	if ref == "" {
		return nil, nil
	}
	snap, err := s.refDoc(provider, ref).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, nil // No match is not an error
		}
		return nil, fmt.Errorf("failed to read provider ref: %w", err)
	}

	tx, err := s.GetTransaction(ctx, getString(snap.Data(), "transaction_id"))
	if errors.Is(err, paywall.ErrTransactionNotFound) {
		return nil, nil
	}
	return tx, err
}

// AttachProviderRef implements paywall.Ledger
func (s *Storage) AttachProviderRef(ctx context.Context, id, ref string) error {
	return s.client.RunTransaction(ctx, func(_ context.Context, ftx *firestore.Transaction) error {
		tx, err := s.getTransaction(ftx, id)
		if err != nil {
			return err
		}
		if tx.Status != paywall.StatusPending {
			return paywall.ErrInvalidTransition
		}

		oldRef := tx.ProviderRef
		if err := s.claimRef(ftx, tx, ref); err != nil {
			return err
		}
		tx.Meta = tx.Meta.Merge(paywall.Meta{paywall.MetaProviderRef: ref})
		return s.writeTransaction(ftx, tx, oldRef)
	})
}

// TransitionStatus implements paywall.Ledger. Firestore retries the function
// when the transaction document changes underneath it.
func (s *Storage) TransitionStatus(ctx context.Context, req *paywall.TransitionRequest) (*paywall.Transaction, bool, error) {
	var (
		result  *paywall.Transaction
		applied bool
	)
	err := s.client.RunTransaction(ctx, func(_ context.Context, ftx *firestore.Transaction) error {
		applied = false
		tx, err := s.getTransaction(ftx, req.TransactionID)
		if err != nil {
			return err
		}
		if tx.Status != req.From || !paywall.CanTransition(req.From, req.To) {
			result = tx
			return nil
		}

		oldRef := tx.ProviderRef
		if req.ProviderRef != "" {
			if err := s.claimRef(ftx, tx, req.ProviderRef); err != nil {
				return err
			}
		}
		tx.Status = req.To
		tx.Meta = tx.Meta.Merge(req.MetaPatch)
		tx.UpdatedAt = req.At

		if err := s.writeTransaction(ftx, tx, oldRef); err != nil {
			return err
		}
		result, applied = tx, true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return result, applied, nil
}

func (s *Storage) getTransaction(ftx *firestore.Transaction, id string) (*paywall.Transaction, error) {
	snap, err := ftx.Get(s.txDoc(id))
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, paywall.ErrTransactionNotFound
		}
		return nil, fmt.Errorf("failed to get transaction: %w", err)
	}
	return decodeTransaction(snap)
}

// claimRef checks that ref is free or already owned by tx and points tx at it.
func (s *Storage) claimRef(ftx *firestore.Transaction, tx *paywall.Transaction, ref string) error {
	if ref == tx.ProviderRef {
		return nil
	}
	snap, err := ftx.Get(s.refDoc(tx.Provider, ref))
	if err != nil && status.Code(err) != codes.NotFound {
		return fmt.Errorf("failed to read provider ref: %w", err)
	}
	if err == nil && snap.Exists() && getString(snap.Data(), "transaction_id") != tx.ID {
		return paywall.ErrDuplicateProviderRef
	}
	tx.ProviderRef = ref
	return nil
}

// writeTransaction stores tx and moves the ref mapping from oldRef. All reads
// must have happened before this is called.
func (s *Storage) writeTransaction(ftx *firestore.Transaction, tx *paywall.Transaction, oldRef string) error {
	if err := ftx.Set(s.txDoc(tx.ID), transactionData(tx)); err != nil {
		return err
	}
	if tx.ProviderRef == oldRef {
		return nil
	}
	if oldRef != "" {
		if err := ftx.Delete(s.refDoc(tx.Provider, oldRef)); err != nil {
			return err
		}
	}
	return ftx.Set(s.refDoc(tx.Provider, tx.ProviderRef), map[string]interface{}{"transaction_id": tx.ID})
}

// ListTransactions implements paywall.Ledger
func (s *Storage) ListTransactions(ctx context.Context, filter paywall.TransactionFilter) ([]*paywall.Transaction, error) {
	q := s.client.Collection(s.transactionsCollection).Query
	if filter.UserID != "" {
		q = q.Where("user_id", "==", filter.UserID)
	}
	if filter.ListingID != "" {
		q = q.Where("listing_id", "==", filter.ListingID)
	}
	if filter.Purpose != "" {
		q = q.Where("purpose", "==", string(filter.Purpose))
	}
	if filter.Status != "" {
		q = q.Where("status", "==", string(filter.Status))
	}

	docs, err := q.Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}

	out := make([]*paywall.Transaction, 0, len(docs))
	for _, snap := range docs {
		tx, err := decodeTransaction(snap)
		if err != nil {
			return nil, err
		}
		out = append(out, tx)
	}

	// Sorted here so equality filters need no composite index.
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// ApplyGrant implements paywall.EntitlementStore
func (s *Storage) ApplyGrant(ctx context.Context, req *paywall.GrantRequest) (*paywall.EntitlementGrant, bool, error) {
	if req == nil || req.Key == "" {
		return nil, false, fmt.Errorf("invalid grant request")
	}

	var (
		result  *paywall.EntitlementGrant
		changed bool
	)
	doc := s.grantDoc(req.Key)
	err := s.client.RunTransaction(ctx, func(_ context.Context, ftx *firestore.Transaction) error {
		var existing *paywall.EntitlementGrant
		snap, err := ftx.Get(doc)
		switch {
		case err == nil:
			existing = decodeGrant(snap.Data())
		case status.Code(err) != codes.NotFound:
			return fmt.Errorf("failed to read grant: %w", err)
		}

		g, ok := paywall.MergeGrant(existing, req)
		result, changed = g, ok
		if !ok {
			return nil
		}
		return ftx.Set(doc, grantData(g))
	})
	if err != nil {
		return nil, false, err
	}
	return result, changed, nil
}

// ReassignGrant implements paywall.EntitlementStore
func (s *Storage) ReassignGrant(ctx context.Context, req *paywall.ReassignRequest) (*paywall.EntitlementGrant, bool, error) {
	if req == nil || req.Key == "" {
		return nil, false, fmt.Errorf("invalid reassign request")
	}

	var result *paywall.EntitlementGrant
	doc := s.grantDoc(req.Key)
	err := s.client.RunTransaction(ctx, func(_ context.Context, ftx *firestore.Transaction) error {
		result = nil
		snap, err := ftx.Get(doc)
		if status.Code(err) == codes.NotFound {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read grant: %w", err)
		}

		g, ok := paywall.ReassignedGrant(decodeGrant(snap.Data()), req)
		if !ok {
			return nil
		}
		result = g
		return ftx.Set(doc, grantData(g))
	})
	if err != nil {
		return nil, false, err
	}
	return result, result != nil, nil
}

// GetGrant implements paywall.EntitlementStore
func (s *Storage) GetGrant(ctx context.Context, key string) (*paywall.EntitlementGrant, error) {
	snap, err := s.grantDoc(key).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, paywall.ErrGrantNotFound
		}
		return nil, fmt.Errorf("failed to get grant: %w", err)
	}
	return decodeGrant(snap.Data()), nil
}

// RevokeGrants implements paywall.EntitlementStore
func (s *Storage) RevokeGrants(ctx context.Context, req *paywall.RevokeRequest) (int, error) {
	if req.Empty() {
		return 0, fmt.Errorf("revoke request has no selector")
	}

	q := s.client.Collection(s.grantsCollection).Where("revoked_at", "==", nil)
	if req.UserID != "" {
		q = q.Where("user_id", "==", req.UserID)
	}
	if req.ListingID != "" {
		q = q.Where("listing_id", "==", req.ListingID)
	}
	if req.Purpose != "" {
		q = q.Where("purpose", "==", string(req.Purpose))
	}
	if req.TransactionID != "" {
		q = q.Where("transaction_id", "==", req.TransactionID)
	}

	var n int
	err := s.client.RunTransaction(ctx, func(_ context.Context, ftx *firestore.Transaction) error {
		n = 0
		docs, err := ftx.Documents(q).GetAll()
		if err != nil {
			return fmt.Errorf("failed to query grants: %w", err)
		}
		for _, snap := range docs {
			g := decodeGrant(snap.Data())
			if g.RevokedAt != nil || !req.Matches(g) {
				continue
			}
			if err := ftx.Update(snap.Ref, []firestore.Update{{Path: "revoked_at", Value: req.At}}); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to revoke grants: %w", err)
	}
	return n, nil
}

// EnqueueFailure implements paywall.RetryQueue
func (s *Storage) EnqueueFailure(ctx context.Context, f *paywall.ReconcileFailure) error {
	if f == nil || f.ID == "" {
		return fmt.Errorf("invalid reconcile failure")
	}

	_, err := s.failureDoc(f.ID).Set(ctx, map[string]interface{}{
		"transaction_id":  f.TransactionID,
		"purpose":         string(f.Purpose),
		"action":          f.Action,
		"attempts":        f.Attempts,
		"last_error":      f.LastError,
		"next_attempt_at": f.NextAttemptAt,
		"created_at":      f.CreatedAt,
		"updated_at":      f.UpdatedAt,
	})
	if err != nil {
		return fmt.Errorf("failed to enqueue reconcile failure: %w", err)
	}
	return nil
}

// DueFailures implements paywall.RetryQueue
func (s *Storage) DueFailures(ctx context.Context, now time.Time, maxAttempts, limit int) ([]*paywall.ReconcileFailure, error) {
	docs, err := s.client.Collection(s.failuresCollection).
		Where("next_attempt_at", "<=", now).
		OrderBy("next_attempt_at", firestore.Asc).
		Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("failed to load due failures: %w", err)
	}

	var out []*paywall.ReconcileFailure
	for _, snap := range docs {
		f := decodeFailure(snap.Ref.ID, snap.Data())
		if maxAttempts > 0 && f.Attempts >= maxAttempts {
			continue
		}
		out = append(out, f)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// ClaimFailures implements paywall.RetryQueue. The due query and the lease
// writes share one transaction, so a concurrent claim of the same documents
// makes one of the transactions retry and find them no longer due.
func (s *Storage) ClaimFailures(ctx context.Context, now, leaseUntil time.Time, maxAttempts, limit int) ([]*paywall.ReconcileFailure, error) {
	var out []*paywall.ReconcileFailure
	err := s.client.RunTransaction(ctx, func(_ context.Context, ftx *firestore.Transaction) error {
		out = nil
		q := s.client.Collection(s.failuresCollection).
			Where("next_attempt_at", "<=", now).
			OrderBy("next_attempt_at", firestore.Asc)
		docs, err := ftx.Documents(q).GetAll()
		if err != nil {
			return err
		}

		for _, snap := range docs {
			f := decodeFailure(snap.Ref.ID, snap.Data())
			if maxAttempts > 0 && f.Attempts >= maxAttempts {
				continue
			}
			if err := ftx.Update(snap.Ref, []firestore.Update{
				{Path: "next_attempt_at", Value: leaseUntil},
			}); err != nil {
				return err
			}
			f.NextAttemptAt = leaseUntil
			out = append(out, f)
			if limit > 0 && len(out) == limit {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to claim due failures: %w", err)
	}
	return out, nil
}

// RescheduleFailure implements paywall.RetryQueue
func (s *Storage) RescheduleFailure(ctx context.Context, id string, next time.Time, lastErr string) error {
	_, err := s.failureDoc(id).Update(ctx, []firestore.Update{
		{Path: "attempts", Value: firestore.Increment(1)},
		{Path: "next_attempt_at", Value: next},
		{Path: "last_error", Value: lastErr},
		{Path: "updated_at", Value: time.Now().UTC()},
	})
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return paywall.ErrFailureNotFound
		}
		return fmt.Errorf("failed to reschedule failure: %w", err)
	}
	return nil
}

// CompleteFailure implements paywall.RetryQueue
func (s *Storage) CompleteFailure(ctx context.Context, id string) error {
	_, err := s.failureDoc(id).Delete(ctx, firestore.Exists)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return paywall.ErrFailureNotFound
		}
		return fmt.Errorf("failed to complete failure: %w", err)
	}
	return nil
}

// Document references

func (s *Storage) txDoc(id string) *firestore.DocumentRef {
	return s.client.Collection(s.transactionsCollection).Doc(id)
}

// refDoc returns the ref mapping document. Structure: {refs}/{provider}:{ref}
func (s *Storage) refDoc(provider paywall.Provider, ref string) *firestore.DocumentRef {
	return s.client.Collection(s.refsCollection).Doc(string(provider) + ":" + ref)
}

func (s *Storage) grantDoc(key string) *firestore.DocumentRef {
	return s.client.Collection(s.grantsCollection).Doc(key)
}

func (s *Storage) failureDoc(id string) *firestore.DocumentRef {
	return s.client.Collection(s.failuresCollection).Doc(id)
}

// Document codecs

func transactionData(tx *paywall.Transaction) map[string]interface{} {
	meta := map[string]interface{}(tx.Meta)
	if meta == nil {
		meta = map[string]interface{}{}
	}
	return map[string]interface{}{
		"user_id":      tx.UserID,
		"listing_id":   tx.ListingID,
		"purpose":      string(tx.Purpose),
		"amount":       tx.Amount.String(),
		"currency":     tx.Currency,
		"provider":     string(tx.Provider),
		"provider_ref": tx.ProviderRef,
		"status":       string(tx.Status),
		"meta":         meta,
		"created_at":   tx.CreatedAt,
		"updated_at":   tx.UpdatedAt,
	}
}

func decodeTransaction(snap *firestore.DocumentSnapshot) (*paywall.Transaction, error) {
	data := snap.Data()
	amount, err := decimal.NewFromString(getString(data, "amount"))
	if err != nil {
		return nil, fmt.Errorf("invalid stored amount for %s: %w", snap.Ref.ID, err)
	}

	meta := paywall.Meta{}
	if m, ok := data["meta"].(map[string]interface{}); ok {
		meta = paywall.Meta(m)
	}
	return &paywall.Transaction{
		ID:          snap.Ref.ID,
		UserID:      getString(data, "user_id"),
		ListingID:   getString(data, "listing_id"),
		Purpose:     paywall.Purpose(getString(data, "purpose")),
		Amount:      amount,
		Currency:    getString(data, "currency"),
		Provider:    paywall.Provider(getString(data, "provider")),
		ProviderRef: getString(data, "provider_ref"),
		Status:      paywall.Status(getString(data, "status")),
		Meta:        meta,
		CreatedAt:   getTime(data, "created_at"),
		UpdatedAt:   getTime(data, "updated_at"),
	}, nil
}

// grantData always writes expires_at and revoked_at so RevokeGrants can
// query on revoked_at == null.
func grantData(g *paywall.EntitlementGrant) map[string]interface{} {
	data := map[string]interface{}{
		"id":             g.ID,
		"key":            g.Key,
		"user_id":        g.UserID,
		"listing_id":     g.ListingID,
		"message_id":     g.MessageID,
		"purpose":        string(g.Purpose),
		"transaction_id": g.TransactionID,
		"granted_at":     g.GrantedAt,
		"expires_at":     nil,
		"revoked_at":     nil,
	}
	if g.ExpiresAt != nil {
		data["expires_at"] = *g.ExpiresAt
	}
	if g.RevokedAt != nil {
		data["revoked_at"] = *g.RevokedAt
	}
	return data
}

func decodeGrant(data map[string]interface{}) *paywall.EntitlementGrant {
	return &paywall.EntitlementGrant{
		ID:            getString(data, "id"),
		Key:           getString(data, "key"),
		UserID:        getString(data, "user_id"),
		ListingID:     getString(data, "listing_id"),
		MessageID:     getString(data, "message_id"),
		Purpose:       paywall.Purpose(getString(data, "purpose")),
		TransactionID: getString(data, "transaction_id"),
		GrantedAt:     getTime(data, "granted_at"),
		ExpiresAt:     getTimePtr(data, "expires_at"),
		RevokedAt:     getTimePtr(data, "revoked_at"),
	}
}

func decodeFailure(id string, data map[string]interface{}) *paywall.ReconcileFailure {
	return &paywall.ReconcileFailure{
		ID:            id,
		TransactionID: getString(data, "transaction_id"),
		Purpose:       paywall.Purpose(getString(data, "purpose")),
		Action:        getString(data, "action"),
		Attempts:      getInt(data, "attempts"),
		LastError:     getString(data, "last_error"),
		NextAttemptAt: getTime(data, "next_attempt_at"),
		CreatedAt:     getTime(data, "created_at"),
		UpdatedAt:     getTime(data, "updated_at"),
	}
}

// Helper functions for type conversion from Firestore data

func getString(data map[string]interface{}, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}

func getInt(data map[string]interface{}, key string) int {
	switch v := data[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(math.Round(v))
	default:
		return 0
	}
}

func getTime(data map[string]interface{}, key string) time.Time {
	if v, ok := data[key].(time.Time); ok {
		return v.UTC()
	}
	return time.Time{}
}

func getTimePtr(data map[string]interface{}, key string) *time.Time {
	if v, ok := data[key].(time.Time); ok {
		t := v.UTC()
		return &t
	}
	return nil
}

var _ paywall.Storage = (*Storage)(nil)
