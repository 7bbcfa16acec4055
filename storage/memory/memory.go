// Package memory provides an in-memory implementation of the paywall.Storage interface.
// This implementation is primarily intended for testing and development.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mihaimyh/paywall/pkg/paywall"
)

// Storage implements paywall.Storage using in-memory maps
type Storage struct {
	mu           sync.RWMutex
	transactions map[string]*paywall.Transaction
	refs         map[string]string // provider:ref -> transaction id
	grants       map[string]*paywall.EntitlementGrant
	failures     map[string]*paywall.ReconcileFailure
}

// New creates a new in-memory storage adapter
func New() *Storage {
	return &Storage{
		transactions: make(map[string]*paywall.Transaction),
		refs:         make(map[string]string),
		grants:       make(map[string]*paywall.EntitlementGrant),
		failures:     make(map[string]*paywall.ReconcileFailure),
	}
}

// CreateTransaction implements paywall.Ledger
func (s *Storage) CreateTransaction(_ context.Context, tx *paywall.Transaction) error {
	if tx == nil || tx.ID == "" {
		return fmt.Errorf("invalid transaction")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.transactions[tx.ID]; ok {
		return fmt.Errorf("transaction %s already exists", tx.ID)
	}
	if tx.ProviderRef != "" {
		if _, ok := s.refs[refKey(tx.Provider, tx.ProviderRef)]; ok {
			return paywall.ErrDuplicateProviderRef
		}
		s.refs[refKey(tx.Provider, tx.ProviderRef)] = tx.ID
	}

	// Store a copy to prevent external mutations
	s.transactions[tx.ID] = tx.Clone()
	return nil
}

// GetTransaction implements paywall.Ledger
func (s *Storage) GetTransaction(_ context.Context, id string) (*paywall.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tx, ok := s.transactions[id]
	if !ok {
		return nil, paywall.ErrTransactionNotFound
	}
	return tx.Clone(), nil
}

// FindByProviderRef implements paywall.Ledger
func (s *Storage) FindByProviderRef(_ context.Context, provider paywall.Provider, ref string) (*paywall.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.refs[refKey(provider, ref)]
	if !ok {
		return nil, nil // No match is not an error
	}
	return s.transactions[id].Clone(), nil
}

// AttachProviderRef implements paywall.Ledger
func (s *Storage) AttachProviderRef(_ context.Context, id, ref string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, ok := s.transactions[id]
	if !ok {
		return paywall.ErrTransactionNotFound
	}
	if tx.Status != paywall.StatusPending {
		return paywall.ErrInvalidTransition
	}
	if err := s.rebindRef(tx, ref); err != nil {
		return err
	}
	tx.Meta = tx.Meta.Merge(paywall.Meta{paywall.MetaProviderRef: ref})
	return nil
}

// TransitionStatus implements paywall.Ledger. The mutex makes the status
// check and the write a single step.
func (s *Storage) TransitionStatus(_ context.Context, req *paywall.TransitionRequest) (*paywall.Transaction, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, ok := s.transactions[req.TransactionID]
	if !ok {
		return nil, false, paywall.ErrTransactionNotFound
	}
	if tx.Status != req.From || !paywall.CanTransition(req.From, req.To) {
		return tx.Clone(), false, nil
	}
	if req.ProviderRef != "" {
		if err := s.rebindRef(tx, req.ProviderRef); err != nil {
			return nil, false, err
		}
	}

	tx.Status = req.To
	tx.Meta = tx.Meta.Merge(req.MetaPatch)
	tx.UpdatedAt = req.At
	return tx.Clone(), true, nil
}

// rebindRef points tx at ref. Must be called with the write lock held.
func (s *Storage) rebindRef(tx *paywall.Transaction, ref string) error {
	if ref == tx.ProviderRef {
		return nil
	}
	key := refKey(tx.Provider, ref)
	if other, ok := s.refs[key]; ok && other != tx.ID {
		return paywall.ErrDuplicateProviderRef
	}
	if tx.ProviderRef != "" {
		delete(s.refs, refKey(tx.Provider, tx.ProviderRef))
	}
	s.refs[key] = tx.ID
	tx.ProviderRef = ref
	return nil
}

// ListTransactions implements paywall.Ledger
func (s *Storage) ListTransactions(_ context.Context, filter paywall.TransactionFilter) ([]*paywall.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*paywall.Transaction
	for _, tx := range s.transactions {
		if filter.Matches(tx) {
			out = append(out, tx.Clone())
		}
	}
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
func (s *Storage) ApplyGrant(_ context.Context, req *paywall.GrantRequest) (*paywall.EntitlementGrant, bool, error) {
	if req == nil || req.Key == "" {
		return nil, false, fmt.Errorf("invalid grant request")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	g, changed := paywall.MergeGrant(s.grants[req.Key], req)
	if changed {
		s.grants[req.Key] = g.Clone()
	}
	return g, changed, nil
}

// GetGrant implements paywall.EntitlementStore
func (s *Storage) GetGrant(_ context.Context, key string) (*paywall.EntitlementGrant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	g, ok := s.grants[key]
	if !ok {
		return nil, paywall.ErrGrantNotFound
	}
	return g.Clone(), nil
}

// RevokeGrants implements paywall.EntitlementStore
func (s *Storage) RevokeGrants(_ context.Context, req *paywall.RevokeRequest) (int, error) {
	if req.Empty() {
		return 0, fmt.Errorf("revoke request has no selector")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, g := range s.grants {
		if g.RevokedAt != nil || !req.Matches(g) {
			continue
		}
		at := req.At
		g.RevokedAt = &at
		n++
	}
	return n, nil
}

// ReassignGrant implements paywall.EntitlementStore
func (s *Storage) ReassignGrant(_ context.Context, req *paywall.ReassignRequest) (*paywall.EntitlementGrant, bool, error) {
	if req == nil || req.Key == "" {
		return nil, false, fmt.Errorf("invalid reassign request")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	g, changed := paywall.ReassignedGrant(s.grants[req.Key], req)
	if !changed {
		return nil, false, nil
	}
	s.grants[req.Key] = g.Clone()
	return g, true, nil
}

// EnqueueFailure implements paywall.RetryQueue
func (s *Storage) EnqueueFailure(_ context.Context, f *paywall.ReconcileFailure) error {
	if f == nil || f.ID == "" {
		return fmt.Errorf("invalid reconcile failure")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.failures[f.ID] = f.Clone()
	return nil
}

// DueFailures implements paywall.RetryQueue
func (s *Storage) DueFailures(_ context.Context, now time.Time, maxAttempts, limit int) ([]*paywall.ReconcileFailure, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.due(now, maxAttempts, limit), nil
}

// ClaimFailures implements paywall.RetryQueue
func (s *Storage) ClaimFailures(_ context.Context, now, leaseUntil time.Time, maxAttempts, limit int) ([]*paywall.ReconcileFailure, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := s.due(now, maxAttempts, limit)
	for _, f := range out {
		f.NextAttemptAt = leaseUntil
		s.failures[f.ID].NextAttemptAt = leaseUntil
	}
	return out, nil
}

// due returns copies of the due records, oldest first. Must be called with
// the lock held.
func (s *Storage) due(now time.Time, maxAttempts, limit int) []*paywall.ReconcileFailure {
	var out []*paywall.ReconcileFailure
	for _, f := range s.failures {
		if f.NextAttemptAt.After(now) || (maxAttempts > 0 && f.Attempts >= maxAttempts) {
			continue
		}
		out = append(out, f.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].NextAttemptAt.Before(out[j].NextAttemptAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// RescheduleFailure implements paywall.RetryQueue
func (s *Storage) RescheduleFailure(_ context.Context, id string, next time.Time, lastErr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.failures[id]
	if !ok {
		return paywall.ErrFailureNotFound
	}
	f.Attempts++
	f.NextAttemptAt = next
	f.LastError = lastErr
	f.UpdatedAt = time.Now().UTC()
	return nil
}

// CompleteFailure implements paywall.RetryQueue
func (s *Storage) CompleteFailure(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.failures[id]; !ok {
		return paywall.ErrFailureNotFound
	}
	delete(s.failures, id)
	return nil
}

// Failures returns every queued failure, including exhausted ones.
func (s *Storage) Failures() []*paywall.ReconcileFailure {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*paywall.ReconcileFailure, 0, len(s.failures))
	for _, f := range s.failures {
		out = append(out, f.Clone())
	}
	return out
}

func refKey(provider paywall.Provider, ref string) string {
	return string(provider) + ":" + ref
}

// Clear removes all data (useful for testing)
func (s *Storage) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.transactions = make(map[string]*paywall.Transaction)
	s.refs = make(map[string]string)
	s.grants = make(map[string]*paywall.EntitlementGrant)
	s.failures = make(map[string]*paywall.ReconcileFailure)
}
