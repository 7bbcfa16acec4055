// Package tiered provides a Hot/Cold tiered storage adapter. The Cold store
// is the source of truth for the ledger, grants and the retry queue; the Hot
// store (e.g. Redis, Memory) mirrors entitlement grants so gated routes can
// answer from fast storage.
package tiered

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mihaimyh/paywall/pkg/paywall"
)

// Config configures the tiered storage behavior
type Config struct {
	// Hot is the L1 grant mirror (e.g., Redis, Memory) for entitlement checks
	Hot paywall.EntitlementStore

	// Cold is the L2 persistence storage (e.g., Postgres, Firestore) as the source of truth
	Cold paywall.Storage

	// AsyncGrantMirror copies new grants to Hot from a background worker.
	// Revocations are always mirrored synchronously.
	AsyncGrantMirror bool

	// SyncBufferSize is the size of the buffered channel for async operations.
	// Default: 1000
	SyncBufferSize int

	// AsyncErrorHandler is called when a mirror write fails.
	// Essential for monitoring consistency drift.
	AsyncErrorHandler func(error)
}

// Storage implements a Hot/Cold tiered storage architecture.
// Strategies per operation type:
//   - Cold-Only: ledger and retry queue
//   - Read-Through: GetGrant (Hot, then Cold, then populate Hot)
//   - Write-Through: ApplyGrant, RevokeGrants and ReassignGrant (Cold, then Hot)
type Storage struct {
	hot  paywall.EntitlementStore
	cold paywall.Storage
	conf Config

	// Channel for async synchronization
	syncQueue chan func() error
	shutdown  chan struct{}
	wg        sync.WaitGroup
}

// New creates a new tiered storage adapter.
func New(config Config) (*Storage, error) {
	if config.Hot == nil || config.Cold == nil {
		return nil, errors.New("tiered storage: both hot and cold storage are required")
	}

	if config.SyncBufferSize <= 0 {
		config.SyncBufferSize = 1000
	}

	s := &Storage{
		hot:       config.Hot,
		cold:      config.Cold,
		conf:      config,
		syncQueue: make(chan func() error, config.SyncBufferSize),
		shutdown:  make(chan struct{}),
	}

	if config.AsyncGrantMirror {
		s.startWorker()
	}

	return s, nil
}

// Close gracefully shuts down the async worker (if enabled).
func (s *Storage) Close() error {
	if s.conf.AsyncGrantMirror {
		select {
		case <-s.shutdown:
			// Already closed
		default:
			close(s.shutdown)
			s.wg.Wait()
		}
	}
	return nil
}

// startWorker runs the background synchronization loop.
// Jobs run sequentially so mirrored writes keep their order.
func (s *Storage) startWorker() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case job := <-s.syncQueue:
				s.report(job())
			case <-s.shutdown:
				// Drain queue on shutdown (best effort)
				for {
					select {
					case job := <-s.syncQueue:
						s.report(job())
					default:
						return
					}
				}
			}
		}
	}()
}

func (s *Storage) report(err error) {
	if err != nil && s.conf.AsyncErrorHandler != nil {
		s.conf.AsyncErrorHandler(fmt.Errorf("tiered sync failed: %w", err))
	}
}

// --- Strategy: Cold-Only ---

// CreateTransaction implements paywall.Ledger
func (s *Storage) CreateTransaction(ctx context.Context, tx *paywall.Transaction) error {
	return s.cold.CreateTransaction(ctx, tx)
}

// GetTransaction implements paywall.Ledger
func (s *Storage) GetTransaction(ctx context.Context, id string) (*paywall.Transaction, error) {
	return s.cold.GetTransaction(ctx, id)
}

// FindByProviderRef implements paywall.Ledger
func (s *Storage) FindByProviderRef(ctx context.Context, provider paywall.Provider, ref string) (*paywall.Transaction, error) {
	return s.cold.FindByProviderRef(ctx, provider, ref)
}

// AttachProviderRef implements paywall.Ledger
func (s *Storage) AttachProviderRef(ctx context.Context, id, ref string) error {
	return s.cold.AttachProviderRef(ctx, id, ref)
}

// TransitionStatus implements paywall.Ledger
func (s *Storage) TransitionStatus(ctx context.Context, req *paywall.TransitionRequest) (*paywall.Transaction, bool, error) {
	return s.cold.TransitionStatus(ctx, req)
}

// ListTransactions implements paywall.Ledger
func (s *Storage) ListTransactions(ctx context.Context, filter paywall.TransactionFilter) ([]*paywall.Transaction, error) {
	return s.cold.ListTransactions(ctx, filter)
}

// EnqueueFailure implements paywall.RetryQueue
func (s *Storage) EnqueueFailure(ctx context.Context, f *paywall.ReconcileFailure) error {
	return s.cold.EnqueueFailure(ctx, f)
}

// DueFailures implements paywall.RetryQueue
func (s *Storage) DueFailures(ctx context.Context, now time.Time, maxAttempts, limit int) ([]*paywall.ReconcileFailure, error) {
	return s.cold.DueFailures(ctx, now, maxAttempts, limit)
}

// ClaimFailures implements paywall.RetryQueue
func (s *Storage) ClaimFailures(ctx context.Context, now, leaseUntil time.Time, maxAttempts, limit int) ([]*paywall.ReconcileFailure, error) {
	return s.cold.ClaimFailures(ctx, now, leaseUntil, maxAttempts, limit)
}

// RescheduleFailure implements paywall.RetryQueue
func (s *Storage) RescheduleFailure(ctx context.Context, id string, next time.Time, lastErr string) error {
	return s.cold.RescheduleFailure(ctx, id, next, lastErr)
}

// CompleteFailure implements paywall.RetryQueue
func (s *Storage) CompleteFailure(ctx context.Context, id string) error {
	return s.cold.CompleteFailure(ctx, id)
}

// --- Strategy: Read-Through (Hot → Cold → Populate Hot) ---

// GetGrant implements paywall.EntitlementStore with read-through strategy.
func (s *Storage) GetGrant(ctx context.Context, key string) (*paywall.EntitlementGrant, error) {
	// 1. Try Hot
	g, err := s.hot.GetGrant(ctx, key)
	if err == nil {
		return g, nil
	}

	// 2. Try Cold (Source of Truth)
	g, err = s.cold.GetGrant(ctx, key)
	if err != nil {
		return nil, err
	}

	// 3. Populate Hot (Read-Repair). A revoked grant is not copied since the
	// mirror write would resurrect it.
	if g.RevokedAt == nil {
		_, _, _ = s.hot.ApplyGrant(ctx, mirrorRequest(g)) //nolint:errcheck // Cache fill - errors are non-critical
	}
	return g, nil
}

// --- Strategy: Write-Through (Cold → Hot) ---
// Grants must be durable first.

// ApplyGrant implements paywall.EntitlementStore with write-through strategy.
func (s *Storage) ApplyGrant(ctx context.Context, req *paywall.GrantRequest) (*paywall.EntitlementGrant, bool, error) {
	// 1. Write Cold (Durability)
	g, changed, err := s.cold.ApplyGrant(ctx, req)
	if err != nil || !changed {
		return g, changed, err
	}

	// 2. Write Hot (Availability)
	mirror := mirrorRequest(g)
	if s.conf.AsyncGrantMirror {
		select {
		case s.syncQueue <- func() error {
			// Context background ensures completion even if request cancels
			_, _, err := s.hot.ApplyGrant(context.Background(), mirror)
			return err
		}:
		default:
			s.report(errors.New("tiered storage: sync queue full, dropping hot write"))
		}
	} else if _, _, err := s.hot.ApplyGrant(ctx, mirror); err != nil {
		// Cold succeeded and is the source of truth
		s.report(fmt.Errorf("tiered storage: hot grant write failed: %w", err))
	}
	return g, changed, nil
}

// RevokeGrants implements paywall.EntitlementStore with write-through strategy.
// A Hot failure is returned: a stale active grant in Hot would keep access
// open after a refund.
func (s *Storage) RevokeGrants(ctx context.Context, req *paywall.RevokeRequest) (int, error) {
	// 1. Write Cold (Durability)
	n, err := s.cold.RevokeGrants(ctx, req)
	if err != nil {
		return n, err
	}

	// 2. Write Hot
	if _, err := s.hot.RevokeGrants(ctx, req); err != nil {
		return n, fmt.Errorf("tiered storage: hot revoke failed: %w", err)
	}
	return n, nil
}

// ReassignGrant implements paywall.EntitlementStore with write-through
// strategy. Like revocation it may shorten access, so Hot is written
// synchronously and its failure is returned.
func (s *Storage) ReassignGrant(ctx context.Context, req *paywall.ReassignRequest) (*paywall.EntitlementGrant, bool, error) {
	g, moved, err := s.cold.ReassignGrant(ctx, req)
	if err != nil || !moved {
		return g, moved, err
	}

	if _, _, err := s.hot.ReassignGrant(ctx, req); err != nil {
		return g, moved, fmt.Errorf("tiered storage: hot reassign failed: %w", err)
	}
	return g, moved, nil
}

// mirrorRequest turns a stored grant into a request that reproduces it on an
// empty or older Hot entry.
func mirrorRequest(g *paywall.EntitlementGrant) *paywall.GrantRequest {
	req := &paywall.GrantRequest{
		ID:            g.ID,
		Key:           g.Key,
		UserID:        g.UserID,
		ListingID:     g.ListingID,
		MessageID:     g.MessageID,
		Purpose:       g.Purpose,
		TransactionID: g.TransactionID,
		Mode:          paywall.GrantModeExtend,
		At:            g.GrantedAt,
	}
	if g.ExpiresAt != nil {
		t := *g.ExpiresAt
		req.ExpiresAt = &t
	}
	return req
}

var _ paywall.Storage = (*Storage)(nil)
