// Package storagetest holds the behaviour every paywall.Storage backend must
// share. Backend test files call Run with a factory for a clean store.
package storagetest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/paywall/pkg/paywall"
)

// Factory returns an empty store. It is called once per subtest.
type Factory func(t *testing.T) paywall.Storage

// Run executes the shared backend suite.
func Run(t *testing.T, newStorage Factory) {
	t.Run("TransactionLifecycle", func(t *testing.T) { testTransactionLifecycle(t, newStorage(t)) })
	t.Run("ProviderRefIndex", func(t *testing.T) { testProviderRefIndex(t, newStorage(t)) })
	t.Run("TransitionCAS", func(t *testing.T) { testTransitionCAS(t, newStorage(t)) })
	t.Run("ConcurrentTransition", func(t *testing.T) { testConcurrentTransition(t, newStorage(t)) })
	t.Run("ListTransactions", func(t *testing.T) { testListTransactions(t, newStorage(t)) })
	t.Run("GrantOnce", func(t *testing.T) { testGrantOnce(t, newStorage(t)) })
	t.Run("GrantExtend", func(t *testing.T) { testGrantExtend(t, newStorage(t)) })
	t.Run("RevokeGrants", func(t *testing.T) { testRevokeGrants(t, newStorage(t)) })
	t.Run("ReassignGrant", func(t *testing.T) { testReassignGrant(t, newStorage(t)) })
	t.Run("RetryQueue", func(t *testing.T) { testRetryQueue(t, newStorage(t)) })
	t.Run("ClaimFailures", func(t *testing.T) { testClaimFailures(t, newStorage(t)) })
	t.Run("ConcurrentClaim", func(t *testing.T) { testConcurrentClaim(t, newStorage(t)) })
}

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// NewTransaction returns a pending transaction for tests.
func NewTransaction(userID, listingID string, purpose paywall.Purpose) *paywall.Transaction {
	return &paywall.Transaction{
		ID:        uuid.NewString(),
		UserID:    userID,
		ListingID: listingID,
		Purpose:   purpose,
		Amount:    decimal.RequireFromString("19.00"),
		Currency:  "USD",
		Provider:  paywall.ProviderStripe,
		Status:    paywall.StatusPending,
		Meta:      paywall.Meta{},
		CreatedAt: base,
		UpdatedAt: base,
	}
}

func testTransactionLifecycle(t *testing.T, s paywall.Storage) {
	ctx := context.Background()

	_, err := s.GetTransaction(ctx, "missing")
	require.ErrorIs(t, err, paywall.ErrTransactionNotFound)

	tx := NewTransaction("user-1", "42", paywall.PurposeRevealContact)
	tx.Meta[paywall.MetaMessageID] = "m-1"
	require.NoError(t, s.CreateTransaction(ctx, tx))

	got, err := s.GetTransaction(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, "user-1", got.UserID)
	assert.Equal(t, "42", got.ListingID)
	assert.Equal(t, paywall.StatusPending, got.Status)
	assert.True(t, tx.Amount.Equal(got.Amount), "amount %s", got.Amount)
	assert.Equal(t, "USD", got.Currency)
	assert.Equal(t, "m-1", got.MessageID())
	assert.Empty(t, got.ProviderRef)

	require.NoError(t, s.AttachProviderRef(ctx, tx.ID, "pi_1"))
	got, err = s.GetTransaction(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, "pi_1", got.ProviderRef)

	assert.ErrorIs(t, s.AttachProviderRef(ctx, "missing", "pi_x"), paywall.ErrTransactionNotFound)
}

func testProviderRefIndex(t *testing.T, s paywall.Storage) {
	ctx := context.Background()

	got, err := s.FindByProviderRef(ctx, paywall.ProviderStripe, "pi_none")
	require.NoError(t, err)
	assert.Nil(t, got)

	tx := NewTransaction("user-1", "42", paywall.PurposeFeature)
	require.NoError(t, s.CreateTransaction(ctx, tx))
	require.NoError(t, s.AttachProviderRef(ctx, tx.ID, "cs_1"))

	got, err = s.FindByProviderRef(ctx, paywall.ProviderStripe, "cs_1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, tx.ID, got.ID)

	got, err = s.FindByProviderRef(ctx, paywall.ProviderPayPal, "cs_1")
	require.NoError(t, err)
	assert.Nil(t, got, "refs are scoped by provider")

	// A succeeded transition may replace the ref.
	_, applied, err := s.TransitionStatus(ctx, &paywall.TransitionRequest{
		TransactionID: tx.ID,
		Provider:      tx.Provider,
		From:          paywall.StatusPending,
		To:            paywall.StatusSucceeded,
		ProviderRef:   "pi_1",
		At:            base.Add(time.Minute),
	})
	require.NoError(t, err)
	require.True(t, applied)

	got, err = s.FindByProviderRef(ctx, paywall.ProviderStripe, "pi_1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, tx.ID, got.ID)

	dup := NewTransaction("user-2", "", paywall.PurposeSubscription)
	dup.ProviderRef = "pi_1"
	dup.Status = paywall.StatusSucceeded
	assert.ErrorIs(t, s.CreateTransaction(ctx, dup), paywall.ErrDuplicateProviderRef)
}

func testTransitionCAS(t *testing.T, s paywall.Storage) {
	ctx := context.Background()
	tx := NewTransaction("user-1", "42", paywall.PurposeRevealContact)
	require.NoError(t, s.CreateTransaction(ctx, tx))

	at := base.Add(time.Minute)
	got, applied, err := s.TransitionStatus(ctx, &paywall.TransitionRequest{
		TransactionID: tx.ID,
		Provider:      tx.Provider,
		From:          paywall.StatusPending,
		To:            paywall.StatusSucceeded,
		MetaPatch:     paywall.Meta{paywall.MetaEventID: "evt_1"},
		At:            at,
	})
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, paywall.StatusSucceeded, got.Status)
	assert.Equal(t, "evt_1", got.Meta[paywall.MetaEventID])
	assert.True(t, at.Equal(got.UpdatedAt))

	// Stale From: no-op, current row returned.
	got, applied, err = s.TransitionStatus(ctx, &paywall.TransitionRequest{
		TransactionID: tx.ID,
		Provider:      tx.Provider,
		From:          paywall.StatusPending,
		To:            paywall.StatusFailed,
		At:            at.Add(time.Minute),
	})
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, paywall.StatusSucceeded, got.Status)

	// Illegal edge: no-op even when From matches.
	_, applied, err = s.TransitionStatus(ctx, &paywall.TransitionRequest{
		TransactionID: tx.ID,
		Provider:      tx.Provider,
		From:          paywall.StatusSucceeded,
		To:            paywall.StatusPending,
		At:            at.Add(time.Minute),
	})
	require.NoError(t, err)
	assert.False(t, applied)

	_, _, err = s.TransitionStatus(ctx, &paywall.TransitionRequest{
		TransactionID: "missing",
		From:          paywall.StatusPending,
		To:            paywall.StatusSucceeded,
		At:            at,
	})
	assert.ErrorIs(t, err, paywall.ErrTransactionNotFound)

	assert.ErrorIs(t, s.AttachProviderRef(ctx, tx.ID, "pi_late"), paywall.ErrInvalidTransition)
}

func testConcurrentTransition(t *testing.T, s paywall.Storage) {
	ctx := context.Background()
	tx := NewTransaction("user-1", "42", paywall.PurposeRevealContact)
	require.NoError(t, s.CreateTransaction(ctx, tx))

	const workers = 16
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		applied int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := s.TransitionStatus(ctx, &paywall.TransitionRequest{
				TransactionID: tx.ID,
				Provider:      tx.Provider,
				From:          paywall.StatusPending,
				To:            paywall.StatusSucceeded,
				At:            base.Add(time.Second),
			})
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				applied++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, applied, "exactly one caller must win the transition")
}

func testListTransactions(t *testing.T, s paywall.Storage) {
	ctx := context.Background()
	for i, p := range []paywall.Purpose{paywall.PurposeRevealContact, paywall.PurposeFeature, paywall.PurposeRevealContact} {
		tx := NewTransaction("user-1", "42", p)
		tx.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, s.CreateTransaction(ctx, tx))
	}
	other := NewTransaction("user-2", "7", paywall.PurposeFeature)
	require.NoError(t, s.CreateTransaction(ctx, other))

	all, err := s.ListTransactions(ctx, paywall.TransactionFilter{UserID: "user-1"})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.True(t, all[0].CreatedAt.After(all[2].CreatedAt), "newest first")

	reveals, err := s.ListTransactions(ctx, paywall.TransactionFilter{UserID: "user-1", Purpose: paywall.PurposeRevealContact})
	require.NoError(t, err)
	assert.Len(t, reveals, 2)

	limited, err := s.ListTransactions(ctx, paywall.TransactionFilter{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func revealRequest(txID string, at time.Time) *paywall.GrantRequest {
	return &paywall.GrantRequest{
		ID:            uuid.NewString(),
		Key:           paywall.GrantKey(paywall.PurposeRevealContact, "user-1", "42", "", txID),
		UserID:        "user-1",
		ListingID:     "42",
		Purpose:       paywall.PurposeRevealContact,
		TransactionID: txID,
		Mode:          paywall.GrantModeOnce,
		At:            at,
	}
}

func testGrantOnce(t *testing.T, s paywall.Storage) {
	ctx := context.Background()
	key := paywall.GrantKey(paywall.PurposeRevealContact, "user-1", "42", "", "")

	_, err := s.GetGrant(ctx, key)
	require.ErrorIs(t, err, paywall.ErrGrantNotFound)

	first, created, err := s.ApplyGrant(ctx, revealRequest("tx-1", base))
	require.NoError(t, err)
	assert.True(t, created)
	assert.Nil(t, first.ExpiresAt)

	second, created, err := s.ApplyGrant(ctx, revealRequest("tx-2", base.Add(time.Hour)))
	require.NoError(t, err)
	assert.False(t, created, "active grant must be kept")
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "tx-1", second.TransactionID)

	stored, err := s.GetGrant(ctx, key)
	require.NoError(t, err)
	assert.True(t, stored.Active(base.Add(24*time.Hour)))

	// A revoked grant is reactivated under the same id.
	n, err := s.RevokeGrants(ctx, &paywall.RevokeRequest{TransactionID: "tx-1", At: base.Add(2 * time.Hour)})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	again, created, err := s.ApplyGrant(ctx, revealRequest("tx-3", base.Add(3*time.Hour)))
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, "tx-3", again.TransactionID)
	assert.Nil(t, again.RevokedAt)
}

func testGrantExtend(t *testing.T, s paywall.Storage) {
	ctx := context.Background()
	key := paywall.GrantKey(paywall.PurposeFeature, "", "42", "", "")
	req := func(until time.Time, txID string) *paywall.GrantRequest {
		return &paywall.GrantRequest{
			ID:            uuid.NewString(),
			Key:           key,
			UserID:        "user-1",
			ListingID:     "42",
			Purpose:       paywall.PurposeFeature,
			TransactionID: txID,
			ExpiresAt:     &until,
			Mode:          paywall.GrantModeExtend,
			At:            base,
		}
	}

	late := base.Add(14 * 24 * time.Hour)
	early := base.Add(7 * 24 * time.Hour)

	g, created, err := s.ApplyGrant(ctx, req(late, "tx-1"))
	require.NoError(t, err)
	assert.True(t, created)
	require.NotNil(t, g.ExpiresAt)
	assert.True(t, late.Equal(*g.ExpiresAt))

	g, created, err = s.ApplyGrant(ctx, req(early, "tx-2"))
	require.NoError(t, err)
	assert.False(t, created, "earlier expiry must not shorten the window")
	assert.True(t, late.Equal(*g.ExpiresAt))

	later := late.Add(24 * time.Hour)
	g, created, err = s.ApplyGrant(ctx, req(later, "tx-3"))
	require.NoError(t, err)
	assert.True(t, created)
	assert.True(t, later.Equal(*g.ExpiresAt))

	stored, err := s.GetGrant(ctx, key)
	require.NoError(t, err)
	assert.True(t, later.Equal(*stored.ExpiresAt))
	assert.Equal(t, "tx-3", stored.TransactionID)
}

func testRevokeGrants(t *testing.T, s paywall.Storage) {
	ctx := context.Background()
	_, _, err := s.ApplyGrant(ctx, revealRequest("tx-1", base))
	require.NoError(t, err)
	_, _, err = s.ApplyGrant(ctx, &paywall.GrantRequest{
		ID:            uuid.NewString(),
		Key:           paywall.GrantKey(paywall.PurposeMessage, "user-1", "42", "m-1", "tx-2"),
		UserID:        "user-1",
		ListingID:     "42",
		MessageID:     "m-1",
		Purpose:       paywall.PurposeMessage,
		TransactionID: "tx-2",
		At:            base,
	})
	require.NoError(t, err)

	n, err := s.RevokeGrants(ctx, &paywall.RevokeRequest{UserID: "user-2", At: base})
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = s.RevokeGrants(ctx, &paywall.RevokeRequest{UserID: "user-1", Purpose: paywall.PurposeMessage, At: base.Add(time.Hour)})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	msg, err := s.GetGrant(ctx, paywall.GrantKey(paywall.PurposeMessage, "user-1", "", "m-1", ""))
	require.NoError(t, err)
	require.NotNil(t, msg.RevokedAt)
	assert.False(t, msg.Active(base.Add(2*time.Hour)))

	// Already revoked grants are not counted again.
	n, err = s.RevokeGrants(ctx, &paywall.RevokeRequest{UserID: "user-1", At: base.Add(2 * time.Hour)})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func testReassignGrant(t *testing.T, s paywall.Storage) {
	ctx := context.Background()
	key := paywall.GrantKey(paywall.PurposeFeature, "", "42", "", "")
	until := base.Add(14 * 24 * time.Hour)
	_, _, err := s.ApplyGrant(ctx, &paywall.GrantRequest{
		ID:            uuid.NewString(),
		Key:           key,
		UserID:        "user-2",
		ListingID:     "42",
		Purpose:       paywall.PurposeFeature,
		TransactionID: "tx-2",
		ExpiresAt:     &until,
		Mode:          paywall.GrantModeExtend,
		At:            base,
	})
	require.NoError(t, err)

	reassign := func(from, to string, expires *time.Time, at time.Time) (*paywall.EntitlementGrant, bool) {
		g, moved, err := s.ReassignGrant(ctx, &paywall.ReassignRequest{
			Key:               key,
			FromTransactionID: from,
			TransactionID:     to,
			UserID:            "user-1",
			ExpiresAt:         expires,
			At:                at,
		})
		require.NoError(t, err)
		return g, moved
	}

	// Only the current holder can hand the grant over.
	_, moved := reassign("tx-9", "tx-1", &until, base)
	assert.False(t, moved)

	_, moved, err = s.ReassignGrant(ctx, &paywall.ReassignRequest{Key: "feature:missing", FromTransactionID: "tx-2", TransactionID: "tx-1", At: base})
	require.NoError(t, err)
	assert.False(t, moved)

	shorter := base.Add(7 * 24 * time.Hour)
	g, moved := reassign("tx-2", "tx-1", &shorter, base)
	require.True(t, moved)
	assert.Equal(t, "tx-1", g.TransactionID)

	stored, err := s.GetGrant(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "tx-1", stored.TransactionID)
	assert.Equal(t, "user-1", stored.UserID)
	require.NotNil(t, stored.ExpiresAt)
	assert.True(t, shorter.Equal(*stored.ExpiresAt))
	assert.Nil(t, stored.RevokedAt)

	// Revoking the previous holder no longer touches the grant.
	n, err := s.RevokeGrants(ctx, &paywall.RevokeRequest{TransactionID: "tx-2", At: base})
	require.NoError(t, err)
	assert.Zero(t, n)

	// An expiry already in the past revokes instead of moving.
	past := base.Add(-time.Hour)
	_, moved = reassign("tx-1", "tx-3", &past, base)
	require.True(t, moved)
	stored, err = s.GetGrant(ctx, key)
	require.NoError(t, err)
	assert.NotNil(t, stored.RevokedAt)
	assert.False(t, stored.Active(base))

	// A revoked grant cannot be handed over.
	_, moved = reassign("tx-1", "tx-3", &until, base)
	assert.False(t, moved)
}

func testRetryQueue(t *testing.T, s paywall.Storage) {
	ctx := context.Background()
	newFailure := func(txID string, next time.Time) *paywall.ReconcileFailure {
		return &paywall.ReconcileFailure{
			ID:            uuid.NewString(),
			TransactionID: txID,
			Purpose:       paywall.PurposeRevealContact,
			Action:        paywall.FailureActionGrant,
			Attempts:      1,
			LastError:     "boom",
			NextAttemptAt: next,
			CreatedAt:     base,
			UpdatedAt:     base,
		}
	}

	first := newFailure("tx-1", base.Add(time.Minute))
	second := newFailure("tx-2", base.Add(2*time.Minute))
	future := newFailure("tx-3", base.Add(time.Hour))
	for _, f := range []*paywall.ReconcileFailure{second, future, first} {
		require.NoError(t, s.EnqueueFailure(ctx, f))
	}

	due, err := s.DueFailures(ctx, base.Add(5*time.Minute), 5, 10)
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, first.ID, due[0].ID, "oldest first")
	assert.Equal(t, paywall.FailureActionGrant, due[0].Action)

	due, err = s.DueFailures(ctx, base.Add(5*time.Minute), 5, 1)
	require.NoError(t, err)
	assert.Len(t, due, 1)

	require.NoError(t, s.RescheduleFailure(ctx, first.ID, base.Add(30*time.Minute), "still failing"))
	due, err = s.DueFailures(ctx, base.Add(5*time.Minute), 5, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, second.ID, due[0].ID)

	// Exhausted records stay queued but are no longer due.
	due, err = s.DueFailures(ctx, base.Add(31*time.Minute), 2, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, second.ID, due[0].ID)

	require.NoError(t, s.CompleteFailure(ctx, second.ID))
	assert.ErrorIs(t, s.CompleteFailure(ctx, second.ID), paywall.ErrFailureNotFound)
	assert.ErrorIs(t, s.RescheduleFailure(ctx, "missing", base, "x"), paywall.ErrFailureNotFound)
}

func queuedFailure(txID string, attempts int, next time.Time) *paywall.ReconcileFailure {
	return &paywall.ReconcileFailure{
		ID:            uuid.NewString(),
		TransactionID: txID,
		Purpose:       paywall.PurposeFeature,
		Action:        paywall.FailureActionGrant,
		Attempts:      attempts,
		LastError:     "boom",
		NextAttemptAt: next,
		CreatedAt:     base,
		UpdatedAt:     base,
	}
}

func testClaimFailures(t *testing.T, s paywall.Storage) {
	ctx := context.Background()
	now := base.Add(10 * time.Minute)
	lease := now.Add(5 * time.Minute)

	due := queuedFailure("tx-1", 1, base)
	exhausted := queuedFailure("tx-2", 3, base)
	future := queuedFailure("tx-3", 1, base.Add(time.Hour))
	for _, f := range []*paywall.ReconcileFailure{due, exhausted, future} {
		require.NoError(t, s.EnqueueFailure(ctx, f))
	}

	claimed, err := s.ClaimFailures(ctx, now, lease, 3, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, due.ID, claimed[0].ID)
	assert.Equal(t, 1, claimed[0].Attempts, "claiming is not an attempt")
	assert.True(t, lease.Equal(claimed[0].NextAttemptAt))

	// Leased records are hidden until the lease lapses.
	again, err := s.ClaimFailures(ctx, now, lease, 3, 10)
	require.NoError(t, err)
	assert.Empty(t, again)
	listed, err := s.DueFailures(ctx, now, 3, 10)
	require.NoError(t, err)
	assert.Empty(t, listed)

	again, err = s.ClaimFailures(ctx, lease, lease.Add(5*time.Minute), 3, 10)
	require.NoError(t, err)
	require.Len(t, again, 1)
	assert.Equal(t, due.ID, again[0].ID)

	// A reschedule after the claim replaces the lease.
	require.NoError(t, s.RescheduleFailure(ctx, due.ID, now, "still failing"))
	listed, err = s.DueFailures(ctx, now, 3, 10)
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, 2, listed[0].Attempts)
}

func testConcurrentClaim(t *testing.T, s paywall.Storage) {
	ctx := context.Background()
	const records = 12
	for i := 0; i < records; i++ {
		require.NoError(t, s.EnqueueFailure(ctx, queuedFailure("tx", 1, base)))
	}

	now := base.Add(time.Minute)
	var (
		mu     sync.Mutex
		counts = make(map[string]int)
		wg     sync.WaitGroup
	)
	for w := 0; w < 3; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			claimed, err := s.ClaimFailures(ctx, now, now.Add(time.Hour), 5, 0)
			assert.NoError(t, err)
			mu.Lock()
			for _, f := range claimed {
				counts[f.ID]++
			}
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Len(t, counts, records)
	for id, n := range counts {
		assert.Equal(t, 1, n, "record %s claimed more than once", id)
	}
}
