package memory

import (
	"context"
	"testing"
	"time"

	"github.com/mihaimyh/paywall/pkg/paywall"
	"github.com/mihaimyh/paywall/storage/storagetest"
)

func TestStorage(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) paywall.Storage {
		return New()
	})
}

func TestStorage_ReturnsCopies(t *testing.T) {
	storage := New()
	ctx := context.Background()

	tx := storagetest.NewTransaction("user1", "42", paywall.PurposeRevealContact)
	if err := storage.CreateTransaction(ctx, tx); err != nil {
		t.Fatalf("CreateTransaction failed: %v", err)
	}

	// Mutating the caller's value must not reach the store
	tx.Status = paywall.StatusSucceeded

	got, err := storage.GetTransaction(ctx, tx.ID)
	if err != nil {
		t.Fatalf("GetTransaction failed: %v", err)
	}
	if got.Status != paywall.StatusPending {
		t.Errorf("Status mismatch: got %s, want %s", got.Status, paywall.StatusPending)
	}

	got.Meta["tampered"] = true
	again, _ := storage.GetTransaction(ctx, tx.ID)
	if _, ok := again.Meta["tampered"]; ok {
		t.Error("Expected returned meta to be a copy")
	}
}

func TestStorage_Failures(t *testing.T) {
	storage := New()
	ctx := context.Background()

	f := &paywall.ReconcileFailure{
		ID:            "f1",
		TransactionID: "tx1",
		Action:        paywall.FailureActionRevoke,
		Attempts:      5,
		NextAttemptAt: time.Now().UTC(),
	}
	if err := storage.EnqueueFailure(ctx, f); err != nil {
		t.Fatalf("EnqueueFailure failed: %v", err)
	}

	due, err := storage.DueFailures(ctx, time.Now().UTC().Add(time.Minute), 5, 10)
	if err != nil {
		t.Fatalf("DueFailures failed: %v", err)
	}
	if len(due) != 0 {
		t.Errorf("Expected exhausted failure to be skipped, got %d", len(due))
	}

	all := storage.Failures()
	if len(all) != 1 || all[0].Action != paywall.FailureActionRevoke {
		t.Errorf("Expected the dead-lettered failure to remain, got %+v", all)
	}
}

func TestStorage_Clear(t *testing.T) {
	storage := New()
	ctx := context.Background()

	tx := storagetest.NewTransaction("user1", "", paywall.PurposeSubscription)
	tx.ProviderRef = "cs_1"
	if err := storage.CreateTransaction(ctx, tx); err != nil {
		t.Fatalf("CreateTransaction failed: %v", err)
	}

	storage.Clear()

	if _, err := storage.GetTransaction(ctx, tx.ID); err != paywall.ErrTransactionNotFound {
		t.Errorf("Expected ErrTransactionNotFound, got %v", err)
	}
	found, err := storage.FindByProviderRef(ctx, paywall.ProviderStripe, "cs_1")
	if err != nil || found != nil {
		t.Errorf("Expected ref index to be cleared, got %+v, %v", found, err)
	}
}
