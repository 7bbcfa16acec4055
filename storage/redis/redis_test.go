package redis

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/paywall/pkg/paywall"
	"github.com/mihaimyh/paywall/storage/storagetest"
)

// setupTestRedis creates a Redis client for testing
// Requires Redis running on localhost:6379
func setupTestRedis(t *testing.T) *redis.Client {
	t.Helper()

	client := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   15, // Use DB 15 for testing
	})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}

	// Clear test database
	if err := client.FlushDB(ctx).Err(); err != nil {
		t.Fatalf("Failed to flush test database: %v", err)
	}

	return client
}

func setupTestStorage(t *testing.T) *Storage {
	t.Helper()
	client := setupTestRedis(t)
	t.Cleanup(func() { _ = client.Close() })

	storage, err := New(client, DefaultConfig())
	require.NoError(t, err)
	return storage
}

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		client  redis.UniversalClient
		config  Config
		wantErr bool
	}{
		{
			name:    "nil client",
			client:  nil,
			config:  DefaultConfig(),
			wantErr: true,
		},
		{
			name:    "valid client with default config",
			client:  redis.NewClient(&redis.Options{Addr: "localhost:6379"}),
			config:  DefaultConfig(),
			wantErr: false,
		},
		{
			name:   "valid client with custom config",
			client: redis.NewClient(&redis.Options{Addr: "localhost:6379"}),
			config: Config{
				KeyPrefix:  "test:",
				MaxRetries: 5,
				ScanBatch:  50,
			},
			wantErr: false,
		},
		{
			name:    "empty config uses defaults",
			client:  redis.NewClient(&redis.Options{Addr: "localhost:6379"}),
			config:  Config{},
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			storage, err := New(tt.client, tt.config)
			if (err != nil) != tt.wantErr {
				t.Errorf("New() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr {
				if storage == nil {
					t.Error("New() returned nil storage")
					return
				}
				if storage.config.KeyPrefix == "" {
					t.Error("KeyPrefix should not be empty")
				}
				if storage.config.MaxRetries == 0 {
					t.Error("MaxRetries should not be zero")
				}
				if storage.config.ScanBatch == 0 {
					t.Error("ScanBatch should not be zero")
				}
			}
		})
	}
}

func TestStorage_Suite(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) paywall.Storage {
		return setupTestStorage(t)
	})
}

func TestStorage_KeyLayout(t *testing.T) {
	storage := setupTestStorage(t)
	ctx := context.Background()

	tx := storagetest.NewTransaction("user1", "42", paywall.PurposeRevealContact)
	tx.ProviderRef = "pi_layout"
	require.NoError(t, storage.CreateTransaction(ctx, tx))

	owner, err := storage.client.Get(ctx, "paywall:ref:stripe:pi_layout").Result()
	require.NoError(t, err)
	assert.Equal(t, tx.ID, owner)

	score, err := storage.client.ZScore(ctx, "paywall:tx_index", tx.ID).Result()
	require.NoError(t, err)
	assert.Equal(t, float64(tx.CreatedAt.UnixMilli()), score)
}

func TestStorage_TransitionMovesRefIndex(t *testing.T) {
	storage := setupTestStorage(t)
	ctx := context.Background()

	tx := storagetest.NewTransaction("user1", "42", paywall.PurposeRevealContact)
	require.NoError(t, storage.CreateTransaction(ctx, tx))
	require.NoError(t, storage.AttachProviderRef(ctx, tx.ID, "cs_1"))

	_, applied, err := storage.TransitionStatus(ctx, &paywall.TransitionRequest{
		TransactionID: tx.ID,
		From:          paywall.StatusPending,
		To:            paywall.StatusSucceeded,
		ProviderRef:   "pi_1",
		At:            time.Now().UTC(),
	})
	require.NoError(t, err)
	require.True(t, applied)

	found, err := storage.FindByProviderRef(ctx, paywall.ProviderStripe, "pi_1")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, tx.ID, found.ID)

	stale, err := storage.FindByProviderRef(ctx, paywall.ProviderStripe, "cs_1")
	require.NoError(t, err)
	assert.Nil(t, stale)
}

func TestStorage_CompleteFailureRemovesFromQueue(t *testing.T) {
	storage := setupTestStorage(t)
	ctx := context.Background()

	now := time.Now().UTC()
	require.NoError(t, storage.EnqueueFailure(ctx, &paywall.ReconcileFailure{
		ID:            "f1",
		TransactionID: "tx1",
		Purpose:       paywall.PurposeFeature,
		Action:        paywall.FailureActionGrant,
		NextAttemptAt: now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}))
	require.NoError(t, storage.CompleteFailure(ctx, "f1"))

	n, err := storage.client.ZCard(ctx, "paywall:failures").Result()
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.ErrorIs(t, storage.CompleteFailure(ctx, "f1"), paywall.ErrFailureNotFound)
}
