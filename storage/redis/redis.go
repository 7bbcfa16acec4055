// Package redis provides a Redis implementation of the paywall.Storage interface.
// Inserts run as Lua scripts; read-modify-write paths use WATCH/MULTI so the
// status compare-and-swap and grant upserts stay atomic under concurrency.
package redis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mihaimyh/paywall/pkg/paywall"
)

// getter is satisfied by both the client and a WATCH transaction.
type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

// Storage implements paywall.Storage using Redis
type Storage struct {
	client  redis.UniversalClient
	config  Config
	scripts map[string]*redis.Script
}

// Config holds Redis storage configuration
type Config struct {
	// KeyPrefix is prepended to all Redis keys (default: "paywall:")
	KeyPrefix string

	// MaxRetries bounds optimistic-lock retries when a watched key changes (default: 10)
	MaxRetries int

	// ScanBatch is the MGET batch size used by ListTransactions and DueFailures (default: 200)
	ScanBatch int
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		KeyPrefix:  "paywall:",
		MaxRetries: 10,
		ScanBatch:  200,
	}
}

// New creates a new Redis storage adapter
// The client can be *redis.Client, *redis.ClusterClient, or *redis.Ring
func New(client redis.UniversalClient, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}

	// Set defaults
	if config.KeyPrefix == "" {
		config.KeyPrefix = "paywall:"
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = 10
	}
	if config.ScanBatch <= 0 {
		config.ScanBatch = 200
	}

	s := &Storage{
		client:  client,
		config:  config,
		scripts: make(map[string]*redis.Script),
	}

	// Load Lua scripts
	s.loadScripts()

	return s, nil
}

// loadScripts loads and compiles Lua scripts for atomic operations
func (s *Storage) loadScripts() {
	// Insert a transaction and claim its provider ref in one step
	s.scripts["createTransaction"] = redis.NewScript(`
		local txKey = KEYS[1]
		local refKey = KEYS[2]
		local indexKey = KEYS[3]
		local data = ARGV[1]
		local id = ARGV[2]
		local ref = ARGV[3]
		local score = tonumber(ARGV[4])

		if redis.call('EXISTS', txKey) == 1 then
			return 'exists'
		end
		if ref ~= '' then
			if redis.call('EXISTS', refKey) == 1 then
				return 'duplicate_ref'
			end
			redis.call('SET', refKey, id)
		end

		redis.call('SET', txKey, data)
		redis.call('ZADD', indexKey, score, id)
		return 'ok'
	`)

	// Remove a failure record, reporting whether it existed
	s.scripts["completeFailure"] = redis.NewScript(`
		local removed = redis.call('DEL', KEYS[1])
		redis.call('ZREM', KEYS[2], ARGV[1])
		return removed
	`)
}

// watch runs fn under WATCH on keys, retrying when another client wrote a
// watched key between the read and EXEC.
func (s *Storage) watch(ctx context.Context, fn func(*redis.Tx) error, keys ...string) error {
	for attempt := 0; attempt < s.config.MaxRetries; attempt++ {
		err := s.client.Watch(ctx, fn, keys...)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return fmt.Errorf("optimistic lock retries exhausted on %v: %w", keys, paywall.ErrStorageUnavailable)
}

// CreateTransaction implements paywall.Ledger
func (s *Storage) CreateTransaction(ctx context.Context, tx *paywall.Transaction) error {
	if tx == nil || tx.ID == "" {
		return fmt.Errorf("invalid transaction")
	}
	data, err := encodeTransaction(tx)
	if err != nil {
		return err
	}

	keys := []string{s.txKey(tx.ID), s.refKey(tx.Provider, tx.ProviderRef), s.txIndexKey()}
	args := []interface{}{data, tx.ID, tx.ProviderRef, tx.CreatedAt.UnixMilli()}

	// Execute Lua script for atomic insert
	result, err := s.scripts["createTransaction"].Run(ctx, s.client, keys, args...).Text()
	if err != nil {
		return fmt.Errorf("failed to create transaction: %w", err)
	}
	switch result {
	case "ok":
		return nil
	case "duplicate_ref":
		return paywall.ErrDuplicateProviderRef
	case "exists":
		return fmt.Errorf("transaction %s already exists", tx.ID)
	default:
		return fmt.Errorf("unexpected create result %q", result)
	}
}

// GetTransaction implements paywall.Ledger
func (s *Storage) GetTransaction(ctx context.Context, id string) (*paywall.Transaction, error) {
	return s.getTransaction(ctx, s.client, id)
}

func (s *Storage) getTransaction(ctx context.Context, c getter, id string) (*paywall.Transaction, error) {
	data, err := c.Get(ctx, s.txKey(id)).Result()
	if err == redis.Nil {
		return nil, paywall.ErrTransactionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction: %w", err)
	}
	return decodeTransaction(data)
}

// FindByProviderRef implements paywall.Ledger
func (s *Storage) FindByProviderRef(ctx context.Context, provider paywall.Provider, ref string) (*paywall.Transaction, error) {
	if ref == "" {
		return nil, nil
	}
	id, err := s.client.Get(ctx, s.refKey(provider, ref)).Result()
	if err == redis.Nil {
		return nil, nil // No match is not an error
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read provider ref: %w", err)
	}

	tx, err := s.GetTransaction(ctx, id)
	if errors.Is(err, paywall.ErrTransactionNotFound) {
		return nil, nil
	}
	return tx, err
}

// AttachProviderRef implements paywall.Ledger
func (s *Storage) AttachProviderRef(ctx context.Context, id, ref string) error {
	return s.watch(ctx, func(rtx *redis.Tx) error {
		tx, err := s.getTransaction(ctx, rtx, id)
		if err != nil {
			return err
		}
		if tx.Status != paywall.StatusPending {
			return paywall.ErrInvalidTransition
		}

		oldRef := tx.ProviderRef
		if err := s.claimRef(ctx, rtx, tx, ref); err != nil {
			return err
		}
		tx.Meta = tx.Meta.Merge(paywall.Meta{paywall.MetaProviderRef: ref})
		return s.writeTransaction(ctx, rtx, tx, oldRef)
	}, s.txKey(id))
}

// TransitionStatus implements paywall.Ledger. The transaction key is watched,
// so a concurrent writer aborts EXEC and the loser re-reads the new status.
func (s *Storage) TransitionStatus(ctx context.Context, req *paywall.TransitionRequest) (*paywall.Transaction, bool, error) {
	var (
		result  *paywall.Transaction
		applied bool
	)
	err := s.watch(ctx, func(rtx *redis.Tx) error {
		applied = false
		tx, err := s.getTransaction(ctx, rtx, req.TransactionID)
		if err != nil {
			return err
		}
		if tx.Status != req.From || !paywall.CanTransition(req.From, req.To) {
			result = tx
			return nil
		}

		oldRef := tx.ProviderRef
		if req.ProviderRef != "" {
			if err := s.claimRef(ctx, rtx, tx, req.ProviderRef); err != nil {
				return err
			}
		}
		tx.Status = req.To
		tx.Meta = tx.Meta.Merge(req.MetaPatch)
		tx.UpdatedAt = req.At

		if err := s.writeTransaction(ctx, rtx, tx, oldRef); err != nil {
			return err
		}
		result, applied = tx, true
		return nil
	}, s.txKey(req.TransactionID))
	if err != nil {
		return nil, false, err
	}
	return result, applied, nil
}

// claimRef points tx at ref after checking no other transaction owns it.
// The ref key is added to the watch set before it is read.
func (s *Storage) claimRef(ctx context.Context, rtx *redis.Tx, tx *paywall.Transaction, ref string) error {
	if ref == tx.ProviderRef {
		return nil
	}
	key := s.refKey(tx.Provider, ref)
	if err := rtx.Watch(ctx, key).Err(); err != nil {
		return fmt.Errorf("failed to watch provider ref: %w", err)
	}
	owner, err := rtx.Get(ctx, key).Result()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("failed to read provider ref: %w", err)
	}
	if err == nil && owner != tx.ID {
		return paywall.ErrDuplicateProviderRef
	}
	tx.ProviderRef = ref
	return nil
}

// writeTransaction stores tx and moves the ref index from oldRef to tx.ProviderRef.
func (s *Storage) writeTransaction(ctx context.Context, rtx *redis.Tx, tx *paywall.Transaction, oldRef string) error {
	data, err := encodeTransaction(tx)
	if err != nil {
		return err
	}
	_, err = rtx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.txKey(tx.ID), data, 0)
		if tx.ProviderRef != oldRef {
			if oldRef != "" {
				pipe.Del(ctx, s.refKey(tx.Provider, oldRef))
			}
			pipe.Set(ctx, s.refKey(tx.Provider, tx.ProviderRef), tx.ID, 0)
		}
		return nil
	})
	return err
}

// ListTransactions implements paywall.Ledger
func (s *Storage) ListTransactions(ctx context.Context, filter paywall.TransactionFilter) ([]*paywall.Transaction, error) {
	ids, err := s.client.ZRevRange(ctx, s.txIndexKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read transaction index: %w", err)
	}

	var out []*paywall.Transaction
	err = s.loadBatches(ctx, ids, s.txKey, func(data string) error {
		tx, err := decodeTransaction(data)
		if err != nil {
			return err
		}
		if filter.Matches(tx) {
			out = append(out, tx)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	// The index score has millisecond precision; order exactly here.
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

// loadBatches MGETs the records named by ids. Missing keys are skipped.
func (s *Storage) loadBatches(ctx context.Context, ids []string, key func(string) string, fn func(string) error) error {
	for start := 0; start < len(ids); start += s.config.ScanBatch {
		end := start + s.config.ScanBatch
		if end > len(ids) {
			end = len(ids)
		}
		keys := make([]string, 0, end-start)
		for _, id := range ids[start:end] {
			keys = append(keys, key(id))
		}

		values, err := s.client.MGet(ctx, keys...).Result()
		if err != nil {
			return fmt.Errorf("failed to load records: %w", err)
		}
		for _, v := range values {
			data, ok := v.(string)
			if !ok {
				continue
			}
			if err := fn(data); err != nil {
				return err
			}
		}
	}
	return nil
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
	key := s.grantKey(req.Key)
	err := s.watch(ctx, func(rtx *redis.Tx) error {
		existing, err := s.getGrant(ctx, rtx, req.Key)
		if err != nil && !errors.Is(err, paywall.ErrGrantNotFound) {
			return err
		}

		g, ok := paywall.MergeGrant(existing, req)
		result, changed = g, ok
		if !ok {
			return nil
		}

		data, err := encodeGrant(g)
		if err != nil {
			return err
		}
		_, err = rtx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			for _, idx := range s.grantIndexKeys(g) {
				pipe.SAdd(ctx, idx, g.Key)
			}
			return nil
		})
		return err
	}, key)
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
	key := s.grantKey(req.Key)
	err := s.watch(ctx, func(rtx *redis.Tx) error {
		result = nil
		existing, err := s.getGrant(ctx, rtx, req.Key)
		if errors.Is(err, paywall.ErrGrantNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		g, ok := paywall.ReassignedGrant(existing, req)
		if !ok {
			return nil
		}
		data, err := encodeGrant(g)
		if err != nil {
			return err
		}
		if _, err := rtx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			for _, idx := range s.grantIndexKeys(g) {
				pipe.SAdd(ctx, idx, g.Key)
			}
			return nil
		}); err != nil {
			return err
		}
		result = g
		return nil
	}, key)
	if err != nil {
		return nil, false, fmt.Errorf("failed to reassign grant %s: %w", req.Key, err)
	}
	return result, result != nil, nil
}

// GetGrant implements paywall.EntitlementStore
func (s *Storage) GetGrant(ctx context.Context, key string) (*paywall.EntitlementGrant, error) {
	return s.getGrant(ctx, s.client, key)
}

func (s *Storage) getGrant(ctx context.Context, c getter, key string) (*paywall.EntitlementGrant, error) {
	data, err := c.Get(ctx, s.grantKey(key)).Result()
	if err == redis.Nil {
		return nil, paywall.ErrGrantNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get grant: %w", err)
	}
	return decodeGrant(data)
}

// RevokeGrants implements paywall.EntitlementStore. Candidates come from the
// most selective index set and are re-checked against req under WATCH.
func (s *Storage) RevokeGrants(ctx context.Context, req *paywall.RevokeRequest) (int, error) {
	if req.Empty() {
		return 0, fmt.Errorf("revoke request has no selector")
	}

	candidates, err := s.client.SMembers(ctx, s.revokeIndexKey(req)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read grant index: %w", err)
	}

	n := 0
	for _, grantKey := range candidates {
		key := s.grantKey(grantKey)
		err := s.watch(ctx, func(rtx *redis.Tx) error {
			g, err := s.getGrant(ctx, rtx, grantKey)
			if errors.Is(err, paywall.ErrGrantNotFound) {
				return nil
			}
			if err != nil {
				return err
			}
			if g.RevokedAt != nil || !req.Matches(g) {
				return nil
			}

			at := req.At
			g.RevokedAt = &at
			data, err := encodeGrant(g)
			if err != nil {
				return err
			}
			if _, err := rtx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, data, 0)
				return nil
			}); err != nil {
				return err
			}
			n++
			return nil
		}, key)
		if err != nil {
			return n, fmt.Errorf("failed to revoke grant %s: %w", grantKey, err)
		}
	}
	return n, nil
}

// EnqueueFailure implements paywall.RetryQueue
func (s *Storage) EnqueueFailure(ctx context.Context, f *paywall.ReconcileFailure) error {
	if f == nil || f.ID == "" {
		return fmt.Errorf("invalid reconcile failure")
	}
	data, err := encodeFailure(f)
	if err != nil {
		return err
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.failureKey(f.ID), data, 0)
		pipe.ZAdd(ctx, s.failureQueueKey(), redis.Z{Score: float64(f.NextAttemptAt.UnixMilli()), Member: f.ID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to enqueue reconcile failure: %w", err)
	}
	return nil
}

// DueFailures implements paywall.RetryQueue
func (s *Storage) DueFailures(ctx context.Context, now time.Time, maxAttempts, limit int) ([]*paywall.ReconcileFailure, error) {
	ids, err := s.client.ZRangeByScore(ctx, s.failureQueueKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read retry queue: %w", err)
	}

	var out []*paywall.ReconcileFailure
	err = s.loadBatches(ctx, ids, s.failureKey, func(data string) error {
		f, err := decodeFailure(data)
		if err != nil {
			return err
		}
		if f.NextAttemptAt.After(now) || (maxAttempts > 0 && f.Attempts >= maxAttempts) {
			return nil
		}
		out = append(out, f)
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].NextAttemptAt.Before(out[j].NextAttemptAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ClaimFailures implements paywall.RetryQueue. Each due candidate is
// re-read under WATCH and leased only if it is still due, so two workers
// racing for the same record cannot both claim it.
func (s *Storage) ClaimFailures(ctx context.Context, now, leaseUntil time.Time, maxAttempts, limit int) ([]*paywall.ReconcileFailure, error) {
	candidates, err := s.DueFailures(ctx, now, maxAttempts, 0)
	if err != nil {
		return nil, err
	}

	var out []*paywall.ReconcileFailure
	for _, c := range candidates {
		if limit > 0 && len(out) == limit {
			break
		}
		var claimed *paywall.ReconcileFailure
		key := s.failureKey(c.ID)
		err := s.watch(ctx, func(rtx *redis.Tx) error {
			claimed = nil
			data, err := rtx.Get(ctx, key).Result()
			if err == redis.Nil {
				return nil
			}
			if err != nil {
				return fmt.Errorf("failed to get failure: %w", err)
			}
			f, err := decodeFailure(data)
			if err != nil {
				return err
			}
			if f.NextAttemptAt.After(now) || (maxAttempts > 0 && f.Attempts >= maxAttempts) {
				return nil
			}

			f.NextAttemptAt = leaseUntil
			updated, err := encodeFailure(f)
			if err != nil {
				return err
			}
			if _, err := rtx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, updated, 0)
				pipe.ZAdd(ctx, s.failureQueueKey(), redis.Z{Score: float64(leaseUntil.UnixMilli()), Member: f.ID})
				return nil
			}); err != nil {
				return err
			}
			claimed = f
			return nil
		}, key)
		if err != nil {
			return out, fmt.Errorf("failed to claim failure %s: %w", c.ID, err)
		}
		if claimed != nil {
			out = append(out, claimed)
		}
	}
	return out, nil
}

// RescheduleFailure implements paywall.RetryQueue
func (s *Storage) RescheduleFailure(ctx context.Context, id string, next time.Time, lastErr string) error {
	key := s.failureKey(id)
	return s.watch(ctx, func(rtx *redis.Tx) error {
		data, err := rtx.Get(ctx, key).Result()
		if err == redis.Nil {
			return paywall.ErrFailureNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to get failure: %w", err)
		}
		f, err := decodeFailure(data)
		if err != nil {
			return err
		}

		f.Attempts++
		f.NextAttemptAt = next
		f.LastError = lastErr
		f.UpdatedAt = time.Now().UTC()
		updated, err := encodeFailure(f)
		if err != nil {
			return err
		}

		_, err = rtx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, updated, 0)
			pipe.ZAdd(ctx, s.failureQueueKey(), redis.Z{Score: float64(next.UnixMilli()), Member: id})
			return nil
		})
		return err
	}, key)
}

// CompleteFailure implements paywall.RetryQueue
func (s *Storage) CompleteFailure(ctx context.Context, id string) error {
	removed, err := s.scripts["completeFailure"].Run(ctx, s.client,
		[]string{s.failureKey(id), s.failureQueueKey()}, id).Int()
	if err != nil {
		return fmt.Errorf("failed to complete failure: %w", err)
	}
	if removed == 0 {
		return paywall.ErrFailureNotFound
	}
	return nil
}

// Key helpers

func (s *Storage) txKey(id string) string {
	return s.config.KeyPrefix + "tx:" + id
}

func (s *Storage) txIndexKey() string {
	return s.config.KeyPrefix + "tx_index"
}

func (s *Storage) refKey(provider paywall.Provider, ref string) string {
	return s.config.KeyPrefix + "ref:" + string(provider) + ":" + ref
}

func (s *Storage) grantKey(key string) string {
	return s.config.KeyPrefix + "grant:" + key
}

// grantIndexKeys lists every index set a grant belongs to. Entries are never
// removed; RevokeGrants re-checks each candidate.
func (s *Storage) grantIndexKeys(g *paywall.EntitlementGrant) []string {
	keys := []string{
		s.config.KeyPrefix + "grants:all",
		s.config.KeyPrefix + "grants:tx:" + g.TransactionID,
	}
	if g.UserID != "" {
		keys = append(keys, s.config.KeyPrefix+"grants:user:"+g.UserID)
	}
	if g.ListingID != "" {
		keys = append(keys, s.config.KeyPrefix+"grants:listing:"+g.ListingID)
	}
	return keys
}

func (s *Storage) revokeIndexKey(req *paywall.RevokeRequest) string {
	switch {
	case req.TransactionID != "":
		return s.config.KeyPrefix + "grants:tx:" + req.TransactionID
	case req.UserID != "":
		return s.config.KeyPrefix + "grants:user:" + req.UserID
	case req.ListingID != "":
		return s.config.KeyPrefix + "grants:listing:" + req.ListingID
	default:
		return s.config.KeyPrefix + "grants:all"
	}
}

func (s *Storage) failureKey(id string) string {
	return s.config.KeyPrefix + "failure:" + id
}

func (s *Storage) failureQueueKey() string {
	return s.config.KeyPrefix + "failures"
}

// Close closes the Redis client connection
func (s *Storage) Close() error {
	return s.client.Close()
}

// Ping checks the Redis connection
func (s *Storage) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

var _ paywall.Storage = (*Storage)(nil)
