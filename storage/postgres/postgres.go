// Package postgres provides a PostgreSQL implementation of the paywall.Storage interface.
// Status transitions are a single conditional UPDATE; grant upserts run in a
// SQL transaction with SELECT FOR UPDATE on the grant key.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/mihaimyh/paywall/pkg/paywall"
)

// uniqueViolation is the SQLSTATE for a unique index conflict.
const uniqueViolation = "23505"

// Storage implements paywall.Storage using PostgreSQL
type Storage struct {
	pool   *pgxpool.Pool
	config Config
}

// Config holds PostgreSQL storage configuration
type Config struct {
	// ConnectionString is the PostgreSQL connection string
	ConnectionString string

	// Pool configuration
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration

	// AutoMigrate applies the embedded migrations when the storage is created
	AutoMigrate bool
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
	}
}

// New creates a new PostgreSQL storage adapter
func New(ctx context.Context, config Config) (*Storage, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}

	// Parse connection string
	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	// Apply pool settings
	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}

	// Create connection pool
	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	// Verify connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Storage{pool: pool, config: config}
	if config.AutoMigrate {
		if err := s.Migrate(); err != nil {
			pool.Close()
			return nil, err
		}
	}
	return s, nil
}

// Close closes the PostgreSQL connection pool
func (s *Storage) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

const transactionColumns = `id, user_id, listing_id, purpose, amount::text, currency, provider,
	COALESCE(provider_ref, ''), status, meta, created_at, updated_at`

func scanTransaction(row pgx.Row) (*paywall.Transaction, error) {
	var (
		tx      paywall.Transaction
		amount  string
		rawMeta []byte
	)
	err := row.Scan(&tx.ID, &tx.UserID, &tx.ListingID, &tx.Purpose, &amount, &tx.Currency,
		&tx.Provider, &tx.ProviderRef, &tx.Status, &rawMeta, &tx.CreatedAt, &tx.UpdatedAt)
	if err != nil {
		return nil, err
	}

	tx.Amount, err = decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("invalid stored amount %q: %w", amount, err)
	}
	tx.Currency = strings.TrimSpace(tx.Currency)
	tx.Meta = paywall.Meta{}
	if len(rawMeta) > 0 {
		if err := json.Unmarshal(rawMeta, &tx.Meta); err != nil {
			return nil, fmt.Errorf("invalid stored meta: %w", err)
		}
	}
	tx.CreatedAt = tx.CreatedAt.UTC()
	tx.UpdatedAt = tx.UpdatedAt.UTC()
	return &tx, nil
}

func encodeMeta(m paywall.Meta) ([]byte, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// CreateTransaction implements paywall.Ledger
func (s *Storage) CreateTransaction(ctx context.Context, tx *paywall.Transaction) error {
	if tx == nil || tx.ID == "" {
		return fmt.Errorf("invalid transaction")
	}
	meta, err := encodeMeta(tx.Meta)
	if err != nil {
		return fmt.Errorf("failed to encode meta: %w", err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO transactions
			(id, user_id, listing_id, purpose, amount, currency, provider, provider_ref, status, meta, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5::numeric, $6, $7, $8, $9, $10, $11, $12)`,
		tx.ID, tx.UserID, tx.ListingID, string(tx.Purpose), tx.Amount.String(), tx.Currency,
		string(tx.Provider), nullable(tx.ProviderRef), string(tx.Status), meta, tx.CreatedAt, tx.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation && pgErr.ConstraintName == "transactions_provider_ref_key" {
			return paywall.ErrDuplicateProviderRef
		}
		return fmt.Errorf("failed to create transaction: %w", err)
	}
	return nil
}

// GetTransaction implements paywall.Ledger
func (s *Storage) GetTransaction(ctx context.Context, id string) (*paywall.Transaction, error) {
	tx, err := scanTransaction(s.pool.QueryRow(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, paywall.ErrTransactionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction: %w", err)
	}
	return tx, nil
}

// FindByProviderRef implements paywall.Ledger
func (s *Storage) FindByProviderRef(ctx context.Context, provider paywall.Provider, ref string) (*paywall.Transaction, error) {
	if ref == "" {
		return nil, nil
	}
	tx, err := scanTransaction(s.pool.QueryRow(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE provider = $1 AND provider_ref = $2`,
		string(provider), ref))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil // No match is not an error
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find transaction by provider ref: %w", err)
	}
	return tx, nil
}

// AttachProviderRef implements paywall.Ledger
func (s *Storage) AttachProviderRef(ctx context.Context, id, ref string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE transactions
			SET provider_ref = $2, meta = meta || jsonb_build_object('provider_ref', $2::text)
			WHERE id = $1 AND status = 'pending'`,
		id, ref)
	if err != nil {
		if isUniqueViolation(err) {
			return paywall.ErrDuplicateProviderRef
		}
		return fmt.Errorf("failed to attach provider ref: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	if _, err := s.GetTransaction(ctx, id); err != nil {
		return err
	}
	return paywall.ErrInvalidTransition
}

// TransitionStatus implements paywall.Ledger. The status guard in the WHERE
// clause makes the check and the write one statement.
func (s *Storage) TransitionStatus(ctx context.Context, req *paywall.TransitionRequest) (*paywall.Transaction, bool, error) {
	if !paywall.CanTransition(req.From, req.To) {
		tx, err := s.GetTransaction(ctx, req.TransactionID)
		return tx, false, err
	}
	patch, err := encodeMeta(req.MetaPatch)
	if err != nil {
		return nil, false, fmt.Errorf("failed to encode meta: %w", err)
	}

	tx, err := scanTransaction(s.pool.QueryRow(ctx,
		`UPDATE transactions
			SET status = $3,
				provider_ref = COALESCE($4, provider_ref),
				meta = meta || $5::jsonb,
				updated_at = $6
			WHERE id = $1 AND status = $2
			RETURNING `+transactionColumns,
		req.TransactionID, string(req.From), string(req.To), nullable(req.ProviderRef), patch, req.At))
	if err == nil {
		return tx, true, nil
	}
	if isUniqueViolation(err) {
		return nil, false, paywall.ErrDuplicateProviderRef
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, fmt.Errorf("failed to transition transaction: %w", err)
	}

	// Either the row is missing or its status moved on.
	current, err := s.GetTransaction(ctx, req.TransactionID)
	if err != nil {
		return nil, false, err
	}
	return current, false, nil
}

// ListTransactions implements paywall.Ledger
func (s *Storage) ListTransactions(ctx context.Context, filter paywall.TransactionFilter) ([]*paywall.Transaction, error) {
	var (
		where []string
		args  []interface{}
	)
	add := func(column, value string) {
		if value == "" {
			return
		}
		args = append(args, value)
		where = append(where, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	add("user_id", filter.UserID)
	add("listing_id", filter.ListingID)
	add("purpose", string(filter.Purpose))
	add("status", string(filter.Status))

	query := `SELECT ` + transactionColumns + ` FROM transactions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	defer rows.Close()

	var out []*paywall.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		out = append(out, tx)
	}
	return out, rows.Err()
}

const grantColumns = `id, grant_key, user_id, listing_id, message_id, purpose, transaction_id,
	granted_at, expires_at, revoked_at`

func scanGrant(row pgx.Row) (*paywall.EntitlementGrant, error) {
	var g paywall.EntitlementGrant
	err := row.Scan(&g.ID, &g.Key, &g.UserID, &g.ListingID, &g.MessageID, &g.Purpose,
		&g.TransactionID, &g.GrantedAt, &g.ExpiresAt, &g.RevokedAt)
	if err != nil {
		return nil, err
	}
	g.GrantedAt = g.GrantedAt.UTC()
	if g.ExpiresAt != nil {
		t := g.ExpiresAt.UTC()
		g.ExpiresAt = &t
	}
	if g.RevokedAt != nil {
		t := g.RevokedAt.UTC()
		g.RevokedAt = &t
	}
	return &g, nil
}

// ApplyGrant implements paywall.EntitlementStore
func (s *Storage) ApplyGrant(ctx context.Context, req *paywall.GrantRequest) (*paywall.EntitlementGrant, bool, error) {
	if req == nil || req.Key == "" {
		return nil, false, fmt.Errorf("invalid grant request")
	}

	// Two writers inserting the same new key race on the unique index; the
	// loser retries and then sees the winner's row under FOR UPDATE.
	for attempt := 0; ; attempt++ {
		g, changed, err := s.applyGrant(ctx, req)
		if err != nil && isUniqueViolation(err) && attempt < 3 {
			continue
		}
		return g, changed, err
	}
}

func (s *Storage) applyGrant(ctx context.Context, req *paywall.GrantRequest) (*paywall.EntitlementGrant, bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		//nolint:errcheck // Rollback error is safe to ignore if transaction was committed
		_ = tx.Rollback(ctx)
	}()

	existing, err := scanGrant(tx.QueryRow(ctx,
		`SELECT `+grantColumns+` FROM entitlement_grants WHERE grant_key = $1 FOR UPDATE`, req.Key))
	if errors.Is(err, pgx.ErrNoRows) {
		existing = nil
	} else if err != nil {
		return nil, false, fmt.Errorf("failed to lock grant: %w", err)
	}

	g, changed := paywall.MergeGrant(existing, req)
	if !changed {
		return g, false, tx.Commit(ctx)
	}

	if existing == nil {
		_, err = tx.Exec(ctx,
			`INSERT INTO entitlement_grants (`+grantColumns+`)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			g.ID, g.Key, g.UserID, g.ListingID, g.MessageID, string(g.Purpose), g.TransactionID,
			g.GrantedAt, g.ExpiresAt, g.RevokedAt)
	} else {
		_, err = tx.Exec(ctx,
			`UPDATE entitlement_grants
				SET user_id = $2, listing_id = $3, message_id = $4, purpose = $5, transaction_id = $6,
					granted_at = $7, expires_at = $8, revoked_at = $9
				WHERE grant_key = $1`,
			g.Key, g.UserID, g.ListingID, g.MessageID, string(g.Purpose), g.TransactionID,
			g.GrantedAt, g.ExpiresAt, g.RevokedAt)
	}
	if err != nil {
		return nil, false, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, false, fmt.Errorf("failed to commit: %w", err)
	}
	return g, true, nil
}

// ReassignGrant implements paywall.EntitlementStore
func (s *Storage) ReassignGrant(ctx context.Context, req *paywall.ReassignRequest) (*paywall.EntitlementGrant, bool, error) {
	if req == nil || req.Key == "" {
		return nil, false, fmt.Errorf("invalid reassign request")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		//nolint:errcheck // Rollback error is safe to ignore if transaction was committed
		_ = tx.Rollback(ctx)
	}()

	existing, err := scanGrant(tx.QueryRow(ctx,
		`SELECT `+grantColumns+` FROM entitlement_grants WHERE grant_key = $1 FOR UPDATE`, req.Key))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to lock grant: %w", err)
	}

	g, changed := paywall.ReassignedGrant(existing, req)
	if !changed {
		return nil, false, nil
	}
	if _, err := tx.Exec(ctx,
		`UPDATE entitlement_grants
			SET user_id = $2, transaction_id = $3, expires_at = $4, revoked_at = $5
			WHERE grant_key = $1`,
		g.Key, g.UserID, g.TransactionID, g.ExpiresAt, g.RevokedAt); err != nil {
		return nil, false, fmt.Errorf("failed to reassign grant: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, false, fmt.Errorf("failed to commit: %w", err)
	}
	return g, true, nil
}

// GetGrant implements paywall.EntitlementStore
func (s *Storage) GetGrant(ctx context.Context, key string) (*paywall.EntitlementGrant, error) {
	g, err := scanGrant(s.pool.QueryRow(ctx,
		`SELECT `+grantColumns+` FROM entitlement_grants WHERE grant_key = $1`, key))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, paywall.ErrGrantNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get grant: %w", err)
	}
	return g, nil
}

// RevokeGrants implements paywall.EntitlementStore
func (s *Storage) RevokeGrants(ctx context.Context, req *paywall.RevokeRequest) (int, error) {
	if req.Empty() {
		return 0, fmt.Errorf("revoke request has no selector")
	}

	args := []interface{}{req.At}
	where := []string{"revoked_at IS NULL"}
	add := func(column, value string) {
		if value == "" {
			return
		}
		args = append(args, value)
		where = append(where, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	add("user_id", req.UserID)
	add("listing_id", req.ListingID)
	add("purpose", string(req.Purpose))
	add("transaction_id", req.TransactionID)

	tag, err := s.pool.Exec(ctx,
		`UPDATE entitlement_grants SET revoked_at = $1 WHERE `+strings.Join(where, " AND "), args...)
	if err != nil {
		return 0, fmt.Errorf("failed to revoke grants: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// EnqueueFailure implements paywall.RetryQueue
func (s *Storage) EnqueueFailure(ctx context.Context, f *paywall.ReconcileFailure) error {
	if f == nil || f.ID == "" {
		return fmt.Errorf("invalid reconcile failure")
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO reconcile_failures
			(id, transaction_id, purpose, action, attempts, last_error, next_attempt_at, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (id) DO UPDATE SET
				attempts = EXCLUDED.attempts,
				last_error = EXCLUDED.last_error,
				next_attempt_at = EXCLUDED.next_attempt_at,
				updated_at = EXCLUDED.updated_at`,
		f.ID, f.TransactionID, string(f.Purpose), f.Action, f.Attempts, f.LastError,
		f.NextAttemptAt, f.CreatedAt, f.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to enqueue reconcile failure: %w", err)
	}
	return nil
}

// DueFailures implements paywall.RetryQueue
func (s *Storage) DueFailures(ctx context.Context, now time.Time, maxAttempts, limit int) ([]*paywall.ReconcileFailure, error) {
	if limit < 0 {
		limit = 0
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, transaction_id, purpose, action, attempts, last_error, next_attempt_at, created_at, updated_at
			FROM reconcile_failures
			WHERE next_attempt_at <= $1 AND ($2 <= 0 OR attempts < $2)
			ORDER BY next_attempt_at
			LIMIT NULLIF($3, 0)`,
		now, maxAttempts, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to load due failures: %w", err)
	}
	return scanFailures(rows)
}

// ClaimFailures implements paywall.RetryQueue. SKIP LOCKED lets concurrent
// workers claim disjoint batches without waiting on each other.
func (s *Storage) ClaimFailures(ctx context.Context, now, leaseUntil time.Time, maxAttempts, limit int) ([]*paywall.ReconcileFailure, error) {
	if limit < 0 {
		limit = 0
	}
	rows, err := s.pool.Query(ctx,
		`UPDATE reconcile_failures AS f
			SET next_attempt_at = $4
			FROM (
				SELECT id FROM reconcile_failures
				WHERE next_attempt_at <= $1 AND ($2 <= 0 OR attempts < $2)
				ORDER BY next_attempt_at
				LIMIT NULLIF($3, 0)
				FOR UPDATE SKIP LOCKED
			) AS due
			WHERE f.id = due.id
			RETURNING f.id, f.transaction_id, f.purpose, f.action, f.attempts, f.last_error,
				f.next_attempt_at, f.created_at, f.updated_at`,
		now, maxAttempts, limit, leaseUntil)
	if err != nil {
		return nil, fmt.Errorf("failed to claim due failures: %w", err)
	}
	return scanFailures(rows)
}

func scanFailures(rows pgx.Rows) ([]*paywall.ReconcileFailure, error) {
	defer rows.Close()

	var out []*paywall.ReconcileFailure
	for rows.Next() {
		var f paywall.ReconcileFailure
		if err := rows.Scan(&f.ID, &f.TransactionID, &f.Purpose, &f.Action, &f.Attempts, &f.LastError,
			&f.NextAttemptAt, &f.CreatedAt, &f.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan failure: %w", err)
		}
		f.NextAttemptAt = f.NextAttemptAt.UTC()
		f.CreatedAt = f.CreatedAt.UTC()
		f.UpdatedAt = f.UpdatedAt.UTC()
		out = append(out, &f)
	}
	return out, rows.Err()
}

// RescheduleFailure implements paywall.RetryQueue
func (s *Storage) RescheduleFailure(ctx context.Context, id string, next time.Time, lastErr string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE reconcile_failures
			SET attempts = attempts + 1, next_attempt_at = $2, last_error = $3, updated_at = NOW()
			WHERE id = $1`,
		id, next, lastErr)
	if err != nil {
		return fmt.Errorf("failed to reschedule failure: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return paywall.ErrFailureNotFound
	}
	return nil
}

// CompleteFailure implements paywall.RetryQueue
func (s *Storage) CompleteFailure(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM reconcile_failures WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to complete failure: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return paywall.ErrFailureNotFound
	}
	return nil
}

var _ paywall.Storage = (*Storage)(nil)
