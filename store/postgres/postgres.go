/*
Package postgres provides a PostgreSQL-backed implementation of ledger.Store.

PURPOSE:
  Production storage for the loyalty ledger when several server or
  consumer instances share one database. Same tables and semantics as
  store/sqlite, with PostgreSQL types and locking.

CONCURRENCY:
  WithUserTx opens a transaction and takes a transaction-scoped advisory
  lock per user:

      SELECT pg_advisory_xact_lock(hashtext($1))

  Locks are taken in ledger.LockOrder so two transactions over the same
  pair of users always lock in the same order. They are released by
  COMMIT or ROLLBACK. Transactions for unrelated users run in parallel.

ERRORS:
  unique_violation (23505) on idempotency_key -> ErrDuplicateIdempotencyKey
  unique_violation (23505) on coupons.code    -> ErrDuplicateCouponCode
  anything else                               -> StorageError (retryable)

SEE ALSO:
  - ledger/store.go: Interface definitions
  - store/sqlite/sqlite.go: Single-node implementation
*/
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/warp/loyalty-ledger/ledger"
)

// Config holds connection settings.
type Config struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Store implements ledger.Store using PostgreSQL.
type Store struct {
	queries
	db *sql.DB
}

// Open connects to PostgreSQL, configures the pool and migrates the schema.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("error opening database: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("error connecting to database: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	store := New(db)
	if err := store.Migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// New wraps an existing connection pool. The schema is not touched.
func New(db *sql.DB) *Store {
	return &Store{queries: queries{q: db}, db: db}
}

// Close closes the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping reports whether the database answers.
func (s *Store) Ping(ctx context.Context) error {
	return ledger.Unavailable("ping", s.db.PingContext(ctx))
}

// Migrate creates the database schema.
func (s *Store) Migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS ledger_entries (
		seq BIGSERIAL PRIMARY KEY,
		id TEXT NOT NULL UNIQUE,
		user_id TEXT NOT NULL,
		order_id TEXT,
		entry_type TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT '',
		points BIGINT NOT NULL,
		reason TEXT NOT NULL,
		reference TEXT,
		idempotency_key TEXT UNIQUE,
		created_at TIMESTAMPTZ NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_entries_user ON ledger_entries(user_id, seq);
	CREATE INDEX IF NOT EXISTS idx_entries_order ON ledger_entries(order_id, seq) WHERE order_id IS NOT NULL;

	CREATE TABLE IF NOT EXISTS coupons (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		code TEXT NOT NULL UNIQUE,
		points_value BIGINT NOT NULL,
		source TEXT NOT NULL,
		used BOOLEAN NOT NULL DEFAULT FALSE,
		order_id TEXT,
		invalidated_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_coupons_user ON coupons(user_id);

	CREATE TABLE IF NOT EXISTS referrals (
		referee_id TEXT PRIMARY KEY,
		referrer_id TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		created_at TIMESTAMPTZ NOT NULL,
		rewarded_at TIMESTAMPTZ
	);

	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		loyalty_tier TEXT NOT NULL,
		tier_updated_at TIMESTAMPTZ NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithUserTx executes fn within a database transaction holding an advisory
// lock for every user.
func (s *Store) WithUserTx(ctx context.Context, users []ledger.UserID, fn func(ledger.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ledger.Unavailable("begin", err)
	}
	defer sqlTx.Rollback()

	// Lock in consistent order to prevent deadlocks
	for _, id := range ledger.LockOrder(users) {
		if _, err := sqlTx.ExecContext(ctx, "SELECT pg_advisory_xact_lock(hashtext($1))", string(id)); err != nil {
			return ledger.Unavailable("lock user", err)
		}
	}

	if err := fn(&queries{q: sqlTx}); err != nil {
		return err
	}

	return ledger.Unavailable("commit", sqlTx.Commit())
}

// =============================================================================
// QUERIES
// =============================================================================

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type queries struct {
	q querier
}

const entryColumns = `id, user_id, order_id, entry_type, status, points, reason, reference, idempotency_key, created_at`

func (s *queries) Append(ctx context.Context, e ledger.Entry) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO ledger_entries (`+entryColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		string(e.ID),
		string(e.UserID),
		nullString(string(e.OrderID)),
		string(e.Type),
		string(e.Status),
		e.Points,
		e.Reason,
		nullString(e.Reference),
		nullString(e.IdempotencyKey),
		e.CreatedAt.UTC(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ledger.ErrDuplicateIdempotencyKey
		}
		return ledger.Unavailable("append entry", err)
	}
	return nil
}

func (s *queries) ListForUser(ctx context.Context, userID ledger.UserID) ([]ledger.Entry, error) {
	return s.queryEntries(ctx, "list entries for user",
		`SELECT `+entryColumns+` FROM ledger_entries WHERE user_id = $1 ORDER BY seq ASC`, string(userID))
}

func (s *queries) ListForOrder(ctx context.Context, orderID ledger.OrderID) ([]ledger.Entry, error) {
	return s.queryEntries(ctx, "list entries for order",
		`SELECT `+entryColumns+` FROM ledger_entries WHERE order_id = $1 ORDER BY seq ASC`, string(orderID))
}

func (s *queries) FindByIdempotencyKey(ctx context.Context, key string) (*ledger.Entry, error) {
	entries, err := s.queryEntries(ctx, "find entry by idempotency key",
		`SELECT `+entryColumns+` FROM ledger_entries WHERE idempotency_key = $1`, key)
	if err != nil || len(entries) == 0 {
		return nil, err
	}
	return &entries[0], nil
}

func (s *queries) queryEntries(ctx context.Context, op, query string, args ...any) ([]ledger.Entry, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, ledger.Unavailable(op, err)
	}
	defer rows.Close()

	var entries []ledger.Entry
	for rows.Next() {
		var (
			e              ledger.Entry
			orderID        sql.NullString
			reference      sql.NullString
			idempotencyKey sql.NullString
		)
		if err := rows.Scan(
			&e.ID, &e.UserID, &orderID, &e.Type, &e.Status,
			&e.Points, &e.Reason, &reference, &idempotencyKey, &e.CreatedAt,
		); err != nil {
			return nil, ledger.Unavailable(op, err)
		}
		e.OrderID = ledger.OrderID(orderID.String)
		e.Reference = reference.String
		e.IdempotencyKey = idempotencyKey.String
		e.CreatedAt = e.CreatedAt.UTC()
		entries = append(entries, e)
	}
	return entries, ledger.Unavailable(op, rows.Err())
}

func (s *queries) SaveCoupon(ctx context.Context, c ledger.Coupon) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO coupons
		(id, user_id, code, points_value, source, used, order_id, invalidated_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			used = EXCLUDED.used,
			order_id = EXCLUDED.order_id,
			invalidated_at = EXCLUDED.invalidated_at,
			updated_at = EXCLUDED.updated_at`,
		c.ID, string(c.UserID), c.Code, c.PointsValue, string(c.Source), c.Used,
		nullString(string(c.OrderID)), nullTime(c.InvalidatedAt),
		c.CreatedAt.UTC(), c.UpdatedAt.UTC(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ledger.ErrDuplicateCouponCode
		}
		return ledger.Unavailable("save coupon", err)
	}
	return nil
}

func (s *queries) GetCoupon(ctx context.Context, code string) (*ledger.Coupon, error) {
	var (
		c           ledger.Coupon
		orderID     sql.NullString
		invalidated sql.NullTime
	)

	err := s.q.QueryRowContext(ctx, `
		SELECT id, user_id, code, points_value, source, used, order_id, invalidated_at, created_at, updated_at
		FROM coupons WHERE code = $1`, code,
	).Scan(&c.ID, &c.UserID, &c.Code, &c.PointsValue, &c.Source, &c.Used,
		&orderID, &invalidated, &c.CreatedAt, &c.UpdatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, ledger.Unavailable("get coupon", err)
	}

	c.OrderID = ledger.OrderID(orderID.String)
	if invalidated.Valid {
		t := invalidated.Time.UTC()
		c.InvalidatedAt = &t
	}
	c.CreatedAt = c.CreatedAt.UTC()
	c.UpdatedAt = c.UpdatedAt.UTC()
	return &c, nil
}

func (s *queries) SaveReferral(ctx context.Context, r ledger.Referral) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO referrals (referee_id, referrer_id, status, created_at, rewarded_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (referee_id) DO UPDATE SET
			status = EXCLUDED.status,
			rewarded_at = EXCLUDED.rewarded_at`,
		string(r.RefereeID), string(r.ReferrerID), string(r.Status), r.CreatedAt.UTC(), nullTime(r.RewardedAt),
	)
	return ledger.Unavailable("save referral", err)
}

func (s *queries) GetReferral(ctx context.Context, referrerID, refereeID ledger.UserID) (*ledger.Referral, error) {
	r, err := s.GetReferralByReferee(ctx, refereeID)
	if err != nil || r == nil || r.ReferrerID != referrerID {
		return nil, err
	}
	return r, nil
}

func (s *queries) GetReferralByReferee(ctx context.Context, refereeID ledger.UserID) (*ledger.Referral, error) {
	var (
		r          ledger.Referral
		rewardedAt sql.NullTime
	)

	err := s.q.QueryRowContext(ctx,
		"SELECT referee_id, referrer_id, status, created_at, rewarded_at FROM referrals WHERE referee_id = $1",
		string(refereeID),
	).Scan(&r.RefereeID, &r.ReferrerID, &r.Status, &r.CreatedAt, &rewardedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, ledger.Unavailable("get referral", err)
	}

	r.CreatedAt = r.CreatedAt.UTC()
	if rewardedAt.Valid {
		t := rewardedAt.Time.UTC()
		r.RewardedAt = &t
	}
	return &r, nil
}

func (s *queries) SaveUser(ctx context.Context, u ledger.User) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO users (id, loyalty_tier, tier_updated_at, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET
			loyalty_tier = EXCLUDED.loyalty_tier,
			tier_updated_at = EXCLUDED.tier_updated_at`,
		string(u.ID), string(u.LoyaltyTier), u.TierUpdatedAt.UTC(), u.CreatedAt.UTC(),
	)
	return ledger.Unavailable("save user", err)
}

func (s *queries) GetUser(ctx context.Context, userID ledger.UserID) (*ledger.User, error) {
	var u ledger.User
	err := s.q.QueryRowContext(ctx,
		"SELECT id, loyalty_tier, tier_updated_at, created_at FROM users WHERE id = $1",
		string(userID),
	).Scan(&u.ID, &u.LoyaltyTier, &u.TierUpdatedAt, &u.CreatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, ledger.Unavailable("get user", err)
	}
	u.TierUpdatedAt = u.TierUpdatedAt.UTC()
	u.CreatedAt = u.CreatedAt.UTC()
	return &u, nil
}

// ListUsers returns all users ordered by ID.
func (s *Store) ListUsers(ctx context.Context) ([]ledger.User, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, loyalty_tier, tier_updated_at, created_at FROM users ORDER BY id")
	if err != nil {
		return nil, ledger.Unavailable("list users", err)
	}
	defer rows.Close()

	var users []ledger.User
	for rows.Next() {
		var u ledger.User
		if err := rows.Scan(&u.ID, &u.LoyaltyTier, &u.TierUpdatedAt, &u.CreatedAt); err != nil {
			return nil, ledger.Unavailable("list users", err)
		}
		u.TierUpdatedAt = u.TierUpdatedAt.UTC()
		u.CreatedAt = u.CreatedAt.UTC()
		users = append(users, u)
	}
	return users, ledger.Unavailable("list users", rows.Err())
}

// Helper functions

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
