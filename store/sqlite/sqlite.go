/*
Package sqlite provides a SQLite-backed implementation of ledger.Store.

PURPOSE:
  Durable single-node storage for the loyalty ledger. The default store of
  cmd/server. PostgreSQL (store/postgres) follows the same patterns with
  database-level locking instead of a single writer.

APPEND-ONLY ENFORCEMENT:
  - No UPDATE statements on the ledger_entries table
  - No DELETE statements on the ledger_entries table
  - Corrections are reversal entries, conversions are converted entries

KEY TABLES:
  ledger_entries: Immutable ledger of all point movements
  coupons:        Single-use vouchers (code is unique)
  referrals:      One row per referee
  users:          Members and their cached tier

INDEXES:
  - idx_entries_user:  Balance calculation (hot path)
  - idx_entries_order: Order lifecycle bridge lookups
  - idempotency_key UNIQUE: Retry safety

CONCURRENCY:
  The pool is limited to one connection, so SQLite sees a single writer.
  WithUserTx additionally serializes transactions with a mutex, and every
  read inside a transaction goes through the *sql.Tx so it never waits on
  the connection the transaction holds.

TIME FORMAT:
  Times are stored as fixed-width UTC text with nanoseconds so that lexical
  order equals chronological order.

USAGE:
  store, err := sqlite.New("./data/loyalty.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - ledger/store.go: Interface definitions
  - ledger/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/warp/loyalty-ledger/ledger"
)

const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Store implements ledger.Store using SQLite.
type Store struct {
	queries
	db *sql.DB
	mu sync.Mutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: ":memory:" databases are per connection, and SQLite
	// allows a single writer anyway.
	db.SetMaxOpenConns(1)

	store := &Store{queries: queries{q: db}, db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping reports whether the database answers.
func (s *Store) Ping(ctx context.Context) error {
	return ledger.Unavailable("ping", s.db.PingContext(ctx))
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Ledger entries (append-only)
	CREATE TABLE IF NOT EXISTS ledger_entries (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		user_id TEXT NOT NULL,
		order_id TEXT,
		entry_type TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT '',
		points INTEGER NOT NULL,
		reason TEXT NOT NULL,
		reference TEXT,
		idempotency_key TEXT UNIQUE,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_entries_user
		ON ledger_entries(user_id, seq);
	CREATE INDEX IF NOT EXISTS idx_entries_order
		ON ledger_entries(order_id, seq) WHERE order_id IS NOT NULL;

	-- Coupons
	CREATE TABLE IF NOT EXISTS coupons (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		code TEXT NOT NULL UNIQUE,
		points_value INTEGER NOT NULL,
		source TEXT NOT NULL,
		used BOOLEAN NOT NULL DEFAULT FALSE,
		order_id TEXT,
		invalidated_at TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_coupons_user
		ON coupons(user_id);

	-- Referrals (a referee can be referred once)
	CREATE TABLE IF NOT EXISTS referrals (
		referee_id TEXT PRIMARY KEY,
		referrer_id TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		created_at TEXT NOT NULL,
		rewarded_at TEXT
	);

	-- Users
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		loyalty_tier TEXT NOT NULL,
		tier_updated_at TEXT NOT NULL,
		created_at TEXT NOT NULL
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithUserTx executes fn within a database transaction. SQLite has a single
// writer, so every transaction is serialized regardless of users.
func (s *Store) WithUserTx(ctx context.Context, users []ledger.UserID, fn func(ledger.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ledger.Unavailable("begin", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&queries{q: sqlTx}); err != nil {
		return err
	}

	return ledger.Unavailable("commit", sqlTx.Commit())
}

// =============================================================================
// QUERIES - Shared by the store and its transactions
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

// Append adds an entry to the ledger.
func (s *queries) Append(ctx context.Context, e ledger.Entry) error {
	query := `
		INSERT INTO ledger_entries (` + entryColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.q.ExecContext(ctx, query,
		e.ID,
		e.UserID,
		nullString(string(e.OrderID)),
		e.Type,
		e.Status,
		e.Points,
		e.Reason,
		nullString(e.Reference),
		nullString(e.IdempotencyKey),
		formatTime(e.CreatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ledger.ErrDuplicateIdempotencyKey
		}
		return ledger.Unavailable("append entry", err)
	}
	return nil
}

func (s *queries) ListForUser(ctx context.Context, userID ledger.UserID) ([]ledger.Entry, error) {
	query := `SELECT ` + entryColumns + ` FROM ledger_entries WHERE user_id = ? ORDER BY seq ASC`
	return s.queryEntries(ctx, "list entries for user", query, userID)
}

func (s *queries) ListForOrder(ctx context.Context, orderID ledger.OrderID) ([]ledger.Entry, error) {
	query := `SELECT ` + entryColumns + ` FROM ledger_entries WHERE order_id = ? ORDER BY seq ASC`
	return s.queryEntries(ctx, "list entries for order", query, orderID)
}

func (s *queries) FindByIdempotencyKey(ctx context.Context, key string) (*ledger.Entry, error) {
	query := `SELECT ` + entryColumns + ` FROM ledger_entries WHERE idempotency_key = ?`
	entries, err := s.queryEntries(ctx, "find entry by idempotency key", query, key)
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
		e, err := scanEntry(rows)
		if err != nil {
			return nil, ledger.Unavailable(op, err)
		}
		entries = append(entries, e)
	}
	return entries, ledger.Unavailable(op, rows.Err())
}

func scanEntry(rows *sql.Rows) (ledger.Entry, error) {
	var (
		e              ledger.Entry
		orderID        sql.NullString
		reference      sql.NullString
		idempotencyKey sql.NullString
		createdAt      string
	)

	err := rows.Scan(
		&e.ID, &e.UserID, &orderID, &e.Type, &e.Status,
		&e.Points, &e.Reason, &reference, &idempotencyKey, &createdAt,
	)
	if err != nil {
		return e, fmt.Errorf("failed to scan entry: %w", err)
	}

	e.OrderID = ledger.OrderID(orderID.String)
	e.Reference = reference.String
	e.IdempotencyKey = idempotencyKey.String
	e.CreatedAt = parseTime(createdAt)
	return e, nil
}

// =============================================================================
// COUPONS
// =============================================================================

func (s *queries) SaveCoupon(ctx context.Context, c ledger.Coupon) error {
	query := `
		INSERT INTO coupons
		(id, user_id, code, points_value, source, used, order_id, invalidated_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			used = excluded.used,
			order_id = excluded.order_id,
			invalidated_at = excluded.invalidated_at,
			updated_at = excluded.updated_at
	`

	var invalidatedAt sql.NullString
	if c.InvalidatedAt != nil {
		invalidatedAt = nullString(formatTime(*c.InvalidatedAt))
	}

	_, err := s.q.ExecContext(ctx, query,
		c.ID, c.UserID, c.Code, c.PointsValue, c.Source, c.Used,
		nullString(string(c.OrderID)), invalidatedAt,
		formatTime(c.CreatedAt), formatTime(c.UpdatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ledger.ErrDuplicateCouponCode
		}
		return ledger.Unavailable("save coupon", err)
	}
	return nil
}

func (s *queries) GetCoupon(ctx context.Context, code string) (*ledger.Coupon, error) {
	var (
		c                    ledger.Coupon
		orderID, invalidated sql.NullString
		createdAt, updatedAt string
	)

	err := s.q.QueryRowContext(ctx, `
		SELECT id, user_id, code, points_value, source, used, order_id, invalidated_at, created_at, updated_at
		FROM coupons WHERE code = ?`,
		code,
	).Scan(&c.ID, &c.UserID, &c.Code, &c.PointsValue, &c.Source, &c.Used,
		&orderID, &invalidated, &createdAt, &updatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, ledger.Unavailable("get coupon", err)
	}

	c.OrderID = ledger.OrderID(orderID.String)
	if invalidated.Valid {
		t := parseTime(invalidated.String)
		c.InvalidatedAt = &t
	}
	c.CreatedAt = parseTime(createdAt)
	c.UpdatedAt = parseTime(updatedAt)
	return &c, nil
}

// =============================================================================
// REFERRALS
// =============================================================================

func (s *queries) SaveReferral(ctx context.Context, r ledger.Referral) error {
	query := `
		INSERT INTO referrals (referee_id, referrer_id, status, created_at, rewarded_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(referee_id) DO UPDATE SET
			status = excluded.status,
			rewarded_at = excluded.rewarded_at
	`

	var rewardedAt sql.NullString
	if r.RewardedAt != nil {
		rewardedAt = nullString(formatTime(*r.RewardedAt))
	}

	_, err := s.q.ExecContext(ctx, query,
		r.RefereeID, r.ReferrerID, r.Status, formatTime(r.CreatedAt), rewardedAt,
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
		createdAt  string
		rewardedAt sql.NullString
	)

	err := s.q.QueryRowContext(ctx,
		"SELECT referee_id, referrer_id, status, created_at, rewarded_at FROM referrals WHERE referee_id = ?",
		refereeID,
	).Scan(&r.RefereeID, &r.ReferrerID, &r.Status, &createdAt, &rewardedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, ledger.Unavailable("get referral", err)
	}

	r.CreatedAt = parseTime(createdAt)
	if rewardedAt.Valid {
		t := parseTime(rewardedAt.String)
		r.RewardedAt = &t
	}
	return &r, nil
}

// =============================================================================
// USERS
// =============================================================================

func (s *queries) SaveUser(ctx context.Context, u ledger.User) error {
	query := `
		INSERT INTO users (id, loyalty_tier, tier_updated_at, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			loyalty_tier = excluded.loyalty_tier,
			tier_updated_at = excluded.tier_updated_at
	`

	_, err := s.q.ExecContext(ctx, query,
		u.ID, u.LoyaltyTier, formatTime(u.TierUpdatedAt), formatTime(u.CreatedAt),
	)
	return ledger.Unavailable("save user", err)
}

func (s *queries) GetUser(ctx context.Context, userID ledger.UserID) (*ledger.User, error) {
	var (
		u                        ledger.User
		tierUpdatedAt, createdAt string
	)

	err := s.q.QueryRowContext(ctx,
		"SELECT id, loyalty_tier, tier_updated_at, created_at FROM users WHERE id = ?",
		userID,
	).Scan(&u.ID, &u.LoyaltyTier, &tierUpdatedAt, &createdAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, ledger.Unavailable("get user", err)
	}

	u.TierUpdatedAt = parseTime(tierUpdatedAt)
	u.CreatedAt = parseTime(createdAt)
	return &u, nil
}

// ListUsers returns all users ordered by ID.
func (s *Store) ListUsers(ctx context.Context) ([]ledger.User, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, loyalty_tier, tier_updated_at, created_at FROM users ORDER BY id",
	)
	if err != nil {
		return nil, ledger.Unavailable("list users", err)
	}
	defer rows.Close()

	var users []ledger.User
	for rows.Next() {
		var u ledger.User
		var tierUpdatedAt, createdAt string
		if err := rows.Scan(&u.ID, &u.LoyaltyTier, &tierUpdatedAt, &createdAt); err != nil {
			return nil, ledger.Unavailable("list users", err)
		}
		u.TierUpdatedAt = parseTime(tierUpdatedAt)
		u.CreatedAt = parseTime(createdAt)
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

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}

func isUniqueConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}
