/*
store.go - Persistence interface for entries and their companion records

PURPOSE:
  Defines the interface between the loyalty engine and the database.
  The Store persists entries append-only, and the coupon, referral and
  user records that change state alongside them.

KEY INTERFACES:
  Reader: Read-only queries (entries, coupons, referrals, users)
  Writer: The write operations allowed inside a transaction
  Tx:     Reader + Writer, handed to the function run by WithUserTx
  Store:  Reader + the transactional entry point

APPEND-ONLY CONTRACT:
  Entries have exactly one write operation: Append().
  There is NO update or delete for entries in any implementation.
  Pending points become spendable through a "converted" entry, and
  corrections are "reversed" entries.

PER-USER SERIALIZABILITY:
  WithUserTx(ctx, users, fn) holds a lock for every listed user for the
  whole of fn, and runs fn inside one store transaction. This closes the
  check-then-act window between "compute balance" and "append debit".
  Locks are taken in sorted order so two calls naming the same pair of
  users cannot deadlock.

  Implementations:
  - store.Memory:    in-process keyed mutex + undo log
  - sqlite.Store:    single writer connection + SQL transaction
  - postgres.Store:  pg_advisory_xact_lock per user inside the transaction

IDEMPOTENCY:
  Every retried external event maps to an idempotency key on the entry it
  produces. If the key already exists, Append returns
  ErrDuplicateIdempotencyKey and nothing is written.

SEE ALSO:
  - ledger/store/memory.go: In-memory implementation for tests and dev
  - store/sqlite/sqlite.go: SQLite implementation
  - store/postgres/postgres.go: PostgreSQL implementation
*/
package ledger

import (
	"context"
	"sort"
)

// =============================================================================
// STORE
// =============================================================================

// Reader holds the read-only queries. Lookups of a single record return
// (nil, nil) when the record does not exist.
type Reader interface {
	// ListForUser returns all entries for a user, oldest first.
	ListForUser(ctx context.Context, userID UserID) ([]Entry, error)

	// ListForOrder returns all entries for an order, oldest first.
	ListForOrder(ctx context.Context, orderID OrderID) ([]Entry, error)

	// FindByIdempotencyKey returns the entry written with key, if any.
	FindByIdempotencyKey(ctx context.Context, key string) (*Entry, error)

	GetCoupon(ctx context.Context, code string) (*Coupon, error)
	GetReferral(ctx context.Context, referrerID, refereeID UserID) (*Referral, error)
	GetReferralByReferee(ctx context.Context, refereeID UserID) (*Referral, error)
	GetUser(ctx context.Context, userID UserID) (*User, error)
}

// Writer holds the write operations. Entries are append-only; coupons,
// referrals and users are upserted by their owners.
type Writer interface {
	// Append persists an entry. Returns ErrDuplicateIdempotencyKey if the
	// entry's idempotency key already exists.
	// This is the ONLY write operation for entries.
	Append(ctx context.Context, entry Entry) error

	// SaveCoupon inserts or updates a coupon. Inserting a code that already
	// belongs to another coupon returns ErrDuplicateCouponCode.
	SaveCoupon(ctx context.Context, coupon Coupon) error

	SaveReferral(ctx context.Context, referral Referral) error
	SaveUser(ctx context.Context, user User) error
}

// Tx is the view of the store inside WithUserTx.
type Tx interface {
	Reader
	Writer
}

// Store is the persistence root used by the loyalty engine.
type Store interface {
	Reader

	// WithUserTx executes fn within a transaction while holding the locks of
	// every user in users. If fn returns an error, the transaction is rolled
	// back and the error is returned unchanged.
	WithUserTx(ctx context.Context, users []UserID, fn func(tx Tx) error) error

	// ListUsers returns every known user, ordered by ID.
	ListUsers(ctx context.Context) ([]User, error)
}

// LockOrder returns the distinct users in the order their locks must be
// taken.
func LockOrder(users []UserID) []UserID {
	seen := make(map[UserID]bool, len(users))
	ordered := make([]UserID, 0, len(users))
	for _, u := range users {
		if u == "" || seen[u] {
			continue
		}
		seen[u] = true
		ordered = append(ordered, u)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i] < ordered[j] })
	return ordered
}
