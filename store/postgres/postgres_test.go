package postgres_test

import (
	"context"
	"database/sql/driver"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/loyalty-ledger/ledger"
	"github.com/warp/loyalty-ledger/store/postgres"
)

var now = time.Date(2025, time.May, 5, 8, 0, 0, 0, time.UTC)

var entryCols = []string{
	"id", "user_id", "order_id", "entry_type", "status", "points",
	"reason", "reference", "idempotency_key", "created_at",
}

func newMockStore(t *testing.T) (*postgres.Store, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return postgres.New(db), mock
}

func anyArgs(n int) []driver.Value {
	args := make([]driver.Value, n)
	for i := range args {
		args[i] = sqlmock.AnyArg()
	}
	return args
}

func TestStore_WithUserTx_LocksUsersInOrder(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectExec("SELECT pg_advisory_xact_lock\\(hashtext\\(\\$1\\)\\)").
		WithArgs("alice").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("SELECT pg_advisory_xact_lock\\(hashtext\\(\\$1\\)\\)").
		WithArgs("bob").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO ledger_entries").
		WithArgs(anyArgs(10)...).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	err := store.WithUserTx(ctx, []ledger.UserID{"bob", "alice", "bob"}, func(tx ledger.Tx) error {
		return tx.Append(ctx, ledger.Entry{
			ID:             "e1",
			UserID:         "bob",
			Type:           ledger.TypeEarned,
			Status:         ledger.StatusAvailable,
			Points:         500,
			Reason:         ledger.ReasonReferralFirstPurchase,
			IdempotencyKey: "referral-bonus:bob:alice",
			CreatedAt:      now,
		})
	})

	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_Append_DuplicateKey(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectExec("SELECT pg_advisory_xact_lock").WithArgs("u1").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO ledger_entries").
		WithArgs(anyArgs(10)...).
		WillReturnError(&pq.Error{Code: "23505", Constraint: "ledger_entries_idempotency_key_key"})
	mock.ExpectRollback()

	err := store.WithUserTx(ctx, []ledger.UserID{"u1"}, func(tx ledger.Tx) error {
		return tx.Append(ctx, ledger.Entry{ID: "e1", UserID: "u1", IdempotencyKey: "earn:o1", CreatedAt: now})
	})

	assert.ErrorIs(t, err, ledger.ErrDuplicateIdempotencyKey)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_SaveCoupon_DuplicateCode(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectExec("SELECT pg_advisory_xact_lock").WithArgs("u1").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO coupons").
		WithArgs(anyArgs(10)...).
		WillReturnError(&pq.Error{Code: "23505", Constraint: "coupons_code_key"})
	mock.ExpectRollback()

	err := store.WithUserTx(ctx, []ledger.UserID{"u1"}, func(tx ledger.Tx) error {
		return tx.SaveCoupon(ctx, ledger.Coupon{ID: "c1", UserID: "u1", Code: "AAAA-BBBB-CCCC", CreatedAt: now, UpdatedAt: now})
	})

	assert.ErrorIs(t, err, ledger.ErrDuplicateCouponCode)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_ListForUser(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("SELECT (.+) FROM ledger_entries WHERE user_id = \\$1 ORDER BY seq ASC").
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows(entryCols).
			AddRow("e1", "u1", "o1", "earned", "pending", 300, "purchase", nil, "earn:o1", now).
			AddRow("e2", "u1", nil, "redeemed", "", -100, "redemption", "ABCD-EFGH-JKMN", nil, now.Add(time.Minute)))

	entries, err := store.ListForUser(context.Background(), "u1")

	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, ledger.OrderID("o1"), entries[0].OrderID)
	assert.Equal(t, ledger.StatusPending, entries[0].Status)
	assert.Equal(t, "earn:o1", entries[0].IdempotencyKey)
	assert.Equal(t, ledger.TypeRedeemed, entries[1].Type)
	assert.Equal(t, int64(-100), entries[1].Points)
	assert.Equal(t, "ABCD-EFGH-JKMN", entries[1].Reference)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_GetCoupon_NotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("SELECT (.+) FROM coupons WHERE code = \\$1").
		WithArgs("NOPE-NOPE-NOPE").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	c, err := store.GetCoupon(context.Background(), "NOPE-NOPE-NOPE")

	require.NoError(t, err)
	assert.Nil(t, c)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_GetCoupon_Invalidated(t *testing.T) {
	store, mock := newMockStore(t)
	invalidated := now.Add(time.Hour)

	mock.ExpectQuery("SELECT (.+) FROM coupons WHERE code = \\$1").
		WithArgs("ABCD-EFGH-JKMN").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "user_id", "code", "points_value", "source", "used", "order_id", "invalidated_at", "created_at", "updated_at",
		}).AddRow("c1", "u1", "ABCD-EFGH-JKMN", 250, "redemption", true, "o7", invalidated, now, invalidated))

	c, err := store.GetCoupon(context.Background(), "ABCD-EFGH-JKMN")

	require.NoError(t, err)
	require.NotNil(t, c)
	assert.True(t, c.Used)
	assert.True(t, c.IsInvalidated())
	assert.Equal(t, ledger.OrderID("o7"), c.OrderID)
	assert.Equal(t, int64(250), c.PointsValue)
}

func TestStore_ConnectionFailureIsRetryable(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin().WillReturnError(errors.New("dial tcp 10.0.0.5:5432: connection refused"))

	called := false
	err := store.WithUserTx(context.Background(), []ledger.UserID{"u1"}, func(ledger.Tx) error {
		called = true
		return nil
	})

	assert.False(t, called)
	assert.ErrorIs(t, err, ledger.ErrStorageUnavailable)
	assert.True(t, ledger.IsRetryable(err))
}

func TestStore_FnErrorRollsBack(t *testing.T) {
	store, mock := newMockStore(t)
	boom := errors.New("boom")

	mock.ExpectBegin()
	mock.ExpectExec("SELECT pg_advisory_xact_lock").WithArgs("u1").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := store.WithUserTx(context.Background(), []ledger.UserID{"u1"}, func(ledger.Tx) error {
		return boom
	})

	assert.ErrorIs(t, err, boom)
	assert.False(t, ledger.IsRetryable(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_ListUsers(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("SELECT id, loyalty_tier, tier_updated_at, created_at FROM users ORDER BY id").
		WillReturnRows(sqlmock.NewRows([]string{"id", "loyalty_tier", "tier_updated_at", "created_at"}).
			AddRow("a", "gold", now, now).
			AddRow("b", "silver", now, now))

	users, err := store.ListUsers(context.Background())

	require.NoError(t, err)
	require.Len(t, users, 2)
	assert.Equal(t, ledger.TierGold, users[0].LoyaltyTier)
	assert.NoError(t, mock.ExpectationsWereMet())
}
