package sqlite_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/loyalty-ledger/ledger"
	"github.com/warp/loyalty-ledger/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var now = time.Date(2025, time.April, 2, 10, 30, 0, 123456789, time.UTC)

func newTestStore(t *testing.T) *sqlite.Store {
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func inTx(t *testing.T, s *sqlite.Store, fn func(tx ledger.Tx) error) error {
	t.Helper()
	return s.WithUserTx(context.Background(), []ledger.UserID{"u1"}, fn)
}

func earnEntry(id, order, key string) ledger.Entry {
	return ledger.Entry{
		ID:             ledger.EntryID(id),
		UserID:         "u1",
		OrderID:        ledger.OrderID(order),
		Type:           ledger.TypeEarned,
		Status:         ledger.StatusPending,
		Points:         120,
		Reason:         ledger.ReasonPurchase,
		IdempotencyKey: key,
		CreatedAt:      now,
	}
}

// =============================================================================
// ENTRY TESTS
// =============================================================================

func TestStore_AppendRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	redeem := ledger.Entry{
		ID:        "r1",
		UserID:    "u1",
		Type:      ledger.TypeRedeemed,
		Points:    -100,
		Reason:    ledger.ReasonRedemption,
		Reference: "ABCD-EFGH-JKMN",
		CreatedAt: now.Add(time.Second),
	}

	require.NoError(t, inTx(t, s, func(tx ledger.Tx) error {
		if err := tx.Append(ctx, earnEntry("e1", "o1", "earn:o1")); err != nil {
			return err
		}
		return tx.Append(ctx, redeem)
	}))

	entries, err := s.ListForUser(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, entries, 2)

	assert.Equal(t, earnEntry("e1", "o1", "earn:o1"), entries[0])
	assert.Equal(t, redeem, entries[1])
	assert.True(t, entries[0].CreatedAt.Equal(now), "nanoseconds survive")
}

func TestStore_DuplicateIdempotencyKey(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, inTx(t, s, func(tx ledger.Tx) error {
		return tx.Append(ctx, earnEntry("e1", "o1", "earn:o1"))
	}))

	err := inTx(t, s, func(tx ledger.Tx) error {
		return tx.Append(ctx, earnEntry("e2", "o1", "earn:o1"))
	})
	assert.ErrorIs(t, err, ledger.ErrDuplicateIdempotencyKey)
	assert.False(t, ledger.IsRetryable(err))

	found, err := s.FindByIdempotencyKey(ctx, "earn:o1")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, ledger.EntryID("e1"), found.ID)
}

func TestStore_ListForOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, inTx(t, s, func(tx ledger.Tx) error {
		for _, e := range []ledger.Entry{
			earnEntry("e1", "o1", "k1"),
			earnEntry("e2", "o2", "k2"),
			earnEntry("e3", "o1", "k3"),
		} {
			if err := tx.Append(ctx, e); err != nil {
				return err
			}
		}
		return nil
	}))

	entries, err := s.ListForOrder(ctx, "o1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, ledger.EntryID("e1"), entries[0].ID)
	assert.Equal(t, ledger.EntryID("e3"), entries[1].ID)
}

func TestStore_RollbackOnError(t *testing.T) {
	// GIVEN: A transaction that writes an entry and then fails
	// THEN: The entry is not persisted, and reads inside the tx saw it

	s := newTestStore(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := inTx(t, s, func(tx ledger.Tx) error {
		require.NoError(t, tx.Append(ctx, earnEntry("e1", "o1", "k1")))
		entries, err := tx.ListForUser(ctx, "u1")
		require.NoError(t, err)
		assert.Len(t, entries, 1)
		return boom
	})
	assert.ErrorIs(t, err, boom)

	entries, err := s.ListForUser(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

// =============================================================================
// RECORD TESTS
// =============================================================================

func TestStore_CouponLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	coupon := ledger.Coupon{
		ID:          "c1",
		UserID:      "u1",
		Code:        "ABCD-EFGH-JKMN",
		PointsValue: 500,
		Source:      ledger.CouponFromRedemption,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	require.NoError(t, inTx(t, s, func(tx ledger.Tx) error { return tx.SaveCoupon(ctx, coupon) }))

	got, err := s.GetCoupon(ctx, coupon.Code)
	require.NoError(t, err)
	assert.Equal(t, coupon, *got)

	invalidatedAt := now.Add(time.Hour)
	coupon.Used = true
	coupon.OrderID = "o9"
	coupon.InvalidatedAt = &invalidatedAt
	coupon.UpdatedAt = invalidatedAt
	require.NoError(t, inTx(t, s, func(tx ledger.Tx) error { return tx.SaveCoupon(ctx, coupon) }))

	got, err = s.GetCoupon(ctx, coupon.Code)
	require.NoError(t, err)
	assert.True(t, got.Used)
	assert.Equal(t, ledger.OrderID("o9"), got.OrderID)
	require.NotNil(t, got.InvalidatedAt)
	assert.True(t, got.InvalidatedAt.Equal(invalidatedAt))

	missing, err := s.GetCoupon(ctx, "NOPE-NOPE-NOPE")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestStore_CouponCodeCollision(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first := ledger.Coupon{ID: "c1", UserID: "u1", Code: "AAAA-AAAA-AAAA", Source: ledger.CouponFromRedemption, CreatedAt: now, UpdatedAt: now}
	second := first
	second.ID = "c2"

	require.NoError(t, inTx(t, s, func(tx ledger.Tx) error { return tx.SaveCoupon(ctx, first) }))
	err := inTx(t, s, func(tx ledger.Tx) error { return tx.SaveCoupon(ctx, second) })

	assert.ErrorIs(t, err, ledger.ErrDuplicateCouponCode)
}

func TestStore_ReferralsAndUsers(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rewardedAt := now.Add(time.Minute)
	require.NoError(t, inTx(t, s, func(tx ledger.Tx) error {
		if err := tx.SaveUser(ctx, ledger.User{ID: "u1", LoyaltyTier: ledger.TierSilver, TierUpdatedAt: now, CreatedAt: now}); err != nil {
			return err
		}
		if err := tx.SaveUser(ctx, ledger.User{ID: "u0", LoyaltyTier: ledger.TierGold, TierUpdatedAt: now, CreatedAt: now}); err != nil {
			return err
		}
		if err := tx.SaveReferral(ctx, ledger.Referral{ReferrerID: "u0", RefereeID: "u1", Status: ledger.ReferralPending, CreatedAt: now}); err != nil {
			return err
		}
		return tx.SaveReferral(ctx, ledger.Referral{ReferrerID: "u0", RefereeID: "u1", Status: ledger.ReferralRewarded, CreatedAt: now, RewardedAt: &rewardedAt})
	}))

	r, err := s.GetReferral(ctx, "u0", "u1")
	require.NoError(t, err)
	require.NotNil(t, r)
	assert.Equal(t, ledger.ReferralRewarded, r.Status)
	require.NotNil(t, r.RewardedAt)
	assert.True(t, r.RewardedAt.Equal(rewardedAt))

	other, err := s.GetReferral(ctx, "someone-else", "u1")
	require.NoError(t, err)
	assert.Nil(t, other)

	users, err := s.ListUsers(ctx)
	require.NoError(t, err)
	require.Len(t, users, 2)
	assert.Equal(t, ledger.UserID("u0"), users[0].ID)
	assert.Equal(t, ledger.TierGold, users[0].LoyaltyTier)

	u, err := s.GetUser(ctx, "nobody")
	require.NoError(t, err)
	assert.Nil(t, u)
}

func TestStore_ClosedDatabaseIsUnavailable(t *testing.T) {
	s, err := sqlite.New(":memory:")
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = s.ListForUser(context.Background(), "u1")
	assert.ErrorIs(t, err, ledger.ErrStorageUnavailable)
	assert.True(t, ledger.IsRetryable(err))
}
