package loyalty_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/loyalty-ledger/ledger"
	"github.com/warp/loyalty-ledger/loyalty"
)

// =============================================================================
// THRESHOLDS
// =============================================================================

func TestTierFor(t *testing.T) {
	tests := []struct {
		rolling  int64
		expected ledger.Tier
	}{
		{-50, ledger.TierSilver},
		{0, ledger.TierSilver},
		{2499, ledger.TierSilver},
		{2500, ledger.TierGold},
		{9999, ledger.TierGold},
		{10000, ledger.TierPlatinum},
		{24999, ledger.TierPlatinum},
		{25000, ledger.TierDiamond},
		{1_000_000, ledger.TierDiamond},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, loyalty.TierFor(tt.rolling), "rolling=%d", tt.rolling)
	}
}

func TestProgress(t *testing.T) {
	p := loyalty.Progress(2600)
	assert.Equal(t, ledger.TierGold, p.Tier)
	assert.Equal(t, ledger.TierPlatinum, p.NextTier)
	assert.Equal(t, int64(7400), p.PointsToNextTier)

	top := loyalty.Progress(30000)
	assert.Equal(t, ledger.TierDiamond, top.Tier)
	assert.Empty(t, top.NextTier)
	assert.Zero(t, top.PointsToNextTier)
}

// =============================================================================
// DECAY
// =============================================================================

func TestTierDecay_RollingWindow(t *testing.T) {
	// GIVEN: 2600 points earned at T0, nothing after
	// THEN:  Gold at T0+1d, Silver at T0+12mo+1d

	forEachStore(t, func(t *testing.T, h *harness) {
		h.earnAvailable(t, "u1", "o1", 2600)
		assert.Equal(t, ledger.TierGold, h.requireTierCached(t, "u1"))

		h.clock.Set(t0.AddDate(0, 0, 1))
		tier, err := h.engine.RecomputeTier(h.ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, ledger.TierGold, tier)

		h.clock.Set(t0.AddDate(1, 0, 1))
		tier, err = h.engine.RecomputeTier(h.ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, ledger.TierSilver, tier)
		h.requireTierCached(t, "u1")

		// Decay does not touch spendable points
		assert.Equal(t, int64(2600), h.summary(t, "u1").Available)
	})
}

func TestRecomputeTier_UnknownUser(t *testing.T) {
	h := newHarness(t, storeFactories[0].new(t))

	_, err := h.engine.RecomputeTier(h.ctx, "ghost")
	assert.ErrorIs(t, err, loyalty.ErrUserNotFound)

	// No record is created as a side effect
	_, err = h.engine.GetUser(h.ctx, "ghost")
	assert.ErrorIs(t, err, loyalty.ErrUserNotFound)
}

func TestRefreshAllTiers(t *testing.T) {
	forEachStore(t, func(t *testing.T, h *harness) {
		h.earnAvailable(t, "gold", "o1", 2600)
		h.earnAvailable(t, "platinum", "o2", 12000)
		_, err := h.engine.RegisterUser(h.ctx, "silver")
		require.NoError(t, err)

		// Refreshing right away changes nothing
		result, err := h.engine.RefreshAllTiers(h.ctx)
		require.NoError(t, err)
		assert.Equal(t, loyalty.RefreshResult{Checked: 3}, result)

		h.clock.Set(t0.AddDate(1, 0, 1))
		result, err = h.engine.RefreshAllTiers(h.ctx)
		require.NoError(t, err)
		assert.Equal(t, loyalty.RefreshResult{Checked: 3, Changed: 2}, result)

		for _, id := range []ledger.UserID{"gold", "platinum", "silver"} {
			assert.Equal(t, ledger.TierSilver, h.requireTierCached(t, id))
		}
	})
}

func TestRefreshAllTiers_StopsOnCancelledContext(t *testing.T) {
	h := newHarness(t, storeFactories[0].new(t))
	_, err := h.engine.RegisterUser(h.ctx, "u1")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(h.ctx)
	cancel()

	_, err = h.engine.RefreshAllTiers(ctx)
	assert.Error(t, err)
}

// =============================================================================
// REGISTRATION
// =============================================================================

func TestRegisterUser(t *testing.T) {
	forEachStore(t, func(t *testing.T, h *harness) {
		user, err := h.engine.RegisterUser(h.ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, ledger.TierSilver, user.LoyaltyTier)
		assert.True(t, user.CreatedAt.Equal(t0))

		h.clock.Advance(time.Hour)
		again, err := h.engine.RegisterUser(h.ctx, "u1")
		require.NoError(t, err)
		assert.True(t, again.CreatedAt.Equal(t0), "registration is idempotent")

		_, err = h.engine.RegisterUser(h.ctx, "")
		assert.ErrorIs(t, err, loyalty.ErrInvalidArgument)
	})
}

func TestTierCachedAfterEveryMutation(t *testing.T) {
	forEachStore(t, func(t *testing.T, h *harness) {
		_, err := h.engine.CreditEarned(h.ctx, "u1", "o1", 2000)
		require.NoError(t, err)
		assert.Equal(t, ledger.TierSilver, h.requireTierCached(t, "u1"))

		_, err = h.engine.CreditEarned(h.ctx, "u1", "o2", 600)
		require.NoError(t, err)
		assert.Equal(t, ledger.TierGold, h.requireTierCached(t, "u1"))

		_, err = h.engine.ConvertPendingToAvailable(h.ctx, "o2")
		require.NoError(t, err)
		assert.Equal(t, ledger.TierGold, h.requireTierCached(t, "u1"))

		_, err = h.engine.ReverseEarned(h.ctx, "o2", ledger.ReasonReturned)
		require.NoError(t, err)
		assert.Equal(t, ledger.TierSilver, h.requireTierCached(t, "u1"))
	})
}
