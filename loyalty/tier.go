package loyalty

import (
	"context"

	"github.com/warp/loyalty-ledger/ledger"
)

// =============================================================================
// TIER THRESHOLDS
// =============================================================================

// TierThreshold is the minimum rolling-earned points for a tier.
type TierThreshold struct {
	Tier      ledger.Tier
	MinPoints int64
}

// Tiers are ordered from lowest to highest.
var Tiers = []TierThreshold{
	{Tier: ledger.TierSilver, MinPoints: 0},
	{Tier: ledger.TierGold, MinPoints: 2500},
	{Tier: ledger.TierPlatinum, MinPoints: 10000},
	{Tier: ledger.TierDiamond, MinPoints: 25000},
}

// TierFor maps rolling-earned points to a tier.
func TierFor(rollingEarned int64) ledger.Tier {
	tier := Tiers[0].Tier
	for _, t := range Tiers {
		if rollingEarned >= t.MinPoints {
			tier = t.Tier
		}
	}
	return tier
}

// TierProgress describes where a member stands relative to the next tier.
// NextTier is empty and PointsToNextTier is 0 at the top tier.
type TierProgress struct {
	Tier             ledger.Tier
	NextTier         ledger.Tier
	PointsToNextTier int64
}

// Progress computes the tier progress for rolling-earned points.
func Progress(rollingEarned int64) TierProgress {
	p := TierProgress{Tier: TierFor(rollingEarned)}
	for _, t := range Tiers {
		if t.MinPoints > rollingEarned {
			p.NextTier = t.Tier
			p.PointsToNextTier = t.MinPoints - rollingEarned
			break
		}
	}
	return p
}

// =============================================================================
// CACHED TIER
// =============================================================================

// refreshTier recomputes the user's tier from the entries visible in tx and
// writes it to the user record when it changed. A missing user record is
// created.
func (e *Engine) refreshTier(ctx context.Context, tx ledger.Tx, userID ledger.UserID) (ledger.Tier, error) {
	now := e.clock.Now()

	entries, err := tx.ListForUser(ctx, userID)
	if err != nil {
		return "", err
	}
	tier := TierFor(ledger.RollingEarned(entries, now))

	user, err := tx.GetUser(ctx, userID)
	if err != nil {
		return "", err
	}
	if user == nil {
		user = &ledger.User{ID: userID, CreatedAt: now}
	} else if user.LoyaltyTier == tier {
		return tier, nil
	}

	previous := user.LoyaltyTier
	user.LoyaltyTier = tier
	user.TierUpdatedAt = now
	if err := tx.SaveUser(ctx, *user); err != nil {
		return "", err
	}

	if previous != "" {
		e.logger.InfoContext(ctx, "loyalty tier changed",
			"user_id", userID, "from", previous, "to", tier)
	}
	return tier, nil
}

// RecomputeTier recomputes and stores the tier of a registered user.
func (e *Engine) RecomputeTier(ctx context.Context, userID ledger.UserID) (ledger.Tier, error) {
	var tier ledger.Tier
	err := e.mutate(ctx, []ledger.UserID{userID}, func(tx ledger.Tx) error {
		user, err := tx.GetUser(ctx, userID)
		if err != nil {
			return err
		}
		if user == nil {
			return ErrUserNotFound
		}
		tier, err = e.refreshTier(ctx, tx, userID)
		return err
	})
	return tier, err
}

// RefreshResult summarizes a pass over every user.
type RefreshResult struct {
	Checked int
	Changed int
	Failed  int
}

// RefreshAllTiers recomputes every user's tier. Tiers decay as the rolling
// window slides even without new entries, so this runs periodically.
// Failures for one user do not stop the pass.
func (e *Engine) RefreshAllTiers(ctx context.Context) (RefreshResult, error) {
	var result RefreshResult

	users, err := e.store.ListUsers(ctx)
	if err != nil {
		return result, err
	}

	for _, u := range users {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		result.Checked++
		tier, err := e.RecomputeTier(ctx, u.ID)
		if err != nil {
			result.Failed++
			e.logger.ErrorContext(ctx, "tier refresh failed", "user_id", u.ID, "error", err)
			continue
		}
		if tier != u.LoyaltyTier {
			result.Changed++
		}
	}
	return result, nil
}
