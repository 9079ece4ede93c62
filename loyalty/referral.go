package loyalty

import (
	"context"
	"errors"
	"fmt"

	"github.com/warp/loyalty-ledger/ledger"
)

// =============================================================================
// REFERRAL REWARD DISTRIBUTOR
// =============================================================================
//
// A referral is created once per referee at signup and pays out exactly
// once, on the referee's first delivered order:
//
//   referrer: earned/available +ReferralBonusPoints
//   referee:  welcome coupon + matching granted entry
//   referral: pending -> rewarded
//
// All of it is one transaction holding both users' locks. The status field
// is the idempotency key of the trigger; the entry keys back it up.

// RewardOutcome tells the caller what a referral trigger did.
type RewardOutcome string

const (
	OutcomeNoPendingReferral RewardOutcome = "no_pending_referral"
	OutcomeAlreadyAwarded    RewardOutcome = "already_awarded"
	OutcomeRewarded          RewardOutcome = "rewarded"
)

// RewardResult is returned by OnRefereeFirstOrderDelivered. Bonus and
// Voucher are only set when Outcome is OutcomeRewarded.
type RewardResult struct {
	Outcome  RewardOutcome
	Referral *ledger.Referral
	Bonus    *ledger.Entry
	Voucher  *ledger.Coupon
}

func bonusKey(referrerID, refereeID ledger.UserID) string {
	return fmt.Sprintf("referral-bonus:%s:%s", referrerID, refereeID)
}

func welcomeKey(refereeID ledger.UserID) string { return "referral-welcome:" + string(refereeID) }

// CreateReferral records that referrerID referred refereeID. Calling it again
// for the same pair returns the existing referral.
func (e *Engine) CreateReferral(ctx context.Context, referrerID, refereeID ledger.UserID) (ledger.Referral, error) {
	if referrerID == "" || refereeID == "" {
		return ledger.Referral{}, fmt.Errorf("%w: referrer and referee are required", ErrInvalidArgument)
	}
	if referrerID == refereeID {
		return ledger.Referral{}, ErrSelfReferral
	}

	var referral ledger.Referral
	err := e.mutate(ctx, []ledger.UserID{referrerID, refereeID}, func(tx ledger.Tx) error {
		referrer, err := tx.GetUser(ctx, referrerID)
		if err != nil {
			return err
		}
		if referrer == nil {
			return ErrReferrerNotFound
		}

		existing, err := tx.GetReferralByReferee(ctx, refereeID)
		if err != nil {
			return err
		}
		if existing != nil {
			if existing.ReferrerID != referrerID {
				return ErrRefereeAlreadyReferred
			}
			referral = *existing
			return nil
		}

		referral = ledger.Referral{
			ReferrerID: referrerID,
			RefereeID:  refereeID,
			Status:     ledger.ReferralPending,
			CreatedAt:  e.clock.Now(),
		}
		return tx.SaveReferral(ctx, referral)
	})
	if err != nil {
		return ledger.Referral{}, err
	}
	return referral, nil
}

// OnRefereeFirstOrderDelivered pays out the referee's pending referral.
// Having no referral, or one already rewarded, is not an error.
func (e *Engine) OnRefereeFirstOrderDelivered(ctx context.Context, refereeID ledger.UserID) (RewardResult, error) {
	if refereeID == "" {
		return RewardResult{}, fmt.Errorf("%w: referee is required", ErrInvalidArgument)
	}

	referral, err := e.store.GetReferralByReferee(ctx, refereeID)
	if err != nil {
		return RewardResult{}, err
	}
	if referral == nil {
		return RewardResult{Outcome: OutcomeNoPendingReferral}, nil
	}
	if referral.Status == ledger.ReferralRewarded {
		return RewardResult{Outcome: OutcomeAlreadyAwarded, Referral: referral}, nil
	}

	attempts := max(e.program.CodeAttempts, 1)
	for attempt := 0; attempt < attempts; attempt++ {
		code, err := e.codes()
		if err != nil {
			return RewardResult{}, fmt.Errorf("generate coupon code: %w", err)
		}

		result, err := e.reward(ctx, referral.ReferrerID, refereeID, code)
		if errors.Is(err, ledger.ErrDuplicateCouponCode) {
			e.logger.WarnContext(ctx, "coupon code collision, retrying", "attempt", attempt+1)
			continue
		}
		if err != nil {
			return RewardResult{}, err
		}

		if result.Outcome == OutcomeRewarded {
			e.logger.InfoContext(ctx, "referral rewarded",
				"referrer_id", referral.ReferrerID, "referee_id", refereeID,
				"bonus_points", result.Bonus.Points, "voucher_id", result.Voucher.ID)
		}
		return result, nil
	}
	return RewardResult{}, ErrCodeSpaceExhausted
}

func (e *Engine) reward(ctx context.Context, referrerID, refereeID ledger.UserID, code string) (RewardResult, error) {
	var result RewardResult
	err := e.mutate(ctx, []ledger.UserID{referrerID, refereeID}, func(tx ledger.Tx) error {
		result = RewardResult{}
		now := e.clock.Now()

		// Re-read under the locks: a concurrent trigger may have won.
		referral, err := tx.GetReferralByReferee(ctx, refereeID)
		if err != nil {
			return err
		}
		switch {
		case referral == nil:
			result.Outcome = OutcomeNoPendingReferral
			return nil
		case referral.Status == ledger.ReferralRewarded:
			result = RewardResult{Outcome: OutcomeAlreadyAwarded, Referral: referral}
			return nil
		}

		bonus, err := e.appendEntry(ctx, tx, ledger.Entry{
			UserID:         referrerID,
			Type:           ledger.TypeEarned,
			Status:         ledger.StatusAvailable,
			Points:         e.program.ReferralBonusPoints,
			Reason:         ledger.ReasonReferralFirstPurchase,
			Reference:      string(refereeID),
			IdempotencyKey: bonusKey(referrerID, refereeID),
			CreatedAt:      now,
		})
		if err != nil {
			return err
		}

		taken, err := tx.GetCoupon(ctx, code)
		if err != nil {
			return err
		}
		if taken != nil {
			return ledger.ErrDuplicateCouponCode
		}
		voucher := ledger.Coupon{
			ID:          e.newID(),
			UserID:      refereeID,
			Code:        code,
			PointsValue: e.program.WelcomeVoucherPoints,
			Source:      ledger.CouponFromReferralWelcome,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := tx.SaveCoupon(ctx, voucher); err != nil {
			return err
		}
		if _, err := e.appendEntry(ctx, tx, ledger.Entry{
			UserID:         refereeID,
			Type:           ledger.TypeGranted,
			Points:         voucher.PointsValue,
			Reason:         ledger.ReasonReferralWelcome,
			Reference:      code,
			IdempotencyKey: welcomeKey(refereeID),
			CreatedAt:      now,
		}); err != nil {
			return err
		}

		referral.Status = ledger.ReferralRewarded
		referral.RewardedAt = &now
		if err := tx.SaveReferral(ctx, *referral); err != nil {
			return err
		}

		if _, err := e.refreshTier(ctx, tx, referrerID); err != nil {
			return err
		}
		if _, err := e.refreshTier(ctx, tx, refereeID); err != nil {
			return err
		}

		result = RewardResult{
			Outcome:  OutcomeRewarded,
			Referral: referral,
			Bonus:    &bonus,
			Voucher:  &voucher,
		}
		return nil
	})
	return result, err
}
