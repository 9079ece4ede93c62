package loyalty

import (
	"context"
	"errors"
	"fmt"

	"github.com/warp/loyalty-ledger/ledger"
)

// =============================================================================
// REDEMPTION & COUPON LIFECYCLE
// =============================================================================
//
//   Redeem ──► coupon (usable) ──Apply──► used ──Invalidate──► invalidated
//                    │                                           + re-credit
//                    └──────────────Invalidate──► invalidated (debit stands)
//
// A redemption coupon is only ever created together with its redeemed
// entry, in the same transaction. Invalidation is terminal.

func invalidationKey(code string) string { return "coupon-invalidated:" + code }

// Redeem converts available points into a single-use coupon worth points.
func (e *Engine) Redeem(ctx context.Context, userID ledger.UserID, points int64) (ledger.Coupon, error) {
	if userID == "" {
		return ledger.Coupon{}, fmt.Errorf("%w: user is required", ErrInvalidArgument)
	}

	attempts := max(e.program.CodeAttempts, 1)
	for attempt := 0; attempt < attempts; attempt++ {
		code, err := e.codes()
		if err != nil {
			return ledger.Coupon{}, fmt.Errorf("generate coupon code: %w", err)
		}

		coupon, err := e.redeemWithCode(ctx, userID, points, code)
		if errors.Is(err, ledger.ErrDuplicateCouponCode) {
			e.logger.WarnContext(ctx, "coupon code collision, retrying", "attempt", attempt+1)
			continue
		}
		if err != nil {
			return ledger.Coupon{}, err
		}

		e.logger.InfoContext(ctx, "points redeemed",
			"user_id", userID, "points", points, "coupon_id", coupon.ID)
		return coupon, nil
	}
	return ledger.Coupon{}, ErrCodeSpaceExhausted
}

func (e *Engine) redeemWithCode(ctx context.Context, userID ledger.UserID, points int64, code string) (ledger.Coupon, error) {
	var coupon ledger.Coupon
	err := e.mutate(ctx, []ledger.UserID{userID}, func(tx ledger.Tx) error {
		now := e.clock.Now()

		entries, err := tx.ListForUser(ctx, userID)
		if err != nil {
			return err
		}
		available := ledger.Summarize(entries, now).Available
		if points < 1 || points > available {
			return &ledger.InsufficientBalanceError{
				UserID:    userID,
				Available: available,
				Requested: points,
			}
		}

		// Cheap check first; the unique constraint is the real guard.
		taken, err := tx.GetCoupon(ctx, code)
		if err != nil {
			return err
		}
		if taken != nil {
			return ledger.ErrDuplicateCouponCode
		}

		if _, err := e.appendEntry(ctx, tx, ledger.Entry{
			UserID:    userID,
			Type:      ledger.TypeRedeemed,
			Points:    -points,
			Reason:    ledger.ReasonRedemption,
			Reference: code,
			CreatedAt: now,
		}); err != nil {
			return err
		}

		coupon = ledger.Coupon{
			ID:          e.newID(),
			UserID:      userID,
			Code:        code,
			PointsValue: points,
			Source:      ledger.CouponFromRedemption,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := tx.SaveCoupon(ctx, coupon); err != nil {
			return err
		}

		_, err = e.refreshTier(ctx, tx, userID)
		return err
	})
	return coupon, err
}

// ownedCoupon loads a coupon and hides coupons of other users.
func ownedCoupon(ctx context.Context, r ledger.Reader, code string, userID ledger.UserID) (*ledger.Coupon, error) {
	c, err := r.GetCoupon(ctx, code)
	if err != nil {
		return nil, err
	}
	if c == nil || c.UserID != userID {
		return nil, couponErr(code, ErrCouponNotFound)
	}
	return c, nil
}

// Validate returns the coupon if it belongs to userID and can still be used.
func (e *Engine) Validate(ctx context.Context, code string, userID ledger.UserID) (ledger.Coupon, error) {
	code = NormalizeCode(code)
	c, err := ownedCoupon(ctx, e.store, code, userID)
	if err != nil {
		return ledger.Coupon{}, err
	}
	switch {
	case c.IsInvalidated():
		return ledger.Coupon{}, couponErr(code, ErrCouponInvalidated)
	case c.Used:
		return ledger.Coupon{}, couponErr(code, ErrCouponAlreadyUsed)
	}
	return *c, nil
}

// Apply marks the coupon used by orderID. Applying it again to the same
// order returns the coupon unchanged.
func (e *Engine) Apply(ctx context.Context, code string, userID ledger.UserID, orderID ledger.OrderID) (ledger.Coupon, error) {
	if orderID == "" {
		return ledger.Coupon{}, fmt.Errorf("%w: order is required", ErrInvalidArgument)
	}
	code = NormalizeCode(code)

	var coupon ledger.Coupon
	err := e.mutate(ctx, []ledger.UserID{userID}, func(tx ledger.Tx) error {
		c, err := ownedCoupon(ctx, tx, code, userID)
		if err != nil {
			return err
		}
		switch {
		case c.IsInvalidated():
			return couponErr(code, ErrCouponInvalidated)
		case c.Used && c.OrderID == orderID:
			coupon = *c
			return nil
		case c.Used:
			return couponErr(code, ErrCouponAlreadyUsed)
		}

		c.Used = true
		c.OrderID = orderID
		c.UpdatedAt = e.clock.Now()
		if err := tx.SaveCoupon(ctx, *c); err != nil {
			return err
		}
		coupon = *c
		return nil
	})
	return coupon, err
}

// Invalidate retires the coupon for good. If it had been used, the points
// it was worth are credited back. Invalidating twice is a no-op.
func (e *Engine) Invalidate(ctx context.Context, code string, userID ledger.UserID) (ledger.Coupon, error) {
	code = NormalizeCode(code)

	var coupon ledger.Coupon
	recredited := false
	err := e.mutate(ctx, []ledger.UserID{userID}, func(tx ledger.Tx) error {
		recredited = false
		c, err := ownedCoupon(ctx, tx, code, userID)
		if err != nil {
			return err
		}
		if c.IsInvalidated() {
			coupon = *c
			return nil
		}

		now := e.clock.Now()
		c.InvalidatedAt = &now
		c.UpdatedAt = now
		if err := tx.SaveCoupon(ctx, *c); err != nil {
			return err
		}
		coupon = *c

		// Granted vouchers never debited the ledger, so there is nothing
		// to give back.
		if !c.Used || c.Source != ledger.CouponFromRedemption {
			return nil
		}

		if _, err := e.appendEntry(ctx, tx, ledger.Entry{
			UserID:         userID,
			Type:           ledger.TypeReversed,
			Points:         c.PointsValue,
			Reason:         ledger.ReasonCouponInvalidated,
			Reference:      code,
			IdempotencyKey: invalidationKey(code),
			CreatedAt:      now,
		}); err != nil {
			return err
		}
		recredited = true
		_, err = e.refreshTier(ctx, tx, userID)
		return err
	})
	if err != nil {
		return ledger.Coupon{}, err
	}

	if recredited {
		e.logger.InfoContext(ctx, "used coupon invalidated, points re-credited",
			"user_id", userID, "coupon_id", coupon.ID, "points", coupon.PointsValue)
	}
	return coupon, nil
}
