package loyalty

import (
	"errors"
	"fmt"

	"github.com/warp/loyalty-ledger/ledger"
)

// =============================================================================
// SENTINEL ERRORS
// =============================================================================

var (
	// ErrInvalidOrExpiredCoupon is the umbrella for every coupon failure.
	// Use errors.Is with the specific reasons below to tell them apart.
	ErrInvalidOrExpiredCoupon = errors.New("invalid or expired coupon")

	ErrCouponNotFound    = errors.New("coupon not found")
	ErrCouponAlreadyUsed = errors.New("coupon already used")
	ErrCouponInvalidated = errors.New("coupon invalidated")

	ErrSelfReferral           = errors.New("user cannot refer themselves")
	ErrReferrerNotFound       = errors.New("referrer not found")
	ErrRefereeAlreadyReferred = errors.New("referee already referred by another user")

	ErrUserNotFound    = errors.New("user not found")
	ErrInvalidReason   = errors.New("reversal reason must be cancelled or returned")
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrCodeSpaceExhausted means every generated coupon code collided.
	ErrCodeSpaceExhausted = errors.New("could not generate a unique coupon code")
)

// =============================================================================
// STRUCTURED ERRORS
// =============================================================================

// CouponError carries the code and the specific reason the coupon was
// rejected. It matches both ErrInvalidOrExpiredCoupon and its Reason.
type CouponError struct {
	Code   string
	Reason error
}

func (e *CouponError) Error() string {
	return fmt.Sprintf("%s: %s: %v", ErrInvalidOrExpiredCoupon, e.Code, e.Reason)
}

func (e *CouponError) Unwrap() error { return e.Reason }

func (e *CouponError) Is(target error) bool { return target == ErrInvalidOrExpiredCoupon }

func couponErr(code string, reason error) error {
	return &CouponError{Code: code, Reason: reason}
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the error is due to invalid input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidOrExpiredCoupon) ||
		errors.Is(err, ErrSelfReferral) ||
		errors.Is(err, ErrReferrerNotFound) ||
		errors.Is(err, ErrRefereeAlreadyReferred) ||
		errors.Is(err, ErrUserNotFound) ||
		errors.Is(err, ErrInvalidReason) ||
		errors.Is(err, ErrInvalidArgument) ||
		errors.Is(err, ledger.ErrInvalidPoints) ||
		errors.Is(err, ledger.ErrInsufficientBalance)
}

// IsRetryable returns true if the caller should retry the event later.
func IsRetryable(err error) bool {
	return ledger.IsRetryable(err)
}
