/*
errors.go - Centralized error types for the ledger core

PURPOSE:
  All ledger-level error types in one place for consistency and
  discoverability. The loyalty package adds its own coupon and referral
  errors on top of these.

ERROR CATEGORIES:
  1. Ledger errors - Idempotency and uniqueness violations
  2. Balance errors - Spending more than is available
  3. Store errors - The persistence backend is unavailable

USAGE:
  if errors.Is(err, ledger.ErrStorageUnavailable) {
      // Tell the webhook caller to retry later
  }

  var insufficient *ledger.InsufficientBalanceError
  if errors.As(err, &insufficient) {
      fmt.Println(insufficient.Available)
  }

SEE ALSO:
  - store.go: Store implementations return these errors
  - loyalty/errors.go: Coupon and referral errors
*/
package ledger

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrDuplicateIdempotencyKey is returned when an entry with the same
	// idempotency key already exists. This is expected behavior for retries.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")

	// ErrDuplicateCouponCode is returned when a generated coupon code collides
	// with an existing one. Callers generate a new code and try again.
	ErrDuplicateCouponCode = errors.New("duplicate coupon code")

	// ErrInsufficientBalance is returned when a redemption exceeds the
	// available balance.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrInvalidPoints is returned for a non-positive points amount.
	ErrInvalidPoints = errors.New("points must be at least 1")

	// ErrStorageUnavailable is returned when the persistence backend cannot
	// serve the call. The mutation did not happen and may be retried.
	ErrStorageUnavailable = errors.New("storage unavailable")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InsufficientBalanceError reports the actual available balance for UX.
// Available is negative while a user owes points for a reversed order
// they already spent.
type InsufficientBalanceError struct {
	UserID    UserID
	Available int64
	Requested int64
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance: available %d, requested %d", e.Available, e.Requested)
}

func (e *InsufficientBalanceError) Unwrap() error {
	return ErrInsufficientBalance
}

// StorageError wraps a backend failure with the operation that hit it.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage unavailable: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func (e *StorageError) Is(target error) bool { return target == ErrStorageUnavailable }

// Unavailable wraps err as a StorageError. A nil err stays nil.
func Unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStorageUnavailable)
}
