/*
Package ledger provides the core points ledger.

PURPOSE:
  This package contains the domain-agnostic pieces of the loyalty engine:
  the immutable Entry, the records that travel with it (coupons, referrals,
  users), the persistence contract, and the pure balance calculator.
  Nothing here knows about tiers, referral bonuses or coupon codes - those
  rules live in the loyalty package.

KEY CONCEPTS IN THIS FILE (types.go):
  - Entry: An immutable record of one point movement
  - EntryType / EntryStatus: What moved and whether it is spendable yet
  - Coupon / Referral / User: Mutable records owned by loyalty components
  - Tier: The cached loyalty tier stored on the user record

DESIGN PRINCIPLES:
  1. Immutability: Entries are never modified, only superseded or reversed
  2. Integer points: Points are whole numbers, stored as signed int64
  3. Type Safety: Distinct ID types prevent mixing users, orders and entries
  4. Auditability: Every entry has a reason, a reference and an idempotency key

USAGE:
  entry := ledger.Entry{
      UserID:  "user-123",
      OrderID: "order-9",
      Type:    ledger.TypeEarned,
      Status:  ledger.StatusPending,
      Points:  300,
      Reason:  ledger.ReasonPurchase,
  }

SEE ALSO:
  - store.go: Persistence interfaces
  - balance.go: Balance calculation by replaying entries
  - errors.go: Sentinel and structured errors
*/
package ledger

import "time"

// =============================================================================
// IDENTIFIERS
// =============================================================================

type UserID string
type OrderID string
type EntryID string

// =============================================================================
// ENTRY - Immutable point movement
// =============================================================================

type EntryType string

const (
	TypeEarned    EntryType = "earned"    // Points granted by a purchase or bonus
	TypeRedeemed  EntryType = "redeemed"  // Points spent on a coupon (stored negative)
	TypeReversed  EntryType = "reversed"  // Signed correction of an earlier grant or debit
	TypeConverted EntryType = "converted" // Promotes a pending earn to available (zero points)
	TypeGranted   EntryType = "granted"   // Value issued without spending points (never in balances)
)

// EntryStatus is only meaningful for earned entries and for reversals of earns.
type EntryStatus string

const (
	StatusNone      EntryStatus = ""
	StatusPending   EntryStatus = "pending"
	StatusAvailable EntryStatus = "available"
)

// Reasons used by the loyalty engine. Reason is free-form; these are the
// values the engine itself writes.
const (
	ReasonPurchase              = "purchase"
	ReasonRedemption            = "redemption"
	ReasonCancelled             = "cancelled"
	ReasonReturned              = "returned"
	ReasonCouponInvalidated     = "coupon_invalidated"
	ReasonReturnWindowClosed    = "return_window_closed"
	ReasonReferralFirstPurchase = "referral_first_purchase"
	ReasonReferralWelcome       = "referral_welcome_voucher"
)

type Entry struct {
	ID      EntryID
	UserID  UserID
	OrderID OrderID // Empty when the entry is not order scoped
	Type    EntryType
	Status  EntryStatus
	Points  int64
	Reason  string

	// Reference links the entry to what it concerns: a coupon code for
	// redemptions, grants and coupon re-credits, or the superseded entry ID
	// for conversions.
	Reference      string
	IdempotencyKey string
	CreatedAt      time.Time
}

// IsEarnReversal reports whether the entry cancels previously earned points.
func (e Entry) IsEarnReversal() bool {
	return e.Type == TypeReversed && e.Points < 0 && e.OrderID != ""
}

// =============================================================================
// COUPON - Single-use, points-backed voucher
// =============================================================================

type CouponSource string

const (
	CouponFromRedemption      CouponSource = "redemption"
	CouponFromReferralWelcome CouponSource = "referral_welcome"
)

type Coupon struct {
	ID            string
	UserID        UserID
	Code          string
	PointsValue   int64
	Source        CouponSource
	Used          bool
	OrderID       OrderID    // Set when used
	InvalidatedAt *time.Time // Terminal once set
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func (c Coupon) IsInvalidated() bool { return c.InvalidatedAt != nil }

// Usable reports whether the coupon can still be applied at checkout.
func (c Coupon) Usable() bool { return !c.Used && !c.IsInvalidated() }

// =============================================================================
// REFERRAL - Referrer to referee relationship
// =============================================================================

type ReferralStatus string

const (
	ReferralPending  ReferralStatus = "pending"
	ReferralRewarded ReferralStatus = "rewarded"
)

type Referral struct {
	ReferrerID UserID
	RefereeID  UserID
	Status     ReferralStatus
	CreatedAt  time.Time
	RewardedAt *time.Time
}

// =============================================================================
// USER - Loyalty member with a cached tier
// =============================================================================

type Tier string

const (
	TierSilver   Tier = "silver"
	TierGold     Tier = "gold"
	TierPlatinum Tier = "platinum"
	TierDiamond  Tier = "diamond"
)

// User carries the cached loyalty tier. The tier is derivable from the
// ledger at any time and is never used as input to a decision.
type User struct {
	ID            UserID
	LoyaltyTier   Tier
	TierUpdatedAt time.Time
	CreatedAt     time.Time
}

// =============================================================================
// CLOCK
// =============================================================================

// Clock supplies "now" to the calculator and the engine.
type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }
