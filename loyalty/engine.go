/*
Package loyalty implements the loyalty program on top of the points ledger.

PURPOSE:
  Every rule of the program lives here: how purchases earn points, when
  they become spendable, how they are clawed back, how points turn into
  coupons, how referrals pay out, and which tier a member is in. The
  ledger package only stores entries and sums them.

COMPONENTS:
  bridge.go:     Order lifecycle hooks (earn, convert, reverse)
  redemption.go: Redeem points into coupons, validate/apply/invalidate
  referral.go:   Referral creation and the one-time reward
  tier.go:       Tier thresholds and the cached tier on the user
  experience.go: Read-only member view (balances, tier, history)
  users.go:      Member registration

TRANSACTIONAL BOUNDARY:
  Every mutation runs inside ledger.Store.WithUserTx, holding the locks of
  every user it touches. Inside the transaction the engine:
    1. Reads the user's entries through the transaction
    2. Computes balances with ledger.Summarize
    3. Validates and appends
    4. Rewrites the cached tier
  so a balance can never go stale between check and write, and the
  cached tier never diverges from the ledger after a successful call.

IDEMPOTENCY KEYS:
  earn:<orderID>                       one earn per order
  convert:<entryID>                    one conversion per pending earn
  reverse:<orderID>:<status>           one reversal per order and status
  coupon-invalidated:<code>            one re-credit per coupon
  referral-bonus:<referrer>:<referee>  one bonus per referral
  referral-welcome:<referee>           one welcome voucher per referee

SEE ALSO:
  - ledger/: Entries, store contract, balance calculator
  - api/: HTTP surface
  - events/: Order event consumer
*/
package loyalty

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/warp/loyalty-ledger/ledger"
)

// =============================================================================
// CONFIGURATION
// =============================================================================

// Program holds the tunable numbers of the loyalty program.
type Program struct {
	// ReferralBonusPoints is credited to the referrer, available immediately.
	ReferralBonusPoints int64

	// WelcomeVoucherPoints is the value of the referee's welcome coupon.
	WelcomeVoucherPoints int64

	// CashValuePerPoint converts points into an estimated currency amount.
	CashValuePerPoint decimal.Decimal

	// DefaultHistoryLimit and MaxHistoryLimit bound the experience history.
	DefaultHistoryLimit int
	MaxHistoryLimit     int

	// CodeAttempts is how many coupon codes are tried before giving up.
	CodeAttempts int
}

// DefaultProgram returns the standard program settings.
func DefaultProgram() Program {
	return Program{
		ReferralBonusPoints:  500,
		WelcomeVoucherPoints: 250,
		CashValuePerPoint:    decimal.RequireFromString("0.01"),
		DefaultHistoryLimit:  20,
		MaxHistoryLimit:      100,
		CodeAttempts:         5,
	}
}

// =============================================================================
// ENGINE
// =============================================================================

// ExperienceCache is an optional read-through cache for experience views.
// Failures are logged and never fail the caller.
//
// Every user has a generation that Invalidate advances. Get returns it
// alongside the lookup, and Set stores a view only while the generation
// is still the one the view was computed under, so a view built from a
// ledger read that raced a mutation is dropped.
type ExperienceCache interface {
	// Get returns the cached view, nil on a miss, and the user's current
	// generation.
	Get(ctx context.Context, userID ledger.UserID, limit int) (*Experience, int64, error)

	// Set stores exp unless the user's generation moved past generation.
	// A skipped write is not an error.
	Set(ctx context.Context, userID ledger.UserID, limit int, generation int64, exp Experience) error

	// Invalidate advances the generation of every user and drops their views.
	Invalidate(ctx context.Context, userIDs ...ledger.UserID) error
}

// Engine is the entry point for every loyalty operation.
type Engine struct {
	store   ledger.Store
	clock   ledger.Clock
	program Program
	codes   func() (string, error)
	newID   func() string
	cache   ExperienceCache
	logger  *slog.Logger
}

type Option func(*Engine)

func WithClock(c ledger.Clock) Option { return func(e *Engine) { e.clock = c } }

func WithProgram(p Program) Option { return func(e *Engine) { e.program = p } }

func WithLogger(l *slog.Logger) Option { return func(e *Engine) { e.logger = l } }

func WithCache(c ExperienceCache) Option { return func(e *Engine) { e.cache = c } }

// WithCodeGenerator replaces the random coupon code generator.
func WithCodeGenerator(gen func() (string, error)) Option {
	return func(e *Engine) { e.codes = gen }
}

func NewEngine(store ledger.Store, opts ...Option) *Engine {
	e := &Engine{
		store:   store,
		clock:   ledger.SystemClock{},
		program: DefaultProgram(),
		codes:   GenerateCode,
		newID:   uuid.NewString,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Program returns the settings the engine runs with.
func (e *Engine) Program() Program { return e.program }

// mutate runs fn in a store transaction holding the locks of users, then
// drops their cached experience views.
func (e *Engine) mutate(ctx context.Context, users []ledger.UserID, fn func(tx ledger.Tx) error) error {
	if err := e.store.WithUserTx(ctx, users, fn); err != nil {
		return err
	}
	e.invalidate(ctx, users...)
	return nil
}

func (e *Engine) invalidate(ctx context.Context, users ...ledger.UserID) {
	if e.cache == nil {
		return
	}
	if err := e.cache.Invalidate(ctx, users...); err != nil {
		e.logger.WarnContext(ctx, "experience cache invalidation failed", "users", users, "error", err)
	}
}

// appendEntry stamps the entry with an ID and creation time and appends it.
func (e *Engine) appendEntry(ctx context.Context, tx ledger.Tx, entry ledger.Entry) (ledger.Entry, error) {
	if entry.ID == "" {
		entry.ID = ledger.EntryID(e.newID())
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = e.clock.Now()
	}
	if err := tx.Append(ctx, entry); err != nil {
		return ledger.Entry{}, err
	}
	return entry, nil
}
