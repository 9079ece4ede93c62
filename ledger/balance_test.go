package ledger_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/warp/loyalty-ledger/ledger"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

var t0 = time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC)

func earned(id, order string, points int64, status ledger.EntryStatus, at time.Time) ledger.Entry {
	return ledger.Entry{
		ID:        ledger.EntryID(id),
		UserID:    "u1",
		OrderID:   ledger.OrderID(order),
		Type:      ledger.TypeEarned,
		Status:    status,
		Points:    points,
		Reason:    ledger.ReasonPurchase,
		CreatedAt: at,
	}
}

func converted(id, earnID, order string, at time.Time) ledger.Entry {
	return ledger.Entry{
		ID:        ledger.EntryID(id),
		UserID:    "u1",
		OrderID:   ledger.OrderID(order),
		Type:      ledger.TypeConverted,
		Reference: earnID,
		Reason:    ledger.ReasonReturnWindowClosed,
		CreatedAt: at,
	}
}

func reversed(id, order string, points int64, status ledger.EntryStatus, at time.Time) ledger.Entry {
	return ledger.Entry{
		ID:        ledger.EntryID(id),
		UserID:    "u1",
		OrderID:   ledger.OrderID(order),
		Type:      ledger.TypeReversed,
		Status:    status,
		Points:    points,
		Reason:    ledger.ReasonCancelled,
		CreatedAt: at,
	}
}

func redeemed(id string, points int64, at time.Time) ledger.Entry {
	return ledger.Entry{
		ID:        ledger.EntryID(id),
		UserID:    "u1",
		Type:      ledger.TypeRedeemed,
		Points:    -points,
		Reason:    ledger.ReasonRedemption,
		CreatedAt: at,
	}
}

// =============================================================================
// BALANCE TESTS
// =============================================================================

func TestSummarize_Empty(t *testing.T) {
	s := ledger.Summarize(nil, t0)
	assert.Equal(t, ledger.Summary{}, s)
}

func TestSummarize_PendingAndAvailable(t *testing.T) {
	// GIVEN: 3000 available points and 1000 pending points
	// WHEN: 3000 are redeemed
	// THEN: available is 0, pending is still 1000, rolling counts both earns

	entries := []ledger.Entry{
		earned("e1", "o1", 3000, ledger.StatusPending, t0),
		converted("c1", "e1", "o1", t0.Add(time.Hour)),
		earned("e2", "o2", 1000, ledger.StatusPending, t0.Add(2*time.Hour)),
		redeemed("r1", 3000, t0.Add(3*time.Hour)),
	}

	s := ledger.Summarize(entries, t0.Add(4*time.Hour))

	assert.Equal(t, int64(1000), s.Pending)
	assert.Equal(t, int64(0), s.Available)
	assert.Equal(t, int64(4000), s.RollingEarned)
}

func TestSummarize_ConversionMovesPendingToAvailable(t *testing.T) {
	entries := []ledger.Entry{
		earned("e1", "o1", 300, ledger.StatusPending, t0),
		converted("c1", "e1", "o1", t0.Add(time.Hour)),
	}

	before := ledger.Summarize(entries, t0.Add(30*time.Minute))
	after := ledger.Summarize(entries, t0.Add(2*time.Hour))

	assert.Equal(t, int64(300), before.Pending)
	assert.Equal(t, int64(0), before.Available)
	assert.Equal(t, int64(0), after.Pending)
	assert.Equal(t, int64(300), after.Available)
	assert.Equal(t, before.RollingEarned, after.RollingEarned, "conversion does not change the rolling figure")
}

func TestSummarize_PendingReversalNetsToZero(t *testing.T) {
	// GIVEN: A pending earn reversed before settlement
	// THEN: Pending, available and rolling are all zero

	entries := []ledger.Entry{
		earned("e1", "o1", 500, ledger.StatusPending, t0),
		reversed("x1", "o1", -500, ledger.StatusPending, t0.Add(time.Hour)),
	}

	s := ledger.Summarize(entries, t0.Add(2*time.Hour))

	assert.Equal(t, ledger.Summary{}, s)
}

func TestSummarize_AvailableReversalNetsToZero(t *testing.T) {
	entries := []ledger.Entry{
		earned("e1", "o1", 500, ledger.StatusPending, t0),
		converted("c1", "e1", "o1", t0.Add(time.Hour)),
		reversed("x1", "o1", -500, ledger.StatusAvailable, t0.Add(2*time.Hour)),
	}

	s := ledger.Summarize(entries, t0.Add(3*time.Hour))

	assert.Equal(t, ledger.Summary{}, s)
}

func TestSummarize_CouponRecreditIsAvailable(t *testing.T) {
	recredit := ledger.Entry{
		ID:        "x1",
		UserID:    "u1",
		Type:      ledger.TypeReversed,
		Points:    200,
		Reason:    ledger.ReasonCouponInvalidated,
		Reference: "ABCD-EFGH-JKMN",
		CreatedAt: t0.Add(2 * time.Hour),
	}
	entries := []ledger.Entry{
		earned("e1", "", 200, ledger.StatusAvailable, t0),
		redeemed("r1", 200, t0.Add(time.Hour)),
		recredit,
	}

	s := ledger.Summarize(entries, t0.Add(3*time.Hour))

	assert.Equal(t, int64(200), s.Available)
	assert.Equal(t, int64(200), s.RollingEarned, "re-credits are not earnings")
}

func TestSummarize_GrantedAndConvertedExcluded(t *testing.T) {
	grant := ledger.Entry{
		ID:        "g1",
		UserID:    "u1",
		Type:      ledger.TypeGranted,
		Points:    250,
		Reason:    ledger.ReasonReferralWelcome,
		CreatedAt: t0,
	}

	s := ledger.Summarize([]ledger.Entry{grant}, t0.Add(time.Hour))

	assert.Equal(t, ledger.Summary{}, s)
}

func TestSummarize_IgnoresFutureEntries(t *testing.T) {
	entries := []ledger.Entry{
		earned("e1", "o1", 100, ledger.StatusAvailable, t0),
		earned("e2", "o2", 900, ledger.StatusAvailable, t0.Add(48*time.Hour)),
	}

	s := ledger.Summarize(entries, t0.Add(time.Hour))

	assert.Equal(t, int64(100), s.Available)
	assert.Equal(t, int64(100), s.RollingEarned)
}

// =============================================================================
// ROLLING WINDOW TESTS
// =============================================================================

func TestRollingEarned_WindowBoundary(t *testing.T) {
	// GIVEN: 2600 points earned on a single day
	// WHEN: Evaluated exactly 12 months later, and one day after that
	// THEN: The earn is counted on the boundary and dropped the day after

	entries := []ledger.Entry{earned("e1", "o1", 2600, ledger.StatusAvailable, t0)}

	onBoundary := t0.AddDate(1, 0, 0)
	dayAfter := onBoundary.AddDate(0, 0, 1)

	assert.Equal(t, int64(2600), ledger.RollingEarned(entries, onBoundary))
	assert.Equal(t, int64(0), ledger.RollingEarned(entries, dayAfter))
	assert.Equal(t, int64(2600), ledger.AvailableBalance(entries, dayAfter), "old points stay spendable")
}

func TestRollingEarned_ReversalOfOldEarnDoesNotGoNegative(t *testing.T) {
	// GIVEN: An earn from outside the window reversed recently
	// THEN: The reversal does not lower in-window earnings

	old := t0.AddDate(-2, 0, 0)
	entries := []ledger.Entry{
		earned("e1", "o1", 800, ledger.StatusAvailable, old),
		earned("e2", "o2", 300, ledger.StatusAvailable, t0),
		reversed("x1", "o1", -800, ledger.StatusAvailable, t0),
	}

	assert.Equal(t, int64(300), ledger.RollingEarned(entries, t0.Add(time.Hour)))
}

func TestRollingEarned_ReversalLowersWindow(t *testing.T) {
	entries := []ledger.Entry{
		earned("e1", "o1", 3000, ledger.StatusPending, t0),
		earned("e2", "o2", 1000, ledger.StatusPending, t0),
		reversed("x1", "o1", -3000, ledger.StatusPending, t0.Add(time.Hour)),
	}

	assert.Equal(t, int64(1000), ledger.RollingEarned(entries, t0.Add(2*time.Hour)))
}

func TestPendingEarnedAndAvailableBalance(t *testing.T) {
	entries := []ledger.Entry{
		earned("e1", "o1", 40, ledger.StatusPending, t0),
		earned("e2", "", 500, ledger.StatusAvailable, t0),
	}
	now := t0.Add(time.Minute)

	assert.Equal(t, int64(40), ledger.PendingEarned(entries, now))
	assert.Equal(t, int64(500), ledger.AvailableBalance(entries, now))
}

func TestLockOrder(t *testing.T) {
	got := ledger.LockOrder([]ledger.UserID{"b", "a", "", "b", "c"})
	assert.Equal(t, []ledger.UserID{"a", "b", "c"}, got)
}
