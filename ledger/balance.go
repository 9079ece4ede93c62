/*
balance.go - Balance calculation by replaying entries

PURPOSE:
  Computes the three balance figures of a user from their entries. The
  calculator is pure: same entries and same "now" give the same answer.
  There is no stored balance anywhere; this is the only source of truth.

BALANCE COMPONENTS:
  Pending:       Earned points that cannot be spent yet
  Available:     Spendable points
  RollingEarned: Points earned in the last 12 months (drives the tier)

EFFECTIVE STATUS:
  Entries are never updated, so an earn written as "pending" stays pending
  on disk forever. A later "converted" entry whose Reference is the earn's
  ID promotes it to available. The calculator resolves this before summing.

FORMULAS:
  Pending   = Σ earned (effective pending) + Σ reversed (status pending)
  Available = Σ earned (effective available) + Σ reversed (status != pending)
            + Σ redeemed
  Rolling   = Σ earned created within [now - 12 months, now]
            - earn reversals of orders whose earn is in that window
            (floored at 0)

  Converted and granted entries never contribute to any figure.
  Entries created after "now" are ignored.

EXAMPLE:
  earned 3000 (available), earned 1000 (pending), redeemed -3000

  Pending = 1000, Available = 0, Rolling = 4000

SEE ALSO:
  - types.go: Entry types and statuses
  - loyalty/tier.go: Maps RollingEarned to a tier
*/
package ledger

import "time"

// RollingWindowYears is the length of the tier earning window.
const RollingWindowYears = 1

// =============================================================================
// SUMMARY
// =============================================================================

// Summary holds the balance figures of one user at one instant.
type Summary struct {
	Pending       int64
	Available     int64
	RollingEarned int64
}

// Summarize computes every figure in a single pass over the entries.
func Summarize(entries []Entry, now time.Time) Summary {
	status := EffectiveStatuses(entries, now)
	windowStart := WindowStart(now)

	var s Summary
	var rolling int64
	windowEarned := make(map[OrderID]int64)
	reversedEarned := make(map[OrderID]int64)

	for _, e := range entries {
		if e.CreatedAt.After(now) {
			continue
		}
		switch e.Type {
		case TypeEarned:
			if status[e.ID] == StatusPending {
				s.Pending += e.Points
			} else {
				s.Available += e.Points
			}
			if !e.CreatedAt.Before(windowStart) {
				rolling += e.Points
				if e.OrderID != "" {
					windowEarned[e.OrderID] += e.Points
				}
			}
		case TypeReversed:
			if e.Status == StatusPending {
				s.Pending += e.Points
			} else {
				s.Available += e.Points
			}
			if e.IsEarnReversal() {
				reversedEarned[e.OrderID] -= e.Points
			}
		case TypeRedeemed:
			s.Available += e.Points
		}
	}

	// A reversal only lowers the rolling figure by as much as its order
	// earned inside the window.
	for order, reversed := range reversedEarned {
		rolling -= min(reversed, windowEarned[order])
	}
	s.RollingEarned = max(rolling, 0)
	return s
}

// PendingEarned returns the points earned but not yet spendable.
func PendingEarned(entries []Entry, now time.Time) int64 {
	return Summarize(entries, now).Pending
}

// AvailableBalance returns the spendable points.
func AvailableBalance(entries []Entry, now time.Time) int64 {
	return Summarize(entries, now).Available
}

// RollingEarned returns the points earned over the trailing 12 months.
func RollingEarned(entries []Entry, now time.Time) int64 {
	return Summarize(entries, now).RollingEarned
}

// WindowStart returns the inclusive start of the rolling window ending at now.
func WindowStart(now time.Time) time.Time {
	return now.AddDate(-RollingWindowYears, 0, 0)
}

// =============================================================================
// EFFECTIVE STATUS
// =============================================================================

// EffectiveStatuses resolves the status of every earned entry, taking into
// account conversions created at or before now.
func EffectiveStatuses(entries []Entry, now time.Time) map[EntryID]EntryStatus {
	status := make(map[EntryID]EntryStatus)
	for _, e := range entries {
		if e.Type == TypeEarned && !e.CreatedAt.After(now) {
			status[e.ID] = e.Status
		}
	}
	for _, e := range entries {
		if e.Type != TypeConverted || e.CreatedAt.After(now) {
			continue
		}
		id := EntryID(e.Reference)
		if _, ok := status[id]; ok {
			status[id] = StatusAvailable
		}
	}
	return status
}
