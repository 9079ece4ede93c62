package loyalty

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/loyalty-ledger/ledger"
)

// =============================================================================
// EXPERIENCE VIEW
// =============================================================================

// HistoryItem is one ledger entry as shown to the member. Status is the
// effective status for earned entries.
type HistoryItem struct {
	ID        ledger.EntryID     `json:"id"`
	Type      ledger.EntryType   `json:"type"`
	Status    ledger.EntryStatus `json:"status,omitempty"`
	Points    int64              `json:"points"`
	Reason    string             `json:"reason"`
	OrderID   ledger.OrderID     `json:"order_id,omitempty"`
	Reference string             `json:"reference,omitempty"`
	CreatedAt time.Time          `json:"created_at"`
}

// Experience is the read-only member view. The tier is computed from the
// ledger, not read from the cached user record.
type Experience struct {
	UserID             ledger.UserID   `json:"user_id"`
	AvailableBalance   int64           `json:"available_balance"`
	PendingEarned      int64           `json:"pending_earned"`
	RollingEarned      int64           `json:"rolling_earned"`
	EstimatedCashValue decimal.Decimal `json:"estimated_cash_value"`
	Tier               ledger.Tier     `json:"tier"`
	NextTier           ledger.Tier     `json:"next_tier,omitempty"`
	PointsToNextTier   int64           `json:"points_to_next_tier"`
	History            []HistoryItem   `json:"history"`
	AsOf               time.Time       `json:"as_of"`
}

// HistoryLimit clamps a requested history length to the configured bounds.
func (p Program) HistoryLimit(requested int) int {
	if requested <= 0 {
		return p.DefaultHistoryLimit
	}
	return min(requested, p.MaxHistoryLimit)
}

// CashValue converts points into the estimated currency amount.
func (p Program) CashValue(points int64) decimal.Decimal {
	return decimal.NewFromInt(points).Mul(p.CashValuePerPoint).Round(2)
}

// Experience builds the member view with at most limit history items,
// newest first. A limit of 0 uses the default.
func (e *Engine) Experience(ctx context.Context, userID ledger.UserID, limit int) (Experience, error) {
	if userID == "" {
		return Experience{}, ErrInvalidArgument
	}
	limit = e.program.HistoryLimit(limit)

	// The generation must be read before the ledger.
	cacheable := false
	var generation int64
	if e.cache != nil {
		cached, gen, err := e.cache.Get(ctx, userID, limit)
		switch {
		case err != nil:
			e.logger.WarnContext(ctx, "experience cache read failed", "user_id", userID, "error", err)
		case cached != nil:
			return *cached, nil
		default:
			cacheable, generation = true, gen
		}
	}

	entries, err := e.store.ListForUser(ctx, userID)
	if err != nil {
		return Experience{}, err
	}

	now := e.clock.Now()
	exp := BuildExperience(userID, entries, now, limit, e.program)

	if cacheable {
		if err := e.cache.Set(ctx, userID, limit, generation, exp); err != nil {
			e.logger.WarnContext(ctx, "experience cache write failed", "user_id", userID, "error", err)
		}
	}
	return exp, nil
}

// BuildExperience computes the view from a user's entries.
func BuildExperience(userID ledger.UserID, entries []ledger.Entry, now time.Time, limit int, p Program) Experience {
	summary := ledger.Summarize(entries, now)
	progress := Progress(summary.RollingEarned)
	status := ledger.EffectiveStatuses(entries, now)

	history := make([]HistoryItem, 0, min(limit, len(entries)))
	for i := len(entries) - 1; i >= 0 && len(history) < limit; i-- {
		entry := entries[i]
		if entry.CreatedAt.After(now) {
			continue
		}
		item := HistoryItem{
			ID:        entry.ID,
			Type:      entry.Type,
			Status:    entry.Status,
			Points:    entry.Points,
			Reason:    entry.Reason,
			OrderID:   entry.OrderID,
			Reference: entry.Reference,
			CreatedAt: entry.CreatedAt,
		}
		if entry.Type == ledger.TypeEarned {
			item.Status = status[entry.ID]
		}
		history = append(history, item)
	}

	return Experience{
		UserID:             userID,
		AvailableBalance:   summary.Available,
		PendingEarned:      summary.Pending,
		RollingEarned:      summary.RollingEarned,
		EstimatedCashValue: p.CashValue(max(summary.Available, 0)),
		Tier:               progress.Tier,
		NextTier:           progress.NextTier,
		PointsToNextTier:   progress.PointsToNextTier,
		History:            history,
		AsOf:               now,
	}
}
