package loyalty

import (
	"context"
	"errors"
	"fmt"

	"github.com/warp/loyalty-ledger/ledger"
)

// =============================================================================
// ORDER LIFECYCLE BRIDGE
// =============================================================================
//
// The order, payment and fulfillment systems call these three hooks keyed
// by order ID. Each is safe to retry:
//
//   payment captured         -> CreditEarned               (earned/pending)
//   delivered + window over  -> ConvertPendingToAvailable  (converted)
//   cancelled / returned     -> ReverseEarned              (reversed)
//
// The ledger has no calendar of its own. When the return window closes is
// decided by the caller.

func earnKey(orderID ledger.OrderID) string { return "earn:" + string(orderID) }

func convertKey(entryID ledger.EntryID) string { return "convert:" + string(entryID) }

func reverseKey(orderID ledger.OrderID, status ledger.EntryStatus) string {
	return fmt.Sprintf("reverse:%s:%s", orderID, status)
}

// CreditEarned grants pending points for a paid order. A retry for the same
// order returns the original entry without writing anything.
func (e *Engine) CreditEarned(ctx context.Context, userID ledger.UserID, orderID ledger.OrderID, points int64) (ledger.Entry, error) {
	if userID == "" || orderID == "" {
		return ledger.Entry{}, fmt.Errorf("%w: user and order are required", ErrInvalidArgument)
	}
	if points < 1 {
		return ledger.Entry{}, ledger.ErrInvalidPoints
	}

	var result ledger.Entry
	err := e.mutate(ctx, []ledger.UserID{userID}, func(tx ledger.Tx) error {
		existing, err := tx.FindByIdempotencyKey(ctx, earnKey(orderID))
		if err != nil {
			return err
		}
		if existing != nil {
			result = *existing
			return nil
		}

		result, err = e.appendEntry(ctx, tx, ledger.Entry{
			UserID:         userID,
			OrderID:        orderID,
			Type:           ledger.TypeEarned,
			Status:         ledger.StatusPending,
			Points:         points,
			Reason:         ledger.ReasonPurchase,
			IdempotencyKey: earnKey(orderID),
		})
		if err != nil {
			return err
		}
		_, err = e.refreshTier(ctx, tx, userID)
		return err
	})

	// Lost a race with a retry of the same event running under another user.
	if errors.Is(err, ledger.ErrDuplicateIdempotencyKey) {
		existing, findErr := e.store.FindByIdempotencyKey(ctx, earnKey(orderID))
		if findErr != nil {
			return ledger.Entry{}, findErr
		}
		if existing != nil {
			return *existing, nil
		}
	}
	if err != nil {
		return ledger.Entry{}, err
	}

	if result.UserID != userID {
		e.logger.WarnContext(ctx, "earn retry names a different user",
			"order_id", orderID, "user_id", userID, "credited_user_id", result.UserID)
	}
	return result, nil
}

// ConvertPendingToAvailable makes the pending points of an order spendable
// by appending one converted entry per pending earn. Orders that were
// reversed, or have nothing pending, are left alone. Returns the number of
// earns converted.
func (e *Engine) ConvertPendingToAvailable(ctx context.Context, orderID ledger.OrderID) (int, error) {
	if orderID == "" {
		return 0, fmt.Errorf("%w: order is required", ErrInvalidArgument)
	}

	users, err := e.orderUsers(ctx, orderID)
	if err != nil || len(users) == 0 {
		return 0, err
	}

	converted := 0
	err = e.mutate(ctx, users, func(tx ledger.Tx) error {
		converted = 0
		entries, err := tx.ListForOrder(ctx, orderID)
		if err != nil {
			return err
		}
		for _, entry := range entries {
			if entry.IsEarnReversal() {
				e.logger.InfoContext(ctx, "skipping conversion of reversed order", "order_id", orderID)
				return nil
			}
		}

		status := ledger.EffectiveStatuses(entries, e.clock.Now())
		touched := make(map[ledger.UserID]bool)
		for _, entry := range entries {
			if entry.Type != ledger.TypeEarned || status[entry.ID] != ledger.StatusPending {
				continue
			}
			_, err := e.appendEntry(ctx, tx, ledger.Entry{
				UserID:         entry.UserID,
				OrderID:        orderID,
				Type:           ledger.TypeConverted,
				Reason:         ledger.ReasonReturnWindowClosed,
				Reference:      string(entry.ID),
				IdempotencyKey: convertKey(entry.ID),
			})
			if err != nil {
				return err
			}
			converted++
			touched[entry.UserID] = true
		}

		for _, u := range users {
			if !touched[u] {
				continue
			}
			if _, err := e.refreshTier(ctx, tx, u); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return converted, nil
}

// ReverseEarned claws back the net earned points of a cancelled or returned
// order. The reversal carries the status of the points it cancels, so a
// reversal before settlement nets to zero in both pending and available.
// Returns the reversal entries written, none if the net was already zero.
func (e *Engine) ReverseEarned(ctx context.Context, orderID ledger.OrderID, reason string) ([]ledger.Entry, error) {
	if orderID == "" {
		return nil, fmt.Errorf("%w: order is required", ErrInvalidArgument)
	}
	if reason != ledger.ReasonCancelled && reason != ledger.ReasonReturned {
		return nil, ErrInvalidReason
	}

	users, err := e.orderUsers(ctx, orderID)
	if err != nil || len(users) == 0 {
		return nil, err
	}

	var reversals []ledger.Entry
	err = e.mutate(ctx, users, func(tx ledger.Tx) error {
		reversals = nil
		entries, err := tx.ListForOrder(ctx, orderID)
		if err != nil {
			return err
		}

		type bucket struct {
			user   ledger.UserID
			status ledger.EntryStatus
		}
		net := make(map[bucket]int64)
		status := ledger.EffectiveStatuses(entries, e.clock.Now())
		for _, entry := range entries {
			switch {
			case entry.Type == ledger.TypeEarned:
				net[bucket{entry.UserID, status[entry.ID]}] += entry.Points
			case entry.IsEarnReversal():
				net[bucket{entry.UserID, entry.Status}] += entry.Points
			}
		}

		touched := make(map[ledger.UserID]bool)
		for _, u := range users {
			for _, st := range []ledger.EntryStatus{ledger.StatusPending, ledger.StatusAvailable} {
				points := net[bucket{u, st}]
				if points <= 0 {
					continue
				}
				reversal, err := e.appendEntry(ctx, tx, ledger.Entry{
					UserID:         u,
					OrderID:        orderID,
					Type:           ledger.TypeReversed,
					Status:         st,
					Points:         -points,
					Reason:         reason,
					IdempotencyKey: reverseKey(orderID, st),
				})
				if err != nil {
					return err
				}
				reversals = append(reversals, reversal)
				touched[u] = true
			}
		}

		for _, u := range users {
			if !touched[u] {
				continue
			}
			if _, err := e.refreshTier(ctx, tx, u); err != nil {
				return err
			}
		}
		return nil
	})
	if errors.Is(err, ledger.ErrDuplicateIdempotencyKey) {
		// Already reversed by a concurrent retry.
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	for _, r := range reversals {
		e.logger.InfoContext(ctx, "order points reversed",
			"order_id", orderID, "user_id", r.UserID, "points", r.Points, "status", r.Status, "reason", reason)
	}
	return reversals, nil
}

// orderUsers returns the users holding entries for an order.
func (e *Engine) orderUsers(ctx context.Context, orderID ledger.OrderID) ([]ledger.UserID, error) {
	entries, err := e.store.ListForOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	seen := make(map[ledger.UserID]bool)
	var users []ledger.UserID
	for _, entry := range entries {
		if !seen[entry.UserID] {
			seen[entry.UserID] = true
			users = append(users, entry.UserID)
		}
	}
	return ledger.LockOrder(users), nil
}
