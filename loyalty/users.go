package loyalty

import (
	"context"

	"github.com/warp/loyalty-ledger/ledger"
)

// RegisterUser creates the member record with the starting tier. Registering
// an existing user returns the stored record unchanged.
func (e *Engine) RegisterUser(ctx context.Context, userID ledger.UserID) (ledger.User, error) {
	if userID == "" {
		return ledger.User{}, ErrInvalidArgument
	}

	var user ledger.User
	err := e.mutate(ctx, []ledger.UserID{userID}, func(tx ledger.Tx) error {
		existing, err := tx.GetUser(ctx, userID)
		if err != nil {
			return err
		}
		if existing != nil {
			user = *existing
			return nil
		}
		if _, err := e.refreshTier(ctx, tx, userID); err != nil {
			return err
		}
		created, err := tx.GetUser(ctx, userID)
		if err != nil {
			return err
		}
		user = *created
		return nil
	})
	if err != nil {
		return ledger.User{}, err
	}
	return user, nil
}

// GetUser returns the member record.
func (e *Engine) GetUser(ctx context.Context, userID ledger.UserID) (ledger.User, error) {
	user, err := e.store.GetUser(ctx, userID)
	if err != nil {
		return ledger.User{}, err
	}
	if user == nil {
		return ledger.User{}, ErrUserNotFound
	}
	return *user, nil
}
