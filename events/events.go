/*
Package events turns order lifecycle events into loyalty operations.

PURPOSE:
  The order system publishes one JSON envelope per lifecycle step. The
  dispatcher validates it and calls the matching engine operation. Every
  operation behind it is idempotent, so redelivery is always safe.

EVENT TYPES:
  payment_captured               -> CreditEarned(user, order, points)
  order_settled                  -> ConvertPendingToAvailable(order)
  order_cancelled                -> ReverseEarned(order, "cancelled")
  order_returned                 -> ReverseEarned(order, "returned")
  referee_first_order_delivered  -> OnRefereeFirstOrderDelivered(user)
  user_registered                -> RegisterUser(user) [+ CreateReferral]

SEE ALSO:
  - sqs.go: Lambda adapter with partial batch failures
  - loyalty/bridge.go: The operations invoked here
*/
package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/go-playground/validator/v10"
	"github.com/warp/loyalty-ledger/ledger"
	"github.com/warp/loyalty-ledger/loyalty"
)

type Type string

const (
	PaymentCaptured            Type = "payment_captured"
	OrderSettled               Type = "order_settled"
	OrderCancelled             Type = "order_cancelled"
	OrderReturned              Type = "order_returned"
	RefereeFirstOrderDelivered Type = "referee_first_order_delivered"
	UserRegistered             Type = "user_registered"
)

// ErrInvalidEvent marks events that can never succeed. They are dropped,
// not retried.
var ErrInvalidEvent = errors.New("invalid order event")

// Event is the envelope published by the order system.
type Event struct {
	Type       Type   `json:"type" validate:"required,oneof=payment_captured order_settled order_cancelled order_returned referee_first_order_delivered user_registered"`
	UserID     string `json:"user_id,omitempty"`
	OrderID    string `json:"order_id,omitempty"`
	Points     int64  `json:"points,omitempty"`
	ReferrerID string `json:"referrer_id,omitempty"`
}

// Per-type payloads carry the validation rules.

type earnPayload struct {
	UserID  string `validate:"required"`
	OrderID string `validate:"required"`
	Points  int64  `validate:"gt=0"`
}

type orderPayload struct {
	OrderID string `validate:"required"`
}

type userPayload struct {
	UserID     string `validate:"required"`
	ReferrerID string `validate:"omitempty,nefield=UserID"`
}

// Engine is the part of loyalty.Engine the dispatcher drives.
type Engine interface {
	CreditEarned(ctx context.Context, userID ledger.UserID, orderID ledger.OrderID, points int64) (ledger.Entry, error)
	ConvertPendingToAvailable(ctx context.Context, orderID ledger.OrderID) (int, error)
	ReverseEarned(ctx context.Context, orderID ledger.OrderID, reason string) ([]ledger.Entry, error)
	OnRefereeFirstOrderDelivered(ctx context.Context, refereeID ledger.UserID) (loyalty.RewardResult, error)
	RegisterUser(ctx context.Context, userID ledger.UserID) (ledger.User, error)
	CreateReferral(ctx context.Context, referrerID, refereeID ledger.UserID) (ledger.Referral, error)
}

var _ Engine = (*loyalty.Engine)(nil)

type Dispatcher struct {
	engine   Engine
	validate *validator.Validate
	logger   *slog.Logger
}

func NewDispatcher(engine Engine, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		engine:   engine,
		validate: validator.New(),
		logger:   logger,
	}
}

func (d *Dispatcher) check(payload any) error {
	if err := d.validate.Struct(payload); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	return nil
}

// Dispatch applies one event.
func (d *Dispatcher) Dispatch(ctx context.Context, ev Event) error {
	if err := d.check(ev); err != nil {
		return err
	}
	logger := d.logger.With("event_type", ev.Type, "user_id", ev.UserID, "order_id", ev.OrderID)

	switch ev.Type {
	case PaymentCaptured:
		if err := d.check(earnPayload{UserID: ev.UserID, OrderID: ev.OrderID, Points: ev.Points}); err != nil {
			return err
		}
		entry, err := d.engine.CreditEarned(ctx, ledger.UserID(ev.UserID), ledger.OrderID(ev.OrderID), ev.Points)
		if err != nil {
			return err
		}
		logger.InfoContext(ctx, "points credited", "entry_id", entry.ID, "points", entry.Points)

	case OrderSettled:
		if err := d.check(orderPayload{OrderID: ev.OrderID}); err != nil {
			return err
		}
		n, err := d.engine.ConvertPendingToAvailable(ctx, ledger.OrderID(ev.OrderID))
		if err != nil {
			return err
		}
		logger.InfoContext(ctx, "pending points converted", "entries", n)

	case OrderCancelled, OrderReturned:
		if err := d.check(orderPayload{OrderID: ev.OrderID}); err != nil {
			return err
		}
		reason := ledger.ReasonCancelled
		if ev.Type == OrderReturned {
			reason = ledger.ReasonReturned
		}
		reversals, err := d.engine.ReverseEarned(ctx, ledger.OrderID(ev.OrderID), reason)
		if err != nil {
			return err
		}
		logger.InfoContext(ctx, "earned points reversed", "entries", len(reversals))

	case RefereeFirstOrderDelivered:
		if err := d.check(userPayload{UserID: ev.UserID}); err != nil {
			return err
		}
		result, err := d.engine.OnRefereeFirstOrderDelivered(ctx, ledger.UserID(ev.UserID))
		if err != nil {
			return err
		}
		logger.InfoContext(ctx, "referral trigger processed", "outcome", result.Outcome)

	case UserRegistered:
		if err := d.check(userPayload{UserID: ev.UserID, ReferrerID: ev.ReferrerID}); err != nil {
			return err
		}
		if _, err := d.engine.RegisterUser(ctx, ledger.UserID(ev.UserID)); err != nil {
			return err
		}
		if ev.ReferrerID != "" {
			if _, err := d.engine.CreateReferral(ctx, ledger.UserID(ev.ReferrerID), ledger.UserID(ev.UserID)); err != nil {
				return err
			}
		}
		logger.InfoContext(ctx, "user registered", "referrer_id", ev.ReferrerID)
	}
	return nil
}

// Permanent reports whether err will fail again on redelivery.
func Permanent(err error) bool {
	return errors.Is(err, ErrInvalidEvent) || loyalty.IsClientError(err)
}
