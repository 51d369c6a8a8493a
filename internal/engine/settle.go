package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/paperbet/order-engine/internal/model"
	"github.com/paperbet/order-engine/internal/store"
)

// settleFill transitions a resting limit order OPEN→FILLED at fillPrice
// and applies all balance, position and trade effects in one transaction.
// Returns (false, nil) if another process resolved the order first — the
// transaction re-reads the status and no-ops on anything non-OPEN, which
// is what makes overlapping sweeps and racing cancels safe.
func (e *Engine) settleFill(ctx context.Context, orderID string, fillPrice decimal.Decimal) (bool, error) {
	executed := false
	now := e.now().UTC()

	err := e.store.RunInTx(ctx, func(tx store.Tx) error {
		order, err := tx.GetOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if order.Status != model.StatusOpen {
			return nil // first committer won; nothing to do
		}

		if err := tx.UpdateOrderStatus(ctx, order.ID, model.StatusFilled, order.Quantity, fillPrice); err != nil {
			return err
		}
		if err := e.appendTrade(ctx, tx, order, fillPrice, now); err != nil {
			return err
		}

		if order.Direction == model.DirectionBuy {
			if err := e.settleBuy(ctx, tx, order, fillPrice, now); err != nil {
				return err
			}
		} else {
			if err := e.settleSell(ctx, tx, order, fillPrice, now); err != nil {
				return err
			}
		}

		executed = true
		return nil
	})
	return executed, err
}

// settleBuy consumes the reservation made at placement. The buyer
// reserved limitPrice*qty but pays fillPrice*qty; since BUY orders only
// fill at fillPrice <= limitPrice, the difference returns to free funds.
// The reserved-balance decrement is clamped so drift can never push the
// balance negative.
func (e *Engine) settleBuy(ctx context.Context, tx store.Tx, order *model.Order, fillPrice decimal.Decimal, now time.Time) error {
	user, err := tx.GetUser(ctx, order.UserID)
	if err != nil {
		return fmt.Errorf("%w: user %s", ErrNotFound, order.UserID)
	}

	reserved := order.ReservedCost()
	cost := fillPrice.Mul(decimal.NewFromInt(order.Quantity))

	release := decimal.Min(reserved, user.ReservedBalance)
	refund := decimal.Max(decimal.Zero, reserved.Sub(cost))

	if err := tx.UpdateUserBalances(ctx, user.ID,
		user.FreeBalance.Add(refund), user.ReservedBalance.Sub(release)); err != nil {
		return err
	}
	return e.creditShares(ctx, tx, order, fillPrice, now)
}

// settleSell removes the sold shares and their reservation from the
// position and credits the proceeds, both decrements floored at zero.
func (e *Engine) settleSell(ctx context.Context, tx store.Tx, order *model.Order, fillPrice decimal.Decimal, now time.Time) error {
	pos, err := tx.GetPosition(ctx, order.UserID, order.MarketID, order.Side)
	if err == nil {
		pos.Quantity = max(0, pos.Quantity-order.Quantity)
		pos.ReservedQuantity = max(0, pos.ReservedQuantity-order.Quantity)
		pos.UpdatedAt = now
		if err := tx.UpsertPosition(ctx, pos); err != nil {
			return err
		}
	}

	user, err := tx.GetUser(ctx, order.UserID)
	if err != nil {
		return fmt.Errorf("%w: user %s", ErrNotFound, order.UserID)
	}
	proceeds := fillPrice.Mul(decimal.NewFromInt(order.Quantity))
	return tx.UpdateUserBalances(ctx, user.ID, user.FreeBalance.Add(proceeds), user.ReservedBalance)
}

// releaseReservation is the shared reversal path for cancellation and
// expiry: it returns the placement-time reservation and moves the order
// to the given terminal status. Must run inside the same transaction that
// verified the order is still OPEN.
func (e *Engine) releaseReservation(ctx context.Context, tx store.Tx, order *model.Order, status string, now time.Time) error {
	if order.Type == model.TypeLimit && order.Direction == model.DirectionBuy {
		user, err := tx.GetUser(ctx, order.UserID)
		if err != nil {
			return fmt.Errorf("%w: user %s", ErrNotFound, order.UserID)
		}
		// Clamp so the refund moves exactly what is still reserved; a
		// drifted ledger must not mint money or go negative.
		refund := decimal.Min(order.ReservedCost(), user.ReservedBalance)
		if err := tx.UpdateUserBalances(ctx, user.ID,
			user.FreeBalance.Add(refund), user.ReservedBalance.Sub(refund)); err != nil {
			return err
		}
	}

	if order.Type == model.TypeLimit && order.Direction == model.DirectionSell {
		pos, err := tx.GetPosition(ctx, order.UserID, order.MarketID, order.Side)
		if err == nil {
			// Shares were never removed from Quantity, so no balance change.
			pos.ReservedQuantity = max(0, pos.ReservedQuantity-order.Quantity)
			pos.UpdatedAt = now
			if err := tx.UpsertPosition(ctx, pos); err != nil {
				return err
			}
		}
	}

	return tx.UpdateOrderStatus(ctx, order.ID, status, order.FilledQty, order.FillPrice)
}
