package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/paperbet/order-engine/internal/metrics"
	"github.com/paperbet/order-engine/internal/model"
	"github.com/paperbet/order-engine/internal/store"
)

// CancelOrder cancels an OPEN order owned by userID and returns its
// reservation. The ownership and status checks run inside the same
// transaction that applies the reversal, so a cancel racing a sweep
// settlement resolves to exactly one of CANCELLED or FILLED.
func (e *Engine) CancelOrder(ctx context.Context, userID, orderID string) error {
	now := e.now().UTC()

	err := e.store.RunInTx(ctx, func(tx store.Tx) error {
		order, err := tx.GetOrder(ctx, orderID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("%w: order %s", ErrNotFound, orderID)
			}
			return err
		}
		if order.UserID != userID {
			return fmt.Errorf("%w: order %s", ErrForbidden, orderID)
		}
		if order.Status != model.StatusOpen {
			return fmt.Errorf("%w: order %s is %s", ErrInvalidState, orderID, order.Status)
		}
		return e.releaseReservation(ctx, tx, order, model.StatusCancelled, now)
	})
	if err != nil {
		return err
	}

	metrics.OpenLimitOrders.Dec()
	slog.Info("order cancelled", "order_id", orderID, "user", userID)
	return nil
}
