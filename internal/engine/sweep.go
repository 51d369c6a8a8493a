package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/paperbet/order-engine/internal/metrics"
	"github.com/paperbet/order-engine/internal/model"
	"github.com/paperbet/order-engine/internal/store"
)

// SweepResult summarizes one matching sweep pass.
type SweepResult struct {
	Scanned  int `json:"scanned"`
	Executed int `json:"executed"`
	Expired  int `json:"expired"`
	Failed   int `json:"failed"`
}

// RunMatchingSweep evaluates every OPEN limit order once: expired orders
// are routed to the reversal path, the rest are checked against the
// current price and settled all-or-nothing when the limit condition
// holds (BUY fills at p <= limit, SELL at p >= limit).
//
// The sweep may be invoked repeatedly or concurrently; correctness rests
// entirely on the per-order transaction guard, not on sweep-level
// locking. A failure on one order is logged and skipped — the order
// stays OPEN for the next pass.
func (e *Engine) RunMatchingSweep(ctx context.Context) (SweepResult, error) {
	start := e.now()
	metrics.SweepRuns.Inc()

	open, err := e.store.ListOpenOrders(ctx)
	if err != nil {
		return SweepResult{}, fmt.Errorf("list open orders: %w", err)
	}

	var res SweepResult
	res.Scanned = len(open)
	now := e.now().UTC()

	for i := range open {
		order := &open[i]
		if order.Type != model.TypeLimit {
			continue // MARKET orders never rest OPEN
		}

		if order.Expired(now) {
			expired, err := e.expireOrder(ctx, order.ID)
			if err != nil {
				res.Failed++
				metrics.SweepErrors.Inc()
				slog.Warn("expiry failed", "order_id", order.ID, "err", err)
				continue
			}
			if expired {
				res.Expired++
				metrics.SweepExpired.Inc()
				metrics.OpenLimitOrders.Dec()
				slog.Info("order expired", "order_id", order.ID, "user", order.UserID)
			}
			continue
		}

		price, err := e.prices.CurrentPrice(ctx, order.MarketID, order.Side)
		if err != nil {
			res.Failed++
			metrics.SweepErrors.Inc()
			slog.Warn("price lookup failed", "order_id", order.ID, "market", order.MarketID, "err", err)
			continue
		}

		shouldFill := false
		if order.Direction == model.DirectionBuy {
			shouldFill = price.LessThanOrEqual(order.LimitPrice)
		} else {
			shouldFill = price.GreaterThanOrEqual(order.LimitPrice)
		}
		if !shouldFill {
			continue
		}

		executed, err := e.settleFill(ctx, order.ID, price)
		if err != nil {
			res.Failed++
			metrics.SweepErrors.Inc()
			slog.Warn("settlement failed", "order_id", order.ID, "err", err)
			continue
		}
		if !executed {
			continue // already resolved by a racing cancel or sweep
		}

		res.Executed++
		metrics.OpenLimitOrders.Dec()

		order.Status = model.StatusFilled
		order.FilledQty = order.Quantity
		order.FillPrice = price
		e.recordFill(ctx, order, "sweep")

		slog.Info("limit order filled",
			"order_id", order.ID,
			"user", order.UserID,
			"market", order.MarketID,
			"direction", order.Direction,
			"qty", order.Quantity,
			"limit_price", order.LimitPrice.String(),
			"fill_price", price.String(),
		)
	}

	metrics.SweepDuration.Observe(e.now().Sub(start).Seconds())
	return res, nil
}

// expireOrder moves an OPEN order past its expiry to EXPIRED using the
// identical reversal logic as cancellation. Returns false if the order
// was no longer OPEN.
func (e *Engine) expireOrder(ctx context.Context, orderID string) (bool, error) {
	expired := false
	now := e.now().UTC()

	err := e.store.RunInTx(ctx, func(tx store.Tx) error {
		order, err := tx.GetOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if order.Status != model.StatusOpen {
			return nil
		}
		if err := e.releaseReservation(ctx, tx, order, model.StatusExpired, now); err != nil {
			return err
		}
		expired = true
		return nil
	})
	return expired, err
}
