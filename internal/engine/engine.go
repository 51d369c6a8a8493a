// Package engine implements the order lifecycle, reservation, and
// settlement engine for binary prediction markets.
//
// MARKET orders settle synchronously at the current price. LIMIT orders
// reserve funds (BUY) or shares (SELL) at placement, rest OPEN, and are
// evaluated by the matching sweep against the price source; fills are
// all-or-nothing. Every transition of an order's status together with the
// corresponding balance or reservation change happens inside a single
// store transaction with a re-read of the order's status, so settlement,
// cancellation and expiry are mutually exclusive and idempotent under
// races.
//
// All monetary values use shopspring/decimal — never float64 for money.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/paperbet/order-engine/internal/metrics"
	"github.com/paperbet/order-engine/internal/model"
	"github.com/paperbet/order-engine/internal/pricing"
	"github.com/paperbet/order-engine/internal/store"
)

var one = decimal.NewFromInt(1)

// Notifier receives fill events for broadcasting. Implementations must
// not block.
type Notifier interface {
	NotifyFill(o model.Order)
}

// Engine owns all writes to users, positions, orders and trades.
type Engine struct {
	store  store.Store
	prices pricing.Source
	now    func() time.Time
	notify Notifier // optional
}

// New creates an engine. notifier may be nil.
func New(st store.Store, prices pricing.Source, notifier Notifier) *Engine {
	return &Engine{
		store:  st,
		prices: prices,
		now:    time.Now,
		notify: notifier,
	}
}

// SetClock overrides the engine's time source. Used by expiry tests.
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

// PlaceOrderParams are the validated-on-entry inputs for PlaceOrder.
// LimitPrice may be quoted as a decimal probability (0.05) or an integer
// percentage (5); it is normalized before any comparison.
type PlaceOrderParams struct {
	UserID     string
	MarketID   string
	Side       string
	Direction  string
	Type       string
	Quantity   int64
	LimitPrice decimal.Decimal
	ExpiresAt  *time.Time
}

// PlaceOrder validates and executes an order. MARKET orders settle
// immediately and return already FILLED; LIMIT orders reserve and return
// OPEN.
func (e *Engine) PlaceOrder(ctx context.Context, p PlaceOrderParams) (*model.Order, error) {
	if p.UserID == "" || p.MarketID == "" {
		return nil, fmt.Errorf("%w: user and market are required", ErrInvalidInput)
	}
	if !model.ValidSide(p.Side) {
		return nil, fmt.Errorf("%w: side must be YES or NO", ErrInvalidInput)
	}
	if !model.ValidDirection(p.Direction) {
		return nil, fmt.Errorf("%w: direction must be BUY or SELL", ErrInvalidInput)
	}
	if !model.ValidType(p.Type) {
		return nil, fmt.Errorf("%w: type must be MARKET or LIMIT", ErrInvalidInput)
	}
	if p.Quantity <= 0 {
		return nil, fmt.Errorf("%w: quantity must be positive", ErrInvalidInput)
	}

	market, err := e.store.GetMarket(ctx, p.MarketID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: market %s", ErrNotFound, p.MarketID)
		}
		return nil, fmt.Errorf("load market %s: %w", p.MarketID, err)
	}
	if !market.Tradable() {
		return nil, fmt.Errorf("%w: market %s", ErrMarketUnavailable, p.MarketID)
	}

	var order *model.Order
	if p.Type == model.TypeMarket {
		order, err = e.placeMarketOrder(ctx, p)
	} else {
		order, err = e.placeLimitOrder(ctx, p)
	}
	if err != nil {
		metrics.OrderRejections.WithLabelValues(rejectionReason(err)).Inc()
		return nil, err
	}

	metrics.OrdersPlaced.WithLabelValues(order.Type, order.Direction).Inc()
	if order.Status == model.StatusFilled {
		e.recordFill(ctx, order, "intake")
	}

	slog.Info("order placed",
		"order_id", order.ID,
		"user", order.UserID,
		"market", order.MarketID,
		"side", order.Side,
		"direction", order.Direction,
		"type", order.Type,
		"qty", order.Quantity,
		"status", order.Status,
	)
	return order, nil
}

// placeMarketOrder settles immediately at the current price. There is no
// reservation phase: BUY debits the free balance directly, SELL reduces
// the position's unreserved quantity directly.
func (e *Engine) placeMarketOrder(ctx context.Context, p PlaceOrderParams) (*model.Order, error) {
	price, err := e.prices.CurrentPrice(ctx, p.MarketID, p.Side)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrMarketUnavailable, err)
	}

	now := e.now().UTC()
	order := &model.Order{
		ID:        uuid.New().String(),
		UserID:    p.UserID,
		MarketID:  p.MarketID,
		Side:      p.Side,
		Direction: p.Direction,
		Type:      model.TypeMarket,
		Quantity:  p.Quantity,
		FilledQty: p.Quantity,
		FillPrice: price,
		Status:    model.StatusFilled,
		CreatedAt: now,
	}

	err = e.store.RunInTx(ctx, func(tx store.Tx) error {
		if p.Direction == model.DirectionBuy {
			return e.marketBuy(ctx, tx, order, price, now)
		}
		return e.marketSell(ctx, tx, order, price, now)
	})
	if err != nil {
		return nil, err
	}
	return order, nil
}

func (e *Engine) marketBuy(ctx context.Context, tx store.Tx, order *model.Order, price decimal.Decimal, now time.Time) error {
	user, err := tx.GetUser(ctx, order.UserID)
	if err != nil {
		return fmt.Errorf("%w: user %s", ErrNotFound, order.UserID)
	}

	cost := price.Mul(decimal.NewFromInt(order.Quantity))
	if user.FreeBalance.LessThan(cost) {
		return fmt.Errorf("%w: need %s, have %s",
			ErrInsufficientFunds, cost.StringFixed(2), user.FreeBalance.StringFixed(2))
	}

	if err := tx.CreateOrder(ctx, order); err != nil {
		return err
	}
	if err := e.appendTrade(ctx, tx, order, price, now); err != nil {
		return err
	}
	if err := e.creditShares(ctx, tx, order, price, now); err != nil {
		return err
	}
	return tx.UpdateUserBalances(ctx, user.ID, user.FreeBalance.Sub(cost), user.ReservedBalance)
}

func (e *Engine) marketSell(ctx context.Context, tx store.Tx, order *model.Order, price decimal.Decimal, now time.Time) error {
	pos, err := tx.GetPosition(ctx, order.UserID, order.MarketID, order.Side)
	if err != nil {
		return fmt.Errorf("%w: no %s position in market %s",
			ErrInsufficientShares, order.Side, order.MarketID)
	}
	if pos.Available() < order.Quantity {
		return fmt.Errorf("%w: available %d, required %d",
			ErrInsufficientShares, pos.Available(), order.Quantity)
	}

	if err := tx.CreateOrder(ctx, order); err != nil {
		return err
	}
	if err := e.appendTrade(ctx, tx, order, price, now); err != nil {
		return err
	}

	// Sold shares come out of the unreserved quantity only.
	pos.Quantity -= order.Quantity
	pos.UpdatedAt = now
	if err := tx.UpsertPosition(ctx, pos); err != nil {
		return err
	}

	user, err := tx.GetUser(ctx, order.UserID)
	if err != nil {
		return fmt.Errorf("%w: user %s", ErrNotFound, order.UserID)
	}
	proceeds := price.Mul(decimal.NewFromInt(order.Quantity))
	return tx.UpdateUserBalances(ctx, user.ID, user.FreeBalance.Add(proceeds), user.ReservedBalance)
}

// placeLimitOrder reserves funds or shares and creates the order OPEN in
// the same transaction. The reservation is released exactly once: by
// settlement on fill, or by the reversal path on cancel/expiry.
func (e *Engine) placeLimitOrder(ctx context.Context, p PlaceOrderParams) (*model.Order, error) {
	limitPrice := pricing.Normalize(p.LimitPrice)
	if limitPrice.LessThanOrEqual(decimal.Zero) || limitPrice.GreaterThanOrEqual(one) {
		return nil, fmt.Errorf("%w: limit price must be between 0 and 1 exclusive", ErrInvalidInput)
	}

	now := e.now().UTC()
	order := &model.Order{
		ID:         uuid.New().String(),
		UserID:     p.UserID,
		MarketID:   p.MarketID,
		Side:       p.Side,
		Direction:  p.Direction,
		Type:       model.TypeLimit,
		Quantity:   p.Quantity,
		LimitPrice: limitPrice,
		Status:     model.StatusOpen,
		ExpiresAt:  p.ExpiresAt,
		CreatedAt:  now,
	}

	err := e.store.RunInTx(ctx, func(tx store.Tx) error {
		if p.Direction == model.DirectionBuy {
			user, err := tx.GetUser(ctx, order.UserID)
			if err != nil {
				return fmt.Errorf("%w: user %s", ErrNotFound, order.UserID)
			}
			cost := order.ReservedCost()
			if user.FreeBalance.LessThan(cost) {
				return fmt.Errorf("%w: need %s, have %s",
					ErrInsufficientFunds, cost.StringFixed(2), user.FreeBalance.StringFixed(2))
			}
			if err := tx.UpdateUserBalances(ctx, user.ID,
				user.FreeBalance.Sub(cost), user.ReservedBalance.Add(cost)); err != nil {
				return err
			}
			return tx.CreateOrder(ctx, order)
		}

		pos, err := tx.GetPosition(ctx, order.UserID, order.MarketID, order.Side)
		if err != nil {
			return fmt.Errorf("%w: no %s position in market %s",
				ErrInsufficientShares, order.Side, order.MarketID)
		}
		if pos.Available() < order.Quantity {
			return fmt.Errorf("%w: available %d, required %d",
				ErrInsufficientShares, pos.Available(), order.Quantity)
		}
		pos.ReservedQuantity += order.Quantity
		pos.UpdatedAt = now
		if err := tx.UpsertPosition(ctx, pos); err != nil {
			return err
		}
		return tx.CreateOrder(ctx, order)
	})
	if err != nil {
		return nil, err
	}

	metrics.OpenLimitOrders.Inc()
	return order, nil
}

// appendTrade writes the immutable execution record for a fill.
func (e *Engine) appendTrade(ctx context.Context, tx store.Tx, order *model.Order, price decimal.Decimal, now time.Time) error {
	return tx.InsertTrade(ctx, &model.Trade{
		ID:         uuid.New().String(),
		OrderID:    order.ID,
		UserID:     order.UserID,
		MarketID:   order.MarketID,
		Side:       order.Side,
		Quantity:   order.Quantity,
		Price:      price,
		ExecutedAt: now,
	})
}

// creditShares upserts the buyer's position: volume-weighted average
// price across the old holding and this fill.
func (e *Engine) creditShares(ctx context.Context, tx store.Tx, order *model.Order, price decimal.Decimal, now time.Time) error {
	qty := decimal.NewFromInt(order.Quantity)

	pos, err := tx.GetPosition(ctx, order.UserID, order.MarketID, order.Side)
	if err != nil {
		pos = &model.Position{
			UserID:   order.UserID,
			MarketID: order.MarketID,
			Side:     order.Side,
			Quantity: order.Quantity,
			AvgPrice: price,
		}
	} else {
		oldQty := decimal.NewFromInt(pos.Quantity)
		newQty := pos.Quantity + order.Quantity
		pos.AvgPrice = pos.AvgPrice.Mul(oldQty).Add(price.Mul(qty)).
			Div(decimal.NewFromInt(newQty))
		pos.Quantity = newQty
	}
	pos.UpdatedAt = now
	return tx.UpsertPosition(ctx, pos)
}

// recordFill handles the non-transactional aftermath of a fill: metrics,
// market volume and broadcast. Volume accounting is best-effort.
func (e *Engine) recordFill(ctx context.Context, order *model.Order, trigger string) {
	metrics.OrderFills.WithLabelValues(order.Direction, trigger).Inc()
	if err := e.store.AddMarketVolume(ctx, order.MarketID, order.Quantity); err != nil {
		slog.Warn("volume update failed", "market", order.MarketID, "err", err)
	}
	if e.notify != nil {
		e.notify.NotifyFill(*order)
	}
}

func rejectionReason(err error) string {
	switch {
	case errors.Is(err, ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, ErrInsufficientShares):
		return "insufficient_shares"
	case errors.Is(err, ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, ErrMarketUnavailable):
		return "market_unavailable"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	default:
		return "internal"
	}
}
