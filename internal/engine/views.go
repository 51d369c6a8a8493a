package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/paperbet/order-engine/internal/model"
	"github.com/paperbet/order-engine/internal/store"
)

// Read-only projections over the ledger. External readers never mutate
// engine state; everything here is a plain query plus mark-to-market
// arithmetic.

// GetOrders returns a user's orders, optionally filtered to one market.
func (e *Engine) GetOrders(ctx context.Context, userID, marketID string) ([]model.Order, error) {
	return e.store.ListOrdersByUser(ctx, userID, marketID)
}

// GetPositions returns a user's positions across all markets.
func (e *Engine) GetPositions(ctx context.Context, userID string) ([]model.Position, error) {
	return e.store.ListPositionsByUser(ctx, userID)
}

// GetTrades returns a user's execution history, oldest first.
func (e *Engine) GetTrades(ctx context.Context, userID string) ([]model.Trade, error) {
	return e.store.ListTradesByUser(ctx, userID)
}

// GetPortfolio marks the user's positions to current prices and
// aggregates balances, unrealized PnL and total equity.
func (e *Engine) GetPortfolio(ctx context.Context, userID string) (*model.Portfolio, error) {
	user, err := e.store.GetUser(ctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: user %s", ErrNotFound, userID)
		}
		return nil, err
	}

	positions, err := e.store.ListPositionsByUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	portfolio := &model.Portfolio{
		UserID:          userID,
		FreeBalance:     user.FreeBalance,
		ReservedBalance: user.ReservedBalance,
		Positions:       []model.PositionValue{},
		UnrealizedPnL:   decimal.Zero,
		TotalEquity:     user.FreeBalance.Add(user.ReservedBalance),
	}

	for _, pos := range positions {
		if pos.Quantity == 0 {
			continue
		}

		price, err := e.prices.CurrentPrice(ctx, pos.MarketID, pos.Side)
		if err != nil {
			// Value the position at its entry price when the market has
			// no current quote.
			slog.Warn("portfolio price lookup failed", "market", pos.MarketID, "err", err)
			price = pos.AvgPrice
		}

		qty := decimal.NewFromInt(pos.Quantity)
		value := price.Mul(qty)
		pnl := price.Sub(pos.AvgPrice).Mul(qty)

		portfolio.Positions = append(portfolio.Positions, model.PositionValue{
			Position:      pos,
			CurrentPrice:  price,
			CurrentValue:  value,
			UnrealizedPnL: pnl,
		})
		portfolio.UnrealizedPnL = portfolio.UnrealizedPnL.Add(pnl)
		portfolio.TotalEquity = portfolio.TotalEquity.Add(value)
	}

	return portfolio, nil
}
