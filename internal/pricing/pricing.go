// Package pricing provides the engine's view of current market prices.
// Prices are probability-prices in [0,1]; the NO side is always the
// complement of the YES side. The engine never stores prices itself — it
// reads them through a Source at the moment it needs them.
package pricing

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/paperbet/order-engine/internal/model"
	"github.com/paperbet/order-engine/internal/store"
)

var one = decimal.NewFromInt(1)

// Source returns the current probability-price for one outcome side of
// a market.
type Source interface {
	CurrentPrice(ctx context.Context, marketID, side string) (decimal.Decimal, error)
}

// Normalize converts a price quoted as an integer percentage into a
// decimal probability: anything above 1 is divided by 100, so both 5 and
// 0.05 mean five cents. Applied at every boundary where a price enters
// the system.
func Normalize(p decimal.Decimal) decimal.Decimal {
	if p.GreaterThan(one) {
		return p.Div(decimal.NewFromInt(100))
	}
	return p
}

// StoreSource reads prices from the market table. The NO price is derived
// from the YES price by the complement rule rather than trusting the
// stored column.
type StoreSource struct {
	store store.Store
}

// NewStoreSource creates a price source backed by the given store.
func NewStoreSource(st store.Store) *StoreSource {
	return &StoreSource{store: st}
}

func (s *StoreSource) CurrentPrice(ctx context.Context, marketID, side string) (decimal.Decimal, error) {
	m, err := s.store.GetMarket(ctx, marketID)
	if err != nil {
		return decimal.Zero, fmt.Errorf("current price for %s: %w", marketID, err)
	}

	yes := Normalize(m.PriceYes)
	if side == model.SideNo {
		return one.Sub(yes), nil
	}
	return yes, nil
}
