package engine_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paperbet/order-engine/internal/engine"
	"github.com/paperbet/order-engine/internal/model"
	"github.com/paperbet/order-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// fakeSource is a controllable price source. Prices are YES prices; the
// NO side is served as the complement, mirroring the store-backed source.
type fakeSource struct {
	mu   sync.Mutex
	yes  map[string]decimal.Decimal
	fail map[string]error
}

func (f *fakeSource) CurrentPrice(_ context.Context, marketID, side string) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.fail[marketID]; err != nil {
		return decimal.Zero, err
	}
	yes, ok := f.yes[marketID]
	if !ok {
		return decimal.Zero, fmt.Errorf("no price for market %s", marketID)
	}
	if side == model.SideNo {
		return decimal.NewFromInt(1).Sub(yes), nil
	}
	return yes, nil
}

func (f *fakeSource) setYes(marketID string, yes decimal.Decimal) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.yes[marketID] = yes
}

type env struct {
	t      *testing.T
	store  *store.MemoryStore
	prices *fakeSource
	eng    *engine.Engine
	clock  time.Time
}

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{
		t:      t,
		store:  store.NewMemoryStore(),
		prices: &fakeSource{yes: make(map[string]decimal.Decimal), fail: make(map[string]error)},
		clock:  time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	e.eng = engine.New(e.store, e.prices, nil)
	e.eng.SetClock(func() time.Time { return e.clock })
	return e
}

func (e *env) seedUser(id string, balance float64) {
	e.t.Helper()
	err := e.store.CreateUser(context.Background(), &model.User{
		ID:          id,
		FreeBalance: d(balance),
		CreatedAt:   e.clock,
	})
	require.NoError(e.t, err)
}

func (e *env) seedMarket(id string, priceYes float64) {
	e.t.Helper()
	err := e.store.CreateMarket(context.Background(), &model.Market{
		ID:        id,
		Slug:      "slug-" + id,
		Question:  "test market " + id,
		PriceYes:  d(priceYes),
		PriceNo:   d(1 - priceYes),
		Active:    true,
		UpdatedAt: e.clock,
	})
	require.NoError(e.t, err)
	e.prices.setYes(id, d(priceYes))
}

func (e *env) seedPosition(userID, marketID, side string, qty, reserved int64, avg float64) {
	e.t.Helper()
	err := e.store.RunInTx(context.Background(), func(tx store.Tx) error {
		return tx.UpsertPosition(context.Background(), &model.Position{
			UserID:           userID,
			MarketID:         marketID,
			Side:             side,
			Quantity:         qty,
			ReservedQuantity: reserved,
			AvgPrice:         d(avg),
			UpdatedAt:        e.clock,
		})
	})
	require.NoError(e.t, err)
}

func (e *env) user(id string) *model.User {
	e.t.Helper()
	u, err := e.store.GetUser(context.Background(), id)
	require.NoError(e.t, err)
	return u
}

func (e *env) position(userID, marketID, side string) *model.Position {
	e.t.Helper()
	positions, err := e.store.ListPositionsByUser(context.Background(), userID)
	require.NoError(e.t, err)
	for i := range positions {
		if positions[i].MarketID == marketID && positions[i].Side == side {
			return &positions[i]
		}
	}
	return nil
}

func (e *env) order(id string) *model.Order {
	e.t.Helper()
	o, err := e.store.GetOrder(context.Background(), id)
	require.NoError(e.t, err)
	return o
}

// --- Market orders ---

func TestPlaceMarketOrder_BuySettlesImmediately(t *testing.T) {
	e := newEnv(t)
	e.seedUser("u1", 100)
	e.seedMarket("m1", 0.65)

	order, err := e.eng.PlaceOrder(context.Background(), engine.PlaceOrderParams{
		UserID:    "u1",
		MarketID:  "m1",
		Side:      model.SideYes,
		Direction: model.DirectionBuy,
		Type:      model.TypeMarket,
		Quantity:  10,
	})
	require.NoError(t, err)

	assert.Equal(t, model.StatusFilled, order.Status)
	assert.Equal(t, int64(10), order.FilledQty)
	assert.True(t, order.FillPrice.Equal(d(0.65)), "fill price = %s", order.FillPrice)

	// Balance debited by 6.50, nothing reserved.
	u := e.user("u1")
	assert.True(t, u.FreeBalance.Equal(d(93.5)), "free = %s", u.FreeBalance)
	assert.True(t, u.ReservedBalance.IsZero())

	// Position created at the fill price.
	pos := e.position("u1", "m1", model.SideYes)
	require.NotNil(t, pos)
	assert.Equal(t, int64(10), pos.Quantity)
	assert.Equal(t, int64(0), pos.ReservedQuantity)
	assert.True(t, pos.AvgPrice.Equal(d(0.65)))

	// Trade appended.
	trades, err := e.store.ListTradesByUser(context.Background(), "u1")
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, order.ID, trades[0].OrderID)
	assert.True(t, trades[0].Price.Equal(d(0.65)))
}

func TestPlaceMarketOrder_BuyNoSideUsesComplementPrice(t *testing.T) {
	e := newEnv(t)
	e.seedUser("u1", 100)
	e.seedMarket("m1", 0.65)

	order, err := e.eng.PlaceOrder(context.Background(), engine.PlaceOrderParams{
		UserID:    "u1",
		MarketID:  "m1",
		Side:      model.SideNo,
		Direction: model.DirectionBuy,
		Type:      model.TypeMarket,
		Quantity:  10,
	})
	require.NoError(t, err)

	assert.True(t, order.FillPrice.Equal(d(0.35)), "fill price = %s", order.FillPrice)
	u := e.user("u1")
	assert.True(t, u.FreeBalance.Equal(d(96.5)), "free = %s", u.FreeBalance)
}

func TestPlaceMarketOrder_InsufficientFunds(t *testing.T) {
	e := newEnv(t)
	e.seedUser("u1", 5)
	e.seedMarket("m1", 0.65)

	_, err := e.eng.PlaceOrder(context.Background(), engine.PlaceOrderParams{
		UserID:    "u1",
		MarketID:  "m1",
		Side:      model.SideYes,
		Direction: model.DirectionBuy,
		Type:      model.TypeMarket,
		Quantity:  10,
	})
	require.ErrorIs(t, err, engine.ErrInsufficientFunds)

	// Nothing changed.
	u := e.user("u1")
	assert.True(t, u.FreeBalance.Equal(d(5)))
	orders, _ := e.store.ListOrdersByUser(context.Background(), "u1", "")
	assert.Empty(t, orders)
}

func TestPlaceMarketOrder_SellCreditsProceeds(t *testing.T) {
	e := newEnv(t)
	e.seedUser("u1", 50)
	e.seedMarket("m1", 0.60)
	e.seedPosition("u1", "m1", model.SideYes, 20, 0, 0.40)

	order, err := e.eng.PlaceOrder(context.Background(), engine.PlaceOrderParams{
		UserID:    "u1",
		MarketID:  "m1",
		Side:      model.SideYes,
		Direction: model.DirectionSell,
		Type:      model.TypeMarket,
		Quantity:  8,
	})
	require.NoError(t, err)
	assert.Equal(t, model.StatusFilled, order.Status)

	// Proceeds 8 * 0.60 = 4.80 credited.
	u := e.user("u1")
	assert.True(t, u.FreeBalance.Equal(d(54.8)), "free = %s", u.FreeBalance)

	pos := e.position("u1", "m1", model.SideYes)
	assert.Equal(t, int64(12), pos.Quantity)
}

func TestPlaceMarketOrder_SellRespectsReservedShares(t *testing.T) {
	e := newEnv(t)
	e.seedUser("u1", 50)
	e.seedMarket("m1", 0.60)
	// 20 shares, 15 locked by an open SELL limit: only 5 available.
	e.seedPosition("u1", "m1", model.SideYes, 20, 15, 0.40)

	_, err := e.eng.PlaceOrder(context.Background(), engine.PlaceOrderParams{
		UserID:    "u1",
		MarketID:  "m1",
		Side:      model.SideYes,
		Direction: model.DirectionSell,
		Type:      model.TypeMarket,
		Quantity:  6,
	})
	require.ErrorIs(t, err, engine.ErrInsufficientShares)
}

func TestPlaceMarketOrder_SellWithoutPosition(t *testing.T) {
	e := newEnv(t)
	e.seedUser("u1", 50)
	e.seedMarket("m1", 0.60)

	_, err := e.eng.PlaceOrder(context.Background(), engine.PlaceOrderParams{
		UserID:    "u1",
		MarketID:  "m1",
		Side:      model.SideYes,
		Direction: model.DirectionSell,
		Type:      model.TypeMarket,
		Quantity:  1,
	})
	require.ErrorIs(t, err, engine.ErrInsufficientShares)
}

// --- Limit order placement & reservation ---

func TestPlaceLimitOrder_BuyReservesExactCost(t *testing.T) {
	e := newEnv(t)
	e.seedUser("u1", 100)
	e.seedMarket("m1", 0.60)

	order, err := e.eng.PlaceOrder(context.Background(), engine.PlaceOrderParams{
		UserID:     "u1",
		MarketID:   "m1",
		Side:       model.SideYes,
		Direction:  model.DirectionBuy,
		Type:       model.TypeLimit,
		Quantity:   10,
		LimitPrice: d(0.40),
	})
	require.NoError(t, err)
	assert.Equal(t, model.StatusOpen, order.Status)

	// Exactly 4.00 moved from free to reserved.
	u := e.user("u1")
	assert.True(t, u.FreeBalance.Equal(d(96)), "free = %s", u.FreeBalance)
	assert.True(t, u.ReservedBalance.Equal(d(4)), "reserved = %s", u.ReservedBalance)
}

func TestPlaceLimitOrder_BuyThenCancelRoundTrip(t *testing.T) {
	e := newEnv(t)
	e.seedUser("u1", 100)
	e.seedMarket("m1", 0.60)

	order, err := e.eng.PlaceOrder(context.Background(), engine.PlaceOrderParams{
		UserID:     "u1",
		MarketID:   "m1",
		Side:       model.SideYes,
		Direction:  model.DirectionBuy,
		Type:       model.TypeLimit,
		Quantity:   10,
		LimitPrice: d(0.40),
	})
	require.NoError(t, err)

	require.NoError(t, e.eng.CancelOrder(context.Background(), "u1", order.ID))

	// Refund is exact: balances return to their prior values.
	u := e.user("u1")
	assert.True(t, u.FreeBalance.Equal(d(100)), "free = %s", u.FreeBalance)
	assert.True(t, u.ReservedBalance.IsZero(), "reserved = %s", u.ReservedBalance)
	assert.Equal(t, model.StatusCancelled, e.order(order.ID).Status)
}

func TestPlaceLimitOrder_BuyInsufficientFunds(t *testing.T) {
	e := newEnv(t)
	e.seedUser("u1", 3)
	e.seedMarket("m1", 0.60)

	_, err := e.eng.PlaceOrder(context.Background(), engine.PlaceOrderParams{
		UserID:     "u1",
		MarketID:   "m1",
		Side:       model.SideYes,
		Direction:  model.DirectionBuy,
		Type:       model.TypeLimit,
		Quantity:   10,
		LimitPrice: d(0.40),
	})
	require.ErrorIs(t, err, engine.ErrInsufficientFunds)

	u := e.user("u1")
	assert.True(t, u.FreeBalance.Equal(d(3)))
	assert.True(t, u.ReservedBalance.IsZero())
}

func TestPlaceLimitOrder_SellReservesShares(t *testing.T) {
	e := newEnv(t)
	e.seedUser("u1", 100)
	e.seedMarket("m1", 0.60)
	e.seedPosition("u1", "m1", model.SideYes, 20, 0, 0.50)

	_, err := e.eng.PlaceOrder(context.Background(), engine.PlaceOrderParams{
		UserID:     "u1",
		MarketID:   "m1",
		Side:       model.SideYes,
		Direction:  model.DirectionSell,
		Type:       model.TypeLimit,
		Quantity:   5,
		LimitPrice: d(0.70),
	})
	require.NoError(t, err)

	pos := e.position("u1", "m1", model.SideYes)
	assert.Equal(t, int64(5), pos.ReservedQuantity)
	assert.Equal(t, int64(15), pos.Available())

	// A second SELL limit beyond the remaining 15 must fail.
	_, err = e.eng.PlaceOrder(context.Background(), engine.PlaceOrderParams{
		UserID:     "u1",
		MarketID:   "m1",
		Side:       model.SideYes,
		Direction:  model.DirectionSell,
		Type:       model.TypeLimit,
		Quantity:   16,
		LimitPrice: d(0.70),
	})
	require.ErrorIs(t, err, engine.ErrInsufficientShares)
}

func TestPlaceLimitOrder_NormalizesPercentQuote(t *testing.T) {
	e := newEnv(t)
	e.seedUser("u1", 100)
	e.seedMarket("m1", 0.60)

	// 40 means 40 cents, not 40 dollars.
	order, err := e.eng.PlaceOrder(context.Background(), engine.PlaceOrderParams{
		UserID:     "u1",
		MarketID:   "m1",
		Side:       model.SideYes,
		Direction:  model.DirectionBuy,
		Type:       model.TypeLimit,
		Quantity:   10,
		LimitPrice: d(40),
	})
	require.NoError(t, err)

	assert.True(t, order.LimitPrice.Equal(d(0.40)), "limit = %s", order.LimitPrice)
	u := e.user("u1")
	assert.True(t, u.ReservedBalance.Equal(d(4)))
}

// --- Validation ---

func TestPlaceOrder_Validation(t *testing.T) {
	e := newEnv(t)
	e.seedUser("u1", 100)
	e.seedMarket("m1", 0.60)

	base := engine.PlaceOrderParams{
		UserID:     "u1",
		MarketID:   "m1",
		Side:       model.SideYes,
		Direction:  model.DirectionBuy,
		Type:       model.TypeLimit,
		Quantity:   10,
		LimitPrice: d(0.40),
	}

	cases := []struct {
		name   string
		mutate func(*engine.PlaceOrderParams)
		want   error
	}{
		{"zero quantity", func(p *engine.PlaceOrderParams) { p.Quantity = 0 }, engine.ErrInvalidInput},
		{"negative quantity", func(p *engine.PlaceOrderParams) { p.Quantity = -3 }, engine.ErrInvalidInput},
		{"bad side", func(p *engine.PlaceOrderParams) { p.Side = "MAYBE" }, engine.ErrInvalidInput},
		{"bad direction", func(p *engine.PlaceOrderParams) { p.Direction = "HOLD" }, engine.ErrInvalidInput},
		{"bad type", func(p *engine.PlaceOrderParams) { p.Type = "STOP" }, engine.ErrInvalidInput},
		{"zero limit price", func(p *engine.PlaceOrderParams) { p.LimitPrice = decimal.Zero }, engine.ErrInvalidInput},
		{"limit price of one", func(p *engine.PlaceOrderParams) { p.LimitPrice = d(1) }, engine.ErrInvalidInput},
		{"unknown market", func(p *engine.PlaceOrderParams) { p.MarketID = "nope" }, engine.ErrNotFound},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := base
			tc.mutate(&p)
			_, err := e.eng.PlaceOrder(context.Background(), p)
			require.ErrorIs(t, err, tc.want)
		})
	}
}

// outageStore simulates a persistence-layer failure on market reads.
type outageStore struct {
	store.Store
	err error
}

func (s *outageStore) GetMarket(_ context.Context, _ string) (*model.Market, error) {
	return nil, s.err
}

func TestPlaceOrder_StoreOutageIsNotNotFound(t *testing.T) {
	e := newEnv(t)
	e.seedUser("u1", 100)
	e.seedMarket("m1", 0.60)

	outage := errors.New("connection refused")
	eng := engine.New(&outageStore{Store: e.store, err: outage}, e.prices, nil)

	_, err := eng.PlaceOrder(context.Background(), engine.PlaceOrderParams{
		UserID:    "u1",
		MarketID:  "m1",
		Side:      model.SideYes,
		Direction: model.DirectionBuy,
		Type:      model.TypeMarket,
		Quantity:  1,
	})
	require.Error(t, err)
	// An outage is a transient failure, not a missing market.
	assert.NotErrorIs(t, err, engine.ErrNotFound)
	assert.ErrorIs(t, err, outage)
}

func TestPlaceOrder_MarketUnavailable(t *testing.T) {
	e := newEnv(t)
	e.seedUser("u1", 100)
	require.NoError(t, e.store.CreateMarket(context.Background(), &model.Market{
		ID:       "closed",
		Slug:     "closed-market",
		PriceYes: d(0.5),
		PriceNo:  d(0.5),
		Active:   true,
		Closed:   true,
	}))

	_, err := e.eng.PlaceOrder(context.Background(), engine.PlaceOrderParams{
		UserID:    "u1",
		MarketID:  "closed",
		Side:      model.SideYes,
		Direction: model.DirectionBuy,
		Type:      model.TypeMarket,
		Quantity:  1,
	})
	require.ErrorIs(t, err, engine.ErrMarketUnavailable)
}

// --- VWAP position accounting ---

func TestBuySettlement_VolumeWeightedAverage(t *testing.T) {
	e := newEnv(t)
	e.seedUser("u1", 100)
	e.seedMarket("m1", 0.50)

	buy := func(qty int64) {
		_, err := e.eng.PlaceOrder(context.Background(), engine.PlaceOrderParams{
			UserID:    "u1",
			MarketID:  "m1",
			Side:      model.SideYes,
			Direction: model.DirectionBuy,
			Type:      model.TypeMarket,
			Quantity:  qty,
		})
		require.NoError(t, err)
	}

	buy(10) // 10 @ 0.50
	e.prices.setYes("m1", d(0.80))
	buy(10) // 10 @ 0.80

	pos := e.position("u1", "m1", model.SideYes)
	assert.Equal(t, int64(20), pos.Quantity)
	// (10*0.50 + 10*0.80) / 20 = 0.65
	assert.True(t, pos.AvgPrice.Equal(d(0.65)), "avg = %s", pos.AvgPrice)
}

// --- Money conservation ---

func TestConservation_AcrossLifecycle(t *testing.T) {
	e := newEnv(t)
	e.seedUser("u1", 100)
	e.seedMarket("m1", 0.60)

	total := func() decimal.Decimal {
		u := e.user("u1")
		return u.FreeBalance.Add(u.ReservedBalance)
	}

	// Reservation moves money between buckets but never changes the total.
	order, err := e.eng.PlaceOrder(context.Background(), engine.PlaceOrderParams{
		UserID:     "u1",
		MarketID:   "m1",
		Side:       model.SideYes,
		Direction:  model.DirectionBuy,
		Type:       model.TypeLimit,
		Quantity:   10,
		LimitPrice: d(0.40),
	})
	require.NoError(t, err)
	assert.True(t, total().Equal(d(100)), "total after reserve = %s", total())

	// Cancellation restores the exact split.
	require.NoError(t, e.eng.CancelOrder(context.Background(), "u1", order.ID))
	assert.True(t, total().Equal(d(100)))
	u := e.user("u1")
	assert.True(t, u.FreeBalance.Equal(d(100)))
}
