// Package model defines the core domain types shared across the order engine.
// All monetary values use shopspring/decimal — never float64 for money.
// Share quantities are whole numbers and use int64.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Outcome sides of a binary market.
const (
	SideYes = "YES"
	SideNo  = "NO"
)

// Order directions.
const (
	DirectionBuy  = "BUY"
	DirectionSell = "SELL"
)

// Order types.
const (
	TypeMarket = "MARKET"
	TypeLimit  = "LIMIT"
)

// Order lifecycle states. OPEN is the only non-terminal state; an order
// never re-opens once it reaches FILLED, CANCELLED or EXPIRED.
const (
	StatusOpen      = "OPEN"
	StatusFilled    = "FILLED"
	StatusCancelled = "CANCELLED"
	StatusExpired   = "EXPIRED"
)

// ValidSide reports whether s is a recognized outcome side.
func ValidSide(s string) bool { return s == SideYes || s == SideNo }

// ValidDirection reports whether d is a recognized order direction.
func ValidDirection(d string) bool { return d == DirectionBuy || d == DirectionSell }

// ValidType reports whether t is a recognized order type.
func ValidType(t string) bool { return t == TypeMarket || t == TypeLimit }

// User holds a trader's simulated cash. FreeBalance is spendable;
// ReservedBalance is carved out for open BUY limit orders. Both are
// always >= 0 and only the engine's settlement/refund paths move money
// between them.
type User struct {
	ID              string          `json:"id" db:"id"`
	FreeBalance     decimal.Decimal `json:"free_balance" db:"free_balance"`
	ReservedBalance decimal.Decimal `json:"reserved_balance" db:"reserved_balance"`
	CreatedAt       time.Time       `json:"created_at" db:"created_at"`
}

// Position is a trader's holding in one outcome side of one market.
// ReservedQuantity is carved out for open SELL limit orders, with
// 0 <= ReservedQuantity <= Quantity. Positions are created on first fill
// and never deleted; Quantity may fall to zero.
type Position struct {
	UserID           string          `json:"user_id" db:"user_id"`
	MarketID         string          `json:"market_id" db:"market_id"`
	Side             string          `json:"side" db:"side"`
	Quantity         int64           `json:"quantity" db:"quantity"`
	ReservedQuantity int64           `json:"reserved_quantity" db:"reserved_quantity"`
	AvgPrice         decimal.Decimal `json:"avg_price" db:"avg_price"` // volume-weighted entry price
	UpdatedAt        time.Time       `json:"updated_at" db:"updated_at"`
}

// Available returns the shares not locked by open SELL limit orders.
func (p *Position) Available() int64 {
	return p.Quantity - p.ReservedQuantity
}

// Order is a MARKET or LIMIT order. LimitPrice is meaningful only for
// LIMIT orders and is a probability-price in (0,1) exclusive.
type Order struct {
	ID         string          `json:"id" db:"id"`
	UserID     string          `json:"user_id" db:"user_id"`
	MarketID   string          `json:"market_id" db:"market_id"`
	Side       string          `json:"side" db:"side"`
	Direction  string          `json:"direction" db:"direction"`
	Type       string          `json:"type" db:"order_type"`
	Quantity   int64           `json:"quantity" db:"quantity"`
	LimitPrice decimal.Decimal `json:"limit_price" db:"limit_price"`
	FilledQty  int64           `json:"filled_qty" db:"filled_qty"`
	FillPrice  decimal.Decimal `json:"fill_price" db:"fill_price"`
	Status     string          `json:"status" db:"status"`
	ExpiresAt  *time.Time      `json:"expires_at,omitempty" db:"expires_at"`
	CreatedAt  time.Time       `json:"created_at" db:"created_at"`
}

// Expired reports whether the order's expiry, if any, is at or before now.
func (o *Order) Expired(now time.Time) bool {
	return o.ExpiresAt != nil && !o.ExpiresAt.After(now)
}

// ReservedCost returns the cash reserved for a BUY limit order at
// placement: LimitPrice * Quantity.
func (o *Order) ReservedCost() decimal.Decimal {
	return o.LimitPrice.Mul(decimal.NewFromInt(o.Quantity))
}

// Trade is an immutable record of an execution. Once created, trades are
// never modified or deleted; they are the audit trail for settlement.
type Trade struct {
	ID         string          `json:"id" db:"id"`
	OrderID    string          `json:"order_id" db:"order_id"`
	UserID     string          `json:"user_id" db:"user_id"`
	MarketID   string          `json:"market_id" db:"market_id"`
	Side       string          `json:"side" db:"side"`
	Quantity   int64           `json:"quantity" db:"quantity"`
	Price      decimal.Decimal `json:"price" db:"price"`
	ExecutedAt time.Time       `json:"executed_at" db:"executed_at"`
}

// Market is the cached state of a binary prediction market. The engine
// only consumes its current price through the pricing source; prices are
// written by an external feed or the dev simulator. PriceNo is always
// kept at 1 - PriceYes.
type Market struct {
	ID        string          `json:"id" db:"id"`
	Slug      string          `json:"slug" db:"slug"`
	Question  string          `json:"question" db:"question"`
	PriceYes  decimal.Decimal `json:"price_yes" db:"price_yes"`
	PriceNo   decimal.Decimal `json:"price_no" db:"price_no"`
	Active    bool            `json:"active" db:"active"`
	Closed    bool            `json:"closed" db:"closed"`
	Volume    int64           `json:"volume" db:"volume"` // cumulative traded shares
	UpdatedAt time.Time       `json:"updated_at" db:"updated_at"`
}

// Tradable reports whether orders may be placed against the market.
func (m *Market) Tradable() bool { return m.Active && !m.Closed }

// Portfolio aggregates a user's balances and open positions with
// mark-to-market valuations.
type Portfolio struct {
	UserID          string          `json:"user_id"`
	FreeBalance     decimal.Decimal `json:"free_balance"`
	ReservedBalance decimal.Decimal `json:"reserved_balance"`
	Positions       []PositionValue `json:"positions"`
	UnrealizedPnL   decimal.Decimal `json:"unrealized_pnl"`
	TotalEquity     decimal.Decimal `json:"total_equity"` // free + reserved + position value
}

// PositionValue is a position marked to the current market price.
type PositionValue struct {
	Position
	CurrentPrice  decimal.Decimal `json:"current_price"`
	CurrentValue  decimal.Decimal `json:"current_value"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
}
