// Package store defines the persistence interface for the order engine's
// ledger: users, positions, orders, trades, and the cached market table.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/paperbet/order-engine/internal/model"
)

// ErrNotFound is returned by lookups that match no row.
var ErrNotFound = errors.New("store: not found")

// Store is the ledger persistence interface. Every state transition that
// touches an order's status together with balances or reservations runs
// through RunInTx; the plain getters are read-only projections.
type Store interface {
	// RunInTx executes fn inside a single atomic transaction at
	// serializable (or equivalent) isolation. If fn returns an error the
	// transaction is fully rolled back.
	RunInTx(ctx context.Context, fn func(tx Tx) error) error

	// --- Users ---

	CreateUser(ctx context.Context, u *model.User) error
	GetUser(ctx context.Context, id string) (*model.User, error)

	// --- Orders ---

	GetOrder(ctx context.Context, id string) (*model.Order, error)

	// ListOpenOrders returns every order with status OPEN, the matching
	// sweep's candidate set. Expiry is evaluated per order by the caller.
	ListOpenOrders(ctx context.Context) ([]model.Order, error)

	// ListOrdersByUser returns a user's orders, optionally filtered to one
	// market (empty marketID = all markets), newest first.
	ListOrdersByUser(ctx context.Context, userID, marketID string) ([]model.Order, error)

	// --- Positions & trades ---

	ListPositionsByUser(ctx context.Context, userID string) ([]model.Position, error)
	ListTradesByUser(ctx context.Context, userID string) ([]model.Trade, error)

	// --- Markets ---

	CreateMarket(ctx context.Context, m *model.Market) error
	GetMarket(ctx context.Context, id string) (*model.Market, error)
	GetMarketBySlug(ctx context.Context, slug string) (*model.Market, error)
	ListMarkets(ctx context.Context) ([]model.Market, error)

	// UpdateMarketPrices sets the YES/NO price pair for a market. Callers
	// must keep priceNo = 1 - priceYes.
	UpdateMarketPrices(ctx context.Context, id string, priceYes, priceNo decimal.Decimal, updatedAt time.Time) error

	// AddMarketVolume adds executed shares to a market's cumulative volume.
	AddMarketVolume(ctx context.Context, id string, qty int64) error
}

// Tx is the view of the store inside a transaction. Reads through a Tx
// lock the rows they return (SELECT ... FOR UPDATE in PostgreSQL), so a
// re-read of an order's status inside the transaction is a reliable
// settlement guard.
type Tx interface {
	GetUser(ctx context.Context, id string) (*model.User, error)

	// UpdateUserBalances overwrites both balance columns for a user.
	UpdateUserBalances(ctx context.Context, id string, free, reserved decimal.Decimal) error

	GetOrder(ctx context.Context, id string) (*model.Order, error)
	CreateOrder(ctx context.Context, o *model.Order) error

	// UpdateOrderStatus moves an order to a terminal state. FilledQty and
	// FillPrice are written as given (zero values for cancel/expiry).
	UpdateOrderStatus(ctx context.Context, id, status string, filledQty int64, fillPrice decimal.Decimal) error

	// GetPosition returns the position for (user, market, side) or
	// ErrNotFound if the user has never filled on that side.
	GetPosition(ctx context.Context, userID, marketID, side string) (*model.Position, error)

	// UpsertPosition creates or replaces the position identified by
	// (UserID, MarketID, Side).
	UpsertPosition(ctx context.Context, p *model.Position) error

	InsertTrade(ctx context.Context, t *model.Trade) error
}
