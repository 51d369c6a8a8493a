package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/paperbet/order-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
// Transactions run at SERIALIZABLE isolation and row-lock what they read,
// so the engine's read-verify-then-write guards hold under concurrency.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates the ledger tables if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS users (
			id               TEXT PRIMARY KEY,
			free_balance     NUMERIC NOT NULL DEFAULT 0,
			reserved_balance NUMERIC NOT NULL DEFAULT 0,
			created_at       TIMESTAMPTZ NOT NULL
		);
		CREATE TABLE IF NOT EXISTS markets (
			id         TEXT PRIMARY KEY,
			slug       TEXT NOT NULL UNIQUE,
			question   TEXT NOT NULL DEFAULT '',
			price_yes  NUMERIC NOT NULL,
			price_no   NUMERIC NOT NULL,
			active     BOOLEAN NOT NULL DEFAULT TRUE,
			closed     BOOLEAN NOT NULL DEFAULT FALSE,
			volume     BIGINT NOT NULL DEFAULT 0,
			updated_at TIMESTAMPTZ NOT NULL
		);
		CREATE TABLE IF NOT EXISTS orders (
			id          TEXT PRIMARY KEY,
			user_id     TEXT NOT NULL REFERENCES users(id),
			market_id   TEXT NOT NULL REFERENCES markets(id),
			side        TEXT NOT NULL,
			direction   TEXT NOT NULL,
			order_type  TEXT NOT NULL,
			quantity    BIGINT NOT NULL,
			limit_price NUMERIC NOT NULL DEFAULT 0,
			filled_qty  BIGINT NOT NULL DEFAULT 0,
			fill_price  NUMERIC NOT NULL DEFAULT 0,
			status      TEXT NOT NULL,
			expires_at  TIMESTAMPTZ,
			created_at  TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_orders_open ON orders (status) WHERE status = 'OPEN';
		CREATE INDEX IF NOT EXISTS idx_orders_user ON orders (user_id, created_at DESC);
		CREATE TABLE IF NOT EXISTS positions (
			user_id           TEXT NOT NULL REFERENCES users(id),
			market_id         TEXT NOT NULL REFERENCES markets(id),
			side              TEXT NOT NULL,
			quantity          BIGINT NOT NULL DEFAULT 0,
			reserved_quantity BIGINT NOT NULL DEFAULT 0,
			avg_price         NUMERIC NOT NULL DEFAULT 0,
			updated_at        TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (user_id, market_id, side)
		);
		CREATE TABLE IF NOT EXISTS trades (
			id          TEXT PRIMARY KEY,
			order_id    TEXT NOT NULL REFERENCES orders(id),
			user_id     TEXT NOT NULL REFERENCES users(id),
			market_id   TEXT NOT NULL REFERENCES markets(id),
			side        TEXT NOT NULL,
			quantity    BIGINT NOT NULL,
			price       NUMERIC NOT NULL,
			executed_at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_trades_user ON trades (user_id, executed_at);
	`)
	return err
}

func (s *PostgresStore) RunInTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&postgresTx{tx: tx}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) CreateUser(ctx context.Context, u *model.User) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO users (id, free_balance, reserved_balance, created_at)
		 VALUES ($1, $2::NUMERIC, $3::NUMERIC, $4)`,
		u.ID, u.FreeBalance.String(), u.ReservedBalance.String(), u.CreatedAt,
	)
	return err
}

func (s *PostgresStore) GetUser(ctx context.Context, id string) (*model.User, error) {
	return scanUser(s.pool.QueryRow(ctx,
		`SELECT id, free_balance::TEXT, reserved_balance::TEXT, created_at
		 FROM users WHERE id = $1`, id), id)
}

func (s *PostgresStore) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	return scanOrder(s.pool.QueryRow(ctx, selectOrder+` WHERE id = $1`, id), id)
}

func (s *PostgresStore) ListOpenOrders(ctx context.Context) ([]model.Order, error) {
	rows, err := s.pool.Query(ctx, selectOrder+` WHERE status = 'OPEN' ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanOrders(rows)
}

func (s *PostgresStore) ListOrdersByUser(ctx context.Context, userID, marketID string) ([]model.Order, error) {
	query := selectOrder + ` WHERE user_id = $1`
	args := []any{userID}
	if marketID != "" {
		query += ` AND market_id = $2`
		args = append(args, marketID)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanOrders(rows)
}

func (s *PostgresStore) ListPositionsByUser(ctx context.Context, userID string) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT user_id, market_id, side, quantity, reserved_quantity, avg_price::TEXT, updated_at
		 FROM positions WHERE user_id = $1 ORDER BY market_id, side`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []model.Position
	for rows.Next() {
		var p model.Position
		var avgS string
		if err := rows.Scan(&p.UserID, &p.MarketID, &p.Side,
			&p.Quantity, &p.ReservedQuantity, &avgS, &p.UpdatedAt); err != nil {
			return nil, err
		}
		p.AvgPrice, _ = decimal.NewFromString(avgS)
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

func (s *PostgresStore) ListTradesByUser(ctx context.Context, userID string) ([]model.Trade, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, order_id, user_id, market_id, side, quantity, price::TEXT, executed_at
		 FROM trades WHERE user_id = $1 ORDER BY executed_at`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []model.Trade
	for rows.Next() {
		var t model.Trade
		var priceS string
		if err := rows.Scan(&t.ID, &t.OrderID, &t.UserID, &t.MarketID, &t.Side,
			&t.Quantity, &priceS, &t.ExecutedAt); err != nil {
			return nil, err
		}
		t.Price, _ = decimal.NewFromString(priceS)
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

func (s *PostgresStore) CreateMarket(ctx context.Context, m *model.Market) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO markets (id, slug, question, price_yes, price_no, active, closed, volume, updated_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6, $7, $8, $9)`,
		m.ID, m.Slug, m.Question,
		m.PriceYes.String(), m.PriceNo.String(),
		m.Active, m.Closed, m.Volume, m.UpdatedAt,
	)
	return err
}

func (s *PostgresStore) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	return scanMarket(s.pool.QueryRow(ctx, selectMarket+` WHERE id = $1`, id), id)
}

func (s *PostgresStore) GetMarketBySlug(ctx context.Context, slug string) (*model.Market, error) {
	return scanMarket(s.pool.QueryRow(ctx, selectMarket+` WHERE slug = $1`, slug), slug)
}

func (s *PostgresStore) ListMarkets(ctx context.Context) ([]model.Market, error) {
	rows, err := s.pool.Query(ctx, selectMarket+` ORDER BY slug`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var markets []model.Market
	for rows.Next() {
		var m model.Market
		var yesS, noS string
		if err := rows.Scan(&m.ID, &m.Slug, &m.Question, &yesS, &noS,
			&m.Active, &m.Closed, &m.Volume, &m.UpdatedAt); err != nil {
			return nil, err
		}
		m.PriceYes, _ = decimal.NewFromString(yesS)
		m.PriceNo, _ = decimal.NewFromString(noS)
		markets = append(markets, m)
	}
	return markets, rows.Err()
}

func (s *PostgresStore) UpdateMarketPrices(ctx context.Context, id string, priceYes, priceNo decimal.Decimal, updatedAt time.Time) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE markets SET price_yes = $2::NUMERIC, price_no = $3::NUMERIC, updated_at = $4
		 WHERE id = $1`,
		id, priceYes.String(), priceNo.String(), updatedAt,
	)
	return err
}

func (s *PostgresStore) AddMarketVolume(ctx context.Context, id string, qty int64) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE markets SET volume = volume + $2 WHERE id = $1`, id, qty)
	return err
}

// postgresTx implements Tx over a pgx transaction. Entity reads use
// FOR UPDATE so the rows stay locked until commit.
type postgresTx struct {
	tx pgx.Tx
}

func (t *postgresTx) GetUser(ctx context.Context, id string) (*model.User, error) {
	return scanUser(t.tx.QueryRow(ctx,
		`SELECT id, free_balance::TEXT, reserved_balance::TEXT, created_at
		 FROM users WHERE id = $1 FOR UPDATE`, id), id)
}

func (t *postgresTx) UpdateUserBalances(ctx context.Context, id string, free, reserved decimal.Decimal) error {
	_, err := t.tx.Exec(ctx,
		`UPDATE users SET free_balance = $2::NUMERIC, reserved_balance = $3::NUMERIC
		 WHERE id = $1`,
		id, free.String(), reserved.String(),
	)
	return err
}

func (t *postgresTx) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	return scanOrder(t.tx.QueryRow(ctx, selectOrder+` WHERE id = $1 FOR UPDATE`, id), id)
}

func (t *postgresTx) CreateOrder(ctx context.Context, o *model.Order) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO orders (id, user_id, market_id, side, direction, order_type,
		                     quantity, limit_price, filled_qty, fill_price, status, expires_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8::NUMERIC, $9, $10::NUMERIC, $11, $12, $13)`,
		o.ID, o.UserID, o.MarketID, o.Side, o.Direction, o.Type,
		o.Quantity, o.LimitPrice.String(), o.FilledQty, o.FillPrice.String(),
		o.Status, o.ExpiresAt, o.CreatedAt,
	)
	return err
}

func (t *postgresTx) UpdateOrderStatus(ctx context.Context, id, status string, filledQty int64, fillPrice decimal.Decimal) error {
	_, err := t.tx.Exec(ctx,
		`UPDATE orders SET status = $2, filled_qty = $3, fill_price = $4::NUMERIC
		 WHERE id = $1`,
		id, status, filledQty, fillPrice.String(),
	)
	return err
}

func (t *postgresTx) GetPosition(ctx context.Context, userID, marketID, side string) (*model.Position, error) {
	var p model.Position
	var avgS string

	err := t.tx.QueryRow(ctx,
		`SELECT user_id, market_id, side, quantity, reserved_quantity, avg_price::TEXT, updated_at
		 FROM positions WHERE user_id = $1 AND market_id = $2 AND side = $3 FOR UPDATE`,
		userID, marketID, side).
		Scan(&p.UserID, &p.MarketID, &p.Side,
			&p.Quantity, &p.ReservedQuantity, &avgS, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("position %s/%s/%s: %w", userID, marketID, side, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	p.AvgPrice, _ = decimal.NewFromString(avgS)
	return &p, nil
}

func (t *postgresTx) UpsertPosition(ctx context.Context, p *model.Position) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO positions (user_id, market_id, side, quantity, reserved_quantity, avg_price, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7)
		 ON CONFLICT (user_id, market_id, side) DO UPDATE SET
		   quantity = EXCLUDED.quantity,
		   reserved_quantity = EXCLUDED.reserved_quantity,
		   avg_price = EXCLUDED.avg_price,
		   updated_at = EXCLUDED.updated_at`,
		p.UserID, p.MarketID, p.Side,
		p.Quantity, p.ReservedQuantity, p.AvgPrice.String(), p.UpdatedAt,
	)
	return err
}

func (t *postgresTx) InsertTrade(ctx context.Context, tr *model.Trade) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO trades (id, order_id, user_id, market_id, side, quantity, price, executed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7::NUMERIC, $8)`,
		tr.ID, tr.OrderID, tr.UserID, tr.MarketID, tr.Side,
		tr.Quantity, tr.Price.String(), tr.ExecutedAt,
	)
	return err
}

// --- row scanning helpers ---

const selectOrder = `SELECT id, user_id, market_id, side, direction, order_type,
       quantity, limit_price::TEXT, filled_qty, fill_price::TEXT, status, expires_at, created_at
 FROM orders`

const selectMarket = `SELECT id, slug, question, price_yes::TEXT, price_no::TEXT,
       active, closed, volume, updated_at
 FROM markets`

func scanUser(row pgx.Row, id string) (*model.User, error) {
	var u model.User
	var freeS, reservedS string

	err := row.Scan(&u.ID, &freeS, &reservedS, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("user %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get user %s: %w", id, err)
	}

	u.FreeBalance, _ = decimal.NewFromString(freeS)
	u.ReservedBalance, _ = decimal.NewFromString(reservedS)
	return &u, nil
}

func scanOrder(row pgx.Row, id string) (*model.Order, error) {
	var o model.Order
	var limitS, fillS string

	err := row.Scan(&o.ID, &o.UserID, &o.MarketID, &o.Side, &o.Direction, &o.Type,
		&o.Quantity, &limitS, &o.FilledQty, &fillS, &o.Status, &o.ExpiresAt, &o.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("order %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get order %s: %w", id, err)
	}

	o.LimitPrice, _ = decimal.NewFromString(limitS)
	o.FillPrice, _ = decimal.NewFromString(fillS)
	return &o, nil
}

func scanOrders(rows pgx.Rows) ([]model.Order, error) {
	var orders []model.Order
	for rows.Next() {
		var o model.Order
		var limitS, fillS string
		if err := rows.Scan(&o.ID, &o.UserID, &o.MarketID, &o.Side, &o.Direction, &o.Type,
			&o.Quantity, &limitS, &o.FilledQty, &fillS, &o.Status, &o.ExpiresAt, &o.CreatedAt); err != nil {
			return nil, err
		}
		o.LimitPrice, _ = decimal.NewFromString(limitS)
		o.FillPrice, _ = decimal.NewFromString(fillS)
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

func scanMarket(row pgx.Row, key string) (*model.Market, error) {
	var m model.Market
	var yesS, noS string

	err := row.Scan(&m.ID, &m.Slug, &m.Question, &yesS, &noS,
		&m.Active, &m.Closed, &m.Volume, &m.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("market %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get market %s: %w", key, err)
	}

	m.PriceYes, _ = decimal.NewFromString(yesS)
	m.PriceNo, _ = decimal.NewFromString(noS)
	return &m, nil
}
