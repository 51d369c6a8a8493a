package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/paperbet/order-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing and
// development. A single mutex serializes transactions, which trivially
// gives serializable isolation; writes inside a transaction are staged
// and only merged into the base maps when fn returns nil.
type MemoryStore struct {
	mu        sync.RWMutex
	users     map[string]*model.User
	orders    map[string]*model.Order
	positions map[positionKey]*model.Position
	trades    []model.Trade
	markets   map[string]*model.Market
}

type positionKey struct {
	userID   string
	marketID string
	side     string
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:     make(map[string]*model.User),
		orders:    make(map[string]*model.Order),
		positions: make(map[positionKey]*model.Position),
		markets:   make(map[string]*model.Market),
	}
}

func (s *MemoryStore) RunInTx(ctx context.Context, fn func(tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memoryTx{
		store:     s,
		users:     make(map[string]*model.User),
		orders:    make(map[string]*model.Order),
		positions: make(map[positionKey]*model.Position),
	}

	if err := fn(tx); err != nil {
		return err
	}

	// Commit: merge staged entities into the base maps.
	for id, u := range tx.users {
		s.users[id] = u
	}
	for id, o := range tx.orders {
		s.orders[id] = o
	}
	for k, p := range tx.positions {
		s.positions[k] = p
	}
	s.trades = append(s.trades, tx.trades...)
	return nil
}

func (s *MemoryStore) CreateUser(_ context.Context, u *model.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[u.ID]; ok {
		return fmt.Errorf("user %s already exists", u.ID)
	}
	cp := *u
	s.users[u.ID] = &cp
	return nil
}

func (s *MemoryStore) GetUser(_ context.Context, id string) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[id]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", id, ErrNotFound)
	}
	cp := *u
	return &cp, nil
}

func (s *MemoryStore) GetOrder(_ context.Context, id string) (*model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.orders[id]
	if !ok {
		return nil, fmt.Errorf("order %s: %w", id, ErrNotFound)
	}
	cp := *o
	return &cp, nil
}

func (s *MemoryStore) ListOpenOrders(_ context.Context) ([]model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var open []model.Order
	for _, o := range s.orders {
		if o.Status == model.StatusOpen {
			open = append(open, *o)
		}
	}
	sort.Slice(open, func(i, j int) bool {
		return open[i].CreatedAt.Before(open[j].CreatedAt)
	})
	return open, nil
}

func (s *MemoryStore) ListOrdersByUser(_ context.Context, userID, marketID string) ([]model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Order
	for _, o := range s.orders {
		if o.UserID != userID {
			continue
		}
		if marketID != "" && o.MarketID != marketID {
			continue
		}
		result = append(result, *o)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result, nil
}

func (s *MemoryStore) ListPositionsByUser(_ context.Context, userID string) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Position
	for _, p := range s.positions {
		if p.UserID == userID {
			result = append(result, *p)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].MarketID != result[j].MarketID {
			return result[i].MarketID < result[j].MarketID
		}
		return result[i].Side < result[j].Side
	})
	return result, nil
}

func (s *MemoryStore) ListTradesByUser(_ context.Context, userID string) ([]model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Trade
	for _, t := range s.trades {
		if t.UserID == userID {
			result = append(result, t)
		}
	}
	return result, nil
}

func (s *MemoryStore) CreateMarket(_ context.Context, m *model.Market) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.markets[m.ID]; ok {
		return fmt.Errorf("market %s already exists", m.ID)
	}
	for _, existing := range s.markets {
		if existing.Slug == m.Slug {
			return fmt.Errorf("market slug %s already exists", m.Slug)
		}
	}
	cp := *m
	s.markets[m.ID] = &cp
	return nil
}

func (s *MemoryStore) GetMarket(_ context.Context, id string) (*model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.markets[id]
	if !ok {
		return nil, fmt.Errorf("market %s: %w", id, ErrNotFound)
	}
	cp := *m
	return &cp, nil
}

func (s *MemoryStore) GetMarketBySlug(_ context.Context, slug string) (*model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, m := range s.markets {
		if m.Slug == slug {
			cp := *m
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("market slug %s: %w", slug, ErrNotFound)
}

func (s *MemoryStore) ListMarkets(_ context.Context) ([]model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	markets := make([]model.Market, 0, len(s.markets))
	for _, m := range s.markets {
		markets = append(markets, *m)
	}
	sort.Slice(markets, func(i, j int) bool {
		return markets[i].Slug < markets[j].Slug
	})
	return markets, nil
}

func (s *MemoryStore) UpdateMarketPrices(_ context.Context, id string, priceYes, priceNo decimal.Decimal, updatedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.markets[id]
	if !ok {
		return fmt.Errorf("market %s: %w", id, ErrNotFound)
	}
	m.PriceYes = priceYes
	m.PriceNo = priceNo
	m.UpdatedAt = updatedAt
	return nil
}

func (s *MemoryStore) AddMarketVolume(_ context.Context, id string, qty int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.markets[id]
	if !ok {
		return fmt.Errorf("market %s: %w", id, ErrNotFound)
	}
	m.Volume += qty
	return nil
}

// memoryTx stages writes against the base store. Reads see staged
// entities first, then the base maps. The store mutex is held for the
// whole transaction, so no other reader or writer can interleave.
type memoryTx struct {
	store     *MemoryStore
	users     map[string]*model.User
	orders    map[string]*model.Order
	positions map[positionKey]*model.Position
	trades    []model.Trade
}

func (tx *memoryTx) GetUser(_ context.Context, id string) (*model.User, error) {
	if u, ok := tx.users[id]; ok {
		cp := *u
		return &cp, nil
	}
	u, ok := tx.store.users[id]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", id, ErrNotFound)
	}
	cp := *u
	return &cp, nil
}

func (tx *memoryTx) UpdateUserBalances(ctx context.Context, id string, free, reserved decimal.Decimal) error {
	u, err := tx.GetUser(ctx, id)
	if err != nil {
		return err
	}
	u.FreeBalance = free
	u.ReservedBalance = reserved
	tx.users[id] = u
	return nil
}

func (tx *memoryTx) GetOrder(_ context.Context, id string) (*model.Order, error) {
	if o, ok := tx.orders[id]; ok {
		cp := *o
		return &cp, nil
	}
	o, ok := tx.store.orders[id]
	if !ok {
		return nil, fmt.Errorf("order %s: %w", id, ErrNotFound)
	}
	cp := *o
	return &cp, nil
}

func (tx *memoryTx) CreateOrder(_ context.Context, o *model.Order) error {
	if _, ok := tx.store.orders[o.ID]; ok {
		return fmt.Errorf("order %s already exists", o.ID)
	}
	cp := *o
	tx.orders[o.ID] = &cp
	return nil
}

func (tx *memoryTx) UpdateOrderStatus(ctx context.Context, id, status string, filledQty int64, fillPrice decimal.Decimal) error {
	o, err := tx.GetOrder(ctx, id)
	if err != nil {
		return err
	}
	o.Status = status
	o.FilledQty = filledQty
	o.FillPrice = fillPrice
	tx.orders[id] = o
	return nil
}

func (tx *memoryTx) GetPosition(_ context.Context, userID, marketID, side string) (*model.Position, error) {
	key := positionKey{userID, marketID, side}
	if p, ok := tx.positions[key]; ok {
		cp := *p
		return &cp, nil
	}
	p, ok := tx.store.positions[key]
	if !ok {
		return nil, fmt.Errorf("position %s/%s/%s: %w", userID, marketID, side, ErrNotFound)
	}
	cp := *p
	return &cp, nil
}

func (tx *memoryTx) UpsertPosition(_ context.Context, p *model.Position) error {
	cp := *p
	tx.positions[positionKey{p.UserID, p.MarketID, p.Side}] = &cp
	return nil
}

func (tx *memoryTx) InsertTrade(_ context.Context, t *model.Trade) error {
	tx.trades = append(tx.trades, *t)
	return nil
}
